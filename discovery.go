// Copyright 2021 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package umibatch

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/umibatch/fastq"
	"github.com/grailbio/umibatch/util"
)

// Read-pair markers in Illumina-style filenames.
const (
	r1Marker = "_R1"
	r2Marker = "_R2"
)

// laneSuffixRe matches the read-pair/lane suffix of an Illumina-style FASTQ
// filename, e.g. "_R1_001.fastq.gz".
var laneSuffixRe = regexp.MustCompile(`_R1(_\d+)?\.f(ast)?q(\.gz)?$`)

// fastqExtRe matches a bare FASTQ extension, optionally compressed.
var fastqExtRe = regexp.MustCompile(`\.f(ast)?q(\.gz)?$`)

// A Sample is one logical unit of work: a read-1 file plus, in paired mode,
// its mate. Samples are immutable once discovered and each is consumed by
// exactly one pipeline execution.
type Sample struct {
	// ID uniquely identifies the sample within a run. It also names the
	// sample's slice of the output namespace, so uniqueness is what keeps
	// concurrent pipelines from writing the same paths.
	ID string
	// R1 is the absolute path of the read-1 file.
	R1 string
	// R2 is the absolute path of the mate file; empty in single-end mode.
	R2 string
}

// DiscoveryStats counts what Discover saw.
type DiscoveryStats struct {
	// Matched is the number of valid samples returned.
	Matched int
	// MissingMate counts R1 files excluded because the derived mate path
	// does not exist.
	MissingMate int
	// Unreadable counts R1 files excluded because they are empty or could
	// not be stat'ed.
	Unreadable int
}

// SampleID derives the canonical sample identifier from a read-1 filename:
// the Illumina read-pair/lane suffix is stripped when present, otherwise the
// R1 marker and the FASTQ extension are removed. The same filename always
// yields the same identifier.
func SampleID(r1Base string) string {
	if loc := laneSuffixRe.FindStringIndex(r1Base); loc != nil {
		return r1Base[:loc[0]]
	}
	id := fastqExtRe.ReplaceAllString(r1Base, "")
	if idx := strings.LastIndex(id, r1Marker); idx >= 0 {
		id = id[:idx] + id[idx+len(r1Marker):]
	}
	return id
}

// MatePath derives the read-2 path from a read-1 path by substituting the
// last R1 marker in the filename. The directory part is never touched.
func MatePath(r1Path string) (string, bool) {
	dir, base := filepath.Split(r1Path)
	idx := strings.LastIndex(base, r1Marker)
	if idx < 0 {
		return "", false
	}
	return dir + base[:idx] + r2Marker + base[idx+len(r1Marker):], true
}

// Discover scans the input directory for read-1 FASTQ files and assembles
// the set of samples to process, in directory-traversal order. R1 files
// whose mate is missing (paired mode) or which are empty are excluded with
// a warning; a duplicate sample identifier is a fatal error because two
// pipelines would then share an output directory.
func Discover(opts *Opts) ([]Sample, DiscoveryStats, error) {
	var stats DiscoveryStats
	r1Files, err := listReadFiles(opts)
	if err != nil {
		return nil, stats, err
	}

	var samples []Sample
	seen := map[string]string{} // sample ID -> R1 path
	for _, r1 := range r1Files {
		info, err := os.Stat(r1)
		if err != nil || info.Size() == 0 {
			log.Error.Printf("discovery: skipping unreadable or empty read file %s", r1)
			stats.Unreadable++
			continue
		}
		s := Sample{ID: SampleID(filepath.Base(r1)), R1: r1}
		if !opts.SingleEnd {
			mate, ok := MatePath(r1)
			if !ok {
				// Cannot happen: listReadFiles only returns marker matches.
				log.Error.Printf("discovery: no %s marker in %s, skipping", r1Marker, r1)
				stats.MissingMate++
				continue
			}
			if _, err := os.Stat(mate); err != nil {
				warnMissingMate(r1, mate)
				stats.MissingMate++
				continue
			}
			s.R2 = mate
		}
		if prev, ok := seen[s.ID]; ok {
			return nil, stats, fmt.Errorf(
				"ambiguous batch: %s and %s both resolve to sample id %q", prev, r1, s.ID)
		}
		seen[s.ID] = r1
		samples = append(samples, s)
		stats.Matched++
	}
	return samples, stats, nil
}

// listReadFiles returns the absolute paths of all read-1 candidates under
// the input root, in deterministic traversal order. The pipeline's own
// output directories are never scanned, so re-running against a processed
// directory sees the same inputs.
func listReadFiles(opts *Opts) ([]string, error) {
	root, err := filepath.Abs(opts.InputDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	if !opts.Recursive {
		infos, err := ioutil.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if info.IsDir() || !isReadFile(info.Name()) {
				continue
			}
			paths = append(paths, filepath.Join(root, info.Name()))
		}
		return paths, nil
	}
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			switch info.Name() {
			case filteredDirName, correctedDirName, qcDirName:
				return filepath.SkipDir
			}
			return nil
		}
		if isReadFile(info.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func isReadFile(name string) bool {
	return fastq.IsFastq(name) && strings.Contains(name, r1Marker)
}

// warnMissingMate logs the exclusion, suggesting the closest sibling
// filename since a missing mate is usually a typo or a partial upload.
func warnMissingMate(r1, mate string) {
	dir := filepath.Dir(mate)
	var siblings []string
	if infos, err := ioutil.ReadDir(dir); err == nil {
		for _, info := range infos {
			if !info.IsDir() && fastq.IsFastq(info.Name()) {
				siblings = append(siblings, info.Name())
			}
		}
	}
	base := filepath.Base(mate)
	if nearest, dist := util.Nearest(base, siblings); dist >= 0 && dist <= 3 && nearest != filepath.Base(r1) {
		log.Error.Printf("discovery: mate %s for %s not found (closest existing file: %s), skipping sample",
			base, filepath.Base(r1), nearest)
		return
	}
	log.Error.Printf("discovery: mate %s for %s not found, skipping sample", base, filepath.Base(r1))
}
