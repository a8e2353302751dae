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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"v.io/x/lib/lookpath"
)

// External tools driven by the pipeline. Their algorithms are consumed via
// their command-line contracts only.
const (
	toolFilter    = "fastp"
	toolCorrect   = "run_umierrorcorrect.py"
	toolAligner   = "bwa"
	toolReport    = "fastqc"
	toolAggregate = "multiqc"
)

// Output subdirectories created under the input directory.
const (
	filteredDirName  = "filtered_fastqs"
	correctedDirName = "umi_corrected_samples"
	qcDirName        = "qc_reports"
)

// Opts holds the process-wide configuration. It is resolved once at startup
// and treated as read-only afterwards; all concurrent pipeline executions
// share one value.
type Opts struct {
	// InputDir is the root directory scanned for FASTQ inputs.
	InputDir string
	// Reference is the path to the indexed reference genome (.fa/.fasta/.fn).
	Reference string
	// Bed optionally restricts correction to the regions in this file.
	Bed string

	UMILength    int
	SpacerLength int
	// Threads bounds the number of concurrently running sample pipelines and
	// is passed on to the external tools as their worker count.
	Threads int

	// NoFiltering skips the fastp stage; raw reads go straight to correction.
	NoFiltering bool
	// MergeReads merges overlapping R1/R2 pairs during filtering; the merged
	// single output is then corrected in single mode.
	MergeReads bool
	// SingleEnd disables mate discovery and runs correction in single mode.
	SingleEnd bool
	// Recursive scans nested directories for inputs.
	Recursive bool

	PhredScore        int
	PercentLowQuality int

	SkipFastqc  bool
	SkipMultiqc bool

	// Strict makes the process exit nonzero when any sample failed. The
	// default is best effort: per-sample failures are reported but do not
	// change the exit status.
	Strict bool
	// StageTimeout bounds each external tool invocation. Zero means no
	// timeout; a hung tool then occupies its worker slot until the operator
	// intervenes.
	StageTimeout time.Duration
	// OutputGrace bounds the wait for a filter output file to materialize
	// after fastp exits. Tools may flush asynchronously, so existence is
	// polled rather than checked once.
	OutputGrace time.Duration
	// PollInterval is the materialization polling period.
	PollInterval time.Duration
}

// DefaultOpts mirrors the defaults of the most feature-complete driver
// script this tool replaces.
var DefaultOpts = Opts{
	InputDir:          ".",
	UMILength:         19,
	SpacerLength:      16,
	Threads:           4,
	PhredScore:        20,
	PercentLowQuality: 40,
	OutputGrace:       30 * time.Second,
	PollInterval:      250 * time.Millisecond,
}

// ApplyPreset overwrites tunables with a named historical default set.
// "legacy" restores the defaults of the earliest driver scripts (short UMIs,
// permissive quality threshold).
func (o *Opts) ApplyPreset(name string) error {
	switch name {
	case "":
		return nil
	case "legacy":
		o.UMILength = 12
		o.PhredScore = 15
		return nil
	}
	return fmt.Errorf("unknown preset %q (supported: legacy)", name)
}

// FilteredDir returns the directory fastp outputs are written to.
func (o *Opts) FilteredDir() string { return filepath.Join(o.InputDir, filteredDirName) }

// CorrectedDir returns the root directory for per-sample correction output.
func (o *Opts) CorrectedDir() string { return filepath.Join(o.InputDir, correctedDirName) }

// QCDir returns the directory quality reports are written to.
func (o *Opts) QCDir() string { return filepath.Join(o.InputDir, qcDirName) }

var referenceExtensions = []string{".fa", ".fasta", ".fn"}

// Validate checks every fatal precondition: the input directory, the
// reference genome, the annotation file when one was named, and the presence
// of the required external tools on PATH (looked up in env). It runs once
// before any subprocess work starts; per-sample problems are not its
// concern.
func (o *Opts) Validate(env map[string]string) error {
	info, err := os.Stat(o.InputDir)
	if err != nil {
		return errors.E(err, "input directory:", o.InputDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("input path %s is not a directory", o.InputDir)
	}

	refInfo, err := os.Stat(o.Reference)
	if err != nil {
		return errors.E(err, "reference genome:", o.Reference)
	}
	if refInfo.IsDir() || refInfo.Size() == 0 {
		return fmt.Errorf("reference genome %s is empty or not a regular file", o.Reference)
	}
	ext := strings.ToLower(filepath.Ext(o.Reference))
	ok := false
	for _, e := range referenceExtensions {
		if ext == e {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("reference genome %s: extension %q is not a FASTA extension (want one of %s)",
			o.Reference, ext, strings.Join(referenceExtensions, ", "))
	}

	if o.Bed != "" {
		if _, err := os.Stat(o.Bed); err != nil {
			return errors.E(err, "annotation regions file:", o.Bed)
		}
	}

	if o.Threads < 1 {
		return fmt.Errorf("threads must be >= 1, got %d", o.Threads)
	}
	if o.UMILength < 1 {
		return fmt.Errorf("umi length must be >= 1, got %d", o.UMILength)
	}
	if o.SpacerLength < 0 {
		return fmt.Errorf("spacer length must be >= 0, got %d", o.SpacerLength)
	}
	if o.MergeReads && o.SingleEnd {
		return fmt.Errorf("merge requires paired-end input")
	}

	required := []string{toolCorrect, toolAligner}
	if !o.NoFiltering {
		required = append(required, toolFilter)
	}
	for _, tool := range required {
		if _, err := lookpath.Look(env, tool); err != nil {
			return errors.E(err, "required tool not found on PATH:", tool)
		}
	}
	// fastqc/multiqc absence is handled by the report stage with a warning.
	return nil
}
