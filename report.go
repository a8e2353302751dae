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
	"context"
	"os"
	"path/filepath"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/umibatch/executil"
	"github.com/grailbio/umibatch/fastq"
	"v.io/x/lib/lookpath"
)

// runReports generates quality reports over whatever output files exist:
// one fastqc report per produced FASTQ plus a multiqc aggregate. It runs
// once, after the batch, and is entirely best effort: a missing tool or a
// failing invocation is logged as a warning and never changes the batch
// status or the process exit code.
func runReports(ctx context.Context, opts *Opts, runner executil.Runner, env map[string]string) {
	if opts.SkipFastqc && opts.SkipMultiqc {
		return
	}
	files := reportInputs(opts)
	if len(files) == 0 {
		log.Printf("%s: no output files produced, skipping quality reports", stageReport)
		return
	}
	if err := os.MkdirAll(opts.QCDir(), 0777); err != nil {
		log.Error.Printf("%s: create %s: %v", stageReport, opts.QCDir(), err)
		return
	}

	if !opts.SkipFastqc {
		if _, err := lookpath.Look(env, toolReport); err != nil {
			log.Error.Printf("%s: %s not found on PATH, skipping per-file reports", stageReport, toolReport)
		} else {
			log.Printf("%s: running %s on %d files", stageReport, toolReport, len(files))
			// Report failures are per-file warnings, so the traversal
			// function never returns an error.
			_ = traverse.Limit(opts.Threads).Each(len(files), func(i int) error { // nolint: errcheck
				cctx, cancel := stageContext(ctx, opts)
				defer cancel()
				r, err := runner.Run(cctx, toolReport, "-o", opts.QCDir(), files[i])
				if err != nil {
					log.Error.Printf("%s: %s %s: %v", stageReport, toolReport, files[i], err)
				} else if r.ExitCode != 0 {
					log.Error.Printf("%s: %s %s exited %d: %s", stageReport, toolReport, files[i], r.ExitCode, r.Stderr)
				}
				return nil
			})
		}
	}

	if !opts.SkipMultiqc {
		if _, err := lookpath.Look(env, toolAggregate); err != nil {
			log.Error.Printf("%s: %s not found on PATH, skipping aggregate report", stageReport, toolAggregate)
			return
		}
		log.Printf("%s: running %s", stageReport, toolAggregate)
		cctx, cancel := stageContext(ctx, opts)
		defer cancel()
		r, err := runner.Run(cctx, toolAggregate, opts.InputDir, "-o", opts.QCDir())
		if err != nil {
			log.Error.Printf("%s: %s: %v", stageReport, toolAggregate, err)
		} else if r.ExitCode != 0 {
			log.Error.Printf("%s: %s exited %d: %s", stageReport, toolAggregate, r.ExitCode, r.Stderr)
		}
	}
}

// reportInputs lists the FASTQ files produced by the batch, under both the
// filtered and the per-sample correction directories.
func reportInputs(opts *Opts) []string {
	var files []string
	for _, root := range []string{opts.FilteredDir(), opts.CorrectedDir()} {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error { // nolint: errcheck
			if err != nil || info.IsDir() {
				return nil
			}
			if fastq.IsFastq(info.Name()) {
				files = append(files, path)
			}
			return nil
		})
	}
	return files
}
