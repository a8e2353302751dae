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

// Package umibatch drives external read-filtering, UMI error correction,
// and quality-report tools over a directory of paired-end FASTQ files. The
// tools do the actual sequence work; this package contributes discovery of
// input pairs, a bounded-concurrency scheduler, per-sample failure
// isolation, and deterministic result aggregation.
package umibatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/base/log"
	"github.com/grailbio/umibatch/executil"
)

// summaryName is the batch summary TSV written into the input directory.
const summaryName = "batch_summary.tsv"

// Run executes one batch end to end: precondition validation, sample
// discovery, the bounded-concurrency pipeline run, post-batch quality
// reports, and the final summary. env is the process environment used for
// tool lookups.
//
// The returned error is non-nil only for fatal pre-batch conditions, or, in
// strict mode, when at least one sample failed. Per-sample failures are
// otherwise data in the summary, not errors.
func Run(ctx context.Context, opts *Opts, runner executil.Runner, env map[string]string) error {
	if err := opts.Validate(env); err != nil {
		return err
	}
	for _, dir := range []string{opts.FilteredDir(), opts.CorrectedDir()} {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return err
		}
	}

	samples, stats, err := Discover(opts)
	if err != nil {
		return err
	}
	log.Printf("discovery: %d samples matched, %d missing mate, %d unreadable",
		stats.Matched, stats.MissingMate, stats.Unreadable)
	if len(samples) == 0 {
		log.Error.Printf("no samples found under %s", opts.InputDir)
		return nil
	}

	outcome := runBatch(ctx, opts, runner, samples)
	runReports(ctx, opts, runner, env)

	summaryPath := filepath.Join(opts.InputDir, summaryName)
	if err := outcome.WriteSummaryTSV(ctx, summaryPath); err != nil {
		log.Error.Printf("write summary %s: %v", summaryPath, err)
	}
	logSummary(outcome)

	if opts.Strict {
		if n := outcome.Failed(); n > 0 {
			return fmt.Errorf("%d of %d samples failed", n, len(samples))
		}
	}
	return ctx.Err()
}

func logSummary(outcome *BatchOutcome) {
	for _, o := range outcome.Outcomes() {
		log.Printf("summary: %s\t%s", o.Sample.ID, o.Status)
	}
	counts := outcome.Counts()
	log.Printf("summary: %d done, %d filter-failed, %d correction-failed",
		counts[StatusDone], counts[StatusFilterFailed], counts[StatusCorrectionFailed])
}
