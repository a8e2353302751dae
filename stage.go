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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/umibatch/executil"
	"github.com/grailbio/umibatch/fastq"
)

// Stage names as they appear in logs and the batch summary.
const (
	stageFilter  = "filter"
	stageCorrect = "correct"
	stageReport  = "report"
)

// StageResult is the outcome of one external tool invocation for one sample.
type StageResult struct {
	Stage    string
	SampleID string
	OK       bool
	// Outputs are the paths the stage produced, in the order the next stage
	// consumes them. Empty unless OK.
	Outputs []string
	// ErrorDetail carries the tool's diagnostic (stderr tail or a
	// description of the local failure). Empty when OK.
	ErrorDetail string
	Duration    time.Duration
}

// stageContext applies the per-stage timeout when one is configured.
func stageContext(ctx context.Context, opts *Opts) (context.Context, context.CancelFunc) {
	if opts.StageTimeout > 0 {
		return context.WithTimeout(ctx, opts.StageTimeout)
	}
	return context.WithCancel(ctx)
}

// runFilter invokes fastp on the sample's raw reads. Success requires both a
// zero exit status and materialization of every declared output: fastp may
// flush asynchronously, so outputs are polled for up to opts.OutputGrace and
// must parse as non-empty FASTQ.
func runFilter(ctx context.Context, opts *Opts, runner executil.Runner, s Sample) StageResult {
	res := StageResult{Stage: stageFilter, SampleID: s.ID}
	var outputs []string
	args := []string{"--in1", s.R1}
	switch {
	case opts.SingleEnd:
		out := filepath.Join(opts.FilteredDir(), s.ID+".filtered.fastq.gz")
		args = append(args, "--out1", out)
		outputs = []string{out}
	case opts.MergeReads:
		out := filepath.Join(opts.FilteredDir(), s.ID+".merged.filtered.fastq.gz")
		args = append(args, "--in2", s.R2, "--merge", "--merged_out", out)
		outputs = []string{out}
	default:
		out1 := filepath.Join(opts.FilteredDir(), s.ID+".filtered.R1.fastq.gz")
		out2 := filepath.Join(opts.FilteredDir(), s.ID+".filtered.R2.fastq.gz")
		args = append(args, "--in2", s.R2, "--out1", out1, "--out2", out2)
		outputs = []string{out1, out2}
	}
	args = append(args,
		"--qualified_quality_phred", strconv.Itoa(opts.PhredScore),
		"--unqualified_percent_limit", strconv.Itoa(opts.PercentLowQuality),
		"--trim_poly_g",
		"--trim_poly_x",
		"--length_required", "100",
		// fastp gets half the worker budget; the other half covers the
		// pipelines running alongside it.
		"--thread", strconv.Itoa(max(1, opts.Threads/2)),
	)

	cctx, cancel := stageContext(ctx, opts)
	defer cancel()
	log.Printf("%s: %s: running %s", s.ID, stageFilter, toolFilter)
	r, err := runner.Run(cctx, toolFilter, args...)
	res.Duration = r.Duration
	if err != nil {
		res.ErrorDetail = fmt.Sprintf("%s: %v", toolFilter, err)
		return res
	}
	if r.ExitCode != 0 {
		res.ErrorDetail = fmt.Sprintf("%s exited %d: %s", toolFilter, r.ExitCode, r.Stderr)
		return res
	}
	for _, out := range outputs {
		if err := waitForOutput(cctx, out, opts.OutputGrace, opts.PollInterval); err != nil {
			res.ErrorDetail = err.Error()
			return res
		}
	}
	res.OK = true
	res.Outputs = outputs
	return res
}

// waitForOutput polls until path exists, is non-empty, and parses as FASTQ,
// or until grace expires.
func waitForOutput(ctx context.Context, path string, grace, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultOpts.PollInterval
	}
	deadline := time.Now().Add(grace)
	for {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			if err := fastq.PeekValid(path); err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("output %s not materialized within %s", path, grace)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("output %s: %v", path, ctx.Err())
		case <-time.After(poll):
		}
	}
}

// runCorrect invokes the UMI error correction tool over the given input
// reads (one path for single/merged mode, two for paired mode), writing
// under <corrected root>/<sample id>. Success is a zero exit status.
func runCorrect(ctx context.Context, opts *Opts, runner executil.Runner, s Sample, inputs []string) StageResult {
	res := StageResult{Stage: stageCorrect, SampleID: s.ID}
	outDir := filepath.Join(opts.CorrectedDir(), s.ID)
	args := []string{
		"-o", outDir,
		"-r1", inputs[0],
	}
	if len(inputs) > 1 {
		args = append(args, "-r2", inputs[1], "-mode", "paired")
	} else {
		args = append(args, "-mode", "single")
	}
	args = append(args,
		"-r", opts.Reference,
		"-ul", strconv.Itoa(opts.UMILength),
		"-sl", strconv.Itoa(opts.SpacerLength),
	)
	if opts.Bed != "" {
		args = append(args, "-bed", opts.Bed)
	}
	args = append(args, "-t", strconv.Itoa(opts.Threads))

	cctx, cancel := stageContext(ctx, opts)
	defer cancel()
	log.Printf("%s: %s: running %s", s.ID, stageCorrect, toolCorrect)
	r, err := runner.Run(cctx, toolCorrect, args...)
	res.Duration = r.Duration
	if err != nil {
		res.ErrorDetail = fmt.Sprintf("%s: %v", toolCorrect, err)
		return res
	}
	if r.ExitCode != 0 {
		res.ErrorDetail = fmt.Sprintf("%s exited %d: %s", toolCorrect, r.ExitCode, r.Stderr)
		return res
	}
	res.OK = true
	res.Outputs = []string{outDir}
	return res
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
