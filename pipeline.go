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

	"github.com/grailbio/base/log"
	"github.com/grailbio/umibatch/executil"
)

// Status is a sample's terminal pipeline state.
type Status string

const (
	// StatusDone means every stage of the sample's pipeline succeeded.
	StatusDone Status = "done"
	// StatusFilterFailed means fastp failed or its output never
	// materialized; correction was not attempted.
	StatusFilterFailed Status = "filter-failed"
	// StatusCorrectionFailed means the UMI correction tool exited nonzero.
	StatusCorrectionFailed Status = "correction-failed"
	// StatusSkipped means the sample was never run (batch aborted before
	// its pipeline was dispatched).
	StatusSkipped Status = "skipped"
)

// SampleOutcome is the terminal record for one sample: its status plus the
// results of every stage that ran.
type SampleOutcome struct {
	Sample Sample
	Status Status
	Stages []StageResult
}

// runPipeline drives one sample through filter and correction in order.
// A stage failure short-circuits the remaining stages; there are no
// retries. The returned outcome is data: failures here never propagate as
// errors past the scheduler.
func runPipeline(ctx context.Context, opts *Opts, runner executil.Runner, s Sample) SampleOutcome {
	out := SampleOutcome{Sample: s}
	log.Printf("%s: processing sample (R1 %s)", s.ID, s.R1)

	// Correction consumes either the filter outputs or, with filtering
	// disabled, the raw read paths unchanged.
	inputs := []string{s.R1}
	if s.R2 != "" && !opts.MergeReads {
		inputs = append(inputs, s.R2)
	}
	if !opts.NoFiltering {
		fr := runFilter(ctx, opts, runner, s)
		out.Stages = append(out.Stages, fr)
		if !fr.OK {
			log.Error.Printf("%s: %s failed: %s", s.ID, stageFilter, fr.ErrorDetail)
			out.Status = StatusFilterFailed
			return out
		}
		inputs = fr.Outputs
	}

	cr := runCorrect(ctx, opts, runner, s, inputs)
	out.Stages = append(out.Stages, cr)
	if !cr.OK {
		log.Error.Printf("%s: %s failed: %s", s.ID, stageCorrect, cr.ErrorDetail)
		out.Status = StatusCorrectionFailed
		return out
	}
	out.Status = StatusDone
	log.Printf("%s: done", s.ID)
	return out
}
