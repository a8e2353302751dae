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
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/umibatch/executil"
)

// runBatch executes the per-sample pipeline for every sample with at most
// opts.Threads pipelines in flight, and returns once all of them reached a
// terminal state. External tools are internally multi-threaded, so the bound
// applies to pipeline concurrency, not OS threads.
//
// One sample's failure never cancels or delays another: pipeline failures
// are recorded in the returned BatchOutcome rather than surfaced as errors,
// so traverse never short-circuits. Cancelling ctx is the only way to stop
// the batch early; in-flight subprocesses are then killed by executil and
// their samples end in a failed state.
func runBatch(ctx context.Context, opts *Opts, runner executil.Runner, samples []Sample) *BatchOutcome {
	outcome := newBatchOutcome(len(samples))
	err := traverse.Limit(opts.Threads).Each(len(samples), func(i int) error {
		outcome.add(runPipeline(ctx, opts, runner, samples[i]))
		return nil
	})
	if err != nil {
		// Unreachable: the traversal function never returns an error.
		log.Panicf("batch traversal: %v", err)
	}
	return outcome
}
