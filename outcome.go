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
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// BatchOutcome collects per-sample outcomes as pipelines complete. Entries
// are in completion order, which is unspecified with respect to discovery
// order; consumers must not assume otherwise. Appends are serialized, it is
// the only cross-sample state in the batch.
type BatchOutcome struct {
	mu       sync.Mutex
	outcomes []SampleOutcome
}

func newBatchOutcome(capacity int) *BatchOutcome {
	return &BatchOutcome{outcomes: make([]SampleOutcome, 0, capacity)}
}

func (b *BatchOutcome) add(o SampleOutcome) {
	b.mu.Lock()
	b.outcomes = append(b.outcomes, o)
	b.mu.Unlock()
}

// Outcomes returns a copy of the collected outcomes in completion order.
func (b *BatchOutcome) Outcomes() []SampleOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SampleOutcome, len(b.outcomes))
	copy(out, b.outcomes)
	return out
}

// Counts returns the number of samples per terminal status.
func (b *BatchOutcome) Counts() map[Status]int {
	counts := map[Status]int{}
	for _, o := range b.Outcomes() {
		counts[o.Status]++
	}
	return counts
}

// Failed returns the number of samples that did not reach StatusDone.
func (b *BatchOutcome) Failed() int {
	n := 0
	for _, o := range b.Outcomes() {
		if o.Status != StatusDone {
			n++
		}
	}
	return n
}

// WriteSummaryTSV writes one row per sample: identifier, terminal status,
// total stage wall time, and the diagnostic of the failing stage, if any.
func (b *BatchOutcome) WriteSummaryTSV(ctx context.Context, path string) (err error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	w.WriteString("#SAMPLE\tSTATUS\tDURATION_MS\tDETAIL")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, o := range b.Outcomes() {
		var total time.Duration
		detail := ""
		for _, sr := range o.Stages {
			total += sr.Duration
			if !sr.OK {
				detail = sr.ErrorDetail
			}
		}
		w.WriteString(o.Sample.ID)
		w.WriteString(string(o.Status))
		w.WriteUint32(uint32(total / time.Millisecond))
		w.WriteString(flatten(detail))
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// flatten collapses whitespace so multi-line tool diagnostics fit one TSV
// cell.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
