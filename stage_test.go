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
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/grailbio/umibatch/executil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discoverOne(t *testing.T, opts *Opts) Sample {
	t.Helper()
	require.NoError(t, os.MkdirAll(opts.FilteredDir(), 0777))
	require.NoError(t, os.MkdirAll(opts.CorrectedDir(), 0777))
	samples, _, err := Discover(opts)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	return samples[0]
}

func TestFilterMerged(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	opts.MergeReads = true
	addSamplePair(t, opts.InputDir, "sample1")
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	res := runFilter(context.Background(), opts, runner, s)
	require.True(t, res.OK, res.ErrorDetail)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, filepath.Join(opts.FilteredDir(), "sample1.merged.filtered.fastq.gz"), res.Outputs[0])

	calls := runner.callsFor(toolFilter)
	require.Len(t, calls, 1)
	args := calls[0].args
	assert.Equal(t, s.R1, argValue(args, "--in1"))
	assert.Equal(t, s.R2, argValue(args, "--in2"))
	assert.True(t, hasArg(args, "--merge"))
	assert.Equal(t, res.Outputs[0], argValue(args, "--merged_out"))
	assert.Equal(t, strconv.Itoa(opts.PhredScore), argValue(args, "--qualified_quality_phred"))
	assert.Equal(t, strconv.Itoa(opts.PercentLowQuality), argValue(args, "--unqualified_percent_limit"))
	assert.Equal(t, "2", argValue(args, "--thread")) // threads/2
}

func TestFilterUnmergedPaired(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	addSamplePair(t, opts.InputDir, "sample1")
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	res := runFilter(context.Background(), opts, runner, s)
	require.True(t, res.OK, res.ErrorDetail)
	require.Len(t, res.Outputs, 2)
	assert.Contains(t, res.Outputs[0], ".filtered.R1.fastq.gz")
	assert.Contains(t, res.Outputs[1], ".filtered.R2.fastq.gz")
	args := runner.callsFor(toolFilter)[0].args
	assert.False(t, hasArg(args, "--merge"))
	assert.Equal(t, res.Outputs[0], argValue(args, "--out1"))
	assert.Equal(t, res.Outputs[1], argValue(args, "--out2"))
}

func TestFilterSingleEnd(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	opts.SingleEnd = true
	writeFastqGz(t, filepath.Join(opts.InputDir, "solo_R1_001.fastq.gz"))
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	res := runFilter(context.Background(), opts, runner, s)
	require.True(t, res.OK, res.ErrorDetail)
	args := runner.callsFor(toolFilter)[0].args
	assert.Equal(t, "", argValue(args, "--in2"))
	assert.Equal(t, res.Outputs[0], argValue(args, "--out1"))
}

func TestFilterNonzeroExit(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	addSamplePair(t, opts.InputDir, "sample1")
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	runner.handlers[toolFilter] = func(args []string) (executil.Result, error) {
		return executil.Result{ExitCode: 1, Stderr: "bad input"}, nil
	}
	res := runFilter(context.Background(), opts, runner, s)
	assert.False(t, res.OK)
	assert.Contains(t, res.ErrorDetail, "exited 1")
	assert.Contains(t, res.ErrorDetail, "bad input")
	assert.Empty(t, res.Outputs)
}

func TestFilterOutputNeverMaterializes(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	opts.OutputGrace = 200 * time.Millisecond
	addSamplePair(t, opts.InputDir, "sample1")
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	runner.handlers[toolFilter] = func(args []string) (executil.Result, error) {
		// Exit zero but write nothing.
		return executil.Result{ExitCode: 0}, nil
	}
	res := runFilter(context.Background(), opts, runner, s)
	assert.False(t, res.OK)
	assert.Contains(t, res.ErrorDetail, "not materialized")
}

func TestFilterOutputMaterializesLate(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	opts.MergeReads = true
	addSamplePair(t, opts.InputDir, "sample1")
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	runner.handlers[toolFilter] = func(args []string) (executil.Result, error) {
		out := argValue(args, "--merged_out")
		go func() {
			time.Sleep(300 * time.Millisecond)
			writeFastqGz(t, out)
		}()
		return executil.Result{ExitCode: 0}, nil
	}
	res := runFilter(context.Background(), opts, runner, s)
	assert.True(t, res.OK, res.ErrorDetail)
}

func TestCorrectPaired(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	opts.Bed = filepath.Join(opts.InputDir, "regions.bed")
	require.NoError(t, os.MkdirAll(opts.CorrectedDir(), 0777))
	require.NoError(t, ioutil.WriteFile(opts.Bed, []byte("chr1\t1\t100\n"), 0644))
	addSamplePair(t, opts.InputDir, "sample1")
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	res := runCorrect(context.Background(), opts, runner, s, []string{s.R1, s.R2})
	require.True(t, res.OK, res.ErrorDetail)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, filepath.Join(opts.CorrectedDir(), "sample1"), res.Outputs[0])

	args := runner.callsFor(toolCorrect)[0].args
	assert.Equal(t, res.Outputs[0], argValue(args, "-o"))
	assert.Equal(t, s.R1, argValue(args, "-r1"))
	assert.Equal(t, s.R2, argValue(args, "-r2"))
	assert.Equal(t, "paired", argValue(args, "-mode"))
	assert.Equal(t, opts.Reference, argValue(args, "-r"))
	assert.Equal(t, strconv.Itoa(opts.UMILength), argValue(args, "-ul"))
	assert.Equal(t, strconv.Itoa(opts.SpacerLength), argValue(args, "-sl"))
	assert.Equal(t, opts.Bed, argValue(args, "-bed"))
	assert.Equal(t, strconv.Itoa(opts.Threads), argValue(args, "-t"))
}

func TestCorrectSingleMode(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	addSamplePair(t, opts.InputDir, "sample1")
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	merged := filepath.Join(opts.FilteredDir(), "sample1.merged.filtered.fastq.gz")
	res := runCorrect(context.Background(), opts, runner, s, []string{merged})
	require.True(t, res.OK, res.ErrorDetail)
	args := runner.callsFor(toolCorrect)[0].args
	assert.Equal(t, merged, argValue(args, "-r1"))
	assert.Equal(t, "single", argValue(args, "-mode"))
	assert.Equal(t, "", argValue(args, "-r2"))
	assert.Equal(t, "", argValue(args, "-bed"))
}

func TestCorrectFailureCapturesStderr(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	addSamplePair(t, opts.InputDir, "sample1")
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	runner.handlers[toolCorrect] = func(args []string) (executil.Result, error) {
		return executil.Result{ExitCode: 2, Stderr: "Traceback: boom"}, nil
	}
	res := runCorrect(context.Background(), opts, runner, s, []string{s.R1, s.R2})
	assert.False(t, res.OK)
	assert.Contains(t, res.ErrorDetail, "exited 2")
	assert.Contains(t, res.ErrorDetail, "Traceback: boom")
}

func TestStageTimeout(t *testing.T) {
	opts, cleanup := testOpts(t)
	defer cleanup()
	opts.StageTimeout = 50 * time.Millisecond
	addSamplePair(t, opts.InputDir, "sample1")
	s := discoverOne(t, opts)

	runner := newFakeRunner(t)
	runner.delay = 10 * time.Second
	start := time.Now()
	res := runCorrect(context.Background(), opts, runner, s, []string{s.R1, s.R2})
	assert.False(t, res.OK)
	assert.True(t, time.Since(start) < 5*time.Second)
	assert.Contains(t, res.ErrorDetail, "context deadline exceeded")
}
