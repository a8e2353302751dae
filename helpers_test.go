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
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/testutil"
	"github.com/grailbio/umibatch/executil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

const testFastq = `@read1 1:N:0:1
ACGTACGTACGTACGTACGT
+
AAAAAEEEEEEEEEEEEEEE
`

// writeFastqGz writes a small valid gzipped FASTQ file at path.
func writeFastqGz(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(testFastq))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0644))
}

// call records one invocation seen by a fake runner.
type call struct {
	name string
	args []string
}

// argValue returns the value following the given flag in args, or "".
func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// fakeRunner is an executil.Runner standing in for the external tools. The
// default behavior exits zero and materializes the outputs each tool
// declares through its arguments; handlers can be overridden per tool name.
// It also instruments concurrency so scheduler tests can assert the pipeline
// bound.
type fakeRunner struct {
	t *testing.T

	mu        sync.Mutex
	calls     []call
	active    int
	maxActive int

	// delay is applied to every invocation before returning.
	delay time.Duration
	// handlers maps a tool name to its fake behavior; unset tools use
	// defaultHandle.
	handlers map[string]func(args []string) (executil.Result, error)
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{t: t, handlers: map[string]func(args []string) (executil.Result, error){}}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (executil.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	handler := f.handlers[name]
	delay := f.delay
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return executil.Result{ExitCode: -1}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return executil.Result{ExitCode: -1}, err
	}
	if handler != nil {
		return handler(args)
	}
	return f.defaultHandle(name, args)
}

func (f *fakeRunner) defaultHandle(name string, args []string) (executil.Result, error) {
	switch name {
	case toolFilter:
		for _, flg := range []string{"--merged_out", "--out1", "--out2"} {
			if out := argValue(args, flg); out != "" {
				writeFastqGz(f.t, out)
			}
		}
	case toolCorrect:
		// The real tool creates its own output directory.
	}
	return executil.Result{ExitCode: 0}, nil
}

// failWith is a fake handler that exits with the given code and stderr.
func failWith(code int, stderr string) func(args []string) (executil.Result, error) {
	return func(args []string) (executil.Result, error) {
		return executil.Result{ExitCode: code, Stderr: stderr}, nil
	}
}

// callsFor returns the recorded invocations of one tool.
func (f *fakeRunner) callsFor(name string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// testOpts returns an Opts rooted at a fresh temp input directory with a
// valid reference file, plus the cleanup function.
func testOpts(t *testing.T) (*Opts, func()) {
	t.Helper()
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	opts := DefaultOpts
	opts.InputDir = tmpDir
	opts.Reference = filepath.Join(tmpDir, "ref.fa")
	opts.OutputGrace = 2 * time.Second
	opts.PollInterval = 10 * time.Millisecond
	require.NoError(t, ioutil.WriteFile(opts.Reference, []byte(">chr1\nACGT\n"), 0644))
	return &opts, cleanup
}

// addSamplePair drops a valid R1/R2 FASTQ pair into dir and returns the R1
// path.
func addSamplePair(t *testing.T, dir, sample string) string {
	t.Helper()
	r1 := filepath.Join(dir, sample+"_R1_001.fastq.gz")
	r2 := filepath.Join(dir, sample+"_R2_001.fastq.gz")
	writeFastqGz(t, r1)
	writeFastqGz(t, r2)
	return r1
}
