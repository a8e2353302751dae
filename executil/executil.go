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

// Package executil runs external commands on behalf of pipeline stages. It
// exists mainly so that stage logic can be tested against fake runners
// instead of real bioinformatics binaries.
package executil

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

// tailCap bounds the amount of subprocess output retained per stream. Tool
// diagnostics of interest (fastp/umierrorcorrect error messages) appear at
// the end of the stream, so only the tail is kept.
const tailCap = 4096

// Result describes one completed (or failed-to-start) command invocation.
type Result struct {
	// ExitCode is the command's exit status. -1 if the command did not run
	// to completion.
	ExitCode int
	// Stdout and Stderr hold the trailing tailCap bytes of each stream.
	Stdout string
	Stderr string
	// Duration is the wall time between start and wait.
	Duration time.Duration
}

// Runner runs one external command to completion and classifies the outcome.
// A non-zero exit status is not an error at this level; callers decide what
// an exit status means for their stage. The returned error is non-nil only
// when the command could not be started or was interrupted by the context.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// New returns a Runner that executes commands on the local machine. Each
// command runs in its own process group; when ctx is cancelled the whole
// group is killed so that internally multi-threaded tools do not leave
// worker processes behind.
func New() Runner { return &osRunner{} }

type osRunner struct{}

func (r *osRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout := newTailWriter(tailCap)
	stderr := newTailWriter(tailCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Duration: time.Since(start)}, err
	}
	pgid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Negative pid addresses the process group.
			if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
				log.Error.Printf("executil: kill process group %d: %v", pgid, err)
			}
		case <-done:
		}
	}()
	err := cmd.Wait()
	close(done)

	res := Result{
		ExitCode: exitCode(cmd, err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if _, ok := err.(*exec.ExitError); ok {
		// Exit status is carried in the result.
		return res, nil
	}
	return res, err
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if exit, ok := err.(*exec.ExitError); ok {
		if ws, ok := exit.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if ps := cmd.ProcessState; ps != nil {
			if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
				return ws.ExitStatus()
			}
		}
	}
	return -1
}

// tailWriter retains the last cap bytes written to it.
type tailWriter struct {
	cap  int
	buf  []byte
	full bool
}

func newTailWriter(cap int) *tailWriter {
	return &tailWriter{cap: cap}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n >= w.cap {
		w.buf = append(w.buf[:0], p[n-w.cap:]...)
		w.full = true
		return n, nil
	}
	if len(w.buf)+n > w.cap {
		drop := len(w.buf) + n - w.cap
		w.buf = append(w.buf[:0], w.buf[drop:]...)
		w.full = true
	}
	w.buf = append(w.buf, p...)
	return n, nil
}

func (w *tailWriter) String() string {
	if w.full {
		return "..." + string(w.buf)
	}
	return string(w.buf)
}
