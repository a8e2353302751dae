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
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/umibatch"
	"github.com/grailbio/umibatch/executil"
	"v.io/x/lib/envvar"
)

var (
	opts   = umibatch.DefaultOpts
	preset = flag.String("preset", "", "Named historical default set to apply before other flags; currently only \"legacy\" (UMI length 12, phred score 15)")
)

func init() {
	// Each option has a short and a long spelling, matching the driver
	// scripts this tool replaces.
	flag.StringVar(&opts.InputDir, "i", opts.InputDir, "Shorthand for -input-dir")
	flag.StringVar(&opts.InputDir, "input-dir", opts.InputDir, "Root directory of FASTQ inputs")
	flag.StringVar(&opts.Reference, "r", opts.Reference, "Shorthand for -reference")
	flag.StringVar(&opts.Reference, "reference", opts.Reference, "Path to the indexed reference genome (required)")
	flag.StringVar(&opts.Bed, "b", opts.Bed, "Shorthand for -bed")
	flag.StringVar(&opts.Bed, "bed", opts.Bed, "Path to the assay regions BED file; empty disables annotation")
	flag.IntVar(&opts.UMILength, "u", opts.UMILength, "Shorthand for -umi_length")
	flag.IntVar(&opts.UMILength, "umi_length", opts.UMILength, "Length of the UMI in bases")
	flag.IntVar(&opts.SpacerLength, "s", opts.SpacerLength, "Shorthand for -spacer_length")
	flag.IntVar(&opts.SpacerLength, "spacer_length", opts.SpacerLength, "Spacer sequence length in bases")
	flag.IntVar(&opts.Threads, "t", opts.Threads, "Shorthand for -threads")
	flag.IntVar(&opts.Threads, "threads", opts.Threads, "Maximum number of samples processed concurrently; also the worker count passed to the external tools")
	flag.BoolVar(&opts.NoFiltering, "f", opts.NoFiltering, "Shorthand for -no_filtering")
	flag.BoolVar(&opts.NoFiltering, "no_filtering", opts.NoFiltering, "Skip the fastp filtering stage; raw reads go straight to correction")
	flag.IntVar(&opts.PhredScore, "q", opts.PhredScore, "Shorthand for -phred_score")
	flag.IntVar(&opts.PhredScore, "phred_score", opts.PhredScore, "Minimum Phred score kept by filtering")
	flag.IntVar(&opts.PercentLowQuality, "p", opts.PercentLowQuality, "Shorthand for -percent_low_quality")
	flag.IntVar(&opts.PercentLowQuality, "percent_low_quality", opts.PercentLowQuality, "Maximum percentage of low-quality bases tolerated per read")
	flag.BoolVar(&opts.MergeReads, "merge", opts.MergeReads, "Merge overlapping read pairs during filtering; correction then runs in single mode on the merged reads")
	flag.BoolVar(&opts.SingleEnd, "single-end", opts.SingleEnd, "Treat inputs as single-end; no mate files are required")
	flag.BoolVar(&opts.Recursive, "recursive", opts.Recursive, "Scan nested directories for FASTQ inputs")
	flag.BoolVar(&opts.SkipFastqc, "skip-fastqc", opts.SkipFastqc, "Skip per-file fastqc reports")
	flag.BoolVar(&opts.SkipMultiqc, "skip-multiqc", opts.SkipMultiqc, "Skip the aggregate multiqc report")
	flag.BoolVar(&opts.Strict, "strict", opts.Strict, "Exit nonzero when any sample failed; default is best effort")
	flag.DurationVar(&opts.StageTimeout, "stage-timeout", opts.StageTimeout, "Per-stage timeout after which a hung external tool is killed; 0 disables")
	flag.DurationVar(&opts.OutputGrace, "output-grace", opts.OutputGrace, "How long to wait for filter outputs to materialize after fastp exits")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -r reference.fa [OPTIONS]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 0 {
		log.Fatalf("unexpected positional arguments %v; all inputs are passed via flags", flag.Args())
	}
	if opts.Reference == "" {
		flag.Usage()
		log.Fatalf("-reference is required")
	}
	// Presets supply base values only; explicit flags win.
	if *preset != "" {
		base := umibatch.DefaultOpts
		if err := base.ApplyPreset(*preset); err != nil {
			log.Fatalf("%v", err)
		}
		visited := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { visited[f.Name] = true })
		if !visited["u"] && !visited["umi_length"] {
			opts.UMILength = base.UMILength
		}
		if !visited["q"] && !visited["phred_score"] {
			opts.PhredScore = base.PhredScore
		}
	}

	ctx, cancel := context.WithCancel(vcontext.Background())
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		sig := <-sigs
		log.Error.Printf("received %v, terminating in-flight tools", sig)
		cancel()
	}()

	env := envvar.SliceToMap(os.Environ())
	if err := umibatch.Run(ctx, &opts, executil.New(), env); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("all done")
}
