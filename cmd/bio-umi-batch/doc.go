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

/*
bio-umi-batch runs a UMI error-correction pipeline over a directory of
paired-end FASTQ files. For each discovered R1/R2 pair it filters and
optionally merges the reads with fastp, then runs umierrorcorrect against an
indexed reference. Samples are processed in parallel up to the -t bound,
and one sample's failure never stops the rest of the batch. After the batch,
fastqc/multiqc quality reports are generated over everything that was
produced.

The sequence algorithms live entirely in the external tools (fastp,
run_umierrorcorrect.py, bwa, fastqc, multiqc); this command orchestrates
them. A per-sample summary is written to <input-dir>/batch_summary.tsv.

Sample usage:
bio-umi-batch \
    -i /seq/run42/fastqs \
    -r ref/hg38.fa \
    -b assay-regions.bed \
    -t 8 \
    --merge
*/
package main
