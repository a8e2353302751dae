// Package fastq provides minimal FASTQ inspection helpers for the batch
// pipeline: enough to recognize FASTQ files on disk and to verify that a
// file produced by an external tool is a readable, non-empty FASTQ stream.
package fastq

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrShort is returned when a truncated FASTQ record is encountered.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when a malformed FASTQ record is encountered.
	ErrInvalid = errors.New("invalid FASTQ file")
	// ErrEmpty is returned by PeekValid for a file with no records at all.
	ErrEmpty = errors.New("empty FASTQ file")
)

// fastqSuffixes are the file suffixes recognized as FASTQ, optionally
// gzip-compressed.
var fastqSuffixes = []string{".fastq", ".fastq.gz", ".fq", ".fq.gz"}

// IsFastq reports whether path has a recognized FASTQ suffix.
func IsFastq(path string) bool {
	for _, s := range fastqSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// A Read is one FASTQ record: ID line, sequence, separator line, and
// quality string.
type Read struct {
	ID, Seq, Plus, Qual string
}

var errEOF = errors.New("eof")

// Scanner reads FASTQ records from a stream. The Scan method returns the
// next record, returning a boolean indicating whether the read succeeded.
// Scanners are not threadsafe.
//
// Scanner validates record shape: the ID line must begin with "@", the
// separator line with "+", and sequence and quality must have equal length.
type Scanner struct {
	b   *bufio.Scanner
	err error
}

// NewScanner constructs a Scanner reading raw FASTQ data from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{b: bufio.NewScanner(r)}
}

// Scan the next record into read. Once Scan returns false, it never returns
// true again; check Err to distinguish end of stream from a parse error.
func (s *Scanner) Scan(read *Read) bool {
	if s.err != nil {
		return false
	}
	if !s.b.Scan() {
		if s.err = s.b.Err(); s.err == nil {
			s.err = errEOF
		}
		return false
	}
	id := s.b.Text()
	if len(id) == 0 || id[0] != '@' {
		s.err = ErrInvalid
		return false
	}
	read.ID = id
	if !s.scan() {
		return false
	}
	read.Seq = s.b.Text()
	if !s.scan() {
		return false
	}
	plus := s.b.Text()
	if len(plus) == 0 || plus[0] != '+' {
		s.err = ErrInvalid
		return false
	}
	read.Plus = plus
	if !s.scan() {
		return false
	}
	read.Qual = s.b.Text()
	if len(read.Qual) != len(read.Seq) {
		s.err = ErrInvalid
		return false
	}
	return true
}

func (s *Scanner) scan() bool {
	ok := s.b.Scan()
	if !ok {
		if s.err = s.b.Err(); s.err == nil {
			s.err = ErrShort
		}
	}
	return ok
}

// Err returns the scanning error, if any.
func (s *Scanner) Err() error {
	if s.err == errEOF {
		return nil
	}
	return s.err
}

// Open opens path for reading, transparently decompressing when the name
// ends in ".gz".
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	z, err := gzip.NewReader(f)
	if err != nil {
		f.Close() // nolint: errcheck
		return nil, pkgerrors.Wrapf(err, "open gzip %s", path)
	}
	return &gzipReadCloser{z: z, f: f}, nil
}

type gzipReadCloser struct {
	z *gzip.Reader
	f *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.z.Read(p) }

func (g *gzipReadCloser) Close() error {
	err := g.z.Close()
	if ferr := g.f.Close(); err == nil {
		err = ferr
	}
	return err
}

// PeekValid reads the first record of the FASTQ file at path. It returns
// ErrEmpty for a record-free file, ErrInvalid/ErrShort for a malformed one,
// and nil when at least one well-formed record is present. External tools
// occasionally exit zero while leaving behind an empty or truncated output;
// this is the cheap check that catches those.
func PeekValid(path string) error {
	in, err := Open(path)
	if err != nil {
		return err
	}
	defer in.Close() // nolint: errcheck
	sc := NewScanner(in)
	var read Read
	if sc.Scan(&read) {
		return nil
	}
	if err := sc.Err(); err != nil {
		return pkgerrors.Wrapf(err, "peek %s", path)
	}
	return ErrEmpty
}
