// Package regions implements BED mask arithmetic. A Set holds sorted,
// non-overlapping half-open intervals per chromosome.
package regions

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/sfsinfer/output"
)

// log is the global logging variable.
var log = logging.MustGetLogger("regions")

// ErrFormat is returned for malformed BED input.
var ErrFormat = errors.New("malformed bed")

// Interval is a half-open interval [Start, End).
type Interval struct {
	Start, End int64
}

// Len returns the interval length.
func (iv Interval) Len() int64 {
	return iv.End - iv.Start
}

// Set is a set of genomic positions.
type Set struct {
	chroms map[string][]Interval
	order  []string
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{chroms: make(map[string][]Interval)}
}

// Add adds an interval to a chromosome.
func (s *Set) Add(chrom string, start, end int64) {
	if end <= start {
		return
	}
	if _, ok := s.chroms[chrom]; !ok {
		s.order = append(s.order, chrom)
	}
	s.chroms[chrom] = merge(append(s.chroms[chrom], Interval{start, end}))
}

// Chroms returns chromosome names in the order of appearance.
func (s *Set) Chroms() []string {
	return append([]string(nil), s.order...)
}

// Intervals returns the intervals of a chromosome.
func (s *Set) Intervals(chrom string) []Interval {
	return s.chroms[chrom]
}

// Len returns the total number of positions.
func (s *Set) Len() (l int64) {
	for _, ivs := range s.chroms {
		for _, iv := range ivs {
			l += iv.Len()
		}
	}
	return
}

// merge sorts and merges overlapping or adjacent intervals in place.
func merge(ivs []Interval) []Interval {
	if len(ivs) < 2 {
		return ivs
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
	res := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &res[len(res)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		res = append(res, iv)
	}
	return res
}

// disjoint reports whether sorted intervals do not overlap.
func disjoint(ivs []Interval) bool {
	s := append([]Interval(nil), ivs...)
	sort.Slice(s, func(i, j int) bool { return s[i].Start < s[j].Start })
	for i := 1; i < len(s); i++ {
		if s[i].Start < s[i-1].End {
			return false
		}
	}
	return true
}

// ReadBED reads BED records. Lines starting with '#', "track" or
// "browser" are skipped. Overlapping records are merged; if strict is
// true they are an error instead.
func ReadBED(r io.Reader, strict bool) (*Set, error) {
	s := NewSet()
	raw := make(map[string][]Interval)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") ||
			strings.HasPrefix(text, "track") || strings.HasPrefix(text, "browser") {
			continue
		}
		f := strings.Fields(text)
		if len(f) < 3 {
			return nil, fmt.Errorf("line %d: %w: expected 3 fields", line, ErrFormat)
		}
		start, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", line, ErrFormat, err)
		}
		end, err := strconv.ParseInt(f[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", line, ErrFormat, err)
		}
		if start < 0 || end < start {
			return nil, fmt.Errorf("line %d: %w: invalid interval %d-%d", line, ErrFormat, start, end)
		}
		if _, ok := raw[f[0]]; !ok {
			s.order = append(s.order, f[0])
		}
		raw[f[0]] = append(raw[f[0]], Interval{start, end})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for chrom, ivs := range raw {
		if !disjoint(ivs) {
			if strict {
				return nil, fmt.Errorf("%s: %w: overlapping regions", chrom, ErrFormat)
			}
			log.Warningf("Chromosome %s has overlapping regions, merging", chrom)
		}
		s.chroms[chrom] = merge(ivs)
	}
	return s, nil
}

// LoadBED reads a BED file, gzip-compressed or not.
func LoadBED(path string, strict bool) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(2); bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	s, err := ReadBED(r, strict)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// WriteBED writes the set as BED records.
func (s *Set) WriteBED(w io.Writer) error {
	for _, chrom := range s.order {
		for _, iv := range s.chroms[chrom] {
			if _, err := fmt.Fprintf(w, "%s\t%d\t%d\n", chrom, iv.Start, iv.End); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveBED writes the set to path, gzip-compressed if path ends with
// ".gz".
func (s *Set) SaveBED(path string, overwrite bool) error {
	return output.WriteFile(path, overwrite, func(w io.Writer) error {
		if !strings.HasSuffix(path, ".gz") {
			return s.WriteBED(w)
		}
		gz := gzip.NewWriter(w)
		if err := s.WriteBED(gz); err != nil {
			return err
		}
		return gz.Close()
	})
}
