package regions

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/Davydov/sfsinfer/output"
)

// Window is a genomic window and its callable length.
type Window struct {
	Region string
	Chrom  string
	Start  int64
	End    int64
	L      float64
}

// ReadGenome reads a genome file of "chrom length" lines, keeping the
// order.
func ReadGenome(r io.Reader) (chroms []string, lengths map[string]int64, err error) {
	lengths = make(map[string]int64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		f := strings.Fields(scanner.Text())
		if len(f) == 0 || strings.HasPrefix(f[0], "#") {
			continue
		}
		if len(f) < 2 {
			return nil, nil, fmt.Errorf("%w: genome line %q", ErrFormat, scanner.Text())
		}
		l, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		chroms = append(chroms, f[0])
		lengths[f[0]] = l
	}
	return chroms, lengths, scanner.Err()
}

// Windows splits chromosomes into windows of size and computes the
// callable length of each from the mask.
func Windows(mask *Set, chroms []string, lengths map[string]int64, size int64) []Window {
	var res []Window
	for _, chrom := range chroms {
		for i, start := 0, int64(0); start < lengths[chrom]; i, start = i+1, start+size {
			end := min(start+size, lengths[chrom])
			res = append(res, Window{
				Region: fmt.Sprintf("%s.region_%d", chrom, i),
				Chrom:  chrom,
				Start:  start,
				End:    end,
				L:      float64(mask.Coverage(chrom, start, end)),
			})
		}
	}
	return res
}

// WriteTable writes windows as CSV with a header.
func WriteTable(w io.Writer, windows []Window) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"region", "chrom", "start", "end", "L"}); err != nil {
		return err
	}
	for _, win := range windows {
		rec := []string{
			win.Region,
			win.Chrom,
			strconv.FormatInt(win.Start, 10),
			strconv.FormatInt(win.End, 10),
			strconv.FormatFloat(win.L, 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveTable writes the window table to path.
func SaveTable(path string, overwrite bool, windows []Window) error {
	return output.WriteFile(path, overwrite, func(w io.Writer) error {
		return WriteTable(w, windows)
	})
}

// ReadLengths reads a region length table. The "region" and "L"
// columns are required, other columns are ignored.
func ReadLengths(r io.Reader) (regions []string, lengths map[string]float64, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: region table header: %v", ErrFormat, err)
	}
	ri, li := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "region":
			ri = i
		case "L":
			li = i
		}
	}
	if ri < 0 || li < 0 {
		return nil, nil, fmt.Errorf("%w: region table needs region and L columns", ErrFormat)
	}
	lengths = make(map[string]float64)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if ri >= len(rec) || li >= len(rec) {
			return nil, nil, fmt.Errorf("%w: short region table record", ErrFormat)
		}
		l, err := strconv.ParseFloat(rec[li], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: region %s: %v", ErrFormat, rec[ri], err)
		}
		if _, ok := lengths[rec[ri]]; ok {
			return nil, nil, fmt.Errorf("%w: duplicate region %s", ErrFormat, rec[ri])
		}
		regions = append(regions, rec[ri])
		lengths[rec[ri]] = l
	}
	return regions, lengths, nil
}

// LoadLengths reads a region length table file.
func LoadLengths(path string) ([]string, map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadLengths(f)
}
