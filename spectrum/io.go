package spectrum

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/Davydov/sfsinfer/output"
)

// Read parses a spectrum in text format: optional comment lines
// starting with '#', a header line with the axis lengths, the
// folded/unfolded flag and quoted population labels, a data line and
// an optional mask line of 0/1 values. The corners are always masked.
func Read(rd io.Reader) (*Spectrum, error) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<28)

	header := ""
	var body []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if header == "" {
			header = line
			continue
		}
		body = append(body, strings.Fields(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if header == "" {
		return nil, fmt.Errorf("%w: empty spectrum file", ErrShape)
	}

	shape, folded, pops, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	s, err := New(shape, pops)
	if err != nil {
		return nil, err
	}
	s.Folded = folded

	n := len(s.Data)
	if len(body) != n && len(body) != 2*n {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrShape, n, len(body))
	}
	for i := 0; i < n; i++ {
		s.Data[i], err = strconv.ParseFloat(body[i], 64)
		if err != nil {
			return nil, fmt.Errorf("spectrum entry %d: %w", i, err)
		}
	}
	if len(body) == 2*n {
		for i := 0; i < n; i++ {
			switch body[n+i] {
			case "0":
				s.Mask[i] = false
			case "1":
				s.Mask[i] = true
			default:
				return nil, fmt.Errorf("incorrect mask value %q", body[n+i])
			}
		}
	}
	// monomorphic entries never enter likelihoods
	s.MaskCorners()
	return s, nil
}

// parseHeader parses "21 21 unfolded "A" "B"".
func parseHeader(line string) (shape []int, folded bool, pops []string, err error) {
	rest := line
	if q := strings.IndexByte(line, '"'); q >= 0 {
		rest = line[:q]
		labels := line[q:]
		for len(labels) > 0 {
			labels = strings.TrimSpace(labels)
			if labels == "" {
				break
			}
			if labels[0] != '"' {
				return nil, false, nil, fmt.Errorf("malformed population labels: %s", line)
			}
			end := strings.IndexByte(labels[1:], '"')
			if end < 0 {
				return nil, false, nil, fmt.Errorf("unterminated population label: %s", line)
			}
			pops = append(pops, labels[1:end+1])
			labels = labels[end+2:]
		}
	}
	for _, f := range strings.Fields(rest) {
		switch f {
		case "folded":
			folded = true
			continue
		case "unfolded":
			continue
		}
		d, err := strconv.Atoi(f)
		if err != nil {
			return nil, false, nil, fmt.Errorf("malformed spectrum header %q: %w", line, err)
		}
		shape = append(shape, d)
	}
	return
}

// Write writes the spectrum in text format.
func (s *Spectrum) Write(w io.Writer, comments ...string) error {
	bw := bufio.NewWriter(w)
	for _, c := range comments {
		for _, l := range strings.Split(c, "\n") {
			fmt.Fprintf(bw, "# %s\n", l)
		}
	}
	for _, d := range s.Shape {
		fmt.Fprintf(bw, "%d ", d)
	}
	if s.Folded {
		bw.WriteString("folded")
	} else {
		bw.WriteString("unfolded")
	}
	for _, p := range s.Pops {
		fmt.Fprintf(bw, " \"%s\"", p)
	}
	bw.WriteString("\n")
	for i, v := range s.Data {
		if i > 0 {
			bw.WriteByte(' ')
		}
		bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	bw.WriteString("\n")
	for i, m := range s.Mask {
		if i > 0 {
			bw.WriteByte(' ')
		}
		if m {
			bw.WriteByte('1')
		} else {
			bw.WriteByte('0')
		}
	}
	bw.WriteString("\n")
	return bw.Flush()
}

// String returns the text representation.
func (s *Spectrum) String() string {
	var b strings.Builder
	s.Write(&b)
	return b.String()
}

// Load reads a spectrum from a file.
func Load(path string) (*Spectrum, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("Read spectrum %v from %s", s.Shape, path)
	return s, nil
}

// Save writes a spectrum to a file all-or-nothing.
func (s *Spectrum) Save(path string, overwrite bool, comments ...string) error {
	return output.WriteFile(path, overwrite, func(w io.Writer) error {
		return s.Write(w, comments...)
	})
}
