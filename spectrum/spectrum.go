// Package spectrum implements allele frequency spectra: n-dimensional
// arrays indexed by the derived allele count in every population,
// together with a mask of entries excluded from likelihood computations.
package spectrum

import (
	"errors"
	"fmt"
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/combin"
)

// log is the global logging variable.
var log = logging.MustGetLogger("spectrum")

// ErrShape is returned when spectra dimensions are incompatible.
var ErrShape = errors.New("spectrum shape mismatch")

// Spectrum is an allele frequency spectrum stored in row-major order.
type Spectrum struct {
	// Shape is the number of entries along each axis, sample size + 1.
	Shape []int
	// Data is the flattened array.
	Data []float64
	// Mask marks entries excluded from likelihoods.
	Mask []bool
	// Pops are population labels, one per axis or none.
	Pops []string
	// Folded is true for folded (minor allele) spectra.
	Folded bool
}

// New creates a zero spectrum of a given shape with masked corners.
func New(shape []int, pops []string) (*Spectrum, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: no dimensions", ErrShape)
	}
	n := 1
	for _, d := range shape {
		if d < 2 {
			return nil, fmt.Errorf("%w: axis length %d", ErrShape, d)
		}
		n *= d
	}
	if len(pops) != 0 && len(pops) != len(shape) {
		return nil, fmt.Errorf("%w: %d labels for %d axes", ErrShape, len(pops), len(shape))
	}
	s := &Spectrum{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
		Mask:  make([]bool, n),
	}
	if len(pops) > 0 {
		s.Pops = append([]string(nil), pops...)
	}
	s.MaskCorners()
	return s, nil
}

// FromSampleSizes creates a zero spectrum for given haploid sample sizes.
func FromSampleSizes(ns []int, pops []string) (*Spectrum, error) {
	shape := make([]int, len(ns))
	for i, n := range ns {
		shape[i] = n + 1
	}
	return New(shape, pops)
}

// SampleSizes returns the haploid sample size of every axis.
func (s *Spectrum) SampleSizes() []int {
	ns := make([]int, len(s.Shape))
	for i, d := range s.Shape {
		ns[i] = d - 1
	}
	return ns
}

// Dim returns the number of axes.
func (s *Spectrum) Dim() int {
	return len(s.Shape)
}

// Len returns the number of entries.
func (s *Spectrum) Len() int {
	return len(s.Data)
}

// Index converts a multi-index into the flat position.
func (s *Spectrum) Index(idx []int) int {
	if len(idx) != len(s.Shape) {
		panic("incorrect number of indices")
	}
	p := 0
	for k, i := range idx {
		p = p*s.Shape[k] + i
	}
	return p
}

// Unravel converts a flat position into a multi-index. If idx is not
// nil it is reused.
func (s *Spectrum) Unravel(p int, idx []int) []int {
	if idx == nil {
		idx = make([]int, len(s.Shape))
	}
	for k := len(s.Shape) - 1; k >= 0; k-- {
		idx[k] = p % s.Shape[k]
		p /= s.Shape[k]
	}
	return idx
}

// At returns an entry by its multi-index.
func (s *Spectrum) At(idx ...int) float64 {
	return s.Data[s.Index(idx)]
}

// Set sets an entry by its multi-index.
func (s *Spectrum) Set(v float64, idx ...int) {
	s.Data[s.Index(idx)] = v
}

// Masked returns true if the entry is masked.
func (s *Spectrum) Masked(idx ...int) bool {
	return s.Mask[s.Index(idx)]
}

// Copy creates a deep copy.
func (s *Spectrum) Copy() *Spectrum {
	c := &Spectrum{
		Shape:  append([]int(nil), s.Shape...),
		Data:   append([]float64(nil), s.Data...),
		Mask:   append([]bool(nil), s.Mask...),
		Folded: s.Folded,
	}
	if s.Pops != nil {
		c.Pops = append([]string(nil), s.Pops...)
	}
	return c
}

// SameShape returns true if both spectra have identical shapes.
func (s *Spectrum) SameShape(o *Spectrum) bool {
	if len(s.Shape) != len(o.Shape) {
		return false
	}
	for i := range s.Shape {
		if s.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Total returns the sum of unmasked entries.
func (s *Spectrum) Total() (sum float64) {
	for i, v := range s.Data {
		if !s.Mask[i] {
			sum += v
		}
	}
	return
}

// Scale multiplies every entry by f.
func (s *Spectrum) Scale(f float64) {
	floats.Scale(f, s.Data)
}

// Add adds another spectrum of the same shape entry-wise. A masked
// entry in either spectrum is masked in the result.
func (s *Spectrum) Add(o *Spectrum) error {
	if !s.SameShape(o) {
		return fmt.Errorf("%w: %v vs %v", ErrShape, s.Shape, o.Shape)
	}
	floats.Add(s.Data, o.Data)
	for i, m := range o.Mask {
		s.Mask[i] = s.Mask[i] || m
	}
	return nil
}

// MaskCorners masks the all-ancestral and the all-derived entries.
func (s *Spectrum) MaskCorners() {
	s.Mask[0] = true
	s.Mask[len(s.Mask)-1] = true
}

// Unmask clears the mask.
func (s *Spectrum) Unmask() {
	for i := range s.Mask {
		s.Mask[i] = false
	}
}

// Reverse returns the spectrum with derived and ancestral alleles
// swapped in all populations.
func (s *Spectrum) Reverse() *Spectrum {
	r := s.Copy()
	n := len(s.Data)
	for i := range s.Data {
		// in row-major order full index reversal is reversal of
		// the flat array
		r.Data[i] = s.Data[n-1-i]
		r.Mask[i] = s.Mask[n-1-i]
	}
	return r
}

// FlipMisid applies the ancestral misidentification model
// (1-p)*s + p*reverse(s) to data values. The mask is unchanged.
func (s *Spectrum) FlipMisid(p float64) *Spectrum {
	r := s.Copy()
	if p == 0 {
		return r
	}
	n := len(s.Data)
	for i := range s.Data {
		r.Data[i] = (1-p)*s.Data[i] + p*s.Data[n-1-i]
	}
	return r
}

// Fold folds the spectrum by minor allele count. Entries with more
// than half of the total sample size derived are zeroed and masked,
// entries at exactly one half are averaged with their reverse.
func (s *Spectrum) Fold() *Spectrum {
	if s.Folded {
		return s.Copy()
	}
	total := 0
	for _, d := range s.Shape {
		total += d - 1
	}
	r := s.Copy()
	rev := s.Reverse()
	idx := make([]int, len(s.Shape))
	for i := range s.Data {
		idx = s.Unravel(i, idx)
		t := 0
		for _, k := range idx {
			t += k
		}
		switch {
		case 2*t > total:
			r.Data[i] = 0
			r.Mask[i] = true
		case 2*t == total:
			r.Data[i] = (s.Data[i] + rev.Data[i]) / 2
			r.Mask[i] = s.Mask[i] || rev.Mask[i]
		default:
			r.Data[i] = s.Data[i] + rev.Data[i]
			r.Mask[i] = s.Mask[i] || rev.Mask[i]
		}
	}
	r.Folded = true
	return r
}

// Marginalize sums over the given axes. Masked entries contribute to
// sums; corners of the result are masked.
func (s *Spectrum) Marginalize(over []int) (*Spectrum, error) {
	drop := make([]bool, len(s.Shape))
	for _, a := range over {
		if a < 0 || a >= len(s.Shape) {
			return nil, fmt.Errorf("%w: no axis %d", ErrShape, a)
		}
		drop[a] = true
	}
	var shape []int
	var pops []string
	for k, d := range s.Shape {
		if !drop[k] {
			shape = append(shape, d)
			if s.Pops != nil {
				pops = append(pops, s.Pops[k])
			}
		}
	}
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: cannot marginalize all axes", ErrShape)
	}
	r, err := New(shape, pops)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(s.Shape))
	ridx := make([]int, len(shape))
	for i, v := range s.Data {
		idx = s.Unravel(i, idx)
		j := 0
		for k, x := range idx {
			if !drop[k] {
				ridx[j] = x
				j++
			}
		}
		r.Data[r.Index(ridx)] += v
	}
	if s.Folded {
		r = r.Fold()
	}
	return r, nil
}

// projectionWeights returns w[i][j] the hypergeometric probability of
// j derived alleles in a subsample of size m taken from n with i
// derived alleles.
func projectionWeights(n, m int) [][]float64 {
	w := make([][]float64, n+1)
	lnm := combin.LogGeneralizedBinomial(float64(n), float64(m))
	for i := 0; i <= n; i++ {
		w[i] = make([]float64, m+1)
		for j := 0; j <= m; j++ {
			if j > i || m-j > n-i {
				continue
			}
			w[i][j] = math.Exp(combin.LogGeneralizedBinomial(float64(i), float64(j)) +
				combin.LogGeneralizedBinomial(float64(n-i), float64(m-j)) - lnm)
		}
	}
	return w
}

// Project projects the spectrum down to smaller sample sizes by
// hypergeometric sampling along every axis. Masked entries are treated
// as zero.
func (s *Spectrum) Project(ns []int) (*Spectrum, error) {
	if len(ns) != len(s.Shape) {
		return nil, fmt.Errorf("%w: %d sample sizes for %d axes", ErrShape, len(ns), len(s.Shape))
	}
	if s.Folded {
		return nil, errors.New("cannot project a folded spectrum")
	}
	cur := s.Copy()
	for i, m := range cur.Mask {
		if m {
			cur.Data[i] = 0
		}
	}
	for axis, m := range ns {
		n := cur.Shape[axis] - 1
		if m > n || m < 1 {
			return nil, fmt.Errorf("%w: cannot project %d to %d", ErrShape, n, m)
		}
		if m == n {
			continue
		}
		w := projectionWeights(n, m)
		shape := append([]int(nil), cur.Shape...)
		shape[axis] = m + 1
		next, err := New(shape, cur.Pops)
		if err != nil {
			return nil, err
		}
		idx := make([]int, len(shape))
		for i, v := range cur.Data {
			if v == 0 {
				continue
			}
			idx = cur.Unravel(i, idx)
			k := idx[axis]
			for j, wj := range w[k] {
				if wj == 0 {
					continue
				}
				idx[axis] = j
				next.Data[next.Index(idx)] += v * wj
			}
		}
		cur = next
	}
	cur.Unmask()
	cur.MaskCorners()
	return cur, nil
}

// Transpose permutes the axes: axis k of the result is axis order[k]
// of s.
func (s *Spectrum) Transpose(order []int) (*Spectrum, error) {
	if len(order) != len(s.Shape) {
		return nil, fmt.Errorf("%w: permutation of length %d", ErrShape, len(order))
	}
	seen := make([]bool, len(order))
	shape := make([]int, len(order))
	var pops []string
	for k, a := range order {
		if a < 0 || a >= len(order) || seen[a] {
			return nil, fmt.Errorf("%w: invalid permutation %v", ErrShape, order)
		}
		seen[a] = true
		shape[k] = s.Shape[a]
		if s.Pops != nil {
			pops = append(pops, s.Pops[a])
		}
	}
	r, err := New(shape, pops)
	if err != nil {
		return nil, err
	}
	r.Folded = s.Folded
	idx := make([]int, len(shape))
	ridx := make([]int, len(shape))
	for i, v := range s.Data {
		idx = s.Unravel(i, idx)
		for k, a := range order {
			ridx[k] = idx[a]
		}
		p := r.Index(ridx)
		r.Data[p] = v
		r.Mask[p] = s.Mask[i]
	}
	return r, nil
}

// PopIndex returns the axis of a population label.
func (s *Spectrum) PopIndex(name string) (int, error) {
	for i, p := range s.Pops {
		if p == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("population %q not found in %v", name, s.Pops)
}

// SegregatingSites returns the number of unmasked non-corner entries
// summed; for data spectra it is the number of segregating sites.
func (s *Spectrum) SegregatingSites() float64 {
	sum := 0.0
	last := len(s.Data) - 1
	for i, v := range s.Data {
		if i == 0 || i == last || s.Mask[i] {
			continue
		}
		sum += v
	}
	return sum
}
