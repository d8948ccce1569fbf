package infer

import (
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

type stencilKind int

const (
	central stencilKind = iota
	forward
	backward
)

// stencil is the finite difference scheme of one parameter. One-sided
// schemes are used when a central step would leave the bounds.
type stencil struct {
	h    float64
	kind stencilKind
}

func newStencil(x, eps, lower, upper float64) stencil {
	h := eps * math.Abs(x)
	if x == 0 {
		h = eps
	}
	for try := 0; try < 60; try++ {
		switch {
		case x-h >= lower && x+h <= upper:
			return stencil{h, central}
		case x+2*h <= upper:
			return stencil{h, forward}
		case x-2*h >= lower:
			return stencil{h, backward}
		}
		h /= 2
	}
	return stencil{0, central}
}

// up and low are the shifts of the first difference.
func (s stencil) up() float64 {
	if s.kind == backward {
		return 0
	}
	return s.h
}

func (s stencil) low() float64 {
	if s.kind == forward {
		return 0
	}
	return -s.h
}

// diag returns the shifts of the three point second difference.
func (s stencil) diag() [3]float64 {
	switch s.kind {
	case forward:
		return [3]float64{2 * s.h, s.h, 0}
	case backward:
		return [3]float64{0, -s.h, -2 * s.h}
	}
	return [3]float64{s.h, 0, -s.h}
}

// pointKey identifies a point shifted along at most two parameters.
type pointKey struct {
	a  int
	da float64
	b  int
	db float64
}

func newKey(a int, da float64, b int, db float64) pointKey {
	if da == 0 {
		a = -1
	}
	if db == 0 {
		b = -1
	}
	if a < 0 {
		a, da, b, db = b, db, -1, 0
	}
	if b >= 0 && b < a {
		a, da, b, db = b, db, a, da
	}
	if a < 0 {
		da = 0
	}
	if b < 0 {
		db = 0
	}
	return pointKey{a, da, b, db}
}

// grid is the set of points needed for derivatives of the
// log-likelihood with respect to parameters idx at x. Model spectra
// are computed once per point and reused for every data set.
type grid struct {
	m       *model
	x       []float64
	idx     []int
	st      []stencil
	keys    map[pointKey]int
	points  [][]float64
	spectra []*spectrum.Spectrum
}

func newGrid(m *model, x []float64, idx []int, eps float64, hessian bool) *grid {
	g := &grid{
		m:    m,
		x:    x,
		idx:  idx,
		st:   make([]stencil, len(idx)),
		keys: make(map[pointKey]int),
	}
	for a, i := range idx {
		lower, upper := m.bounds(i)
		g.st[a] = newStencil(x[i], eps, lower, upper)
	}
	g.add(newKey(-1, 0, -1, 0))
	for a, s := range g.st {
		g.add(newKey(a, s.up(), -1, 0))
		g.add(newKey(a, s.low(), -1, 0))
		if !hessian {
			continue
		}
		for _, d := range s.diag() {
			g.add(newKey(a, d, -1, 0))
		}
		for b := a + 1; b < len(idx); b++ {
			t := g.st[b]
			for _, da := range [2]float64{s.up(), s.low()} {
				for _, db := range [2]float64{t.up(), t.low()} {
					g.add(newKey(a, da, b, db))
				}
			}
		}
	}
	return g
}

func (g *grid) add(k pointKey) {
	if _, ok := g.keys[k]; ok {
		return
	}
	p := append([]float64(nil), g.x...)
	if k.a >= 0 {
		p[g.idx[k.a]] += k.da
	}
	if k.b >= 0 {
		p[g.idx[k.b]] += k.db
	}
	g.keys[k] = len(g.points)
	g.points = append(g.points, p)
}

// evaluate computes model spectra at all points on workers
// goroutines. Infeasible points get no spectrum.
func (g *grid) evaluate(workers int) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.spectra = make([]*spectrum.Spectrum, len(g.points))
	errs := make([]error, len(g.points))
	tasks := make(chan int, len(g.points))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc := g.m.doc.Copy()
			for i := range tasks {
				if !g.m.feasible(g.points[i]) {
					continue
				}
				g.spectra[i], errs[i] = g.m.expected(doc, g.points[i])
			}
		}()
	}
	for i := range g.points {
		tasks <- i
	}
	close(tasks)
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	log.Debugf("Evaluated %d points", len(g.points))
	return nil
}

// lls returns log-likelihoods of data at every point; model spectra
// are multiplied by factor.
func (g *grid) lls(data *spectrum.Spectrum, uL, factor float64) []float64 {
	res := make([]float64, len(g.points))
	for i, s := range g.spectra {
		if s == nil {
			res[i] = math.Inf(-1)
			continue
		}
		if factor != 1 {
			s = s.Copy()
			s.Scale(factor)
		}
		res[i] = logLikelihood(s, data, uL)
	}
	return res
}

func (g *grid) at(lls []float64, a int, da float64, b int, db float64) float64 {
	return lls[g.keys[newKey(a, da, b, db)]]
}

// score returns the gradient.
func (g *grid) score(lls []float64) []float64 {
	res := make([]float64, len(g.idx))
	for a, s := range g.st {
		res[a] = (g.at(lls, a, s.up(), -1, 0) - g.at(lls, a, s.low(), -1, 0)) / (s.up() - s.low())
	}
	return res
}

// information returns the negative Hessian.
func (g *grid) information(lls []float64) *mat.SymDense {
	n := len(g.idx)
	h := mat.NewSymDense(n, nil)
	for a, s := range g.st {
		d := s.diag()
		v := (g.at(lls, a, d[0], -1, 0) - 2*g.at(lls, a, d[1], -1, 0) + g.at(lls, a, d[2], -1, 0)) / (s.h * s.h)
		h.SetSym(a, a, -v)
		for b := a + 1; b < n; b++ {
			t := g.st[b]
			v := (g.at(lls, a, s.up(), b, t.up()) - g.at(lls, a, s.up(), b, t.low()) -
				g.at(lls, a, s.low(), b, t.up()) + g.at(lls, a, s.low(), b, t.low())) /
				((s.up() - s.low()) * (t.up() - t.low()))
			h.SetSym(a, b, -v)
		}
	}
	return h
}

// maxCond is the condition number above which the information matrix
// is treated as singular.
const maxCond = 1e14

// invert returns the (pseudo-)inverse of a symmetric matrix and marks
// parameters which are not identifiable: non-finite rows and
// components of the numerical null space or negative curvature.
func invert(h *mat.SymDense) (*mat.Dense, []bool) {
	n := h.SymmetricDim()
	bad := make([]bool, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := h.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				bad[i] = true
			}
		}
	}
	clean := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			switch {
			case !bad[i] && !bad[j]:
				clean.SetSym(i, j, h.At(i, j))
			case i == j:
				clean.SetSym(i, i, 1)
			}
		}
	}

	var chol mat.Cholesky
	if chol.Factorize(clean) && chol.Cond() < maxCond {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			return mat.DenseCopyOf(&inv), bad
		}
	}

	log.Warning("Information matrix is not positive definite, using pseudo-inverse")
	var es mat.EigenSym
	if !es.Factorize(clean, true) {
		for i := range bad {
			bad[i] = true
		}
		return mat.NewDense(n, n, nil), bad
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	maxVal := 0.0
	for _, v := range vals {
		maxVal = math.Max(maxVal, math.Abs(v))
	}
	inv := mat.NewDense(n, n, nil)
	for k, lambda := range vals {
		if lambda > maxVal/maxCond {
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					inv.Set(i, j, inv.At(i, j)+vecs.At(i, k)*vecs.At(j, k)/lambda)
				}
			}
			continue
		}
		for i := 0; i < n; i++ {
			if math.Abs(vecs.At(i, k)) > 0.1 {
				bad[i] = true
			}
		}
	}
	return inv, bad
}
