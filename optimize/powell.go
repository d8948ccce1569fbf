package optimize

import (
	"math"
)

const (
	goldenRatio = 1.618034
	maxStep     = 1e6
)

// Powell is the direction set method with a bounded line search.
// It minimizes the negative log-likelihood and needs no gradient.
type Powell struct {
	BaseOptimizer
	ftol    float64
	xtol    float64
	lineMax int
	x       []float64
}

// NewPowell creates a new Powell optimizer.
func NewPowell() (p *Powell) {
	p = &Powell{
		ftol:    1e-8,
		xtol:    1e-6,
		lineMax: 50,
	}
	p.repPeriod = 1
	return
}

// f is the negative log-likelihood at x.
func (p *Powell) f(x []float64) float64 {
	for i, par := range p.parameters {
		par.Set(clip(x[i], par.GetMin(), par.GetMax()))
	}
	return -p.likelihood(p.Optimizable, p.parameters)
}

func clip(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}

// lineBounds returns the range of t keeping x+t*d inside the bounds.
func (p *Powell) lineBounds(x, d []float64) (lo, hi float64) {
	lo, hi = -maxStep, maxStep
	for i, par := range p.parameters {
		if d[i] == 0 {
			continue
		}
		a := (par.GetMin() - x[i]) / d[i]
		b := (par.GetMax() - x[i]) / d[i]
		if a > b {
			a, b = b, a
		}
		lo = math.Max(lo, a)
		hi = math.Min(hi, b)
	}
	return math.Min(lo, 0), math.Max(hi, 0)
}

// lineMin minimizes f along d starting from x with value fx. The
// returned point is never worse than x.
func (p *Powell) lineMin(x, d []float64, fx float64) ([]float64, float64) {
	lo, hi := p.lineBounds(x, d)
	xt := make([]float64, len(x))
	bestT, bestF := 0.0, fx
	at := func(t float64) float64 {
		for i := range xt {
			xt[i] = x[i] + t*d[i]
		}
		v := p.f(xt)
		if v < bestF {
			bestT, bestF = t, v
		}
		return v
	}

	// bracket the minimum: a < b < c with f(b) below both ends
	var a, b, c float64
	step := math.Min(1, hi)
	if step > 0 && at(step) < fx {
		a, b = 0, step
		fb := bestF
		c = math.Min(b+goldenRatio*(b-a), hi)
		for c < hi {
			fc := at(c)
			if fc >= fb {
				break
			}
			a, b, fb = b, c, fc
			c = math.Min(b+goldenRatio*(b-a), hi)
		}
	} else if step = math.Max(-1, lo); step < 0 && at(step) < fx {
		a, b = 0, step
		fb := bestF
		c = math.Max(b+goldenRatio*(b-a), lo)
		for c > lo {
			fc := at(c)
			if fc >= fb {
				break
			}
			a, b, fb = b, c, fc
			c = math.Max(b+goldenRatio*(b-a), lo)
		}
	} else {
		a, b, c = math.Max(-1, lo), 0, math.Min(1, hi)
	}
	if a > c {
		a, c = c, a
	}

	// golden section search
	const r = 0.381966
	for k := 0; k < p.lineMax && c-a > p.xtol*(math.Abs(bestT)+1); k++ {
		var t float64
		if c-bestT > bestT-a {
			t = bestT + r*(c-bestT)
		} else {
			t = bestT - r*(bestT-a)
		}
		prev := bestT
		at(t)
		if bestT == t {
			if t > prev {
				a = prev
			} else {
				c = prev
			}
		} else {
			if t > bestT {
				c = t
			} else {
				a = t
			}
		}
	}
	res := make([]float64, len(x))
	for i := range res {
		par := p.parameters[i]
		res[i] = clip(x[i]+bestT*d[i], par.GetMin(), par.GetMax())
	}
	return res, bestF
}

// Run minimizes the negative log-likelihood.
func (p *Powell) Run(iterations int) {
	if iterations <= 0 || len(p.parameters) == 0 {
		p.evaluate()
		p.finish("none")
		return
	}
	p.start()
	p.PrintHeader()
	n := len(p.parameters)
	x := p.parameters.Values(nil)
	fx := p.f(x)

	dirs := make([][]float64, n)
	for i := range dirs {
		dirs[i] = make([]float64, n)
		dirs[i][i] = 1
	}

	for p.i = 1; p.i <= iterations; p.i++ {
		fx0 := fx
		x0 := append([]float64(nil), x...)
		biggest, delta := 0, 0.0
		for k, d := range dirs {
			fprev := fx
			x, fx = p.lineMin(x, d, fx)
			if fprev-fx > delta {
				biggest, delta = k, fprev-fx
			}
		}
		p.BaseOptimizer.l = -fx
		if p.i%p.repPeriod == 0 {
			p.parameters.SetValues(x)
			p.PrintLine(p.parameters, -fx)
		}
		if 2*(fx0-fx) <= p.ftol*(math.Abs(fx0)+math.Abs(fx))+TINY {
			p.converged = true
			p.status = "converged"
			break
		}
		if p.signaled() {
			break
		}

		dnew := make([]float64, n)
		xe := make([]float64, n)
		moved := false
		for i := range dnew {
			dnew[i] = x[i] - x0[i]
			xe[i] = x[i] + dnew[i]
			moved = moved || dnew[i] != 0
		}
		if !moved || !p.parameters.ValuesInRange(xe) {
			continue
		}
		fe := p.f(xe)
		if fe < fx0 {
			t := 2*(fx0-2*fx+fe)*sq(fx0-fx-delta) - delta*sq(fx0-fe)
			if t < 0 {
				x, fx = p.lineMin(x, dnew, fx)
				dirs[biggest] = dirs[n-1]
				dirs[n-1] = dnew
			}
		}
	}
	if p.i > iterations {
		p.i = iterations
	}
	if !p.converged && p.status == "" {
		log.Warningf("Iterations exceeded (%d)", iterations)
		p.status = "iterations exceeded"
	}
	p.finish("powell")
}

func sq(x float64) float64 {
	return x * x
}
