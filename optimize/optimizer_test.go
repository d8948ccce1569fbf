package optimize

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/op/go-logging"
)

func init() {
	logging.SetLevel(logging.WARNING, "optimize")
}

// quadratic has the maximum at (1, -2); with x bounded by 0.5 from
// above the constrained maximum is (0.5, -2).
type quadratic struct {
	x, y       float64
	xMax       float64
	parameters FloatParameters
}

func newQuadratic(x, y, xMax float64) *quadratic {
	q := &quadratic{x: x, y: y, xMax: xMax}
	px := NewBasicFloatParameter(&q.x, "x")
	px.SetMin(-100)
	px.SetMax(xMax)
	py := NewBasicFloatParameter(&q.y, "y")
	py.SetMin(-100)
	py.SetMax(100)
	q.parameters.Append(px)
	q.parameters.Append(py)
	return q
}

func (q *quadratic) GetFloatParameters() FloatParameters {
	return q.parameters
}

func (q *quadratic) Copy() Optimizable {
	return newQuadratic(q.x, q.y, q.xMax)
}

func (q *quadratic) Likelihood() float64 {
	return -100 - (q.x-1)*(q.x-1) - 3*(q.y+2)*(q.y+2)
}

func methods() map[string]Optimizer {
	return map[string]Optimizer{
		"simplex": NewDS(),
		"powell":  NewPowell(),
		"lbfgsb":  NewLBFGSB(),
		"bfgs":    NewBFGS(),
	}
}

func TestOptimizers(tst *testing.T) {
	for name, opt := range methods() {
		q := newQuadratic(3, 3, 10)
		opt.SetOptimizable(q)
		opt.Run(1000)
		par := opt.GetMaxLParameters()
		if math.Abs(par[0]-1) > 1e-3 || math.Abs(par[1]+2) > 1e-3 {
			tst.Errorf("%s: wrong maximum %v", name, par)
		}
		if !opt.Converged() {
			tst.Errorf("%s: not converged", name)
		}
		if math.Abs(q.x-par[0]) > 1e-12 || math.Abs(q.y-par[1]) > 1e-12 {
			tst.Errorf("%s: best values were not set %v %v", name, q.x, q.y)
		}
	}
}

func TestOptimizersBounded(tst *testing.T) {
	for name, opt := range methods() {
		if name == "bfgs" {
			// unconstrained method
			continue
		}
		q := newQuadratic(-3, 3, 0.5)
		opt.SetOptimizable(q)
		opt.Run(1000)
		par := opt.GetMaxLParameters()
		if math.Abs(par[0]-0.5) > 1e-3 || math.Abs(par[1]+2) > 1e-3 {
			tst.Errorf("%s: wrong maximum %v", name, par)
		}
		if par[0] > 0.5 {
			tst.Errorf("%s: bound violated %v", name, par[0])
		}
	}
}

func TestBFGSAtBound(tst *testing.T) {
	q := newQuadratic(-3, 3, 0.5)
	start := q.Likelihood()
	opt := NewBFGS()
	opt.SetOptimizable(q)
	opt.Run(1000)
	par := opt.GetMaxLParameters()
	if par[0] > 0.5 {
		tst.Error("Bound violated", par[0])
	}
	if !(opt.GetMaxL() > start) {
		tst.Errorf("No improvement: %v <= %v", opt.GetMaxL(), start)
	}
	if opt.Converged() && par[0] < 0.5-1e-3 {
		tst.Error("Converged away from the constrained optimum", par)
	}
}

func TestNearBounds(tst *testing.T) {
	q := newQuadratic(0, 0, 0.5)
	pars := q.GetFloatParameters()
	if names := nearBounds(pars, []float64{0.49999, 0}, 1e-3); len(names) != 1 || names[0] != "x" {
		tst.Error("Wrong parameters at bounds", names)
	}
	if names := nearBounds(pars, []float64{0, -100}, 1e-3); len(names) != 1 || names[0] != "y" {
		tst.Error("Wrong parameters at bounds", names)
	}
	if names := nearBounds(pars, []float64{0, 0}, 1e-3); len(names) != 0 {
		tst.Error("Interior point reported at bounds", names)
	}
}

func TestZeroIterations(tst *testing.T) {
	for name, opt := range methods() {
		q := newQuadratic(3, 3, 10)
		opt.SetOptimizable(q)
		opt.Run(0)
		par := opt.GetMaxLParameters()
		if par[0] != 3 || par[1] != 3 {
			tst.Errorf("%s: values changed: %v", name, par)
		}
		if opt.GetMaxL() != q.Likelihood() {
			tst.Errorf("%s: wrong likelihood %v", name, opt.GetMaxL())
		}
	}
}

func TestTrajectory(tst *testing.T) {
	var buf bytes.Buffer
	ds := NewDS()
	q := newQuadratic(3, 3, 10)
	ds.SetOptimizable(q)
	ds.SetTrajectoryOutput(&buf)
	ds.SetReportPeriod(1)
	ds.Run(5)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "iteration\tlikelihood\tx\ty" {
		tst.Errorf("Wrong header: %q", lines[0])
	}
	if len(lines) != 6 {
		tst.Errorf("Expected 6 lines, got %d", len(lines))
	}
	if ds.GetIterations() != 5 {
		tst.Errorf("Expected 5 iterations, got %d", ds.GetIterations())
	}
	if ds.Converged() {
		tst.Error("Should not converge in 5 iterations")
	}
}

func TestNewOptimizer(tst *testing.T) {
	for _, m := range []string{"fmin", "simplex", "powell", "lbfgsb", "bfgs", "none"} {
		if _, ok := NewOptimizer(m); !ok {
			tst.Errorf("Method %s is not known", m)
		}
	}
	if _, ok := NewOptimizer("mcmc"); ok {
		tst.Error("Unknown method accepted")
	}
}
