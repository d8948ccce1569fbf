package optimize

import (
	"errors"
	"math"

	gopt "gonum.org/v1/gonum/optimize"
)

var errSignal = errors.New("exiting by signal")

// boundTolerance is the distance to a bound, relative to the range,
// treated as being at the bound.
const boundTolerance = 1e-3

// nearBounds returns the names of parameters with values within tol
// of a bound.
func nearBounds(pars FloatParameters, x []float64, tol float64) (names []string) {
	for i, par := range pars {
		if i >= len(x) {
			break
		}
		d := tol * (par.GetMax() - par.GetMin())
		if x[i]-par.GetMin() <= d || par.GetMax()-x[i] <= d {
			names = append(names, par.Name())
		}
	}
	return
}

// BFGS is the gonum BFGS optimizer. Parameter bounds are enforced by
// returning infinite values outside of them, so BFGS is meant for
// optima in the interior of the bounds. Next to a bound the line
// search stalls and the run ends unconverged; LBFGSB handles bounds.
type BFGS struct {
	BaseOptimizer
	dH float64
	xt []float64
}

// NewBFGS creates a new BFGS optimizer.
func NewBFGS() (bfgs *BFGS) {
	bfgs = &BFGS{
		dH: 1e-6,
	}
	bfgs.repPeriod = 1
	return
}

// Init is a part of gonum Recorder interface.
func (b *BFGS) Init() error {
	return nil
}

// Record is a part of gonum Recorder interface.
func (b *BFGS) Record(l *gopt.Location, op gopt.Operation, s *gopt.Stats) error {
	if op == gopt.MajorIteration {
		b.i = s.MajorIterations
		b.l = -l.F
		if b.i%b.repPeriod == 0 {
			b.parameters.SetValues(l.X)
			b.PrintLine(b.parameters, -l.F)
		}
	}
	if b.signaled() {
		return errSignal
	}
	return nil
}

// Func returns the negative log-likelihood.
func (b *BFGS) Func(x []float64) float64 {
	if !b.parameters.ValuesInRange(x) {
		return math.Inf(+1)
	}
	b.parameters.SetValues(x)
	return -b.likelihood(b.Optimizable, b.parameters)
}

// Grad computes forward difference gradient, backward next to the
// upper bound.
func (b *BFGS) Grad(grad, x []float64) {
	if !b.parameters.ValuesInRange(x) {
		for i, par := range b.parameters {
			switch {
			case x[i] < par.GetMin():
				grad[i] = math.Inf(-1)
			case x[i] > par.GetMax():
				grad[i] = math.Inf(+1)
			default:
				grad[i] = 0
			}
		}
		return
	}
	if b.xt == nil {
		b.xt = make([]float64, len(x))
	}
	copy(b.xt, x)
	f0 := b.Func(x)
	for i, par := range b.parameters {
		h := b.dH * math.Max(1, math.Abs(x[i]))
		if !par.ValueInRange(x[i] + h) {
			h = -h
		}
		b.xt[i] = x[i] + h
		grad[i] = (b.Func(b.xt) - f0) / h
		b.xt[i] = x[i]
	}
}

// Run minimizes the negative log-likelihood.
func (b *BFGS) Run(iterations int) {
	if iterations <= 0 || len(b.parameters) == 0 {
		b.evaluate()
		b.finish("none")
		return
	}
	b.start()
	b.PrintHeader()
	settings := &gopt.Settings{
		MajorIterations:   iterations,
		GradientThreshold: 1e-3,
		Recorder:          b,
	}
	problem := gopt.Problem{
		Func: b.Func,
		Grad: b.Grad,
	}

	res, err := gopt.Minimize(problem, b.parameters.Values(nil), settings, &gopt.BFGS{})

	switch {
	case errors.Is(err, errSignal):
		b.status = "signal"
	case err != nil:
		log.Warningf("Optimization error: %v", err)
		b.status = err.Error()
	case res.Status == gopt.GradientThreshold || res.Status == gopt.FunctionConvergence:
		b.converged = true
		b.status = "converged"
	default:
		log.Warningf("Optimization stopped: %v", res.Status)
		b.status = res.Status.String()
	}
	if !b.converged && b.status != "signal" {
		if names := nearBounds(b.parameters, b.maxLPar, boundTolerance); len(names) > 0 {
			log.Warningf("BFGS stopped next to the bounds of %v, consider lbfgsb", names)
			b.status += " (at bounds)"
		}
	}
	b.finish("BFGS")
}
