package optimize

import (
	"math"

	lbfgsb "github.com/idavydov/go-lbfgsb"
)

// LBFGSB is the limited memory BFGS optimizer with box constraints.
// Gradient is computed numerically.
type LBFGSB struct {
	BaseOptimizer
	dH      float64
	grad    []float64
	stop    bool
	maxIter int
	factor  float64
}

// NewLBFGSB creates a new L-BFGS-B optimizer.
func NewLBFGSB() (l *LBFGSB) {
	l = &LBFGSB{
		dH:     1e-6,
		factor: 1e-9,
	}
	l.repPeriod = 1
	return
}

// Logger is called by the library after every iteration.
func (l *LBFGSB) Logger(info *lbfgsb.OptimizationIterationInformation) {
	l.i = info.Iteration
	l.l = -info.F
	if l.i%l.repPeriod == 0 {
		l.parameters.SetValues(info.X)
		l.PrintLine(l.parameters, -info.F)
	}
	if l.signaled() || l.i >= l.maxIter {
		l.stop = true
	}
}

// EvaluateFunction returns the negative log-likelihood.
func (l *LBFGSB) EvaluateFunction(x []float64) float64 {
	if l.stop || !l.parameters.ValuesInRange(x) {
		return math.Inf(+1)
	}
	l.parameters.SetValues(x)
	return -l.likelihood(l.Optimizable, l.parameters)
}

// EvaluateGradient returns the finite difference gradient. Central
// differences are used except next to the bounds.
func (l *LBFGSB) EvaluateGradient(x []float64) []float64 {
	if l.grad == nil {
		l.grad = make([]float64, len(x))
	}
	grad := l.grad
	if l.stop {
		for i := range grad {
			grad[i] = 0
		}
		return grad
	}
	xt := append([]float64(nil), x...)
	f0 := math.NaN()
	center := func() float64 {
		if math.IsNaN(f0) {
			f0 = l.EvaluateFunction(x)
		}
		return f0
	}
	for i, par := range l.parameters {
		h := l.dH * math.Max(1, math.Abs(x[i]))
		up, down := x[i]+h, x[i]-h
		switch {
		case par.ValueInRange(up) && par.ValueInRange(down):
			xt[i] = up
			f2 := l.EvaluateFunction(xt)
			xt[i] = down
			f1 := l.EvaluateFunction(xt)
			grad[i] = (f2 - f1) / 2 / h
		case par.ValueInRange(up):
			xt[i] = up
			grad[i] = (l.EvaluateFunction(xt) - center()) / h
		case par.ValueInRange(down):
			xt[i] = down
			grad[i] = (center() - l.EvaluateFunction(xt)) / h
		default:
			grad[i] = 0
		}
		xt[i] = x[i]
	}
	return grad
}

// Run minimizes the negative log-likelihood.
func (l *LBFGSB) Run(iterations int) {
	if iterations <= 0 || len(l.parameters) == 0 {
		l.evaluate()
		l.finish("none")
		return
	}
	l.start()
	l.stop = false
	l.maxIter = iterations
	l.PrintHeader()
	bounds := make([][2]float64, len(l.parameters))

	for i, par := range l.parameters {
		bounds[i][0] = par.GetMin()
		bounds[i][1] = par.GetMax()
	}

	opt := new(lbfgsb.Lbfgsb)
	opt.SetApproximationSize(10)
	opt.SetFTolerance(l.factor)
	opt.SetGTolerance(1e-9)
	opt.SetBounds(bounds)
	opt.SetLogger(l.Logger)

	_, exitStatus := opt.Minimize(l, l.parameters.Values(nil))

	log.Infof("Exit status: %v", exitStatus)
	switch {
	case l.status == "signal":
	case l.stop:
		log.Warningf("Iterations exceeded (%d)", iterations)
		l.status = "iterations exceeded"
	case exitStatus.Code == lbfgsb.SUCCESS:
		l.converged = true
		l.status = "converged"
	default:
		l.status = exitStatus.Message
	}
	l.finish("L-BFGS-B")
}
