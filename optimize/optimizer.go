// Package optimize implements likelihood maximization. An Optimizable
// exposes its free parameters as FloatParameters; optimizers change the
// parameter values and call Likelihood.
package optimize

import (
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/sfsinfer/checkpoint"
)

// log is the global logging variable.
var log = logging.MustGetLogger("optimize")

// Optimizable is something which can be optimized using the optimizer.
type Optimizable interface {
	// GetFloatParameters returns the parameters in optimization space.
	GetFloatParameters() FloatParameters
	// Copy returns an independent copy.
	Copy() Optimizable
	// Likelihood returns the log-likelihood to maximize; -Inf for
	// infeasible parameter values.
	Likelihood() float64
}

// Optimizer is an interface for all the optimizers.
type Optimizer interface {
	SetOptimizable(Optimizable)
	WatchSignals(...os.Signal)
	SetReportPeriod(period int)
	SetTrajectoryOutput(io.Writer)
	SetCheckpointIO(*checkpoint.CheckpointIO)
	Run(iterations int)
	GetL() float64
	GetMaxL() float64
	GetMaxLParameters() []float64
	GetIterations() int
	Converged() bool
	Summary() interface{}
	PrintResults()
}

// BaseOptimizer contains the fields and methods shared by optimizers.
type BaseOptimizer struct {
	Optimizable
	parameters FloatParameters
	i          int
	calls      int
	l          float64
	maxL       float64
	maxLPar    []float64
	repPeriod  int
	sig        chan os.Signal
	trajF      io.Writer
	cio        *checkpoint.CheckpointIO
	converged  bool
	status     string
	name       string
	// Quiet disables the trajectory output.
	Quiet bool
}

// baseOptimizerSummary is the summary of an optimizer run.
type baseOptimizerSummary struct {
	Method         string             `json:"method"`
	MaxLnL         *float64           `json:"maxLnL,omitempty"`
	MaxLParameters map[string]float64 `json:"maxLParameters"`
	Iterations     int                `json:"iterations"`
	Calls          int                `json:"likelihoodCalls"`
	Converged      bool               `json:"converged"`
	Status         interface{}        `json:"status,omitempty"`
}

// SetOptimizable sets the model to optimize.
func (o *BaseOptimizer) SetOptimizable(opt Optimizable) {
	o.Optimizable = opt
	o.parameters = opt.GetFloatParameters()
}

// WatchSignals makes the optimizer stop on the signals.
func (o *BaseOptimizer) WatchSignals(sigs ...os.Signal) {
	o.sig = make(chan os.Signal, 1)
	signal.Notify(o.sig, sigs...)
}

// SetReportPeriod sets the number of iterations between reports.
func (o *BaseOptimizer) SetReportPeriod(period int) {
	o.repPeriod = period
}

// SetTrajectoryOutput sets the writer for the trajectory.
func (o *BaseOptimizer) SetTrajectoryOutput(w io.Writer) {
	o.trajF = w
}

// SetCheckpointIO enables periodic checkpoints.
func (o *BaseOptimizer) SetCheckpointIO(cio *checkpoint.CheckpointIO) {
	o.cio = cio
}

// signaled returns true if a watched signal was received.
func (o *BaseOptimizer) signaled() bool {
	select {
	case s := <-o.sig:
		log.Warningf("Received signal %v, exiting.", s)
		o.status = "signal"
		return true
	default:
	}
	return false
}

// start resets the counters before a run.
func (o *BaseOptimizer) start() {
	o.i = 0
	o.calls = 0
	o.maxL = math.Inf(-1)
	o.maxLPar = o.parameters.Values(o.maxLPar)
	o.converged = false
	o.status = ""
}

// likelihood computes the likelihood of the current parameter values
// and updates the maximum.
func (o *BaseOptimizer) likelihood(opt Optimizable, par FloatParameters) float64 {
	var l float64
	if par.InRange() {
		l = opt.Likelihood()
	} else {
		l = math.Inf(-1)
	}
	o.calls++
	if l > o.maxL {
		o.maxL = l
		o.maxLPar = par.Values(o.maxLPar)
	}
	return l
}

// evaluate only computes the likelihood of the initial values.
func (o *BaseOptimizer) evaluate() {
	o.start()
	o.l = o.likelihood(o.Optimizable, o.parameters)
	o.PrintHeader()
	o.PrintLine(o.parameters, o.l)
	o.status = "evaluated"
}

// PrintHeader prints the trajectory header.
func (o *BaseOptimizer) PrintHeader() {
	if !o.Quiet && o.trajF != nil {
		fmt.Fprintf(o.trajF, "iteration\tlikelihood\t%s\n", o.parameters.NamesString())
	}
}

// PrintLine prints one trajectory line and saves a checkpoint if it is
// time to.
func (o *BaseOptimizer) PrintLine(par FloatParameters, l float64) {
	if !o.Quiet && o.trajF != nil {
		fmt.Fprintf(o.trajF, "%d\t%f\t%s\n", o.i, l, par.ValuesString())
	}
	if o.cio != nil && o.cio.Old() {
		o.saveCheckpoint(false)
	}
}

func (o *BaseOptimizer) saveCheckpoint(final bool) {
	if o.cio == nil || o.maxLPar == nil {
		return
	}
	data := &checkpoint.CheckpointData{
		Parameters: make(map[string]float64, len(o.parameters)),
		Likelihood: o.maxL,
		Iter:       o.i,
		Final:      final,
	}
	for i, par := range o.parameters {
		data.Parameters[par.Name()] = o.maxLPar[i]
	}
	o.cio.Save(data)
}

// finish sets the best parameters and logs the result.
func (o *BaseOptimizer) finish(method string) {
	o.name = method
	if o.maxLPar != nil {
		o.parameters.SetValues(o.maxLPar)
	}
	o.l = o.maxL
	o.saveCheckpoint(true)
	log.Infof("Finished %s", method)
	log.Noticef("Maximum likelihood: %v", o.maxL)
	log.Infof("Likelihood function calls: %v", o.calls)
	log.Debugf("Parameter  names: %v", o.parameters.NamesString())
	log.Debugf("Parameter values: %v", o.parameters.ValuesString())
}

// PrintResults logs the final parameter values.
func (o *BaseOptimizer) PrintResults() {
	for i, par := range o.parameters {
		log.Noticef("%s=%v", par.Name(), o.maxLPar[i])
	}
}

// GetL returns the current log-likelihood.
func (o *BaseOptimizer) GetL() float64 {
	return o.l
}

// GetMaxL returns the maximum log-likelihood.
func (o *BaseOptimizer) GetMaxL() float64 {
	return o.maxL
}

// GetMaxLParameters returns parameter values at the maximum.
func (o *BaseOptimizer) GetMaxLParameters() []float64 {
	return append([]float64(nil), o.maxLPar...)
}

// GetIterations returns the number of iterations performed.
func (o *BaseOptimizer) GetIterations() int {
	return o.i
}

// Converged returns true if the convergence criterion was met.
func (o *BaseOptimizer) Converged() bool {
	return o.converged
}

// Summary returns the run summary.
func (o *BaseOptimizer) Summary() interface{} {
	s := baseOptimizerSummary{
		Method:         o.name,
		MaxLParameters: make(map[string]float64, len(o.parameters)),
		Iterations:     o.i,
		Calls:          o.calls,
		Converged:      o.converged,
	}
	if o.status != "" {
		s.Status = o.status
	}
	// JSON has no infinities
	if !math.IsInf(o.maxL, 0) && !math.IsNaN(o.maxL) {
		maxL := o.maxL
		s.MaxLnL = &maxL
	}
	for i, par := range o.parameters {
		if i < len(o.maxLPar) {
			s.MaxLParameters[par.Name()] = o.maxLPar[i]
		}
	}
	return s
}

// ParameterNamesString returns tab separated parameter names.
func (o *BaseOptimizer) ParameterNamesString() string {
	return strings.Join(o.parameters.Names(nil), "\t")
}
