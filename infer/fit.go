package infer

import (
	"fmt"
	"io"
	"math/rand"
	"os"

	"bitbucket.org/Davydov/sfsinfer/checkpoint"
	"bitbucket.org/Davydov/sfsinfer/demes"
	"bitbucket.org/Davydov/sfsinfer/optimize"
	"bitbucket.org/Davydov/sfsinfer/output"
	"bitbucket.org/Davydov/sfsinfer/params"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// FitOptions control a fit.
type FitOptions struct {
	// Method is the optimizer name, fmin by default.
	Method string
	// Iterations is the maximal number of optimizer iterations; zero
	// evaluates the initial values only.
	Iterations int
	// FitMisid adds p_misid starting at MisidGuess.
	FitMisid   bool
	MisidGuess float64
	// Perturb is the fold of the random perturbation of initial
	// values; zero disables it.
	Perturb float64
	Seed    int64
	// Linear disables log scale optimization.
	Linear bool
	// Output is the path for the fitted graph document.
	Output    string
	Overwrite bool
	// Trajectory receives the optimization trajectory.
	Trajectory   io.Writer
	ReportPeriod int
	Checkpoint   *checkpoint.CheckpointIO
	// Signals stop the optimization and keep the best point.
	Signals []os.Signal
}

// FitResult is the outcome of a fit.
type FitResult struct {
	Names         []string    `json:"names"`
	Values        []float64   `json:"values"`
	LogLikelihood Float       `json:"lnL"`
	Converged     bool        `json:"converged"`
	Iterations    int         `json:"iterations"`
	Optimizer     interface{} `json:"optimizer"`
	// Graph is the document with the fitted values.
	Graph *demes.Document `json:"-"`
}

// Hypothesis returns the fitted model.
func (r *FitResult) Hypothesis(opts *params.Options) *Hypothesis {
	h := &Hypothesis{Graph: r.Graph, Options: opts}
	if len(r.Names) > opts.Len() && r.Names[opts.Len()] == MisidName {
		h.FitMisid = true
		h.Misid = r.Values[opts.Len()]
	}
	return h
}

// Fit maximizes the likelihood of data over the parameters declared
// in opts. uL > 0 selects the Poisson likelihood, otherwise the
// multinomial one is used.
func Fit(eval Evaluator, doc *demes.Document, opts *params.Options, data *spectrum.Spectrum, uL float64, fo FitOptions) (*FitResult, error) {
	if err := output.Check(fo.Output, fo.Overwrite); err != nil {
		return nil, err
	}
	method := fo.Method
	if method == "" {
		method = "fmin"
	}
	opt, ok := optimize.NewOptimizer(method)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMethod, method)
	}

	start := opts.Initial()
	if err := opts.CheckBounds(start); err != nil {
		return nil, fmt.Errorf("initial values: %w", err)
	}
	if fo.FitMisid && (fo.MisidGuess < 0 || fo.MisidGuess > misidMax) {
		return nil, fmt.Errorf("%w: %s=%v not in [0, 0.5)", params.ErrBounds, MisidName, fo.MisidGuess)
	}
	if fo.Perturb > 0 {
		rng := rand.New(rand.NewSource(fo.Seed))
		start = opts.Perturb(start, fo.Perturb, rng)
		log.Infof("Perturbed initial values: %v", start)
	}
	if fo.FitMisid {
		start = append(start, fo.MisidGuess)
	}

	h := &Hypothesis{Graph: doc, Options: opts, FitMisid: fo.FitMisid}
	m, err := newModel(eval, h, data, uL, start, fo.Linear)
	if err != nil {
		return nil, err
	}
	if _, err := m.expected(m.doc.Copy(), start); err != nil {
		return nil, fmt.Errorf("initial model: %w", err)
	}

	iterations := fo.Iterations
	if method == "none" {
		iterations = 0
	}
	if fo.Checkpoint != nil {
		cp, err := fo.Checkpoint.GetParameters()
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		if cp != nil {
			if err := m.parameters.SetFromMap(cp.Parameters); err != nil {
				log.Warningf("Ignoring checkpoint: %v", err)
			} else {
				log.Infof("Resuming from checkpoint (lnL=%v)", cp.Likelihood)
				if cp.Final {
					iterations = 0
				}
			}
		}
		opt.SetCheckpointIO(fo.Checkpoint)
	}

	opt.SetOptimizable(m)
	if fo.ReportPeriod > 0 {
		opt.SetReportPeriod(fo.ReportPeriod)
	}
	if fo.Trajectory != nil {
		opt.SetTrajectoryOutput(fo.Trajectory)
	}
	if len(fo.Signals) > 0 {
		opt.WatchSignals(fo.Signals...)
	}
	log.Infof("Optimizing %d parameters with %s, %d iterations", m.dim(), method, iterations)
	opt.Run(iterations)

	best := m.toNatural(opt.GetMaxLParameters())
	res := &FitResult{
		Names:         m.names(),
		Values:        best,
		LogLikelihood: Float(opt.GetMaxL()),
		Converged:     opt.Converged(),
		Iterations:    opt.GetIterations(),
		Optimizer:     opt.Summary(),
		Graph:         doc.Copy(),
	}
	if _, err := res.Graph.SetValues(opts.Paths(), best[:opts.Len()]); err != nil {
		return nil, fmt.Errorf("fitted graph: %w", err)
	}
	for i, name := range res.Names {
		log.Noticef("%s=%v", name, best[i])
	}
	log.Noticef("lnL=%v", res.LogLikelihood)

	if fo.Output != "" {
		if err := res.Graph.Save(fo.Output, fo.Overwrite); err != nil {
			return res, err
		}
		log.Infof("Fitted graph written to %s", fo.Output)
	}

	if iterations > 0 && !res.Converged {
		return res, fmt.Errorf("%w after %d iterations", ErrNotConverged, res.Iterations)
	}
	return res, nil
}
