package infer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"bitbucket.org/Davydov/sfsinfer/bootstrap"
	"bitbucket.org/Davydov/sfsinfer/checkpoint"
	"bitbucket.org/Davydov/sfsinfer/config"
	"bitbucket.org/Davydov/sfsinfer/demes"
	"bitbucket.org/Davydov/sfsinfer/output"
	"bitbucket.org/Davydov/sfsinfer/params"
	"bitbucket.org/Davydov/sfsinfer/report"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// checkpointSeconds is the minimal interval between checkpoints.
const checkpointSeconds = 60

// WorkflowResult summarizes a configured run.
type WorkflowResult struct {
	UL       float64       `json:"uL"`
	Fit      *FitResult    `json:"fit"`
	Uncerts  *UncertResult `json:"uncerts,omitempty"`
	NullFit  *FitResult    `json:"nullFit,omitempty"`
	LRT      *LRTResult    `json:"lrt,omitempty"`
	Plots    []string      `json:"plots,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

func (r *WorkflowResult) warn(err error) {
	log.Warning(err)
	r.Warnings = append(r.Warnings, err.Error())
}

// loadHypothesis reads a graph and its options and returns the input
// bytes for checkpoint keys.
func loadHypothesis(graph, options string) (*demes.Document, *params.Options, [][]byte, error) {
	gb, err := os.ReadFile(graph)
	if err != nil {
		return nil, nil, nil, err
	}
	doc, err := demes.ParseDocument(gb)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", graph, err)
	}
	ob, err := os.ReadFile(options)
	if err != nil {
		return nil, nil, nil, err
	}
	opts, err := params.Parse(ob, doc)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", options, err)
	}
	return doc, opts, [][]byte{gb, ob}, nil
}

// loadBootstraps reads all replicates of a store.
func loadBootstraps(path string) ([]bootstrap.Replicate, error) {
	if path == "" {
		return nil, nil
	}
	st, err := bootstrap.OpenStore(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer st.Close()
	reps, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Infof("Loaded %d bootstrap replicates from %s", len(reps), path)
	return reps, nil
}

// fitCheckpoint returns the checkpoint of a fit identified by its
// inputs, or nil without a checkpoint database.
func fitCheckpoint(cfg *config.Config, db *bolt.DB, name string, inputs [][]byte) *checkpoint.CheckpointIO {
	if db == nil {
		return nil
	}
	in := append([][]byte{[]byte(name), []byte(cfg.Method),
		[]byte(strconv.FormatBool(cfg.Linear)),
		[]byte(strconv.FormatFloat(cfg.MutationScaling(), 'g', -1, 64))}, inputs...)
	return checkpoint.NewCheckpointIO(db, checkpoint.Key(in...), checkpointSeconds)
}

// ModelSpectrum returns the expected spectrum of a hypothesis at the
// values stored in its graph, comparable to data. With uL <= 0 the
// spectrum is scaled to the data.
func ModelSpectrum(eval Evaluator, h *Hypothesis, data *spectrum.Spectrum, uL float64) (*spectrum.Spectrum, error) {
	values, err := h.Values()
	if err != nil {
		return nil, err
	}
	m, err := newModel(eval, h, data, uL, values, true)
	if err != nil {
		return nil, err
	}
	s, err := m.expected(m.doc, values)
	if err != nil {
		return nil, err
	}
	s = s.Copy()
	if uL <= 0 {
		f, err := spectrum.OptimalScaling(s, data)
		if err != nil {
			return nil, err
		}
		s.Scale(f)
	}
	return s, nil
}

// Workflow runs a fit and the analyses requested by cfg. Output files
// are checked before any optimization starts. Non-convergence and
// singular information are reported as warnings.
func Workflow(cfg *config.Config, eval Evaluator, signals ...os.Signal) (res *WorkflowResult, err error) {
	for _, path := range []string{cfg.Output, cfg.CILog, cfg.Summary, cfg.Trajectory} {
		if err := output.Check(path, cfg.Overwrite); err != nil {
			return nil, err
		}
	}

	doc, opts, inputs, err := loadHypothesis(cfg.Graph, cfg.Options)
	if err != nil {
		return nil, err
	}
	sb, err := os.ReadFile(cfg.Data)
	if err != nil {
		return nil, err
	}
	data, err := spectrum.Read(bytes.NewReader(sb))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Data, err)
	}
	inputs = append(inputs, sb)
	if cfg.PlotPrefix != "" {
		for _, path := range report.Paths(cfg.PlotPrefix, data, true) {
			if err := output.Check(path, cfg.Overwrite); err != nil {
				return nil, err
			}
		}
	}

	var nullIn *hypothesisInput
	if cfg.LRT != nil {
		if nullIn, err = checkLRT(cfg, opts); err != nil {
			return nil, err
		}
	}

	uL := cfg.MutationScaling()
	res = &WorkflowResult{UL: uL}
	if uL > 0 {
		log.Infof("Poisson likelihood with uL=%v", uL)
	} else {
		log.Info("Multinomial likelihood")
	}

	var reps []bootstrap.Replicate
	if cfg.Uncerts == GIM || (cfg.LRT != nil && len(cfg.LRT.Nested) > 0) {
		if reps, err = loadBootstraps(cfg.Bootstraps); err != nil {
			return nil, err
		}
	}

	var cdb *bolt.DB
	if cfg.Checkpoint != "" {
		if cdb, err = checkpoint.Open(cfg.Checkpoint); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.Checkpoint, err)
		}
		defer cdb.Close()
	}

	fo := FitOptions{
		Method:     cfg.Method,
		Iterations: cfg.Iterations,
		FitMisid:   cfg.FitMisid,
		MisidGuess: cfg.MisidGuess,
		Perturb:    cfg.Perturb,
		Seed:       cfg.Seed,
		Linear:     cfg.Linear,
		Output:     cfg.Output,
		Overwrite:  cfg.Overwrite,
		Checkpoint: fitCheckpoint(cfg, cdb, "alternative", inputs),
		Signals:    signals,
	}
	if cfg.Trajectory != "" {
		f, err := os.Create(cfg.Trajectory)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		fo.Trajectory = f
	}
	fit, err := Fit(eval, doc, opts, data, uL, fo)
	switch {
	case errors.Is(err, ErrNotConverged):
		res.warn(err)
	case err != nil:
		return nil, err
	}
	res.Fit = fit
	alt := fit.Hypothesis(opts)

	if cfg.Uncerts != "" {
		uo := UncertOptions{
			Method:        cfg.Uncerts,
			Eps:           cfg.Eps,
			Bootstraps:    reps,
			U:             cfg.U,
			MinBootstraps: cfg.MinBootstraps,
			Workers:       cfg.Workers,
			Multiplier:    cfg.Multiplier,
			Log:           cfg.CILog,
			Overwrite:     cfg.Overwrite,
		}
		ur, err := Uncerts(eval, alt, data, uL, uo)
		switch {
		case errors.Is(err, ErrSingular) && ur != nil:
			res.warn(err)
		case err != nil:
			return res, err
		}
		res.Uncerts = ur
	}

	if cfg.LRT != nil {
		if err := runLRT(cfg, eval, cdb, nullIn, alt, data, uL, reps, fo, res); err != nil {
			return res, err
		}
	}

	if cfg.PlotPrefix != "" {
		model, err := ModelSpectrum(eval, alt, data, uL)
		if err != nil {
			return res, fmt.Errorf("plots: %w", err)
		}
		g, err := alt.Graph.Graph()
		if err != nil {
			return res, fmt.Errorf("plots: %w", err)
		}
		if res.Plots, err = report.Write(cfg.PlotPrefix, model, data, g, cfg.Overwrite); err != nil {
			return res, err
		}
	}

	if cfg.Summary != "" {
		if err := res.Save(cfg.Summary, cfg.Overwrite); err != nil {
			return res, err
		}
	}
	return res, nil
}

// hypothesisInput is a loaded graph with its options.
type hypothesisInput struct {
	doc    *demes.Document
	opts   *params.Options
	inputs [][]byte
}

// checkLRT loads the null model and checks that fixing the nested
// parameters of the alternative model leaves the null parameters.
func checkLRT(cfg *config.Config, altOpts *params.Options) (*hypothesisInput, error) {
	doc, opts, inputs, err := loadHypothesis(cfg.LRT.Graph, cfg.LRT.Options)
	if err != nil {
		return nil, err
	}
	alt := &Hypothesis{Options: altOpts, FitMisid: cfg.FitMisid}
	null := &Hypothesis{Options: opts, FitMisid: cfg.LRT.FitMisid}
	idx, err := nestedIndices(alt.Names(), cfg.LRT.Nested)
	if err != nil {
		return nil, fmt.Errorf("lrt: %w", err)
	}
	if err := checkNested(alt.Names(), null.Names(), idx, cfg.LRT.Fixed); err != nil {
		return nil, fmt.Errorf("lrt: %w", err)
	}
	return &hypothesisInput{doc: doc, opts: opts, inputs: inputs}, nil
}

// runLRT fits the null model and tests it against alt.
func runLRT(cfg *config.Config, eval Evaluator, cdb *bolt.DB, in *hypothesisInput, alt *Hypothesis,
	data *spectrum.Spectrum, uL float64, reps []bootstrap.Replicate, fo FitOptions, res *WorkflowResult) error {
	doc, opts, inputs := in.doc, in.opts, in.inputs
	// a null without p_misid has no misidentification; the test
	// then nests p_misid at 0
	fo.FitMisid = cfg.LRT.FitMisid
	fo.MisidGuess = cfg.LRT.Misid
	fo.Output = ""
	fo.Trajectory = nil
	fo.Checkpoint = fitCheckpoint(cfg, cdb, "null", inputs)
	log.Notice("Fitting the null model")
	nf, err := Fit(eval, doc, opts, data, uL, fo)
	switch {
	case errors.Is(err, ErrNotConverged):
		res.warn(fmt.Errorf("null model: %w", err))
	case err != nil:
		return fmt.Errorf("null model: %w", err)
	}
	res.NullFit = nf
	null := nf.Hypothesis(opts)

	lo := LRTOptions{
		Nested:        cfg.LRT.Nested,
		Fixed:         cfg.LRT.Fixed,
		Weights:       cfg.LRT.Weights,
		Eps:           cfg.Eps,
		Bootstraps:    reps,
		U:             cfg.U,
		MinBootstraps: cfg.MinBootstraps,
		Workers:       cfg.Workers,
	}
	lr, err := LRT(eval, alt, null, data, uL, lo)
	switch {
	case errors.Is(err, ErrSingular) && lr != nil:
		res.warn(err)
	case err != nil:
		return err
	}
	res.LRT = lr
	return nil
}

// Write writes the result as indented JSON.
func (r *WorkflowResult) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Save writes the result to path.
func (r *WorkflowResult) Save(path string, overwrite bool) error {
	return output.WriteFile(path, overwrite, r.Write)
}
