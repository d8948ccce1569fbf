package infer

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bitbucket.org/Davydov/sfsinfer/demes"
	"bitbucket.org/Davydov/sfsinfer/output"
	"bitbucket.org/Davydov/sfsinfer/params"
	"bitbucket.org/Davydov/sfsinfer/smodel"
)

var offStart = map[string]float64{
	"demes.A.epochs.0.start_size": 1500,
	"demes.A.epochs.1.start_size": 2000,
}

func TestFitRecovers(tst *testing.T) {
	data := toyData(tst, toyUL)
	for _, method := range []string{"fmin", "powell", "lbfgsb"} {
		h := toyHypothesis(tst, toyOptions, offStart)
		res, err := Fit(&toy{}, h.Graph, h.Options, data, toyUL, FitOptions{Method: method, Iterations: 5000})
		if err != nil {
			tst.Error(method, err)
			continue
		}
		if relErr(res.Values[0], trueNA) > 1e-2 || relErr(res.Values[1], trueNC) > 1e-2 {
			tst.Errorf("%s: wrong estimates %v", method, res.Values)
		}
		if !res.Converged {
			tst.Error(method, "not converged")
		}
		// the fitted graph carries the estimates
		v, err := res.Graph.Get("demes.A.epochs.1.start_size")
		if err != nil || v != res.Values[1] {
			tst.Error(method, "fitted graph not updated", v, err)
		}
		// the input document is unchanged
		if v, _ := h.Graph.Get("demes.A.epochs.1.start_size"); v != 2000 {
			tst.Error(method, "input graph modified", v)
		}
	}
}

func TestFitZeroIterations(tst *testing.T) {
	data := toyData(tst, toyUL)
	h := toyHypothesis(tst, toyOptions, offStart)
	res, err := Fit(&toy{}, h.Graph, h.Options, data, toyUL, FitOptions{Iterations: 0})
	if err != nil {
		tst.Fatal(err)
	}
	if relErr(res.Values[0], 1500) > 1e-12 || relErr(res.Values[1], 2000) > 1e-12 {
		tst.Error("Values changed", res.Values)
	}
	m, err := newModel(&toy{}, h, data, toyUL, []float64{1500, 2000}, true)
	if err != nil {
		tst.Fatal(err)
	}
	if ll := m.Likelihood(); math.Abs(ll-float64(res.LogLikelihood)) > 1e-9*math.Abs(ll) {
		tst.Error("Wrong likelihood", res.LogLikelihood, ll)
	}
}

func TestFitExistsBeforeOptimizing(tst *testing.T) {
	path := filepath.Join(tst.TempDir(), "fit.yaml")
	if err := os.WriteFile(path, []byte("old\n"), 0644); err != nil {
		tst.Fatal(err)
	}
	ev := &toy{}
	h := toyHypothesis(tst, toyOptions, offStart)
	_, err := Fit(ev, h.Graph, h.Options, toyData(tst, toyUL), toyUL, FitOptions{Iterations: 100, Output: path})
	if !errors.Is(err, output.ErrExists) {
		tst.Fatal("Expected ErrExists, got", err)
	}
	if ev.calls != 0 {
		tst.Error("Model evaluated before the output check:", ev.calls)
	}

	res, err := Fit(ev, h.Graph, h.Options, toyData(tst, toyUL), toyUL, FitOptions{Iterations: 100, Output: path, Overwrite: true})
	if err != nil && !errors.Is(err, ErrNotConverged) {
		tst.Fatal(err)
	}
	saved, err := demes.LoadDocument(path)
	if err != nil {
		tst.Fatal(err)
	}
	if v, _ := saved.Get("demes.A.epochs.0.start_size"); v != res.Values[0] {
		tst.Error("Saved graph differs from the estimate", v, res.Values[0])
	}
}

func TestFitBounds(tst *testing.T) {
	text := strings.Replace(toyOptions, "lower_bound: 10", "lower_bound: 2000", 1)
	h := toyHypothesis(tst, text, nil)
	_, err := Fit(&toy{}, h.Graph, h.Options, toyData(tst, toyUL), toyUL, FitOptions{Iterations: 10})
	if !errors.Is(err, params.ErrBounds) {
		tst.Error("Expected ErrBounds, got", err)
	}
	h = toyHypothesis(tst, toyOptions, nil)
	_, err = Fit(&toy{}, h.Graph, h.Options, toyData(tst, toyUL), toyUL, FitOptions{Iterations: 10, FitMisid: true, MisidGuess: 0.5})
	if !errors.Is(err, params.ErrBounds) {
		tst.Error("Expected ErrBounds for misid, got", err)
	}
	_, err = Fit(&toy{}, h.Graph, h.Options, toyData(tst, toyUL), toyUL, FitOptions{Method: "annealing"})
	if !errors.Is(err, ErrMethod) {
		tst.Error("Expected ErrMethod, got", err)
	}
}

func TestFitNotConverged(tst *testing.T) {
	h := toyHypothesis(tst, toyOptions, offStart)
	res, err := Fit(&toy{}, h.Graph, h.Options, toyData(tst, toyUL), toyUL, FitOptions{Iterations: 2})
	if !errors.Is(err, ErrNotConverged) {
		tst.Fatal("Expected ErrNotConverged, got", err)
	}
	if res == nil || math.IsInf(float64(res.LogLikelihood), 0) {
		tst.Error("No best point returned", res)
	}
}

func TestFitMisid(tst *testing.T) {
	const p = 0.05
	data := toyData(tst, toyUL).FlipMisid(p)
	h := toyHypothesis(tst, toyOptions, offStart)
	res, err := Fit(&toy{}, h.Graph, h.Options, data, toyUL, FitOptions{Iterations: 10000, FitMisid: true, MisidGuess: 0.01})
	if err != nil {
		tst.Fatal(err)
	}
	if res.Names[2] != MisidName {
		tst.Fatal("Wrong names", res.Names)
	}
	if math.Abs(res.Values[2]-p) > 5e-3 {
		tst.Error("Wrong misidentification estimate", res.Values[2])
	}
	if relErr(res.Values[0], trueNA) > 5e-2 || relErr(res.Values[1], trueNC) > 5e-2 {
		tst.Error("Wrong estimates", res.Values)
	}
	fh := res.Hypothesis(h.Options)
	if !fh.FitMisid || fh.Misid != res.Values[2] {
		tst.Error("Wrong fitted hypothesis", fh)
	}
}

func TestFitFolded(tst *testing.T) {
	data := toyData(tst, toyUL).Fold()
	h := toyHypothesis(tst, toyOptions, offStart)
	res, err := Fit(&toy{}, h.Graph, h.Options, data, toyUL, FitOptions{Iterations: 5000})
	if err != nil {
		tst.Fatal(err)
	}
	if relErr(res.Values[0], trueNA) > 1e-2 || relErr(res.Values[1], trueNC) > 1e-2 {
		tst.Error("Wrong estimates", res.Values)
	}
}

func TestFitMultinomial(tst *testing.T) {
	// only the ratio is identifiable without uL
	data := toyData(tst, toyUL)
	text := strings.Replace(toyOptions, `  - name: N_cur
    values:
      - demes:
          A:
            epochs:
              1: start_size
    lower_bound: 10
    upper_bound: 1e6
`, "", 1)
	h := toyHypothesis(tst, text, map[string]float64{
		"demes.A.epochs.0.start_size": 1500,
	})
	res, err := Fit(&toy{}, h.Graph, h.Options, data, 0, FitOptions{Iterations: 5000})
	if err != nil {
		tst.Fatal(err)
	}
	if relErr(res.Values[0], trueNA) > 1e-2 {
		tst.Error("Wrong estimate", res.Values)
	}
}

const isolation = `time_units: generations
demes:
  - name: anc
    epochs:
      - start_size: 10000
        end_time: 2000
  - name: A
    ancestors: [anc]
    epochs:
      - start_size: 5000
  - name: B
    ancestors: [anc]
    epochs:
      - start_size: 10000
migrations:
  - demes: [A, B]
    rate: 1e-4
`

const isolationOptions = `parameters:
  - name: N_A
    values:
      - demes:
          A:
            epochs:
              0: start_size
    value: 6000
    lower_bound: 100
    upper_bound: 100000
  - name: m
    path: migrations.0.rate
    value: 1.5e-4
    lower_bound: 1e-7
    upper_bound: 1e-2
`

func TestFitIsolation(tst *testing.T) {
	if testing.Short() {
		tst.Skip("skipping the two population fit in short mode")
	}
	doc, err := demes.ParseDocument([]byte(isolation))
	if err != nil {
		tst.Fatal(err)
	}
	g, err := doc.Graph()
	if err != nil {
		tst.Fatal(err)
	}
	ev := smodel.New()
	data, err := ev.Expected(g, []string{"A", "B"}, []int{20, 20}, 0.01)
	if err != nil {
		tst.Fatal(err)
	}
	opts, err := params.Parse([]byte(isolationOptions), doc)
	if err != nil {
		tst.Fatal(err)
	}
	res, err := Fit(ev, doc, opts, data, 0.01, FitOptions{Iterations: 2000})
	if err != nil {
		tst.Fatal(err)
	}
	if relErr(res.Values[0], 5000) > 0.05 || relErr(res.Values[1], 1e-4) > 0.05 {
		tst.Error("Wrong estimates", res.Values)
	}
	model, err := ModelSpectrum(ev, res.Hypothesis(opts), data, 0.01)
	if err != nil {
		tst.Fatal(err)
	}
	if !model.SameShape(data) {
		tst.Error("Model spectrum shape differs", model.Shape)
	}
}
