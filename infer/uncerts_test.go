package infer

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bitbucket.org/Davydov/sfsinfer/bootstrap"
	"bitbucket.org/Davydov/sfsinfer/output"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// toyStdErr returns the analytic FIM standard errors at the truth for
// exact data.
func toyStdErr() (float64, float64) {
	var h00, h01, h11 float64
	t := &toy{}
	for i := 1; i < toyN; i++ {
		a, c := t.gradient(i, toyN, toyUL)
		w := float64(i) / toyN
		m := 4 * toyUL * (trueNC*w + trueNA*(1-w)) / float64(i)
		h00 += a * a / m
		h01 += a * c / m
		h11 += c * c / m
	}
	det := h00*h11 - h01*h01
	return math.Sqrt(h11 / det), math.Sqrt(h00 / det)
}

// overdispersed draws replicates with variance 4*m.
func overdispersed(data *spectrum.Spectrum, n int, seed int64) []bootstrap.Replicate {
	rng := rand.New(rand.NewSource(seed))
	reps := make([]bootstrap.Replicate, n)
	for r := range reps {
		s := data.Copy()
		for i, m := range data.Data {
			if data.Mask[i] {
				continue
			}
			s.Data[i] = math.Max(0, m+math.Sqrt(4*m)*rng.NormFloat64())
		}
		reps[r] = bootstrap.Replicate{Spectrum: s}
	}
	return reps
}

func TestUncertsFIM(tst *testing.T) {
	data := toyData(tst, toyUL)
	h := toyHypothesis(tst, toyOptions, nil)
	seA, seC := toyStdErr()
	for _, eps := range []float64{0.02, 0.01, 0.005} {
		res, err := Uncerts(&toy{}, h, data, toyUL, UncertOptions{Eps: eps})
		if err != nil {
			tst.Fatal(err)
		}
		if res.Method != FIM {
			tst.Error("Wrong default method", res.Method)
		}
		if relErr(res.StdErr[0], seA) > 1e-3 || relErr(res.StdErr[1], seC) > 1e-3 {
			tst.Errorf("eps=%v: stderr %v, expected %v %v", eps, res.StdErr, seA, seC)
		}
		if d := res.Upper[0] - trueNA - DefaultMultiplier*res.StdErr[0]; math.Abs(d) > 1e-9 {
			tst.Error("Wrong confidence interval", res.Lower[0], res.Upper[0])
		}
		if c := res.Covariance[0][1]; math.Abs(res.Covariance[1][0]-c) > 1e-12*math.Abs(c) {
			tst.Error("Covariance is not symmetric", res.Covariance)
		}
	}
}

func TestUncertsGIM(tst *testing.T) {
	data := toyData(tst, toyUL)
	h := toyHypothesis(tst, toyOptions, nil)
	reps := overdispersed(data, 50, 1)
	fim, err := Uncerts(&toy{}, h, data, toyUL, UncertOptions{Method: FIM})
	if err != nil {
		tst.Fatal(err)
	}
	gim, err := Uncerts(&toy{}, h, data, toyUL, UncertOptions{Method: GIM, Bootstraps: reps, Workers: 2})
	if err != nil {
		tst.Fatal(err)
	}
	for i := range fim.StdErr {
		if !(gim.StdErr[i] > 1.2*fim.StdErr[i]) {
			tst.Errorf("%s: GIM stderr %v not above FIM %v", gim.Names[i], gim.StdErr[i], fim.StdErr[i])
		}
	}
	if gim.Bootstraps != 50 || len(gim.Warnings) != 0 {
		tst.Error("Wrong bootstrap summary", gim.Bootstraps, gim.Warnings)
	}

	few, err := Uncerts(&toy{}, h, data, toyUL, UncertOptions{Method: GIM, Bootstraps: reps[:3]})
	if err != nil {
		tst.Fatal(err)
	}
	if len(few.Warnings) != 1 {
		tst.Error("Expected a warning about few replicates", few.Warnings)
	}

	if _, err := Uncerts(&toy{}, h, data, toyUL, UncertOptions{Method: GIM}); !errors.Is(err, ErrNoBootstraps) {
		tst.Error("Expected ErrNoBootstraps, got", err)
	}
	if _, err := Uncerts(&toy{}, h, data, toyUL, UncertOptions{Method: "OIM"}); !errors.Is(err, ErrMethod) {
		tst.Error("Expected ErrMethod, got", err)
	}
}

func TestUncertsReplicateLength(tst *testing.T) {
	// a replicate with twice the length and twice the counts is
	// compatible with the model, as is the original data
	data := toyData(tst, toyUL)
	rep := data.Copy()
	rep.Scale(2)
	s, repUL, factor, err := replicateData(bootstrap.Replicate{Spectrum: rep, L: 2000}, data, toyUL, toyUL/1000)
	if err != nil {
		tst.Fatal(err)
	}
	if s != rep || relErr(repUL, 2*toyUL) > 1e-12 || relErr(factor, 2) > 1e-12 {
		tst.Error("Wrong replicate scaling", repUL, factor)
	}
	_, _, factor, _ = replicateData(bootstrap.Replicate{Spectrum: rep, L: 2000}, data, 0, toyUL/1000)
	if factor != 1 {
		tst.Error("Multinomial replicates are not rescaled", factor)
	}
	other, _ := spectrum.FromSampleSizes([]int{4}, []string{"A"})
	if _, _, _, err := replicateData(bootstrap.Replicate{Spectrum: other}, data, toyUL, 0); !errors.Is(err, spectrum.ErrShape) {
		tst.Error("Expected ErrShape, got", err)
	}
}

func TestUncertsSingular(tst *testing.T) {
	data := toyData(tst, toyUL)
	h := toyHypothesis(tst, toyTimeOptions, nil)
	res, err := Uncerts(&toy{}, h, data, toyUL, UncertOptions{})
	var se *SingularError
	if !errors.As(err, &se) || !errors.Is(err, ErrSingular) {
		tst.Fatal("Expected SingularError, got", err)
	}
	if len(se.Parameters) != 1 || se.Parameters[0] != "T" {
		tst.Error("Wrong singular parameters", se.Parameters)
	}
	if !math.IsNaN(res.StdErr[2]) || math.IsNaN(res.StdErr[0]) || math.IsNaN(res.StdErr[1]) {
		tst.Error("Wrong standard errors", res.StdErr)
	}
	seA, seC := toyStdErr()
	if relErr(res.StdErr[0], seA) > 1e-3 || relErr(res.StdErr[1], seC) > 1e-3 {
		tst.Error("Identifiable parameters affected", res.StdErr, seA, seC)
	}
}

func TestUncertsLog(tst *testing.T) {
	path := filepath.Join(tst.TempDir(), "ci.tsv")
	data := toyData(tst, toyUL)
	h := toyHypothesis(tst, toyOptions, nil)
	if _, err := Uncerts(&toy{}, h, data, toyUL, UncertOptions{Log: path}); err != nil {
		tst.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		tst.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[2], "N_anc\t1000\t") {
		tst.Error("Wrong table", lines)
	}
	ev := &toy{}
	if _, err := Uncerts(ev, h, data, toyUL, UncertOptions{Log: path}); !errors.Is(err, output.ErrExists) {
		tst.Error("Expected ErrExists, got", err)
	}
	if ev.calls != 0 {
		tst.Error("Model evaluated before the output check")
	}
}

// failingWriter accepts n bytes and fails afterwards.
type failingWriter struct {
	n int
}

var errWrite = errors.New("disk full")

func (w *failingWriter) Write(p []byte) (int, error) {
	if len(p) > w.n {
		k := w.n
		w.n = 0
		return k, errWrite
	}
	w.n -= len(p)
	return len(p), nil
}

func TestWriteTableErrors(tst *testing.T) {
	r := &UncertResult{
		Method:     GIM,
		Names:      []string{"N_anc"},
		Values:     []float64{1000},
		StdErr:     Floats{10},
		Lower:      Floats{980},
		Upper:      Floats{1020},
		Bootstraps: 20,
		Warnings:   []string{"singular"},
	}
	var sb strings.Builder
	if err := r.WriteTable(&sb); err != nil {
		tst.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	if len(lines) != 4 || lines[0] != "# method=GIM bootstraps=20" || lines[1] != "# warning: singular" {
		tst.Error("Wrong table", lines)
	}
	for _, n := range []int{0, 5, len(lines[0]) + 3, sb.Len() - 1} {
		if err := r.WriteTable(&failingWriter{n: n}); !errors.Is(err, errWrite) {
			tst.Errorf("Expected a write error after %d bytes, got %v", n, err)
		}
	}
}

func TestStencil(tst *testing.T) {
	s := newStencil(1, 0.1, 0, 10)
	if s.kind != central || s.up() != 0.1 || s.low() != -0.1 {
		tst.Error("Expected central stencil", s)
	}
	s = newStencil(0, 0.1, 0, 10)
	if s.kind != forward || s.low() != 0 || s.diag() != [3]float64{0.2, 0.1, 0} {
		tst.Error("Expected forward stencil", s)
	}
	s = newStencil(10, 0.1, 0, 10)
	if s.kind != backward || s.up() != 0 {
		tst.Error("Expected backward stencil", s)
	}
	// step is reduced to fit a narrow interval
	s = newStencil(1, 0.1, 0.99, 1.01)
	if s.kind != central || s.h > 0.01 {
		tst.Error("Step not reduced", s)
	}
	if k := newKey(1, 0.1, 0, 0.2); k != (pointKey{0, 0.2, 1, 0.1}) {
		tst.Error("Wrong key order", k)
	}
	if k := newKey(0, 0, 1, 0.1); k != (pointKey{1, 0.1, -1, 0}) {
		tst.Error("Zero shifts not dropped", k)
	}
}
