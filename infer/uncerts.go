package infer

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/sfsinfer/bootstrap"
	"bitbucket.org/Davydov/sfsinfer/output"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// Uncertainty estimation methods.
const (
	FIM = "FIM"
	GIM = "GIM"
)

// DefaultEps is the default relative finite difference step.
const DefaultEps = 0.01

// DefaultMultiplier is the default confidence interval multiplier.
const DefaultMultiplier = 1.96

// UncertOptions control uncertainty estimation.
type UncertOptions struct {
	// Method is FIM or GIM.
	Method string
	// Eps is the relative finite difference step.
	Eps float64
	// Bootstraps are the replicates for GIM.
	Bootstraps []bootstrap.Replicate
	// U is the per site mutation rate; replicates with known L are
	// evaluated with uL = U*L.
	U             float64
	MinBootstraps int
	Workers       int
	// Multiplier of standard errors in confidence intervals.
	Multiplier float64
	// Log is the path of the table of estimates.
	Log       string
	Overwrite bool
}

func (uo *UncertOptions) defaults() {
	if uo.Method == "" {
		uo.Method = FIM
	}
	if uo.Eps <= 0 {
		uo.Eps = DefaultEps
	}
	if uo.MinBootstraps <= 0 {
		uo.MinBootstraps = MinBootstraps
	}
	if uo.Multiplier <= 0 {
		uo.Multiplier = DefaultMultiplier
	}
}

// UncertResult holds standard errors aligned with the parameter order.
type UncertResult struct {
	Method     string    `json:"method"`
	Names      []string  `json:"names"`
	Values     []float64 `json:"values"`
	StdErr     Floats    `json:"stdErr"`
	Lower      Floats    `json:"lower"`
	Upper      Floats    `json:"upper"`
	Covariance []Floats  `json:"covariance"`
	Bootstraps int       `json:"bootstraps,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// replicateData returns a replicate comparable with data together with
// its uL and the scaling of model spectra computed at uL.
func replicateData(rep bootstrap.Replicate, data *spectrum.Spectrum, uL, u float64) (*spectrum.Spectrum, float64, float64, error) {
	s := rep.Spectrum
	if data.Folded && !s.Folded {
		s = s.Fold()
	}
	if !s.SameShape(data) {
		return nil, 0, 0, fmt.Errorf("%w: replicate %v, data %v", spectrum.ErrShape, s.Shape, data.Shape)
	}
	if uL <= 0 {
		return s, 0, 1, nil
	}
	repUL := uL
	if u > 0 && rep.L > 0 {
		repUL = u * rep.L
	}
	return s, repUL, repUL / uL, nil
}

// godambeJ returns the mean outer product of replicate scores.
func godambeJ(g *grid, reps []bootstrap.Replicate, data *spectrum.Spectrum, uL, u float64) (*mat.SymDense, error) {
	n := len(g.idx)
	j := mat.NewSymDense(n, nil)
	for r, rep := range reps {
		s, repUL, factor, err := replicateData(rep, data, uL, u)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %d: %w", r, err)
		}
		score := g.score(g.lls(s, repUL, factor))
		v := mat.NewVecDense(n, score)
		j.SymRankOne(j, 1/float64(len(reps)), v)
	}
	return j, nil
}

// Uncerts estimates standard errors of the parameters of h at the
// values stored in its graph.
func Uncerts(eval Evaluator, h *Hypothesis, data *spectrum.Spectrum, uL float64, uo UncertOptions) (*UncertResult, error) {
	uo.defaults()
	if err := output.Check(uo.Log, uo.Overwrite); err != nil {
		return nil, err
	}
	if uo.Method != FIM && uo.Method != GIM {
		return nil, fmt.Errorf("%w: uncertainty method %q", ErrMethod, uo.Method)
	}
	res := &UncertResult{Method: uo.Method, Names: h.Names()}
	if uo.Method == GIM {
		if len(uo.Bootstraps) == 0 {
			return nil, ErrNoBootstraps
		}
		res.Bootstraps = len(uo.Bootstraps)
		if len(uo.Bootstraps) < uo.MinBootstraps {
			w := fmt.Sprintf("only %d bootstrap replicates (at least %d recommended)", len(uo.Bootstraps), uo.MinBootstraps)
			log.Warning(w)
			res.Warnings = append(res.Warnings, w)
		}
	}

	x, err := h.Values()
	if err != nil {
		return nil, err
	}
	res.Values = x
	m, err := newModel(eval, h, data, uL, x, true)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	g := newGrid(m, x, idx, uo.Eps, true)
	if err := g.evaluate(uo.Workers); err != nil {
		return nil, err
	}
	hm := g.information(g.lls(data, uL, 1))
	inv, bad := invert(hm)

	cov := inv
	if uo.Method == GIM {
		j, err := godambeJ(g, uo.Bootstraps, data, uL, uo.U)
		if err != nil {
			return nil, err
		}
		var t mat.Dense
		t.Mul(inv, j)
		cov = mat.NewDense(len(x), len(x), nil)
		cov.Mul(&t, inv)
	}

	n := len(x)
	res.StdErr = make([]float64, n)
	res.Lower = make([]float64, n)
	res.Upper = make([]float64, n)
	res.Covariance = make([]Floats, n)
	var singular []string
	for i := 0; i < n; i++ {
		v := cov.At(i, i)
		if bad[i] || !(v > 0) || math.IsInf(v, 0) {
			bad[i] = true
			singular = append(singular, res.Names[i])
		}
	}
	for i := 0; i < n; i++ {
		res.Covariance[i] = make([]float64, n)
		for k := 0; k < n; k++ {
			if bad[i] || bad[k] {
				res.Covariance[i][k] = math.NaN()
			} else {
				res.Covariance[i][k] = cov.At(i, k)
			}
		}
		if bad[i] {
			res.StdErr[i] = math.NaN()
		} else {
			res.StdErr[i] = math.Sqrt(cov.At(i, i))
		}
		res.Lower[i] = x[i] - uo.Multiplier*res.StdErr[i]
		res.Upper[i] = x[i] + uo.Multiplier*res.StdErr[i]
		log.Noticef("%s=%v se=%v", res.Names[i], x[i], res.StdErr[i])
	}

	if uo.Log != "" {
		if err := output.WriteFile(uo.Log, uo.Overwrite, res.WriteTable); err != nil {
			return res, err
		}
	}
	if len(singular) > 0 {
		return res, &SingularError{Parameters: singular}
	}
	return res, nil
}

// WriteTable writes a tab separated table of estimates.
func (r *UncertResult) WriteTable(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# method=%s", r.Method)
	if r.Bootstraps > 0 {
		fmt.Fprintf(bw, " bootstraps=%d", r.Bootstraps)
	}
	fmt.Fprintln(bw)
	for _, warn := range r.Warnings {
		fmt.Fprintf(bw, "# warning: %s\n", warn)
	}
	fmt.Fprintln(bw, strings.Join([]string{"parameter", "value", "stderr", "lower", "upper"}, "\t"))
	for i, name := range r.Names {
		fmt.Fprintf(bw, "%s\t%v\t%v\t%v\t%v\n", name, r.Values[i], r.StdErr[i], r.Lower[i], r.Upper[i])
	}
	// bufio keeps the first write error
	return bw.Flush()
}
