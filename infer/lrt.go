package infer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/sfsinfer/bootstrap"
	"bitbucket.org/Davydov/sfsinfer/dist"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// LRTOptions control the likelihood ratio test.
type LRTOptions struct {
	// Nested are the names of the alternative model parameters fixed
	// in the null model. NestedIndices may be used instead.
	Nested        []string
	NestedIndices []int
	// Fixed are the values of the nested parameters under the null.
	Fixed []float64
	// Weights of the chi-square mixture; binomial by default.
	Weights []float64
	Eps     float64
	// Bootstraps are the replicates for the Godambe adjustment.
	Bootstraps    []bootstrap.Replicate
	U             float64
	MinBootstraps int
	Workers       int
}

// LRTResult is the outcome of the test.
type LRTResult struct {
	LLAlt     Float     `json:"lnLAlt"`
	LLNull    Float     `json:"lnLNull"`
	D         Float     `json:"D"`
	Adjust    Float     `json:"adjustment"`
	DAdj      Float     `json:"Dadj"`
	PValue    Float     `json:"pvalue"`
	K         int       `json:"k"`
	KBoundary int       `json:"kBoundary"`
	Weights   []float64 `json:"weights"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// nestedIndices resolves nested parameter names to their indices in
// the alternative parameters.
func nestedIndices(altNames, nested []string) ([]int, error) {
	idx := make([]int, len(nested))
	for k, name := range nested {
		idx[k] = -1
		for i, n := range altNames {
			if n == name {
				idx[k] = i
			}
		}
		if idx[k] < 0 {
			return nil, fmt.Errorf("%w: %s is not a parameter of the alternative model", ErrConsistency, name)
		}
	}
	return idx, nil
}

// checkNested fails with ErrConsistency unless fixing the parameters
// idx of the alternative model leaves exactly the null parameters, in
// order.
func checkNested(altNames, nullNames []string, idx []int, fixed []float64) error {
	if len(fixed) != len(idx) {
		return fmt.Errorf("%w: %d nested parameters, %d fixed values", ErrConsistency, len(idx), len(fixed))
	}
	if len(nullNames)+len(idx) != len(altNames) {
		return fmt.Errorf("%w: %d null + %d nested parameters, %d alternative parameters",
			ErrConsistency, len(nullNames), len(idx), len(altNames))
	}
	seen := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < 0 || i >= len(altNames) {
			return fmt.Errorf("%w: nested index %d", ErrConsistency, i)
		}
		if seen[i] {
			return fmt.Errorf("%w: duplicate nested parameter %s", ErrConsistency, altNames[i])
		}
		seen[i] = true
	}
	j := 0
	for i, name := range altNames {
		if seen[i] {
			continue
		}
		if nullNames[j] != name {
			return fmt.Errorf("%w: parameter %d is %s in the alternative and %s in the null model",
				ErrConsistency, i, name, nullNames[j])
		}
		j++
	}
	return nil
}

// nestedPoint maps the null values into the alternative parameter
// space.
func nestedPoint(altNames, nullNames []string, idx []int, fixed, nullVals []float64) ([]float64, error) {
	if err := checkNested(altNames, nullNames, idx, fixed); err != nil {
		return nil, err
	}
	pos := make(map[int]int, len(idx))
	for k, i := range idx {
		pos[i] = k
	}
	x := make([]float64, len(altNames))
	j := 0
	for i := range altNames {
		if k, ok := pos[i]; ok {
			x[i] = fixed[k]
			continue
		}
		x[i] = nullVals[j]
		j++
	}
	return x, nil
}

// LRT compares the alternative model with the nested null model.
// Parameter values are taken from the graphs of the hypotheses.
func LRT(eval Evaluator, alt, null *Hypothesis, data *spectrum.Spectrum, uL float64, lo LRTOptions) (*LRTResult, error) {
	altNames, nullNames := alt.Names(), null.Names()
	idx := lo.NestedIndices
	if len(lo.Nested) > 0 {
		var err error
		if idx, err = nestedIndices(altNames, lo.Nested); err != nil {
			return nil, err
		}
	}
	nullVals, err := null.Values()
	if err != nil {
		return nil, err
	}
	x0, err := nestedPoint(altNames, nullNames, idx, lo.Fixed, nullVals)
	if err != nil {
		return nil, err
	}
	altVals, err := alt.Values()
	if err != nil {
		return nil, err
	}

	am, err := newModel(eval, alt, data, uL, altVals, true)
	if err != nil {
		return nil, err
	}
	nm, err := newModel(eval, null, data, uL, nullVals, true)
	if err != nil {
		return nil, err
	}
	res := &LRTResult{K: len(idx)}
	res.LLAlt = Float(am.likelihoodAt(am.doc, altVals))
	res.LLNull = Float(nm.likelihoodAt(nm.doc, nullVals))
	res.D = 2 * (res.LLAlt - res.LLNull)
	log.Infof("lnL alternative=%v, null=%v, D=%v", res.LLAlt, res.LLNull, res.D)

	for k, i := range idx {
		lower, upper := am.bounds(i)
		if lo.Fixed[k] == lower || lo.Fixed[k] == upper {
			res.KBoundary++
		}
	}
	mix, err := dist.NewMixture(res.K, res.KBoundary, lo.Weights)
	if err != nil {
		return nil, err
	}
	res.Weights = mix.Weights

	if res.K == 0 {
		res.Adjust = 1
		res.PValue = 1
		return res, nil
	}

	if len(lo.Bootstraps) == 0 {
		return nil, ErrNoBootstraps
	}
	minBootstraps := lo.MinBootstraps
	if minBootstraps <= 0 {
		minBootstraps = MinBootstraps
	}
	if len(lo.Bootstraps) < minBootstraps {
		w := fmt.Sprintf("only %d bootstrap replicates (at least %d recommended)", len(lo.Bootstraps), minBootstraps)
		log.Warning(w)
		res.Warnings = append(res.Warnings, w)
	}
	eps := lo.Eps
	if eps <= 0 {
		eps = DefaultEps
	}

	g := newGrid(am, x0, idx, eps, true)
	if err := g.evaluate(lo.Workers); err != nil {
		return nil, err
	}
	h := g.information(g.lls(data, uL, 1))
	j, err := godambeJ(g, lo.Bootstraps, data, uL, lo.U)
	if err != nil {
		return nil, err
	}
	hinv, bad := invert(h)
	for i, b := range bad {
		if b {
			log.Warningf("Information of %s is singular", altNames[idx[i]])
		}
	}
	var cu mat.Dense
	cu.Mul(j, hinv)
	res.Adjust = Float(float64(res.K) / mat.Trace(&cu))
	res.DAdj = res.Adjust * res.D
	if math.IsNaN(float64(res.DAdj)) {
		return res, fmt.Errorf("%w: adjustment is not finite", ErrSingular)
	}
	res.PValue = Float(mix.Survival(float64(res.DAdj)))
	log.Noticef("D_adj=%v (adjustment %v), p=%v", res.DAdj, res.Adjust, res.PValue)
	return res, nil
}
