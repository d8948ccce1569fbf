// Package dist implements the distributions used by the likelihood
// ratio test: chi-squared mixtures arising when parameters lie on the
// boundary of the parameter space.
package dist

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/combin"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrWeights is returned for invalid mixture weights.
var ErrWeights = errors.New("invalid mixture weights")

// ChiSquareSF returns P(X >= x) for X chi-squared distributed with df
// degrees of freedom. df=0 is the point mass at zero.
func ChiSquareSF(x float64, df int) float64 {
	if x <= 0 {
		return 1
	}
	if df == 0 {
		return 0
	}
	return distuv.ChiSquared{K: float64(df)}.Survival(x)
}

// BoundaryWeights returns the weights C(kb, j)/2^kb, j=0..kb, of the
// mixture for kb parameters on the boundary.
func BoundaryWeights(kb int) []float64 {
	w := make([]float64, kb+1)
	for j := range w {
		w[j] = math.Exp(combin.LogGeneralizedBinomial(float64(kb), float64(j)) - float64(kb)*math.Ln2)
	}
	return w
}

// Mixture is a weighted sum of chi-squared distributions with
// Offset+j degrees of freedom having weight Weights[j].
type Mixture struct {
	Offset  int
	Weights []float64
}

// NewMixture creates the mixture for k tested parameters of which kb
// are on the boundary. weights may be nil for the binomial weights.
func NewMixture(k, kb int, weights []float64) (*Mixture, error) {
	if kb < 0 || kb > k {
		return nil, ErrWeights
	}
	if weights == nil {
		weights = BoundaryWeights(kb)
	}
	if len(weights) != kb+1 {
		return nil, ErrWeights
	}
	for _, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return nil, ErrWeights
		}
	}
	if math.Abs(floats.Sum(weights)-1) > 1e-8 {
		return nil, ErrWeights
	}
	return &Mixture{Offset: k - kb, Weights: weights}, nil
}

// Survival returns P(X >= x).
func (m *Mixture) Survival(x float64) float64 {
	if x <= 0 {
		return 1
	}
	p := 0.0
	for j, w := range m.Weights {
		p += w * ChiSquareSF(x, m.Offset+j)
	}
	return math.Min(p, 1)
}

// NormalQuantile returns the two-sided normal multiplier for the
// confidence level, e.g. 1.96 for 0.95.
func NormalQuantile(level float64) float64 {
	return distuv.UnitNormal.Quantile(0.5 + level/2)
}
