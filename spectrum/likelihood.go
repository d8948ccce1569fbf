package spectrum

import (
	"fmt"
	"math"
)

func checkPair(model, data *Spectrum) error {
	if !model.SameShape(data) {
		return fmt.Errorf("%w: model %v, data %v", ErrShape, model.Shape, data.Shape)
	}
	return nil
}

// PoissonLL returns the Poisson log-likelihood of the data given
// expected counts of the model, excluding entries masked in data. A
// non-positive expectation with a positive observation gives -Inf.
func PoissonLL(model, data *Spectrum) (float64, error) {
	if err := checkPair(model, data); err != nil {
		return 0, err
	}
	ll := 0.0
	for i, d := range data.Data {
		if data.Mask[i] {
			continue
		}
		m := model.Data[i]
		if m <= 0 {
			if d > 0 {
				return math.Inf(-1), nil
			}
			continue
		}
		lg, _ := math.Lgamma(d + 1)
		ll += d*math.Log(m) - m - lg
	}
	return ll, nil
}

// OptimalScaling returns the factor maximizing the Poisson likelihood
// of the data given the scaled model.
func OptimalScaling(model, data *Spectrum) (float64, error) {
	if err := checkPair(model, data); err != nil {
		return 0, err
	}
	var sd, sm float64
	for i, d := range data.Data {
		if data.Mask[i] {
			continue
		}
		sd += d
		sm += model.Data[i]
	}
	if sm <= 0 {
		return 0, fmt.Errorf("model spectrum has zero mass")
	}
	return sd / sm, nil
}

// MultinomLL returns the log-likelihood with the model rescaled to the
// optimal mutation scaling.
func MultinomLL(model, data *Spectrum) (float64, error) {
	if err := checkPair(model, data); err != nil {
		return 0, err
	}
	theta, err := OptimalScaling(model, data)
	if err != nil {
		return math.Inf(-1), nil
	}
	scaled := model.Copy()
	scaled.Scale(theta)
	return PoissonLL(scaled, data)
}

// LinearResiduals returns (model - data) / sqrt(model); entries that
// are masked or have no expectation are masked.
func LinearResiduals(model, data *Spectrum) (*Spectrum, error) {
	if err := checkPair(model, data); err != nil {
		return nil, err
	}
	r := data.Copy()
	for i, d := range data.Data {
		m := model.Data[i]
		if data.Mask[i] || m <= 0 {
			r.Data[i] = 0
			r.Mask[i] = true
			continue
		}
		r.Data[i] = (m - d) / math.Sqrt(m)
	}
	return r, nil
}
