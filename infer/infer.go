// Package infer implements the demographic inference workflow: fitting
// graph parameters to an observed spectrum, estimating their
// uncertainty (FIM or GIM) and comparing nested models with a
// Godambe-adjusted likelihood ratio test.
package infer

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/sfsinfer/demes"
	"bitbucket.org/Davydov/sfsinfer/params"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// log is the global logging variable.
var log = logging.MustGetLogger("infer")

var (
	// ErrNotConverged is returned together with the best result when
	// the optimizer stops before convergence.
	ErrNotConverged = errors.New("optimization did not converge")
	// ErrSingular is wrapped by SingularError.
	ErrSingular = errors.New("singular information matrix")
	// ErrConsistency is returned when the null and the alternative
	// models are not nested as declared.
	ErrConsistency = errors.New("inconsistent nested models")
	// ErrMethod is returned for an unknown method name.
	ErrMethod = errors.New("unknown method")
	// ErrNoBootstraps is returned when bootstrap replicates are
	// required but missing.
	ErrNoBootstraps = errors.New("no bootstrap replicates")
)

// MisidName is the name of the ancestral misidentification parameter.
const MisidName = "p_misid"

// MinBootstraps is the default minimal number of replicates below which
// GIM estimates are flagged.
const MinBootstraps = 10

// SingularError lists parameters whose variance could not be
// estimated.
type SingularError struct {
	Parameters []string
}

func (e *SingularError) Error() string {
	return fmt.Sprintf("%v: %s", ErrSingular, strings.Join(e.Parameters, ", "))
}

// Unwrap returns ErrSingular.
func (e *SingularError) Unwrap() error {
	return ErrSingular
}

// Evaluator computes the expected spectrum of a graph for samples of
// sizes ns from demes pops. uL <= 0 requests the spectrum for unit
// mutation rate scaling.
type Evaluator interface {
	Expected(g *demes.Graph, pops []string, ns []int, uL float64) (*spectrum.Spectrum, error)
}

// Hypothesis is a model to fit or test: a graph document, its free
// parameters and the optional misidentification parameter.
type Hypothesis struct {
	Graph   *demes.Document
	Options *params.Options
	// FitMisid adds p_misid to the parameters with value Misid.
	FitMisid bool
	Misid    float64
}

// Names returns the parameter names including p_misid.
func (h *Hypothesis) Names() []string {
	names := h.Options.Names()
	if h.FitMisid {
		names = append(names, MisidName)
	}
	return names
}

// Values returns the current parameter values from the graph.
func (h *Hypothesis) Values() ([]float64, error) {
	v, err := h.Options.Current(h.Graph)
	if err != nil {
		return nil, err
	}
	if h.FitMisid {
		v = append(v, h.Misid)
	}
	return v, nil
}

// samples returns population labels and sample sizes of the data.
func samples(data *spectrum.Spectrum) ([]string, []int, error) {
	if len(data.Pops) != len(data.Shape) {
		return nil, nil, fmt.Errorf("%w: population labels are required", spectrum.ErrShape)
	}
	return data.Pops, data.SampleSizes(), nil
}

// Float is a float encoded in JSON as null if it is not finite.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	return appendFloat(nil, float64(f)), nil
}

func appendFloat(b []byte, v float64) []byte {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return append(b, "null"...)
	}
	return strconv.AppendFloat(b, v, 'g', -1, 64)
}

// Floats is a float slice encoded in JSON with null for non-finite
// values.
type Floats []float64

// MarshalJSON implements json.Marshaler.
func (f Floats) MarshalJSON() ([]byte, error) {
	b := []byte{'['}
	for i, v := range f {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendFloat(b, v)
	}
	return append(b, ']'), nil
}
