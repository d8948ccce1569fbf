package infer

import (
	"fmt"
	"math"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"bitbucket.org/Davydov/sfsinfer/demes"
	"bitbucket.org/Davydov/sfsinfer/optimize"
	"bitbucket.org/Davydov/sfsinfer/params"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// cacheSize is the number of model spectra kept by a model and its
// copies.
const cacheSize = 512

// misidMax is the largest allowed misidentification probability.
var misidMax = math.Nextafter(0.5, 0)

// model is the likelihood of the data as a function of the free
// parameters. Every model owns its graph document.
type model struct {
	eval  Evaluator
	doc   *demes.Document
	opts  *params.Options
	data  *spectrum.Spectrum
	pops  []string
	ns    []int
	uL    float64
	misid bool
	// logScale[i] is true if parameter i is optimized as log(value)
	logScale []bool
	// values in optimization space
	values     []float64
	parameters optimize.FloatParameters
	// cache of expected spectra by natural values, shared by copies
	cache *lru.Cache[string, *spectrum.Spectrum]
}

func newModel(eval Evaluator, h *Hypothesis, data *spectrum.Spectrum, uL float64, natural []float64, linear bool) (*model, error) {
	pops, ns, err := samples(data)
	if err != nil {
		return nil, err
	}
	m := &model{
		eval:  eval,
		doc:   h.Graph.Copy(),
		opts:  h.Options,
		data:  data,
		pops:  pops,
		ns:    ns,
		uL:    uL,
		misid: h.FitMisid,
	}
	if m.cache, err = lru.New[string, *spectrum.Spectrum](cacheSize); err != nil {
		return nil, err
	}
	n := m.dim()
	if len(natural) != n {
		return nil, fmt.Errorf("%d values for %d parameters", len(natural), n)
	}
	m.logScale = make([]bool, n)
	for i, p := range m.opts.Parameters {
		// log scale needs a positive domain and a positive start
		m.logScale[i] = !linear && p.Lower >= 0 && natural[i] > 0
	}
	m.values = make([]float64, n)
	m.setNatural(natural)
	m.setupParameters()
	return m, nil
}

// dim returns the number of parameters.
func (m *model) dim() int {
	if m.misid {
		return m.opts.Len() + 1
	}
	return m.opts.Len()
}

// bounds returns natural space bounds of parameter i.
func (m *model) bounds(i int) (float64, float64) {
	if i == m.opts.Len() {
		return 0, misidMax
	}
	p := m.opts.Parameters[i]
	return p.Lower, p.Upper
}

// names returns parameter names.
func (m *model) names() []string {
	names := m.opts.Names()
	if m.misid {
		names = append(names, MisidName)
	}
	return names
}

func (m *model) toOpt(i int, v float64) float64 {
	if m.logScale[i] {
		return math.Log(v)
	}
	return v
}

func (m *model) fromOpt(i int, v float64) float64 {
	if m.logScale[i] {
		return math.Exp(v)
	}
	return v
}

func (m *model) setNatural(natural []float64) {
	for i, v := range natural {
		m.values[i] = m.toOpt(i, v)
	}
}

// natural returns parameter values in natural space.
func (m *model) natural() []float64 {
	return m.toNatural(m.values)
}

// toNatural converts an optimization space vector.
func (m *model) toNatural(x []float64) []float64 {
	res := make([]float64, len(x))
	for i, v := range x {
		res[i] = m.fromOpt(i, v)
	}
	return res
}

func (m *model) setupParameters() {
	m.parameters = make(optimize.FloatParameters, 0, len(m.values))
	for i, name := range m.names() {
		par := optimize.NewBasicFloatParameter(&m.values[i], name)
		lower, upper := m.bounds(i)
		par.SetMin(m.toOpt(i, lower))
		par.SetMax(m.toOpt(i, upper))
		m.parameters.Append(par)
	}
}

// GetFloatParameters returns parameters in optimization space.
func (m *model) GetFloatParameters() optimize.FloatParameters {
	return m.parameters
}

// Copy returns a model with an independent document and values.
func (m *model) Copy() optimize.Optimizable {
	c := *m
	c.doc = m.doc.Copy()
	c.values = append([]float64(nil), m.values...)
	c.setupParameters()
	return &c
}

func cacheKey(x []float64) string {
	b := make([]byte, 0, 24*len(x))
	for _, v := range x {
		b = strconv.AppendFloat(b, v, 'g', -1, 64)
		b = append(b, ' ')
	}
	return string(b)
}

// expected returns the model spectrum comparable to the data at the
// natural parameter values x, using doc as the scratch document. The
// result is shared and must not be modified.
func (m *model) expected(doc *demes.Document, x []float64) (*spectrum.Spectrum, error) {
	key := cacheKey(x)
	if s, ok := m.cache.Get(key); ok {
		return s, nil
	}
	k := m.opts.Len()
	g, err := doc.SetValues(m.opts.Paths(), x[:k])
	if err != nil {
		return nil, err
	}
	s, err := m.eval.Expected(g, m.pops, m.ns, m.uL)
	if err != nil {
		return nil, err
	}
	if m.misid {
		s = s.FlipMisid(x[k])
	}
	if m.data.Folded {
		s = s.Fold()
	}
	m.cache.Add(key, s)
	return s, nil
}

// feasible returns true if x satisfies bounds and constraints.
func (m *model) feasible(x []float64) bool {
	k := m.opts.Len()
	if m.misid && (x[k] < 0 || x[k] > misidMax) {
		return false
	}
	return m.opts.Satisfied(x[:k])
}

// logLikelihood compares a model spectrum with data. Poisson is used
// for uL > 0, multinomial otherwise.
func logLikelihood(s, data *spectrum.Spectrum, uL float64) float64 {
	var ll float64
	var err error
	if uL > 0 {
		ll, err = spectrum.PoissonLL(s, data)
	} else {
		ll, err = spectrum.MultinomLL(s, data)
	}
	if err != nil || math.IsNaN(ll) {
		log.Debugf("Likelihood error: %v", err)
		return math.Inf(-1)
	}
	return ll
}

// likelihoodAt computes the log-likelihood at natural values x.
func (m *model) likelihoodAt(doc *demes.Document, x []float64) float64 {
	if !m.feasible(x) {
		return math.Inf(-1)
	}
	s, err := m.expected(doc, x)
	if err != nil {
		log.Debugf("Model error at %v: %v", x, err)
		return math.Inf(-1)
	}
	return logLikelihood(s, m.data, m.uL)
}

// Likelihood returns the log-likelihood of the current values.
func (m *model) Likelihood() float64 {
	return m.likelihoodAt(m.doc, m.natural())
}
