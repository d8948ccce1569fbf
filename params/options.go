// Package params reads parameter options documents: the list of free
// parameters of a graph with their bounds, initial values and the graph
// attribute every parameter controls.
package params

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"

	"github.com/op/go-logging"
	"gopkg.in/yaml.v3"

	"bitbucket.org/Davydov/sfsinfer/demes"
)

// log is the global logging variable.
var log = logging.MustGetLogger("params")

var (
	// ErrBounds is returned for values outside of parameter bounds.
	ErrBounds = errors.New("parameter out of bounds")
	// ErrOptions is returned for malformed options documents.
	ErrOptions = errors.New("invalid parameter options")
)

// Constraint kinds.
const (
	GreaterThan = "greater_than"
	LessThan    = "less_than"
)

// Parameter is a free parameter.
type Parameter struct {
	Name        string
	Description string
	// Path is the graph attribute controlled by the parameter.
	Path string
	// Value is the initial value.
	Value float64
	Lower float64
	Upper float64
}

// Constraint requires Left to be greater or less than Right.
type Constraint struct {
	Left  string
	Right string
	Kind  string
}

// Options is an ordered list of free parameters.
type Options struct {
	Parameters  []Parameter
	Constraints []Constraint
}

type rawParameter struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Values      []yaml.Node `yaml:"values"`
	Path        string      `yaml:"path"`
	Value       *float64    `yaml:"value"`
	LowerBound  *float64    `yaml:"lower_bound"`
	UpperBound  *float64    `yaml:"upper_bound"`
}

type rawConstraint struct {
	Params     []string `yaml:"params"`
	Constraint string   `yaml:"constraint"`
}

type rawOptions struct {
	Parameters  []rawParameter  `yaml:"parameters"`
	Constraints []rawConstraint `yaml:"constraints"`
}

// flatten turns nested mappings into dotted paths, e.g.
// {demes: {A: {epochs: {0: end_time}}}} becomes demes.A.epochs.0.end_time.
func flatten(n *yaml.Node, prefix string, paths []string) ([]string, error) {
	join := func(s string) string {
		if prefix == "" {
			return s
		}
		return prefix + "." + s
	}
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			var err error
			paths, err = flatten(n.Content[i+1], join(n.Content[i].Value), paths)
			if err != nil {
				return nil, err
			}
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			var err error
			paths, err = flatten(c, prefix, paths)
			if err != nil {
				return nil, err
			}
		}
	case yaml.ScalarNode:
		paths = append(paths, join(n.Value))
	default:
		return nil, fmt.Errorf("%w: unexpected node at line %d", ErrOptions, n.Line)
	}
	return paths, nil
}

// Parse parses an options document; initial values missing from the
// options are read from the graph document.
func Parse(b []byte, doc *demes.Document) (*Options, error) {
	var raw rawOptions
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOptions, err)
	}
	if len(raw.Parameters) == 0 {
		return nil, fmt.Errorf("%w: no parameters", ErrOptions)
	}
	o := &Options{}
	seenPath := make(map[string]string)
	for _, rp := range raw.Parameters {
		if rp.Name == "" {
			return nil, fmt.Errorf("%w: parameter without a name", ErrOptions)
		}
		if o.Index(rp.Name) >= 0 {
			return nil, fmt.Errorf("%w: duplicate parameter %q", ErrOptions, rp.Name)
		}
		var paths []string
		if rp.Path != "" {
			paths = append(paths, rp.Path)
		}
		for i := range rp.Values {
			var err error
			paths, err = flatten(&rp.Values[i], "", paths)
			if err != nil {
				return nil, err
			}
		}
		if len(paths) != 1 {
			return nil, fmt.Errorf("%w: parameter %q maps to %d graph attributes, expected one", ErrOptions, rp.Name, len(paths))
		}
		p := Parameter{
			Name:        rp.Name,
			Description: rp.Description,
			Path:        paths[0],
			Lower:       0,
			Upper:       math.Inf(1),
		}
		if other, ok := seenPath[p.Path]; ok {
			return nil, fmt.Errorf("%w: %q and %q both control %s", ErrOptions, other, p.Name, p.Path)
		}
		seenPath[p.Path] = p.Name
		if rp.LowerBound != nil {
			p.Lower = *rp.LowerBound
		}
		if rp.UpperBound != nil {
			p.Upper = *rp.UpperBound
		}
		if p.Lower > p.Upper {
			return nil, fmt.Errorf("%w: parameter %q lower bound %v above upper bound %v", ErrOptions, p.Name, p.Lower, p.Upper)
		}
		if rp.Value != nil {
			p.Value = *rp.Value
			if err := doc.Copy().Set(p.Path, p.Value); err != nil {
				return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
			}
		} else {
			v, err := doc.Get(p.Path)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
			}
			p.Value = v
		}
		o.Parameters = append(o.Parameters, p)
	}
	for _, rc := range raw.Constraints {
		if len(rc.Params) != 2 {
			return nil, fmt.Errorf("%w: constraint needs two parameters, got %v", ErrOptions, rc.Params)
		}
		for _, n := range rc.Params {
			if o.Index(n) < 0 {
				return nil, fmt.Errorf("%w: constraint on unknown parameter %q", ErrOptions, n)
			}
		}
		switch rc.Constraint {
		case GreaterThan, LessThan:
		default:
			return nil, fmt.Errorf("%w: unknown constraint %q", ErrOptions, rc.Constraint)
		}
		o.Constraints = append(o.Constraints, Constraint{Left: rc.Params[0], Right: rc.Params[1], Kind: rc.Constraint})
	}
	log.Debugf("Free parameters: %s", strings.Join(o.Names(), ", "))
	return o, nil
}

// Load reads an options document from a file.
func Load(path string, doc *demes.Document) (*Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	o, err := Parse(b, doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// Len returns the number of parameters.
func (o *Options) Len() int {
	return len(o.Parameters)
}

// Index returns the position of a parameter or -1.
func (o *Options) Index(name string) int {
	for i, p := range o.Parameters {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Names returns parameter names in order.
func (o *Options) Names() []string {
	names := make([]string, len(o.Parameters))
	for i, p := range o.Parameters {
		names[i] = p.Name
	}
	return names
}

// Paths returns graph paths in parameter order.
func (o *Options) Paths() []string {
	paths := make([]string, len(o.Parameters))
	for i, p := range o.Parameters {
		paths[i] = p.Path
	}
	return paths
}

// Initial returns initial values.
func (o *Options) Initial() []float64 {
	v := make([]float64, len(o.Parameters))
	for i, p := range o.Parameters {
		v[i] = p.Value
	}
	return v
}

// Current reads the current values of all parameters from a document.
func (o *Options) Current(doc *demes.Document) ([]float64, error) {
	v := make([]float64, len(o.Parameters))
	for i, p := range o.Parameters {
		var err error
		if v[i], err = doc.Get(p.Path); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
	}
	return v, nil
}

// CheckBounds returns an error wrapping ErrBounds if any value lies
// outside of its bounds.
func (o *Options) CheckBounds(values []float64) error {
	if len(values) != len(o.Parameters) {
		return fmt.Errorf("%d values for %d parameters", len(values), len(o.Parameters))
	}
	for i, p := range o.Parameters {
		if values[i] < p.Lower || values[i] > p.Upper || math.IsNaN(values[i]) {
			return fmt.Errorf("%w: %s=%v not in [%v, %v]", ErrBounds, p.Name, values[i], p.Lower, p.Upper)
		}
	}
	return nil
}

// Satisfied returns true if values are within bounds and satisfy all
// constraints.
func (o *Options) Satisfied(values []float64) bool {
	if o.CheckBounds(values) != nil {
		return false
	}
	for _, c := range o.Constraints {
		l, r := values[o.Index(c.Left)], values[o.Index(c.Right)]
		switch c.Kind {
		case GreaterThan:
			if !(l > r) {
				return false
			}
		case LessThan:
			if !(l < r) {
				return false
			}
		}
	}
	return true
}

// Perturb multiplies every value by 2^(fold*U(-1,1)) and clips it into
// its bounds. Draws violating constraints are repeated.
func (o *Options) Perturb(values []float64, fold float64, rng *rand.Rand) []float64 {
	res := make([]float64, len(values))
	for try := 0; try < 1000; try++ {
		for i, p := range o.Parameters {
			v := values[i] * math.Pow(2, fold*(2*rng.Float64()-1))
			res[i] = math.Min(math.Max(v, p.Lower), p.Upper)
		}
		if o.Satisfied(res) {
			return res
		}
	}
	log.Warning("Could not perturb parameters within constraints, using unperturbed values")
	copy(res, values)
	return res
}
