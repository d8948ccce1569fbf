// Package demes reads demographic models written as demes graph
// documents. A Document keeps the original YAML tree so that fitted
// values can be written back without losing comments or layout; a
// Graph is the fully resolved model used for computations.
package demes

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/op/go-logging"
	"gopkg.in/yaml.v3"
)

// log is the global logging variable.
var log = logging.MustGetLogger("demes")

// ErrInvalidGraph is returned for graphs violating the model rules.
var ErrInvalidGraph = errors.New("invalid demographic graph")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidGraph, fmt.Sprintf(format, args...))
}

// Time is a time in the past; it accepts "Infinity" in documents.
type Time float64

// UnmarshalYAML decodes numbers and the infinity spellings.
func (t *Time) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseTime(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*t = Time(v)
	return nil
}

func parseTime(s string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "infinity", "inf", ".inf", "+inf", "+infinity":
		return math.Inf(1), nil
	}
	return strconv.ParseFloat(s, 64)
}

// Size functions.
const (
	Constant    = "constant"
	Exponential = "exponential"
	Linear      = "linear"
)

type rawEpoch struct {
	EndTime      *Time    `yaml:"end_time"`
	StartSize    *float64 `yaml:"start_size"`
	EndSize      *float64 `yaml:"end_size"`
	SizeFunction string   `yaml:"size_function"`
}

type rawDemeDefaults struct {
	Epoch rawEpoch `yaml:"epoch"`
}

type rawDeme struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	StartTime   *Time           `yaml:"start_time"`
	Ancestors   []string        `yaml:"ancestors"`
	Proportions []float64       `yaml:"proportions"`
	Defaults    rawDemeDefaults `yaml:"defaults"`
	Epochs      []rawEpoch      `yaml:"epochs"`
}

type rawMigration struct {
	Source    string   `yaml:"source"`
	Dest      string   `yaml:"dest"`
	Demes     []string `yaml:"demes"`
	StartTime *Time    `yaml:"start_time"`
	EndTime   *Time    `yaml:"end_time"`
	Rate      *float64 `yaml:"rate"`
}

type rawPulse struct {
	Sources     []string  `yaml:"sources"`
	Source      string    `yaml:"source"`
	Dest        string    `yaml:"dest"`
	Time        *Time     `yaml:"time"`
	Proportions []float64 `yaml:"proportions"`
	Proportion  *float64  `yaml:"proportion"`
}

type rawDefaults struct {
	Epoch     rawEpoch     `yaml:"epoch"`
	Migration rawMigration `yaml:"migration"`
	Deme      struct {
		StartTime *Time `yaml:"start_time"`
	} `yaml:"deme"`
}

type rawGraph struct {
	Description    string         `yaml:"description"`
	TimeUnits      string         `yaml:"time_units"`
	GenerationTime *float64       `yaml:"generation_time"`
	Defaults       rawDefaults    `yaml:"defaults"`
	Demes          []rawDeme      `yaml:"demes"`
	Migrations     []rawMigration `yaml:"migrations"`
	Pulses         []rawPulse     `yaml:"pulses"`
}

// Epoch is a time interval of a deme with a size function. Times are
// in generations.
type Epoch struct {
	StartTime    float64
	EndTime      float64
	StartSize    float64
	EndSize      float64
	SizeFunction string
}

// SizeAt returns the size at time t within the epoch.
func (e *Epoch) SizeAt(t float64) float64 {
	switch e.SizeFunction {
	case Exponential:
		if math.IsInf(e.StartTime, 1) {
			return e.StartSize
		}
		dt := e.StartTime - e.EndTime
		if dt == 0 {
			return e.EndSize
		}
		r := math.Log(e.EndSize/e.StartSize) / dt
		return e.StartSize * math.Exp(r*(e.StartTime-t))
	case Linear:
		if math.IsInf(e.StartTime, 1) {
			return e.StartSize
		}
		dt := e.StartTime - e.EndTime
		if dt == 0 {
			return e.EndSize
		}
		return e.StartSize + (e.EndSize-e.StartSize)*(e.StartTime-t)/dt
	}
	return e.StartSize
}

// Deme is a population lineage.
type Deme struct {
	Name        string
	Description string
	StartTime   float64
	Ancestors   []string
	Proportions []float64
	Epochs      []Epoch
}

// EndTime returns the time the deme ends (0 if it is extant).
func (d *Deme) EndTime() float64 {
	return d.Epochs[len(d.Epochs)-1].EndTime
}

// ExistsAt returns true if the deme is alive at time t, using the
// half-open interval (start, end].
func (d *Deme) ExistsAt(t float64) bool {
	return t < d.StartTime && t >= d.EndTime()
}

// EpochAt returns the epoch containing the time t.
func (d *Deme) EpochAt(t float64) *Epoch {
	for i := range d.Epochs {
		e := &d.Epochs[i]
		if t <= e.StartTime && t >= e.EndTime {
			return e
		}
	}
	return nil
}

// SizeAt returns the deme size at time t.
func (d *Deme) SizeAt(t float64) float64 {
	e := d.EpochAt(t)
	if e == nil {
		return math.NaN()
	}
	return e.SizeAt(t)
}

// Migration is a continuous asymmetric migration: lineages move from
// Dest into Source backward in time, i.e. migrants go from Source to
// Dest forward in time.
type Migration struct {
	Source    string
	Dest      string
	StartTime float64
	EndTime   float64
	Rate      float64
}

// Pulse is an instantaneous admixture.
type Pulse struct {
	Sources     []string
	Dest        string
	Time        float64
	Proportions []float64
}

// Graph is a resolved demographic model. Times are in generations.
type Graph struct {
	Description    string
	TimeUnits      string
	GenerationTime float64
	Demes          []*Deme
	Migrations     []Migration
	Pulses         []Pulse
	index          map[string]int
}

// Deme returns a deme by name.
func (g *Graph) Deme(name string) *Deme {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.Demes[i]
}

// DemeIndex returns the position of a deme or -1.
func (g *Graph) DemeIndex(name string) int {
	i, ok := g.index[name]
	if !ok {
		return -1
	}
	return i
}

// Names returns deme names in document order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.Demes))
	for i, d := range g.Demes {
		names[i] = d.Name
	}
	return names
}

// Roots returns demes without ancestors.
func (g *Graph) Roots() (roots []*Deme) {
	for _, d := range g.Demes {
		if len(d.Ancestors) == 0 {
			roots = append(roots, d)
		}
	}
	return
}

// Parse parses and resolves a graph document.
func Parse(b []byte) (*Graph, error) {
	doc, err := ParseDocument(b)
	if err != nil {
		return nil, err
	}
	return doc.Graph()
}

func resolve(raw *rawGraph) (*Graph, error) {
	g := &Graph{
		Description: raw.Description,
		TimeUnits:   raw.TimeUnits,
		index:       make(map[string]int),
	}
	switch {
	case g.TimeUnits == "":
		return nil, invalid("time_units is required")
	case raw.GenerationTime != nil:
		g.GenerationTime = *raw.GenerationTime
	case g.TimeUnits == "generations":
		g.GenerationTime = 1
	default:
		return nil, invalid("generation_time is required for time_units %q", g.TimeUnits)
	}
	if g.GenerationTime <= 0 {
		return nil, invalid("generation_time must be positive")
	}
	if g.TimeUnits == "generations" && g.GenerationTime != 1 {
		log.Warningf("time_units is generations, ignoring generation_time=%v", g.GenerationTime)
		g.GenerationTime = 1
	}
	scale := 1 / g.GenerationTime

	if len(raw.Demes) == 0 {
		return nil, invalid("no demes")
	}

	for i := range raw.Demes {
		rd := &raw.Demes[i]
		d, err := resolveDeme(g, raw, rd, scale)
		if err != nil {
			return nil, err
		}
		g.index[d.Name] = len(g.Demes)
		g.Demes = append(g.Demes, d)
	}

	for i, rm := range raw.Migrations {
		ms, err := resolveMigration(g, raw, rm, scale)
		if err != nil {
			return nil, fmt.Errorf("migration %d: %w", i, err)
		}
		g.Migrations = append(g.Migrations, ms...)
	}

	for i, rp := range raw.Pulses {
		p, err := resolvePulse(g, rp, scale)
		if err != nil {
			return nil, fmt.Errorf("pulse %d: %w", i, err)
		}
		g.Pulses = append(g.Pulses, *p)
	}

	if len(g.Roots()) == 0 {
		return nil, invalid("no root deme")
	}
	return g, nil
}

func mergeEpoch(e rawEpoch, defaults ...rawEpoch) rawEpoch {
	for _, d := range defaults {
		if e.EndTime == nil {
			e.EndTime = d.EndTime
		}
		if e.StartSize == nil {
			e.StartSize = d.StartSize
		}
		if e.EndSize == nil {
			e.EndSize = d.EndSize
		}
		if e.SizeFunction == "" {
			e.SizeFunction = d.SizeFunction
		}
	}
	return e
}

func resolveDeme(g *Graph, raw *rawGraph, rd *rawDeme, scale float64) (*Deme, error) {
	if rd.Name == "" {
		return nil, invalid("deme without a name")
	}
	if _, ok := g.index[rd.Name]; ok {
		return nil, invalid("duplicate deme %q", rd.Name)
	}
	d := &Deme{
		Name:        rd.Name,
		Description: rd.Description,
		Ancestors:   append([]string(nil), rd.Ancestors...),
		Proportions: append([]float64(nil), rd.Proportions...),
	}
	for _, a := range d.Ancestors {
		if g.Deme(a) == nil {
			return nil, invalid("deme %q: ancestor %q must be defined before", d.Name, a)
		}
	}
	if len(d.Proportions) == 0 && len(d.Ancestors) == 1 {
		d.Proportions = []float64{1}
	}
	if len(d.Proportions) != len(d.Ancestors) {
		return nil, invalid("deme %q: %d proportions for %d ancestors", d.Name, len(d.Proportions), len(d.Ancestors))
	}
	if len(d.Proportions) > 0 {
		sum := 0.0
		for _, p := range d.Proportions {
			if p < 0 || p > 1 {
				return nil, invalid("deme %q: proportion %v out of range", d.Name, p)
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-6 {
			return nil, invalid("deme %q: ancestor proportions sum to %v", d.Name, sum)
		}
	}

	startTime := rd.StartTime
	if startTime == nil {
		startTime = raw.Defaults.Deme.StartTime
	}
	switch {
	case startTime != nil:
		d.StartTime = float64(*startTime) * scale
	case len(d.Ancestors) == 0:
		d.StartTime = math.Inf(1)
	case len(d.Ancestors) == 1:
		d.StartTime = g.Deme(d.Ancestors[0]).EndTime()
	default:
		return nil, invalid("deme %q: start_time is required with several ancestors", d.Name)
	}
	if len(d.Ancestors) == 0 && !math.IsInf(d.StartTime, 1) {
		return nil, invalid("deme %q: a root deme must start at infinity", d.Name)
	}
	if len(d.Ancestors) > 0 && math.IsInf(d.StartTime, 1) {
		return nil, invalid("deme %q: a deme with ancestors must have a finite start_time", d.Name)
	}
	for _, a := range d.Ancestors {
		if !g.Deme(a).ExistsAt(d.StartTime) {
			return nil, invalid("deme %q: ancestor %q does not exist at %v", d.Name, a, d.StartTime)
		}
	}

	if len(rd.Epochs) == 0 {
		rd.Epochs = []rawEpoch{{}}
	}
	prev := d.StartTime
	for i, re := range rd.Epochs {
		re = mergeEpoch(re, rd.Defaults.Epoch, raw.Defaults.Epoch)
		e := Epoch{StartTime: prev}
		switch {
		case re.EndTime != nil:
			e.EndTime = float64(*re.EndTime) * scale
		case i == len(rd.Epochs)-1:
			e.EndTime = 0
		default:
			return nil, invalid("deme %q epoch %d: end_time is required", d.Name, i)
		}
		switch {
		case re.StartSize != nil:
			e.StartSize = *re.StartSize
		case re.EndSize != nil && i == 0 && (re.SizeFunction == "" || re.SizeFunction == Constant):
			e.StartSize = *re.EndSize
		case i > 0:
			e.StartSize = d.Epochs[i-1].EndSize
		default:
			return nil, invalid("deme %q epoch %d: start_size is required", d.Name, i)
		}
		if re.EndSize != nil {
			e.EndSize = *re.EndSize
		} else {
			e.EndSize = e.StartSize
		}
		e.SizeFunction = re.SizeFunction
		if e.SizeFunction == "" {
			if e.StartSize == e.EndSize {
				e.SizeFunction = Constant
			} else {
				e.SizeFunction = Exponential
			}
		}
		switch e.SizeFunction {
		case Constant:
			if e.StartSize != e.EndSize {
				return nil, invalid("deme %q epoch %d: constant epoch with different sizes", d.Name, i)
			}
		case Exponential, Linear:
		default:
			return nil, invalid("deme %q epoch %d: unknown size_function %q", d.Name, i, e.SizeFunction)
		}
		if e.StartSize <= 0 || e.EndSize <= 0 || math.IsInf(e.StartSize, 0) || math.IsInf(e.EndSize, 0) {
			return nil, invalid("deme %q epoch %d: sizes must be positive and finite", d.Name, i)
		}
		if math.IsInf(e.StartTime, 1) && e.SizeFunction != Constant {
			return nil, invalid("deme %q epoch %d: an infinite epoch must have constant size", d.Name, i)
		}
		if e.EndTime < 0 || e.EndTime >= e.StartTime || math.IsInf(e.EndTime, 0) {
			return nil, invalid("deme %q epoch %d: end_time %v must be in [0, %v)", d.Name, i, e.EndTime, e.StartTime)
		}
		d.Epochs = append(d.Epochs, e)
		prev = e.EndTime
	}
	return d, nil
}

func resolveMigration(g *Graph, raw *rawGraph, rm rawMigration, scale float64) ([]Migration, error) {
	def := raw.Defaults.Migration
	if rm.Rate == nil {
		rm.Rate = def.Rate
	}
	if rm.StartTime == nil {
		rm.StartTime = def.StartTime
	}
	if rm.EndTime == nil {
		rm.EndTime = def.EndTime
	}
	if rm.Rate == nil {
		return nil, invalid("rate is required")
	}
	if *rm.Rate < 0 || *rm.Rate > 1 {
		return nil, invalid("rate %v out of range", *rm.Rate)
	}
	var pairs [][2]string
	switch {
	case len(rm.Demes) > 0:
		if rm.Source != "" || rm.Dest != "" {
			return nil, invalid("either demes or source/dest must be given")
		}
		if len(rm.Demes) < 2 {
			return nil, invalid("symmetric migration needs at least two demes")
		}
		for i, a := range rm.Demes {
			for j, b := range rm.Demes {
				if i != j {
					pairs = append(pairs, [2]string{a, b})
				}
			}
		}
	case rm.Source != "" && rm.Dest != "":
		pairs = [][2]string{{rm.Source, rm.Dest}}
	default:
		return nil, invalid("source and dest are required")
	}

	var ms []Migration
	for _, p := range pairs {
		src, dst := g.Deme(p[0]), g.Deme(p[1])
		if src == nil || dst == nil {
			return nil, invalid("unknown deme in %v", p)
		}
		if src == dst {
			return nil, invalid("source and dest are the same deme %q", src.Name)
		}
		// overlap of the two active intervals
		start := math.Min(src.StartTime, dst.StartTime)
		end := math.Max(src.EndTime(), dst.EndTime())
		if start <= end {
			return nil, invalid("demes %q and %q do not overlap in time", src.Name, dst.Name)
		}
		m := Migration{Source: src.Name, Dest: dst.Name, StartTime: start, EndTime: end, Rate: *rm.Rate}
		if rm.StartTime != nil {
			m.StartTime = float64(*rm.StartTime) * scale
		}
		if rm.EndTime != nil {
			m.EndTime = float64(*rm.EndTime) * scale
		}
		if m.StartTime > start || m.EndTime < end || m.EndTime >= m.StartTime {
			return nil, invalid("migration %s->%s interval (%v, %v] outside of the overlap (%v, %v]",
				src.Name, dst.Name, m.StartTime, m.EndTime, start, end)
		}
		ms = append(ms, m)
	}
	return ms, nil
}

func resolvePulse(g *Graph, rp rawPulse, scale float64) (*Pulse, error) {
	p := &Pulse{Dest: rp.Dest, Sources: append([]string(nil), rp.Sources...), Proportions: append([]float64(nil), rp.Proportions...)}
	if rp.Source != "" {
		p.Sources = append(p.Sources, rp.Source)
	}
	if rp.Proportion != nil {
		p.Proportions = append(p.Proportions, *rp.Proportion)
	}
	if rp.Time == nil {
		return nil, invalid("time is required")
	}
	p.Time = float64(*rp.Time) * scale
	if len(p.Sources) == 0 || len(p.Sources) != len(p.Proportions) {
		return nil, invalid("%d sources with %d proportions", len(p.Sources), len(p.Proportions))
	}
	dest := g.Deme(p.Dest)
	if dest == nil {
		return nil, invalid("unknown dest %q", p.Dest)
	}
	if math.IsInf(p.Time, 0) || p.Time <= 0 {
		return nil, invalid("time %v must be positive and finite", p.Time)
	}
	if !(p.Time < dest.StartTime && p.Time > dest.EndTime()) {
		return nil, invalid("dest %q does not exist at %v", p.Dest, p.Time)
	}
	sum := 0.0
	for i, s := range p.Sources {
		src := g.Deme(s)
		if src == nil {
			return nil, invalid("unknown source %q", s)
		}
		if s == p.Dest {
			return nil, invalid("source and dest are the same deme %q", s)
		}
		if !(p.Time < src.StartTime && p.Time > src.EndTime()) {
			return nil, invalid("source %q does not exist at %v", s, p.Time)
		}
		if p.Proportions[i] < 0 || p.Proportions[i] > 1 {
			return nil, invalid("proportion %v out of range", p.Proportions[i])
		}
		sum += p.Proportions[i]
	}
	if sum > 1+1e-9 {
		return nil, invalid("proportions sum to %v", sum)
	}
	return p, nil
}

// SizeHistory returns deme sizes sampled at the given times; entries for
// times where the deme does not exist are NaN.
func (g *Graph) SizeHistory(name string, times []float64) ([]float64, error) {
	d := g.Deme(name)
	if d == nil {
		return nil, fmt.Errorf("unknown deme %q", name)
	}
	sizes := make([]float64, len(times))
	for i, t := range times {
		if t > d.StartTime || t < d.EndTime() {
			sizes[i] = math.NaN()
			continue
		}
		sizes[i] = d.SizeAt(t)
	}
	return sizes, nil
}
