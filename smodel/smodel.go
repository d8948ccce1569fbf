// Package smodel computes expected allele frequency spectra of
// demographic graphs under the neutral infinite sites model.
//
// The expected spectrum of every sample configuration is propagated
// forward in time by the exact moment equations of the Wright-Fisher
// diffusion. Drift is integrated implicitly, migration explicitly;
// splits, pulses and extinctions act on the spectra by hypergeometric
// resampling of lineages. A backward pass over the graph determines the
// sample configurations needed to produce the final spectrum.
//
// Time is measured in units of 2*Nref generations, where Nref is the
// size of the root deme at the start.
package smodel

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/sfsinfer/demes"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// log is the global logging variable.
var log = logging.MustGetLogger("smodel")

// ErrUnsupported is returned for graphs or samples which cannot be
// evaluated.
var ErrUnsupported = errors.New("unsupported model")

// DefaultSteps is the default number of integration steps per interval.
const DefaultSteps = 100

// maxMigrationStep bounds the explicit migration step, dt*M*n.
const maxMigrationStep = 0.5

// Evaluator computes expected spectra.
type Evaluator struct {
	// StepsPerEpoch is the number of time steps between consecutive
	// events.
	StepsPerEpoch int
}

// New creates an evaluator with default settings.
func New() *Evaluator {
	return &Evaluator{StepsPerEpoch: DefaultSteps}
}

// plan is a sequence of operations from the root equilibrium to the
// sampled demes.
type plan struct {
	graph *demes.Graph
	root  int
	nref  float64
	total int
	ops   []operation
	alive []int
}

func insertSorted(alive []int, d int) []int {
	res := append(append([]int(nil), alive...), d)
	sort.Ints(res)
	return res
}

func removeDeme(alive []int, d int) []int {
	var res []int
	for _, a := range alive {
		if a != d {
			res = append(res, a)
		}
	}
	return res
}

// sequential converts simultaneous admixture proportions into
// proportions of pulses applied one after another.
func sequential(p []float64) []float64 {
	q := make([]float64, len(p))
	for i := range p {
		rest := 0.0
		for _, x := range p[i+1:] {
			rest += x
		}
		if 1-rest > 0 {
			q[i] = math.Min(p[i]/(1-rest), 1)
		}
	}
	return q
}

// eventTimes returns the finite positive event times in decreasing
// order followed by zero.
func eventTimes(g *demes.Graph) []float64 {
	set := map[float64]bool{0: true}
	addT := func(t float64) {
		if t > 0 && !math.IsInf(t, 0) {
			set[t] = true
		}
	}
	for _, d := range g.Demes {
		addT(d.StartTime)
		for _, e := range d.Epochs {
			addT(e.EndTime)
		}
	}
	for _, m := range g.Migrations {
		addT(m.StartTime)
		addT(m.EndTime)
	}
	for _, p := range g.Pulses {
		addT(p.Time)
	}
	var times []float64
	for t := range set {
		times = append(times, t)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(times)))
	return times
}

func (e *Evaluator) newPlan(g *demes.Graph, pops []string, ns []int) (*plan, error) {
	roots := g.Roots()
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: %d root demes", ErrUnsupported, len(roots))
	}
	if len(pops) != len(ns) || len(pops) == 0 {
		return nil, fmt.Errorf("%w: %d populations with %d sample sizes", ErrUnsupported, len(pops), len(ns))
	}
	sampled := make(map[int]bool)
	total := 0
	for i, name := range pops {
		d := g.DemeIndex(name)
		switch {
		case d < 0:
			return nil, fmt.Errorf("%w: unknown deme %q", ErrUnsupported, name)
		case sampled[d]:
			return nil, fmt.Errorf("%w: deme %q sampled twice", ErrUnsupported, name)
		case g.Demes[d].EndTime() != 0:
			return nil, fmt.Errorf("%w: deme %q is not sampled at time zero", ErrUnsupported, name)
		case ns[i] < 1:
			return nil, fmt.Errorf("%w: sample size %d for %q", ErrUnsupported, ns[i], name)
		}
		sampled[d] = true
		total += ns[i]
	}

	pl := &plan{
		graph: g,
		root:  g.DemeIndex(roots[0].Name),
		nref:  roots[0].Epochs[0].StartSize,
		total: total,
	}
	steps := e.StepsPerEpoch
	if steps <= 0 {
		steps = DefaultSteps
	}
	b := newBinomials(total)
	alive := []int{pl.root}
	times := eventTimes(g)
	for j, T := range times {
		if j > 0 {
			pl.ops = append(pl.ops, pl.newIntegrate(alive, times[j-1], T, steps))
		}
		// births
		for di, d := range g.Demes {
			if d.StartTime != T {
				continue
			}
			next := insertSorted(alive, di)
			pl.ops = append(pl.ops, &branch{parent: g.DemeIndex(d.Ancestors[0]), child: di, in: alive, out: next, b: b})
			alive = next
			if len(d.Ancestors) > 1 {
				q := sequential(d.Proportions[1:])
				for k, a := range d.Ancestors[1:] {
					pl.ops = append(pl.ops, &pulse{src: g.DemeIndex(a), dst: di, f: q[k], alive: alive, b: b})
				}
			}
		}
		// pulses
		for _, p := range g.Pulses {
			if p.Time != T {
				continue
			}
			q := sequential(p.Proportions)
			for k, s := range p.Sources {
				pl.ops = append(pl.ops, &pulse{src: g.DemeIndex(s), dst: g.DemeIndex(p.Dest), f: q[k], alive: alive, b: b})
			}
		}
		// extinctions and unsampled demes at time zero
		for _, di := range append([]int(nil), alive...) {
			d := g.Demes[di]
			if (T > 0 && d.EndTime() == T) || (T == 0 && !sampled[di]) {
				next := removeDeme(alive, di)
				pl.ops = append(pl.ops, &death{deme: di, in: alive, out: next})
				alive = next
			}
		}
	}
	if len(alive) != len(pops) {
		return nil, fmt.Errorf("%w: %d demes alive at time zero, %d sampled", ErrUnsupported, len(alive), len(pops))
	}
	pl.alive = alive
	return pl, nil
}

func (pl *plan) newIntegrate(alive []int, tOld, tNew float64, steps int) *integrate {
	o := &integrate{
		alive: alive,
		tOld:  tOld,
		tNew:  tNew,
		nref:  pl.nref,
		steps: steps,
	}
	for _, d := range alive {
		o.demes = append(o.demes, pl.graph.Demes[d])
	}
	inflow := make([]float64, len(alive))
	for _, m := range pl.graph.Migrations {
		if m.StartTime < tOld || m.EndTime > tNew {
			continue
		}
		p := position(alive, pl.graph.DemeIndex(m.Dest))
		q := position(alive, pl.graph.DemeIndex(m.Source))
		if p < 0 || q < 0 || m.Rate == 0 {
			continue
		}
		rate := 2 * pl.nref * m.Rate
		o.migs = append(o.migs, migration{p: p, q: q, rate: rate})
		inflow[p] += rate
	}
	dt := (tOld - tNew) / (2 * pl.nref)
	for _, r := range inflow {
		need := dt * r * float64(pl.total) / maxMigrationStep
		if need > float64(o.steps) {
			o.steps = int(math.Ceil(need))
		}
	}
	return o
}

// run executes the plan and returns the final member for the sample
// configuration counts (over pl.alive).
func (pl *plan) run(counts []int) (*member, error) {
	outs := make([]memberSet, len(pl.ops))
	need := memberSet{}
	need.add(counts)
	for k := len(pl.ops) - 1; k >= 0; k-- {
		if o, ok := pl.ops[k].(*integrate); ok {
			need = o.needs(need)
			outs[k] = need
			continue
		}
		outs[k] = need
		need = pl.ops[k].needs(need)
	}
	if len(need) != 1 {
		return nil, fmt.Errorf("%w: %d root configurations", ErrUnsupported, len(need))
	}
	if _, ok := need[key([]int{pl.total})]; !ok {
		return nil, fmt.Errorf("%w: lineages do not trace back to the root", ErrUnsupported)
	}

	root := newMember([]int{pl.total})
	nu := pl.graph.Demes[pl.root].Epochs[0].StartSize / pl.nref
	for i := 1; i < pl.total; i++ {
		root.data[i] = nu / float64(i)
	}
	st := &state{alive: []int{pl.root}, members: map[string]*member{key(root.counts): root}}
	for k, o := range pl.ops {
		st = o.apply(st, outs[k])
	}
	m := st.get(counts)
	if m == nil {
		return nil, fmt.Errorf("%w: sample configuration was not computed", ErrUnsupported)
	}
	return m, nil
}

// Expected returns the expected spectrum for samples of sizes ns taken
// from demes pops at time zero. The spectrum is scaled by
// theta = 4*Nref*uL; uL <= 0 gives theta = 1.
func (e *Evaluator) Expected(g *demes.Graph, pops []string, ns []int, uL float64) (*spectrum.Spectrum, error) {
	pl, err := e.newPlan(g, pops, ns)
	if err != nil {
		return nil, err
	}
	counts := make([]int, len(pl.alive))
	axis := make([]int, len(pops))
	for i, name := range pops {
		p := position(pl.alive, g.DemeIndex(name))
		counts[p] = ns[i]
		axis[i] = p
	}
	m, err := pl.run(counts)
	if err != nil {
		return nil, err
	}

	s, err := spectrum.FromSampleSizes(ns, pops)
	if err != nil {
		return nil, err
	}
	theta := 1.0
	if uL > 0 {
		theta = 4 * pl.nref * uL
	}
	idx := make([]int, len(pops))
	midx := make([]int, len(pops))
	for p := range s.Data {
		s.Unravel(p, idx)
		for i, a := range axis {
			midx[a] = idx[i]
		}
		v := theta * m.data[m.index(midx)]
		if v < 0 {
			// roundoff of the explicit migration step
			v = 0
		}
		s.Data[p] = v
	}
	s.Data[0], s.Data[len(s.Data)-1] = 0, 0
	log.Debugf("Expected spectrum %v, theta=%g, %d operations", s.Shape, theta, len(pl.ops))
	return s, nil
}
