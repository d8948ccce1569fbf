package smodel

import (
	"math"

	"bitbucket.org/Davydov/sfsinfer/demes"
)

// operation transforms the set of member spectra. needs maps the
// configurations required after the operation to those required before.
type operation interface {
	needs(out memberSet) memberSet
	apply(in *state, out memberSet) *state
}

// branch creates child by copying the parent lineage.
type branch struct {
	parent, child int
	in, out       []int
	b             binomials
}

func (o *branch) merge(a []int) []int {
	res := make([]int, len(o.in))
	for i, d := range o.in {
		res[i] = a[position(o.out, d)]
	}
	res[position(o.in, o.parent)] += a[position(o.out, o.child)]
	return res
}

func (o *branch) needs(out memberSet) memberSet {
	res := make(memberSet)
	for _, a := range out {
		res.add(o.merge(a))
	}
	return res
}

func (o *branch) apply(in *state, out memberSet) *state {
	res := &state{alive: o.out, members: make(map[string]*member, len(out))}
	pp, pc := position(o.out, o.parent), position(o.out, o.child)
	ppIn := position(o.in, o.parent)
	posMap := make([]int, len(o.in))
	for i, d := range o.in {
		posMap[i] = position(o.out, d)
	}
	idx := make([]int, len(o.out))
	sidx := make([]int, len(o.in))
	for k, a := range out {
		m := newMember(a)
		src := in.get(o.merge(a))
		aP, aC := a[pp], a[pc]
		for p := range m.data {
			m.unravel(p, idx)
			for i, j := range posMap {
				sidx[i] = idx[j]
			}
			iP, iC := idx[pp], idx[pc]
			sidx[ppIn] = iP + iC
			m.data[p] = src.data[src.index(sidx)] * o.b.c(aP, iP) * o.b.c(aC, iC) / o.b.c(aP+aC, iP+iC)
		}
		res.members[k] = m
	}
	return res
}

// pulse replaces a fraction f of dst by migrants from src.
type pulse struct {
	src, dst int
	f        float64
	alive    []int
	b        binomials
}

func (o *pulse) shifted(a []int, c int) []int {
	res := append([]int(nil), a...)
	res[position(o.alive, o.dst)] -= c
	res[position(o.alive, o.src)] += c
	return res
}

func (o *pulse) needs(out memberSet) memberSet {
	res := make(memberSet)
	pd := position(o.alive, o.dst)
	for _, a := range out {
		for c := 0; c <= a[pd]; c++ {
			if o.weight(a[pd], c) == 0 {
				continue
			}
			res.add(o.shifted(a, c))
		}
	}
	return res
}

// weight is the probability that c of n sampled lineages of dst come
// from src.
func (o *pulse) weight(n, c int) float64 {
	return o.b.c(n, c) * math.Pow(o.f, float64(c)) * math.Pow(1-o.f, float64(n-c))
}

func (o *pulse) apply(in *state, out memberSet) *state {
	res := &state{alive: o.alive, members: make(map[string]*member, len(out))}
	pd, ps := position(o.alive, o.dst), position(o.alive, o.src)
	idx := make([]int, len(o.alive))
	sidx := make([]int, len(o.alive))
	for k, a := range out {
		m := newMember(a)
		ad, as := a[pd], a[ps]
		w := make([]float64, ad+1)
		srcs := make([]*member, ad+1)
		for c := range w {
			w[c] = o.weight(ad, c)
			if w[c] != 0 {
				srcs[c] = in.get(o.shifted(a, c))
			}
		}
		for p := range m.data {
			m.unravel(p, idx)
			id, is := idx[pd], idx[ps]
			val := 0.0
			for c, wc := range w {
				if wc == 0 {
					continue
				}
				src := srcs[c]
				copy(sidx, idx)
				lo := id - (ad - c)
				if lo < 0 {
					lo = 0
				}
				hi := c
				if id < hi {
					hi = id
				}
				for l := lo; l <= hi; l++ {
					sidx[pd] = id - l
					sidx[ps] = l + is
					h := o.b.c(c, l) * o.b.c(as, is) / o.b.c(as+c, l+is)
					val += wc * h * src.data[src.index(sidx)]
				}
			}
			m.data[p] = val
		}
		res.members[k] = m
	}
	return res
}

// death removes a deme; only configurations without its lineages
// survive.
type death struct {
	deme    int
	in, out []int
}

func (o *death) expand(a []int) []int {
	res := make([]int, len(o.in))
	for i, d := range o.in {
		if d != o.deme {
			res[i] = a[position(o.out, d)]
		}
	}
	return res
}

func (o *death) needs(out memberSet) memberSet {
	res := make(memberSet)
	for _, a := range out {
		res.add(o.expand(a))
	}
	return res
}

func (o *death) apply(in *state, out memberSet) *state {
	res := &state{alive: o.out, members: make(map[string]*member, len(out))}
	for k, a := range out {
		m := newMember(a)
		// an axis of length one does not change the layout
		copy(m.data, in.get(o.expand(a)).data)
		res.members[k] = m
	}
	return res
}

// migration moves lineages into deme position p from q at a scaled
// rate (2*Nref*m).
type migration struct {
	p, q int
	rate float64
}

// integrate solves drift, mutation and migration over a time interval
// with fixed set of living demes.
type integrate struct {
	alive      []int
	demes      []*demes.Deme
	tOld, tNew float64
	nref       float64
	migs       []migration
	steps      int
}

func (o *integrate) partner(a []int, mg migration) []int {
	if a[mg.p] == 0 {
		return nil
	}
	res := append([]int(nil), a...)
	res[mg.p]--
	res[mg.q]++
	return res
}

// needs returns the closure of out under migration partners.
func (o *integrate) needs(out memberSet) memberSet {
	res := make(memberSet, len(out))
	var queue [][]int
	for _, a := range out {
		res.add(a)
		queue = append(queue, a)
	}
	for len(queue) > 0 {
		a := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, mg := range o.migs {
			b := o.partner(a, mg)
			if b == nil {
				continue
			}
			if _, ok := res[key(b)]; !ok {
				res.add(b)
				queue = append(queue, b)
			}
		}
	}
	return res
}

type tridiag struct {
	lower, diag, upper, cp, inv, dp []float64
}

func newTridiag(n int) *tridiag {
	return &tridiag{
		lower: make([]float64, n+1),
		diag:  make([]float64, n+1),
		upper: make([]float64, n+1),
		cp:    make([]float64, n+1),
		inv:   make([]float64, n+1),
		dp:    make([]float64, n+1),
	}
}

// factor prepares the solution of (I - c*D) x = b where D is the drift
// operator for n lineages.
func (t *tridiag) factor(n int, c float64) {
	for i := 0; i <= n; i++ {
		fi, fn := float64(i), float64(n)
		t.lower[i] = -c * (fi - 1) * (fn - fi + 1)
		t.diag[i] = 1 + c*2*fi*(fn-fi)
		t.upper[i] = -c * (fi + 1) * (fn - fi - 1)
	}
	t.inv[0] = 1 / t.diag[0]
	t.cp[0] = t.upper[0] * t.inv[0]
	for i := 1; i <= n; i++ {
		t.inv[i] = 1 / (t.diag[i] - t.lower[i]*t.cp[i-1])
		t.cp[i] = t.upper[i] * t.inv[i]
	}
}

// solve solves the factored system in place for the fiber starting at
// base with a stride.
func (t *tridiag) solve(x []float64, n, base, stride int) {
	t.dp[0] = x[base] * t.inv[0]
	for i := 1; i <= n; i++ {
		t.dp[i] = (x[base+i*stride] - t.lower[i]*t.dp[i-1]) * t.inv[i]
	}
	x[base+n*stride] = t.dp[n]
	for i := n - 1; i >= 0; i-- {
		x[base+i*stride] = t.dp[i] - t.cp[i]*x[base+(i+1)*stride]
	}
}

func drift(m *member, k int, c float64, t *tridiag) {
	n := m.counts[k]
	st := m.strides[k]
	t.factor(n, c)
	for base := range m.data {
		if base/st%m.shape[k] != 0 {
			continue
		}
		t.solve(m.data, n, base, st)
	}
}

// migrate accumulates the migration derivative of m into d.
func migrate(m, partner *member, mg migration, d []float64, idx, pidx []int) {
	p, q := mg.p, mg.q
	ap, aq := m.counts[p], m.counts[q]
	for pos := range m.data {
		m.unravel(pos, idx)
		i, j := idx[p], idx[q]
		v := -float64(i) * m.data[pos]
		if i < ap {
			v += float64(i+1) * m.data[pos+m.strides[p]]
		}
		if partner != nil {
			copy(pidx, idx)
			pidx[q] = j + 1
			f := float64(ap) * float64(j+1) / float64(aq+1)
			if i >= 1 {
				pidx[p] = i - 1
				v += f * partner.data[partner.index(pidx)]
			}
			if i <= ap-1 {
				pidx[p] = i
				v -= f * partner.data[partner.index(pidx)]
			}
		}
		d[pos] += mg.rate * v
	}
}

func (o *integrate) apply(in *state, out memberSet) *state {
	res := &state{alive: o.alive, members: make(map[string]*member, len(out))}
	var ms []*member
	for k := range out {
		m := in.members[k]
		res.members[k] = m
		ms = append(ms, m)
	}

	partners := make([][]*member, len(ms))
	deltas := make([][]float64, len(ms))
	maxN := 0
	for i, m := range ms {
		partners[i] = make([]*member, len(o.migs))
		for j, mg := range o.migs {
			if b := o.partner(m.counts, mg); b != nil {
				partners[i][j] = res.members[key(b)]
			}
		}
		if len(o.migs) > 0 {
			deltas[i] = make([]float64, len(m.data))
		}
		for _, c := range m.counts {
			if c > maxN {
				maxN = c
			}
		}
	}
	t := newTridiag(maxN)
	idx := make([]int, len(o.alive))
	pidx := make([]int, len(o.alive))
	nu := make([]float64, len(o.alive))

	dtGen := (o.tOld - o.tNew) / float64(o.steps)
	dt := dtGen / (2 * o.nref)
	for s := 0; s < o.steps; s++ {
		tmid := o.tOld - (float64(s)+0.5)*dtGen
		for k, d := range o.demes {
			nu[k] = d.SizeAt(tmid) / o.nref
		}
		// mutations enter as singletons
		for _, m := range ms {
			for k, c := range m.counts {
				if c >= 1 {
					m.data[m.strides[k]] += dt * float64(c) / 2
				}
			}
		}
		if len(o.migs) > 0 {
			for i, m := range ms {
				d := deltas[i]
				for j := range d {
					d[j] = 0
				}
				for j, mg := range o.migs {
					migrate(m, partners[i][j], mg, d, idx, pidx)
				}
			}
			for i, m := range ms {
				for j, v := range deltas[i] {
					m.data[j] += dt * v
				}
			}
		}
		for _, m := range ms {
			for k, c := range m.counts {
				if c >= 2 {
					drift(m, k, dt/(2*nu[k]), t)
				}
			}
			m.zeroCorners()
		}
	}
	return res
}
