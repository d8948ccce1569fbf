package regions

// chromUnion returns the chromosome order of several sets.
func chromUnion(sets ...*Set) []string {
	seen := make(map[string]bool)
	var order []string
	for _, s := range sets {
		for _, c := range s.order {
			if !seen[c] {
				seen[c] = true
				order = append(order, c)
			}
		}
	}
	return order
}

// Union returns positions in any of the sets.
func Union(sets ...*Set) *Set {
	res := NewSet()
	for _, chrom := range chromUnion(sets...) {
		var ivs []Interval
		for _, s := range sets {
			ivs = append(ivs, s.chroms[chrom]...)
		}
		res.order = append(res.order, chrom)
		res.chroms[chrom] = merge(ivs)
	}
	return res
}

// intersect2 intersects two sorted disjoint interval lists.
func intersect2(a, b []Interval) []Interval {
	var res []Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Start, b[j].Start)
		end := min(a[i].End, b[j].End)
		if start < end {
			res = append(res, Interval{start, end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return res
}

// Intersect returns positions present in every set.
func Intersect(sets ...*Set) *Set {
	res := NewSet()
	if len(sets) == 0 {
		return res
	}
	for _, chrom := range sets[0].order {
		ivs := sets[0].chroms[chrom]
		for _, s := range sets[1:] {
			ivs = intersect2(ivs, s.chroms[chrom])
		}
		if len(ivs) > 0 {
			res.order = append(res.order, chrom)
			res.chroms[chrom] = ivs
		}
	}
	return res
}

// Subtract returns positions of s not present in sub.
func Subtract(s, sub *Set) *Set {
	res := NewSet()
	for _, chrom := range s.order {
		var out []Interval
		b := sub.chroms[chrom]
		j := 0
		for _, iv := range s.chroms[chrom] {
			start := iv.Start
			for j < len(b) && b[j].End <= start {
				j++
			}
			for k := j; k < len(b) && b[k].Start < iv.End; k++ {
				if b[k].Start > start {
					out = append(out, Interval{start, b[k].Start})
				}
				start = max(start, b[k].End)
			}
			if start < iv.End {
				out = append(out, Interval{start, iv.End})
			}
		}
		if len(out) > 0 {
			res.order = append(res.order, chrom)
			res.chroms[chrom] = out
		}
	}
	return res
}

// Flank extends every interval by n positions on both sides, clipping
// at zero, and merges the result.
func Flank(s *Set, n int64) *Set {
	res := NewSet()
	for _, chrom := range s.order {
		ivs := make([]Interval, len(s.chroms[chrom]))
		for i, iv := range s.chroms[chrom] {
			ivs[i] = Interval{max(iv.Start-n, 0), iv.End + n}
		}
		res.order = append(res.order, chrom)
		res.chroms[chrom] = merge(ivs)
	}
	return res
}

// Combine intersects isec, then removes the union of remove extended
// by flank positions.
func Combine(isec []*Set, remove []*Set, flank int64) *Set {
	res := Intersect(isec...)
	if len(remove) == 0 {
		return res
	}
	u := Union(remove...)
	if flank > 0 {
		u = Flank(u, flank)
	}
	return Subtract(res, u)
}

// Coverage returns the number of positions of chrom in [start, end).
func (s *Set) Coverage(chrom string, start, end int64) int64 {
	var l int64
	for _, iv := range intersect2(s.chroms[chrom], []Interval{{start, end}}) {
		l += iv.Len()
	}
	return l
}
