package smodel

// member is the expected spectrum for one configuration of sample
// counts over the living demes. Axis k has counts[k]+1 entries.
type member struct {
	counts  []int
	shape   []int
	strides []int
	data    []float64
}

func newMember(counts []int) *member {
	m := &member{
		counts:  append([]int(nil), counts...),
		shape:   make([]int, len(counts)),
		strides: make([]int, len(counts)),
	}
	n := 1
	for k := len(counts) - 1; k >= 0; k-- {
		m.shape[k] = counts[k] + 1
		m.strides[k] = n
		n *= m.shape[k]
	}
	m.data = make([]float64, n)
	return m
}

func (m *member) index(idx []int) int {
	p := 0
	for k, i := range idx {
		p += i * m.strides[k]
	}
	return p
}

func (m *member) unravel(p int, idx []int) {
	for k := range m.shape {
		idx[k] = p / m.strides[k] % m.shape[k]
	}
}

func (m *member) total() (n int) {
	for _, c := range m.counts {
		n += c
	}
	return
}

// zeroCorners clears the monomorphic entries; they never feed
// polymorphic entries.
func (m *member) zeroCorners() {
	m.data[0] = 0
	m.data[len(m.data)-1] = 0
}

// key encodes sample counts as a map key.
func key(counts []int) string {
	b := make([]byte, 2*len(counts))
	for i, c := range counts {
		b[2*i] = byte(c >> 8)
		b[2*i+1] = byte(c)
	}
	return string(b)
}

// memberSet is a set of sample configurations.
type memberSet map[string][]int

func (s memberSet) add(counts []int) {
	k := key(counts)
	if _, ok := s[k]; !ok {
		s[k] = append([]int(nil), counts...)
	}
}

// state is the set of member spectra for a fixed list of living demes
// (graph deme indices).
type state struct {
	alive   []int
	members map[string]*member
}

func (st *state) get(counts []int) *member {
	return st.members[key(counts)]
}

func position(alive []int, deme int) int {
	for i, d := range alive {
		if d == deme {
			return i
		}
	}
	return -1
}

// binomials is Pascal's triangle up to n.
type binomials [][]float64

func newBinomials(n int) binomials {
	b := make(binomials, n+1)
	for i := 0; i <= n; i++ {
		b[i] = make([]float64, i+1)
		b[i][0], b[i][i] = 1, 1
		for k := 1; k < i; k++ {
			b[i][k] = b[i-1][k-1] + b[i-1][k]
		}
	}
	return b
}

func (b binomials) c(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	return b[n][k]
}
