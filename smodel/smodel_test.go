package smodel

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/sfsinfer/demes"
)

func init() {
	logging.SetLevel(logging.WARNING, "smodel")
	logging.SetLevel(logging.WARNING, "demes")
}

func parse(tst *testing.T, text string) *demes.Graph {
	g, err := demes.Parse([]byte(text))
	if err != nil {
		tst.Fatal(err)
	}
	return g
}

func relDiff(a, b float64) float64 {
	return math.Abs(a-b) / math.Max(math.Abs(b), 1e-300)
}

const constant = `time_units: generations
demes:
  - name: A
    epochs:
      - start_size: 1000
`

func TestEquilibrium(tst *testing.T) {
	g := parse(tst, constant)
	uL := 0.25
	s, err := New().Expected(g, []string{"A"}, []int{10}, uL)
	if err != nil {
		tst.Fatal(err)
	}
	theta := 4 * 1000 * uL
	for i := 1; i < 10; i++ {
		if d := relDiff(s.At(i), theta/float64(i)); d > 1e-12 {
			tst.Errorf("Phi(%d)=%v, expected %v", i, s.At(i), theta/float64(i))
		}
	}
	if s.At(0) != 0 || s.At(10) != 0 {
		tst.Error("Corners should be empty")
	}
}

const twoEpoch = `time_units: generations
demes:
  - name: A
    epochs:
      - start_size: 1000
        end_time: 100000
      - start_size: 2000
`

func TestSizeChange(tst *testing.T) {
	// after 25*2N generations the spectrum is at the new equilibrium
	g := parse(tst, twoEpoch)
	s, err := New().Expected(g, []string{"A"}, []int{8}, 0)
	if err != nil {
		tst.Fatal(err)
	}
	for i := 1; i < 8; i++ {
		exp := 2 / float64(i)
		if d := relDiff(s.At(i), exp); d > 1e-3 {
			tst.Errorf("Phi(%d)=%v, expected %v", i, s.At(i), exp)
		}
	}
}

const split = `time_units: generations
demes:
  - name: anc
    epochs:
      - start_size: 1000
        end_time: 500
  - name: A
    ancestors: [anc]
    epochs:
      - start_size: 1000
  - name: B
    ancestors: [anc]
    epochs:
      - start_size: 1000
`

func TestSplitMarginal(tst *testing.T) {
	g := parse(tst, split)
	s, err := New().Expected(g, []string{"A", "B"}, []int{6, 4}, 0)
	if err != nil {
		tst.Fatal(err)
	}
	for _, axis := range []int{0, 1} {
		m, err := s.Marginalize([]int{1 - axis})
		if err != nil {
			tst.Fatal(err)
		}
		n := m.SampleSizes()[0]
		for i := 1; i < n; i++ {
			if d := relDiff(m.At(i), 1/float64(i)); d > 1e-9 {
				tst.Errorf("axis %d: marginal Phi(%d)=%v, expected %v", axis, i, m.At(i), 1/float64(i))
			}
		}
	}
	// private polymorphisms exist after the split
	if s.At(0, 1) <= 0 || s.At(1, 0) <= 0 {
		tst.Error("No private polymorphisms")
	}
}

func TestSymmetricMigration(tst *testing.T) {
	text := split + "migrations:\n  - demes: [A, B]\n    rate: 1e-3\n"
	g := parse(tst, text)
	s, err := New().Expected(g, []string{"A", "B"}, []int{5, 5}, 0)
	if err != nil {
		tst.Fatal(err)
	}
	for i := 0; i <= 5; i++ {
		for j := 0; j <= 5; j++ {
			if d := math.Abs(s.At(i, j) - s.At(j, i)); d > 1e-10 {
				tst.Errorf("Asymmetric spectrum at %d,%d: %v vs %v", i, j, s.At(i, j), s.At(j, i))
			}
		}
	}
	noMig, _ := New().Expected(parse(tst, split), []string{"A", "B"}, []int{5, 5}, 0)
	// migration shares alleles between demes
	if !(s.At(1, 1) > noMig.At(1, 1)) || !(s.At(1, 0) < noMig.At(1, 0)) {
		tst.Error("Migration has no effect on shared polymorphism")
	}
	// sample order follows the requested populations
	r, err := New().Expected(g, []string{"B", "A"}, []int{5, 5}, 0)
	if err != nil {
		tst.Fatal(err)
	}
	if r.Pops[0] != "B" || math.Abs(r.At(2, 3)-s.At(3, 2)) > 1e-12 {
		tst.Error("Axes are not in the requested order")
	}
}

const splitBreak = `time_units: generations
demes:
  - name: anc
    epochs:
      - start_size: 1000
        end_time: 500
  - name: A
    ancestors: [anc]
    epochs:
      - start_size: 1000
  - name: B
    ancestors: [anc]
    epochs:
      - start_size: 1000
        end_time: 100
      - start_size: 1000
`

func TestEmptyPulse(tst *testing.T) {
	// the same time grid with and without the pulse
	text := split + "pulses:\n  - sources: [A]\n    dest: B\n    time: 100\n    proportions: [0]\n"
	s1, err := New().Expected(parse(tst, text), []string{"A", "B"}, []int{4, 4}, 0)
	if err != nil {
		tst.Fatal(err)
	}
	s2, err := New().Expected(parse(tst, splitBreak), []string{"A", "B"}, []int{4, 4}, 0)
	if err != nil {
		tst.Fatal(err)
	}
	for i := range s1.Data {
		if d := math.Abs(s1.Data[i] - s2.Data[i]); d > 1e-12 {
			tst.Errorf("Empty pulse changed entry %d: %v vs %v", i, s1.Data[i], s2.Data[i])
		}
	}
	full := strings.Replace(text, "proportions: [0]", "proportions: [1]", 1)
	s3, err := New().Expected(parse(tst, full), []string{"A", "B"}, []int{4, 4}, 0)
	if err != nil {
		tst.Fatal(err)
	}
	if s3.At(4, 0) >= s2.At(4, 0) {
		tst.Error("Complete replacement should reduce fixed differences")
	}
}

func TestUnsupported(tst *testing.T) {
	g := parse(tst, split)
	for _, pops := range [][]string{{"anc"}, {"C"}, {"A", "A"}} {
		ns := make([]int, len(pops))
		for i := range ns {
			ns[i] = 4
		}
		if _, err := New().Expected(g, pops, ns, 0); !errors.Is(err, ErrUnsupported) {
			tst.Errorf("%v: expected ErrUnsupported, got %v", pops, err)
		}
	}
}

func TestSequential(tst *testing.T) {
	q := sequential([]float64{0.2, 0.3})
	// weights after applying both pulses
	w1 := q[0] * (1 - q[1])
	w2 := q[1]
	if math.Abs(w1-0.2) > 1e-12 || math.Abs(w2-0.3) > 1e-12 {
		tst.Error("Wrong sequential proportions", q)
	}
}
