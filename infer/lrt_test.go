package infer

import (
	"errors"
	"math"
	"testing"
)

func TestNestedPoint(tst *testing.T) {
	alt := []string{"a", "b", "c"}
	x, err := nestedPoint(alt, []string{"a", "c"}, []int{1}, []float64{5}, []float64{1, 3})
	if err != nil {
		tst.Fatal(err)
	}
	if x[0] != 1 || x[1] != 5 || x[2] != 3 {
		tst.Error("Wrong point", x)
	}
	tests := []struct {
		null  []string
		idx   []int
		fixed []float64
	}{
		{[]string{"a", "c"}, []int{1}, []float64{5, 6}},
		{[]string{"a"}, []int{1}, []float64{5}},
		{[]string{"a", "b"}, []int{1}, []float64{5}},
		{[]string{"a", "c"}, []int{3}, []float64{5}},
	}
	for i, t := range tests {
		if _, err := nestedPoint(alt, t.null, t.idx, t.fixed, make([]float64, len(t.null))); !errors.Is(err, ErrConsistency) {
			tst.Errorf("case %d: expected ErrConsistency, got %v", i, err)
		}
	}
}

func TestLRTIdentical(tst *testing.T) {
	data := toyData(tst, toyUL)
	alt := toyHypothesis(tst, toyOptions, nil)
	null := toyHypothesis(tst, toyOptions, nil)
	res, err := LRT(&toy{}, alt, null, data, toyUL, LRTOptions{})
	if err != nil {
		tst.Fatal(err)
	}
	if res.D != 0 || res.PValue != 1 || res.Adjust != 1 || res.K != 0 {
		tst.Error("Wrong identical model test", res)
	}
}

func TestLRTConsistency(tst *testing.T) {
	ev := &toy{}
	data := toyData(tst, toyUL)
	alt := toyHypothesis(tst, toyOptions, nil)
	null := toyHypothesis(tst, toyNullOptions, nil)
	cases := []LRTOptions{
		{Nested: []string{"N_x"}, Fixed: []float64{1000}},
		{Nested: []string{"N_anc"}, Fixed: []float64{1000, 2}},
		{Nested: []string{"N_cur"}, Fixed: []float64{1000}},
		{},
	}
	for i, lo := range cases {
		// no bootstraps are given; the check comes first
		if _, err := LRT(ev, alt, null, data, toyUL, lo); !errors.Is(err, ErrConsistency) {
			tst.Errorf("case %d: expected ErrConsistency, got %v", i, err)
		}
	}
	if ev.calls != 0 {
		tst.Error("Model evaluated before the consistency check")
	}
}

func TestLRTNested(tst *testing.T) {
	data := toyData(tst, toyUL)
	alt := toyHypothesis(tst, toyOptions, nil)
	null := toyHypothesis(tst, toyNullOptions, nil)
	lo := LRTOptions{Nested: []string{"N_anc"}, Fixed: []float64{trueNA}}
	if _, err := LRT(&toy{}, alt, null, data, toyUL, lo); !errors.Is(err, ErrNoBootstraps) {
		tst.Error("Expected ErrNoBootstraps, got", err)
	}

	lo.Bootstraps = overdispersed(data, 50, 2)
	res, err := LRT(&toy{}, alt, null, data, toyUL, lo)
	if err != nil {
		tst.Fatal(err)
	}
	if res.K != 1 || res.KBoundary != 0 || len(res.Weights) != 1 {
		tst.Error("Wrong mixture", res.K, res.KBoundary, res.Weights)
	}
	// replicate variance is four times the Poisson variance
	if !(res.Adjust > 0.1 && res.Adjust < 0.6) {
		tst.Error("Wrong adjustment", res.Adjust)
	}
	if math.Abs(float64(res.D)) > 1e-9 || res.PValue != 1 {
		tst.Error("Wrong statistic for equal fits", res.D, res.PValue)
	}

	// a worse null gives a positive statistic
	worse := toyHypothesis(tst, toyNullOptions, map[string]float64{"demes.A.epochs.1.start_size": 2500})
	lo.Fixed = []float64{trueNA}
	res, err = LRT(&toy{}, alt, worse, data, toyUL, lo)
	if err != nil {
		tst.Fatal(err)
	}
	if !(res.D > 0) || !(res.DAdj < res.D) || !(res.PValue < 1 && res.PValue > 0) {
		tst.Error("Wrong test against a worse null", res.D, res.DAdj, res.PValue)
	}

	// fixing at the bound yields a mixture
	lo.Fixed = []float64{10}
	res, err = LRT(&toy{}, alt, null, data, toyUL, lo)
	if err != nil {
		tst.Fatal(err)
	}
	if res.KBoundary != 1 || len(res.Weights) != 2 || math.Abs(res.Weights[0]-0.5) > 1e-12 {
		tst.Error("Wrong boundary mixture", res.KBoundary, res.Weights)
	}
}
