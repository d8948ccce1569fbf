package bootstrap

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

func init() {
	logging.SetLevel(logging.WARNING, "bootstrap")
}

func region(tst *testing.T, name string, l float64, vals ...float64) Region {
	s, err := spectrum.FromSampleSizes([]int{len(vals) - 1}, []string{"A"})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	copy(s.Data, vals)
	return Region{Name: name, Spectrum: s, L: l}
}

func TestBuildRegions(tst *testing.T) {
	regs := map[string]Region{
		"r1": region(tst, "r1", 10, 0, 1, 2, 0),
		"r3": region(tst, "r3", 30, 0, 3, 4, 0),
	}
	b := IntervalBuilderFunc(func(name string) (*spectrum.Spectrum, error) {
		r, ok := regs[name]
		if !ok {
			return nil, ErrEmptyInterval
		}
		return r.Spectrum, nil
	})
	lengths := map[string]float64{"r1": 10, "r2": 20, "r3": 30}
	res, err := BuildRegions(b, []string{"r1", "r2", "r3"}, lengths)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(res) != 2 || res[0].Name != "r1" || res[1].Name != "r3" || res[1].L != 30 {
		tst.Errorf("Wrong regions: %+v", res)
	}

	sum, err := Sum(res)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if sum.L != 40 || sum.Spectrum.At(1) != 4 || sum.Spectrum.At(2) != 6 {
		tst.Errorf("Wrong sum: %v %v", sum.L, sum.Spectrum.Data)
	}
	if res[0].Spectrum.At(1) != 1 {
		tst.Error("Sum modified the region spectrum")
	}

	fail := errors.New("broken")
	bad := IntervalBuilderFunc(func(string) (*spectrum.Spectrum, error) { return nil, fail })
	if _, err := BuildRegions(bad, []string{"r1"}, nil); !errors.Is(err, fail) {
		tst.Error("Expected builder error, got ", err)
	}
}

func TestResample(tst *testing.T) {
	regs := []Region{
		region(tst, "r1", 10, 0, 1, 0),
		region(tst, "r2", 20, 0, 2, 0),
		region(tst, "r3", 30, 0, 3, 0),
	}
	reps1, err := Resample(regs, 20, rand.New(rand.NewSource(1)))
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	reps2, _ := Resample(regs, 20, rand.New(rand.NewSource(1)))
	for i := range reps1 {
		// every region has L = 10 * sites
		if reps1[i].L != 10*reps1[i].Spectrum.At(1) {
			tst.Errorf("Replicate %d: L=%v, sites=%v", i, reps1[i].L, reps1[i].Spectrum.At(1))
		}
		if reps1[i].L != reps2[i].L {
			tst.Error("Resampling is not reproducible")
		}
		if reps1[i].L < 30 || reps1[i].L > 90 {
			tst.Errorf("Wrong replicate length %v", reps1[i].L)
		}
	}
	if _, err := Resample(nil, 3, rand.New(rand.NewSource(1))); !errors.Is(err, ErrNoRegions) {
		tst.Error("Expected ErrNoRegions, got ", err)
	}

	sum, err := Summarize(reps1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if sum.N != 20 || sum.LowerSites > sum.MeanSites || sum.UpperSites < sum.MeanSites {
		tst.Errorf("Wrong summary: %+v", sum)
	}
}

func TestStore(tst *testing.T) {
	st, err := OpenStore(filepath.Join(tst.TempDir(), "bs.db"))
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	defer st.Close()

	reps := []Replicate{
		{Spectrum: region(tst, "", 0, 0, 1.5, 2, 0).Spectrum, L: 100},
		{Spectrum: region(tst, "", 0, 0, 3, 4.25, 0).Spectrum},
	}
	if err := st.Save(reps); err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := st.Append(Replicate{Spectrum: region(tst, "", 0, 0, 7, 8, 0).Spectrum, L: 5}); err != nil {
		tst.Fatal("Error: ", err)
	}
	n, err := st.Len()
	if err != nil || n != 3 {
		tst.Errorf("Expected 3 replicates, got %v (%v)", n, err)
	}
	loaded, err := st.Load()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(loaded) != 3 {
		tst.Fatalf("Expected 3 replicates, got %d", len(loaded))
	}
	if loaded[0].L != 100 || loaded[0].Spectrum.At(1) != 1.5 || loaded[1].Spectrum.At(2) != 4.25 || loaded[2].L != 5 {
		tst.Errorf("Wrong replicates: %+v", loaded)
	}
	if loaded[0].Spectrum.Pops[0] != "A" {
		tst.Errorf("Population labels lost: %v", loaded[0].Spectrum.Pops)
	}

	// saving replaces
	if err := st.Save(reps[:1]); err != nil {
		tst.Fatal("Error: ", err)
	}
	if n, _ := st.Len(); n != 1 {
		tst.Errorf("Expected 1 replicate, got %d", n)
	}
}
