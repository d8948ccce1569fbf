// Package bootstrap builds bootstrap replicate spectra by resampling
// independent genomic regions and stores them in a bolt database.
package bootstrap

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/montanaflynn/stats"
	"github.com/op/go-logging"

	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// log is the global logging variable.
var log = logging.MustGetLogger("bootstrap")

// ErrEmptyInterval is returned by an IntervalBuilder for a region
// without data. Such regions are skipped.
var ErrEmptyInterval = errors.New("empty interval")

// ErrNoRegions is returned when there is nothing to resample.
var ErrNoRegions = errors.New("no regions")

// Replicate is a bootstrap spectrum with its callable length. L is
// zero when unknown.
type Replicate struct {
	Spectrum *spectrum.Spectrum
	L        float64
}

// Region is the spectrum of one genomic region.
type Region struct {
	Name     string
	Spectrum *spectrum.Spectrum
	L        float64
}

// IntervalBuilder constructs the spectrum of a region.
type IntervalBuilder interface {
	Build(region string) (*spectrum.Spectrum, error)
}

// IntervalBuilderFunc is a function implementing IntervalBuilder.
type IntervalBuilderFunc func(region string) (*spectrum.Spectrum, error)

// Build calls f.
func (f IntervalBuilderFunc) Build(region string) (*spectrum.Spectrum, error) {
	return f(region)
}

// BuildRegions builds spectra for names. Regions reported empty are
// skipped, any other error is returned. If lengths is not nil every
// built region needs an entry.
func BuildRegions(b IntervalBuilder, names []string, lengths map[string]float64) ([]Region, error) {
	var res []Region
	for _, name := range names {
		s, err := b.Build(name)
		if errors.Is(err, ErrEmptyInterval) {
			log.Infof("Region %s is empty, skipping", name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", name, err)
		}
		r := Region{Name: name, Spectrum: s}
		if lengths != nil {
			l, ok := lengths[name]
			if !ok {
				return nil, fmt.Errorf("region %s: no length", name)
			}
			r.L = l
		}
		if len(res) > 0 && !res[0].Spectrum.SameShape(s) {
			return nil, fmt.Errorf("region %s: %w: %v vs %v", name, spectrum.ErrShape, s.Shape, res[0].Spectrum.Shape)
		}
		res = append(res, r)
	}
	log.Infof("Built %d of %d regions", len(res), len(names))
	return res, nil
}

// Sum returns the sum of region spectra and lengths.
func Sum(regions []Region) (Replicate, error) {
	if len(regions) == 0 {
		return Replicate{}, ErrNoRegions
	}
	total := regions[0].Spectrum.Copy()
	l := regions[0].L
	for _, r := range regions[1:] {
		if err := total.Add(r.Spectrum); err != nil {
			return Replicate{}, fmt.Errorf("region %s: %w", r.Name, err)
		}
		l += r.L
	}
	return Replicate{Spectrum: total, L: l}, nil
}

// Resample creates n replicates; each sums len(regions) regions drawn
// with replacement.
func Resample(regions []Region, n int, rng *rand.Rand) ([]Replicate, error) {
	if len(regions) == 0 {
		return nil, ErrNoRegions
	}
	reps := make([]Replicate, n)
	draw := make([]Region, len(regions))
	for i := range reps {
		for j := range draw {
			draw[j] = regions[rng.Intn(len(regions))]
		}
		rep, err := Sum(draw)
		if err != nil {
			return nil, err
		}
		reps[i] = rep
	}
	log.Debugf("Created %d bootstrap replicates from %d regions", n, len(regions))
	return reps, nil
}

// Summary describes the variability of the replicates.
type Summary struct {
	N          int     `json:"n"`
	MeanSites  float64 `json:"meanSegregatingSites"`
	SdSites    float64 `json:"sdSegregatingSites"`
	LowerSites float64 `json:"lowerSegregatingSites"`
	UpperSites float64 `json:"upperSegregatingSites"`
	MeanL      float64 `json:"meanL,omitempty"`
}

// Summarize computes the mean, the standard deviation and the 2.5 and
// 97.5 percentiles of the number of segregating sites.
func Summarize(reps []Replicate) (Summary, error) {
	if len(reps) == 0 {
		return Summary{}, ErrNoRegions
	}
	sites := make(stats.Float64Data, len(reps))
	ls := make(stats.Float64Data, len(reps))
	for i, r := range reps {
		sites[i] = r.Spectrum.SegregatingSites()
		ls[i] = r.L
	}
	s := Summary{N: len(reps)}
	var err error
	if s.MeanSites, err = sites.Mean(); err != nil {
		return s, err
	}
	if len(reps) > 1 {
		if s.SdSites, err = sites.StandardDeviationSample(); err != nil {
			return s, err
		}
	}
	if s.LowerSites, err = sites.PercentileNearestRank(2.5); err != nil {
		return s, err
	}
	if s.UpperSites, err = sites.PercentileNearestRank(97.5); err != nil {
		return s, err
	}
	if s.MeanL, err = ls.Mean(); err != nil {
		return s, err
	}
	return s, nil
}
