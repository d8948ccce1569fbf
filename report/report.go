// Package report draws model fit plots: marginal spectra of model and
// data, Poisson residuals and deme size histories.
package report

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/op/go-logging"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"bitbucket.org/Davydov/sfsinfer/demes"
	"bitbucket.org/Davydov/sfsinfer/output"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

// log is the global logging variable.
var log = logging.MustGetLogger("report")

// Width and Height are the plot dimensions.
var (
	Width  = 6 * vg.Inch
	Height = 4 * vg.Inch
)

// Save writes a plot all-or-nothing; the format is taken from the
// extension (png, svg, pdf, eps, jpg, tif).
func Save(p *plot.Plot, path string, overwrite bool) error {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	wt, err := p.WriterTo(Width, Height, format)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return output.WriteFile(path, overwrite, func(w io.Writer) error {
		_, err := wt.WriteTo(w)
		return err
	})
}

// points returns unmasked entries of a one-dimensional spectrum.
func points(s *spectrum.Spectrum, positive bool) plotter.XYs {
	var pts plotter.XYs
	for i, v := range s.Data {
		if s.Mask[i] || math.IsNaN(v) || math.IsInf(v, 0) || (positive && v <= 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i), Y: v})
	}
	return pts
}

// marginal returns the spectrum of axis i.
func marginal(s *spectrum.Spectrum, i int) (*spectrum.Spectrum, error) {
	if s.Dim() == 1 {
		return s, nil
	}
	var over []int
	for k := 0; k < s.Dim(); k++ {
		if k != i {
			over = append(over, k)
		}
	}
	return s.Marginalize(over)
}

func popName(s *spectrum.Spectrum, i int) string {
	if i < len(s.Pops) {
		return s.Pops[i]
	}
	return fmt.Sprintf("pop%d", i)
}

// Comparison1D plots the marginal spectrum of axis i for the model and
// the data on a log scale, with the residuals below.
func Comparison1D(model, data *spectrum.Spectrum, i int) (*plot.Plot, *plot.Plot, error) {
	mm, err := marginal(model, i)
	if err != nil {
		return nil, nil, err
	}
	dm, err := marginal(data, i)
	if err != nil {
		return nil, nil, err
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Marginal spectrum of %s", popName(data, i))
	p.X.Label.Text = "derived allele count"
	p.Y.Label.Text = "sites"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	if err := plotutil.AddLinePoints(p, "model", points(mm, true), "data", points(dm, true)); err != nil {
		return nil, nil, err
	}

	res, err := spectrum.LinearResiduals(mm, dm)
	if err != nil {
		return nil, nil, err
	}
	r := plot.New()
	r.Title.Text = "Residuals"
	r.X.Label.Text = "derived allele count"
	r.Y.Label.Text = "(model - data) / sqrt(model)"
	sc, err := plotter.NewScatter(points(res, false))
	if err != nil {
		return nil, nil, err
	}
	r.Add(sc, plotter.NewGrid())
	return p, r, nil
}

// residualGrid is a two-dimensional spectrum as plotter.GridXYZ.
type residualGrid struct {
	s *spectrum.Spectrum
}

func (g residualGrid) Dims() (c, r int) {
	return g.s.Shape[0], g.s.Shape[1]
}

func (g residualGrid) Z(c, r int) float64 {
	if g.s.Masked(c, r) {
		return math.NaN()
	}
	return g.s.At(c, r)
}

func (g residualGrid) X(c int) float64 {
	return float64(c)
}

func (g residualGrid) Y(r int) float64 {
	return float64(r)
}

// Residuals2D draws the residuals of a two-dimensional spectrum as a
// heat map.
func Residuals2D(model, data *spectrum.Spectrum) (*plot.Plot, error) {
	if data.Dim() != 2 {
		return nil, fmt.Errorf("%w: residual heat map needs two dimensions", spectrum.ErrShape)
	}
	res, err := spectrum.LinearResiduals(model, data)
	if err != nil {
		return nil, err
	}
	max := 0.0
	for i, v := range res.Data {
		if !res.Mask[i] && !math.IsNaN(v) {
			max = math.Max(max, math.Abs(v))
		}
	}
	if max == 0 {
		max = 1
	}
	cm := moreland.SmoothBlueRed()
	cm.SetMin(-max)
	cm.SetMax(max)
	hm := plotter.NewHeatMap(residualGrid{res}, cm.Palette(255))
	hm.Min, hm.Max = -max, max
	hm.NaN = color.Gray{Y: 0xdd}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Residuals (max |r| = %.3g)", max)
	p.X.Label.Text = popName(data, 0)
	p.Y.Label.Text = popName(data, 1)
	p.Add(hm)
	return p, nil
}

// SizeHistory plots the sizes of all demes against time.
func SizeHistory(g *demes.Graph) (*plot.Plot, error) {
	tmax := 0.0
	for _, d := range g.Demes {
		if !math.IsInf(d.StartTime, 1) {
			tmax = math.Max(tmax, d.StartTime)
		}
		for _, e := range d.Epochs {
			if !math.IsInf(e.StartTime, 1) {
				tmax = math.Max(tmax, e.StartTime)
			}
		}
	}
	if tmax == 0 {
		tmax = 1
	}
	tmax *= 1.2

	const steps = 200
	times := make([]float64, steps+1)
	for i := range times {
		times[i] = tmax * float64(i) / steps
	}

	p := plot.New()
	p.Title.Text = "Size history"
	p.X.Label.Text = "generations ago"
	p.Y.Label.Text = "size"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	var lines []interface{}
	for _, name := range g.Names() {
		sizes, err := g.SizeHistory(name, times)
		if err != nil {
			return nil, err
		}
		var pts plotter.XYs
		for i, s := range sizes {
			if !math.IsNaN(s) && s > 0 {
				pts = append(pts, plotter.XY{X: times[i], Y: s})
			}
		}
		if len(pts) > 0 {
			lines = append(lines, name, pts)
		}
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return nil, err
	}
	p.Legend.Top = true
	return p, nil
}

func marginalPath(prefix string, data *spectrum.Spectrum, i int) string {
	return fmt.Sprintf("%s_marginal_%s.png", prefix, popName(data, i))
}

func residualsPath(prefix string, data *spectrum.Spectrum, i int) string {
	return fmt.Sprintf("%s_residuals_%s.png", prefix, popName(data, i))
}

// Paths returns the files Write creates for data. Sizes selects the
// size history plot.
func Paths(prefix string, data *spectrum.Spectrum, sizes bool) []string {
	var paths []string
	for i := 0; i < data.Dim(); i++ {
		paths = append(paths, marginalPath(prefix, data, i), residualsPath(prefix, data, i))
	}
	if data.Dim() == 2 {
		paths = append(paths, prefix+"_residuals_2d.png")
	}
	if sizes {
		paths = append(paths, prefix+"_sizes.png")
	}
	return paths
}

// Write draws all plots for a fitted model and writes them with the
// given path prefix. It returns the written paths.
func Write(prefix string, model, data *spectrum.Spectrum, g *demes.Graph, overwrite bool) ([]string, error) {
	var written []string
	save := func(p *plot.Plot, path string) error {
		if err := Save(p, path, overwrite); err != nil {
			return err
		}
		written = append(written, path)
		return nil
	}
	for i := 0; i < data.Dim(); i++ {
		p, r, err := Comparison1D(model, data, i)
		if err != nil {
			return written, err
		}
		if err := save(p, marginalPath(prefix, data, i)); err != nil {
			return written, err
		}
		if err := save(r, residualsPath(prefix, data, i)); err != nil {
			return written, err
		}
	}
	if data.Dim() == 2 {
		p, err := Residuals2D(model, data)
		if err != nil {
			return written, err
		}
		if err := save(p, prefix+"_residuals_2d.png"); err != nil {
			return written, err
		}
	}
	if g != nil {
		p, err := SizeHistory(g)
		if err != nil {
			return written, err
		}
		if err := save(p, prefix+"_sizes.png"); err != nil {
			return written, err
		}
	}
	log.Infof("Wrote %d plots", len(written))
	return written, nil
}
