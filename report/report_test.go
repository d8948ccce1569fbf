package report

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/sfsinfer/demes"
	"bitbucket.org/Davydov/sfsinfer/output"
	"bitbucket.org/Davydov/sfsinfer/smodel"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

func init() {
	logging.SetLevel(logging.WARNING, "report")
	logging.SetLevel(logging.WARNING, "output")
	logging.SetLevel(logging.WARNING, "smodel")
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
      - start_size: 2000
`

func fixture(tst *testing.T) (*demes.Graph, *spectrum.Spectrum, *spectrum.Spectrum) {
	g, err := demes.Parse([]byte(split))
	if err != nil {
		tst.Fatal(err)
	}
	model, err := smodel.New().Expected(g, []string{"A", "B"}, []int{4, 6}, 10)
	if err != nil {
		tst.Fatal(err)
	}
	data := model.Copy()
	for i := range data.Data {
		if i%3 == 0 {
			data.Data[i] *= 1.2
		}
	}
	return g, model, data
}

func TestWrite(tst *testing.T) {
	g, model, data := fixture(tst)
	prefix := filepath.Join(tst.TempDir(), "fit")
	written, err := Write(prefix, model, data, g, false)
	if err != nil {
		tst.Fatal(err)
	}
	// two marginals with residuals, the heat map and the size history
	if len(written) != 6 {
		tst.Errorf("Expected 6 plots, got %v", written)
	}
	paths := Paths(prefix, data, true)
	if len(paths) != len(written) {
		tst.Fatalf("Paths %v differ from written %v", paths, written)
	}
	for i := range paths {
		if paths[i] != written[i] {
			tst.Errorf("Path %d is %s, written %s", i, paths[i], written[i])
		}
	}
	for _, path := range written {
		st, err := os.Stat(path)
		if err != nil {
			tst.Error(err)
			continue
		}
		if st.Size() == 0 {
			tst.Error("Empty plot", path)
		}
	}

	_, err = Write(prefix, model, data, g, false)
	if !errors.Is(err, output.ErrExists) {
		tst.Error("Expected ErrExists, got", err)
	}
	if _, err = Write(prefix, model, data, g, true); err != nil {
		tst.Error(err)
	}
}

func TestSaveFormat(tst *testing.T) {
	g, _, _ := fixture(tst)
	p, err := SizeHistory(g)
	if err != nil {
		tst.Fatal(err)
	}
	dir := tst.TempDir()
	if err := Save(p, filepath.Join(dir, "sizes.svg"), false); err != nil {
		tst.Error(err)
	}
	if err := Save(p, filepath.Join(dir, "sizes.unknown"), false); err == nil {
		tst.Error("Expected an error for unknown format")
	}
	if _, err := os.Stat(filepath.Join(dir, "sizes.unknown")); err == nil {
		tst.Error("File created for unknown format")
	}
}

func TestResiduals2DShape(tst *testing.T) {
	_, model, data := fixture(tst)
	m, err := model.Marginalize([]int{1})
	if err != nil {
		tst.Fatal(err)
	}
	d, err := data.Marginalize([]int{1})
	if err != nil {
		tst.Fatal(err)
	}
	if _, err := Residuals2D(m, d); !errors.Is(err, spectrum.ErrShape) {
		tst.Error("Expected ErrShape, got", err)
	}
}
