package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/sfsinfer/bootstrap"
	"bitbucket.org/Davydov/sfsinfer/config"
	"bitbucket.org/Davydov/sfsinfer/infer"
)

func init() {
	logging.SetLevel(logging.WARNING, "sfsinfer")
	logging.SetLevel(logging.WARNING, "spectrum")
}

func touch(tst *testing.T, dir string, names ...string) []string {
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
		if err := os.WriteFile(paths[i], nil, 0644); err != nil {
			tst.Fatal(err)
		}
	}
	return paths
}

func TestFitArgs(tst *testing.T) {
	p := touch(tst, tst.TempDir(), "g.yaml", "o.yaml", "d.fs", "n.yaml", "no.yaml")
	command, err := app.Parse([]string{"fit", "--graph", p[0], "--options", p[1], "--data", p[2],
		"--uL", "2.5", "--method", "powell", "--misid", "--uncerts", "GIM", "--bootstraps", "b.db",
		"--null-graph", p[3], "--null-options", p[4], "--nested", "m", "--fixed", "0"})
	if err != nil {
		tst.Fatal(err)
	}
	if command != fitCmd.FullCommand() {
		tst.Error("Wrong command", command)
	}
	c, err := fitArgs.config()
	if err != nil {
		tst.Fatal(err)
	}
	if c.MutationScaling() != 2.5 || c.Method != "powell" || !c.FitMisid || c.MisidGuess != 0.01 {
		tst.Error("Wrong fit settings", c)
	}
	if c.Uncerts != infer.GIM || c.Iterations != 1000 || c.Multiplier != 1.96 {
		tst.Error("Wrong uncertainty settings", c)
	}
	if c.LRT == nil || c.LRT.Nested[0] != "m" || c.LRT.Fixed[0] != 0 {
		tst.Error("Wrong test settings", c.LRT)
	}
}

func TestUncertsArgs(tst *testing.T) {
	p := touch(tst, tst.TempDir(), "g.yaml", "o.yaml", "d.fs")
	if _, err := app.Parse([]string{"uncerts", "--graph", p[0], "--options", p[1], "--data", p[2]}); err != nil {
		tst.Fatal(err)
	}
	c, err := uncertsArgs.config()
	if err != nil {
		tst.Fatal(err)
	}
	if c.Iterations != 0 || c.Uncerts != infer.FIM || c.LRT != nil {
		tst.Error("Wrong defaults", c)
	}

	if _, err := app.Parse([]string{"uncerts", "--graph", p[0], "--options", p[1], "--data", p[2], "--uncerts", "GIM"}); err != nil {
		tst.Fatal(err)
	}
	if _, err := uncertsArgs.config(); !errors.Is(err, config.ErrConfig) {
		tst.Error("Expected ErrConfig without bootstraps, got", err)
	}
}

func TestRegionBuilder(tst *testing.T) {
	dir := tst.TempDir()
	b := regionBuilder(filepath.Join(dir, "%s.fs"))
	if _, err := b.Build("chr1.region_0"); !errors.Is(err, bootstrap.ErrEmptyInterval) {
		tst.Error("Expected ErrEmptyInterval, got", err)
	}
	touch(tst, dir, "chr1.region_1.fs")
	if _, err := b.Build("chr1.region_1"); err == nil || errors.Is(err, bootstrap.ErrEmptyInterval) {
		tst.Error("Expected a parse error, got", err)
	}
}
