package infer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bitbucket.org/Davydov/sfsinfer/bootstrap"
	"bitbucket.org/Davydov/sfsinfer/config"
	"bitbucket.org/Davydov/sfsinfer/output"
)

func writeInputs(tst *testing.T, dir string) {
	files := map[string]string{
		"graph.yaml":   toyGraph,
		"options.yaml": toyOptions,
		"null.yaml":    toyNullOptions,
	}
	for name, text := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0644); err != nil {
			tst.Fatal(err)
		}
	}
	data := toyData(tst, toyUL)
	if err := data.Save(filepath.Join(dir, "data.fs"), false); err != nil {
		tst.Fatal(err)
	}
	st, err := bootstrap.OpenStore(filepath.Join(dir, "boot.db"))
	if err != nil {
		tst.Fatal(err)
	}
	defer st.Close()
	if err := st.Save(overdispersed(data, 20, 3)); err != nil {
		tst.Fatal(err)
	}
}

const workflowConfig = `graph = "graph.yaml"
options = "options.yaml"
data = "data.fs"
output = "fit.yaml"
uL = %v
iterations = 3000
uncerts = "GIM"
bootstraps = "boot.db"
ci_log = "ci.tsv"
plot_prefix = "plots/fit"
summary = "summary.json"
checkpoint = "checkpoint.db"

[lrt]
graph = "graph.yaml"
options = "null.yaml"
nested = ["N_anc"]
fixed = [1000]
`

func TestWorkflow(tst *testing.T) {
	dir := tst.TempDir()
	writeInputs(tst, dir)
	if err := os.Mkdir(filepath.Join(dir, "plots"), 0755); err != nil {
		tst.Fatal(err)
	}
	path := filepath.Join(dir, "run.toml")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(workflowConfig, toyUL)), 0644); err != nil {
		tst.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		tst.Fatal(err)
	}

	res, err := Workflow(cfg, &toy{})
	if err != nil {
		tst.Fatal(err)
	}
	if relErr(res.Fit.Values[0], trueNA) > 1e-2 || relErr(res.Fit.Values[1], trueNC) > 1e-2 {
		tst.Error("Wrong estimates", res.Fit.Values)
	}
	if res.Uncerts == nil || res.Uncerts.Bootstraps != 20 {
		tst.Error("No GIM estimates", res.Uncerts)
	}
	if res.LRT == nil || res.NullFit == nil || !(res.LRT.PValue > 0.5) {
		tst.Error("Wrong test result", res.LRT)
	}
	// marginal, residuals and size history
	if len(res.Plots) != 3 {
		tst.Error("Wrong plots", res.Plots)
	}
	for _, name := range []string{"fit.yaml", "ci.tsv", "summary.json", "checkpoint.db"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			tst.Error(err)
		}
	}
	b, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		tst.Fatal(err)
	}
	var summary map[string]interface{}
	if err := json.Unmarshal(b, &summary); err != nil {
		tst.Fatal(err)
	}
	if _, ok := summary["lrt"]; !ok {
		tst.Error("No test in the summary")
	}

	// existing outputs are detected before fitting
	ev := &toy{}
	if _, err := Workflow(cfg, ev); !errors.Is(err, output.ErrExists) {
		tst.Error("Expected ErrExists, got", err)
	}
	if ev.calls != 0 {
		tst.Error("Model evaluated before the output check")
	}

	// a final checkpoint resumes without iterations
	cfg.Overwrite = true
	res2, err := Workflow(cfg, &toy{})
	if err != nil {
		tst.Fatal(err)
	}
	if res2.Fit.Iterations != 0 {
		tst.Error("Fit not resumed from the final checkpoint", res2.Fit.Iterations)
	}
	if relErr(res2.Fit.Values[0], res.Fit.Values[0]) > 1e-9 {
		tst.Error("Resumed values differ", res2.Fit.Values, res.Fit.Values)
	}
}

func TestWorkflowChecksFirst(tst *testing.T) {
	dir := tst.TempDir()
	writeInputs(tst, dir)
	if err := os.Mkdir(filepath.Join(dir, "plots"), 0755); err != nil {
		tst.Fatal(err)
	}
	load := func(text string) *config.Config {
		path := filepath.Join(dir, "run.toml")
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			tst.Fatal(err)
		}
		cfg, err := config.Load(path)
		if err != nil {
			tst.Fatal(err)
		}
		return cfg
	}
	base := fmt.Sprintf(workflowConfig, toyUL)

	for _, lrt := range []struct{ from, to string }{
		{`nested = ["N_anc"]`, `nested = ["no_such"]`},
		{`options = "null.yaml"`, `options = "options.yaml"`},
	} {
		ev := &toy{}
		cfg := load(strings.Replace(base, lrt.from, lrt.to, 1))
		if _, err := Workflow(cfg, ev); !errors.Is(err, ErrConsistency) {
			tst.Errorf("Expected ErrConsistency for %s, got %v", lrt.to, err)
		}
		if ev.calls != 0 {
			tst.Errorf("Model evaluated %d times before the nesting check", ev.calls)
		}
	}

	plot := filepath.Join(dir, "plots", "fit_sizes.png")
	if err := os.WriteFile(plot, []byte("png"), 0644); err != nil {
		tst.Fatal(err)
	}
	ev := &toy{}
	if _, err := Workflow(load(base), ev); !errors.Is(err, output.ErrExists) {
		tst.Error("Expected ErrExists for an existing plot, got", err)
	}
	if ev.calls != 0 {
		tst.Errorf("Model evaluated %d times before the plot check", ev.calls)
	}
	for _, name := range []string{"fit.yaml", "summary.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			tst.Error("Output written after a failed check:", name)
		}
	}
}
