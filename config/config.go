// Package config implements the inference workflow configuration
// record read from TOML files.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrConfig is returned for invalid configurations.
var ErrConfig = errors.New("invalid configuration")

// Config describes a fit, its uncertainty estimation and an optional
// likelihood ratio test.
type Config struct {
	Graph   string `toml:"graph"`
	Options string `toml:"options"`
	Data    string `toml:"data"`
	// Output is the path of the fitted graph.
	Output string `toml:"output"`

	U  float64 `toml:"u"`
	L  float64 `toml:"L"`
	UL float64 `toml:"uL"`

	Method     string  `toml:"method"`
	Iterations int     `toml:"iterations"`
	FitMisid   bool    `toml:"fit_ancestral_misid"`
	MisidGuess float64 `toml:"misid_guess"`
	Perturb    float64 `toml:"perturb"`
	Seed       int64   `toml:"seed"`
	Linear     bool    `toml:"linear_scale"`
	Trajectory string  `toml:"trajectory"`
	Checkpoint string  `toml:"checkpoint"`

	Uncerts       string  `toml:"uncerts"`
	Eps           float64 `toml:"eps"`
	Bootstraps    string  `toml:"bootstraps"`
	MinBootstraps int     `toml:"min_bootstraps"`
	Multiplier    float64 `toml:"ci_multiplier"`
	CILog         string  `toml:"ci_log"`

	PlotPrefix string `toml:"plot_prefix"`
	Summary    string `toml:"summary"`
	Overwrite  bool   `toml:"overwrite"`
	Workers    int    `toml:"workers"`

	LRT *LRT `toml:"lrt"`
}

// LRT describes the null model of a likelihood ratio test against the
// fitted model.
type LRT struct {
	Graph    string    `toml:"graph"`
	Options  string    `toml:"options"`
	FitMisid bool      `toml:"fit_ancestral_misid"`
	Misid    float64   `toml:"misid"`
	Nested   []string  `toml:"nested"`
	Fixed    []float64 `toml:"fixed"`
	Weights  []float64 `toml:"weights"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Method:     "fmin",
		Iterations: 1000,
		Multiplier: 1.96,
		Eps:        0.01,
	}
}

// Load reads a configuration file. Relative paths are resolved
// against the directory of the file.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrConfig, err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		keys := make([]string, len(und))
		for i, k := range und {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: %w: unknown keys %s", path, ErrConfig, strings.Join(keys, ", "))
	}
	c.resolve(filepath.Dir(path))
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func resolvePath(dir string, p *string) {
	if *p != "" && !filepath.IsAbs(*p) {
		*p = filepath.Join(dir, *p)
	}
}

func (c *Config) resolve(dir string) {
	for _, p := range []*string{&c.Graph, &c.Options, &c.Data, &c.Output,
		&c.Trajectory, &c.Checkpoint, &c.Bootstraps, &c.CILog, &c.PlotPrefix, &c.Summary} {
		resolvePath(dir, p)
	}
	if c.LRT != nil {
		resolvePath(dir, &c.LRT.Graph)
		resolvePath(dir, &c.LRT.Options)
	}
}

// MutationScaling returns uL, either given or computed as u*L. Zero
// selects the multinomial likelihood.
func (c *Config) MutationScaling() float64 {
	if c.UL > 0 {
		return c.UL
	}
	return c.U * c.L
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Graph == "" || c.Options == "" || c.Data == "":
		return fmt.Errorf("%w: graph, options and data are required", ErrConfig)
	case c.UL > 0 && c.U*c.L > 0 && c.UL != c.U*c.L:
		return fmt.Errorf("%w: both uL and u*L are given and differ", ErrConfig)
	case c.UL < 0 || c.U < 0 || c.L < 0:
		return fmt.Errorf("%w: negative mutation scaling", ErrConfig)
	case c.Iterations < 0:
		return fmt.Errorf("%w: negative number of iterations", ErrConfig)
	case c.MisidGuess < 0 || c.MisidGuess >= 0.5:
		return fmt.Errorf("%w: misid_guess must be in [0, 0.5)", ErrConfig)
	case c.Uncerts != "" && c.Uncerts != "FIM" && c.Uncerts != "GIM":
		return fmt.Errorf("%w: uncerts must be FIM or GIM", ErrConfig)
	case c.Uncerts == "GIM" && c.Bootstraps == "":
		return fmt.Errorf("%w: GIM requires bootstraps", ErrConfig)
	case c.Multiplier <= 0:
		return fmt.Errorf("%w: ci_multiplier must be positive", ErrConfig)
	}
	if c.LRT != nil {
		switch {
		case c.LRT.Graph == "" || c.LRT.Options == "":
			return fmt.Errorf("%w: lrt needs graph and options", ErrConfig)
		case len(c.LRT.Nested) != len(c.LRT.Fixed):
			return fmt.Errorf("%w: lrt nested and fixed differ in length", ErrConfig)
		case len(c.LRT.Nested) > 0 && c.Bootstraps == "":
			return fmt.Errorf("%w: lrt requires bootstraps", ErrConfig)
		}
	}
	return nil
}
