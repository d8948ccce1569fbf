package main

import (
	"errors"
	"os"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"bitbucket.org/Davydov/sfsinfer/config"
	"bitbucket.org/Davydov/sfsinfer/infer"
	"bitbucket.org/Davydov/sfsinfer/smodel"
)

// signals stop optimization keeping the best point.
var signals = []os.Signal{os.Interrupt, syscall.SIGTERM}

var (
	runCmd    = app.Command("run", "run the analysis described by a configuration file")
	runConfig = runCmd.Arg("config", "workflow configuration (TOML)").Required().ExistingFile()

	fitCmd  = app.Command("fit", "fit model parameters")
	fitArgs = newWorkflowArgs(fitCmd, "1000", "")

	uncertsCmd  = app.Command("uncerts", "estimate uncertainties of a fitted model")
	uncertsArgs = newWorkflowArgs(uncertsCmd, "0", infer.FIM)
)

// workflowArgs are command-line equivalents of config.Config.
type workflowArgs struct {
	graph, options, data, out *string

	u, l, uL *float64

	method     *string
	iterations *int
	misid      *bool
	misidGuess *float64
	perturb    *float64
	seed       *int64
	linear     *bool
	trajectory *string
	checkpoint *string

	uncerts       *string
	eps           *float64
	bootstraps    *string
	minBootstraps *int
	multiplier    *float64
	ciLog         *string
	plotPrefix    *string
	overwrite     *bool
	steps         *int

	nullGraph   *string
	nullOptions *string
	nullMisid   *bool
	nested      *[]string
	fixed       *[]float64
	weights     *[]float64
}

func newWorkflowArgs(cmd *kingpin.CmdClause, iterations, uncerts string) *workflowArgs {
	return &workflowArgs{
		graph:   cmd.Flag("graph", "demes graph").Required().ExistingFile(),
		options: cmd.Flag("options", "parameter options").Required().ExistingFile(),
		data:    cmd.Flag("data", "observed spectrum").Required().ExistingFile(),
		out:     cmd.Flag("out", "write fitted graph to a file").String(),

		u:  cmd.Flag("u", "mutation rate per site and generation").Float64(),
		l:  cmd.Flag("L", "number of callable sites").Float64(),
		uL: cmd.Flag("uL", "mutation rate scaling u*L (multinomial likelihood if not given)").Float64(),

		method: cmd.Flag("method", "optimization method "+
			"(fmin/simplex: downhill simplex, powell: Powell's method, "+
			"lbfgsb: L-BFGS-B, bfgs: BFGS for optima inside the bounds, none: just compute likelihood)").
			Default("fmin").Enum("fmin", "simplex", "powell", "lbfgsb", "bfgs", "none"),
		iterations: cmd.Flag("iter", "number of iterations").Default(iterations).Int(),
		misid:      cmd.Flag("misid", "fit ancestral misidentification").Bool(),
		misidGuess: cmd.Flag("misid-guess", "initial misidentification probability").Default("0.01").Float64(),
		perturb:    cmd.Flag("perturb", "perturb initial values by this fold").Float64(),
		seed:       cmd.Flag("seed", "random generator seed").Int64(),
		linear:     cmd.Flag("linear", "optimize in linear scale").Bool(),
		trajectory: cmd.Flag("trajectory", "write optimization trajectory to a file").String(),
		checkpoint: cmd.Flag("checkpoint", "checkpoint database").String(),

		uncerts: cmd.Flag("uncerts", "uncertainty method (FIM or GIM)").
			Default(uncerts).Enum("", infer.FIM, infer.GIM),
		eps:           cmd.Flag("eps", "relative finite difference step").Default("0.01").Float64(),
		bootstraps:    cmd.Flag("bootstraps", "bootstrap replicates database").String(),
		minBootstraps: cmd.Flag("min-bootstraps", "minimal recommended number of replicates").Default("10").Int(),
		multiplier:    cmd.Flag("ci", "standard error multiplier for confidence intervals").Default("1.96").Float64(),
		ciLog:         cmd.Flag("ci-log", "write the table of estimates to a file").String(),
		plotPrefix:    cmd.Flag("plot", "write plots with this prefix").String(),
		overwrite:     cmd.Flag("overwrite", "overwrite existing output files").Bool(),
		steps:         cmd.Flag("steps", "integration steps per epoch").Default("100").Int(),

		nullGraph:   cmd.Flag("null-graph", "null model graph for the likelihood ratio test").ExistingFile(),
		nullOptions: cmd.Flag("null-options", "null model options").ExistingFile(),
		nullMisid:   cmd.Flag("null-misid", "fit ancestral misidentification in the null model").Bool(),
		nested:      cmd.Flag("nested", "parameter fixed in the null model (repeatable)").Strings(),
		fixed:       cmd.Flag("fixed", "value of the nested parameter (repeatable)").Float64List(),
		weights:     cmd.Flag("weight", "chi-square mixture weight (repeatable)").Float64List(),
	}
}

// config converts the arguments into a workflow configuration.
func (a *workflowArgs) config() (*config.Config, error) {
	c := config.Default()
	c.Graph, c.Options, c.Data, c.Output = *a.graph, *a.options, *a.data, *a.out
	c.U, c.L, c.UL = *a.u, *a.l, *a.uL
	c.Method = *a.method
	c.Iterations = *a.iterations
	c.FitMisid = *a.misid
	if c.FitMisid {
		c.MisidGuess = *a.misidGuess
	}
	c.Perturb = *a.perturb
	c.Seed = *a.seed
	c.Linear = *a.linear
	c.Trajectory = *a.trajectory
	c.Checkpoint = *a.checkpoint
	c.Uncerts = *a.uncerts
	c.Eps = *a.eps
	c.Bootstraps = *a.bootstraps
	c.MinBootstraps = *a.minBootstraps
	c.Multiplier = *a.multiplier
	c.CILog = *a.ciLog
	c.PlotPrefix = *a.plotPrefix
	c.Overwrite = *a.overwrite
	c.Workers = *nThreads
	if *a.nullGraph != "" || *a.nullOptions != "" {
		c.LRT = &config.LRT{
			Graph:    *a.nullGraph,
			Options:  *a.nullOptions,
			FitMisid: *a.nullMisid,
			Nested:   *a.nested,
			Fixed:    *a.fixed,
			Weights:  *a.weights,
		}
		if c.LRT.FitMisid {
			c.LRT.Misid = *a.misidGuess
		}
	}
	return c, c.Validate()
}

func (a *workflowArgs) run() (*infer.WorkflowResult, error) {
	c, err := a.config()
	if err != nil {
		return nil, err
	}
	ev := smodel.New()
	ev.StepsPerEpoch = *a.steps
	return workflow(c, ev)
}

func runWorkflow() (*infer.WorkflowResult, error) {
	c, err := config.Load(*runConfig)
	if err != nil {
		return nil, err
	}
	return workflow(c, smodel.New())
}

func workflow(c *config.Config, ev infer.Evaluator) (*infer.WorkflowResult, error) {
	res, err := infer.Workflow(c, ev, signals...)
	if errors.Is(err, infer.ErrSingular) {
		log.Warning(err)
		return res, nil
	}
	return res, err
}
