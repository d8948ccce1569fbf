/*

Sfsinfer fits demographic models to allele frequency spectra. A model
is a demes graph with free parameters declared in an options file.
Parameters are estimated by maximum likelihood (Poisson with known
mutation rate scaling uL, multinomial otherwise), their uncertainty is
computed from the Fisher (FIM) or the Godambe (GIM) information, and
nested models are compared with an adjusted likelihood ratio test.

A complete analysis is described by a TOML file:

	sfsinfer run analysis.toml

A single fit can be run from the command line:

	sfsinfer fit --graph model.yaml --options options.yaml --data data.fs --uL 1.2

Bootstrap replicates for GIM are created from per-region spectra:

	sfsinfer bootstrap --lengths regions.csv --pattern 'spectra/%s.fs' --out boot.db

To see all the options run:

	sfsinfer --help

*/
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/op/go-logging"
	"github.com/raulk/go-watchdog"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("sfsinfer")
var formatter = logging.MustStringFormatter(`%{message}`)

// modules are the loggers controlled by --loglevel.
var modules = []string{"sfsinfer", "infer", "optimize", "smodel", "demes", "params",
	"spectrum", "bootstrap", "regions", "report", "checkpoint", "output"}

// command-line options
var (
	// application
	app = kingpin.New("sfsinfer", "demographic inference from allele frequency spectra").Version(version)

	// technical
	nThreads = app.Flag("nt", "number of threads to use").Int()
	outLogF  = app.Flag("log", "write log to a file").String()
	logLevel = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF    = app.Flag("json", "write json output to a file").String()
	memLimit = app.Flag("mem-limit", "heap limit in MiB; garbage collection is tightened near it").Uint64()
)

func setupLogging() {
	logging.SetFormatter(formatter)

	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, m := range modules {
		logging.SetLevel(level, m)
	}
}

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	setupLogging()
	startTime := time.Now()

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *nThreads > 0 {
		runtime.GOMAXPROCS(*nThreads)
	}
	effectiveNThreads := runtime.GOMAXPROCS(0)
	log.Infof("Using threads: %d.", effectiveNThreads)

	if *memLimit > 0 {
		err, stopFn := watchdog.HeapDriven(*memLimit<<20, 40, watchdog.NewAdaptivePolicy(0.5))
		if err != nil {
			log.Fatal("Error starting memory watchdog:", err)
		}
		defer stopFn()
		log.Infof("Heap limit: %d MiB", *memLimit)
	}

	var result interface{}
	var err error
	switch command {
	case runCmd.FullCommand():
		result, err = runWorkflow()
	case fitCmd.FullCommand():
		result, err = fitArgs.run()
	case uncertsCmd.FullCommand():
		result, err = uncertsArgs.run()
	case sfsCmd.FullCommand():
		err = expectedSpectrum()
	case bootstrapCmd.FullCommand():
		result, err = buildBootstrap()
	case maskCombineCmd.FullCommand():
		result, err = combineMasks()
	case maskWindowsCmd.FullCommand():
		result, err = maskWindows()
	case plotCmd.FullCommand():
		result, err = plotFit()
	}
	if err != nil {
		log.Fatal(err)
	}

	deltaT := time.Since(startTime)
	log.Noticef("Running time: %v", deltaT)

	if *jsonF != "" {
		summary := &CallSummary{
			Version:     version,
			CommandLine: os.Args,
			Command:     command,
			NThreads:    effectiveNThreads,
			TotalTime:   deltaT.Seconds(),
			Result:      result,
		}
		if err := summary.Save(*jsonF); err != nil {
			log.Error("Error writing json output:", err)
		}
	}
}
