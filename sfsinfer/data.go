package main

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"strings"
	"time"

	"bitbucket.org/Davydov/sfsinfer/bootstrap"
	"bitbucket.org/Davydov/sfsinfer/demes"
	"bitbucket.org/Davydov/sfsinfer/regions"
	"bitbucket.org/Davydov/sfsinfer/report"
	"bitbucket.org/Davydov/sfsinfer/smodel"
	"bitbucket.org/Davydov/sfsinfer/spectrum"
)

var (
	sfsCmd   = app.Command("sfs", "compute the expected spectrum of a graph")
	sfsGraph = sfsCmd.Flag("graph", "demes graph").Required().ExistingFile()
	sfsPops  = sfsCmd.Flag("pop", "sampled deme (repeatable)").Required().Strings()
	sfsNs    = sfsCmd.Flag("n", "sample size, one per deme (repeatable)").Required().Ints()
	sfsUL    = sfsCmd.Flag("uL", "mutation rate scaling u*L (theta=1 if not given)").Float64()
	sfsMisid = sfsCmd.Flag("misid", "ancestral misidentification probability").Float64()
	sfsFold  = sfsCmd.Flag("fold", "fold the spectrum").Bool()
	sfsSteps = sfsCmd.Flag("steps", "integration steps per epoch").Default("100").Int()
	sfsOut   = sfsCmd.Flag("out", "write the spectrum to a file instead of stdout").String()
	sfsOverw = sfsCmd.Flag("overwrite", "overwrite the output file").Bool()

	bootstrapCmd  = app.Command("bootstrap", "create bootstrap replicates from region spectra")
	bootLengths   = bootstrapCmd.Flag("lengths", "region lengths table (CSV with region and L columns)").Required().ExistingFile()
	bootPattern   = bootstrapCmd.Flag("pattern", "region spectrum path pattern, %s is replaced by the region name").Required().String()
	bootN         = bootstrapCmd.Flag("n", "number of replicates").Default("100").Int()
	bootSeed      = bootstrapCmd.Flag("seed", "random generator seed, default time based").Default("-1").Int64()
	bootOut       = bootstrapCmd.Flag("out", "replicates database").Required().String()
	bootSum       = bootstrapCmd.Flag("sum", "write the sum of all regions to a file").String()
	bootOverwrite = bootstrapCmd.Flag("overwrite", "overwrite the summed spectrum").Bool()

	maskCmd        = app.Command("mask", "region mask operations")
	maskCombineCmd = maskCmd.Command("combine", "intersect, subtract and flank BED masks")
	maskInclude    = maskCombineCmd.Flag("include", "BED mask to intersect (repeatable)").Required().ExistingFiles()
	maskExclude    = maskCombineCmd.Flag("exclude", "BED mask to subtract (repeatable)").ExistingFiles()
	maskFlank      = maskCombineCmd.Flag("flank", "extend the subtracted regions by this many bases").Int64()
	maskStrict     = maskCmd.Flag("strict", "fail on overlapping intervals").Bool()
	maskOut        = maskCmd.Flag("out", "output file").Required().String()
	maskOverwrite  = maskCmd.Flag("overwrite", "overwrite output file").Bool()
	maskWindowsCmd = maskCmd.Command("windows", "callable length of genome windows")
	maskMask       = maskWindowsCmd.Flag("mask", "BED mask of callable sites").Required().ExistingFile()
	maskGenome     = maskWindowsCmd.Flag("genome", "genome file (chrom length)").Required().ExistingFile()
	maskSize       = maskWindowsCmd.Flag("size", "window size").Default("1000000").Int64()

	plotCmd       = app.Command("plot", "plot a fitted graph against data")
	plotGraph     = plotCmd.Flag("graph", "fitted demes graph").Required().ExistingFile()
	plotData      = plotCmd.Flag("data", "observed spectrum").Required().ExistingFile()
	plotUL        = plotCmd.Flag("uL", "mutation rate scaling u*L (model scaled to data if not given)").Float64()
	plotMisid     = plotCmd.Flag("misid", "ancestral misidentification probability").Float64()
	plotPrefix    = plotCmd.Flag("prefix", "output prefix").Required().String()
	plotOverwrite = plotCmd.Flag("overwrite", "overwrite existing plots").Bool()
)

func expectedSpectrum() error {
	if len(*sfsPops) != len(*sfsNs) {
		return fmt.Errorf("%d demes and %d sample sizes", len(*sfsPops), len(*sfsNs))
	}
	g, err := demes.Load(*sfsGraph)
	if err != nil {
		return err
	}
	ev := smodel.New()
	ev.StepsPerEpoch = *sfsSteps
	s, err := ev.Expected(g, *sfsPops, *sfsNs, *sfsUL)
	if err != nil {
		return err
	}
	if *sfsMisid > 0 {
		s = s.FlipMisid(*sfsMisid)
	}
	if *sfsFold {
		s = s.Fold()
	}
	comment := fmt.Sprintf("expected spectrum of %s, uL=%v", *sfsGraph, *sfsUL)
	if *sfsOut == "" {
		return s.Write(os.Stdout, comment)
	}
	return s.Save(*sfsOut, *sfsOverw, comment)
}

// regionBuilder loads region spectra from files; missing files are
// empty regions.
func regionBuilder(pattern string) bootstrap.IntervalBuilder {
	return bootstrap.IntervalBuilderFunc(func(region string) (*spectrum.Spectrum, error) {
		s, err := spectrum.Load(fmt.Sprintf(pattern, region))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, bootstrap.ErrEmptyInterval
		}
		return s, err
	})
}

func buildBootstrap() (*bootstrap.Summary, error) {
	if !strings.Contains(*bootPattern, "%s") {
		return nil, fmt.Errorf("pattern %q has no %%s", *bootPattern)
	}
	names, lengths, err := regions.LoadLengths(*bootLengths)
	if err != nil {
		return nil, err
	}
	regs, err := bootstrap.BuildRegions(regionBuilder(*bootPattern), names, lengths)
	if err != nil {
		return nil, err
	}
	log.Infof("Read %d of %d regions", len(regs), len(names))

	if *bootSum != "" {
		total, err := bootstrap.Sum(regs)
		if err != nil {
			return nil, err
		}
		if err := total.Spectrum.Save(*bootSum, *bootOverwrite, fmt.Sprintf("L=%v", total.L)); err != nil {
			return nil, err
		}
		log.Noticef("Total L=%v, segregating sites=%v", total.L, total.Spectrum.SegregatingSites())
	}

	if *bootSeed == -1 {
		*bootSeed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *bootSeed)
	reps, err := bootstrap.Resample(regs, *bootN, rand.New(rand.NewSource(*bootSeed)))
	if err != nil {
		return nil, err
	}
	st, err := bootstrap.OpenStore(*bootOut)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	if err := st.Save(reps); err != nil {
		return nil, err
	}
	sum, err := bootstrap.Summarize(reps)
	if err != nil {
		return nil, err
	}
	log.Noticef("%d replicates, segregating sites %v (sd %v, 95%% %v-%v)",
		sum.N, sum.MeanSites, sum.SdSites, sum.LowerSites, sum.UpperSites)
	return &sum, nil
}

// maskSummary describes a mask operation result.
type maskSummary struct {
	Length  int64 `json:"length"`
	Windows int   `json:"windows,omitempty"`
}

func loadMasks(paths []string) ([]*regions.Set, error) {
	sets := make([]*regions.Set, len(paths))
	for i, path := range paths {
		s, err := regions.LoadBED(path, *maskStrict)
		if err != nil {
			return nil, err
		}
		sets[i] = s
	}
	return sets, nil
}

func combineMasks() (*maskSummary, error) {
	include, err := loadMasks(*maskInclude)
	if err != nil {
		return nil, err
	}
	exclude, err := loadMasks(*maskExclude)
	if err != nil {
		return nil, err
	}
	res := regions.Combine(include, exclude, *maskFlank)
	if err := res.SaveBED(*maskOut, *maskOverwrite); err != nil {
		return nil, err
	}
	log.Noticef("Mask length: %d", res.Len())
	return &maskSummary{Length: res.Len()}, nil
}

func maskWindows() (*maskSummary, error) {
	mask, err := regions.LoadBED(*maskMask, *maskStrict)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(*maskGenome)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	chroms, lengths, err := regions.ReadGenome(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", *maskGenome, err)
	}
	windows := regions.Windows(mask, chroms, lengths, *maskSize)
	if err := regions.SaveTable(*maskOut, *maskOverwrite, windows); err != nil {
		return nil, err
	}
	log.Noticef("%d windows", len(windows))
	return &maskSummary{Length: mask.Len(), Windows: len(windows)}, nil
}

func plotFit() ([]string, error) {
	g, err := demes.Load(*plotGraph)
	if err != nil {
		return nil, err
	}
	data, err := spectrum.Load(*plotData)
	if err != nil {
		return nil, err
	}
	if len(data.Pops) != data.Dim() {
		return nil, fmt.Errorf("%s: %w: population labels are required", *plotData, spectrum.ErrShape)
	}
	model, err := smodel.New().Expected(g, data.Pops, data.SampleSizes(), *plotUL)
	if err != nil {
		return nil, err
	}
	if *plotMisid > 0 {
		model = model.FlipMisid(*plotMisid)
	}
	if data.Folded {
		model = model.Fold()
	}
	if *plotUL <= 0 {
		f, err := spectrum.OptimalScaling(model, data)
		if err != nil {
			return nil, err
		}
		model.Scale(f)
	}
	return report.Write(*plotPrefix, model, data, g, *plotOverwrite)
}
