// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// kinshipCmd writes the kinship matrix (and optionally principal
// components) of the cleaned predictor matrix, i.e., exactly what
// "assoc -strategy=mixed" would use.
type kinshipCmd struct {
	filter FilterConfig
}

func (cmd *kinshipCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *kinshipCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	predictorsFilename := flags.String("predictors", "", "predictor matrix `file`")
	responsesFilename := flags.String("responses", "", "response matrix `file` (determines the cohort and filtering)")
	outputFilename := flags.String("o", "", "output `file`.npy (samples × samples)")
	samplesFilename := flags.String("samples-out", "", "write sample order, one ID per line, to `file`")
	pcaComponents := flags.Int("pca-components", 0, "also compute `N` principal components")
	pcaFilename := flags.String("pca-npy", "", "write principal components (samples × N) to `file`.npy")
	cmd.filter.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *predictorsFilename == "" || *responsesFilename == "" || *outputFilename == "" {
		return errors.New("-predictors, -responses and -o are required")
	} else if (*pcaComponents > 0) != (*pcaFilename != "") {
		return errors.New("-pca-components and -pca-npy must be used together")
	}

	err = cmd.filter.LoadEssentialGenes()
	if err != nil {
		return err
	}
	pred, err := ReadMatrixFile(*predictorsFilename)
	if err != nil {
		return err
	}
	resp, err := ReadMatrixFile(*responsesFilename)
	if err != nil {
		return err
	}
	pred, _, _, err = Preprocessor{Config: cmd.filter}.Run(pred, resp)
	if err != nil {
		return err
	}
	km, err := LinearKinship(pred)
	if err != nil {
		return err
	}
	err = writeFile(*outputFilename, km.WriteNpy)
	if err != nil {
		return err
	}
	log.Infof("kinship: wrote %d×%d matrix to %s", len(km.Samples), len(km.Samples), *outputFilename)
	if *samplesFilename != "" {
		err = writeFile(*samplesFilename, func(w io.Writer) error {
			_, err := io.WriteString(w, strings.Join(km.Samples, "\n")+"\n")
			return err
		})
		if err != nil {
			return err
		}
	}
	if *pcaComponents > 0 {
		pcs, err := PCACovariates(pred, *pcaComponents)
		if err != nil {
			return err
		}
		err = writeFile(*pcaFilename, pcs.WriteNpy)
		if err != nil {
			return err
		}
	}
	return nil
}

// ploidyCmd summarizes copy number segments as length-weighted mean
// ploidy per sample and chromosome (or per sample).
type ploidyCmd struct{}

func (cmd *ploidyCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *ploidyCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "segment `file` (csv/tsv, optionally .gz)")
	by := flags.String("by", "chromosome", "aggregate by `chromosome` or sample")
	outputFilename := flags.String("o", "-", "output `file` (tsv)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}

	var segs []Segment
	if *inputFilename == "-" {
		segs, err = ReadSegments(stdin, '\t')
	} else {
		segs, err = readSegmentsFile(*inputFilename)
	}
	if err != nil {
		return err
	}
	var rows []PloidyRow
	switch *by {
	case "chromosome":
		rows = ChromosomePloidy(segs)
	case "sample":
		rows = SamplePloidy(segs)
	default:
		return fmt.Errorf("invalid -by value %q (must be chromosome or sample)", *by)
	}
	write := func(w io.Writer) error { return WritePloidy(w, rows, '\t') }
	if *outputFilename == "-" {
		return write(stdout)
	}
	return writeFile(*outputFilename, write)
}
