// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
)

// mergeCmd combines the raw outputs of "assoc -raw -batch=N" runs,
// computes q-values over the union, annotates network distances, and
// writes one sorted table.
type mergeCmd struct{}

type mergeOptions struct {
	graphFilename      string
	targetsFilename    string
	outputFilename     string
	enrichmentFilename string
	enrichmentDistance int
	enrichmentAlpha    float64
	threads            int
}

func (cmd *mergeCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *mergeCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts mergeOptions
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&opts.graphFilename, "graph", "", "interaction graph edge list `file`")
	flags.StringVar(&opts.targetsFilename, "targets", "", "curated targets `file`")
	flags.StringVar(&opts.outputFilename, "o", "-", "output `destination`")
	flags.StringVar(&opts.enrichmentFilename, "enrichment", "", "write target enrichment report to `file`")
	flags.IntVar(&opts.enrichmentDistance, "enrichment-distance", 1, "maximum target distance counted as near by -enrichment")
	flags.Float64Var(&opts.enrichmentAlpha, "enrichment-alpha", 0.05, "q-value threshold counted as significant by -enrichment")
	flags.IntVar(&opts.threads, "threads", 0, "number of concurrent annotation workers (0 = number of CPUs)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() == 0 {
		return fmt.Errorf("usage: %s [options] batch0.csv [batch1.csv ...]", prog)
	}
	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	return cmd.merge(context.Background(), flags.Args(), opts, stdout)
}

func (cmd *mergeCmd) merge(ctx context.Context, inputs []string, opts mergeOptions, stdout io.Writer) error {
	graph, targets, err := loadNetwork(opts.graphFilename, opts.targetsFilename)
	if err != nil {
		return err
	}
	var records []Record
	seen := map[[2]string]string{}
	for _, input := range inputs {
		batch, err := ReadResults(ctx, input)
		if err != nil {
			return err
		}
		for _, r := range batch {
			key := [2]string{r.PredictorID, r.ResponseID}
			if prev, dup := seen[key]; dup {
				return configErrorf("pair (%s, %s) appears in both %s and %s", r.PredictorID, r.ResponseID, prev, input)
			}
			seen[key] = input
		}
		log.Infof("merge: %d records from %s", len(batch), input)
		records = append(records, batch...)
	}
	records = Finish(records, graph, targets, opts.threads)
	err = WriteResults(ctx, opts.outputFilename, records, stdout)
	if err != nil {
		return err
	}
	if opts.enrichmentFilename != "" {
		e := TargetEnrichment(records, opts.enrichmentDistance, opts.enrichmentAlpha)
		return writeFile(opts.enrichmentFilename, func(w io.Writer) error {
			_, err := e.WriteTo(w)
			return err
		})
	}
	return nil
}
