// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type assocCmd struct {
	filter   FilterConfig
	batch    batchArgs
	strategy string
	threads  int
}

func (cmd *assocCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

var errUsage = errors.New("usage error")

func (cmd *assocCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	metricsAddr := flags.String("metrics", "", "serve prometheus metrics at http://`[addr]:port`/metrics")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	arvadosRAM := flags.Int64("arvados-ram", 32000000000, "amount of memory to request for each arvados container (`bytes`)")
	arvadosVCPUs := flags.Int("arvados-vcpus", 16, "number of VCPUs to request for each arvados container")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	preemptible := flags.Bool("preemptible", true, "request preemptible instance")
	predictorsFilename := flags.String("predictors", "", "predictor matrix `file` (predictor × sample, csv/tsv, optionally .gz)")
	responsesFilename := flags.String("responses", "", "response matrix `file` (response × sample)")
	covariatesFilename := flags.String("covariates", "", "covariate `file` (sample × covariate)")
	onehotCovariates := flags.String("onehot-covariates", "", "comma-separated `names` of categorical columns in -covariates file")
	segmentsFilename := flags.String("segments", "", "copy number segment `file`; adds per-sample ploidy as a covariate")
	pcaComponents := flags.Int("pca-components", 0, "add `N` principal components of the predictor matrix as covariates")
	graphFilename := flags.String("graph", "", "interaction graph edge list `file`")
	targetsFilename := flags.String("targets", "", "curated targets `file` (response<TAB>gene;gene;...)")
	flags.StringVar(&cmd.strategy, "strategy", string(FixedEffects), "association test: fixed, mixed (kinship random effect) or glm-lrt (Gaussian likelihood ratio, F reference)")
	flags.IntVar(&cmd.threads, "threads", 0, "number of concurrent fits (0 = number of CPUs)")
	raw := flags.Bool("raw", false, "write uncorrected, unannotated records (for merging batches with 'merge')")
	kinshipFilename := flags.String("kinship-npy", "", "also write kinship matrix to `file`.npy")
	enrichmentFilename := flags.String("enrichment", "", "write target enrichment report to `file`")
	enrichmentDistance := flags.Int("enrichment-distance", 1, "maximum target distance counted as near by -enrichment")
	enrichmentAlpha := flags.Float64("enrichment-alpha", 0.05, "q-value threshold counted as significant by -enrichment")
	outputFilename := flags.String("o", "-", "output `destination` (file, file.gz, sqlite:db#table, s3://bucket/key)")
	cmd.filter.Flags(flags)
	cmd.batch.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: %s", errUsage, err)
	} else if flags.NArg() > 0 {
		return fmt.Errorf("%w: errant command line arguments after parsed flags: %v", errUsage, flags.Args())
	} else if *predictorsFilename == "" || *responsesFilename == "" {
		return fmt.Errorf("%w: -predictors and -responses are required", errUsage)
	}
	strategy, err := ParseStrategy(cmd.strategy)
	if err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	if *metricsAddr != "" {
		serveMetrics(*metricsAddr)
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "screenassoc assoc",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         *arvadosRAM,
			VCPUs:       *arvadosVCPUs,
			Priority:    *priority,
			KeepCache:   2,
			APIAccess:   true,
			Preemptible: *preemptible,
		}
		// The merge step runs here, so it reads the network
		// from the untranslated paths.
		localGraph, localTargets := *graphFilename, *targetsFilename
		err = runner.TranslatePaths(predictorsFilename, responsesFilename, covariatesFilename, segmentsFilename, graphFilename, targetsFilename, &cmd.filter.EssentialGenesFile)
		if err != nil {
			return err
		}
		commonArgs := []string{"assoc", "-local=true",
			"-predictors=" + *predictorsFilename,
			"-responses=" + *responsesFilename,
			"-covariates=" + *covariatesFilename,
			"-onehot-covariates=" + *onehotCovariates,
			"-segments=" + *segmentsFilename,
			"-pca-components=" + fmt.Sprintf("%d", *pcaComponents),
			"-strategy=" + cmd.strategy,
			"-threads=" + fmt.Sprintf("%d", *arvadosVCPUs),
		}
		commonArgs = append(commonArgs, cmd.filter.Args()...)
		if cmd.batch.batches <= 1 {
			runner.Args = append(commonArgs,
				"-graph="+*graphFilename,
				"-targets="+*targetsFilename,
				"-o=/mnt/output/associations.csv")
			if *enrichmentFilename != "" {
				runner.Args = append(runner.Args,
					"-enrichment=/mnt/output/enrichment.tsv",
					fmt.Sprintf("-enrichment-distance=%d", *enrichmentDistance),
					fmt.Sprintf("-enrichment-alpha=%g", *enrichmentAlpha))
			}
			if *kinshipFilename != "" {
				runner.Args = append(runner.Args, "-kinship-npy=/mnt/output/kinship.npy")
			}
			output, err := runner.Run()
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, output+"/associations.csv")
			return nil
		}
		// One container per batch, each writing raw records;
		// correction and annotation happen here, over the
		// union of all batches.
		outputs, err := cmd.batch.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
			runner := runner
			runner.Name = fmt.Sprintf("screenassoc assoc batch %d/%d", batch, cmd.batch.batches)
			runner.Args = append(append([]string(nil), commonArgs...), cmd.batch.Args(batch)...)
			runner.Args = append(runner.Args, "-raw=true", "-o=/mnt/output/batch.csv")
			output, err := runner.RunContext(ctx)
			if err != nil {
				return "", err
			}
			return output + "/batch.csv", nil
		})
		if err != nil {
			return err
		}
		return (&mergeCmd{}).merge(context.Background(), outputs, mergeOptions{
			graphFilename:      localGraph,
			targetsFilename:    localTargets,
			outputFilename:     *outputFilename,
			enrichmentFilename: *enrichmentFilename,
			enrichmentDistance: *enrichmentDistance,
			enrichmentAlpha:    *enrichmentAlpha,
			threads:            cmd.threads,
		}, stdout)
	}

	if cmd.batch.batch >= 0 && !*raw {
		return configErrorf("-batch=%d without -raw: q-values must be computed over all batches together (use -raw, then 'merge')", cmd.batch.batch)
	}

	err = cmd.filter.LoadEssentialGenes()
	if err != nil {
		return err
	}
	in := PipelineInput{}
	in.Predictors, err = ReadMatrixFile(*predictorsFilename)
	if err != nil {
		return err
	}
	in.Responses, err = ReadMatrixFile(*responsesFilename)
	if err != nil {
		return err
	}
	if *covariatesFilename != "" {
		var categorical []string
		if *onehotCovariates != "" {
			categorical = strings.Split(*onehotCovariates, ",")
		}
		in.Covariates, err = ReadCovariatesFile(*covariatesFilename, categorical)
		if err != nil {
			return err
		}
	}
	if *segmentsFilename != "" {
		segs, err := readSegmentsFile(*segmentsFilename)
		if err != nil {
			return err
		}
		ploidy, err := PloidyCovariates(segs)
		if err != nil {
			return err
		}
		in.Covariates, err = in.Covariates.Join(ploidy)
		if err != nil {
			return err
		}
	}
	if !*raw {
		in.Graph, in.Targets, err = loadNetwork(*graphFilename, *targetsFilename)
		if err != nil {
			return err
		}
	}

	cfg := PipelineConfig{
		Filter:        cmd.filter,
		Strategy:      strategy,
		Threads:       cmd.threads,
		PCAComponents: *pcaComponents,
		WantKinship:   *kinshipFilename != "",
		Raw:           *raw,
	}
	if cmd.batch.batch >= 0 {
		cfg.SelectResponses = cmd.batch.Slice
	}
	log.WithFields(log.Fields{
		"strategy": strategy,
		"batch":    cmd.batch.batch,
		"batches":  cmd.batch.batches,
		"raw":      *raw,
	}).Info("assoc: running locally")
	res, err := RunPipeline(in, cfg)
	if err != nil {
		return err
	}
	if *kinshipFilename != "" {
		err = writeFile(*kinshipFilename, res.Kinship.WriteNpy)
		if err != nil {
			return err
		}
	}
	err = WriteResults(context.Background(), *outputFilename, res.Records, stdout)
	if err != nil {
		return err
	}
	if *enrichmentFilename != "" && !*raw {
		e := TargetEnrichment(res.Records, *enrichmentDistance, *enrichmentAlpha)
		err = writeFile(*enrichmentFilename, func(w io.Writer) error {
			_, err := e.WriteTo(w)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// loadNetwork reads the interaction graph and curated targets. Either
// file may be empty: without targets nothing is annotated, and
// without a graph every non-target distance is undefined.
func loadNetwork(graphFilename, targetsFilename string) (*InteractionGraph, CuratedTargetMap, error) {
	var graph *InteractionGraph
	var targets CuratedTargetMap
	if graphFilename != "" {
		f, err := zopen(graphFilename)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		graph, err = ReadGraph(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", graphFilename, err)
		}
	}
	if targetsFilename != "" {
		f, err := zopen(targetsFilename)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		targets, err = ReadTargets(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", targetsFilename, err)
		}
	} else if graphFilename != "" {
		log.Warn("-graph given without -targets: network distances will not be annotated")
	}
	return graph, targets, nil
}

func readSegmentsFile(fnm string) ([]Segment, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	segs, err := ReadSegments(f, delimiterFor(fnm))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return segs, nil
}
