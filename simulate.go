// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Simulation describes a synthetic screen: independent standard
// normal predictors and responses, except that the first response is
// Effect × (first predictor) plus Noise × standard normal noise.
type Simulation struct {
	Samples    int
	Predictors int
	Responses  int
	Effect     float64
	Noise      float64
	Seed       uint64
}

func simIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%03d", prefix, i+1)
	}
	return ids
}

// Generate returns the predictor and response matrices. The same
// Seed always yields the same matrices.
func (sim Simulation) Generate() (pred, resp Matrix, err error) {
	if sim.Samples < 3 || sim.Predictors < 1 || sim.Responses < 1 {
		return Matrix{}, Matrix{}, configErrorf("simulation needs at least 3 samples, 1 predictor and 1 response")
	}
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(sim.Seed)}
	samples := simIDs("S", sim.Samples)
	draw := func(rows int) [][]float64 {
		data := make([][]float64, rows)
		for i := range data {
			data[i] = make([]float64, sim.Samples)
			for j := range data[i] {
				data[i][j] = norm.Rand()
			}
		}
		return data
	}
	pdata := draw(sim.Predictors)
	rdata := draw(sim.Responses)
	for j := range rdata[0] {
		rdata[0][j] = sim.Effect*pdata[0][j] + sim.Noise*rdata[0][j]
	}
	pred, err = NewMatrix(simIDs("P", sim.Predictors), samples, pdata)
	if err != nil {
		return
	}
	resp, err = NewMatrix(simIDs("R", sim.Responses), samples, rdata)
	return
}

// Network returns a path graph P001–P002–…–Pn over the predictors and
// a target map naming P001 as the curated target of R001.
func (sim Simulation) Network() (*InteractionGraph, CuratedTargetMap) {
	ids := simIDs("P", sim.Predictors)
	g := NewInteractionGraph()
	for i := 1; i < len(ids); i++ {
		g.AddEdge(ids[i-1], ids[i])
	}
	return g, CuratedTargetMap{"R001": {"P001": true}}
}

type simulateCmd struct{}

func (cmd *simulateCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *simulateCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var sim Simulation
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.IntVar(&sim.Samples, "samples", 50, "number of samples")
	flags.IntVar(&sim.Predictors, "predictors", 20, "number of predictors")
	flags.IntVar(&sim.Responses, "responses", 10, "number of responses")
	flags.Float64Var(&sim.Effect, "effect", 2, "planted effect size of P001 on R001")
	flags.Float64Var(&sim.Noise, "noise", 0.5, "noise standard deviation of R001")
	flags.Uint64Var(&sim.Seed, "seed", 1, "random seed")
	outputDir := flags.String("o", "", "output `directory`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *outputDir == "" {
		return errors.New("output directory (-o) not specified")
	}
	pred, resp, err := sim.Generate()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outputDir, 0777); err != nil {
		return err
	}
	for fnm, m := range map[string]Matrix{"predictors.csv": pred, "responses.csv": resp} {
		if err := writeFile(filepath.Join(*outputDir, fnm), func(w io.Writer) error { return WriteMatrix(w, m, ',') }); err != nil {
			return err
		}
	}
	g, targets := sim.Network()
	ids := simIDs("P", sim.Predictors)
	err = writeFile(filepath.Join(*outputDir, "graph.tsv"), func(w io.Writer) error {
		for i := 1; i < len(ids); i++ {
			if _, err := fmt.Fprintf(w, "%s\t%s\n", ids[i-1], ids[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = writeFile(filepath.Join(*outputDir, "targets.tsv"), func(w io.Writer) error {
		for rid, genes := range targets {
			for gene := range genes {
				if _, err := fmt.Fprintf(w, "%s\t%s\n", rid, gene); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"samples":    sim.Samples,
		"predictors": sim.Predictors,
		"responses":  sim.Responses,
		"edges":      g.Edges(),
	}).Infof("wrote simulated screen to %s", *outputDir)
	return nil
}

// writeFile creates fnm and writes it with write.
func writeFile(fnm string, write func(io.Writer) error) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := write(f); err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return f.Close()
}
