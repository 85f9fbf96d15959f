// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// PipelineInput holds the in-memory inputs of one batch.
type PipelineInput struct {
	Predictors Matrix
	Responses  Matrix
	// Optional. When present, only samples with covariates are used.
	Covariates CovariateMatrix
	// Optional. Without targets, distances are left NotAnnotated.
	Graph   *InteractionGraph
	Targets CuratedTargetMap
}

type PipelineConfig struct {
	Filter   FilterConfig
	Strategy Strategy
	Threads  int
	// Add this many principal components of the cleaned predictor
	// matrix as covariates.
	PCAComponents int
	// Compute the kinship matrix even if the strategy does not use
	// it (e.g. to export it).
	WantKinship bool
	// If not nil, only responses returned by SelectResponses are
	// tested. It is applied after filtering, so row filters see the
	// whole response matrix regardless of batching.
	SelectResponses func(ids []string) []string
	// Stop after testing: no correction or annotation. Used for
	// batches that will be merged and corrected together later.
	Raw bool
}

type PipelineResult struct {
	// Sorted for export.
	Records []Record
	Report  FilterReport
	Kinship *KinshipMatrix
	Cohort  Cohort
}

// RunPipeline preprocesses the inputs, estimates kinship, tests every
// (predictor, response) pair, corrects for multiple testing over the
// whole batch, annotates network distances, and sorts the result. It
// has no side effects besides logging and metrics.
func RunPipeline(in PipelineInput, cfg PipelineConfig) (PipelineResult, error) {
	var res PipelineResult
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return res, err
	}
	log.WithField("strategy", cfg.Strategy).Info("pipeline: starting")

	pred := in.Predictors
	if len(in.Covariates.Samples) > 0 {
		samples := IntersectCohorts(pred.Samples, in.Covariates.Samples)
		if len(samples) == 0 {
			return res, configErrorf("no predictor samples have covariates")
		}
		var err error
		pred, err = pred.Align(samples)
		if err != nil {
			return res, err
		}
	}

	t0 := time.Now()
	pred, resp, report, err := Preprocessor{Config: cfg.Filter}.Run(pred, in.Responses)
	res.Report = report
	if err != nil {
		return res, err
	}
	res.Cohort = pred.Samples
	metricStageSeconds.WithLabelValues("preprocess").Observe(time.Since(t0).Seconds())

	if cfg.SelectResponses != nil {
		keep := map[string]bool{}
		for _, id := range cfg.SelectResponses(resp.RowIDs) {
			keep[id] = true
		}
		resp = resp.SelectRows(func(i int) bool { return keep[resp.RowIDs[i]] })
		log.Infof("pipeline: testing %d responses in this batch", resp.Rows())
	}

	covs := in.Covariates
	if cfg.PCAComponents > 0 {
		pcs, err := PCACovariates(pred, cfg.PCAComponents)
		if err != nil {
			return res, err
		}
		covs, err = covs.Join(pcs)
		if err != nil {
			return res, err
		}
	}

	if cfg.Strategy == MixedModel || cfg.WantKinship {
		t0 = time.Now()
		res.Kinship, err = LinearKinship(pred)
		if err != nil {
			return res, err
		}
		metricStageSeconds.WithLabelValues("kinship").Observe(time.Since(t0).Seconds())
	}

	records, err := Tester{
		Strategy:   cfg.Strategy,
		Covariates: covs,
		Kinship:    res.Kinship,
		Threads:    cfg.Threads,
	}.Test(pred, resp)
	if err != nil {
		return res, err
	}

	if !cfg.Raw {
		records = Finish(records, in.Graph, in.Targets, cfg.Threads)
	} else {
		records = SortRecords(records)
	}
	res.Records = records
	return res, nil
}

// Finish corrects records as one batch, annotates network distances
// if targets are given, and sorts them for export.
func Finish(records []Record, graph *InteractionGraph, targets CuratedTargetMap, threads int) []Record {
	t0 := time.Now()
	records = CorrectRecords(records)
	metricStageSeconds.WithLabelValues("correct").Observe(time.Since(t0).Seconds())
	if targets != nil {
		records = Annotator{Graph: graph, Targets: targets, Threads: threads}.Annotate(records)
	}
	return SortRecords(records)
}
