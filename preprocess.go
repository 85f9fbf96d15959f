// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// FilterConfig holds the explicit row filtering policy applied before
// testing. Zero values disable the corresponding filter.
type FilterConfig struct {
	// Minimum fraction of samples with a non-missing value.
	MinCompleteness float64
	// Keep a response only if the inter-quartile range of its
	// non-missing values is above MinResponseIQR.
	MinResponseIQR float64
	// Same for predictors.
	MinPredictorIQR float64
	// Keep a response only if at least this many samples are below
	// the mean of the per-sample means of the responses that pass
	// the completeness filter.
	MinBelowMean int
	// Keep a predictor only if |value| >= StrongEffect in at least
	// MinStrongEffects samples.
	StrongEffect     float64
	MinStrongEffects int
	// Drop a predictor that looks essential: below the mean
	// (per-sample, then across samples) of the EssentialGenes rows
	// in at least MaxEssentialLike of the samples. Disabled if
	// EssentialGenes is empty.
	EssentialGenes     []string
	EssentialGenesFile string
	MaxEssentialLike   float64
}

func (f *FilterConfig) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&f.MinCompleteness, "min-completeness", 0.85, "drop predictors/responses with fewer than `P` non-missing values (fraction of samples)")
	flags.Float64Var(&f.MinResponseIQR, "min-response-iqr", 1, "drop responses with inter-quartile range not above `X`")
	flags.Float64Var(&f.MinPredictorIQR, "min-predictor-iqr", 0, "drop predictors with inter-quartile range not above `X`")
	flags.IntVar(&f.MinBelowMean, "min-below-mean", 0, "drop responses with fewer than `N` samples below the mean of the sample means")
	flags.Float64Var(&f.StrongEffect, "strong-effect", 2, "absolute predictor value counted as a strong effect by -min-strong-effects")
	flags.IntVar(&f.MinStrongEffects, "min-strong-effects", 0, "drop predictors with fewer than `N` strong effects")
	flags.StringVar(&f.EssentialGenesFile, "essential-genes", "", "`file` listing essential gene ids, one per line (enables -max-essential-like)")
	flags.Float64Var(&f.MaxEssentialLike, "max-essential-like", 0.5, "drop predictors below the essential gene mean in at least this `fraction` of samples")
}

// LoadEssentialGenes reads EssentialGenesFile, if set, into
// EssentialGenes. Blank lines, "#" comments and a "gene" header are
// ignored; only the first tab- or comma-separated field is used.
func (f *FilterConfig) LoadEssentialGenes() error {
	if f.EssentialGenesFile == "" {
		return nil
	}
	rdr, err := zopen(f.EssentialGenesFile)
	if err != nil {
		return err
	}
	defer rdr.Close()
	f.EssentialGenes = nil
	scanner := bufio.NewScanner(rdr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == '\t' || r == ',' })
		if len(fields) == 0 {
			continue
		}
		id := strings.TrimSpace(fields[0])
		if strings.EqualFold(id, "gene") && len(f.EssentialGenes) == 0 {
			continue
		}
		f.EssentialGenes = append(f.EssentialGenes, id)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", f.EssentialGenesFile, err)
	}
	if len(f.EssentialGenes) == 0 {
		return configErrorf("%s: no essential gene ids", f.EssentialGenesFile)
	}
	log.Infof("preprocess: %d essential genes from %s", len(f.EssentialGenes), f.EssentialGenesFile)
	return nil
}

// Args returns command line arguments that reproduce f.
func (f *FilterConfig) Args() []string {
	return []string{
		fmt.Sprintf("-min-completeness=%g", f.MinCompleteness),
		fmt.Sprintf("-min-response-iqr=%g", f.MinResponseIQR),
		fmt.Sprintf("-min-predictor-iqr=%g", f.MinPredictorIQR),
		fmt.Sprintf("-min-below-mean=%d", f.MinBelowMean),
		fmt.Sprintf("-strong-effect=%g", f.StrongEffect),
		fmt.Sprintf("-min-strong-effects=%d", f.MinStrongEffects),
		"-essential-genes=" + f.EssentialGenesFile,
		fmt.Sprintf("-max-essential-like=%g", f.MaxEssentialLike),
	}
}

// FilterReport records why each dropped row was dropped.
type FilterReport struct {
	Samples           int
	DroppedPredictors map[string]string
	DroppedResponses  map[string]string
	ImputedResponses  int // number of response values filled with the row mean
}

// Preprocessor restricts a predictor and a response matrix to their
// shared samples, filters uninformative rows, standardizes predictors
// and imputes missing responses.
type Preprocessor struct {
	Config FilterConfig
}

// Run returns cleaned copies of pred and resp sharing one cohort (in
// the sample order of pred). The inputs are not modified.
func (pp Preprocessor) Run(pred, resp Matrix) (Matrix, Matrix, FilterReport, error) {
	report := FilterReport{
		DroppedPredictors: map[string]string{},
		DroppedResponses:  map[string]string{},
	}
	samples := IntersectCohorts(pred.Samples, resp.Samples)
	if len(samples) == 0 {
		return Matrix{}, Matrix{}, report, configErrorf("predictor (%d samples) and response (%d samples) matrices have no samples in common", len(pred.Samples), len(resp.Samples))
	}
	report.Samples = len(samples)
	pred, err := pred.Align(samples)
	if err != nil {
		return Matrix{}, Matrix{}, report, err
	}
	resp, err = resp.Align(samples)
	if err != nil {
		return Matrix{}, Matrix{}, report, err
	}
	log.Infof("preprocess: %d samples in common", len(samples))

	cfg := pp.Config
	minPresent := int(math.Ceil(cfg.MinCompleteness * float64(len(samples))))

	resp = resp.SelectRows(func(i int) bool {
		present := nonMissing(resp.Data[i])
		if len(present) < minPresent || len(present) == 0 {
			report.DroppedResponses[resp.RowIDs[i]] = fmt.Sprintf("completeness %d/%d", len(present), len(samples))
			return false
		}
		return true
	})
	respMean := meanOfSampleMeans(resp)
	resp = resp.SelectRows(func(i int) bool {
		present := nonMissing(resp.Data[i])
		if cfg.MinBelowMean > 0 {
			below := countBelow(present, respMean)
			if below < cfg.MinBelowMean {
				report.DroppedResponses[resp.RowIDs[i]] = fmt.Sprintf("%d samples below mean %g", below, respMean)
				return false
			}
		}
		if iqr := interQuartileRange(present); iqr <= cfg.MinResponseIQR || iqr == 0 {
			report.DroppedResponses[resp.RowIDs[i]] = fmt.Sprintf("iqr %g", iqr)
			return false
		}
		return true
	})

	essentialMean := math.NaN()
	if len(cfg.EssentialGenes) > 0 && cfg.MaxEssentialLike > 0 {
		essential := map[string]bool{}
		for _, id := range cfg.EssentialGenes {
			essential[id] = true
		}
		ess := pred.SelectRows(func(i int) bool { return essential[pred.RowIDs[i]] })
		if ess.Rows() == 0 {
			return Matrix{}, Matrix{}, report, configErrorf("none of the %d essential genes is a predictor", len(cfg.EssentialGenes))
		}
		essentialMean = meanOfSampleMeans(ess)
		log.Infof("preprocess: essential gene mean %g over %d genes", essentialMean, ess.Rows())
	}

	pred = pred.SelectRows(func(i int) bool {
		row := pred.Data[i]
		present := nonMissing(row)
		if len(present) < minPresent || len(present) == 0 {
			report.DroppedPredictors[pred.RowIDs[i]] = fmt.Sprintf("completeness %d/%d", len(present), len(samples))
			return false
		}
		if len(present) < len(row) {
			// Kinship and the tester need complete predictor
			// rows; there is no imputation policy for them.
			report.DroppedPredictors[pred.RowIDs[i]] = fmt.Sprintf("%d missing values", len(row)-len(present))
			return false
		}
		if !math.IsNaN(essentialMean) {
			below := countBelow(present, essentialMean)
			if float64(below) >= cfg.MaxEssentialLike*float64(len(samples)) {
				report.DroppedPredictors[pred.RowIDs[i]] = fmt.Sprintf("essential-like in %d/%d samples", below, len(samples))
				return false
			}
		}
		if iqr := interQuartileRange(present); iqr <= cfg.MinPredictorIQR || iqr == 0 {
			report.DroppedPredictors[pred.RowIDs[i]] = fmt.Sprintf("iqr %g", iqr)
			return false
		}
		if cfg.MinStrongEffects > 0 {
			strong := 0
			for _, x := range present {
				if math.Abs(x) >= cfg.StrongEffect {
					strong++
				}
			}
			if strong < cfg.MinStrongEffects {
				report.DroppedPredictors[pred.RowIDs[i]] = fmt.Sprintf("%d strong effects", strong)
				return false
			}
		}
		return true
	})

	if pred.Rows() == 0 {
		return Matrix{}, Matrix{}, report, configErrorf("no predictors left after filtering (%d dropped)", len(report.DroppedPredictors))
	}
	if resp.Rows() == 0 {
		return Matrix{}, Matrix{}, report, configErrorf("no responses left after filtering (%d dropped)", len(report.DroppedResponses))
	}

	pred, err = standardizeRows(pred)
	if err != nil {
		return Matrix{}, Matrix{}, report, err
	}
	resp, report.ImputedResponses = imputeRowMeans(resp)

	log.WithFields(log.Fields{
		"predictors":        pred.Rows(),
		"responses":         resp.Rows(),
		"droppedPredictors": len(report.DroppedPredictors),
		"droppedResponses":  len(report.DroppedResponses),
		"imputed":           report.ImputedResponses,
	}).Info("preprocess: done")
	if log.IsLevelEnabled(log.DebugLevel) {
		logDropped("predictor", report.DroppedPredictors)
		logDropped("response", report.DroppedResponses)
	}
	return pred, resp, report, nil
}

func logDropped(what string, dropped map[string]string) {
	ids := make([]string, 0, len(dropped))
	for id := range dropped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		log.Debugf("dropped %s %q: %s", what, id, dropped[id])
	}
}

func nonMissing(row []float64) []float64 {
	out := make([]float64, 0, len(row))
	for _, x := range row {
		if !math.IsNaN(x) {
			out = append(out, x)
		}
	}
	return out
}

// interQuartileRange returns 0 for fewer than 2 values, where the
// quartiles are undefined.
func interQuartileRange(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	iqr, err := stats.InterQuartileRange(x)
	if err != nil || math.IsNaN(iqr) {
		return 0
	}
	return iqr
}

// meanOfSampleMeans returns the mean, over samples with at least one
// value, of each sample's mean over the rows of m.
func meanOfSampleMeans(m Matrix) float64 {
	sum, n := 0.0, 0
	for j := range m.Samples {
		colSum, colN := 0.0, 0
		for _, row := range m.Data {
			if x := row[j]; !math.IsNaN(x) {
				colSum += x
				colN++
			}
		}
		if colN > 0 {
			sum += colSum / float64(colN)
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func countBelow(x []float64, threshold float64) int {
	n := 0
	for _, v := range x {
		if v < threshold {
			n++
		}
	}
	return n
}

// standardizeRows returns a copy of m with each row shifted to mean 0
// and scaled to unit (sample) standard deviation.
func standardizeRows(m Matrix) (Matrix, error) {
	out := Matrix{RowIDs: m.RowIDs, Samples: m.Samples, Data: make([][]float64, len(m.Data))}
	for i, row := range m.Data {
		mean, std := stat.MeanStdDev(row, nil)
		if std == 0 || math.IsNaN(std) {
			return Matrix{}, &DegenerateInputError{Stage: "standardize", RowID: m.RowIDs[i]}
		}
		nrow := make([]float64, len(row))
		for j, x := range row {
			nrow[j] = (x - mean) / std
		}
		out.Data[i] = nrow
	}
	return out, nil
}

// imputeRowMeans returns a copy of m with missing values replaced by
// the mean of the non-missing values in the same row, and the number
// of values replaced.
func imputeRowMeans(m Matrix) (Matrix, int) {
	out := Matrix{RowIDs: m.RowIDs, Samples: m.Samples, Data: make([][]float64, len(m.Data))}
	filled := 0
	for i, row := range m.Data {
		mean := stat.Mean(nonMissing(row), nil)
		nrow := make([]float64, len(row))
		for j, x := range row {
			if math.IsNaN(x) {
				x = mean
				filled++
			}
			nrow[j] = x
		}
		out.Data[i] = nrow
	}
	return out, filled
}
