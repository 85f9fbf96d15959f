// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Strategy names the model used to test a pair.
type Strategy string

const (
	// FixedEffects is ordinary least squares on [1, predictor,
	// covariates].
	FixedEffects Strategy = "fixed"
	// MixedModel adds a random effect with covariance proportional
	// to the kinship matrix.
	MixedModel Strategy = "mixed"
	// GaussianLRT fits Gaussian GLMs with and without the predictor
	// and compares them with a likelihood ratio test (exact F
	// reference).
	GaussianLRT Strategy = "glm-lrt"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case FixedEffects, MixedModel, GaussianLRT:
		return Strategy(s), nil
	}
	return "", configErrorf("unknown strategy %q (expected %q, %q or %q)", s, FixedEffects, MixedModel, GaussianLRT)
}

type DistanceKind int

const (
	// NotAnnotated: the response has no curated targets, or the
	// annotator has not run.
	NotAnnotated DistanceKind = iota
	Finite
	// Undefined: the predictor, or every curated target of the
	// response, is absent from the interaction graph.
	Undefined
	// Unreachable: both ends are in the graph but not connected.
	Unreachable
)

// Distance is a network distance from a predictor to the nearest
// curated target of a response.
type Distance struct {
	Kind DistanceKind
	Hops int
}

// String returns the exported encoding: a hop count, "undefined",
// "unreachable", or "" when not annotated.
func (d Distance) String() string {
	switch d.Kind {
	case Finite:
		return strconv.Itoa(d.Hops)
	case Undefined:
		return "undefined"
	case Unreachable:
		return "unreachable"
	}
	return ""
}

func ParseDistance(s string) (Distance, error) {
	switch s {
	case "", "NA":
		return Distance{}, nil
	case "undefined":
		return Distance{Kind: Undefined}, nil
	case "unreachable":
		return Distance{Kind: Unreachable}, nil
	}
	hops, err := strconv.Atoi(s)
	if err != nil || hops < 0 {
		return Distance{}, fmt.Errorf("invalid target distance %q", s)
	}
	return Distance{Kind: Finite, Hops: hops}, nil
}

// Record is the result of testing one (predictor, response) pair.
// QValue is NaN until the whole batch has been corrected; Distance is
// NotAnnotated until the annotator has run. Excluded records were
// never tested and carry NaN statistics.
type Record struct {
	PredictorID string
	ResponseID  string
	Beta        float64
	StdErr      float64
	PValue      float64
	QValue      float64
	Distance    Distance
	Strategy    Strategy
	Excluded    bool
	N           int
}

func excludedRecord(pid, rid string, strategy Strategy, n int) Record {
	return Record{
		PredictorID: pid,
		ResponseID:  rid,
		Beta:        math.NaN(),
		StdErr:      math.NaN(),
		PValue:      math.NaN(),
		QValue:      math.NaN(),
		Strategy:    strategy,
		Excluded:    true,
		N:           n,
	}
}

// errExcluded is returned by a pair fit when the pair cannot be
// tested (singular design, failed convergence).
var errExcluded = errors.New("pair cannot be tested")

// pairFunc fits one prepared predictor against the response it was
// created for. xnorm2 is the sum of squares of the raw predictor about
// its mean.
type pairFunc func(x []float64, xnorm2 float64) (beta, se, p float64, err error)

// fitter holds the state shared by every pair of one test run.
// prepare is called once per predictor; forResponse sets up
// per-response state (e.g. the variance ratio of a mixed model).
type fitter interface {
	prepare(x []float64) []float64
	forResponse(y []float64) (pairFunc, error)
}

// Tester fits one model per (predictor, response) pair.
type Tester struct {
	Strategy Strategy
	// Covariates are additional fixed effects. They are aligned to
	// the test cohort by sample ID; every sample must be present.
	Covariates CovariateMatrix
	// Kinship is required by MixedModel and ignored otherwise.
	Kinship *KinshipMatrix
	// Maximum concurrent fits (default GOMAXPROCS).
	Threads int
}

// Test returns one record per pair, grouped by response: the record for
// (pred.RowIDs[i], resp.RowIDs[j]) is at index j*pred.Rows()+i.
// pred and resp must have identical cohorts.
func (t Tester) Test(pred, resp Matrix) ([]Record, error) {
	if _, err := ParseStrategy(string(t.Strategy)); err != nil {
		return nil, err
	}
	if len(pred.Samples) != len(resp.Samples) {
		return nil, configErrorf("predictor cohort (%d samples) differs from response cohort (%d samples)", len(pred.Samples), len(resp.Samples))
	}
	for i, s := range pred.Samples {
		if resp.Samples[i] != s {
			return nil, configErrorf("predictor and response cohorts differ at position %d (%q, %q)", i, s, resp.Samples[i])
		}
	}
	cohort := pred.Samples
	n := len(cohort)
	covs, err := t.alignedCovariates(cohort)
	if err != nil {
		return nil, err
	}
	x0 := nullDesign(n, covs)
	var fit fitter
	switch t.Strategy {
	case FixedEffects:
		fit, err = newOLSFitter(x0)
		if err != nil {
			return nil, err
		}
	case MixedModel:
		if t.Kinship == nil {
			return nil, configErrorf("strategy %q requires a kinship matrix", MixedModel)
		}
		kin, err := t.Kinship.Align(cohort)
		if err != nil {
			return nil, err
		}
		fit, err = newLMMFitter(x0, kin)
		if err != nil {
			return nil, err
		}
	case GaussianLRT:
		fit = newGLMFitter(covs)
	}

	npred := pred.Rows()
	degenerate := make([]bool, npred)
	prepared := make([][]float64, npred)
	xnorm2 := make([]float64, npred)
	for i, row := range pred.Data {
		degenerate[i] = !hasVariance(row)
		if degenerate[i] {
			log.WithField("predictor", pred.RowIDs[i]).Warn("predictor has zero variance, excluding")
			continue
		}
		prepared[i] = fit.prepare(row)
		xnorm2[i] = sumSquaresAboutMean(row)
	}

	start := time.Now()
	records := make([]Record, npred*resp.Rows())
	var excluded int64
	threads := t.Threads
	if threads < 1 {
		threads = runtime.GOMAXPROCS(0)
	}
	thr := throttle{Max: threads}
	for j := range resp.RowIDs {
		j := j
		thr.Go(func() error {
			rid := resp.RowIDs[j]
			y := resp.Data[j]
			out := records[j*npred : (j+1)*npred]
			var pf pairFunc
			if hasVariance(y) {
				var err error
				pf, err = fit.forResponse(y)
				if err != nil && !errors.Is(err, errExcluded) {
					return fmt.Errorf("response %q: %w", rid, err)
				} else if err != nil {
					log.WithField("response", rid).Warnf("response cannot be tested: %s", err)
				}
			} else {
				log.WithField("response", rid).Warn("response has zero variance, excluding")
			}
			for i, pid := range pred.RowIDs {
				if pf == nil || degenerate[i] {
					out[i] = excludedRecord(pid, rid, t.Strategy, n)
					atomic.AddInt64(&excluded, 1)
					continue
				}
				beta, se, p, err := pf(prepared[i], xnorm2[i])
				if err != nil || math.IsNaN(p) || math.IsNaN(beta) {
					log.WithFields(log.Fields{"predictor": pid, "response": rid}).Debugf("excluding pair: %v", err)
					out[i] = excludedRecord(pid, rid, t.Strategy, n)
					atomic.AddInt64(&excluded, 1)
					continue
				}
				out[i] = Record{
					PredictorID: pid,
					ResponseID:  rid,
					Beta:        beta,
					StdErr:      se,
					PValue:      p,
					QValue:      math.NaN(),
					Strategy:    t.Strategy,
					N:           n,
				}
			}
			metricPairsTested.WithLabelValues(string(t.Strategy)).Add(float64(len(out)))
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}
	metricPairsExcluded.Add(float64(excluded))
	metricStageSeconds.WithLabelValues("test").Observe(time.Since(start).Seconds())
	log.WithFields(log.Fields{
		"strategy":   t.Strategy,
		"pairs":      len(records),
		"excluded":   excluded,
		"covariates": len(covs.Names),
		"elapsed":    time.Since(start).Round(time.Millisecond).String(),
	}).Info("association tests done")
	return records, nil
}

func (t Tester) alignedCovariates(cohort Cohort) (CovariateMatrix, error) {
	if len(t.Covariates.Names) == 0 {
		return CovariateMatrix{Samples: cohort, Data: make([][]float64, len(cohort))}, nil
	}
	return t.Covariates.Align(cohort)
}

// nullDesign returns the n × (1+len(covs.Names)) matrix [1, covariates].
func nullDesign(n int, covs CovariateMatrix) *mat.Dense {
	p := 1 + len(covs.Names)
	x := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		for k, v := range covs.Data[i] {
			x.Set(i, k+1, v)
		}
	}
	return x
}

func hasVariance(x []float64) bool {
	if len(x) < 2 {
		return false
	}
	v := stat.Variance(x, nil)
	return v > 0 && !math.IsNaN(v)
}
