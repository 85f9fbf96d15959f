// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.GaussianFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// glmFitter tests pairs with Gaussian GLMs: beta and its standard
// error come from the model with the predictor; the p-value is a
// likelihood ratio test against the model without it. With the
// variance profiled out the likelihood ratio is a monotone function
// of the extra-sum-of-squares F statistic, so it is referred to
// F(1, n-k) rather than the asymptotic chi-square, which is
// anticonservative for small cohorts.
type glmFitter struct {
	n       int
	names   []string // intercept, covariates
	columns [][]statmodel.Dtype
}

func newGLMFitter(covs CovariateMatrix) *glmFitter {
	n := len(covs.Samples)
	f := &glmFitter{n: n}
	intercept := make([]statmodel.Dtype, n)
	for i := range intercept {
		intercept[i] = 1
	}
	f.names = append(f.names, "intercept")
	f.columns = append(f.columns, intercept)
	for k := range covs.Names {
		col := make([]statmodel.Dtype, n)
		for i := range col {
			col[i] = covs.Data[i][k]
		}
		// Covariate names are user supplied and could collide
		// with "outcome" or "predictor".
		f.names = append(f.names, fmt.Sprintf("cov%d", k))
		f.columns = append(f.columns, col)
	}
	return f
}

func (f *glmFitter) prepare(x []float64) []float64 {
	return x
}

// fit returns the fitted parameters and their standard errors for the
// outcome y regressed on the given columns.
func (f *glmFitter) fit(y []float64, names []string, columns [][]statmodel.Dtype) (params, stderr []float64, err error) {
	defer func() {
		if e := recover(); e != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			err = fmt.Errorf("%w: %v", errExcluded, e)
		}
	}()
	data := append([][]statmodel.Dtype{y}, columns...)
	dataset := statmodel.NewDataset(data, append([]string{"outcome"}, names...))
	model, err := glm.NewGLM(dataset, "outcome", names, glmConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", errExcluded, err)
	}
	result := model.Fit()
	return result.Params(), result.StdErr(), nil
}

func (f *glmFitter) rss(y []float64, columns [][]statmodel.Dtype, params []float64) float64 {
	rss := 0.0
	for i := 0; i < f.n; i++ {
		fitted := 0.0
		for k, col := range columns {
			fitted += col[i] * params[k]
		}
		e := y[i] - fitted
		rss += e * e
	}
	return rss
}

func (f *glmFitter) forResponse(y []float64) (pairFunc, error) {
	params, _, err := f.fit(y, f.names, f.columns)
	if err != nil {
		return nil, err
	}
	rss0 := f.rss(y, f.columns, params)
	names := append(append([]string(nil), f.names...), "predictor")
	df := f.n - len(names)
	fdist := distuv.F{D1: 1, D2: float64(df)}
	return func(x []float64, _ float64) (float64, float64, float64, error) {
		if df < 1 {
			return 0, 0, 0, errExcluded
		}
		columns := append(append([][]statmodel.Dtype(nil), f.columns...), x)
		params, stderr, err := f.fit(y, names, columns)
		if err != nil {
			return 0, 0, 0, err
		}
		k := len(names) - 1
		beta, se := params[k], stderr[k]
		rss1 := f.rss(y, columns, params)
		if rss1 <= 0 {
			return beta, se, 0, nil
		}
		// n*log(rss0/rss1) == n*log(1 + F/df)
		fstat := (rss0 - rss1) / (rss1 / float64(df))
		if fstat <= 0 || math.IsNaN(fstat) {
			return beta, se, 1, nil
		}
		return beta, se, fdist.Survival(fstat), nil
	}, nil
}
