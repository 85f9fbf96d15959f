// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Designs with a larger condition number are treated as rank
// deficient.
const maxCondition = 1e10

// projector removes the component of a vector that lies in the column
// space of a fixed design matrix.
type projector struct {
	n, p int
	q1   *mat.Dense // n × p orthonormal basis of the design's columns
}

func newProjector(x *mat.Dense) (*projector, error) {
	n, p := x.Dims()
	if n <= p {
		return nil, errExcluded
	}
	var qr mat.QR
	qr.Factorize(x)
	if c := qr.Cond(); c > maxCondition || math.IsNaN(c) {
		return nil, errExcluded
	}
	var q mat.Dense
	qr.QTo(&q)
	return &projector{n: n, p: p, q1: mat.DenseCopyOf(q.Slice(0, n, 0, p))}, nil
}

// residual returns x minus its projection onto the design's column
// space, as a new slice.
func (pj *projector) residual(x []float64) []float64 {
	v := mat.NewVecDense(pj.n, append([]float64(nil), x...))
	var coef, fitted mat.VecDense
	coef.MulVec(pj.q1.T(), v)
	fitted.MulVec(pj.q1, &coef)
	v.SubVec(v, &fitted)
	return v.RawVector().Data
}

// partialFit returns the coefficient of x in the least squares fit of
// y on [design, x], given xr and yr, the residuals of x and y after
// projecting out the design (Frisch-Waugh-Lovell). xnorm2 is the
// squared norm of the centered, unprojected x, used to detect a
// predictor that is (nearly) a linear combination of the design.
// df is the residual degrees of freedom of the full model.
func partialFit(xr, yr []float64, xnorm2 float64, df int) (beta, se float64, err error) {
	if df < 1 {
		return 0, 0, errExcluded
	}
	sxx := floats.Dot(xr, xr)
	if sxx <= xnorm2*1e-10 || sxx == 0 {
		return 0, 0, errExcluded
	}
	beta = floats.Dot(xr, yr) / sxx
	rss := 0.0
	for i, y := range yr {
		e := y - beta*xr[i]
		rss += e * e
	}
	se = math.Sqrt(rss / float64(df) / sxx)
	return beta, se, nil
}

func sumSquaresAboutMean(x []float64) float64 {
	mean := floats.Sum(x) / float64(len(x))
	ss := 0.0
	for _, v := range x {
		ss += (v - mean) * (v - mean)
	}
	return ss
}

// twoSidedT returns the two-sided p-value of t under a Student t
// distribution with df degrees of freedom.
func twoSidedT(t float64, df int) float64 {
	if math.IsInf(t, 0) {
		return 0
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}
	return math.Min(1, 2*dist.Survival(math.Abs(t)))
}

// olsFitter tests pairs with ordinary least squares on [x0, x].
type olsFitter struct {
	x0 *mat.Dense
	pj *projector
}

func newOLSFitter(x0 *mat.Dense) (*olsFitter, error) {
	pj, err := newProjector(x0)
	if err != nil {
		return nil, configErrorf("fixed effects design (intercept and %d covariates) is rank deficient", x0.RawMatrix().Cols-1)
	}
	return &olsFitter{x0: x0, pj: pj}, nil
}

func (f *olsFitter) prepare(x []float64) []float64 {
	return f.pj.residual(x)
}

func (f *olsFitter) forResponse(y []float64) (pairFunc, error) {
	yr := f.pj.residual(y)
	df := f.pj.n - f.pj.p - 1
	return func(xr []float64, xnorm2 float64) (float64, float64, float64, error) {
		beta, se, err := partialFit(xr, yr, xnorm2, df)
		if err != nil {
			return 0, 0, 0, err
		}
		if se == 0 {
			return beta, se, 0, nil
		}
		return beta, se, twoSidedT(beta/se, df), nil
	}, nil
}
