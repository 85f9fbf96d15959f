// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Search range and resolution for log10(delta), where delta is the
// ratio of residual to genetic variance.
const (
	lmmLogDeltaMin   = -5.0
	lmmLogDeltaMax   = 5.0
	lmmLogDeltaSteps = 100
	lmmGoldenIters   = 40
)

// lmmFitter tests pairs with the linear mixed model
//
//	y = X0·b + x·beta + g + e,  g ~ N(0, sg²·K),  e ~ N(0, se²·I)
//
// K = U·diag(s)·Uᵀ is decomposed once; after rotating by Uᵀ the
// covariance is diagonal, sg²·(s + delta). delta = se²/sg² is
// estimated per response by maximizing the restricted likelihood of
// the model without the predictor, then held fixed for every
// predictor tested against that response.
type lmmFitter struct {
	n, p int
	s    []float64
	u    *mat.Dense
	x0r  *mat.Dense // Uᵀ·X0
}

func newLMMFitter(x0 *mat.Dense, kin *KinshipMatrix) (*lmmFitter, error) {
	n, p := x0.Dims()
	var eig mat.EigenSym
	if !eig.Factorize(kin.K, true) {
		return nil, configErrorf("kinship: eigendecomposition failed")
	}
	s := eig.Values(nil)
	clamped := 0
	for i, v := range s {
		if v < 0 {
			s[i] = 0
			clamped++
		}
	}
	if clamped > 0 {
		log.Debugf("lmm: clamped %d negative kinship eigenvalues to 0", clamped)
	}
	u := mat.NewDense(n, n, nil)
	eig.VectorsTo(u)
	var x0r mat.Dense
	x0r.Mul(u.T(), x0)
	return &lmmFitter{n: n, p: p, s: s, u: u, x0r: &x0r}, nil
}

func (f *lmmFitter) rotate(x []float64) []float64 {
	var out mat.VecDense
	out.MulVec(f.u.T(), mat.NewVecDense(len(x), append([]float64(nil), x...)))
	return out.RawVector().Data
}

func (f *lmmFitter) prepare(x []float64) []float64 {
	return f.rotate(x)
}

// sqrtWeights returns 1/sqrt(s_i + delta) for each rotated sample.
func (f *lmmFitter) sqrtWeights(delta float64) []float64 {
	sw := make([]float64, f.n)
	for i, v := range f.s {
		sw[i] = 1 / math.Sqrt(v+delta)
	}
	return sw
}

func (f *lmmFitter) weightedDesign(sw []float64) *mat.Dense {
	xw := mat.NewDense(f.n, f.p, nil)
	for i := 0; i < f.n; i++ {
		for k := 0; k < f.p; k++ {
			xw.Set(i, k, f.x0r.At(i, k)*sw[i])
		}
	}
	return xw
}

func scaleBy(x, w []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] * w[i]
	}
	return out
}

// nullREML returns the restricted log likelihood of the model without
// predictor, with sg² profiled out, for the rotated response yr.
func (f *lmmFitter) nullREML(yr []float64, delta float64) float64 {
	df := f.n - f.p
	sw := f.sqrtWeights(delta)
	logdetV := 0.0
	for _, v := range f.s {
		logdetV += math.Log(v + delta)
	}
	xw := f.weightedDesign(sw)
	yw := mat.NewVecDense(f.n, scaleBy(yr, sw))

	var xtx mat.SymDense
	xtx.SymOuterK(1, xw.T())
	var chol mat.Cholesky
	if !chol.Factorize(&xtx) {
		return math.Inf(-1)
	}
	var xty, b, fitted mat.VecDense
	xty.MulVec(xw.T(), yw)
	if err := chol.SolveVecTo(&b, &xty); err != nil {
		return math.Inf(-1)
	}
	fitted.MulVec(xw, &b)
	fitted.SubVec(yw, &fitted)
	rss := mat.Dot(&fitted, &fitted)
	if rss <= 0 {
		return math.Inf(-1)
	}
	sigma2 := rss / float64(df)
	return -0.5 * (float64(df)*math.Log(2*math.Pi*sigma2) + logdetV + chol.LogDet() + float64(df))
}

// estimateDelta maximizes nullREML over log10(delta): coarse grid,
// then golden-section search in the bracket around the best grid
// point.
func (f *lmmFitter) estimateDelta(yr []float64) float64 {
	ll := func(logDelta float64) float64 {
		return f.nullREML(yr, math.Pow(10, logDelta))
	}
	step := (lmmLogDeltaMax - lmmLogDeltaMin) / lmmLogDeltaSteps
	best, bestLL := 0, math.Inf(-1)
	for i := 0; i <= lmmLogDeltaSteps; i++ {
		if v := ll(lmmLogDeltaMin + float64(i)*step); v > bestLL {
			best, bestLL = i, v
		}
	}
	lo := lmmLogDeltaMin + float64(best-1)*step
	hi := lmmLogDeltaMin + float64(best+1)*step
	lo = math.Max(lo, lmmLogDeltaMin)
	hi = math.Min(hi, lmmLogDeltaMax)
	invphi := (math.Sqrt(5) - 1) / 2
	a, b := lo, hi
	c := b - invphi*(b-a)
	d := a + invphi*(b-a)
	fc, fd := ll(c), ll(d)
	for iter := 0; iter < lmmGoldenIters; iter++ {
		if fc > fd {
			b, d, fd = d, c, fc
			c = b - invphi*(b-a)
			fc = ll(c)
		} else {
			a, c, fc = c, d, fd
			d = a + invphi*(b-a)
			fd = ll(d)
		}
	}
	logDelta := (a + b) / 2
	if ll(logDelta) < bestLL {
		logDelta = lmmLogDeltaMin + float64(best)*step
	}
	return math.Pow(10, logDelta)
}

func (f *lmmFitter) forResponse(y []float64) (pairFunc, error) {
	yr := f.rotate(y)
	delta := f.estimateDelta(yr)
	sw := f.sqrtWeights(delta)
	pj, err := newProjector(f.weightedDesign(sw))
	if err != nil {
		return nil, err
	}
	yres := pj.residual(scaleBy(yr, sw))
	// Same reference as ordinary least squares: the residual
	// variance of the whitened model is estimated with df degrees
	// of freedom.
	df := f.n - f.p - 1
	return func(xr []float64, _ float64) (float64, float64, float64, error) {
		xw := scaleBy(xr, sw)
		xres := pj.residual(xw)
		beta, se, err := partialFit(xres, yres, floats.Dot(xw, xw), df)
		if err != nil {
			return 0, 0, 0, err
		}
		if se == 0 {
			return beta, se, 0, nil
		}
		return beta, se, twoSidedT(beta/se, df), nil
	}, nil
}
