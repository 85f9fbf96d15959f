// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

type assocSuite struct{}

var _ = check.Suite(&assocSuite{})

func (s *assocSuite) TestOLSKnownValues(c *check.C) {
	samples := []string{"S1", "S2", "S3", "S4", "S5"}
	pred := mustMatrix(c, []string{"P1"}, samples, [][]float64{{1, 2, 3, 4, 5}})
	resp := mustMatrix(c, []string{"R1"}, samples, [][]float64{{2, 4, 5, 4, 5}})
	records, err := Tester{Strategy: FixedEffects}.Test(pred, resp)
	c.Assert(err, check.IsNil)
	c.Assert(records, check.HasLen, 1)
	r := records[0]
	c.Check(r.PredictorID, check.Equals, "P1")
	c.Check(r.ResponseID, check.Equals, "R1")
	c.Check(r.Strategy, check.Equals, FixedEffects)
	c.Check(r.N, check.Equals, 5)
	c.Check(r.Excluded, check.Equals, false)
	c.Check(math.IsNaN(r.QValue), check.Equals, true)
	checkClose(c, r.Beta, 0.6, 1e-12)
	checkClose(c, r.StdErr, math.Sqrt(0.08), 1e-12)
	// t = 2.1213 on 3 degrees of freedom
	checkClose(c, r.PValue, 0.124027, 1e-6)
}

func randomMatrix(src rand.Source, rows int, samples []string) [][]float64 {
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	data := make([][]float64, rows)
	for i := range data {
		data[i] = make([]float64, len(samples))
		for j := range data[i] {
			data[i][j] = norm.Rand()
		}
	}
	return data
}

// With covariates, the coefficient and standard error must match the
// textbook fit of y on [1, z, x].
func (s *assocSuite) TestOLSCovariatesMatchFullFit(c *check.C) {
	src := rand.NewSource(42)
	samples := simIDs("S", 30)
	x := randomMatrix(src, 1, samples)[0]
	z := randomMatrix(src, 1, samples)[0]
	noise := randomMatrix(src, 1, samples)[0]
	y := make([]float64, len(samples))
	covData := make([][]float64, len(samples))
	for i := range y {
		y[i] = 1 + 0.5*x[i] + 2*z[i] + noise[i]
		covData[i] = []float64{z[i] + 0.3*x[i]}
	}
	covs, err := NewCovariateMatrix(samples, []string{"z"}, covData)
	c.Assert(err, check.IsNil)
	pred := mustMatrix(c, []string{"P1"}, samples, [][]float64{x})
	resp := mustMatrix(c, []string{"R1"}, samples, [][]float64{y})
	records, err := Tester{Strategy: FixedEffects, Covariates: covs}.Test(pred, resp)
	c.Assert(err, check.IsNil)

	n := len(samples)
	design := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
		design.Set(i, 1, covData[i][0])
		design.Set(i, 2, x[i])
	}
	var xtx, xtxInv mat.Dense
	xtx.Mul(design.T(), design)
	c.Assert(xtxInv.Inverse(&xtx), check.IsNil)
	var coef, fitted mat.VecDense
	var xty mat.VecDense
	xty.MulVec(design.T(), mat.NewVecDense(n, y))
	coef.MulVec(&xtxInv, &xty)
	fitted.MulVec(design, &coef)
	rss := 0.0
	for i := 0; i < n; i++ {
		e := y[i] - fitted.AtVec(i)
		rss += e * e
	}
	wantSE := math.Sqrt(rss / float64(n-3) * xtxInv.At(2, 2))
	checkClose(c, records[0].Beta, coef.AtVec(2), 1e-9)
	checkClose(c, records[0].StdErr, wantSE, 1e-9)
}

func (s *assocSuite) TestRecordOrderAndExclusion(c *check.C) {
	samples := []string{"S1", "S2", "S3", "S4", "S5"}
	pred := mustMatrix(c, []string{"P1", "Pconst", "P3"}, samples, [][]float64{
		{1, 2, 3, 4, 5},
		{7, 7, 7, 7, 7},
		{5, 3, 1, 2, 4},
	})
	resp := mustMatrix(c, []string{"R1", "Rconst"}, samples, [][]float64{
		{2, 4, 5, 4, 5},
		{0, 0, 0, 0, 0},
	})
	records, err := Tester{Strategy: FixedEffects, Threads: 2}.Test(pred, resp)
	c.Assert(err, check.IsNil)
	c.Assert(records, check.HasLen, 6)
	for j, rid := range resp.RowIDs {
		for i, pid := range pred.RowIDs {
			r := records[j*3+i]
			c.Check(r.PredictorID, check.Equals, pid)
			c.Check(r.ResponseID, check.Equals, rid)
			wantExcluded := pid == "Pconst" || rid == "Rconst"
			c.Check(r.Excluded, check.Equals, wantExcluded, check.Commentf("%s %s", pid, rid))
			c.Check(math.IsNaN(r.PValue), check.Equals, wantExcluded)
		}
	}
}

func (s *assocSuite) TestConfigurationErrors(c *check.C) {
	pred := mustMatrix(c, []string{"P1"}, []string{"S1", "S2", "S3", "S4"}, [][]float64{{1, 2, 3, 5}})
	resp := mustMatrix(c, []string{"R1"}, []string{"S1", "S2", "S4", "S3"}, [][]float64{{1, 2, 3, 5}})
	var cerr *ConfigurationError

	_, err := Tester{Strategy: FixedEffects}.Test(pred, resp)
	c.Check(errors.As(err, &cerr), check.Equals, true, check.Commentf("cohort mismatch: %v", err))

	_, err = Tester{Strategy: "bogus"}.Test(pred, pred)
	c.Check(errors.As(err, &cerr), check.Equals, true, check.Commentf("strategy: %v", err))

	constant, err := NewCovariateMatrix([]string{"S1", "S2", "S3", "S4"}, []string{"batch"}, [][]float64{{1}, {1}, {1}, {1}})
	c.Assert(err, check.IsNil)
	_, err = Tester{Strategy: FixedEffects, Covariates: constant}.Test(pred, pred)
	c.Check(err, check.ErrorMatches, `.*rank deficient.*`)

	_, err = Tester{Strategy: MixedModel}.Test(pred, pred)
	c.Check(err, check.ErrorMatches, `.*requires a kinship matrix.*`)
}

func identityKinship(samples Cohort) *KinshipMatrix {
	k := mat.NewSymDense(len(samples), nil)
	for i := range samples {
		k.SetSym(i, i, 1)
	}
	return &KinshipMatrix{Samples: samples, K: k}
}

// With K = I the random effect is indistinguishable from the residual,
// so the mixed model reduces to ordinary least squares.
func (s *assocSuite) TestMixedIdentityKinshipMatchesFixed(c *check.C) {
	sim := Simulation{Samples: 25, Predictors: 4, Responses: 3, Effect: 1, Noise: 1, Seed: 3}
	pred, resp, err := sim.Generate()
	c.Assert(err, check.IsNil)
	fixed, err := Tester{Strategy: FixedEffects}.Test(pred, resp)
	c.Assert(err, check.IsNil)
	mixed, err := Tester{Strategy: MixedModel, Kinship: identityKinship(pred.Samples)}.Test(pred, resp)
	c.Assert(err, check.IsNil)
	c.Assert(mixed, check.HasLen, len(fixed))
	for i := range fixed {
		c.Check(mixed[i].Strategy, check.Equals, MixedModel)
		checkClose(c, mixed[i].Beta, fixed[i].Beta, 1e-8, i)
		checkClose(c, mixed[i].StdErr, fixed[i].StdErr, 1e-8, i)
		checkClose(c, mixed[i].PValue, fixed[i].PValue, 1e-8, i)
	}
}

func (s *assocSuite) TestMixedDetectsEffect(c *check.C) {
	sim := Simulation{Samples: 60, Predictors: 20, Responses: 2, Effect: 2, Noise: 0.5, Seed: 11}
	pred, resp, err := sim.Generate()
	c.Assert(err, check.IsNil)
	// Estimate kinship from the other predictors only, so the
	// random effect does not absorb the planted effect.
	km, err := LinearKinship(pred.SelectRows(func(i int) bool { return i > 0 }))
	c.Assert(err, check.IsNil)
	records, err := Tester{Strategy: MixedModel, Kinship: km}.Test(pred, resp)
	c.Assert(err, check.IsNil)
	c.Check(records[0].PredictorID, check.Equals, "P001")
	c.Check(records[0].ResponseID, check.Equals, "R001")
	c.Check(records[0].PValue < 1e-6, check.Equals, true, check.Commentf("p = %v", records[0].PValue))
	checkClose(c, records[0].Beta, 2, 0.3)
}

// nullPValues returns the p-values of all pairs in several simulated
// screens without any planted effect.
func nullPValues(c *check.C, strategy Strategy, samples, predictors, responses, seeds int) []float64 {
	var ps []float64
	for seed := 1; seed <= seeds; seed++ {
		sim := Simulation{Samples: samples, Predictors: predictors, Responses: responses, Noise: 1, Seed: uint64(seed)}
		pred, resp, err := sim.Generate()
		c.Assert(err, check.IsNil)
		tester := Tester{Strategy: strategy}
		if strategy == MixedModel {
			tester.Kinship, err = LinearKinship(pred)
			c.Assert(err, check.IsNil)
		}
		records, err := tester.Test(pred, resp)
		c.Assert(err, check.IsNil)
		for _, r := range records {
			c.Assert(r.Excluded, check.Equals, false)
			c.Assert(r.PValue >= 0 && r.PValue <= 1, check.Equals, true, check.Commentf("%+v", r))
			ps = append(ps, r.PValue)
		}
	}
	return ps
}

// Under the null, p-values are approximately uniform: each decile
// holds about a tenth of them.
func (s *assocSuite) TestNullCalibration(c *check.C) {
	for _, strategy := range []Strategy{FixedEffects, MixedModel, GaussianLRT} {
		ps := nullPValues(c, strategy, 30, 40, 10, 6)
		var deciles [10]int
		for _, p := range ps {
			deciles[int(math.Min(p*10, 9))]++
		}
		for d, n := range deciles {
			frac := float64(n) / float64(len(ps))
			c.Check(frac > 0.06 && frac < 0.14, check.Equals, true, check.Commentf("%s: decile %d has %v of %d p-values", strategy, d, frac, len(ps)))
		}
	}
}

// With few samples the residual variance is poorly estimated; the t
// and F references keep the 5% tail at about 5%.
func (s *assocSuite) TestSmallCohortNullTail(c *check.C) {
	for _, strategy := range []Strategy{FixedEffects, MixedModel, GaussianLRT} {
		ps := nullPValues(c, strategy, 10, 40, 20, 4)
		small := 0
		for _, p := range ps {
			if p < 0.05 {
				small++
			}
		}
		frac := float64(small) / float64(len(ps))
		c.Check(frac > 0.02 && frac < 0.09, check.Equals, true, check.Commentf("%s: fraction %v", strategy, frac))
	}
}

func (s *assocSuite) TestDistanceEncoding(c *check.C) {
	for _, trial := range []struct {
		d Distance
		s string
	}{
		{Distance{}, ""},
		{Distance{Kind: Finite, Hops: 0}, "0"},
		{Distance{Kind: Finite, Hops: 3}, "3"},
		{Distance{Kind: Undefined}, "undefined"},
		{Distance{Kind: Unreachable}, "unreachable"},
	} {
		c.Check(trial.d.String(), check.Equals, trial.s)
		d, err := ParseDistance(trial.s)
		c.Check(err, check.IsNil)
		c.Check(d, check.Equals, trial.d, check.Commentf("%q", trial.s))
	}
	_, err := ParseDistance("-1")
	c.Check(err, check.NotNil)
	_, err = ParseDistance("far")
	c.Check(err, check.NotNil)
}
