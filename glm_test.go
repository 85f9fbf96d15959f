// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

// A Gaussian GLM is least squares, so beta agrees with the fixed
// effects test, and the likelihood ratio referred to its exact F
// distribution gives the same p-value as the t test.
func (s *glmSuite) TestMatchesFixedEffects(c *check.C) {
	sim := Simulation{Samples: 40, Predictors: 3, Responses: 2, Effect: 1.5, Noise: 1, Seed: 21}
	pred, resp, err := sim.Generate()
	c.Assert(err, check.IsNil)
	ploidy := make([][]float64, len(pred.Samples))
	for i := range ploidy {
		ploidy[i] = []float64{float64(2 + i%3)}
	}
	covs, err := NewCovariateMatrix(pred.Samples, []string{"ploidy"}, ploidy)
	c.Assert(err, check.IsNil)

	fixed, err := Tester{Strategy: FixedEffects, Covariates: covs}.Test(pred, resp)
	c.Assert(err, check.IsNil)
	lrt, err := Tester{Strategy: GaussianLRT, Covariates: covs}.Test(pred, resp)
	c.Assert(err, check.IsNil)
	c.Assert(lrt, check.HasLen, len(fixed))
	for i := range fixed {
		c.Check(lrt[i].Excluded, check.Equals, false)
		c.Check(lrt[i].Strategy, check.Equals, GaussianLRT)
		checkClose(c, lrt[i].Beta, fixed[i].Beta, 1e-6, i)
		checkClose(c, lrt[i].PValue, fixed[i].PValue, 1e-6, i)
	}
	// planted effect
	c.Check(lrt[0].PValue < 1e-6, check.Equals, true, check.Commentf("p = %v", lrt[0].PValue))
}

func (s *glmSuite) TestDegenerate(c *check.C) {
	samples := []string{"S1", "S2", "S3", "S4"}
	pred := mustMatrix(c, []string{"P1", "P2"}, samples, [][]float64{{1, 2, 3, 4}, {1, 1, 1, 1}})
	resp := mustMatrix(c, []string{"R1"}, samples, [][]float64{{1, 3, 2, 5}})
	records, err := Tester{Strategy: GaussianLRT}.Test(pred, resp)
	c.Assert(err, check.IsNil)
	c.Check(records[0].Excluded, check.Equals, false)
	c.Check(records[1].Excluded, check.Equals, true)
}
