// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"errors"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/check.v1"
)

type preprocessSuite struct{}

var _ = check.Suite(&preprocessSuite{})

var nan = math.NaN()

func (s *preprocessSuite) TestFilters(c *check.C) {
	pred := mustMatrix(c, []string{"P1", "P2", "P3"}, []string{"S1", "S2", "S3", "S4", "S5"}, [][]float64{
		{1, 2, 3, 4, 5},
		{1, 1, 1, 1, 1},
		{1, nan, 3, 4, 5},
	})
	resp := mustMatrix(c, []string{"R1", "R2", "R3", "R4"}, []string{"S5", "S4", "S3", "S2", "S1", "S6"}, [][]float64{
		{5, 4, 3, 2, 1, 9},
		{nan, nan, 3, 4, 5, 0},
		{2, 2, 2, 2, 2, 2},
		{10, nan, 1, 20, 5, 0},
	})
	pp := Preprocessor{Config: FilterConfig{MinCompleteness: 0.8, MinResponseIQR: 1}}
	p, r, report, err := pp.Run(pred, resp)
	c.Assert(err, check.IsNil)
	c.Check(report.Samples, check.Equals, 5)
	c.Check([]string(p.Samples), check.DeepEquals, []string{"S1", "S2", "S3", "S4", "S5"})
	c.Check([]string(r.Samples), check.DeepEquals, []string(p.Samples))

	c.Check(p.RowIDs, check.DeepEquals, []string{"P1"})
	c.Check(report.DroppedPredictors["P2"], check.Matches, `iqr 0`)
	c.Check(report.DroppedPredictors["P3"], check.Matches, `1 missing values`)
	mean, std := stat.MeanStdDev(p.Data[0], nil)
	checkClose(c, mean, 0, 1e-12)
	checkClose(c, std, 1, 1e-12)
	checkClose(c, p.Data[0][4], 2/math.Sqrt(2.5), 1e-12)

	c.Check(r.RowIDs, check.DeepEquals, []string{"R1", "R4"})
	c.Check(report.DroppedResponses["R2"], check.Matches, `completeness 3/5`)
	c.Check(report.DroppedResponses["R3"], check.Matches, `iqr 0`)
	c.Check(r.Data[0], check.DeepEquals, []float64{1, 2, 3, 4, 5})
	c.Check(r.Data[1], check.DeepEquals, []float64{5, 20, 1, 9, 10})
	c.Check(report.ImputedResponses, check.Equals, 1)

	// inputs are not modified
	c.Check(math.IsNaN(resp.Data[3][1]), check.Equals, true)
	c.Check(pred.Data[0][0], check.Equals, 1.0)
}

func (s *preprocessSuite) TestBelowMeanAndStrongEffects(c *check.C) {
	samples := []string{"S1", "S2", "S3", "S4", "S5"}
	pred := mustMatrix(c, []string{"P1", "P2"}, samples, [][]float64{
		{-3, 0, 0, 0, 3},
		{0.1, 0.2, 0.3, 0.4, 0.5},
	})
	resp := mustMatrix(c, []string{"R1", "R2"}, samples, [][]float64{
		{0, 0, 0, 0, 10},
		{1, 2, 3, 4, 5},
	})
	pp := Preprocessor{Config: FilterConfig{
		MinCompleteness:  1,
		MinResponseIQR:   1,
		MinBelowMean:     3,
		StrongEffect:     2,
		MinStrongEffects: 2,
	}}
	p, r, report, err := pp.Run(pred, resp)
	c.Assert(err, check.IsNil)
	c.Check(p.RowIDs, check.DeepEquals, []string{"P1"})
	c.Check(report.DroppedPredictors["P2"], check.Equals, "0 strong effects")
	c.Check(r.RowIDs, check.DeepEquals, []string{"R1"})
	c.Check(report.DroppedResponses["R2"], check.Matches, `2 samples below mean 2.5`)
}

func (s *preprocessSuite) TestNoCommonSamples(c *check.C) {
	pred := mustMatrix(c, []string{"P1"}, []string{"A", "B"}, [][]float64{{1, 2}})
	resp := mustMatrix(c, []string{"R1"}, []string{"C", "D"}, [][]float64{{1, 2}})
	_, _, _, err := Preprocessor{}.Run(pred, resp)
	var cerr *ConfigurationError
	c.Check(errors.As(err, &cerr), check.Equals, true, check.Commentf("%T %v", err, err))
}

func (s *preprocessSuite) TestEverythingFiltered(c *check.C) {
	samples := []string{"S1", "S2", "S3"}
	pred := mustMatrix(c, []string{"P1"}, samples, [][]float64{{1, 2, 3}})
	resp := mustMatrix(c, []string{"R1"}, samples, [][]float64{{1, 1, 1}})
	_, _, report, err := Preprocessor{Config: FilterConfig{MinResponseIQR: 1}}.Run(pred, resp)
	c.Check(err, check.ErrorMatches, `configuration error: no responses left after filtering \(1 dropped\)`)
	c.Check(report.DroppedResponses, check.HasLen, 1)
}

func (s *preprocessSuite) TestStandardizeDegenerate(c *check.C) {
	m := mustMatrix(c, []string{"P1", "P2"}, []string{"S1", "S2", "S3"}, [][]float64{{1, 2, 3}, {4, 4, 4}})
	_, err := standardizeRows(m)
	var derr *DegenerateInputError
	c.Assert(errors.As(err, &derr), check.Equals, true)
	c.Check(derr.RowID, check.Equals, "P2")
	c.Check(derr.Stage, check.Equals, "standardize")
}

// The below-mean threshold is the mean of the per-sample means of the
// responses that pass the completeness filter.
func (s *preprocessSuite) TestBelowMeanThreshold(c *check.C) {
	samples := []string{"S1", "S2", "S3", "S4"}
	pred := mustMatrix(c, []string{"P1"}, samples, [][]float64{{1, 2, 3, 4}})
	resp := mustMatrix(c, []string{"R1", "R2", "R3", "R4"}, samples, [][]float64{
		{0, 0, 10, 10},
		{100, nan, nan, nan},
		{2, 4, 6, 8},
		{5, 6, 7, 8},
	})
	_, r, report, err := Preprocessor{Config: FilterConfig{MinCompleteness: 0.75, MinBelowMean: 2}}.Run(pred, resp)
	c.Assert(err, check.IsNil)
	c.Check(r.RowIDs, check.DeepEquals, []string{"R1", "R3"})
	c.Check(report.DroppedResponses["R2"], check.Equals, "completeness 1/4")
	c.Check(report.DroppedResponses["R4"], check.Equals, "1 samples below mean 5.5")
}

func (s *preprocessSuite) TestIQRMustExceedThreshold(c *check.C) {
	samples := []string{"S1", "S2", "S3", "S4"}
	pred := mustMatrix(c, []string{"P1"}, samples, [][]float64{{1, 2, 3, 4}})
	resp := mustMatrix(c, []string{"R1", "R2"}, samples, [][]float64{
		{1, 2, 3, 4},
		{1, 1, 2, 2},
	})
	_, r, report, err := Preprocessor{Config: FilterConfig{MinResponseIQR: 1}}.Run(pred, resp)
	c.Assert(err, check.IsNil)
	c.Check(r.RowIDs, check.DeepEquals, []string{"R1"})
	c.Check(report.DroppedResponses["R2"], check.Equals, "iqr 1")
}

func (s *preprocessSuite) TestEssentialLike(c *check.C) {
	samples := []string{"S1", "S2", "S3", "S4"}
	pred := mustMatrix(c, []string{"E1", "E2", "P1", "P2"}, samples, [][]float64{
		{-5, -4, -6, -5},
		{-3, -4, -2, -3},
		{-5, -5, 0, 1},
		{-5, 0, 1, 2},
	})
	resp := mustMatrix(c, []string{"R1"}, samples, [][]float64{{1, 2, 3, 4}})
	cfg := FilterConfig{EssentialGenes: []string{"E1", "E2", "E3"}, MaxEssentialLike: 0.5}
	p, _, report, err := Preprocessor{Config: cfg}.Run(pred, resp)
	c.Assert(err, check.IsNil)
	// essential mean is -4 in every sample
	c.Check(p.RowIDs, check.DeepEquals, []string{"E2", "P2"})
	c.Check(report.DroppedPredictors["E1"], check.Equals, "essential-like in 3/4 samples")
	c.Check(report.DroppedPredictors["P1"], check.Equals, "essential-like in 2/4 samples")

	cfg.MaxEssentialLike = 0
	p, _, _, err = Preprocessor{Config: cfg}.Run(pred, resp)
	c.Assert(err, check.IsNil)
	c.Check(p.Rows(), check.Equals, 4)

	cfg = FilterConfig{EssentialGenes: []string{"E9"}, MaxEssentialLike: 0.5}
	_, _, _, err = Preprocessor{Config: cfg}.Run(pred, resp)
	var cerr *ConfigurationError
	c.Check(errors.As(err, &cerr), check.Equals, true)
}

func (s *preprocessSuite) TestLoadEssentialGenes(c *check.C) {
	fnm := c.MkDir() + "/essential.tsv"
	err := os.WriteFile(fnm, []byte("gene\tsource\nE1\tbagel\n# comment\n\nE2\n"), 0666)
	c.Assert(err, check.IsNil)
	f := FilterConfig{EssentialGenesFile: fnm}
	c.Assert(f.LoadEssentialGenes(), check.IsNil)
	c.Check(f.EssentialGenes, check.DeepEquals, []string{"E1", "E2"})

	err = os.WriteFile(fnm, []byte("gene\n"), 0666)
	c.Assert(err, check.IsNil)
	c.Check(f.LoadEssentialGenes(), check.ErrorMatches, `.*no essential gene ids`)

	f = FilterConfig{}
	c.Check(f.LoadEssentialGenes(), check.IsNil)
	c.Check(f.EssentialGenes, check.IsNil)
}

func (s *preprocessSuite) TestFilterArgs(c *check.C) {
	f := FilterConfig{MinCompleteness: 0.5, MinResponseIQR: 0.25, MinBelowMean: 3, StrongEffect: 1.5, MinStrongEffects: 2, EssentialGenesFile: "/mnt/x/essential.tsv", MaxEssentialLike: 0.5}
	c.Check(f.Args(), check.DeepEquals, []string{
		"-min-completeness=0.5",
		"-min-response-iqr=0.25",
		"-min-predictor-iqr=0",
		"-min-below-mean=3",
		"-strong-effect=1.5",
		"-min-strong-effects=2",
		"-essential-genes=/mnt/x/essential.tsv",
		"-max-essential-like=0.5",
	})
}
