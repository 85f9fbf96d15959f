// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"bytes"
	"errors"
	"math"
	"strings"

	"gopkg.in/check.v1"
)

type tableSuite struct{}

var _ = check.Suite(&tableSuite{})

func (s *tableSuite) TestReadMatrix(c *check.C) {
	m, err := ReadMatrix(strings.NewReader("id,S1,S2,S3\nP1,1,NA,3\nP2,4,5,\n"), ',')
	c.Assert(err, check.IsNil)
	c.Check(m.RowIDs, check.DeepEquals, []string{"P1", "P2"})
	c.Check([]string(m.Samples), check.DeepEquals, []string{"S1", "S2", "S3"})
	c.Check(m.Data[0][0], check.Equals, 1.0)
	c.Check(math.IsNaN(m.Data[0][1]), check.Equals, true)
	c.Check(math.IsNaN(m.Data[1][2]), check.Equals, true)

	var buf bytes.Buffer
	c.Assert(WriteMatrix(&buf, m, '\t'), check.IsNil)
	c.Check(buf.String(), check.Equals, "id\tS1\tS2\tS3\nP1\t1\tNA\t3\nP2\t4\t5\tNA\n")
}

func (s *tableSuite) TestReadMatrixErrors(c *check.C) {
	_, err := ReadMatrix(strings.NewReader("id,S1,S1\nP1,1,2\n"), ',')
	c.Check(err, check.ErrorMatches, `.*duplicate sample.*`)
	_, err = ReadMatrix(strings.NewReader("id,S1,S2\nP1,1\n"), ',')
	c.Check(err, check.ErrorMatches, `line 2: 2 fields, expected 3`)
	_, err = ReadMatrix(strings.NewReader("id,S1,S2\nP1,1,x\n"), ',')
	c.Check(err, check.ErrorMatches, `row "P1" sample "S2": .*`)
}

func (s *tableSuite) TestAlign(c *check.C) {
	m := mustMatrix(c, []string{"P1"}, []string{"S1", "S2", "S3"}, [][]float64{{1, 2, 3}})
	a, err := m.Align(Cohort{"S3", "S1"})
	c.Assert(err, check.IsNil)
	c.Check(a.Data[0], check.DeepEquals, []float64{3, 1})
	_, err = m.Align(Cohort{"S4"})
	var cerr *ConfigurationError
	c.Check(errors.As(err, &cerr), check.Equals, true)

	c.Check([]string(IntersectCohorts(Cohort{"a", "b", "c", "d"}, Cohort{"d", "b", "x"}, Cohort{"b", "d"})), check.DeepEquals, []string{"b", "d"})
}

func (s *tableSuite) TestCovariates(c *check.C) {
	cm, err := ReadCovariates(strings.NewReader("sample\tage\tsite\nS1\t30\tb\nS2\t40\ta\nS3\t50\tc\n"), '\t', []string{"site"})
	c.Assert(err, check.IsNil)
	c.Check(cm.Names, check.DeepEquals, []string{"site_b", "site_c", "age"})
	c.Check(cm.Data[0], check.DeepEquals, []float64{1, 0, 30})
	c.Check(cm.Data[1], check.DeepEquals, []float64{0, 0, 40})
	c.Check(cm.Data[2], check.DeepEquals, []float64{0, 1, 50})

	_, err = ReadCovariates(strings.NewReader("sample\tage\nS1\tNA\n"), '\t', nil)
	c.Check(err, check.ErrorMatches, `.*missing value.*`)
	_, err = ReadCovariates(strings.NewReader("sample\tage\nS1\t3\n"), '\t', []string{"site"})
	c.Check(err, check.ErrorMatches, `.*no column named.*`)
}

func (s *tableSuite) TestJoin(c *check.C) {
	a, err := NewCovariateMatrix([]string{"S1", "S2", "S3"}, []string{"x"}, [][]float64{{1}, {2}, {3}})
	c.Assert(err, check.IsNil)
	b, err := NewCovariateMatrix([]string{"S3", "S2"}, []string{"y"}, [][]float64{{30}, {20}})
	c.Assert(err, check.IsNil)
	j, err := a.Join(b)
	c.Assert(err, check.IsNil)
	c.Check([]string(j.Samples), check.DeepEquals, []string{"S2", "S3"})
	c.Check(j.Names, check.DeepEquals, []string{"x", "y"})
	c.Check(j.Data, check.DeepEquals, [][]float64{{2, 20}, {3, 30}})

	empty, err := CovariateMatrix{}.Join(b)
	c.Assert(err, check.IsNil)
	c.Check(empty.Names, check.DeepEquals, []string{"y"})
}
