// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type exportSuite struct{}

var _ = check.Suite(&exportSuite{})

func testRecords() []Record {
	return []Record{
		{PredictorID: "P2", ResponseID: "R1", Beta: 1.5, StdErr: 0.25, PValue: 0.001, QValue: 0.01, Distance: Distance{Kind: Finite, Hops: 2}, Strategy: FixedEffects},
		excludedRecord("P9", "R1", FixedEffects, 5),
		{PredictorID: "P1", ResponseID: "R2", Beta: -0.5, StdErr: 0.5, PValue: 0.3, QValue: 0.4, Distance: Distance{Kind: Unreachable}, Strategy: FixedEffects},
		{PredictorID: "P1", ResponseID: "R1", Beta: 2, StdErr: 0.25, PValue: 0.0001, QValue: 0.01, Distance: Distance{Kind: Undefined}, Strategy: FixedEffects},
		{PredictorID: "P3", ResponseID: "R1", Beta: 0.1, StdErr: 1, PValue: 0.9, QValue: 0.9, Strategy: FixedEffects},
	}
}

func (s *exportSuite) TestSortRecords(c *check.C) {
	sorted := SortRecords(testRecords())
	var order []string
	for _, r := range sorted {
		order = append(order, r.PredictorID+"/"+r.ResponseID)
	}
	// q ties broken by p; NaN last
	c.Check(order, check.DeepEquals, []string{"P1/R1", "P2/R1", "P1/R2", "P3/R1", "P9/R1"})

	// equal q and p: by predictor, then response
	same := []Record{
		{PredictorID: "B", ResponseID: "R2", PValue: 0.1, QValue: 0.2},
		{PredictorID: "A", ResponseID: "R2", PValue: 0.1, QValue: 0.2},
		{PredictorID: "A", ResponseID: "R1", PValue: 0.1, QValue: 0.2},
	}
	sorted = SortRecords(same)
	c.Check(sorted[0].PredictorID+sorted[0].ResponseID, check.Equals, "AR1")
	c.Check(sorted[1].PredictorID+sorted[1].ResponseID, check.Equals, "AR2")
	c.Check(sorted[2].PredictorID+sorted[2].ResponseID, check.Equals, "BR2")
}

func (s *exportSuite) TestWriteTable(c *check.C) {
	var buf bytes.Buffer
	err := WriteTable(&buf, SortRecords(testRecords()), outputFormatCSV)
	c.Assert(err, check.IsNil)
	c.Check(buf.String(), check.Equals, `predictor_id,response_id,beta,standard_error,pvalue,qvalue,target_distance,strategy
P1,R1,2,0.25,0.0001,0.01,undefined,fixed
P2,R1,1.5,0.25,0.001,0.01,2,fixed
P1,R2,-0.5,0.5,0.3,0.4,unreachable,fixed
P3,R1,0.1,1,0.9,0.9,,fixed
P9,R1,NA,NA,NA,NA,,fixed
`)
}

func checkSameRecords(c *check.C, got, want []Record) {
	c.Assert(got, check.HasLen, len(want))
	for i := range want {
		g, w := got[i], want[i]
		c.Check(g.PredictorID, check.Equals, w.PredictorID)
		c.Check(g.ResponseID, check.Equals, w.ResponseID)
		c.Check(g.Distance, check.Equals, w.Distance)
		c.Check(g.Strategy, check.Equals, w.Strategy)
		c.Check(g.Excluded, check.Equals, w.Excluded)
		for k, pair := range [][2]float64{{g.Beta, w.Beta}, {g.StdErr, w.StdErr}, {g.PValue, w.PValue}, {g.QValue, w.QValue}} {
			if math.IsNaN(pair[1]) {
				c.Check(math.IsNaN(pair[0]), check.Equals, true, check.Commentf("record %d field %d", i, k))
			} else {
				c.Check(pair[0], check.Equals, pair[1], check.Commentf("record %d field %d", i, k))
			}
		}
	}
}

func (s *exportSuite) TestReadTable(c *check.C) {
	want := SortRecords(testRecords())
	var buf bytes.Buffer
	c.Assert(WriteTable(&buf, want, outputFormatTSV), check.IsNil)
	got, err := ReadTable(&buf, outputFormatTSV)
	c.Assert(err, check.IsNil)
	checkSameRecords(c, got, want)

	_, err = ReadTable(bytes.NewBufferString("a,b,c,d,e,f,g,h\n"), outputFormatCSV)
	c.Check(err, check.ErrorMatches, `unexpected header.*`)
}

func (s *exportSuite) TestSinks(c *check.C) {
	ctx := context.Background()
	dir := c.MkDir()
	want := SortRecords(testRecords())
	for _, dest := range []string{
		filepath.Join(dir, "out.csv"),
		filepath.Join(dir, "out.tsv"),
		filepath.Join(dir, "out.csv.gz"),
		"sqlite:" + filepath.Join(dir, "results.db"),
		"sqlite:" + filepath.Join(dir, "results.db") + "#batch_1",
	} {
		c.Logf("dest %s", dest)
		c.Assert(WriteResults(ctx, dest, want, nil), check.IsNil)
		got, err := ReadResults(ctx, dest)
		c.Assert(err, check.IsNil)
		checkSameRecords(c, got, want)
	}

	// overwrite replaces the table
	dest := "sqlite:" + filepath.Join(dir, "results.db")
	c.Assert(WriteResults(ctx, dest, want[:2], nil), check.IsNil)
	got, err := ReadResults(ctx, dest)
	c.Assert(err, check.IsNil)
	c.Check(got, check.HasLen, 2)

	gz, err := os.ReadFile(filepath.Join(dir, "out.csv.gz"))
	c.Assert(err, check.IsNil)
	c.Check(gz[:2], check.DeepEquals, []byte{0x1f, 0x8b})

	tsv, err := os.ReadFile(filepath.Join(dir, "out.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(bytes.HasPrefix(tsv, []byte("predictor_id\tresponse_id\t")), check.Equals, true)

	var stdout bytes.Buffer
	c.Assert(WriteResults(ctx, "-", want, &stdout), check.IsNil)
	c.Check(bytes.HasPrefix(stdout.Bytes(), []byte("predictor_id,response_id,")), check.Equals, true)
}

func (s *exportSuite) TestDestinationErrors(c *check.C) {
	ctx := context.Background()
	c.Check(WriteResults(ctx, "sqlite:x.db#bad-name", nil, nil), check.ErrorMatches, `.*invalid table name.*`)
	c.Check(WriteResults(ctx, "sqlite:", nil, nil), check.ErrorMatches, `.*no database path.*`)
	c.Check(WriteResults(ctx, "s3://bucket-only", nil, nil), check.ErrorMatches, `.*expected s3://bucket/key.*`)
	_, err := ReadResults(ctx, "-")
	c.Check(err, check.ErrorMatches, `.*cannot read results from stdout.*`)
	_, err = ReadResults(ctx, "sqlite:"+filepath.Join(c.MkDir(), "missing.db"))
	c.Check(err, check.NotNil)
}
