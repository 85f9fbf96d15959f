// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Segment is a genomic interval with a constant copy number in one
// sample.
type Segment struct {
	Sample     string
	Chrom      string
	Start, End int64
	CopyNumber float64
}

// Accepted header names (case insensitive) for each segment column.
// The last alias of each is the PICNIC summary segmentation header.
var segmentColumns = map[string][]string{
	"sample": {"sample", "sample_id", "model_id", "cellline"},
	"chrom":  {"chrom", "chromosome", "chr"},
	"start":  {"start", "startpos"},
	"end":    {"end", "endpos"},
	"cn":     {"copy_number", "copynumber", "cn", "total_cn", "totalcn"},
}

// PICNIC numbers the sex chromosomes.
var numberedSexChrom = map[string]string{"23": "X", "24": "Y"}

// ReadSegments reads a delimited segment table with a header row
// naming (at least) sample, chromosome, start, end and copy number
// columns.
func ReadSegments(r io.Reader, delim rune) ([]Segment, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading segment header: %w", err)
	}
	col := map[string]int{}
	for want, aliases := range segmentColumns {
		for i, h := range header {
			for _, alias := range aliases {
				if strings.EqualFold(strings.TrimSpace(h), alias) {
					col[want] = i
				}
			}
		}
		if _, ok := col[want]; !ok {
			return nil, configErrorf("segments: no %s column (tried %q)", want, aliases)
		}
	}
	var segs []Segment
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		seg := Segment{Sample: row[col["sample"]], Chrom: row[col["chrom"]]}
		if x, ok := numberedSexChrom[seg.Chrom]; ok {
			seg.Chrom = x
		}
		seg.Start, err = strconv.ParseInt(row[col["start"]], 10, 64)
		if err == nil {
			seg.End, err = strconv.ParseInt(row[col["end"]], 10, 64)
		}
		if err == nil {
			seg.CopyNumber, err = strconv.ParseFloat(row[col["cn"]], 64)
		}
		if err != nil {
			return nil, fmt.Errorf("segments line %d: %w", line, err)
		}
		if seg.End <= seg.Start {
			log.Warnf("segments line %d: empty interval %d-%d, skipping", line, seg.Start, seg.End)
			continue
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// PloidyRow is the copy number of one chromosome of one sample, or of
// the whole sample if Chrom is empty.
type PloidyRow struct {
	Sample string
	Chrom  string
	Ploidy float64
	Length int64
}

// ChromosomePloidy returns the length-weighted mean copy number of
// each (sample, chromosome), sorted by sample then chromosome.
func ChromosomePloidy(segs []Segment) []PloidyRow {
	return aggregatePloidy(segs, func(s Segment) PloidyRow { return PloidyRow{Sample: s.Sample, Chrom: s.Chrom} })
}

// SamplePloidy returns the length-weighted mean copy number of each
// sample over its autosomal segments, sorted by sample.
func SamplePloidy(segs []Segment) []PloidyRow {
	var auto []Segment
	for _, s := range segs {
		if isAutosome(s.Chrom) {
			auto = append(auto, s)
		}
	}
	return aggregatePloidy(auto, func(s Segment) PloidyRow { return PloidyRow{Sample: s.Sample} })
}

func isAutosome(chrom string) bool {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(chrom), "chr"))
	return err == nil && n >= 1 && n <= 22
}

func aggregatePloidy(segs []Segment, group func(Segment) PloidyRow) []PloidyRow {
	type acc struct {
		weighted float64
		length   int64
	}
	sums := map[PloidyRow]*acc{}
	for _, s := range segs {
		k := group(s)
		a := sums[k]
		if a == nil {
			a = &acc{}
			sums[k] = a
		}
		l := s.End - s.Start
		a.weighted += float64(l) * s.CopyNumber
		a.length += l
	}
	out := make([]PloidyRow, 0, len(sums))
	for k, a := range sums {
		k.Ploidy = a.weighted / float64(a.length)
		k.Length = a.length
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sample != out[j].Sample {
			return out[i].Sample < out[j].Sample
		}
		return chromLess(out[i].Chrom, out[j].Chrom)
	})
	return out
}

// chromLess orders chromosome names numerically where possible
// (chr2 < chr10), with non-numeric names (X, Y, MT) after, sorted as
// strings.
func chromLess(a, b string) bool {
	na, erra := strconv.Atoi(strings.TrimPrefix(strings.ToLower(a), "chr"))
	nb, errb := strconv.Atoi(strings.TrimPrefix(strings.ToLower(b), "chr"))
	switch {
	case erra == nil && errb == nil:
		return na < nb
	case erra == nil:
		return true
	case errb == nil:
		return false
	}
	return a < b
}

// PloidyCovariates returns per-sample ploidy as a one-column
// covariate matrix named "ploidy".
func PloidyCovariates(segs []Segment) (CovariateMatrix, error) {
	rows := SamplePloidy(segs)
	samples := make([]string, len(rows))
	data := make([][]float64, len(rows))
	for i, r := range rows {
		samples[i] = r.Sample
		data[i] = []float64{r.Ploidy}
	}
	return NewCovariateMatrix(samples, []string{"ploidy"}, data)
}

// WritePloidy writes rows as a delimited table.
func WritePloidy(w io.Writer, rows []PloidyRow, delim rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = delim
	cw.Write([]string{"sample", "chromosome", "ploidy", "length"})
	for _, r := range rows {
		cw.Write([]string{r.Sample, r.Chrom, formatFloat(r.Ploidy), strconv.FormatInt(r.Length, 10)})
	}
	cw.Flush()
	return cw.Error()
}
