// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TableHeader is the column list of an exported result table.
var TableHeader = []string{"predictor_id", "response_id", "beta", "standard_error", "pvalue", "qvalue", "target_distance", "strategy"}

type outputFormat struct {
	Delim rune
}

var (
	outputFormats = map[string]outputFormat{
		"csv": outputFormatCSV,
		"tsv": outputFormatTSV,
	}
	outputFormatCSV = outputFormat{Delim: ','}
	outputFormatTSV = outputFormat{Delim: '\t'}
)

// formatFor returns the table format implied by a destination name.
func formatFor(dest string) outputFormat {
	ext := strings.TrimPrefix(path.Ext(strings.TrimSuffix(dest, ".gz")), ".")
	if f, ok := outputFormats[ext]; ok {
		return f
	}
	if delimiterFor(dest) == '\t' {
		return outputFormatTSV
	}
	return outputFormatCSV
}

// lessNaNLast orders a before b, with NaN after every number. ok is
// false if a and b are equal (or both NaN).
func lessNaNLast(a, b float64) (less, ok bool) {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return false, false
	case an:
		return false, true
	case bn:
		return true, true
	case a == b:
		return false, false
	}
	return a < b, true
}

// SortRecords returns a sorted copy of records: ascending q-value,
// then ascending p-value (NaN last in both), then predictor ID, then
// response ID.
func SortRecords(records []Record) []Record {
	out := append([]Record(nil), records...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if less, ok := lessNaNLast(a.QValue, b.QValue); ok {
			return less
		}
		if less, ok := lessNaNLast(a.PValue, b.PValue); ok {
			return less
		}
		if a.PredictorID != b.PredictorID {
			return a.PredictorID < b.PredictorID
		}
		return a.ResponseID < b.ResponseID
	})
	return out
}

// WriteTable writes records, in the given order, as a delimited table
// with a TableHeader header row. Missing numbers are written as NA.
func WriteTable(w io.Writer, records []Record, format outputFormat) error {
	cw := csv.NewWriter(w)
	cw.Comma = format.Delim
	if err := cw.Write(TableHeader); err != nil {
		return err
	}
	row := make([]string, len(TableHeader))
	for _, r := range records {
		row[0] = r.PredictorID
		row[1] = r.ResponseID
		row[2] = formatFloat(r.Beta)
		row[3] = formatFloat(r.StdErr)
		row[4] = formatFloat(r.PValue)
		row[5] = formatFloat(r.QValue)
		row[6] = r.Distance.String()
		row[7] = string(r.Strategy)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	log.Debugf("wrote %d records", len(records))
	return nil
}

// ReadTable parses a table written by WriteTable. Rows with a missing
// p-value are marked Excluded.
func ReadTable(r io.Reader, format outputFormat) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.Comma = format.Delim
	cr.FieldsPerRecord = len(TableHeader)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(TableHeader, ",") {
		return nil, fmt.Errorf("unexpected header %q", header)
	}
	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		rec := Record{
			PredictorID: row[0],
			ResponseID:  row[1],
			Strategy:    Strategy(row[7]),
		}
		for k, dst := range []*float64{&rec.Beta, &rec.StdErr, &rec.PValue, &rec.QValue} {
			*dst, err = parseValue(row[2+k])
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, TableHeader[2+k], err)
			}
		}
		rec.Distance, err = ParseDistance(row[6])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec.Excluded = math.IsNaN(rec.PValue)
		records = append(records, rec)
	}
	return records, nil
}

func formatFloat(x float64) string {
	if math.IsNaN(x) {
		return "NA"
	}
	return strconv.FormatFloat(x, 'g', -1, 64)
}
