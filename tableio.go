// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// delimiterFor returns the field separator implied by a filename:
// tab for .tsv/.txt (optionally .gz), comma otherwise.
func delimiterFor(fnm string) rune {
	fnm = strings.TrimSuffix(fnm, ".gz")
	if strings.HasSuffix(fnm, ".tsv") || strings.HasSuffix(fnm, ".txt") {
		return '\t'
	}
	return ','
}

func isMissing(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "NA", "na", "NaN", "nan", "null", "None":
		return true
	}
	return false
}

func parseValue(s string) (float64, error) {
	if isMissing(s) {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// readGrid reads a delimited table: header row (first cell ignored),
// then one row per record with the record ID in the first column.
func readGrid(r io.Reader, delim rune) (header []string, ids []string, cells [][]string, err error) {
	rdr := csv.NewReader(bufio.NewReaderSize(r, 1<<20))
	rdr.Comma = delim
	rdr.FieldsPerRecord = -1
	rdr.ReuseRecord = false
	line := 0
	for {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, nil, nil, err
		}
		line++
		if header == nil {
			if len(rec) < 2 {
				return nil, nil, nil, fmt.Errorf("line %d: header has %d fields, need at least 2", line, len(rec))
			}
			header = rec[1:]
			continue
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) != len(header)+1 {
			return nil, nil, nil, fmt.Errorf("line %d: %d fields, expected %d", line, len(rec), len(header)+1)
		}
		ids = append(ids, rec[0])
		cells = append(cells, rec[1:])
	}
	if header == nil {
		return nil, nil, nil, fmt.Errorf("empty table")
	}
	return header, ids, cells, nil
}

// ReadMatrix reads a row-id × sample table. The header row lists
// sample IDs; each following row starts with its row ID.
func ReadMatrix(r io.Reader, delim rune) (Matrix, error) {
	samples, ids, cells, err := readGrid(r, delim)
	if err != nil {
		return Matrix{}, err
	}
	data := make([][]float64, len(cells))
	missing := 0
	for i, row := range cells {
		data[i] = make([]float64, len(row))
		for j, s := range row {
			x, err := parseValue(s)
			if err != nil {
				return Matrix{}, fmt.Errorf("row %q sample %q: %w", ids[i], samples[j], err)
			}
			if math.IsNaN(x) {
				missing++
			}
			data[i][j] = x
		}
	}
	log.WithFields(log.Fields{
		"rows":    len(ids),
		"samples": len(samples),
		"missing": missing,
	}).Debug("read matrix")
	return NewMatrix(ids, samples, data)
}

// ReadMatrixFile opens fnm (transparently decompressing .gz, reading
// through Arvados where applicable) and reads a matrix from it.
func ReadMatrixFile(fnm string) (Matrix, error) {
	f, err := zopen(fnm)
	if err != nil {
		return Matrix{}, err
	}
	defer f.Close()
	m, err := ReadMatrix(f, delimiterFor(fnm))
	if err != nil {
		return Matrix{}, fmt.Errorf("%s: %w", fnm, err)
	}
	return m, nil
}

// ReadCovariates reads a sample × column table. Columns named in
// categorical are one-hot encoded (see OneHot); all other columns
// must be numeric and complete.
func ReadCovariates(r io.Reader, delim rune, categorical []string) (CovariateMatrix, error) {
	header, samples, cells, err := readGrid(r, delim)
	if err != nil {
		return CovariateMatrix{}, err
	}
	iscat := map[string]bool{}
	for _, c := range categorical {
		iscat[c] = true
	}
	var out CovariateMatrix
	var numNames []string
	numData := make([][]float64, len(samples))
	for col, name := range header {
		if iscat[name] {
			levels := make([]string, len(samples))
			for i := range samples {
				if isMissing(cells[i][col]) {
					return CovariateMatrix{}, configErrorf("covariates: sample %q has missing value for %q", samples[i], name)
				}
				levels[i] = cells[i][col]
			}
			oh, err := OneHot(name, samples, levels)
			if err != nil {
				return CovariateMatrix{}, err
			}
			out, err = out.Join(oh)
			if err != nil {
				return CovariateMatrix{}, err
			}
			delete(iscat, name)
			continue
		}
		numNames = append(numNames, name)
		for i := range samples {
			x, err := parseValue(cells[i][col])
			if err != nil {
				return CovariateMatrix{}, fmt.Errorf("covariates: sample %q column %q: %w", samples[i], name, err)
			}
			numData[i] = append(numData[i], x)
		}
	}
	if len(iscat) > 0 {
		var names []string
		for name := range iscat {
			names = append(names, name)
		}
		sort.Strings(names)
		return CovariateMatrix{}, configErrorf("covariates: no column named %q", names)
	}
	if len(numNames) > 0 {
		num, err := NewCovariateMatrix(samples, numNames, numData)
		if err != nil {
			return CovariateMatrix{}, err
		}
		out, err = out.Join(num)
		if err != nil {
			return CovariateMatrix{}, err
		}
	}
	if len(out.Samples) == 0 {
		// No usable columns: still record which samples exist so
		// the cohort intersection applies.
		out = CovariateMatrix{Samples: Cohort(samples), Data: make([][]float64, len(samples))}
	}
	return out, nil
}

// ReadCovariatesFile opens fnm and reads covariates from it.
func ReadCovariatesFile(fnm string, categorical []string) (CovariateMatrix, error) {
	f, err := zopen(fnm)
	if err != nil {
		return CovariateMatrix{}, err
	}
	defer f.Close()
	cm, err := ReadCovariates(f, delimiterFor(fnm), categorical)
	if err != nil {
		return CovariateMatrix{}, fmt.Errorf("%s: %w", fnm, err)
	}
	return cm, nil
}

// WriteMatrix writes m in the format read by ReadMatrix.
func WriteMatrix(w io.Writer, m Matrix, delim rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = delim
	err := cw.Write(append([]string{"id"}, m.Samples...))
	if err != nil {
		return err
	}
	rec := make([]string, len(m.Samples)+1)
	for i, id := range m.RowIDs {
		rec[0] = id
		for j, x := range m.Data[i] {
			rec[j+1] = formatFloat(x)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
