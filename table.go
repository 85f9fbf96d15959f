// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"fmt"
	"math"
	"sort"
)

// Cohort is an ordered list of unique sample IDs. It is the only key
// used to line up columns of different tables.
type Cohort []string

// Index returns a map from sample ID to position.
func (c Cohort) Index() map[string]int {
	idx := make(map[string]int, len(c))
	for i, s := range c {
		idx[s] = i
	}
	return idx
}

// IntersectCohorts returns the samples present in every argument, in
// the order they appear in the first one.
func IntersectCohorts(first Cohort, others ...Cohort) Cohort {
	var out Cohort
	sets := make([]map[string]int, len(others))
	for i, o := range others {
		sets[i] = o.Index()
	}
SAMPLE:
	for _, s := range first {
		for _, set := range sets {
			if _, ok := set[s]; !ok {
				continue SAMPLE
			}
		}
		out = append(out, s)
	}
	return out
}

// Matrix is a row-id × sample table of real values. NaN marks a
// missing entry. Data[i][j] is the value of row RowIDs[i] for sample
// Samples[j].
type Matrix struct {
	RowIDs  []string
	Samples Cohort
	Data    [][]float64
}

// NewMatrix checks that row and sample IDs are unique and that the
// data has the declared shape.
func NewMatrix(rowIDs []string, samples []string, data [][]float64) (Matrix, error) {
	if err := checkUnique("row", rowIDs); err != nil {
		return Matrix{}, err
	}
	if err := checkUnique("sample", samples); err != nil {
		return Matrix{}, err
	}
	if len(data) != len(rowIDs) {
		return Matrix{}, configErrorf("matrix has %d row IDs but %d data rows", len(rowIDs), len(data))
	}
	for i, row := range data {
		if len(row) != len(samples) {
			return Matrix{}, configErrorf("row %q has %d values, expected %d", rowIDs[i], len(row), len(samples))
		}
	}
	return Matrix{RowIDs: rowIDs, Samples: Cohort(samples), Data: data}, nil
}

func checkUnique(what string, ids []string) error {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return configErrorf("duplicate %s ID %q", what, id)
		}
		seen[id] = true
	}
	return nil
}

// Rows returns the number of rows.
func (m Matrix) Rows() int { return len(m.RowIDs) }

// Align returns a new matrix whose columns are exactly the given
// samples, in the given order. Every sample must be present in m.
func (m Matrix) Align(samples Cohort) (Matrix, error) {
	idx := m.Samples.Index()
	cols := make([]int, len(samples))
	for j, s := range samples {
		col, ok := idx[s]
		if !ok {
			return Matrix{}, configErrorf("sample %q not present in matrix", s)
		}
		cols[j] = col
	}
	out := Matrix{
		RowIDs:  append([]string(nil), m.RowIDs...),
		Samples: append(Cohort(nil), samples...),
		Data:    make([][]float64, len(m.Data)),
	}
	for i, row := range m.Data {
		nrow := make([]float64, len(cols))
		for j, col := range cols {
			nrow[j] = row[col]
		}
		out.Data[i] = nrow
	}
	return out, nil
}

// SelectRows returns a new matrix containing only rows for which keep
// returns true. Row data is shared with m; callers must not modify it.
func (m Matrix) SelectRows(keep func(i int) bool) Matrix {
	out := Matrix{Samples: m.Samples}
	for i, id := range m.RowIDs {
		if keep(i) {
			out.RowIDs = append(out.RowIDs, id)
			out.Data = append(out.Data, m.Data[i])
		}
	}
	return out
}

// CovariateMatrix is a sample × covariate table with no missing
// values. Categorical covariates must already be encoded numerically
// (see OneHot).
type CovariateMatrix struct {
	Samples Cohort
	Names   []string
	Data    [][]float64 // Data[sample][covariate]
}

// NewCovariateMatrix rejects missing values and duplicate names.
func NewCovariateMatrix(samples []string, names []string, data [][]float64) (CovariateMatrix, error) {
	if err := checkUnique("sample", samples); err != nil {
		return CovariateMatrix{}, err
	}
	if err := checkUnique("covariate", names); err != nil {
		return CovariateMatrix{}, err
	}
	if len(data) != len(samples) {
		return CovariateMatrix{}, configErrorf("covariates: %d samples but %d data rows", len(samples), len(data))
	}
	for i, row := range data {
		if len(row) != len(names) {
			return CovariateMatrix{}, configErrorf("covariates: sample %q has %d values, expected %d", samples[i], len(row), len(names))
		}
		for j, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return CovariateMatrix{}, configErrorf("covariates: sample %q has missing value for %q", samples[i], names[j])
			}
		}
	}
	return CovariateMatrix{Samples: Cohort(samples), Names: names, Data: data}, nil
}

// Align returns covariates for exactly the given samples, in order.
func (cm CovariateMatrix) Align(samples Cohort) (CovariateMatrix, error) {
	idx := cm.Samples.Index()
	out := CovariateMatrix{
		Samples: append(Cohort(nil), samples...),
		Names:   append([]string(nil), cm.Names...),
		Data:    make([][]float64, len(samples)),
	}
	for i, s := range samples {
		row, ok := idx[s]
		if !ok {
			return CovariateMatrix{}, configErrorf("sample %q has no covariates", s)
		}
		out.Data[i] = append([]float64(nil), cm.Data[row]...)
	}
	return out, nil
}

// Join returns a covariate matrix with the columns of cm followed by
// the columns of other, restricted to samples present in both.
func (cm CovariateMatrix) Join(other CovariateMatrix) (CovariateMatrix, error) {
	if len(cm.Names) == 0 && len(cm.Samples) == 0 {
		return other, nil
	}
	samples := IntersectCohorts(cm.Samples, other.Samples)
	a, err := cm.Align(samples)
	if err != nil {
		return CovariateMatrix{}, err
	}
	b, err := other.Align(samples)
	if err != nil {
		return CovariateMatrix{}, err
	}
	names := append(append([]string(nil), a.Names...), b.Names...)
	data := make([][]float64, len(samples))
	for i := range samples {
		data[i] = append(a.Data[i], b.Data[i]...)
	}
	return NewCovariateMatrix(samples, names, data)
}

// OneHot encodes a categorical sample annotation as indicator
// columns named prefix_level. The alphabetically first level is the
// reference and gets no column, so the design stays full rank when an
// intercept is present.
func OneHot(prefix string, samples []string, levels []string) (CovariateMatrix, error) {
	if len(samples) != len(levels) {
		return CovariateMatrix{}, configErrorf("one-hot %s: %d samples but %d values", prefix, len(samples), len(levels))
	}
	distinct := map[string]bool{}
	for _, l := range levels {
		distinct[l] = true
	}
	var sorted []string
	for l := range distinct {
		sorted = append(sorted, l)
	}
	sort.Strings(sorted)
	if len(sorted) > 0 {
		sorted = sorted[1:]
	}
	col := make(map[string]int, len(sorted))
	names := make([]string, len(sorted))
	for i, l := range sorted {
		col[l] = i
		names[i] = fmt.Sprintf("%s_%s", prefix, l)
	}
	data := make([][]float64, len(samples))
	for i, l := range levels {
		data[i] = make([]float64, len(sorted))
		if c, ok := col[l]; ok {
			data[i][c] = 1
		}
	}
	return NewCovariateMatrix(samples, names, data)
}
