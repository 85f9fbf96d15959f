// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// KinshipMatrix is a sample × sample relatedness matrix. Row and
// column i correspond to Samples[i].
type KinshipMatrix struct {
	Samples Cohort
	K       *mat.SymDense
}

// LinearKinship returns K = ZᵀZ/m, where Z is the m × n matrix of
// (standardized) predictor rows, rescaled so the mean of the diagonal
// is 1. Only the upper triangle is computed; the lower triangle is
// its mirror image, so K is exactly symmetric.
func LinearKinship(pred Matrix) (*KinshipMatrix, error) {
	n, m := len(pred.Samples), pred.Rows()
	if m == 0 || n == 0 {
		return nil, configErrorf("kinship: empty predictor matrix (%d rows, %d samples)", m, n)
	}
	for i, row := range pred.Data {
		for j, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, configErrorf("kinship: predictor %q has missing value for sample %q", pred.RowIDs[i], pred.Samples[j])
			}
		}
	}
	upper := make([]float64, n*n)
	for _, row := range pred.Data {
		for a := 0; a < n; a++ {
			xa := row[a]
			if xa == 0 {
				continue
			}
			off := a * n
			for b := a; b < n; b++ {
				upper[off+b] += xa * row[b]
			}
		}
	}
	trace := 0.0
	for a := 0; a < n; a++ {
		trace += upper[a*n+a] / float64(m)
	}
	scale := 1.0
	if trace > 0 {
		scale = float64(n) / trace
	}
	sym := mat.NewSymDense(n, nil)
	for a := 0; a < n; a++ {
		for b := a; b < n; b++ {
			// SetSym writes both (a,b) and (b,a).
			sym.SetSym(a, b, upper[a*n+b]/float64(m)*scale)
		}
	}
	log.WithFields(log.Fields{
		"samples":    n,
		"predictors": m,
	}).Info("kinship: computed linear kinship")
	return &KinshipMatrix{Samples: append(Cohort(nil), pred.Samples...), K: sym}, nil
}

// Align returns the kinship submatrix for the given samples, in the
// given order.
func (km *KinshipMatrix) Align(samples Cohort) (*KinshipMatrix, error) {
	idx := km.Samples.Index()
	pos := make([]int, len(samples))
	for i, s := range samples {
		p, ok := idx[s]
		if !ok {
			return nil, configErrorf("kinship: sample %q not present in kinship matrix", s)
		}
		pos[i] = p
	}
	sym := mat.NewSymDense(len(samples), nil)
	for i := range samples {
		for j := i; j < len(samples); j++ {
			sym.SetSym(i, j, km.K.At(pos[i], pos[j]))
		}
	}
	return &KinshipMatrix{Samples: append(Cohort(nil), samples...), K: sym}, nil
}

// WriteNpy writes K as a float64 n × n numpy array.
func (km *KinshipMatrix) WriteNpy(w io.Writer) error {
	n := len(km.Samples)
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = km.K.At(i, j)
		}
	}
	return writeNpyFloat64(w, n, n, out)
}

func writeNpyFloat64(w io.Writer, rows, cols int, data []float64) error {
	bufw := bufio.NewWriter(w)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return fmt.Errorf("gonpy.NewWriter: %w", err)
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing numpy: %d rows, %d cols", rows, cols)
	err = npw.WriteFloat64(data)
	if err != nil {
		return err
	}
	return bufw.Flush()
}
