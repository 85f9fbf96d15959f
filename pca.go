// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"fmt"
	"io"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// PCACovariates returns the first k principal components of the
// samples in pred (rows are features, columns are samples), as
// covariates named PC1..PCk.
func PCACovariates(pred Matrix, k int) (CovariateMatrix, error) {
	rows, cols := pred.Rows(), len(pred.Samples)
	if k < 1 || k > rows || k > cols {
		return CovariateMatrix{}, configErrorf("cannot compute %d principal components from %d predictors × %d samples", k, rows, cols)
	}
	data := make([]float64, 0, rows*cols)
	for _, row := range pred.Data {
		data = append(data, row...)
	}
	mtx := mat.NewDense(rows, cols, data)

	log.Printf("pca: fitting %d components: %d rows, %d cols", k, rows, cols)
	transformer := nlp.NewPCA(k)
	transformer.Fit(mtx)
	pcs, err := transformer.Transform(mtx)
	if err != nil {
		return CovariateMatrix{}, err
	}
	pcs = pcs.T()

	names := make([]string, k)
	for c := range names {
		names[c] = fmt.Sprintf("PC%d", c+1)
	}
	out := make([][]float64, cols)
	for i := range out {
		out[i] = make([]float64, k)
		for c := 0; c < k; c++ {
			out[i][c] = pcs.At(i, c)
		}
	}
	return NewCovariateMatrix(append([]string(nil), pred.Samples...), names, out)
}

// WriteNpy writes the covariate values as a float64 samples × columns
// numpy array.
func (cm CovariateMatrix) WriteNpy(w io.Writer) error {
	rows, cols := len(cm.Samples), len(cm.Names)
	out := make([]float64, 0, rows*cols)
	for _, row := range cm.Data {
		out = append(out, row...)
	}
	return writeNpyFloat64(w, rows, cols, out)
}
