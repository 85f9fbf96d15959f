// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
)

// QValues returns Benjamini-Hochberg q-values for p, in the same
// order. NaN p-values get NaN q-values and do not count toward the
// number of hypotheses. Tied p-values get the same q-value.
func QValues(p []float64) []float64 {
	q := make([]float64, len(p))
	order := make([]int, 0, len(p))
	for i, v := range p {
		if math.IsNaN(v) {
			q[i] = math.NaN()
		} else {
			order = append(order, i)
		}
	}
	n := len(order)
	if n == 0 {
		return q
	}
	sort.SliceStable(order, func(a, b int) bool { return p[order[a]] < p[order[b]] })

	// Walk from the largest p-value down, keeping the running
	// minimum of p*n/rank. Within a run of ties every member uses
	// the rank of the last one, so they share a q-value.
	running := 1.0
	for end := n - 1; end >= 0; {
		start := end
		for start > 0 && p[order[start-1]] == p[order[end]] {
			start--
		}
		v := p[order[end]] * float64(n) / float64(end+1)
		if v < running {
			running = v
		}
		for k := start; k <= end; k++ {
			q[order[k]] = running
		}
		end = start - 1
	}
	return q
}

// CorrectRecords returns a copy of records with QValue computed over
// the whole slice. Excluded records keep a NaN q-value. The caller
// must pass every hypothesis of the batch at once.
func CorrectRecords(records []Record) []Record {
	p := make([]float64, len(records))
	for i, r := range records {
		if r.Excluded {
			p[i] = math.NaN()
		} else {
			p[i] = r.PValue
		}
	}
	q := QValues(p)
	out := make([]Record, len(records))
	tested := 0
	for i, r := range records {
		r.QValue = q[i]
		if !math.IsNaN(q[i]) {
			tested++
		}
		out[i] = r
	}
	log.WithFields(log.Fields{
		"hypotheses": tested,
		"excluded":   len(records) - tested,
	}).Info("multiple testing correction done")
	return out
}
