// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"fmt"
	"io"
	"math"

	fet "github.com/glycerine/golang-fisher-exact"
	log "github.com/sirupsen/logrus"
)

// Enrichment summarizes whether significant associations are
// over-represented among predictors close to a response's curated
// targets.
//
//	              significant   not significant
//	near target       N11             N12
//	far / none        N21             N22
//
// Only tested records with a Finite or Unreachable distance count;
// Unreachable is "far".
type Enrichment struct {
	MaxDistance int
	Alpha       float64
	N11, N12    int
	N21, N22    int
	OddsRatio   float64
	FisherP     float64 // two-sided Fisher exact test
	ChiSquareP  float64 // Pearson chi-squared, no continuity correction
	YatesP      float64 // chi-squared with Yates' continuity correction
}

// TargetEnrichment counts records into the 2×2 table above: "near"
// means distance ≤ maxDistance, "significant" means q ≤ alpha.
func TargetEnrichment(records []Record, maxDistance int, alpha float64) Enrichment {
	e := Enrichment{MaxDistance: maxDistance, Alpha: alpha}
	var near, sig []bool
	for _, r := range records {
		if r.Excluded || math.IsNaN(r.QValue) {
			continue
		}
		var isNear bool
		switch r.Distance.Kind {
		case Finite:
			isNear = r.Distance.Hops <= maxDistance
		case Unreachable:
			isNear = false
		default:
			continue
		}
		isSig := r.QValue <= alpha
		near = append(near, isNear)
		sig = append(sig, isSig)
		switch {
		case isNear && isSig:
			e.N11++
		case isNear:
			e.N12++
		case isSig:
			e.N21++
		default:
			e.N22++
		}
	}
	e.OddsRatio = float64(e.N11*e.N22) / float64(e.N12*e.N21)
	if len(near) == 0 {
		e.FisherP, e.ChiSquareP, e.YatesP = 1, 1, 1
		return e
	}
	_, _, _, e.FisherP = fet.FisherExactTest(e.N11, e.N12, e.N21, e.N22)
	e.ChiSquareP = chiSquarePvalue(near, sig)
	_, e.YatesP = fet.ChiSquareTest(e.N11, e.N12, e.N21, e.N22, true)
	log.WithFields(log.Fields{
		"n11": e.N11, "n12": e.N12, "n21": e.N21, "n22": e.N22,
		"fisherP": e.FisherP,
	}).Info("target enrichment")
	return e
}

// WriteTo writes the enrichment as a two-column key/value TSV.
func (e Enrichment) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "max_distance\t%d\nalpha\t%g\nnear_significant\t%d\nnear_not_significant\t%d\nfar_significant\t%d\nfar_not_significant\t%d\nodds_ratio\t%s\nfisher_p\t%s\nchisquare_p\t%s\nyates_p\t%s\n",
		e.MaxDistance, e.Alpha, e.N11, e.N12, e.N21, e.N22,
		formatFloat(e.OddsRatio), formatFloat(e.FisherP), formatFloat(e.ChiSquareP), formatFloat(e.YatesP))
	return int64(n), err
}
