// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	metricPairsTested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenassoc",
		Name:      "pairs_tested_total",
		Help:      "Predictor/response pairs processed by the association tester.",
	}, []string{"strategy"})
	metricPairsExcluded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenassoc",
		Name:      "pairs_excluded_total",
		Help:      "Pairs recorded as excluded (not testable).",
	})
	metricBFSRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenassoc",
		Name:      "network_bfs_total",
		Help:      "Multi-source breadth-first searches run by the network annotator.",
	})
	metricStageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "screenassoc",
		Name:      "stage_duration_seconds",
		Help:      "Wall clock time spent in each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12), // 1ms to ~70m
	}, []string{"stage"})
)

// serveMetrics exposes the default prometheus registry at
// http://addr/metrics in a background goroutine.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Println(http.ListenAndServe(addr, mux))
	}()
}
