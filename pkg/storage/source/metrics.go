// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"github.com/LeeDigitalWorks/blobsource/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LiveBackends tracks backends currently created and not yet evicted
	LiveBackends = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blobsource",
		Subsystem: "manager",
		Name:      "live_backends",
		Help:      "Number of source backends currently live",
	}, []string{"type"})

	// CreationsTotal counts lazy backend creations
	CreationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobsource",
		Subsystem: "manager",
		Name:      "creations_total",
		Help:      "Total number of backends created on first access",
	}, []string{"type"})

	// CreationFailuresTotal counts creations that failed to configure or start
	CreationFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobsource",
		Subsystem: "manager",
		Name:      "creation_failures_total",
		Help:      "Total number of backend creations that failed",
	}, []string{"type"})

	// EvictionsTotal counts backends torn down, by reason
	EvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobsource",
		Subsystem: "manager",
		Name:      "evictions_total",
		Help:      "Total number of backends torn down",
	}, []string{"type", "reason"}) // reason: "expired", "deleted", "replaced", "shutdown"

	// ShutdownFailuresTotal counts Shutdown errors of stateful backends
	ShutdownFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobsource",
		Subsystem: "manager",
		Name:      "shutdown_failures_total",
		Help:      "Total number of backend shutdowns that returned an error",
	}, []string{"type"})

	// SweepDuration tracks how long one eviction sweep takes
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blobsource",
		Subsystem: "manager",
		Name:      "sweep_duration_seconds",
		Help:      "Time spent in one eviction sweep",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

func init() {
	debug.Registry().MustRegister(
		LiveBackends,
		CreationsTotal,
		CreationFailuresTotal,
		EvictionsTotal,
		ShutdownFailuresTotal,
		SweepDuration,
	)
}
