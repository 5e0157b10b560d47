// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package metrics tracks recoverable-error counters against a local
// prometheus.Registry. Per the agent's non-goals this registry is
// never wired to an HTTP /metrics handler or exporter here; it exists
// so the counters are a concrete, inspectable value for tests and for
// whatever scrape pipeline the operator already runs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recoverable-error labels tracked by the agent.
const (
	ReasonMalformedFrame = "malformed_frame"
	ReasonUnknownOp      = "unknown_op"
	ReasonCacheMiss      = "cache_miss"
	ReasonCgidmapMiss    = "cgidmap_miss"
	ReasonBroadcastLag   = "broadcast_lag"
	ReasonPidTidMismatch = "pid_tid_mismatch"
)

// Metrics bundles the counters/gauges this agent exposes.
type Metrics struct {
	Registry         *prometheus.Registry
	RecoverableErrors *prometheus.CounterVec
	CachedProcesses  prometheus.Gauge
	CorrelatedPods   prometheus.Gauge
}

// New creates a fresh registry with every counter/gauge registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	recoverable := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procgraph",
		Name:      "recoverable_errors_total",
		Help:      "Count of recoverable decode/enrichment errors by reason.",
	}, []string{"reason"})

	cached := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "procgraph",
		Name:      "cached_processes",
		Help:      "Number of processes currently held in the exec-id cache.",
	})

	correlated := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "procgraph",
		Name:      "correlated_pods",
		Help:      "Number of cgroup id slots in the correlation index, including invalidated ones.",
	})

	reg.MustRegister(recoverable, cached, correlated)

	return &Metrics{
		Registry:          reg,
		RecoverableErrors: recoverable,
		CachedProcesses:   cached,
		CorrelatedPods:    correlated,
	}
}

// IncRecoverable increments the recoverable-error counter for reason.
func (m *Metrics) IncRecoverable(reason string) {
	if m == nil {
		return
	}
	m.RecoverableErrors.WithLabelValues(reason).Inc()
}

// SetCachedProcesses records the current process-cache size.
func (m *Metrics) SetCachedProcesses(n int) {
	if m == nil {
		return
	}
	m.CachedProcesses.Set(float64(n))
}

// SetCorrelatedPods records the current correlation-index size.
func (m *Metrics) SetCorrelatedPods(n int) {
	if m == nil {
		return
	}
	m.CorrelatedPods.Set(float64(n))
}
