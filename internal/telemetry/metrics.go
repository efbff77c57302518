// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry exposes Prometheus metrics for pipeline and
// boundary activity. Counters carry provider and outcome labels only,
// never content or hashes.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instrument set. One instance per process,
// registered on a caller-supplied registry so tests stay isolated.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	ProviderRequests   *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RetriesTotal       prometheus.Counter
	Truncations        prometheus.Counter
	SentinelFlags      prometheus.Counter
	RoutingRejections  *prometheus.CounterVec
	LedgerWriteFailures prometheus.Counter
}

// New creates and registers the metric set.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_runs_total",
			Help: "Completed pipeline runs by type and status.",
		}, []string{"type", "status"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_provider_requests_total",
			Help: "Provider calls by provider name and outcome.",
		}, []string{"provider", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enclave_run_duration_seconds",
			Help:    "End-to-end run duration by type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"type"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enclave_provider_retries_total",
			Help: "Transient provider errors that triggered a retry.",
		}),
		Truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enclave_redaction_truncations_total",
			Help: "Excerpts truncated by the policy redactor.",
		}),
		SentinelFlags: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enclave_sentinel_flags_total",
			Help: "Excerpts flagged for containing a sentinel marker.",
		}),
		RoutingRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enclave_routing_rejections_total",
			Help: "Routing refusals by rejection kind.",
		}, []string{"kind"}),
		LedgerWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enclave_ledger_write_failures_total",
			Help: "Audit records that failed to persist (degraded successes).",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.ProviderRequests,
		m.RequestDuration,
		m.RetriesTotal,
		m.Truncations,
		m.SentinelFlags,
		m.RoutingRejections,
		m.LedgerWriteFailures,
	)
	return m
}

// NewNop returns a metric set on a throwaway registry, for tests and
// callers that don't scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
