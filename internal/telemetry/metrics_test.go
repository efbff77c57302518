// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RunsTotal.WithLabelValues("query", "success").Inc()
	m.ProviderRequests.WithLabelValues("local", "ok").Inc()
	m.RequestDuration.WithLabelValues("query").Observe(0.1)
	m.RetriesTotal.Inc()
	m.Truncations.Inc()
	m.SentinelFlags.Inc()
	m.RoutingRejections.WithLabelValues("mode_violation").Inc()
	m.LedgerWriteFailures.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"enclave_runs_total",
		"enclave_provider_requests_total",
		"enclave_run_duration_seconds",
		"enclave_provider_retries_total",
		"enclave_redaction_truncations_total",
		"enclave_sentinel_flags_total",
		"enclave_routing_rejections_total",
		"enclave_ledger_write_failures_total",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("query", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal))
}

func TestNopIsIsolated(t *testing.T) {
	// Two nop sets must not collide on registration.
	a, b := NewNop(), NewNop()
	a.RetriesTotal.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RetriesTotal))
}
