// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the Gatehouse service.
//
// # Description
//
// Provides standard counters, histograms, and gauges for the proposal
// lifecycle, change application, sync delivery, and the resilience
// layer. All metrics use the "gatehouse_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Proposal Metrics ---

	// ProposalsCreatedTotal counts accepted proposals by type and level.
	ProposalsCreatedTotal metric.Int64Counter

	// DecisionsTotal counts settled decisions by outcome.
	DecisionsTotal metric.Int64Counter

	// ApplyDuration records change application duration in seconds.
	ApplyDuration metric.Float64Histogram

	// --- Sync Metrics ---

	// SyncAttemptsTotal counts sync worker deliveries by outcome.
	SyncAttemptsTotal metric.Int64Counter

	// DLQTotal counts messages moved to the dead-letter queue.
	DLQTotal metric.Int64Counter

	// QueueDepth tracks pending queue entries by topic.
	QueueDepth metric.Int64ObservableGauge

	// --- Resilience Metrics ---

	// BreakerTransitionsTotal counts circuit transitions by target state.
	BreakerTransitionsTotal metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts total errors by component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// # Description
//
// Registers all pre-defined metrics with the provided meter. Returns
// an error if any metric registration fails.
//
// # Inputs
//
//   - meter: The OTel meter to use for metric registration.
//
// # Outputs
//
//   - *Metrics: The metrics instance with all instruments initialized.
//   - error: Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Proposal Metrics ---
	m.ProposalsCreatedTotal, err = meter.Int64Counter(
		"gatehouse_proposals_created_total",
		metric.WithDescription("Total proposals accepted into the index"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create proposals_created_total: %w", err)
	}

	m.DecisionsTotal, err = meter.Int64Counter(
		"gatehouse_decisions_total",
		metric.WithDescription("Total settled decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create decisions_total: %w", err)
	}

	m.ApplyDuration, err = meter.Float64Histogram(
		"gatehouse_apply_duration_seconds",
		metric.WithDescription("Change application duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create apply_duration: %w", err)
	}

	// --- Sync Metrics ---
	m.SyncAttemptsTotal, err = meter.Int64Counter(
		"gatehouse_sync_attempts_total",
		metric.WithDescription("Total sync worker deliveries by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_attempts_total: %w", err)
	}

	m.DLQTotal, err = meter.Int64Counter(
		"gatehouse_dlq_total",
		metric.WithDescription("Total messages moved to the dead-letter queue"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dlq_total: %w", err)
	}

	// Note: QueueDepth requires a callback registration, handled separately

	// --- Resilience Metrics ---
	m.BreakerTransitionsTotal, err = meter.Int64Counter(
		"gatehouse_breaker_transitions_total",
		metric.WithDescription("Total circuit breaker transitions by target state"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create breaker_transitions_total: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"gatehouse_errors_total",
		metric.WithDescription("Total errors by component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterQueueDepth registers a callback for the per-topic queue
// depth gauge.
//
// # Description
//
// Sets up an observable gauge that reports the pending entry count of
// every queue topic. The callback is invoked each time metrics are
// scraped, so depth reads stay off the hot path.
//
// # Inputs
//
//   - meter: The OTel meter to use for registration.
//   - depthFunc: Returns the current pending count per topic name.
//
// # Outputs
//
//   - metric.Registration: Registration handle for cleanup.
//   - error: Non-nil if registration fails.
func (m *Metrics) RegisterQueueDepth(meter metric.Meter, depthFunc func() map[string]int64) (metric.Registration, error) {
	var err error
	m.QueueDepth, err = meter.Int64ObservableGauge(
		"gatehouse_queue_depth",
		metric.WithDescription("Pending queue entries by topic"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue_depth: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for topic, depth := range depthFunc() {
			o.ObserveInt64(m.QueueDepth, depth,
				metric.WithAttributes(attribute.String("topic", topic)))
		}
		return nil
	}, m.QueueDepth)
}
