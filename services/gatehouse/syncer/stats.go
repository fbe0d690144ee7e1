// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// StatsSink receives one data point per processed sync message.
type StatsSink interface {
	// RecordSync records the outcome ("success", "dead_letter",
	// "requeued") of one message.
	RecordSync(outcome, kind string, attempts int, duration time.Duration)

	// Close flushes and releases the sink.
	Close()
}

// NopSink discards everything; used when no timeseries backend is
// configured.
type NopSink struct{}

func (NopSink) RecordSync(string, string, int, time.Duration) {}
func (NopSink) Close()                                        {}

// InfluxSinkConfig configures the InfluxDB stats sink.
type InfluxSinkConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// InfluxSink writes sync outcomes to an InfluxDB bucket for trend
// dashboards. Writes are best-effort: a down sink never blocks or fails
// the sync loop.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

// NewInfluxSink connects to InfluxDB. The health probe is advisory; a
// failing probe logs a warning but the sink is still returned, since
// the bucket may come up later.
func NewInfluxSink(ctx context.Context, config InfluxSinkConfig) (*InfluxSink, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "syncer.stats")

	client := influxdb2.NewClient(config.URL, config.Token)

	health, err := client.Health(ctx)
	if err != nil || health.Status != "pass" {
		var detail string
		if err != nil {
			detail = err.Error()
		} else if health.Message != nil {
			detail = *health.Message
		}
		logger.Warn("InfluxDB not healthy at startup, continuing anyway",
			"url", config.URL, "detail", detail)
	}

	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(config.Org, config.Bucket),
		logger: logger,
	}, nil
}

// RecordSync writes one gatehouse_sync point.
func (s *InfluxSink) RecordSync(outcome, kind string, attempts int, duration time.Duration) {
	p := influxdb2.NewPoint(
		"gatehouse_sync",
		map[string]string{
			"outcome": outcome,
			"kind":    kind,
		},
		map[string]interface{}{
			"attempts":    attempts,
			"duration_ms": duration.Milliseconds(),
		},
		time.Now(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.write.WritePoint(ctx, p); err != nil {
		s.logger.Warn("failed to write sync stats point", "error", err)
	}
}

// Close releases the InfluxDB client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
