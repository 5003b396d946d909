// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for sandbox validation.
var (
	tracer = otel.Tracer("evolve.sandbox")
	meter  = otel.Meter("evolve.sandbox")
)

// Metrics for sandbox validation operations.
var (
	validateLatency metric.Float64Histogram
	validateTotal   metric.Int64Counter
	heartbeatsRun   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		validateLatency, err = meter.Float64Histogram(
			"sandbox_validate_duration_seconds",
			metric.WithDescription("Duration of sandbox validations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		validateTotal, err = meter.Int64Counter(
			"sandbox_validate_total",
			metric.WithDescription("Total sandbox validations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		heartbeatsRun, err = meter.Int64Histogram(
			"sandbox_heartbeats_passed",
			metric.WithDescription("Heartbeat checks passed per validation"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startValidateSpan creates a span for one sandbox validation.
func startValidateSpan(ctx context.Context, proposalID string, files int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Validator.Validate",
		trace.WithAttributes(
			attribute.String("sandbox.proposal_id", proposalID),
			attribute.Int("sandbox.target_files", files),
		),
	)
}

// recordValidation records metrics for a finished validation.
func recordValidation(ctx context.Context, duration time.Duration, passed bool, heartbeats int) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("passed", passed),
	)

	validateLatency.Record(ctx, duration.Seconds(), attrs)
	validateTotal.Add(ctx, 1, attrs)
	heartbeatsRun.Record(ctx, int64(heartbeats))
}
