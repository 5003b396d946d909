// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

// Package-level tracer and meter for the pipeline driver.
var (
	tracer = otel.Tracer("evolve.engine")
	meter  = otel.Meter("evolve.engine")
)

var (
	processLatency  metric.Float64Histogram
	processTotal    metric.Int64Counter
	processInflight metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		processLatency, err = meter.Float64Histogram(
			"engine_process_duration_seconds",
			metric.WithDescription("End-to-end duration of one pipeline run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		processTotal, err = meter.Int64Counter(
			"engine_process_total",
			metric.WithDescription("Completed pipeline runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		processInflight, err = meter.Int64UpDownCounter(
			"engine_process_inflight",
			metric.WithDescription("Pipeline runs currently in progress"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startProcessSpan creates a span covering one whole pipeline run.
func startProcessSpan(ctx context.Context, proposal *evolution.EvolutionProposal) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.Process",
		trace.WithAttributes(
			attribute.String("evolve.proposal_id", proposal.ID),
			attribute.Int("evolve.target_files", len(proposal.TargetFiles)),
			attribute.Int("evolve.lines_changed", proposal.LinesChanged),
		),
	)
}

// recordProcess records metrics for a settled pipeline run.
func recordProcess(ctx context.Context, outcome evolution.Outcome, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	processLatency.Record(ctx, duration.Seconds(), attrs)
	processTotal.Add(ctx, 1, attrs)
}

// recordInflight adjusts the in-progress run gauge.
func recordInflight(ctx context.Context, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	processInflight.Add(ctx, delta)
}
