// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardian

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("evolve.guardian")
	meter  = otel.Meter("evolve.guardian")

	reviewLatency metric.Float64Histogram
	reviewTotal   metric.Int64Counter
	degradeTotal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		reviewLatency, metricsErr = meter.Float64Histogram(
			"guardian_review_duration_seconds",
			metric.WithDescription("Time spent producing a verdict"),
			metric.WithUnit("s"),
		)
		if metricsErr != nil {
			return
		}

		reviewTotal, metricsErr = meter.Int64Counter(
			"guardian_review_total",
			metric.WithDescription("Verdicts produced, by approval and risk"),
		)
		if metricsErr != nil {
			return
		}

		degradeTotal, metricsErr = meter.Int64Counter(
			"guardian_model_degrade_total",
			metric.WithDescription("Model reviews that fell back to rules"),
		)
	})
	return metricsErr
}

func startReviewSpan(ctx context.Context, proposalID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Gate.Review",
		trace.WithAttributes(
			attribute.String("guardian.proposal_id", proposalID),
		))
}

func recordReview(ctx context.Context, d time.Duration, approved bool, risk string) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("approved", approved),
		attribute.String("risk", risk),
	)
	reviewLatency.Record(ctx, d.Seconds(), attrs)
	reviewTotal.Add(ctx, 1, attrs)
}

func recordDegrade(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	degradeTotal.Add(ctx, 1)
}
