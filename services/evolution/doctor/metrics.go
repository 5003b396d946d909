// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doctor

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

var (
	tracer = otel.Tracer("evolve.doctor")
	meter  = otel.Meter("evolve.doctor")

	checkTotal   metric.Int64Counter
	checkLatency metric.Float64Histogram
	healTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		checkTotal, metricsErr = meter.Int64Counter(
			"doctor_check_total",
			metric.WithDescription("Artifact integrity checks, by outcome"),
		)
		if metricsErr != nil {
			return
		}

		checkLatency, metricsErr = meter.Float64Histogram(
			"doctor_check_duration_seconds",
			metric.WithDescription("Time spent checking a single artifact"),
			metric.WithUnit("s"),
		)
		if metricsErr != nil {
			return
		}

		healTotal, metricsErr = meter.Int64Counter(
			"doctor_heal_total",
			metric.WithDescription("Healing attempts, by resulting action"),
		)
	})
	return metricsErr
}

func startScanSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Doctor.Scan")
}

func startCheckSpan(ctx context.Context, artifact string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Doctor.CheckArtifact",
		trace.WithAttributes(
			attribute.String("doctor.artifact", artifact),
		))
}

func startHealSpan(ctx context.Context, artifact string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Doctor.Heal",
		trace.WithAttributes(
			attribute.String("doctor.artifact", artifact),
		))
}

func recordCheck(ctx context.Context, healthy bool, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("healthy", healthy))
	checkTotal.Add(ctx, 1, attrs)
	checkLatency.Record(ctx, d.Seconds(), attrs)
}

func recordHeal(ctx context.Context, action evolution.RecoveryAction) {
	if initMetrics() != nil {
		return
	}
	healTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
}
