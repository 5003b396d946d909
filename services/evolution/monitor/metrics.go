// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

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
	tracer = otel.Tracer("evolve.monitor")
	meter  = otel.Meter("evolve.monitor")

	baselineTotal   metric.Int64Counter
	passLatency     metric.Float64Histogram
	regressionTotal metric.Int64Counter
	actionTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		baselineTotal, metricsErr = meter.Int64Counter(
			"monitor_baseline_total",
			metric.WithDescription("Baselines captured before deployment"),
		)
		if metricsErr != nil {
			return
		}

		passLatency, metricsErr = meter.Float64Histogram(
			"monitor_pass_duration_seconds",
			metric.WithDescription("Time spent in a post-deployment monitoring pass"),
			metric.WithUnit("s"),
		)
		if metricsErr != nil {
			return
		}

		regressionTotal, metricsErr = meter.Int64Counter(
			"monitor_regression_total",
			metric.WithDescription("Monitoring passes that found the deployment unhealthy"),
		)
		if metricsErr != nil {
			return
		}

		actionTotal, metricsErr = meter.Int64Counter(
			"recovery_action_total",
			metric.WithDescription("Recovery actions taken, by action"),
		)
	})
	return metricsErr
}

func startBaselineSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Monitor.CaptureBaseline")
}

func startMonitorSpan(ctx context.Context, commitSHA string, tier evolution.Tier) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Monitor.Monitor",
		trace.WithAttributes(
			attribute.String("monitor.commit", commitSHA),
			attribute.Int("monitor.tier", int(tier)),
		))
}

func startRecoverySpan(ctx context.Context, commitSHA string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Recovery.Handle",
		trace.WithAttributes(
			attribute.String("recovery.commit", commitSHA),
		))
}

func recordBaseline(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	baselineTotal.Add(ctx, 1)
}

func recordPass(ctx context.Context, tier evolution.Tier, healthy bool, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("tier", int(tier)))
	passLatency.Record(ctx, d.Seconds(), attrs)
	if !healthy {
		regressionTotal.Add(ctx, 1, attrs)
	}
}

func recordAction(ctx context.Context, action evolution.RecoveryAction) {
	if initMetrics() != nil {
		return
	}
	actionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
}
