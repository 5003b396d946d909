// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

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
	tracer = otel.Tracer("evolve.vcs")
	meter  = otel.Meter("evolve.vcs")

	commitLatency metric.Float64Histogram
	commitTotal   metric.Int64Counter
	branchTotal   metric.Int64Counter
	rollbackTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		commitLatency, metricsErr = meter.Float64Histogram(
			"vcs_commit_duration_seconds",
			metric.WithDescription("Time from clean-tree check to landed commit"),
			metric.WithUnit("s"),
		)
		if metricsErr != nil {
			return
		}

		commitTotal, metricsErr = meter.Int64Counter(
			"vcs_commit_total",
			metric.WithDescription("Main-line commits landed, by tier"),
		)
		if metricsErr != nil {
			return
		}

		branchTotal, metricsErr = meter.Int64Counter(
			"vcs_review_branch_total",
			metric.WithDescription("Review branches created for Tier 3 proposals"),
		)
		if metricsErr != nil {
			return
		}

		rollbackTotal, metricsErr = meter.Int64Counter(
			"vcs_rollback_total",
			metric.WithDescription("Revert commits recorded"),
		)
	})
	return metricsErr
}

func startCommitSpan(ctx context.Context, proposal *evolution.EvolutionProposal, tier evolution.Tier) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Integrator.Commit",
		trace.WithAttributes(
			attribute.String("vcs.proposal_id", proposal.ID),
			attribute.Int("vcs.tier", int(tier)),
		))
}

func startBranchSpan(ctx context.Context, proposal *evolution.EvolutionProposal) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Integrator.CreateReviewBranch",
		trace.WithAttributes(
			attribute.String("vcs.proposal_id", proposal.ID),
		))
}

func startRollbackSpan(ctx context.Context, sha string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Integrator.Rollback",
		trace.WithAttributes(
			attribute.String("vcs.commit", sha),
		))
}

func recordCommit(ctx context.Context, tier evolution.Tier, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("tier", int(tier)))
	commitLatency.Record(ctx, d.Seconds(), attrs)
	commitTotal.Add(ctx, 1, attrs)
}

func recordBranch(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	branchTotal.Add(ctx, 1)
}

func recordRollback(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	rollbackTotal.Add(ctx, 1)
}
