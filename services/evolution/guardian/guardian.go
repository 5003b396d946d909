// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardian is the review gate between sandbox validation and any
// repository mutation. A Reviewer produces a risk verdict for a proposal;
// the Gate wraps the reviewer and enforces the one rule no reviewer may
// override: a high risk verdict is never approved.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

// Reviewer assesses a proposal that already passed sandbox validation.
//
// Implementations must be safe for concurrent use.
type Reviewer interface {
	Assess(ctx context.Context, proposal *evolution.EvolutionProposal, sandbox *evolution.SandboxResult) (*evolution.GuardianVerdict, error)
}

// Gate runs a Reviewer and applies terminal enforcement to its verdict.
//
// # Thread Safety
//
// Safe for concurrent use when the wrapped reviewer is.
type Gate struct {
	reviewer Reviewer
	logger   *slog.Logger
}

// NewGate wraps a reviewer. A nil logger selects slog.Default.
func NewGate(reviewer Reviewer, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{reviewer: reviewer, logger: logger}
}

// Review assesses the proposal and finalizes the verdict.
//
// # Description
//
// The gate refuses proposals whose sandbox result did not pass; review is
// only meaningful for structurally valid changes. The reviewer's verdict
// passes through Finalize before it is returned, so callers always see the
// enforced form.
//
// # Outputs
//
//   - *evolution.GuardianVerdict: the finalized verdict
//   - error: non-nil when the reviewer itself failed
func (g *Gate) Review(ctx context.Context, proposal *evolution.EvolutionProposal, sandbox *evolution.SandboxResult) (*evolution.GuardianVerdict, error) {
	if sandbox == nil || !sandbox.Passed {
		return nil, fmt.Errorf("%w: review requires a passing sandbox result", evolution.ErrValidationFailure)
	}

	ctx, span := startReviewSpan(ctx, proposal.ID)
	defer span.End()

	start := time.Now()
	verdict, err := g.reviewer.Assess(ctx, proposal, sandbox)
	if err != nil {
		recordReview(ctx, time.Since(start), false, string(evolution.RiskHigh))
		return nil, fmt.Errorf("reviewer failed: %w", err)
	}

	verdict = Finalize(verdict)
	recordReview(ctx, time.Since(start), verdict.Approved, string(verdict.RiskLevel))

	g.logger.Info("guardian verdict",
		"proposal_id", proposal.ID,
		"reviewer", verdict.Reviewer,
		"risk", verdict.RiskLevel,
		"approved", verdict.Approved,
		"concerns", len(verdict.Concerns))
	return verdict, nil
}

// Finalize is the terminal enforcement step. It re-checks the safety rule
// on whatever the reviewer produced: a high risk verdict is forced to
// unapproved, and an unknown risk level is treated as high, never as safe.
// The input is returned after being corrected in place.
func Finalize(v *evolution.GuardianVerdict) *evolution.GuardianVerdict {
	if !v.RiskLevel.Valid() {
		v.Concerns = append(v.Concerns, evolution.Concern{
			Category: CategoryPolicy,
			Detail:   fmt.Sprintf("unrecognized risk level %q treated as high", v.RiskLevel),
		})
		v.RiskLevel = evolution.RiskHigh
	}

	if v.RiskLevel == evolution.RiskHigh && v.Approved {
		v.Approved = false
		v.Concerns = append(v.Concerns, evolution.Concern{
			Category: CategoryPolicy,
			Detail:   "high risk verdicts are never approved",
		})
	}
	return v
}
