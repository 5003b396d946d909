// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tier classifies approved proposals into deployment tiers. Scoring
// is purely additive and deterministic, so the same proposal and verdict
// always land in the same tier: Tier 1 commits with a heartbeat check,
// Tier 2 commits with enhanced monitoring, Tier 3 never commits directly
// and waits for a human.
package tier

import (
	"fmt"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/snapshot"
)

// Score thresholds. A total at the boundary stays in the lower tier.
const (
	Tier1MaxScore = 10
	Tier2MaxScore = 25
)

// Per-finding points.
const (
	pointsPerTenLines = 1
	pointsPerFile     = 5

	riskPointsLow    = 0
	riskPointsMedium = 5
	riskPointsHigh   = 10

	// Critical pattern weights must stay in this band.
	MinCriticalWeight = 10
	MaxCriticalWeight = 30
)

// WeightedPattern assigns a score weight to a critical file glob.
type WeightedPattern struct {
	// Pattern is a glob in the snapshot matcher syntax.
	Pattern string `json:"pattern" yaml:"pattern"`

	// Weight is added once per touched file matching the pattern,
	// within [MinCriticalWeight, MaxCriticalWeight].
	Weight int `json:"weight" yaml:"weight"`
}

// DefaultWeights mirror the guardian's critical allow-list: the daemon core
// carries the maximum weight, supporting infrastructure the minimum.
func DefaultWeights() []WeightedPattern {
	return []WeightedPattern{
		{Pattern: "**/daemon/**", Weight: 30},
		{Pattern: "**/safety/**", Weight: 10},
		{Pattern: "go.mod", Weight: 10},
		{Pattern: "go.sum", Weight: 10},
		{Pattern: "**/auth/**", Weight: 10},
	}
}

// compiledWeight pairs a compiled matcher with its weight.
type compiledWeight struct {
	pattern string
	matcher *snapshot.Matcher
	weight  int
}

// Router scores proposals and assigns tiers.
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type Router struct {
	weights []compiledWeight
}

// NewRouter compiles the weighted critical patterns. Nil selects
// DefaultWeights. Weights outside [MinCriticalWeight, MaxCriticalWeight]
// are rejected.
func NewRouter(weights []WeightedPattern) (*Router, error) {
	if weights == nil {
		weights = DefaultWeights()
	}

	r := &Router{}
	for _, w := range weights {
		if w.Weight < MinCriticalWeight || w.Weight > MaxCriticalWeight {
			return nil, fmt.Errorf("critical weight %d for %q outside [%d,%d]",
				w.Weight, w.Pattern, MinCriticalWeight, MaxCriticalWeight)
		}
		m, err := snapshot.NewMatcher([]string{w.Pattern}, nil)
		if err != nil {
			return nil, fmt.Errorf("compiling weight pattern: %w", err)
		}
		r.weights = append(r.weights, compiledWeight{
			pattern: w.Pattern,
			matcher: m,
			weight:  w.Weight,
		})
	}
	return r, nil
}

// Score computes the additive tier score for a proposal and verdict.
//
// # Description
//
// Points: +1 per 10 changed lines, +5 per distinct file, the configured
// weight once per critical file touched (the heaviest matching pattern
// wins per file), and +0/+5/+10 for risk low/medium/high. The returned
// score carries the tier classification of its total.
func (r *Router) Score(proposal *evolution.EvolutionProposal, verdict *evolution.GuardianVerdict) evolution.TierScore {
	score := evolution.TierScore{
		LinePoints: proposal.LinesChanged / 10 * pointsPerTenLines,
		FilePoints: len(proposal.TargetFiles) * pointsPerFile,
	}

	for _, file := range proposal.TargetFiles {
		best := 0
		for _, cw := range r.weights {
			if cw.weight > best && cw.matcher.Match(file) {
				best = cw.weight
			}
		}
		score.CriticalPoints += best
	}

	switch verdict.RiskLevel {
	case evolution.RiskLow:
		score.RiskPoints = riskPointsLow
	case evolution.RiskMedium:
		score.RiskPoints = riskPointsMedium
	default:
		// High and anything unrecognized scores as high.
		score.RiskPoints = riskPointsHigh
	}

	score.Total = score.LinePoints + score.FilePoints + score.CriticalPoints + score.RiskPoints
	score.Tier = classifyTotal(score.Total)
	return score
}

// Classify routes an approved proposal to its tier.
//
// # Description
//
// Rejection short-circuits tiering: an unapproved verdict returns
// ErrPolicyRejection before any scoring happens. Approved proposals are
// scored and classified by the fixed thresholds.
//
// # Outputs
//
//   - evolution.TierScore: points breakdown with Tier set
//   - error: ErrPolicyRejection when the verdict is not approved
func (r *Router) Classify(proposal *evolution.EvolutionProposal, verdict *evolution.GuardianVerdict) (evolution.TierScore, error) {
	if verdict == nil {
		return evolution.TierScore{}, fmt.Errorf("%w: no verdict", evolution.ErrPolicyRejection)
	}
	if !verdict.Approved {
		return evolution.TierScore{}, fmt.Errorf("%w: verdict rejected with risk %s",
			evolution.ErrPolicyRejection, verdict.RiskLevel)
	}
	return r.Score(proposal, verdict), nil
}

// classifyTotal maps a score total onto a tier.
func classifyTotal(total int) evolution.Tier {
	switch {
	case total <= Tier1MaxScore:
		return evolution.Tier1
	case total <= Tier2MaxScore:
		return evolution.Tier2
	default:
		return evolution.Tier3
	}
}

// Requirements describe what each tier demands after (or instead of) a
// commit.
type Requirements struct {
	// Heartbeat runs the check battery against the deployed tree.
	Heartbeat bool

	// Snapshot compares the post-commit tree against the baseline.
	Snapshot bool

	// Perf samples performance counters against the baseline.
	Perf bool

	// HumanReview means the change never commits to the main line and
	// waits on a review branch.
	HumanReview bool
}

// MonitoringRequirements returns the post-deployment obligations per tier.
func MonitoringRequirements(t evolution.Tier) Requirements {
	switch t {
	case evolution.Tier1:
		return Requirements{Heartbeat: true}
	case evolution.Tier2:
		return Requirements{Heartbeat: true, Snapshot: true, Perf: true}
	default:
		return Requirements{HumanReview: true}
	}
}
