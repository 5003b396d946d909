//go:build property
// +build property

// Package tier_test contains property-based tests for score determinism and
// the tier boundary function.
package tier_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/tier"
)

func mkProposal(lines, files int) *evolution.EvolutionProposal {
	names := make([]string, files)
	for i := range names {
		names[i] = "pkg/generated/file" + string(rune('a'+i%26)) + ".go"
	}
	return &evolution.EvolutionProposal{
		ID:           "prop",
		Goal:         "generated",
		TargetFiles:  names,
		LinesChanged: lines,
	}
}

// TestScoreIsDeterministicAndAdditive verifies the score decomposes into its
// documented parts and never depends on call order.
func TestScoreIsDeterministicAndAdditive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	router, err := tier.NewRouter(nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	properties.Property("score is additive and stable", prop.ForAll(
		func(lines, files int, riskIdx int) bool {
			risks := []evolution.RiskLevel{evolution.RiskLow, evolution.RiskMedium, evolution.RiskHigh}
			verdict := &evolution.GuardianVerdict{Approved: true, RiskLevel: risks[riskIdx]}
			p := mkProposal(lines, files)

			s1 := router.Score(p, verdict)
			s2 := router.Score(p, verdict)

			if s1 != s2 {
				return false
			}
			return s1.Total == s1.LinePoints+s1.FilePoints+s1.CriticalPoints+s1.RiskPoints
		},
		gen.IntRange(0, 5000),
		gen.IntRange(1, 40),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}

// TestTierBoundariesAreExhaustive verifies every reachable total lands in
// exactly the tier its thresholds define.
func TestTierBoundariesAreExhaustive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	router, err := tier.NewRouter(nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	properties.Property("thresholds partition the score space", prop.ForAll(
		func(lines, files int) bool {
			verdict := &evolution.GuardianVerdict{Approved: true, RiskLevel: evolution.RiskLow}
			score, err := router.Classify(mkProposal(lines, files), verdict)
			if err != nil {
				return false
			}

			switch {
			case score.Total <= tier.Tier1MaxScore:
				return score.Tier == evolution.Tier1
			case score.Total <= tier.Tier2MaxScore:
				return score.Tier == evolution.Tier2
			default:
				return score.Tier == evolution.Tier3
			}
		},
		gen.IntRange(0, 5000),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

// TestRejectionAlwaysShortCircuits verifies no score, however small, can
// pass a rejected verdict through the router.
func TestRejectionAlwaysShortCircuits(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	router, err := tier.NewRouter(nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	properties.Property("rejected verdicts never classify", prop.ForAll(
		func(lines, files int, riskIdx int) bool {
			risks := []evolution.RiskLevel{evolution.RiskLow, evolution.RiskMedium, evolution.RiskHigh}
			verdict := &evolution.GuardianVerdict{Approved: false, RiskLevel: risks[riskIdx]}

			_, err := router.Classify(mkProposal(lines, files), verdict)
			return errors.Is(err, evolution.ErrPolicyRejection)
		},
		gen.IntRange(0, 5000),
		gen.IntRange(1, 40),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
