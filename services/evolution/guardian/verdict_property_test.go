//go:build property
// +build property

// Package guardian_test contains property-based tests for the terminal
// enforcement rule on guardian verdicts.
package guardian_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/guardian"
)

// TestFinalizedVerdictsNeverApproveHighRisk verifies the safety rule holds
// for every possible reviewer output, including risk levels no reviewer
// should ever produce.
// Property: Finalize(v).Consistent() for all v
func TestFinalizedVerdictsNeverApproveHighRisk(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("finalized verdicts satisfy high => not approved", prop.ForAll(
		func(risk string, approved bool, rationale string) bool {
			v := guardian.Finalize(&evolution.GuardianVerdict{
				Approved:  approved,
				RiskLevel: evolution.RiskLevel(risk),
				Rationale: rationale,
			})
			return v.Consistent()
		},
		gen.OneConstOf("low", "medium", "high", "", "severe", "HIGH", "critical"),
		gen.Bool(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestFinalizeNeverUpgradesApproval verifies enforcement only ever tightens
// a verdict: a rejection stays a rejection and risk never decreases.
func TestFinalizeNeverUpgradesApproval(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("enforcement only tightens verdicts", prop.ForAll(
		func(risk string, approved bool) bool {
			before := evolution.RiskLevel(risk)
			v := guardian.Finalize(&evolution.GuardianVerdict{
				Approved:  approved,
				RiskLevel: before,
			})

			if !approved && v.Approved {
				return false
			}
			return v.RiskLevel.Rank() >= before.Rank() || !before.Valid()
		},
		gen.OneConstOf("low", "medium", "high", "", "unknown"),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
