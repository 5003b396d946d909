// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evolution

import (
	"time"
)

// RiskLevel classifies how dangerous a proposed change is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank returns the ordering of the risk level, with higher values being
// riskier. Unknown levels rank above high so that a malformed reviewer
// response is never treated as safe.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// Valid reports whether the risk level is one of the known values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// MaxRisk returns the riskier of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Tier is the deployment tier assigned by the router. Tier 1 changes are
// trivial, Tier 2 moderate, Tier 3 significant enough to require a human.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Valid reports whether the tier is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// Stage identifies a pipeline stage for logging, metrics, and events.
type Stage string

const (
	StageSandbox  Stage = "sandbox"
	StageGuardian Stage = "guardian"
	StageTier     Stage = "tier"
	StageCommit   Stage = "commit"
	StageMonitor  Stage = "monitor"
)

// SandboxResult is the outcome of validating a proposal in an isolated
// sandbox. It is ephemeral: the sandbox directory named by SandboxPath is
// removed before the result is returned, so the path is informational only.
type SandboxResult struct {
	ProposalID       string        `json:"proposal_id"`
	Passed           bool          `json:"passed"`
	StructuralErrors []string      `json:"structural_errors,omitempty"`
	HeartbeatPassed  int           `json:"heartbeat_passed"`
	HeartbeatTotal   int           `json:"heartbeat_total"`
	SandboxPath      string        `json:"sandbox_path,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Concern is a single structured finding raised by a reviewer.
type Concern struct {
	Category string `json:"category"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Detail   string `json:"detail"`
}

// GuardianVerdict is the review gate's decision on a proposal.
//
// # Description
//
// A verdict pairs an approval bit with a risk classification and a
// human-readable rationale. The pipeline enforces one hard rule after every
// reviewer, regardless of implementation: a high-risk verdict is never
// approved. Reviewer output that violates the rule is normalized before the
// verdict reaches any downstream stage.
type GuardianVerdict struct {
	ProposalID string    `json:"proposal_id"`
	Approved   bool      `json:"approved"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Rationale  string    `json:"rationale"`
	Concerns   []Concern `json:"concerns,omitempty"`
	Reviewer   string    `json:"reviewer,omitempty"`
}

// Consistent reports whether the verdict honors the terminal safety rule:
// high risk implies not approved.
func (v *GuardianVerdict) Consistent() bool {
	return !(v.RiskLevel == RiskHigh && v.Approved)
}

// TierScore is the additive complexity score computed by the tier router,
// broken out by component for auditability.
type TierScore struct {
	LinePoints     int  `json:"line_points"`
	FilePoints     int  `json:"file_points"`
	CriticalPoints int  `json:"critical_points"`
	RiskPoints     int  `json:"risk_points"`
	Total          int  `json:"total"`
	Tier           Tier `json:"tier"`
}

// CommitRecord is one entry in the evolution history, reconstructed from the
// version control log. Records are append-only and returned newest first.
type CommitRecord struct {
	CommitID   string    `json:"commit_id"`
	Subject    string    `json:"subject"`
	Tier       Tier      `json:"tier"`
	Risk       RiskLevel `json:"risk"`
	Approved   bool      `json:"approved"`
	Files      []string  `json:"files,omitempty"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Revert     bool      `json:"revert,omitempty"`
	AuthoredAt time.Time `json:"authored_at"`
}

// MonitoringResult is the outcome of the post-deployment observation window
// for a single commit. BaselineStable records whether the baseline itself
// was healthy when captured; recovery needs it to attribute failures.
type MonitoringResult struct {
	CommitID       string    `json:"commit_id"`
	BaselineID     string    `json:"baseline_id"`
	Tier           Tier      `json:"tier"`
	Healthy        bool      `json:"healthy"`
	BaselineStable bool      `json:"baseline_stable"`
	Issues         []string  `json:"issues,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// RecoveryAction is the remediation the recovery controller selected after
// an unhealthy monitoring result. The same vocabulary is shared with the
// integrity doctor.
type RecoveryAction string

const (
	// ActionAutoRevert rolls the change back without human involvement.
	ActionAutoRevert RecoveryAction = "AUTO_REVERT"
	// ActionAlertPause pauses the pipeline and waits for acknowledgment.
	ActionAlertPause RecoveryAction = "ALERT_PAUSE"
	// ActionEscalate requires an explicit human decision before anything
	// else happens.
	ActionEscalate RecoveryAction = "ESCALATE"
)

// Outcome is the terminal state of one proposal's trip through the pipeline.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeRejectedSandbox  Outcome = "REJECTED_SANDBOX"
	OutcomeRejectedGuardian Outcome = "REJECTED_GUARDIAN"
	OutcomeAwaitingReview   Outcome = "AWAITING_HUMAN_REVIEW"
	OutcomeReverted         Outcome = "REVERTED"
)

// EvolutionResult is the full record of one pipeline run. Only the fields
// for stages that actually ran are populated; everything after the first
// rejection stays nil.
type EvolutionResult struct {
	ProposalID string            `json:"proposal_id"`
	Outcome    Outcome           `json:"outcome"`
	Sandbox    *SandboxResult    `json:"sandbox,omitempty"`
	Verdict    *GuardianVerdict  `json:"verdict,omitempty"`
	Score      *TierScore        `json:"score,omitempty"`
	CommitID   string            `json:"commit_id,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	Monitoring *MonitoringResult `json:"monitoring,omitempty"`
	Recovery   RecoveryAction    `json:"recovery,omitempty"`
	Err        string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Terminal reports whether the outcome is a settled end state. All outcomes
// are terminal today; the method exists so callers do not hardcode the set.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeRejectedSandbox, OutcomeRejectedGuardian,
		OutcomeAwaitingReview, OutcomeReverted:
		return true
	}
	return false
}
