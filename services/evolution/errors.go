// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evolution defines the core data types and error taxonomy for the
// self-evolution pipeline: proposals, sandbox results, guardian verdicts,
// deployment tiers, commit records, and post-deployment monitoring outcomes.
//
// The pipeline itself is driven by the engine subpackage; the stage
// implementations live alongside it (sandbox, guardian, tier, vcs,
// monitor, doctor).
package evolution

import "errors"

// Sentinel errors returned by the evolution pipeline. Callers should use
// errors.Is to distinguish stages rather than matching message text.
var (
	// ErrValidationFailure indicates the proposal failed sandbox-stage
	// validation: the diff did not apply, a structural check failed, or
	// the heartbeat battery did not pass.
	ErrValidationFailure = errors.New("sandbox validation failed")

	// ErrPolicyRejection indicates the guardian withheld approval.
	ErrPolicyRejection = errors.New("guardian rejected proposal")

	// ErrReviewRequired indicates the change landed on a review branch and
	// is waiting for a human decision. This is a terminal pipeline state,
	// not a failure.
	ErrReviewRequired = errors.New("human review required")

	// ErrDeploymentRegression indicates post-deployment monitoring detected
	// a regression against the captured baseline.
	ErrDeploymentRegression = errors.New("deployment regression detected")

	// ErrIntegrityFault indicates an artifact failed an integrity check
	// (checksum, locality, or density) and could not be healed.
	ErrIntegrityFault = errors.New("artifact integrity fault")

	// ErrPipelinePaused indicates the pipeline is paused pending operator
	// acknowledgment and is not accepting new proposals.
	ErrPipelinePaused = errors.New("evolution pipeline is paused")

	// ErrInvalidProposal indicates the proposal is structurally unusable
	// before any sandbox work starts (empty goal, empty or unparseable diff).
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrDirtyWorktree indicates the target repository has uncommitted
	// changes and the integrator refused to commit on top of them.
	ErrDirtyWorktree = errors.New("worktree has uncommitted changes")

	// ErrUnknownCommit indicates a rollback or monitoring request named a
	// commit that does not exist in the repository.
	ErrUnknownCommit = errors.New("unknown commit")
)
