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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/store"
)

// criticalPatterns upgrade any regression to an escalation when they appear
// in an issue, whatever the issue's category.
var criticalPatterns = []string{
	"security", "injection", "exploit", "vulnerability",
	"crash", "segfault", "memory leak", "data loss",
}

// Reverter rolls a landed commit back. The version control integrator
// satisfies it.
type Reverter interface {
	Rollback(ctx context.Context, commitSHA string) error
}

// Recovery turns unhealthy monitoring results into recovery actions and
// owns the pipeline's pause state.
//
// # Description
//
// The decision tree, most severe first: a critical keyword in any issue
// escalates; a subject that already triggered a recovery event escalates; a
// structural failure on an unstable baseline escalates, because it cannot
// be attributed to the change; a structural failure on a stable baseline
// with no accompanying drift reverts automatically; everything else pauses
// and waits for acknowledgment. A failed automatic revert falls back to
// escalation. Escalations and pauses both persist the pause state, so a
// restarted process stays paused.
//
// # Thread Safety
//
// All methods are safe for concurrent use; one mutex serializes decisions.
type Recovery struct {
	reverter Reverter
	store    *store.Store
	logger   *slog.Logger

	mu    sync.Mutex
	log   *recoveryLog
	pause PauseState
}

// NewRecovery builds a controller around a reverter and the shared state
// store. historySize bounds the in-memory event ring; zero selects 64. A
// persisted pause is reloaded so restarts stay paused.
func NewRecovery(reverter Reverter, st *store.Store, logger *slog.Logger, historySize int) (*Recovery, error) {
	if reverter == nil {
		return nil, fmt.Errorf("recovery: reverter is required")
	}
	if st == nil {
		return nil, fmt.Errorf("recovery: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recovery")

	if err := initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing monitor metrics: %w", err)
	}

	r := &Recovery{
		reverter: reverter,
		store:    st,
		logger:   logger,
		log:      newRecoveryLog(historySize),
	}

	var pause PauseState
	found, err := st.GetJSON(store.PauseKey(), &pause)
	if err != nil {
		return nil, fmt.Errorf("loading pause state: %w", err)
	}
	if found && pause.Paused {
		r.pause = pause
		logger.Warn("Pipeline starts paused", "reason", pause.Reason, "since", pause.Since)
	}
	return r, nil
}

// Handle selects and executes the recovery action for an unhealthy
// monitoring result.
//
// # Inputs
//   - ctx: bounds the rollback, if one is taken.
//   - result: must be unhealthy; healthy results are a caller bug.
//
// # Outputs
//   - evolution.RecoveryAction: the action actually taken. A failed
//     automatic revert reports ESCALATE, not AUTO_REVERT.
//   - error: misuse, or an error wrapping ErrDeploymentRegression when the
//     automatic revert itself failed. In the latter case the returned
//     action was still applied and the pipeline is paused; the error lets
//     callers tell an unremediated regression from a clean revert.
func (r *Recovery) Handle(ctx context.Context, result *evolution.MonitoringResult) (evolution.RecoveryAction, error) {
	if result == nil {
		return "", fmt.Errorf("recovery: nil monitoring result")
	}
	if result.Healthy {
		return "", fmt.Errorf("recovery: result for commit %s is healthy", result.CommitID)
	}

	ctx, span := startRecoverySpan(ctx, result.CommitID)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	action, reason := decide(result, r.log.countFor(result.CommitID))
	reverted := false
	var regression error

	switch action {
	case evolution.ActionAutoRevert:
		if err := r.reverter.Rollback(ctx, result.CommitID); err != nil {
			r.logger.Error("Automatic revert failed", "commit", result.CommitID, "error", err)
			action = evolution.ActionEscalate
			reason = fmt.Sprintf("automatic revert failed: %v", err)
			regression = fmt.Errorf("%w: automatic revert of %s failed: %v",
				evolution.ErrDeploymentRegression, result.CommitID, err)
			r.pauseLocked("Human review required: " + reason)
		} else {
			reverted = true
		}
	case evolution.ActionAlertPause:
		r.pauseLocked("Deployment regression: " + reason)
	case evolution.ActionEscalate:
		r.pauseLocked("Human review required: " + reason)
	}

	r.record(RecoveryEvent{
		Subject:  result.CommitID,
		Action:   action,
		Source:   "monitor",
		Issues:   result.Issues,
		Reverted: reverted,
		At:       time.Now().UTC(),
	})

	recordAction(ctx, action)
	r.logger.Warn("Recovery action taken",
		"commit", result.CommitID,
		"action", string(action),
		"reason", reason,
		"reverted", reverted)
	return action, regression
}

// Raise records a recovery event that originated outside a monitoring
// window, such as an integrity finding, and applies the same pause policy.
// A repeated subject upgrades ALERT_PAUSE to ESCALATE. Returns the action
// actually applied.
func (r *Recovery) Raise(ctx context.Context, event RecoveryEvent) evolution.RecoveryAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.Action == evolution.ActionAlertPause && r.log.countFor(event.Subject) > 0 {
		event.Action = evolution.ActionEscalate
	}

	detail := firstIssue(event.Issues)
	switch event.Action {
	case evolution.ActionAlertPause:
		r.pauseLocked(event.Source + ": " + detail)
	case evolution.ActionEscalate:
		r.pauseLocked("Human review required: " + event.Source + ": " + detail)
	}

	r.record(event)
	recordAction(ctx, event.Action)
	r.logger.Warn("Recovery event raised",
		"subject", event.Subject,
		"source", event.Source,
		"action", string(event.Action))
	return event.Action
}

// Pause halts automatic proposal processing until acknowledged.
func (r *Recovery) Pause(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauseLocked(reason)
}

// Acknowledge clears the pause. A no-op when the pipeline is running.
func (r *Recovery) Acknowledge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pause.Paused {
		return
	}
	r.pause = PauseState{}
	if err := r.store.PutJSON(store.PauseKey(), r.pause); err != nil {
		r.logger.Error("Persisting pause state failed", "error", err)
	}
	r.logger.Info("Pipeline resumed")
}

// Paused reports whether automatic proposals are currently blocked.
func (r *Recovery) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pause.Paused
}

// State returns a copy of the current pause state.
func (r *Recovery) State() PauseState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pause
}

// History returns up to limit recovery events, newest first. limit <= 0
// returns everything retained.
func (r *Recovery) History(limit int) []RecoveryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.last(limit)
}

// pauseLocked flips and persists the pause state. Callers hold r.mu.
func (r *Recovery) pauseLocked(reason string) {
	r.pause = PauseState{Paused: true, Reason: reason, Since: time.Now().UTC()}
	if err := r.store.PutJSON(store.PauseKey(), r.pause); err != nil {
		r.logger.Error("Persisting pause state failed", "error", err)
	}
	r.logger.Warn("Pipeline paused", "reason", reason)
}

// record appends the event to the ring and persists it. Callers hold r.mu.
func (r *Recovery) record(ev RecoveryEvent) {
	r.log.push(ev)
	if err := r.store.PutJSON(store.RecoveryKey(ev.At), ev); err != nil {
		r.logger.Error("Persisting recovery event failed", "error", err)
	}
}

// decide maps a monitoring result onto a recovery action. prior is the
// number of recovery events already recorded for the same commit.
func decide(result *evolution.MonitoringResult, prior int) (evolution.RecoveryAction, string) {
	for _, issue := range result.Issues {
		lower := strings.ToLower(issue)
		for _, p := range criticalPatterns {
			if strings.Contains(lower, p) {
				return evolution.ActionEscalate, "critical issue: " + issue
			}
		}
	}

	if prior > 0 {
		return evolution.ActionEscalate, fmt.Sprintf("repeated regression (%d prior recovery events)", prior)
	}

	structural := hasIssueCategory(result.Issues, issueHeartbeat)
	drift := hasIssueCategory(result.Issues, issueSnapshot)

	if structural && !result.BaselineStable {
		return evolution.ActionEscalate, "structural failure cannot be attributed: baseline was already unstable"
	}
	if structural && !drift {
		return evolution.ActionAutoRevert, "structural failure on a stable baseline"
	}
	if len(result.Issues) > 0 {
		return evolution.ActionAlertPause, result.Issues[0]
	}
	return evolution.ActionAlertPause, "regression flagged without detail"
}

func hasIssueCategory(issues []string, prefix string) bool {
	for _, issue := range issues {
		if strings.HasPrefix(issue, prefix) {
			return true
		}
	}
	return false
}

func firstIssue(issues []string) string {
	if len(issues) == 0 {
		return "no detail"
	}
	return issues[0]
}
