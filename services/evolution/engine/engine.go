// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives proposals through the evolution pipeline.
//
// One proposal moves strictly in order: sandbox validation, guardian
// review, tier routing, then either a main-line commit with post-deployment
// monitoring or a review branch for a human. Stages never overlap for a
// single proposal. Independent proposals may validate concurrently; the
// baseline-capture-plus-commit step is serialized so every baseline is
// taken immediately before the commit it belongs to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/monitor"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/store"
)

// Validator checks a proposal in an isolated sandbox. The sandbox package's
// Validator satisfies it.
type Validator interface {
	Validate(ctx context.Context, proposal *evolution.EvolutionProposal, sourceRoot string) (*evolution.SandboxResult, error)
}

// Gate produces the finalized guardian verdict for a proposal. The guardian
// package's Gate satisfies it.
type Gate interface {
	Review(ctx context.Context, proposal *evolution.EvolutionProposal, sandbox *evolution.SandboxResult) (*evolution.GuardianVerdict, error)
}

// Router classifies an approved proposal into a deployment tier. The tier
// package's Router satisfies it.
type Router interface {
	Classify(proposal *evolution.EvolutionProposal, verdict *evolution.GuardianVerdict) (evolution.TierScore, error)
}

// Integrator lands changes in version control. The vcs package's Integrator
// satisfies it.
type Integrator interface {
	Commit(ctx context.Context, proposal *evolution.EvolutionProposal, verdict *evolution.GuardianVerdict, tier evolution.Tier) (string, error)
	CreateReviewBranch(ctx context.Context, proposal *evolution.EvolutionProposal, base string) (string, error)
	History(ctx context.Context, limit int) ([]evolution.CommitRecord, error)
}

// Observer watches a landed commit. The monitor package's Monitor
// satisfies it.
type Observer interface {
	CaptureBaseline(ctx context.Context) (*monitor.Baseline, error)
	Observe(ctx context.Context, commitSHA string, tier evolution.Tier, changed []string) (*evolution.MonitoringResult, error)
	Result(commitSHA string) (*evolution.MonitoringResult, bool, error)
}

// Config wires an Engine together. All component fields are required
// except Events and Logger.
type Config struct {
	// SourceRoot is the absolute path of the live tree proposals evolve.
	SourceRoot string

	Validator  Validator
	Gate       Gate
	Router     Router
	Integrator Integrator
	Monitor    Observer
	Recovery   *monitor.Recovery
	Store      *store.Store

	// Events receives stage and outcome notifications. Optional.
	Events *Emitter

	Logger *slog.Logger
}

// Engine is the evolution pipeline driver.
//
// # Thread Safety
//
// Safe for concurrent use. Sandbox validation for different proposals runs
// in parallel; baseline capture and commit are serialized by one mutex so
// the baseline a commit is judged against was taken immediately before it.
type Engine struct {
	config Config
	logger *slog.Logger

	// commitMu couples baseline capture to the commit that follows it.
	commitMu sync.Mutex

	inflight sync.WaitGroup
	closed   chan struct{}
	closeOne sync.Once
}

// New validates the configuration and returns a ready Engine.
func New(config Config) (*Engine, error) {
	if config.SourceRoot == "" {
		return nil, fmt.Errorf("engine: source root is required")
	}
	if config.Validator == nil || config.Gate == nil || config.Router == nil {
		return nil, fmt.Errorf("engine: validator, gate, and router are required")
	}
	if config.Integrator == nil || config.Monitor == nil || config.Recovery == nil {
		return nil, fmt.Errorf("engine: integrator, monitor, and recovery are required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing engine metrics: %w", err)
	}
	return &Engine{
		config: config,
		logger: config.Logger.With("component", "engine"),
		closed: make(chan struct{}),
	}, nil
}

// Process runs one proposal through the whole pipeline and returns its
// terminal result.
//
// # Description
//
// A paused pipeline refuses the proposal with ErrPipelinePaused before any
// work starts. Rejections (sandbox, guardian) and the Tier 3 review branch
// are results, not errors; an error return means the pipeline itself could
// not run a stage, and nothing after the last completed stage happened.
// Every terminal result is persisted under the proposal ID for the query
// surface before it is returned.
//
// # Outputs
//
//   - *evolution.EvolutionResult: non-nil exactly when error is nil.
//   - error: infrastructure failure or a paused/closed pipeline.
func (e *Engine) Process(ctx context.Context, proposal *evolution.EvolutionProposal) (*evolution.EvolutionResult, error) {
	if proposal == nil {
		return nil, fmt.Errorf("%w: nil proposal", evolution.ErrInvalidProposal)
	}
	if err := proposal.Validate(); err != nil {
		return nil, err
	}
	if state := e.config.Recovery.State(); state.Paused {
		return nil, fmt.Errorf("%w: %s", evolution.ErrPipelinePaused, state.Reason)
	}
	select {
	case <-e.closed:
		return nil, fmt.Errorf("engine: closed")
	default:
	}

	ctx, span := startProcessSpan(ctx, proposal)
	defer span.End()
	recordInflight(ctx, 1)
	defer recordInflight(ctx, -1)

	start := time.Now()
	result := &evolution.EvolutionResult{
		ProposalID: proposal.ID,
		StartedAt:  start.UTC(),
	}

	finish := func(outcome evolution.Outcome) (*evolution.EvolutionResult, error) {
		result.Outcome = outcome
		result.FinishedAt = time.Now().UTC()
		e.persist(result)
		e.emit(Event{
			Type:       EventOutcome,
			ProposalID: proposal.ID,
			Outcome:    outcome,
			Detail:     result.Err,
		})
		recordProcess(ctx, outcome, time.Since(start))
		e.logger.Info("proposal settled",
			"proposal_id", proposal.ID,
			"outcome", string(outcome),
			"duration", time.Since(start))
		return result, nil
	}

	// Stage 1: sandbox validation. Failure here never touched the real tree.
	e.emitStage(evolution.StageSandbox, proposal.ID, "validating in sandbox")
	sb, err := e.config.Validator.Validate(ctx, proposal, e.config.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("sandbox validation: %w", err)
	}
	result.Sandbox = sb
	if !sb.Passed {
		result.Err = firstOr(sb.StructuralErrors, "heartbeat battery failed")
		return finish(evolution.OutcomeRejectedSandbox)
	}

	// Stage 2: guardian review.
	e.emitStage(evolution.StageGuardian, proposal.ID, "reviewing")
	verdict, err := e.config.Gate.Review(ctx, proposal, sb)
	if err != nil {
		return nil, fmt.Errorf("guardian review: %w", err)
	}
	result.Verdict = verdict
	if !verdict.Approved {
		result.Err = verdict.Rationale
		return finish(evolution.OutcomeRejectedGuardian)
	}

	// Stage 3: tier routing.
	e.emitStage(evolution.StageTier, proposal.ID, "classifying")
	score, err := e.config.Router.Classify(proposal, verdict)
	if err != nil {
		return nil, fmt.Errorf("tier classification: %w", err)
	}
	result.Score = &score

	// Stage 4: land the change. Tier 3 parks on a branch and stops.
	if score.Tier == evolution.Tier3 {
		e.emitStage(evolution.StageCommit, proposal.ID, "creating review branch")
		branch, err := e.config.Integrator.CreateReviewBranch(ctx, proposal, "")
		if err != nil {
			return nil, fmt.Errorf("creating review branch: %w", err)
		}
		result.Branch = branch
		return finish(evolution.OutcomeAwaitingReview)
	}

	e.emitStage(evolution.StageCommit, proposal.ID, "committing")
	sha, err := e.commitWithBaseline(ctx, proposal, verdict, score.Tier)
	if err != nil {
		return nil, err
	}
	result.CommitID = sha

	// Stage 5: post-deployment monitoring. An observation failure is a
	// regression signal, never a pipeline crash; recovery decides.
	e.emitStage(evolution.StageMonitor, proposal.ID, "monitoring "+sha)
	mon, err := e.config.Monitor.Observe(ctx, sha, score.Tier, proposal.TargetFiles)
	if err != nil {
		mon = &evolution.MonitoringResult{
			CommitID:       sha,
			Tier:           score.Tier,
			Healthy:        false,
			BaselineStable: true,
			Issues:         []string{fmt.Sprintf("monitor: observation failed: %v", err)},
			CheckedAt:      time.Now().UTC(),
		}
		// The monitor never got far enough to persist anything, so the
		// synthesized result is stored here or the commit has no record.
		if perr := e.config.Store.PutJSON(store.MonitoringKey(sha), mon); perr != nil {
			e.logger.Error("Persisting monitoring result failed", "commit", sha, "error", perr)
		}
	}
	result.Monitoring = mon
	if mon.Healthy {
		return finish(evolution.OutcomeSuccess)
	}

	action, err := e.config.Recovery.Handle(ctx, mon)
	if err != nil && !errors.Is(err, evolution.ErrDeploymentRegression) {
		return nil, fmt.Errorf("recovery: %w", err)
	}
	result.Recovery = action
	e.emit(Event{
		Type:       EventRecovery,
		ProposalID: proposal.ID,
		Detail:     string(action),
	})
	if action == evolution.ActionAutoRevert {
		result.Err = firstOr(mon.Issues, "regression detected")
		return finish(evolution.OutcomeReverted)
	}

	// ALERT_PAUSE and ESCALATE leave the commit in place; the change
	// landed, and the pause blocks anything further until acknowledged.
	// A failed revert reaches here as ESCALATE carrying the regression
	// error, which becomes the result's detail.
	result.Err = firstOr(mon.Issues, "regression detected")
	if err != nil {
		result.Err = err.Error()
	}
	return finish(evolution.OutcomeSuccess)
}

// Submit runs Process on its own goroutine and returns immediately.
// Callers learn the outcome through events or by polling Result. The
// submission context only gates admission; the run itself is bounded by
// the per-stage budgets.
func (e *Engine) Submit(proposal *evolution.EvolutionProposal) error {
	if proposal == nil {
		return fmt.Errorf("%w: nil proposal", evolution.ErrInvalidProposal)
	}
	if err := proposal.Validate(); err != nil {
		return err
	}
	if state := e.config.Recovery.State(); state.Paused {
		return fmt.Errorf("%w: %s", evolution.ErrPipelinePaused, state.Reason)
	}
	select {
	case <-e.closed:
		return fmt.Errorf("engine: closed")
	default:
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if _, err := e.Process(context.Background(), proposal); err != nil {
			e.logger.Error("Submitted proposal failed",
				"proposal_id", proposal.ID, "error", err)
			e.emit(Event{
				Type:       EventError,
				ProposalID: proposal.ID,
				Detail:     err.Error(),
			})
		}
	}()
	return nil
}

// Close stops admission of new proposals and waits for in-flight runs.
func (e *Engine) Close() {
	e.closeOne.Do(func() { close(e.closed) })
	e.inflight.Wait()
}

// Result returns the persisted terminal result for a proposal ID.
func (e *Engine) Result(proposalID string) (*evolution.EvolutionResult, bool, error) {
	var result evolution.EvolutionResult
	found, err := e.config.Store.GetJSON(store.ResultKey(proposalID), &result)
	if err != nil || !found {
		return nil, found, err
	}
	return &result, true, nil
}

// History returns commit records, most recent first.
func (e *Engine) History(ctx context.Context, limit int) ([]evolution.CommitRecord, error) {
	return e.config.Integrator.History(ctx, limit)
}

// Monitoring returns the last monitoring result for a commit.
func (e *Engine) Monitoring(commitSHA string) (*evolution.MonitoringResult, bool, error) {
	return e.config.Monitor.Result(commitSHA)
}

// PauseState reports the pipeline's current pause state.
func (e *Engine) PauseState() monitor.PauseState {
	return e.config.Recovery.State()
}

// Pause halts admission of automatic proposals until acknowledged.
func (e *Engine) Pause(reason string) {
	e.config.Recovery.Pause(reason)
}

// Acknowledge clears a pause and lets automatic proposals flow again.
func (e *Engine) Acknowledge() {
	e.config.Recovery.Acknowledge()
}

// RecoveryHistory returns recent recovery events, newest first.
func (e *Engine) RecoveryHistory(limit int) []monitor.RecoveryEvent {
	return e.config.Recovery.History(limit)
}

// commitWithBaseline captures the pre-change baseline and lands the commit
// under one lock, so no other proposal's commit can slip between them.
func (e *Engine) commitWithBaseline(ctx context.Context, proposal *evolution.EvolutionProposal, verdict *evolution.GuardianVerdict, tier evolution.Tier) (string, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if _, err := e.config.Monitor.CaptureBaseline(ctx); err != nil {
		return "", fmt.Errorf("capturing baseline: %w", err)
	}
	sha, err := e.config.Integrator.Commit(ctx, proposal, verdict, tier)
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return sha, nil
}

// persist stores the terminal result. Persistence failures only log; the
// result is already decided and the caller still gets it.
func (e *Engine) persist(result *evolution.EvolutionResult) {
	if err := e.config.Store.PutJSON(store.ResultKey(result.ProposalID), result); err != nil {
		e.logger.Error("Persisting pipeline result failed",
			"proposal_id", result.ProposalID, "error", err)
	}
}

func (e *Engine) emitStage(stage evolution.Stage, proposalID, detail string) {
	e.emit(Event{
		Type:       EventStage,
		ProposalID: proposalID,
		Stage:      stage,
		Detail:     detail,
	})
}

func (e *Engine) emit(ev Event) {
	if e.config.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.config.Events.Emit(ev)
}

func firstOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return items[0]
}
