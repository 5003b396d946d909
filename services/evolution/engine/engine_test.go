// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/monitor"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/store"
)

const testDiff = `--- a/pkg/greeter.go
+++ b/pkg/greeter.go
@@ -1,3 +1,4 @@
 package greeter

+// Greet says hello.
 func Greet() {}
`

type fakeValidator struct {
	passed bool
	errs   []string
	err    error
	calls  int
}

func (f *fakeValidator) Validate(_ context.Context, p *evolution.EvolutionProposal, _ string) (*evolution.SandboxResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := &evolution.SandboxResult{
		ProposalID:       p.ID,
		Passed:           f.passed,
		StructuralErrors: f.errs,
		HeartbeatPassed:  4,
		HeartbeatTotal:   4,
	}
	if !f.passed {
		res.HeartbeatPassed = 0
	}
	return res, nil
}

type fakeGate struct {
	approved bool
	risk     evolution.RiskLevel
	err      error
	calls    int
}

func (f *fakeGate) Review(_ context.Context, p *evolution.EvolutionProposal, _ *evolution.SandboxResult) (*evolution.GuardianVerdict, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &evolution.GuardianVerdict{
		ProposalID: p.ID,
		Approved:   f.approved,
		RiskLevel:  f.risk,
		Rationale:  "test verdict",
	}, nil
}

type fakeRouter struct {
	tier  evolution.Tier
	calls int
}

func (f *fakeRouter) Classify(_ *evolution.EvolutionProposal, verdict *evolution.GuardianVerdict) (evolution.TierScore, error) {
	f.calls++
	if !verdict.Approved {
		return evolution.TierScore{}, fmt.Errorf("%w: rejected verdicts are not tiered", evolution.ErrPolicyRejection)
	}
	return evolution.TierScore{Total: 5, Tier: f.tier}, nil
}

type fakeIntegrator struct {
	sha         string
	branch      string
	commits     int
	branches    int
	history     []evolution.CommitRecord
	err         error
	rollbackErr error
}

func (f *fakeIntegrator) Commit(_ context.Context, _ *evolution.EvolutionProposal, _ *evolution.GuardianVerdict, _ evolution.Tier) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.commits++
	return f.sha, nil
}

func (f *fakeIntegrator) CreateReviewBranch(_ context.Context, _ *evolution.EvolutionProposal, _ string) (string, error) {
	f.branches++
	return f.branch, nil
}

func (f *fakeIntegrator) History(_ context.Context, _ int) ([]evolution.CommitRecord, error) {
	return f.history, nil
}

func (f *fakeIntegrator) Rollback(_ context.Context, sha string) error {
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	f.history = append([]evolution.CommitRecord{{CommitID: "revert-" + sha, Revert: true}}, f.history...)
	return nil
}

type fakeObserver struct {
	healthy    bool
	stable     bool
	issues     []string
	baselines  int
	observed   []string
	observeErr error
}

func (f *fakeObserver) CaptureBaseline(_ context.Context) (*monitor.Baseline, error) {
	f.baselines++
	return &monitor.Baseline{ID: "base-1", Stable: f.stable, CapturedAt: time.Now().UTC()}, nil
}

func (f *fakeObserver) Observe(_ context.Context, sha string, tier evolution.Tier, _ []string) (*evolution.MonitoringResult, error) {
	if f.observeErr != nil {
		return nil, f.observeErr
	}
	f.observed = append(f.observed, sha)
	return &evolution.MonitoringResult{
		CommitID:       sha,
		BaselineID:     "base-1",
		Tier:           tier,
		Healthy:        f.healthy,
		BaselineStable: f.stable,
		Issues:         f.issues,
		CheckedAt:      time.Now().UTC(),
	}, nil
}

func (f *fakeObserver) Result(sha string) (*evolution.MonitoringResult, bool, error) {
	if len(f.observed) == 0 || f.observed[len(f.observed)-1] != sha {
		return nil, false, nil
	}
	return &evolution.MonitoringResult{CommitID: sha, Healthy: f.healthy}, true, nil
}

type testRig struct {
	engine     *Engine
	validator  *fakeValidator
	gate       *fakeGate
	router     *fakeRouter
	integrator *fakeIntegrator
	observer   *fakeObserver
	recovery   *monitor.Recovery
	store      *store.Store
	events     *Emitter
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	st, err := store.Open(store.InMemoryConfig())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rig := &testRig{
		validator:  &fakeValidator{passed: true},
		gate:       &fakeGate{approved: true, risk: evolution.RiskLow},
		router:     &fakeRouter{tier: evolution.Tier1},
		integrator: &fakeIntegrator{sha: "abc1234", branch: "evolution/review/deadbeef"},
		observer:   &fakeObserver{healthy: true, stable: true},
		store:      st,
		events:     NewEmitter(32),
	}

	rig.recovery, err = monitor.NewRecovery(rig.integrator, st, nil, 0)
	if err != nil {
		t.Fatalf("NewRecovery: %v", err)
	}

	rig.engine, err = New(Config{
		SourceRoot: t.TempDir(),
		Validator:  rig.validator,
		Gate:       rig.gate,
		Router:     rig.router,
		Integrator: rig.integrator,
		Monitor:    rig.observer,
		Recovery:   rig.recovery,
		Store:      st,
		Events:     rig.events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rig
}

func testProposal(t *testing.T) *evolution.EvolutionProposal {
	t.Helper()
	p, err := evolution.NewProposal("add a doc comment", testDiff)
	if err != nil {
		t.Fatalf("NewProposal: %v", err)
	}
	return p
}

func TestProcessSuccess(t *testing.T) {
	rig := newTestRig(t)
	p := testProposal(t)

	result, err := rig.engine.Process(context.Background(), p)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != evolution.OutcomeSuccess {
		t.Fatalf("outcome = %s, want SUCCESS", result.Outcome)
	}
	if result.CommitID != "abc1234" {
		t.Errorf("commit = %q, want abc1234", result.CommitID)
	}
	if rig.observer.baselines != 1 {
		t.Errorf("baselines captured = %d, want 1", rig.observer.baselines)
	}
	if result.Monitoring == nil || !result.Monitoring.Healthy {
		t.Error("expected a healthy monitoring result")
	}

	// The terminal result is persisted for the query surface.
	stored, found, err := rig.engine.Result(p.ID)
	if err != nil || !found {
		t.Fatalf("Result: found=%v err=%v", found, err)
	}
	if stored.Outcome != evolution.OutcomeSuccess {
		t.Errorf("stored outcome = %s", stored.Outcome)
	}
}

func TestProcessStageOrdering(t *testing.T) {
	rig := newTestRig(t)

	var stages []evolution.Stage
	rig.events.Subscribe(func(ev Event) {
		if ev.Type == EventStage {
			stages = append(stages, ev.Stage)
		}
	})

	if _, err := rig.engine.Process(context.Background(), testProposal(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []evolution.Stage{
		evolution.StageSandbox,
		evolution.StageGuardian,
		evolution.StageTier,
		evolution.StageCommit,
		evolution.StageMonitor,
	}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage[%d] = %s, want %s", i, stages[i], want[i])
		}
	}
}

func TestProcessSandboxRejection(t *testing.T) {
	rig := newTestRig(t)
	rig.validator.passed = false
	rig.validator.errs = []string{"pkg/greeter.go: syntax error"}

	result, err := rig.engine.Process(context.Background(), testProposal(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != evolution.OutcomeRejectedSandbox {
		t.Fatalf("outcome = %s, want REJECTED_SANDBOX", result.Outcome)
	}
	if rig.gate.calls != 0 {
		t.Error("guardian ran after a sandbox rejection")
	}
	if rig.integrator.commits != 0 {
		t.Error("a sandbox rejection must not create a commit")
	}
}

func TestProcessGuardianRejection(t *testing.T) {
	rig := newTestRig(t)
	rig.gate.approved = false
	rig.gate.risk = evolution.RiskHigh

	result, err := rig.engine.Process(context.Background(), testProposal(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != evolution.OutcomeRejectedGuardian {
		t.Fatalf("outcome = %s, want REJECTED_GUARDIAN", result.Outcome)
	}
	if rig.router.calls != 0 {
		t.Error("rejection must short-circuit tiering")
	}
	if rig.integrator.commits != 0 || rig.integrator.branches != 0 {
		t.Error("a guardian rejection must not touch version control")
	}
}

func TestProcessTier3ParksOnBranch(t *testing.T) {
	rig := newTestRig(t)
	rig.router.tier = evolution.Tier3

	result, err := rig.engine.Process(context.Background(), testProposal(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != evolution.OutcomeAwaitingReview {
		t.Fatalf("outcome = %s, want AWAITING_HUMAN_REVIEW", result.Outcome)
	}
	if result.Branch != "evolution/review/deadbeef" {
		t.Errorf("branch = %q", result.Branch)
	}
	if rig.integrator.commits != 0 {
		t.Error("tier 3 must not commit to the main line")
	}
	if rig.observer.baselines != 0 {
		t.Error("tier 3 takes no baseline: nothing deploys")
	}
}

func TestProcessRegressionAutoReverts(t *testing.T) {
	rig := newTestRig(t)
	rig.observer.healthy = false
	rig.observer.issues = []string{"heartbeat: core: failed"}

	result, err := rig.engine.Process(context.Background(), testProposal(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != evolution.OutcomeReverted {
		t.Fatalf("outcome = %s, want REVERTED", result.Outcome)
	}
	if result.Recovery != evolution.ActionAutoRevert {
		t.Errorf("recovery = %s, want AUTO_REVERT", result.Recovery)
	}
	if len(rig.integrator.history) == 0 || !rig.integrator.history[0].Revert {
		t.Error("history should show the revert commit")
	}
}

func TestProcessAmbiguousRegressionPauses(t *testing.T) {
	rig := newTestRig(t)
	rig.observer.healthy = false
	rig.observer.issues = []string{"perf: heap grew 80% over baseline"}

	result, err := rig.engine.Process(context.Background(), testProposal(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Recovery != evolution.ActionAlertPause {
		t.Fatalf("recovery = %s, want ALERT_PAUSE", result.Recovery)
	}
	if result.Outcome != evolution.OutcomeSuccess {
		t.Errorf("outcome = %s; the commit stays in place", result.Outcome)
	}
	if !rig.engine.PauseState().Paused {
		t.Fatal("pipeline should be paused")
	}

	// A paused pipeline refuses the next proposal outright.
	_, err = rig.engine.Process(context.Background(), testProposal(t))
	if !errors.Is(err, evolution.ErrPipelinePaused) {
		t.Fatalf("err = %v, want ErrPipelinePaused", err)
	}

	rig.engine.Acknowledge()
	if _, err := rig.engine.Process(context.Background(), testProposal(t)); err != nil {
		t.Fatalf("Process after acknowledge: %v", err)
	}
}

func TestProcessObservationFailureStillRecordsMonitoring(t *testing.T) {
	rig := newTestRig(t)
	rig.observer.observeErr = errors.New("heartbeat runner unavailable")

	result, err := rig.engine.Process(context.Background(), testProposal(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Monitoring == nil || result.Monitoring.Healthy {
		t.Fatal("expected a synthesized unhealthy monitoring result")
	}
	if result.Recovery != evolution.ActionAlertPause {
		t.Errorf("recovery = %s, want ALERT_PAUSE", result.Recovery)
	}

	// The query surface reads monitoring results straight from the store,
	// so the synthesized result has to land there too.
	var stored evolution.MonitoringResult
	found, err := rig.store.GetJSON(store.MonitoringKey("abc1234"), &stored)
	if err != nil || !found {
		t.Fatalf("monitoring result not persisted: found=%v err=%v", found, err)
	}
	if stored.Healthy {
		t.Error("stored monitoring result should be unhealthy")
	}
	if len(stored.Issues) == 0 || !strings.Contains(stored.Issues[0], "observation failed") {
		t.Errorf("Issues = %v, want the observation failure recorded", stored.Issues)
	}
}

func TestProcessRevertFailureEscalatesAndPauses(t *testing.T) {
	rig := newTestRig(t)
	rig.observer.healthy = false
	rig.observer.issues = []string{"heartbeat: core: failed"}
	rig.integrator.rollbackErr = errors.New("worktree has uncommitted changes")

	result, err := rig.engine.Process(context.Background(), testProposal(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Recovery != evolution.ActionEscalate {
		t.Fatalf("recovery = %s, want ESCALATE after a failed revert", result.Recovery)
	}
	if result.Outcome != evolution.OutcomeSuccess {
		t.Errorf("outcome = %s; the unreverted commit stays in place", result.Outcome)
	}
	if !strings.Contains(result.Err, evolution.ErrDeploymentRegression.Error()) {
		t.Errorf("result.Err = %q, want the regression named", result.Err)
	}
	if !rig.engine.PauseState().Paused {
		t.Error("a failed revert must pause the pipeline")
	}
}

func TestProcessInfrastructureFailureIsAnError(t *testing.T) {
	rig := newTestRig(t)
	rig.validator.err = errors.New("temp dir unavailable")

	result, err := rig.engine.Process(context.Background(), testProposal(t))
	if err == nil {
		t.Fatal("expected an error")
	}
	if result != nil {
		t.Errorf("result should be nil on infrastructure failure, got %+v", result)
	}
	if !strings.Contains(err.Error(), "sandbox validation") {
		t.Errorf("err = %v", err)
	}
}

func TestSubmitRunsAsynchronously(t *testing.T) {
	rig := newTestRig(t)
	p := testProposal(t)

	done := make(chan Event, 1)
	rig.events.Subscribe(func(ev Event) {
		if ev.Type == EventOutcome {
			select {
			case done <- ev:
			default:
			}
		}
	})

	if err := rig.engine.Submit(p); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case ev := <-done:
		if ev.Outcome != evolution.OutcomeSuccess {
			t.Errorf("outcome = %s", ev.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome event within 5s")
	}
	rig.engine.Close()

	if err := rig.engine.Submit(testProposal(t)); err == nil {
		t.Fatal("a closed engine must refuse submissions")
	}
}
