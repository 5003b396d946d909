// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor watches a deployment after its commit lands and decides
// what to do when it regresses.
//
// A Monitor captures a health baseline immediately before commit and runs a
// post-commit observation window sized to the change's tier: Tier 1 gets one
// heartbeat battery pass, Tier 2 and above additionally compare a fresh tree
// snapshot against the baseline and sample process metrics. The window
// produces a MonitoringResult whose issues carry a category prefix
// ("heartbeat: ", "snapshot: ", "perf: ", "monitor: ") so the Recovery
// controller can classify them without re-running anything.
//
// A Recovery turns unhealthy results into AUTO_REVERT, ALERT_PAUSE or
// ESCALATE, executes reverts through the version control integrator, and
// owns the persisted pause state that blocks further proposals.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/heartbeat"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/snapshot"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/store"
)

// Issue category prefixes. Recovery keys its decision tree off these.
const (
	issueHeartbeat = "heartbeat: "
	issueSnapshot  = "snapshot: "
	issuePerf      = "perf: "
	issueMonitor   = "monitor: "
)

// HeadResolver answers the two git questions a baseline needs. The version
// control integrator's client satisfies it.
type HeadResolver interface {
	RevParse(ctx context.Context, ref string) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
}

// Config controls a Monitor.
type Config struct {
	// WorktreeRoot is the live tree being monitored. Required.
	WorktreeRoot string

	// ArtifactRoot is the artifact store sampled for disk usage. Optional.
	ArtifactRoot string

	// Timeout bounds one whole observation window. An expired window is a
	// regression, never an error. Defaults to 2 minutes.
	Timeout time.Duration

	// HeartbeatTimeout is the per-check budget inside the battery.
	// Defaults to the battery's own 30 seconds.
	HeartbeatTimeout time.Duration

	// HeapGrowthLimit is the tolerated fractional heap growth over the
	// baseline before Tier 2 monitoring flags it. Defaults to 0.5.
	HeapGrowthLimit float64

	// GoroutineGrowthLimit is the tolerated fractional goroutine growth
	// over the baseline. Defaults to 1.0.
	GoroutineGrowthLimit float64

	// Includes and Excludes narrow which files the state snapshots cover.
	// Empty slices keep the scanner defaults.
	Includes []string
	Excludes []string

	// Checks overrides the heartbeat battery. Empty selects the defaults.
	Checks []heartbeat.Check

	// Sink receives performance samples. Defaults to a LogSink.
	Sink PerfSink

	// Head stamps baselines with the current commit and branch. Optional;
	// without it baselines carry empty git coordinates.
	Head HeadResolver

	Logger *slog.Logger
}

// DefaultConfig returns the production configuration for a worktree.
func DefaultConfig(worktreeRoot string) Config {
	return Config{
		WorktreeRoot:         worktreeRoot,
		Timeout:              2 * time.Minute,
		HeapGrowthLimit:      0.5,
		GoroutineGrowthLimit: 1.0,
	}
}

// Monitor captures baselines and runs post-deployment observation windows.
//
// # Thread Safety
//
// Safe for concurrent use. The cached baseline is guarded; observation
// windows for different commits may overlap.
type Monitor struct {
	config  Config
	store   *store.Store
	battery *heartbeat.Battery
	scanner *snapshot.Scanner
	sink    PerfSink
	logger  *slog.Logger

	mu       sync.RWMutex
	baseline *Baseline
}

// NewMonitor assembles a Monitor from config and the shared state store.
func NewMonitor(config Config, st *store.Store) (*Monitor, error) {
	if config.WorktreeRoot == "" {
		return nil, fmt.Errorf("monitor: worktree root is required")
	}
	if st == nil {
		return nil, fmt.Errorf("monitor: store is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.HeapGrowthLimit <= 0 {
		config.HeapGrowthLimit = 0.5
	}
	if config.GoroutineGrowthLimit <= 0 {
		config.GoroutineGrowthLimit = 1.0
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "monitor")

	var opts []snapshot.Option
	if len(config.Includes) > 0 {
		opts = append(opts, snapshot.WithIncludes(config.Includes...))
	}
	if len(config.Excludes) > 0 {
		opts = append(opts, snapshot.WithExcludes(config.Excludes...))
	}
	scanner, err := snapshot.NewScanner(opts...)
	if err != nil {
		return nil, fmt.Errorf("building snapshot scanner: %w", err)
	}

	sink := config.Sink
	if sink == nil {
		sink = NewLogSink(logger)
	}

	if err := initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing monitor metrics: %w", err)
	}

	return &Monitor{
		config:  config,
		store:   st,
		battery: heartbeat.NewBattery(config.HeartbeatTimeout, logger, config.Checks...),
		scanner: scanner,
		sink:    sink,
		logger:  logger,
	}, nil
}

// CaptureBaseline records the system's health signals immediately before a
// commit: a heartbeat pass, a content snapshot of the tree, and a process
// performance sample.
//
// # Description
//
// The baseline is cached for the next observation window and persisted so
// dashboards can inspect it. A baseline whose heartbeat battery failed is
// still usable, but it is marked unstable and later structural failures
// cannot be attributed to the deployed change.
//
// # Inputs
//   - ctx: cancels capture; a cancelled snapshot fails the baseline.
//
// # Outputs
//   - *Baseline: the captured baseline.
//   - error: snapshot capture or persistence failure.
func (m *Monitor) CaptureBaseline(ctx context.Context) (*Baseline, error) {
	ctx, span := startBaselineSpan(ctx)
	defer span.End()

	report := m.battery.Run(ctx, m.config.WorktreeRoot)

	snap, err := m.scanner.Capture(ctx, m.config.WorktreeRoot)
	if err != nil {
		return nil, fmt.Errorf("capturing baseline snapshot: %w", err)
	}
	if snap.Incomplete {
		return nil, fmt.Errorf("baseline snapshot is incomplete: %d paths failed", len(snap.Errors))
	}

	var commitSHA, branch string
	if m.config.Head != nil {
		if commitSHA, err = m.config.Head.RevParse(ctx, "HEAD"); err != nil {
			m.logger.Warn("Baseline missing commit coordinate", "error", err)
			commitSHA = ""
		}
		if branch, err = m.config.Head.CurrentBranch(ctx); err != nil {
			branch = ""
		}
	}

	b := &Baseline{
		ID:         uuid.NewString(),
		CommitSHA:  commitSHA,
		Branch:     branch,
		Heartbeat:  report,
		Snapshot:   snap,
		Perf:       samplePerf(m.config.ArtifactRoot, "baseline", commitSHA),
		Stable:     report.AllPassed(),
		CapturedAt: time.Now().UTC(),
	}

	if err := m.store.PutJSON(store.BaselineKey(b.ID), b); err != nil {
		return nil, fmt.Errorf("persisting baseline: %w", err)
	}

	m.mu.Lock()
	m.baseline = b
	m.mu.Unlock()

	recordBaseline(ctx)
	m.logger.Info("Baseline captured",
		"baseline_id", b.ID,
		"commit", commitSHA,
		"stable", b.Stable,
		"files", len(snap.Files))
	return b, nil
}

// Baseline returns the most recently captured baseline, or nil.
func (m *Monitor) Baseline() *Baseline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseline
}

// Observe runs the post-deployment observation window for a landed commit.
//
// # Description
//
// Tier 1 runs the heartbeat battery once; a single failing check flags a
// regression. Tier 2 and Tier 3 additionally diff a fresh snapshot against
// the baseline (drift inside the deployed file set is expected, drift
// outside it is an anomaly) and compare a performance sample against the
// baseline's. An expired window is reported as an unhealthy result, never
// as an error.
//
// # Inputs
//   - ctx: outer bound; the window also enforces its own configured timeout.
//   - commitSHA: the commit under observation.
//   - tier: decides the window's depth.
//   - changed: repository-relative paths the commit was allowed to touch.
//
// # Outputs
//   - *evolution.MonitoringResult: always non-nil when error is nil.
//   - error: only for misuse (no baseline, invalid tier, empty commit).
func (m *Monitor) Observe(ctx context.Context, commitSHA string, tier evolution.Tier, changed []string) (*evolution.MonitoringResult, error) {
	if commitSHA == "" {
		return nil, fmt.Errorf("monitor: commit SHA is required")
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("monitor: invalid tier %d", tier)
	}

	m.mu.RLock()
	base := m.baseline
	m.mu.RUnlock()
	if base == nil {
		return nil, fmt.Errorf("monitor: no baseline captured for commit %s", commitSHA)
	}

	ctx, span := startMonitorSpan(ctx, commitSHA, tier)
	defer span.End()

	start := time.Now()
	passCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	var issues []string

	report := m.battery.Run(passCtx, m.config.WorktreeRoot)
	for _, f := range report.Failures {
		issues = append(issues, issueHeartbeat+f.Check+": "+f.Err)
	}

	if tier >= evolution.Tier2 {
		issues = append(issues, m.compareSnapshot(passCtx, base, changed)...)
		issues = append(issues, m.comparePerf(passCtx, base, commitSHA)...)
	}

	if passCtx.Err() == context.DeadlineExceeded {
		issues = append(issues, fmt.Sprintf("%swindow timed out after %s", issueMonitor, m.config.Timeout))
	}

	result := &evolution.MonitoringResult{
		CommitID:       commitSHA,
		BaselineID:     base.ID,
		Tier:           tier,
		Healthy:        len(issues) == 0,
		BaselineStable: base.Stable,
		Issues:         issues,
		CheckedAt:      time.Now().UTC(),
	}

	if err := m.store.PutJSON(store.MonitoringKey(commitSHA), result); err != nil {
		m.logger.Error("Persisting monitoring result failed", "commit", commitSHA, "error", err)
	}

	recordPass(ctx, tier, result.Healthy, time.Since(start))
	if result.Healthy {
		m.logger.Info("Deployment healthy", "commit", commitSHA, "tier", int(tier))
	} else {
		m.logger.Warn("Deployment regressed",
			"commit", commitSHA,
			"tier", int(tier),
			"issues", len(issues),
			"baseline_stable", base.Stable)
	}
	return result, nil
}

// Result returns the persisted monitoring result for a commit, if any.
func (m *Monitor) Result(commitSHA string) (*evolution.MonitoringResult, bool, error) {
	var result evolution.MonitoringResult
	found, err := m.store.GetJSON(store.MonitoringKey(commitSHA), &result)
	if err != nil || !found {
		return nil, false, err
	}
	return &result, true, nil
}

// compareSnapshot diffs the current tree against the baseline snapshot and
// reports drift outside the deployed file set.
func (m *Monitor) compareSnapshot(ctx context.Context, base *Baseline, changed []string) []string {
	snap, err := m.scanner.Capture(ctx, m.config.WorktreeRoot)
	if err != nil {
		if ctx.Err() != nil {
			return nil // the window timeout is reported once, by the caller
		}
		return []string{fmt.Sprintf("%scapture failed: %v", issueSnapshot, err)}
	}

	expected := make(map[string]struct{}, len(changed))
	for _, p := range changed {
		expected[filepath.ToSlash(p)] = struct{}{}
	}

	var issues []string
	drift := snapshot.Diff(base.Snapshot, snap)
	for _, p := range drift.Deleted {
		if _, ok := expected[p]; !ok {
			issues = append(issues, fmt.Sprintf("%sexpected file missing: %s", issueSnapshot, p))
		}
	}
	for _, p := range drift.Added {
		if _, ok := expected[p]; !ok {
			issues = append(issues, fmt.Sprintf("%sunexpected file: %s", issueSnapshot, p))
		}
	}
	for _, p := range drift.Modified {
		if _, ok := expected[p]; !ok {
			issues = append(issues, fmt.Sprintf("%sfile changed outside the deployed set: %s", issueSnapshot, p))
		}
	}
	if len(snap.Errors) > len(base.Snapshot.Errors) {
		issues = append(issues, fmt.Sprintf("%s%d paths became unreadable", issueSnapshot, len(snap.Errors)-len(base.Snapshot.Errors)))
	}
	return issues
}

// comparePerf samples the process and flags growth beyond the configured
// limits. The sample is always exported, healthy or not.
func (m *Monitor) comparePerf(ctx context.Context, base *Baseline, commitSHA string) []string {
	cur := samplePerf(m.config.ArtifactRoot, "monitor", commitSHA)
	if err := m.sink.Export(ctx, cur); err != nil {
		m.logger.Warn("Exporting performance sample failed", "error", err)
	}

	if base.Perf == nil {
		return nil
	}

	var issues []string
	if base.Perf.HeapBytes > 0 {
		limit := base.Perf.HeapBytes + uint64(float64(base.Perf.HeapBytes)*m.config.HeapGrowthLimit)
		if cur.HeapBytes > limit {
			issues = append(issues, fmt.Sprintf("%sheap usage %d exceeds baseline %d by more than %.0f%%",
				issuePerf, cur.HeapBytes, base.Perf.HeapBytes, m.config.HeapGrowthLimit*100))
		}
	}
	if base.Perf.Goroutines > 0 {
		limit := base.Perf.Goroutines + int(float64(base.Perf.Goroutines)*m.config.GoroutineGrowthLimit)
		if cur.Goroutines > limit {
			issues = append(issues, fmt.Sprintf("%sgoroutine count %d exceeds baseline %d by more than %.0f%%",
				issuePerf, cur.Goroutines, base.Perf.Goroutines, m.config.GoroutineGrowthLimit*100))
		}
	}
	return issues
}
