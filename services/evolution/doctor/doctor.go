// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package doctor verifies the integrity of spatially-indexed archives and
// heals the ones it can.
//
// Archives are square grids laid out along a Hilbert curve, each with a
// sidecar recording the digest the grid had when it was generated. A check
// runs three probes: checksum against the sidecar, spatial locality of the
// curve mapping, and byte-density statistics over the payload. Unhealthy
// artifacts are regenerated from a canonical store when the damage is
// explainable, and quarantined (never deleted) when it is not. Every
// unhealthy artifact is also raised into the recovery policy so that
// repeated offenders escalate the same way code regressions do.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/monitor"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/store"
)

// Alerter routes artifact-level regressions into the recovery policy.
// monitor.Recovery satisfies it.
type Alerter interface {
	Raise(ctx context.Context, event monitor.RecoveryEvent) evolution.RecoveryAction
}

// Config controls scan scheduling and the integrity thresholds.
type Config struct {
	// ArtifactRoot is the directory scanned for archives. Required.
	ArtifactRoot string

	// Interval between periodic sweeps. Defaults to 10 minutes.
	Interval time.Duration

	// CheckTimeout bounds a single artifact check. Defaults to 30 seconds.
	CheckTimeout time.Duration

	// RatePerSecond caps how many artifacts are checked per second so a
	// sweep cannot starve the pipeline of disk. Defaults to 4.
	RatePerSecond float64

	// Burst for the rate limiter. Defaults to 1.
	Burst int

	// LocalityThreshold is the minimum spatial locality score; below it
	// the artifact is considered fragmented. Defaults to 0.7.
	LocalityThreshold float64

	// LocalitySamples caps how many curve positions are probed for
	// locality on large grids. Defaults to 1000.
	LocalitySamples int

	// BlockSize for density analysis, in bytes. Defaults to 16 KiB.
	BlockSize int

	// AutoHeal enables regeneration and quarantine. When false, unhealthy
	// artifacts are only raised to the alerter.
	AutoHeal bool

	// Canonical serves source-of-truth payloads for regeneration. May be
	// nil, in which case every heal falls through to quarantine.
	Canonical CanonicalStore

	// Gate serializes artifact access with the deployment pipeline so a
	// heal never races a rollback. May be nil.
	Gate sync.Locker

	// Logger for doctor events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a config with healing enabled and the standard
// thresholds.
func DefaultConfig(artifactRoot string) Config {
	return Config{
		ArtifactRoot:      artifactRoot,
		Interval:          10 * time.Minute,
		CheckTimeout:      30 * time.Second,
		RatePerSecond:     4,
		Burst:             1,
		LocalityThreshold: 0.7,
		LocalitySamples:   1000,
		BlockSize:         16 * 1024,
		AutoHeal:          true,
	}
}

// Doctor runs integrity checks over an artifact tree.
//
// # Description
//
// A sweep walks ArtifactRoot for archives, checks each one under a rate
// limit, and routes unhealthy findings through Heal and the alerter. Run
// adds a filesystem watcher on top so fresh writes are checked without
// waiting for the next sweep.
//
// # Thread Safety
//
// Safe for concurrent use. Checks against the same artifact serialize on
// the configured gate.
type Doctor struct {
	config  Config
	store   *store.Store
	alerter Alerter
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDoctor validates the config and creates a doctor. The alerter may be
// nil when no recovery policy is attached (tests, offline audits).
func NewDoctor(config Config, st *store.Store, alerter Alerter) (*Doctor, error) {
	if config.ArtifactRoot == "" {
		return nil, fmt.Errorf("doctor: artifact root is required")
	}
	info, err := os.Stat(config.ArtifactRoot)
	if err != nil {
		return nil, fmt.Errorf("doctor: artifact root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("doctor: artifact root %s is not a directory", config.ArtifactRoot)
	}
	if st == nil {
		return nil, fmt.Errorf("doctor: store is required")
	}

	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 30 * time.Second
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 4
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.LocalityThreshold <= 0 {
		config.LocalityThreshold = 0.7
	}
	if config.LocalitySamples <= 0 {
		config.LocalitySamples = 1000
	}
	if config.BlockSize <= 0 {
		config.BlockSize = 16 * 1024
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if err := initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing doctor metrics: %w", err)
	}

	return &Doctor{
		config:  config,
		store:   st,
		alerter: alerter,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		logger:  config.Logger,
	}, nil
}

// Scan walks the artifact tree and checks every archive outside quarantine.
//
// # Description
//
// Checks run under the configured rate limit. Unhealthy artifacts are
// healed (when AutoHeal is set) and raised to the alerter; the sweep keeps
// going either way. Returns the reports for every artifact visited.
//
// # Inputs
//
//   - ctx: Context for cancellation; aborts the walk when done.
//
// # Outputs
//
//   - []*Report: One report per archive checked, in walk order.
//   - error: Non-nil if the walk itself fails or the context ends.
func (d *Doctor) Scan(ctx context.Context) ([]*Report, error) {
	ctx, span := startScanSpan(ctx)
	defer span.End()

	var reports []*Report
	err := filepath.WalkDir(d.config.ArtifactRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == QuarantineDir {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(entry.Name(), ArchiveExt) {
			return nil
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		report, err := d.checkAndHeal(ctx, path)
		if err != nil {
			return err
		}
		reports = append(reports, report)
		return nil
	})
	if err != nil {
		return reports, fmt.Errorf("scanning %s: %w", d.config.ArtifactRoot, err)
	}

	d.logger.Info("Artifact sweep complete",
		"root", d.config.ArtifactRoot,
		"artifacts", len(reports))
	return reports, nil
}

// Run sweeps on a ticker and re-checks archives as they are written.
//
// # Description
//
// Performs an initial sweep, then blocks until the context is cancelled.
// The filesystem watcher only covers ArtifactRoot itself; archives in
// subdirectories are picked up by the periodic sweep.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be created or attached.
func (d *Doctor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating artifact watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.config.ArtifactRoot); err != nil {
		return fmt.Errorf("watching %s: %w", d.config.ArtifactRoot, err)
	}

	d.logger.Info("Integrity doctor started",
		"root", d.config.ArtifactRoot,
		"interval", d.config.Interval,
		"auto_heal", d.config.AutoHeal)

	if _, err := d.Scan(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("Initial artifact sweep failed", "error", err)
	}

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.Scan(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("Artifact sweep failed", "error", err)
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			d.handleEvent(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("Artifact watcher error", "error", err)

		case <-ctx.Done():
			d.logger.Debug("Integrity doctor stopping")
			return nil
		}
	}
}

// handleEvent checks a single archive in response to a filesystem event.
func (d *Doctor) handleEvent(ctx context.Context, event fsnotify.Event) {
	// Only care about new or rewritten archives.
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !strings.HasSuffix(event.Name, ArchiveExt) {
		return
	}
	if filepath.Base(filepath.Dir(event.Name)) == QuarantineDir {
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := d.checkAndHeal(ctx, event.Name); err != nil && ctx.Err() == nil {
		d.logger.Error("Artifact check failed",
			"path", event.Name,
			"error", err)
	}
}

// checkAndHeal checks one archive and routes an unhealthy result through
// healing and the recovery policy.
func (d *Doctor) checkAndHeal(ctx context.Context, archivePath string) (*Report, error) {
	checkCtx, cancel := context.WithTimeout(ctx, d.config.CheckTimeout)
	defer cancel()

	report, err := d.CheckArtifact(checkCtx, archivePath)
	if err != nil {
		return nil, err
	}
	if report.Healthy {
		return report, nil
	}

	action := evolution.ActionAlertPause
	if d.config.AutoHeal {
		action, err = d.Heal(checkCtx, archivePath, report)
		switch {
		case err == nil:
		case errors.Is(err, evolution.ErrIntegrityFault):
			// Quarantined. The escalation below is the whole response.
		default:
			d.logger.Error("Healing failed",
				"artifact", report.Artifact,
				"error", err)
		}
	}

	if d.alerter != nil {
		action = d.alerter.Raise(ctx, monitor.RecoveryEvent{
			Subject: report.Artifact,
			Action:  action,
			Source:  "doctor",
			Issues:  report.Issues,
		})
	}

	d.logger.Warn("Unhealthy artifact handled",
		"artifact", report.Artifact,
		"action", action,
		"issues", len(report.Issues))
	return report, nil
}
