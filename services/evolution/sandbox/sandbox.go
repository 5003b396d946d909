// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox validates evolution proposals in isolated copies of the
// target tree. A validation applies the proposal's diff to the copy, runs
// structural checks (syntax, import resolvability), and finishes with the
// heartbeat battery. The real tree is never touched and the sandbox
// directory is removed on every exit path.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/heartbeat"
)

// Config controls sandbox creation and validation budgets.
type Config struct {
	// WorkDir is where sandbox copies are created. Defaults to a directory
	// under the system temp dir.
	WorkDir string

	// Timeout bounds one whole validation, copy included.
	Timeout time.Duration

	// HeartbeatTimeout bounds each individual heartbeat check.
	HeartbeatTimeout time.Duration

	// MaxConcurrent bounds how many sandboxes may exist at once.
	MaxConcurrent int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WorkDir:          filepath.Join(os.TempDir(), "evolve-sandbox"),
		Timeout:          5 * time.Minute,
		HeartbeatTimeout: 30 * time.Second,
		MaxConcurrent:    4,
	}
}

// Validator validates proposals in isolation.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent validations each get their own
// sandbox directory; the semaphore bounds how many run at once.
type Validator struct {
	config  Config
	battery *heartbeat.Battery
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewValidator creates a validator. A nil battery selects the default
// heartbeat checks.
func NewValidator(config Config, battery *heartbeat.Battery, logger *slog.Logger) (*Validator, error) {
	if config.WorkDir == "" {
		config.WorkDir = filepath.Join(os.TempDir(), "evolve-sandbox")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 30 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	if battery == nil {
		battery = heartbeat.NewBattery(config.HeartbeatTimeout, logger)
	}

	if err := os.MkdirAll(config.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("creating sandbox work dir: %w", err)
	}

	return &Validator{
		config:  config,
		battery: battery,
		sem:     semaphore.NewWeighted(config.MaxConcurrent),
		logger:  logger.With("component", "sandbox"),
	}, nil
}

// Validate runs the full sandbox pipeline for one proposal.
//
// # Description
//
// The source tree is copied into a fresh sandbox, the diff is applied, and
// the checks run in order: syntax, import resolvability, heartbeat battery.
// A structural failure short-circuits the battery. The sandbox directory is
// removed before the result is returned, pass or fail, including on
// cancellation.
//
// # Inputs
//
//   - ctx: Budget for the whole validation. Expiry fails the validation,
//     it does not leak the sandbox.
//   - proposal: The change to validate.
//   - sourceRoot: Absolute path of the real tree to copy. Never written.
//
// # Outputs
//
//   - *SandboxResult: Always non-nil when error is nil. Passed is false on
//     any validation failure, with the reasons in StructuralErrors.
//   - error: Non-nil only when the sandbox could not be constructed.
func (v *Validator) Validate(ctx context.Context, proposal *evolution.EvolutionProposal, sourceRoot string) (*evolution.SandboxResult, error) {
	if err := proposal.Validate(); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(sourceRoot) {
		return nil, fmt.Errorf("source root must be absolute: %s", sourceRoot)
	}

	if err := v.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring sandbox slot: %w", err)
	}
	defer v.sem.Release(1)

	ctx, span := startValidateSpan(ctx, proposal.ID, len(proposal.TargetFiles))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	start := time.Now()

	dir, err := os.MkdirTemp(v.config.WorkDir, "sbx-"+proposal.ShortHash()+"-")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	// The sandbox is ephemeral on every exit path, cancellation included.
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			v.logger.Error("failed to remove sandbox", "path", dir, "error", rmErr)
		}
	}()

	result := &evolution.SandboxResult{
		ProposalID:  proposal.ID,
		SandboxPath: dir,
	}

	finish := func() (*evolution.SandboxResult, error) {
		result.Duration = time.Since(start)
		result.Passed = len(result.StructuralErrors) == 0 &&
			result.HeartbeatTotal > 0 &&
			result.HeartbeatPassed == result.HeartbeatTotal
		recordValidation(ctx, result.Duration, result.Passed, result.HeartbeatPassed)
		v.logger.Info("sandbox validation finished",
			"proposal_id", proposal.ID,
			"passed", result.Passed,
			"structural_errors", len(result.StructuralErrors),
			"heartbeats", fmt.Sprintf("%d/%d", result.HeartbeatPassed, result.HeartbeatTotal),
			"duration", result.Duration)
		return result, nil
	}

	fail := func(format string, args ...any) (*evolution.SandboxResult, error) {
		result.StructuralErrors = append(result.StructuralErrors, fmt.Sprintf(format, args...))
		return finish()
	}

	if err := copyTree(ctx, sourceRoot, dir); err != nil {
		if isCtxErr(err) {
			return fail("sandbox setup cancelled: %v", err)
		}
		return nil, fmt.Errorf("copying source tree: %w", err)
	}

	applied, err := applyDiff(dir, proposal.DiffContent)
	if err != nil {
		// An unappliable diff fails immediately; nothing else runs.
		return fail("diff does not apply: %v", err)
	}

	// Structural checks on every changed file.
	for _, rel := range applied.Changed {
		if err := ctx.Err(); err != nil {
			return fail("validation timed out during structural checks")
		}
		lang := detectLanguage(rel)
		if lang == nil {
			continue
		}
		content, readErr := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if readErr != nil {
			result.StructuralErrors = append(result.StructuralErrors,
				fmt.Sprintf("%s: %v", rel, readErr))
			continue
		}
		if synErr := checkSyntax(ctx, lang, rel, content); synErr != nil {
			result.StructuralErrors = append(result.StructuralErrors, synErr.Error())
		}
	}
	if len(result.StructuralErrors) > 0 {
		// Structural failure short-circuits: heartbeats never run.
		return finish()
	}

	importProblems, err := checkImports(ctx, dir, applied.Changed)
	if err != nil {
		return fail("validation timed out during import checks")
	}
	if len(importProblems) > 0 {
		result.StructuralErrors = append(result.StructuralErrors, importProblems...)
		return finish()
	}

	report := v.battery.Run(ctx, dir)
	result.HeartbeatPassed = report.Passed
	result.HeartbeatTotal = report.Total
	for _, f := range report.Failures {
		result.StructuralErrors = append(result.StructuralErrors,
			fmt.Sprintf("heartbeat %s: %s", f.Check, f.Err))
	}

	return finish()
}

// copyTree copies the tree at src into dst, skipping version control
// internals and symlinks. File permission bits are preserved.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
