// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build integration

package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

// TestIntegration_Commit_LandsOnMainLine exercises a Tier 1 commit against
// real git.
func TestIntegration_Commit_LandsOnMainLine(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	t.Parallel()

	repo := setupEvolveRepo(t)
	in := newRealIntegrator(t, repo)
	ctx := context.Background()

	p := mustProposal(t, "bump the version marker", bumpDiff)
	sha, err := in.Commit(ctx, p, approvedVerdict(p, evolution.RiskLow), evolution.Tier1)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(sha) != 40 {
		t.Errorf("commit SHA = %q, want 40 hex chars", sha)
	}

	subject := strings.TrimSpace(runGit(t, repo, "log", "-1", "--format=%s"))
	if subject != "[EVOLUTION] bump the version marker" {
		t.Errorf("subject = %q", subject)
	}
	body := runGit(t, repo, "log", "-1", "--format=%b")
	if !strings.Contains(body, "Evolution-Tier: 1") {
		t.Errorf("body missing tier trailer:\n%s", body)
	}

	content, err := os.ReadFile(filepath.Join(repo, "svc", "util.go"))
	if err != nil {
		t.Fatalf("reading patched file: %v", err)
	}
	if !strings.Contains(string(content), `return "v2"`) {
		t.Errorf("working tree not patched:\n%s", content)
	}

	if status := strings.TrimSpace(runGit(t, repo, "status", "--porcelain")); status != "" {
		t.Errorf("worktree dirty after commit:\n%s", status)
	}

	records, err := in.History(ctx, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.CommitID != sha || rec.Tier != evolution.Tier1 || !rec.Approved {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Files) != 1 || rec.Files[0] != "svc/util.go" {
		t.Errorf("record files = %v", rec.Files)
	}
}

// TestIntegration_Commit_RefusesDirtyTree verifies the clean-tree gate.
func TestIntegration_Commit_RefusesDirtyTree(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	t.Parallel()

	repo := setupEvolveRepo(t)
	in := newRealIntegrator(t, repo)

	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# edited"), 0644); err != nil {
		t.Fatalf("dirtying tree: %v", err)
	}

	p := mustProposal(t, "bump the version marker", bumpDiff)
	_, err := in.Commit(context.Background(), p, approvedVerdict(p, evolution.RiskLow), evolution.Tier1)
	if !errors.Is(err, evolution.ErrDirtyWorktree) {
		t.Errorf("Commit error = %v, want ErrDirtyWorktree", err)
	}
}

// TestIntegration_ReviewBranch_LeavesMainUntouched exercises the Tier 3 path.
func TestIntegration_ReviewBranch_LeavesMainUntouched(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	t.Parallel()

	repo := setupEvolveRepo(t)
	in := newRealIntegrator(t, repo)
	ctx := context.Background()

	mainBefore := strings.TrimSpace(runGit(t, repo, "rev-parse", "main"))

	p := mustProposal(t, "rework version handling", bumpDiff)
	branch, err := in.CreateReviewBranch(ctx, p, "")
	if err != nil {
		t.Fatalf("CreateReviewBranch failed: %v", err)
	}
	if branch != "evolution/review/"+p.ShortHash() {
		t.Errorf("branch = %q", branch)
	}

	// Back on main, with main's content and a clean tree.
	if head := strings.TrimSpace(runGit(t, repo, "rev-parse", "--abbrev-ref", "HEAD")); head != "main" {
		t.Errorf("HEAD = %q, want main", head)
	}
	content, err := os.ReadFile(filepath.Join(repo, "svc", "util.go"))
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if !strings.Contains(string(content), `return "v1"`) {
		t.Errorf("main line was modified:\n%s", content)
	}
	if status := strings.TrimSpace(runGit(t, repo, "status", "--porcelain")); status != "" {
		t.Errorf("worktree dirty after branching:\n%s", status)
	}

	// Main gained no commit; the branch forked from it carries the change.
	if mainAfter := strings.TrimSpace(runGit(t, repo, "rev-parse", "main")); mainAfter != mainBefore {
		t.Errorf("main moved: %s -> %s", mainBefore, mainAfter)
	}
	if parent := strings.TrimSpace(runGit(t, repo, "rev-parse", branch+"~1")); parent != mainBefore {
		t.Errorf("branch parent = %s, want %s", parent, mainBefore)
	}
	branchContent := runGit(t, repo, "show", branch+":svc/util.go")
	if !strings.Contains(branchContent, `return "v2"`) {
		t.Errorf("branch missing the change:\n%s", branchContent)
	}

	// Retrying the same proposal reuses the branch without a second commit.
	countBefore := strings.TrimSpace(runGit(t, repo, "rev-list", "--count", branch))
	again, err := in.CreateReviewBranch(ctx, p, "")
	if err != nil {
		t.Fatalf("second CreateReviewBranch failed: %v", err)
	}
	if again != branch {
		t.Errorf("second branch = %q, want %q", again, branch)
	}
	if countAfter := strings.TrimSpace(runGit(t, repo, "rev-list", "--count", branch)); countAfter != countBefore {
		t.Errorf("branch commit count changed: %s -> %s", countBefore, countAfter)
	}
}

// TestIntegration_Rollback_IsIdempotent reverts a landed commit twice.
func TestIntegration_Rollback_IsIdempotent(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	t.Parallel()

	repo := setupEvolveRepo(t)
	in := newRealIntegrator(t, repo)
	ctx := context.Background()

	p := mustProposal(t, "bump the version marker", bumpDiff)
	sha, err := in.Commit(ctx, p, approvedVerdict(p, evolution.RiskLow), evolution.Tier1)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := in.Rollback(ctx, sha); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(repo, "svc", "util.go"))
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if !strings.Contains(string(content), `return "v1"`) {
		t.Errorf("rollback did not restore content:\n%s", content)
	}

	records, err := in.History(ctx, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(records) != 2 || !records[0].Revert {
		t.Fatalf("records = %+v, want revert first", records)
	}

	// A second rollback finds the existing revert and creates nothing.
	countBefore := strings.TrimSpace(runGit(t, repo, "rev-list", "--count", "HEAD"))
	if err := in.Rollback(ctx, sha); err != nil {
		t.Fatalf("second Rollback failed: %v", err)
	}
	if countAfter := strings.TrimSpace(runGit(t, repo, "rev-list", "--count", "HEAD")); countAfter != countBefore {
		t.Errorf("commit count changed: %s -> %s", countBefore, countAfter)
	}
}

// TestIntegration_Rollback_UnknownCommit verifies the unresolvable-ref error.
func TestIntegration_Rollback_UnknownCommit(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	t.Parallel()

	repo := setupEvolveRepo(t)
	in := newRealIntegrator(t, repo)

	err := in.Rollback(context.Background(), "0000000000000000000000000000000000000000")
	if !errors.Is(err, evolution.ErrUnknownCommit) {
		t.Errorf("Rollback error = %v, want ErrUnknownCommit", err)
	}
}

// gitAvailable checks if git is installed.
func gitAvailable() bool {
	cmd := exec.Command("git", "--version")
	return cmd.Run() == nil
}

// setupEvolveRepo creates a temporary git repository holding the source
// tree the test diffs patch. Identity and branch name are pinned so the
// setup works on machines without global git config.
func setupEvolveRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "agent@aleutian.ai")
	runGit(t, dir, "config", "user.name", "Aleutian Agent")
	runGit(t, dir, "checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repo"), 0644); err != nil {
		t.Fatalf("failed to create initial file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "svc"), 0755); err != nil {
		t.Fatalf("failed to create source dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "svc", "util.go"), []byte(utilV1), 0644); err != nil {
		t.Fatalf("failed to create source file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")

	return dir
}

// newRealIntegrator wires the real git client to a test repository.
func newRealIntegrator(t *testing.T, repo string) *Integrator {
	t.Helper()

	client, err := NewGitClient(repo, 30*time.Second)
	if err != nil {
		t.Fatalf("NewGitClient failed: %v", err)
	}
	in, err := NewIntegrator(client, repo, nil)
	if err != nil {
		t.Fatalf("NewIntegrator failed: %v", err)
	}
	return in
}

// runGit runs a git command in the specified directory.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\nOutput: %s", args, err, output)
	}

	return string(output)
}
