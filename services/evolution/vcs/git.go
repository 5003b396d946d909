// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultGitClient implements GitClient using the git command line.
//
// # Description
//
// Executes git commands with a per-call timeout in the configured
// repository. The client is stateless; serialization of mutating
// operations is the Integrator's job.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type DefaultGitClient struct {
	repoPath string
	timeout  time.Duration
}

// NewGitClient creates a git client for the repository at repoPath.
func NewGitClient(repoPath string, timeout time.Duration) (*DefaultGitClient, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DefaultGitClient{
		repoPath: repoPath,
		timeout:  timeout,
	}, nil
}

// run executes a git command and returns stdout.
func (g *DefaultGitClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, stderr.String())
	}

	return strings.TrimSpace(stdout.String()), nil
}

// runSilent executes a git command and returns only success/failure.
func (g *DefaultGitClient) runSilent(ctx context.Context, args ...string) error {
	_, err := g.run(ctx, args...)
	return err
}

// IsGitRepository checks if the path is inside a git repository.
func (g *DefaultGitClient) IsGitRepository(ctx context.Context) bool {
	return g.runSilent(ctx, "rev-parse", "--git-dir") == nil
}

// Status returns the paths with uncommitted changes, parsed from porcelain
// output. An empty slice means the working tree is clean.
func (g *DefaultGitClient) Status(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	return parseStatusPaths(out), nil
}

// parseStatusPaths extracts paths from porcelain status lines. Renames
// report the destination path.
func parseStatusPaths(out string) []string {
	if out == "" {
		return nil
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		paths = append(paths, strings.Trim(path, `"`))
	}
	return paths
}

// CurrentBranch returns the current branch name, or "HEAD" when detached.
func (g *DefaultGitClient) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return branch, nil
}

// RevParse resolves a ref to a full commit SHA.
func (g *DefaultGitClient) RevParse(ctx context.Context, ref string) (string, error) {
	sha, err := g.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving ref %s: %w", ref, err)
	}
	return sha, nil
}

// BranchExists checks whether a local branch exists.
func (g *DefaultGitClient) BranchExists(ctx context.Context, name string) bool {
	return g.runSilent(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name) == nil
}

// Add stages the given paths.
func (g *DefaultGitClient) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no paths to stage")
	}
	args := append([]string{"add", "--"}, paths...)
	return g.runSilent(ctx, args...)
}

// ResetIndex unstages everything, leaving the working tree as it is.
func (g *DefaultGitClient) ResetIndex(ctx context.Context) error {
	return g.runSilent(ctx, "reset", "--quiet")
}

// RestoreTree discards uncommitted modifications to tracked files and
// removes the given untracked paths. Destructive, so callers only use it
// to undo their own partial work on a tree that was clean beforehand.
func (g *DefaultGitClient) RestoreTree(ctx context.Context, paths ...string) error {
	if err := g.runSilent(ctx, "checkout", "--", "."); err != nil {
		return fmt.Errorf("restoring tracked files: %w", err)
	}
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"clean", "-fdq", "--"}, paths...)
	return g.runSilent(ctx, args...)
}

// CommitIndex commits the staged changes and returns the new commit SHA.
func (g *DefaultGitClient) CommitIndex(ctx context.Context, message string) (string, error) {
	if err := g.runSilent(ctx, "commit", "--no-verify", "-m", message); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return g.RevParse(ctx, "HEAD")
}

// CheckoutNew creates a branch at base and switches to it, keeping
// uncommitted working tree changes.
func (g *DefaultGitClient) CheckoutNew(ctx context.Context, branch, base string) error {
	return g.runSilent(ctx, "checkout", "-b", branch, base)
}

// Checkout switches to an existing ref.
func (g *DefaultGitClient) Checkout(ctx context.Context, ref string) error {
	return g.runSilent(ctx, "checkout", ref)
}

// Revert records a new commit undoing the given one and returns the revert
// commit SHA. A conflicted revert is aborted before the error returns, so
// the tree is never left mid-revert.
func (g *DefaultGitClient) Revert(ctx context.Context, sha string) (string, error) {
	if err := g.runSilent(ctx, "revert", "--no-edit", "--no-verify", sha); err != nil {
		// Abort with a fresh context; the original may already be done.
		abortCtx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		_ = g.runSilent(abortCtx, "revert", "--abort")
		return "", fmt.Errorf("reverting %s: %w", sha, err)
	}
	return g.RevParse(ctx, "HEAD")
}

// FindRevertOf returns the SHA of the commit that reverts the given one,
// or "" when no revert exists. Relies on the message git revert writes.
func (g *DefaultGitClient) FindRevertOf(ctx context.Context, sha string) (string, error) {
	out, err := g.run(ctx, "log", "--all", "--format=%H",
		"--grep=This reverts commit "+sha)
	if err != nil {
		return "", fmt.Errorf("searching for revert of %s: %w", sha, err)
	}
	if out == "" {
		return "", nil
	}
	// Newest first; any one revert proves idempotency.
	return strings.Split(out, "\n")[0], nil
}

// RawCommit is one parsed entry of the evolution log.
type RawCommit struct {
	SHA        string
	Subject    string
	AuthoredAt time.Time
	Body       string
}

// Field and record separators for log parsing.
const (
	logFieldSep  = "\x1f"
	logRecordSep = "\x1e"
)

// EvolutionLog returns the pipeline's commits, newest first, including the
// reverts of pipeline commits.
func (g *DefaultGitClient) EvolutionLog(ctx context.Context, limit int) ([]RawCommit, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := g.run(ctx, "log",
		fmt.Sprintf("-n%d", limit),
		"--grep=\\[EVOLUTION\\]",
		"--format=%H"+logFieldSep+"%s"+logFieldSep+"%aI"+logFieldSep+"%b"+logRecordSep)
	if err != nil {
		return nil, fmt.Errorf("reading evolution log: %w", err)
	}
	return parseLog(out), nil
}

// parseLog splits formatted log output into raw commits.
func parseLog(out string) []RawCommit {
	var commits []RawCommit
	for _, record := range strings.Split(out, logRecordSep) {
		record = strings.TrimLeft(record, "\n")
		fields := strings.SplitN(record, logFieldSep, 4)
		if len(fields) != 4 || fields[0] == "" {
			continue
		}

		authored, err := time.Parse(time.RFC3339, fields[2])
		if err != nil {
			authored = time.Time{}
		}
		commits = append(commits, RawCommit{
			SHA:        fields[0],
			Subject:    fields[1],
			AuthoredAt: authored,
			Body:       strings.TrimSpace(fields[3]),
		})
	}
	return commits
}
