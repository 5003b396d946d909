// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs lands approved proposals in version control: direct commits
// for Tier 1 and 2, isolated review branches for Tier 3, and revert-based
// rollback. The commit history is the only durable record of the pipeline's
// changes; there is no parallel database of commits.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/sandbox"
)

const (
	// subjectPrefix marks every commit the pipeline creates. History and
	// rollback rely on it.
	subjectPrefix = "[EVOLUTION] "

	// reviewBranchPrefix namespaces Tier 3 review branches.
	reviewBranchPrefix = "evolution/review/"

	// maxSubjectLen keeps commit subjects within conventional git limits.
	maxSubjectLen = 72
)

// Commit message trailers carrying structured provenance.
const (
	trailerProposal = "Evolution-Proposal"
	trailerTier     = "Evolution-Tier"
	trailerRisk     = "Evolution-Risk"
	trailerApproved = "Evolution-Approved"
	trailerFiles    = "Evolution-Files"
)

// GitClient is the version-control surface the Integrator needs. Implemented
// by DefaultGitClient; narrowed to an interface so tests can fail specific
// steps.
type GitClient interface {
	IsGitRepository(ctx context.Context) bool
	Status(ctx context.Context) ([]string, error)
	CurrentBranch(ctx context.Context) (string, error)
	RevParse(ctx context.Context, ref string) (string, error)
	BranchExists(ctx context.Context, name string) bool
	Add(ctx context.Context, paths ...string) error
	ResetIndex(ctx context.Context) error
	CommitIndex(ctx context.Context, message string) (string, error)
	CheckoutNew(ctx context.Context, branch, base string) error
	Checkout(ctx context.Context, ref string) error
	RestoreTree(ctx context.Context, paths ...string) error
	Revert(ctx context.Context, sha string) (string, error)
	FindRevertOf(ctx context.Context, sha string) (string, error)
	EvolutionLog(ctx context.Context, limit int) ([]RawCommit, error)
}

// Integrator lands proposals in the repository.
//
// # Description
//
// All mutating operations (Commit, CreateReviewBranch, Rollback) are
// serialized by a single mutex: the working tree is one shared resource
// and concurrent mutation of it cannot be made safe. Rollback additionally
// holds the artifact gate when one is shared via SetArtifactGate, so a
// revert cannot overlap an integrity heal. History is read-only and runs
// unserialized.
//
// # Thread Safety
//
// Safe for concurrent use.
type Integrator struct {
	git      GitClient
	repoPath string
	logger   *slog.Logger

	// gate, when set, is shared with artifact maintenance. Rollback holds
	// it so a revert never runs while an archive is being rewritten.
	gate sync.Locker

	mu sync.Mutex
}

// NewIntegrator creates an Integrator for the repository at repoPath.
func NewIntegrator(git GitClient, repoPath string, logger *slog.Logger) (*Integrator, error) {
	if git == nil {
		return nil, fmt.Errorf("git client is required")
	}
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing vcs metrics: %w", err)
	}
	return &Integrator{
		git:      git,
		repoPath: repoPath,
		logger:   logger,
	}, nil
}

// SetArtifactGate shares a locker with artifact maintenance. Rollback
// acquires it for the duration of the revert, so integrity checks and heals
// holding the same gate never overlap a rollback. A nil gate disables the
// coupling. Set during wiring, before the integrator is in use.
func (in *Integrator) SetArtifactGate(gate sync.Locker) {
	in.gate = gate
}

// Commit applies the proposal's diff to the working tree and records it as
// one atomic commit on the current branch.
//
// # Description
//
// Refuses to run unless the working tree is completely clean, so a failed
// application can always be restored to the pre-commit state. Only the
// files the diff actually changed are staged. The commit message carries
// the goal as subject and structured trailers encoding proposal ID, tier,
// risk, approval, and touched files.
//
// # Inputs
//   - proposal: validated proposal whose diff lands on the main line.
//   - verdict: the approving guardian verdict; rejection or inconsistency
//     refuses the commit with ErrPolicyRejection.
//   - tier: the routed tier; Tier 3 refuses with ErrReviewRequired.
//
// # Outputs
//   - string: the new commit SHA.
//   - error: nil on success; the working tree is restored on failure.
func (in *Integrator) Commit(ctx context.Context, proposal *evolution.EvolutionProposal, verdict *evolution.GuardianVerdict, tier evolution.Tier) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	ctx, span := startCommitSpan(ctx, proposal, tier)
	defer span.End()
	start := time.Now()

	if err := proposal.Validate(); err != nil {
		return "", err
	}
	if verdict == nil || !verdict.Approved || !verdict.Consistent() {
		return "", fmt.Errorf("%w: commit requires an approving verdict", evolution.ErrPolicyRejection)
	}
	if tier == evolution.Tier3 {
		return "", fmt.Errorf("%w: tier 3 changes land on a review branch", evolution.ErrReviewRequired)
	}
	if !tier.Valid() {
		return "", fmt.Errorf("unknown tier %d", tier)
	}

	if err := in.ensureClean(ctx); err != nil {
		return "", err
	}

	applied, err := sandbox.Apply(in.repoPath, proposal.DiffContent)
	if err != nil {
		in.restore(ctx, proposal.TargetFiles)
		return "", fmt.Errorf("applying diff to working tree: %w", err)
	}

	paths := append(applied.Changed, applied.Deleted...)
	if err := in.git.Add(ctx, paths...); err != nil {
		in.restore(ctx, paths)
		return "", fmt.Errorf("staging %d files: %w", len(paths), err)
	}

	sha, err := in.git.CommitIndex(ctx, commitMessage(proposal, verdict, tier))
	if err != nil {
		if resetErr := in.git.ResetIndex(ctx); resetErr != nil {
			in.logger.Error("resetting index after failed commit", "error", resetErr)
		}
		in.restore(ctx, paths)
		return "", err
	}

	recordCommit(ctx, tier, time.Since(start))
	in.logger.Info("proposal committed",
		"proposal_id", proposal.ID,
		"commit", sha,
		"tier", int(tier),
		"files", len(paths))
	return sha, nil
}

// CreateReviewBranch lands a Tier 3 proposal on an isolated branch.
//
// # Description
//
// The branch name is derived from the proposal's content hash, so retrying
// the same proposal is idempotent: an existing branch is returned as-is
// with no second commit. The change is committed on the branch and the
// original branch is checked out again afterwards, leaving the main line
// without the change. Nothing ever auto-merges the branch; a human merges
// or deletes it out of band.
//
// # Inputs
//   - proposal: validated Tier 3 proposal.
//   - base: ref the branch starts from; empty means HEAD.
//
// # Outputs
//   - string: the review branch name.
//   - error: nil on success or when the branch already exists.
func (in *Integrator) CreateReviewBranch(ctx context.Context, proposal *evolution.EvolutionProposal, base string) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	ctx, span := startBranchSpan(ctx, proposal)
	defer span.End()

	if err := proposal.Validate(); err != nil {
		return "", err
	}

	branch := ReviewBranchName(proposal)
	if in.git.BranchExists(ctx, branch) {
		in.logger.Info("review branch already exists",
			"proposal_id", proposal.ID, "branch", branch)
		return branch, nil
	}

	if err := in.ensureClean(ctx); err != nil {
		return "", err
	}

	current, err := in.git.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if current == "HEAD" {
		return "", fmt.Errorf("refusing to create a review branch from a detached HEAD")
	}
	if base == "" {
		base = "HEAD"
	}

	applied, err := sandbox.Apply(in.repoPath, proposal.DiffContent)
	if err != nil {
		in.restore(ctx, proposal.TargetFiles)
		return "", fmt.Errorf("applying diff to working tree: %w", err)
	}
	paths := append(applied.Changed, applied.Deleted...)

	if err := in.git.CheckoutNew(ctx, branch, base); err != nil {
		in.restore(ctx, paths)
		return "", fmt.Errorf("creating branch %s: %w", branch, err)
	}

	if err := in.git.Add(ctx, paths...); err != nil {
		in.restore(ctx, paths)
		in.checkoutBack(ctx, current)
		return "", fmt.Errorf("staging %d files: %w", len(paths), err)
	}
	sha, err := in.git.CommitIndex(ctx, commitMessage(proposal, nil, evolution.Tier3))
	if err != nil {
		if resetErr := in.git.ResetIndex(ctx); resetErr != nil {
			in.logger.Error("resetting index after failed branch commit", "error", resetErr)
		}
		in.restore(ctx, paths)
		in.checkoutBack(ctx, current)
		return "", err
	}

	if err := in.git.Checkout(ctx, current); err != nil {
		return branch, fmt.Errorf("change committed on %s but switching back to %s failed: %w",
			branch, current, err)
	}

	recordBranch(ctx)
	in.logger.Info("review branch created",
		"proposal_id", proposal.ID,
		"branch", branch,
		"commit", sha,
		"awaiting", "human review")
	return branch, nil
}

// Rollback undoes the given commit with a new revert commit.
//
// # Description
//
// History is never rewritten: the rollback is itself an atomic commit that
// restores the pre-change state. Retrying is idempotent — a commit whose
// revert already exists anywhere in the repository succeeds without a
// second revert.
//
// # Inputs
//   - sha: any ref resolving to the commit to undo; an unresolvable ref
//     returns ErrUnknownCommit.
//
// # Outputs
//   - error: nil when the commit is (or already was) reverted.
func (in *Integrator) Rollback(ctx context.Context, sha string) error {
	// Gate before mu: the gate can be held for a whole heal, and holding mu
	// while waiting on it would stall commits that need no gate at all.
	if in.gate != nil {
		in.gate.Lock()
		defer in.gate.Unlock()
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	ctx, span := startRollbackSpan(ctx, sha)
	defer span.End()

	full, err := in.git.RevParse(ctx, sha)
	if err != nil {
		return fmt.Errorf("%w: %s", evolution.ErrUnknownCommit, sha)
	}

	existing, err := in.git.FindRevertOf(ctx, full)
	if err != nil {
		return err
	}
	if existing != "" {
		in.logger.Info("commit already reverted",
			"commit", full, "revert_commit", existing)
		return nil
	}

	if err := in.ensureClean(ctx); err != nil {
		return err
	}

	revertSHA, err := in.git.Revert(ctx, full)
	if err != nil {
		return err
	}

	recordRollback(ctx)
	in.logger.Warn("commit reverted",
		"commit", full, "revert_commit", revertSHA)
	return nil
}

// History returns the pipeline's commit records, most recent first,
// reconstructed from the version-control log. Revert commits appear as
// records with Revert set and no trailer-derived fields.
func (in *Integrator) History(ctx context.Context, limit int) ([]evolution.CommitRecord, error) {
	raws, err := in.git.EvolutionLog(ctx, limit)
	if err != nil {
		return nil, err
	}

	records := make([]evolution.CommitRecord, 0, len(raws))
	for _, raw := range raws {
		records = append(records, recordFromRaw(raw))
	}
	return records, nil
}

// ReviewBranchName returns the content-derived branch a Tier 3 proposal
// lands on.
func ReviewBranchName(proposal *evolution.EvolutionProposal) string {
	return reviewBranchPrefix + proposal.ShortHash()
}

// ensureClean refuses to mutate a repository with uncommitted changes.
func (in *Integrator) ensureClean(ctx context.Context) error {
	paths, err := in.git.Status(ctx)
	if err != nil {
		return err
	}
	if len(paths) > 0 {
		return fmt.Errorf("%w: %s", evolution.ErrDirtyWorktree, strings.Join(paths, ", "))
	}
	return nil
}

// restore discards a partial application. Only called after ensureClean
// verified the tree, so everything it discards is ours.
func (in *Integrator) restore(ctx context.Context, paths []string) {
	if err := in.git.RestoreTree(ctx, paths...); err != nil {
		in.logger.Error("restoring working tree", "error", err, "paths", paths)
	}
}

// checkoutBack returns to the original branch on an error path.
func (in *Integrator) checkoutBack(ctx context.Context, branch string) {
	if err := in.git.Checkout(ctx, branch); err != nil {
		in.logger.Error("returning to original branch", "error", err, "branch", branch)
	}
}

// commitMessage builds the structured commit message. A nil verdict (review
// branch commits, approval still pending) omits the risk and approval
// trailers.
func commitMessage(proposal *evolution.EvolutionProposal, verdict *evolution.GuardianVerdict, tier evolution.Tier) string {
	var b strings.Builder
	b.WriteString(subjectLine(proposal.Goal))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s: %s\n", trailerProposal, proposal.ID)
	fmt.Fprintf(&b, "%s: %d\n", trailerTier, tier)
	if verdict != nil {
		fmt.Fprintf(&b, "%s: %s\n", trailerRisk, verdict.RiskLevel)
		fmt.Fprintf(&b, "%s: %t\n", trailerApproved, verdict.Approved)
	}
	fmt.Fprintf(&b, "%s: %s\n", trailerFiles, strings.Join(proposal.TargetFiles, ", "))
	return b.String()
}

// subjectLine builds the one-line commit subject from the proposal goal.
func subjectLine(goal string) string {
	subject := subjectPrefix + strings.Join(strings.Fields(goal), " ")
	runes := []rune(subject)
	if len(runes) > maxSubjectLen {
		subject = string(runes[:maxSubjectLen-3]) + "..."
	}
	return subject
}

// recordFromRaw reconstructs a CommitRecord from one log entry.
func recordFromRaw(raw RawCommit) evolution.CommitRecord {
	rec := evolution.CommitRecord{
		CommitID:   raw.SHA,
		Subject:    raw.Subject,
		AuthoredAt: raw.AuthoredAt,
	}

	if strings.HasPrefix(raw.Subject, "Revert ") &&
		strings.Contains(raw.Body, "This reverts commit") {
		rec.Revert = true
	}

	for _, line := range strings.Split(raw.Body, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case trailerProposal:
			rec.ProposalID = value
		case trailerTier:
			if n, err := strconv.Atoi(value); err == nil {
				rec.Tier = evolution.Tier(n)
			}
		case trailerRisk:
			rec.Risk = evolution.RiskLevel(value)
		case trailerApproved:
			rec.Approved = value == "true"
		case trailerFiles:
			if value != "" {
				rec.Files = strings.Split(value, ", ")
			}
		}
	}
	return rec
}
