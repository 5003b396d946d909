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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

const utilV1 = `package svc

// Version reports the build marker.
func Version() string {
	return "v1"
}
`

const bumpDiff = `--- a/svc/util.go
+++ b/svc/util.go
@@ -3,4 +3,4 @@
 // Version reports the build marker.
 func Version() string {
-	return "v1"
+	return "v2"
 }
`

const fakeSHA = "c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00"

// fakeGit implements GitClient with canned answers and records the
// mutating calls so tests can assert what the integrator did.
type fakeGit struct {
	statusPaths []string
	statusErr   error
	branch      string
	exists      bool
	revParseErr error
	revertOf    string
	rawLog      []RawCommit

	added     [][]string
	messages  []string
	reverted  []string
	checkouts []string
	created   []string
	restores  int
	resets    int
}

func (f *fakeGit) IsGitRepository(ctx context.Context) bool { return true }

func (f *fakeGit) Status(ctx context.Context) ([]string, error) {
	return f.statusPaths, f.statusErr
}

func (f *fakeGit) CurrentBranch(ctx context.Context) (string, error) {
	if f.branch == "" {
		return "main", nil
	}
	return f.branch, nil
}

func (f *fakeGit) RevParse(ctx context.Context, ref string) (string, error) {
	if f.revParseErr != nil {
		return "", f.revParseErr
	}
	return "resolved-" + ref, nil
}

func (f *fakeGit) BranchExists(ctx context.Context, name string) bool { return f.exists }

func (f *fakeGit) Add(ctx context.Context, paths ...string) error {
	f.added = append(f.added, paths)
	return nil
}

func (f *fakeGit) ResetIndex(ctx context.Context) error {
	f.resets++
	return nil
}

func (f *fakeGit) CommitIndex(ctx context.Context, message string) (string, error) {
	f.messages = append(f.messages, message)
	return fakeSHA, nil
}

func (f *fakeGit) CheckoutNew(ctx context.Context, branch, base string) error {
	f.created = append(f.created, branch+"@"+base)
	return nil
}

func (f *fakeGit) Checkout(ctx context.Context, ref string) error {
	f.checkouts = append(f.checkouts, ref)
	return nil
}

func (f *fakeGit) RestoreTree(ctx context.Context, paths ...string) error {
	f.restores++
	return nil
}

func (f *fakeGit) Revert(ctx context.Context, sha string) (string, error) {
	f.reverted = append(f.reverted, sha)
	return "revert-" + sha, nil
}

func (f *fakeGit) FindRevertOf(ctx context.Context, sha string) (string, error) {
	return f.revertOf, nil
}

func (f *fakeGit) EvolutionLog(ctx context.Context, limit int) ([]RawCommit, error) {
	return f.rawLog, nil
}

// newTestIntegrator wires a fake client to a temp tree holding utilV1.
func newTestIntegrator(t *testing.T, fake *fakeGit) *Integrator {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "svc"), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "svc", "util.go"), []byte(utilV1), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	in, err := NewIntegrator(fake, dir, nil)
	if err != nil {
		t.Fatalf("NewIntegrator() error = %v", err)
	}
	return in
}

func mustProposal(t *testing.T, goal, diffContent string) *evolution.EvolutionProposal {
	t.Helper()
	p, err := evolution.NewProposal(goal, diffContent)
	if err != nil {
		t.Fatalf("NewProposal() error = %v", err)
	}
	return p
}

func approvedVerdict(p *evolution.EvolutionProposal, risk evolution.RiskLevel) *evolution.GuardianVerdict {
	return &evolution.GuardianVerdict{
		ProposalID: p.ID,
		Approved:   true,
		RiskLevel:  risk,
		Reviewer:   "rules",
	}
}

func TestCommitLandsChangeWithStructuredMessage(t *testing.T) {
	fake := &fakeGit{}
	in := newTestIntegrator(t, fake)
	p := mustProposal(t, "bump the version marker", bumpDiff)

	sha, err := in.Commit(context.Background(), p, approvedVerdict(p, evolution.RiskLow), evolution.Tier1)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if sha != fakeSHA {
		t.Errorf("Commit() sha = %q, want %q", sha, fakeSHA)
	}

	if len(fake.added) != 1 || len(fake.added[0]) != 1 || fake.added[0][0] != "svc/util.go" {
		t.Errorf("staged paths = %v, want [svc/util.go]", fake.added)
	}

	if len(fake.messages) != 1 {
		t.Fatalf("commits = %d, want 1", len(fake.messages))
	}
	msg := fake.messages[0]
	for _, want := range []string{
		"[EVOLUTION] bump the version marker",
		"Evolution-Proposal: " + p.ID,
		"Evolution-Tier: 1",
		"Evolution-Risk: low",
		"Evolution-Approved: true",
		"Evolution-Files: svc/util.go",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("commit message missing %q:\n%s", want, msg)
		}
	}

	got, err := os.ReadFile(filepath.Join(in.repoPath, "svc", "util.go"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(got), `return "v2"`) {
		t.Errorf("working tree not patched:\n%s", got)
	}
}

func TestCommitRefusesWithoutApproval(t *testing.T) {
	in := newTestIntegrator(t, &fakeGit{})
	p := mustProposal(t, "bump the version marker", bumpDiff)

	tests := []struct {
		name    string
		verdict *evolution.GuardianVerdict
	}{
		{"nil verdict", nil},
		{"rejected", &evolution.GuardianVerdict{ProposalID: p.ID, Approved: false, RiskLevel: evolution.RiskHigh}},
		{"inconsistent", &evolution.GuardianVerdict{ProposalID: p.ID, Approved: true, RiskLevel: evolution.RiskHigh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.Commit(context.Background(), p, tt.verdict, evolution.Tier1)
			if !errors.Is(err, evolution.ErrPolicyRejection) {
				t.Errorf("Commit() error = %v, want ErrPolicyRejection", err)
			}
		})
	}
}

func TestCommitRefusesTier3(t *testing.T) {
	in := newTestIntegrator(t, &fakeGit{})
	p := mustProposal(t, "bump the version marker", bumpDiff)

	_, err := in.Commit(context.Background(), p, approvedVerdict(p, evolution.RiskLow), evolution.Tier3)
	if !errors.Is(err, evolution.ErrReviewRequired) {
		t.Errorf("Commit() error = %v, want ErrReviewRequired", err)
	}
}

func TestCommitRefusesDirtyTree(t *testing.T) {
	fake := &fakeGit{statusPaths: []string{"README.md"}}
	in := newTestIntegrator(t, fake)
	p := mustProposal(t, "bump the version marker", bumpDiff)

	_, err := in.Commit(context.Background(), p, approvedVerdict(p, evolution.RiskLow), evolution.Tier1)
	if !errors.Is(err, evolution.ErrDirtyWorktree) {
		t.Errorf("Commit() error = %v, want ErrDirtyWorktree", err)
	}
	if !strings.Contains(err.Error(), "README.md") {
		t.Errorf("Commit() error = %v, want the dirty path named", err)
	}
	if len(fake.messages) != 0 {
		t.Errorf("commits = %d, want 0", len(fake.messages))
	}
}

func TestCommitRestoresTreeOnUnappliableDiff(t *testing.T) {
	fake := &fakeGit{}
	in := newTestIntegrator(t, fake)
	wrong := strings.Replace(bumpDiff, `"v1"`, `"NOPE"`, 1)
	p := mustProposal(t, "bump the version marker", wrong)

	_, err := in.Commit(context.Background(), p, approvedVerdict(p, evolution.RiskLow), evolution.Tier1)
	if err == nil || !strings.Contains(err.Error(), "applying diff") {
		t.Fatalf("Commit() error = %v, want apply failure", err)
	}
	if fake.restores != 1 {
		t.Errorf("restores = %d, want 1", fake.restores)
	}
	if len(fake.messages) != 0 {
		t.Errorf("commits = %d, want 0", len(fake.messages))
	}
}

func TestCreateReviewBranchCommitsOffMainLine(t *testing.T) {
	fake := &fakeGit{}
	in := newTestIntegrator(t, fake)
	p := mustProposal(t, "rework the scheduler core", bumpDiff)

	branch, err := in.CreateReviewBranch(context.Background(), p, "")
	if err != nil {
		t.Fatalf("CreateReviewBranch() error = %v", err)
	}

	want := "evolution/review/" + p.ShortHash()
	if branch != want {
		t.Errorf("branch = %q, want %q", branch, want)
	}
	if len(fake.created) != 1 || fake.created[0] != want+"@HEAD" {
		t.Errorf("created = %v, want [%s@HEAD]", fake.created, want)
	}
	if len(fake.checkouts) != 1 || fake.checkouts[0] != "main" {
		t.Errorf("checkouts = %v, want return to main", fake.checkouts)
	}

	if len(fake.messages) != 1 {
		t.Fatalf("commits = %d, want 1", len(fake.messages))
	}
	msg := fake.messages[0]
	if !strings.Contains(msg, "Evolution-Tier: 3") {
		t.Errorf("branch commit missing tier trailer:\n%s", msg)
	}
	if strings.Contains(msg, "Evolution-Approved") {
		t.Errorf("branch commit should omit approval (pending review):\n%s", msg)
	}
}

func TestCreateReviewBranchIsIdempotent(t *testing.T) {
	fake := &fakeGit{exists: true}
	in := newTestIntegrator(t, fake)
	p := mustProposal(t, "rework the scheduler core", bumpDiff)

	branch, err := in.CreateReviewBranch(context.Background(), p, "")
	if err != nil {
		t.Fatalf("CreateReviewBranch() error = %v", err)
	}
	if branch != "evolution/review/"+p.ShortHash() {
		t.Errorf("branch = %q", branch)
	}
	if len(fake.created) != 0 || len(fake.messages) != 0 {
		t.Errorf("existing branch must not be recreated: created=%v commits=%d",
			fake.created, len(fake.messages))
	}
}

func TestRollbackUnknownCommit(t *testing.T) {
	fake := &fakeGit{revParseErr: errors.New("fatal: bad revision")}
	in := newTestIntegrator(t, fake)

	err := in.Rollback(context.Background(), "deadbeef")
	if !errors.Is(err, evolution.ErrUnknownCommit) {
		t.Errorf("Rollback() error = %v, want ErrUnknownCommit", err)
	}
}

func TestRollbackIsIdempotent(t *testing.T) {
	fake := &fakeGit{revertOf: "1234567890abcdef"}
	in := newTestIntegrator(t, fake)

	if err := in.Rollback(context.Background(), "abc123"); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if len(fake.reverted) != 0 {
		t.Errorf("reverted = %v, want no second revert", fake.reverted)
	}
}

func TestRollbackRevertsOnce(t *testing.T) {
	fake := &fakeGit{}
	in := newTestIntegrator(t, fake)

	if err := in.Rollback(context.Background(), "abc123"); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if len(fake.reverted) != 1 || fake.reverted[0] != "resolved-abc123" {
		t.Errorf("reverted = %v, want [resolved-abc123]", fake.reverted)
	}
}

// trackedGate counts acquisitions so tests can assert a rollback ran under
// the shared artifact gate.
type trackedGate struct {
	mu      sync.Mutex
	locks   int
	unlocks int
}

func (g *trackedGate) Lock()   { g.mu.Lock(); g.locks++ }
func (g *trackedGate) Unlock() { g.unlocks++; g.mu.Unlock() }

func TestRollbackHoldsArtifactGate(t *testing.T) {
	fake := &fakeGit{}
	in := newTestIntegrator(t, fake)
	gate := &trackedGate{}
	in.SetArtifactGate(gate)

	if err := in.Rollback(context.Background(), "abc123"); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if gate.locks != 1 || gate.unlocks != 1 {
		t.Errorf("gate locks/unlocks = %d/%d, want 1/1", gate.locks, gate.unlocks)
	}
	if len(fake.reverted) != 1 {
		t.Fatalf("reverted = %v, want one revert", fake.reverted)
	}

	// A revert must wait out maintenance that already holds the gate.
	gate.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- in.Rollback(context.Background(), "def456") }()
	select {
	case err := <-done:
		t.Fatalf("Rollback() finished while the gate was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	gate.mu.Unlock()
	if err := <-done; err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if len(fake.reverted) != 2 {
		t.Errorf("reverted = %v, want the second revert after the gate freed", fake.reverted)
	}
}

func TestHistoryMapsTrailers(t *testing.T) {
	authored := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	fake := &fakeGit{rawLog: []RawCommit{
		{
			SHA:        "aaa111",
			Subject:    `Revert "[EVOLUTION] bump the version marker"`,
			AuthoredAt: authored,
			Body:       "This reverts commit bbb222.",
		},
		{
			SHA:        "bbb222",
			Subject:    "[EVOLUTION] bump the version marker",
			AuthoredAt: authored.Add(-time.Hour),
			Body: "Evolution-Proposal: p-1\n" +
				"Evolution-Tier: 2\n" +
				"Evolution-Risk: medium\n" +
				"Evolution-Approved: true\n" +
				"Evolution-Files: svc/util.go, svc/other.go",
		},
	}}
	in := newTestIntegrator(t, fake)

	records, err := in.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	revert := records[0]
	if !revert.Revert {
		t.Errorf("records[0].Revert = false, want true")
	}
	if revert.ProposalID != "" {
		t.Errorf("revert record ProposalID = %q, want empty", revert.ProposalID)
	}

	commit := records[1]
	if commit.ProposalID != "p-1" {
		t.Errorf("ProposalID = %q, want p-1", commit.ProposalID)
	}
	if commit.Tier != evolution.Tier2 {
		t.Errorf("Tier = %d, want 2", commit.Tier)
	}
	if commit.Risk != evolution.RiskMedium {
		t.Errorf("Risk = %q, want medium", commit.Risk)
	}
	if !commit.Approved {
		t.Errorf("Approved = false, want true")
	}
	if len(commit.Files) != 2 || commit.Files[1] != "svc/other.go" {
		t.Errorf("Files = %v, want [svc/util.go svc/other.go]", commit.Files)
	}
}

func TestSubjectLine(t *testing.T) {
	tests := []struct {
		name string
		goal string
		want string
	}{
		{"plain", "bump the version marker", "[EVOLUTION] bump the version marker"},
		{"collapses whitespace", "bump\nthe   version", "[EVOLUTION] bump the version"},
		{
			"truncates long goals",
			strings.Repeat("optimize hot path ", 10),
			"[EVOLUTION] optimize hot path optimize hot path optimize hot path opt...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := subjectLine(tt.goal)
			if got != tt.want {
				t.Errorf("subjectLine() = %q, want %q", got, tt.want)
			}
			if len([]rune(got)) > maxSubjectLen {
				t.Errorf("subjectLine() length = %d, want <= %d", len([]rune(got)), maxSubjectLen)
			}
		})
	}
}

func TestParseStatusPaths(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want []string
	}{
		{"clean", "", nil},
		{"modified", " M services/a.go", []string{"services/a.go"}},
		{"untracked", "?? new.go", []string{"new.go"}},
		{"rename takes destination", "R  old.go -> lib/new.go", []string{"lib/new.go"}},
		{"quoted path", `?? "with space.go"`, []string{"with space.go"}},
		{
			"multiple",
			" M a.go\n?? b.go",
			[]string{"a.go", "b.go"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseStatusPaths(tt.out)
			if len(got) != len(tt.want) {
				t.Fatalf("parseStatusPaths() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseStatusPaths()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseLog(t *testing.T) {
	out := "aaa" + logFieldSep + "[EVOLUTION] first" + logFieldSep +
		"2026-08-25T10:00:00Z" + logFieldSep + "Evolution-Tier: 1" + logRecordSep +
		"\n" +
		"bbb" + logFieldSep + "[EVOLUTION] second" + logFieldSep +
		"2026-08-25T09:00:00Z" + logFieldSep + "" + logRecordSep

	commits := parseLog(out)
	if len(commits) != 2 {
		t.Fatalf("len(commits) = %d, want 2", len(commits))
	}
	if commits[0].SHA != "aaa" || commits[1].SHA != "bbb" {
		t.Errorf("SHAs = %q, %q", commits[0].SHA, commits[1].SHA)
	}
	if commits[0].Body != "Evolution-Tier: 1" {
		t.Errorf("Body = %q", commits[0].Body)
	}
	want := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if !commits[0].AuthoredAt.Equal(want) {
		t.Errorf("AuthoredAt = %v, want %v", commits[0].AuthoredAt, want)
	}
}

func TestParseLogEmptyOutput(t *testing.T) {
	if commits := parseLog(""); len(commits) != 0 {
		t.Errorf("parseLog(\"\") = %v, want empty", commits)
	}
}
