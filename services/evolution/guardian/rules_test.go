// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardian

import (
	"context"
	"testing"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

const cleanDiff = `--- a/internal/util/strings.go
+++ b/internal/util/strings.go
@@ -10,3 +10,7 @@
 func Join(parts []string) string {
 	return strings.Join(parts, ", ")
 }
+
+func Upper(s string) string {
+	return strings.ToUpper(s)
+}
`

const execDiff = `--- a/internal/tasks/runner.go
+++ b/internal/tasks/runner.go
@@ -20,3 +20,8 @@
 func parseSpec(raw string) (Spec, error) {
 	return decode(raw)
 }
+
+func run(raw string) error {
+	cmd := exec.Command("sh", "-c", raw)
+	return cmd.Run()
+}
`

const secretDiff = `--- a/internal/config/defaults.go
+++ b/internal/config/defaults.go
@@ -5,3 +5,4 @@
 const (
 	defaultTimeout = 30
 )
+const apiKey = "sk_live_9aF3xQ7bLm2Vt8cRw1Zy"
`

const criticalDiff = `--- a/internal/daemon/core.go
+++ b/internal/daemon/core.go
@@ -12,3 +12,4 @@
 func (d *Daemon) Start() error {
 	return d.loop()
 }
+// restart policy tuning follows
`

const removedExportDiff = `--- a/pkg/api/client.go
+++ b/pkg/api/client.go
@@ -30,4 +30,3 @@
 func (c *Client) Get(path string) ([]byte, error) {
 	return c.do("GET", path)
 }
-func LegacyEndpoint() string { return "/v0" }
`

const pythonShellDiff = `--- a/scripts/deploy.py
+++ b/scripts/deploy.py
@@ -8,3 +8,6 @@
 def deploy(target):
     validate(target)
     return push(target)
+
+def wipe(target):
+    os.system("rm -rf " + target)
`

const testFileSecretDiff = `--- a/internal/config/config_test.go
+++ b/internal/config/config_test.go
@@ -3,3 +3,4 @@
 func TestLoad(t *testing.T) {
 	cfg := Load()
 }
+const apiKey = "sk_live_9aF3xQ7bLm2Vt8cRw1Zy"
`

func newRuleReviewer(t *testing.T) *RuleReviewer {
	t.Helper()
	r, err := NewRuleReviewer(nil, nil)
	if err != nil {
		t.Fatalf("NewRuleReviewer() error = %v", err)
	}
	return r
}

func assess(t *testing.T, r *RuleReviewer, goal, diffContent string) *evolution.GuardianVerdict {
	t.Helper()
	p, err := evolution.NewProposal(goal, diffContent)
	if err != nil {
		t.Fatalf("NewProposal() error = %v", err)
	}
	sandbox := &evolution.SandboxResult{ProposalID: p.ID, Passed: true, HeartbeatPassed: 4, HeartbeatTotal: 4}
	v, err := r.Assess(context.Background(), p, sandbox)
	if err != nil {
		t.Fatalf("Assess() error = %v", err)
	}
	return v
}

func hasCategory(concerns []evolution.Concern, category string) bool {
	for _, c := range concerns {
		if c.Category == category {
			return true
		}
	}
	return false
}

func TestRuleReviewerApprovesCleanChange(t *testing.T) {
	v := assess(t, newRuleReviewer(t), "add Upper helper", cleanDiff)

	if !v.Approved {
		t.Errorf("Approved = false, concerns = %+v", v.Concerns)
	}
	if v.RiskLevel != evolution.RiskLow {
		t.Errorf("RiskLevel = %s, want low", v.RiskLevel)
	}
	if len(v.Concerns) != 0 {
		t.Errorf("Concerns = %+v, want none", v.Concerns)
	}
	if v.Reviewer != "rules" {
		t.Errorf("Reviewer = %q, want rules", v.Reviewer)
	}
}

func TestRuleReviewerFlagsSubprocessSpawn(t *testing.T) {
	v := assess(t, newRuleReviewer(t), "add task runner", execDiff)

	if v.Approved {
		t.Error("subprocess spawn should not be approved")
	}
	if v.RiskLevel != evolution.RiskHigh {
		t.Errorf("RiskLevel = %s, want high", v.RiskLevel)
	}
	if !hasCategory(v.Concerns, CategoryInjection) {
		t.Errorf("Concerns = %+v, want an injection finding", v.Concerns)
	}
}

func TestRuleReviewerFlagsHardcodedSecret(t *testing.T) {
	v := assess(t, newRuleReviewer(t), "tune defaults", secretDiff)

	if v.Approved {
		t.Error("hardcoded secret should not be approved")
	}
	if !hasCategory(v.Concerns, CategorySecret) {
		t.Errorf("Concerns = %+v, want a secret finding", v.Concerns)
	}
}

func TestRuleReviewerForcesCriticalFileHigh(t *testing.T) {
	v := assess(t, newRuleReviewer(t), "touch daemon core", criticalDiff)

	if v.RiskLevel != evolution.RiskHigh {
		t.Errorf("RiskLevel = %s, want high for critical file", v.RiskLevel)
	}
	if v.Approved {
		t.Error("critical-file touch should not be approved")
	}
	if !hasCategory(v.Concerns, CategoryCriticalFile) {
		t.Errorf("Concerns = %+v, want a critical-file finding", v.Concerns)
	}
}

func TestRuleReviewerFlagsRemovedExport(t *testing.T) {
	v := assess(t, newRuleReviewer(t), "drop legacy endpoint", removedExportDiff)

	if !hasCategory(v.Concerns, CategoryInterface) {
		t.Fatalf("Concerns = %+v, want an interface finding", v.Concerns)
	}
	if v.RiskLevel != evolution.RiskMedium {
		t.Errorf("RiskLevel = %s, want medium", v.RiskLevel)
	}
	if !v.Approved {
		t.Error("medium risk alone should stay approved")
	}
}

func TestRuleReviewerFlagsPythonShellCall(t *testing.T) {
	v := assess(t, newRuleReviewer(t), "add wipe step", pythonShellDiff)

	if v.Approved {
		t.Error("os.system call should not be approved")
	}
	if !hasCategory(v.Concerns, CategoryInjection) {
		t.Errorf("Concerns = %+v, want an injection finding", v.Concerns)
	}
}

func TestRuleReviewerSkipsSecretsInTestFiles(t *testing.T) {
	v := assess(t, newRuleReviewer(t), "extend config test", testFileSecretDiff)

	if hasCategory(v.Concerns, CategorySecret) {
		t.Errorf("Concerns = %+v, test fixture keys should be skipped", v.Concerns)
	}
	if !v.Approved {
		t.Errorf("Approved = false, concerns = %+v", v.Concerns)
	}
}

func TestRuleReviewerCustomCriticalPatterns(t *testing.T) {
	r, err := NewRuleReviewer([]string{"internal/util/**"}, nil)
	if err != nil {
		t.Fatalf("NewRuleReviewer() error = %v", err)
	}

	v := assess(t, r, "add Upper helper", cleanDiff)
	if v.Approved {
		t.Error("custom critical pattern should force rejection")
	}
	if !hasCategory(v.Concerns, CategoryCriticalFile) {
		t.Errorf("Concerns = %+v, want a critical-file finding", v.Concerns)
	}
}

func TestShannonEntropy(t *testing.T) {
	if e := shannonEntropy("aaaaaaaa"); e != 0 {
		t.Errorf("entropy of repeated char = %f, want 0", e)
	}
	if e := shannonEntropy("sk_live_9aF3xQ7bLm2Vt8cRw1Zy"); e < 3.5 {
		t.Errorf("entropy of key-like string = %f, want >= 3.5", e)
	}
	if e := shannonEntropy(""); e != 0 {
		t.Errorf("entropy of empty string = %f, want 0", e)
	}
}

func TestParseChangesLineNumbers(t *testing.T) {
	changes, err := parseChanges(removedExportDiff)
	if err != nil {
		t.Fatalf("parseChanges() error = %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1", len(changes))
	}

	fc := changes[0]
	if fc.Path != "pkg/api/client.go" {
		t.Errorf("Path = %q", fc.Path)
	}
	if len(fc.Removed) != 1 {
		t.Fatalf("Removed = %+v, want 1 line", fc.Removed)
	}
	// Three context lines precede the removal, so it sits at old line 33.
	if fc.Removed[0].Line != 33 {
		t.Errorf("Removed line = %d, want 33", fc.Removed[0].Line)
	}
}

func TestAddedBlocksGrouping(t *testing.T) {
	changes, err := parseChanges(cleanDiff)
	if err != nil {
		t.Fatalf("parseChanges() error = %v", err)
	}

	blocks := changes[0].addedBlocks()
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1 contiguous block", len(blocks))
	}
	if len(blocks[0]) != 4 {
		t.Errorf("block size = %d, want 4", len(blocks[0]))
	}
	// Three context lines mean insertion starts at new line 13.
	if blocks[0][0].Line != 13 {
		t.Errorf("first added line = %d, want 13", blocks[0][0].Line)
	}
}
