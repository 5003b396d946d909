// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

const testGoMod = `module example.com/sysd

go 1.25
`

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.Timeout = time.Minute
	cfg.HeartbeatTimeout = 10 * time.Second

	v, err := NewValidator(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	return v
}

func sourceTree(t *testing.T) string {
	t.Helper()
	return writeSandboxTree(t, map[string]string{
		"go.mod":  testGoMod,
		"main.go": mainV1,
	})
}

func mustProposal(t *testing.T, goal, diff string) *evolution.EvolutionProposal {
	t.Helper()
	p, err := evolution.NewProposal(goal, diff)
	if err != nil {
		t.Fatalf("NewProposal() error = %v", err)
	}
	return p
}

func TestValidatePassesCleanDiff(t *testing.T) {
	v := newTestValidator(t)
	src := sourceTree(t)
	p := mustProposal(t, "bump output version", bumpDiff)

	result, err := v.Validate(context.Background(), p, src)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if !result.Passed {
		t.Fatalf("Validate() failed: structural=%v heartbeats=%d/%d",
			result.StructuralErrors, result.HeartbeatPassed, result.HeartbeatTotal)
	}
	if result.HeartbeatTotal == 0 || result.HeartbeatPassed != result.HeartbeatTotal {
		t.Errorf("heartbeats = %d/%d, want all passed",
			result.HeartbeatPassed, result.HeartbeatTotal)
	}
	if result.Duration <= 0 {
		t.Error("Duration should be positive")
	}
}

func TestValidateSandboxAlwaysRemoved(t *testing.T) {
	v := newTestValidator(t)
	src := sourceTree(t)

	cases := []struct {
		name string
		diff string
	}{
		{name: "passing diff", diff: bumpDiff},
		{name: "unappliable diff", diff: strings.Replace(bumpDiff, "v1", "NOPE", 1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := mustProposal(t, "change", tc.diff)
			result, err := v.Validate(context.Background(), p, src)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if result.SandboxPath == "" {
				t.Fatal("SandboxPath should be recorded")
			}
			if _, statErr := os.Stat(result.SandboxPath); !os.IsNotExist(statErr) {
				t.Errorf("sandbox %s still exists", result.SandboxPath)
			}
		})
	}
}

func TestValidateNeverTouchesSource(t *testing.T) {
	v := newTestValidator(t)
	src := sourceTree(t)
	p := mustProposal(t, "bump output version", bumpDiff)

	if _, err := v.Validate(context.Background(), p, src); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(src, "main.go"))
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if string(content) != mainV1 {
		t.Error("source tree was modified by sandbox validation")
	}
}

func TestValidateRejectsUnappliableDiff(t *testing.T) {
	v := newTestValidator(t)
	src := sourceTree(t)

	wrong := `--- a/main.go
+++ b/main.go
@@ -4,4 +4,4 @@

 func main() {
-	fmt.Println("NEVER THERE")
+	fmt.Println("v2")
 }
`
	p := mustProposal(t, "bad context", wrong)
	result, err := v.Validate(context.Background(), p, src)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if result.Passed {
		t.Fatal("unappliable diff should fail validation")
	}
	if len(result.StructuralErrors) == 0 ||
		!strings.Contains(result.StructuralErrors[0], "diff does not apply") {
		t.Errorf("StructuralErrors = %v, want diff application failure", result.StructuralErrors)
	}
	if result.HeartbeatTotal != 0 {
		t.Error("heartbeats should not run after an application failure")
	}
}

func TestValidateStructuralFailureShortCircuits(t *testing.T) {
	v := newTestValidator(t)
	src := sourceTree(t)

	breaking := `--- a/main.go
+++ b/main.go
@@ -4,4 +4,5 @@

 func main() {
 	fmt.Println("v1")
+	if {
 }
`
	p := mustProposal(t, "introduce breakage", breaking)
	result, err := v.Validate(context.Background(), p, src)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if result.Passed {
		t.Fatal("syntax error should fail validation")
	}
	found := false
	for _, e := range result.StructuralErrors {
		if strings.Contains(e, "syntax error") {
			found = true
		}
	}
	if !found {
		t.Errorf("StructuralErrors = %v, want a syntax error", result.StructuralErrors)
	}
	if result.HeartbeatTotal != 0 {
		t.Error("heartbeats should not run after structural failure")
	}
}

func TestValidateRejectsUnresolvableImport(t *testing.T) {
	v := newTestValidator(t)
	src := sourceTree(t)

	importDiff := `--- a/main.go
+++ b/main.go
@@ -1,7 +1,8 @@
 package main

 import "fmt"
+import "github.com/missing/dep"

 func main() {
 	fmt.Println("v1")
 }
`
	p := mustProposal(t, "add dependency without requirement", importDiff)
	result, err := v.Validate(context.Background(), p, src)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if result.Passed {
		t.Fatal("unresolvable import should fail validation")
	}
	found := false
	for _, e := range result.StructuralErrors {
		if strings.Contains(e, "does not resolve") {
			found = true
		}
	}
	if !found {
		t.Errorf("StructuralErrors = %v, want unresolvable import", result.StructuralErrors)
	}
	if result.HeartbeatTotal != 0 {
		t.Error("heartbeats should not run after import failure")
	}
}

func TestValidateCancelledContext(t *testing.T) {
	v := newTestValidator(t)
	src := sourceTree(t)
	p := mustProposal(t, "never runs", bumpDiff)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := v.Validate(ctx, p, src); err == nil {
		t.Error("expected error under cancelled context")
	}
}

func TestValidateRequiresAbsoluteRoot(t *testing.T) {
	v := newTestValidator(t)
	p := mustProposal(t, "change", bumpDiff)

	if _, err := v.Validate(context.Background(), p, "relative/root"); err == nil {
		t.Error("expected error for relative source root")
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"main.go", true},
		{"script.py", true},
		{"app.js", true},
		{"component.tsx", true},
		{"README.md", false},
		{"data.json", false},
	}
	for _, tt := range tests {
		if got := detectLanguage(tt.path) != nil; got != tt.want {
			t.Errorf("detectLanguage(%q) != nil = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestCheckSyntax(t *testing.T) {
	ctx := context.Background()

	good := []byte("package x\n\nfunc ok() {}\n")
	if err := checkSyntax(ctx, detectLanguage("x.go"), "x.go", good); err != nil {
		t.Errorf("checkSyntax(valid go) = %v", err)
	}

	bad := []byte("package x\n\nfunc broken( {\n")
	if err := checkSyntax(ctx, detectLanguage("x.go"), "x.go", bad); err == nil {
		t.Error("checkSyntax should reject invalid go")
	}

	goodPy := []byte("def ok():\n    return 1\n")
	if err := checkSyntax(ctx, detectLanguage("x.py"), "x.py", goodPy); err != nil {
		t.Errorf("checkSyntax(valid python) = %v", err)
	}
}

func TestModuleIndexResolvable(t *testing.T) {
	idx := &moduleIndex{
		modulePath: "example.com/sysd",
		requires:   []string{"github.com/google/uuid", "golang.org/x/sync"},
	}

	tests := []struct {
		imp  string
		want bool
	}{
		{"fmt", true},
		{"net/http", true},
		{"example.com/sysd/internal/core", true},
		{"github.com/google/uuid", true},
		{"golang.org/x/sync/semaphore", true},
		{"github.com/unknown/pkg", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := idx.resolvable(tt.imp); got != tt.want {
			t.Errorf("resolvable(%q) = %v, want %v", tt.imp, got, tt.want)
		}
	}
}
