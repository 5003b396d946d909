// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestScanner(t *testing.T) *Scanner {
	t.Helper()
	s, err := NewScanner()
	if err != nil {
		t.Fatalf("NewScanner() error = %v", err)
	}
	return s
}

func TestCaptureBasicTree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main")
	writeFile(t, dir, "daemon/core.go", "package daemon")
	writeFile(t, dir, "README.md", "# readme") // not in default includes
	writeFile(t, dir, "vendor/dep.go", "package dep")

	s := newTestScanner(t)
	snap, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if snap.Incomplete {
		t.Error("snapshot should be complete")
	}
	if snap.ID == "" {
		t.Error("snapshot ID should be set")
	}

	if _, ok := snap.Files["main.go"]; !ok {
		t.Error("main.go should be captured")
	}
	if _, ok := snap.Files["daemon/core.go"]; !ok {
		t.Error("daemon/core.go should be captured")
	}
	if _, ok := snap.Files["README.md"]; ok {
		t.Error("README.md should not match default includes")
	}
	if _, ok := snap.Files["vendor/dep.go"]; ok {
		t.Error("vendor/ should be excluded")
	}
}

func TestCaptureRejectsRelativeRoot(t *testing.T) {
	s := newTestScanner(t)
	_, err := s.Capture(context.Background(), "relative/path")
	if !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("Capture() error = %v, want ErrInvalidRoot", err)
	}
}

func TestCaptureCancellationMarksIncomplete(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, dir, filepath.Join("pkg", string(rune('a'+i))+".go"), "package pkg")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScanner(t)
	snap, err := s.Capture(ctx, dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if !snap.Incomplete {
		t.Error("snapshot captured under a cancelled context should be incomplete")
	}
}

func TestSnapshotIDStableForIdenticalTrees(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, "b.go", "package b")

	s := newTestScanner(t)
	first, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	second, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("IDs differ for identical trees: %s vs %s", first.ID, second.ID)
	}
}

func TestDiff(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "kept.go", "package kept")
	writeFile(t, dir, "changed.go", "package old")
	writeFile(t, dir, "removed.go", "package removed")

	s := newTestScanner(t)
	before, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	writeFile(t, dir, "changed.go", "package new")
	writeFile(t, dir, "added.go", "package added")
	if err := os.Remove(filepath.Join(dir, "removed.go")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	after, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	drift := Diff(before, after)
	if drift.Empty() {
		t.Fatal("expected drift")
	}
	if len(drift.Added) != 1 || drift.Added[0] != "added.go" {
		t.Errorf("Added = %v, want [added.go]", drift.Added)
	}
	if len(drift.Modified) != 1 || drift.Modified[0] != "changed.go" {
		t.Errorf("Modified = %v, want [changed.go]", drift.Modified)
	}
	if len(drift.Deleted) != 1 || drift.Deleted[0] != "removed.go" {
		t.Errorf("Deleted = %v, want [removed.go]", drift.Deleted)
	}
}

func TestDiffIdenticalSnapshots(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "same.go", "package same")

	s := newTestScanner(t)
	snap, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	drift := Diff(snap, snap)
	if !drift.Empty() {
		t.Errorf("self-diff should be empty, got %s", drift.Summary())
	}
}

func TestQuickCheck(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "watched.go", "package watched")

	s := newTestScanner(t)
	snap, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	clean, changed, err := s.QuickCheck(context.Background(), snap)
	if err != nil {
		t.Fatalf("QuickCheck() error = %v", err)
	}
	if !clean || len(changed) != 0 {
		t.Errorf("QuickCheck() = (%v, %v), want clean", clean, changed)
	}

	writeFile(t, dir, "watched.go", "package tampered")
	clean, changed, err = s.QuickCheck(context.Background(), snap)
	if err != nil {
		t.Fatalf("QuickCheck() error = %v", err)
	}
	if clean {
		t.Error("QuickCheck() should detect the modified file")
	}
	if len(changed) != 1 || changed[0] != "watched.go" {
		t.Errorf("changed = %v, want [watched.go]", changed)
	}
}

func TestQuickCheckDetectsDeletion(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "victim.go", "package victim")

	s := newTestScanner(t)
	snap, err := s.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	clean, changed, err := s.QuickCheck(context.Background(), snap)
	if err != nil {
		t.Fatalf("QuickCheck() error = %v", err)
	}
	if clean || len(changed) != 1 {
		t.Errorf("QuickCheck() = (%v, %v), want deletion detected", clean, changed)
	}
}
