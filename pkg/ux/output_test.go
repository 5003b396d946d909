// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"io"
	"os"
	"testing"
)

// Helper to capture stdout. The pipe is not a terminal, so captured calls
// always take the plain path.
func captureStdout(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// Helper to capture stderr
func captureStderr(f func()) string {
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	f()

	w.Close()
	os.Stderr = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render_Styled(t *testing.T) {
	styled := []Icon{IconSuccess, IconWarning, IconError, IconPending}
	for _, icon := range styled {
		if icon.Render() == "" {
			t.Errorf("expected non-empty render for %q", icon)
		}
	}
}

func TestIcon_Render_Default(t *testing.T) {
	// Icons without specific styling render as themselves
	icons := []Icon{IconArrow, IconBullet}
	for _, icon := range icons {
		result := icon.Render()
		if result != string(icon) {
			t.Errorf("expected %q for %q, got %q", string(icon), icon, result)
		}
	}
}

// =============================================================================
// Plain-Mode Output Tests
// =============================================================================

func TestSuccess_Plain(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "1")

	output := captureStdout(func() {
		Success("Operation completed")
	})

	if output != "OK: Operation completed\n" {
		t.Errorf("expected 'OK: Operation completed', got %q", output)
	}
}

func TestWarning_Plain(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "1")

	output := captureStderr(func() {
		Warning("Something might be wrong")
	})

	if output != "WARN: Something might be wrong\n" {
		t.Errorf("expected 'WARN: Something might be wrong', got %q", output)
	}
}

func TestError_Plain(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "1")

	output := captureStderr(func() {
		Error("Something went wrong")
	})

	if output != "ERROR: Something went wrong\n" {
		t.Errorf("expected 'ERROR: Something went wrong', got %q", output)
	}
}

func TestTitle_Plain(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "1")

	output := captureStdout(func() {
		Title("Integrity scan")
	})

	if output != "Integrity scan\n" {
		t.Errorf("expected bare title, got %q", output)
	}
}

func TestInfo_Plain(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "1")

	output := captureStdout(func() {
		Info("Information message")
	})

	if output != "Information message\n" {
		t.Errorf("expected plain 'Information message', got %q", output)
	}
}

func TestMuted_Plain_Dropped(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "1")

	output := captureStdout(func() {
		Muted("Secondary text")
	})

	if output != "" {
		t.Errorf("expected no output in plain mode, got %q", output)
	}
}

func TestBox_Plain(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "1")

	output := captureStdout(func() {
		Box("Title", "Content here")
	})

	if output != "Title: Content here\n" {
		t.Errorf("expected 'Title: Content here', got %q", output)
	}
}

func TestWarningBox_Plain(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "1")

	output := captureStderr(func() {
		WarningBox("Warning Title", "Warning content")
	})

	if output != "WARN Warning Title: Warning content\n" {
		t.Errorf("expected 'WARN Warning Title: Warning content', got %q", output)
	}
}

func TestSummary_Plain(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "1")

	output := captureStdout(func() {
		Summary(5, 2, 7)
	})

	if output != "SUMMARY: healthy=5 skipped=2 total=7\n" {
		t.Errorf("expected machine format summary, got %q", output)
	}
}

// A pipe is not a terminal, so output degrades to plain even without the
// environment override.
func TestPlain_PipeDetection(t *testing.T) {
	t.Setenv("EVOLVE_PLAIN", "")

	output := captureStdout(func() {
		Success("done")
	})

	if output != "OK: done\n" {
		t.Errorf("expected plain output when stdout is a pipe, got %q", output)
	}
}
