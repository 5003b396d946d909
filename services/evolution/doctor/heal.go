// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doctor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

// Heal repairs an unhealthy artifact or contains it.
//
// # Description
//
// Corruption and fragmentation are explainable damage: the archive is
// regenerated from the canonical payload with a fresh curve mapping, then
// re-checked. Density anomalies with no structural explanation cannot be
// attributed, so the artifact is quarantined for human inspection. Nothing
// is ever deleted. A transient canonical fetch failure leaves the artifact
// in place for the next sweep.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - archivePath: Archive the report describes.
//   - report: The unhealthy report from CheckArtifact.
//
// # Outputs
//
//   - evolution.RecoveryAction: AUTO_REVERT when regeneration restored the
//     artifact, ESCALATE when it was quarantined, ALERT_PAUSE when the heal
//     could not run and should be retried.
//   - error: Wraps evolution.ErrIntegrityFault when the artifact could not
//     be healed and was quarantined; other non-nil errors are transient
//     failures or a quarantine that itself failed.
//
// # Thread Safety
//
// Safe for concurrent use. Holds the artifact gate for the whole heal so a
// regeneration never races a rollback or another check.
func (d *Doctor) Heal(ctx context.Context, archivePath string, report *Report) (evolution.RecoveryAction, error) {
	if report == nil || report.Healthy {
		return "", fmt.Errorf("doctor: heal requires an unhealthy report")
	}

	ctx, span := startHealSpan(ctx, report.Artifact)
	defer span.End()

	if d.config.Gate != nil {
		d.config.Gate.Lock()
		defer d.config.Gate.Unlock()
	}

	action, err := d.healLocked(ctx, archivePath, report)
	recordHeal(ctx, action)
	return action, err
}

func (d *Doctor) healLocked(ctx context.Context, archivePath string, report *Report) (evolution.RecoveryAction, error) {
	if !report.Corrupted && !report.Fragmented {
		return d.quarantine(archivePath, "density anomaly with no structural cause")
	}

	if d.config.Canonical == nil {
		return d.quarantine(archivePath, "no canonical store configured")
	}

	name := strings.TrimSuffix(filepath.Base(archivePath), ArchiveExt)
	payload, err := d.config.Canonical.Fetch(ctx, name)
	if errors.Is(err, ErrNoCanonical) {
		return d.quarantine(archivePath, "no canonical payload")
	}
	if err != nil {
		return evolution.ActionAlertPause, fmt.Errorf("fetching canonical payload for %s: %w", name, err)
	}

	if _, err := WriteArchive(archivePath, payload); err != nil {
		return evolution.ActionAlertPause, fmt.Errorf("regenerating %s: %w", name, err)
	}

	recheck, err := d.checkLocked(ctx, archivePath)
	if err != nil {
		return evolution.ActionAlertPause, fmt.Errorf("re-checking %s after regeneration: %w", name, err)
	}
	if !recheck.Healthy {
		return d.quarantine(archivePath, "still unhealthy after regeneration")
	}

	d.logger.Info("Artifact regenerated from canonical payload",
		"artifact", report.Artifact,
		"bytes", len(payload))
	return evolution.ActionAutoRevert, nil
}

// quarantine contains an artifact that cannot be restored. The returned
// error wraps ErrIntegrityFault so callers can tell containment from a
// heal that failed outright.
func (d *Doctor) quarantine(archivePath, reason string) (evolution.RecoveryAction, error) {
	name := filepath.Base(archivePath)
	dest, err := Quarantine(archivePath)
	if err != nil {
		return evolution.ActionEscalate, fmt.Errorf("quarantining %s: %w", name, err)
	}

	d.logger.Warn("Artifact quarantined",
		"artifact", name,
		"dest", dest,
		"reason", reason)
	return evolution.ActionEscalate, fmt.Errorf("%w: %s: %s", evolution.ErrIntegrityFault, name, reason)
}
