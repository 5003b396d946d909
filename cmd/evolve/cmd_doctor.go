// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEvolve/cmd/evolve/config"
	"github.com/AleutianAI/AleutianEvolve/pkg/ux"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/doctor"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Artifact integrity tools",
}

var doctorScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one integrity sweep over the artifact tree",
	Long: `Scan checks every archive under artifact_root for corruption and
spatial fragmentation and prints a report per artifact. This is a local
offline audit: it never heals, quarantines, or raises alerts, and it does
not need a running server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Global
		if cfg.ArtifactRoot == "" {
			return fmt.Errorf("artifact_root is not set; edit your evolve.yaml")
		}
		artifactRoot := config.ExpandPath(cfg.ArtifactRoot)

		// Reports from an offline audit stay out of the server's store.
		st, err := store.Open(store.InMemoryConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		doctorConfig := doctor.DefaultConfig(artifactRoot)
		doctorConfig.AutoHeal = false
		doc, err := doctor.NewDoctor(doctorConfig, st, nil)
		if err != nil {
			return err
		}

		ux.Title("Integrity scan: " + artifactRoot)
		reports, err := doc.Scan(cmd.Context())
		if err != nil && err != context.Canceled {
			return err
		}

		healthy := 0
		for _, report := range reports {
			if report.Healthy {
				healthy++
				ux.Success(fmt.Sprintf("%s  locality %.2f", report.Artifact, report.LocalityScore))
				continue
			}
			ux.Error(report.Artifact)
			for _, issue := range report.Issues {
				ux.Muted("    - " + issue)
			}
		}
		ux.Summary(healthy, 0, len(reports))
		if healthy < len(reports) {
			return fmt.Errorf("%d of %d artifacts unhealthy", len(reports)-healthy, len(reports))
		}
		return nil
	},
}
