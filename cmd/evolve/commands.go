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
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEvolve/cmd/evolve/config"
)

// --- Global Command Variables ---
var (
	serverURL   string
	submitGoal  string
	submitWait  bool
	queryLimit  int
	pauseReason string

	rootCmd = &cobra.Command{
		Use:   "evolve",
		Short: "A cli to run and drive the Aleutian self-evolution pipeline",
		Long: `Evolve validates, reviews, commits, and supervises automatically
generated changes to a running system, with automatic rollback on
regression and a continuous artifact integrity doctor.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := config.Load(); err != nil {
				log.Fatalf("Error loading config: %v", err)
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		"http://localhost:8090", "Base URL of a running evolve server")

	submitCmd.Flags().StringVarP(&submitGoal, "goal", "g", "",
		"What the change is for (required)")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false,
		"Block until the proposal settles and print the full result")
	_ = submitCmd.MarkFlagRequired("goal")

	historyCmd.Flags().IntVarP(&queryLimit, "limit", "n", 20,
		"Maximum records to show")
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "operator pause",
		"Reason recorded with the pause")

	doctorCmd.AddCommand(doctorScanCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(doctorCmd)
}
