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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEvolve/pkg/ux"
	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/server"
)

var submitCmd = &cobra.Command{
	Use:   "submit [diff-file]",
	Short: "Submit a proposal to the pipeline",
	Long: `Submit reads a unified diff from the given file (or stdin when no
file is given) and hands it to a running evolve server. The default is
asynchronous: the command prints the proposal ID to poll with "evolve
status". With --wait it blocks until the proposal settles and prints the
full result.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		diff, err := readDiff(args)
		if err != nil {
			return err
		}

		req := server.SubmitRequest{Goal: submitGoal, Diff: diff, Wait: submitWait}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		// A waited submission spans the whole pipeline, sandbox and
		// observation window included.
		client := &http.Client{Timeout: 30 * time.Second}
		if submitWait {
			client.Timeout = 15 * time.Minute
		}

		resp, err := client.Post(apiURL("/v1/evolve/proposals"), "application/json",
			bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("could not reach the evolve server at %s: %w", serverURL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return readAPIError(resp)
		}

		if submitWait {
			var result evolution.EvolutionResult
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}
			printResult(&result)
			return nil
		}

		var accepted server.SubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
			return fmt.Errorf("unexpected response: %w", err)
		}
		ux.Success("Proposal accepted: " + accepted.ProposalID)
		ux.Muted("Poll with: evolve status " + accepted.ProposalID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <proposal-id>",
	Short: "Show the terminal result for a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result evolution.EvolutionResult
		if err := getJSON("/v1/evolve/proposals/"+args[0], &result); err != nil {
			return err
		}
		printResult(&result)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show evolution commits, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload struct {
			Records []evolution.CommitRecord `json:"records"`
			Count   int                      `json:"count"`
		}
		path := fmt.Sprintf("/v1/evolve/history?limit=%d", queryLimit)
		if err := getJSON(path, &payload); err != nil {
			return err
		}
		if payload.Count == 0 {
			ux.Muted("No evolution commits yet.")
			return nil
		}
		for _, rec := range payload.Records {
			line := fmt.Sprintf("%.10s  tier %d  risk %-6s  %s",
				rec.CommitID, rec.Tier, rec.Risk, rec.Subject)
			if rec.Revert {
				ux.Warning(line)
			} else {
				ux.Info(line)
			}
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause proposal admission",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(server.PauseRequest{Reason: pauseReason})
		if err != nil {
			return err
		}
		var state server.PauseResponse
		if err := postJSON("/v1/evolve/pause", body, &state); err != nil {
			return err
		}
		ux.Warning(fmt.Sprintf("Pipeline paused: %s (since %s)", state.Reason, state.Since))
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Acknowledge a pause and reopen the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postJSON("/v1/evolve/pause/acknowledge", nil, nil); err != nil {
			return err
		}
		ux.Success("Pipeline running.")
		return nil
	},
}

// readDiff loads the proposal diff from the file argument or stdin.
func readDiff(args []string) (string, error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("could not read the diff file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("could not read the diff from stdin: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no diff given: pass a file or pipe one on stdin")
	}
	return string(data), nil
}

func printResult(result *evolution.EvolutionResult) {
	switch result.Outcome {
	case evolution.OutcomeSuccess:
		ux.Success("SUCCESS  " + result.ProposalID)
	case evolution.OutcomeAwaitingReview:
		ux.Warning("AWAITING_HUMAN_REVIEW  " + result.ProposalID)
	case evolution.OutcomeReverted:
		ux.Error("REVERTED  " + result.ProposalID)
	default:
		ux.Error(string(result.Outcome) + "  " + result.ProposalID)
	}

	if result.Sandbox != nil {
		ux.Muted(fmt.Sprintf("  sandbox: passed=%t heartbeats=%d/%d",
			result.Sandbox.Passed, result.Sandbox.HeartbeatPassed, result.Sandbox.HeartbeatTotal))
	}
	if result.Verdict != nil {
		ux.Muted(fmt.Sprintf("  guardian: approved=%t risk=%s  %s",
			result.Verdict.Approved, result.Verdict.RiskLevel, result.Verdict.Rationale))
		for _, concern := range result.Verdict.Concerns {
			ux.Muted("    - " + concern.Category + ": " + concern.Detail)
		}
	}
	if result.Score != nil {
		ux.Muted(fmt.Sprintf("  tier: %d (score %d)", result.Score.Tier, result.Score.Total))
	}
	if result.CommitID != "" {
		ux.Muted("  commit: " + result.CommitID)
	}
	if result.Branch != "" {
		ux.Muted("  review branch: " + result.Branch)
	}
	if result.Monitoring != nil {
		ux.Muted(fmt.Sprintf("  monitoring: healthy=%t issues=%d",
			result.Monitoring.Healthy, len(result.Monitoring.Issues)))
		for _, issue := range result.Monitoring.Issues {
			ux.Muted("    - " + issue)
		}
	}
	if result.Recovery != "" {
		ux.Warning("  recovery: " + string(result.Recovery))
	}
	if result.Err != "" {
		ux.Muted("  detail: " + result.Err)
	}
}

func apiURL(path string) string {
	return strings.TrimRight(serverURL, "/") + path
}

// getJSON fetches path from the configured server and decodes into out.
func getJSON(path string, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(apiURL(path))
	if err != nil {
		return fmt.Errorf("could not reach the evolve server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// postJSON posts body (may be nil) and decodes into out (may be nil).
func postJSON(path string, body []byte, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(apiURL(path), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not reach the evolve server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// readAPIError turns an error response into a readable error, falling back
// to the raw body when it is not the uniform shape.
func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var apiErr server.ErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(raw))
}
