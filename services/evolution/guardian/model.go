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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/awnumar/memguard"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

// ModelConfig configures the model-backed reviewer.
type ModelConfig struct {
	// BaseURL overrides the OpenAI endpoint for compatible local servers.
	BaseURL string

	// Model is the chat model name.
	Model string

	// Temperature for the review calls. Reviews want determinism, so the
	// zero value is the right default.
	Temperature float32

	// ChunkSize is the character budget per review call. Diffs above it
	// are split and the per-chunk verdicts merged at the highest risk.
	ChunkSize int
}

// DefaultModelConfig returns the model reviewer defaults.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model:     "gpt-4o-mini",
		ChunkSize: 24000,
	}
}

// diffSeparators keep chunk boundaries on diff structure instead of
// mid-hunk where possible.
var diffSeparators = []string{"\ndiff --git ", "\n--- ", "\n@@ ", "\n", " "}

// ModelReviewer assesses proposals with an OpenAI-compatible chat endpoint.
// The API key rests in a memguard enclave between calls. Malformed or
// unparseable model output degrades to the fallback reviewer's verdict, so
// a flaky endpoint can lower review quality but never skip review.
//
// # Thread Safety
//
// Safe for concurrent use.
type ModelReviewer struct {
	config   ModelConfig
	key      *memguard.Enclave
	fallback Reviewer
	logger   *slog.Logger
}

// NewModelReviewer builds a model reviewer. The key bytes are moved into an
// enclave and wiped from the input slice. The fallback reviewer handles
// degraded assessments and may be nil, in which case model failures surface
// as errors.
func NewModelReviewer(config ModelConfig, apiKey []byte, fallback Reviewer, logger *slog.Logger) (*ModelReviewer, error) {
	if len(apiKey) == 0 {
		return nil, fmt.Errorf("model reviewer requires an API key")
	}
	if config.Model == "" {
		config.Model = DefaultModelConfig().Model
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultModelConfig().ChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelReviewer{
		config:   config,
		key:      memguard.NewEnclave(apiKey),
		fallback: fallback,
		logger:   logger,
	}, nil
}

// Assess reviews the proposal with the model, degrading to the fallback
// reviewer on any model or parse failure.
func (m *ModelReviewer) Assess(ctx context.Context, proposal *evolution.EvolutionProposal, sandbox *evolution.SandboxResult) (*evolution.GuardianVerdict, error) {
	verdict, err := m.assessWithModel(ctx, proposal, sandbox)
	if err == nil {
		return verdict, nil
	}
	if m.fallback == nil {
		return nil, err
	}

	m.logger.Warn("model review degraded to rules",
		"proposal_id", proposal.ID,
		"model", m.config.Model,
		"error", err)
	recordDegrade(ctx)
	return m.fallback.Assess(ctx, proposal, sandbox)
}

func (m *ModelReviewer) assessWithModel(ctx context.Context, proposal *evolution.EvolutionProposal, sandbox *evolution.SandboxResult) (*evolution.GuardianVerdict, error) {
	chunks, err := m.chunkDiff(proposal.DiffContent)
	if err != nil {
		return nil, fmt.Errorf("chunking diff: %w", err)
	}

	client, err := m.newClient()
	if err != nil {
		return nil, err
	}

	verdicts := make([]modelVerdict, 0, len(chunks))
	for i, chunk := range chunks {
		content, err := m.complete(ctx, client, m.buildPrompt(proposal, sandbox, chunk, i, len(chunks)))
		if err != nil {
			return nil, err
		}
		mv, err := parseModelVerdict(content)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, *mv)
	}

	return m.mergeVerdicts(proposal.ID, verdicts), nil
}

// newClient opens the key enclave just long enough to configure the client.
func (m *ModelReviewer) newClient() (*openai.Client, error) {
	buf, err := m.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	cfg := openai.DefaultConfig(buf.String())
	if m.config.BaseURL != "" {
		cfg.BaseURL = m.config.BaseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

// chunkDiff splits an oversized diff on diff structure boundaries.
func (m *ModelReviewer) chunkDiff(diffContent string) ([]string, error) {
	if len(diffContent) <= m.config.ChunkSize {
		return []string{diffContent}, nil
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(m.config.ChunkSize),
		textsplitter.WithChunkOverlap(m.config.ChunkSize/10),
		textsplitter.WithSeparators(diffSeparators),
	)
	return splitter.SplitText(diffContent)
}

func (m *ModelReviewer) complete(ctx context.Context, client *openai.Client, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       m.config.Model,
		Temperature: m.config.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: reviewSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

const reviewSystemPrompt = `You review code changes proposed by an autonomous evolution pipeline.
Assess the diff for injection or unsafe-input patterns, hardcoded secrets,
removed exported declarations, and swallowed errors. Respond with a single
JSON object and nothing else:
{"approved": bool, "risk_level": "low"|"medium"|"high", "rationale": string,
 "concerns": [{"category": string, "file": string, "line": int, "detail": string}]}
A change you would not merge unattended is at least medium. Never approve high risk.`

func (m *ModelReviewer) buildPrompt(proposal *evolution.EvolutionProposal, sandbox *evolution.SandboxResult, chunk string, idx, total int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", proposal.Goal)
	fmt.Fprintf(&sb, "Files: %s\n", strings.Join(proposal.TargetFiles, ", "))
	fmt.Fprintf(&sb, "Lines changed: %d\n", proposal.LinesChanged)
	if sandbox != nil {
		fmt.Fprintf(&sb, "Sandbox: passed, heartbeats %d/%d\n",
			sandbox.HeartbeatPassed, sandbox.HeartbeatTotal)
	}
	if total > 1 {
		fmt.Fprintf(&sb, "Diff chunk %d of %d:\n", idx+1, total)
	} else {
		sb.WriteString("Diff:\n")
	}
	sb.WriteString("```diff\n")
	sb.WriteString(chunk)
	sb.WriteString("\n```\n")
	return sb.String()
}

// modelVerdict is the JSON shape the model is asked to produce.
type modelVerdict struct {
	Approved  bool   `json:"approved"`
	RiskLevel string `json:"risk_level"`
	Rationale string `json:"rationale"`
	Concerns  []struct {
		Category string `json:"category"`
		File     string `json:"file"`
		Line     int    `json:"line"`
		Detail   string `json:"detail"`
	} `json:"concerns"`
}

// parseModelVerdict extracts and validates the verdict JSON from the model
// output. Models wrap JSON in prose often enough that the parser cuts from
// the first '{' to the last '}' before decoding.
func parseModelVerdict(content string) (*modelVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var mv modelVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &mv); err != nil {
		return nil, fmt.Errorf("decoding model verdict: %w", err)
	}

	switch evolution.RiskLevel(mv.RiskLevel) {
	case evolution.RiskLow, evolution.RiskMedium, evolution.RiskHigh:
	default:
		return nil, fmt.Errorf("model produced unknown risk level %q", mv.RiskLevel)
	}
	return &mv, nil
}

// mergeVerdicts folds per-chunk verdicts into one at the highest risk.
func (m *ModelReviewer) mergeVerdicts(proposalID string, verdicts []modelVerdict) *evolution.GuardianVerdict {
	out := &evolution.GuardianVerdict{
		ProposalID: proposalID,
		Approved:   true,
		RiskLevel:  evolution.RiskLow,
		Reviewer:   "model:" + m.config.Model,
	}

	var rationales []string
	for _, mv := range verdicts {
		out.Approved = out.Approved && mv.Approved
		out.RiskLevel = evolution.MaxRisk(out.RiskLevel, evolution.RiskLevel(mv.RiskLevel))
		if mv.Rationale != "" {
			rationales = append(rationales, mv.Rationale)
		}
		for _, c := range mv.Concerns {
			out.Concerns = append(out.Concerns, evolution.Concern{
				Category: c.Category,
				File:     c.File,
				Line:     c.Line,
				Detail:   c.Detail,
			})
		}
	}

	out.Rationale = strings.Join(rationales, " | ")
	if len(verdicts) > 1 {
		out.Rationale = fmt.Sprintf("merged %d chunk verdicts at highest risk: %s",
			len(verdicts), out.Rationale)
	}
	return out
}
