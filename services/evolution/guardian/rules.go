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
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/snapshot"
)

// RuleReviewer assesses proposals with deterministic rules: call-pattern
// scanning over the added code, secret detection with entropy gating,
// exported-surface and error-handling heuristics, and a critical-file
// allow-list. It needs no network and is the default reviewer.
//
// # Thread Safety
//
// Safe for concurrent use. The reviewer holds no per-assessment state and
// tree-sitter parsers are created per call.
type RuleReviewer struct {
	critical *snapshot.Matcher
	secrets  []secretPattern
	logger   *slog.Logger
}

// NewRuleReviewer builds a rule reviewer with the given critical-file
// patterns. Nil patterns selects DefaultCriticalPatterns.
func NewRuleReviewer(criticalPatterns []string, logger *slog.Logger) (*RuleReviewer, error) {
	if criticalPatterns == nil {
		criticalPatterns = DefaultCriticalPatterns()
	}
	matcher, err := snapshot.NewMatcher(criticalPatterns, nil)
	if err != nil {
		return nil, fmt.Errorf("compiling critical patterns: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleReviewer{
		critical: matcher,
		secrets:  secretPatterns(),
		logger:   logger,
	}, nil
}

// findings accumulates concerns and the union (maximum) of their risks.
type findings struct {
	concerns []evolution.Concern
	risk     evolution.RiskLevel
}

func newFindings() *findings {
	return &findings{risk: evolution.RiskLow}
}

func (f *findings) add(risk evolution.RiskLevel, c evolution.Concern) {
	f.concerns = append(f.concerns, c)
	f.risk = evolution.MaxRisk(f.risk, risk)
}

// Assess evaluates the proposal's diff and returns a verdict.
//
// # Description
//
// Each changed file is checked against the critical-file allow-list, its
// added lines are scanned for dangerous calls, injection shapes, and
// hardcoded secrets, and its removed lines are checked for exported
// declarations. The verdict risk is the union of all findings and a high
// risk verdict is never approved.
//
// # Inputs
//
//   - ctx: cancellation
//   - proposal: the proposal under review
//   - sandbox: the passing sandbox result (context only; may be nil)
//
// # Outputs
//
//   - *evolution.GuardianVerdict: approved flag, risk level, concerns
//   - error: non-nil only when the diff cannot be parsed
func (r *RuleReviewer) Assess(ctx context.Context, proposal *evolution.EvolutionProposal, sandbox *evolution.SandboxResult) (*evolution.GuardianVerdict, error) {
	if err := proposal.Validate(); err != nil {
		return nil, err
	}

	changes, err := parseChanges(proposal.DiffContent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", evolution.ErrPolicyRejection, err)
	}

	f := newFindings()
	totalAdded := 0
	for i := range changes {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.assessFile(ctx, &changes[i], f)
		totalAdded += len(changes[i].Added)
	}

	verdict := &evolution.GuardianVerdict{
		ProposalID: proposal.ID,
		Approved:   f.risk != evolution.RiskHigh,
		RiskLevel:  f.risk,
		Concerns:   f.concerns,
		Reviewer:   "rules",
	}
	if len(f.concerns) == 0 {
		verdict.Rationale = fmt.Sprintf("no risk indicators in %d files (%d added lines)",
			len(changes), totalAdded)
	} else {
		verdict.Rationale = fmt.Sprintf("%d findings across %d files, union risk %s",
			len(f.concerns), len(changes), f.risk)
	}

	r.logger.Debug("rule review finished",
		"proposal_id", proposal.ID,
		"risk", verdict.RiskLevel,
		"approved", verdict.Approved,
		"concerns", len(verdict.Concerns))
	return verdict, nil
}

// assessFile runs every rule against one changed file.
func (r *RuleReviewer) assessFile(ctx context.Context, fc *fileChange, f *findings) {
	if r.critical.Match(fc.Path) {
		f.add(evolution.RiskHigh, evolution.Concern{
			Category: CategoryCriticalFile,
			File:     fc.Path,
			Detail:   "touches a file on the critical allow-list",
		})
	}

	langName := languageFor(fc.Path)

	// AST scan of the added fragments for dangerous calls.
	if lang, patterns := grammarFor(langName); lang != nil {
		for _, block := range fc.addedBlocks() {
			r.scanCalls(ctx, lang, patterns, block, fc.Path, f)
		}
	}

	todoCount := 0
	skipSecrets := isTestPath(fc.Path)
	for _, dl := range fc.Added {
		r.scanLine(langName, dl, fc.Path, skipSecrets, f)
		if todoRe.MatchString(dl.Text) {
			todoCount++
		}
	}
	if todoCount >= 3 {
		f.add(evolution.RiskMedium, evolution.Concern{
			Category: CategoryEdgeCase,
			File:     fc.Path,
			Detail:   fmt.Sprintf("%d deferred-work markers added in one file", todoCount),
		})
	}

	r.scanRemoved(langName, fc, f)
}

// scanLine applies the per-line heuristics to one added line.
func (r *RuleReviewer) scanLine(langName string, dl diffLine, path string, skipSecrets bool, f *findings) {
	trimmed := strings.TrimSpace(dl.Text)
	if trimmed == "" || isCommentLine(trimmed) {
		return
	}

	if sqlKeywordRe.MatchString(dl.Text) && sqlConcatRe.MatchString(dl.Text) {
		f.add(evolution.RiskHigh, evolution.Concern{
			Category: CategoryInjection,
			File:     path,
			Line:     dl.Line,
			Detail:   "SQL query built by string concatenation",
		})
	}
	if htmlSinkRe.MatchString(dl.Text) {
		f.add(evolution.RiskHigh, evolution.Concern{
			Category: CategoryInjection,
			File:     path,
			Line:     dl.Line,
			Detail:   "direct assignment to a DOM injection sink",
		})
	}

	if !skipSecrets {
		for _, sp := range r.secrets {
			if !sp.regex.MatchString(dl.Text) {
				continue
			}
			value := extractSecretValue(sp.regex.FindString(dl.Text))
			if sp.MinEntropy > 0 && shannonEntropy(value) < sp.MinEntropy {
				continue
			}
			f.add(evolution.RiskHigh, evolution.Concern{
				Category: CategorySecret,
				File:     path,
				Line:     dl.Line,
				Detail:   sp.Detail,
			})
		}
	}

	switch langName {
	case "go":
		if swallowedErrRe.MatchString(dl.Text) {
			f.add(evolution.RiskMedium, evolution.Concern{
				Category: CategoryEdgeCase,
				File:     path,
				Line:     dl.Line,
				Detail:   "error value silently discarded",
			})
		}
	case "python":
		if bareExceptRe.MatchString(dl.Text) {
			f.add(evolution.RiskMedium, evolution.Concern{
				Category: CategoryEdgeCase,
				File:     path,
				Line:     dl.Line,
				Detail:   "exception handler swallows all errors",
			})
		}
	case "javascript", "typescript":
		if emptyCatchRe.MatchString(dl.Text) {
			f.add(evolution.RiskMedium, evolution.Concern{
				Category: CategoryEdgeCase,
				File:     path,
				Line:     dl.Line,
				Detail:   "empty catch block",
			})
		}
	}
}

// scanRemoved flags removed lines that look like exported declarations.
func (r *RuleReviewer) scanRemoved(langName string, fc *fileChange, f *findings) {
	var re = goExportedRe
	switch langName {
	case "go":
		re = goExportedRe
	case "python":
		re = pyExportedRe
	case "javascript", "typescript":
		re = jsExportedRe
	default:
		return
	}

	for _, dl := range fc.Removed {
		if !re.MatchString(dl.Text) {
			continue
		}
		f.add(evolution.RiskMedium, evolution.Concern{
			Category: CategoryInterface,
			File:     fc.Path,
			Line:     dl.Line,
			Detail:   fmt.Sprintf("removes an exported declaration: %s", strings.TrimSpace(dl.Text)),
		})
	}
}

// scanCalls parses one added fragment and walks it for dangerous calls.
// Tree-sitter recovers from partial input, so fragments that are not
// complete programs still yield call nodes.
func (r *RuleReviewer) scanCalls(ctx context.Context, lang *sitter.Language, patterns []callPattern, block []diffLine, path string, f *findings) {
	texts := make([]string, len(block))
	for i, dl := range block {
		texts[i] = dl.Text
	}
	fragment := []byte(strings.Join(texts, "\n"))

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, fragment)
	if err != nil {
		r.logger.Debug("fragment parse failed", "file", path, "error", err)
		return
	}
	defer tree.Close()

	walkCalls(tree.RootNode(), fragment, func(funcName string, row int) {
		for _, p := range patterns {
			if !matchesFuncName(funcName, p.FuncNames) {
				continue
			}
			line := 0
			if row >= 0 && row < len(block) {
				line = block[row].Line
			}
			f.add(p.Risk, evolution.Concern{
				Category: CategoryInjection,
				File:     path,
				Line:     line,
				Detail:   fmt.Sprintf("%s: %s (%s)", p.Name, p.Detail, funcName),
			})
		}
	})
}

// walkCalls visits every call-like node and reports its target name and row.
func walkCalls(node *sitter.Node, source []byte, visit func(funcName string, row int)) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "call_expression", "call":
		if fn := node.ChildByFieldName("function"); fn != nil {
			visit(fn.Content(source), int(node.StartPoint().Row))
		}
	case "new_expression":
		if cons := node.ChildByFieldName("constructor"); cons != nil {
			visit(cons.Content(source), int(node.StartPoint().Row))
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		walkCalls(node.Child(i), source, visit)
	}
}

// matchesFuncName reports whether a call target matches a pattern name
// exactly or as a dotted suffix.
func matchesFuncName(funcName string, names []string) bool {
	for _, n := range names {
		if funcName == n {
			return true
		}
		if strings.HasSuffix(funcName, "."+n) {
			return true
		}
		if strings.Contains(n, ".") && strings.Contains(funcName, n) {
			return true
		}
	}
	return false
}

// languageFor maps a path to a language identifier, or "" when unknown.
func languageFor(path string) string {
	switch filepath.Ext(path) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	default:
		return ""
	}
}

// grammarFor returns the tree-sitter grammar and call patterns for a
// language identifier.
func grammarFor(langName string) (*sitter.Language, []callPattern) {
	switch langName {
	case "go":
		return golang.GetLanguage(), goCallPatterns()
	case "python":
		return python.GetLanguage(), pythonCallPatterns()
	case "javascript":
		return javascript.GetLanguage(), jsCallPatterns()
	case "typescript":
		return typescript.GetLanguage(), jsCallPatterns()
	default:
		return nil, nil
	}
}

// isTestPath reports whether secret scanning should skip the file. Test
// trees and fixtures legitimately carry fake credentials.
func isTestPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "/test") ||
		strings.Contains(lower, "test_") ||
		strings.HasSuffix(lower, "_test.go") ||
		strings.HasSuffix(lower, ".test.js") ||
		strings.HasSuffix(lower, ".test.ts") ||
		strings.HasSuffix(lower, ".spec.js") ||
		strings.HasSuffix(lower, ".spec.ts") ||
		strings.Contains(lower, "fixture") ||
		strings.Contains(lower, "mock") ||
		strings.Contains(lower, "example") ||
		strings.Contains(lower, "testdata")
}

// isCommentLine reports whether a trimmed line is a comment.
func isCommentLine(line string) bool {
	return strings.HasPrefix(line, "//") ||
		strings.HasPrefix(line, "#") ||
		strings.HasPrefix(line, "/*") ||
		strings.HasPrefix(line, "*") ||
		strings.HasPrefix(line, "'''") ||
		strings.HasPrefix(line, `"""`)
}

// shannonEntropy measures the randomness of a candidate secret. Real keys
// score high; words and repeated characters score low.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	var entropy float64
	length := float64(len(s))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// extractSecretValue pulls the likely secret out of a matched assignment,
// stripping the key, separator, and quotes.
func extractSecretValue(match string) string {
	for _, sep := range []string{"=", ":", " "} {
		if idx := strings.Index(match, sep); idx > 0 {
			value := strings.TrimSpace(match[idx+1:])
			return strings.Trim(value, `"'`)
		}
	}
	return match
}
