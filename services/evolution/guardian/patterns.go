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
	"regexp"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

// Concern categories emitted by the reviewers.
const (
	CategoryInjection    = "injection"
	CategorySecret       = "secret"
	CategoryInterface    = "interface"
	CategoryEdgeCase     = "edge-case"
	CategoryCriticalFile = "critical-file"
	CategoryPolicy       = "policy"
	CategoryModel        = "model"
)

// callPattern flags a function call by name in the added code.
type callPattern struct {
	// Name is the pattern identifier.
	Name string

	// FuncNames are call targets that trigger this pattern. A name matches
	// exactly, as a dotted suffix, or as a substring of the call target.
	FuncNames []string

	// Risk is the risk level this finding contributes.
	Risk evolution.RiskLevel

	// Detail describes the issue.
	Detail string
}

// goCallPatterns returns call patterns for Go code.
func goCallPatterns() []callPattern {
	return []callPattern{
		{
			Name:      "subprocess-spawn",
			FuncNames: []string{"exec.Command", "exec.CommandContext", "syscall.Exec", "os.StartProcess"},
			Risk:      evolution.RiskHigh,
			Detail:    "spawns a subprocess with caller-controlled arguments",
		},
		{
			Name:      "unsafe-pointer",
			FuncNames: []string{"unsafe.Pointer", "unsafe.Slice"},
			Risk:      evolution.RiskMedium,
			Detail:    "bypasses Go memory safety",
		},
		{
			Name:      "template-escape-bypass",
			FuncNames: []string{"template.HTML", "template.JS", "template.URL"},
			Risk:      evolution.RiskMedium,
			Detail:    "bypasses contextual template escaping",
		},
	}
}

// pythonCallPatterns returns call patterns for Python code.
func pythonCallPatterns() []callPattern {
	return []callPattern{
		{
			Name:      "dynamic-eval",
			FuncNames: []string{"eval", "exec", "compile"},
			Risk:      evolution.RiskHigh,
			Detail:    "evaluates dynamically constructed code",
		},
		{
			Name:      "subprocess-spawn",
			FuncNames: []string{"os.system", "os.popen", "subprocess.call", "subprocess.run", "subprocess.Popen"},
			Risk:      evolution.RiskHigh,
			Detail:    "spawns a subprocess with caller-controlled arguments",
		},
		{
			Name:      "unsafe-deserialization",
			FuncNames: []string{"pickle.loads", "pickle.load", "yaml.load", "marshal.loads"},
			Risk:      evolution.RiskHigh,
			Detail:    "deserializes untrusted data",
		},
	}
}

// jsCallPatterns returns call patterns for JavaScript and TypeScript code.
func jsCallPatterns() []callPattern {
	return []callPattern{
		{
			Name:      "dynamic-eval",
			FuncNames: []string{"eval", "Function"},
			Risk:      evolution.RiskHigh,
			Detail:    "evaluates dynamically constructed code",
		},
		{
			Name:      "subprocess-spawn",
			FuncNames: []string{"child_process.exec", "execSync", "spawnSync"},
			Risk:      evolution.RiskHigh,
			Detail:    "spawns a subprocess with caller-controlled arguments",
		},
	}
}

// secretPattern flags hardcoded credentials in added lines.
type secretPattern struct {
	// Name is the pattern identifier.
	Name string

	// regex matches the candidate secret.
	regex *regexp.Regexp

	// MinEntropy gates the match on the Shannon entropy of the extracted
	// value. Zero means the match is structural and always counts.
	MinEntropy float64

	// Detail describes the issue.
	Detail string
}

// secretPatterns returns the compiled secret detection table.
func secretPatterns() []secretPattern {
	return []secretPattern{
		{
			Name:   "aws-access-key",
			regex:  regexp.MustCompile(`\b(?:A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}\b`),
			Detail: "AWS access key ID",
		},
		{
			Name:   "private-key-block",
			regex:  regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |PGP )?PRIVATE KEY`),
			Detail: "embedded private key material",
		},
		{
			Name:       "generic-credential",
			regex:      regexp.MustCompile(`(?i)(?:api[_-]?key|secret|token|passwd|password)\s*[:=]\s*["'][A-Za-z0-9+/_\-]{16,}["']`),
			MinEntropy: 3.5,
			Detail:     "hardcoded credential assignment",
		},
		{
			Name:       "bearer-token",
			regex:      regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}`),
			MinEntropy: 3.5,
			Detail:     "hardcoded bearer token",
		},
	}
}

// Line-level heuristics that do not need an AST.
var (
	// sqlKeywordRe and sqlConcatRe together flag query strings built by
	// concatenation instead of placeholders.
	sqlKeywordRe = regexp.MustCompile(`(?i)\b(select|insert|update|delete)\b.*\b(from|into|set|where)\b`)
	sqlConcatRe  = regexp.MustCompile(`(\+\s*\w|fmt\.Sprintf|%s|%v|\$\{|f["'])`)

	// htmlSinkRe flags direct assignments to DOM injection sinks.
	htmlSinkRe = regexp.MustCompile(`\.(innerHTML|outerHTML)\s*=`)

	// swallowedErrRe flags Go error values dropped on the floor.
	swallowedErrRe = regexp.MustCompile(`^\s*_\s*=\s*err\b|if\s+err\s*!=\s*nil\s*\{\s*\}`)

	// bareExceptRe flags Python exception handlers that silence everything.
	bareExceptRe = regexp.MustCompile(`^\s*except\s*(Exception\s*)?:\s*(pass)?\s*$`)

	// emptyCatchRe flags JS catch blocks with no body.
	emptyCatchRe = regexp.MustCompile(`catch\s*(\([^)]*\))?\s*\{\s*\}`)

	// todoRe counts deferred-work markers in added lines.
	todoRe = regexp.MustCompile(`\b(TODO|FIXME|XXX|HACK)\b`)

	// Removed-line shapes that indicate an exported surface is shrinking.
	goExportedRe = regexp.MustCompile(`^func\s+(\([^)]*\)\s*)?[A-Z][A-Za-z0-9_]*\s*\(|^type\s+[A-Z]`)
	pyExportedRe = regexp.MustCompile(`^(def|class)\s+[a-zA-Z_]`)
	jsExportedRe = regexp.MustCompile(`^export\s+`)
)

// DefaultCriticalPatterns are the file globs whose modification always forces
// the verdict to at least high risk. The daemon core carries the heaviest
// tier weight; the rest are infrastructure the pipeline itself depends on.
func DefaultCriticalPatterns() []string {
	return []string{
		"**/daemon/**",
		"**/safety/**",
		"go.mod",
		"go.sum",
		"**/auth/**",
	}
}
