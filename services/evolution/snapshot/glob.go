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
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Default patterns for the kinds of files the evolution pipeline touches.
var (
	DefaultIncludes = []string{
		"**/*.go",
		"**/*.py",
		"**/*.ts",
		"**/*.js",
		"**/*.yaml",
		"**/*.yml",
		"**/*.json",
	}

	DefaultExcludes = []string{
		".git/**",
		"vendor/**",
		"node_modules/**",
		"**/testdata/**",
		"quarantine/**",
	}
)

// Matcher filters paths against include and exclude glob patterns. Patterns
// are compiled to regular expressions once at construction.
//
// Supported syntax: * matches within a path segment, ** matches across
// segments, ? matches a single character. A pattern with no separator also
// matches against the file's base name.
//
// Thread Safety: safe for concurrent use after construction.
type Matcher struct {
	includes []*regexp.Regexp
	excludes []*regexp.Regexp
	bareIncl []*regexp.Regexp // segment-free include patterns, matched on base name
}

// NewMatcher compiles the given patterns. Empty includes means every path
// not excluded is accepted.
func NewMatcher(includes, excludes []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range includes {
		re, err := globRegexp(p)
		if err != nil {
			return nil, err
		}
		m.includes = append(m.includes, re)
		if !strings.Contains(p, "/") {
			m.bareIncl = append(m.bareIncl, re)
		}
	}
	for _, p := range excludes {
		re, err := globRegexp(p)
		if err != nil {
			return nil, err
		}
		m.excludes = append(m.excludes, re)
	}
	return m, nil
}

// Match reports whether the slash-separated relative path should be included.
// Excludes win over includes.
func (m *Matcher) Match(path string) bool {
	path = filepath.ToSlash(path)

	for _, re := range m.excludes {
		if re.MatchString(path) {
			return false
		}
	}

	if len(m.includes) == 0 {
		return true
	}

	for _, re := range m.includes {
		if re.MatchString(path) {
			return true
		}
	}
	base := filepath.Base(path)
	for _, re := range m.bareIncl {
		if re.MatchString(base) {
			return true
		}
	}
	return false
}

// globRegexp compiles a glob pattern into an anchored regular expression.
// ** also swallows a trailing slash so that "**/*.go" matches "main.go" at
// the root.
func globRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")

	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				// ** with an optional following slash
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					sb.WriteString(`(?:.*/)?`)
					i += 3
				} else {
					sb.WriteString(`.*`)
					i += 2
				}
			} else {
				sb.WriteString(`[^/]*`)
				i++
			}
		case '?':
			sb.WriteString(`[^/]`)
			i++
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}

	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	return re, nil
}
