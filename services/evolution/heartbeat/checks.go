// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package heartbeat

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"golang.org/x/mod/modfile"
)

// DefaultChecks returns the standard battery: source parseability, module
// file sanity, network bindability, and workspace readability.
func DefaultChecks() []Check {
	return []Check{
		NewCoreParseCheck(25),
		NewModuleLoadCheck(),
		NewTransportBindCheck(),
		NewWorkspaceReadCheck(),
	}
}

// NewCoreParseCheck returns a check that parses up to limit Go sources under
// the root and fails on the first syntax error.
func NewCoreParseCheck(limit int) Check {
	if limit <= 0 {
		limit = 25
	}
	return &coreParseCheck{limit: limit}
}

type coreParseCheck struct {
	limit int
}

func (c *coreParseCheck) Name() string { return "core-parse" }

func (c *coreParseCheck) Run(ctx context.Context, root string) error {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "vendor", "node_modules", "testdata":
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") && !strings.HasSuffix(path, "_test.go") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Strings(paths)
	if len(paths) > c.limit {
		paths = paths[:c.limit]
	}

	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		tree, err := parser.ParseCtx(ctx, nil, content)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		bad := nodeHasError(tree.RootNode())
		tree.Close()
		if bad {
			rel, _ := filepath.Rel(root, path)
			return fmt.Errorf("syntax error in %s", rel)
		}
	}
	return nil
}

// nodeHasError walks the syntax tree looking for error or missing nodes.
func nodeHasError(node *sitter.Node) bool {
	if node.IsError() || node.IsMissing() {
		return true
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if nodeHasError(node.Child(i)) {
			return true
		}
	}
	return false
}

// NewModuleLoadCheck returns a check that parses go.mod at the root and
// verifies the module path and every requirement are well formed. This is
// the import-resolvability smoke: a tree whose module graph does not parse
// cannot build.
func NewModuleLoadCheck() Check {
	return &moduleLoadCheck{}
}

type moduleLoadCheck struct{}

func (c *moduleLoadCheck) Name() string { return "module-load" }

func (c *moduleLoadCheck) Run(ctx context.Context, root string) error {
	path := filepath.Join(root, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading go.mod: %w", err)
	}

	f, err := modfile.Parse("go.mod", data, nil)
	if err != nil {
		return fmt.Errorf("parsing go.mod: %w", err)
	}
	if f.Module == nil || f.Module.Mod.Path == "" {
		return fmt.Errorf("go.mod has no module path")
	}
	for _, req := range f.Require {
		if req.Mod.Path == "" || req.Mod.Version == "" {
			return fmt.Errorf("malformed requirement %q", req.Mod.Path)
		}
	}
	return nil
}

// NewTransportBindCheck returns a check that binds and releases an ephemeral
// loopback port, proving the process can still open listeners.
func NewTransportBindCheck() Check {
	return &transportBindCheck{}
}

type transportBindCheck struct{}

func (c *transportBindCheck) Name() string { return "transport-bind" }

func (c *transportBindCheck) Run(ctx context.Context, root string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding loopback listener: %w", err)
	}
	return ln.Close()
}

// NewWorkspaceReadCheck returns a check that lists the root and reads the
// first regular file it finds, proving the workspace is readable at all.
func NewWorkspaceReadCheck() Check {
	return &workspaceReadCheck{}
}

type workspaceReadCheck struct{}

func (c *workspaceReadCheck) Name() string { return "workspace-read" }

func (c *workspaceReadCheck) Run(ctx context.Context, root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("listing workspace: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}
		f, err := os.Open(filepath.Join(root, entry.Name()))
		if err != nil {
			return fmt.Errorf("opening %s: %w", entry.Name(), err)
		}
		_, err = io.CopyN(io.Discard, f, 512)
		f.Close()
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		return nil
	}
	// An empty workspace is readable, just empty.
	return nil
}
