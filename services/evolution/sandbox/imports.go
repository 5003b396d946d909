// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"golang.org/x/mod/modfile"
)

// moduleIndex is the parsed dependency surface of the sandboxed tree: its
// own module path plus every required module.
type moduleIndex struct {
	modulePath string
	requires   []string
}

// loadModuleIndex parses go.mod at the sandbox root. Trees without a go.mod
// return a nil index; import checking is skipped for them.
func loadModuleIndex(root string) (*moduleIndex, error) {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading go.mod: %w", err)
	}

	f, err := modfile.Parse("go.mod", data, nil)
	if err != nil {
		return nil, fmt.Errorf("parsing go.mod: %w", err)
	}
	if f.Module == nil {
		return nil, fmt.Errorf("go.mod has no module directive")
	}

	idx := &moduleIndex{modulePath: f.Module.Mod.Path}
	for _, req := range f.Require {
		idx.requires = append(idx.requires, req.Mod.Path)
	}
	return idx, nil
}

// resolvable reports whether an import path is satisfiable: part of the
// standard library, inside the module itself, or covered by a requirement.
func (idx *moduleIndex) resolvable(importPath string) bool {
	if importPath == "" {
		return false
	}

	// Standard library packages have no dot in the first path segment.
	first := importPath
	if i := strings.Index(importPath, "/"); i >= 0 {
		first = importPath[:i]
	}
	if !strings.Contains(first, ".") {
		return true
	}

	if importPath == idx.modulePath || strings.HasPrefix(importPath, idx.modulePath+"/") {
		return true
	}
	for _, req := range idx.requires {
		if importPath == req || strings.HasPrefix(importPath, req+"/") {
			return true
		}
	}
	return false
}

// checkImports verifies that every import in the changed Go files resolves
// against the sandbox's module index. Returns one message per unresolvable
// import.
func checkImports(ctx context.Context, root string, changed []string) ([]string, error) {
	idx, err := loadModuleIndex(root)
	if err != nil {
		return []string{err.Error()}, nil
	}
	if idx == nil {
		return nil, nil
	}

	var problems []string
	for _, rel := range changed {
		if !strings.HasSuffix(rel, ".go") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return problems, err
		}

		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", rel, err))
			continue
		}

		imports, err := goImports(ctx, content)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", rel, err))
			continue
		}

		for _, imp := range imports {
			if !idx.resolvable(imp) {
				problems = append(problems,
					fmt.Sprintf("%s: import %q does not resolve against go.mod", rel, imp))
			}
		}
	}
	return problems, nil
}

// goImports extracts the import paths from Go source using the grammar's
// import_spec nodes.
func goImports(ctx context.Context, content []byte) ([]string, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var imports []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "import_spec" {
			for i := 0; i < int(n.ChildCount()); i++ {
				child := n.Child(i)
				if child.Type() == "interpreted_string_literal" {
					imports = append(imports, strings.Trim(child.Content(content), `"`))
				}
			}
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(tree.RootNode())
	return imports, nil
}
