// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package applier

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// verifySyntax parses content with the grammar for lang and reports the
// first syntax error as ErrSyntax. Parsers are created per call; shared
// tree-sitter parsers are not safe across goroutines.
func verifySyntax(ctx context.Context, path string, content []byte, lang string) error {
	grammar := grammarFor(lang)
	if grammar == nil {
		return nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !hasSyntaxError(root) {
		return nil
	}

	line := 0
	if errNode := findFirstError(root); errNode != nil {
		line = int(errNode.StartPoint().Row) + 1
	}
	return fmt.Errorf("patched %s line %d: %w", path, line, ErrSyntax)
}

func grammarFor(lang string) *sitter.Language {
	switch lang {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// hasSyntaxError checks if the AST has syntax errors.
func hasSyntaxError(node *sitter.Node) bool {
	if node == nil {
		return false
	}
	if node.IsError() || node.IsMissing() {
		return true
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if hasSyntaxError(node.Child(int(i))) {
			return true
		}
	}
	return false
}

// findFirstError finds the first error node in the AST.
func findFirstError(node *sitter.Node) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if err := findFirstError(node.Child(int(i))); err != nil {
			return err
		}
	}
	return nil
}

// detectLanguage maps a file extension to the grammar name, or "" for
// files nothing here can parse.
func detectLanguage(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx", ".mts", ".cts":
		return "typescript"
	default:
		return ""
	}
}
