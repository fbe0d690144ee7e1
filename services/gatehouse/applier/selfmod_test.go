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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sourcegraph/go-diff/diff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

const greeterSource = "package main\n\nfunc greet() string { return \"hi\" }\n\nfunc main() {}\n"

func joinDiff(lines ...string) string {
	return strings.Join(append(lines, ""), "\n")
}

func selfModProposal(t *testing.T, target, patch string) *datatypes.Proposal {
	t.Helper()
	return proposalFor(t, datatypes.SelfModChange{
		TargetPath: target,
		Patch:      patch,
		Safe:       true,
	}, datatypes.LevelL4)
}

// TestApplySelfModPatchesSource verifies a unified diff lands on the
// target file, the result parses, and the pre-patch bytes are in the
// backup.
func TestApplySelfModPatchesSource(t *testing.T) {
	f := newApplierFixture(t, nil)
	f.write(t, "cmd/tool/main.go", greeterSource)

	patch := joinDiff(
		"--- a/cmd/tool/main.go",
		"+++ b/cmd/tool/main.go",
		"@@ -1,5 +1,5 @@",
		" package main",
		" ",
		`-func greet() string { return "hi" }`,
		`+func greet() string { return "hello" }`,
		" ",
		" func main() {}",
	)

	p := selfModProposal(t, "cmd/tool/main.go", patch)
	res, err := f.app.Apply(context.Background(), p)
	require.NoError(t, err)
	require.NotEmpty(t, res.BackupPath)

	want := "package main\n\nfunc greet() string { return \"hello\" }\n\nfunc main() {}\n"
	assert.Equal(t, want, f.read(t, "cmd/tool/main.go"))

	backed, err := os.ReadFile(filepath.Join(res.BackupPath, "files", "cmd", "tool", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, greeterSource, string(backed))
}

// TestApplySelfModSyntaxErrorRollsBack verifies a patch that breaks the
// file's syntax is rolled back and reported at the verify stage.
func TestApplySelfModSyntaxErrorRollsBack(t *testing.T) {
	f := newApplierFixture(t, nil)
	f.write(t, "cmd/tool/main.go", greeterSource)

	patch := joinDiff(
		"--- a/cmd/tool/main.go",
		"+++ b/cmd/tool/main.go",
		"@@ -3,1 +3,1 @@",
		`-func greet() string { return "hi" }`,
		"+func broken( {",
	)

	p := selfModProposal(t, "cmd/tool/main.go", patch)
	_, err := f.app.Apply(context.Background(), p)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, StageVerify, applyErr.Stage)
	assert.True(t, errors.Is(err, ErrSyntax))
	assert.Equal(t, greeterSource, f.read(t, "cmd/tool/main.go"))
}

// TestApplySelfModCreatesNewFile verifies a /dev/null-origin diff
// creates the file under the managed root.
func TestApplySelfModCreatesNewFile(t *testing.T) {
	f := newApplierFixture(t, nil)

	patch := joinDiff(
		"--- /dev/null",
		"+++ b/tools/helper.go",
		"@@ -0,0 +1,3 @@",
		"+package tools",
		"+",
		"+func Helper() int { return 1 }",
	)

	p := selfModProposal(t, "tools/helper.go", patch)
	_, err := f.app.Apply(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, "package tools\n\nfunc Helper() int { return 1 }", f.read(t, "tools/helper.go"))
}

// TestApplySelfModRollbackRemovesCreatedFile verifies rollback deletes
// a file the failed apply introduced rather than leaving a broken
// artifact behind.
func TestApplySelfModRollbackRemovesCreatedFile(t *testing.T) {
	f := newApplierFixture(t, nil)

	patch := joinDiff(
		"--- /dev/null",
		"+++ b/tools/broken.go",
		"@@ -0,0 +1,3 @@",
		"+package tools",
		"+",
		"+func Broken( {",
	)

	p := selfModProposal(t, "tools/broken.go", patch)
	_, err := f.app.Apply(context.Background(), p)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, StageVerify, applyErr.Stage)

	_, statErr := os.Stat(filepath.Join(f.root, "tools", "broken.go"))
	assert.True(t, os.IsNotExist(statErr))
}

// TestApplySelfModStaleDiffFails verifies a hunk whose removed line no
// longer matches the file fails instead of deleting the wrong line.
func TestApplySelfModStaleDiffFails(t *testing.T) {
	f := newApplierFixture(t, nil)
	f.write(t, "cmd/tool/main.go", greeterSource)

	patch := joinDiff(
		"--- a/cmd/tool/main.go",
		"+++ b/cmd/tool/main.go",
		"@@ -3,1 +3,1 @@",
		"-func gone() {}",
		"+func present() {}",
	)

	p := selfModProposal(t, "cmd/tool/main.go", patch)
	_, err := f.app.Apply(context.Background(), p)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, StageApply, applyErr.Stage)
	assert.Contains(t, applyErr.Error(), "no longer matches")
	assert.Equal(t, greeterSource, f.read(t, "cmd/tool/main.go"))
}

// TestApplySelfModTargetMismatchFails verifies the diff must name the
// file the proposal names.
func TestApplySelfModTargetMismatchFails(t *testing.T) {
	f := newApplierFixture(t, nil)
	f.write(t, "cmd/tool/main.go", greeterSource)

	patch := joinDiff(
		"--- a/cmd/tool/other.go",
		"+++ b/cmd/tool/other.go",
		"@@ -1,1 +1,1 @@",
		"-package main",
		"+package other",
	)

	p := selfModProposal(t, "cmd/tool/main.go", patch)
	_, err := f.app.Apply(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patch targets")
}

// TestApplySelfModRejectsDeletion verifies a deletion diff is refused.
func TestApplySelfModRejectsDeletion(t *testing.T) {
	f := newApplierFixture(t, nil)
	f.write(t, "cmd/tool/main.go", greeterSource)

	patch := joinDiff(
		"--- a/cmd/tool/main.go",
		"+++ /dev/null",
		"@@ -1,5 +0,0 @@",
		"-package main",
		"-",
		`-func greet() string { return "hi" }`,
		"-",
		"-func main() {}",
	)

	p := selfModProposal(t, "cmd/tool/main.go", patch)
	_, err := f.app.Apply(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deletion is not a supported self-modification")
	assert.Equal(t, greeterSource, f.read(t, "cmd/tool/main.go"))
}

// TestApplyFileDiffMultiHunk verifies hunks at different offsets apply
// at their own positions with the gap between them preserved.
func TestApplyFileDiffMultiHunk(t *testing.T) {
	original := "line one\nline two\nline three\nline four\nline five\nline six\nline seven\nline eight\n"

	patch := joinDiff(
		"--- a/list.txt",
		"+++ b/list.txt",
		"@@ -2,1 +2,1 @@",
		"-line two",
		"+line 2",
		"@@ -7,2 +7,2 @@",
		" line seven",
		"-line eight",
		"+line 8",
	)

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	require.NoError(t, err)
	require.Len(t, fileDiffs, 1)

	patched, err := applyFileDiff([]byte(original), fileDiffs[0])
	require.NoError(t, err)
	assert.Equal(t,
		"line one\nline 2\nline three\nline four\nline five\nline six\nline seven\nline 8\n",
		string(patched))
}

// TestApplyFileDiffHunkPastEnd verifies a hunk positioned past the end
// of the file is reported as stale.
func TestApplyFileDiffHunkPastEnd(t *testing.T) {
	patch := joinDiff(
		"--- a/list.txt",
		"+++ b/list.txt",
		"@@ -40,1 +40,1 @@",
		"-line forty",
		"+line 40",
	)

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	require.NoError(t, err)

	_, err = applyFileDiff([]byte("line one\nline two\n"), fileDiffs[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "past end of file")
}

// TestDetectLanguage verifies the extension mapping used to pick a
// grammar for post-patch verification.
func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"main.go":        "go",
		"agent.py":       "python",
		"types.pyi":      "python",
		"app.js":         "javascript",
		"widget.jsx":     "javascript",
		"handler.ts":     "typescript",
		"view.tsx":       "typescript",
		"notes.txt":      "",
		"Makefile":       "",
		"config.yaml":    "",
		"nested/main.GO": "go",
	}
	for path, want := range cases {
		assert.Equal(t, want, detectLanguage(path), "path %s", path)
	}
}
