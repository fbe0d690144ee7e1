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
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// applySelfMod patches the named source file with the change's unified
// diff and re-parses the result before keeping it.
//
// The patched bytes are written first and verified on disk; a syntax
// failure surfaces as ErrSyntax so the caller's backup restore undoes
// the write. Self-modifications always run at L4, so a backup is
// guaranteed to exist by the time this runs.
func (a *Applier) applySelfMod(ctx context.Context, c datatypes.SelfModChange) error {
	abs, err := a.resolvePath(c.TargetPath)
	if err != nil {
		return err
	}

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(c.Patch)).ReadAllFiles()
	if err != nil {
		return fmt.Errorf("parsing patch: %w", err)
	}
	if len(fileDiffs) != 1 {
		return fmt.Errorf("patch touches %d files, self-modifications are single-file", len(fileDiffs))
	}
	fd := fileDiffs[0]

	want := filepath.ToSlash(filepath.Clean(strings.TrimSpace(c.TargetPath)))
	if got := diffTarget(fd); got != want {
		return fmt.Errorf("patch targets %q, proposal names %q", got, want)
	}
	if fd.NewName == "/dev/null" {
		return fmt.Errorf("patch deletes %s; deletion is not a supported self-modification", want)
	}

	var original []byte
	if _, err := os.Stat(abs); err == nil {
		original, err = os.ReadFile(abs)
		if err != nil {
			return fmt.Errorf("reading %s: %w", c.TargetPath, err)
		}
	}

	patched, err := applyFileDiff(original, fd)
	if err != nil {
		return fmt.Errorf("applying patch to %s: %w", c.TargetPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating parent dir for %s: %w", c.TargetPath, err)
	}
	if err := writeFileAtomic(abs, patched, fileModeOf(abs, 0o644)); err != nil {
		return err
	}

	if lang := detectLanguage(abs); lang != "" {
		if err := verifySyntax(ctx, c.TargetPath, patched, lang); err != nil {
			return err
		}
	}
	return nil
}

// diffTarget extracts the file the diff applies to, preferring the new
// name and stripping the a/ b/ prefixes git emits.
func diffTarget(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}

// applyFileDiff reconstructs the post-patch content. Hunks are applied
// at their original line offsets; a removed line that no longer matches
// the file marks the patch as stale and fails the apply rather than
// deleting the wrong line.
func applyFileDiff(original []byte, fd *diff.FileDiff) ([]byte, error) {
	if fd.NewName == "/dev/null" {
		// File deletion.
		return nil, nil
	}

	if fd.OrigName == "/dev/null" || len(original) == 0 {
		// New file: the content is the added lines.
		var lines []string
		for _, hunk := range fd.Hunks {
			for _, line := range hunkLines(hunk) {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					lines = append(lines, strings.TrimPrefix(line, "+"))
				}
			}
		}
		return []byte(strings.Join(lines, "\n")), nil
	}

	origLines := strings.Split(string(original), "\n")
	newLines := make([]string, 0, len(origLines))

	origIdx := 0
	for _, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunkStart > len(origLines) {
			return nil, fmt.Errorf("hunk at line %d starts past end of file (%d lines)",
				hunk.OrigStartLine, len(origLines))
		}

		// Copy lines before this hunk.
		for origIdx < hunkStart && origIdx < len(origLines) {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		for _, line := range hunkLines(hunk) {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				newLines = append(newLines, strings.TrimPrefix(line, "+"))
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				removed := strings.TrimPrefix(line, "-")
				if origIdx >= len(origLines) || origLines[origIdx] != removed {
					return nil, fmt.Errorf("hunk at line %d no longer matches the file at line %d",
						hunk.OrigStartLine, origIdx+1)
				}
				origIdx++
			case strings.HasPrefix(line, " ") || line == "":
				// Context line. Some emitters write empty context lines
				// with no leading space.
				if origIdx < len(origLines) {
					newLines = append(newLines, origLines[origIdx])
					origIdx++
				}
			}
		}
	}

	// Copy remaining lines.
	for origIdx < len(origLines) {
		newLines = append(newLines, origLines[origIdx])
		origIdx++
	}

	return []byte(strings.Join(newLines, "\n")), nil
}

// hunkLines splits a hunk body into prefixed lines, dropping only the
// trailing artifact of the body's final newline so genuine empty
// context lines survive.
func hunkLines(hunk *diff.Hunk) []string {
	body := strings.TrimSuffix(string(hunk.Body), "\n")
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}
