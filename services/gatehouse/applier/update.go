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
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// applyUpdate performs the change's literal substitutions on its
// target. All replacements are computed in memory and written once, so
// a failing replacement leaves the file untouched.
//
// A replacement whose find text is gone but whose replacement text is
// already present counts as applied. That keeps a retried proposal
// convergent instead of failing on its own earlier success.
func (a *Applier) applyUpdate(c datatypes.UpdateChange) error {
	abs, err := a.resolvePath(c.Target)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("reading update target %s: %w", c.Target, err)
	}

	content := string(data)
	for i, r := range c.Replacements {
		if !strings.Contains(content, r.Find) {
			if r.Replace != "" && strings.Contains(content, r.Replace) {
				continue
			}
			return fmt.Errorf("replacement %d: text %q not found in %s",
				i+1, truncateForError(r.Find), c.Target)
		}
		content = strings.ReplaceAll(content, r.Find, r.Replace)
	}

	return writeFileAtomic(abs, []byte(content), fileModeOf(abs, 0o644))
}

// truncateForError keeps long find strings from flooding error text.
func truncateForError(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
