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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// skillDescriptor is the YAML frontmatter of an installed skill file.
// It carries no timestamps so re-installing the same skill produces
// byte-identical output.
type skillDescriptor struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags,omitempty"`
}

// applySkill writes the skill descriptor under the skills directory as
// a markdown file with YAML frontmatter. Overwriting an existing file
// is intentional: the proposal that reaches this point has already been
// approved as the new definition.
func (a *Applier) applySkill(c datatypes.NewSkillChange) error {
	rel := filepath.Join(a.config.SkillsDir, c.Name+".md")
	abs, err := a.resolvePath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating skills dir: %w", err)
	}

	front, err := yaml.Marshal(skillDescriptor{
		Name:        c.Name,
		Description: c.Description,
		Tags:        c.Tags,
	})
	if err != nil {
		return fmt.Errorf("encoding skill %s: %w", c.Name, err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimRight(c.Content, "\n"))
	buf.WriteByte('\n')

	return writeFileAtomic(abs, buf.Bytes(), 0o644)
}
