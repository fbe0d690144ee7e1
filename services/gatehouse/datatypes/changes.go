// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Change Sum Type
// =============================================================================

// Change is the closed union of payload types a proposal can carry.
//
// The unexported marker method keeps the union closed to this package, so
// the approval state machine and the change applier can switch over the
// concrete types exhaustively. New variants require touching this file.
type Change interface {
	// ChangeType returns the enumeration value for this variant.
	ChangeType() ChangeType

	// Describe returns a one-line human summary for notifications and
	// review surfaces.
	Describe() string

	isChange()
}

// ConfigChange patches keys in a YAML configuration file.
//
// Keys use dotted paths ("runtime.workers.count"). Applying the same patch
// twice yields the same file, which makes retries safe.
type ConfigChange struct {
	// Path is the config file to patch, relative to the managed root.
	Path string `json:"path" validate:"required,max=512"`

	// Set maps dotted key paths to their new values.
	Set map[string]any `json:"set" validate:"required,min=1,max=64"`
}

func (c ConfigChange) ChangeType() ChangeType { return TypeConfig }
func (c ConfigChange) isChange()              {}

func (c ConfigChange) Describe() string {
	keys := make([]string, 0, len(c.Set))
	for k := range c.Set {
		keys = append(keys, k)
	}
	return fmt.Sprintf("config %s: set %s", c.Path, strings.Join(keys, ", "))
}

// NewSkillChange installs a skill descriptor under the skills directory.
type NewSkillChange struct {
	// Name becomes the descriptor filename; validated against the skill
	// naming rules (length, markup, known-garbage patterns).
	Name string `json:"name" validate:"required,skillname"`

	Description string   `json:"description" validate:"required,min=10,max=2048"`
	Content     string   `json:"content" validate:"required,max=262144"`
	Tags        []string `json:"tags,omitempty" validate:"max=16,dive,min=1,max=64"`
}

func (c NewSkillChange) ChangeType() ChangeType { return TypeNewSkill }
func (c NewSkillChange) isChange()              {}

func (c NewSkillChange) Describe() string {
	return fmt.Sprintf("new skill %q: %s", c.Name, firstLine(c.Description))
}

// UpdateChange applies literal find/replace edits to one target file.
type UpdateChange struct {
	// Target is the file to edit, relative to the managed root.
	Target string `json:"target" validate:"required,max=512"`

	Replacements []Replacement `json:"replacements" validate:"required,min=1,max=32,dive"`
}

// Replacement is one literal substitution. Replace may be empty (deletion).
type Replacement struct {
	Find    string `json:"find" validate:"required"`
	Replace string `json:"replace"`
}

func (c UpdateChange) ChangeType() ChangeType { return TypeUpdate }
func (c UpdateChange) isChange()              {}

func (c UpdateChange) Describe() string {
	return fmt.Sprintf("update %s (%d replacement(s))", c.Target, len(c.Replacements))
}

// SelfModChange patches the system's own source as a unified diff.
//
// Safe must be explicitly true; unmarked self-modifications are rejected at
// creation time regardless of their content.
type SelfModChange struct {
	// TargetPath is the file the patch applies to, relative to the managed
	// root. It must match the paths inside the diff.
	TargetPath string `json:"targetPath" validate:"required,max=512"`

	// Patch is a unified diff. It is parsed (not trusted) at validation
	// time and re-verified for syntax after apply.
	Patch string `json:"patch" validate:"required,max=262144"`

	Description string `json:"description,omitempty" validate:"max=2048"`
	Safe        bool   `json:"safe"`
}

func (c SelfModChange) ChangeType() ChangeType { return TypeSelfModification }
func (c SelfModChange) isChange()              {}

func (c SelfModChange) Describe() string {
	return fmt.Sprintf("self-modification of %s: %s", c.TargetPath, firstLine(c.Description))
}

// =============================================================================
// Decoding
// =============================================================================

// DecodeChange rebuilds the typed change from a stored payload.
//
// # Inputs
//
//   - typ: the change type recorded on the proposal
//   - payload: the raw JSON payload
//
// # Outputs
//
//   - Change: the concrete variant
//   - error: non-nil for unknown types or malformed payloads
func DecodeChange(typ ChangeType, payload json.RawMessage) (Change, error) {
	var (
		change Change
		err    error
	)
	switch typ {
	case TypeConfig:
		var c ConfigChange
		err = json.Unmarshal(payload, &c)
		change = c
	case TypeNewSkill:
		var c NewSkillChange
		err = json.Unmarshal(payload, &c)
		change = c
	case TypeUpdate:
		var c UpdateChange
		err = json.Unmarshal(payload, &c)
		change = c
	case TypeSelfModification:
		var c SelfModChange
		err = json.Unmarshal(payload, &c)
		change = c
	default:
		return nil, fmt.Errorf("cannot decode payload of unknown type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", typ, err)
	}
	return change, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "(no description)"
	}
	return s
}
