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
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// applyConfig patches dotted key paths into the YAML file the change
// names. Setting the same values twice yields the same file, so retried
// config proposals converge.
//
// The file must already exist: a missing config file is a wrong Path,
// not something to paper over by creating one.
func (a *Applier) applyConfig(c datatypes.ConfigChange) error {
	abs, err := a.resolvePath(c.Path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", c.Path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config %s: %w", c.Path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	// Sorted key order keeps multi-key conflicts deterministic.
	keys := make([]string, 0, len(c.Set))
	for k := range c.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := setDottedPath(doc, key, normalizeValue(c.Set[key])); err != nil {
			return fmt.Errorf("config %s: %w", c.Path, err)
		}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config %s: %w", c.Path, err)
	}
	return writeFileAtomic(abs, out, fileModeOf(abs, 0o644))
}

// setDottedPath walks nested mappings for "a.b.c", creating levels that
// are absent, and sets the leaf. A non-mapping on the walk is a
// conflict, not license to clobber it.
func setDottedPath(doc map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("key path %q has an empty segment", path)
		}
	}

	cur := doc
	for i, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok || next == nil {
			child := map[string]any{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("key %s is %T, not a mapping", strings.Join(parts[:i+1], "."), next)
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// normalizeValue undoes JSON transport's number widening: payloads
// travel as JSON, so whole numbers arrive as float64 and would emit as
// floats. Config files want 9090, not 9090.0.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
	case map[string]any:
		for k, vv := range x {
			x[k] = normalizeValue(vv)
		}
	case []any:
		for i, vv := range x {
			x[i] = normalizeValue(vv)
		}
	}
	return v
}
