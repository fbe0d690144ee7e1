// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"math"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// Impact score boundaries for config changes.
const (
	configAutoApplyBelow = 0.30
	configBatchBelow     = 0.70
)

// DetermineLevel maps a change type and impact score to a review tier.
//
// # Description
//
// The mapping is pure and total: config changes scale with their impact
// score (auto-apply below 0.30, batch review below 0.70, decision
// review at or above), new skills go to batch review, updates need a
// decision, and self-modifications always take the blocking tier.
// Anything unrecognized fails toward caution at L3, never toward silent
// auto-apply.
//
// # Inputs
//
//   - typ: the proposal's change type
//   - impactScore: caller-estimated blast radius, clamped to [0, 1]
//
// # Outputs
//
//   - datatypes.Level: the assigned tier
func DetermineLevel(typ datatypes.ChangeType, impactScore float64) datatypes.Level {
	impactScore = ClampImpact(impactScore)

	switch typ {
	case datatypes.TypeConfig:
		switch {
		case impactScore < configAutoApplyBelow:
			return datatypes.LevelL1
		case impactScore < configBatchBelow:
			return datatypes.LevelL2
		default:
			return datatypes.LevelL3
		}
	case datatypes.TypeNewSkill:
		return datatypes.LevelL2
	case datatypes.TypeUpdate:
		return datatypes.LevelL3
	case datatypes.TypeSelfModification:
		return datatypes.LevelL4
	default:
		return datatypes.LevelL3
	}
}

// ClampImpact bounds an impact estimate to [0, 1]. Anything that is not
// a sensible number (NaN, negative junk, overshoot) saturates to 1 so a
// garbled estimate escalates review instead of relaxing it.
func ClampImpact(score float64) float64 {
	if math.IsNaN(score) || score > 1 {
		return 1
	}
	if score < 0 {
		return 1
	}
	return score
}
