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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseChangeType verifies the enumeration is closed.
func TestParseChangeType(t *testing.T) {
	for _, raw := range []string{"config", "new_skill", "update", "self_modification"} {
		typ, err := ParseChangeType(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, ChangeType(raw), typ)
	}

	_, err := ParseChangeType("delete_everything")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

// TestNewProposal verifies creation stamps, payload round-trip, and that
// ids are unique and time-ordered.
func TestNewProposal(t *testing.T) {
	change := ConfigChange{Path: "agent.yaml", Set: map[string]any{"workers.count": 4}}

	p, err := NewProposal(change, "raise worker count for the nightly batch", 0.1)
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, TypeConfig, p.Type)
	assert.Equal(t, StatusPending, p.Status)
	assert.False(t, p.ProposedAt.IsZero())
	assert.Nil(t, p.AppliedAt)

	decoded, err := p.Change()
	require.NoError(t, err)
	cc, ok := decoded.(ConfigChange)
	require.True(t, ok)
	assert.Equal(t, "agent.yaml", cc.Path)

	p2, err := NewProposal(change, "raise worker count for the nightly batch", 0.1)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, p2.ID)
	// UUIDv7 ids sort by creation time.
	assert.Less(t, p.ID, p2.ID)
}

// TestMarkTerminal verifies terminal transitions stamp exactly one
// timestamp and cannot reopen a finished proposal.
func TestMarkTerminal(t *testing.T) {
	now := time.Now()

	t.Run("approved stamps approvedAt", func(t *testing.T) {
		p := &Proposal{Status: StatusPendingApproval}
		require.True(t, p.MarkTerminal(StatusApproved, now))
		assert.Equal(t, StatusApproved, p.Status)
		require.NotNil(t, p.ApprovedAt)
		assert.Nil(t, p.RejectedAt)
		assert.Nil(t, p.TimeoutAt)
	})

	t.Run("terminal status is final", func(t *testing.T) {
		p := &Proposal{Status: StatusRejected}
		assert.False(t, p.MarkTerminal(StatusApproved, now))
		assert.Equal(t, StatusRejected, p.Status)
	})

	t.Run("timeout stamps timeoutAt", func(t *testing.T) {
		p := &Proposal{Status: StatusQueued}
		require.True(t, p.MarkTerminal(StatusTimeout, now))
		require.NotNil(t, p.TimeoutAt)
		assert.Nil(t, p.ApprovedAt)
	})
}

// TestStatusPredicates verifies the terminal/actionable split.
func TestStatusPredicates(t *testing.T) {
	terminal := []Status{StatusApplied, StatusApproved, StatusRejected, StatusFailed, StatusTimeout}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActionable(), s)
	}

	actionable := []Status{StatusPending, StatusQueued, StatusPendingApproval}
	for _, s := range actionable {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.IsActionable(), s)
	}
}

// TestDecodeChange verifies every variant decodes to its concrete type and
// unknown types are refused.
func TestDecodeChange(t *testing.T) {
	cases := []struct {
		typ     ChangeType
		payload string
	}{
		{TypeConfig, `{"path":"a.yaml","set":{"k":"v"}}`},
		{TypeNewSkill, `{"name":"summarize-logs","description":"condenses session logs","content":"..."}`},
		{TypeUpdate, `{"target":"prompts/system.txt","replacements":[{"find":"old","replace":"new"}]}`},
		{TypeSelfModification, `{"targetPath":"agent/loop.py","patch":"--- a\n+++ b\n","safe":true}`},
	}

	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			change, err := DecodeChange(tc.typ, []byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.typ, change.ChangeType())
			assert.NotEmpty(t, change.Describe())
		})
	}

	_, err := DecodeChange("bogus", []byte(`{}`))
	require.Error(t, err)
}
