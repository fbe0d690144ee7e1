// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

func reviewProposals(t *testing.T) []datatypes.Proposal {
	t.Helper()

	first, err := datatypes.NewProposal(datatypes.ConfigChange{
		Path: "app.yaml",
		Set:  map[string]any{"server.port": 9090},
	}, "raise the port for the edge rollout", 0.4)
	require.NoError(t, err)
	first.Level = datatypes.LevelL3
	first.Status = datatypes.StatusPendingApproval

	second, err := datatypes.NewProposal(datatypes.UpdateChange{
		Target: "skills/deploy.md",
		Replacements: []datatypes.Replacement{
			{Find: "kubectl apply", Replace: "kubectl apply --server-side"},
		},
	}, "switch deploys to server-side apply", 0.3)
	require.NoError(t, err)
	second.Level = datatypes.LevelL2
	second.Status = datatypes.StatusQueued

	third, err := datatypes.NewProposal(datatypes.SelfModChange{
		TargetPath: "prompts/system.txt",
		Patch:      "--- a/prompts/system.txt\n+++ b/prompts/system.txt\n@@ -1 +1 @@\n-old line\n+new line\n",
		Safe:       true,
	}, "tighten the system prompt wording", 0.8)
	require.NoError(t, err)
	third.Level = datatypes.LevelL4
	third.Status = datatypes.StatusPendingApproval

	return []datatypes.Proposal{*first, *second, *third}
}

func newReviewFixture(t *testing.T) ReviewModel {
	t.Helper()
	m := NewReviewModel(reviewProposals(t), DefaultReviewConfig())
	return press(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
}

func press(t *testing.T, m ReviewModel, msg tea.Msg) ReviewModel {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(ReviewModel)
	require.True(t, ok, "Update must return a ReviewModel")
	return out
}

func key(r rune) tea.Msg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func typeString(t *testing.T, m ReviewModel, s string) ReviewModel {
	t.Helper()
	for _, r := range s {
		m = press(t, m, key(r))
	}
	return m
}

// TestNewReviewModelStartsPending verifies every proposal begins
// undecided.
func TestNewReviewModelStartsPending(t *testing.T) {
	m := newReviewFixture(t)

	require.Len(t, m.decisions, 3)
	for _, d := range m.decisions {
		assert.Equal(t, ActionPending, d.Action)
	}
	assert.Equal(t, ViewDetail, m.viewMode)
	assert.Zero(t, m.current)
}

// TestApproveAdvances verifies y records the call and moves on.
func TestApproveAdvances(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('y'))

	assert.Equal(t, ActionApprove, m.decisions[m.proposals[0].ID].Action)
	assert.Equal(t, 1, m.current)
	assert.Equal(t, ViewDetail, m.viewMode)
}

// TestRejectPromptsForReason verifies n opens the reason input and the
// typed reason lands on the decision.
func TestRejectPromptsForReason(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('n'))
	require.True(t, m.showReason)

	m = typeString(t, m, "too risky")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	d := m.decisions[m.proposals[0].ID]
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "too risky", d.Reason)
	assert.False(t, m.showReason)
	assert.Equal(t, 1, m.current)
}

// TestRejectEmptyReasonGetsDefault verifies an empty reason is filled
// in rather than stored blank.
func TestRejectEmptyReasonGetsDefault(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('n'))
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	d := m.decisions[m.proposals[0].ID]
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "rejected in interactive review", d.Reason)
}

// TestReasonEscapeCancels verifies esc abandons the rejection.
func TestReasonEscapeCancels(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('n'))
	m = typeString(t, m, "half a thought")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEsc})

	assert.False(t, m.showReason)
	assert.Equal(t, ActionPending, m.decisions[m.proposals[0].ID].Action)
	assert.Zero(t, m.current, "cancelling must not advance")
}

// TestDecidingAllShowsSummary verifies the session lands on the
// summary once nothing is pending.
func TestDecidingAllShowsSummary(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('y'))
	m = press(t, m, key('s'))
	m = press(t, m, key('y'))

	assert.Equal(t, ViewSummary, m.viewMode)

	approved, rejected, skipped, pending := m.countDecisions()
	assert.Equal(t, 2, approved)
	assert.Zero(t, rejected)
	assert.Equal(t, 1, skipped)
	assert.Zero(t, pending)
}

// TestSummaryCommit verifies enter on the summary finishes the
// session.
func TestSummaryCommit(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('y'))
	m = press(t, m, key('y'))
	m = press(t, m, key('y'))
	require.Equal(t, ViewSummary, m.viewMode)

	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	assert.True(t, m.quitting)
	result := m.Result()
	assert.False(t, result.Cancelled)
	require.Len(t, result.Decisions, 3)
	for _, d := range result.Decisions {
		assert.Equal(t, ActionApprove, d.Action)
	}
}

// TestQuitCancels verifies q abandons the session without committing.
func TestQuitCancels(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('y'))
	m = press(t, m, key('q'))

	assert.True(t, m.quitting)
	result := m.Result()
	assert.True(t, result.Cancelled)
	assert.Equal(t, "review cancelled", result.CancelReason)
}

// TestApproveAllRequiresConfirmation verifies the typed-yes gate.
func TestApproveAllRequiresConfirmation(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('a'))
	require.True(t, m.showConfirm)

	// A wrong answer drops back to review with nothing approved.
	m = typeString(t, m, "no")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.False(t, m.showConfirm)
	assert.Equal(t, ActionPending, m.decisions[m.proposals[0].ID].Action)

	m = press(t, m, key('a'))
	m = typeString(t, m, "yes")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	assert.True(t, m.quitting)
	for _, d := range m.Result().Decisions {
		assert.Equal(t, ActionApprove, d.Action)
	}
}

// TestApproveAllSkipsDecided verifies approve-all leaves earlier calls
// alone.
func TestApproveAllSkipsDecided(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('n'))
	m = typeString(t, m, "not this one")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	m = press(t, m, key('a'))
	m = typeString(t, m, "yes")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	assert.Equal(t, ActionReject, m.decisions[m.proposals[0].ID].Action)
	assert.Equal(t, ActionApprove, m.decisions[m.proposals[1].ID].Action)
	assert.Equal(t, ActionApprove, m.decisions[m.proposals[2].ID].Action)
}

// TestNavigationBounds verifies arrow movement clamps at both ends.
func TestNavigationBounds(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('h'))
	assert.Zero(t, m.current, "cannot move before the first proposal")

	m = press(t, m, key('l'))
	assert.Equal(t, 1, m.current)

	m = press(t, m, key('l'))
	m = press(t, m, key('l'))
	assert.Equal(t, 2, m.current, "cannot move past the last proposal")
}

// TestHelpOverlay verifies the help screen opens and closes without
// quitting.
func TestHelpOverlay(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('?'))
	assert.True(t, m.showHelp)
	assert.Contains(t, m.View(), "Keys")

	m = press(t, m, key('q'))
	assert.False(t, m.showHelp)
	assert.False(t, m.quitting)
}

// TestViewEmpty verifies an empty review set renders a plain notice.
func TestViewEmpty(t *testing.T) {
	m := NewReviewModel(nil, DefaultReviewConfig())
	assert.Equal(t, "Nothing awaits review.\n", m.View())
}

// TestRenderPreviewVariants verifies each change type produces a
// readable preview.
func TestRenderPreviewVariants(t *testing.T) {
	m := newReviewFixture(t)

	config := m.renderPreview(m.proposals[0])
	assert.Contains(t, config, "config app.yaml")
	assert.Contains(t, config, "+ server.port = 9090")

	update := m.renderPreview(m.proposals[1])
	assert.Contains(t, update, "update skills/deploy.md")
	assert.Contains(t, update, "- kubectl apply")
	assert.Contains(t, update, "+ kubectl apply --server-side")

	selfmod := m.renderPreview(m.proposals[2])
	assert.Contains(t, selfmod, "self-modification prompts/system.txt")
	assert.Contains(t, selfmod, "-old line")
	assert.Contains(t, selfmod, "+new line")
}

// TestRenderPreviewSkill verifies skill content renders as additions.
func TestRenderPreviewSkill(t *testing.T) {
	p, err := datatypes.NewProposal(datatypes.NewSkillChange{
		Name:        "rotate-logs",
		Description: "rotate the service logs nightly",
		Content:     "step one\nstep two",
		Tags:        []string{"ops"},
	}, "install the log rotation skill", 0.2)
	require.NoError(t, err)

	m := NewReviewModel([]datatypes.Proposal{*p}, DefaultReviewConfig())
	preview := m.renderPreview(*p)

	assert.Contains(t, preview, "new skill rotate-logs")
	assert.Contains(t, preview, "+ step one")
	assert.Contains(t, preview, "+ step two")
	assert.Contains(t, preview, "tags: ops")
}

// TestRenderPreviewTruncates verifies long previews are capped.
func TestRenderPreviewTruncates(t *testing.T) {
	cfg := DefaultReviewConfig()
	cfg.PreviewLines = 5

	content := ""
	for i := 0; i < 50; i++ {
		content += "line\n"
	}
	p, err := datatypes.NewProposal(datatypes.NewSkillChange{
		Name:        "long-skill",
		Description: "a very long skill body",
		Content:     content,
	}, "install a deliberately long skill", 0.2)
	require.NoError(t, err)

	m := NewReviewModel([]datatypes.Proposal{*p}, cfg)
	preview := m.renderPreview(*p)

	assert.Contains(t, preview, "more lines)")
}

// TestSummaryListsReasons verifies rejection reasons surface on the
// summary screen.
func TestSummaryListsReasons(t *testing.T) {
	m := newReviewFixture(t)

	m = press(t, m, key('n'))
	m = typeString(t, m, "wrong port")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m = press(t, m, key('y'))
	m = press(t, m, key('y'))

	require.Equal(t, ViewSummary, m.viewMode)
	summary := m.renderSummary()
	assert.Contains(t, summary, "wrong port")
	assert.Contains(t, summary, "1 to reject")
	assert.Contains(t, summary, "2 to approve")
}
