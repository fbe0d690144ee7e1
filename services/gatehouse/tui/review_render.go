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
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// =============================================================================
// Header / Footer
// =============================================================================

func (m ReviewModel) renderHeader() string {
	approved, rejected, skipped, pending := m.countDecisions()

	title := titleStyle.Render("Gatehouse Review")
	stats := statsStyle.Render(fmt.Sprintf(
		"  %d pending · %d approved · %d rejected · %d skipped",
		pending, approved, rejected, skipped))

	position := ""
	if m.viewMode == ViewDetail && len(m.proposals) > 0 {
		position = statsStyle.Render(fmt.Sprintf("  [%d/%d]", m.current+1, len(m.proposals)))
	}

	return title + stats + position
}

func (m ReviewModel) renderFooter() string {
	if m.viewMode == ViewSummary {
		return helpKeyStyle.Render("enter") + helpDescStyle.Render(" commit  ") +
			helpKeyStyle.Render("←") + helpDescStyle.Render(" back  ") +
			helpKeyStyle.Render("q") + helpDescStyle.Render(" cancel")
	}

	hints := []struct{ key, desc string }{
		{"y", "approve"}, {"n", "reject"}, {"s", "skip"}, {"a", "all"},
		{"tab", "summary"}, {"?", "help"}, {"q", "quit"},
	}
	var b strings.Builder
	for i, h := range hints {
		if i > 0 {
			b.WriteString(helpDescStyle.Render("  "))
		}
		b.WriteString(helpKeyStyle.Render(h.key))
		b.WriteString(helpDescStyle.Render(" " + h.desc))
	}

	if m.current < len(m.proposals) {
		if d := m.decisions[m.proposals[m.current].ID]; d.Action.IsTerminal() {
			b.WriteString("   ")
			b.WriteString(decisionBadge(d.Action))
		}
	}

	return b.String()
}

func (m ReviewModel) countDecisions() (approved, rejected, skipped, pending int) {
	for _, d := range m.decisions {
		switch d.Action {
		case ActionApprove:
			approved++
		case ActionReject:
			rejected++
		case ActionSkip:
			skipped++
		default:
			pending++
		}
	}
	return approved, rejected, skipped, pending
}

// =============================================================================
// Detail View
// =============================================================================

func (m ReviewModel) renderDetail() string {
	if m.current >= len(m.proposals) {
		return ""
	}
	p := m.proposals[m.current]

	var b strings.Builder

	b.WriteString(fieldStyle.Render("ID        "))
	b.WriteString(p.ID)
	b.WriteString("\n")

	b.WriteString(fieldStyle.Render("Type      "))
	b.WriteString(string(p.Type))
	b.WriteString("   ")
	b.WriteString(levelBadge(p.Level))
	b.WriteString(statsStyle.Render(fmt.Sprintf("   impact %.2f", p.ImpactScore)))
	b.WriteString("\n")

	b.WriteString(fieldStyle.Render("Status    "))
	b.WriteString(string(p.Status))
	b.WriteString("\n")

	b.WriteString(fieldStyle.Render("Proposed  "))
	b.WriteString(p.ProposedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	b.WriteString("\n")

	b.WriteString(fieldStyle.Render("Reason    "))
	b.WriteString(rationaleStyle.Render(p.Reason))
	b.WriteString("\n\n")

	b.WriteString(m.renderPreview(p))

	return b.String()
}

// renderPreview renders the decoded change as a pseudo-diff. The old
// file contents are not available here, so config and skill changes
// show only the incoming side.
func (m ReviewModel) renderPreview(p datatypes.Proposal) string {
	change, err := datatypes.DecodeChange(p.Type, p.Payload)
	if err != nil {
		return removedStyle.Render("payload undecodable: " + err.Error())
	}

	var lines []string
	switch c := change.(type) {
	case datatypes.ConfigChange:
		lines = append(lines, hunkHeaderStyle.Render("config "+c.Path))
		keys := make([]string, 0, len(c.Set))
		for k := range c.Set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, addedStyle.Render(fmt.Sprintf("+ %s = %v", k, c.Set[k])))
		}

	case datatypes.NewSkillChange:
		lines = append(lines, hunkHeaderStyle.Render("new skill "+c.Name))
		lines = append(lines, rationaleStyle.Render(c.Description))
		if len(c.Tags) > 0 {
			lines = append(lines, statsStyle.Render("tags: "+strings.Join(c.Tags, ", ")))
		}
		lines = append(lines, "")
		for _, l := range strings.Split(c.Content, "\n") {
			lines = append(lines, addedStyle.Render("+ "+l))
		}

	case datatypes.UpdateChange:
		lines = append(lines, hunkHeaderStyle.Render("update "+c.Target))
		for i, r := range c.Replacements {
			if i > 0 {
				lines = append(lines, "")
			}
			for _, l := range strings.Split(r.Find, "\n") {
				lines = append(lines, removedStyle.Render("- "+l))
			}
			if r.Replace == "" {
				lines = append(lines, statsStyle.Render("  (deleted)"))
				continue
			}
			for _, l := range strings.Split(r.Replace, "\n") {
				lines = append(lines, addedStyle.Render("+ "+l))
			}
		}

	case datatypes.SelfModChange:
		lines = append(lines, hunkHeaderStyle.Render("self-modification "+c.TargetPath))
		if c.Description != "" {
			lines = append(lines, rationaleStyle.Render(c.Description))
		}
		lines = append(lines, "")
		lines = append(lines, colorizePatch(c.Patch)...)
	}

	if len(lines) > m.config.PreviewLines {
		omitted := len(lines) - m.config.PreviewLines
		lines = lines[:m.config.PreviewLines]
		lines = append(lines, statsStyle.Render(fmt.Sprintf("… (%d more lines)", omitted)))
	}

	return strings.Join(lines, "\n")
}

// colorizePatch styles unified diff lines by prefix.
func colorizePatch(patch string) []string {
	var out []string
	for _, l := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"), strings.HasPrefix(l, "@@"):
			out = append(out, hunkHeaderStyle.Render(l))
		case strings.HasPrefix(l, "+"):
			out = append(out, addedStyle.Render(l))
		case strings.HasPrefix(l, "-"):
			out = append(out, removedStyle.Render(l))
		default:
			out = append(out, contextStyle.Render(l))
		}
	}
	return out
}

// =============================================================================
// Summary View
// =============================================================================

func (m ReviewModel) renderSummary() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Review Summary"))
	b.WriteString("\n\n")

	for _, p := range m.proposals {
		d := m.decisions[p.ID]
		b.WriteString(decisionBadge(d.Action))
		b.WriteString("  ")
		b.WriteString(shortID(p.ID))
		b.WriteString("  ")
		b.WriteString(levelBadge(p.Level))
		b.WriteString("  ")
		b.WriteString(describeProposal(p))
		if d.Action == ActionReject && d.Reason != "" {
			b.WriteString("\n")
			b.WriteString(rationaleStyle.Render("        reason: " + d.Reason))
		}
		b.WriteString("\n")
	}

	approved, rejected, skipped, pending := m.countDecisions()
	b.WriteString("\n")
	b.WriteString(statsStyle.Render(fmt.Sprintf(
		"%d to approve, %d to reject, %d skipped, %d undecided",
		approved, rejected, skipped, pending)))
	b.WriteString("\n\n")
	b.WriteString(helpDescStyle.Render("enter commits the approvals and rejections; skipped proposals stay pending."))

	return b.String()
}

func describeProposal(p datatypes.Proposal) string {
	change, err := datatypes.DecodeChange(p.Type, p.Payload)
	if err != nil {
		return string(p.Type)
	}
	return change.Describe()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// =============================================================================
// Overlays
// =============================================================================

func (m ReviewModel) renderHelp() string {
	rows := []struct{ key, desc string }{
		{"y", "approve the current proposal"},
		{"n", "reject (prompts for a reason)"},
		{"s", "skip; leave pending for a later session"},
		{"a", "approve all remaining"},
		{"←/→ h/l", "previous / next proposal"},
		{"j/k", "scroll the preview"},
		{"ctrl+d/u", "scroll half a page"},
		{"g/G", "jump to top / bottom"},
		{"tab", "toggle the summary"},
		{"enter", "commit (on the summary screen)"},
		{"q", "cancel without committing"},
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Keys"))
	b.WriteString("\n\n")
	for _, r := range rows {
		b.WriteString(helpKeyStyle.Render(fmt.Sprintf("  %-10s", r.key)))
		b.WriteString(helpDescStyle.Render(r.desc))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpDescStyle.Render("press q or ? to close"))
	return b.String()
}

func (m ReviewModel) renderConfirm() string {
	_, _, _, pending := m.countDecisions()
	return fmt.Sprintf("%s\n\n%s%s\n\n%s",
		titleStyle.Render(fmt.Sprintf("Approve all %d remaining proposals?", pending)),
		helpDescStyle.Render("type 'yes' to confirm: "),
		m.confirmInput,
		helpDescStyle.Render("esc cancels"))
}

func (m ReviewModel) renderReasonInput() string {
	id := ""
	if m.current < len(m.proposals) {
		id = shortID(m.proposals[m.current].ID)
	}
	return fmt.Sprintf("%s\n\n%s%s▏\n\n%s",
		titleStyle.Render("Reject "+id),
		helpDescStyle.Render("reason: "),
		m.reasonInput,
		helpDescStyle.Render("enter commits, esc cancels"))
}

// =============================================================================
// Badges / Styles
// =============================================================================

func decisionBadge(a Action) string {
	switch a {
	case ActionApprove:
		return approvedBadge.Render("approve")
	case ActionReject:
		return rejectedBadge.Render("reject")
	case ActionSkip:
		return skippedBadge.Render("skip")
	default:
		return pendingBadge.Render("pending")
	}
}

func levelBadge(l datatypes.Level) string {
	switch l {
	case datatypes.LevelL1:
		return levelL1Style.Render("L1")
	case datatypes.LevelL2:
		return levelL2Style.Render("L2")
	case datatypes.LevelL3:
		return levelL3Style.Render("L3")
	default:
		return levelL4Style.Render(string(l))
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	fieldStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	addedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	removedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	contextStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	hunkHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")).
			Bold(true)

	rationaleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	approvedBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Background(lipgloss.Color("22")).
			Padding(0, 1)

	rejectedBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Background(lipgloss.Color("52")).
			Padding(0, 1)

	skippedBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Background(lipgloss.Color("58")).
			Padding(0, 1)

	pendingBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Background(lipgloss.Color("238")).
			Padding(0, 1)

	levelL1Style = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	levelL2Style = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")).
			Bold(true)

	levelL3Style = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	levelL4Style = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)
