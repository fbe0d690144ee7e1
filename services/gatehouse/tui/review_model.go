// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui provides the interactive proposal review terminal UI.
//
// # Description
//
// This package implements the review session using bubbletea. A
// reviewer walks the pending proposals one by one, inspects the change
// preview, and approves, rejects, or skips each. The session ends on a
// summary screen; the caller commits the collected decisions through
// the engine afterwards.
//
// # Thread Safety
//
// TUI components are designed for single-threaded use within the
// bubbletea event loop. Do not access model state from multiple
// goroutines.
package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// =============================================================================
// View Mode
// =============================================================================

// ViewMode determines what the main pane shows.
type ViewMode int

const (
	// ViewDetail shows one proposal with its change preview.
	ViewDetail ViewMode = iota

	// ViewSummary shows the collected decisions before commit.
	ViewSummary
)

// =============================================================================
// Decisions
// =============================================================================

// Action is the reviewer's call on one proposal.
type Action int

const (
	// ActionPending means no decision yet.
	ActionPending Action = iota

	// ActionApprove marks the proposal for approval.
	ActionApprove

	// ActionReject marks the proposal for rejection.
	ActionReject

	// ActionSkip leaves the proposal untouched for a later session.
	ActionSkip
)

// IsTerminal reports whether the reviewer is done with the proposal.
func (a Action) IsTerminal() bool { return a != ActionPending }

func (a Action) String() string {
	switch a {
	case ActionApprove:
		return "approve"
	case ActionReject:
		return "reject"
	case ActionSkip:
		return "skip"
	default:
		return "pending"
	}
}

// Decision records the reviewer's call on one proposal.
type Decision struct {
	// ProposalID identifies the proposal.
	ProposalID string

	// Action is the reviewer's call.
	Action Action

	// Reason carries the rejection reason when Action is ActionReject.
	Reason string
}

// Result is the outcome of a review session.
type Result struct {
	// Decisions maps proposal id to the reviewer's call.
	Decisions map[string]*Decision

	// Cancelled is set when the reviewer quit without committing.
	Cancelled bool

	// CancelReason explains the cancellation.
	CancelReason string
}

// =============================================================================
// Messages
// =============================================================================

// DoneMsg signals the review session is complete.
type DoneMsg struct {
	Result *Result
}

// =============================================================================
// Config
// =============================================================================

// ReviewConfig configures the review TUI.
type ReviewConfig struct {
	// ConfirmApproveAll requires typing "yes" for Approve All (safety).
	ConfirmApproveAll bool

	// PreviewLines caps the change preview length per proposal.
	PreviewLines int

	// Width overrides terminal width (0 = auto-detect).
	Width int

	// Height overrides terminal height (0 = auto-detect).
	Height int
}

// DefaultReviewConfig returns sensible defaults.
func DefaultReviewConfig() ReviewConfig {
	return ReviewConfig{
		ConfirmApproveAll: true,
		PreviewLines:      200,
	}
}

// =============================================================================
// Model
// =============================================================================

// ReviewModel is the bubbletea model for the interactive review
// session.
//
// # Description
//
// Manages navigation over the pending proposals, the per-proposal
// decisions, and rendering. The zero decision for every proposal is
// ActionPending; the session moves to the summary once every proposal
// has a terminal decision or the reviewer jumps there with tab.
type ReviewModel struct {
	config ReviewConfig

	// Proposals under review, in intake order.
	proposals []datatypes.Proposal

	// Navigation state
	current  int
	viewMode ViewMode

	// Viewport for scrolling the preview pane.
	viewport viewport.Model

	// Terminal dimensions
	width  int
	height int

	// Reviewer decisions keyed by proposal id.
	decisions map[string]*Decision

	// State flags
	ready        bool
	confirmInput string
	showConfirm  bool
	reasonInput  string
	showReason   bool
	showHelp     bool
	quitting     bool

	result *Result
}

// NewReviewModel creates a review model over the given proposals.
//
// # Inputs
//
//   - proposals: The pending proposals to review, in intake order.
//   - config: Configuration options.
//
// # Outputs
//
//   - ReviewModel: Ready-to-use model for tea.NewProgram.
func NewReviewModel(proposals []datatypes.Proposal, config ReviewConfig) ReviewModel {
	if config.PreviewLines <= 0 {
		config.PreviewLines = 200
	}
	decisions := make(map[string]*Decision, len(proposals))
	for _, p := range proposals {
		decisions[p.ID] = &Decision{ProposalID: p.ID, Action: ActionPending}
	}

	return ReviewModel{
		config:    config,
		proposals: proposals,
		decisions: decisions,
		viewMode:  ViewDetail,
		result:    &Result{},
	}
}

// Init implements tea.Model.
func (m ReviewModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m ReviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 3
		footerHeight := 3
		viewportHeight := m.height - headerHeight - footerHeight

		if !m.ready {
			m.viewport = viewport.New(m.width, viewportHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = viewportHeight
		}

		m.updateViewportContent()

	case tea.KeyMsg:
		// Dedicated input modes swallow every key.
		if m.showConfirm {
			return m.handleConfirmInput(msg)
		}
		if m.showReason {
			return m.handleReasonInput(msg)
		}

		if m.showHelp {
			if msg.String() == "q" || msg.String() == "?" || msg.String() == "esc" {
				m.showHelp = false
			}
			return m, nil
		}

		switch msg.String() {
		case "y", "Y":
			if m.viewMode == ViewDetail {
				m.approveCurrent()
				return m.advance()
			}

		case "n", "N":
			if m.viewMode == ViewDetail && m.current < len(m.proposals) {
				m.showReason = true
				m.reasonInput = ""
			}

		case "s", "S":
			if m.viewMode == ViewDetail {
				m.skipCurrent()
				return m.advance()
			}

		case "?":
			m.showHelp = true

		case "a", "A":
			if m.config.ConfirmApproveAll {
				m.showConfirm = true
				m.confirmInput = ""
			} else {
				m.approveAllRemaining()
				return m.finish()
			}

		case "q", "Q", "ctrl+c":
			m.result.Cancelled = true
			m.result.CancelReason = "review cancelled"
			m.quitting = true
			return m, tea.Quit

		case "left", "h":
			return m.prev()

		case "right", "l":
			return m.next()

		case "j", "down":
			m.viewport.LineDown(1)

		case "k", "up":
			m.viewport.LineUp(1)

		case "ctrl+d":
			m.viewport.HalfViewDown()

		case "ctrl+u":
			m.viewport.HalfViewUp()

		case "g", "home":
			m.viewport.GotoTop()

		case "G", "end":
			m.viewport.GotoBottom()

		case "tab":
			m.toggleViewMode()
			m.updateViewportContent()

		case "enter":
			if m.viewMode == ViewSummary {
				return m.finish()
			}
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// View implements tea.Model.
func (m ReviewModel) View() string {
	if m.quitting {
		if m.result.Cancelled {
			return "Review cancelled.\n"
		}
		return "Review committed.\n"
	}

	if len(m.proposals) == 0 {
		return "Nothing awaits review.\n"
	}

	if !m.ready {
		return "Loading...\n"
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch {
	case m.showHelp:
		b.WriteString(m.renderHelp())
	case m.showConfirm:
		b.WriteString(m.renderConfirm())
	case m.showReason:
		b.WriteString(m.renderReasonInput())
	default:
		b.WriteString(m.viewport.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

// =============================================================================
// Navigation
// =============================================================================

func (m *ReviewModel) advance() (ReviewModel, tea.Cmd) {
	// Find the next proposal still awaiting a call.
	for i := m.current + 1; i < len(m.proposals); i++ {
		if !m.decisions[m.proposals[i].ID].Action.IsTerminal() {
			m.current = i
			m.updateViewportContent()
			return *m, nil
		}
	}

	// Nothing pending past this point: show the summary.
	m.viewMode = ViewSummary
	m.updateViewportContent()
	return *m, nil
}

func (m *ReviewModel) prev() (ReviewModel, tea.Cmd) {
	if m.viewMode == ViewSummary {
		m.viewMode = ViewDetail
		m.updateViewportContent()
		return *m, nil
	}
	if m.current > 0 {
		m.current--
		m.updateViewportContent()
	}
	return *m, nil
}

func (m *ReviewModel) next() (ReviewModel, tea.Cmd) {
	if m.current < len(m.proposals)-1 {
		m.current++
		m.updateViewportContent()
	}
	return *m, nil
}

func (m *ReviewModel) toggleViewMode() {
	if m.viewMode == ViewDetail {
		m.viewMode = ViewSummary
	} else {
		m.viewMode = ViewDetail
	}
}

// =============================================================================
// Actions
// =============================================================================

func (m *ReviewModel) approveCurrent() {
	if m.current >= len(m.proposals) {
		return
	}
	d := m.decisions[m.proposals[m.current].ID]
	d.Action = ActionApprove
	d.Reason = ""
}

func (m *ReviewModel) rejectCurrent(reason string) {
	if m.current >= len(m.proposals) {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected in interactive review"
	}
	d := m.decisions[m.proposals[m.current].ID]
	d.Action = ActionReject
	d.Reason = reason
}

func (m *ReviewModel) skipCurrent() {
	if m.current >= len(m.proposals) {
		return
	}
	d := m.decisions[m.proposals[m.current].ID]
	d.Action = ActionSkip
	d.Reason = ""
}

func (m *ReviewModel) approveAllRemaining() {
	for _, p := range m.proposals {
		if d := m.decisions[p.ID]; !d.Action.IsTerminal() {
			d.Action = ActionApprove
		}
	}
}

func (m ReviewModel) finish() (ReviewModel, tea.Cmd) {
	m.result.Decisions = m.decisions
	m.quitting = true

	return m, tea.Sequence(
		func() tea.Msg { return DoneMsg{Result: m.result} },
		tea.Quit,
	)
}

// =============================================================================
// Input Modes
// =============================================================================

func (m ReviewModel) handleConfirmInput(msg tea.KeyMsg) (ReviewModel, tea.Cmd) {
	switch msg.String() {
	case "enter":
		if strings.ToLower(m.confirmInput) == "yes" {
			m.showConfirm = false
			m.approveAllRemaining()
			return m.finish()
		}
		m.showConfirm = false
		m.confirmInput = ""

	case "esc":
		m.showConfirm = false
		m.confirmInput = ""

	case "backspace":
		if len(m.confirmInput) > 0 {
			m.confirmInput = m.confirmInput[:len(m.confirmInput)-1]
		}

	default:
		if len(msg.String()) == 1 {
			m.confirmInput += msg.String()
		}
	}

	return m, nil
}

func (m ReviewModel) handleReasonInput(msg tea.KeyMsg) (ReviewModel, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.showReason = false
		m.rejectCurrent(m.reasonInput)
		m.reasonInput = ""
		return m.advance()

	case "esc":
		m.showReason = false
		m.reasonInput = ""

	case "backspace":
		if len(m.reasonInput) > 0 {
			m.reasonInput = m.reasonInput[:len(m.reasonInput)-1]
		}

	default:
		if len(msg.String()) == 1 {
			m.reasonInput += msg.String()
		}
	}

	return m, nil
}

// =============================================================================
// Viewport Content
// =============================================================================

func (m *ReviewModel) updateViewportContent() {
	if !m.ready {
		return
	}

	var content string
	switch m.viewMode {
	case ViewDetail:
		content = m.renderDetail()
	case ViewSummary:
		content = m.renderSummary()
	}

	m.viewport.SetContent(content)
}

// =============================================================================
// Result Access
// =============================================================================

// Result returns the session result after the TUI exits.
//
// # Description
//
// Returns the decisions collected so far. The caller commits approvals
// and rejections through the engine; skipped and pending proposals are
// left untouched.
func (m ReviewModel) Result() *Result {
	m.result.Decisions = m.decisions
	return m.result
}
