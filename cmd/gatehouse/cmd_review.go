// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/gatehouse/services/gatehouse"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/index"
	"github.com/AleutianAI/gatehouse/services/gatehouse/tui"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var reviewActor string // Reviewer attribution

// fallbackRejectReason covers reviewers who rejected without typing
// one; rejections always carry a reason in the audit trail.
const fallbackRejectReason = "rejected during interactive review"

// =============================================================================
// REVIEW COMMAND
// =============================================================================

// runReview is the CLI handler for "gatehouse review".
//
// Walks the pending proposals in a full-screen session. Decisions are
// collected locally and committed through the engine only when the
// reviewer finishes from the summary screen, so quitting mid-session
// changes nothing.
//
// # Exit Codes
//
//   - 0: Session committed (or nothing pending, or cancelled)
//   - 1: One or more commits failed
//   - 2: No terminal, or engine failure
func runReview(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}

	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		OutputError(out.JSON, "Review failed", fmt.Errorf("review needs an interactive terminal"))
		os.Exit(CLIExitError)
	}

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	pending, err := svc.List(ctx, index.Filter{
		Statuses: []datatypes.Status{datatypes.StatusQueued, datatypes.StatusPendingApproval},
	})
	if err != nil {
		OutputError(out.JSON, "List failed", err)
		os.Exit(CLIExitError)
	}
	if len(pending) == 0 {
		fmt.Println("Nothing pending review.")
		return
	}

	proposals := make([]datatypes.Proposal, 0, len(pending))
	for _, p := range pending {
		proposals = append(proposals, *p)
	}

	model := tui.NewReviewModel(proposals, tui.DefaultReviewConfig())
	program := tea.NewProgram(model, tea.WithAltScreen())
	finalModel, err := program.Run()
	if err != nil {
		OutputError(out.JSON, "Review session failed", err)
		os.Exit(CLIExitError)
	}

	reviewed, ok := finalModel.(tui.ReviewModel)
	if !ok {
		OutputError(out.JSON, "Review session failed", fmt.Errorf("unexpected model type %T", finalModel))
		os.Exit(CLIExitError)
	}
	result := reviewed.Result()
	if result == nil || result.Cancelled {
		fmt.Println("Review cancelled; no decisions committed.")
		return
	}

	summary := commitReviewDecisions(ctx, svc, proposals, result)
	if !out.JSON {
		printReviewSummary(summary)
	}
	os.Exit(OutputResult(out, "review", start, summary, len(summary.Failures) > 0, nil))
}

// commitReviewDecisions applies the session's calls through the engine
// in the order the proposals were shown. Failures do not stop the
// remaining commits; each is reported.
func commitReviewDecisions(ctx context.Context, svc *gatehouse.Service, proposals []datatypes.Proposal, result *tui.Result) ReviewSummaryResult {
	var summary ReviewSummaryResult
	for _, p := range proposals {
		decision, found := result.Decisions[p.ID]
		if !found || decision.Action == tui.ActionPending || decision.Action == tui.ActionSkip {
			summary.Skipped++
			continue
		}

		switch decision.Action {
		case tui.ActionApprove:
			updated, err := svc.Approve(ctx, p.ID, reviewActor)
			if err != nil {
				summary.Failures = append(summary.Failures, fmt.Sprintf("%s: %v", p.ID, err))
				continue
			}
			if updated == nil {
				summary.Failures = append(summary.Failures, fmt.Sprintf("%s: no longer exists", p.ID))
				continue
			}
			summary.Approved++

		case tui.ActionReject:
			reason := decision.Reason
			if reason == "" {
				reason = fallbackRejectReason
			}
			updated, err := svc.Reject(ctx, p.ID, reason, reviewActor)
			if err != nil {
				summary.Failures = append(summary.Failures, fmt.Sprintf("%s: %v", p.ID, err))
				continue
			}
			if updated == nil {
				summary.Failures = append(summary.Failures, fmt.Sprintf("%s: no longer exists", p.ID))
				continue
			}
			summary.Rejected++
		}
	}
	return summary
}

// printReviewSummary renders the committed session.
func printReviewSummary(summary ReviewSummaryResult) {
	fmt.Printf("Review committed: %s approved, %s rejected, %d skipped\n",
		paint(okStyle, fmt.Sprintf("%d", summary.Approved)),
		paint(badStyle, fmt.Sprintf("%d", summary.Rejected)),
		summary.Skipped)
	for _, failure := range summary.Failures {
		fmt.Printf("  %s %s\n", paint(badStyle, "failed:"), failure)
	}
}
