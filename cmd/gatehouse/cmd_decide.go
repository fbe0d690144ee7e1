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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/gatehouse/services/gatehouse"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	decideYes    bool   // Skip confirmation
	decideActor  string // Reviewer attribution
	decideReason string // Rejection reason
)

// =============================================================================
// APPROVE COMMAND
// =============================================================================

// runApprove is the CLI handler for "gatehouse approve <id>".
//
// Shows the proposal and asks for confirmation unless --yes, then
// applies the change through the engine. Approving releases any
// blocked submitter waiting on the decision.
//
// # Exit Codes
//
//   - 0: Approved and applied (or aborted at the prompt)
//   - 2: Unknown id, already decided, or apply failure
func runApprove(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}
	id := args[0]

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	if !decideYes {
		if aborted := promptForDecision(ctx, svc, id, "Approve", out); aborted {
			return
		}
	}

	p, err := svc.Approve(ctx, id, decideActor)
	if err != nil {
		OutputError(out.JSON, "Approve failed", err)
		os.Exit(CLIExitError)
	}
	if p == nil {
		OutputError(out.JSON, "Approve failed", fmt.Errorf("no proposal with id %s", id))
		os.Exit(CLIExitError)
	}

	result := DecisionResult{
		ProposalID: p.ID,
		Type:       string(p.Type),
		Level:      string(p.Level),
		Status:     string(p.Status),
		Approved:   true,
	}
	if !out.JSON {
		printDecision(p)
	}
	os.Exit(OutputResult(out, "approve", start, result, false, nil))
}

// =============================================================================
// REJECT COMMAND
// =============================================================================

// runReject is the CLI handler for "gatehouse reject <id> --reason".
//
// # Exit Codes
//
//   - 0: Rejected (or aborted at the prompt)
//   - 2: Missing reason, unknown id, or already decided
func runReject(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}
	id := args[0]

	if decideReason == "" {
		OutputError(out.JSON, "Reject failed", fmt.Errorf("--reason is required"))
		os.Exit(CLIExitError)
	}

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	if !decideYes {
		if aborted := promptForDecision(ctx, svc, id, "Reject", out); aborted {
			return
		}
	}

	p, err := svc.Reject(ctx, id, decideReason, decideActor)
	if err != nil {
		OutputError(out.JSON, "Reject failed", err)
		os.Exit(CLIExitError)
	}
	if p == nil {
		OutputError(out.JSON, "Reject failed", fmt.Errorf("no proposal with id %s", id))
		os.Exit(CLIExitError)
	}

	result := DecisionResult{
		ProposalID: p.ID,
		Type:       string(p.Type),
		Level:      string(p.Level),
		Status:     string(p.Status),
		Approved:   false,
		Detail:     p.RejectReason,
	}
	if !out.JSON {
		printDecision(p)
	}
	os.Exit(OutputResult(out, "reject", start, result, false, nil))
}

// promptForDecision fetches the proposal, shows it, and confirms the
// verb with the operator. Returns true when the operator backed out;
// exits the process on lookup or terminal failures.
func promptForDecision(ctx context.Context, svc *gatehouse.Service, id, verb string, out OutputConfig) bool {
	p, err := svc.Get(ctx, id)
	if err != nil {
		OutputError(out.JSON, "Lookup failed", err)
		os.Exit(CLIExitError)
	}
	if p == nil {
		OutputError(out.JSON, "Lookup failed", fmt.Errorf("no proposal with id %s", id))
		os.Exit(CLIExitError)
	}

	confirmed, err := confirmDecision(
		fmt.Sprintf("%s proposal %s?", verb, p.ID),
		describeProposal(p),
	)
	if err != nil {
		OutputError(out.JSON, "Confirmation failed", err)
		os.Exit(CLIExitError)
	}
	if !confirmed {
		fmt.Println("Aborted; proposal left untouched.")
		return true
	}
	return false
}
