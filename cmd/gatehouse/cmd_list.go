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
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/gatehouse/services/gatehouse"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/index"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	listStatuses []string // Lifecycle status filter
	listType     string   // Change type filter
)

// =============================================================================
// LIST COMMAND
// =============================================================================

// runList is the CLI handler for "gatehouse list".
//
// # Exit Codes
//
//   - 0: Listed (including an empty result)
//   - 2: Invalid filter or engine failure
func runList(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}

	filter, err := buildListFilter(listStatuses, listType)
	if err != nil {
		OutputError(out.JSON, "Invalid filter", err)
		os.Exit(CLIExitError)
	}

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	proposals, err := svc.List(ctx, filter)
	if err != nil {
		OutputError(out.JSON, "List failed", err)
		os.Exit(CLIExitError)
	}

	if !out.JSON {
		printProposalTable(proposals)
	}
	result := ProposalListResult{Proposals: proposals, Count: len(proposals)}
	os.Exit(OutputResult(out, "list", start, result, false, nil))
}

// buildListFilter validates the status and type flags into an index
// filter. Statuses accept repeated flags or comma-separated values.
func buildListFilter(statuses []string, typ string) (index.Filter, error) {
	var filter index.Filter
	for _, raw := range statuses {
		status, err := datatypes.ParseStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if typ != "" {
		parsed, err := datatypes.ParseChangeType(typ)
		if err != nil {
			return filter, err
		}
		filter.Type = parsed
	}
	return filter, nil
}

// printProposalTable renders proposals newest-first in aligned columns.
func printProposalTable(proposals []*datatypes.Proposal) {
	if len(proposals) == 0 {
		fmt.Println("No proposals match.")
		return
	}

	sorted := make([]*datatypes.Proposal, len(proposals))
	copy(sorted, proposals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ProposedAt.After(sorted[j].ProposedAt)
	})

	fmt.Println(paint(headingStyle, fmt.Sprintf("%-38s %-18s %-4s %-17s %-5s %s",
		"ID", "TYPE", "TIER", "STATUS", "AGE", "REASON")))
	for _, p := range sorted {
		fmt.Printf("%-38s %-18s %-4s %-17s %-5s %s\n",
			paint(idStyle, p.ID),
			p.Type,
			strings.ToUpper(string(p.Level)),
			statusPaint(p.Status),
			formatAge(p.ProposedAt),
			truncate(firstLineOf(p.Reason), 48))
	}
	fmt.Printf("\n%d proposal(s)\n", len(sorted))
}

// firstLineOf returns the text up to the first newline.
func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// =============================================================================
// STATUS COMMAND
// =============================================================================

// runStatus is the CLI handler for "gatehouse status".
//
// # Exit Codes
//
//   - 0: Healthy
//   - 1: One or more alerts raised
//   - 2: Engine failure
func runStatus(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	report, err := svc.Status(ctx)
	if err != nil {
		OutputError(out.JSON, "Status failed", err)
		os.Exit(CLIExitError)
	}

	if !out.JSON {
		printStatusReport(report)
	}
	os.Exit(OutputResult(out, "status", start, report, len(report.Alerts) > 0, nil))
}

// printStatusReport renders the operator snapshot.
func printStatusReport(report *gatehouse.StatusReport) {
	fmt.Println(paint(headingStyle, fmt.Sprintf("Gatehouse %s  (uptime %s)", report.Version, report.Uptime)))

	var pending []string
	for _, level := range datatypes.Levels() {
		if n := report.PendingByLevel[level]; n > 0 {
			pending = append(pending, fmt.Sprintf("%s=%d", strings.ToUpper(string(level)), n))
		}
	}
	if len(pending) == 0 {
		fmt.Println("Pending:        none")
	} else {
		fmt.Printf("Pending:        %s\n", strings.Join(pending, "  "))
	}

	breaker := report.Breaker
	if breaker == "CLOSED" {
		breaker = paint(okStyle, breaker)
	} else {
		breaker = paint(badStyle, breaker)
	}
	fmt.Printf("Sync:           queue=%d  dlq=%d  breaker=%s  processed=%d\n",
		report.QueueLength, report.DeadLetters, breaker, report.Worker.Processed)
	if report.Worker.LastError != "" {
		fmt.Printf("Last sync err:  %s\n", paint(warnStyle, report.Worker.LastError))
	}

	summary := report.MetricsSummary
	fmt.Printf("Last hour:      applies=%d (failed=%d, p99=%.2fs)  synced=%d  requeued=%d\n",
		summary.ApplyCount, summary.ApplyFailures, summary.ApplyP99Seconds,
		summary.SyncCount, summary.SyncRequeued)

	fmt.Printf("Activity:       %d audit event(s) in the last hour\n", report.RecentActivityCount)
	if report.PendingNotifications > 0 {
		fmt.Printf("Notifications:  %d spooled awaiting delivery\n", report.PendingNotifications)
	}

	if len(report.Alerts) > 0 {
		fmt.Println(paint(headingStyle, "Alerts:"))
		for _, alert := range report.Alerts {
			style := warnStyle
			if alert.Severity == "critical" {
				style = badStyle
			}
			fmt.Printf("  [%s] %s: %s\n", paint(style, alert.Severity), alert.Code, alert.Detail)
		}
	}
}
