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
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	dlqRequeueAll bool // Requeue every dead letter
	dlqPurgeYes   bool // Skip purge confirmation
)

// =============================================================================
// QUEUE INSPECT COMMAND
// =============================================================================

// runQueueInspect is the CLI handler for "gatehouse queue inspect <topic>".
//
// Topics: review, sync-out, sync-dlq.
//
// # Exit Codes
//
//   - 0: Inspected (including an empty topic)
//   - 2: Unknown topic or engine failure
func runQueueInspect(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}
	topic := args[0]

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	q, err := svc.Queue(topic)
	if err != nil {
		OutputError(out.JSON, "Inspect failed", err)
		os.Exit(CLIExitError)
	}
	messages, err := q.List(ctx)
	if err != nil {
		OutputError(out.JSON, "Inspect failed", err)
		os.Exit(CLIExitError)
	}

	if !out.JSON {
		if len(messages) == 0 {
			fmt.Printf("Topic %s is empty.\n", topic)
		} else {
			fmt.Println(paint(headingStyle, fmt.Sprintf("%-38s %-8s %-6s %s",
				"ENQUEUE ID", "SEQ", "AGE", "BYTES")))
			for _, msg := range messages {
				fmt.Printf("%-38s %-8d %-6s %d\n",
					paint(idStyle, msg.EnqueueID), msg.Sequence,
					formatAge(msg.EnqueuedAt), len(msg.Payload))
			}
			fmt.Printf("\n%d message(s) on %s\n", len(messages), topic)
		}
	}
	result := QueueInspectResult{Topic: topic, Length: len(messages), Messages: messages}
	os.Exit(OutputResult(out, "queue inspect", start, result, false, nil))
}

// =============================================================================
// QUEUE RECOVER COMMAND
// =============================================================================

// runQueueRecover is the CLI handler for "gatehouse queue recover <topic>".
//
// Replays the topic's write-ahead log into the main log under the
// topic lease, re-sorting by sequence so recovered order matches
// enqueue order. Safe to run on a healthy topic; it is a no-op.
//
// # Exit Codes
//
//   - 0: Recovery ran
//   - 2: Unknown topic or recovery failure
func runQueueRecover(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}
	topic := args[0]

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	q, err := svc.Queue(topic)
	if err != nil {
		OutputError(out.JSON, "Recover failed", err)
		os.Exit(CLIExitError)
	}
	report, err := q.Recover(ctx)
	if err != nil {
		OutputError(out.JSON, "Recover failed", err)
		os.Exit(CLIExitError)
	}

	if !out.JSON {
		fmt.Printf("Recovered %s: %d WAL entries seen, %d merged, %d malformed dropped, sequence at %d\n",
			topic, report.WALEntries, report.Merged, report.MalformedDropped, report.MaxSequence)
	}
	os.Exit(OutputResult(out, "queue recover", start, report, false, nil))
}

// =============================================================================
// DLQ COMMANDS
// =============================================================================

// runDLQList is the CLI handler for "gatehouse dlq list".
//
// # Exit Codes
//
//   - 0: Listed and empty
//   - 1: Listed with a backlog (scripts can alert on it)
//   - 2: Engine failure
func runDLQList(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	entries, err := svc.ListDeadLetters(ctx)
	if err != nil {
		OutputError(out.JSON, "DLQ list failed", err)
		os.Exit(CLIExitError)
	}

	if !out.JSON {
		if len(entries) == 0 {
			fmt.Println("Dead letter queue is empty.")
		} else {
			fmt.Println(paint(headingStyle, fmt.Sprintf("%-38s %-6s %-8s %s",
				"ENQUEUE ID", "AGE", "RETRIES", "LAST ERROR")))
			for _, entry := range entries {
				fmt.Printf("%-38s %-6s %-8d %s\n",
					paint(idStyle, entry.Message.EnqueueID),
					formatAge(entry.MovedAt),
					entry.RetryCount,
					truncate(entry.Error, 60))
			}
			fmt.Printf("\n%d dead letter(s). Requeue with: gatehouse dlq requeue <enqueue-id>\n", len(entries))
		}
	}
	result := DLQListResult{Entries: entries, Count: len(entries)}
	os.Exit(OutputResult(out, "dlq list", start, result, len(entries) > 0, nil))
}

// runDLQRequeue is the CLI handler for "gatehouse dlq requeue".
//
// Takes one enqueue id, or --all for the whole backlog. Requeued
// messages go back onto the sync topic with fresh envelopes and full
// retry budgets.
//
// # Exit Codes
//
//   - 0: Requeued
//   - 2: Missing argument, unknown id, or engine failure
func runDLQRequeue(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}

	if dlqRequeueAll == (len(args) == 1) {
		OutputError(out.JSON, "Requeue failed", fmt.Errorf("pass exactly one enqueue id, or --all"))
		os.Exit(CLIExitError)
	}

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	if dlqRequeueAll {
		moved, err := svc.RequeueAllDeadLetters(ctx)
		if err != nil {
			OutputError(out.JSON, "Requeue failed", err)
			os.Exit(CLIExitError)
		}
		if !out.JSON {
			fmt.Printf("Requeued %d dead letter(s) for sync.\n", moved)
		}
		os.Exit(OutputResult(out, "dlq requeue", start,
			map[string]any{"requeued": moved}, false, nil))
	}

	enqueueID := args[0]
	if err := svc.RequeueDeadLetter(ctx, enqueueID); err != nil {
		OutputError(out.JSON, "Requeue failed", err)
		os.Exit(CLIExitError)
	}
	if !out.JSON {
		fmt.Printf("Requeued %s for sync.\n", enqueueID)
	}
	os.Exit(OutputResult(out, "dlq requeue", start,
		map[string]any{"enqueue_id": enqueueID, "requeued": true}, false, nil))
}

// runDLQPurge is the CLI handler for "gatehouse dlq purge".
//
// Purged entries are unrecoverable, so the command confirms unless
// --yes.
//
// # Exit Codes
//
//   - 0: Purged (or aborted at the prompt)
//   - 2: Engine failure
func runDLQPurge(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	if !dlqPurgeYes {
		backlog, err := svc.ListDeadLetters(ctx)
		if err != nil {
			OutputError(out.JSON, "Purge failed", err)
			os.Exit(CLIExitError)
		}
		if len(backlog) == 0 {
			fmt.Println("Dead letter queue is already empty.")
			return
		}
		confirmed, err := confirmDecision(
			fmt.Sprintf("Permanently delete %d dead letter(s)?", len(backlog)),
			"Purged messages cannot be requeued or recovered.")
		if err != nil {
			OutputError(out.JSON, "Confirmation failed", err)
			os.Exit(CLIExitError)
		}
		if !confirmed {
			fmt.Println("Aborted; dead letters left in place.")
			return
		}
	}

	purged, err := svc.PurgeDeadLetters(ctx)
	if err != nil {
		OutputError(out.JSON, "Purge failed", err)
		os.Exit(CLIExitError)
	}
	if !out.JSON {
		fmt.Printf("Purged %d dead letter(s).\n", purged)
	}
	os.Exit(OutputResult(out, "dlq purge", start,
		map[string]any{"purged": purged}, false, nil))
}
