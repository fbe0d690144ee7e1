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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	flagConfigPath string
	flagDataDir    string
	flagLogLevel   string
	flagJSON       bool
	flagNoColor    bool

	rootCmd = &cobra.Command{
		Use:   "gatehouse",
		Short: "A cli to manage the Gatehouse change-proposal workflow",
		Long: `Gatehouse routes configuration, skill, and code changes through a
				tiered approval workflow with a durable local queue, an audit
				trail, and a sync feed into the knowledge graph.`,
	}

	// --- Proposals ---
	proposeCmd = &cobra.Command{
		Use:   "propose",
		Short: "Submit a change proposal for tiered approval",
		Run:   runPropose, // Defined in cmd_propose.go
	}

	approveCmd = &cobra.Command{
		Use:   "approve [proposal-id]",
		Short: "Approve a parked proposal and apply its change",
		Args:  cobra.ExactArgs(1),
		Run:   runApprove, // Defined in cmd_decide.go
	}

	rejectCmd = &cobra.Command{
		Use:   "reject [proposal-id]",
		Short: "Reject a parked proposal with a reason",
		Args:  cobra.ExactArgs(1),
		Run:   runReject, // Defined in cmd_decide.go
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List proposals, optionally filtered by status or type",
		Run:   runList, // Defined in cmd_list.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show workflow health: pending tiers, queues, breaker, alerts",
		Run:   runStatus, // Defined in cmd_list.go
	}

	reviewCmd = &cobra.Command{
		Use:   "review",
		Short: "Review pending proposals interactively",
		Run:   runReview, // Defined in cmd_review.go
	}

	// --- Queue Administration ---
	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the durable queues",
	}
	queueInspectCmd = &cobra.Command{
		Use:   "inspect [topic]",
		Short: "List the messages currently parked on a queue topic",
		Args:  cobra.ExactArgs(1),
		Run:   runQueueInspect, // Defined in cmd_queue.go
	}
	queueRecoverCmd = &cobra.Command{
		Use:   "recover [topic]",
		Short: "Replay a topic's write-ahead log into its main log",
		Args:  cobra.ExactArgs(1),
		Run:   runQueueRecover, // Defined in cmd_queue.go
	}

	// --- Dead Letters ---
	dlqCmd = &cobra.Command{
		Use:   "dlq",
		Short: "Manage the sync dead letter queue",
	}
	dlqListCmd = &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered sync messages",
		Run:   runDLQList, // Defined in cmd_queue.go
	}
	dlqRequeueCmd = &cobra.Command{
		Use:   "requeue [enqueue-id]",
		Short: "Move a dead letter back onto the sync queue",
		Args:  cobra.MaximumNArgs(1),
		Run:   runDLQRequeue, // Defined in cmd_queue.go
	}
	dlqPurgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "DANGER: Permanently delete every dead letter",
		Run:   runDLQPurge, // Defined in cmd_queue.go
	}

	// --- Daemon ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the gatehouse daemon: REST API, sync worker, sweeps",
		Run:   runServe, // Defined in cmd_serve.go
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and create the data directory",
		Run:   runInit, // Defined in cmd_serve.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "",
		"Path to the config file (default ~/.gatehouse/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "",
		"Override the data directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"Surface engine logs at this level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false,
		"Output machine-readable JSON")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false,
		"Disable colored output")

	rootCmd.AddCommand(proposeCmd)
	proposeCmd.Flags().StringVarP(&proposeType, "type", "t", "",
		"Change type: config, new_skill, update, or self_modification")
	proposeCmd.Flags().StringVarP(&proposeFile, "file", "f", "",
		"Read the full proposal from a YAML or JSON file instead of flags")
	proposeCmd.Flags().StringVarP(&proposeReason, "reason", "r", "",
		"Why this change should happen (min 10 characters)")
	proposeCmd.Flags().Float64Var(&proposeImpact, "impact", 0,
		"Impact score in [0,1]; higher scores demand higher approval tiers")
	proposeCmd.Flags().StringVar(&proposeSource, "source", "cli",
		"Origin recorded on the proposal")
	proposeCmd.Flags().StringVar(&proposePath, "path", "",
		"Config file to patch, relative to the managed root (type config)")
	proposeCmd.Flags().StringArrayVar(&proposeSet, "set", nil,
		"key=value pair to set; repeatable (type config)")
	proposeCmd.Flags().StringVar(&proposeSkillName, "name", "",
		"Skill name (type new_skill)")
	proposeCmd.Flags().StringVar(&proposeDescription, "description", "",
		"Human description (types new_skill and self_modification)")
	proposeCmd.Flags().StringVar(&proposeSkillContent, "content", "",
		"Skill body (type new_skill)")
	proposeCmd.Flags().StringVar(&proposeSkillContentFile, "content-file", "",
		"Read the skill body from a file (type new_skill)")
	proposeCmd.Flags().StringSliceVar(&proposeSkillTags, "tags", nil,
		"Comma-separated skill tags (type new_skill)")
	proposeCmd.Flags().StringVar(&proposeTarget, "target", "",
		"File to edit, relative to the managed root (type update)")
	proposeCmd.Flags().StringVar(&proposeFind, "find", "",
		"Exact text to replace (type update)")
	proposeCmd.Flags().StringVar(&proposeReplace, "replace", "",
		"Replacement text (type update)")
	proposeCmd.Flags().StringVar(&proposeTargetPath, "target-path", "",
		"File to patch, relative to the managed root (type self_modification)")
	proposeCmd.Flags().StringVar(&proposePatchFile, "patch-file", "",
		"Unified diff to apply (type self_modification)")
	proposeCmd.Flags().BoolVar(&proposeSafe, "safe", false,
		"Assert the patch passed sandbox checks (type self_modification)")

	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().BoolVarP(&decideYes, "yes", "y", false,
		"Skip the confirmation prompt")
	approveCmd.Flags().StringVar(&decideActor, "actor", osUser(),
		"Reviewer recorded in the audit trail")

	rootCmd.AddCommand(rejectCmd)
	rejectCmd.Flags().BoolVarP(&decideYes, "yes", "y", false,
		"Skip the confirmation prompt")
	rejectCmd.Flags().StringVar(&decideActor, "actor", osUser(),
		"Reviewer recorded in the audit trail")
	rejectCmd.Flags().StringVarP(&decideReason, "reason", "r", "",
		"Why the proposal is rejected (required)")

	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringSliceVar(&listStatuses, "status", nil,
		"Filter by lifecycle status; repeatable or comma-separated")
	listCmd.Flags().StringVar(&listType, "type", "",
		"Filter by change type")

	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(reviewCmd)
	reviewCmd.Flags().StringVar(&reviewActor, "actor", osUser(),
		"Reviewer recorded in the audit trail")

	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueInspectCmd)
	queueCmd.AddCommand(queueRecoverCmd)

	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	dlqRequeueCmd.Flags().BoolVar(&dlqRequeueAll, "all", false,
		"Requeue every dead letter")
	dlqCmd.AddCommand(dlqPurgeCmd)
	dlqPurgeCmd.Flags().BoolVarP(&dlqPurgeYes, "yes", "y", false,
		"Skip the confirmation prompt")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"Listen address override (default from config, :8787)")

	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initPrintPath, "print-path", false,
		"Print the config path this CLI resolves and exit")
}
