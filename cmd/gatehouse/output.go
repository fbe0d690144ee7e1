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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Operation completed with findings (rejection, alerts)
	CLIExitError    = 2 // Operation failed
)

// OutputConfig controls output behavior.
type OutputConfig struct {
	JSON    bool // Output as JSON
	Compact bool // No indentation
	Quiet   bool // No output, exit code only
}

// CommandResult wraps command output with metadata.
type CommandResult struct {
	APIVersion string      `json:"api_version"`
	Command    string      `json:"command"`
	Timestamp  time.Time   `json:"timestamp"`
	DurationMs int64       `json:"duration_ms"`
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// OutputJSON writes structured data as JSON to stdout.
func OutputJSON(data interface{}, compact bool) error {
	encoder := json.NewEncoder(os.Stdout)
	if !compact {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// OutputError writes an error in the appropriate format.
//
// # Inputs
//
//   - jsonMode: If true, output as JSON to stdout.
//   - msg: Human-readable error message.
//   - err: The underlying error.
func OutputError(jsonMode bool, msg string, err error) {
	if jsonMode {
		result := CommandResult{
			APIVersion: "1.0",
			Timestamp:  time.Now(),
			Success:    false,
			Error:      fmt.Sprintf("%s: %v", msg, err),
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		encoder.Encode(result)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	}
}

// OutputResult handles the JSON and quiet output paths and maps the
// outcome onto an exit code. Text rendering stays with the caller.
//
// # Outputs
//
//   - int: The exit code to use.
func OutputResult(cfg OutputConfig, cmd string, start time.Time, data interface{}, hasFindings bool, err error) int {
	if cfg.Quiet {
		if err != nil {
			return CLIExitError
		}
		if hasFindings {
			return CLIExitFindings
		}
		return CLIExitSuccess
	}

	if err != nil {
		OutputError(cfg.JSON, "Command failed", err)
		return CLIExitError
	}

	if cfg.JSON {
		result := CommandResult{
			APIVersion: "1.0",
			Command:    cmd,
			Timestamp:  time.Now(),
			DurationMs: time.Since(start).Milliseconds(),
			Success:    true,
			Data:       data,
		}
		if encErr := OutputJSON(result, cfg.Compact); encErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", encErr)
			return CLIExitError
		}
	}

	if hasFindings {
		return CLIExitFindings
	}
	return CLIExitSuccess
}

// =============================================================================
// Result payloads
// =============================================================================

// ProposalListResult holds proposal list output.
type ProposalListResult struct {
	Proposals []*datatypes.Proposal `json:"proposals"`
	Count     int                   `json:"count"`
}

// DecisionResult holds propose/approve/reject output.
type DecisionResult struct {
	ProposalID string `json:"proposal_id"`
	Type       string `json:"type,omitempty"`
	Level      string `json:"level,omitempty"`
	Status     string `json:"status"`
	Approved   bool   `json:"approved"`
	Detail     string `json:"detail,omitempty"`
}

// DLQListResult holds dead letter list output.
type DLQListResult struct {
	Entries []datatypes.DeadLetterEntry `json:"entries"`
	Count   int                         `json:"count"`
}

// QueueInspectResult holds queue inspect output.
type QueueInspectResult struct {
	Topic    string                   `json:"topic"`
	Length   int                      `json:"length"`
	Messages []datatypes.QueueMessage `json:"messages"`
}

// ReviewSummaryResult holds review session output.
type ReviewSummaryResult struct {
	Approved int      `json:"approved"`
	Rejected int      `json:"rejected"`
	Skipped  int      `json:"skipped"`
	Failures []string `json:"failures,omitempty"`
}

// =============================================================================
// Terminal styling
// =============================================================================

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
)

// colorEnabled reports whether styled output should be emitted. Color
// is dropped when stdout is not a terminal (piped/redirected) or the
// operator asked for plain output.
func colorEnabled() bool {
	if flagNoColor {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// paint renders s through style when color is enabled, otherwise
// returns it untouched.
func paint(style lipgloss.Style, s string) string {
	if !colorEnabled() {
		return s
	}
	return style.Render(s)
}

// statusPaint picks the style conventionally attached to a proposal
// lifecycle status.
func statusPaint(status datatypes.Status) string {
	s := string(status)
	switch status {
	case datatypes.StatusApplied, datatypes.StatusApproved:
		return paint(okStyle, s)
	case datatypes.StatusQueued, datatypes.StatusPending, datatypes.StatusPendingApproval:
		return paint(warnStyle, s)
	case datatypes.StatusRejected, datatypes.StatusFailed, datatypes.StatusTimeout:
		return paint(badStyle, s)
	default:
		return s
	}
}

// formatAge renders the elapsed time since t compactly ("3m", "2h",
// "5d"). Sub-minute ages round to seconds.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t)
	switch {
	case age < 0:
		return "0s"
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}

// truncate shortens s to max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	if max <= 3 {
		max = 3
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
