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
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// TestOutputResultExitCodes verifies the exit code mapping across all
// quiet/error/findings combinations.
func TestOutputResultExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		cfg      OutputConfig
		findings bool
		err      error
		want     int
	}{
		{"clean", OutputConfig{Quiet: true}, false, nil, CLIExitSuccess},
		{"findings", OutputConfig{Quiet: true}, true, nil, CLIExitFindings},
		{"error", OutputConfig{Quiet: true}, false, errors.New("boom"), CLIExitError},
		{"error beats findings", OutputConfig{Quiet: true}, true, errors.New("boom"), CLIExitError},
		{"json clean", OutputConfig{JSON: true}, false, nil, CLIExitSuccess},
		{"json findings", OutputConfig{JSON: true}, true, nil, CLIExitFindings},
		{"json error", OutputConfig{JSON: true}, false, errors.New("boom"), CLIExitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OutputResult(tt.cfg, "test", time.Now(), nil, tt.findings, tt.err)
			if got != tt.want {
				t.Errorf("OutputResult() = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestCommandResultJSON verifies CommandResult serializes correctly.
func TestCommandResultJSON(t *testing.T) {
	result := CommandResult{
		APIVersion: "1.0",
		Command:    "status",
		Timestamp:  time.Now().UTC(),
		DurationMs: 42,
		Success:    true,
		Data:       map[string]any{"queue": 3},
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Failed to marshal CommandResult: %v", err)
	}

	var decoded CommandResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal CommandResult: %v", err)
	}

	if decoded.Command != result.Command {
		t.Errorf("Command = %s, want %s", decoded.Command, result.Command)
	}
	if decoded.DurationMs != result.DurationMs {
		t.Errorf("DurationMs = %d, want %d", decoded.DurationMs, result.DurationMs)
	}
	if !decoded.Success {
		t.Error("Success not preserved")
	}
}

// TestFormatAge verifies the compact age rendering at each magnitude.
func TestFormatAge(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero time", time.Time{}, "-"},
		{"seconds", now.Add(-30 * time.Second), "30s"},
		{"minutes", now.Add(-5 * time.Minute), "5m"},
		{"hours", now.Add(-3 * time.Hour), "3h"},
		{"days", now.Add(-49 * time.Hour), "2d"},
		{"future", now.Add(time.Minute), "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatAge(tt.t); got != tt.want {
				t.Errorf("formatAge() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestTruncate verifies truncation keeps short strings intact and
// marks cut ones.
func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("exactly-ten", 11); got != "exactly-ten" {
		t.Errorf("truncate at boundary = %q", got)
	}
	got := truncate("a much longer reason that will not fit", 12)
	if len([]rune(got)) != 12 {
		t.Errorf("truncated length = %d, want 12", len([]rune(got)))
	}
	if got[len(got)-3:] != "..." {
		t.Errorf("truncated string missing ellipsis: %q", got)
	}
}

// TestStatusPaintPlainWhenPiped verifies statuses pass through
// unstyled when color is disabled.
func TestStatusPaintPlainWhenPiped(t *testing.T) {
	orig := flagNoColor
	flagNoColor = true
	t.Cleanup(func() { flagNoColor = orig })

	statuses := []datatypes.Status{
		datatypes.StatusApplied,
		datatypes.StatusQueued,
		datatypes.StatusRejected,
		datatypes.StatusFailed,
	}
	for _, status := range statuses {
		if got := statusPaint(status); got != string(status) {
			t.Errorf("statusPaint(%s) = %q, want bare status", status, got)
		}
	}
}
