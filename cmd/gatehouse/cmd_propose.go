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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	proposeType   string  // Change type (config, new_skill, update, self_modification)
	proposeFile   string  // Full proposal from YAML/JSON file
	proposeReason string  // Justification
	proposeImpact float64 // Impact score [0,1]
	proposeSource string  // Origin tag

	// type config
	proposePath string
	proposeSet  []string

	// type new_skill
	proposeSkillName        string
	proposeDescription      string // Shared with self_modification
	proposeSkillContent     string
	proposeSkillContentFile string
	proposeSkillTags        []string

	// type update
	proposeTarget  string
	proposeFind    string
	proposeReplace string

	// type self_modification
	proposeTargetPath string
	proposePatchFile  string
	proposeSafe       bool
)

// =============================================================================
// PROPOSE COMMAND
// =============================================================================

// proposalFile is the on-disk shape accepted by --file. The payload
// keys follow the JSON field names of the change types.
type proposalFile struct {
	Type    string         `json:"type" yaml:"type"`
	Reason  string         `json:"reason" yaml:"reason"`
	Impact  float64        `json:"impact" yaml:"impact"`
	Source  string         `json:"source" yaml:"source"`
	Payload map[string]any `json:"payload" yaml:"payload"`
}

// runPropose is the CLI handler for the "gatehouse propose" command.
//
// The change is built either from a --file document or from the
// type-specific flags, then submitted to the engine. Low tiers apply
// immediately; mid tiers park for review; a self-modification blocks
// here until a reviewer decides or the approval window lapses.
//
// # Exit Codes
//
//   - 0: Proposal accepted (applied or parked)
//   - 1: Proposal rejected or timed out
//   - 2: Invalid input or engine failure
func runPropose(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := OutputConfig{JSON: flagJSON}

	change, reason, impact, source, err := buildProposeRequest()
	if err != nil {
		OutputError(out.JSON, "Invalid proposal", err)
		os.Exit(CLIExitError)
	}

	ctx := context.Background()
	svc, cleanup, err := openEngine(ctx)
	if err != nil {
		OutputError(out.JSON, "Failed to open engine", err)
		os.Exit(CLIExitError)
	}
	defer cleanup()

	if change.ChangeType() == datatypes.TypeSelfModification && !out.JSON {
		fmt.Fprintln(os.Stderr, "self-modification requires top-tier sign-off; waiting for a reviewer...")
	}

	decision, err := svc.Propose(ctx, change, reason, impact, source)
	if err != nil {
		OutputError(out.JSON, "Proposal failed", err)
		os.Exit(CLIExitError)
	}

	result := DecisionResult{
		ProposalID: decision.Proposal.ID,
		Type:       string(decision.Proposal.Type),
		Level:      string(decision.Level),
		Status:     string(decision.Status),
		Approved:   decision.Approved,
	}
	rejected := decision.Status == datatypes.StatusRejected ||
		decision.Status == datatypes.StatusTimeout ||
		decision.Status == datatypes.StatusFailed

	if !out.JSON {
		printDecision(decision.Proposal)
	}
	os.Exit(OutputResult(out, "propose", start, result, rejected, nil))
}

// printDecision renders the human-readable outcome of a submission or
// an approve/reject call.
func printDecision(p *datatypes.Proposal) {
	fmt.Printf("%s  %s  %s  %s\n",
		paint(idStyle, p.ID), p.Type, strings.ToUpper(string(p.Level)), statusPaint(p.Status))

	switch p.Status {
	case datatypes.StatusApplied:
		fmt.Println(paint(okStyle, "Change applied."))
	case datatypes.StatusQueued, datatypes.StatusPendingApproval:
		fmt.Printf("Parked for review. Decide with: gatehouse approve %s\n", p.ID)
	case datatypes.StatusRejected:
		fmt.Printf("%s %s\n", paint(badStyle, "Rejected:"), p.RejectReason)
	case datatypes.StatusTimeout:
		fmt.Println(paint(badStyle, "Approval window lapsed; the change was not applied."))
	case datatypes.StatusFailed:
		fmt.Printf("%s %s\n", paint(badStyle, "Apply failed:"), p.Error)
	}
}

// buildProposeRequest assembles the change and its metadata from
// --file or from the type-specific flags.
func buildProposeRequest() (datatypes.Change, string, float64, string, error) {
	if proposeFile != "" {
		return loadProposalFile(proposeFile)
	}

	if proposeType == "" {
		return nil, "", 0, "", fmt.Errorf("either --type or --file is required")
	}
	typ, err := datatypes.ParseChangeType(proposeType)
	if err != nil {
		return nil, "", 0, "", err
	}
	change, err := changeFromFlags(typ)
	if err != nil {
		return nil, "", 0, "", err
	}
	return change, proposeReason, proposeImpact, proposeSource, nil
}

// loadProposalFile reads a proposal document. YAML is tried first;
// JSON documents parse as YAML too. Flags override the file's reason,
// impact, and source when explicitly set.
func loadProposalFile(path string) (datatypes.Change, string, float64, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", 0, "", fmt.Errorf("failed to read proposal file: %w", err)
	}

	var doc proposalFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "", 0, "", fmt.Errorf("failed to parse proposal file: %w", err)
	}

	typ, err := datatypes.ParseChangeType(doc.Type)
	if err != nil {
		return nil, "", 0, "", err
	}

	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return nil, "", 0, "", fmt.Errorf("failed to encode payload: %w", err)
	}
	change, err := datatypes.DecodeChange(typ, payload)
	if err != nil {
		return nil, "", 0, "", err
	}

	reason := doc.Reason
	if proposeReason != "" {
		reason = proposeReason
	}
	impact := doc.Impact
	if proposeImpact != 0 {
		impact = proposeImpact
	}
	source := doc.Source
	if proposeSource != "" && proposeSource != "cli" {
		source = proposeSource
	} else if source == "" {
		source = "cli"
	}
	return change, reason, impact, source, nil
}

// changeFromFlags builds the typed change for the flag-driven path.
func changeFromFlags(typ datatypes.ChangeType) (datatypes.Change, error) {
	switch typ {
	case datatypes.TypeConfig:
		if proposePath == "" || len(proposeSet) == 0 {
			return nil, fmt.Errorf("type config requires --path and at least one --set key=value")
		}
		set, err := parseSetPairs(proposeSet)
		if err != nil {
			return nil, err
		}
		return datatypes.ConfigChange{Path: proposePath, Set: set}, nil

	case datatypes.TypeNewSkill:
		content := proposeSkillContent
		if proposeSkillContentFile != "" {
			data, err := os.ReadFile(proposeSkillContentFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read --content-file: %w", err)
			}
			content = string(data)
		}
		if proposeSkillName == "" || content == "" {
			return nil, fmt.Errorf("type new_skill requires --name and --content (or --content-file)")
		}
		return datatypes.NewSkillChange{
			Name:        proposeSkillName,
			Description: proposeDescription,
			Content:     content,
			Tags:        proposeSkillTags,
		}, nil

	case datatypes.TypeUpdate:
		if proposeTarget == "" || proposeFind == "" {
			return nil, fmt.Errorf("type update requires --target and --find")
		}
		return datatypes.UpdateChange{
			Target:       proposeTarget,
			Replacements: []datatypes.Replacement{{Find: proposeFind, Replace: proposeReplace}},
		}, nil

	case datatypes.TypeSelfModification:
		if proposeTargetPath == "" || proposePatchFile == "" {
			return nil, fmt.Errorf("type self_modification requires --target-path and --patch-file")
		}
		patch, err := os.ReadFile(proposePatchFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read --patch-file: %w", err)
		}
		return datatypes.SelfModChange{
			TargetPath:  proposeTargetPath,
			Patch:       string(patch),
			Description: proposeDescription,
			Safe:        proposeSafe,
		}, nil

	default:
		return nil, fmt.Errorf("unknown change type %q", typ)
	}
}

// parseSetPairs turns repeated key=value flags into a typed map.
// Values parse as bool, int, or float when they look like one, and
// stay strings otherwise, matching what a YAML author would get.
func parseSetPairs(pairs []string) (map[string]any, error) {
	set := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("--set needs key=value, got %q", pair)
		}
		set[key] = parseScalar(raw)
	}
	return set, nil
}

// parseScalar mimics YAML scalar typing for a flag value. Numbers are
// tried before booleans: ParseBool would otherwise swallow "1" and "0".
func parseScalar(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
