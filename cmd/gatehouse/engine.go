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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/gatehouse/pkg/logging"
	"github.com/AleutianAI/gatehouse/services/gatehouse"
	"github.com/AleutianAI/gatehouse/services/gatehouse/config"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// defaultConfigPath is where the CLI looks for configuration when
// --config is not given. A missing file is fine; defaults apply.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gatehouse", "config.yaml")
}

// resolveConfig builds the effective configuration: defaults, config
// file, GATEHOUSE_* environment, then command-line flags on top.
func resolveConfig() (config.Config, error) {
	path := flagConfigPath
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if flagDataDir != "" {
		cfg.Data.Dir = flagDataDir
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagDataDir != "" || flagLogLevel != "" {
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// openEngine assembles the local engine against the configured data
// directory. The returned cleanup closes the engine and its logger;
// callers defer it before doing anything else.
//
// Engine internals log to the configured log directory only; the
// terminal stays reserved for command output unless --log-level asks
// for the internals too.
func openEngine(ctx context.Context) (*gatehouse.Service, func(), error) {
	logCfg := cliConfig.ToLogging("gatehouse-cli")
	if flagLogLevel == "" {
		logCfg.Quiet = true
	}
	logger := logging.New(logCfg)

	svc, err := gatehouse.New(ctx, cliConfig, logger.Slog())
	if err != nil {
		_ = logger.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = svc.Close()
		_ = logger.Close()
	}
	return svc, cleanup, nil
}

// osUser names the invoking operator for audit attribution.
func osUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "operator"
}

// describeProposal renders the one-paragraph summary shown before a
// decision prompt.
func describeProposal(p *datatypes.Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)\n", p.Type, p.ID, strings.ToUpper(string(p.Level)))
	if change, err := datatypes.DecodeChange(p.Type, p.Payload); err == nil {
		fmt.Fprintf(&b, "%s\n", change.Describe())
	}
	fmt.Fprintf(&b, "Reason: %s\nImpact: %.2f  Proposed: %s ago",
		p.Reason, p.ImpactScore, formatAge(p.ProposedAt))
	return b.String()
}

// confirmDecision asks the operator to confirm an approve/reject/purge
// style action. Returns an error when no interactive terminal is
// attached, so scripted callers learn to pass --yes instead of hanging.
func confirmDecision(title, description string) (bool, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return false, fmt.Errorf("not an interactive terminal; pass --yes to confirm")
	}

	confirmed := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Yes").
			Negative("No").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return confirmed, nil
}
