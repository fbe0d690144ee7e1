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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/gatehouse/pkg/logging"
	"github.com/AleutianAI/gatehouse/services/gatehouse"
	"github.com/AleutianAI/gatehouse/services/gatehouse/config"
	"github.com/AleutianAI/gatehouse/services/gatehouse/telemetry"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	serveAddr     string // Listen address override
	initPrintPath bool   // Print resolved config path and exit
)

// telemetryShutdownGrace bounds how long daemon exit waits for span
// and metric flushes.
const telemetryShutdownGrace = 5 * time.Second

// =============================================================================
// SERVE COMMAND
// =============================================================================

// runServe is the CLI handler for "gatehouse serve".
//
// Brings up the full daemon: telemetry, the engine, the REST API, the
// sync worker, and the maintenance sweeps. Blocks until SIGINT or
// SIGTERM, then drains within the configured grace.
//
// # Exit Codes
//
//   - 0: Clean shutdown
//   - 2: Startup or runtime failure
func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveAddr != "" {
		cliConfig.Server.Addr = serveAddr
	}

	logger := logging.New(cliConfig.ToLogging("gatehouse"))
	defer logger.Close()
	log := logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, cliConfig.ToTelemetry(gatehouse.Version))
	if err != nil {
		OutputError(flagJSON, "Telemetry init failed", err)
		os.Exit(CLIExitError)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("telemetry shutdown incomplete", "error", err)
		}
	}()

	svc, err := gatehouse.New(ctx, cliConfig, log)
	if err != nil {
		OutputError(flagJSON, "Engine startup failed", err)
		os.Exit(CLIExitError)
	}
	defer svc.Close()

	log.Info("gatehouse daemon starting",
		"addr", cliConfig.Server.Addr,
		"data_dir", cliConfig.Data.Dir,
		"version", gatehouse.Version)

	daemon := gatehouse.NewDaemon(svc)
	if err := daemon.Run(ctx); err != nil {
		OutputError(flagJSON, "Daemon failed", err)
		os.Exit(CLIExitError)
	}
}

// =============================================================================
// INIT COMMAND
// =============================================================================

// runInit is the CLI handler for "gatehouse init".
//
// Writes the default configuration (refusing to overwrite) and creates
// the data and managed directories so the first propose does not have
// to.
//
// # Exit Codes
//
//   - 0: Initialized (or path printed)
//   - 2: Config already exists or directory creation failed
func runInit(cmd *cobra.Command, args []string) {
	path := flagConfigPath
	if path == "" {
		path = defaultConfigPath()
	}

	if initPrintPath {
		fmt.Println(path)
		return
	}

	if err := config.WriteDefault(path); err != nil {
		OutputError(flagJSON, "Init failed", err)
		os.Exit(CLIExitError)
	}
	for _, dir := range []string{cliConfig.Data.Dir, cliConfig.Data.ManagedRoot} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			OutputError(flagJSON, "Init failed", err)
			os.Exit(CLIExitError)
		}
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("Data directory: %s\n", cliConfig.Data.Dir)
	fmt.Println("Start the daemon with: gatehouse serve")
}
