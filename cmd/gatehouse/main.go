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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/gatehouse/services/gatehouse/config"
)

// cliConfig is the effective configuration for the invoked command,
// resolved once in PersistentPreRun: defaults, then the config file,
// then GATEHOUSE_* environment variables, then command-line flags.
var cliConfig config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cfg, err := resolveConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
			os.Exit(CLIExitError)
		}
		cliConfig = cfg
	}
}
