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

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// --- Global Command Variables ---
var (
	configPath string
	serverURL  string
	jsonOutput bool
	planDirs   []string

	rootCmd = &cobra.Command{
		Use:           "governor",
		Short:         "Resource governor for the Aleutian local inference stack",
		Long:          "governor watches host memory and model storage, reports pressure beacons,\nevicts stale cache files and gates inference requests by role.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the housekeeper loop and the governor API",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show beacons and the last housekeeper snapshot of a running governor",
		Args:  cobra.NoArgs,
		RunE:  runStatus, // Defined in cmd_status.go
	}

	strategyCmd = &cobra.Command{
		Use:   "strategy [name]",
		Short: "Switch the housekeeper strategy of a running governor",
		Args:  cobra.ExactArgs(1),
		RunE:  runStrategy, // Defined in cmd_status.go
	}

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Sample this host once and print the eviction plan without deleting anything",
		Args:  cobra.NoArgs,
		RunE:  runPlan, // Defined in cmd_local.go
	}

	beaconCmd = &cobra.Command{
		Use:       "beacon [ram|ssd]",
		Short:     "Print the current RAM or SSD beacon of this host",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"ram", "ssd"},
		RunE:      runBeacon, // Defined in cmd_local.go
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the governor configuration",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit, // Defined in cmd_local.go
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after file and environment overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_local.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $GOVERNOR_CONFIG or configs/governor.yaml)")

	for _, cmd := range []*cobra.Command{statusCmd, strategyCmd} {
		cmd.Flags().StringVar(&serverURL, "url", "", "governor API base URL (default from config)")
	}
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the raw /info response")
	beaconCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	planCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the snapshot as JSON")
	planCmd.Flags().StringSliceVar(&planDirs, "dir", nil, "extra directories to scan before the configured ones")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(serveCmd, statusCmd, strategyCmd, planCmd, beaconCmd, configCmd)
}
