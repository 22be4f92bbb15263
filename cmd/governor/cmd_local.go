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
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGovernor/pkg/logging"
	"github.com/AleutianAI/AleutianGovernor/services/governor/config"
	"github.com/AleutianAI/AleutianGovernor/services/governor/eviction"
	"github.com/AleutianAI/AleutianGovernor/services/governor/hoststats"
	"github.com/AleutianAI/AleutianGovernor/services/governor/housekeeper"
)

// localHousekeeper builds a housekeeper over this host for one-shot
// commands. Eviction actions are always disabled.
func localHousekeeper(cfg config.GovernorConfig, extraDirs []string, logger *logging.Logger) (*housekeeper.Housekeeper, error) {
	pol, table, err := cfg.ActivePolicy()
	if err != nil {
		return nil, err
	}
	pol.ActionsEnabled = false
	if len(extraDirs) > 0 {
		pol.SSD.EvictDirs = append(append([]string(nil), extraDirs...), pol.SSD.EvictDirs...)
	}
	table[pol.StrategyName] = pol

	return housekeeper.New(pol, table, housekeeper.Options{
		Monitor:     hoststats.NewMonitor(hoststats.NewGopsutilProvider(), logger.Slog()),
		Logger:      logger.Slog(),
		DefaultDirs: eviction.DefaultDirs(cfg.ModelsRootAbs()),
	})
}

// cliLogger keeps one-shot commands quiet unless something goes wrong.
func cliLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelWarn, Service: "governor"})
}

func runPlan(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer logger.Close()

	hk, err := localHousekeeper(cfg, planDirs, logger)
	if err != nil {
		return err
	}
	snap, err := hk.RunOnce(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	var b strings.Builder
	b.WriteString(styles.Title.Render("Eviction plan"))
	b.WriteString(styles.Muted.Render("  strategy=" + snap.Strategy + "  dry run"))
	b.WriteString("\n\n")
	writeSnapshot(&b, snap)
	fmt.Fprintln(out, styles.Box.Render(strings.TrimRight(b.String(), "\n")))
	return nil
}

func runBeacon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer logger.Close()

	hk, err := localHousekeeper(cfg, nil, logger)
	if err != nil {
		return err
	}
	beacons := hk.Beacons(cmd.Context())
	b := beacons.RAM
	if args[0] == "ssd" {
		b = beacons.SSD
	}
	return printBeacon(cmd.OutOrStdout(), args[0], b.String(), jsonOutput)
}

func printBeacon(w io.Writer, resource, word string, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(map[string]string{"resource": resource, "beacon": word})
	}
	_, err := fmt.Fprintln(w, word)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.ResolvePath(configPath)
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
