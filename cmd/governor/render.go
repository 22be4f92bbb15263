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
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianGovernor/services/governor/api"
	"github.com/AleutianAI/AleutianGovernor/services/governor/beacon"
	"github.com/AleutianAI/AleutianGovernor/services/governor/housekeeper"
)

// Aleutian palette.
var (
	colorTeal   = lipgloss.Color("#2CD7C7")
	colorGold   = lipgloss.Color("#F4D03F")
	colorOrange = lipgloss.Color("#E67E22")
	colorRed    = lipgloss.Color("#E74C3C")
	colorSlate  = lipgloss.Color("#2C4A54")
)

var styles = struct {
	Title    lipgloss.Style
	Label    lipgloss.Style
	Muted    lipgloss.Style
	Ok       lipgloss.Style
	Warn     lipgloss.Style
	Hot      lipgloss.Style
	Critical lipgloss.Style
	Box      lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(colorTeal),
	Label:    lipgloss.NewStyle().Bold(true).Width(16),
	Muted:    lipgloss.NewStyle().Foreground(colorSlate),
	Ok:       lipgloss.NewStyle().Bold(true).Foreground(colorTeal),
	Warn:     lipgloss.NewStyle().Bold(true).Foreground(colorGold),
	Hot:      lipgloss.NewStyle().Bold(true).Foreground(colorOrange),
	Critical: lipgloss.NewStyle().Bold(true).Foreground(colorRed),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorSlate).
		Padding(0, 1),
}

// renderBeacon colours a beacon word by severity.
func renderBeacon(b beacon.Beacon) string {
	switch b {
	case beacon.Ok:
		return styles.Ok.Render(b.String())
	case beacon.Warn:
		return styles.Warn.Render(b.String())
	case beacon.Hot:
		return styles.Hot.Render(b.String())
	case beacon.Critical:
		return styles.Critical.Render(b.String())
	default:
		return styles.Muted.Render(b.String())
	}
}

func formatGB(bytes uint64) string {
	return fmt.Sprintf("%.1f GB", float64(bytes)/beacon.GiB)
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(styles.Label.Render(label))
	b.WriteString(value)
	b.WriteByte('\n')
}

// renderStatus writes a boxed summary of an /info response.
func renderStatus(w io.Writer, info *api.InfoResponse) {
	var b strings.Builder
	hk := info.Housekeeper

	b.WriteString(styles.Title.Render("Aleutian Governor"))
	b.WriteString(styles.Muted.Render(fmt.Sprintf("  %s  profile=%s", info.Version, info.Profile)))
	b.WriteString("\n\n")

	row(&b, "RAM", renderBeacon(hk.Beacons.RAM))
	row(&b, "SSD", renderBeacon(hk.Beacons.SSD))

	loop := "stopped"
	if hk.Running {
		loop = "running"
	} else if !hk.Enabled {
		loop = "disabled"
	}
	row(&b, "Strategy", fmt.Sprintf("%s (%s)", hk.Strategy, strings.Join(info.HousekeeperStrategies, ", ")))
	row(&b, "Loop", loop)
	row(&b, "Eviction", map[bool]string{true: "enabled", false: "dry run"}[hk.ActionsEnabled])

	if s := hk.Snapshot; s != nil {
		b.WriteByte('\n')
		writeSnapshot(&b, s)
	} else {
		b.WriteString(styles.Muted.Render("\nno snapshot yet"))
		b.WriteByte('\n')
	}

	if len(info.Admission) > 0 {
		b.WriteByte('\n')
		for _, r := range info.Admission {
			row(&b, "Role "+r.Role, fmt.Sprintf("%d/%d in use, %d waiting", r.InUse, r.Limit, r.Waiting))
		}
	}

	fmt.Fprintln(w, styles.Box.Render(strings.TrimRight(b.String(), "\n")))
}

func writeSnapshot(b *strings.Builder, s *housekeeper.Snapshot) {
	row(b, "Tick", fmt.Sprintf("#%d at %s", s.Sequence, s.Timestamp.Format("15:04:05")))
	row(b, "RAM free", fmt.Sprintf("%s of %s (reserve %s, headroom %.1f GB)",
		formatGB(s.RAM.Free), formatGB(s.RAM.Total), formatGB(s.RAM.FreeReserve),
		float64(s.RAM.Headroom)/beacon.GiB))
	row(b, "LLM RSS", formatGB(s.RAM.ProcessRSS))
	row(b, "SSD free", fmt.Sprintf("%s of %s (%.0f%% used) at %s",
		formatGB(s.SSD.Free), formatGB(s.SSD.Total), s.SSD.Pressure*100, s.SSD.Path))

	ev := s.Eviction
	if ev.PlannedFiles == 0 {
		row(b, "Last eviction", styles.Muted.Render("nothing to do"))
		return
	}
	verb := "removed"
	if ev.DryRun {
		verb = "would remove"
	}
	row(b, "Last eviction", fmt.Sprintf("%s %d files, %s of %s target",
		verb, ev.PlannedFiles, formatGB(ev.PlannedBytes), formatGB(ev.TargetBytes)))
	for _, path := range ev.Candidates {
		b.WriteString(styles.Muted.Render("  - " + path))
		b.WriteByte('\n')
	}
}
