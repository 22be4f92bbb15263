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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGovernor/services/governor/api"
	"github.com/AleutianAI/AleutianGovernor/services/governor/config"
)

// apiClient talks to a running governor.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// resolveBaseURL prefers --url, then the listen address in the config.
// Wildcard hosts are replaced with loopback.
func resolveBaseURL() (string, error) {
	if serverURL != "" {
		return serverURL, nil
	}
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return "", err
	}
	host, port, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return "", fmt.Errorf("server address %q: %w", cfg.Server.Addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// Info fetches /info. The raw body is returned for --json.
func (c *apiClient) Info(ctx context.Context) (*api.InfoResponse, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/info", nil)
	if err != nil {
		return nil, nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, nil, err
	}
	var info api.InfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, nil, fmt.Errorf("decoding /info: %w", err)
	}
	return &info, body, nil
}

// SwitchStrategy posts to /admin/housekeeper/strategy.
func (c *apiClient) SwitchStrategy(ctx context.Context, name string) error {
	payload, err := json.Marshal(api.StrategyRequest{Name: name})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/admin/housekeeper/strategy", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req)
	return err
}

func (c *apiClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting governor at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorBody
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return body, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	base, err := resolveBaseURL()
	if err != nil {
		return err
	}
	info, raw, err := newAPIClient(base).Info(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, pretty.String())
		return err
	}
	renderStatus(out, info)
	return nil
}

func runStrategy(cmd *cobra.Command, args []string) error {
	base, err := resolveBaseURL()
	if err != nil {
		return err
	}
	if err := newAPIClient(base).SwitchStrategy(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "strategy %s accepted; applies on the next tick\n", styles.Title.Render(args[0]))
	return nil
}
