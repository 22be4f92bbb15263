// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGovernor/services/governor/admission"
	"github.com/AleutianAI/AleutianGovernor/services/governor/config"
	"github.com/AleutianAI/AleutianGovernor/services/governor/housekeeper"
)

// =============================================================================
// Request / Response Types
// =============================================================================

// StrategyRequest selects a named strategy.
type StrategyRequest struct {
	Name string `json:"name" binding:"required"`
}

// ActionsRequest toggles destructive eviction.
type ActionsRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// HousekeeperInfo is the housekeeper block of GET /info.
type HousekeeperInfo struct {
	Enabled        bool                  `json:"enabled"`
	Running        bool                  `json:"running"`
	Strategy       string                `json:"strategy"`
	ActionsEnabled bool                  `json:"actions_enabled"`
	Beacons        housekeeper.Beacons   `json:"beacons"`
	Snapshot       *housekeeper.Snapshot `json:"snapshot"`
}

// InfoResponse is the body of GET /info.
type InfoResponse struct {
	Profile               string                 `json:"profile"`
	Version               string                 `json:"version"`
	Housekeeper           HousekeeperInfo        `json:"housekeeper"`
	HousekeeperStrategies []string               `json:"housekeeper_strategies"`
	Admission             []admission.RoleStats  `json:"admission"`
	RateLimit             map[string]interface{} `json:"rate_limit"`
	Endpoints             map[string]string      `json:"endpoints"`
}

// endpoints advertised by /info.
var endpoints = map[string]string{
	"healthz":              "/healthz",
	"metrics":              "/metrics",
	"metrics_json":         "/metrics.json",
	"housekeeper_policy":   "/admin/housekeeper/policy",
	"housekeeper_strategy": "/admin/housekeeper/strategy",
	"housekeeper_actions":  "/admin/housekeeper/actions",
	"housekeeper_stream":   "/ws/housekeeper",
	"admission":            "/admin/admission",
}

// =============================================================================
// Handlers
// =============================================================================

// handleHealthz reports liveness. It never samples the host.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"profile":  s.deps.Profile,
		"strategy": s.deps.Housekeeper.Policy().StrategyName,
	})
}

// handleInfo describes the running governor.
func (s *Server) handleInfo(c *gin.Context) {
	hk := s.deps.Housekeeper
	pol := hk.Policy()
	snap, _ := hk.Snapshot()

	resp := InfoResponse{
		Profile: s.deps.Profile,
		Version: s.deps.Version,
		Housekeeper: HousekeeperInfo{
			Enabled:        s.deps.HousekeeperEnabled,
			Running:        hk.Running(),
			Strategy:       pol.StrategyName,
			ActionsEnabled: pol.ActionsEnabled,
			Beacons:        hk.Beacons(c.Request.Context()),
			Snapshot:       snap,
		},
		HousekeeperStrategies: hk.Strategies().Names(),
		Admission:             s.deps.Pool.Stats(),
		Endpoints:             endpoints,
	}
	if s.deps.Limiter != nil {
		cfg := s.deps.Limiter.Config()
		resp.RateLimit = map[string]interface{}{
			"enabled": cfg.Enabled,
			"rps":     cfg.RequestsPerSecond,
			"burst":   cfg.Burst,
			"clients": s.deps.Limiter.Len(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetPolicy returns the active policy.
func (s *Server) handleGetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": s.deps.Housekeeper.Policy()})
}

// handlePutPolicy merges the body onto the active policy and applies it.
//
// # Description
//
// Fields absent from the body keep their current value. The strategy name
// must exist in the strategy table (404 otherwise) and the merged policy
// must validate (400 otherwise). A positive interval below
// config.MinInterval is raised to it, as when loading the file. The change
// is seen by the next tick.
func (s *Server) handlePutPolicy(c *gin.Context) {
	pol := s.deps.Housekeeper.Policy()
	if err := c.ShouldBindJSON(&pol); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if pol.Interval > 0 && pol.Interval < config.MinInterval {
		pol.Interval = config.MinInterval
	}
	if err := s.deps.Housekeeper.SetPolicy(pol); err != nil {
		abortWithError(c, policyErrorStatus(err), err.Error())
		return
	}
	s.logger.Info("housekeeper policy replaced",
		"strategy", pol.StrategyName,
		"actions_enabled", pol.ActionsEnabled,
		"request_id", GetRequestID(c))
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "policy": s.deps.Housekeeper.Policy()})
}

// handleSwitchStrategy activates a named strategy.
func (s *Server) handleSwitchStrategy(c *gin.Context) {
	var req StrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Housekeeper.SwitchStrategy(req.Name); err != nil {
		abortWithError(c, policyErrorStatus(err), err.Error())
		return
	}
	s.logger.Info("housekeeper strategy switched",
		"strategy", req.Name,
		"request_id", GetRequestID(c))
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// handleSetActions toggles destructive eviction.
func (s *Server) handleSetActions(c *gin.Context) {
	var req ActionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Housekeeper.SetActionsEnabled(*req.Enabled)
	s.logger.Warn("housekeeper actions toggled",
		"enabled", *req.Enabled,
		"request_id", GetRequestID(c))
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "actions_enabled": *req.Enabled})
}

// handleAdmission lists admission gates.
func (s *Server) handleAdmission(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"roles": s.deps.Pool.Stats()})
}

// handleMetricsJSON returns the in-process counters and gauges.
func (s *Server) handleMetricsJSON(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusOK, map[string]float64{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Registry.Snapshot())
}

func policyErrorStatus(err error) int {
	if errors.Is(err, housekeeper.ErrUnknownStrategy) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
