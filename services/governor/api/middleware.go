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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianGovernor/services/governor/admission"
	"github.com/AleutianAI/AleutianGovernor/services/governor/observability"
	"github.com/AleutianAI/AleutianGovernor/services/governor/ratelimit"
	"github.com/AleutianAI/AleutianGovernor/services/governor/telemetry"
)

// =============================================================================
// Context Keys
// =============================================================================

// requestIDKey is the gin context key holding the request id.
const requestIDKey = "aleutian_request_id"

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// GetRequestID returns the id assigned by RequestIDMiddleware, or "".
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Error Envelope
// =============================================================================

// ErrorBody is the JSON error envelope:
//
//	{"error": {"code": 429, "message": "rate limit exceeded"}}
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner part of ErrorBody.
type ErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// routeLabel is the route template when gin matched one, else the raw path.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return c.Request.URL.Path
}

// =============================================================================
// Middleware
// =============================================================================

// RateLimitMiddleware rejects clients that exhausted their token bucket.
//
// # Description
//
// Buckets are keyed by client IP. A rejected request gets a 429 with the
// standard error envelope and increments rate_limited_total and
// rate_limited_total:{METHOD} {path}. Rejected requests are not counted as
// requests and are not access-logged.
//
// # Inputs
//
//   - limiter: token buckets. Nil disables the middleware.
//   - sink: metrics sink. Nil is allowed.
//   - metrics: Prometheus metrics. Nil is allowed.
//   - logger: nil uses slog.Default().
func RateLimitMiddleware(limiter *ratelimit.Limiter, sink telemetry.Sink, metrics *observability.GovernorMetrics, logger *slog.Logger) gin.HandlerFunc {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if limiter.Allow(ip, time.Now()) {
			c.Next()
			return
		}

		method, path := c.Request.Method, c.Request.URL.Path
		sink.Increment("rate_limited_total", 1)
		sink.Increment("rate_limited_total:"+method+" "+path, 1)
		if metrics != nil {
			metrics.RecordRateLimited(routeLabel(c))
		}
		cfg := limiter.Config()
		logger.Info("rate_limit",
			"ip", ip,
			"method", method,
			"path", path,
			"rps", cfg.RequestsPerSecond,
			"burst", cfg.Burst)
		abortWithError(c, http.StatusTooManyRequests, "rate limit exceeded")
	}
}

// RequestIDMiddleware propagates X-Request-Id, generating a UUID when the
// client sent none, and echoes it on the response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// AccessLogMiddleware records request counters, latency and one log line
// per request.
//
// # Description
//
// Counters: requests_total, requests_total:{METHOD} {route} and, for
// status >= 500, errors_total and errors_total:{METHOD} {route}.
// Durations: http_request and http_request:{METHOD} {route}.
// The log record is "request" with method, path, route, dur_ms,
// request_id and status.
func AccessLogMiddleware(sink telemetry.Sink, metrics *observability.GovernorMetrics, logger *slog.Logger) gin.HandlerFunc {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		method := c.Request.Method
		route := routeLabel(c)
		status := c.Writer.Status()
		key := method + " " + route

		sink.Increment("requests_total", 1)
		sink.Increment("requests_total:"+key, 1)
		if status >= http.StatusInternalServerError {
			sink.Increment("errors_total", 1)
			sink.Increment("errors_total:"+key, 1)
		}
		sink.ObserveDuration("http_request", elapsed)
		sink.ObserveDuration("http_request:"+key, elapsed)
		if metrics != nil {
			metrics.RecordRequest(route, method, strconv.Itoa(status), elapsed)
		}

		logger.Info("request",
			"method", method,
			"path", c.Request.URL.Path,
			"route", route,
			"dur_ms", float64(elapsed.Microseconds())/1000,
			"request_id", GetRequestID(c),
			"status", status)
	}
}

// AdmissionMiddleware holds one slot of role for the duration of the
// request.
//
// # Description
//
// The request waits for a slot until its context ends. A request that
// gives up waiting receives 503 with the error envelope. The slot is
// released when the handler chain returns, including on panic.
//
// # Examples
//
//	v1.POST("/chat/completions", api.AdmissionMiddleware(pool, "chat", nil), handleChat)
func AdmissionMiddleware(pool *admission.Pool, role string, metrics *observability.GovernorMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		h, err := pool.Acquire(c.Request.Context(), role)
		if err != nil {
			if metrics != nil {
				reason := observability.RejectCanceled
				if errors.Is(err, context.DeadlineExceeded) {
					reason = observability.RejectTimeout
				}
				metrics.AdmissionRejected(role, reason)
			}
			abortWithError(c, http.StatusServiceUnavailable, "no capacity for "+role)
			return
		}
		if metrics != nil {
			metrics.AdmissionAcquired(role, time.Since(start))
		}
		defer func() {
			_ = h.Release()
			if metrics != nil {
				metrics.AdmissionReleased(role)
			}
		}()
		c.Next()
	}
}
