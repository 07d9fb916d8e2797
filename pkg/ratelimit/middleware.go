// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// KeyFunc extracts the rate limit key and per-call options from an HTTP
// request.
type KeyFunc func(r *http.Request) (key string, opts Options)

// DefaultKeyFunc prefers the authenticated user ID header (set by auth
// middleware), falling back to the client IP.
func DefaultKeyFunc(r *http.Request) (string, Options) {
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return userID, Options{UserID: userID}
	}

	ip := clientIP(r)
	return ip, Options{KeyType: KeyTypeIP, IPAddress: ip}
}

// clientIP returns the originating client address, honoring proxy headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the client.
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// MiddlewareConfig configures the rate limiting middleware.
type MiddlewareConfig struct {
	// Engine makes the decisions.
	Engine *Engine

	// Module scopes every decision made by this middleware instance.
	Module string

	// KeyFunc extracts the key and options from requests.
	// If nil, DefaultKeyFunc is used.
	KeyFunc KeyFunc

	// ExcludedPaths are paths that bypass rate limiting.
	ExcludedPaths []string

	// OnLimited is called when a request is denied.
	// If nil, a default JSON error response is sent.
	OnLimited func(w http.ResponseWriter, r *http.Request, result *Result)
}

// Middleware creates an HTTP middleware that enforces rate limits.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Engine == nil {
		// No engine configured, pass through
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	if cfg.KeyFunc == nil {
		cfg.KeyFunc = DefaultKeyFunc
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = defaultOnLimited
	}

	// Build excluded paths map for fast lookup
	excludedPaths := make(map[string]bool)
	for _, path := range cfg.ExcludedPaths {
		excludedPaths[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excludedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key, opts := cfg.KeyFunc(r)
			if key == "" {
				// No identifier, pass through
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			result, err := cfg.Engine.CheckLimit(ctx, key, cfg.Module, opts)
			if err != nil {
				// Invalid input from the key func; allow rather than take
				// the endpoint down.
				slog.Error("Rate limit check failed", "module", cfg.Module, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			// Store the decision in context for downstream handlers
			r = r.WithContext(context.WithValue(ctx, resultContextKey{}, result))

			addRateLimitHeaders(w, result)

			if !result.Allowed {
				cfg.OnLimited(w, r, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// resultContextKey is the context key for the rate limit decision.
type resultContextKey struct{}

// ResultFromContext extracts the rate limit decision from the request
// context.
func ResultFromContext(ctx context.Context) *Result {
	if result, ok := ctx.Value(resultContextKey{}).(*Result); ok {
		return result
	}
	return nil
}

// defaultOnLimited sends a default JSON denial: 429 for exhausted quota or
// blocks, 503 when the decision was degraded by store trouble.
func defaultOnLimited(w http.ResponseWriter, r *http.Request, result *Result) {
	w.Header().Set("Content-Type", "application/json")

	retryAfter := result.RetryAfter(time.Now())
	if retryAfter > 0 {
		seconds := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}

	status := http.StatusTooManyRequests
	if result.Reason == ReasonStoreUnavailable {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)

	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    result.Reason,
			"message": denialMessage(result),
		},
	}
	if retryAfter > 0 {
		response["retry_after_seconds"] = int64((retryAfter + time.Second - 1) / time.Second)
	}
	if result.BlockedUntil != nil {
		response["blocked_until"] = result.BlockedUntil.Format(time.RFC3339)
	}

	_ = json.NewEncoder(w).Encode(response)
}

func denialMessage(result *Result) string {
	switch {
	case result.Reason == ReasonStoreUnavailable:
		return "rate limiting is temporarily unavailable"
	case result.IsBlocked():
		return "blocked due to excessive requests"
	default:
		return "rate limit exceeded"
	}
}

// addRateLimitHeaders adds standard rate limit headers to the response.
func addRateLimitHeaders(w http.ResponseWriter, result *Result) {
	if result == nil {
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.MaxRequests, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if !result.ResetTime.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
	}
}

// SimpleMiddleware creates a rate limiting middleware for a single module.
// This is a convenience function for common use cases.
func SimpleMiddleware(engine *Engine, module string, excludedPaths ...string) func(http.Handler) http.Handler {
	return Middleware(MiddlewareConfig{
		Engine:        engine,
		Module:        module,
		ExcludedPaths: excludedPaths,
	})
}
