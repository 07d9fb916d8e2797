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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/cerberus/pkg/blocklist"
	"github.com/kadirpekel/cerberus/pkg/config"
	"github.com/kadirpekel/cerberus/pkg/observability"
	"github.com/kadirpekel/cerberus/pkg/policy"
	"github.com/kadirpekel/cerberus/pkg/ratelimit"
)

// routes builds the HTTP router for the given config incarnation.
func (s *Server) routes(cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))
	r.Use(observability.HTTPMiddleware(s.obs.GetTracer("cerberus.server"), s.obs.GetRecorder()))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.obs.MetricsHandler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/check", s.handleCheck)

		if cfg.Server.IsAdminEnabled() {
			r.Post("/reset", s.handleReset)
			r.Get("/policies", s.handleListPolicies)
			r.Put("/policies/{module}", s.handleUpdatePolicy)
			r.Get("/blocks", s.handleListBlocks)
			r.Post("/blocks", s.handleCreateBlock)
			r.Post("/blocks/lift", s.handleLiftBlocks)
		}
	})

	return r
}

// checkRequest is the decision endpoint body.
type checkRequest struct {
	Key     string            `json:"key"`
	Module  string            `json:"module"`
	Options ratelimit.Options `json:"options"`
}

// handleCheck runs a rate limit decision and returns it as JSON. The
// decision lives in the body: denials are still HTTP 200, the caller
// enforces.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}

	result, err := s.Engine().CheckLimit(r.Context(), req.Key, req.Module, req.Options)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// resetRequest is the administrative reset body. Empty key and module
// reset everything, including active blocks.
type resetRequest struct {
	Key     string            `json:"key,omitempty"`
	Module  string            `json:"module,omitempty"`
	Options ratelimit.Options `json:"options,omitempty"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}

	if err := s.Engine().ResetLimits(r.Context(), req.Key, req.Module, req.Options); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// policyPayload is the wire form of a policy. Durations travel as Go
// duration strings, matching the YAML config.
type policyPayload struct {
	Module        string `json:"module"`
	MaxRequests   int    `json:"max_requests"`
	Window        string `json:"window"`
	Block         string `json:"block"`
	WarnThreshold int    `json:"warn_threshold,omitempty"`
	Active        bool   `json:"active"`
	Mode          string `json:"mode"`
	FailClosed    bool   `json:"fail_closed,omitempty"`
	Fallback      bool   `json:"fallback,omitempty"`
}

func policyToPayload(p policy.Policy) policyPayload {
	return policyPayload{
		Module:        p.Module,
		MaxRequests:   p.MaxRequests,
		Window:        p.Window.String(),
		Block:         p.Block.String(),
		WarnThreshold: p.WarnThreshold,
		Active:        p.Active,
		Mode:          string(p.Mode),
		FailClosed:    p.FailClosed,
		Fallback:      p.Fallback,
	}
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.Engine().Configs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	payloads := make([]policyPayload, 0, len(policies))
	for _, p := range policies {
		payloads = append(payloads, policyToPayload(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": payloads})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}

	pol := policy.Policy{
		Module:        chi.URLParam(r, "module"),
		MaxRequests:   req.MaxRequests,
		WarnThreshold: req.WarnThreshold,
		Active:        req.Active,
		Mode:          policy.Mode(req.Mode),
		FailClosed:    req.FailClosed,
	}

	var err error
	if pol.Window, err = parseDurationField(req.Window, "window"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_policy", err.Error())
		return
	}
	if pol.Block, err = parseDurationField(req.Block, "block"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_policy", err.Error())
		return
	}
	if err := pol.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_policy", err.Error())
		return
	}

	if err := s.Engine().UpdateConfig(r.Context(), pol); err != nil {
		if errors.Is(err, policy.ErrReadOnly) {
			writeError(w, http.StatusConflict, "read_only", "policy source does not accept updates")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, policyToPayload(pol))
}

func parseDurationField(value, field string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("%s is required", field)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", field, err)
	}
	return d, nil
}

// blockRequest creates a manual block. Raw email and IP values are hashed
// before they reach the registry; they are never echoed back.
type blockRequest struct {
	Key        string     `json:"key,omitempty"`
	Module     string     `json:"module,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	Email      string     `json:"email,omitempty"`
	IPAddress  string     `json:"ip_address,omitempty"`
	MailDomain string     `json:"mail_domain,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

func (r blockRequest) facets() blocklist.Facets {
	return blocklist.Facets{
		UserID:     r.UserID,
		Email:      r.Email,
		IPAddress:  r.IPAddress,
		MailDomain: r.MailDomain,
	}
}

// blockPayload is the wire form of a block. Only hashed facets are carried.
type blockPayload struct {
	ID          string     `json:"id"`
	Module      string     `json:"module"`
	UserID      string     `json:"user_id,omitempty"`
	EmailHash   string     `json:"email_hash,omitempty"`
	IPHash      string     `json:"ip_hash,omitempty"`
	IPPrefix    string     `json:"ip_prefix,omitempty"`
	MailDomain  string     `json:"mail_domain,omitempty"`
	HashVersion int        `json:"hash_version,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Active      bool       `json:"active"`
	BlockedAt   time.Time  `json:"blocked_at"`
	UnblockedAt *time.Time `json:"unblocked_at,omitempty"`
}

func blockToPayload(b blocklist.Block) blockPayload {
	return blockPayload{
		ID:          b.ID,
		Module:      b.Module,
		UserID:      b.UserID,
		EmailHash:   b.EmailHash,
		IPHash:      b.IPHash,
		IPPrefix:    b.IPPrefix,
		MailDomain:  b.MailDomain,
		HashVersion: b.HashVersion,
		Reason:      b.Reason,
		Active:      b.Active,
		BlockedAt:   b.BlockedAt,
		UnblockedAt: b.UnblockedAt,
	}
}

func (s *Server) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	blk, err := s.Engine().Block(r.Context(), req.Key, req.facets(), req.Module, req.Until, reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, blockToPayload(*blk))
}

func (s *Server) handleLiftBlocks(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}

	lifted, err := s.Engine().Unblock(r.Context(), req.Key, req.facets(), req.Module)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"lifted": lifted})
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	blocks, err := s.Engine().Registry().List(r.Context(), r.URL.Query().Get("module"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	payloads := make([]blockPayload, 0, len(blocks))
	for _, b := range blocks {
		payloads = append(payloads, blockToPayload(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": payloads})
}

// healthResponse reports per-side store health and registry reachability.
type healthResponse struct {
	Status   string                 `json:"status"`
	Store    []ratelimit.SideStatus `json:"store"`
	Registry string                 `json:"registry"`
}

// handleHealth reports overall health. The service is unhealthy only when
// no store side can serve; a benched side or an unreachable registry
// degrades but keeps serving, matching the engine's fail-open behavior.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	engine := s.Engine()

	var sides []ratelimit.SideStatus
	if rs, ok := engine.Store().(*ratelimit.ResilientStore); ok {
		sides = rs.Status(ctx)
	} else {
		side := ratelimit.SideStatus{
			Store: engine.Store().Name(),
			Role:  ratelimit.RolePrimary,
			State: ratelimit.StoreHealthy,
		}
		if err := engine.Store().HealthCheck(ctx); err != nil {
			side.State = ratelimit.StoreUnavailable
			side.Error = err.Error()
		}
		sides = []ratelimit.SideStatus{side}
	}

	registryStatus := "healthy"
	if _, err := engine.Registry().List(ctx, "", 1); err != nil {
		registryStatus = "unhealthy"
	}

	healthy, serving := 0, 0
	for _, side := range sides {
		switch side.State {
		case ratelimit.StoreHealthy:
			healthy++
			serving++
		case ratelimit.StoreDegraded:
			serving++
		}
	}

	resp := healthResponse{Store: sides, Registry: registryStatus}
	status := http.StatusOK
	switch {
	case serving == 0:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case healthy == len(sides) && registryStatus == "healthy":
		resp.Status = "healthy"
	default:
		resp.Status = "degraded"
	}

	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors onto HTTP statuses: caller mistakes
// are 400, store trouble is 503, the rest 500.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *ratelimit.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation", verr.Error())
	case ratelimit.IsStoreUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// requestLogger logs each request at debug level with its status and
// duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration", time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
