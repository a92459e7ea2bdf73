// Copyright 2025 Tom Barlow
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

// Package api serves the REST surface: action runs, run history and
// artifacts, schedule and trigger CRUD, work-item queues, OpenAPI and
// metrics.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/actiond/internal/actionctx"
	"github.com/tombee/actiond/internal/httputil"
	"github.com/tombee/actiond/internal/metrics"
	"github.com/tombee/actiond/internal/runner"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/internal/trigger"
	"github.com/tombee/actiond/internal/workitems"
)

// Config contains router configuration.
type Config struct {
	// APIKey, when non-empty, requires Authorization: Bearer <key> on
	// every endpoint except /openapi.json and incoming webhooks.
	APIKey string

	// ExposeShutdown enables POST /api/shutdown.
	ExposeShutdown bool

	// ServerName is reported in the OpenAPI document.
	ServerName string

	// Version is reported in the OpenAPI document.
	Version string
}

// Deps are the subsystems the handlers call into.
type Deps struct {
	Store     *store.Store
	Runner    *runner.Engine
	Triggers  *trigger.Engine
	Queue     *workitems.Service
	Decrypter *actionctx.Decrypter
	Collector *metrics.Collector
	Logger    *slog.Logger

	// Shutdown requests a graceful stop with the given drain timeout.
	Shutdown func(timeout time.Duration)
}

// Router wraps an http.ServeMux with auth and request accounting.
type Router struct {
	cfg    Config
	deps   Deps
	mux    *http.ServeMux
	logger *slog.Logger
}

// New creates the router and registers all routes.
func New(cfg Config, deps Deps) *Router {
	r := &Router{
		cfg:    cfg,
		deps:   deps,
		mux:    http.NewServeMux(),
		logger: deps.Logger,
	}

	NewActionsHandler(deps.Store, deps.Runner, deps.Decrypter, deps.Logger).RegisterRoutes(r.mux)
	NewRunsHandler(deps.Store, deps.Runner).RegisterRoutes(r.mux)
	NewSchedulesHandler(deps.Store, deps.Logger).RegisterRoutes(r.mux)
	NewTriggersHandler(deps.Store, deps.Triggers).RegisterRoutes(r.mux)
	NewWorkItemsHandler(deps.Queue).RegisterRoutes(r.mux)

	r.mux.HandleFunc("GET /openapi.json", r.handleOpenAPI)
	r.mux.Handle("GET /metrics", metrics.Handler())
	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("GET /api/status", r.handleHealth)
	r.mux.HandleFunc("GET /api/version", r.handleVersion)
	if cfg.ExposeShutdown {
		r.mux.HandleFunc("POST /api/shutdown", r.handleShutdown)
	}

	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.cfg.APIKey != "" && !exemptFromAuth(req) {
		if !r.authorized(req) {
			httputil.WriteError(w, http.StatusForbidden, "invalid or missing API key")
			if r.deps.Collector != nil {
				r.deps.Collector.RecordHTTPRequest(req.Method, req.URL.Path, http.StatusForbidden)
			}
			return
		}
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	r.mux.ServeHTTP(rec, req)
	if r.deps.Collector != nil {
		r.deps.Collector.RecordHTTPRequest(req.Method, req.URL.Path, rec.status)
	}
}

func (r *Router) authorized(req *http.Request) bool {
	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.cfg.APIKey)) == 1
}

// exemptFromAuth reports routes that carry their own authentication:
// the OpenAPI document is public and webhook deliveries are verified
// by their HMAC signature.
func exemptFromAuth(req *http.Request) bool {
	if req.URL.Path == "/openapi.json" {
		return true
	}
	return req.Method == http.MethodPost &&
		strings.HasPrefix(req.URL.Path, "/api/triggers/") &&
		strings.HasSuffix(req.URL.Path, "/webhook")
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    r.cfg.ServerName,
		"version": r.cfg.Version,
	})
}

func (r *Router) handleShutdown(w http.ResponseWriter, req *http.Request) {
	timeout := 30 * time.Second
	if raw := req.URL.Query().Get("timeout"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "timeout must be a non-negative integer")
			return
		}
		timeout = time.Duration(n) * time.Second
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if r.deps.Shutdown != nil {
		go r.deps.Shutdown(timeout)
	}
}

// statusRecorder captures the written status for request accounting.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers work through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// parseLimit reads a ?limit= query with a default.
func parseLimit(req *http.Request, fallback int) int {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
