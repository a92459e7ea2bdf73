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

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tombee/actiond/internal/httputil"
	"github.com/tombee/actiond/internal/runner"
	"github.com/tombee/actiond/internal/store"
)

// RunsHandler serves run history and artifacts.
type RunsHandler struct {
	store  *store.Store
	runner *runner.Engine
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(st *store.Store, eng *runner.Engine) *RunsHandler {
	return &RunsHandler{store: st, runner: eng}
}

// RegisterRoutes registers run API routes on the router.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/runs", h.handleList)
	mux.HandleFunc("GET /api/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /api/runs/{id}/artifacts", h.handleListArtifacts)
	mux.HandleFunc("GET /api/runs/{id}/artifacts/text-content", h.handleTextContent)
	mux.HandleFunc("GET /api/runs/{id}/artifacts/binary-content", h.handleBinaryContent)
}

// handleList handles GET /api/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Limit: parseLimit(r, 100)}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = store.RunStatus(status)
	}
	filter.ActionID = r.URL.Query().Get("action_id")
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

// handleGet handles GET /api/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleListArtifacts handles GET /api/runs/{id}/artifacts.
func (h *RunsHandler) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.runner.ListArtifacts(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, artifacts)
}

// handleTextContent handles
// GET /api/runs/{id}/artifacts/text-content?artifact_names|artifact_name_regexp.
func (h *RunsHandler) handleTextContent(w http.ResponseWriter, r *http.Request) {
	var names []string
	for _, raw := range r.URL.Query()["artifact_names"] {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	pattern := r.URL.Query().Get("artifact_name_regexp")

	content, err := h.runner.ArtifactText(r.Context(), r.PathValue("id"), names, pattern)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, content)
}

// handleBinaryContent handles
// GET /api/runs/{id}/artifacts/binary-content?artifact_name.
func (h *RunsHandler) handleBinaryContent(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("artifact_name")
	if name == "" {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "artifact_name is required")
		return
	}

	data, err := h.runner.ArtifactBinary(r.Context(), r.PathValue("id"), name)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
