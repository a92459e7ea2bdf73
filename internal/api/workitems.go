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
	"encoding/json"
	"net/http"

	"github.com/tombee/actiond/internal/httputil"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/internal/workitems"
	"github.com/tombee/actiond/pkg/errors"
)

// WorkItemsHandler serves the work-items queue API.
type WorkItemsHandler struct {
	queue *workitems.Service
}

// NewWorkItemsHandler creates a work-items handler.
func NewWorkItemsHandler(queue *workitems.Service) *WorkItemsHandler {
	return &WorkItemsHandler{queue: queue}
}

// RegisterRoutes registers work-item API routes on the router.
func (h *WorkItemsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/work-items/queues", h.handleQueues)
	mux.HandleFunc("GET /api/work-items/queues/{queue}/stats", h.handleStats)
	mux.HandleFunc("GET /api/work-items", h.handleList)
	mux.HandleFunc("POST /api/work-items", h.handleSeed)
	mux.HandleFunc("POST /api/work-items/reserve", h.handleReserve)
	mux.HandleFunc("GET /api/work-items/{id}", h.handleGet)
	mux.HandleFunc("POST /api/work-items/{id}/release", h.handleRelease)
	mux.HandleFunc("POST /api/work-items/{id}/retry", h.handleRetry)
}

// handleQueues handles GET /api/work-items/queues.
func (h *WorkItemsHandler) handleQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.queue.Queues(r.Context())
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, queues)
}

// handleStats handles GET /api/work-items/queues/{queue}/stats.
func (h *WorkItemsHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context(), r.PathValue("queue"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// handleList handles GET /api/work-items?queue&state&limit.
func (h *WorkItemsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.List(r.Context(),
		r.URL.Query().Get("queue"),
		store.WorkItemState(r.URL.Query().Get("state")),
		parseLimit(r, 100))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

// seedRequest is the body for POST /api/work-items.
type seedRequest struct {
	QueueName string          `json:"queue_name"`
	Payload   json.RawMessage `json:"payload"`
}

// handleSeed handles POST /api/work-items.
func (h *WorkItemsHandler) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "request body is not valid JSON")
		return
	}

	item, err := h.queue.Seed(r.Context(), req.QueueName, req.Payload)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, item)
}

// reserveRequest is the body for POST /api/work-items/reserve.
type reserveRequest struct {
	QueueName  string `json:"queue_name"`
	LeaseOwner string `json:"lease_owner"`
}

// handleReserve handles POST /api/work-items/reserve. An empty queue
// yields 200 with a null item.
func (h *WorkItemsHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "request body is not valid JSON")
		return
	}

	item, err := h.queue.Reserve(r.Context(), req.QueueName, req.LeaseOwner)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, item)
}

// handleGet handles GET /api/work-items/{id}.
func (h *WorkItemsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	item, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, item)
}

// releaseRequest is the body for POST /api/work-items/{id}/release.
type releaseRequest struct {
	State     store.WorkItemState  `json:"state"`
	Exception *workitems.Exception `json:"exception,omitempty"`
}

// handleRelease handles POST /api/work-items/{id}/release.
func (h *WorkItemsHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "request body is not valid JSON")
		return
	}

	var err error
	switch req.State {
	case store.WorkItemDone:
		err = h.queue.ReleaseDone(r.Context(), r.PathValue("id"))
	case store.WorkItemFailed:
		exc := workitems.Exception{}
		if req.Exception != nil {
			exc = *req.Exception
		}
		err = h.queue.ReleaseFailed(r.Context(), r.PathValue("id"), exc)
	default:
		err = &errors.ValidationError{Field: "state", Reason: "must be DONE or FAILED"}
	}
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// handleRetry handles POST /api/work-items/{id}/retry.
func (h *WorkItemsHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Retry(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}
