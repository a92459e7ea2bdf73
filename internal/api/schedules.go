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
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/actiond/internal/httputil"
	"github.com/tombee/actiond/internal/scheduler"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/pkg/errors"
)

// SchedulesHandler serves schedule CRUD and execution history.
type SchedulesHandler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewSchedulesHandler creates a schedules handler.
func NewSchedulesHandler(st *store.Store, logger *slog.Logger) *SchedulesHandler {
	return &SchedulesHandler{store: st, logger: logger}
}

// RegisterRoutes registers schedule API routes on the router.
func (h *SchedulesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/schedules", h.handleCreate)
	mux.HandleFunc("GET /api/schedules", h.handleList)
	mux.HandleFunc("GET /api/schedules/{id}", h.handleGet)
	mux.HandleFunc("PUT /api/schedules/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /api/schedules/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/schedules/{id}/executions", h.handleExecutions)
}

// handleCreate handles POST /api/schedules.
func (h *SchedulesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var sched store.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "request body is not a valid schedule")
		return
	}

	sched.ID = uuid.NewString()
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if err := h.normalize(r, &sched); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	if err := h.store.CreateSchedule(r.Context(), &sched); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	h.logger.Info("schedule created", "schedule_id", sched.ID, "name", sched.Name)
	httputil.WriteJSON(w, http.StatusOK, &sched)
}

// handleList handles GET /api/schedules.
func (h *SchedulesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.store.ListSchedules(r.Context())
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, schedules)
}

// handleGet handles GET /api/schedules/{id}.
func (h *SchedulesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sched, err := h.store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sched)
}

// handleUpdate handles PUT /api/schedules/{id}.
func (h *SchedulesHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	var sched store.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "request body is not a valid schedule")
		return
	}
	sched.ID = existing.ID
	sched.CreatedAt = existing.CreatedAt
	sched.UpdatedAt = time.Now().UTC()
	if err := h.normalize(r, &sched); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	if err := h.store.UpdateSchedule(r.Context(), &sched); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &sched)
}

// handleDelete handles DELETE /api/schedules/{id}.
func (h *SchedulesHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleExecutions handles GET /api/schedules/{id}/executions.
func (h *SchedulesHandler) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.GetSchedule(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	execs, err := h.store.ListScheduleExecutions(r.Context(), r.PathValue("id"), parseLimit(r, 50))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, execs)
}

// normalize validates the target action, fills defaults and computes
// the initial next_run_at for enabled schedules.
func (h *SchedulesHandler) normalize(r *http.Request, sched *store.Schedule) error {
	if sched.Name == "" {
		return &errors.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if sched.ExecutionMode == "" {
		sched.ExecutionMode = store.ExecutionModeRun
	}
	switch sched.ExecutionMode {
	case store.ExecutionModeRun:
		if _, err := h.store.GetAction(r.Context(), sched.ActionID); err != nil {
			return err
		}
	case store.ExecutionModeWorkItem:
		if sched.WorkItemQueue == "" {
			return &errors.ValidationError{Field: "work_item_queue", Reason: "required for work_item mode"}
		}
	default:
		return &errors.ValidationError{Field: "execution_mode", Reason: "must be run or work_item"}
	}
	if sched.InputsJSON == "" {
		sched.InputsJSON = "{}"
	} else if !json.Valid([]byte(sched.InputsJSON)) {
		return &errors.ValidationError{Field: "inputs_json", Reason: "not valid JSON"}
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if sched.MaxConcurrent <= 0 {
		sched.MaxConcurrent = 1
	}
	if sched.RetryBackoffMult <= 0 {
		sched.RetryBackoffMult = 2.0
	}

	// The recurrence is validated even when next_run_at is supplied; a
	// bad expression must fail here, not at the first tick.
	now := time.Now().UTC()
	next, err := scheduler.ComputeNextRun(sched, now)
	if err != nil {
		return err
	}
	if sched.Enabled && sched.NextRunAt == nil {
		if next == nil {
			// A once schedule fires immediately when no time is given.
			next = &now
		}
		sched.NextRunAt = next
	}
	return nil
}
