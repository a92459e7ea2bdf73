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
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/tombee/actiond/internal/httputil"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/internal/trigger"
	"github.com/tombee/actiond/pkg/errors"
)

// maxWebhookBody bounds an incoming webhook payload.
const maxWebhookBody = 4 << 20

// TriggersHandler serves trigger CRUD and webhook deliveries.
type TriggersHandler struct {
	store    *store.Store
	triggers *trigger.Engine
}

// NewTriggersHandler creates a triggers handler.
func NewTriggersHandler(st *store.Store, eng *trigger.Engine) *TriggersHandler {
	return &TriggersHandler{store: st, triggers: eng}
}

// RegisterRoutes registers trigger API routes on the router.
func (h *TriggersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/triggers", h.handleCreate)
	mux.HandleFunc("GET /api/triggers", h.handleList)
	mux.HandleFunc("GET /api/triggers/{id}", h.handleGet)
	mux.HandleFunc("PUT /api/triggers/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /api/triggers/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/triggers/{id}/invocations", h.handleInvocations)
	mux.HandleFunc("POST /api/triggers/{id}/webhook", h.handleWebhook)
}

// triggerRequest is the CRUD body; the secret is write-only.
type triggerRequest struct {
	store.Trigger
	WebhookSecret string `json:"webhook_secret"`
}

func (h *TriggersHandler) decode(r *http.Request) (*store.Trigger, error) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, &errors.ValidationError{Field: "body", Reason: "not a valid trigger", Cause: err}
	}
	trig := req.Trigger
	trig.WebhookSecret = req.WebhookSecret
	if trig.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if trig.ExecutionMode == "" {
		trig.ExecutionMode = store.ExecutionModeRun
	}
	switch trig.ExecutionMode {
	case store.ExecutionModeRun:
		if _, err := h.store.GetAction(r.Context(), trig.ActionID); err != nil {
			return nil, err
		}
	case store.ExecutionModeWorkItem:
		if trig.WorkItemQueue == "" {
			return nil, &errors.ValidationError{Field: "work_item_queue", Reason: "required for work_item mode"}
		}
	default:
		return nil, &errors.ValidationError{Field: "execution_mode", Reason: "must be run or work_item"}
	}
	if trig.InputsTemplateJSON == "" {
		trig.InputsTemplateJSON = "{}"
	} else if !json.Valid([]byte(trig.InputsTemplateJSON)) {
		return nil, &errors.ValidationError{Field: "inputs_template_json", Reason: "not valid JSON"}
	}
	return &trig, nil
}

// handleCreate handles POST /api/triggers.
func (h *TriggersHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	trig, err := h.decode(r)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	trig.ID = uuid.NewString()

	if err := h.store.CreateTrigger(r.Context(), trig); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, trig)
}

// handleList handles GET /api/triggers.
func (h *TriggersHandler) handleList(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.store.ListTriggers(r.Context())
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, triggers)
}

// handleGet handles GET /api/triggers/{id}.
func (h *TriggersHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	trig, err := h.store.GetTrigger(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, trig)
}

// handleUpdate handles PUT /api/triggers/{id}.
func (h *TriggersHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.GetTrigger(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	trig, err := h.decode(r)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	trig.ID = existing.ID
	if trig.WebhookSecret == "" {
		trig.WebhookSecret = existing.WebhookSecret
	}

	if err := h.store.UpdateTrigger(r.Context(), trig); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, trig)
}

// handleDelete handles DELETE /api/triggers/{id}.
func (h *TriggersHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteTrigger(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleInvocations handles GET /api/triggers/{id}/invocations.
func (h *TriggersHandler) handleInvocations(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.GetTrigger(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	invs, err := h.store.ListTriggerInvocations(r.Context(), r.PathValue("id"), parseLimit(r, 50))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, invs)
}

// handleWebhook handles POST /api/triggers/{id}/webhook. Callers
// authenticate with the trigger's HMAC signature, not the API key.
func (h *TriggersHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		sourceIP = host
	}

	inv, err := h.triggers.HandleWebhook(r.Context(), r.PathValue("id"), body, headers, sourceIP)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":       string(inv.Status),
		"run_id":       inv.RunID,
		"work_item_id": inv.WorkItemID,
	})
}
