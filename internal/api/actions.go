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
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/actiond/internal/actionctx"
	"github.com/tombee/actiond/internal/httputil"
	"github.com/tombee/actiond/internal/runner"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/pkg/errors"
)

// RunIDHeader carries the created run's ID on run responses.
const RunIDHeader = "X-Action-Server-Run-Id"

// ActionsHandler serves action listings and synchronous action runs.
type ActionsHandler struct {
	store     *store.Store
	runner    *runner.Engine
	decrypter *actionctx.Decrypter
	logger    *slog.Logger
}

// NewActionsHandler creates an actions handler.
func NewActionsHandler(st *store.Store, eng *runner.Engine, dec *actionctx.Decrypter, logger *slog.Logger) *ActionsHandler {
	return &ActionsHandler{store: st, runner: eng, decrypter: dec, logger: logger}
}

// RegisterRoutes registers action API routes on the router.
func (h *ActionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/actions", h.handleList)
	mux.HandleFunc("GET /api/actions/{package}/{action}", h.handleGet)
	mux.HandleFunc("POST /api/actions/{package}/{action}/run", h.handleRun)
}

// PackageListing is one package with its enabled actions.
type PackageListing struct {
	Package *store.ActionPackage `json:"package"`
	Actions []*store.Action      `json:"actions"`
}

// handleList handles GET /api/actions.
func (h *ActionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.store.ListActionPackages(r.Context())
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	out := make([]PackageListing, 0, len(pkgs))
	for _, pkg := range pkgs {
		actions, err := h.store.ListActions(r.Context(), pkg.ID, true)
		if err != nil {
			httputil.WriteErrorFrom(w, err)
			return
		}
		out = append(out, PackageListing{Package: pkg, Actions: actions})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// lookupAction resolves the {action} path segment. URLs commonly spell
// the action name with dashes while Python identifiers use underscores,
// so the literal name is tried first and the underscore form second.
func (h *ActionsHandler) lookupAction(ctx context.Context, packageID, name string) (*store.Action, error) {
	action, err := h.store.GetActionByName(ctx, packageID, name)
	if errors.IsNotFound(err) && strings.Contains(name, "-") {
		return h.store.GetActionByName(ctx, packageID, strings.ReplaceAll(name, "-", "_"))
	}
	return action, err
}

// handleGet handles GET /api/actions/{package}/{action}.
func (h *ActionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.store.GetActionPackageByName(r.Context(), r.PathValue("package"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	action, err := h.lookupAction(r.Context(), pkg.ID, r.PathValue("action"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, action)
}

// handleRun handles POST /api/actions/{package}/{action}/run. The body
// is the action's inputs; the response body is the action's return
// value, with the run ID in the X-Action-Server-Run-Id header.
func (h *ActionsHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.store.GetActionPackageByName(r.Context(), r.PathValue("package"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	action, err := h.lookupAction(r.Context(), pkg.ID, r.PathValue("action"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	inputs, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	managed, err := h.managedValues(r, action)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	run, err := h.runner.StartRun(r.Context(), action, inputs, "")
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.Header().Set(RunIDHeader, run.ID)

	// Client disconnects do not cancel a started run; only the engine's
	// own run timeout can stop it now.
	runCtx := context.WithoutCancel(r.Context())
	if err := h.runner.Execute(runCtx, run, pkg, action, managed); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	if run.Status == store.RunStatusFailed {
		httputil.WriteError(w, http.StatusInternalServerError, run.ErrorMessage)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	result := run.Result
	if result == "" {
		result = "null"
	}
	if _, err := io.WriteString(w, result); err != nil {
		h.logger.Error("failed to write run result", "run_id", run.ID, "error", err)
	}
}

// managedValues decrypts the request's action context and routes it
// into the action's managed parameters.
func (h *ActionsHandler) managedValues(r *http.Request, action *store.Action) (map[string]any, error) {
	var params map[string]string
	if action.ManagedParams != "" {
		if err := json.Unmarshal([]byte(action.ManagedParams), &params); err != nil {
			return nil, &errors.ValidationError{
				Field:  "managed_params",
				Reason: "stored managed parameters are not valid JSON",
				Cause:  err,
			}
		}
	}
	if len(params) == 0 {
		return nil, nil
	}

	actx, err := h.decrypter.FromRequest(r)
	if err != nil {
		return nil, err
	}
	return actionctx.ManagedValues(actx, params), nil
}
