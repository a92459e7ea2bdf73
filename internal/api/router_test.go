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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/actiond/internal/actionctx"
	"github.com/tombee/actiond/internal/env"
	"github.com/tombee/actiond/internal/pkgload"
	"github.com/tombee/actiond/internal/procpool"
	"github.com/tombee/actiond/internal/runner"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/internal/trigger"
	"github.com/tombee/actiond/internal/workitems"
)

type rig struct {
	router   *Router
	store    *store.Store
	dataDir  string
	actionID string
	pkgName  string
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	dataDir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.New(store.Config{Path: filepath.Join(dataDir, "server.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	pkg := &store.ActionPackage{ID: uuid.NewString(), Name: "calculator", Directory: filepath.Join(dataDir, "pkg")}
	require.NoError(t, st.UpsertActionPackage(ctx, pkg))
	action := &store.Action{
		ID: uuid.NewString(), ActionPackageID: pkg.ID, Name: "add",
		Docs: "Adds two numbers.",
		InputSchema: `{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`,
		OutputSchema: `{"type":"number"}`, ManagedParams: "{}",
		Kind: store.ActionKindAction,
	}
	require.NoError(t, st.SyncActions(ctx, pkg.ID, []*store.Action{action}))

	pool, err := procpool.New(procpool.Config{}, filepath.Join(dataDir, "scratch"), logger)
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	envs := env.NewManager(env.Config{DevMode: true, CacheDir: filepath.Join(dataDir, "envs")}, logger)
	eng := runner.New(runner.Config{ArtifactsDir: filepath.Join(dataDir, "artifacts")}, st, pool, envs, logger)
	queue := workitems.New(st, logger)

	router := New(cfg, Deps{
		Store:     st,
		Runner:    eng,
		Triggers:  trigger.New(st, eng, queue, logger),
		Queue:     queue,
		Decrypter: actionctx.NewDecrypter(nil, nil),
		Logger:    logger,
	})
	return &rig{router: router, store: st, dataDir: dataDir, actionID: action.ID, pkgName: pkg.Name}
}

func (r *rig) do(t *testing.T, method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequiredWhenKeySet(t *testing.T) {
	r := newRig(t, Config{APIKey: "k"})

	rec := r.do(t, http.MethodGet, "/api/runs", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["message"], "API key")

	rec = r.do(t, http.MethodGet, "/api/runs", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer k")
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The OpenAPI document stays public.
	rec = r.do(t, http.MethodGet, "/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenAPIReflectsEnabledActions(t *testing.T) {
	r := newRig(t, Config{ServerName: "calc server", Version: "1.2.3"})

	rec := r.do(t, http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	info := doc["info"].(map[string]any)
	assert.Equal(t, "calc server", info["title"])
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/api/actions/calculator/add/run")

	// Disabling the action removes it from the document.
	require.NoError(t, r.store.SyncActions(context.Background(), mustPackageID(t, r), nil))
	rec = r.do(t, http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	if rawPaths, ok := doc["paths"].(map[string]any); ok {
		assert.NotContains(t, rawPaths, "/api/actions/calculator/add/run")
	}
}

func mustPackageID(t *testing.T, r *rig) string {
	t.Helper()
	pkg, err := r.store.GetActionPackageByName(context.Background(), r.pkgName)
	require.NoError(t, err)
	return pkg.ID
}

func TestListActions(t *testing.T) {
	r := newRig(t, Config{})

	rec := r.do(t, http.MethodGet, "/api/actions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listings []PackageListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listings))
	require.Len(t, listings, 1)
	assert.Equal(t, "calculator", listings[0].Package.Name)
	require.Len(t, listings[0].Actions, 1)
	assert.Equal(t, "add", listings[0].Actions[0].Name)
}

func TestGetActionDetail(t *testing.T) {
	r := newRig(t, Config{})

	rec := r.do(t, http.MethodGet, "/api/actions/calculator/add", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var action store.Action
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &action))
	assert.Equal(t, "add", action.Name)
	assert.JSONEq(t, `{"type":"number"}`, action.OutputSchema)

	rec = r.do(t, http.MethodGet, "/api/actions/calculator/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActionLookupAcceptsDashedNames(t *testing.T) {
	r := newRig(t, Config{})

	ctx := context.Background()
	pkg := &store.ActionPackage{ID: uuid.NewString(), Name: "mathpkg", Directory: r.dataDir}
	require.NoError(t, r.store.UpsertActionPackage(ctx, pkg))
	require.NoError(t, r.store.SyncActions(ctx, pkg.ID, []*store.Action{{
		ID: uuid.NewString(), ActionPackageID: pkg.ID, Name: "calculator_sum",
		Docs:        "Sums two numbers.",
		InputSchema: `{"type":"object"}`, OutputSchema: `{"type":"number"}`,
		ManagedParams: "{}", Kind: store.ActionKindAction,
	}}))

	// The URL form with dashes resolves the underscore identifier.
	rec := r.do(t, http.MethodGet, "/api/actions/mathpkg/calculator-sum", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var action store.Action
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &action))
	assert.Equal(t, "calculator_sum", action.Name)

	// The literal form keeps working.
	rec = r.do(t, http.MethodGet, "/api/actions/mathpkg/calculator_sum", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodGet, "/api/actions/mathpkg/calculator-nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusAndVersion(t *testing.T) {
	r := newRig(t, Config{ServerName: "actiond", Version: "1.2.3"})

	rec := r.do(t, http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = r.do(t, http.MethodGet, "/api/version", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"actiond","version":"1.2.3"}`, rec.Body.String())
}

func TestRunActionRejectsBadInputs(t *testing.T) {
	r := newRig(t, Config{})

	rec := r.do(t, http.MethodPost, "/api/actions/calculator/add/run",
		map[string]any{"a": "not a number"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, rec.Header().Get(RunIDHeader))
}

// TestRunActionSurvivesClientDisconnect covers the fire-and-follow-up
// contract: once a run has started, the client going away must not kill
// the worker or fail the run.
func TestRunActionSurvivesClientDisconnect(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("no python3 on this machine")
	}
	r := newRig(t, Config{})

	pkgDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "package.yaml"), []byte(`
name: slowmath
dependencies:
  pypi: []
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "actions.py"), []byte(`
def action(f):
    return f


@action
def slow_sum(v1: float, v2: float) -> float:
    """Sums two numbers, slowly."""
    import time
    time.sleep(2)
    return v1 + v2
`), 0o644))
	loader := pkgload.NewLoader(pkgload.Config{SkipLint: true}, r.store, slog.New(slog.DiscardHandler))
	_, err := loader.ImportDir(context.Background(), pkgDir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/actions/slowmath/slow-sum/run",
		strings.NewReader(`{"v1":1,"v2":2}`)).WithContext(ctx)
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3.0", strings.TrimSpace(rec.Body.String()))

	runID := rec.Header().Get(RunIDHeader)
	require.NotEmpty(t, runID)
	run, err := r.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPassed, run.Status)
}

func TestRunActionUnknownPackage(t *testing.T) {
	r := newRig(t, Config{})
	rec := r.do(t, http.MethodPost, "/api/actions/nope/add/run", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsEndpoints(t *testing.T) {
	r := newRig(t, Config{})
	ctx := context.Background()

	run := &store.Run{
		ID: uuid.NewString(), NumberedID: 1, Status: store.RunStatusPassed,
		ActionID: r.actionID, StartTime: time.Now().UTC(), Inputs: `{"a":1,"b":2}`,
		Result: "3", RelativeArtifactsDir: "runs/" + uuid.NewString(),
		RunType: store.RunTypeAction,
	}
	require.NoError(t, r.store.CreateRun(ctx, run))
	artifacts := filepath.Join(r.dataDir, "artifacts", run.RelativeArtifactsDir)
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "report.txt"), []byte("all good"), 0o644))

	rec := r.do(t, http.MethodGet, "/api/runs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []*store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)

	rec = r.do(t, http.MethodGet, "/api/runs/"+run.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodGet, "/api/runs/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, http.MethodGet, "/api/runs/"+run.ID+"/artifacts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []runner.ArtifactInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "report.txt", infos[0].Name)

	rec = r.do(t, http.MethodGet, "/api/runs/"+run.ID+"/artifacts/text-content?artifact_names=report.txt", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var content map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &content))
	assert.Equal(t, "all good", content["report.txt"])

	rec = r.do(t, http.MethodGet, "/api/runs/"+run.ID+"/artifacts/binary-content?artifact_name=report.txt", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "all good", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestScheduleCRUD(t *testing.T) {
	r := newRig(t, Config{})

	rec := r.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "nightly", "enabled": true,
		"schedule_type": "interval", "interval_seconds": 3600,
		"action_id": r.actionID, "inputs_json": `{"a":1,"b":2}`,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sched store.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sched))
	assert.NotEmpty(t, sched.ID)
	require.NotNil(t, sched.NextRunAt)
	assert.Equal(t, 1, sched.MaxConcurrent)

	rec = r.do(t, http.MethodGet, "/api/schedules/"+sched.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sched.Name = "nightly-v2"
	rec = r.do(t, http.MethodPut, "/api/schedules/"+sched.ID, &sched, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodGet, "/api/schedules/"+sched.ID+"/executions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodDelete, "/api/schedules/"+sched.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = r.do(t, http.MethodGet, "/api/schedules/"+sched.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleCreateValidation(t *testing.T) {
	r := newRig(t, Config{})

	rec := r.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "bad", "enabled": true,
		"schedule_type": "cron", "cron_expression": "not a cron",
		"action_id": r.actionID,
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// A bad expression fails at creation even when next_run_at is
	// supplied and the recurrence would not be computed until later.
	rec = r.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "bad", "enabled": true,
		"schedule_type": "cron", "cron_expression": "not a cron",
		"action_id":   r.actionID,
		"next_run_at": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "bad", "schedule_type": "interval", "interval_seconds": 60,
		"action_id": uuid.NewString(),
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerCRUDAndWebhook(t *testing.T) {
	r := newRig(t, Config{APIKey: "k"})
	withKey := func(req *http.Request) { req.Header.Set("Authorization", "Bearer k") }

	rec := r.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"name": "hook", "enabled": true, "action_id": r.actionID,
		"execution_mode": "work_item", "work_item_queue": "orders",
		"inputs_template_json": `{"n":"{{payload.n}}"}`,
		"webhook_secret":       "s",
	}, withKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var trig store.Trigger
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trig))

	// Webhook delivery authenticates by HMAC, not the API key.
	body := []byte(`{"n":7}`)
	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/api/triggers/"+trig.ID+"/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	rec2 := httptest.NewRecorder()
	r.router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code, rec2.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	assert.Equal(t, "ACCEPTED", resp["status"])
	assert.NotEmpty(t, resp["work_item_id"])

	// Wrong signature is rejected with 403.
	req = httptest.NewRequest(http.MethodPost, "/api/triggers/"+trig.ID+"/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(bytes.Repeat([]byte{1}, 32)))
	rec2 = httptest.NewRecorder()
	r.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusForbidden, rec2.Code)

	rec = r.do(t, http.MethodGet, fmt.Sprintf("/api/triggers/%s/invocations", trig.ID), nil, withKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var invs []*store.TriggerInvocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &invs))
	assert.Len(t, invs, 2)

	rec = r.do(t, http.MethodDelete, "/api/triggers/"+trig.ID, nil, withKey)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkItemsEndpoints(t *testing.T) {
	r := newRig(t, Config{})

	rec := r.do(t, http.MethodPost, "/api/work-items", map[string]any{
		"queue_name": "orders", "payload": map[string]any{"n": 1},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var item store.WorkItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))

	rec = r.do(t, http.MethodPost, "/api/work-items/reserve", map[string]any{
		"queue_name": "orders", "lease_owner": "c1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reserved store.WorkItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reserved))
	assert.Equal(t, item.ID, reserved.ID)

	rec = r.do(t, http.MethodPost, "/api/work-items/"+item.ID+"/release", map[string]any{
		"state": "FAILED", "exception": map[string]any{"message": "boom"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/work-items/"+item.ID+"/retry", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodGet, "/api/work-items/queues/orders/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats store.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Pending)

	rec = r.do(t, http.MethodGet, "/api/work-items/queues", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var queues []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queues))
	assert.Equal(t, []string{"orders"}, queues)
}

func TestShutdownGated(t *testing.T) {
	r := newRig(t, Config{})
	rec := r.do(t, http.MethodPost, "/api/shutdown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	called := make(chan time.Duration, 1)
	r2 := newRig(t, Config{ExposeShutdown: true})
	r2.router.deps.Shutdown = func(timeout time.Duration) { called <- timeout }
	rec = r2.do(t, http.MethodPost, "/api/shutdown?timeout=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case d := <-called:
		assert.Equal(t, 5*time.Second, d)
	case <-time.After(time.Second):
		t.Fatal("shutdown hook not invoked")
	}
}
