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

package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/internal/workitems"
	"github.com/tombee/actiond/pkg/errors"
)

type fakeEngine struct {
	lastInputs    json.RawMessage
	lastRequestID string
}

func (f *fakeEngine) Run(ctx context.Context, pkg *store.ActionPackage, action *store.Action, inputs json.RawMessage, managed map[string]any, requestID string) (*store.Run, error) {
	f.lastInputs = inputs
	f.lastRequestID = requestID
	return &store.Run{ID: uuid.NewString(), Status: store.RunStatusPassed}, nil
}

type rig struct {
	store    *store.Store
	engine   *fakeEngine
	triggers *Engine
	actionID string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st, err := store.New(store.Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	pkg := &store.ActionPackage{ID: uuid.NewString(), Name: "pkg", Directory: "/tmp/pkg"}
	require.NoError(t, st.UpsertActionPackage(ctx, pkg))
	action := &store.Action{
		ID: uuid.NewString(), ActionPackageID: pkg.ID, Name: "act",
		InputSchema: "{}", OutputSchema: "{}", ManagedParams: "{}",
		Kind: store.ActionKindAction,
	}
	require.NoError(t, st.SyncActions(ctx, pkg.ID, []*store.Action{action}))

	logger := slog.New(slog.DiscardHandler)
	engine := &fakeEngine{}
	return &rig{
		store:    st,
		engine:   engine,
		triggers: New(st, engine, workitems.New(st, logger), logger),
		actionID: action.ID,
	}
}

func (r *rig) makeTrigger(t *testing.T, mutate func(*store.Trigger)) *store.Trigger {
	t.Helper()
	trig := &store.Trigger{
		ID: uuid.NewString(), Name: "hook", Enabled: true,
		ActionID: r.actionID, ExecutionMode: store.ExecutionModeRun,
		InputsTemplateJSON: "{}",
	}
	if mutate != nil {
		mutate(trig)
	}
	require.NoError(t, r.store.CreateTrigger(context.Background(), trig))
	return trig
}

func sign256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAcceptedRunMode(t *testing.T) {
	r := newRig(t)
	trig := r.makeTrigger(t, func(tr *store.Trigger) {
		tr.InputsTemplateJSON = `{"order":"{{payload.order}}"}`
	})

	inv, err := r.triggers.HandleWebhook(context.Background(), trig.ID,
		[]byte(`{"order":"A-1"}`), nil, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, store.InvocationAccepted, inv.Status)
	assert.NotEmpty(t, inv.RunID)
	assert.Equal(t, "trigger:"+trig.ID, r.engine.lastRequestID)
	assert.JSONEq(t, `{"order":"A-1"}`, string(r.engine.lastInputs))

	got, err := r.store.GetTrigger(context.Background(), trig.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TriggerCount)
	require.NotNil(t, got.LastTriggeredAt)
}

func TestWebhookWorkItemMode(t *testing.T) {
	r := newRig(t)
	trig := r.makeTrigger(t, func(tr *store.Trigger) {
		tr.ExecutionMode = store.ExecutionModeWorkItem
		tr.WorkItemQueue = "orders"
		tr.InputsTemplateJSON = `{"n":"{{payload.n}}"}`
	})

	inv, err := r.triggers.HandleWebhook(context.Background(), trig.ID,
		[]byte(`{"n":7}`), nil, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, store.InvocationAccepted, inv.Status)
	assert.NotEmpty(t, inv.WorkItemID)

	item, err := r.store.GetWorkItem(context.Background(), inv.WorkItemID)
	require.NoError(t, err)
	assert.Equal(t, "orders", item.QueueName)
	assert.JSONEq(t, `{"n":7}`, item.PayloadJSON)
}

func TestWebhookMissingTriggerLeavesNoRow(t *testing.T) {
	r := newRig(t)

	inv, err := r.triggers.HandleWebhook(context.Background(), uuid.NewString(),
		[]byte(`{}`), nil, "10.0.0.1")
	assert.Nil(t, inv)
	assert.True(t, errors.IsNotFound(err))
}

func TestWebhookDisabledTriggerRejected(t *testing.T) {
	r := newRig(t)
	trig := r.makeTrigger(t, func(tr *store.Trigger) { tr.Enabled = false })

	inv, err := r.triggers.HandleWebhook(context.Background(), trig.ID,
		[]byte(`{}`), nil, "10.0.0.1")
	require.Error(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, store.InvocationRejected, inv.Status)
	assert.Empty(t, inv.RunID)
}

func TestWebhookSignatureVerification(t *testing.T) {
	r := newRig(t)
	trig := r.makeTrigger(t, func(tr *store.Trigger) { tr.WebhookSecret = "s" })
	body := []byte(`{"x":1}`)

	// Correct signature fires the run.
	inv, err := r.triggers.HandleWebhook(context.Background(), trig.ID, body,
		map[string]string{"x-hub-signature-256": sign256("s", body)}, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, store.InvocationAccepted, inv.Status)

	// A corrupted signature rejects and leaves no accepted row.
	bad := sign256("s", body)
	last := bad[len(bad)-1]
	flip := "0"
	if last == '0' {
		flip = "1"
	}
	inv, err = r.triggers.HandleWebhook(context.Background(), trig.ID, body,
		map[string]string{"x-hub-signature-256": bad[:len(bad)-1] + flip}, "10.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.Equal(t, store.InvocationRejected, inv.Status)

	invs, err := r.store.ListTriggerInvocations(context.Background(), trig.ID, 10)
	require.NoError(t, err)
	accepted := 0
	for _, i := range invs {
		if i.Status == store.InvocationAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestWebhookSignatureAbsentHeaderRejects(t *testing.T) {
	r := newRig(t)
	trig := r.makeTrigger(t, func(tr *store.Trigger) { tr.WebhookSecret = "s" })

	inv, err := r.triggers.HandleWebhook(context.Background(), trig.ID,
		[]byte(`{"x":1}`), nil, "10.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.Equal(t, store.InvocationRejected, inv.Status)
}

func TestWebhookRateLimit(t *testing.T) {
	r := newRig(t)
	trig := r.makeTrigger(t, func(tr *store.Trigger) {
		tr.RateLimitEnabled = true
		tr.RateLimitMaxPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		inv, err := r.triggers.HandleWebhook(context.Background(), trig.ID,
			[]byte(`{}`), nil, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, store.InvocationAccepted, inv.Status)
	}

	inv, err := r.triggers.HandleWebhook(context.Background(), trig.ID,
		[]byte(`{}`), nil, "10.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.IsRateLimit(err))
	assert.Equal(t, store.InvocationRateLimited, inv.Status)
}

func TestVerifySignatureVariants(t *testing.T) {
	body := []byte(`{"x": 1}`)
	// Signature computed over the compacted body matches a request body
	// that carries extra whitespace.
	compact := []byte(`{"x":1}`)
	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write(compact)
	sig := hex.EncodeToString(mac.Sum(nil))

	require.NoError(t, verifySignature(map[string]string{"x-hub-signature-256": "sha256=" + sig}, body, "s"))
	// Bare hex defaults to sha256.
	require.NoError(t, verifySignature(map[string]string{"x-signature": sig}, body, "s"))

	sha1mac := hmac.New(sha1.New, []byte("s"))
	sha1mac.Write(compact)
	sha1sig := hex.EncodeToString(sha1mac.Sum(nil))
	require.NoError(t, verifySignature(map[string]string{"x-signature-256": "sha1=" + sha1sig}, body, "s"))

	err := verifySignature(map[string]string{"x-signature": sig}, body, "wrong")
	assert.True(t, errors.IsAuth(err))
	err = verifySignature(nil, body, "s")
	assert.True(t, errors.IsAuth(err))
}

func TestResolveTemplateNativeTypes(t *testing.T) {
	payload := map[string]any{
		"count": float64(3),
		"flags": []any{true, false},
		"user":  map[string]any{"name": "ada"},
		"none":  nil,
	}
	headers := map[string]string{"X-Request-Id": "req-1"}
	meta := templateMeta{TriggerID: "t-1", TriggerName: "hook", Timestamp: "2024-01-01T00:00:00Z"}

	tmpl := `{
		"count": "{{payload.count}}",
		"flag": "{{payload.flags.0}}",
		"who": "user={{payload.user.name}} id={{headers.x-request-id}}",
		"blank": "missing={{payload.nope}} none={{payload.none}}",
		"meta": ["{{meta.trigger_id}}", "{{meta.trigger_name}}", "{{meta.timestamp}}"],
		"nested": {"inner": "{{payload.user}}"}
	}`

	out, err := resolveTemplate(tmpl, payload, headers, meta)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, float64(3), got["count"])
	assert.Equal(t, true, got["flag"])
	assert.Equal(t, "user=ada id=req-1", got["who"])
	assert.Equal(t, "missing= none=", got["blank"])
	assert.Equal(t, []any{"t-1", "hook", "2024-01-01T00:00:00Z"}, got["meta"])
	assert.Equal(t, map[string]any{"inner": map[string]any{"name": "ada"}}, got["nested"])
}

func TestResolveTemplateInvalidJSON(t *testing.T) {
	_, err := resolveTemplate(`{not json`, nil, nil, templateMeta{})
	assert.True(t, errors.IsValidation(err))
}
