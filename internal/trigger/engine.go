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

// Package trigger turns incoming webhook deliveries into runs or work
// items: signature verification, per-trigger rate limiting, inputs
// template resolution and invocation logging.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/internal/workitems"
	"github.com/tombee/actiond/pkg/errors"
)

// RunEngine is the run-mode execution target.
type RunEngine interface {
	Run(ctx context.Context, pkg *store.ActionPackage, action *store.Action, inputs json.RawMessage, managed map[string]any, requestID string) (*store.Run, error)
}

// Engine handles webhook deliveries for stored triggers.
type Engine struct {
	store  *store.Store
	engine RunEngine
	queue  *workitems.Service
	logger *slog.Logger

	// now is replaceable for tests.
	now func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a trigger engine.
func New(st *store.Store, engine RunEngine, queue *workitems.Service, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		engine:   engine,
		queue:    queue,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// HandleWebhook processes one delivery. Verification and rate limiting
// happen before any side effect; a missing trigger leaves no invocation
// row at all. The returned invocation carries the terminal status and
// any run or work-item ID it produced.
func (e *Engine) HandleWebhook(ctx context.Context, triggerID string, body []byte, headers map[string]string, sourceIP string) (*store.TriggerInvocation, error) {
	trig, err := e.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	inv := &store.TriggerInvocation{
		ID:          uuid.NewString(),
		TriggerID:   trig.ID,
		InvokedAt:   e.now().UTC(),
		SourceIP:    sourceIP,
		PayloadJSON: string(body),
		HeadersJSON: marshalHeaders(headers),
	}

	if !trig.Enabled {
		return e.reject(ctx, inv, store.InvocationRejected, "trigger is disabled",
			&errors.ValidationError{Field: "trigger", Reason: "trigger is disabled"})
	}

	if trig.WebhookSecret != "" {
		if err := verifySignature(headers, body, trig.WebhookSecret); err != nil {
			return e.reject(ctx, inv, store.InvocationRejected, err.Error(), err)
		}
	}

	if trig.RateLimitEnabled && trig.RateLimitMaxPerMinute > 0 {
		if !e.limiter(trig).Allow() {
			return e.reject(ctx, inv, store.InvocationRateLimited, "rate limit exceeded",
				&errors.RateLimitError{Subject: "trigger " + trig.ID, Window: time.Minute})
		}
	}

	var payload any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return e.reject(ctx, inv, store.InvocationRejected, "body is not valid JSON",
				&errors.ValidationError{Field: "body", Reason: "not valid JSON", Cause: err})
		}
	}

	meta := templateMeta{
		TriggerID:   trig.ID,
		TriggerName: trig.Name,
		Timestamp:   e.now().UTC().Format(time.RFC3339),
	}
	inputs, err := resolveTemplate(trig.InputsTemplateJSON, payload, headers, meta)
	if err != nil {
		return e.reject(ctx, inv, store.InvocationError, err.Error(), err)
	}

	if err := e.dispatch(ctx, trig, inv, inputs); err != nil {
		return e.reject(ctx, inv, store.InvocationError, err.Error(), err)
	}

	inv.Status = store.InvocationAccepted
	if err := e.store.CreateTriggerInvocation(ctx, inv); err != nil {
		return nil, err
	}
	if err := e.store.RecordTriggerFired(ctx, trig.ID, inv.InvokedAt); err != nil {
		e.logger.Error("failed to record trigger fire", "trigger_id", trig.ID, "error", err)
	}
	e.logger.Info("webhook accepted",
		"trigger_id", trig.ID, "run_id", inv.RunID, "work_item_id", inv.WorkItemID)
	return inv, nil
}

// dispatch materializes the invocation as a run or a work item.
func (e *Engine) dispatch(ctx context.Context, trig *store.Trigger, inv *store.TriggerInvocation, inputs json.RawMessage) error {
	if trig.ExecutionMode == store.ExecutionModeWorkItem {
		item, err := e.queue.Seed(ctx, trig.WorkItemQueue, inputs)
		if err != nil {
			return err
		}
		inv.WorkItemID = item.ID
		return nil
	}

	action, err := e.store.GetAction(ctx, trig.ActionID)
	if err != nil {
		return err
	}
	pkg, err := e.store.GetActionPackage(ctx, action.ActionPackageID)
	if err != nil {
		return err
	}

	run, err := e.engine.Run(ctx, pkg, action, inputs, nil, fmt.Sprintf("trigger:%s", trig.ID))
	if run != nil {
		inv.RunID = run.ID
	}
	return err
}

// reject persists a negative invocation and surfaces the cause.
func (e *Engine) reject(ctx context.Context, inv *store.TriggerInvocation, status store.InvocationStatus, message string, cause error) (*store.TriggerInvocation, error) {
	inv.Status = status
	inv.ErrorMessage = message
	if err := e.store.CreateTriggerInvocation(ctx, inv); err != nil {
		e.logger.Error("failed to record invocation", "trigger_id", inv.TriggerID, "error", err)
	}
	e.logger.Warn("webhook not accepted",
		"trigger_id", inv.TriggerID, "status", status, "reason", message)
	return inv, cause
}

// limiter returns the per-trigger limiter, sized for a rolling minute.
func (e *Engine) limiter(trig *store.Trigger) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[trig.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(trig.RateLimitMaxPerMinute)), trig.RateLimitMaxPerMinute)
		e.limiters[trig.ID] = lim
	}
	return lim
}

func marshalHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
