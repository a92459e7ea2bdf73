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

// Package workitems is the persistent queue consumed by actions: seed,
// atomic reserve, release and admin retry over store-backed items.
package workitems

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/pkg/errors"
)

// Exception carries the failure details of a FAILED release.
type Exception struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Service exposes the queue operations.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates the work-items service.
func New(st *store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Seed enqueues a new PENDING item and returns it.
func (s *Service) Seed(ctx context.Context, queue string, payload json.RawMessage) (*store.WorkItem, error) {
	if err := validQueue(queue); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return nil, &errors.ValidationError{Field: "payload", Reason: "not valid JSON"}
	}

	item := &store.WorkItem{
		ID:          uuid.NewString(),
		QueueName:   queue,
		PayloadJSON: string(payload),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SeedWorkItem(ctx, item); err != nil {
		return nil, err
	}
	s.logger.Debug("work item seeded", "queue", queue, "item", item.ID)
	return item, nil
}

// Reserve claims the oldest pending item for owner. A nil item means the
// queue is empty; re-reserving before release returns the held item.
func (s *Service) Reserve(ctx context.Context, queue, owner string) (*store.WorkItem, error) {
	if err := validQueue(queue); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, &errors.ValidationError{Field: "lease_owner", Reason: "must not be empty"}
	}
	return s.store.ReserveWorkItem(ctx, queue, owner)
}

// ReleaseDone completes an item successfully.
func (s *Service) ReleaseDone(ctx context.Context, itemID string) error {
	return s.store.ReleaseWorkItem(ctx, itemID, store.WorkItemDone, "", "", "")
}

// ReleaseFailed fails an item with exception details.
func (s *Service) ReleaseFailed(ctx context.Context, itemID string, exc Exception) error {
	if exc.Type == "" {
		exc.Type = "APPLICATION"
	}
	return s.store.ReleaseWorkItem(ctx, itemID, store.WorkItemFailed, exc.Type, exc.Code, exc.Message)
}

// Retry re-queues a FAILED item. This is an explicit admin action; the
// queue never retries automatically.
func (s *Service) Retry(ctx context.Context, itemID string) error {
	return s.store.RetryWorkItem(ctx, itemID)
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, itemID string) (*store.WorkItem, error) {
	return s.store.GetWorkItem(ctx, itemID)
}

// List returns items of a queue, optionally filtered by state.
func (s *Service) List(ctx context.Context, queue string, state store.WorkItemState, limit int) ([]*store.WorkItem, error) {
	if err := validQueue(queue); err != nil {
		return nil, err
	}
	return s.store.ListWorkItems(ctx, store.WorkItemFilter{Queue: queue, State: state, Limit: limit})
}

// Stats summarizes one queue.
func (s *Service) Stats(ctx context.Context, queue string) (*store.QueueStats, error) {
	if err := validQueue(queue); err != nil {
		return nil, err
	}
	return s.store.GetQueueStats(ctx, queue)
}

// Queues lists the known queue names.
func (s *Service) Queues(ctx context.Context) ([]string, error) {
	return s.store.ListQueues(ctx)
}

func validQueue(queue string) error {
	if queue == "" || strings.TrimSpace(queue) != queue {
		return &errors.ValidationError{Field: "queue_name", Reason: "must be a non-empty trimmed string"}
	}
	return nil
}
