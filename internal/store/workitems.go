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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const workItemColumns = `id, queue_name, state, payload_json, created_at,
	started_at, finished_at, lease_owner, attempts, exception_type,
	exception_code, exception_message`

// SeedWorkItem inserts a new PENDING work item into a queue.
func (s *Store) SeedWorkItem(ctx context.Context, item *WorkItem) error {
	item.State = WorkItemPending
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_item (`+workItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.QueueName, item.State, item.PayloadJSON,
		item.CreatedAt.UTC().Format(time.RFC3339),
		formatTime(item.StartedAt), formatTime(item.FinishedAt),
		nullString(item.LeaseOwner), item.Attempts,
		item.ExceptionType, item.ExceptionCode, item.ExceptionMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to seed work item: %w", err)
	}
	return nil
}

// ReserveWorkItem atomically claims the oldest PENDING item in a queue
// for the given owner. At most one item is IN_PROGRESS per (queue, owner):
// if the owner already holds a reservation, that same item is returned
// again. A nil item with a nil error means the queue is empty.
func (s *Store) ReserveWorkItem(ctx context.Context, queue, owner string) (*WorkItem, error) {
	var item *WorkItem
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		// Existing reservation wins: reserve is idempotent per owner.
		row := tx.QueryRowContext(ctx, `
			SELECT `+workItemColumns+` FROM work_item
			WHERE queue_name = ? AND state = ? AND lease_owner = ?
			LIMIT 1
		`, queue, WorkItemInProgress, owner)
		held, err := scanWorkItem(row)
		switch {
		case err == nil:
			item = held
			return nil
		case err != sql.ErrNoRows:
			return err
		}

		row = tx.QueryRowContext(ctx, `
			SELECT `+workItemColumns+` FROM work_item
			WHERE queue_name = ? AND state = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`, queue, WorkItemPending)
		next, err := scanWorkItem(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx, `
			UPDATE work_item
			SET state = ?, lease_owner = ?, started_at = ?, attempts = attempts + 1
			WHERE id = ? AND state = ?
		`, WorkItemInProgress, owner, now.Format(time.RFC3339), next.ID, WorkItemPending)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil
		}

		next.State = WorkItemInProgress
		next.LeaseOwner = owner
		next.StartedAt = &now
		next.Attempts++
		item = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reserve work item: %w", err)
	}
	return item, nil
}

// ReleaseWorkItem moves an IN_PROGRESS item to DONE or FAILED. Exception
// details are only stored for FAILED releases. Releasing an item that is
// not IN_PROGRESS is an error: terminal items are immutable.
func (s *Store) ReleaseWorkItem(ctx context.Context, id string, state WorkItemState, excType, excCode, excMessage string) error {
	if state != WorkItemDone && state != WorkItemFailed {
		return fmt.Errorf("invalid release state %q", state)
	}
	if state == WorkItemDone {
		excType, excCode, excMessage = "", "", ""
	}

	return s.InTx(ctx, func(tx *sql.Tx) error {
		var current WorkItemState
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM work_item WHERE id = ?`, id).Scan(&current)
		if err != nil {
			return notFound(err, "work item", id)
		}
		if current != WorkItemInProgress {
			return fmt.Errorf("work item %s is %s, not IN_PROGRESS", id, current)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE work_item
			SET state = ?, finished_at = ?, lease_owner = NULL,
				exception_type = ?, exception_code = ?, exception_message = ?
			WHERE id = ?
		`, state, time.Now().UTC().Format(time.RFC3339),
			excType, excCode, excMessage, id)
		return err
	})
}

// RetryWorkItem moves a FAILED item back to PENDING, clearing its
// exception details and lease so a consumer can pick it up again.
func (s *Store) RetryWorkItem(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var current WorkItemState
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM work_item WHERE id = ?`, id).Scan(&current)
		if err != nil {
			return notFound(err, "work item", id)
		}
		if current != WorkItemFailed {
			return fmt.Errorf("work item %s is %s, only FAILED items can be retried", id, current)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE work_item
			SET state = ?, started_at = NULL, finished_at = NULL, lease_owner = NULL,
				exception_type = '', exception_code = '', exception_message = ''
			WHERE id = ?
		`, WorkItemPending, id)
		return err
	})
}

// GetWorkItem retrieves a work item by ID.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_item WHERE id = ?`, id)
	item, err := scanWorkItem(row)
	if err != nil {
		return nil, notFound(err, "work item", id)
	}
	return item, nil
}

// WorkItemFilter restricts ListWorkItems results.
type WorkItemFilter struct {
	Queue string
	State WorkItemState
	Limit int
}

// ListWorkItems lists work items oldest first with optional filtering.
func (s *Store) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_item WHERE 1=1`
	args := []any{}

	if filter.Queue != "" {
		query += " AND queue_name = ?"
		args = append(args, filter.Queue)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListQueues returns the distinct queue names present in the table.
func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT queue_name FROM work_item ORDER BY queue_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan queue name: %w", err)
		}
		queues = append(queues, name)
	}
	return queues, rows.Err()
}

// GetQueueStats returns per-state counts for a queue.
func (s *Store) GetQueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM work_item
		WHERE queue_name = ?
		GROUP BY state
	`, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer rows.Close()

	stats := &QueueStats{QueueName: queue}
	for rows.Next() {
		var state WorkItemState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch state {
		case WorkItemPending:
			stats.Pending = n
		case WorkItemInProgress:
			stats.InProgress = n
		case WorkItemDone:
			stats.Done = n
		case WorkItemFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

func scanWorkItem(row scanner) (*WorkItem, error) {
	var item WorkItem
	var createdAt string
	var startedAt, finishedAt, leaseOwner sql.NullString
	if err := row.Scan(
		&item.ID, &item.QueueName, &item.State, &item.PayloadJSON, &createdAt,
		&startedAt, &finishedAt, &leaseOwner, &item.Attempts,
		&item.ExceptionType, &item.ExceptionCode, &item.ExceptionMessage,
	); err != nil {
		return nil, err
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	item.StartedAt = parseTime(startedAt)
	item.FinishedAt = parseTime(finishedAt)
	if leaseOwner.Valid {
		item.LeaseOwner = leaseOwner.String
	}
	return &item, nil
}
