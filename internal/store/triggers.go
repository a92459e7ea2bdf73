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

const triggerColumns = `id, name, enabled, action_id, execution_mode,
	work_item_queue, inputs_template_json, webhook_secret, rate_limit_enabled,
	rate_limit_max_per_minute, last_triggered_at, trigger_count`

// CreateTrigger inserts a new trigger row.
func (s *Store) CreateTrigger(ctx context.Context, t *Trigger) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Name, t.Enabled, t.ActionID, t.ExecutionMode, t.WorkItemQueue,
		t.InputsTemplateJSON, t.WebhookSecret, t.RateLimitEnabled,
		t.RateLimitMaxPerMinute, formatTime(t.LastTriggeredAt), t.TriggerCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	return nil
}

// UpdateTrigger rewrites the mutable fields of a trigger.
func (s *Store) UpdateTrigger(ctx context.Context, t *Trigger) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE trigger SET name = ?, enabled = ?, action_id = ?, execution_mode = ?,
			work_item_queue = ?, inputs_template_json = ?, webhook_secret = ?,
			rate_limit_enabled = ?, rate_limit_max_per_minute = ?,
			last_triggered_at = ?, trigger_count = ?
		WHERE id = ?
	`,
		t.Name, t.Enabled, t.ActionID, t.ExecutionMode, t.WorkItemQueue,
		t.InputsTemplateJSON, t.WebhookSecret, t.RateLimitEnabled,
		t.RateLimitMaxPerMinute, formatTime(t.LastTriggeredAt), t.TriggerCount,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "trigger", t.ID)
	}
	return nil
}

// GetTrigger retrieves a trigger by ID.
func (s *Store) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM trigger WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err != nil {
		return nil, notFound(err, "trigger", id)
	}
	return t, nil
}

// ListTriggers returns all triggers ordered by name.
func (s *Store) ListTriggers(ctx context.Context) ([]*Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM trigger ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// DeleteTrigger removes a trigger and its invocation log.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM trigger_invocation WHERE trigger_id = ?`, id); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM trigger WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound(sql.ErrNoRows, "trigger", id)
		}
		return nil
	})
}

// RecordTriggerFired bumps last_triggered_at and trigger_count.
func (s *Store) RecordTriggerFired(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trigger SET last_triggered_at = ?, trigger_count = trigger_count + 1
		WHERE id = ?
	`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to record trigger fired: %w", err)
	}
	return nil
}

func scanTrigger(row scanner) (*Trigger, error) {
	var t Trigger
	var lastTriggered sql.NullString
	if err := row.Scan(
		&t.ID, &t.Name, &t.Enabled, &t.ActionID, &t.ExecutionMode,
		&t.WorkItemQueue, &t.InputsTemplateJSON, &t.WebhookSecret,
		&t.RateLimitEnabled, &t.RateLimitMaxPerMinute, &lastTriggered,
		&t.TriggerCount,
	); err != nil {
		return nil, err
	}
	t.LastTriggeredAt = parseTime(lastTriggered)
	return &t, nil
}

const invocationColumns = `id, trigger_id, invoked_at, source_ip, payload_json,
	headers_json, status, run_id, work_item_id, error_message`

// CreateTriggerInvocation logs an incoming webhook call outcome.
func (s *Store) CreateTriggerInvocation(ctx context.Context, inv *TriggerInvocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_invocation (`+invocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID, inv.TriggerID, inv.InvokedAt.UTC().Format(time.RFC3339),
		inv.SourceIP, inv.PayloadJSON, inv.HeadersJSON, inv.Status,
		nullString(inv.RunID), nullString(inv.WorkItemID), inv.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create trigger invocation: %w", err)
	}
	return nil
}

// ListTriggerInvocations returns the invocation log newest first.
func (s *Store) ListTriggerInvocations(ctx context.Context, triggerID string, limit int) ([]*TriggerInvocation, error) {
	query := `
		SELECT ` + invocationColumns + ` FROM trigger_invocation
		WHERE trigger_id = ?
		ORDER BY invoked_at DESC
	`
	args := []any{triggerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger invocations: %w", err)
	}
	defer rows.Close()

	var invs []*TriggerInvocation
	for rows.Next() {
		var inv TriggerInvocation
		var runID, workItemID sql.NullString
		var invokedAt string
		if err := rows.Scan(
			&inv.ID, &inv.TriggerID, &invokedAt, &inv.SourceIP, &inv.PayloadJSON,
			&inv.HeadersJSON, &inv.Status, &runID, &workItemID, &inv.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trigger invocation: %w", err)
		}
		inv.InvokedAt, _ = time.Parse(time.RFC3339, invokedAt)
		if runID.Valid {
			inv.RunID = runID.String
		}
		if workItemID.Valid {
			inv.WorkItemID = workItemID.String
		}
		invs = append(invs, &inv)
	}
	return invs, rows.Err()
}
