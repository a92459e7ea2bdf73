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

const scheduleColumns = `id, name, enabled, schedule_type, cron_expression,
	interval_seconds, weekday_config_json, timezone, next_run_at, last_run_at,
	priority, action_id, inputs_json, execution_mode, work_item_queue,
	max_concurrent, skip_if_running, depends_on_schedule_id, dependency_mode,
	retry_enabled, retry_max_attempts, retry_delay_seconds, retry_backoff_multiplier,
	rate_limit_enabled, rate_limit_max_per_hour, rate_limit_max_per_day,
	notify_on_success, notify_on_failure, notification_webhook_url,
	notification_email, created_at, updated_at`

// CreateSchedule inserts a new schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule) error {
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sched.ID, sched.Name, sched.Enabled, sched.ScheduleType, sched.CronExpression,
		sched.IntervalSeconds, sched.WeekdayConfigJSON, sched.Timezone,
		formatTime(sched.NextRunAt), formatTime(sched.LastRunAt),
		sched.Priority, sched.ActionID, sched.InputsJSON, sched.ExecutionMode,
		sched.WorkItemQueue, sched.MaxConcurrent, sched.SkipIfRunning,
		nullString(sched.DependsOnScheduleID), sched.DependencyMode,
		sched.RetryEnabled, sched.RetryMaxAttempts, sched.RetryDelaySeconds,
		sched.RetryBackoffMult, sched.RateLimitEnabled, sched.RateLimitMaxPerHour,
		sched.RateLimitMaxPerDay, sched.NotifyOnSuccess, sched.NotifyOnFailure,
		sched.NotificationWebhook, sched.NotificationEmail,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// UpdateSchedule rewrites all mutable schedule fields.
func (s *Store) UpdateSchedule(ctx context.Context, sched *Schedule) error {
	sched.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedule SET name = ?, enabled = ?, schedule_type = ?, cron_expression = ?,
			interval_seconds = ?, weekday_config_json = ?, timezone = ?, next_run_at = ?,
			last_run_at = ?, priority = ?, action_id = ?, inputs_json = ?,
			execution_mode = ?, work_item_queue = ?, max_concurrent = ?,
			skip_if_running = ?, depends_on_schedule_id = ?, dependency_mode = ?,
			retry_enabled = ?, retry_max_attempts = ?, retry_delay_seconds = ?,
			retry_backoff_multiplier = ?, rate_limit_enabled = ?,
			rate_limit_max_per_hour = ?, rate_limit_max_per_day = ?,
			notify_on_success = ?, notify_on_failure = ?, notification_webhook_url = ?,
			notification_email = ?, updated_at = ?
		WHERE id = ?
	`,
		sched.Name, sched.Enabled, sched.ScheduleType, sched.CronExpression,
		sched.IntervalSeconds, sched.WeekdayConfigJSON, sched.Timezone,
		formatTime(sched.NextRunAt), formatTime(sched.LastRunAt),
		sched.Priority, sched.ActionID, sched.InputsJSON, sched.ExecutionMode,
		sched.WorkItemQueue, sched.MaxConcurrent, sched.SkipIfRunning,
		nullString(sched.DependsOnScheduleID), sched.DependencyMode,
		sched.RetryEnabled, sched.RetryMaxAttempts, sched.RetryDelaySeconds,
		sched.RetryBackoffMult, sched.RateLimitEnabled, sched.RateLimitMaxPerHour,
		sched.RateLimitMaxPerDay, sched.NotifyOnSuccess, sched.NotifyOnFailure,
		sched.NotificationWebhook, sched.NotificationEmail,
		sched.UpdatedAt.Format(time.RFC3339), sched.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "schedule", sched.ID)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		return nil, notFound(err, "schedule", id)
	}
	return sched, nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// DueSchedules returns enabled schedules whose next_run_at is at or
// before now, ordered by priority descending then next_run_at ascending.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedule
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY priority DESC, next_run_at ASC
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to select due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// DeleteSchedule removes a schedule and its execution history.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM schedule_execution WHERE schedule_id = ?`, id); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM schedule WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notFound(sql.ErrNoRows, "schedule", id)
		}
		return nil
	})
}

func collectSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var scheds []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

func scanSchedule(row scanner) (*Schedule, error) {
	var sched Schedule
	var nextRun, lastRun, dependsOn sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(
		&sched.ID, &sched.Name, &sched.Enabled, &sched.ScheduleType,
		&sched.CronExpression, &sched.IntervalSeconds, &sched.WeekdayConfigJSON,
		&sched.Timezone, &nextRun, &lastRun, &sched.Priority, &sched.ActionID,
		&sched.InputsJSON, &sched.ExecutionMode, &sched.WorkItemQueue,
		&sched.MaxConcurrent, &sched.SkipIfRunning, &dependsOn, &sched.DependencyMode,
		&sched.RetryEnabled, &sched.RetryMaxAttempts, &sched.RetryDelaySeconds,
		&sched.RetryBackoffMult, &sched.RateLimitEnabled, &sched.RateLimitMaxPerHour,
		&sched.RateLimitMaxPerDay, &sched.NotifyOnSuccess, &sched.NotifyOnFailure,
		&sched.NotificationWebhook, &sched.NotificationEmail, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	sched.NextRunAt = parseTime(nextRun)
	sched.LastRunAt = parseTime(lastRun)
	if dependsOn.Valid {
		sched.DependsOnScheduleID = dependsOn.String
	}
	sched.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sched.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &sched, nil
}

const executionColumns = `id, schedule_id, run_id, work_item_id, scheduled_time,
	actual_start_time, actual_end_time, duration_ms, status, skip_reason,
	attempt_number, result_json, error_message, notification_sent, notification_error`

// CreateScheduleExecution inserts a new execution attempt or skip record.
func (s *Store) CreateScheduleExecution(ctx context.Context, ex *ScheduleExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_execution (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ex.ID, ex.ScheduleID, nullString(ex.RunID), nullString(ex.WorkItemID),
		ex.ScheduledTime.UTC().Format(time.RFC3339),
		ex.ActualStartTime.UTC().Format(time.RFC3339),
		formatTime(ex.ActualEndTime), ex.DurationMillis, ex.Status, ex.SkipReason,
		ex.AttemptNumber, ex.ResultJSON, ex.ErrorMessage,
		ex.NotificationSent, ex.NotificationError,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule execution: %w", err)
	}
	return nil
}

// UpdateScheduleExecution rewrites the mutable fields of an execution.
func (s *Store) UpdateScheduleExecution(ctx context.Context, ex *ScheduleExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedule_execution SET run_id = ?, work_item_id = ?, actual_end_time = ?,
			duration_ms = ?, status = ?, skip_reason = ?, attempt_number = ?,
			result_json = ?, error_message = ?, notification_sent = ?, notification_error = ?
		WHERE id = ?
	`,
		nullString(ex.RunID), nullString(ex.WorkItemID), formatTime(ex.ActualEndTime),
		ex.DurationMillis, ex.Status, ex.SkipReason, ex.AttemptNumber,
		ex.ResultJSON, ex.ErrorMessage, ex.NotificationSent, ex.NotificationError,
		ex.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule execution: %w", err)
	}
	return nil
}

// LatestScheduleExecution returns the most recent execution for a
// schedule, or a NotFoundError if the schedule never executed.
func (s *Store) LatestScheduleExecution(ctx context.Context, scheduleID string) (*ScheduleExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM schedule_execution
		WHERE schedule_id = ?
		ORDER BY actual_start_time DESC LIMIT 1
	`, scheduleID)
	ex, err := scanExecution(row)
	if err != nil {
		return nil, notFound(err, "schedule execution", scheduleID)
	}
	return ex, nil
}

// ListScheduleExecutions returns the execution history newest first.
func (s *Store) ListScheduleExecutions(ctx context.Context, scheduleID string, limit int) ([]*ScheduleExecution, error) {
	query := `
		SELECT ` + executionColumns + ` FROM schedule_execution
		WHERE schedule_id = ?
		ORDER BY actual_start_time DESC
	`
	args := []any{scheduleID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule executions: %w", err)
	}
	defer rows.Close()

	var exs []*ScheduleExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule execution: %w", err)
		}
		exs = append(exs, ex)
	}
	return exs, rows.Err()
}

// CountRunningExecutions counts non-terminal executions; scheduleID ""
// counts across all schedules.
func (s *Store) CountRunningExecutions(ctx context.Context, scheduleID string) (int, error) {
	query := `SELECT COUNT(*) FROM schedule_execution WHERE status IN (?, ?)`
	args := []any{ExecutionStatusRunning, ExecutionStatusRetrying}
	if scheduleID != "" {
		query += " AND schedule_id = ?"
		args = append(args, scheduleID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count running executions: %w", err)
	}
	return n, nil
}

// CountExecutionsSince counts non-skipped executions started at or after
// the cutoff. Used by the hourly and daily rate-limit gates.
func (s *Store) CountExecutionsSince(ctx context.Context, scheduleID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM schedule_execution
		WHERE schedule_id = ? AND status != ? AND actual_start_time >= ?
	`, scheduleID, ExecutionStatusSkipped, since.UTC().Format(time.RFC3339)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

func scanExecution(row scanner) (*ScheduleExecution, error) {
	var ex ScheduleExecution
	var runID, workItemID, endTime sql.NullString
	var durationMillis sql.NullInt64
	var scheduledTime, startTime string
	if err := row.Scan(
		&ex.ID, &ex.ScheduleID, &runID, &workItemID, &scheduledTime, &startTime,
		&endTime, &durationMillis, &ex.Status, &ex.SkipReason, &ex.AttemptNumber,
		&ex.ResultJSON, &ex.ErrorMessage, &ex.NotificationSent, &ex.NotificationError,
	); err != nil {
		return nil, err
	}
	if runID.Valid {
		ex.RunID = runID.String
	}
	if workItemID.Valid {
		ex.WorkItemID = workItemID.String
	}
	ex.ScheduledTime, _ = time.Parse(time.RFC3339, scheduledTime)
	ex.ActualStartTime, _ = time.Parse(time.RFC3339, startTime)
	ex.ActualEndTime = parseTime(endTime)
	if durationMillis.Valid {
		v := durationMillis.Int64
		ex.DurationMillis = &v
	}
	return &ex, nil
}
