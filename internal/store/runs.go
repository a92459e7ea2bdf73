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

// CounterRunID names the counter used for dense run numbering.
const CounterRunID = "run_id"

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run (id, numbered_id, status, action_id, start_time, run_time,
			inputs, result, error_message, relative_artifacts_dir, request_id, run_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.NumberedID, run.Status, run.ActionID,
		run.StartTime.UTC().Format(time.RFC3339), run.RunTime,
		run.Inputs, run.Result, run.ErrorMessage,
		run.RelativeArtifactsDir, run.RequestID, run.RunType,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun updates the mutable fields of a run.
func (s *Store) UpdateRun(ctx context.Context, run *Run) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE run SET status = ?, run_time = ?, result = ?, error_message = ?
		WHERE id = ?
	`, run.Status, run.RunTime, run.Result, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "run", run.ID)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, numbered_id, status, action_id, start_time, run_time,
			inputs, result, error_message, relative_artifacts_dir, request_id, run_type
		FROM run WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, notFound(err, "run", id)
	}
	return run, nil
}

// RunFilter restricts ListRuns results.
type RunFilter struct {
	Status   RunStatus
	ActionID string
	Limit    int
	Offset   int
}

// ListRuns lists runs newest first with optional filtering.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `
		SELECT id, numbered_id, status, action_id, start_time, run_time,
			inputs, result, error_message, relative_artifacts_dir, request_id, run_type
		FROM run WHERE 1=1
	`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.ActionID != "" {
		query += " AND action_id = ?"
		args = append(args, filter.ActionID)
	}

	query += " ORDER BY numbered_id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRunsWithStatus counts runs in the given status.
func (s *Store) CountRunsWithStatus(ctx context.Context, status RunStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var startTime string
	if err := row.Scan(
		&run.ID, &run.NumberedID, &run.Status, &run.ActionID, &startTime,
		&run.RunTime, &run.Inputs, &run.Result, &run.ErrorMessage,
		&run.RelativeArtifactsDir, &run.RequestID, &run.RunType,
	); err != nil {
		return nil, err
	}
	run.StartTime, _ = time.Parse(time.RFC3339, startTime)
	return &run, nil
}
