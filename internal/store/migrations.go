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
)

// migration is one applied schema version. Migrations are append-only:
// the store refuses to start if the database records an ID this build
// does not know about.
type migration struct {
	ID   int
	Name string
	SQL  []string
}

var migrations = []migration{
	{
		ID:   1,
		Name: "initial",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS action_package (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				directory TEXT NOT NULL,
				environment_hash TEXT NOT NULL DEFAULT '',
				env_json TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE IF NOT EXISTS action (
				id TEXT PRIMARY KEY,
				action_package_id TEXT NOT NULL,
				name TEXT NOT NULL,
				docs TEXT NOT NULL DEFAULT '',
				file TEXT NOT NULL DEFAULT '',
				lineno INTEGER NOT NULL DEFAULT 0,
				input_schema TEXT NOT NULL DEFAULT '{}',
				output_schema TEXT NOT NULL DEFAULT '{}',
				managed_params_json TEXT NOT NULL DEFAULT '{}',
				is_consequential INTEGER,
				enabled INTEGER NOT NULL DEFAULT 1,
				kind TEXT NOT NULL DEFAULT 'action',
				UNIQUE (action_package_id, name),
				FOREIGN KEY (action_package_id) REFERENCES action_package(id)
			)`,
			`CREATE TABLE IF NOT EXISTS run (
				id TEXT PRIMARY KEY,
				numbered_id INTEGER NOT NULL,
				status TEXT NOT NULL,
				action_id TEXT NOT NULL,
				start_time TEXT NOT NULL,
				run_time REAL NOT NULL DEFAULT 0,
				inputs TEXT NOT NULL DEFAULT '',
				result TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				relative_artifacts_dir TEXT NOT NULL DEFAULT '',
				request_id TEXT NOT NULL DEFAULT '',
				run_type TEXT NOT NULL DEFAULT 'action',
				FOREIGN KEY (action_id) REFERENCES action(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_run_status ON run(status)`,
			`CREATE INDEX IF NOT EXISTS idx_run_action ON run(action_id)`,
			`CREATE TABLE IF NOT EXISTS counter (
				id TEXT PRIMARY KEY,
				value INTEGER NOT NULL
			)`,
		},
	},
	{
		ID:   2,
		Name: "schedules",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS schedule (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				schedule_type TEXT NOT NULL,
				cron_expression TEXT NOT NULL DEFAULT '',
				interval_seconds INTEGER NOT NULL DEFAULT 0,
				weekday_config_json TEXT NOT NULL DEFAULT '',
				timezone TEXT NOT NULL DEFAULT 'UTC',
				next_run_at TEXT,
				last_run_at TEXT,
				priority INTEGER NOT NULL DEFAULT 0,
				action_id TEXT NOT NULL,
				inputs_json TEXT NOT NULL DEFAULT '{}',
				execution_mode TEXT NOT NULL DEFAULT 'run',
				work_item_queue TEXT NOT NULL DEFAULT '',
				max_concurrent INTEGER NOT NULL DEFAULT 1,
				skip_if_running INTEGER NOT NULL DEFAULT 0,
				depends_on_schedule_id TEXT,
				dependency_mode TEXT NOT NULL DEFAULT 'after_success',
				retry_enabled INTEGER NOT NULL DEFAULT 0,
				retry_max_attempts INTEGER NOT NULL DEFAULT 3,
				retry_delay_seconds INTEGER NOT NULL DEFAULT 60,
				retry_backoff_multiplier REAL NOT NULL DEFAULT 2.0,
				rate_limit_enabled INTEGER NOT NULL DEFAULT 0,
				rate_limit_max_per_hour INTEGER NOT NULL DEFAULT 0,
				rate_limit_max_per_day INTEGER NOT NULL DEFAULT 0,
				notify_on_success INTEGER NOT NULL DEFAULT 0,
				notify_on_failure INTEGER NOT NULL DEFAULT 0,
				notification_webhook_url TEXT NOT NULL DEFAULT '',
				notification_email TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				FOREIGN KEY (action_id) REFERENCES action(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_schedule_due ON schedule(enabled, next_run_at)`,
			`CREATE TABLE IF NOT EXISTS schedule_execution (
				id TEXT PRIMARY KEY,
				schedule_id TEXT NOT NULL,
				run_id TEXT,
				work_item_id TEXT,
				scheduled_time TEXT NOT NULL,
				actual_start_time TEXT NOT NULL,
				actual_end_time TEXT,
				duration_ms INTEGER,
				status TEXT NOT NULL,
				skip_reason TEXT NOT NULL DEFAULT '',
				attempt_number INTEGER NOT NULL DEFAULT 1,
				result_json TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				notification_sent INTEGER NOT NULL DEFAULT 0,
				notification_error TEXT NOT NULL DEFAULT '',
				FOREIGN KEY (schedule_id) REFERENCES schedule(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_execution_schedule ON schedule_execution(schedule_id, actual_start_time)`,
		},
	},
	{
		ID:   3,
		Name: "triggers",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS trigger (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				action_id TEXT NOT NULL,
				execution_mode TEXT NOT NULL DEFAULT 'run',
				work_item_queue TEXT NOT NULL DEFAULT '',
				inputs_template_json TEXT NOT NULL DEFAULT '{}',
				webhook_secret TEXT NOT NULL DEFAULT '',
				rate_limit_enabled INTEGER NOT NULL DEFAULT 0,
				rate_limit_max_per_minute INTEGER NOT NULL DEFAULT 0,
				last_triggered_at TEXT,
				trigger_count INTEGER NOT NULL DEFAULT 0,
				FOREIGN KEY (action_id) REFERENCES action(id)
			)`,
			`CREATE TABLE IF NOT EXISTS trigger_invocation (
				id TEXT PRIMARY KEY,
				trigger_id TEXT NOT NULL,
				invoked_at TEXT NOT NULL,
				source_ip TEXT NOT NULL DEFAULT '',
				payload_json TEXT NOT NULL DEFAULT '',
				headers_json TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				run_id TEXT,
				work_item_id TEXT,
				error_message TEXT NOT NULL DEFAULT '',
				FOREIGN KEY (trigger_id) REFERENCES trigger(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_invocation_trigger ON trigger_invocation(trigger_id, invoked_at)`,
		},
	},
	{
		ID:   4,
		Name: "work_items",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS work_item (
				id TEXT PRIMARY KEY,
				queue_name TEXT NOT NULL,
				state TEXT NOT NULL DEFAULT 'PENDING',
				payload_json TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL,
				started_at TEXT,
				finished_at TEXT,
				lease_owner TEXT,
				attempts INTEGER NOT NULL DEFAULT 0,
				exception_type TEXT NOT NULL DEFAULT '',
				exception_code TEXT NOT NULL DEFAULT '',
				exception_message TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_work_item_queue ON work_item(queue_name, state, created_at)`,
		},
	},
}

// migrate applies missing migrations in ID order inside transactions.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS migration (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	known := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		known[m.ID] = true
	}
	for id := range applied {
		if !known[id] {
			return fmt.Errorf("database has unknown migration %d; refusing to start", id)
		}
	}

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}
		if err := s.InTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.SQL {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s) failed: %w", m.ID, m.Name, err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO migration (id, name) VALUES (?, ?)`, m.ID, m.Name); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.ID, err)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	return nil
}

// appliedMigrations returns the set of migration IDs recorded in the database.
func (s *Store) appliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM migration`)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		applied[id] = true
	}
	return applied, rows.Err()
}
