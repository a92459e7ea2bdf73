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

// UpsertActionPackage creates or replaces the package row keyed by name.
// The existing ID is preserved on re-import so action foreign keys survive.
func (s *Store) UpsertActionPackage(ctx context.Context, pkg *ActionPackage) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM action_package WHERE name = ?`, pkg.Name).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO action_package (id, name, directory, environment_hash, env_json)
				VALUES (?, ?, ?, ?, ?)
			`, pkg.ID, pkg.Name, pkg.Directory, pkg.EnvironmentHash, pkg.EnvJSON)
			return err
		case err != nil:
			return err
		default:
			pkg.ID = existingID
			_, err = tx.ExecContext(ctx, `
				UPDATE action_package SET directory = ?, environment_hash = ?, env_json = ?
				WHERE id = ?
			`, pkg.Directory, pkg.EnvironmentHash, pkg.EnvJSON, existingID)
			return err
		}
	})
}

// GetActionPackage retrieves a package by ID.
func (s *Store) GetActionPackage(ctx context.Context, id string) (*ActionPackage, error) {
	var pkg ActionPackage
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, directory, environment_hash, env_json
		FROM action_package WHERE id = ?
	`, id).Scan(&pkg.ID, &pkg.Name, &pkg.Directory, &pkg.EnvironmentHash, &pkg.EnvJSON)
	if err != nil {
		return nil, notFound(err, "action package", id)
	}
	return &pkg, nil
}

// GetActionPackageByName retrieves a package by its unique name.
func (s *Store) GetActionPackageByName(ctx context.Context, name string) (*ActionPackage, error) {
	var pkg ActionPackage
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, directory, environment_hash, env_json
		FROM action_package WHERE name = ?
	`, name).Scan(&pkg.ID, &pkg.Name, &pkg.Directory, &pkg.EnvironmentHash, &pkg.EnvJSON)
	if err != nil {
		return nil, notFound(err, "action package", name)
	}
	return &pkg, nil
}

// ListActionPackages returns all packages ordered by name.
func (s *Store) ListActionPackages(ctx context.Context) ([]*ActionPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, directory, environment_hash, env_json
		FROM action_package ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	var pkgs []*ActionPackage
	for rows.Next() {
		var pkg ActionPackage
		if err := rows.Scan(&pkg.ID, &pkg.Name, &pkg.Directory, &pkg.EnvironmentHash, &pkg.EnvJSON); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		pkgs = append(pkgs, &pkg)
	}
	return pkgs, rows.Err()
}

// SyncActions reconciles the discovered actions of a package against the
// stored ones: new actions are inserted, existing ones updated in place
// (preserving their IDs), and previously known actions that are absent
// from the import are disabled. Nothing is ever deleted, so runs keep
// valid foreign keys.
func (s *Store) SyncActions(ctx context.Context, packageID string, discovered []*Action) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, name FROM action WHERE action_package_id = ?`, packageID)
		if err != nil {
			return err
		}
		existing := make(map[string]string)
		for rows.Next() {
			var id, name string
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return err
			}
			existing[name] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		seen := make(map[string]bool, len(discovered))
		for _, a := range discovered {
			seen[a.Name] = true
			if id, ok := existing[a.Name]; ok {
				a.ID = id
				_, err = tx.ExecContext(ctx, `
					UPDATE action SET docs = ?, file = ?, lineno = ?, input_schema = ?,
						output_schema = ?, managed_params_json = ?, is_consequential = ?,
						enabled = 1, kind = ?
					WHERE id = ?
				`, a.Docs, a.File, a.LineNo, a.InputSchema, a.OutputSchema,
					a.ManagedParams, nullBool(a.IsConsequential), a.Kind, id)
			} else {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO action (id, action_package_id, name, docs, file, lineno,
						input_schema, output_schema, managed_params_json, is_consequential, enabled, kind)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
				`, a.ID, packageID, a.Name, a.Docs, a.File, a.LineNo,
					a.InputSchema, a.OutputSchema, a.ManagedParams,
					nullBool(a.IsConsequential), a.Kind)
			}
			if err != nil {
				return err
			}
		}

		for name, id := range existing {
			if !seen[name] {
				if _, err := tx.ExecContext(ctx,
					`UPDATE action SET enabled = 0 WHERE id = ?`, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetAction retrieves an action by ID.
func (s *Store) GetAction(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, action_package_id, name, docs, file, lineno, input_schema,
			output_schema, managed_params_json, is_consequential, enabled, kind
		FROM action WHERE id = ?
	`, id)
	action, err := scanAction(row)
	if err != nil {
		return nil, notFound(err, "action", id)
	}
	return action, nil
}

// GetActionByName retrieves an action by package ID and action name.
func (s *Store) GetActionByName(ctx context.Context, packageID, name string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, action_package_id, name, docs, file, lineno, input_schema,
			output_schema, managed_params_json, is_consequential, enabled, kind
		FROM action WHERE action_package_id = ? AND name = ?
	`, packageID, name)
	action, err := scanAction(row)
	if err != nil {
		return nil, notFound(err, "action", name)
	}
	return action, nil
}

// ListActions returns the actions of a package; enabledOnly filters out
// disabled rows.
func (s *Store) ListActions(ctx context.Context, packageID string, enabledOnly bool) ([]*Action, error) {
	query := `
		SELECT id, action_package_id, name, docs, file, lineno, input_schema,
			output_schema, managed_params_json, is_consequential, enabled, kind
		FROM action WHERE action_package_id = ?
	`
	if enabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

func scanAction(row scanner) (*Action, error) {
	var a Action
	var consequential sql.NullBool
	var enabled int
	if err := row.Scan(
		&a.ID, &a.ActionPackageID, &a.Name, &a.Docs, &a.File, &a.LineNo,
		&a.InputSchema, &a.OutputSchema, &a.ManagedParams,
		&consequential, &enabled, &a.Kind,
	); err != nil {
		return nil, err
	}
	if consequential.Valid {
		v := consequential.Bool
		a.IsConsequential = &v
	}
	a.Enabled = enabled == 1
	return &a, nil
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
