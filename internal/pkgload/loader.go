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

package pkgload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tombee/actiond/internal/env"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/pkg/errors"
)

// LintWarning is a non-fatal finding from the import lint pass.
type LintWarning struct {
	File    string
	Line    int
	Action  string
	Message string
}

func (w LintWarning) String() string {
	return fmt.Sprintf("%s:%d: %s: %s", w.File, w.Line, w.Action, w.Message)
}

// Config contains loader configuration.
type Config struct {
	// SkipLint suppresses the lint pass entirely.
	SkipLint bool

	// FailOnLint turns lint warnings into import errors.
	FailOnLint bool
}

// Loader imports packages into the store.
type Loader struct {
	cfg    Config
	store  *store.Store
	logger *slog.Logger
}

// NewLoader creates a package loader.
func NewLoader(cfg Config, st *store.Store, logger *slog.Logger) *Loader {
	return &Loader{cfg: cfg, store: st, logger: logger}
}

// Result summarizes one imported package.
type Result struct {
	Package  *store.ActionPackage
	Actions  []*store.Action
	Warnings []LintWarning
}

// ImportDir discovers and imports every package under root.
func (l *Loader) ImportDir(ctx context.Context, root string) ([]*Result, error) {
	manifests, err := FindManifests(root)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, &errors.NotFoundError{Kind: "package manifest", ID: root}
	}

	var results []*Result
	for _, m := range manifests {
		res, err := l.ImportPackage(ctx, m)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ImportPackage analyzes one package and reconciles it into the store.
// Previously known actions missing from this import are disabled, never
// deleted, so existing runs keep valid references.
func (l *Loader) ImportPackage(ctx context.Context, m *Manifest) (*Result, error) {
	hash, err := env.DependencyHash(m.Path)
	if err != nil {
		return nil, err
	}

	sources, err := PythonSources(m.Dir)
	if err != nil {
		return nil, err
	}

	var actions []*store.Action
	var warnings []LintWarning
	for _, rel := range sources {
		src, err := os.ReadFile(filepath.Join(m.Dir, rel))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}

		for _, ep := range ScanSource(rel, src) {
			schemas, err := BuildSchemas(ep)
			if err != nil {
				return nil, fmt.Errorf("failed to build schemas for %s: %w", ep.Name, err)
			}
			if !l.cfg.SkipLint {
				warnings = append(warnings, lintEntryPoint(ep)...)
			}
			actions = append(actions, &store.Action{
				ID:            uuid.NewString(),
				Name:          ep.Name,
				Docs:          ep.Docstring,
				File:          rel,
				LineNo:        ep.LineNo,
				InputSchema:   schemas.Input,
				OutputSchema:  schemas.Output,
				ManagedParams: schemas.ManagedJSON(),
				Kind:          ep.Kind,
			})
		}
	}

	if len(actions) == 0 {
		return nil, &errors.ValidationError{
			Field:  m.Name,
			Reason: "package declares no actions",
		}
	}
	for _, w := range warnings {
		l.logger.Warn("lint", "package", m.Name, "finding", w.String())
	}
	if l.cfg.FailOnLint && len(warnings) > 0 {
		return nil, &errors.ValidationError{
			Field:  m.Name,
			Reason: fmt.Sprintf("%d lint findings (first: %s)", len(warnings), warnings[0]),
		}
	}

	pkg := &store.ActionPackage{
		ID:              uuid.NewString(),
		Name:            m.Name,
		Directory:       m.Dir,
		EnvironmentHash: hash,
		EnvJSON:         "{}",
	}
	if err := l.store.UpsertActionPackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("failed to persist package %s: %w", m.Name, err)
	}
	for _, a := range actions {
		a.ActionPackageID = pkg.ID
		a.Enabled = true
	}
	if err := l.store.SyncActions(ctx, pkg.ID, actions); err != nil {
		return nil, fmt.Errorf("failed to sync actions for %s: %w", m.Name, err)
	}

	l.logger.Info("package imported",
		"package", m.Name, "actions", len(actions), "warnings", len(warnings))
	return &Result{Package: pkg, Actions: actions, Warnings: warnings}, nil
}

// lintEntryPoint surfaces documentation and annotation gaps.
func lintEntryPoint(ep *EntryPoint) []LintWarning {
	var warnings []LintWarning
	warn := func(msg string) {
		warnings = append(warnings, LintWarning{
			File: ep.File, Line: ep.LineNo, Action: ep.Name, Message: msg,
		})
	}

	if ep.Docstring == "" {
		warn("missing docstring")
	}
	if ep.ReturnAnnotation == "" {
		warn("missing return annotation")
	}
	for _, p := range ep.Params {
		if p.Annotation == "" {
			warn(fmt.Sprintf("parameter %q has no annotation", p.Name))
		}
	}
	return warnings
}
