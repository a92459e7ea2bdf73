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

// Package runner is the run engine: it persists runs, drives worker
// subprocesses through the JSON-lines protocol and finalizes artifacts.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/actiond/internal/env"
	"github.com/tombee/actiond/internal/procpool"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/pkg/errors"
)

// Reserved artifact names written by the engine itself.
const (
	ArtifactInputs = "__action_server_inputs.json"
	ArtifactResult = "__action_server_result.json"
	ArtifactOutput = "__action_server_output.txt"
)

// wellKnownArtifacts are user-visible files copied from the package
// directory when an action produces them there instead of its workdir.
var wellKnownArtifacts = []string{"log.html", "output.robolog", "report.html"}

// Metrics receives run lifecycle events.
type Metrics interface {
	RecordRunStart(kind string)
	RecordRunComplete(kind string, status store.RunStatus, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordRunStart(string)                                {}
func (nopMetrics) RecordRunComplete(string, store.RunStatus, time.Duration) {}

// Config contains run engine configuration.
type Config struct {
	// ArtifactsDir is the root under which runs/<id>/ directories live.
	ArtifactsDir string

	// RunTimeout bounds one action execution. Defaults to 1 hour.
	RunTimeout time.Duration

	// LeaseTimeout bounds waiting for a pool worker. Defaults to 60s.
	LeaseTimeout time.Duration
}

// Engine executes actions.
type Engine struct {
	cfg     Config
	store   *store.Store
	pool    *procpool.Pool
	envs    *env.Manager
	metrics Metrics
	logger  *slog.Logger
}

// New creates a run engine.
func New(cfg Config, st *store.Store, pool *procpool.Pool, envs *env.Manager, logger *slog.Logger) *Engine {
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = time.Hour
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = 60 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		pool:    pool,
		envs:    envs,
		metrics: nopMetrics{},
		logger:  logger,
	}
}

// SetMetrics installs a metrics sink.
func (e *Engine) SetMetrics(m Metrics) {
	if m != nil {
		e.metrics = m
	}
}

// StartRun validates inputs, allocates the run number and artifacts
// directory, and persists the run in NOT_RUN.
func (e *Engine) StartRun(ctx context.Context, action *store.Action, inputs json.RawMessage, requestID string) (*store.Run, error) {
	if !action.Enabled {
		return nil, &errors.NotFoundError{Kind: "action", ID: action.Name}
	}
	if err := ValidateInputs(action.InputSchema, inputs); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		inputs = []byte("{}")
	}

	numbered, err := e.store.NextCounter(ctx, store.CounterRunID)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:         uuid.NewString(),
		NumberedID: numbered,
		Status:     store.RunStatusNotRun,
		ActionID:   action.ID,
		StartTime:  time.Now().UTC(),
		Inputs:     string(inputs),
		RequestID:  requestID,
		RunType:    store.RunTypeAction,
	}
	run.RelativeArtifactsDir = filepath.Join("runs", run.ID)

	dir := e.artifactsDir(run)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ArtifactInputs), inputs, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write inputs artifact: %w", err)
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.metrics.RecordRunStart(string(run.RunType))
	return run, nil
}

// Execute drives the run to a terminal state. managed carries the values
// injected into the action's managed parameters; they are never persisted.
func (e *Engine) Execute(ctx context.Context, run *store.Run, pkg *store.ActionPackage, action *store.Action, managed map[string]any) error {
	logger := e.logger.With("run_id", run.ID, "action", action.Name)
	started := time.Now()

	run.Status = store.RunStatusRunning
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	status, result, errMsg := e.executeOnWorker(ctx, run, pkg, action, managed, logger)

	run.Status = status
	run.Result = result
	run.ErrorMessage = errMsg
	run.RunTime = time.Since(started).Seconds()
	if err := e.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		return err
	}

	e.collectWellKnownArtifacts(run, pkg)
	e.metrics.RecordRunComplete(string(run.RunType), status, time.Since(started))
	logger.Info("run finished",
		"status", run.Status, "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// executeOnWorker leases a worker, streams its output into the run's
// output artifact and interprets the terminal protocol line.
func (e *Engine) executeOnWorker(ctx context.Context, run *store.Run, pkg *store.ActionPackage, action *store.Action, managed map[string]any, logger *slog.Logger) (store.RunStatus, string, string) {
	rt, err := e.packageRuntime(ctx, pkg)
	if err != nil {
		return store.RunStatusFailed, "", err.Error()
	}

	leaseCtx, cancel := context.WithTimeout(ctx, e.cfg.LeaseTimeout)
	worker, err := e.pool.Lease(leaseCtx, rt)
	cancel()
	if err != nil {
		return store.RunStatusFailed, "", err.Error()
	}

	var inputs map[string]any
	if err := json.Unmarshal([]byte(run.Inputs), &inputs); err != nil {
		e.pool.Release(worker, true)
		return store.RunStatusFailed, "", fmt.Sprintf("corrupt stored inputs: %v", err)
	}

	dir := e.artifactsDir(run)
	req := &procpool.RunRequest{
		Action:  action.Name,
		File:    filepath.Join(pkg.Directory, action.File),
		Workdir: dir,
		Inputs:  inputs,
		Managed: managed,
	}
	if err := worker.Send(req); err != nil {
		e.pool.Release(worker, false)
		return store.RunStatusFailed, "", err.Error()
	}

	output, err := os.Create(filepath.Join(dir, ArtifactOutput))
	if err != nil {
		e.pool.Release(worker, false)
		return store.RunStatusFailed, "", fmt.Sprintf("failed to create output artifact: %v", err)
	}
	defer output.Close()

	timeout := time.NewTimer(e.cfg.RunTimeout)
	defer timeout.Stop()

	for {
		select {
		case line, ok := <-worker.Lines():
			if !ok {
				// Worker died mid-run.
				e.pool.Release(worker, false)
				return store.RunStatusFailed, "", "worker process exited unexpectedly"
			}
			if line.Terminal == nil {
				fmt.Fprintln(output, line.Text)
				continue
			}
			e.pool.Release(worker, true)
			return e.finalize(run, action, line.Terminal)

		case <-timeout.C:
			worker.Kill()
			e.pool.Release(worker, false)
			return store.RunStatusFailed, "",
				fmt.Sprintf("run timed out after %s and the worker was killed", e.cfg.RunTimeout)

		case <-ctx.Done():
			worker.Kill()
			e.pool.Release(worker, false)
			return store.RunStatusFailed, "", "run canceled and the worker was killed"
		}
	}
}

// finalize interprets the terminal line: user exception, Response
// envelope or plain result, with output-schema enforcement.
func (e *Engine) finalize(run *store.Run, action *store.Action, term *procpool.Terminal) (store.RunStatus, string, string) {
	if term.Error != nil {
		return store.RunStatusFailed, "", *term.Error
	}

	result := term.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if err := ValidateOutput(action.OutputSchema, result); err != nil {
		var verr *errors.ValidationError
		if errors.As(err, &verr) {
			return store.RunStatusFailed, "", verr.Reason
		}
		return store.RunStatusFailed, "", err.Error()
	}

	if err := os.WriteFile(
		filepath.Join(e.artifactsDir(run), ArtifactResult), result, 0o644); err != nil {
		e.logger.Warn("failed to write result artifact", "run_id", run.ID, "error", err)
	}

	// A Response envelope carrying an error is the action's own
	// signaling path: the run still passed.
	var errField string
	if len(term.ErrorField) > 0 && string(term.ErrorField) != "null" {
		var s string
		if json.Unmarshal(term.ErrorField, &s) == nil {
			errField = s
		} else {
			errField = string(term.ErrorField)
		}
	}
	return store.RunStatusPassed, string(result), errField
}

// Run performs StartRun plus Execute in one call, as schedules, triggers
// and the HTTP surface need.
func (e *Engine) Run(ctx context.Context, pkg *store.ActionPackage, action *store.Action, inputs json.RawMessage, managed map[string]any, requestID string) (*store.Run, error) {
	run, err := e.StartRun(ctx, action, inputs, requestID)
	if err != nil {
		return nil, err
	}
	if err := e.Execute(ctx, run, pkg, action, managed); err != nil {
		return run, err
	}
	return run, nil
}

// packageRuntime resolves the package environment for the pool.
func (e *Engine) packageRuntime(ctx context.Context, pkg *store.ActionPackage) (*procpool.PackageRuntime, error) {
	manifest := filepath.Join(pkg.Directory, "package.yaml")
	if _, err := os.Stat(manifest); err != nil {
		legacy := filepath.Join(pkg.Directory, "robot.yaml")
		if _, err := os.Stat(legacy); err == nil {
			manifest = legacy
		}
	}

	environment, err := e.envs.Resolve(ctx, manifest)
	if err != nil {
		return nil, err
	}
	return &procpool.PackageRuntime{
		ID:  pkg.ID,
		Dir: pkg.Directory,
		Env: environment,
	}, nil
}

// collectWellKnownArtifacts copies report files an action may have
// written next to its sources into the run's artifacts directory.
func (e *Engine) collectWellKnownArtifacts(run *store.Run, pkg *store.ActionPackage) {
	dir := e.artifactsDir(run)
	for _, name := range wellKnownArtifacts {
		src := filepath.Join(pkg.Directory, name)
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			e.logger.Warn("failed to collect artifact", "run_id", run.ID, "artifact", name, "error", err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (e *Engine) artifactsDir(run *store.Run) string {
	return filepath.Join(e.cfg.ArtifactsDir, run.RelativeArtifactsDir)
}
