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

package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/actiond/internal/env"
	"github.com/tombee/actiond/internal/pkgload"
	"github.com/tombee/actiond/internal/procpool"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/pkg/errors"
)

type testRig struct {
	engine *Engine
	store  *store.Store
	pkg    *store.ActionPackage
}

// newRig imports a calculator package and wires a devmode engine.
func newRig(t *testing.T) *testRig {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("no python3 on this machine")
	}

	st, err := store.New(store.Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pkgDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "package.yaml"), []byte(`
name: calculator
dependencies:
  pypi: []
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "actions.py"), []byte(`
def action(*args, **kwargs):
    if len(args) == 1 and callable(args[0]):
        return args[0]
    def wrap(f):
        return f
    return wrap


@action
def calculator_sum(v1: float, v2: float) -> float:
    """Sums two numbers."""
    print("adding")
    return v1 + v2

@action
def bad_output() -> str:
    """Returns the wrong type."""
    return None

@action
def explode() -> str:
    """Raises."""
    raise ValueError("user error")

@action
def leaves_artifact() -> str:
    """Writes a file into its working directory."""
    with open("report.txt", "w") as f:
        f.write("findings")
    return "ok"
`), 0o644))

	logger := slog.New(slog.DiscardHandler)
	loader := pkgload.NewLoader(pkgload.Config{SkipLint: true}, st, logger)
	results, err := loader.ImportDir(context.Background(), pkgDir)
	require.NoError(t, err)
	require.Len(t, results, 1)

	pool, err := procpool.New(procpool.Config{MaxProcesses: 2, ReuseProcesses: true}, t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	envs := env.NewManager(env.Config{DevMode: true}, logger)
	engine := New(Config{ArtifactsDir: t.TempDir()}, st, pool, envs, logger)

	return &testRig{engine: engine, store: st, pkg: results[0].Package}
}

func (r *testRig) action(t *testing.T, name string) *store.Action {
	t.Helper()
	a, err := r.store.GetActionByName(context.Background(), r.pkg.ID, name)
	require.NoError(t, err)
	return a
}

func TestStartRunPersistsInputs(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	action := r.action(t, "calculator_sum")

	run, err := r.engine.StartRun(ctx, action, json.RawMessage(`{"v1":1.0,"v2":2.0}`), "")
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusNotRun, run.Status)
	assert.Equal(t, int64(1), run.NumberedID)

	stored, err := r.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v1":1.0,"v2":2.0}`, stored.Inputs)

	raw, err := r.engine.ArtifactBinary(ctx, run.ID, ArtifactInputs)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v1":1.0,"v2":2.0}`, string(raw))
}

func TestStartRunRejectsBadInputs(t *testing.T) {
	r := newRig(t)
	action := r.action(t, "calculator_sum")

	_, err := r.engine.StartRun(context.Background(), action, json.RawMessage(`{"v1":"nope"}`), "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestRunCalculatorHappyPath(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	action := r.action(t, "calculator_sum")

	run, err := r.engine.Run(ctx, r.pkg, action, json.RawMessage(`{"v1":1.0,"v2":2.0}`), nil, "")
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPassed, run.Status)
	assert.Equal(t, "3.0", run.Result)
	assert.Empty(t, run.ErrorMessage)
	assert.Greater(t, run.RunTime, 0.0)

	output, err := r.engine.ArtifactText(ctx, run.ID, []string{ArtifactOutput}, "")
	require.NoError(t, err)
	assert.Contains(t, output[ArtifactOutput], "adding")

	result, err := r.engine.ArtifactBinary(ctx, run.ID, ArtifactResult)
	require.NoError(t, err)
	assert.Equal(t, "3.0", string(result))
}

func TestRunBadOutputSchemaFails(t *testing.T) {
	r := newRig(t)
	action := r.action(t, "bad_output")

	run, err := r.engine.Run(context.Background(), r.pkg, action, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage,
		"Inconsistent value returned from action: None is not of type 'string'")
}

func TestRunUserExceptionFails(t *testing.T) {
	r := newRig(t)
	action := r.action(t, "explode")

	run, err := r.engine.Run(context.Background(), r.pkg, action, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Equal(t, "user error", run.ErrorMessage)
}

func TestRunWorkdirIsArtifactsDir(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	action := r.action(t, "leaves_artifact")

	run, err := r.engine.Run(ctx, r.pkg, action, nil, nil, "")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusPassed, run.Status)

	artifacts, err := r.engine.ListArtifacts(ctx, run.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "report.txt")
	assert.Contains(t, names, ArtifactInputs)
	assert.Contains(t, names, ArtifactOutput)
}

func TestArtifactPathEscapeRejected(t *testing.T) {
	r := newRig(t)
	action := r.action(t, "calculator_sum")
	run, err := r.engine.StartRun(context.Background(), action, json.RawMessage(`{"v1":1,"v2":2}`), "")
	require.NoError(t, err)

	_, err = r.engine.ArtifactBinary(context.Background(), run.ID, "../../../etc/passwd")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestArtifactTextByRegexp(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	action := r.action(t, "calculator_sum")

	run, err := r.engine.Run(ctx, r.pkg, action, json.RawMessage(`{"v1":1,"v2":2}`), nil, "")
	require.NoError(t, err)

	contents, err := r.engine.ArtifactText(ctx, run.ID, nil, `__action_server_.*\.json`)
	require.NoError(t, err)
	assert.Contains(t, contents, ArtifactInputs)
	assert.Contains(t, contents, ArtifactResult)
	assert.NotContains(t, contents, ArtifactOutput)
}

func TestValidateOutputMessages(t *testing.T) {
	err := ValidateOutput(`{"type":"string"}`, json.RawMessage(`null`))
	require.Error(t, err)
	var verr *errors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t,
		"Inconsistent value returned from action: None is not of type 'string'", verr.Reason)

	err = ValidateOutput(`{"type":"integer"}`, json.RawMessage(`"five"`))
	require.Error(t, err)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t,
		"Inconsistent value returned from action: 'five' is not of type 'integer'", verr.Reason)

	assert.NoError(t, ValidateOutput(`{"type":"number"}`, json.RawMessage(`3.0`)))
}
