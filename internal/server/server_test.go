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

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/actiond/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Server.DataDir = t.TempDir()
	cfg.Env.DevMode = true
	return cfg
}

func TestServerStartServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, Options{Version: "test"}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()

	url := fmt.Sprintf("http://%s/api/health", cfg.ListenAddr())
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(url)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-errCh)

	// Shutdown twice is a no-op.
	require.NoError(t, srv.Shutdown(ctx))
}

func TestServerImportsActionsOnStart(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Actions.Dir = dir
	writeActionPackage(t, dir)

	srv, err := New(cfg, Options{Version: "test"}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, srv.ImportActions(context.Background()))

	pkgs, err := srv.store.ListActionPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "greeter", pkgs[0].Name)

	t.Cleanup(func() { srv.store.Close(); srv.pool.Shutdown() })
}

func TestWatcherDebouncesIntoSingleSync(t *testing.T) {
	dir := t.TempDir()
	var syncs atomic.Int32
	w, err := newWatcher(dir, slog.New(slog.DiscardHandler), func() { syncs.Add(1) })
	require.NoError(t, err)
	defer w.stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, fmt.Sprintf("f%d.py", i)), []byte("x = 1\n"), 0o644))
	}

	require.Eventually(t, func() bool { return syncs.Load() >= 1 },
		5*time.Second, 50*time.Millisecond)
	// The burst collapses; give a late straggler time to show up.
	time.Sleep(2 * debounceWindow)
	assert.LessOrEqual(t, syncs.Load(), int32(2))
}

func writeActionPackage(t *testing.T, root string) {
	t.Helper()
	pkg := filepath.Join(root, "greeter")
	require.NoError(t, os.MkdirAll(pkg, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pkg, "package.yaml"), []byte(`
name: greeter
description: Greets people.
dependencies:
  conda-forge:
    - python=3.12
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pkg, "actions.py"), []byte(`
from sema4ai.actions import action


@action
def greet(name: str) -> str:
    """Greet someone.

    Args:
        name: Who to greet.

    Returns:
        The greeting.
    """
    return f"Hello, {name}!"
`), 0o644))
}
