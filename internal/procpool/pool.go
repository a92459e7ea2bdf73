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

package procpool

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tombee/actiond/internal/env"
	"github.com/tombee/actiond/pkg/errors"
)

//go:embed runner.py
var runnerScript []byte

// Config governs pool sizing.
type Config struct {
	// MinProcesses workers are pre-warmed per package on first use.
	MinProcesses int

	// MaxProcesses bounds concurrent workers per package.
	MaxProcesses int

	// ReuseProcesses keeps healthy workers alive between runs.
	ReuseProcesses bool
}

// PackageRuntime is what the pool needs to launch workers for a package.
type PackageRuntime struct {
	ID  string
	Dir string
	Env *env.Environment
}

// packagePool tracks per-package workers: an idle list plus a token
// channel bounding total concurrency.
type packagePool struct {
	runtime *PackageRuntime
	idle    []*Worker
	tokens  chan struct{}
}

// Pool hands out workers per package.
type Pool struct {
	cfg        Config
	scriptPath string
	logger     *slog.Logger

	mu       sync.Mutex
	packages map[string]*packagePool
	closed   bool
}

// New creates the pool and materializes the embedded runner script under
// scratchDir so workers can execute it.
func New(cfg Config, scratchDir string, logger *slog.Logger) (*Pool, error) {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = 4
	}
	if cfg.MinProcesses < 0 {
		cfg.MinProcesses = 0
	}
	if cfg.MinProcesses > cfg.MaxProcesses {
		cfg.MinProcesses = cfg.MaxProcesses
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	scriptPath := filepath.Join(scratchDir, "runner.py")
	if err := os.WriteFile(scriptPath, runnerScript, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write runner script: %w", err)
	}

	return &Pool{
		cfg:        cfg,
		scriptPath: scriptPath,
		logger:     logger,
		packages:   make(map[string]*packagePool),
	}, nil
}

// Lease returns an idle worker for the package, starting a new one when
// under the per-package cap, or blocks until one frees up or ctx ends.
func (p *Pool) Lease(ctx context.Context, rt *PackageRuntime) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &errors.WorkerError{Reason: "pool is shut down"}
	}
	pp, ok := p.packages[rt.ID]
	if !ok {
		pp = &packagePool{
			runtime: rt,
			tokens:  make(chan struct{}, p.cfg.MaxProcesses),
		}
		p.packages[rt.ID] = pp
		p.prewarmLocked(pp)
	}
	p.mu.Unlock()

	select {
	case pp.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, &errors.WorkerError{Reason: "timed out waiting for a worker", Cause: ctx.Err()}
	}

	// Holding a token; reuse an idle worker or start a fresh one.
	for {
		p.mu.Lock()
		var w *Worker
		if n := len(pp.idle); n > 0 {
			w = pp.idle[n-1]
			pp.idle = pp.idle[:n-1]
		}
		p.mu.Unlock()

		if w == nil {
			break
		}
		if w.Alive() {
			return w, nil
		}
		w.Kill()
	}

	w, err := p.start(pp)
	if err != nil {
		<-pp.tokens
		return nil, err
	}
	return w, nil
}

// Release returns a worker to the pool. Unhealthy workers and workers in
// a non-reusing pool are discarded.
func (p *Pool) Release(w *Worker, healthy bool) {
	p.mu.Lock()
	pp := p.packages[w.PackageID]
	keep := healthy && p.cfg.ReuseProcesses && !p.closed && w.Alive()
	if keep {
		pp.idle = append(pp.idle, w)
	}
	p.mu.Unlock()

	if !keep {
		w.Kill()
	}
	if pp != nil {
		<-pp.tokens
	}
}

// prewarmLocked starts MinProcesses workers in the background. Called
// with p.mu held; failures only log, the demand path retries anyway.
func (p *Pool) prewarmLocked(pp *packagePool) {
	for i := 0; i < p.cfg.MinProcesses; i++ {
		if !p.cfg.ReuseProcesses {
			return
		}
		go func() {
			w, err := p.start(pp)
			if err != nil {
				p.logger.Warn("prewarm failed", "package", pp.runtime.ID, "error", err)
				return
			}
			p.mu.Lock()
			if p.closed || len(pp.idle) >= p.cfg.MinProcesses {
				p.mu.Unlock()
				w.Kill()
				return
			}
			pp.idle = append(pp.idle, w)
			p.mu.Unlock()
		}()
	}
}

func (p *Pool) start(pp *packagePool) (*Worker, error) {
	rt := pp.runtime
	python := rt.Env.PythonExe()
	if python == "" {
		return nil, &errors.WorkerError{Reason: "package environment has no interpreter"}
	}
	return startWorker(rt.ID, python, p.scriptPath, rt.Dir, rt.Env.Environ(), p.logger)
}

// Shutdown stops every worker, idle or not yet returned. Safe to call
// once; subsequent leases fail.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	var all []*Worker
	for _, pp := range p.packages {
		all = append(all, pp.idle...)
		pp.idle = nil
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range all {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.shutdown()
		}(w)
	}
	wg.Wait()
}
