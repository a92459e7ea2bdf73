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

// Package server assembles the subsystems and owns their lifecycle.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tombee/actiond/internal/actionctx"
	"github.com/tombee/actiond/internal/api"
	"github.com/tombee/actiond/internal/config"
	"github.com/tombee/actiond/internal/env"
	"github.com/tombee/actiond/internal/mcpbridge"
	"github.com/tombee/actiond/internal/metrics"
	"github.com/tombee/actiond/internal/pkgload"
	"github.com/tombee/actiond/internal/procpool"
	"github.com/tombee/actiond/internal/runner"
	"github.com/tombee/actiond/internal/scheduler"
	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/internal/trigger"
	"github.com/tombee/actiond/internal/workitems"
)

// Options carry build metadata into the server.
type Options struct {
	Version string
}

// Server owns every subsystem and their start/stop ordering.
type Server struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store     *store.Store
	envs      *env.Manager
	pool      *procpool.Pool
	runner    *runner.Engine
	loader    *pkgload.Loader
	queue     *workitems.Service
	scheduler *scheduler.Scheduler
	triggers  *trigger.Engine
	bridge    *mcpbridge.Bridge
	watcher   *watcher

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	started bool
}

// New builds the server. Nothing is started yet.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.New(store.Config{Path: cfg.DatabasePath(), WAL: true})
	if err != nil {
		return nil, err
	}

	envs := env.NewManager(env.Config{
		RCCPath:      cfg.Env.RCCPath,
		CacheDir:     cfg.Server.DataDir,
		DevMode:      cfg.Env.DevMode,
		BuildTimeout: cfg.Env.BuildTimeout,
	}, logger)

	pool, err := procpool.New(procpool.Config{
		MinProcesses:   cfg.Pool.MinProcesses,
		MaxProcesses:   cfg.Pool.MaxProcesses,
		ReuseProcesses: cfg.Pool.ReuseProcesses,
	}, cfg.Server.DataDir, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	collector := metrics.NewCollector()
	eng := runner.New(runner.Config{
		ArtifactsDir: cfg.ArtifactsDir(),
		RunTimeout:   cfg.Runner.RunTimeout,
		LeaseTimeout: cfg.Runner.LeaseTimeout,
	}, st, pool, envs, logger)
	eng.SetMetrics(collector)

	queue := workitems.New(st, logger)
	notifier := scheduler.NewNotifier(scheduler.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, logger)

	decrypter, err := actionctx.FromEnv()
	if err != nil {
		pool.Shutdown()
		st.Close()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		store:     st,
		envs:      envs,
		pool:      pool,
		runner:    eng,
		queue:     queue,
		triggers:  trigger.New(st, eng, queue, logger),
		bridge:    mcpbridge.New(st, eng, opts.Version, logger),
		scheduler: scheduler.New(scheduler.Config{
			CheckInterval:       cfg.Scheduler.CheckInterval,
			MaxConcurrentGlobal: cfg.Scheduler.MaxConcurrentGlobal,
		}, st, eng, queue, notifier, logger),
	}
	s.loader = pkgload.NewLoader(pkgload.Config{
		SkipLint:   cfg.Actions.SkipLint,
		FailOnLint: cfg.Actions.FailOnLint,
	}, st, logger)

	router := api.New(api.Config{
		APIKey:         cfg.Server.APIKey,
		ExposeShutdown: cfg.Server.ExposeShutdown,
		ServerName:     "actiond",
		Version:        opts.Version,
	}, api.Deps{
		Store:     st,
		Runner:    eng,
		Triggers:  s.triggers,
		Queue:     queue,
		Decrypter: decrypter,
		Collector: collector,
		Logger:    logger,
		Shutdown: func(timeout time.Duration) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := s.Shutdown(ctx); err != nil {
				logger.Error("shutdown failed", "error", err)
			}
		},
	})

	mux := http.NewServeMux()
	s.bridge.RegisterRoutes(mux)
	mux.Handle("/", router)
	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// ImportActions scans the configured actions directory and publishes
// its packages, then refreshes the MCP mounts.
func (s *Server) ImportActions(ctx context.Context) error {
	if s.cfg.Actions.Dir == "" {
		return nil
	}
	results, err := s.loader.ImportDir(ctx, s.cfg.Actions.Dir)
	if err != nil {
		return err
	}
	for _, res := range results {
		s.logger.Info("action package imported",
			"package", res.Package.Name, "actions", len(res.Actions), "warnings", len(res.Warnings))
	}
	return s.bridge.Rebuild(ctx)
}

// Start imports actions, launches the scheduler and the optional
// actions watcher, and serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.ImportActions(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr(), err)
	}
	s.listener = ln

	s.scheduler.Start(ctx)
	if s.cfg.Actions.Sync && s.cfg.Actions.Dir != "" {
		w, err := newWatcher(s.cfg.Actions.Dir, s.logger, func() {
			if err := s.ImportActions(context.Background()); err != nil {
				s.logger.Error("actions re-import failed", "error", err)
			}
		})
		if err != nil {
			s.logger.Error("actions watcher unavailable", "error", err)
		} else {
			s.watcher = w
		}
	}

	s.logger.Info("server started",
		"addr", ln.Addr().String(), "version", s.opts.Version)
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound listener address, once Start has bound it.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops intake, drains in-flight work and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	s.logger.Info("graceful shutdown initiated")
	if s.watcher != nil {
		s.watcher.stop()
	}
	s.scheduler.Stop()

	if s.httpServer != nil {
		s.httpServer.SetKeepAlivesEnabled(false)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}

	s.pool.Shutdown()
	if err := s.store.Close(); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
