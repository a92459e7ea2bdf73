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

// Package serve implements the start command.
package serve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/actiond/internal/config"
	"github.com/tombee/actiond/internal/log"
	"github.com/tombee/actiond/internal/server"
)

// Start command flags
var (
	configPath     string
	address        string
	port           int
	dataDir        string
	apiKey         string
	exposeShutdown bool
	actionsDir     string
	actionsSync    bool
	skipLint       bool
	failOnLint     bool
	minProcesses   int
	maxProcesses   int
	reuseProcesses bool
	devMode        bool
	verbose        bool
)

const shutdownGrace = 30 * time.Second

// NewStartCommand creates the start command.
func NewStartCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the action server",
		Long: `Start the action server: import action packages, expose them over
the REST API and per-package MCP endpoints, and run the schedule and
trigger engines until interrupted.`,
		Example: `  # Serve the packages under ./actions on the default port
  actiond start --actions-dir ./actions

  # Development mode with live re-import on file changes
  actiond start --actions-dir ./actions --dev --actions-sync`,
		RunE: runStart,
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&address, "address", "", "Bind address (default: localhost)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (default: 8080)")
	cmd.Flags().StringVar(&dataDir, "datadir", "", "Data directory (default: ~/.actiond)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Require this bearer token on API requests")
	cmd.Flags().BoolVar(&exposeShutdown, "expose-shutdown", false, "Enable POST /api/shutdown")
	cmd.Flags().StringVar(&actionsDir, "actions-dir", "", "Directory of action packages to import")
	cmd.Flags().BoolVar(&actionsSync, "actions-sync", false, "Re-import packages on file changes")
	cmd.Flags().BoolVar(&skipLint, "skip-lint", false, "Skip static analysis of action code")
	cmd.Flags().BoolVar(&failOnLint, "fail-on-lint", false, "Treat lint warnings as import errors")
	cmd.Flags().IntVar(&minProcesses, "min-processes", 0, "Pre-warmed workers per package")
	cmd.Flags().IntVar(&maxProcesses, "max-processes", 0, "Worker cap per package (default: 4)")
	cmd.Flags().BoolVar(&reuseProcesses, "reuse-processes", false, "Keep workers alive between runs")
	cmd.Flags().BoolVar(&devMode, "dev", false, "Skip environment builds, use the ambient interpreter")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.Annotations = map[string]string{"version": version}
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger()
	slog.SetDefault(logger)

	srv, err := server.New(cfg, server.Options{Version: cmd.Annotations["version"]}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// loadConfig reads the config file and applies flag overrides. Flags
// win over both file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if address != "" {
		cfg.Server.Address = address
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if dataDir != "" {
		cfg.Server.DataDir = dataDir
	}
	if apiKey != "" {
		cfg.Server.APIKey = apiKey
	}
	if exposeShutdown {
		cfg.Server.ExposeShutdown = true
	}
	if actionsDir != "" {
		cfg.Actions.Dir = actionsDir
	}
	if cmd.Flags().Changed("actions-sync") {
		cfg.Actions.Sync = actionsSync
	}
	if skipLint {
		cfg.Actions.SkipLint = true
	}
	if failOnLint {
		cfg.Actions.FailOnLint = true
	}
	if minProcesses != 0 {
		cfg.Pool.MinProcesses = minProcesses
	}
	if maxProcesses != 0 {
		cfg.Pool.MaxProcesses = maxProcesses
	}
	if cmd.Flags().Changed("reuse-processes") {
		cfg.Pool.ReuseProcesses = reuseProcesses
	}
	if devMode {
		cfg.Env.DevMode = true
	}

	return cfg, cfg.Validate()
}

func newLogger() *slog.Logger {
	logCfg := log.FromEnv()
	if verbose {
		logCfg.Level = "debug"
	}
	return log.New(logCfg)
}
