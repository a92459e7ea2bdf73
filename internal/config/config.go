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

// Package config loads server configuration from an optional YAML file
// with environment-variable overrides. Flags override both at the CLI
// layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/actiond/pkg/errors"
)

// Environment variable names recognized by Load.
const (
	EnvDataDir     = "ACTION_SERVER_DATADIR"
	EnvPort        = "ACTION_SERVER_PORT"
	EnvAPIKey      = "ACTION_SERVER_API_KEY"
	EnvShutdownAPI = "RC_ADD_SHUTDOWN_API"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Actions   ActionsConfig   `yaml:"actions"`
	Env       EnvConfig       `yaml:"environment"`
	Pool      PoolConfig      `yaml:"pool"`
	Runner    RunnerConfig    `yaml:"runner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	SMTP      SMTPConfig      `yaml:"smtp"`
}

// ServerConfig configures the HTTP listener and data layout.
type ServerConfig struct {
	// Address is the bind address. Default: localhost.
	Address string `yaml:"address"`

	// Port is the listen port. Default: 8080.
	Port int `yaml:"port"`

	// DataDir holds server.db and the artifacts tree.
	// Default: ~/.actiond.
	DataDir string `yaml:"data_dir"`

	// APIKey, when set, requires bearer authentication.
	APIKey string `yaml:"api_key"`

	// ExposeShutdown enables POST /api/shutdown.
	ExposeShutdown bool `yaml:"expose_shutdown"`
}

// ActionsConfig configures package import behavior.
type ActionsConfig struct {
	// Dir is the directory scanned for action packages.
	Dir string `yaml:"dir"`

	// Sync re-imports packages when files under Dir change.
	Sync bool `yaml:"sync"`

	// SkipLint disables static analysis warnings on import.
	SkipLint bool `yaml:"skip_lint"`

	// FailOnLint turns lint warnings into import errors.
	FailOnLint bool `yaml:"fail_on_lint"`
}

// EnvConfig configures environment resolution.
type EnvConfig struct {
	// RCCPath is the rcc binary. Default: "rcc" from PATH.
	RCCPath string `yaml:"rcc_path"`

	// DevMode skips builds and reuses the ambient interpreter.
	DevMode bool `yaml:"dev_mode"`

	// BuildTimeout bounds one holotree build. Default: 30m.
	BuildTimeout time.Duration `yaml:"build_timeout"`
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	MinProcesses   int  `yaml:"min_processes"`
	MaxProcesses   int  `yaml:"max_processes"`
	ReuseProcesses bool `yaml:"reuse_processes"`
}

// RunnerConfig configures run execution.
type RunnerConfig struct {
	// RunTimeout bounds one run. Default: 1h.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// LeaseTimeout bounds waiting for a free worker. Default: 60s.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
}

// SchedulerConfig configures the schedule loop.
type SchedulerConfig struct {
	// CheckInterval between ticks. Default: 10s.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxConcurrentGlobal caps running executions. Default: 10.
	MaxConcurrentGlobal int `yaml:"max_concurrent_global"`
}

// SMTPConfig configures email notifications.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Load reads the YAML file when path is non-empty, applies environment
// overrides and fills defaults. A missing explicit file is an error; no
// file at all yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, &errors.ValidationError{
				Field:  "config",
				Reason: fmt.Sprintf("%s is not valid YAML", path),
				Cause:  err,
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Server.DataDir = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv(EnvShutdownAPI); v != "" && v != "0" && v != "false" {
		c.Server.ExposeShutdown = true
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Server.DataDir = filepath.Join(home, ".actiond")
	}
	if c.Env.RCCPath == "" {
		c.Env.RCCPath = "rcc"
	}
	if c.Env.BuildTimeout <= 0 {
		c.Env.BuildTimeout = 30 * time.Minute
	}
	if c.Pool.MaxProcesses <= 0 {
		c.Pool.MaxProcesses = 4
	}
	if c.Runner.RunTimeout <= 0 {
		c.Runner.RunTimeout = time.Hour
	}
	if c.Runner.LeaseTimeout <= 0 {
		c.Runner.LeaseTimeout = 60 * time.Second
	}
	if c.Scheduler.CheckInterval <= 0 {
		c.Scheduler.CheckInterval = 10 * time.Second
	}
	if c.Scheduler.MaxConcurrentGlobal <= 0 {
		c.Scheduler.MaxConcurrentGlobal = 10
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &errors.ValidationError{
			Field:  "server.port",
			Reason: fmt.Sprintf("%d is out of range", c.Server.Port),
		}
	}
	if c.Pool.MinProcesses < 0 {
		return &errors.ValidationError{Field: "pool.min_processes", Reason: "must not be negative"}
	}
	if c.Pool.MinProcesses > c.Pool.MaxProcesses {
		return &errors.ValidationError{
			Field:  "pool.min_processes",
			Reason: "must not exceed pool.max_processes",
		}
	}
	if c.SMTP.Host != "" && c.SMTP.Port == 0 {
		return &errors.ValidationError{Field: "smtp.port", Reason: "required when smtp.host is set"}
	}
	return nil
}

// DatabasePath is the SQLite file under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Server.DataDir, "server.db")
}

// ArtifactsDir is the artifacts root under the data directory.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.Server.DataDir, "artifacts")
}

// ListenAddr is the address:port string for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
