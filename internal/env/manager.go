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

// Package env builds and caches Python environments for action packages.
// Builds are delegated to an external environment tool (rcc); in devmode
// the ambient interpreter is reused without building anything.
package env

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/actiond/pkg/errors"
)

// PythonExeKey is the variable that must be present in every resolved
// environment: the interpreter workers are launched with.
const PythonExeKey = "PYTHON_EXE"

// skipDownloadEnv, when set, is forwarded to the build tool so it reuses
// previously downloaded artifacts.
const skipDownloadEnv = "ACTION_SERVER_SKIP_DOWNLOAD_IN_BUILD"

// Environment is a resolved Python environment for one package.
type Environment struct {
	// Hash identifies the dependency set that produced this environment.
	Hash string `json:"hash"`

	// Vars is the full subprocess environment, including PYTHON_EXE.
	Vars map[string]string `json:"vars"`
}

// PythonExe returns the interpreter path for this environment.
func (e *Environment) PythonExe() string {
	return e.Vars[PythonExeKey]
}

// Environ renders Vars as KEY=VALUE pairs for exec.Cmd.
func (e *Environment) Environ() []string {
	pairs := make([]string, 0, len(e.Vars))
	for k, v := range e.Vars {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// Config contains environment manager configuration.
type Config struct {
	// RCCPath is the environment build tool binary. Defaults to "rcc".
	RCCPath string

	// CacheDir stores resolved environments keyed by dependency hash.
	CacheDir string

	// DevMode skips building and reuses the ambient interpreter.
	DevMode bool

	// BuildTimeout bounds one environment build. Defaults to 30 minutes.
	BuildTimeout time.Duration
}

// Manager resolves package manifests into environments, caching by
// dependency hash in memory and on disk.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Environment
}

// NewManager creates an environment manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.RCCPath == "" {
		cfg.RCCPath = "rcc"
	}
	if cfg.BuildTimeout == 0 {
		cfg.BuildTimeout = 30 * time.Minute
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]*Environment),
	}
}

// Resolve returns the environment for the package manifest at path,
// building it if no cached environment matches the dependency hash.
func (m *Manager) Resolve(ctx context.Context, manifestPath string) (*Environment, error) {
	hash, err := DependencyHash(manifestPath)
	if err != nil {
		return nil, err
	}

	if m.cfg.DevMode {
		return m.ambient(hash)
	}

	m.mu.Lock()
	if cached, ok := m.cache[hash]; ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	if e, err := m.loadDiskCache(hash); err == nil {
		m.remember(e)
		return e, nil
	}

	e, err := m.build(ctx, manifestPath, hash)
	if err != nil {
		return nil, err
	}
	m.remember(e)
	if err := m.storeDiskCache(e); err != nil {
		m.logger.Warn("failed to persist environment cache", "hash", hash, "error", err)
	}
	return e, nil
}

func (m *Manager) remember(e *Environment) {
	m.mu.Lock()
	m.cache[e.Hash] = e
	m.mu.Unlock()
}

// ambient reuses the process environment plus the first python found on
// PATH. Used in devmode where no isolated build is wanted.
func (m *Manager) ambient(hash string) (*Environment, error) {
	python, err := exec.LookPath("python3")
	if err != nil {
		python, err = exec.LookPath("python")
		if err != nil {
			return nil, &errors.EnvironmentBuildError{
				Package: hash,
				Output:  "no python interpreter on PATH",
				Cause:   err,
			}
		}
	}

	vars := make(map[string]string)
	for _, pair := range os.Environ() {
		if k, v, ok := strings.Cut(pair, "="); ok {
			vars[k] = v
		}
	}
	vars[PythonExeKey] = python
	return &Environment{Hash: hash, Vars: vars}, nil
}

// build runs the environment tool and parses its JSON variable output.
func (m *Manager) build(ctx context.Context, manifestPath, hash string) (*Environment, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.BuildTimeout)
	defer cancel()

	args := []string{"holotree", "variables", "--json", "-r", manifestPath}
	cmd := exec.CommandContext(ctx, m.cfg.RCCPath, args...)
	cmd.Env = os.Environ()
	if os.Getenv(skipDownloadEnv) != "" {
		cmd.Env = append(cmd.Env, "RCC_NO_BUILD=1")
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	m.logger.Info("building environment", "manifest", manifestPath, "hash", hash)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		return nil, &errors.EnvironmentBuildError{
			Package: manifestPath,
			Output:  output,
			Cause:   err,
		}
	}
	m.logger.Info("environment ready",
		"hash", hash, "duration_ms", time.Since(start).Milliseconds())

	vars, err := parseVariables(stdout.Bytes())
	if err != nil {
		return nil, &errors.EnvironmentBuildError{
			Package: manifestPath,
			Output:  "unparseable tool output",
			Cause:   err,
		}
	}
	if vars[PythonExeKey] == "" {
		return nil, &errors.EnvironmentBuildError{
			Package: manifestPath,
			Output:  fmt.Sprintf("tool output missing %s", PythonExeKey),
		}
	}
	return &Environment{Hash: hash, Vars: vars}, nil
}

// parseVariables accepts the tool's `[{"key": ..., "value": ...}]` form.
func parseVariables(raw []byte) (map[string]string, error) {
	var entries []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(entries))
	for _, e := range entries {
		vars[e.Key] = e.Value
	}
	return vars, nil
}

func (m *Manager) cachePath(hash string) string {
	return filepath.Join(m.cfg.CacheDir, hash+".json")
}

func (m *Manager) loadDiskCache(hash string) (*Environment, error) {
	if m.cfg.CacheDir == "" {
		return nil, os.ErrNotExist
	}
	raw, err := os.ReadFile(m.cachePath(hash))
	if err != nil {
		return nil, err
	}
	var e Environment
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.Hash != hash || e.PythonExe() == "" {
		return nil, os.ErrNotExist
	}
	// A stale cache pointing at a removed holotree is rebuilt.
	if _, err := os.Stat(e.PythonExe()); err != nil {
		return nil, os.ErrNotExist
	}
	return &e, nil
}

func (m *Manager) storeDiskCache(e *Environment) error {
	if m.cfg.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.cfg.CacheDir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.cachePath(e.Hash), raw, 0o644)
}

// dependencySections are the manifest keys whose content determines the
// built environment. Anything else (action metadata, docs) does not force
// a rebuild.
var dependencySections = []string{"dependencies", "conda", "environment", "condaConfigFile", "pythonDeps"}

// DependencyHash computes a stable content hash over the dependency
// section of a package manifest. Two manifests with identical
// dependencies share one environment.
func DependencyHash(manifestPath string) (string, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", &errors.ValidationError{
			Field:  "manifest",
			Reason: "invalid YAML",
			Cause:  err,
		}
	}

	deps := make(map[string]any)
	for _, key := range dependencySections {
		if v, ok := doc[key]; ok {
			deps[key] = v
		}
	}
	if len(deps) == 0 {
		// No declared dependencies: hash the whole document so distinct
		// packages still get distinct environments.
		deps["__manifest__"] = doc
	}

	canonical, err := json.Marshal(sortKeys(deps))
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// sortKeys normalizes YAML-decoded values so JSON marshaling is stable:
// map keys are emitted sorted, and non-string keys are stringified.
func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, []any{k, sortKeys(t[k])})
		}
		return out
	case map[any]any:
		pairs := make(map[string]any, len(t))
		for k, val := range t {
			pairs[fmt.Sprintf("%v", k)] = val
		}
		return sortKeys(pairs)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return v
	}
}
