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

// Package pkgload imports action packages: it discovers package
// manifests, statically analyzes the Python sources for decorated entry
// points, generates JSON Schemas from the annotations and reconciles the
// result into the store. User code is never imported by the server.
package pkgload

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/actiond/pkg/errors"
)

// Manifest file names, in preference order.
const (
	ManifestName       = "package.yaml"
	LegacyManifestName = "robot.yaml"
)

// Manifest is the parsed package manifest.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Path is the manifest file location, Dir its directory.
	Path string `yaml:"-"`
	Dir  string `yaml:"-"`

	// Legacy marks a robot.yaml manifest.
	Legacy bool `yaml:"-"`
}

// LoadManifest reads and parses one manifest file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &errors.ValidationError{
			Field:  path,
			Reason: "invalid YAML",
			Cause:  err,
		}
	}

	m.Path = path
	m.Dir = filepath.Dir(path)
	m.Legacy = filepath.Base(path) == LegacyManifestName
	if m.Name == "" {
		// Legacy robots often have no name field; fall back to the
		// directory name like the original tooling does.
		m.Name = filepath.Base(m.Dir)
	}
	return &m, nil
}

// FindManifests walks root and returns every package manifest found.
// A directory with both files yields only package.yaml. Hidden
// directories and holotree/venv internals are not descended into.
func FindManifests(root string) ([]*Manifest, error) {
	var manifests []*Manifest

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == "__pycache__" || name == "node_modules" || name == "venv") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ManifestName {
			return nil
		}
		m, err := LoadManifest(path)
		if err != nil {
			return err
		}
		manifests = append(manifests, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	if len(manifests) > 0 {
		return manifests, nil
	}

	// Fall back to legacy robot.yaml only when no package.yaml exists.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != LegacyManifestName {
			return nil
		}
		m, err := LoadManifest(path)
		if err != nil {
			return err
		}
		manifests = append(manifests, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return manifests, nil
}

// PythonSources lists the .py files of a package, relative paths sorted.
func PythonSources(dir string) ([]string, error) {
	var sources []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != dir && (strings.HasPrefix(name, ".") || name == "__pycache__" || name == "venv") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".py") {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			sources = append(sources, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}
