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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tombee/actiond/pkg/errors"
)

// ArtifactInfo describes one file under a run's artifacts directory.
type ArtifactInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// ListArtifacts returns the artifacts of a run, relative paths sorted by
// the walk order.
func (e *Engine) ListArtifacts(ctx context.Context, runID string) ([]ArtifactInfo, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	dir := e.artifactsDir(run)

	var artifacts []ArtifactInfo
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		artifacts = append(artifacts, ArtifactInfo{Name: rel, SizeBytes: info.Size()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return artifacts, nil
}

// ArtifactText returns the contents of the named artifacts, or of every
// artifact matching nameRegexp when names is empty.
func (e *Engine) ArtifactText(ctx context.Context, runID string, names []string, nameRegexp string) (map[string]string, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	dir := e.artifactsDir(run)

	if len(names) == 0 && nameRegexp != "" {
		re, err := regexp.Compile(nameRegexp)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:  "artifact_name_regexp",
				Reason: "invalid regular expression",
				Cause:  err,
			}
		}
		all, err := e.ListArtifacts(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, a := range all {
			if re.MatchString(a.Name) {
				names = append(names, a.Name)
			}
		}
	}

	contents := make(map[string]string, len(names))
	for _, name := range names {
		raw, err := e.readArtifact(dir, runID, name)
		if err != nil {
			return nil, err
		}
		contents[name] = string(raw)
	}
	return contents, nil
}

// ArtifactBinary returns the raw bytes of one artifact.
func (e *Engine) ArtifactBinary(ctx context.Context, runID, name string) ([]byte, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.readArtifact(e.artifactsDir(run), runID, name)
}

// readArtifact reads one artifact, refusing paths that escape the run's
// directory.
func (e *Engine) readArtifact(dir, runID, name string) ([]byte, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, &errors.ValidationError{Field: "artifact name", Reason: "path escapes run directory"}
	}
	raw, err := os.ReadFile(filepath.Join(dir, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{Kind: "artifact", ID: runID + "/" + name}
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return raw, nil
}
