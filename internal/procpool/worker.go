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

// Package procpool maintains pools of long-lived Python worker
// subprocesses, one pool per action package. Workers speak a JSON-lines
// protocol over stdin/stdout and are killed together with their whole
// process subtree.
package procpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/actiond/pkg/errors"
)

// RunRequest is one unit of work sent to a worker.
type RunRequest struct {
	Action  string         `json:"action"`
	File    string         `json:"file"`
	Workdir string         `json:"workdir,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	Managed map[string]any `json:"managed,omitempty"`
	Command string         `json:"command,omitempty"`
}

// Terminal is the final protocol line of one run. ErrorField carries the
// error slot of a Response envelope, which is distinct from a failure.
type Terminal struct {
	Result     json.RawMessage `json:"result"`
	Error      *string         `json:"error"`
	ErrorField json.RawMessage `json:"error_field"`
}

// Line is one stdout line from a worker: either plain output or the
// terminal protocol message.
type Line struct {
	Text     string
	Terminal *Terminal
}

// Worker is one running subprocess.
type Worker struct {
	ID        string
	PackageID string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan Line
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	killed bool
}

// startWorker launches the runner script with the package environment.
func startWorker(packageID, python, script, dir string, environ []string, logger *slog.Logger) (*Worker, error) {
	cmd := exec.Command(python, script)
	cmd.Dir = dir
	cmd.Env = environ
	setProcAttrs(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &errors.WorkerError{Reason: "failed to start worker", Cause: err}
	}

	w := &Worker{
		ID:        uuid.NewString(),
		PackageID: packageID,
		cmd:       cmd,
		stdin:     stdin,
		lines:     make(chan Line, 256),
		done:      make(chan struct{}),
		logger:    logger.With("worker", ""),
	}
	w.logger = logger.With("worker", w.ID[:8], "package", packageID)

	go w.readStdout(stdout)
	go w.readStderr(stderr)
	go func() {
		cmd.Wait()
		close(w.done)
	}()

	w.logger.Debug("worker started", "pid", cmd.Process.Pid)
	return w, nil
}

// readStdout classifies each line as plain output or the terminal
// protocol message and pushes it to the consumer channel.
func (w *Worker) readStdout(r io.Reader) {
	defer close(w.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		w.lines <- Line{Text: text, Terminal: parseTerminal(text)}
	}
}

func (w *Worker) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		w.logger.Debug("worker stderr", "line", scanner.Text())
	}
}

// terminalPrefix marks the runner's protocol line. User print() output
// shares stdout with the protocol, so only prefixed lines are terminals
// and everything an action prints streams through untouched.
const terminalPrefix = "__action_server_terminal__ "

// parseTerminal returns non-nil when the line is a protocol terminal.
func parseTerminal(text string) *Terminal {
	payload, ok := strings.CutPrefix(text, terminalPrefix)
	if !ok {
		return nil
	}
	var term Terminal
	if err := json.Unmarshal([]byte(payload), &term); err != nil {
		return nil
	}
	return &term
}

// Send writes one JSON-line request to the worker's stdin.
func (w *Worker) Send(req *RunRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	if _, err := w.stdin.Write(raw); err != nil {
		return &errors.WorkerError{Reason: "failed to write to worker", Cause: err}
	}
	return nil
}

// Lines exposes the worker's stdout stream. The channel closes when the
// process exits.
func (w *Worker) Lines() <-chan Line {
	return w.lines
}

// Alive reports whether the subprocess is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Kill terminates the worker and its entire process subtree.
func (w *Worker) Kill() {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return
	}
	w.killed = true
	w.mu.Unlock()

	w.stdin.Close()
	if w.cmd.Process != nil {
		if err := killTree(w.cmd.Process.Pid); err != nil {
			w.logger.Warn("failed to kill worker subtree", "error", err)
		}
	}

	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		w.logger.Warn("worker did not exit after kill")
	}
}

// shutdown asks the worker to exit cleanly, then kills it if it lingers.
func (w *Worker) shutdown() {
	_ = w.Send(&RunRequest{Command: "exit"})
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		w.Kill()
	}
}
