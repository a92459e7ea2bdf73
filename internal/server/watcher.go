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
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces event bursts from editors and package
// managers into a single re-import.
const debounceWindow = 500 * time.Millisecond

// watcher re-imports the actions directory when files under it change.
type watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	onSync func()
	stopCh chan struct{}
	doneCh chan struct{}
}

func newWatcher(root string, logger *slog.Logger, onSync func()) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// fsnotify does not recurse, so register every subdirectory.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}

	w := &watcher{
		fsw:    fsw,
		logger: logger.With("component", "actions-watcher", "path", root),
		onSync: onSync,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.loop()
	w.logger.Info("actions watcher started")
	return w, nil
}

func (w *watcher) loop() {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				// New directories must be registered to keep recursing.
				if err := w.fsw.Add(event.Name); err == nil {
					w.logger.Debug("watching new path", "path", event.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				fire = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case <-fire:
			timer = nil
			fire = nil
			w.logger.Info("actions directory changed, re-importing")
			w.onSync()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *watcher) stop() {
	close(w.stopCh)
	w.fsw.Close()
	<-w.doneCh
}
