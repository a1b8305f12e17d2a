// Copyright 2026 The Sandboxd Authors
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

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// PatternWatcher hot-reloads the violation pattern table when its file
// changes. A reload that fails to parse keeps the previous table; new
// detection rules never require redeploying the controller.
type PatternWatcher struct {
	path    string
	table   *PatternTable
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPatternWatcher creates a watcher for the given patterns file, applied to
// the given table. The file's directory is watched so editor rename-and-write
// saves are picked up.
func NewPatternWatcher(path string, table *PatternTable, logger *slog.Logger) (*PatternWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch patterns directory: %w", err)
	}

	return &PatternWatcher{
		path:    absPath,
		table:   table,
		watcher: fsw,
		logger:  logger.With(slog.String("component", "patternwatcher"), slog.String("path", absPath)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching for pattern file changes.
func (w *PatternWatcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
	w.logger.Info("pattern watcher started")
}

// Stop stops the watcher and releases resources.
func (w *PatternWatcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

// eventLoop processes fsnotify events and reloads the table on writes.
func (w *PatternWatcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("pattern watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("pattern watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Warn("pattern watcher event channel closed")
				return
			}
			if event.Name != w.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Warn("pattern watcher error channel closed")
				return
			}
			w.logger.Error("pattern watcher error", "error", err)
		}
	}
}

// reload attempts to load and swap in the patterns file. On failure the
// previous table stays active.
func (w *PatternWatcher) reload() {
	patterns, err := LoadPatterns(w.path)
	if err != nil {
		w.logger.Warn("pattern reload failed, keeping previous table", "error", err)
		return
	}
	w.table.Replace(patterns)
	w.logger.Info("pattern table reloaded", slog.Int("patterns", len(patterns)))
}
