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

package plugin

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a plugin directory into a registry whenever a manifest
// below it changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	registry  *MemoryRegistry
	dir       string
	logger    *slog.Logger

	// debounceDelay coalesces bursts of writes from editors
	debounceDelay time.Duration

	mu      sync.Mutex
	pending *time.Timer

	// onReload is called after every reload attempt; used by tests
	onReload func(n int, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Registry *MemoryRegistry
	Dir      string
	Logger   *slog.Logger

	// DebounceDelay defaults to 200ms.
	DebounceDelay time.Duration

	// OnReload is optional.
	OnReload func(n int, err error)
}

// NewWatcher starts watching cfg.Dir and every directory below it.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("plugin directory is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.DebounceDelay
	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		fsWatcher:     fsWatcher,
		registry:      cfg.Registry,
		dir:           cfg.Dir,
		logger:        logger.With(slog.String("component", "plugin-watcher")),
		debounceDelay: debounce,
		onReload:      cfg.OnReload,
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := w.addTree(cfg.Dir); err != nil {
		cancel()
		_ = fsWatcher.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// addTree watches dir and all of its subdirectories; fsnotify is not recursive.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsWatcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				// new subdirectories need their own watch
				_ = w.addTree(event.Name)
			}
			if isManifest(event.Name) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", slog.Any("error", err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	n, err := LoadInto(w.registry, w.dir, w.logger)
	if err != nil {
		w.logger.Error("plugin reload failed", slog.Any("error", err))
	} else {
		w.logger.Info("plugins reloaded", slog.Int("count", n))
	}
	if w.onReload != nil {
		w.onReload(n, err)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.fsWatcher.Close()
}

func isManifest(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".plugin.yaml") || strings.HasSuffix(base, ".plugin.yml")
}
