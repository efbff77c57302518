// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeFunc is called with a batch of changed document paths after
// the debounce window closes.
type ChangeFunc func(paths []string)

// Watcher watches a document directory and reports changed documents
// after a debounce window, so a burst of editor writes triggers one
// re-index instead of many.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange ChangeFunc
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]time.Time
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher over root. onChange receives changed
// paths once they have been quiet for the debounce duration.
func NewWatcher(root string, debounce time.Duration, onChange ChangeFunc, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		log:      log.With().Str("component", "watcher").Logger(),
		watcher:  fsw,
		pending:  make(map[string]time.Time),
	}, nil
}

// Start begins watching. It returns after the background goroutines
// are running; Close stops them.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go w.processEvents(ctx)
	go w.processPending(ctx)

	w.log.Info().Str("root", w.root).Dur("debounce", w.debounce).Msg("watching documents")
	return nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	return w.watcher.Close()
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !info.IsDir() {
			return nil
		}
		if filepath.Base(path)[0] == '.' && path != dir {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.log.Warn().Err(err).Str("dir", path).Msg("failed to watch directory")
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if Supported(event.Name) {
					w.mu.Lock()
					w.pending[event.Name] = time.Now()
					w.mu.Unlock()
				}
				// New subdirectories need their own watch.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addRecursive(event.Name)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) processPending(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			w.mu.Lock()
			var ready []string
			for path, changed := range w.pending {
				if now.Sub(changed) >= w.debounce {
					ready = append(ready, path)
					delete(w.pending, path)
				}
			}
			w.mu.Unlock()

			if len(ready) > 0 {
				w.onChange(ready)
			}
		}
	}
}
