package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ciris/internal/logging"
)

// ============================================================================
// CONFIG FILE WATCHER
// ============================================================================

// debounceWindow batches rapid editor write bursts into one reload.
const debounceWindow = 500 * time.Millisecond

// Watcher watches the persistent config file and reloads the manager's base
// layer when it changes on disk. Editors that write via rename are handled by
// watching the parent directory.
type Watcher struct {
	manager *Manager
	path    string

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher for the manager's persistent file.
func NewWatcher(m *Manager) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	abs, err := filepath.Abs(m.path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		manager: m,
		path:    abs,
		watcher: fw,
		pending: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine. Non-blocking.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
	logging.Config("watching %s for changes", w.path)
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigError("watcher error: %v", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// relevant filters directory events down to writes of the config file itself.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == w.path
}

// flushPending reloads once per debounced change burst.
func (w *Watcher) flushPending() {
	w.mu.Lock()
	var fire bool
	now := time.Now()
	for name, at := range w.pending {
		if now.Sub(at) >= debounceWindow {
			delete(w.pending, name)
			fire = true
		}
	}
	w.mu.Unlock()

	if !fire {
		return
	}

	if err := w.manager.Reload(); err != nil {
		logging.ConfigError("reload failed, keeping previous config: %v", err)
		return
	}
	logging.Config("reloaded %s", w.path)
}
