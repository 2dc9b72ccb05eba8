package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// watchedManager saves a config with a recognizable depth, wraps it in a
// manager, and starts a watcher over it.
func watchedManager(t *testing.T) (*Manager, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "ciris.yaml")

	cfg := DefaultConfig()
	cfg.Limits.MaxThoughtDepth = 7
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	m := NewManager(path, loaded)

	w, err := NewWatcher(m)
	require.NoError(t, err)
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	return m, path
}

func depth(t *testing.T, m *Manager) int {
	t.Helper()
	v, _, err := m.Get("limits.max_thought_depth")
	require.NoError(t, err)
	return v.(int)
}

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	m, path := watchedManager(t)
	require.Equal(t, 7, depth(t, m))

	cfg := m.Base()
	cfg.Limits.MaxThoughtDepth = 5
	require.NoError(t, cfg.Save(path))

	assert.Eventually(t, func() bool {
		v, _, err := m.Get("limits.max_thought_depth")
		return err == nil && v.(int) == 5
	}, 3*time.Second, 50*time.Millisecond, "watcher never picked up the rewritten file")
}

func TestWatcher_KeepsConfigWhenReloadFails(t *testing.T) {
	m, path := watchedManager(t)

	// A broken file must not displace the running config.
	require.NoError(t, os.WriteFile(path, []byte("limits: [broken"), 0o644))

	time.Sleep(debounceWindow + 300*time.Millisecond)
	assert.Equal(t, 7, depth(t, m))
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	m, path := watchedManager(t)

	sibling := filepath.Join(filepath.Dir(path), "notes.txt")
	require.NoError(t, os.WriteFile(sibling, []byte("scratch"), 0o644))

	time.Sleep(debounceWindow + 300*time.Millisecond)
	assert.Equal(t, 7, depth(t, m))
}

func TestWatcher_PreservesOverlaysAcrossReload(t *testing.T) {
	m, path := watchedManager(t)
	require.NoError(t, m.Set(ScopeRuntime, "limits.max_thought_depth", 3))

	cfg := m.Base()
	cfg.Limits.MaxThoughtDepth = 5
	require.NoError(t, cfg.Save(path))

	// The base reloads underneath, but the runtime overlay keeps winning.
	assert.Eventually(t, func() bool {
		return m.Base().Limits.MaxThoughtDepth == 5
	}, 3*time.Second, 50*time.Millisecond, "base never reloaded")
	assert.Equal(t, 3, depth(t, m))
}
