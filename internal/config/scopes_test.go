package config

import (
	"path/filepath"
	"testing"
)

// =============================================================================
// SCOPE MANAGER TESTS
// =============================================================================

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	if err := cfg.Save(path); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
	return NewManager(path, cfg), path
}

// restart simulates a process restart: a fresh manager over a fresh Load of
// the same persistent file.
func restart(t *testing.T, path string) *Manager {
	t.Helper()
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	return NewManager(path, cfg)
}

func TestManager_PersistentSurvivesRestart(t *testing.T) {
	m, path := newTestManager(t)

	if err := m.Set(ScopePersistent, "max_thought_depth", 5); err != nil {
		t.Fatalf("Set persistent failed: %v", err)
	}

	m2 := restart(t, path)
	v, scope, err := m2.Get("max_thought_depth")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if scope != ScopePersistent {
		t.Errorf("expected persistent scope, got %s", scope)
	}
	if v.(int) != 5 {
		t.Errorf("expected 5 after restart, got %v", v)
	}
}

func TestManager_RuntimeDoesNotSurviveRestart(t *testing.T) {
	m, path := newTestManager(t)

	if err := m.Set(ScopeRuntime, "max_thought_depth", 3); err != nil {
		t.Fatalf("Set runtime failed: %v", err)
	}
	if v, _, _ := m.Get("max_thought_depth"); v.(int) != 3 {
		t.Fatalf("runtime override not visible before restart: %v", v)
	}

	m2 := restart(t, path)
	v, scope, err := m2.Get("max_thought_depth")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if scope != ScopePersistent {
		t.Errorf("expected persistent scope after restart, got %s", scope)
	}
	if v.(int) != 7 {
		t.Errorf("runtime override leaked across restart: got %v, want default 7", v)
	}
}

func TestManager_ScopePrecedence(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Set(ScopePersistent, "limits.round_delay_seconds", 10.0); err != nil {
		t.Fatalf("Set persistent failed: %v", err)
	}
	if err := m.Set(ScopeSession, "limits.round_delay_seconds", 2.0); err != nil {
		t.Fatalf("Set session failed: %v", err)
	}
	if err := m.Set(ScopeRuntime, "limits.round_delay_seconds", 0.5); err != nil {
		t.Fatalf("Set runtime failed: %v", err)
	}

	v, scope, _ := m.Get("limits.round_delay_seconds")
	if scope != ScopeRuntime || v.(float64) != 0.5 {
		t.Errorf("expected runtime 0.5 to win, got %v from %s", v, scope)
	}

	m.ClearRuntime()
	v, scope, _ = m.Get("limits.round_delay_seconds")
	if scope != ScopeSession || v.(float64) != 2.0 {
		t.Errorf("expected session 2.0 after runtime clear, got %v from %s", v, scope)
	}

	m.ClearSession()
	v, scope, _ = m.Get("limits.round_delay_seconds")
	if scope != ScopePersistent || v.(float64) != 10.0 {
		t.Errorf("expected persistent 10.0 after session clear, got %v from %s", v, scope)
	}
}

func TestManager_SnapshotAppliesOverlays(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Set(ScopeSession, "entropy_threshold", 0.3); err != nil {
		t.Fatalf("Set session failed: %v", err)
	}
	if err := m.Set(ScopeRuntime, "coherence_threshold", 0.8); err != nil {
		t.Fatalf("Set runtime failed: %v", err)
	}

	snap := m.Snapshot()
	if snap.Conscience.EntropyThreshold != 0.3 {
		t.Errorf("session overlay missing from snapshot: %v", snap.Conscience.EntropyThreshold)
	}
	if snap.Conscience.CoherenceThreshold != 0.8 {
		t.Errorf("runtime overlay missing from snapshot: %v", snap.Conscience.CoherenceThreshold)
	}

	// Snapshot is a copy; mutations do not touch the manager.
	snap.Conscience.EntropyThreshold = 0.99
	if v, _, _ := m.Get("entropy_threshold"); v.(float64) != 0.3 {
		t.Error("snapshot mutation leaked into manager")
	}

	// Base stays free of overlays.
	if base := m.Base(); base.Conscience.EntropyThreshold != 0.40 {
		t.Errorf("overlay leaked into base: %v", base.Conscience.EntropyThreshold)
	}
}

func TestManager_RejectsInvalidValues(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Set(ScopeRuntime, "max_thought_depth", 0); err == nil {
		t.Error("expected validation rejection for depth 0")
	}
	if err := m.Set(ScopeRuntime, "entropy_threshold", 2.0); err == nil {
		t.Error("expected validation rejection for entropy 2.0")
	}
	if err := m.Set(ScopeRuntime, "no_such_key", 1); err == nil {
		t.Error("expected unknown key rejection")
	}
	if err := m.Set(Scope("forever"), "max_thought_depth", 5); err == nil {
		t.Error("expected unknown scope rejection")
	}

	// Failed sets leave no residue.
	if v, _, _ := m.Get("max_thought_depth"); v.(int) != 7 {
		t.Errorf("failed set left residue: %v", v)
	}
}

func TestManager_StringCoercion(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Set(ScopeRuntime, "max_active_thoughts", "25"); err != nil {
		t.Fatalf("string int coercion failed: %v", err)
	}
	if v, _, _ := m.Get("max_active_thoughts"); v.(int) != 25 {
		t.Errorf("expected coerced 25, got %v", v)
	}

	if err := m.Set(ScopeRuntime, "logging.debug", "true"); err != nil {
		t.Fatalf("string bool coercion failed: %v", err)
	}
	if v, _, _ := m.Get("logging.debug"); v.(bool) != true {
		t.Errorf("expected coerced true, got %v", v)
	}
}

func TestManager_ListReportsScopes(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Set(ScopeSession, "llm.model", "test-model"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var found bool
	for _, s := range m.List() {
		if s.Key == "llm.model" {
			found = true
			if s.Scope != ScopeSession {
				t.Errorf("expected session scope for llm.model, got %s", s.Scope)
			}
			if s.Value.(string) != "test-model" {
				t.Errorf("expected test-model, got %v", s.Value)
			}
		}
	}
	if !found {
		t.Error("llm.model missing from List")
	}
}

func TestManager_OnChangeFires(t *testing.T) {
	m, _ := newTestManager(t)

	var got *Config
	m.OnChange(func(c *Config) { got = c })

	if err := m.Set(ScopeRuntime, "max_thought_depth", 4); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got == nil {
		t.Fatal("OnChange callback never fired")
	}
	if got.Limits.MaxThoughtDepth != 4 {
		t.Errorf("callback saw stale config: %d", got.Limits.MaxThoughtDepth)
	}
}

func TestManager_BackupRestore(t *testing.T) {
	m, path := newTestManager(t)

	if err := m.Set(ScopePersistent, "max_thought_depth", 6); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	backupDir := filepath.Join(filepath.Dir(path), "backups")
	backup, err := m.Backup(backupDir)
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	if err := m.Set(ScopePersistent, "max_thought_depth", 2); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, _, _ := m.Get("max_thought_depth"); v.(int) != 2 {
		t.Fatalf("expected 2 before restore, got %v", v)
	}

	if err := m.Restore(backup); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if v, _, _ := m.Get("max_thought_depth"); v.(int) != 6 {
		t.Errorf("expected 6 after restore, got %v", v)
	}

	// The restored state also survives a restart.
	m2 := restart(t, path)
	if v, _, _ := m2.Get("max_thought_depth"); v.(int) != 6 {
		t.Errorf("expected 6 after restore+restart, got %v", v)
	}
}

func TestManager_ReloadKeepsOverlays(t *testing.T) {
	m, path := newTestManager(t)

	if err := m.Set(ScopeRuntime, "max_thought_depth", 3); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// External edit: write a new persistent value directly.
	edited := DefaultConfig()
	edited.Limits.MaxActiveThoughts = 10
	if err := edited.Save(path); err != nil {
		t.Fatalf("external save failed: %v", err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if v, _, _ := m.Get("max_active_thoughts"); v.(int) != 10 {
		t.Errorf("reload missed external edit: %v", v)
	}
	if v, scope, _ := m.Get("max_thought_depth"); scope != ScopeRuntime || v.(int) != 3 {
		t.Errorf("reload dropped runtime overlay: %v from %s", v, scope)
	}
}
