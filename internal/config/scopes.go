package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// CONFIGURATION SCOPES
// ============================================================================

// Scope determines how long a configuration change lives.
type Scope string

const (
	// ScopeRuntime changes apply in-memory only and vanish on restart.
	ScopeRuntime Scope = "runtime"
	// ScopeSession changes live until the session is cleared or the
	// process restarts.
	ScopeSession Scope = "session"
	// ScopePersistent changes are written to the config file and survive
	// restarts.
	ScopePersistent Scope = "persistent"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeRuntime, ScopeSession, ScopePersistent:
		return true
	}
	return false
}

// Setting is one key with its effective value and the scope it came from.
type Setting struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Scope Scope  `json:"scope"`
}

// keyEntry binds a dotted key to typed accessors on the config tree.
type keyEntry struct {
	get func(*Config) any
	set func(*Config, any) error
}

// keyTable enumerates every operator-settable key. Setters coerce from the
// loose types an operator surface delivers (string, float64, bool, int).
var keyTable = map[string]keyEntry{
	"agent.name": {
		get: func(c *Config) any { return c.Agent.Name },
		set: func(c *Config, v any) error { return setString(&c.Agent.Name, v) },
	},
	"agent.domain": {
		get: func(c *Config) any { return c.Agent.Domain },
		set: func(c *Config, v any) error { return setString(&c.Agent.Domain, v) },
	},
	"limits.max_active_thoughts": {
		get: func(c *Config) any { return c.Limits.MaxActiveThoughts },
		set: func(c *Config, v any) error { return setInt(&c.Limits.MaxActiveThoughts, v) },
	},
	"limits.max_thought_depth": {
		get: func(c *Config) any { return c.Limits.MaxThoughtDepth },
		set: func(c *Config, v any) error { return setInt(&c.Limits.MaxThoughtDepth, v) },
	},
	"limits.round_delay_seconds": {
		get: func(c *Config) any { return c.Limits.RoundDelaySeconds },
		set: func(c *Config, v any) error { return setFloat(&c.Limits.RoundDelaySeconds, v) },
	},
	"limits.dma_timeout_seconds": {
		get: func(c *Config) any { return c.Limits.DMATimeoutSeconds },
		set: func(c *Config, v any) error { return setFloat(&c.Limits.DMATimeoutSeconds, v) },
	},
	"limits.dma_retry_limit": {
		get: func(c *Config) any { return c.Limits.DMARetryLimit },
		set: func(c *Config, v any) error { return setInt(&c.Limits.DMARetryLimit, v) },
	},
	"conscience.entropy_threshold": {
		get: func(c *Config) any { return c.Conscience.EntropyThreshold },
		set: func(c *Config, v any) error { return setFloat(&c.Conscience.EntropyThreshold, v) },
	},
	"conscience.coherence_threshold": {
		get: func(c *Config) any { return c.Conscience.CoherenceThreshold },
		set: func(c *Config, v any) error { return setFloat(&c.Conscience.CoherenceThreshold, v) },
	},
	"conscience.identity_variance_threshold": {
		get: func(c *Config) any { return c.Conscience.IdentityVarianceThreshold },
		set: func(c *Config, v any) error { return setFloat(&c.Conscience.IdentityVarianceThreshold, v) },
	},
	"breaker.failure_threshold": {
		get: func(c *Config) any { return c.Breaker.FailureThreshold },
		set: func(c *Config, v any) error { return setInt(&c.Breaker.FailureThreshold, v) },
	},
	"breaker.reset_timeout_seconds": {
		get: func(c *Config) any { return c.Breaker.ResetTimeoutSeconds },
		set: func(c *Config, v any) error { return setInt(&c.Breaker.ResetTimeoutSeconds, v) },
	},
	"llm.provider": {
		get: func(c *Config) any { return c.LLM.Provider },
		set: func(c *Config, v any) error { return setString(&c.LLM.Provider, v) },
	},
	"llm.model": {
		get: func(c *Config) any { return c.LLM.Model },
		set: func(c *Config, v any) error { return setString(&c.LLM.Model, v) },
	},
	"llm.base_url": {
		get: func(c *Config) any { return c.LLM.BaseURL },
		set: func(c *Config, v any) error { return setString(&c.LLM.BaseURL, v) },
	},
	"shutdown.grace_seconds": {
		get: func(c *Config) any { return c.Shutdown.GraceSeconds },
		set: func(c *Config, v any) error { return setInt(&c.Shutdown.GraceSeconds, v) },
	},
	"logging.debug": {
		get: func(c *Config) any { return c.Logging.Debug },
		set: func(c *Config, v any) error { return setBool(&c.Logging.Debug, v) },
	},
	"logging.level": {
		get: func(c *Config) any { return c.Logging.Level },
		set: func(c *Config, v any) error { return setString(&c.Logging.Level, v) },
	},
	"logging.json_format": {
		get: func(c *Config) any { return c.Logging.JSONFormat },
		set: func(c *Config, v any) error { return setBool(&c.Logging.JSONFormat, v) },
	},
	"telemetry.enabled": {
		get: func(c *Config) any { return c.Telemetry.Enabled },
		set: func(c *Config, v any) error { return setBool(&c.Telemetry.Enabled, v) },
	},
	"telemetry.retention_hours": {
		get: func(c *Config) any { return c.Telemetry.RetentionHours },
		set: func(c *Config, v any) error { return setInt(&c.Telemetry.RetentionHours, v) },
	},
	// Takes effect on the next boot: the audit service binds its signer at
	// construction.
	"audit.signing_algorithm": {
		get: func(c *Config) any { return c.Audit.SigningAlgorithm },
		set: func(c *Config, v any) error { return setString(&c.Audit.SigningAlgorithm, v) },
	},
}

// keyAliases maps the bare key names operators use to their dotted form.
var keyAliases = map[string]string{
	"max_active_thoughts":         "limits.max_active_thoughts",
	"max_thought_depth":           "limits.max_thought_depth",
	"round_delay_seconds":         "limits.round_delay_seconds",
	"dma_timeout_seconds":         "limits.dma_timeout_seconds",
	"dma_retry_limit":             "limits.dma_retry_limit",
	"entropy_threshold":           "conscience.entropy_threshold",
	"coherence_threshold":         "conscience.coherence_threshold",
	"identity_variance_threshold": "conscience.identity_variance_threshold",
	"failure_threshold":           "breaker.failure_threshold",
	"reset_timeout_seconds":       "breaker.reset_timeout_seconds",
	"grace_seconds":               "shutdown.grace_seconds",
	"debug":                       "logging.debug",
	"log_level":                   "logging.level",
	"audit_signing_algorithm":     "audit.signing_algorithm",
}

// canonicalKey resolves aliases and verifies the key is known.
func canonicalKey(key string) (string, error) {
	if alias, ok := keyAliases[key]; ok {
		key = alias
	}
	if _, ok := keyTable[key]; !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return key, nil
}

// Keys returns every settable key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(keyTable))
	for k := range keyTable {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// SCOPE MANAGER
// ============================================================================

// Manager layers runtime and session overrides over a persistent base
// configuration. Precedence is runtime > session > persistent.
type Manager struct {
	mu       sync.RWMutex
	path     string
	base     *Config
	session  map[string]any
	runtime  map[string]any
	onChange []func(*Config)
}

// NewManager wraps a loaded base config. path is the persistent file;
// persistent sets write through to it.
func NewManager(path string, base *Config) *Manager {
	return &Manager{
		path:    path,
		base:    base,
		session: make(map[string]any),
		runtime: make(map[string]any),
	}
}

// OnChange registers a callback invoked with the new effective config after
// every successful mutation.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Get returns the effective value for key and the scope that supplied it.
func (m *Manager) Get(key string) (any, Scope, error) {
	key, err := canonicalKey(key)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.runtime[key]; ok {
		return v, ScopeRuntime, nil
	}
	if v, ok := m.session[key]; ok {
		return v, ScopeSession, nil
	}
	return keyTable[key].get(m.base), ScopePersistent, nil
}

// Set applies a value at the given scope. Runtime and session sets are held
// as overlays; persistent sets mutate the base config and rewrite the file.
// Every set is validated against the full config before it takes effect.
func (m *Manager) Set(scope Scope, key string, value any) error {
	if !scope.Valid() {
		return fmt.Errorf("unknown config scope %q", scope)
	}
	key, err := canonicalKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Trial-apply on a copy so a bad value never lands in any scope.
	trial := m.effectiveLocked()
	if err := keyTable[key].set(trial, value); err != nil {
		return fmt.Errorf("config set %s: %w", key, err)
	}
	if err := trial.Validate(); err != nil {
		return fmt.Errorf("config set %s: %w", key, err)
	}
	coerced := keyTable[key].get(trial)

	switch scope {
	case ScopeRuntime:
		m.runtime[key] = coerced
	case ScopeSession:
		m.session[key] = coerced
	case ScopePersistent:
		if err := keyTable[key].set(m.base, value); err != nil {
			return fmt.Errorf("config set %s: %w", key, err)
		}
		if err := m.base.Save(m.path); err != nil {
			return fmt.Errorf("config persist %s: %w", key, err)
		}
	}

	m.notifyLocked()
	return nil
}

// List returns every known key with its effective value and source scope.
func (m *Manager) List() []Setting {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Setting, 0, len(keyTable))
	for _, k := range Keys() {
		s := Setting{Key: k, Scope: ScopePersistent, Value: keyTable[k].get(m.base)}
		if v, ok := m.session[k]; ok {
			s.Scope, s.Value = ScopeSession, v
		}
		if v, ok := m.runtime[k]; ok {
			s.Scope, s.Value = ScopeRuntime, v
		}
		out = append(out, s)
	}
	return out
}

// Snapshot returns a copy of the effective configuration with all overlays
// applied. Callers may hold it without locking.
func (m *Manager) Snapshot() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effectiveLocked()
}

// Base returns a copy of the persistent layer with no overlays.
func (m *Manager) Base() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base.Clone()
}

// ClearSession drops all session-scope overrides.
func (m *Manager) ClearSession() {
	m.mu.Lock()
	m.session = make(map[string]any)
	m.notifyLocked()
	m.mu.Unlock()
}

// ClearRuntime drops all runtime-scope overrides.
func (m *Manager) ClearRuntime() {
	m.mu.Lock()
	m.runtime = make(map[string]any)
	m.notifyLocked()
	m.mu.Unlock()
}

// Reload replaces the persistent base from disk, keeping overlays intact.
// Used by the file watcher on external edits.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.base = cfg
	m.notifyLocked()
	m.mu.Unlock()
	return nil
}

// effectiveLocked builds the overlay-applied config. Caller holds m.mu.
func (m *Manager) effectiveLocked() *Config {
	cfg := m.base.Clone()
	for k, v := range m.session {
		_ = keyTable[k].set(cfg, v) // coerced on entry, cannot fail
	}
	for k, v := range m.runtime {
		_ = keyTable[k].set(cfg, v)
	}
	return cfg
}

// notifyLocked invokes change callbacks with a fresh snapshot. Caller holds
// m.mu.
func (m *Manager) notifyLocked() {
	if len(m.onChange) == 0 {
		return
	}
	snap := m.effectiveLocked()
	for _, fn := range m.onChange {
		fn(snap)
	}
}

// ============================================================================
// BACKUP / RESTORE
// ============================================================================

// Backup copies the persistent config file into dir with a timestamped name
// and returns the backup path.
func (m *Manager) Backup(dir string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	dst := filepath.Join(dir, fmt.Sprintf("config-%s.yaml", stamp))
	if err := copyFile(m.path, dst); err != nil {
		return "", fmt.Errorf("config backup: %w", err)
	}
	return dst, nil
}

// Restore replaces the persistent config file with a backup and reloads the
// base layer. Overlays are preserved.
func (m *Manager) Restore(backupPath string) error {
	// Validate before touching the live file.
	if _, err := Load(backupPath); err != nil {
		return fmt.Errorf("config restore: backup invalid: %w", err)
	}

	m.mu.Lock()
	if err := copyFile(backupPath, m.path); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("config restore: %w", err)
	}
	m.mu.Unlock()

	return m.Reload()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// ============================================================================
// VALUE COERCION
// ============================================================================

func setString(dst *string, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	*dst = s
	return nil
}

func setInt(dst *int, v any) error {
	switch t := v.(type) {
	case int:
		*dst = t
	case int64:
		*dst = int(t)
	case float64:
		if t != float64(int(t)) {
			return fmt.Errorf("expected integer, got %v", t)
		}
		*dst = int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return fmt.Errorf("expected integer, got %q", t)
		}
		*dst = n
	default:
		return fmt.Errorf("expected integer, got %T", v)
	}
	return nil
}

func setFloat(dst *float64, v any) error {
	switch t := v.(type) {
	case float64:
		*dst = t
	case int:
		*dst = float64(t)
	case int64:
		*dst = float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return fmt.Errorf("expected number, got %q", t)
		}
		*dst = f
	default:
		return fmt.Errorf("expected number, got %T", v)
	}
	return nil
}

func setBool(dst *bool, v any) error {
	switch t := v.(type) {
	case bool:
		*dst = t
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return fmt.Errorf("expected bool, got %q", t)
		}
		*dst = b
	default:
		return fmt.Errorf("expected bool, got %T", v)
	}
	return nil
}
