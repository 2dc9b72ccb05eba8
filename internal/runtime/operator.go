package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"ciris/internal/config"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// OPERATOR SURFACE
// =============================================================================
// Typed, wire-neutral control verbs. A transport (CLI, socket, HTTP added by
// an adapter) mounts on these; the runtime itself never opens a listener.

// Pause holds the processor between rounds.
func (r *Runtime) Pause(ctx context.Context) error {
	return r.buses.RuntimeControl.Pause(ctx)
}

// Resume releases a paused processor.
func (r *Runtime) Resume(ctx context.Context) error {
	return r.buses.RuntimeControl.Resume(ctx)
}

// Step runs exactly one round on a paused processor and returns how many
// thoughts it processed.
func (r *Runtime) Step(ctx context.Context) (int, error) {
	return r.buses.RuntimeControl.SingleStep(ctx)
}

// Queue reports live queue depths and the cognitive state.
func (r *Runtime) Queue(ctx context.Context) (types.QueueStatus, error) {
	return r.buses.RuntimeControl.QueueStatus(ctx)
}

// SetState requests a discretionary cognitive transition, PLAY in
// particular. The transition table still applies.
func (r *Runtime) SetState(ctx context.Context, state types.CognitiveState) error {
	return r.proc.SetState(ctx, state)
}

// Task looks up one task for inspection.
func (r *Runtime) Task(ctx context.Context, taskID string) (*types.Task, error) {
	return r.store.GetTask(ctx, taskID)
}

// =============================================================================
// ADAPTERS
// =============================================================================

// AdapterRegistration is one provider an adapter contributes.
type AdapterRegistration struct {
	ServiceType  types.ServiceType
	Name         string
	Provider     any
	Priority     types.Priority
	Capabilities []types.Capability
}

// AdapterInfo describes one loaded adapter for listing.
type AdapterInfo struct {
	Name    string   `json:"name"`
	Handles []string `json:"handles"`
}

// LoadAdapter registers an adapter's providers as one named bundle. The name
// is the unload key; loading an already-loaded name is refused.
func (r *Runtime) LoadAdapter(name string, regs []AdapterRegistration) error {
	if name == "" {
		return types.Validation("runtime.load_adapter", "adapter name is required")
	}
	if len(regs) == 0 {
		return types.Validation("runtime.load_adapter", "adapter %q registers no providers", name)
	}

	r.adapterMu.Lock()
	defer r.adapterMu.Unlock()

	if _, ok := r.adapters[name]; ok {
		return types.Validation("runtime.load_adapter", "adapter %q is already loaded", name)
	}
	handles := make([]string, 0, len(regs))
	for _, reg := range regs {
		handles = append(handles, r.registry.Register(
			reg.ServiceType, reg.Name, reg.Provider, reg.Priority, reg.Capabilities...))
	}
	r.adapters[name] = handles
	logging.Registry("adapter %s loaded with %d provider(s)", name, len(handles))
	return nil
}

// UnloadAdapter unregisters every provider the named adapter contributed.
func (r *Runtime) UnloadAdapter(name string) error {
	r.adapterMu.Lock()
	defer r.adapterMu.Unlock()

	handles, ok := r.adapters[name]
	if !ok {
		return types.NotFound("runtime.unload_adapter", "no adapter named %q", name)
	}
	for _, h := range handles {
		r.registry.Unregister(h)
	}
	delete(r.adapters, name)
	logging.Registry("adapter %s unloaded (%d provider(s))", name, len(handles))
	return nil
}

// Adapters lists loaded adapters sorted by name.
func (r *Runtime) Adapters() []AdapterInfo {
	r.adapterMu.Lock()
	defer r.adapterMu.Unlock()

	out := make([]AdapterInfo, 0, len(r.adapters))
	for name, handles := range r.adapters {
		info := AdapterInfo{Name: name, Handles: append([]string(nil), handles...)}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// =============================================================================
// CONFIG
// =============================================================================

// ConfigGet returns a key's effective value and the scope that supplied it.
func (r *Runtime) ConfigGet(key string) (config.Setting, error) {
	value, scope, err := r.cfg.Get(key)
	if err != nil {
		return config.Setting{}, types.Validation("runtime.config_get", "%v", err)
	}
	return config.Setting{Key: key, Value: value, Scope: scope}, nil
}

// ConfigSet applies a value at the given scope and audits the change. The
// value itself stays out of the trail; config may carry credentials.
func (r *Runtime) ConfigSet(ctx context.Context, scope config.Scope, key string, value any) error {
	if err := r.cfg.Set(scope, key, value); err != nil {
		return types.Validation("runtime.config_set", "%v", err)
	}
	r.auditConfigChange(ctx, map[string]any{"op": "set", "key": key, "scope": string(scope)})
	return nil
}

// ConfigList returns every settable key with its effective value and source.
func (r *Runtime) ConfigList() []config.Setting {
	return r.cfg.List()
}

// ConfigBackup snapshots the persistent config file into dir and returns the
// backup path.
func (r *Runtime) ConfigBackup(ctx context.Context, dir string) (string, error) {
	path, err := r.cfg.Backup(dir)
	if err != nil {
		return "", err
	}
	r.auditConfigChange(ctx, map[string]any{"op": "backup", "path": path})
	return path, nil
}

// ConfigRestore replaces the persistent config from a backup and reloads.
func (r *Runtime) ConfigRestore(ctx context.Context, backupPath string) error {
	if err := r.cfg.Restore(backupPath); err != nil {
		return err
	}
	r.auditConfigChange(ctx, map[string]any{"op": "restore", "path": backupPath})
	return nil
}

// auditConfigChange records a config mutation; a failed write is logged, not
// fatal, because the mutation itself already happened.
func (r *Runtime) auditConfigChange(ctx context.Context, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.ConfigError("failed to encode config audit payload: %v", err)
		return
	}
	if err := r.buses.Audit.LogEvent(ctx, types.AuditEvent{
		EventType:    types.AuditConfigChange,
		OriginatorID: "operator",
		Payload:      data,
	}); err != nil {
		logging.ConfigError("failed to audit config change: %v", err)
	}
}

// =============================================================================
// SERVICES
// =============================================================================

// Services lists every provider registration with health and circuit state.
func (r *Runtime) Services() []types.ServiceRegistration {
	return r.registry.List()
}

// ServiceHealth rolls breaker states up per service type.
func (r *Runtime) ServiceHealth() map[types.ServiceType]types.HealthStatus {
	return r.registry.Health()
}

// SetServicePriority reorders one provider within its service type.
func (r *Runtime) SetServicePriority(ctx context.Context, handle string, priority types.Priority) error {
	if err := r.registry.SetPriority(handle, priority); err != nil {
		return err
	}
	r.auditConfigChange(ctx, map[string]any{
		"op": "service_priority", "handle": handle, "priority": priority.String(),
	})
	return nil
}

// ResetServiceCircuit force-closes one provider's breaker.
func (r *Runtime) ResetServiceCircuit(ctx context.Context, handle string) error {
	if err := r.registry.ResetCircuit(handle); err != nil {
		return err
	}
	r.auditConfigChange(ctx, map[string]any{"op": "circuit_reset", "handle": handle})
	return nil
}

// VerifyAudit replays the chain over [from, to] and reports violations and
// index divergences. Zero bounds widen to the full chain.
func (r *Runtime) VerifyAudit(ctx context.Context, from, to int64) (*types.VerificationResult, error) {
	res, err := r.chain.Verify(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to verify audit chain: %w", err)
	}
	return res, nil
}

// RotateAuditKey mints a new signing key and seals the rotation into the
// chain itself.
func (r *Runtime) RotateAuditKey(ctx context.Context) (string, error) {
	return r.chain.RotateKey(ctx)
}
