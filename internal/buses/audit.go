package buses

import (
	"context"

	"ciris/internal/types"
)

// =============================================================================
// AUDIT BUS
// =============================================================================

// AuditBus routes audit events to audit providers. The core's own hash
// chain registers here; external mirrors can register alongside it at
// lower priority.
type AuditBus struct {
	core *Core
}

// NewAuditBus builds the bus over the shared core.
func NewAuditBus(core *Core) *AuditBus {
	return &AuditBus{core: core}
}

// LogEvent records one audit event through the best available provider.
func (b *AuditBus) LogEvent(ctx context.Context, event types.AuditEvent) error {
	if event.EventType == "" {
		return types.Validation("bus.audit_log", "event type is required")
	}

	spec := callSpec{
		ServiceType:  types.ServiceAudit,
		Op:           "audit_log",
		Class:        ClassMutation,
		Capabilities: []types.Capability{types.CapAuditLog},
		Request:      map[string]any{"event_type": event.EventType, "originator": event.OriginatorID},
	}
	return b.core.call(ctx, spec, func(p any) error {
		ap, ok := p.(AuditProvider)
		if !ok {
			return wrongInterface("bus.audit_log", "AuditProvider", p)
		}
		return ap.LogEvent(ctx, event)
	})
}
