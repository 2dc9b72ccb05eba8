package buses

import (
	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/registry"
)

// =============================================================================
// BUS MANAGER
// =============================================================================

// Manager owns the ten buses over one shared core. Handlers and the
// processor reach services exclusively through these.
type Manager struct {
	core *Core

	Communication  *CommunicationBus
	Memory         *MemoryBus
	Tool           *ToolBus
	WiseAuthority  *WiseAuthorityBus
	LLM            *LLMBus
	Filter         *FilterBus
	Audit          *AuditBus
	Telemetry      *TelemetryBus
	RuntimeControl *RuntimeControlBus
	Secrets        *SecretsBus
}

// NewManager builds the ten buses against one registry. recorder may be
// nil; correlations are dropped until one is present.
func NewManager(reg *registry.Registry, recorder CorrelationRecorder, clk clock.Clock) *Manager {
	core := NewCore(reg, recorder, clk)
	m := &Manager{
		core:           core,
		Communication:  NewCommunicationBus(core),
		Memory:         NewMemoryBus(core),
		Tool:           NewToolBus(core),
		WiseAuthority:  NewWiseAuthorityBus(core),
		LLM:            NewLLMBus(core),
		Filter:         NewFilterBus(core),
		Audit:          NewAuditBus(core),
		Telemetry:      NewTelemetryBus(core),
		RuntimeControl: NewRuntimeControlBus(core),
		Secrets:        NewSecretsBus(core),
	}
	logging.Bus("bus manager ready: 10 buses over shared core")
	return m
}

// BindShutdownRequester installs the communication bus's escalation target.
// Called once the processor exists.
func (m *Manager) BindShutdownRequester(r ShutdownRequester) {
	m.Communication.BindShutdownRequester(r)
}
