package buses

import (
	"context"

	"ciris/internal/types"
)

// =============================================================================
// PROVIDER INTERFACES
// =============================================================================
//
// Adapters implement these and register against the service registry with
// the matching capability set. The buses type-assert the selected provider;
// a provider registered under the wrong type is skipped, not crashed into.

// CommunicationProvider delivers messages to channels and reads their
// history.
type CommunicationProvider interface {
	SendMessage(ctx context.Context, channelID, content string) error
	FetchMessages(ctx context.Context, channelID string, limit int) ([]types.FetchedMessage, error)
}

// MemoryProvider stores and retrieves graph memory nodes.
type MemoryProvider interface {
	Put(ctx context.Context, node types.GraphNode) (types.MemoryOpResult, error)
	Get(ctx context.Context, id string, scope types.GraphScope) (*types.GraphNode, error)
	Delete(ctx context.Context, id string, scope types.GraphScope) (types.MemoryOpResult, error)
	Query(ctx context.Context, q types.MemoryQuery) ([]types.GraphNode, error)
}

// ToolProvider exposes a catalog of executable tools.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]types.ToolDescriptor, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any) (types.ToolResult, error)
}

// WiseAuthorityProvider answers guidance requests and accepts deferrals.
type WiseAuthorityProvider interface {
	RequestGuidance(ctx context.Context, req types.GuidanceRequest) (types.GuidanceResult, error)
	SubmitDeferral(ctx context.Context, req types.DeferralRequest) error
}

// LLMProvider produces schema-constrained completions.
type LLMProvider interface {
	GenerateStructured(ctx context.Context, req types.LLMRequest) (types.LLMResponse, error)
}

// FilterProvider triages incoming messages before task creation.
type FilterProvider interface {
	FilterMessage(ctx context.Context, msg types.IncomingMessage) (types.FilterDecision, error)
}

// AuditProvider records audit events. Usually satisfied by the core's own
// audit chain registered as a provider.
type AuditProvider interface {
	LogEvent(ctx context.Context, event types.AuditEvent) error
}

// TelemetryProvider records metric datapoints and service correlations.
type TelemetryProvider interface {
	RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error
	RecordCorrelation(ctx context.Context, corr types.Correlation) error
}

// RuntimeControlProvider fronts the processor's operator verbs.
type RuntimeControlProvider interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SingleStep(ctx context.Context) (int, error)
	QueueStatus(ctx context.Context) (types.QueueStatus, error)
}

// SecretsProvider lifts secrets out of content and substitutes them back.
// origin names where the content came from, for the secret's record.
type SecretsProvider interface {
	Encapsulate(ctx context.Context, content, origin string) (types.EncapsulateResult, error)
	Decapsulate(ctx context.Context, content string, action types.ActionType, origin string) (string, error)
}
