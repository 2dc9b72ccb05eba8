package types

// =============================================================================
// SERVICE DIRECTORY
// =============================================================================

// ServiceType names the ten service categories, one per bus kind.
type ServiceType string

const (
	ServiceCommunication  ServiceType = "COMMUNICATION"
	ServiceMemory         ServiceType = "MEMORY"
	ServiceTool           ServiceType = "TOOL"
	ServiceWiseAuthority  ServiceType = "WISE_AUTHORITY"
	ServiceLLM            ServiceType = "LLM"
	ServiceFilter         ServiceType = "FILTER"
	ServiceAudit          ServiceType = "AUDIT"
	ServiceTelemetry      ServiceType = "TELEMETRY"
	ServiceRuntimeControl ServiceType = "RUNTIME_CONTROL"
	ServiceSecrets        ServiceType = "SECRETS"
)

// AllServiceTypes lists every service category.
func AllServiceTypes() []ServiceType {
	return []ServiceType{
		ServiceCommunication, ServiceMemory, ServiceTool,
		ServiceWiseAuthority, ServiceLLM, ServiceFilter,
		ServiceAudit, ServiceTelemetry, ServiceRuntimeControl,
		ServiceSecrets,
	}
}

// Priority orders providers within a service type. Lower value wins.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// String returns the priority's wire name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority maps a wire name back to a Priority, defaulting to NORMAL.
func ParsePriority(s string) Priority {
	switch s {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "NORMAL":
		return PriorityNormal
	case "LOW":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// HealthStatus is the per-provider and per-type health roll-up.
type HealthStatus string

const (
	HealthUp       HealthStatus = "UP"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthDown     HealthStatus = "DOWN"
)

// CircuitState mirrors the provider breaker state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Capability names a single ability a provider advertises. Capabilities are
// matched by set inclusion during selection: the provider must advertise a
// superset of what the caller requires.
type Capability string

// Capabilities required by the core from registered providers, by bus.
const (
	CapSendMessage        Capability = "send_message"
	CapFetchMessages      Capability = "fetch_messages"
	CapMemoryPut          Capability = "memory_put"
	CapMemoryGet          Capability = "memory_get"
	CapMemoryDelete       Capability = "memory_delete"
	CapMemoryQuery        Capability = "memory_query"
	CapListTools          Capability = "list_tools"
	CapExecuteTool        Capability = "execute_tool"
	CapRequestGuidance    Capability = "request_guidance"
	CapSubmitDeferral     Capability = "submit_deferral"
	CapGenerateStructured Capability = "generate_structured"
	CapFilterMessage      Capability = "filter_message"
	CapEncapsulate        Capability = "encapsulate"
	CapDecapsulate        Capability = "decapsulate"
	CapAuditLog           Capability = "audit_log"
	CapRecordMetric       Capability = "record_metric"
	CapRecordCorrelation  Capability = "record_correlation"
	CapProcessorControl   Capability = "processor_control"
)

// ServiceRegistration is the directory entry the registry exposes for
// operator tooling.
type ServiceRegistration struct {
	Handle       string       `json:"handle"`
	ServiceType  ServiceType  `json:"service_type"`
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
	Priority     Priority     `json:"priority"`
	Health       HealthStatus `json:"health"`
	Circuit      CircuitState `json:"circuit_state"`
}
