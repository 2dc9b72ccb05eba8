package types

import (
	"encoding/json"
	"time"
)

// =============================================================================
// AUDIT TRAIL
// =============================================================================

// AuditEventType names the events the runtime records. The set is open:
// adapters may log their own types; these are the ones the core emits.
type AuditEventType string

const (
	AuditTaskCreated        AuditEventType = "TASK_CREATED"
	AuditTaskCompleted      AuditEventType = "TASK_COMPLETED"
	AuditTaskFailed         AuditEventType = "TASK_FAILED"
	AuditTaskDeferred       AuditEventType = "TASK_DEFERRED"
	AuditThoughtCreated     AuditEventType = "THOUGHT_CREATED"
	AuditThoughtFailed      AuditEventType = "THOUGHT_FAILED"
	AuditDMACompleted       AuditEventType = "DMA_COMPLETED"
	AuditConscienceOverride AuditEventType = "CONSCIENCE_OVERRIDE"
	AuditActionSpeak        AuditEventType = "ACTION_SPEAK"
	AuditActionObserve      AuditEventType = "ACTION_OBSERVE"
	AuditActionTool         AuditEventType = "ACTION_TOOL"
	AuditActionReject       AuditEventType = "ACTION_REJECT"
	AuditActionPonder       AuditEventType = "ACTION_PONDER"
	AuditActionDefer        AuditEventType = "ACTION_DEFER"
	AuditActionMemorize     AuditEventType = "ACTION_MEMORIZE"
	AuditActionRecall       AuditEventType = "ACTION_RECALL"
	AuditActionForget       AuditEventType = "ACTION_FORGET"
	AuditActionTaskComplete AuditEventType = "ACTION_TASK_COMPLETE"
	AuditStateTransition    AuditEventType = "STATE_TRANSITION"
	AuditWakeupCheck        AuditEventType = "WAKEUP_CHECK"
	AuditShutdownCommand    AuditEventType = "SHUTDOWN_COMMAND"
	AuditSecurityViolation  AuditEventType = "SECURITY_VIOLATION"
	AuditKeyRotation        AuditEventType = "KEY_ROTATION"
	AuditConfigChange       AuditEventType = "CONFIG_CHANGE"
)

// ActionEventType maps an action to its audit event type.
func ActionEventType(a ActionType) AuditEventType {
	switch a {
	case ActionSpeak:
		return AuditActionSpeak
	case ActionObserve:
		return AuditActionObserve
	case ActionTool:
		return AuditActionTool
	case ActionReject:
		return AuditActionReject
	case ActionPonder:
		return AuditActionPonder
	case ActionDefer:
		return AuditActionDefer
	case ActionMemorize:
		return AuditActionMemorize
	case ActionRecall:
		return AuditActionRecall
	case ActionForget:
		return AuditActionForget
	case ActionTaskComplete:
		return AuditActionTaskComplete
	default:
		return AuditEventType("ACTION_" + string(a))
	}
}

// AuditEvent is what callers submit to the audit chain: everything except
// the chain fields, which the chain assigns.
type AuditEvent struct {
	EventType    AuditEventType  `json:"event_type"`
	OriginatorID string          `json:"originator_id"`
	Payload      json.RawMessage `json:"event_payload"`
}

// AuditEntry is one tamper-evident record in the chain. SequenceNumber is
// strictly monotonic and gap-free; PreviousHash of the genesis entry is the
// literal "genesis".
type AuditEntry struct {
	SequenceNumber int64           `json:"sequence_number"`
	EventID        string          `json:"event_id"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	EventType      AuditEventType  `json:"event_type"`
	OriginatorID   string          `json:"originator_id"`
	Payload        json.RawMessage `json:"event_payload"`
	PreviousHash   string          `json:"previous_hash"`
	EntryHash      string          `json:"entry_hash"`
	Signature      string          `json:"signature"`
	SigningKeyID   string          `json:"signing_key_id"`
}

// GenesisPreviousHash seeds the chain.
const GenesisPreviousHash = "genesis"

// ViolationKind classifies what a verification pass found wrong.
type ViolationKind string

const (
	ViolationHashMismatch    ViolationKind = "hash_mismatch"
	ViolationChainBreak      ViolationKind = "chain_break"
	ViolationSequenceGap     ViolationKind = "sequence_gap"
	ViolationBadSignature    ViolationKind = "bad_signature"
	ViolationUnknownKey      ViolationKind = "unknown_key"
	ViolationIndexDivergence ViolationKind = "index_divergence"
)

// VerificationResult reports an offline chain verification over a range.
// Valid=false pinpoints the first invalid sequence and the violation kind;
// secondary findings (index divergence while the journal verifies) are
// appended to Findings without invalidating the chain.
type VerificationResult struct {
	Valid        bool          `json:"valid"`
	Checked      int           `json:"entries_checked"`
	FirstInvalid int64         `json:"first_invalid,omitempty"`
	Kind         ViolationKind `json:"kind,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	Findings     []Finding     `json:"findings,omitempty"`
}

// Finding is one secondary verification observation.
type Finding struct {
	Sequence int64         `json:"sequence"`
	Kind     ViolationKind `json:"kind"`
	Detail   string        `json:"detail,omitempty"`
}
