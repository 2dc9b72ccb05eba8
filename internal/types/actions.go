package types

import "time"

// =============================================================================
// ACTION SET
// =============================================================================

// ActionType is one of the ten discrete effects a thought can select.
// The set is closed: external (SPEAK, OBSERVE, TOOL), control (REJECT,
// PONDER, DEFER), memory (MEMORIZE, RECALL, FORGET), terminal
// (TASK_COMPLETE).
type ActionType string

const (
	ActionSpeak        ActionType = "SPEAK"
	ActionObserve      ActionType = "OBSERVE"
	ActionTool         ActionType = "TOOL"
	ActionReject       ActionType = "REJECT"
	ActionPonder       ActionType = "PONDER"
	ActionDefer        ActionType = "DEFER"
	ActionMemorize     ActionType = "MEMORIZE"
	ActionRecall       ActionType = "RECALL"
	ActionForget       ActionType = "FORGET"
	ActionTaskComplete ActionType = "TASK_COMPLETE"
)

// AllActions lists every member of the closed action set.
func AllActions() []ActionType {
	return []ActionType{
		ActionSpeak, ActionObserve, ActionTool,
		ActionReject, ActionPonder, ActionDefer,
		ActionMemorize, ActionRecall, ActionForget,
		ActionTaskComplete,
	}
}

// Valid reports whether a is a member of the closed action set.
func (a ActionType) Valid() bool {
	switch a {
	case ActionSpeak, ActionObserve, ActionTool,
		ActionReject, ActionPonder, ActionDefer,
		ActionMemorize, ActionRecall, ActionForget,
		ActionTaskComplete:
		return true
	}
	return false
}

// IsTerminal reports whether the action ends its task's thought chain.
// REJECT and TASK_COMPLETE finish the task; DEFER parks it.
func (a ActionType) IsTerminal() bool {
	return a == ActionTaskComplete || a == ActionReject || a == ActionDefer
}

// IsExternal reports whether the action has effects outside the runtime.
func (a ActionType) IsExternal() bool {
	return a == ActionSpeak || a == ActionObserve || a == ActionTool
}

// IsMemory reports whether the action operates on graph memory.
func (a ActionType) IsMemory() bool {
	return a == ActionMemorize || a == ActionRecall || a == ActionForget
}

// =============================================================================
// ACTION PARAMETERS
// =============================================================================

// ActionParams is the sealed set of per-action parameter payloads. Exactly
// one concrete type corresponds to each ActionType; handlers receive the
// concrete type matching the action they serve.
type ActionParams interface {
	ActionType() ActionType
}

// SpeakParams delivers content to a channel.
type SpeakParams struct {
	ChannelID string `json:"channel_id" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

func (SpeakParams) ActionType() ActionType { return ActionSpeak }

// ObserveParams records an observation of a channel, optionally pulling
// recent history into the follow-up context.
type ObserveParams struct {
	ChannelID    string `json:"channel_id" validate:"required"`
	Active       bool   `json:"active"`
	HistoryLimit int    `json:"history_limit" validate:"gte=0,lte=100"`
	Note         string `json:"note,omitempty"`
}

func (ObserveParams) ActionType() ActionType { return ActionObserve }

// ToolParams invokes a named tool. Arguments are the tool's own parameter
// space and are validated by the providing adapter against its declared
// schema; the envelope around them is typed.
type ToolParams struct {
	Name      string         `json:"name" validate:"required"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (ToolParams) ActionType() ActionType { return ActionTool }

// RejectParams terminates the task as failed with a human-readable reason.
type RejectParams struct {
	Reason        string `json:"reason" validate:"required"`
	AllowResubmit bool   `json:"allow_resubmit"`
}

func (RejectParams) ActionType() ActionType { return ActionReject }

// PonderParams queues another reasoning round over open questions.
type PonderParams struct {
	Questions []string `json:"questions" validate:"required,min=1,dive,required"`
}

func (PonderParams) ActionType() ActionType { return ActionPonder }

// DeferParams hands the task to a wise authority, optionally scheduling a
// reactivation time.
type DeferParams struct {
	Reason       string     `json:"reason" validate:"required"`
	ReactivateAt *time.Time `json:"reactivate_at,omitempty"`
}

func (DeferParams) ActionType() ActionType { return ActionDefer }

// MemorizeParams stores a node in graph memory.
type MemorizeParams struct {
	Node GraphNode `json:"node" validate:"required"`
	// AuthoritySignature must accompany IDENTITY-scope writes.
	AuthoritySignature string `json:"authority_signature,omitempty"`
	AuthorityID        string `json:"authority_id,omitempty"`
}

func (MemorizeParams) ActionType() ActionType { return ActionMemorize }

// RecallParams queries graph memory by id or by scope/type/prefix.
type RecallParams struct {
	NodeID   string     `json:"node_id,omitempty"`
	Scope    GraphScope `json:"scope,omitempty"`
	NodeType NodeType   `json:"node_type,omitempty"`
	Prefix   string     `json:"prefix,omitempty"`
	Limit    int        `json:"limit" validate:"gte=0,lte=50"`
}

func (RecallParams) ActionType() ActionType { return ActionRecall }

// ForgetParams removes a node from graph memory.
type ForgetParams struct {
	NodeID string     `json:"node_id" validate:"required"`
	Scope  GraphScope `json:"scope" validate:"required"`
	Reason string     `json:"reason,omitempty"`
	// AuthoritySignature must accompany IDENTITY-scope removals.
	AuthoritySignature string `json:"authority_signature,omitempty"`
	AuthorityID        string `json:"authority_id,omitempty"`
}

func (ForgetParams) ActionType() ActionType { return ActionForget }

// TaskCompleteParams finishes the task and records its outcome.
type TaskCompleteParams struct {
	Outcome  TaskOutcome `json:"outcome"`
	SignTask bool        `json:"sign_task"`
}

func (TaskCompleteParams) ActionType() ActionType { return ActionTaskComplete }

// =============================================================================
// TOOLS
// =============================================================================

// ToolDescriptor describes a tool an adapter exposes through the tool bus.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}
