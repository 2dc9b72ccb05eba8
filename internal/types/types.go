// Package types provides shared entity definitions used across ciris packages.
// This package exists to break import cycles between persistence, buses, dma,
// handlers, and the processor. Types in this package are foundational data
// structures with no dependencies beyond the standard library.
package types

import (
	"encoding/json"
	"time"
)

// =============================================================================
// TASK
// =============================================================================

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskActive    TaskStatus = "ACTIVE"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskDeferred  TaskStatus = "DEFERRED"
)

// IsTerminal reports whether the status admits no further transition.
// DEFERRED is not terminal: a deferred task may be re-activated.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransitionTo reports whether s -> next is a legal task transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskActive || next == TaskFailed
	case TaskActive:
		return next == TaskCompleted || next == TaskFailed || next == TaskDeferred
	case TaskDeferred:
		return next == TaskActive || next == TaskFailed
	default:
		return false
	}
}

// TaskContext carries the origin of a task: where it came from and who asked.
type TaskContext struct {
	ChannelID     string `json:"channel_id,omitempty"`
	AuthorID      string `json:"author_id,omitempty"`
	AuthorName    string `json:"author_name,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ParentTaskID  string `json:"parent_task_id,omitempty"`
}

// TaskOutcome is the structured result recorded when a task completes.
type TaskOutcome struct {
	Status         string   `json:"status"`
	Summary        string   `json:"summary"`
	ActionsTaken   []string `json:"actions_taken,omitempty"`
	PositiveMoment string   `json:"positive_moment,omitempty"`
}

// Task is a unit of work originating outside the reasoning loop.
// Tasks are immutable records; mutation produces a new version identified by
// a monotonically advancing UpdatedAt.
type Task struct {
	TaskID       string       `json:"task_id"`
	Description  string       `json:"description"`
	Status       TaskStatus   `json:"status"`
	Priority     int          `json:"priority"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ParentTaskID string       `json:"parent_task_id,omitempty"`
	Context      TaskContext  `json:"context"`
	Outcome      *TaskOutcome `json:"outcome,omitempty"`
	SignedBy     string       `json:"signed_by,omitempty"`
	Signature    string       `json:"signature,omitempty"`
	SignedAt     *time.Time   `json:"signed_at,omitempty"`
}

// =============================================================================
// THOUGHT
// =============================================================================

// ThoughtStatus is the lifecycle state of a Thought.
type ThoughtStatus string

const (
	ThoughtPending    ThoughtStatus = "PENDING"
	ThoughtProcessing ThoughtStatus = "PROCESSING"
	ThoughtCompleted  ThoughtStatus = "COMPLETED"
	ThoughtFailed     ThoughtStatus = "FAILED"
	ThoughtDeferred   ThoughtStatus = "DEFERRED"
)

// IsTerminal reports whether the thought reached a final state.
func (s ThoughtStatus) IsTerminal() bool {
	return s == ThoughtCompleted || s == ThoughtFailed || s == ThoughtDeferred
}

// ThoughtType classifies how a thought came to exist.
type ThoughtType string

const (
	ThoughtTypeStandard    ThoughtType = "STANDARD"
	ThoughtTypeFollowUp    ThoughtType = "FOLLOW_UP"
	ThoughtTypeReflection  ThoughtType = "REFLECTION"
	ThoughtTypeObservation ThoughtType = "OBSERVATION"
)

// ThoughtContext is the evaluation context a thought carries into the DMA
// pipeline. Epistemic data accumulates across a thought chain so children
// see what the conscience observed about their ancestors.
type ThoughtContext struct {
	ChannelID      string           `json:"channel_id,omitempty"`
	AuthorID       string           `json:"author_id,omitempty"`
	AuthorName     string           `json:"author_name,omitempty"`
	CorrelationID  string           `json:"correlation_id,omitempty"`
	Guidance       string           `json:"guidance,omitempty"`
	Observation    string           `json:"observation,omitempty"`
	ToolResult     *ToolResult      `json:"tool_result,omitempty"`
	Epistemic      *EpistemicData   `json:"epistemic,omitempty"`
	RecalledNodes  []GraphNode      `json:"recalled_nodes,omitempty"`
	ChannelHistory []FetchedMessage `json:"channel_history,omitempty"`
}

// Thought is a unit of reasoning tied to a Task. Round is the depth from the
// seed thought; every non-seed thought records its parent.
type Thought struct {
	ThoughtID       string         `json:"thought_id"`
	SourceTaskID    string         `json:"source_task_id"`
	Type            ThoughtType    `json:"thought_type"`
	Status          ThoughtStatus  `json:"status"`
	Round           int            `json:"round_number"`
	Content         string         `json:"content"`
	Context         ThoughtContext `json:"context"`
	PonderCount     int            `json:"ponder_count"`
	ParentThoughtID string         `json:"parent_thought_id,omitempty"`
	FinalAction     ActionType     `json:"final_action,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// =============================================================================
// CORRELATION
// =============================================================================

// CorrelationType distinguishes the four row shapes stored in the
// correlations time series.
type CorrelationType string

const (
	CorrelationService CorrelationType = "SERVICE_CORRELATION"
	CorrelationMetric  CorrelationType = "METRIC_DATAPOINT"
	CorrelationLog     CorrelationType = "LOG_ENTRY"
	CorrelationAudit   CorrelationType = "AUDIT_EVENT"
)

// RetentionPolicy controls how long a correlation row is kept before
// solitude-state compaction removes it.
type RetentionPolicy string

const (
	RetentionRaw       RetentionPolicy = "raw"
	RetentionCompacted RetentionPolicy = "compacted"
	RetentionPermanent RetentionPolicy = "permanent"
)

// Correlation records one service interaction, metric datapoint, or log line.
type Correlation struct {
	CorrelationID string            `json:"correlation_id"`
	ServiceType   ServiceType       `json:"service_type"`
	Type          CorrelationType   `json:"correlation_type"`
	Timestamp     time.Time         `json:"timestamp"`
	Handler       string            `json:"handler,omitempty"`
	Action        string            `json:"action,omitempty"`
	Request       json.RawMessage   `json:"request,omitempty"`
	Response      json.RawMessage   `json:"response,omitempty"`
	Status        string            `json:"status,omitempty"`
	MetricName    string            `json:"metric_name,omitempty"`
	MetricValue   float64           `json:"metric_value,omitempty"`
	LogLevel      string            `json:"log_level,omitempty"`
	LogMessage    string            `json:"log_message,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Retention     RetentionPolicy   `json:"retention_policy,omitempty"`
}

// =============================================================================
// SCHEDULED TASK
// =============================================================================

// ScheduledTaskStatus is the lifecycle state of a ScheduledTask.
type ScheduledTaskStatus string

const (
	ScheduledPending  ScheduledTaskStatus = "PENDING"
	ScheduledActive   ScheduledTaskStatus = "ACTIVE"
	ScheduledComplete ScheduledTaskStatus = "COMPLETE"
	ScheduledFailed   ScheduledTaskStatus = "FAILED"
)

// ScheduledTask is deferred or recurring work. Exactly one of DeferUntil and
// ScheduleCron is set: DeferUntil fires once, ScheduleCron repeats.
type ScheduledTask struct {
	ID              string              `json:"id"`
	GoalDescription string              `json:"goal_description"`
	Status          ScheduledTaskStatus `json:"status"`
	DeferUntil      *time.Time          `json:"defer_until,omitempty"`
	ScheduleCron    string              `json:"schedule_cron,omitempty"`
	TriggerPrompt   string              `json:"trigger_prompt"`
	OriginThoughtID string              `json:"origin_thought_id,omitempty"`
	NextTriggerAt   *time.Time          `json:"next_trigger_at,omitempty"`
	DeferralCount   int                 `json:"deferral_count"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Recurring reports whether the task fires on a cron schedule rather than a
// one-shot deferral.
func (s *ScheduledTask) Recurring() bool {
	return s.ScheduleCron != ""
}

// =============================================================================
// MESSAGES
// =============================================================================

// IncomingMessage is the single ingress shape adapters hand to the runtime.
type IncomingMessage struct {
	AuthorID      string    `json:"author_id"`
	AuthorName    string    `json:"author_name"`
	ChannelID     string    `json:"channel_id"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// FetchedMessage is one message returned by a communication provider's
// channel history fetch.
type FetchedMessage struct {
	MessageID  string    `json:"message_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}
