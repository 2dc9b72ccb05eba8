package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// MOCK PROVIDER
// =============================================================================

// Mock serves schema-conforming completions without a model behind it. The
// same request always gets the same reply, so an agent wired to it is fully
// reproducible: evaluations approve, selection speaks the thought back, and
// a guided re-selection ponders instead. Tests can queue replies with Stub.
type Mock struct {
	mu    sync.Mutex
	calls int
	stubs map[string][]json.RawMessage
}

// NewMock builds the deterministic provider.
func NewMock() *Mock {
	return &Mock{stubs: make(map[string][]json.RawMessage)}
}

// Stub queues a canned reply for one schema name. Queued replies are served
// in FIFO order before the built-in defaults.
func (m *Mock) Stub(schemaName string, content json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs[schemaName] = append(m.stubs[schemaName], content)
}

// Calls reports how many requests the mock has served or rejected.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// GenerateStructured answers from the stub queue when one is loaded, else
// from the built-in reply for the request's schema.
func (m *Mock) GenerateStructured(ctx context.Context, req types.LLMRequest) (types.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return types.LLMResponse{}, types.WrapError(types.ErrTransient, "llm.mock", err)
	}

	m.mu.Lock()
	m.calls++
	var stub json.RawMessage
	if q := m.stubs[req.SchemaName]; len(q) > 0 {
		stub = q[0]
		m.stubs[req.SchemaName] = q[1:]
	}
	m.mu.Unlock()

	if stub != nil {
		logging.LLMDebug("[Mock] %s served from stub queue", req.SchemaName)
		return m.respond(req, stub), nil
	}

	var content json.RawMessage
	switch req.SchemaName {
	case "ethical_evaluation":
		content = json.RawMessage(`{
			"decision": "approve",
			"alignment": 0.92,
			"conflicts": [],
			"reasoning": "No principle is put under tension; acting on this thought helps its author and harms no one."
		}`)
	case "common_sense_evaluation":
		content = json.RawMessage(`{
			"plausibility_score": 0.9,
			"flags": [],
			"reasoning": "The thought is internally consistent and squares with its recorded context."
		}`)
	case "action_selection":
		var err error
		content, err = m.selection(req)
		if err != nil {
			return types.LLMResponse{}, err
		}
	default:
		return types.LLMResponse{}, types.Validation("llm.mock", "no canned reply for schema %q", req.SchemaName)
	}

	logging.LLMDebug("[Mock] %s served", req.SchemaName)
	return m.respond(req, content), nil
}

// selection picks SPEAK echoing the thought, or PONDER when the prompt
// carries conscience guidance from a failed first selection. Both replies
// quote the thought verbatim so the rationale stays lexically anchored to
// what it answers.
func (m *Mock) selection(req types.LLMRequest) (json.RawMessage, error) {
	prompt := lastUserMessage(req.Messages)
	thought := extractThought(prompt)

	type selection struct {
		Action     types.ActionType `json:"action"`
		Parameters any              `json:"parameters"`
		Rationale  string           `json:"rationale"`
	}

	var sel selection
	if strings.Contains(prompt, "## Conscience Guidance") {
		sel = selection{
			Action: types.ActionPonder,
			Parameters: types.PonderParams{
				Questions: []string{"What would a more grounded answer look like here: " + thought},
			},
			Rationale: "The first selection did not hold up; another round of thought is warranted on: " + thought,
		}
	} else {
		sel = selection{
			Action: types.ActionSpeak,
			Parameters: types.SpeakParams{
				Content: "Acknowledged. Responding to: " + thought,
			},
			Rationale: "A direct reply in the originating channel answers this and completes the task: " + thought,
		}
	}

	raw, err := json.Marshal(sel)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mock selection: %w", err)
	}
	return raw, nil
}

// respond wraps content in a response with a rough length-based token count.
func (m *Mock) respond(req types.LLMRequest, content json.RawMessage) types.LLMResponse {
	promptLen := 0
	for _, msg := range req.Messages {
		promptLen += len(msg.Content)
	}
	model := req.Model
	if model == "" {
		model = "mock"
	}
	return types.LLMResponse{
		Content: content,
		Model:   model,
		Usage: types.TokenUsage{
			PromptTokens:     promptLen / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (promptLen + len(content)) / 4,
		},
	}
}

func lastUserMessage(messages []types.LLMMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// extractThought pulls the thought body out of a rendered evaluator prompt.
// Prompts that don't carry the section are used whole.
func extractThought(prompt string) string {
	const header = "## Thought\n"
	start := strings.Index(prompt, header)
	if start < 0 {
		return strings.TrimSpace(prompt)
	}
	rest := prompt[start+len(header):]
	if end := strings.Index(rest, "\n\nRound "); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
