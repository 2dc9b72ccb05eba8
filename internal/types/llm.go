package types

import "encoding/json"

// =============================================================================
// LLM REQUESTS
// =============================================================================

// LLMRole labels one side of a chat exchange.
type LLMRole string

const (
	RoleSystem    LLMRole = "system"
	RoleUser      LLMRole = "user"
	RoleAssistant LLMRole = "assistant"
)

// LLMMessage is one chat turn sent to a language model provider.
type LLMMessage struct {
	Role    LLMRole `json:"role"`
	Content string  `json:"content"`
}

// LLMRequest asks a provider for a structured completion. ResponseSchema is
// a JSON Schema document the reply must satisfy; SchemaName labels it for
// providers that require a named schema. Model is a hint the provider may
// substitute. Exploration asks for wider sampling (PLAY-state selection).
type LLMRequest struct {
	Messages       []LLMMessage    `json:"messages"`
	Model          string          `json:"model,omitempty"`
	SchemaName     string          `json:"schema_name,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Exploration    bool            `json:"exploration,omitempty"`
}

// TokenUsage reports the token cost of one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse carries the schema-conforming JSON content and the usage the
// provider reported for it.
type LLMResponse struct {
	Content json.RawMessage `json:"content"`
	Model   string          `json:"model,omitempty"`
	Usage   TokenUsage      `json:"usage"`
}
