package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// OPENAI-COMPATIBLE PROVIDER
// =============================================================================

// OpenAICompat speaks the chat-completions dialect shared by OpenAI and the
// compatible inference servers, with structured output pinned through a
// json_schema response format.
type OpenAICompat struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// OpenAIConfig configures the chat-completions client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultOpenAIConfig returns sensible defaults for the hosted API.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		Timeout: 2 * time.Minute,
	}
}

// NewOpenAICompat builds the client. Zero-value config fields fall back to
// the hosted-API defaults; the key has no fallback.
func NewOpenAICompat(config OpenAIConfig) (*OpenAICompat, error) {
	if config.APIKey == "" {
		return nil, types.Validation("llm.openai", "API key is required")
	}
	defaults := DefaultOpenAIConfig(config.APIKey)
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &OpenAICompat{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateStructured sends one chat-completions request constrained to the
// request's schema and returns the model's JSON.
func (c *OpenAICompat) GenerateStructured(ctx context.Context, req types.LLMRequest) (types.LLMResponse, error) {
	// Auto-apply timeout if context has no deadline (centralized timeout handling)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	model := req.Model
	if model == "" {
		model = c.model
	}
	logging.LLMDebug("[OpenAI] generate_structured: model=%s schema=%s messages=%d", model, req.SchemaName, len(req.Messages))

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	messages := make([]chatMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = chatMessage{Role: string(msg.Role), Content: msg.Content}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	schemaName := req.SchemaName
	if schemaName == "" {
		schemaName = "response"
	}
	reqBody := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperatureFor(req),
		MaxTokens:   maxTokens,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   schemaName,
				Strict: true,
				Schema: req.ResponseSchema,
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return types.LLMResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return types.LLMResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.LLMResponse{}, types.WrapError(types.ErrTransient, "llm.openai", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.LLMResponse{}, types.WrapError(types.ErrTransient, "llm.openai", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := classifyStatus("llm.openai", resp.StatusCode, string(body))
		logging.LLMWarn("[OpenAI] generate_structured: %v", err)
		return types.LLMResponse{}, err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return types.LLMResponse{}, types.Transient("llm.openai", "failed to parse response: %v", err)
	}
	if chatResp.Error != nil {
		return types.LLMResponse{}, types.Transient("llm.openai", "API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		logging.LLMError("[OpenAI] generate_structured: no completion returned")
		return types.LLMResponse{}, types.Transient("llm.openai", "no completion returned")
	}

	content := stripFences(chatResp.Choices[0].Message.Content)
	respModel := chatResp.Model
	if respModel == "" {
		respModel = model
	}

	logging.LLM("[OpenAI] generate_structured: schema=%s completed in %v tokens=%d", req.SchemaName, time.Since(startTime), chatResp.Usage.TotalTokens)
	return types.LLMResponse{
		Content: json.RawMessage(content),
		Model:   respModel,
		Usage: types.TokenUsage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
	}, nil
}
