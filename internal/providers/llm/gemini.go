package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// GEMINI PROVIDER
// =============================================================================

// Gemini generates structured completions through Google's Gemini API,
// constraining output with a response schema over a JSON MIME type.
type Gemini struct {
	client      *genai.Client
	model       string
	timeout     time.Duration
	mu          sync.Mutex
	lastRequest time.Time
}

// NewGemini builds the Gemini client.
func NewGemini(apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, types.Validation("llm.gemini", "API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{
		client:  client,
		model:   model,
		timeout: 2 * time.Minute,
	}, nil
}

// GenerateStructured sends one generation request constrained to the
// request's schema and returns the model's JSON.
func (g *Gemini) GenerateStructured(ctx context.Context, req types.LLMRequest) (types.LLMResponse, error) {
	// Auto-apply timeout if context has no deadline (centralized timeout handling)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	startTime := time.Now()
	model := req.Model
	if model == "" {
		model = g.model
	}
	logging.LLMDebug("[Gemini] generate_structured: model=%s schema=%s messages=%d", model, req.SchemaName, len(req.Messages))

	schema, err := toGeminiSchema(req.ResponseSchema)
	if err != nil {
		return types.LLMResponse{}, types.Validation("llm.gemini", "unusable response schema: %v", err)
	}

	// Rate limiting
	g.mu.Lock()
	elapsed := time.Since(g.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	g.lastRequest = time.Now()
	g.mu.Unlock()

	// System turns become the system instruction; the rest is the chat.
	var sysParts []string
	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case types.RoleSystem:
			sysParts = append(sysParts, msg.Content)
		case types.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	sysText := strings.Join(sysParts, "\n\n")
	if len(contents) == 0 {
		contents = append(contents, genai.NewContentFromText(sysText, genai.RoleUser))
		sysText = ""
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(temperatureFor(req))),
		MaxOutputTokens:  int32(maxTokens),
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	}
	if sysText != "" {
		config.SystemInstruction = genai.NewContentFromText(sysText, genai.RoleUser)
	}

	result, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		classified := classifyGeminiErr(err)
		logging.LLMWarn("[Gemini] generate_structured: %v", classified)
		return types.LLMResponse{}, classified
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		logging.LLMError("[Gemini] generate_structured: no candidates returned")
		return types.LLMResponse{}, types.Transient("llm.gemini", "no candidates returned")
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	content := stripFences(sb.String())

	var usage types.TokenUsage
	if result.UsageMetadata != nil {
		usage = types.TokenUsage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(result.UsageMetadata.TotalTokenCount),
		}
	}

	logging.LLM("[Gemini] generate_structured: schema=%s completed in %v tokens=%d", req.SchemaName, time.Since(startTime), usage.TotalTokens)
	return types.LLMResponse{
		Content: json.RawMessage(content),
		Model:   model,
		Usage:   usage,
	}, nil
}

// Close closes the underlying client. The genai SDK client holds no
// closeable resources, so there is nothing to release.
func (g *Gemini) Close() error {
	return nil
}

// classifyGeminiErr maps SDK errors onto bus error kinds. Anything that is
// not a server-reported status is treated as transport trouble.
func classifyGeminiErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus("llm.gemini", apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyStatus("llm.gemini", apiErrPtr.Code, apiErrPtr.Message)
	}
	return types.WrapError(types.ErrTransient, "llm.gemini", err)
}

// toGeminiSchema converts a JSON Schema document into the SDK's typed
// schema. Type names are uppercased through the tree: the API wants its
// enum spelling ("OBJECT"), plain JSON Schema writes "object".
func toGeminiSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	var schema genai.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	normalizeSchemaTypes(&schema)
	return &schema, nil
}

func normalizeSchemaTypes(s *genai.Schema) {
	if s == nil {
		return
	}
	s.Type = genai.Type(strings.ToUpper(string(s.Type)))
	for _, p := range s.Properties {
		normalizeSchemaTypes(p)
	}
	normalizeSchemaTypes(s.Items)
}
