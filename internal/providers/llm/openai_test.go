package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ciris/internal/types"
)

func testRequest() types.LLMRequest {
	return types.LLMRequest{
		Messages: []types.LLMMessage{
			{Role: types.RoleSystem, Content: "You evaluate thoughts."},
			{Role: types.RoleUser, Content: "## Thought\nhello\n\nRound 1 of its chain.\n"},
		},
		SchemaName:     "ethical_evaluation",
		ResponseSchema: json.RawMessage(`{"type":"object","properties":{"decision":{"type":"string"}}}`),
	}
}

func newCompatClient(t *testing.T, handler http.HandlerFunc) *OpenAICompat {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c, err := NewOpenAICompat(OpenAIConfig{APIKey: "test-key", BaseURL: ts.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewOpenAICompat: %v", err)
	}
	return c
}

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"model": "test-model-0125",
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49},
	})
	return string(b)
}

func TestOpenAICompat_RequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAICompat(OpenAIConfig{}); !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestOpenAICompat_SendsSchemaConstrainedRequest(t *testing.T) {
	var got chatRequest
	c := newCompatClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(completionBody(`{"decision":"approve"}`)))
	})

	resp, err := c.GenerateStructured(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateStructured: %v", err)
	}

	if got.Model != "test-model" {
		t.Errorf("model = %q", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Temperature != defaultTemperature {
		t.Errorf("temperature = %v, want %v", got.Temperature, defaultTemperature)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_schema" {
		t.Fatalf("response_format = %+v", got.ResponseFormat)
	}
	if got.ResponseFormat.JSONSchema.Name != "ethical_evaluation" || !got.ResponseFormat.JSONSchema.Strict {
		t.Errorf("json_schema = %+v", got.ResponseFormat.JSONSchema)
	}
	if len(got.ResponseFormat.JSONSchema.Schema) == 0 {
		t.Error("schema payload missing")
	}

	if string(resp.Content) != `{"decision":"approve"}` {
		t.Errorf("content = %s", resp.Content)
	}
	if resp.Model != "test-model-0125" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.Usage.TotalTokens != 49 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAICompat_ExplorationWidensSampling(t *testing.T) {
	var got chatRequest
	c := newCompatClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(completionBody(`{}`)))
	})

	req := testRequest()
	req.Exploration = true
	if _, err := c.GenerateStructured(context.Background(), req); err != nil {
		t.Fatalf("GenerateStructured: %v", err)
	}
	if got.Temperature != explorationTemperature {
		t.Errorf("temperature = %v, want %v", got.Temperature, explorationTemperature)
	}
}

func TestOpenAICompat_StripsCodeFences(t *testing.T) {
	c := newCompatClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody("```json\n{\"decision\":\"approve\"}\n```")))
	})

	resp, err := c.GenerateStructured(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateStructured: %v", err)
	}
	if string(resp.Content) != `{"decision":"approve"}` {
		t.Errorf("content = %s", resp.Content)
	}
}

func TestOpenAICompat_ClassifiesStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   types.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, types.ErrTransient},
		{"bad request", http.StatusBadRequest, types.ErrValidation},
		{"unauthorized", http.StatusUnauthorized, types.ErrPermission},
		{"forbidden", http.StatusForbidden, types.ErrPermission},
		{"missing model", http.StatusNotFound, types.ErrNotFound},
		{"server error", http.StatusInternalServerError, types.ErrTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCompatClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})
			_, err := c.GenerateStructured(context.Background(), testRequest())
			if !types.IsKind(err, tc.kind) {
				t.Fatalf("err = %v, want kind %s", err, tc.kind)
			}
		})
	}
}

func TestOpenAICompat_NoChoicesIsTransient(t *testing.T) {
	c := newCompatClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[],"usage":{}}`))
	})

	_, err := c.GenerateStructured(context.Background(), testRequest())
	if !types.IsKind(err, types.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestOpenAICompat_InBandErrorIsSurfaced(t *testing.T) {
	c := newCompatClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))
	})

	_, err := c.GenerateStructured(context.Background(), testRequest())
	if !types.IsKind(err, types.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}
