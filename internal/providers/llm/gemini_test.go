package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/genai"

	"ciris/internal/types"
)

func TestNewGemini_RequiresAPIKey(t *testing.T) {
	if _, err := NewGemini("", "gemini-2.5-flash"); !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestToGeminiSchema_UppercasesTypeTree(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"decision": {"type": "string", "enum": ["approve", "caution", "defer", "reject"]},
			"alignment": {"type": "number", "minimum": 0, "maximum": 1},
			"conflicts": {"type": "array", "items": {"type": "string"}},
			"should_reject": {"type": "boolean"}
		},
		"required": ["decision", "alignment"]
	}`)

	schema, err := toGeminiSchema(raw)
	if err != nil {
		t.Fatalf("toGeminiSchema: %v", err)
	}

	if schema.Type != genai.TypeObject {
		t.Errorf("root type = %s", schema.Type)
	}
	if got := schema.Properties["decision"]; got == nil || got.Type != genai.TypeString {
		t.Errorf("decision = %+v", got)
	}
	if got := schema.Properties["decision"].Enum; len(got) != 4 || got[0] != "approve" {
		t.Errorf("enum = %v", got)
	}
	if got := schema.Properties["alignment"]; got == nil || got.Type != genai.TypeNumber {
		t.Errorf("alignment = %+v", got)
	}
	if got := schema.Properties["conflicts"]; got == nil || got.Type != genai.TypeArray {
		t.Errorf("conflicts = %+v", got)
	} else if got.Items == nil || got.Items.Type != genai.TypeString {
		t.Errorf("conflicts items = %+v", got.Items)
	}
	if got := schema.Properties["should_reject"]; got == nil || got.Type != genai.TypeBoolean {
		t.Errorf("should_reject = %+v", got)
	}
	if len(schema.Required) != 2 {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestToGeminiSchema_RejectsEmptyAndMalformed(t *testing.T) {
	if _, err := toGeminiSchema(nil); err == nil {
		t.Fatal("empty schema accepted")
	}
	if _, err := toGeminiSchema(json.RawMessage(`{`)); err == nil {
		t.Fatal("malformed schema accepted")
	}
}

func TestClassifyGeminiErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind types.ErrorKind
	}{
		{"rate limited", genai.APIError{Code: 429, Message: "quota exhausted"}, types.ErrTransient},
		{"forbidden", genai.APIError{Code: 403, Message: "key disabled"}, types.ErrPermission},
		{"bad request", genai.APIError{Code: 400, Message: "schema rejected"}, types.ErrValidation},
		{"missing model", genai.APIError{Code: 404, Message: "no such model"}, types.ErrNotFound},
		{"server error", genai.APIError{Code: 500, Message: "internal"}, types.ErrTransient},
		{"wrapped api error", fmt.Errorf("call failed: %w", genai.APIError{Code: 429}), types.ErrTransient},
		{"transport error", errors.New("connection reset"), types.ErrTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyGeminiErr(tc.err); !types.IsKind(got, tc.kind) {
				t.Fatalf("kind = %v, want %s", got, tc.kind)
			}
		})
	}
}
