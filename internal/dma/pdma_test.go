package dma

import (
	"context"
	"strings"
	"testing"

	"ciris/internal/types"
)

func TestPDMA_ParsesEvaluation(t *testing.T) {
	gen := &stubGenerator{}
	gen.resp = respondWith(t, map[string]any{
		"decision":  "caution",
		"alignment": 0.72,
		"conflicts": []string{"autonomy"},
		"reasoning": "advising, not deciding, keeps autonomy intact",
	})
	p := NewPDMA(gen, "test-model")

	eval, err := p.Evaluate(context.Background(), types.Thought{ThoughtID: "th-1", Content: "tell the user what to do"}, types.ThoughtContext{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.Decision != DecisionCaution {
		t.Errorf("decision = %q", eval.Decision)
	}
	if eval.Alignment != 0.72 {
		t.Errorf("alignment = %v", eval.Alignment)
	}
	if len(eval.Conflicts) != 1 || eval.Conflicts[0] != "autonomy" {
		t.Errorf("conflicts = %v", eval.Conflicts)
	}
	if gen.last.SchemaName != "ethical_evaluation" {
		t.Errorf("schema name = %q", gen.last.SchemaName)
	}
	if !strings.Contains(gen.last.Messages[1].Content, "tell the user what to do") {
		t.Error("thought content missing from the prompt")
	}
}

func TestPDMA_RejectsUnknownDecision(t *testing.T) {
	gen := &stubGenerator{}
	gen.resp = respondWith(t, map[string]any{
		"decision":  "maybe",
		"alignment": 0.5,
		"reasoning": "x",
	})
	p := NewPDMA(gen, "")

	_, err := p.Evaluate(context.Background(), types.Thought{ThoughtID: "th-2"}, types.ThoughtContext{})
	if err == nil {
		t.Fatal("unknown decision accepted")
	}
	if !types.IsKind(err, types.ErrValidation) {
		t.Errorf("error kind = %v, want validation", types.KindOf(err))
	}
}

func TestPDMA_PropagatesGeneratorError(t *testing.T) {
	gen := &stubGenerator{err: types.Transient("llm", "overloaded")}
	p := NewPDMA(gen, "")

	_, err := p.Evaluate(context.Background(), types.Thought{ThoughtID: "th-3"}, types.ThoughtContext{})
	if err == nil {
		t.Fatal("generator error swallowed")
	}
	if !types.IsRetryable(err) {
		t.Error("transient generator error should stay retryable through the wrap")
	}
}
