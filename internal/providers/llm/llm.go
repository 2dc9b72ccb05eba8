// Package llm ships the language model providers that register on the LLM
// bus: a deterministic mock for offline operation and tests, an
// OpenAI-compatible chat-completions client, and a Gemini client over the
// official SDK. Providers make exactly one classified attempt per call;
// retry policy belongs to the bus core, which keys off the error kind.
package llm

import (
	"strings"

	"ciris/internal/types"
)

// Sampling defaults. Evaluators want near-greedy output; exploration asks
// for wider sampling and only applies when the caller didn't pin one.
const (
	defaultTemperature     = 0.1
	explorationTemperature = 0.9
	defaultMaxTokens       = 4096
)

func temperatureFor(req types.LLMRequest) float64 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	if req.Exploration {
		return explorationTemperature
	}
	return defaultTemperature
}

// classifyStatus maps a provider HTTP status to an error kind the bus core
// and registry can act on: transient failures are retried and counted by
// the breaker, permission failures exclude the provider without tripping
// it, validation failures return to the caller at once.
func classifyStatus(op string, status int, detail string) error {
	detail = strings.TrimSpace(detail)
	switch {
	case status == 429:
		return types.Transient(op, "rate limited (429): %s", detail)
	case status == 400:
		return types.Validation(op, "request rejected (400): %s", detail)
	case status == 401 || status == 403:
		return types.Permission(op, "not authorized (%d): %s", status, detail)
	case status == 404:
		return types.NotFound(op, "model or endpoint not found (404): %s", detail)
	default:
		return types.Transient(op, "request failed (%d): %s", status, detail)
	}
}

// stripFences undoes the markdown code fence some models wrap around JSON
// even when a schema was requested.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
