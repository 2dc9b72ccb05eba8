package buses

import (
	"context"

	"ciris/internal/types"
)

// =============================================================================
// LLM BUS
// =============================================================================

// LLMBus routes structured completion requests to language model providers.
// Inference retries carry long backoff: the usual transient failure here is
// a rate limit, and hammering it makes it worse.
type LLMBus struct {
	core *Core
}

// NewLLMBus builds the bus over the shared core.
func NewLLMBus(core *Core) *LLMBus {
	return &LLMBus{core: core}
}

// GenerateStructured asks a provider for a completion conforming to
// req.ResponseSchema.
func (b *LLMBus) GenerateStructured(ctx context.Context, req types.LLMRequest) (types.LLMResponse, error) {
	if len(req.Messages) == 0 {
		return types.LLMResponse{}, types.Validation("bus.generate_structured", "at least one message is required")
	}
	if len(req.ResponseSchema) == 0 {
		return types.LLMResponse{}, types.Validation("bus.generate_structured", "a response schema is required")
	}

	var result types.LLMResponse
	spec := callSpec{
		ServiceType:  types.ServiceLLM,
		Op:           "generate_structured",
		Class:        ClassInference,
		Capabilities: []types.Capability{types.CapGenerateStructured},
		Request: map[string]any{
			"model":       req.Model,
			"schema":      req.SchemaName,
			"messages":    len(req.Messages),
			"exploration": req.Exploration,
		},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		lp, ok := p.(LLMProvider)
		if !ok {
			return wrongInterface("bus.generate_structured", "LLMProvider", p)
		}
		r, err := lp.GenerateStructured(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
