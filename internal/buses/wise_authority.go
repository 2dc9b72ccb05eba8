package buses

import (
	"context"

	"ciris/internal/types"
)

// =============================================================================
// WISE AUTHORITY BUS
// =============================================================================

// WiseAuthorityBus routes guidance requests and deferrals to wise-authority
// providers.
type WiseAuthorityBus struct {
	core *Core
}

// NewWiseAuthorityBus builds the bus over the shared core.
func NewWiseAuthorityBus(core *Core) *WiseAuthorityBus {
	return &WiseAuthorityBus{core: core}
}

// RequestGuidance asks an authority for direction on a stuck thought.
func (b *WiseAuthorityBus) RequestGuidance(ctx context.Context, req types.GuidanceRequest) (types.GuidanceResult, error) {
	if req.Question == "" {
		return types.GuidanceResult{}, types.Validation("bus.request_guidance", "question is required")
	}

	var result types.GuidanceResult
	spec := callSpec{
		ServiceType:  types.ServiceWiseAuthority,
		Op:           "request_guidance",
		Class:        ClassInteractive,
		Capabilities: []types.Capability{types.CapRequestGuidance},
		Request:      map[string]any{"task_id": req.TaskID, "thought_id": req.ThoughtID},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		wp, ok := p.(WiseAuthorityProvider)
		if !ok {
			return wrongInterface("bus.request_guidance", "WiseAuthorityProvider", p)
		}
		r, err := wp.RequestGuidance(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// SubmitDeferral parks a task with an authority.
func (b *WiseAuthorityBus) SubmitDeferral(ctx context.Context, req types.DeferralRequest) error {
	if req.TaskID == "" {
		return types.Validation("bus.submit_deferral", "task id is required")
	}
	if req.Reason == "" {
		return types.Validation("bus.submit_deferral", "reason is required")
	}

	spec := callSpec{
		ServiceType:  types.ServiceWiseAuthority,
		Op:           "submit_deferral",
		Class:        ClassMutation,
		Capabilities: []types.Capability{types.CapSubmitDeferral},
		Request:      map[string]any{"task_id": req.TaskID, "reason": req.Reason},
	}
	return b.core.call(ctx, spec, func(p any) error {
		wp, ok := p.(WiseAuthorityProvider)
		if !ok {
			return wrongInterface("bus.submit_deferral", "WiseAuthorityProvider", p)
		}
		return wp.SubmitDeferral(ctx, req)
	})
}
