package buses

import (
	"context"

	"ciris/internal/types"
)

// =============================================================================
// FILTER BUS
// =============================================================================

// FilterBus routes incoming-message triage to filter providers. With no
// filter registered, ingress accepts everything at medium priority rather
// than going deaf.
type FilterBus struct {
	core *Core
}

// NewFilterBus builds the bus over the shared core.
func NewFilterBus(core *Core) *FilterBus {
	return &FilterBus{core: core}
}

// FilterMessage returns the provider's triage verdict for msg.
func (b *FilterBus) FilterMessage(ctx context.Context, msg types.IncomingMessage) (types.FilterDecision, error) {
	var decision types.FilterDecision
	spec := callSpec{
		ServiceType:  types.ServiceFilter,
		Op:           "filter_message",
		Class:        ClassQuery,
		Capabilities: []types.Capability{types.CapFilterMessage},
		Request:      map[string]any{"channel_id": msg.ChannelID, "author_id": msg.AuthorID},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		fp, ok := p.(FilterProvider)
		if !ok {
			return wrongInterface("bus.filter_message", "FilterProvider", p)
		}
		d, err := fp.FilterMessage(ctx, msg)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	if types.IsKind(err, types.ErrNoProvider) {
		return types.FilterDecision{Accepted: true, Priority: types.FilterMedium}, nil
	}
	return decision, err
}
