package buses

import (
	"context"
	"fmt"
	"sync"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// COMMUNICATION BUS
// =============================================================================

// SendRequest asks for delivery of content to a channel. Critical marks a
// user-addressed response whose loss must not pass silently: if no provider
// can deliver it, the bus asks the processor for graceful shutdown.
type SendRequest struct {
	ChannelID string
	Content   string
	Critical  bool
}

// FetchRequest reads recent channel history.
type FetchRequest struct {
	ChannelID string
	Limit     int
}

// CommunicationBus routes sends and history fetches to communication
// providers.
type CommunicationBus struct {
	core *Core

	mu        sync.Mutex
	requester ShutdownRequester
}

// NewCommunicationBus builds the bus over the shared core.
func NewCommunicationBus(core *Core) *CommunicationBus {
	return &CommunicationBus{core: core}
}

// BindShutdownRequester installs the escalation target. Wired after the
// processor exists; until then critical failures are logged and returned.
func (b *CommunicationBus) BindShutdownRequester(r ShutdownRequester) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requester = r
}

// SendMessage delivers req.Content to req.ChannelID through the best
// available provider.
func (b *CommunicationBus) SendMessage(ctx context.Context, req SendRequest) error {
	if req.ChannelID == "" {
		return types.Validation("bus.send_message", "channel id is required")
	}

	spec := callSpec{
		ServiceType:  types.ServiceCommunication,
		Op:           "send_message",
		Class:        ClassInteractive,
		Capabilities: []types.Capability{types.CapSendMessage},
		Request: map[string]any{
			"channel_id":    req.ChannelID,
			"content_bytes": len(req.Content),
			"critical":      req.Critical,
		},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		cp, ok := p.(CommunicationProvider)
		if !ok {
			return wrongInterface("bus.send_message", "CommunicationProvider", p)
		}
		return cp.SendMessage(ctx, req.ChannelID, req.Content)
	})
	if err != nil && req.Critical && !types.IsKind(err, types.ErrValidation) {
		b.escalate(req.ChannelID, err)
	}
	return err
}

// FetchMessages returns up to req.Limit recent messages from the channel.
func (b *CommunicationBus) FetchMessages(ctx context.Context, req FetchRequest) ([]types.FetchedMessage, error) {
	if req.ChannelID == "" {
		return nil, types.Validation("bus.fetch_messages", "channel id is required")
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}

	var out []types.FetchedMessage
	spec := callSpec{
		ServiceType:  types.ServiceCommunication,
		Op:           "fetch_messages",
		Class:        ClassQuery,
		Capabilities: []types.Capability{types.CapFetchMessages},
		Request:      map[string]any{"channel_id": req.ChannelID, "limit": req.Limit},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		cp, ok := p.(CommunicationProvider)
		if !ok {
			return wrongInterface("bus.fetch_messages", "CommunicationProvider", p)
		}
		msgs, err := cp.FetchMessages(ctx, req.ChannelID, req.Limit)
		if err != nil {
			return err
		}
		out = msgs
		return nil
	})
	return out, err
}

func (b *CommunicationBus) escalate(channelID string, err error) {
	b.mu.Lock()
	requester := b.requester
	b.mu.Unlock()

	if requester == nil {
		logging.BusError("critical delivery to %s failed with no shutdown requester bound: %v", channelID, err)
		return
	}
	logging.BusError("critical delivery to %s failed, requesting graceful shutdown: %v", channelID, err)
	requester.RequestGracefulShutdown(fmt.Sprintf("undeliverable response to channel %s: %v", channelID, err))
}
