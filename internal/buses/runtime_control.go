package buses

import (
	"context"

	"ciris/internal/types"
)

// =============================================================================
// RUNTIME CONTROL BUS
// =============================================================================

// RuntimeControlBus fronts the processor's operator verbs for adapter-side
// tooling. Control verbs are never retried: a pause that half-happened is
// the operator's to inspect, not the bus's to repeat.
type RuntimeControlBus struct {
	core *Core
}

// NewRuntimeControlBus builds the bus over the shared core.
func NewRuntimeControlBus(core *Core) *RuntimeControlBus {
	return &RuntimeControlBus{core: core}
}

// Pause stops thought intake after the current round.
func (b *RuntimeControlBus) Pause(ctx context.Context) error {
	return b.control(ctx, "processor_pause", func(p RuntimeControlProvider) error {
		return p.Pause(ctx)
	})
}

// Resume restarts thought intake.
func (b *RuntimeControlBus) Resume(ctx context.Context) error {
	return b.control(ctx, "processor_resume", func(p RuntimeControlProvider) error {
		return p.Resume(ctx)
	})
}

// SingleStep runs exactly one round and reports how many thoughts it
// processed.
func (b *RuntimeControlBus) SingleStep(ctx context.Context) (int, error) {
	var processed int
	err := b.control(ctx, "processor_step", func(p RuntimeControlProvider) error {
		n, err := p.SingleStep(ctx)
		if err != nil {
			return err
		}
		processed = n
		return nil
	})
	return processed, err
}

// QueueStatus snapshots the processor's queue.
func (b *RuntimeControlBus) QueueStatus(ctx context.Context) (types.QueueStatus, error) {
	var status types.QueueStatus
	err := b.control(ctx, "processor_queue", func(p RuntimeControlProvider) error {
		s, err := p.QueueStatus(ctx)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	return status, err
}

func (b *RuntimeControlBus) control(ctx context.Context, op string, fn func(p RuntimeControlProvider) error) error {
	spec := callSpec{
		ServiceType:  types.ServiceRuntimeControl,
		Op:           op,
		Class:        ClassControl,
		Capabilities: []types.Capability{types.CapProcessorControl},
	}
	return b.core.call(ctx, spec, func(p any) error {
		rp, ok := p.(RuntimeControlProvider)
		if !ok {
			return wrongInterface("bus."+op, "RuntimeControlProvider", p)
		}
		return fn(rp)
	})
}
