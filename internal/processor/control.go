package processor

import (
	"context"
	"fmt"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// RUNTIME CONTROL
// =============================================================================
// The processor is the runtime-control provider: operators pause, resume,
// single-step, and inspect it through the runtime-control bus.

// Pause holds the loop between rounds. In-flight work finishes; nothing new
// starts until Resume.
func (p *Processor) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return nil
	}
	p.paused = true
	logging.Processor("paused")
	return nil
}

// Resume releases a paused loop.
func (p *Processor) Resume(ctx context.Context) error {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return nil
	}
	p.paused = false
	p.mu.Unlock()
	logging.Processor("resumed")
	p.Wake()
	return nil
}

// SingleStep runs exactly one round while paused and returns how many
// thoughts it processed. Stepping an unpaused loop would race the next
// scheduled round, so it is refused.
func (p *Processor) SingleStep(ctx context.Context) (int, error) {
	if !p.isPaused() {
		return 0, types.Validation("processor.single_step", "single step requires a paused processor")
	}
	n, err := p.RunRound(ctx)
	if err != nil {
		return n, fmt.Errorf("single step failed: %w", err)
	}
	logging.Processor("single step processed %d thoughts", n)
	return n, nil
}

// QueueStatus answers an operator queue inspection from live counts.
func (p *Processor) QueueStatus(ctx context.Context) (types.QueueStatus, error) {
	pending, err := p.deps.Store.CountThoughtsByStatus(ctx, types.ThoughtPending)
	if err != nil {
		return types.QueueStatus{}, fmt.Errorf("failed to count pending thoughts: %w", err)
	}
	processing, err := p.deps.Store.CountThoughtsByStatus(ctx, types.ThoughtProcessing)
	if err != nil {
		return types.QueueStatus{}, fmt.Errorf("failed to count processing thoughts: %w", err)
	}
	active, err := p.deps.Store.CountTasksByStatus(ctx, types.TaskActive)
	if err != nil {
		return types.QueueStatus{}, fmt.Errorf("failed to count active tasks: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return types.QueueStatus{
		State:              p.state,
		Paused:             p.paused,
		Round:              p.round,
		PendingThoughts:    pending,
		ProcessingThoughts: processing,
		ActiveTasks:        active,
	}, nil
}

// SetState is the operator's lever for discretionary transitions, PLAY in
// particular. The transition table still applies.
func (p *Processor) SetState(ctx context.Context, next types.CognitiveState) error {
	if err := p.transition(ctx, next, "operator request"); err != nil {
		return types.Validation("processor.set_state", "%v", err)
	}
	p.Wake()
	return nil
}
