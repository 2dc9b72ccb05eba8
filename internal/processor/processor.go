// Package processor runs the cognitive state machine: boot through WAKEUP
// self-checks, tick WORK/PLAY rounds over the thought queue, drop into
// SOLITUDE when idle and DREAM on schedule, and wind down through SHUTDOWN
// with a bounded grace window. All effects flow through the handler set and
// the buses; the processor itself only moves state and schedules work.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ciris/internal/buses"
	"ciris/internal/clock"
	"ciris/internal/dma"
	"ciris/internal/handlers"
	"ciris/internal/logging"
	"ciris/internal/persistence"
	"ciris/internal/types"
)

// =============================================================================
// DEPENDENCIES AND OPTIONS
// =============================================================================

// Evaluator runs the reasoning pipeline over one thought.
// Satisfied by *dma.Pipeline.
type Evaluator interface {
	Evaluate(ctx context.Context, thought types.Thought, tctx types.ThoughtContext) (dma.Outcome, error)
	SetExploration(on bool)
}

// Dispatcher executes a selected action. Satisfied by *handlers.Set.
type Dispatcher interface {
	Dispatch(ctx context.Context, req handlers.Request) (handlers.Result, error)
}

// TailVerifier checks the newest audit entries before the agent starts
// acting. Satisfied by *audit.Service.
type TailVerifier interface {
	VerifyTail(ctx context.Context, n int64) (*types.VerificationResult, error)
}

// ReadyWaiter blocks until required service types have a registered
// provider. Satisfied by *registry.Registry.
type ReadyWaiter interface {
	WaitReady(ctx context.Context, required ...types.ServiceType) error
}

// Deps is everything the processor reaches. Buses carry all side effects;
// the store is for task/thought/scheduled-task bookkeeping.
type Deps struct {
	Store    *persistence.Store
	Buses    *buses.Manager
	Pipeline Evaluator
	Handlers Dispatcher
	Registry ReadyWaiter
	Chain    TailVerifier
	Clock    clock.Clock
}

// Options tunes the loop. Zero values take defaults.
type Options struct {
	// MaxActiveThoughts caps how many thoughts one round may claim.
	MaxActiveThoughts int
	// Parallelism bounds concurrent thought evaluation within a round.
	Parallelism int
	// RoundDelay is the sleep between rounds when no wake arrives.
	RoundDelay time.Duration
	// StartupTimeout bounds the registry readiness wait during WAKEUP.
	StartupTimeout time.Duration
	// ShutdownGrace bounds how long in-flight work may run after a
	// shutdown request before it is cancelled.
	ShutdownGrace time.Duration
	// SolitudeAfterIdle is how many consecutive empty rounds send WORK
	// into SOLITUDE.
	SolitudeAfterIdle int
	// DreamInterval is how much wall time between memory consolidation
	// passes. A dream only starts from an idle round.
	DreamInterval time.Duration
	// Retention is how long raw correlations live before solitude
	// compaction removes them.
	Retention time.Duration
	// RequiredServices are the service types WAKEUP waits on.
	RequiredServices []types.ServiceType
}

func (o Options) withDefaults() Options {
	if o.MaxActiveThoughts <= 0 {
		o.MaxActiveThoughts = 50
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 8
	}
	if o.RoundDelay <= 0 {
		o.RoundDelay = 5 * time.Second
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 30 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	if o.SolitudeAfterIdle <= 0 {
		o.SolitudeAfterIdle = 20
	}
	if o.DreamInterval <= 0 {
		o.DreamInterval = 6 * time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if len(o.RequiredServices) == 0 {
		o.RequiredServices = []types.ServiceType{
			types.ServiceLLM, types.ServiceMemory, types.ServiceAudit,
		}
	}
	return o
}

const pausePoll = 100 * time.Millisecond

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor owns the cognitive state and the round loop.
type Processor struct {
	deps Deps
	opts Options
	exec *executor

	mu             sync.Mutex
	state          types.CognitiveState
	paused         bool
	round          int64
	idleRounds     int
	lastDream      time.Time
	consolidatedTo time.Time
	running        bool
	cancelRun      context.CancelFunc

	// runMu serializes rounds between the loop and operator single-steps.
	runMu sync.Mutex

	wakeCh chan struct{}

	shutdownMu     sync.Mutex
	shutdownCh     chan struct{}
	shutdownReason string
}

// New builds a processor in the SHUTDOWN state; Run boots it.
func New(deps Deps, opts Options) *Processor {
	opts = opts.withDefaults()
	return &Processor{
		deps:       deps,
		opts:       opts,
		exec:       newExecutor(opts.Parallelism),
		state:      types.StateShutdown,
		wakeCh:     make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
}

// State returns the current cognitive state.
func (p *Processor) State() types.CognitiveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Round returns the number of the last started round.
func (p *Processor) Round() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round
}

// Wake interrupts the inter-round sleep so new work is picked up without
// waiting out the round delay.
func (p *Processor) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// RequestGracefulShutdown asks the loop to wind down. The first reason
// wins; later calls are no-ops. Safe from any goroutine, including bus
// escalation paths.
func (p *Processor) RequestGracefulShutdown(reason string) {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()
	select {
	case <-p.shutdownCh:
		return
	default:
	}
	p.shutdownReason = reason
	close(p.shutdownCh)
	logging.Processor("graceful shutdown requested: %s", reason)
	p.Wake()
}

func (p *Processor) shuttingDown() bool {
	select {
	case <-p.shutdownCh:
		return true
	default:
		return false
	}
}

// =============================================================================
// RUN LOOP
// =============================================================================

// Run boots the agent and ticks the state machine until the context is
// cancelled or a shutdown is requested. It returns nil on an orderly
// shutdown and the wakeup error when boot fails.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancelRun = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	// Grace watchdog: once a shutdown is requested, in-flight work gets
	// ShutdownGrace before the run context is cancelled out from under it.
	go func() {
		select {
		case <-p.shutdownCh:
			t := time.NewTimer(p.opts.ShutdownGrace)
			defer t.Stop()
			select {
			case <-t.C:
				cancel()
			case <-runCtx.Done():
			}
		case <-runCtx.Done():
		}
	}()

	// 1. Boot: SHUTDOWN -> WAKEUP, run the scripted self-checks.
	if err := p.transition(runCtx, types.StateWakeup, "boot"); err != nil {
		return err
	}
	if err := p.runWakeup(runCtx); err != nil {
		logging.WakeupError("wakeup failed, shutting down: %v", err)
		p.RequestGracefulShutdown(fmt.Sprintf("wakeup failed: %v", err))
		p.windDown(ctx)
		return err
	}

	// 2. WAKEUP -> WORK and tick. The dream timer starts now so the first
	// consolidation waits a full interval.
	p.mu.Lock()
	p.lastDream = p.deps.Clock.Now()
	p.mu.Unlock()
	if err := p.transition(runCtx, types.StateWork, "wakeup complete"); err != nil {
		return err
	}
	logging.Processor("=== agent awake, entering work loop ===")

	for {
		select {
		case <-runCtx.Done():
			p.windDown(ctx)
			return nil
		default:
		}
		if p.shuttingDown() {
			p.windDown(ctx)
			return nil
		}

		if p.isPaused() {
			select {
			case <-runCtx.Done():
			case <-time.After(pausePoll):
			}
			continue
		}

		state := p.State()
		switch {
		case state.ProcessesThoughts():
			n, err := p.RunRound(runCtx)
			if err != nil {
				logging.ProcessorError("round failed: %v", err)
			}
			p.noteRoundResult(runCtx, n)
		case state == types.StateSolitude:
			p.solitudePass(runCtx)
			if p.workAvailable(runCtx) {
				_ = p.transition(runCtx, types.StateWork, "work available")
				continue
			}
		case state == types.StateDream:
			p.dreamPass(runCtx)
			_ = p.transition(runCtx, types.StateWork, "consolidation complete")
			continue
		default:
			p.windDown(ctx)
			return nil
		}

		p.sleepRound(runCtx)
	}
}

// noteRoundResult tracks idleness and schedules SOLITUDE/DREAM entries.
// Dreams only start from an idle round so active work is never interrupted.
func (p *Processor) noteRoundResult(ctx context.Context, processed int) {
	p.mu.Lock()
	if processed > 0 {
		p.idleRounds = 0
	} else {
		p.idleRounds++
	}
	idle := p.idleRounds
	dreamDue := p.deps.Clock.Now().Sub(p.lastDream) >= p.opts.DreamInterval
	state := p.state
	p.mu.Unlock()

	if state != types.StateWork || processed > 0 {
		return
	}
	if dreamDue {
		if err := p.transition(ctx, types.StateDream, "consolidation due"); err == nil {
			return
		}
	}
	if idle >= p.opts.SolitudeAfterIdle {
		_ = p.transition(ctx, types.StateSolitude, fmt.Sprintf("%d idle rounds", idle))
	}
}

// sleepRound waits out the round delay unless woken, cancelled, or asked
// to shut down.
func (p *Processor) sleepRound(ctx context.Context) {
	select {
	case <-time.After(p.opts.RoundDelay):
	case <-p.wakeCh:
	case <-p.shutdownCh:
	case <-ctx.Done():
	}
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

// transition moves the state machine, audits the edge, and flips the
// exploration flag around PLAY. Illegal edges are refused.
func (p *Processor) transition(ctx context.Context, next types.CognitiveState, reason string) error {
	p.mu.Lock()
	from := p.state
	if from == next {
		p.mu.Unlock()
		return nil
	}
	if !from.CanTransitionTo(next) {
		p.mu.Unlock()
		return fmt.Errorf("illegal state transition %s -> %s", from, next)
	}
	p.state = next
	if next == types.StateDream {
		p.lastDream = p.deps.Clock.Now()
	}
	p.idleRounds = 0
	p.mu.Unlock()

	if p.deps.Pipeline != nil {
		p.deps.Pipeline.SetExploration(next == types.StatePlay)
	}

	logging.Processor("state %s -> %s (%s)", from, next, reason)
	p.auditEvent(ctx, types.AuditStateTransition, "processor", map[string]any{
		"from":   string(from),
		"to":     string(next),
		"reason": reason,
	})
	return nil
}

// windDown runs the SHUTDOWN sequence: stop intake, wait out in-flight
// work up to the grace window, fail stragglers, and record the final
// transition. The parent context is used so the audit write survives run
// context cancellation.
func (p *Processor) windDown(parent context.Context) {
	p.shutdownMu.Lock()
	reason := p.shutdownReason
	p.shutdownMu.Unlock()
	if reason == "" {
		reason = "context cancelled"
	}

	// Detach from the (possibly already cancelled) run context so the
	// final audit record and the straggler sweep still land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
	defer cancel()

	_ = p.transition(wctx, types.StateShutdown, reason)

	// In-flight rounds hold runMu; the grace watchdog cancels their
	// context if they overstay. Acquiring the lock here means the last
	// round has fully drained.
	p.runMu.Lock()
	p.runMu.Unlock() //nolint:staticcheck // empty critical section is the drain barrier
	if n, err := p.deps.Store.FailProcessingThoughts(wctx); err != nil {
		logging.ProcessorError("failed to sweep in-flight thoughts: %v", err)
	} else if n > 0 {
		logging.ProcessorWarn("%d in-flight thoughts marked FAILED at shutdown", n)
	}

	_, _, runs, avgWait := p.exec.stats()
	logging.Processor("=== agent shut down: %s (lifetime: %d thoughts, avg slot wait %s) ===",
		reason, runs, avgWait)
}

func (p *Processor) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// =============================================================================
// AUDIT
// =============================================================================

// auditEvent records a lifecycle event best-effort. Losing a lifecycle
// record is logged, never fatal: blocking the state machine on the audit
// bus would wedge shutdown paths.
func (p *Processor) auditEvent(ctx context.Context, typ types.AuditEventType, originator string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.ProcessorError("failed to encode %s payload: %v", typ, err)
		return
	}
	if err := p.deps.Buses.Audit.LogEvent(ctx, types.AuditEvent{
		EventType:    typ,
		OriginatorID: originator,
		Payload:      raw,
	}); err != nil {
		logging.ProcessorError("failed to audit %s: %v", typ, err)
	}
}

// recordMetric publishes one datapoint best-effort; a telemetry outage
// never fails a round.
func (p *Processor) recordMetric(ctx context.Context, name string, value float64, tags map[string]string) {
	if err := p.deps.Buses.Telemetry.RecordMetric(ctx, name, value, tags); err != nil {
		logging.ProcessorDebug("metric %s dropped: %v", name, err)
	}
}
