// Package buses is the only path from a handler to a service. Each of the
// ten service categories gets a typed bus: typed request in, typed response
// out, no untyped maps across the boundary. Every call flows through a
// shared core that resolves a provider from the registry, applies the
// operation's retry policy, feeds the outcome back into the provider's
// circuit breaker, and emits one SERVICE_CORRELATION for the call.
package buses

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/registry"
	"ciris/internal/types"
)

// =============================================================================
// BUS CORE
// =============================================================================

// CorrelationRecorder receives one SERVICE_CORRELATION per bus call. The
// telemetry service implements it; a nil recorder drops correlations.
type CorrelationRecorder interface {
	RecordCorrelation(ctx context.Context, corr types.Correlation) error
}

// ShutdownRequester is the communication bus's last-resort escalation path:
// when no provider can deliver a user-addressed response, the processor is
// asked to wind down rather than leave the user hanging silently.
type ShutdownRequester interface {
	RequestGracefulShutdown(reason string)
}

// OpClass groups bus operations by failure profile. The retry policy table
// is keyed by class, not by individual operation.
type OpClass string

const (
	// ClassInteractive covers user-visible exchanges: channel sends,
	// history fetches, guidance requests.
	ClassInteractive OpClass = "interactive"
	// ClassQuery covers reads that are cheap to repeat.
	ClassQuery OpClass = "query"
	// ClassMutation covers writes; retried once at most.
	ClassMutation OpClass = "mutation"
	// ClassInference covers model completions, where transient failures
	// are usually rate limits and want long backoff.
	ClassInference OpClass = "inference"
	// ClassControl covers processor control verbs. Never retried.
	ClassControl OpClass = "control"
)

// RetryPolicy is one row of the policy table. Attempts counts the first
// try; Jitter is the fraction of the computed delay randomized away.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

var retryPolicies = map[OpClass]RetryPolicy{
	ClassInteractive: {Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2},
	ClassQuery:       {Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2},
	ClassMutation:    {Attempts: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2},
	ClassInference:   {Attempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second, Jitter: 0.5},
	ClassControl:     {Attempts: 1},
}

// PolicyFor returns the retry policy row for a class. Unknown classes get
// the query policy.
func PolicyFor(class OpClass) RetryPolicy {
	if p, ok := retryPolicies[class]; ok {
		return p
	}
	return retryPolicies[ClassQuery]
}

// backoff computes the delay before the given attempt's retry.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(1<<(attempt-1))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}

// callSpec describes one bus operation to the core.
type callSpec struct {
	ServiceType  types.ServiceType
	Op           string
	Class        OpClass
	Capabilities []types.Capability
	// Request is a compact descriptor marshaled into the correlation.
	// Never the full payload: content and secrets stay off the record.
	Request any
	// RouteOnNotFound treats a not-found result as "this provider cannot
	// serve the call" and moves selection to the next provider. Used by
	// tool execution, where each provider owns a different catalog.
	RouteOnNotFound bool
}

// Core is the shared machinery behind all ten buses.
type Core struct {
	registry *registry.Registry
	recorder CorrelationRecorder
	clock    clock.Clock
}

// NewCore wires the core against a registry. recorder may be nil until the
// telemetry service is up.
func NewCore(reg *registry.Registry, recorder CorrelationRecorder, clk clock.Clock) *Core {
	if clk == nil {
		clk = clock.System()
	}
	return &Core{registry: reg, recorder: recorder, clock: clk}
}

// call resolves a provider and runs fn against it under the operation's
// retry policy. Transient failures are retried with exponential backoff;
// permission failures exclude the provider for this call and selection
// moves on without tripping its breaker; everything else returns to the
// caller after the breaker is fed. Exactly one correlation is emitted per
// call, success or failure.
func (c *Core) call(ctx context.Context, spec callSpec, fn func(provider any) error) error {
	policy := PolicyFor(spec.Class)
	started := c.clock.Now()
	exclude := make(map[string]bool)
	attempt := 1

	// When every provider was excluded for a caller-visible reason, that
	// reason beats the generic no-provider failure.
	var lastRouted error

	for {
		if err := ctx.Err(); err != nil {
			wrapped := types.WrapError(types.ErrTransient, "bus."+spec.Op, err)
			c.emit(ctx, spec, "", started, attempt, wrapped)
			return wrapped
		}

		sel, err := c.registry.SelectExcluding(spec.ServiceType, exclude, spec.Capabilities...)
		if err != nil {
			if lastRouted != nil {
				c.emit(ctx, spec, "", started, attempt, lastRouted)
				return lastRouted
			}
			c.emit(ctx, spec, "", started, attempt, err)
			return err
		}

		callErr := fn(sel.Provider)
		if callErr == nil {
			c.registry.ReportSuccess(sel.Handle)
			c.emit(ctx, spec, sel.Name, started, attempt, nil)
			return nil
		}

		c.registry.ReportFailure(sel.Handle, callErr)
		kind := types.KindOf(callErr)

		if kind == types.ErrPermission || (spec.RouteOnNotFound && kind == types.ErrNotFound) {
			logging.BusDebug("%s: provider %s excluded for this call (%s)", spec.Op, sel.Name, kind)
			exclude[sel.Handle] = true
			lastRouted = callErr
			continue
		}

		if !types.IsRetryable(callErr) || attempt >= policy.Attempts {
			c.emit(ctx, spec, sel.Name, started, attempt, callErr)
			return callErr
		}

		delay := policy.backoff(attempt)
		attempt++
		logging.BusDebug("%s: attempt %d/%d in %v after: %v", spec.Op, attempt, policy.Attempts, delay, callErr)
		select {
		case <-ctx.Done():
			wrapped := types.WrapError(types.ErrTransient, "bus."+spec.Op, ctx.Err())
			c.emit(ctx, spec, sel.Name, started, attempt, wrapped)
			return wrapped
		case <-time.After(delay):
		}
	}
}

// emit records the call's SERVICE_CORRELATION. Calls into the telemetry
// service itself are not correlated; recording the recording would recurse.
func (c *Core) emit(ctx context.Context, spec callSpec, provider string, started time.Time, attempts int, callErr error) {
	if c.recorder == nil || spec.ServiceType == types.ServiceTelemetry {
		return
	}

	corr := types.Correlation{
		CorrelationID: uuid.NewString(),
		ServiceType:   spec.ServiceType,
		Type:          types.CorrelationService,
		Timestamp:     c.clock.Now().UTC(),
		Action:        spec.Op,
		Status:        "success",
		Tags: map[string]string{
			"attempts":   strconv.Itoa(attempts),
			"latency_ms": strconv.FormatInt(c.clock.Now().Sub(started).Milliseconds(), 10),
		},
		Retention: types.RetentionRaw,
	}
	if provider != "" {
		corr.Tags["provider"] = provider
	}
	if spec.Request != nil {
		if raw, err := json.Marshal(spec.Request); err == nil {
			corr.Request = raw
		}
	}
	if callErr != nil {
		corr.Status = "failure"
		corr.Tags["error_kind"] = string(types.KindOf(callErr))
		if raw, err := json.Marshal(map[string]string{"error": callErr.Error()}); err == nil {
			corr.Response = raw
		}
	}

	if err := c.recorder.RecordCorrelation(ctx, corr); err != nil {
		logging.BusError("correlation for %s dropped: %v", spec.Op, err)
	}
}

// wrongInterface flags a registered provider that does not implement its
// bus's provider interface. Classified as a permission failure so selection
// moves past it without tripping the breaker.
func wrongInterface(op, want string, p any) error {
	return types.Permission(op, "provider %T does not implement %s", p, want)
}
