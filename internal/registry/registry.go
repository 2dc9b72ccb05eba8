// Package registry is the capability-indexed service directory. Providers
// register under one of the ten service types with a capability set and a
// priority; selection returns the best provider whose circuit is not open.
// Each provider carries its own circuit breaker, fed by the buses through
// ReportSuccess/ReportFailure after every call.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// readyPollInterval paces WaitReady checks during startup.
const readyPollInterval = 50 * time.Millisecond

// Selection is one selected provider plus the handle the caller reports
// outcomes against.
type Selection struct {
	Handle   string
	Name     string
	Provider any
}

// entry is one registered provider.
type entry struct {
	handle       string
	serviceType  types.ServiceType
	name         string
	capabilities map[types.Capability]struct{}
	priority     types.Priority
	provider     any
	breaker      *gobreaker.CircuitBreaker
	order        int64

	// Half-open admission: one trial call at a time. trialStarted lets a
	// trial whose report never arrived expire instead of wedging the
	// provider.
	trialInFlight bool
	trialStarted  time.Time
}

// Registry holds the provider directory. Single-writer, many-reader.
type Registry struct {
	mu               sync.RWMutex
	clock            clock.Clock
	entries          map[string]*entry
	byType           map[types.ServiceType][]*entry
	nextOrder        int64
	failureThreshold uint32
	resetTimeout     time.Duration
}

// NewRegistry builds an empty directory. failureThreshold consecutive
// failures open a provider's circuit; resetTimeout later it half-opens for
// a single trial.
func NewRegistry(failureThreshold int, resetTimeout time.Duration, clk clock.Clock) *Registry {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Registry{
		clock:            clk,
		entries:          make(map[string]*entry),
		byType:           make(map[types.ServiceType][]*entry),
		failureThreshold: uint32(failureThreshold),
		resetTimeout:     resetTimeout,
	}
}

func (r *Registry) newBreaker(handle string) *gobreaker.CircuitBreaker {
	threshold := r.failureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        handle,
		MaxRequests: 1,
		Timeout:     r.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Registry("circuit %s: %s -> %s", name, from, to)
		},
	})
}

// Register adds a provider and returns its handle.
func (r *Registry) Register(serviceType types.ServiceType, name string, provider any,
	priority types.Priority, capabilities ...types.Capability) string {

	handle := fmt.Sprintf("%s:%s:%s", strings.ToLower(string(serviceType)), name, uuid.NewString()[:8])
	caps := make(map[types.Capability]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := &entry{
		handle:       handle,
		serviceType:  serviceType,
		name:         name,
		capabilities: caps,
		priority:     priority,
		provider:     provider,
		breaker:      r.newBreaker(handle),
		order:        r.nextOrder,
	}
	r.nextOrder++
	r.entries[handle] = e
	r.byType[serviceType] = append(r.byType[serviceType], e)
	r.sortTypeLocked(serviceType)

	logging.Registry("registered %s (%s, priority %s, %d capabilities)",
		handle, serviceType, priority, len(caps))
	return handle
}

// Unregister removes a provider. Outstanding reports against the handle
// become no-ops.
func (r *Registry) Unregister(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return
	}
	delete(r.entries, handle)
	list := r.byType[e.serviceType]
	for i, candidate := range list {
		if candidate.handle == handle {
			r.byType[e.serviceType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	logging.Registry("unregistered %s", handle)
}

// sortTypeLocked keeps a type's providers ordered by priority then
// registration order.
func (r *Registry) sortTypeLocked(serviceType types.ServiceType) {
	list := r.byType[serviceType]
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].order < list[j].order
	})
}

// Select returns the best available provider for the service type that
// advertises every required capability.
func (r *Registry) Select(serviceType types.ServiceType, capabilities ...types.Capability) (*Selection, error) {
	return r.SelectExcluding(serviceType, nil, capabilities...)
}

// SelectExcluding is Select with a per-call exclusion set: the bus retry
// loop uses it to drop a provider that failed with a permission error
// without touching its breaker.
func (r *Registry) SelectExcluding(serviceType types.ServiceType, exclude map[string]bool,
	capabilities ...types.Capability) (*Selection, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for _, e := range r.byType[serviceType] {
		if exclude[e.handle] {
			continue
		}
		if !e.hasCapabilities(capabilities) {
			continue
		}
		switch e.breaker.State() {
		case gobreaker.StateClosed:
			return &Selection{Handle: e.handle, Name: e.name, Provider: e.provider}, nil
		case gobreaker.StateHalfOpen:
			if e.trialInFlight && now.Sub(e.trialStarted) <= r.resetTimeout {
				continue
			}
			e.trialInFlight = true
			e.trialStarted = now
			logging.RegistryDebug("half-open trial admitted for %s", e.handle)
			return &Selection{Handle: e.handle, Name: e.name, Provider: e.provider}, nil
		default:
			continue
		}
	}
	return nil, types.NoProvider(serviceType, capabilities...)
}

func (e *entry) hasCapabilities(required []types.Capability) bool {
	for _, c := range required {
		if _, ok := e.capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// ReportSuccess feeds a successful call outcome into the provider's breaker.
func (r *Registry) ReportSuccess(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return
	}
	e.trialInFlight = false
	e.breaker.Execute(func() (any, error) { return nil, nil })
}

// ReportFailure feeds a failed call outcome into the provider's breaker.
// Permission, validation, and not-found failures never trip a breaker:
// they indicate a caller or credential problem, or a legitimate miss, not
// provider health.
func (r *Registry) ReportFailure(handle string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return
	}
	e.trialInFlight = false

	switch types.KindOf(err) {
	case types.ErrPermission, types.ErrValidation, types.ErrNotFound:
		logging.RegistryDebug("failure on %s bypasses breaker (%s)", handle, types.KindOf(err))
		return
	}
	e.breaker.Execute(func() (any, error) { return nil, err })
}

// ResetCircuit force-closes a provider's breaker by replacing it. Operator
// surface for services/circuit/reset.
func (r *Registry) ResetCircuit(handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return types.NotFound("registry.reset_circuit", "no provider with handle %q", handle)
	}
	e.breaker = r.newBreaker(handle)
	e.trialInFlight = false
	logging.Registry("circuit %s reset by operator", handle)
	return nil
}

// SetPriority reorders a provider. Operator surface for
// services/priority/set.
func (r *Registry) SetPriority(handle string, priority types.Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return types.NotFound("registry.set_priority", "no provider with handle %q", handle)
	}
	e.priority = priority
	r.sortTypeLocked(e.serviceType)
	logging.Registry("priority of %s set to %s", handle, priority)
	return nil
}

// =============================================================================
// HEALTH
// =============================================================================

func circuitStateOf(state gobreaker.State) types.CircuitState {
	switch state {
	case gobreaker.StateOpen:
		return types.CircuitOpen
	case gobreaker.StateHalfOpen:
		return types.CircuitHalfOpen
	default:
		return types.CircuitClosed
	}
}

func healthOf(state gobreaker.State) types.HealthStatus {
	switch state {
	case gobreaker.StateOpen:
		return types.HealthDown
	case gobreaker.StateHalfOpen:
		return types.HealthDegraded
	default:
		return types.HealthUp
	}
}

// Health rolls up breaker states per service type: UP when every provider
// is closed, DOWN when none is closed or half-open, DEGRADED in between.
// Types with no providers are absent from the map.
func (r *Registry) Health() map[types.ServiceType]types.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := make(map[types.ServiceType]types.HealthStatus)
	for serviceType, list := range r.byType {
		if len(list) == 0 {
			continue
		}
		closed, usable := 0, 0
		for _, e := range list {
			switch e.breaker.State() {
			case gobreaker.StateClosed:
				closed++
				usable++
			case gobreaker.StateHalfOpen:
				usable++
			}
		}
		switch {
		case closed == len(list):
			health[serviceType] = types.HealthUp
		case usable > 0:
			health[serviceType] = types.HealthDegraded
		default:
			health[serviceType] = types.HealthDown
		}
	}
	return health
}

// List snapshots every registration for operator tooling, ordered by type,
// then priority, then registration order.
func (r *Registry) List() []types.ServiceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var regs []types.ServiceRegistration
	for _, serviceType := range types.AllServiceTypes() {
		for _, e := range r.byType[serviceType] {
			state := e.breaker.State()
			caps := make([]types.Capability, 0, len(e.capabilities))
			for c := range e.capabilities {
				caps = append(caps, c)
			}
			sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
			regs = append(regs, types.ServiceRegistration{
				Handle:       e.handle,
				ServiceType:  e.serviceType,
				Name:         e.name,
				Capabilities: caps,
				Priority:     e.priority,
				Health:       healthOf(state),
				Circuit:      circuitStateOf(state),
			})
		}
	}
	return regs
}

// WaitReady blocks until every required service type has at least one
// provider whose circuit is not open, or ctx expires.
func (r *Registry) WaitReady(ctx context.Context, required ...types.ServiceType) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		missing := r.missingTypes(required)
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			names := make([]string, len(missing))
			for i, serviceType := range missing {
				names[i] = string(serviceType)
			}
			return types.NewError(types.ErrNoProvider, "registry.wait_ready",
				"services not ready: %s", strings.Join(names, ", "))
		case <-ticker.C:
		}
	}
}

func (r *Registry) missingTypes(required []types.ServiceType) []types.ServiceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []types.ServiceType
	for _, serviceType := range required {
		ready := false
		for _, e := range r.byType[serviceType] {
			if e.breaker.State() != gobreaker.StateOpen {
				ready = true
				break
			}
		}
		if !ready {
			missing = append(missing, serviceType)
		}
	}
	return missing
}
