package telemetry

import (
	"sync"
	"time"

	"ciris/internal/types"
)

// RegistryLister snapshots provider registrations. Satisfied by
// *registry.Registry.
type RegistryLister interface {
	List() []types.ServiceRegistration
}

// Collector polls the registry and publishes per-provider breaker states.
type Collector struct {
	registry RegistryLister
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector builds a breaker-state collector. interval <= 0 defaults to
// 15s.
func NewCollector(reg RegistryLister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		registry: reg,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling. Collects once immediately so the gauge is populated
// before the first tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends polling. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// collect resets the gauge before re-populating so unregistered providers
// drop out instead of freezing at their last state.
func (c *Collector) collect() {
	BreakerState.Reset()
	for _, reg := range c.registry.List() {
		BreakerState.WithLabelValues(string(reg.ServiceType), reg.Name).Set(breakerValue(reg.Circuit))
	}
}

func breakerValue(state types.CircuitState) float64 {
	switch state {
	case types.CircuitOpen:
		return 2
	case types.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}
