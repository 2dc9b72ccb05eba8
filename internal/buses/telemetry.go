package buses

import (
	"context"

	"ciris/internal/types"
)

// =============================================================================
// TELEMETRY BUS
// =============================================================================

// TelemetryBus routes metric datapoints and correlations to telemetry
// providers. The core does not correlate calls to this bus; recording the
// recording would never terminate.
type TelemetryBus struct {
	core *Core
}

// NewTelemetryBus builds the bus over the shared core.
func NewTelemetryBus(core *Core) *TelemetryBus {
	return &TelemetryBus{core: core}
}

// RecordMetric records one named datapoint.
func (b *TelemetryBus) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	if name == "" {
		return types.Validation("bus.record_metric", "metric name is required")
	}

	spec := callSpec{
		ServiceType:  types.ServiceTelemetry,
		Op:           "record_metric",
		Class:        ClassMutation,
		Capabilities: []types.Capability{types.CapRecordMetric},
	}
	return b.core.call(ctx, spec, func(p any) error {
		tp, ok := p.(TelemetryProvider)
		if !ok {
			return wrongInterface("bus.record_metric", "TelemetryProvider", p)
		}
		return tp.RecordMetric(ctx, name, value, tags)
	})
}

// RecordCorrelation records one correlation row.
func (b *TelemetryBus) RecordCorrelation(ctx context.Context, corr types.Correlation) error {
	if corr.Type == "" {
		return types.Validation("bus.record_correlation", "correlation type is required")
	}

	spec := callSpec{
		ServiceType:  types.ServiceTelemetry,
		Op:           "record_correlation",
		Class:        ClassMutation,
		Capabilities: []types.Capability{types.CapRecordCorrelation},
	}
	return b.core.call(ctx, spec, func(p any) error {
		tp, ok := p.(TelemetryProvider)
		if !ok {
			return wrongInterface("bus.record_correlation", "TelemetryProvider", p)
		}
		return tp.RecordCorrelation(ctx, corr)
	})
}
