// Package telemetry records service correlations and metric datapoints
// into persistence and mirrors the interesting ones to Prometheus. It
// registers on the Telemetry bus and doubles as the bus core's correlation
// recorder.
package telemetry

import (
	"context"

	"github.com/google/uuid"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/persistence"
	"ciris/internal/types"
)

// Metric names with a Prometheus mirror. Datapoints under any other name
// are persisted but not exported.
const (
	MetricThoughtsProcessed = "thoughts_processed"
	MetricDMALatencySeconds = "dma_latency_seconds"
)

// Service persists correlation rows and keeps the Prometheus collectors
// current. One instance serves both the Telemetry bus and the bus core.
type Service struct {
	store *persistence.Store
	clock clock.Clock
}

// NewService builds the telemetry service over the shared store.
func NewService(store *persistence.Store, clk clock.Clock) *Service {
	return &Service{store: store, clock: clk}
}

// RecordMetric records one named datapoint as a METRIC_DATAPOINT row.
func (s *Service) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	if name == "" {
		return types.Validation("telemetry.record_metric", "metric name is required")
	}

	corr := types.Correlation{
		CorrelationID: uuid.NewString(),
		ServiceType:   types.ServiceTelemetry,
		Type:          types.CorrelationMetric,
		Timestamp:     s.clock.Now().UTC(),
		MetricName:    name,
		MetricValue:   value,
		Tags:          tags,
		Retention:     types.RetentionRaw,
	}
	if err := s.store.AddCorrelation(ctx, &corr); err != nil {
		return err
	}
	s.mirror(corr)
	logging.TelemetryDebug("metric %s=%g", name, value)
	return nil
}

// RecordCorrelation persists one correlation row of any shape. Rows arrive
// here both from the Telemetry bus and directly from the bus core.
func (s *Service) RecordCorrelation(ctx context.Context, corr types.Correlation) error {
	if corr.CorrelationID == "" {
		corr.CorrelationID = uuid.NewString()
	}
	if corr.Type == "" {
		corr.Type = types.CorrelationService
	}
	if err := s.store.AddCorrelation(ctx, &corr); err != nil {
		return err
	}
	s.mirror(corr)
	return nil
}

// mirror updates the Prometheus side of a persisted row.
func (s *Service) mirror(corr types.Correlation) {
	switch corr.Type {
	case types.CorrelationService:
		status := corr.Status
		if status == "" {
			status = "success"
		}
		BusCalls.WithLabelValues(string(corr.ServiceType), status).Inc()
	case types.CorrelationMetric:
		switch corr.MetricName {
		case MetricThoughtsProcessed:
			ThoughtsProcessed.Add(corr.MetricValue)
		case MetricDMALatencySeconds:
			DMALatency.Observe(corr.MetricValue)
		}
	}
}
