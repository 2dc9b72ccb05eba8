package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ciris/internal/clock"
	"ciris/internal/persistence"
	"ciris/internal/types"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *persistence.Store) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	store, err := persistence.NewStore(filepath.Join(t.TempDir(), "ciris.db"), clk)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, clk), store
}

func queryAll(t *testing.T, store *persistence.Store, q persistence.CorrelationQuery) []*types.Correlation {
	t.Helper()
	rows, err := store.QueryCorrelations(context.Background(), q)
	if err != nil {
		t.Fatalf("QueryCorrelations failed: %v", err)
	}
	return rows
}

func TestRecordMetric_PersistsDatapointAndMirrorsCounter(t *testing.T) {
	svc, store := newTestService(t)
	before := testutil.ToFloat64(ThoughtsProcessed)

	err := svc.RecordMetric(context.Background(), MetricThoughtsProcessed, 3, map[string]string{"state": "WORK"})
	if err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}

	rows := queryAll(t, store, persistence.CorrelationQuery{Type: types.CorrelationMetric})
	if len(rows) != 1 {
		t.Fatalf("got %d metric rows, want 1", len(rows))
	}
	row := rows[0]
	if row.MetricName != MetricThoughtsProcessed || row.MetricValue != 3 {
		t.Errorf("row = %s=%g, want %s=3", row.MetricName, row.MetricValue, MetricThoughtsProcessed)
	}
	if row.Tags["state"] != "WORK" {
		t.Errorf("tags = %v, want state=WORK carried through", row.Tags)
	}
	if row.Retention != types.RetentionRaw {
		t.Errorf("retention = %s, want raw", row.Retention)
	}

	if got := testutil.ToFloat64(ThoughtsProcessed) - before; got != 3 {
		t.Errorf("counter delta = %g, want 3", got)
	}
}

func TestRecordMetric_RequiresName(t *testing.T) {
	svc, store := newTestService(t)

	err := svc.RecordMetric(context.Background(), "", 1, nil)
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if rows := queryAll(t, store, persistence.CorrelationQuery{}); len(rows) != 0 {
		t.Errorf("got %d rows after rejected metric, want 0", len(rows))
	}
}

func TestRecordMetric_UnknownNamePersistsWithoutMirror(t *testing.T) {
	svc, store := newTestService(t)
	before := testutil.ToFloat64(ThoughtsProcessed)

	if err := svc.RecordMetric(context.Background(), "queue_depth", 12, nil); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}

	if rows := queryAll(t, store, persistence.CorrelationQuery{Type: types.CorrelationMetric}); len(rows) != 1 {
		t.Fatalf("got %d metric rows, want 1", len(rows))
	}
	if got := testutil.ToFloat64(ThoughtsProcessed) - before; got != 0 {
		t.Errorf("counter delta = %g, want 0 for an unmirrored name", got)
	}
}

func TestRecordCorrelation_FillsDefaultsAndCountsBusCall(t *testing.T) {
	svc, store := newTestService(t)
	child := BusCalls.WithLabelValues(string(types.ServiceLLM), "failure")
	before := testutil.ToFloat64(child)

	err := svc.RecordCorrelation(context.Background(), types.Correlation{
		ServiceType: types.ServiceLLM,
		Action:      "generate_structured",
		Status:      "failure",
	})
	if err != nil {
		t.Fatalf("RecordCorrelation failed: %v", err)
	}

	rows := queryAll(t, store, persistence.CorrelationQuery{Type: types.CorrelationService})
	if len(rows) != 1 {
		t.Fatalf("got %d service rows, want 1", len(rows))
	}
	if rows[0].CorrelationID == "" {
		t.Error("correlation ID was not filled in")
	}
	if got := testutil.ToFloat64(child) - before; got != 1 {
		t.Errorf("bus call counter delta = %g, want 1", got)
	}
}

type stubLister struct {
	regs []types.ServiceRegistration
}

func (s *stubLister) List() []types.ServiceRegistration { return s.regs }

func TestCollector_PublishesBreakerStates(t *testing.T) {
	lister := &stubLister{regs: []types.ServiceRegistration{
		{ServiceType: types.ServiceLLM, Name: "mock", Circuit: types.CircuitClosed},
		{ServiceType: types.ServiceMemory, Name: "graph", Circuit: types.CircuitOpen},
	}}
	c := NewCollector(lister, time.Minute)

	c.collect()

	closed := testutil.ToFloat64(BreakerState.WithLabelValues(string(types.ServiceLLM), "mock"))
	open := testutil.ToFloat64(BreakerState.WithLabelValues(string(types.ServiceMemory), "graph"))
	if closed != 0 || open != 2 {
		t.Errorf("gauge values = closed %g / open %g, want 0 / 2", closed, open)
	}

	// Unregistered providers drop off the gauge on the next pass.
	lister.regs = lister.regs[:1]
	c.collect()
	if n := testutil.CollectAndCount(BreakerState); n != 1 {
		t.Errorf("gauge series = %d after unregister, want 1", n)
	}
}

func TestCollector_StartStop(t *testing.T) {
	lister := &stubLister{regs: []types.ServiceRegistration{
		{ServiceType: types.ServiceTool, Name: "shell", Circuit: types.CircuitHalfOpen},
	}}
	c := NewCollector(lister, 10*time.Millisecond)
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v := testutil.ToFloat64(BreakerState.WithLabelValues(string(types.ServiceTool), "shell"))
		if v == 1 {
			c.Stop() // second Stop below must not panic
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("breaker gauge never reflected the half-open provider")
}
