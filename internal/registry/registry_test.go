package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"ciris/internal/clock"
	"ciris/internal/types"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	name string
}

func newTestRegistry(threshold int, reset time.Duration) (*Registry, *clock.Manual) {
	clk := clock.NewManual(testEpoch)
	return NewRegistry(threshold, reset, clk), clk
}

func mustSelect(t *testing.T, r *Registry, serviceType types.ServiceType, caps ...types.Capability) *Selection {
	t.Helper()
	sel, err := r.Select(serviceType, caps...)
	if err != nil {
		t.Fatalf("Select(%s): %v", serviceType, err)
	}
	return sel
}

func TestRegistry_SelectByPriorityThenOrder(t *testing.T) {
	r, _ := newTestRegistry(3, 300*time.Second)

	normal1 := r.Register(types.ServiceCommunication, "normal-1", &fakeProvider{"normal-1"}, types.PriorityNormal, types.CapSendMessage)
	high := r.Register(types.ServiceCommunication, "high", &fakeProvider{"high"}, types.PriorityHigh, types.CapSendMessage)
	r.Register(types.ServiceCommunication, "normal-2", &fakeProvider{"normal-2"}, types.PriorityNormal, types.CapSendMessage)

	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage); sel.Name != "high" {
		t.Fatalf("selected %q, want the HIGH provider", sel.Name)
	}

	r.Unregister(high)
	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage); sel.Name != "normal-1" {
		t.Fatalf("selected %q, want the earlier-registered NORMAL provider", sel.Name)
	}

	r.Unregister(normal1)
	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage); sel.Name != "normal-2" {
		t.Fatalf("selected %q, want normal-2", sel.Name)
	}
}

func TestRegistry_CapabilitySupersetRequired(t *testing.T) {
	r, _ := newTestRegistry(3, 300*time.Second)

	r.Register(types.ServiceCommunication, "send-only", &fakeProvider{"send-only"}, types.PriorityHigh, types.CapSendMessage)

	_, err := r.Select(types.ServiceCommunication, types.CapSendMessage, types.CapFetchMessages)
	if !types.IsKind(err, types.ErrNoProvider) {
		t.Fatalf("got %v, want no-provider error", err)
	}

	r.Register(types.ServiceCommunication, "full", &fakeProvider{"full"}, types.PriorityNormal,
		types.CapSendMessage, types.CapFetchMessages)
	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage, types.CapFetchMessages); sel.Name != "full" {
		t.Fatalf("selected %q, want full", sel.Name)
	}
}

func TestRegistry_NoProviderForUnknownType(t *testing.T) {
	r, _ := newTestRegistry(3, 300*time.Second)
	_, err := r.Select(types.ServiceTool, types.CapExecuteTool)
	if !types.IsKind(err, types.ErrNoProvider) {
		t.Fatalf("got %v, want no-provider error", err)
	}
}

func TestRegistry_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r, _ := newTestRegistry(3, 300*time.Second)

	p1 := r.Register(types.ServiceCommunication, "p1", &fakeProvider{"p1"}, types.PriorityHigh, types.CapSendMessage)
	r.Register(types.ServiceCommunication, "p2", &fakeProvider{"p2"}, types.PriorityNormal, types.CapSendMessage)

	boom := errors.New("connection reset")

	// Two failures then a success: the consecutive counter resets.
	r.ReportFailure(p1, boom)
	r.ReportFailure(p1, boom)
	r.ReportSuccess(p1)
	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage); sel.Name != "p1" {
		t.Fatalf("selected %q after counter reset, want p1", sel.Name)
	}

	// Three consecutive failures open the circuit.
	r.ReportFailure(p1, boom)
	r.ReportFailure(p1, boom)
	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage); sel.Name != "p1" {
		t.Fatalf("selected %q at two failures, want p1 still closed", sel.Name)
	}
	r.ReportFailure(p1, boom)

	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage); sel.Name != "p2" {
		t.Fatalf("selected %q with p1 open, want p2", sel.Name)
	}
}

func TestRegistry_PermissionAndValidationFailuresBypassBreaker(t *testing.T) {
	r, _ := newTestRegistry(3, 300*time.Second)
	p1 := r.Register(types.ServiceTool, "p1", &fakeProvider{"p1"}, types.PriorityHigh, types.CapExecuteTool)

	for i := 0; i < 5; i++ {
		r.ReportFailure(p1, types.Permission("tool.execute", "forbidden"))
		r.ReportFailure(p1, types.Validation("tool.execute", "bad params"))
		r.ReportFailure(p1, types.NotFound("tool.execute", "no such tool"))
	}

	if sel := mustSelect(t, r, types.ServiceTool, types.CapExecuteTool); sel.Name != "p1" {
		t.Fatalf("selected %q, want p1 with an untripped breaker", sel.Name)
	}
	for _, reg := range r.List() {
		if reg.Handle == p1 && reg.Circuit != types.CircuitClosed {
			t.Errorf("circuit %s, want CLOSED", reg.Circuit)
		}
	}
}

func TestRegistry_HalfOpenAdmitsOneTrialThenRecovers(t *testing.T) {
	r, _ := newTestRegistry(1, 40*time.Millisecond)
	p1 := r.Register(types.ServiceLLM, "p1", &fakeProvider{"p1"}, types.PriorityHigh, types.CapGenerateStructured)

	r.ReportFailure(p1, errors.New("timeout"))
	if _, err := r.Select(types.ServiceLLM, types.CapGenerateStructured); !types.IsKind(err, types.ErrNoProvider) {
		t.Fatalf("open circuit still selectable: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	// Half-open: exactly one trial goes through.
	if sel := mustSelect(t, r, types.ServiceLLM, types.CapGenerateStructured); sel.Name != "p1" {
		t.Fatalf("selected %q for trial, want p1", sel.Name)
	}
	if _, err := r.Select(types.ServiceLLM, types.CapGenerateStructured); !types.IsKind(err, types.ErrNoProvider) {
		t.Fatalf("second concurrent trial admitted: %v", err)
	}

	// One success closes the circuit.
	r.ReportSuccess(p1)
	if sel := mustSelect(t, r, types.ServiceLLM, types.CapGenerateStructured); sel.Name != "p1" {
		t.Fatalf("selected %q after recovery, want p1", sel.Name)
	}
	for _, reg := range r.List() {
		if reg.Handle == p1 && reg.Circuit != types.CircuitClosed {
			t.Errorf("circuit %s after trial success, want CLOSED", reg.Circuit)
		}
	}
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	r, _ := newTestRegistry(1, 40*time.Millisecond)
	p1 := r.Register(types.ServiceLLM, "p1", &fakeProvider{"p1"}, types.PriorityHigh, types.CapGenerateStructured)

	r.ReportFailure(p1, errors.New("timeout"))
	time.Sleep(60 * time.Millisecond)

	mustSelect(t, r, types.ServiceLLM, types.CapGenerateStructured)
	r.ReportFailure(p1, errors.New("timeout"))

	if _, err := r.Select(types.ServiceLLM, types.CapGenerateStructured); !types.IsKind(err, types.ErrNoProvider) {
		t.Fatalf("failed trial did not reopen the circuit: %v", err)
	}
}

func TestRegistry_StaleTrialExpires(t *testing.T) {
	reset := 40 * time.Millisecond
	r, clk := newTestRegistry(1, reset)
	p1 := r.Register(types.ServiceLLM, "p1", &fakeProvider{"p1"}, types.PriorityHigh, types.CapGenerateStructured)

	r.ReportFailure(p1, errors.New("timeout"))
	time.Sleep(60 * time.Millisecond)

	// Trial admitted but its report never arrives.
	mustSelect(t, r, types.ServiceLLM, types.CapGenerateStructured)
	if _, err := r.Select(types.ServiceLLM, types.CapGenerateStructured); err == nil {
		t.Fatalf("second trial admitted while one is in flight")
	}

	// After the reset window the stale trial no longer blocks admission.
	clk.Advance(reset + time.Millisecond)
	if sel := mustSelect(t, r, types.ServiceLLM, types.CapGenerateStructured); sel.Name != "p1" {
		t.Fatalf("selected %q after stale trial expiry, want p1", sel.Name)
	}
}

func TestRegistry_HealthRollup(t *testing.T) {
	r, _ := newTestRegistry(1, 300*time.Second)

	p1 := r.Register(types.ServiceCommunication, "p1", &fakeProvider{"p1"}, types.PriorityHigh, types.CapSendMessage)
	p2 := r.Register(types.ServiceCommunication, "p2", &fakeProvider{"p2"}, types.PriorityNormal, types.CapSendMessage)
	r.Register(types.ServiceMemory, "m1", &fakeProvider{"m1"}, types.PriorityNormal, types.CapMemoryGet)

	health := r.Health()
	if health[types.ServiceCommunication] != types.HealthUp {
		t.Errorf("communication %s, want UP", health[types.ServiceCommunication])
	}
	if health[types.ServiceMemory] != types.HealthUp {
		t.Errorf("memory %s, want UP", health[types.ServiceMemory])
	}
	if _, present := health[types.ServiceTool]; present {
		t.Errorf("tool has no providers and should be absent")
	}

	r.ReportFailure(p1, errors.New("timeout"))
	if got := r.Health()[types.ServiceCommunication]; got != types.HealthDegraded {
		t.Errorf("one of two open: %s, want DEGRADED", got)
	}

	r.ReportFailure(p2, errors.New("timeout"))
	if got := r.Health()[types.ServiceCommunication]; got != types.HealthDown {
		t.Errorf("all open: %s, want DOWN", got)
	}
}

func TestRegistry_ResetCircuit(t *testing.T) {
	r, _ := newTestRegistry(1, 300*time.Second)
	p1 := r.Register(types.ServiceTool, "p1", &fakeProvider{"p1"}, types.PriorityHigh, types.CapExecuteTool)

	r.ReportFailure(p1, errors.New("timeout"))
	if _, err := r.Select(types.ServiceTool, types.CapExecuteTool); err == nil {
		t.Fatalf("circuit should be open")
	}

	if err := r.ResetCircuit(p1); err != nil {
		t.Fatalf("ResetCircuit: %v", err)
	}
	if sel := mustSelect(t, r, types.ServiceTool, types.CapExecuteTool); sel.Name != "p1" {
		t.Fatalf("selected %q after reset, want p1", sel.Name)
	}

	if err := r.ResetCircuit("nope"); !types.IsKind(err, types.ErrNotFound) {
		t.Errorf("unknown handle: got %v, want not-found", err)
	}
}

func TestRegistry_SetPriorityReorders(t *testing.T) {
	r, _ := newTestRegistry(3, 300*time.Second)

	r.Register(types.ServiceCommunication, "first", &fakeProvider{"first"}, types.PriorityNormal, types.CapSendMessage)
	second := r.Register(types.ServiceCommunication, "second", &fakeProvider{"second"}, types.PriorityNormal, types.CapSendMessage)

	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage); sel.Name != "first" {
		t.Fatalf("selected %q, want first", sel.Name)
	}

	if err := r.SetPriority(second, types.PriorityCritical); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage); sel.Name != "second" {
		t.Fatalf("selected %q after promotion, want second", sel.Name)
	}
}

func TestRegistry_SelectExcluding(t *testing.T) {
	r, _ := newTestRegistry(3, 300*time.Second)

	p1 := r.Register(types.ServiceCommunication, "p1", &fakeProvider{"p1"}, types.PriorityHigh, types.CapSendMessage)
	r.Register(types.ServiceCommunication, "p2", &fakeProvider{"p2"}, types.PriorityNormal, types.CapSendMessage)

	sel, err := r.SelectExcluding(types.ServiceCommunication, map[string]bool{p1: true}, types.CapSendMessage)
	if err != nil {
		t.Fatalf("SelectExcluding: %v", err)
	}
	if sel.Name != "p2" {
		t.Fatalf("selected %q, want p2", sel.Name)
	}

	// The exclusion is per call only.
	if sel := mustSelect(t, r, types.ServiceCommunication, types.CapSendMessage); sel.Name != "p1" {
		t.Fatalf("selected %q on the next call, want p1", sel.Name)
	}
}

func TestRegistry_WaitReady(t *testing.T) {
	r, _ := newTestRegistry(3, 300*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := r.WaitReady(ctx, types.ServiceLLM)
	if !types.IsKind(err, types.ErrNoProvider) {
		t.Fatalf("got %v, want no-provider error", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		r.Register(types.ServiceLLM, "late", &fakeProvider{"late"}, types.PriorityNormal, types.CapGenerateStructured)
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := r.WaitReady(ctx2, types.ServiceLLM); err != nil {
		t.Fatalf("WaitReady after late registration: %v", err)
	}
}

func TestRegistry_ListSnapshot(t *testing.T) {
	r, _ := newTestRegistry(3, 300*time.Second)
	r.Register(types.ServiceMemory, "graph", &fakeProvider{"graph"}, types.PriorityCritical,
		types.CapMemoryQuery, types.CapMemoryGet, types.CapMemoryPut)

	regs := r.List()
	if len(regs) != 1 {
		t.Fatalf("list has %d entries, want 1", len(regs))
	}
	reg := regs[0]
	if reg.ServiceType != types.ServiceMemory || reg.Name != "graph" {
		t.Errorf("unexpected registration %+v", reg)
	}
	if reg.Health != types.HealthUp || reg.Circuit != types.CircuitClosed {
		t.Errorf("fresh registration health=%s circuit=%s", reg.Health, reg.Circuit)
	}
	if len(reg.Capabilities) != 3 {
		t.Errorf("capabilities %v", reg.Capabilities)
	}
	for i := 1; i < len(reg.Capabilities); i++ {
		if reg.Capabilities[i-1] > reg.Capabilities[i] {
			t.Errorf("capabilities not sorted: %v", reg.Capabilities)
		}
	}
}
