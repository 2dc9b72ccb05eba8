package buses

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"ciris/internal/types"
)

// =============================================================================
// PROVIDER STUBS
// =============================================================================

type stubTelemetry struct {
	metrics int
	corrs   int
}

func (s *stubTelemetry) RecordMetric(context.Context, string, float64, map[string]string) error {
	s.metrics++
	return nil
}

func (s *stubTelemetry) RecordCorrelation(context.Context, types.Correlation) error {
	s.corrs++
	return nil
}

// mapMemory is an in-memory MemoryProvider keyed by scope/id.
type mapMemory struct {
	nodes map[string]types.GraphNode
}

func newMapMemory() *mapMemory { return &mapMemory{nodes: make(map[string]types.GraphNode)} }

func key(id string, scope types.GraphScope) string { return string(scope) + "/" + id }

func (m *mapMemory) Put(_ context.Context, node types.GraphNode) (types.MemoryOpResult, error) {
	m.nodes[key(node.ID, node.Scope)] = node
	return types.MemoryOpResult{Status: types.MemoryOpOK, NodeID: node.ID}, nil
}

func (m *mapMemory) Get(_ context.Context, id string, scope types.GraphScope) (*types.GraphNode, error) {
	n, ok := m.nodes[key(id, scope)]
	if !ok {
		return nil, types.NotFound("memory.get", "node %q not in %s", id, scope)
	}
	return &n, nil
}

func (m *mapMemory) Delete(_ context.Context, id string, scope types.GraphScope) (types.MemoryOpResult, error) {
	delete(m.nodes, key(id, scope))
	return types.MemoryOpResult{Status: types.MemoryOpOK, NodeID: id}, nil
}

func (m *mapMemory) Query(_ context.Context, q types.MemoryQuery) ([]types.GraphNode, error) {
	var out []types.GraphNode
	for _, n := range m.nodes {
		if n.Scope == q.Scope {
			out = append(out, n)
		}
	}
	return out, nil
}

// catalogTool offers a fixed set of tools by name.
type catalogTool struct {
	tools    []string
	executed []string
	listErr  error
}

func (c *catalogTool) ListTools(context.Context) ([]types.ToolDescriptor, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := make([]types.ToolDescriptor, len(c.tools))
	for i, name := range c.tools {
		out[i] = types.ToolDescriptor{Name: name, Description: "stub " + name}
	}
	return out, nil
}

func (c *catalogTool) ExecuteTool(_ context.Context, name string, _ map[string]any) (types.ToolResult, error) {
	for _, t := range c.tools {
		if t == name {
			c.executed = append(c.executed, name)
			return types.ToolResult{ToolName: name, Success: true, Output: "ran " + name}, nil
		}
	}
	return types.ToolResult{}, types.NotFound("tool.execute", "no such tool %q", name)
}

type stubWise struct {
	deferrals []types.DeferralRequest
}

func (s *stubWise) RequestGuidance(_ context.Context, req types.GuidanceRequest) (types.GuidanceResult, error) {
	return types.GuidanceResult{Guidance: "consider " + req.Question, Authority: "stub"}, nil
}

func (s *stubWise) SubmitDeferral(_ context.Context, req types.DeferralRequest) error {
	s.deferrals = append(s.deferrals, req)
	return nil
}

type stubLLM struct {
	calls int
}

func (s *stubLLM) GenerateStructured(_ context.Context, req types.LLMRequest) (types.LLMResponse, error) {
	s.calls++
	return types.LLMResponse{
		Content: json.RawMessage(`{"ok":true}`),
		Model:   req.Model,
		Usage:   types.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

type stubControl struct {
	pauses   int
	pauseErr error
}

func (s *stubControl) Pause(context.Context) error {
	s.pauses++
	return s.pauseErr
}

func (s *stubControl) Resume(context.Context) error { return nil }

func (s *stubControl) SingleStep(context.Context) (int, error) { return 4, nil }

func (s *stubControl) QueueStatus(context.Context) (types.QueueStatus, error) {
	return types.QueueStatus{State: types.StateWork, PendingThoughts: 2}, nil
}

type captureShutdown struct {
	reasons []string
}

func (c *captureShutdown) RequestGracefulShutdown(reason string) {
	c.reasons = append(c.reasons, reason)
}

// =============================================================================
// PER-BUS BEHAVIOR
// =============================================================================

func TestCommunicationBus_CriticalFailureRequestsShutdown(t *testing.T) {
	m, _, _ := newTestBuses(t)
	shutdown := &captureShutdown{}
	m.BindShutdownRequester(shutdown)

	// No provider registered: a user-addressed response cannot be delivered.
	err := m.Communication.SendMessage(context.Background(), SendRequest{
		ChannelID: "ch-user", Content: "answer", Critical: true,
	})
	if !types.IsKind(err, types.ErrNoProvider) {
		t.Fatalf("err = %v, want no_provider", err)
	}
	if len(shutdown.reasons) != 1 {
		t.Fatalf("%d shutdown requests, want 1", len(shutdown.reasons))
	}
	if !strings.Contains(shutdown.reasons[0], "ch-user") {
		t.Errorf("shutdown reason %q does not name the channel", shutdown.reasons[0])
	}
}

func TestCommunicationBus_NonCriticalFailureDoesNotEscalate(t *testing.T) {
	m, _, _ := newTestBuses(t)
	shutdown := &captureShutdown{}
	m.BindShutdownRequester(shutdown)

	if err := m.Communication.SendMessage(context.Background(), SendRequest{
		ChannelID: "ch", Content: "fyi",
	}); err == nil {
		t.Fatal("want delivery failure with no provider")
	}
	if len(shutdown.reasons) != 0 {
		t.Errorf("non-critical failure requested shutdown: %v", shutdown.reasons)
	}
}

func TestCommunicationBus_ValidationDoesNotEscalate(t *testing.T) {
	m, _, _ := newTestBuses(t)
	shutdown := &captureShutdown{}
	m.BindShutdownRequester(shutdown)

	err := m.Communication.SendMessage(context.Background(), SendRequest{Content: "no channel", Critical: true})
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(shutdown.reasons) != 0 {
		t.Errorf("caller bug requested shutdown: %v", shutdown.reasons)
	}
}

func TestCommunicationBus_FetchMessages(t *testing.T) {
	m, reg, _ := newTestBuses(t)
	comm := &scriptedComm{}
	reg.Register(types.ServiceCommunication, "hist", comm, types.PriorityNormal,
		types.CapSendMessage, types.CapFetchMessages)

	msgs, err := m.Communication.FetchMessages(context.Background(), FetchRequest{ChannelID: "ch9"})
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "ch9") {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestMemoryBus_RoundtripAndMiss(t *testing.T) {
	m, reg, _ := newTestBuses(t)
	mem := newMapMemory()
	h := reg.Register(types.ServiceMemory, "graph", mem, types.PriorityNormal,
		types.CapMemoryPut, types.CapMemoryGet, types.CapMemoryDelete, types.CapMemoryQuery)

	node := types.GraphNode{ID: "user/alice", Type: types.NodeUser, Scope: types.ScopeLocal,
		Attributes: map[string]any{"trust": 0.9}}
	res, err := m.Memory.Put(context.Background(), node)
	if err != nil || res.Status != types.MemoryOpOK {
		t.Fatalf("Put = %+v, %v", res, err)
	}

	got, err := m.Memory.Get(context.Background(), "user/alice", types.ScopeLocal)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attributes["trust"] != 0.9 {
		t.Errorf("round-tripped attributes = %v", got.Attributes)
	}

	if _, err := m.Memory.Get(context.Background(), "user/nobody", types.ScopeLocal); !types.IsKind(err, types.ErrNotFound) {
		t.Fatalf("miss err = %v, want not_found", err)
	}
	// A miss is an answer, not ill-health.
	if st := circuitOf(t, reg, h); st != types.CircuitClosed {
		t.Errorf("circuit %s after a miss, want CLOSED", st)
	}

	if _, err := m.Memory.Delete(context.Background(), "user/alice", types.ScopeLocal); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Memory.Get(context.Background(), "user/alice", types.ScopeLocal); !types.IsKind(err, types.ErrNotFound) {
		t.Errorf("deleted node still readable: %v", err)
	}
}

func TestMemoryBus_ValidatesScope(t *testing.T) {
	m, _, _ := newTestBuses(t)
	_, err := m.Memory.Put(context.Background(), types.GraphNode{ID: "x", Scope: "GALACTIC"})
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want validation for unknown scope", err)
	}
	_, err = m.Memory.Query(context.Background(), types.MemoryQuery{Scope: "GALACTIC"})
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("query err = %v, want validation", err)
	}
}

func TestToolBus_ExecuteRoutesAcrossCatalogs(t *testing.T) {
	m, reg, _ := newTestBuses(t)
	p1 := &catalogTool{tools: []string{"alpha"}}
	p2 := &catalogTool{tools: []string{"beta"}}
	h1 := reg.Register(types.ServiceTool, "first", p1, types.PriorityHigh, types.CapListTools, types.CapExecuteTool)
	reg.Register(types.ServiceTool, "second", p2, types.PriorityNormal, types.CapListTools, types.CapExecuteTool)

	// beta lives on the lower-priority provider; routing must find it.
	res, err := m.Tool.Execute(context.Background(), "beta", nil)
	if err != nil {
		t.Fatalf("Execute(beta): %v", err)
	}
	if !res.Success || res.ToolName != "beta" {
		t.Errorf("result = %+v", res)
	}
	if len(p2.executed) != 1 {
		t.Errorf("second provider executed %v, want [beta]", p2.executed)
	}
	// The first provider's not-found must not damage its breaker.
	if st := circuitOf(t, reg, h1); st != types.CircuitClosed {
		t.Errorf("circuit %s, want CLOSED", st)
	}

	// Unknown everywhere: the not-found surfaces, not a bare no_provider.
	_, err = m.Tool.Execute(context.Background(), "gamma", nil)
	if !types.IsKind(err, types.ErrNotFound) {
		t.Fatalf("Execute(gamma) err = %v, want not_found", err)
	}
}

func TestToolBus_ListToolsMergesCatalogs(t *testing.T) {
	m, reg, _ := newTestBuses(t)
	p1 := &catalogTool{tools: []string{"alpha", "shared"}}
	p2 := &catalogTool{tools: []string{"beta", "shared"}}
	reg.Register(types.ServiceTool, "first", p1, types.PriorityHigh, types.CapListTools, types.CapExecuteTool)
	reg.Register(types.ServiceTool, "second", p2, types.PriorityNormal, types.CapListTools, types.CapExecuteTool)

	tools, err := m.Tool.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := make([]string, len(tools))
	for i, td := range tools {
		names[i] = td.Name
	}
	want := []string{"alpha", "shared", "beta"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("catalog = %v, want %v (priority order, duplicates collapsed)", names, want)
	}
}

func TestToolBus_ListToolsEmptyWithoutProviders(t *testing.T) {
	m, _, _ := newTestBuses(t)
	tools, err := m.Tool.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if tools == nil || len(tools) != 0 {
		t.Errorf("catalog = %v, want empty non-nil", tools)
	}
}

func TestToolBus_ListToolsSkipsFailingProvider(t *testing.T) {
	m, reg, _ := newTestBuses(t)
	broken := &catalogTool{listErr: types.Transient("tool.list", "timeout")}
	ok := &catalogTool{tools: []string{"beta"}}
	reg.Register(types.ServiceTool, "broken", broken, types.PriorityHigh, types.CapListTools, types.CapExecuteTool)
	reg.Register(types.ServiceTool, "ok", ok, types.PriorityNormal, types.CapListTools, types.CapExecuteTool)

	tools, err := m.Tool.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "beta" {
		t.Errorf("catalog = %+v, want just beta", tools)
	}
}

func TestWiseAuthorityBus_GuidanceAndDeferral(t *testing.T) {
	m, reg, _ := newTestBuses(t)
	wise := &stubWise{}
	reg.Register(types.ServiceWiseAuthority, "wa", wise, types.PriorityNormal,
		types.CapRequestGuidance, types.CapSubmitDeferral)

	res, err := m.WiseAuthority.RequestGuidance(context.Background(), types.GuidanceRequest{
		TaskID: "t1", ThoughtID: "th1", Question: "proceed?",
	})
	if err != nil {
		t.Fatalf("RequestGuidance: %v", err)
	}
	if !strings.Contains(res.Guidance, "proceed?") {
		t.Errorf("guidance = %q", res.Guidance)
	}

	if err := m.WiseAuthority.SubmitDeferral(context.Background(), types.DeferralRequest{
		TaskID: "t1", ThoughtID: "th1", Reason: "needs human judgment",
	}); err != nil {
		t.Fatalf("SubmitDeferral: %v", err)
	}
	if len(wise.deferrals) != 1 || wise.deferrals[0].Reason != "needs human judgment" {
		t.Errorf("deferrals = %+v", wise.deferrals)
	}

	if err := m.WiseAuthority.SubmitDeferral(context.Background(), types.DeferralRequest{TaskID: "t1"}); !types.IsKind(err, types.ErrValidation) {
		t.Errorf("missing reason err = %v, want validation", err)
	}
}

func TestLLMBus_GenerateStructured(t *testing.T) {
	m, reg, _ := newTestBuses(t)
	llm := &stubLLM{}
	reg.Register(types.ServiceLLM, "mock", llm, types.PriorityNormal, types.CapGenerateStructured)

	req := types.LLMRequest{
		Messages:       []types.LLMMessage{{Role: types.RoleUser, Content: "hi"}},
		Model:          "test-model",
		ResponseSchema: json.RawMessage(`{"type":"object"}`),
	}
	res, err := m.LLM.GenerateStructured(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateStructured: %v", err)
	}
	if res.Usage.TotalTokens != 15 || res.Model != "test-model" {
		t.Errorf("response = %+v", res)
	}

	if _, err := m.LLM.GenerateStructured(context.Background(), types.LLMRequest{
		ResponseSchema: json.RawMessage(`{}`),
	}); !types.IsKind(err, types.ErrValidation) {
		t.Errorf("empty messages err = %v, want validation", err)
	}
	if _, err := m.LLM.GenerateStructured(context.Background(), types.LLMRequest{
		Messages: []types.LLMMessage{{Role: types.RoleUser, Content: "hi"}},
	}); !types.IsKind(err, types.ErrValidation) {
		t.Errorf("missing schema err = %v, want validation", err)
	}
}

func TestFilterBus_DefaultsWhenUnstaffed(t *testing.T) {
	m, _, _ := newTestBuses(t)
	d, err := m.Filter.FilterMessage(context.Background(), types.IncomingMessage{
		AuthorID: "u1", ChannelID: "ch", Content: "hello",
	})
	if err != nil {
		t.Fatalf("FilterMessage: %v", err)
	}
	if !d.Accepted || d.Priority != types.FilterMedium {
		t.Errorf("decision = %+v, want accept at MEDIUM with no filter registered", d)
	}
}

func TestSecretsBus_PassthroughWhenUnstaffed(t *testing.T) {
	m, _, _ := newTestBuses(t)

	enc, err := m.Secrets.Encapsulate(context.Background(), "token=abc123", "ingress")
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	if enc.Content != "token=abc123" || len(enc.Refs) != 0 {
		t.Errorf("passthrough = %+v", enc)
	}

	out, err := m.Secrets.Decapsulate(context.Background(), "{{secret:x}}", types.ActionSpeak, "handler")
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if out != "{{secret:x}}" {
		t.Errorf("passthrough = %q", out)
	}
}

func TestRuntimeControlBus_NeverRetries(t *testing.T) {
	m, reg, _ := newTestBuses(t)
	ctl := &stubControl{pauseErr: types.Transient("processor.pause", "busy")}
	reg.Register(types.ServiceRuntimeControl, "proc", ctl, types.PriorityCritical, types.CapProcessorControl)

	if err := m.RuntimeControl.Pause(context.Background()); err == nil {
		t.Fatal("want pause failure to surface")
	}
	if ctl.pauses != 1 {
		t.Errorf("pause called %d times, want exactly 1 (control class)", ctl.pauses)
	}

	ctl.pauseErr = nil
	n, err := m.RuntimeControl.SingleStep(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("SingleStep = %d, %v", n, err)
	}
	qs, err := m.RuntimeControl.QueueStatus(context.Background())
	if err != nil || qs.State != types.StateWork || qs.PendingThoughts != 2 {
		t.Fatalf("QueueStatus = %+v, %v", qs, err)
	}
}

func TestAuditBus_RoutesEvents(t *testing.T) {
	m, reg, _ := newTestBuses(t)
	sink := &captureAudit{}
	reg.Register(types.ServiceAudit, "chain", sink, types.PriorityCritical, types.CapAuditLog)

	err := m.Audit.LogEvent(context.Background(), types.AuditEvent{
		EventType:    types.AuditActionSpeak,
		OriginatorID: "handler.speak",
	})
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if len(sink.events) != 1 || sink.events[0].EventType != types.AuditActionSpeak {
		t.Errorf("events = %+v", sink.events)
	}

	if err := m.Audit.LogEvent(context.Background(), types.AuditEvent{}); !types.IsKind(err, types.ErrValidation) {
		t.Errorf("empty event err = %v, want validation", err)
	}
}

type captureAudit struct {
	events []types.AuditEvent
}

func (c *captureAudit) LogEvent(_ context.Context, event types.AuditEvent) error {
	c.events = append(c.events, event)
	return nil
}
