package types

import "testing"

func TestTaskStatusTransitions(t *testing.T) {
	legal := []struct{ from, to TaskStatus }{
		{TaskPending, TaskActive},
		{TaskPending, TaskFailed},
		{TaskActive, TaskCompleted},
		{TaskActive, TaskFailed},
		{TaskActive, TaskDeferred},
		{TaskDeferred, TaskActive},
		{TaskDeferred, TaskFailed},
	}
	for _, tc := range legal {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to TaskStatus }{
		{TaskPending, TaskCompleted},
		{TaskPending, TaskDeferred},
		{TaskCompleted, TaskActive},
		{TaskFailed, TaskActive},
		{TaskDeferred, TaskCompleted},
	}
	for _, tc := range illegal {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	if !TaskCompleted.IsTerminal() || !TaskFailed.IsTerminal() {
		t.Fatalf("COMPLETED and FAILED must be terminal")
	}
	if TaskDeferred.IsTerminal() {
		t.Fatalf("DEFERRED must not be terminal; deferred tasks can re-activate")
	}
}

func TestActionTypeClassification(t *testing.T) {
	if got := len(AllActions()); got != 10 {
		t.Fatalf("action set must have exactly 10 members, got %d", got)
	}
	for _, a := range AllActions() {
		if !a.Valid() {
			t.Errorf("action %s should be valid", a)
		}
	}
	if ActionType("DANCE").Valid() {
		t.Fatalf("unknown action must not validate")
	}

	external := map[ActionType]bool{ActionSpeak: true, ActionObserve: true, ActionTool: true}
	memory := map[ActionType]bool{ActionMemorize: true, ActionRecall: true, ActionForget: true}
	terminal := map[ActionType]bool{ActionTaskComplete: true, ActionReject: true, ActionDefer: true}
	for _, a := range AllActions() {
		if a.IsExternal() != external[a] {
			t.Errorf("IsExternal(%s) = %v", a, a.IsExternal())
		}
		if a.IsMemory() != memory[a] {
			t.Errorf("IsMemory(%s) = %v", a, a.IsMemory())
		}
		if a.IsTerminal() != terminal[a] {
			t.Errorf("IsTerminal(%s) = %v", a, a.IsTerminal())
		}
	}
}

func TestActionParamsCarryTheirAction(t *testing.T) {
	cases := []struct {
		params ActionParams
		want   ActionType
	}{
		{SpeakParams{}, ActionSpeak},
		{ObserveParams{}, ActionObserve},
		{ToolParams{}, ActionTool},
		{RejectParams{}, ActionReject},
		{PonderParams{}, ActionPonder},
		{DeferParams{}, ActionDefer},
		{MemorizeParams{}, ActionMemorize},
		{RecallParams{}, ActionRecall},
		{ForgetParams{}, ActionForget},
		{TaskCompleteParams{}, ActionTaskComplete},
	}
	for _, tc := range cases {
		if got := tc.params.ActionType(); got != tc.want {
			t.Errorf("params %T reported action %s, want %s", tc.params, got, tc.want)
		}
	}
}

func TestActionEventTypeCoversActionSet(t *testing.T) {
	for _, a := range AllActions() {
		et := ActionEventType(a)
		if et == "" {
			t.Errorf("no audit event type for action %s", a)
		}
	}
	if ActionEventType(ActionSpeak) != AuditActionSpeak {
		t.Fatalf("SPEAK must map to ACTION_SPEAK")
	}
}

func TestScheduledTaskRecurring(t *testing.T) {
	cron := &ScheduledTask{ScheduleCron: "*/5 * * * *"}
	if !cron.Recurring() {
		t.Fatalf("cron task must be recurring")
	}
	oneShot := &ScheduledTask{}
	if oneShot.Recurring() {
		t.Fatalf("defer-until task must not be recurring")
	}
}

func TestGraphScopeValid(t *testing.T) {
	for _, s := range []GraphScope{ScopeLocal, ScopeIdentity, ScopeEnvironment, ScopeCommunity, ScopeNetwork} {
		if !s.Valid() {
			t.Errorf("scope %s should be valid", s)
		}
	}
	if GraphScope("GLOBAL").Valid() {
		t.Fatalf("unknown scope must not validate")
	}
}
