package handlers

import (
	"strings"
	"testing"

	"ciris/internal/types"
)

// =============================================================================
// MEMORIZE
// =============================================================================

func TestMemorize_StoresNodeWithSecretsFiltered(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	result, err := e.dispatch(t, task, thought, types.MemorizeParams{
		Node: types.GraphNode{
			ID:    "user/user-1/prefs",
			Type:  types.NodeUser,
			Scope: types.ScopeLocal,
			Attributes: map[string]any{
				"note":  "their key is " + secretPlain,
				"count": 4,
			},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	stored := e.memory.stored(t, types.ScopeLocal, "user/user-1/prefs")
	note, _ := stored.Attributes["note"].(string)
	if strings.Contains(note, secretPlain) {
		t.Errorf("stored attribute carries the plaintext secret")
	}
	if !strings.Contains(note, "{{secret:") {
		t.Errorf("stored attribute %q was not rewritten to a reference", note)
	}
	if stored.Attributes["count"] != 4 {
		t.Errorf("non-string attribute altered: %v", stored.Attributes["count"])
	}
	if stored.UpdatedBy != thought.ThoughtID {
		t.Errorf("node updated_by = %s, want the writing thought", stored.UpdatedBy)
	}

	event, payload := e.audit.single(t)
	if event.EventType != types.AuditActionMemorize {
		t.Errorf("event type = %s, want ACTION_MEMORIZE", event.EventType)
	}
	if payload["secret_refs"] != float64(1) {
		t.Errorf("payload secret_refs = %v, want 1", payload["secret_refs"])
	}
	if payload["scope"] != "LOCAL" {
		t.Errorf("payload scope = %v, want LOCAL", payload["scope"])
	}

	fu := e.followUp(t, result)
	if !strings.Contains(fu.Content, "user/user-1/prefs") {
		t.Errorf("follow-up content %q does not name the node", fu.Content)
	}
}

func TestMemorize_IdentityWriteBlockedWithoutSignature(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	_, err := e.dispatch(t, task, thought, types.MemorizeParams{
		Node: types.GraphNode{
			ID:         types.IdentityRootID,
			Type:       types.NodeAgent,
			Scope:      types.ScopeIdentity,
			Attributes: map[string]any{"name": "someone else"},
		},
	})
	if !types.IsKind(err, types.ErrSecurity) {
		t.Fatalf("err = %v, want security kind", err)
	}
	if e.memory.has(types.ScopeIdentity, types.IdentityRootID) {
		t.Error("identity node was written despite the missing signature")
	}
}

func TestMemorize_IdentityWriteWithSignature(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	_, err := e.dispatch(t, task, thought, types.MemorizeParams{
		Node: types.GraphNode{
			ID:         types.IdentityRootID,
			Type:       types.NodeAgent,
			Scope:      types.ScopeIdentity,
			Attributes: map[string]any{"role": "moderator"},
		},
		AuthoritySignature: "wa-sig-1",
		AuthorityID:        "authority-7",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !e.memory.has(types.ScopeIdentity, types.IdentityRootID) {
		t.Fatal("signed identity write did not reach memory")
	}

	_, payload := e.audit.single(t)
	if payload["authority_id"] != "authority-7" {
		t.Errorf("payload authority_id = %v, want the signing authority", payload["authority_id"])
	}
}

func TestMemorize_ProviderDenialIsPermission(t *testing.T) {
	e := newEnv(t)
	e.memory.denyAll = true
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	_, err := e.dispatch(t, task, thought, types.MemorizeParams{
		Node: types.GraphNode{ID: "concept/x", Type: types.NodeConcept, Scope: types.ScopeLocal},
	})
	if !types.IsKind(err, types.ErrPermission) {
		t.Fatalf("err = %v, want permission kind", err)
	}
	if got := e.thought(t, thought.ThoughtID).Status; got != types.ThoughtFailed {
		t.Errorf("thought status = %s, want FAILED", got)
	}
}

// =============================================================================
// RECALL
// =============================================================================

func TestRecall_ByIDDefaultsToLocalScope(t *testing.T) {
	e := newEnv(t)
	e.memory.nodes[memKey(types.ScopeLocal, "user/user-1/prefs")] = types.GraphNode{
		ID:    "user/user-1/prefs",
		Type:  types.NodeUser,
		Scope: types.ScopeLocal,
	}
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	result, err := e.dispatch(t, task, thought, types.RecallParams{NodeID: "user/user-1/prefs"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	fu := e.followUp(t, result)
	if len(fu.Context.RecalledNodes) != 1 || fu.Context.RecalledNodes[0].ID != "user/user-1/prefs" {
		t.Errorf("recalled nodes = %+v, want the seeded node", fu.Context.RecalledNodes)
	}
	if !strings.Contains(fu.Content, "Recalled 1 node(s)") {
		t.Errorf("follow-up content %q does not report the recall", fu.Content)
	}

	_, payload := e.audit.single(t)
	if payload["recalled"] != float64(1) {
		t.Errorf("payload recalled = %v, want 1", payload["recalled"])
	}
}

func TestRecall_MissIsNotFailure(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	result, err := e.dispatch(t, task, thought, types.RecallParams{NodeID: "concept/ghost"})
	if err != nil {
		t.Fatalf("Dispatch failed: a memory miss is an answer, not an error: %v", err)
	}

	fu := e.followUp(t, result)
	if len(fu.Context.RecalledNodes) != 0 {
		t.Errorf("recalled nodes = %+v, want none", fu.Context.RecalledNodes)
	}
	if !strings.Contains(fu.Content, "matched nothing") {
		t.Errorf("follow-up content %q does not report the miss", fu.Content)
	}
	if got := e.thought(t, thought.ThoughtID).Status; got != types.ThoughtCompleted {
		t.Errorf("thought status = %s, want COMPLETED", got)
	}
}

func TestRecall_QueryByScopeAndPrefix(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"user/a", "user/b", "config/filters"} {
		e.memory.nodes[memKey(types.ScopeLocal, id)] = types.GraphNode{
			ID: id, Type: types.NodeConcept, Scope: types.ScopeLocal,
		}
	}
	e.memory.nodes[memKey(types.ScopeEnvironment, "user/c")] = types.GraphNode{
		ID: "user/c", Type: types.NodeConcept, Scope: types.ScopeEnvironment,
	}
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	result, err := e.dispatch(t, task, thought, types.RecallParams{
		Scope:  types.ScopeLocal,
		Prefix: "user/",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	fu := e.followUp(t, result)
	if len(fu.Context.RecalledNodes) != 2 {
		t.Errorf("%d nodes recalled, want 2 (scope and prefix filtered)", len(fu.Context.RecalledNodes))
	}
	for _, node := range fu.Context.RecalledNodes {
		if node.Scope != types.ScopeLocal || !strings.HasPrefix(node.ID, "user/") {
			t.Errorf("node %s/%s escaped the query filters", node.Scope, node.ID)
		}
	}
}

func TestRecall_NeedsTargetOrScope(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	_, err := e.dispatch(t, task, thought, types.RecallParams{})
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want validation kind", err)
	}
}

// =============================================================================
// FORGET
// =============================================================================

func TestForget_RemovesNode(t *testing.T) {
	e := newEnv(t)
	e.memory.nodes[memKey(types.ScopeLocal, "user/a")] = types.GraphNode{
		ID: "user/a", Type: types.NodeUser, Scope: types.ScopeLocal,
	}
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	result, err := e.dispatch(t, task, thought, types.ForgetParams{
		NodeID: "user/a",
		Scope:  types.ScopeLocal,
		Reason: "user asked to be forgotten",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if e.memory.has(types.ScopeLocal, "user/a") {
		t.Error("node still present after FORGET")
	}

	event, payload := e.audit.single(t)
	if event.EventType != types.AuditActionForget {
		t.Errorf("event type = %s, want ACTION_FORGET", event.EventType)
	}
	if payload["found"] != true {
		t.Errorf("payload found = %v, want true", payload["found"])
	}
	if payload["reason"] != "user asked to be forgotten" {
		t.Errorf("payload reason = %v", payload["reason"])
	}

	fu := e.followUp(t, result)
	if !strings.Contains(fu.Content, "Forgot node user/a") {
		t.Errorf("follow-up content %q does not report the removal", fu.Content)
	}
}

func TestForget_MissingNodeIsNoOp(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	_, err := e.dispatch(t, task, thought, types.ForgetParams{
		NodeID: "user/never-stored",
		Scope:  types.ScopeLocal,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: forgetting an absent node is a no-op: %v", err)
	}

	_, payload := e.audit.single(t)
	if payload["found"] != false {
		t.Errorf("payload found = %v, want false", payload["found"])
	}
	if got := e.thought(t, thought.ThoughtID).Status; got != types.ThoughtCompleted {
		t.Errorf("thought status = %s, want COMPLETED", got)
	}
}

func TestForget_IdentityRemovalBlockedWithoutSignature(t *testing.T) {
	e := newEnv(t)
	e.memory.nodes[memKey(types.ScopeIdentity, types.IdentityRootID)] = types.GraphNode{
		ID: types.IdentityRootID, Type: types.NodeAgent, Scope: types.ScopeIdentity,
	}
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	_, err := e.dispatch(t, task, thought, types.ForgetParams{
		NodeID: types.IdentityRootID,
		Scope:  types.ScopeIdentity,
	})
	if !types.IsKind(err, types.ErrSecurity) {
		t.Fatalf("err = %v, want security kind", err)
	}
	if !e.memory.has(types.ScopeIdentity, types.IdentityRootID) {
		t.Error("identity node removed despite the missing signature")
	}

	event, _ := e.audit.single(t)
	if event.EventType != types.AuditSecurityViolation {
		t.Errorf("event type = %s, want SECURITY_VIOLATION", event.EventType)
	}
}
