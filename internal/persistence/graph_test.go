package persistence

import (
	"context"
	"testing"

	"ciris/internal/types"
)

// =============================================================================
// GRAPH MEMORY TESTS
// =============================================================================

func TestGraph_PutNodeVersioning(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.PutNode(ctx, types.GraphNode{
		ID:         "user/42",
		Type:       types.NodeUser,
		Scope:      types.ScopeLocal,
		Attributes: map[string]any{"name": "Sam"},
	})
	if err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("new node should be version 1, got %d", first.Version)
	}

	second, err := store.PutNode(ctx, types.GraphNode{
		ID:         "user/42",
		Type:       types.NodeUser,
		Scope:      types.ScopeLocal,
		Attributes: map[string]any{"name": "Sam", "trust": 0.8},
	})
	if err != nil {
		t.Fatalf("second PutNode failed: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("updated node should be version 2, got %d", second.Version)
	}
	if second.Attributes["trust"] != 0.8 {
		t.Errorf("attributes not replaced: %+v", second.Attributes)
	}
}

func TestGraph_ScopesAreDistinct(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, scope := range []types.GraphScope{types.ScopeLocal, types.ScopeIdentity} {
		if _, err := store.PutNode(ctx, types.GraphNode{
			ID:         "concept/kindness",
			Type:       types.NodeConcept,
			Scope:      scope,
			Attributes: map[string]any{"scope_was": string(scope)},
		}); err != nil {
			t.Fatalf("PutNode in %s failed: %v", scope, err)
		}
	}

	local, err := store.GetNode(ctx, "concept/kindness", types.ScopeLocal)
	if err != nil {
		t.Fatalf("GetNode local failed: %v", err)
	}
	if local.Attributes["scope_was"] != "LOCAL" {
		t.Errorf("scope rows bled together: %+v", local.Attributes)
	}
	if local.Version != 1 {
		t.Errorf("distinct scopes must version independently, got %d", local.Version)
	}
}

func TestGraph_InvalidScopeRejected(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.PutNode(context.Background(), types.GraphNode{
		ID: "bad", Type: types.NodeConcept, Scope: "GALACTIC",
	})
	if !types.IsKind(err, types.ErrValidation) {
		t.Errorf("expected validation error for bad scope, got %v", err)
	}
}

func TestGraph_QueryByTypeAndPrefix(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	nodes := []types.GraphNode{
		{ID: "user/1", Type: types.NodeUser, Scope: types.ScopeLocal},
		{ID: "user/2", Type: types.NodeUser, Scope: types.ScopeLocal},
		{ID: "channel/general", Type: types.NodeChannel, Scope: types.ScopeLocal},
		{ID: "user/3", Type: types.NodeUser, Scope: types.ScopeEnvironment},
	}
	for _, n := range nodes {
		if _, err := store.PutNode(ctx, n); err != nil {
			t.Fatalf("PutNode failed: %v", err)
		}
	}

	users, err := store.QueryNodes(ctx, types.MemoryQuery{Scope: types.ScopeLocal, Type: types.NodeUser})
	if err != nil {
		t.Fatalf("QueryNodes failed: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 local users, got %d", len(users))
	}

	prefixed, err := store.QueryNodes(ctx, types.MemoryQuery{Scope: types.ScopeLocal, Prefix: "user/"})
	if err != nil {
		t.Fatalf("QueryNodes with prefix failed: %v", err)
	}
	if len(prefixed) != 2 {
		t.Errorf("expected 2 user/ nodes, got %d", len(prefixed))
	}

	limited, err := store.QueryNodes(ctx, types.MemoryQuery{Scope: types.ScopeLocal, Limit: 1})
	if err != nil {
		t.Fatalf("QueryNodes with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit 1 respected, got %d", len(limited))
	}
}

func TestGraph_PrefixEscapesLikeWildcards(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.PutNode(ctx, types.GraphNode{ID: "a_b", Type: types.NodeConcept, Scope: types.ScopeLocal}); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}
	if _, err := store.PutNode(ctx, types.GraphNode{ID: "axb", Type: types.NodeConcept, Scope: types.ScopeLocal}); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}

	got, err := store.QueryNodes(ctx, types.MemoryQuery{Scope: types.ScopeLocal, Prefix: "a_"})
	if err != nil {
		t.Fatalf("QueryNodes failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a_b" {
		t.Errorf("underscore should match literally, got %+v", got)
	}
}

func TestGraph_DeleteNodeCascadesEdges(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2"} {
		if _, err := store.PutNode(ctx, types.GraphNode{ID: id, Type: types.NodeConcept, Scope: types.ScopeLocal}); err != nil {
			t.Fatalf("PutNode failed: %v", err)
		}
	}
	if err := store.PutEdge(ctx, types.GraphEdge{FromID: "n1", ToID: "n2", Relation: "related_to", Scope: types.ScopeLocal}); err != nil {
		t.Fatalf("PutEdge failed: %v", err)
	}

	if err := store.DeleteNode(ctx, "n1", types.ScopeLocal); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}

	if _, err := store.GetNode(ctx, "n1", types.ScopeLocal); !types.IsKind(err, types.ErrNotFound) {
		t.Errorf("expected node gone, got %v", err)
	}
	edges, err := store.GetEdges(ctx, "n1", types.ScopeLocal)
	if err != nil {
		t.Fatalf("GetEdges failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("edges should cascade on node delete, got %d", len(edges))
	}

	if err := store.DeleteNode(ctx, "n1", types.ScopeLocal); !types.IsKind(err, types.ErrNotFound) {
		t.Errorf("double delete should be not_found, got %v", err)
	}
}

func TestGraph_EdgeUpsert(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	edge := types.GraphEdge{
		FromID: "n1", ToID: "n2", Relation: "knows", Scope: types.ScopeLocal,
		Attributes: map[string]any{"weight": 0.5},
	}
	if err := store.PutEdge(ctx, edge); err != nil {
		t.Fatalf("PutEdge failed: %v", err)
	}
	edge.Attributes = map[string]any{"weight": 0.9}
	if err := store.PutEdge(ctx, edge); err != nil {
		t.Fatalf("PutEdge upsert failed: %v", err)
	}

	edges, err := store.GetEdges(ctx, "n1", types.ScopeLocal)
	if err != nil {
		t.Fatalf("GetEdges failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge after upsert, got %d", len(edges))
	}
	if edges[0].Attributes["weight"] != 0.9 {
		t.Errorf("edge attributes not replaced: %+v", edges[0].Attributes)
	}
}
