// Package memory adapts the persistence store's graph tables onto the
// memory bus. This is the agent's own graph memory; remote or specialized
// memory backends register alongside it at their own priorities.
package memory

import (
	"context"

	"ciris/internal/persistence"
	"ciris/internal/types"
)

// =============================================================================
// LOCAL GRAPH PROVIDER
// =============================================================================

// LocalGraph serves memory bus operations from the main SQLite store.
type LocalGraph struct {
	store *persistence.Store
}

// NewLocalGraph builds the provider over an open store.
func NewLocalGraph(store *persistence.Store) *LocalGraph {
	return &LocalGraph{store: store}
}

// Put upserts a node and reports the stored id.
func (g *LocalGraph) Put(ctx context.Context, node types.GraphNode) (types.MemoryOpResult, error) {
	stored, err := g.store.PutNode(ctx, node)
	if err != nil {
		return types.MemoryOpResult{}, err
	}
	return types.MemoryOpResult{Status: types.MemoryOpOK, NodeID: stored.ID}, nil
}

// Get fetches one node by id and scope.
func (g *LocalGraph) Get(ctx context.Context, id string, scope types.GraphScope) (*types.GraphNode, error) {
	return g.store.GetNode(ctx, id, scope)
}

// Delete removes a node and the edges attached to it.
func (g *LocalGraph) Delete(ctx context.Context, id string, scope types.GraphScope) (types.MemoryOpResult, error) {
	if err := g.store.DeleteNode(ctx, id, scope); err != nil {
		return types.MemoryOpResult{}, err
	}
	return types.MemoryOpResult{Status: types.MemoryOpOK, NodeID: id}, nil
}

// Query lists nodes in a scope, optionally narrowed by type and id prefix.
func (g *LocalGraph) Query(ctx context.Context, q types.MemoryQuery) ([]types.GraphNode, error) {
	return g.store.QueryNodes(ctx, q)
}
