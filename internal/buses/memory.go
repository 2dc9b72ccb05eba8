package buses

import (
	"context"

	"ciris/internal/types"
)

// =============================================================================
// MEMORY BUS
// =============================================================================

// MemoryBus routes graph memory operations to memory providers.
type MemoryBus struct {
	core *Core
}

// NewMemoryBus builds the bus over the shared core.
func NewMemoryBus(core *Core) *MemoryBus {
	return &MemoryBus{core: core}
}

// Put stores node, returning the provider's typed verdict.
func (b *MemoryBus) Put(ctx context.Context, node types.GraphNode) (types.MemoryOpResult, error) {
	if node.ID == "" {
		return types.MemoryOpResult{}, types.Validation("bus.memory_put", "node id is required")
	}
	if !node.Scope.Valid() {
		return types.MemoryOpResult{}, types.Validation("bus.memory_put", "unknown scope %q", node.Scope)
	}

	var result types.MemoryOpResult
	spec := callSpec{
		ServiceType:  types.ServiceMemory,
		Op:           "memory_put",
		Class:        ClassMutation,
		Capabilities: []types.Capability{types.CapMemoryPut},
		Request:      map[string]any{"node_id": node.ID, "scope": node.Scope, "type": node.Type},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		mp, ok := p.(MemoryProvider)
		if !ok {
			return wrongInterface("bus.memory_put", "MemoryProvider", p)
		}
		r, err := mp.Put(ctx, node)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// Get fetches one node by id and scope. A miss is a not-found error, not a
// provider failure.
func (b *MemoryBus) Get(ctx context.Context, id string, scope types.GraphScope) (*types.GraphNode, error) {
	if id == "" {
		return nil, types.Validation("bus.memory_get", "node id is required")
	}

	var node *types.GraphNode
	spec := callSpec{
		ServiceType:  types.ServiceMemory,
		Op:           "memory_get",
		Class:        ClassQuery,
		Capabilities: []types.Capability{types.CapMemoryGet},
		Request:      map[string]any{"node_id": id, "scope": scope},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		mp, ok := p.(MemoryProvider)
		if !ok {
			return wrongInterface("bus.memory_get", "MemoryProvider", p)
		}
		n, err := mp.Get(ctx, id, scope)
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	return node, err
}

// Delete removes one node by id and scope.
func (b *MemoryBus) Delete(ctx context.Context, id string, scope types.GraphScope) (types.MemoryOpResult, error) {
	if id == "" {
		return types.MemoryOpResult{}, types.Validation("bus.memory_delete", "node id is required")
	}

	var result types.MemoryOpResult
	spec := callSpec{
		ServiceType:  types.ServiceMemory,
		Op:           "memory_delete",
		Class:        ClassMutation,
		Capabilities: []types.Capability{types.CapMemoryDelete},
		Request:      map[string]any{"node_id": id, "scope": scope},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		mp, ok := p.(MemoryProvider)
		if !ok {
			return wrongInterface("bus.memory_delete", "MemoryProvider", p)
		}
		r, err := mp.Delete(ctx, id, scope)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// Query returns the nodes matching q.
func (b *MemoryBus) Query(ctx context.Context, q types.MemoryQuery) ([]types.GraphNode, error) {
	if !q.Scope.Valid() {
		return nil, types.Validation("bus.memory_query", "unknown scope %q", q.Scope)
	}

	var nodes []types.GraphNode
	spec := callSpec{
		ServiceType:  types.ServiceMemory,
		Op:           "memory_query",
		Class:        ClassQuery,
		Capabilities: []types.Capability{types.CapMemoryQuery},
		Request:      map[string]any{"scope": q.Scope, "type": q.Type, "prefix": q.Prefix, "limit": q.Limit},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		mp, ok := p.(MemoryProvider)
		if !ok {
			return wrongInterface("bus.memory_query", "MemoryProvider", p)
		}
		ns, err := mp.Query(ctx, q)
		if err != nil {
			return err
		}
		nodes = ns
		return nil
	})
	return nodes, err
}
