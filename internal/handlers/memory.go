package handlers

import (
	"context"
	"fmt"

	"ciris/internal/types"
)

// =============================================================================
// MEMORY ACTIONS - MEMORIZE / RECALL / FORGET
// =============================================================================

// memorizeHandler stores a graph node. String attributes pass through the
// secrets filter before storage so plaintext secrets never land in memory.
// Identity-scope writes must arrive with a wise-authority signature; the
// variance guard already ran in the pipeline before dispatch.
type memorizeHandler struct{ deps Deps }

func (h *memorizeHandler) Action() types.ActionType { return types.ActionMemorize }

func (h *memorizeHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.MemorizeParams)
	if !ok {
		return Effect{}, types.Validation("handlers.memorize", "parameters %T are not MemorizeParams", req.Selection.Parameters)
	}

	node := p.Node
	if node.Scope == types.ScopeIdentity && p.AuthoritySignature == "" {
		return Effect{}, types.Security("handlers.memorize",
			"identity-scope write to %s requires a wise-authority signature", node.ID)
	}

	secretRefs := 0
	if len(node.Attributes) > 0 {
		attrs := make(map[string]any, len(node.Attributes))
		for k, v := range node.Attributes {
			attrs[k] = v
		}
		for k, v := range attrs {
			s, isString := v.(string)
			if !isString {
				continue
			}
			res, err := h.deps.Buses.Secrets.Encapsulate(ctx, s, "memorize:"+node.ID)
			if err != nil {
				return Effect{}, fmt.Errorf("failed to filter attribute %s: %w", k, err)
			}
			attrs[k] = res.Content
			secretRefs += len(res.Refs)
		}
		node.Attributes = attrs
	}
	node.UpdatedBy = req.Thought.ThoughtID

	result, err := h.deps.Buses.Memory.Put(ctx, node)
	if err != nil {
		return Effect{}, fmt.Errorf("failed to memorize node %s: %w", node.ID, err)
	}
	if result.Status == types.MemoryOpDenied {
		return Effect{}, types.Permission("handlers.memorize",
			"memory provider denied put of %s: %s", node.ID, result.Reason)
	}

	payload := map[string]any{
		"node_id":     node.ID,
		"scope":       string(node.Scope),
		"node_type":   string(node.Type),
		"secret_refs": secretRefs,
	}
	if p.AuthorityID != "" {
		payload["authority_id"] = p.AuthorityID
	}

	return Effect{
		Payload: payload,
		FollowUp: &FollowUp{
			Content: fmt.Sprintf("Memorized %s node %s in scope %s. Continue the task.",
				node.Type, node.ID, node.Scope),
			Context: inheritContext(req.Thought),
		},
	}, nil
}

// recallHandler loads memory into the next thought's context. Secret
// references in recalled content stay as references here; SPEAK and TOOL
// substitute them back only when the content is actually used.
type recallHandler struct{ deps Deps }

func (h *recallHandler) Action() types.ActionType { return types.ActionRecall }

func (h *recallHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.RecallParams)
	if !ok {
		return Effect{}, types.Validation("handlers.recall", "parameters %T are not RecallParams", req.Selection.Parameters)
	}

	var (
		nodes []types.GraphNode
		query string
	)
	switch {
	case p.NodeID != "":
		scope := p.Scope
		if scope == "" {
			scope = types.ScopeLocal
		}
		query = fmt.Sprintf("node %s in %s", p.NodeID, scope)
		node, err := h.deps.Buses.Memory.Get(ctx, p.NodeID, scope)
		if err != nil && !types.IsKind(err, types.ErrNotFound) {
			return Effect{}, fmt.Errorf("failed to recall node %s: %w", p.NodeID, err)
		}
		if node != nil {
			nodes = append(nodes, *node)
		}
	case p.Scope != "":
		query = fmt.Sprintf("scope %s type %s prefix %q", p.Scope, p.NodeType, p.Prefix)
		limit := p.Limit
		if limit == 0 {
			limit = 10
		}
		found, err := h.deps.Buses.Memory.Query(ctx, types.MemoryQuery{
			Scope:  p.Scope,
			Type:   p.NodeType,
			Prefix: p.Prefix,
			Limit:  limit,
		})
		if err != nil {
			return Effect{}, fmt.Errorf("failed to query memory: %w", err)
		}
		nodes = found
	default:
		return Effect{}, types.Validation("handlers.recall", "recall needs a node_id or a scope")
	}

	content := fmt.Sprintf("Recall of %s matched nothing. Proceed without it.", query)
	if len(nodes) > 0 {
		content = fmt.Sprintf("Recalled %d node(s) for %s. Use them to move the task forward.", len(nodes), query)
	}

	fctx := inheritContext(req.Thought)
	fctx.RecalledNodes = nodes

	return Effect{
		Payload: map[string]any{
			"query":    query,
			"recalled": len(nodes),
		},
		FollowUp: &FollowUp{
			Content: content,
			Context: fctx,
		},
	}, nil
}

// forgetHandler removes a graph node. Forgetting a node that does not exist
// is a no-op, not a failure. Identity-scope removals carry the same
// signature requirement as identity writes.
type forgetHandler struct{ deps Deps }

func (h *forgetHandler) Action() types.ActionType { return types.ActionForget }

func (h *forgetHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.ForgetParams)
	if !ok {
		return Effect{}, types.Validation("handlers.forget", "parameters %T are not ForgetParams", req.Selection.Parameters)
	}

	if p.Scope == types.ScopeIdentity && p.AuthoritySignature == "" {
		return Effect{}, types.Security("handlers.forget",
			"identity-scope removal of %s requires a wise-authority signature", p.NodeID)
	}

	found := true
	result, err := h.deps.Buses.Memory.Delete(ctx, p.NodeID, p.Scope)
	switch {
	case types.IsKind(err, types.ErrNotFound):
		found = false
	case err != nil:
		return Effect{}, fmt.Errorf("failed to forget node %s: %w", p.NodeID, err)
	case result.Status == types.MemoryOpDenied:
		return Effect{}, types.Permission("handlers.forget",
			"memory provider denied removal of %s: %s", p.NodeID, result.Reason)
	}

	payload := map[string]any{
		"node_id": p.NodeID,
		"scope":   string(p.Scope),
		"found":   found,
	}
	if p.Reason != "" {
		payload["reason"] = p.Reason
	}

	return Effect{
		Payload: payload,
		FollowUp: &FollowUp{
			Content: fmt.Sprintf("Forgot node %s in scope %s. Continue the task.", p.NodeID, p.Scope),
			Context: inheritContext(req.Thought),
		},
	}, nil
}
