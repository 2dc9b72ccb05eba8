package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// GRAPH MEMORY (nodes and edges)
// =============================================================================

// PutNode upserts a node. An existing (id, scope) row has its attributes
// replaced and version advanced; a new row starts at version 1. The stored
// node is returned with its final version.
func (s *Store) PutNode(ctx context.Context, node types.GraphNode) (*types.GraphNode, error) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	if !node.Scope.Valid() {
		return nil, types.Validation("persistence.put_node", "invalid graph scope %q", node.Scope)
	}
	if node.Attributes == nil {
		node.Attributes = map[string]any{}
	}

	attrsJSON, err := json.Marshal(node.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node attributes: %w", err)
	}

	node.UpdatedAt = s.clock.Now()

	err = s.withRetry(ctx, "persistence.put_node", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO graph_nodes (node_id, scope, node_type, attributes_json, version, updated_by, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)
			 ON CONFLICT(node_id, scope) DO UPDATE SET
			   node_type = excluded.node_type,
			   attributes_json = excluded.attributes_json,
			   version = graph_nodes.version + 1,
			   updated_by = excluded.updated_by,
			   updated_at = excluded.updated_at`,
			node.ID, string(node.Scope), string(node.Type), string(attrsJSON),
			nullString(node.UpdatedBy), encodeTime(node.UpdatedAt),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	stored, err := s.GetNode(ctx, node.ID, node.Scope)
	if err != nil {
		return nil, err
	}
	logging.MemoryDebug("put node %s scope=%s version=%d", node.ID, node.Scope, stored.Version)
	return stored, nil
}

// GetNode fetches a node by id and scope.
func (s *Store) GetNode(ctx context.Context, id string, scope types.GraphScope) (*types.GraphNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, scope, node_type, attributes_json, version, updated_by, updated_at
		 FROM graph_nodes WHERE node_id = ? AND scope = ?`, id, string(scope))

	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("persistence.get_node", "node %s not found in scope %s", id, scope)
	}
	return node, err
}

// DeleteNode removes a node and its edges within the scope.
func (s *Store) DeleteNode(ctx context.Context, id string, scope types.GraphScope) error {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	return s.withRetry(ctx, "persistence.delete_node", func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM graph_nodes WHERE node_id = ? AND scope = ?", id, string(scope))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFound("persistence.delete_node", "node %s not found in scope %s", id, scope)
		}
		_, err = s.db.ExecContext(ctx,
			"DELETE FROM graph_edges WHERE scope = ? AND (from_id = ? OR to_id = ?)",
			string(scope), id, id)
		return err
	})
}

// QueryNodes returns nodes in a scope, optionally narrowed by type and id
// prefix, ordered by id.
func (s *Store) QueryNodes(ctx context.Context, q types.MemoryQuery) ([]types.GraphNode, error) {
	timer := logging.StartTimer(logging.CategoryPersistence, "QueryNodes")
	defer timer.Stop()

	query := `SELECT node_id, scope, node_type, attributes_json, version, updated_by, updated_at
	          FROM graph_nodes WHERE scope = ?`
	args := []any{string(q.Scope)}

	if q.Type != "" {
		query += " AND node_type = ?"
		args = append(args, string(q.Type))
	}
	if q.Prefix != "" {
		query += " AND node_id LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(q.Prefix)+"%")
	}
	query += " ORDER BY node_id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []types.GraphNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

// PutEdge upserts an edge between two nodes in a scope.
func (s *Store) PutEdge(ctx context.Context, edge types.GraphEdge) error {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	if !edge.Scope.Valid() {
		return types.Validation("persistence.put_edge", "invalid graph scope %q", edge.Scope)
	}

	attrs := edge.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode edge attributes: %w", err)
	}

	return s.withRetry(ctx, "persistence.put_edge", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO graph_edges (from_id, to_id, relation, scope, attributes_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(from_id, to_id, relation, scope) DO UPDATE SET
			   attributes_json = excluded.attributes_json`,
			edge.FromID, edge.ToID, edge.Relation, string(edge.Scope),
			string(attrsJSON), encodeTime(s.clock.Now()),
		)
		return err
	})
}

// GetEdges returns every edge leaving a node within a scope.
func (s *Store) GetEdges(ctx context.Context, fromID string, scope types.GraphScope) ([]types.GraphEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_id, to_id, relation, scope, attributes_json
		 FROM graph_edges WHERE from_id = ? AND scope = ? ORDER BY to_id, relation`,
		fromID, string(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to get edges: %w", err)
	}
	defer rows.Close()

	var edges []types.GraphEdge
	for rows.Next() {
		var (
			edge      types.GraphEdge
			scopeStr  string
			attrsJSON string
		)
		if err := rows.Scan(&edge.FromID, &edge.ToID, &edge.Relation, &scopeStr, &attrsJSON); err != nil {
			return nil, err
		}
		edge.Scope = types.GraphScope(scopeStr)
		if err := json.Unmarshal([]byte(attrsJSON), &edge.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode edge attributes: %w", err)
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func scanNode(row rowScanner) (*types.GraphNode, error) {
	var (
		node      types.GraphNode
		scope     string
		ntype     string
		attrsJSON string
		updatedBy sql.NullString
		updatedAt string
	)

	err := row.Scan(&node.ID, &scope, &ntype, &attrsJSON, &node.Version, &updatedBy, &updatedAt)
	if err != nil {
		return nil, err
	}

	node.Scope = types.GraphScope(scope)
	node.Type = types.NodeType(ntype)
	node.UpdatedBy = updatedBy.String

	if err := json.Unmarshal([]byte(attrsJSON), &node.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode node attributes: %w", err)
	}
	if node.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &node, nil
}

// escapeLike escapes LIKE metacharacters in a user-supplied prefix.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
