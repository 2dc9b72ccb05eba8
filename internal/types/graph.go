package types

import "time"

// =============================================================================
// GRAPH MEMORY
// =============================================================================

// GraphScope partitions graph memory by blast radius. IDENTITY-scope
// mutations require a wise-authority signature and pass the variance guard.
type GraphScope string

const (
	ScopeLocal       GraphScope = "LOCAL"
	ScopeIdentity    GraphScope = "IDENTITY"
	ScopeEnvironment GraphScope = "ENVIRONMENT"
	ScopeCommunity   GraphScope = "COMMUNITY"
	ScopeNetwork     GraphScope = "NETWORK"
)

// Valid reports whether s names a known scope.
func (s GraphScope) Valid() bool {
	switch s {
	case ScopeLocal, ScopeIdentity, ScopeEnvironment, ScopeCommunity, ScopeNetwork:
		return true
	}
	return false
}

// NodeType classifies graph nodes.
type NodeType string

const (
	NodeAgent    NodeType = "AGENT"
	NodeUser     NodeType = "USER"
	NodeChannel  NodeType = "CHANNEL"
	NodeConcept  NodeType = "CONCEPT"
	NodeConfig   NodeType = "CONFIG"
	NodeIdentity NodeType = "IDENTITY"
	NodeTSDBData NodeType = "TSDB_DATA"
)

// IdentityRootID is the id of the single IDENTITY-scope node holding the
// agent's durable self-description.
const IdentityRootID = "agent/identity"

// GraphNode is one memory record. Attributes are the node's structured
// payload; Version advances on every put.
type GraphNode struct {
	ID         string         `json:"id"`
	Type       NodeType       `json:"type"`
	Scope      GraphScope     `json:"scope"`
	Attributes map[string]any `json:"attributes"`
	Version    int            `json:"version"`
	UpdatedBy  string         `json:"updated_by,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// GraphEdge links two nodes within a scope.
type GraphEdge struct {
	FromID     string         `json:"from_id"`
	ToID       string         `json:"to_id"`
	Relation   string         `json:"relation"`
	Scope      GraphScope     `json:"scope"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// MemoryQuery selects nodes by scope, optionally narrowed by type and id
// prefix. A zero Limit means no cap.
type MemoryQuery struct {
	Scope  GraphScope `json:"scope"`
	Type   NodeType   `json:"type,omitempty"`
	Prefix string     `json:"prefix,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// MemoryOpStatus reports the outcome of a memory bus operation.
type MemoryOpStatus string

const (
	MemoryOpOK      MemoryOpStatus = "OK"
	MemoryOpDenied  MemoryOpStatus = "DENIED"
	MemoryOpError   MemoryOpStatus = "ERROR"
	MemoryOpPending MemoryOpStatus = "PENDING"
)

// MemoryOpResult is the typed response of put/delete memory operations.
type MemoryOpResult struct {
	Status MemoryOpStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
	NodeID string         `json:"node_id,omitempty"`
}
