package types

// =============================================================================
// SECRETS
// =============================================================================

// SecretRefPattern is the literal form of an embedded secret reference.
// Encapsulation replaces detected secrets with `{{secret:UUID}}` tokens;
// decapsulation substitutes the stored value back for permitted actions.
const SecretRefPattern = `\{\{secret:([0-9a-fA-F-]{36})\}\}`

// SecretRef points at one stored secret that was lifted out of content.
type SecretRef struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// EncapsulateResult is the filtered content plus the references that now
// stand in for the removed secrets.
type EncapsulateResult struct {
	Content string      `json:"content"`
	Refs    []SecretRef `json:"refs,omitempty"`
}
