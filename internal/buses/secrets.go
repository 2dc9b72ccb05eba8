package buses

import (
	"context"

	"ciris/internal/types"
)

// =============================================================================
// SECRETS BUS
// =============================================================================

// SecretsBus routes secret encapsulation and decapsulation to secrets
// providers. With no provider registered, content passes through untouched;
// ingress filtering degrades to off rather than blocking the agent.
type SecretsBus struct {
	core *Core
}

// NewSecretsBus builds the bus over the shared core.
func NewSecretsBus(core *Core) *SecretsBus {
	return &SecretsBus{core: core}
}

// Encapsulate lifts detected secrets out of content, returning the filtered
// content with `{{secret:UUID}}` references in place of the removed values.
func (b *SecretsBus) Encapsulate(ctx context.Context, content, origin string) (types.EncapsulateResult, error) {
	var result types.EncapsulateResult
	spec := callSpec{
		ServiceType:  types.ServiceSecrets,
		Op:           "encapsulate",
		Class:        ClassMutation,
		Capabilities: []types.Capability{types.CapEncapsulate},
		Request:      map[string]any{"origin": origin, "content_bytes": len(content)},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		sp, ok := p.(SecretsProvider)
		if !ok {
			return wrongInterface("bus.encapsulate", "SecretsProvider", p)
		}
		r, err := sp.Encapsulate(ctx, content, origin)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if types.IsKind(err, types.ErrNoProvider) {
		return types.EncapsulateResult{Content: content}, nil
	}
	return result, err
}

// Decapsulate substitutes stored secret values back into content for the
// given action. Providers enforce which actions may see plaintext.
func (b *SecretsBus) Decapsulate(ctx context.Context, content string, action types.ActionType, origin string) (string, error) {
	var result string
	spec := callSpec{
		ServiceType:  types.ServiceSecrets,
		Op:           "decapsulate",
		Class:        ClassQuery,
		Capabilities: []types.Capability{types.CapDecapsulate},
		Request:      map[string]any{"origin": origin, "action": action},
	}
	err := b.core.call(ctx, spec, func(p any) error {
		sp, ok := p.(SecretsProvider)
		if !ok {
			return wrongInterface("bus.decapsulate", "SecretsProvider", p)
		}
		r, err := sp.Decapsulate(ctx, content, action, origin)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if types.IsKind(err, types.ErrNoProvider) {
		return content, nil
	}
	return result, err
}
