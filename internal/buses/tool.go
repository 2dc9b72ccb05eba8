package buses

import (
	"context"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// TOOL BUS
// =============================================================================

// ToolBus routes tool catalog reads and executions to tool providers. Each
// provider owns its own catalog, so execution routes across providers until
// one recognizes the tool name.
type ToolBus struct {
	core *Core
}

// NewToolBus builds the bus over the shared core.
func NewToolBus(core *Core) *ToolBus {
	return &ToolBus{core: core}
}

// ListTools merges the catalogs of every selectable provider in priority
// order. A name offered twice keeps the higher-priority descriptor. No
// registered providers yields an empty catalog, not an error.
func (b *ToolBus) ListTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	started := b.core.clock.Now()
	exclude := make(map[string]bool)
	seen := make(map[string]bool)
	out := []types.ToolDescriptor{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, types.WrapError(types.ErrTransient, "bus.list_tools", err)
		}
		sel, err := b.core.registry.SelectExcluding(types.ServiceTool, exclude, types.CapListTools)
		if err != nil {
			break
		}
		exclude[sel.Handle] = true

		tp, ok := sel.Provider.(ToolProvider)
		if !ok {
			continue
		}
		tools, err := tp.ListTools(ctx)
		if err != nil {
			b.core.registry.ReportFailure(sel.Handle, err)
			logging.BusDebug("list_tools: provider %s failed: %v", sel.Name, err)
			continue
		}
		b.core.registry.ReportSuccess(sel.Handle)
		for _, td := range tools {
			if seen[td.Name] {
				continue
			}
			seen[td.Name] = true
			out = append(out, td)
		}
	}

	spec := callSpec{
		ServiceType:  types.ServiceTool,
		Op:           "list_tools",
		Class:        ClassQuery,
		Capabilities: []types.Capability{types.CapListTools},
		Request:      map[string]any{"tools": len(out)},
	}
	b.core.emit(ctx, spec, "", started, 1, nil)
	return out, nil
}

// Execute invokes the named tool. Providers that do not offer the tool
// answer not-found and selection moves to the next; when nobody offers it,
// the not-found comes back to the caller.
func (b *ToolBus) Execute(ctx context.Context, name string, args map[string]any) (types.ToolResult, error) {
	if name == "" {
		return types.ToolResult{}, types.Validation("bus.execute_tool", "tool name is required")
	}

	var result types.ToolResult
	spec := callSpec{
		ServiceType:     types.ServiceTool,
		Op:              "execute_tool",
		Class:           ClassMutation,
		Capabilities:    []types.Capability{types.CapExecuteTool},
		Request:         map[string]any{"tool": name},
		RouteOnNotFound: true,
	}
	err := b.core.call(ctx, spec, func(p any) error {
		tp, ok := p.(ToolProvider)
		if !ok {
			return wrongInterface("bus.execute_tool", "ToolProvider", p)
		}
		r, err := tp.ExecuteTool(ctx, name, args)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
