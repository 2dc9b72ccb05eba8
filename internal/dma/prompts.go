package dma

import (
	"fmt"
	"sort"
	"strings"

	"ciris/internal/types"
)

// =============================================================================
// PROMPT RENDERING
// =============================================================================

// renderThought lays out one thought and its context for an evaluator.
// Sections are omitted when empty so short thoughts stay short prompts.
func renderThought(thought types.Thought, tctx types.ThoughtContext) string {
	var sb strings.Builder

	sb.WriteString("## Thought\n")
	sb.WriteString(thought.Content)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("Round %d of its chain", thought.Round))
	if thought.PonderCount > 0 {
		sb.WriteString(fmt.Sprintf(", pondered %d time(s) already", thought.PonderCount))
	}
	sb.WriteString(".\n")

	if tctx.ChannelID != "" || tctx.AuthorName != "" {
		sb.WriteString("\n## Origin\n")
		if tctx.ChannelID != "" {
			sb.WriteString(fmt.Sprintf("Channel: %s\n", tctx.ChannelID))
		}
		if tctx.AuthorName != "" {
			sb.WriteString(fmt.Sprintf("Author: %s\n", tctx.AuthorName))
		}
	}

	if tctx.Guidance != "" {
		sb.WriteString("\n## Authority Guidance\n")
		sb.WriteString(tctx.Guidance)
		sb.WriteString("\n")
	}

	if tctx.Observation != "" {
		sb.WriteString("\n## Observation\n")
		sb.WriteString(tctx.Observation)
		sb.WriteString("\n")
	}

	if tctx.ToolResult != nil {
		sb.WriteString("\n## Last Tool Result\n")
		sb.WriteString(fmt.Sprintf("Tool %s, success=%v\n", tctx.ToolResult.ToolName, tctx.ToolResult.Success))
		if tctx.ToolResult.Output != "" {
			sb.WriteString(truncate(tctx.ToolResult.Output, 1000))
			sb.WriteString("\n")
		}
		if tctx.ToolResult.Error != "" {
			sb.WriteString("Error: " + tctx.ToolResult.Error + "\n")
		}
	}

	if len(tctx.RecalledNodes) > 0 {
		sb.WriteString("\n## Recalled Memory\n")
		for _, n := range tctx.RecalledNodes {
			sb.WriteString(fmt.Sprintf("- %s [%s/%s]: %s\n", n.ID, n.Scope, n.Type, summarizeAttributes(n.Attributes)))
		}
	}

	if len(tctx.ChannelHistory) > 0 {
		sb.WriteString("\n## Recent Channel History\n")
		for _, m := range tctx.ChannelHistory {
			sb.WriteString(fmt.Sprintf("%s: %s\n", m.AuthorName, truncate(m.Content, 300)))
		}
	}

	if tctx.Epistemic != nil && len(tctx.Epistemic.Insights) > 0 {
		sb.WriteString("\n## Insights From Earlier Rounds\n")
		for _, in := range tctx.Epistemic.Insights {
			sb.WriteString("- " + in + "\n")
		}
	}

	return sb.String()
}

// summarizeAttributes flattens a node's attributes to one prompt line.
func summarizeAttributes(attrs map[string]any) string {
	if len(attrs) == 0 {
		return "(empty)"
	}
	parts := make([]string, 0, len(attrs))
	for k, v := range attrs {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	// Map order varies; sort for stable prompts.
	sort.Strings(parts)
	return truncate(strings.Join(parts, ", "), 300)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
