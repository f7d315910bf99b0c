package kernel

import (
	"fmt"
	"strings"

	"github.com/rudiheydra/autobuildr/internal/model"
)

// buildSystemPrompt implements spec.md §4.1 step 2: compose the spec
// objective, its context map, and a rendered tool-hints section derived
// from the tool policy.
func buildSystemPrompt(spec *model.AgentSpec) string {
	var b strings.Builder
	b.WriteString(spec.Objective)

	if len(spec.Context) > 0 {
		b.WriteString("\n\nContext:\n")
		for key, v := range spec.Context {
			fmt.Fprintf(&b, "- %s: %v\n", key, v)
		}
	}

	if hints := renderToolHints(spec.ToolPolicy); hints != "" {
		b.WriteString("\n\nTool usage:\n")
		b.WriteString(hints)
	}

	return b.String()
}

func renderToolHints(p model.ToolPolicy) string {
	var b strings.Builder
	if len(p.AllowedTools) > 0 {
		fmt.Fprintf(&b, "Allowed tools: %s\n", strings.Join(p.AllowedTools, ", "))
	}
	if len(p.ForbiddenTools) > 0 {
		fmt.Fprintf(&b, "Forbidden tools: %s\n", strings.Join(p.ForbiddenTools, ", "))
	}
	for name, hint := range p.ToolHints {
		fmt.Fprintf(&b, "- %s: %s\n", name, hint)
	}
	return b.String()
}
