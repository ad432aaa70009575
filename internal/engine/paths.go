package engine

import (
	"strings"

	"github.com/windlass-io/windlass/internal/workflow"
)

// applyOutputMappings merges a completed step's output into the
// execution context per the step's declared mappings. Mappings whose
// output path does not resolve are skipped; a partial output never
// fails a succeeded step.
func applyOutputMappings(ctx map[string]any, mappings []workflow.OutputMapping, output any) {
	for _, m := range mappings {
		value, ok := lookupOutputPath(output, m.OutputPath)
		if !ok {
			continue
		}
		setContextPath(ctx, m.ContextPath, value)
	}
}

// lookupOutputPath resolves a $.dotted.path into the step output; "$"
// selects the whole output.
func lookupOutputPath(output any, path string) (any, bool) {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return output, output != nil
	}
	cur := output
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setContextPath writes a dotted path into the context map, creating
// intermediate maps as needed.
func setContextPath(ctx map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := ctx
	for i := 0; i < len(parts)-1; i++ {
		next, ok := cur[parts[i]].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[parts[i]] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
