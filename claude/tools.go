package claude

// Tool sets are composable building blocks for the acceptEdits whitelist.
// The supervisor composes them with any tools named in the config.

// ToolSetRead contains tools that only read the workspace.
var ToolSetRead = []string{
	"Read",
	"Glob",
	"Grep",
}

// ToolSetEdit contains tools that modify files but never run commands.
var ToolSetEdit = []string{
	"Edit",
	"Write",
	"MultiEdit",
	"NotebookEdit",
}

// ToolSetWeb contains web access tools.
var ToolSetWeb = []string{
	"WebFetch",
	"WebSearch",
}

// AcceptEditsTools is the whitelist auto-allowed in acceptEdits mode.
var AcceptEditsTools = ComposeTools(ToolSetRead, ToolSetEdit, ToolSetWeb)

// ComposeTools merges multiple tool sets into a single deduplicated slice.
// Order is preserved (first occurrence wins).
func ComposeTools(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, set := range sets {
		for _, tool := range set {
			if _, exists := seen[tool]; !exists {
				seen[tool] = struct{}{}
				result = append(result, tool)
			}
		}
	}
	return result
}
