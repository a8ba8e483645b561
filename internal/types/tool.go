package types

// ToolDefinition describes a tool for the LLM.
// Lives here so llm doesn't need to import tools (avoiding cycles).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}
