package checkpoint

// ToolDefinition describes one tool offered to the generative service.
type ToolDefinition struct {
	SkillName   string                 `json:"skill_name"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	Interactive bool                   `json:"interactive,omitempty"`
}
