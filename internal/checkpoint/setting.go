package checkpoint

import "time"

// InteractiveToolCallResult is externally supplied output for a tool call
// the run stopped on, or a delegated child's answer threaded back into
// the parent.
type InteractiveToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	SkillName  string `json:"skill_name"`
	ToolName   string `json:"tool_name"`
	Text       string `json:"text"`
}

// Input is what a run segment starts from.
type Input struct {
	Text                      string                     `json:"text,omitempty"`
	InteractiveToolCallResult *InteractiveToolCallResult `json:"interactive_tool_call_result,omitempty"`
}

// Setting is the per-run configuration paired with a checkpoint.
type Setting struct {
	JobID             string            `json:"job_id"`
	RunID             string            `json:"run_id"`
	ExpertKey         string            `json:"expert_key"`
	Model             string            `json:"model,omitempty"`
	Input             Input             `json:"input"`
	MaxSteps          int               `json:"max_steps,omitempty"`
	MaxRetries        int               `json:"max_retries"`
	GenerationTimeout time.Duration     `json:"generation_timeout,omitempty"`
	ContextWindow     int               `json:"context_window,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s Setting) Clone() Setting {
	if s.Input.InteractiveToolCallResult != nil {
		r := *s.Input.InteractiveToolCallResult
		s.Input.InteractiveToolCallResult = &r
	}
	if s.Env != nil {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = v
		}
		s.Env = env
	}
	return s
}
