package delegation

import (
	"fmt"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// ResultText returns the answer a finished child hands to its parent: the
// text of its last message, which must come from the expert.
func ResultText(child *checkpoint.Checkpoint) (string, error) {
	last, ok := child.LastMessage()
	if !ok || last.Kind != checkpoint.MessageExpert {
		kind := "none"
		if ok {
			kind = string(last.Kind)
		}
		return "", fmt.Errorf("delegation result message is incorrect: run %s ended with %s message", child.RunID, kind)
	}
	if !last.HasText() {
		return "", fmt.Errorf("delegation result message of run %s does not contain text", child.RunID)
	}
	return last.Text(), nil
}

// BuildReturnState resumes parent with the answer of child. The child's
// usage is added to the parent's and the parent continues after the
// child's last step. The answer arrives as the result of the delegate
// tool call that spawned the child.
func BuildReturnState(setting checkpoint.Setting, parent, child *checkpoint.Checkpoint) (State, error) {
	if child.DelegatedBy == nil {
		return State{}, fmt.Errorf("run %s was not delegated", child.RunID)
	}
	text, err := ResultText(child)
	if err != nil {
		return State{}, err
	}

	s := parentSetting(setting, parent)
	s.Input = checkpoint.Input{InteractiveToolCallResult: &checkpoint.InteractiveToolCallResult{
		ToolCallID: child.DelegatedBy.ToolCallID,
		SkillName:  skillOf(parent, child.DelegatedBy.ToolCallID),
		ToolName:   child.DelegatedBy.ToolName,
		Text:       text,
	}}

	cp := parent.Clone()
	cp.Usage = parent.Usage.Add(child.Usage)
	cp.StepNumber = child.StepNumber
	return State{Setting: s, Checkpoint: cp}, nil
}

// parentSetting re-targets a setting at the parent's run.
func parentSetting(setting checkpoint.Setting, parent *checkpoint.Checkpoint) checkpoint.Setting {
	s := setting.Clone()
	s.RunID = parent.RunID
	s.ExpertKey = parent.Expert.Key
	return s
}

func skillOf(cp *checkpoint.Checkpoint, toolCallID string) string {
	for _, tc := range cp.PendingToolCalls {
		if tc.ID == toolCallID {
			return tc.SkillName
		}
	}
	return ""
}
