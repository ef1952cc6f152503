package checkpoint

import (
	"encoding/json"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{
		StatusCompleted, StatusStoppedByInteractiveTool, StatusStoppedByDelegate,
		StatusStoppedByExceededMaxSteps, StatusStoppedByError,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusInit, StatusProceeding} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("paused").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestNewInitial(t *testing.T) {
	s := Setting{JobID: "job-1", RunID: "run-1", ExpertKey: "writer@1.0.0", ContextWindow: 200000}
	cp := NewInitial(s, Expert{Key: "writer@1.0.0", Name: "writer", Version: "1.0.0"})

	if cp.ID == "" {
		t.Fatal("expected id")
	}
	if cp.Status != StatusInit {
		t.Errorf("status = %s, want init", cp.Status)
	}
	if cp.StepNumber != 1 {
		t.Errorf("step = %d, want 1", cp.StepNumber)
	}
	if cp.JobID != "job-1" || cp.RunID != "run-1" {
		t.Errorf("ids not carried: %+v", cp)
	}
	if cp.ContextWindow != 200000 {
		t.Errorf("context window = %d", cp.ContextWindow)
	}
}

func TestSuccessorIncrementsStepByOne(t *testing.T) {
	cp := NewInitial(Setting{JobID: "j", RunID: "r"}, Expert{Key: "a"})
	cp.Status = StatusProceeding
	cp.RetryCount = 2
	cp.Error = "boom"

	prev := cp
	for i := 0; i < 5; i++ {
		next := Successor(prev)
		if next.StepNumber != prev.StepNumber+1 {
			t.Fatalf("step %d -> %d", prev.StepNumber, next.StepNumber)
		}
		if next.ID == prev.ID {
			t.Fatal("successor reused id")
		}
		if next.Status != prev.Status {
			t.Errorf("status changed: %s -> %s", prev.Status, next.Status)
		}
		if next.RetryCount != 0 || next.Error != "" {
			t.Errorf("retry state not reset: %d %q", next.RetryCount, next.Error)
		}
		prev = next
	}
}

func TestCloneIsDeep(t *testing.T) {
	cp := NewInitial(Setting{JobID: "j", RunID: "r"}, Expert{Key: "a"})
	cp.Messages = append(cp.Messages, NewExpertMessage("hi", []ToolCall{
		{ID: "c1", SkillName: "fs", ToolName: "read", Args: map[string]interface{}{"path": "/a"}},
	}))
	cp.DelegatedBy = &DelegatedBy{CheckpointID: "p"}
	cp.PendingToolCalls = []ToolCall{{ID: "c2", Args: map[string]interface{}{"x": 1}}}
	cp.PartialToolResults = []ToolResult{{ID: "c3", Parts: []Part{TextPart("r")}}}

	cl := cp.Clone()
	cl.Messages[0].Parts[0].Text = "changed"
	cl.Messages[0].Parts[1].ToolCall.Args["path"] = "/b"
	cl.DelegatedBy.CheckpointID = "q"
	cl.PendingToolCalls[0].Args["x"] = 2
	cl.PartialToolResults[0].Parts[0].Text = "changed"

	if cp.Messages[0].Parts[0].Text != "hi" {
		t.Error("message text shared")
	}
	if cp.Messages[0].Parts[1].ToolCall.Args["path"] != "/a" {
		t.Error("tool call args shared")
	}
	if cp.DelegatedBy.CheckpointID != "p" {
		t.Error("delegatedBy shared")
	}
	if cp.PendingToolCalls[0].Args["x"] != 1 {
		t.Error("pending tool call args shared")
	}
	if cp.PartialToolResults[0].Parts[0].Text != "r" {
		t.Error("partial results shared")
	}
}

func TestCheckpointJSONShape(t *testing.T) {
	cp := NewInitial(Setting{JobID: "j", RunID: "r"}, Expert{Key: "a"})
	data, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "job_id", "run_id", "status", "step_number", "usage", "expert"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
	if _, ok := raw["delegated_by"]; ok {
		t.Error("delegated_by should be omitted when nil")
	}
}

func TestMessageHelpers(t *testing.T) {
	m := NewExpertMessage("answer", []ToolCall{{ID: "1", ToolName: "t"}})
	if m.Kind != MessageExpert {
		t.Errorf("kind = %s", m.Kind)
	}
	if !m.HasText() || m.Text() != "answer" {
		t.Errorf("text = %q", m.Text())
	}
	if calls := m.ToolCalls(); len(calls) != 1 || calls[0].ID != "1" {
		t.Errorf("tool calls = %+v", calls)
	}

	onlyCalls := NewExpertMessage("", []ToolCall{{ID: "2"}})
	if onlyCalls.HasText() {
		t.Error("message without text reports HasText")
	}

	tm := NewToolMessage([]ToolResult{{ID: "1", Parts: []Part{TextPart("a"), ImagePart("image/png", "AAA"), TextPart("b")}}})
	if tm.Kind != MessageTool || len(tm.Parts) != 1 {
		t.Fatalf("tool message = %+v", tm)
	}
	if got := tm.Parts[0].ToolResult.Text(); got != "a\nb" {
		t.Errorf("result text = %q", got)
	}
}
