package delegation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
)

func parentAt(step int, targets ...checkpoint.DelegationTarget) (checkpoint.Setting, *checkpoint.Checkpoint) {
	s := checkpoint.Setting{JobID: "job", RunID: "parent-run", ExpertKey: "lead", MaxRetries: 3, Input: checkpoint.Input{Text: "original"}}
	cp := checkpoint.NewInitial(s, checkpoint.Expert{Key: "lead", Name: "lead"})
	cp.Status = checkpoint.StatusStoppedByDelegate
	cp.StepNumber = step
	cp.ContextWindow = 5000
	cp.Usage = checkpoint.Usage{InputTokens: 100, TotalTokens: 100}
	cp.Messages = []checkpoint.Message{checkpoint.NewUserMessage("original")}
	cp.DelegateTo = targets
	for _, t := range targets {
		cp.PendingToolCalls = append(cp.PendingToolCalls, checkpoint.ToolCall{ID: t.ToolCallID, SkillName: "team", ToolName: t.ToolName})
	}
	return s, cp
}

func target(key string) checkpoint.DelegationTarget {
	return checkpoint.DelegationTarget{
		Expert:     checkpoint.Expert{Key: key, Name: key},
		ToolCallID: "call-" + key,
		ToolName:   key,
		Query:      "task for " + key,
	}
}

func finished(cp *checkpoint.Checkpoint, steps int, usage int64, answer string) *checkpoint.Checkpoint {
	out := cp.Clone()
	out.Status = checkpoint.StatusCompleted
	out.StepNumber = cp.StepNumber + steps
	out.Usage = out.Usage.Add(checkpoint.Usage{OutputTokens: usage, TotalTokens: usage})
	out.Messages = append(out.Messages, checkpoint.NewExpertMessage(answer, nil))
	return out
}

func TestExtractContextOmitsMessages(t *testing.T) {
	_, cp := parentAt(4, target("writer"))
	cp.PartialToolResults = []checkpoint.ToolResult{{ID: "x", Parts: []checkpoint.Part{checkpoint.TextPart("done")}}}

	c := ExtractContext(cp)
	if c.ID != cp.ID || c.StepNumber != 4 || c.ContextWindow != 5000 || c.Usage != cp.Usage {
		t.Errorf("context = %+v", c)
	}
	if len(c.PendingToolCalls) != 1 || len(c.PartialToolResults) != 1 {
		t.Errorf("tool state missing: %+v", c)
	}
	c.PendingToolCalls[0].ID = "mutated"
	if cp.PendingToolCalls[0].ID == "mutated" {
		t.Error("context shares memory with the checkpoint")
	}
}

func TestSelect(t *testing.T) {
	if _, ok := Select(1, nil, nil).(*Single); !ok {
		t.Error("one target should use Single")
	}
	if _, ok := Select(3, nil, nil).(*Parallel); !ok {
		t.Error("several targets should use Parallel")
	}
}

func TestSingleDefersExecution(t *testing.T) {
	s, cp := parentAt(3, target("writer"))
	var events []event.Event
	emitter := event.NewEmitter(nil, event.ListenerFunc(func(ctx context.Context, ev event.Event) { events = append(events, ev) }))

	res, err := Select(1, func(context.Context, checkpoint.Setting, *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
		t.Fatal("single delegation ran the child")
		return nil, nil
	}, emitter).Delegate(context.Background(), s, cp)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Children) != 0 {
		t.Errorf("children = %d", len(res.Children))
	}

	child := res.Checkpoint
	if child.Status != checkpoint.StatusInit || len(child.Messages) != 0 {
		t.Errorf("child = %s with %d messages", child.Status, len(child.Messages))
	}
	if child.RunID == cp.RunID || res.Setting.RunID != child.RunID {
		t.Errorf("child run id = %q, setting run id = %q", child.RunID, res.Setting.RunID)
	}
	if res.Setting.ExpertKey != "writer" || child.Expert.Key != "writer" || res.Setting.Input.Text != "task for writer" {
		t.Errorf("setting = %+v", res.Setting)
	}
	if child.StepNumber != 3 || !child.Usage.IsZero() || child.ContextWindow != 5000 {
		t.Errorf("child = step %d usage %+v window %d", child.StepNumber, child.Usage, child.ContextWindow)
	}
	by := child.DelegatedBy
	if by == nil || by.CheckpointID != cp.ID || by.RunID != cp.RunID || by.ToolCallID != "call-writer" || by.Expert.Key != "lead" {
		t.Errorf("delegatedBy = %+v", by)
	}
	if len(events) != 1 || event.TypeOf(events[0]) != event.TypeDelegationStarted {
		t.Errorf("events = %v", events)
	}
}

func TestBuildReturnState(t *testing.T) {
	s, parent := parentAt(2, target("writer"))
	st := BuildDelegateState(s, parent, parent.DelegateTo[0])
	child := finished(st.Checkpoint, 3, 40, "draft ready")

	ret, err := BuildReturnState(st.Setting, parent, child)
	if err != nil {
		t.Fatal(err)
	}
	if ret.Setting.RunID != parent.RunID || ret.Setting.ExpertKey != "lead" {
		t.Errorf("setting = %+v", ret.Setting)
	}
	res := ret.Setting.Input.InteractiveToolCallResult
	if res == nil || res.ToolCallID != "call-writer" || res.SkillName != "team" || res.Text != "draft ready" {
		t.Errorf("interactive result = %+v", res)
	}
	if ret.Checkpoint.StepNumber != 5 || ret.Checkpoint.Usage.TotalTokens != 140 {
		t.Errorf("return cp = step %d usage %+v", ret.Checkpoint.StepNumber, ret.Checkpoint.Usage)
	}
	if len(ret.Checkpoint.Messages) != 1 || ret.Checkpoint.Messages[0].Text() != "original" {
		t.Errorf("parent history not carried: %+v", ret.Checkpoint.Messages)
	}
	if ret.Checkpoint.ID != parent.ID {
		t.Errorf("return state should start from the parent checkpoint")
	}
}

func TestResultTextValidation(t *testing.T) {
	cp := &checkpoint.Checkpoint{RunID: "r"}
	if _, err := ResultText(cp); err == nil || !strings.Contains(err.Error(), "delegation result message is incorrect") {
		t.Errorf("empty history: %v", err)
	}

	cp.Messages = []checkpoint.Message{checkpoint.NewUserMessage("hi")}
	if _, err := ResultText(cp); err == nil || !strings.Contains(err.Error(), "delegation result message is incorrect") {
		t.Errorf("user message: %v", err)
	}

	cp.Messages = []checkpoint.Message{checkpoint.NewExpertMessage("", []checkpoint.ToolCall{{ID: "x"}})}
	if _, err := ResultText(cp); err == nil || !strings.Contains(err.Error(), "does not contain text") {
		t.Errorf("no text: %v", err)
	}

	cp.Messages = []checkpoint.Message{checkpoint.NewExpertMessage("answer", nil)}
	if text, err := ResultText(cp); err != nil || text != "answer" {
		t.Errorf("text = %q, %v", text, err)
	}
}

// childRunner finishes each child after a delay chosen per expert, so
// completion order differs from target order.
func childRunner(delays map[string]time.Duration, steps map[string]int, usage map[string]int64) RunFunc {
	return func(ctx context.Context, s checkpoint.Setting, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
		key := s.ExpertKey
		select {
		case <-time.After(delays[key]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return finished(cp, steps[key], usage[key], "answer from "+key), nil
	}
}

func TestParallelAggregates(t *testing.T) {
	s, parent := parentAt(5, target("a"), target("b"), target("c"))
	steps := map[string]int{"a": 1, "b": 6, "c": 3}
	usage := map[string]int64{"a": 10, "b": 20, "c": 30}

	run := childRunner(
		map[string]time.Duration{"a": 30 * time.Millisecond, "b": 0, "c": 10 * time.Millisecond},
		steps, usage,
	)

	res, err := Select(3, run, nil).Delegate(context.Background(), s, parent)
	if err != nil {
		t.Fatal(err)
	}

	cp := res.Checkpoint
	if cp.StepNumber != 11 {
		t.Errorf("step = %d, want max child step 11", cp.StepNumber)
	}
	if cp.Usage.TotalTokens != 160 || cp.Usage.InputTokens != 100 || cp.Usage.OutputTokens != 60 {
		t.Errorf("usage = %+v", cp.Usage)
	}

	first := res.Setting.Input.InteractiveToolCallResult
	if first == nil || first.ToolCallID != "call-a" || first.Text != "answer from a" {
		t.Errorf("threaded result = %+v", first)
	}
	if len(cp.PartialToolResults) != 2 || cp.PartialToolResults[0].ID != "call-b" || cp.PartialToolResults[1].ID != "call-c" {
		t.Errorf("partials = %+v", cp.PartialToolResults)
	}
	if cp.PartialToolResults[1].Text() != "answer from c" || cp.PartialToolResults[1].SkillName != "team" {
		t.Errorf("partial = %+v", cp.PartialToolResults[1])
	}
	if len(res.Children) != 3 || res.Children[0].Expert.Key != "a" {
		t.Errorf("children = %+v", res.Children)
	}
	for _, child := range res.Children {
		if child.RunID == parent.RunID || child.DelegatedBy == nil || child.DelegatedBy.CheckpointID != parent.ID {
			t.Errorf("child %s not isolated: %+v", child.Expert.Key, child.DelegatedBy)
		}
	}
	if res.Setting.RunID != parent.RunID || res.Setting.ExpertKey != "lead" {
		t.Errorf("setting = %+v", res.Setting)
	}
}

func TestParallelUsageIndependentOfCompletionOrder(t *testing.T) {
	steps := map[string]int{"a": 2, "b": 2}
	usage := map[string]int64{"a": 7, "b": 11}
	var totals []checkpoint.Usage
	for _, delays := range []map[string]time.Duration{
		{"a": 0, "b": 20 * time.Millisecond},
		{"a": 20 * time.Millisecond, "b": 0},
	} {
		s, parent := parentAt(1, target("a"), target("b"))
		res, err := Select(2, childRunner(delays, steps, usage), nil).Delegate(context.Background(), s, parent)
		if err != nil {
			t.Fatal(err)
		}
		totals = append(totals, res.Checkpoint.Usage)
		if res.Checkpoint.PartialToolResults[0].ID != "call-b" {
			t.Errorf("partial order follows completion: %+v", res.Checkpoint.PartialToolResults)
		}
	}
	if totals[0] != totals[1] {
		t.Errorf("usage differs by completion order: %+v vs %+v", totals[0], totals[1])
	}
}

func TestParallelChildFailureAborts(t *testing.T) {
	s, parent := parentAt(1, target("a"), target("b"))
	boom := errors.New("boom")
	run := func(ctx context.Context, st checkpoint.Setting, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
		if st.ExpertKey == "b" {
			return nil, boom
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if _, err := Select(2, run, nil).Delegate(context.Background(), s, parent); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestParallelRejectsUnfinishedChild(t *testing.T) {
	s, parent := parentAt(1, target("a"), target("b"))
	run := func(ctx context.Context, st checkpoint.Setting, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
		out := finished(cp, 1, 1, "ok")
		if st.ExpertKey == "b" {
			out.Status = checkpoint.StatusStoppedByError
			out.Error = "tool crashed"
		}
		return out, nil
	}
	_, err := Select(2, run, nil).Delegate(context.Background(), s, parent)
	if err == nil || !strings.Contains(err.Error(), "tool crashed") {
		t.Errorf("err = %v", err)
	}
}

func TestNoTargets(t *testing.T) {
	s, parent := parentAt(1)
	if _, err := (&Single{}).Delegate(context.Background(), s, parent); !errors.Is(err, ErrNoDelegations) {
		t.Errorf("single: %v", err)
	}
	if _, err := (&Parallel{}).Delegate(context.Background(), s, parent); !errors.Is(err, ErrNoDelegations) {
		t.Errorf("parallel: %v", err)
	}
}
