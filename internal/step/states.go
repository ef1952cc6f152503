package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
	"github.com/vinayprograms/agentrun/internal/generation"
	"github.com/vinayprograms/agentrun/internal/skill"
)

// init starts a fresh segment or picks up a stopped one.
func (r *runner) init(ctx context.Context) (transition, error) {
	if r.cp.ContextWindow == 0 {
		r.cp.ContextWindow = r.setting.ContextWindow
	}

	switch r.cp.Status {
	case checkpoint.StatusStoppedByInteractiveTool, checkpoint.StatusStoppedByDelegate:
		from := r.cp.Status
		r.mergeInteractiveResult()
		r.cp.DelegateTo = nil
		r.cp.Status = checkpoint.StatusProceeding
		if err := r.emit(ctx, &event.ResumeFromStop{
			Header:           r.header(),
			FromCheckpointID: r.cp.ID,
			FromStatus:       from,
		}); err != nil {
			return nil, err
		}
		if err := r.save(ctx); err != nil {
			return nil, err
		}
		return resumeFromStop{}, nil

	case checkpoint.StatusProceeding:
		// Crash recovery: the stored step never finished.
		r.cp.PendingToolCalls = nil
		r.cp.PartialToolResults = nil
		return startRun{}, nil
	}

	// init, or a finished segment reopened with new input.
	if r.setting.Input.Text != "" {
		r.cp.Messages = append(r.cp.Messages, checkpoint.NewUserMessage(r.setting.Input.Text))
	}
	r.cp.Status = checkpoint.StatusProceeding
	r.cp.Error = ""
	if err := r.emit(ctx, &event.StartRun{
		Header: r.header(),
		Input:  r.setting.Input,
		Model:  r.setting.Model,
	}); err != nil {
		return nil, err
	}
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	return startRun{}, nil
}

// mergeInteractiveResult turns externally supplied output into a tool
// result and drops every answered call from the pending set.
func (r *runner) mergeInteractiveResult() {
	if res := r.setting.Input.InteractiveToolCallResult; res != nil && !r.hasResult(res.ToolCallID) {
		skillName, toolName := res.SkillName, res.ToolName
		for _, tc := range r.cp.PendingToolCalls {
			if tc.ID == res.ToolCallID {
				skillName, toolName = tc.SkillName, tc.ToolName
			}
		}
		r.cp.PartialToolResults = append(r.cp.PartialToolResults, checkpoint.ToolResult{
			ID:        res.ToolCallID,
			SkillName: skillName,
			ToolName:  toolName,
			Parts:     []checkpoint.Part{checkpoint.TextPart(res.Text)},
		})
	}
	var pending []checkpoint.ToolCall
	for _, tc := range r.cp.PendingToolCalls {
		if !r.hasResult(tc.ID) {
			pending = append(pending, tc)
		}
	}
	r.cp.PendingToolCalls = pending
}

func (r *runner) hasResult(id string) bool {
	for _, tr := range r.cp.PartialToolResults {
		if tr.ID == id {
			return true
		}
	}
	return false
}

func (r *runner) prepare(ctx context.Context) (transition, error) {
	r.cp.PendingToolCalls = nil
	r.cp.PartialToolResults = nil
	return startGeneration{}, nil
}

func (r *runner) generateToolCall(ctx context.Context) (transition, error) {
	tools, err := skill.ToolDefinitions(ctx, r.ordered)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return stop{status: checkpoint.StatusStoppedByError, err: err.Error()}, nil
	}
	res, t, err := r.generate(ctx, StateGeneratingToolCall, tools)
	if t != nil || err != nil {
		return t, err
	}

	if len(res.ToolCalls) == 0 {
		return stop{status: checkpoint.StatusCompleted, text: res.Text}, nil
	}

	r.cp.Messages = append(r.cp.Messages, checkpoint.NewExpertMessage(res.Text, res.ToolCalls))
	r.cp.PendingToolCalls = SortToolCalls(res.ToolCalls, r.managers)
	if err := r.emit(ctx, &event.CallTools{Header: r.header(), ToolCalls: r.cp.PendingToolCalls}); err != nil {
		return nil, err
	}
	return callTools{}, nil
}

// generateRunResult asks for the final answer once completion was accepted.
func (r *runner) generateRunResult(ctx context.Context) (transition, error) {
	res, t, err := r.generate(ctx, StateGeneratingRunResult, nil)
	if t != nil || err != nil {
		return t, err
	}
	return stop{status: checkpoint.StatusCompleted, text: res.Text}, nil
}

// generate makes one call and folds its usage into the checkpoint. A
// failure comes back as a retry or stop transition.
func (r *runner) generate(ctx context.Context, from State, tools []checkpoint.ToolDefinition) (*generation.Result, transition, error) {
	if err := r.emit(ctx, &event.StartGeneration{
		Header:   r.header(),
		Messages: len(r.cp.Messages),
		Tools:    len(tools),
	}); err != nil {
		return nil, nil, err
	}

	gctx := ctx
	if r.setting.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, r.setting.GenerationTimeout)
		defer cancel()
	}
	res, err := r.m.gen.Generate(gctx, generation.Request{
		Instruction: r.instruction,
		Messages:    r.cp.Messages,
		Tools:       tools,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, r.generationFailed(from, generation.Classify(err)), nil
	}

	r.cp.Usage = r.cp.Usage.Add(res.Usage)
	if r.cp.ContextWindow > 0 {
		r.cp.ContextWindowUsage = float64(res.Usage.InputTokens) / float64(r.cp.ContextWindow)
	}
	return res, nil, nil
}

func (r *runner) generationFailed(from State, gerr *generation.Error) transition {
	r.cp.Usage = r.cp.Usage.Add(gerr.Usage)
	if !gerr.Retryable {
		return stop{status: checkpoint.StatusStoppedByError, err: gerr.Error()}
	}
	if r.cp.RetryCount >= r.setting.MaxRetries {
		return stop{
			status: checkpoint.StatusStoppedByError,
			err:    fmt.Sprintf("Max retries (%d) exceeded: %s", r.setting.MaxRetries, gerr.Message),
		}
	}
	return retry{from: from, reason: gerr.Message, usage: gerr.Usage}
}

// retry bumps the retry counter, records it and waits before the same
// state runs again.
func (r *runner) retry(ctx context.Context, t retry) error {
	r.cp.RetryCount++
	r.m.logger.Warn("generation_retry", map[string]interface{}{
		"run_id":      r.cp.RunID,
		"step":        r.cp.StepNumber,
		"retry_count": r.cp.RetryCount,
		"reason":      t.reason,
	})
	if err := r.emit(ctx, &event.Retry{
		Header:     r.header(),
		Reason:     t.reason,
		RetryCount: r.cp.RetryCount,
		Usage:      t.usage,
	}); err != nil {
		return err
	}
	if err := r.save(ctx); err != nil {
		return err
	}

	if d := r.m.backoff(r.cp.RetryCount); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// callTools runs the direct tool calls of the step. Delegate and
// interactive calls stay pending for resolveToolResults.
func (r *runner) callTools(ctx context.Context) (transition, error) {
	var direct, rest []checkpoint.ToolCall
	for _, tc := range r.cp.PendingToolCalls {
		if r.typeOf(tc) == skill.TypeMCP {
			direct = append(direct, tc)
		} else {
			rest = append(rest, tc)
		}
	}

	results, err := r.executeTools(ctx, direct)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var defect *defectError
		if errors.As(err, &defect) {
			return nil, err
		}
		return stop{status: checkpoint.StatusStoppedByError, err: err.Error()}, nil
	}
	r.cp.PartialToolResults = append(r.cp.PartialToolResults, results...)
	r.cp.PendingToolCalls = rest
	return resolveToolResults{}, nil
}

// resolveToolResults decides what the collected results lead to: a
// delegation, a wait for outside input, completion or the next step.
func (r *runner) resolveToolResults(ctx context.Context) (transition, error) {
	var delegates []checkpoint.DelegationTarget
	var interactive *checkpoint.ToolCall
	for i, tc := range r.cp.PendingToolCalls {
		switch r.typeOf(tc) {
		case skill.TypeDelegate:
			target, err := r.delegationTarget(tc)
			if err != nil {
				return stop{status: checkpoint.StatusStoppedByError, err: err.Error()}, nil
			}
			delegates = append(delegates, target)
		case skill.TypeInteractive:
			if interactive == nil {
				interactive = &r.cp.PendingToolCalls[i]
			}
		}
	}
	if len(delegates) > 0 {
		return stop{status: checkpoint.StatusStoppedByDelegate, targets: delegates}, nil
	}
	if interactive != nil {
		call := *interactive
		return stop{status: checkpoint.StatusStoppedByInteractiveTool, call: &call}, nil
	}

	results := r.orderedResults()
	if err := r.emit(ctx, &event.ResolveToolResults{Header: r.header(), ToolResults: results}); err != nil {
		return nil, err
	}
	r.cp.Messages = append(r.cp.Messages, checkpoint.NewToolMessage(results))
	r.cp.PendingToolCalls = nil
	r.cp.PartialToolResults = nil

	if id, ok := completionAccepted(results); ok {
		if err := r.emit(ctx, &event.AttemptCompletion{Header: r.header(), ToolCallID: id}); err != nil {
			return nil, err
		}
		return attemptCompletion{}, nil
	}
	return continueToNextStep{}, nil
}

// orderedResults returns the partial results in the order the expert
// requested the calls, whatever order they were collected in.
func (r *runner) orderedResults() []checkpoint.ToolResult {
	order := make(map[string]int)
	for i := len(r.cp.Messages) - 1; i >= 0; i-- {
		if r.cp.Messages[i].Kind == checkpoint.MessageExpert {
			for j, tc := range r.cp.Messages[i].ToolCalls() {
				order[tc.ID] = j
			}
			break
		}
	}
	results := append([]checkpoint.ToolResult(nil), r.cp.PartialToolResults...)
	pos := func(id string) int {
		if p, ok := order[id]; ok {
			return p
		}
		return len(order)
	}
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && pos(results[j].ID) < pos(results[j-1].ID); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	return results
}

func (r *runner) delegationTarget(tc checkpoint.ToolCall) (checkpoint.DelegationTarget, error) {
	resolver, ok := r.managers[tc.SkillName].(interface {
		ExpertForTool(string) (checkpoint.Expert, bool)
	})
	if !ok {
		return checkpoint.DelegationTarget{}, fmt.Errorf("skill %s cannot delegate", tc.SkillName)
	}
	expert, ok := resolver.ExpertForTool(tc.ToolName)
	if !ok {
		return checkpoint.DelegationTarget{}, fmt.Errorf("no delegate expert for tool %s", tc.ToolName)
	}
	query, _ := tc.Args["query"].(string)
	return checkpoint.DelegationTarget{
		Expert:     expert,
		ToolCallID: tc.ID,
		ToolName:   tc.ToolName,
		Query:      query,
	}, nil
}

func (r *runner) finishStep(ctx context.Context) (transition, error) {
	if r.setting.MaxSteps > 0 && r.cp.StepNumber >= r.setting.MaxSteps {
		return stop{status: checkpoint.StatusStoppedByExceededMaxSteps}, nil
	}
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	if err := r.emit(ctx, &event.ContinueToNextStep{
		Header:         r.header(),
		NextStepNumber: r.cp.StepNumber + 1,
	}); err != nil {
		return nil, err
	}
	r.cp = checkpoint.Successor(r.cp)
	r.cp.Status = checkpoint.StatusProceeding
	return startRun{}, nil
}

// stop applies a terminal transition, records it and stores the result.
func (r *runner) stop(ctx context.Context, s stop) error {
	r.cp.Status = s.status
	var ev event.Event
	switch s.status {
	case checkpoint.StatusCompleted:
		r.cp.Messages = append(r.cp.Messages, checkpoint.NewExpertMessage(s.text, nil))
		r.cp.PendingToolCalls = nil
		r.cp.PartialToolResults = nil
		ev = &event.CompleteRun{Header: r.header(), Text: s.text, Usage: r.cp.Usage}
	case checkpoint.StatusStoppedByDelegate:
		r.cp.DelegateTo = s.targets
		if err := r.emit(ctx, &event.CallDelegate{Header: r.header(), Targets: s.targets}); err != nil {
			return err
		}
		ev = &event.StopRunByDelegate{Header: r.header(), Targets: s.targets}
	case checkpoint.StatusStoppedByInteractiveTool:
		if err := r.emit(ctx, &event.CallInteractiveTool{Header: r.header(), ToolCall: *s.call}); err != nil {
			return err
		}
		ev = &event.StopRunByInteractiveTool{Header: r.header(), ToolCallID: s.call.ID, ToolName: s.call.ToolName}
	case checkpoint.StatusStoppedByExceededMaxSteps:
		ev = &event.StopRunByExceededMaxSteps{Header: r.header(), MaxSteps: r.setting.MaxSteps}
	case checkpoint.StatusStoppedByError:
		r.cp.Error = s.err
		r.m.logger.Error("run_stopped_by_error", map[string]interface{}{
			"run_id": r.cp.RunID,
			"step":   r.cp.StepNumber,
			"error":  s.err,
		})
		ev = &event.StopRunByError{Header: r.header(), Error: s.err}
	default:
		return fmt.Errorf("step: %s is not a terminal status", s.status)
	}
	if err := r.save(ctx); err != nil {
		return err
	}
	return r.emit(ctx, ev)
}
