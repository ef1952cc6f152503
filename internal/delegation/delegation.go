// Package delegation hands part of a run to child runs under other experts
// and folds their results back into the parent.
package delegation

import (
	"context"
	"errors"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
)

// ErrNoDelegations is returned for a stoppedByDelegate checkpoint without
// targets.
var ErrNoDelegations = errors.New("No delegations found in checkpoint")

// Strategy names as reported in events.
const (
	StrategySingle   = "single"
	StrategyParallel = "parallel"
)

// Context is the part of a checkpoint delegation works with. It has no
// message history; children start without the parent's conversation.
type Context struct {
	ID                 string
	StepNumber         int
	ContextWindow      int
	Usage              checkpoint.Usage
	PendingToolCalls   []checkpoint.ToolCall
	PartialToolResults []checkpoint.ToolResult
	DelegatedBy        *checkpoint.DelegatedBy
}

// ExtractContext copies the delegation-relevant fields of cp.
func ExtractContext(cp *checkpoint.Checkpoint) Context {
	c := cp.Clone()
	return Context{
		ID:                 c.ID,
		StepNumber:         c.StepNumber,
		ContextWindow:      c.ContextWindow,
		Usage:              c.Usage,
		PendingToolCalls:   c.PendingToolCalls,
		PartialToolResults: c.PartialToolResults,
		DelegatedBy:        c.DelegatedBy,
	}
}

// State is a (setting, checkpoint) pair the orchestrator continues from.
type State struct {
	Setting    checkpoint.Setting
	Checkpoint *checkpoint.Checkpoint
}

// Result is what a strategy hands back to the orchestrator.
type Result struct {
	State
	// Children holds the final checkpoints of children that already ran,
	// in target order. Empty when execution is deferred.
	Children []*checkpoint.Checkpoint
}

// RunFunc executes a child run to its own completion and returns its
// final checkpoint.
type RunFunc func(ctx context.Context, setting checkpoint.Setting, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error)

// Strategy turns a stoppedByDelegate checkpoint into the next state.
type Strategy interface {
	Name() string
	Delegate(ctx context.Context, setting checkpoint.Setting, cp *checkpoint.Checkpoint) (*Result, error)
}

// Select picks the strategy for n simultaneous targets.
func Select(n int, run RunFunc, emitter *event.Emitter) Strategy {
	if n <= 1 {
		return &Single{Emitter: emitter}
	}
	return &Parallel{Run: run, Emitter: emitter}
}

// Single defers the child: it only builds the child's starting state and
// leaves execution to the next orchestrator iteration.
type Single struct {
	Emitter *event.Emitter
}

func (s *Single) Name() string { return StrategySingle }

func (s *Single) Delegate(ctx context.Context, setting checkpoint.Setting, cp *checkpoint.Checkpoint) (*Result, error) {
	if len(cp.DelegateTo) == 0 {
		return nil, ErrNoDelegations
	}
	if err := s.Emitter.Emit(ctx, &event.DelegationStarted{
		Header:   event.RunScope(cp),
		Strategy: StrategySingle,
		Targets:  cp.DelegateTo,
	}); err != nil {
		return nil, err
	}
	return &Result{State: BuildDelegateState(setting, cp, cp.DelegateTo[0])}, nil
}

// BuildDelegateState derives a child run for target: a new run id, the
// target expert, the query as input, an empty history, zero usage and a
// back reference to the parent.
func BuildDelegateState(parentSetting checkpoint.Setting, parent *checkpoint.Checkpoint, target checkpoint.DelegationTarget) State {
	s := parentSetting.Clone()
	s.RunID = checkpoint.NewID()
	s.ExpertKey = target.Expert.Key
	s.Input = checkpoint.Input{Text: target.Query}

	dc := ExtractContext(parent)
	cp := checkpoint.NewInitial(s, target.Expert)
	cp.StepNumber = dc.StepNumber
	cp.ContextWindow = dc.ContextWindow
	cp.DelegatedBy = &checkpoint.DelegatedBy{
		Expert:       parent.Expert,
		ToolCallID:   target.ToolCallID,
		ToolName:     target.ToolName,
		CheckpointID: dc.ID,
		RunID:        parent.RunID,
	}
	return State{Setting: s, Checkpoint: cp}
}
