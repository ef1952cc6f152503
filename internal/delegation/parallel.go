package delegation

import (
	"context"
	"fmt"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
)

// Parallel runs every target concurrently through Run and waits for all
// of them. One failing child fails the whole delegation.
type Parallel struct {
	Run     RunFunc
	Emitter *event.Emitter
}

func (p *Parallel) Name() string { return StrategyParallel }

func (p *Parallel) Delegate(ctx context.Context, setting checkpoint.Setting, cp *checkpoint.Checkpoint) (*Result, error) {
	targets := cp.DelegateTo
	if len(targets) == 0 {
		return nil, ErrNoDelegations
	}
	if p.Run == nil {
		return nil, fmt.Errorf("parallel delegation has no run function")
	}

	ctx, span := telemetry.GetTracer().StartSpan(ctx, "delegation.parallel")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", cp.RunID),
		attribute.Int("delegation.targets", len(targets)),
	)
	logger := logging.New().WithComponent("delegation")

	if err := p.Emitter.Emit(ctx, &event.DelegationStarted{
		Header:   event.RunScope(cp),
		Strategy: StrategyParallel,
		Targets:  targets,
	}); err != nil {
		return nil, err
	}

	children := make([]*checkpoint.Checkpoint, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		st := BuildDelegateState(setting, cp, target)
		logger.Info("delegation_start", map[string]interface{}{
			"parent_run": cp.RunID,
			"child_run":  st.Setting.RunID,
			"expert":     target.Expert.Key,
		})
		g.Go(func() error {
			out, err := p.Run(gctx, st.Setting, st.Checkpoint)
			if err != nil {
				return fmt.Errorf("delegate %s: %w", target.Expert.Key, err)
			}
			children[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	texts := make([]string, len(children))
	usages := make([]checkpoint.Usage, len(children))
	step := 0
	for i, child := range children {
		if child.Status != checkpoint.StatusCompleted {
			err := fmt.Errorf("delegate %s ended with status %s", targets[i].Expert.Key, child.Status)
			if child.Error != "" {
				err = fmt.Errorf("%w: %s", err, child.Error)
			}
			span.RecordError(err)
			return nil, err
		}
		text, err := ResultText(child)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		texts[i] = text
		usages[i] = child.Usage
		if child.StepNumber > step {
			step = child.StepNumber
		}
	}

	next := cp.Clone()
	next.Usage = checkpoint.SumUsage(cp.Usage, usages...)
	next.StepNumber = step
	for i := 1; i < len(targets); i++ {
		next.PartialToolResults = append(next.PartialToolResults, checkpoint.ToolResult{
			ID:        targets[i].ToolCallID,
			SkillName: skillOf(cp, targets[i].ToolCallID),
			ToolName:  targets[i].ToolName,
			Parts:     []checkpoint.Part{checkpoint.TextPart(texts[i])},
		})
	}

	s := parentSetting(setting, cp)
	s.Input = checkpoint.Input{InteractiveToolCallResult: &checkpoint.InteractiveToolCallResult{
		ToolCallID: targets[0].ToolCallID,
		SkillName:  skillOf(cp, targets[0].ToolCallID),
		ToolName:   targets[0].ToolName,
		Text:       texts[0],
	}}

	if err := p.Emitter.Emit(ctx, &event.DelegationCompleted{
		Header:           event.RunScope(cp),
		Strategy:         StrategyParallel,
		Usage:            next.Usage.Sub(cp.Usage),
		ResultStepNumber: step,
	}); err != nil {
		return nil, err
	}
	logger.Info("delegation_complete", map[string]interface{}{
		"parent_run": cp.RunID,
		"children":   len(children),
		"step":       step,
	})
	return &Result{State: State{Setting: s, Checkpoint: next}, Children: children}, nil
}
