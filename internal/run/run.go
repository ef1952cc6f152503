// Package run is the orchestrator: it drives a job from run to run,
// through delegations and back, until the job stops or finishes.
package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/delegation"
	"github.com/vinayprograms/agentrun/internal/event"
	"github.com/vinayprograms/agentrun/internal/expert"
	"github.com/vinayprograms/agentrun/internal/skill"
	"github.com/vinayprograms/agentrun/internal/step"
	"github.com/vinayprograms/agentrun/internal/storage"
)

// ErrUnknownStatus is returned for a checkpoint status the orchestrator
// has no continuation for.
var ErrUnknownStatus = errors.New("unknown checkpoint status")

// ErrDelegationDepth is returned when delegation nests deeper than allowed.
var ErrDelegationDepth = errors.New("delegation depth exceeded")

// DefaultMaxDelegationDepth bounds nested delegation when unset.
const DefaultMaxDelegationDepth = 8

// StepRunner executes one run segment to a terminal status.
type StepRunner interface {
	Run(ctx context.Context, in step.Input) (*checkpoint.Checkpoint, error)
}

// Config holds the orchestrator's collaborators. It is not modified after
// New and is shared by every nested run.
type Config struct {
	Checkpoints storage.CheckpointStore
	Jobs        storage.JobStore
	Emitter     *event.Emitter
	Experts     *expert.Registry
	Skills      SkillFactory
	Steps       StepRunner
	// Defaults fills the setting of resumed runs.
	Defaults           checkpoint.Setting
	MaxDelegationDepth int
}

// Orchestrator runs jobs.
type Orchestrator struct {
	cfg    Config
	logger *logging.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.MaxDelegationDepth <= 0 {
		cfg.MaxDelegationDepth = DefaultMaxDelegationDepth
	}
	return &Orchestrator{cfg: cfg, logger: logging.New().WithComponent("run")}
}

// Params is where a call starts. A nil Checkpoint starts a fresh run of
// Setting.ExpertKey.
type Params struct {
	Setting    checkpoint.Setting
	Checkpoint *checkpoint.Checkpoint
}

// Options are per call and passed by value into nested runs.
type Options struct {
	// ReturnOnDelegationComplete makes the call return as soon as the run
	// it started ends, without resuming a parent or touching the job.
	ReturnOnDelegationComplete bool
	// Depth is the delegation depth of the starting run.
	Depth int
}

// Run drives the job until a status ends the call and returns the last
// checkpoint.
func (o *Orchestrator) Run(ctx context.Context, p Params, opts Options) (*checkpoint.Checkpoint, error) {
	setting := p.Setting.Clone()
	if setting.JobID == "" {
		setting.JobID = checkpoint.NewID()
	}
	if setting.RunID == "" {
		setting.RunID = checkpoint.NewID()
	}
	var cp *checkpoint.Checkpoint
	if p.Checkpoint != nil {
		cp = p.Checkpoint.Clone()
		if !cp.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, cp.Status)
		}
	}

	rootRun := setting.RunID
	depth := opts.Depth
	drain := opts.ReturnOnDelegationComplete

	var job *checkpoint.Job
	if !drain {
		var err error
		if job, err = o.openJob(ctx, setting); err != nil {
			return nil, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			o.abortJob(ctx, job, cp, err)
			return nil, err
		}

		start, out, err := o.iterate(ctx, setting, cp)
		if err != nil {
			o.abortJob(ctx, job, cp, err)
			return nil, err
		}
		o.foldJob(ctx, job, start, out)
		cp = out

		switch out.Status {
		case checkpoint.StatusCompleted:
			if drain && out.RunID == rootRun {
				return out, nil
			}
			if out.DelegatedBy == nil {
				o.finishJob(ctx, job, out)
				return out, nil
			}
			parent, err := o.cfg.Checkpoints.RetrieveCheckpoint(ctx, setting.JobID, out.DelegatedBy.CheckpointID)
			if err != nil {
				err = fmt.Errorf("failed to retrieve parent checkpoint %s: %w", out.DelegatedBy.CheckpointID, err)
				o.abortJob(ctx, job, out, err)
				return nil, err
			}
			st, err := delegation.BuildReturnState(setting, parent, out)
			if err != nil {
				o.abortJob(ctx, job, out, err)
				return nil, err
			}
			o.logger.Info("delegation_return", map[string]interface{}{
				"child_run":  out.RunID,
				"parent_run": parent.RunID,
				"step":       st.Checkpoint.StepNumber,
			})
			setting, cp = st.Setting, st.Checkpoint
			if depth > 0 {
				depth--
			}

		case checkpoint.StatusStoppedByDelegate:
			if len(out.DelegateTo) == 0 {
				o.abortJob(ctx, job, out, delegation.ErrNoDelegations)
				return nil, delegation.ErrNoDelegations
			}
			if depth+1 > o.cfg.MaxDelegationDepth {
				err := fmt.Errorf("%w: %d", ErrDelegationDepth, o.cfg.MaxDelegationDepth)
				o.abortJob(ctx, job, out, err)
				return nil, err
			}
			strategy := delegation.Select(len(out.DelegateTo), o.childRunner(depth+1), o.cfg.Emitter)
			res, err := strategy.Delegate(ctx, setting, out)
			if err != nil {
				o.abortJob(ctx, job, out, err)
				return nil, err
			}
			o.foldChildren(ctx, job, out, res)
			if len(res.Children) == 0 {
				depth++
			}
			setting, cp = res.Setting, res.Checkpoint

		case checkpoint.StatusStoppedByInteractiveTool,
			checkpoint.StatusStoppedByExceededMaxSteps,
			checkpoint.StatusStoppedByError:
			o.finishJob(ctx, job, out)
			return out, nil

		default:
			err := fmt.Errorf("%w: %q", ErrUnknownStatus, out.Status)
			o.abortJob(ctx, job, out, err)
			return nil, err
		}
	}
}

// childRunner runs a parallel child until its own run ends.
func (o *Orchestrator) childRunner(depth int) delegation.RunFunc {
	return func(ctx context.Context, s checkpoint.Setting, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
		return o.Run(ctx, Params{Setting: s, Checkpoint: cp}, Options{ReturnOnDelegationComplete: true, Depth: depth})
	}
}

// iterate runs one segment: resolve the expert, bring up its skills, derive
// the starting checkpoint and drive the step machine. Skills are closed
// before it returns.
func (o *Orchestrator) iterate(ctx context.Context, setting checkpoint.Setting, prev *checkpoint.Checkpoint) (start, out *checkpoint.Checkpoint, err error) {
	def, delegates, err := o.cfg.Experts.Resolve(setting.ExpertKey)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case prev == nil:
		start = checkpoint.NewInitial(setting, def.Ref())
	case prev.Status == checkpoint.StatusInit:
		start = prev
	default:
		start = checkpoint.Successor(prev)
	}

	ctx, span := o.startIterationSpan(ctx, setting, start)
	defer func() { o.endIterationSpan(span, out, err) }()

	managers, err := o.cfg.Skills.Managers(ctx, def, delegates, setting)
	if err != nil {
		return nil, nil, err
	}
	if err := skill.InitAll(ctx, managers); err != nil {
		return nil, nil, err
	}
	defer func() {
		if cerr := skill.CloseAll(managers); cerr != nil {
			o.logger.Warn("skill_close_failed", map[string]interface{}{
				"run_id": setting.RunID,
				"error":  cerr.Error(),
			})
		}
	}()

	o.logger.Info("run_segment_start", map[string]interface{}{
		"job_id": setting.JobID,
		"run_id": setting.RunID,
		"expert": setting.ExpertKey,
		"status": string(start.Status),
		"step":   start.StepNumber,
		"skills": len(managers),
	})
	out, err = o.cfg.Steps.Run(ctx, step.Input{
		Setting:     setting,
		Checkpoint:  start,
		Instruction: def.Instruction,
		Managers:    managers,
	})
	if err != nil {
		return nil, nil, err
	}
	o.logger.Info("run_segment_end", map[string]interface{}{
		"run_id": out.RunID,
		"status": string(out.Status),
		"step":   out.StepNumber,
	})
	return start, out, nil
}
