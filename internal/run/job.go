package run

import (
	"context"
	"fmt"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/delegation"
)

// openJob creates the job on first sight and reopens a stopped one.
func (o *Orchestrator) openJob(ctx context.Context, s checkpoint.Setting) (*checkpoint.Job, error) {
	job, err := o.cfg.Jobs.RetrieveJob(ctx, s.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve job %s: %w", s.JobID, err)
	}
	if job == nil {
		job, err = o.cfg.Jobs.CreateJob(ctx, s.JobID, s.ExpertKey, s.MaxSteps)
		if err != nil {
			return nil, fmt.Errorf("failed to create job %s: %w", s.JobID, err)
		}
		o.logger.Info("job_created", map[string]interface{}{"job_id": s.JobID, "expert": s.ExpertKey})
		return job, nil
	}
	if job.Status != checkpoint.JobRunning {
		job.Reopen()
		if err := o.cfg.Jobs.StoreJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to reopen job %s: %w", s.JobID, err)
		}
		o.logger.Info("job_reopened", map[string]interface{}{"job_id": s.JobID})
	}
	return job, nil
}

// foldJob adds what one segment consumed to the job.
func (o *Orchestrator) foldJob(ctx context.Context, job *checkpoint.Job, start, out *checkpoint.Checkpoint) {
	if job == nil {
		return
	}
	job.Usage = job.Usage.Add(out.Usage.Sub(start.Usage))
	job.TotalSteps += out.StepNumber - start.StepNumber + 1
	job.LastCheckpointID = out.ID
	o.storeJob(ctx, job)
}

// foldChildren adds what parallel children consumed. Children running in
// drain mode leave the job alone.
func (o *Orchestrator) foldChildren(ctx context.Context, job *checkpoint.Job, parent *checkpoint.Checkpoint, res *delegation.Result) {
	if job == nil || len(res.Children) == 0 {
		return
	}
	job.Usage = job.Usage.Add(res.Checkpoint.Usage.Sub(parent.Usage))
	for _, child := range res.Children {
		job.TotalSteps += child.StepNumber - parent.StepNumber + 1
	}
	o.storeJob(ctx, job)
}

// finishJob records the job status implied by cp. stoppedByDelegate and
// non-terminal statuses keep the job running.
func (o *Orchestrator) finishJob(ctx context.Context, job *checkpoint.Job, cp *checkpoint.Checkpoint) {
	if job == nil {
		return
	}
	status := checkpoint.JobStatusFor(cp.Status)
	if !status.Finished() {
		return
	}
	job.Finish(status)
	job.LastCheckpointID = cp.ID
	o.storeJob(ctx, job)
	o.logger.Info("job_finished", map[string]interface{}{
		"job_id":       job.ID,
		"status":       string(status),
		"total_steps":  job.TotalSteps,
		"total_tokens": job.Usage.TotalTokens,
	})
}

// abortJob records a failure that ended the call without a terminal
// checkpoint.
func (o *Orchestrator) abortJob(ctx context.Context, job *checkpoint.Job, cp *checkpoint.Checkpoint, cause error) {
	o.logger.Error("run_aborted", map[string]interface{}{"error": cause.Error()})
	if job == nil {
		return
	}
	job.Finish(checkpoint.JobStoppedByError)
	if cp != nil {
		job.LastCheckpointID = cp.ID
	}
	// The call's own context may be the reason for the abort.
	o.storeJob(context.WithoutCancel(ctx), job)
}

func (o *Orchestrator) storeJob(ctx context.Context, job *checkpoint.Job) {
	if err := o.cfg.Jobs.StoreJob(ctx, job); err != nil {
		o.logger.Warn("job_store_failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}
