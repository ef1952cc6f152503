package run

import (
	"context"
	"fmt"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// ResumeRequest names the checkpoint to continue from.
type ResumeRequest struct {
	JobID string
	// CheckpointID defaults to the job's last checkpoint.
	CheckpointID string
	// Input is the answer to the interactive tool the run stopped on, or a
	// new query for a run that already ended.
	Input string
}

// Resume continues a stored job.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) (*checkpoint.Checkpoint, error) {
	job, err := o.cfg.Jobs.RetrieveJob(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve job %s: %w", req.JobID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", req.JobID)
	}
	id := req.CheckpointID
	if id == "" {
		id = job.LastCheckpointID
	}
	if id == "" {
		return nil, fmt.Errorf("job %s has no checkpoint to resume from", req.JobID)
	}
	cp, err := o.cfg.Checkpoints.RetrieveCheckpoint(ctx, req.JobID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve checkpoint %s: %w", id, err)
	}

	s := o.cfg.Defaults.Clone()
	s.JobID = cp.JobID
	s.RunID = cp.RunID
	s.ExpertKey = cp.Expert.Key
	if job.MaxSteps > 0 {
		s.MaxSteps = job.MaxSteps
	}
	s.Input = resumeInput(cp, req.Input)

	o.logger.Info("job_resume", map[string]interface{}{
		"job_id":        req.JobID,
		"checkpoint_id": cp.ID,
		"status":        string(cp.Status),
	})
	return o.Run(ctx, Params{Setting: s, Checkpoint: cp}, Options{})
}

// resumeInput routes text to the first unanswered pending call of a run
// waiting on an interactive tool, and treats it as a new query otherwise.
func resumeInput(cp *checkpoint.Checkpoint, text string) checkpoint.Input {
	if cp.Status != checkpoint.StatusStoppedByInteractiveTool {
		return checkpoint.Input{Text: text}
	}
	answered := make(map[string]bool, len(cp.PartialToolResults))
	for _, tr := range cp.PartialToolResults {
		answered[tr.ID] = true
	}
	for _, tc := range cp.PendingToolCalls {
		if answered[tc.ID] {
			continue
		}
		return checkpoint.Input{InteractiveToolCallResult: &checkpoint.InteractiveToolCallResult{
			ToolCallID: tc.ID,
			SkillName:  tc.SkillName,
			ToolName:   tc.ToolName,
			Text:       text,
		}}
	}
	return checkpoint.Input{Text: text}
}
