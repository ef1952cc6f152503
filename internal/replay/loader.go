package replay

import (
	"context"
	"fmt"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
	"github.com/vinayprograms/agentrun/internal/storage"
)

// Source is the read side of a storage backend.
type Source interface {
	RetrieveJob(ctx context.Context, jobID string) (*checkpoint.Job, error)
	ListCheckpoints(ctx context.Context, jobID string) ([]*checkpoint.Checkpoint, error)
	ListEvents(ctx context.Context, jobID string) ([]event.Record, error)
}

var _ Source = (storage.Backend)(nil)

// Job is everything stored for one job.
type Job struct {
	Job    *checkpoint.Job
	Runs   []*Run
	Events []event.Record
}

// Run is one run's checkpoint chain, oldest first.
type Run struct {
	ID          string
	Expert      checkpoint.Expert
	DelegatedBy *checkpoint.DelegatedBy
	Checkpoints []*checkpoint.Checkpoint
}

// Last returns the newest checkpoint of the run.
func (r *Run) Last() *checkpoint.Checkpoint {
	return r.Checkpoints[len(r.Checkpoints)-1]
}

// Load reads a job with its checkpoints and events. Runs are ordered by
// their first checkpoint.
func Load(ctx context.Context, src Source, jobID string) (*Job, error) {
	job, err := src.RetrieveJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	cps, err := src.ListCheckpoints(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	records, err := src.ListEvents(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return &Job{Job: job, Runs: groupRuns(cps), Events: records}, nil
}

func groupRuns(cps []*checkpoint.Checkpoint) []*Run {
	var runs []*Run
	byID := make(map[string]*Run)
	for _, cp := range cps {
		run, ok := byID[cp.RunID]
		if !ok {
			run = &Run{ID: cp.RunID, Expert: cp.Expert}
			byID[cp.RunID] = run
			runs = append(runs, run)
		}
		if run.DelegatedBy == nil && cp.DelegatedBy != nil {
			run.DelegatedBy = cp.DelegatedBy
		}
		run.Checkpoints = append(run.Checkpoints, cp)
	}
	return runs
}
