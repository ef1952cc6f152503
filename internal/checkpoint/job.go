package checkpoint

import "time"

// JobStatus is the coarse projection of a checkpoint status.
type JobStatus string

const (
	JobRunning                  JobStatus = "running"
	JobCompleted                JobStatus = "completed"
	JobStoppedByMaxSteps        JobStatus = "stoppedByMaxSteps"
	JobStoppedByError           JobStatus = "stoppedByError"
	JobStoppedByInteractiveTool JobStatus = "stoppedByInteractiveTool"
)

// Finished reports whether the job reached an outcome that sets FinishedAt.
func (s JobStatus) Finished() bool {
	return s != JobRunning && s != ""
}

// Job is the user-visible task spanning one or more runs.
type Job struct {
	ID                   string     `json:"id"`
	CoordinatorExpertKey string     `json:"coordinator_expert_key"`
	Status               JobStatus  `json:"status"`
	TotalSteps           int        `json:"total_steps"`
	Usage                Usage      `json:"usage"`
	StartedAt            time.Time  `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
	MaxSteps             int        `json:"max_steps,omitempty"`
	LastCheckpointID     string     `json:"last_checkpoint_id,omitempty"`
}

// NewJob returns a running job started now.
func NewJob(id, expertKey string, maxSteps int) *Job {
	return &Job{
		ID:                   id,
		CoordinatorExpertKey: expertKey,
		Status:               JobRunning,
		StartedAt:            time.Now(),
		MaxSteps:             maxSteps,
	}
}

// JobStatusFor maps a checkpoint status to the job status it implies.
// Non-terminal statuses and stoppedByDelegate keep the job running.
func JobStatusFor(s Status) JobStatus {
	switch s {
	case StatusCompleted:
		return JobCompleted
	case StatusStoppedByExceededMaxSteps:
		return JobStoppedByMaxSteps
	case StatusStoppedByError:
		return JobStoppedByError
	case StatusStoppedByInteractiveTool:
		return JobStoppedByInteractiveTool
	default:
		return JobRunning
	}
}

// Finish marks the job with a final status and timestamp.
func (j *Job) Finish(status JobStatus) {
	now := time.Now()
	j.Status = status
	j.FinishedAt = &now
}

// Reopen puts a stopped job back into running.
func (j *Job) Reopen() {
	j.Status = JobRunning
	j.FinishedAt = nil
}
