// Package checkpoint defines the resumable run state: checkpoints, jobs,
// settings, messages and usage counters.
//
// Values in this package are immutable by convention. Every transition
// produces a new Checkpoint (see Successor and Clone); nothing mutates a
// checkpoint after it has been stored.
package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a checkpoint.
type Status string

const (
	StatusInit                      Status = "init"
	StatusProceeding                Status = "proceeding"
	StatusCompleted                 Status = "completed"
	StatusStoppedByInteractiveTool  Status = "stoppedByInteractiveTool"
	StatusStoppedByDelegate         Status = "stoppedByDelegate"
	StatusStoppedByExceededMaxSteps Status = "stoppedByExceededMaxSteps"
	StatusStoppedByError            Status = "stoppedByError"
)

// Terminal reports whether the status ends the current run segment.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStoppedByInteractiveTool, StatusStoppedByDelegate,
		StatusStoppedByExceededMaxSteps, StatusStoppedByError:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusInit || s == StatusProceeding || s.Terminal()
}

// Expert identifies the controller a checkpoint executes under.
type Expert struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DelegationTarget is one child run requested by a step.
type DelegationTarget struct {
	Expert     Expert `json:"expert"`
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Query      string `json:"query"`
}

// DelegatedBy points a child run back at the parent that spawned it.
type DelegatedBy struct {
	Expert       Expert `json:"expert"`
	ToolCallID   string `json:"tool_call_id"`
	ToolName     string `json:"tool_name"`
	CheckpointID string `json:"checkpoint_id"`
	RunID        string `json:"run_id"`
}

// Checkpoint is a durable snapshot of one run's progress.
type Checkpoint struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	RunID      string    `json:"run_id"`
	Status     Status    `json:"status"`
	StepNumber int       `json:"step_number"`
	Messages   []Message `json:"messages"`
	Usage      Usage     `json:"usage"`
	Expert     Expert    `json:"expert"`

	DelegateTo  []DelegationTarget `json:"delegate_to,omitempty"`
	DelegatedBy *DelegatedBy       `json:"delegated_by,omitempty"`

	// Only set while a multi-call step waits on delegation fan-in.
	PendingToolCalls   []ToolCall   `json:"pending_tool_calls,omitempty"`
	PartialToolResults []ToolResult `json:"partial_tool_results,omitempty"`

	ContextWindow      int     `json:"context_window,omitempty"`
	ContextWindowUsage float64 `json:"context_window_usage,omitempty"`

	RetryCount int       `json:"retry_count,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewID returns a fresh identifier for checkpoints, runs and jobs.
func NewID() string {
	return uuid.NewString()
}

// NewInitial builds the first checkpoint of a fresh run.
func NewInitial(s Setting, expert Expert) *Checkpoint {
	return &Checkpoint{
		ID:            NewID(),
		JobID:         s.JobID,
		RunID:         s.RunID,
		Status:        StatusInit,
		StepNumber:    1,
		Messages:      []Message{},
		Expert:        expert,
		ContextWindow: s.ContextWindow,
		CreatedAt:     time.Now(),
	}
}

// Successor derives the next checkpoint of the same run: a new id and
// stepNumber+1. The status is carried over, retry state is reset.
func Successor(cp *Checkpoint) *Checkpoint {
	next := cp.Clone()
	next.ID = NewID()
	next.StepNumber = cp.StepNumber + 1
	next.RetryCount = 0
	next.Error = ""
	next.CreatedAt = time.Now()
	return next
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = CloneMessages(c.Messages)
	if c.DelegateTo != nil {
		out.DelegateTo = append([]DelegationTarget(nil), c.DelegateTo...)
	}
	if c.DelegatedBy != nil {
		d := *c.DelegatedBy
		out.DelegatedBy = &d
	}
	if c.PendingToolCalls != nil {
		out.PendingToolCalls = make([]ToolCall, len(c.PendingToolCalls))
		for i, tc := range c.PendingToolCalls {
			out.PendingToolCalls[i] = tc.clone()
		}
	}
	if c.PartialToolResults != nil {
		out.PartialToolResults = make([]ToolResult, len(c.PartialToolResults))
		for i, tr := range c.PartialToolResults {
			out.PartialToolResults[i] = tr.clone()
		}
	}
	return &out
}

// LastMessage returns the final message of the history, if any.
func (c *Checkpoint) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}
