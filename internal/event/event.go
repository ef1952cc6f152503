// Package event defines the observable transitions of a run and the
// emitter that records them and fans them out to listeners.
package event

import (
	"fmt"
	"time"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// Type names an event kind on the wire.
type Type string

// Run-scoped event types. These carry a step number and are recorded.
const (
	TypeStartRun                  Type = "startRun"
	TypeResumeFromStop            Type = "resumeFromStop"
	TypeStartGeneration           Type = "startGeneration"
	TypeRetry                     Type = "retry"
	TypeCallTools                 Type = "callTools"
	TypeCallDelegate              Type = "callDelegate"
	TypeCallInteractiveTool       Type = "callInteractiveTool"
	TypeResolveToolResults        Type = "resolveToolResults"
	TypeAttemptCompletion         Type = "attemptCompletion"
	TypeCompleteRun               Type = "completeRun"
	TypeContinueToNextStep        Type = "continueToNextStep"
	TypeStopRunByInteractiveTool  Type = "stopRunByInteractiveTool"
	TypeStopRunByDelegate         Type = "stopRunByDelegate"
	TypeStopRunByExceededMaxSteps Type = "stopRunByExceededMaxSteps"
	TypeStopRunByError            Type = "stopRunByError"
	TypeDelegationStarted         Type = "delegationStarted"
	TypeDelegationCompleted       Type = "delegationCompleted"
)

// Runtime event types. No step number, dispatched to listeners only.
const (
	TypeSkillStarting     Type = "skillStarting"
	TypeSkillConnected    Type = "skillConnected"
	TypeSkillStderr       Type = "skillStderr"
	TypeSkillDisconnected Type = "skillDisconnected"
)

// Header is common to every event.
type Header struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	ExpertKey  string    `json:"expert_key,omitempty"`
	StepNumber int       `json:"step_number,omitempty"`
}

// EventHeader gives access to the common fields.
func (h *Header) EventHeader() *Header { return h }

func (h *Header) isEvent() {}

// Event is the closed set of event kinds declared in this package.
type Event interface {
	EventHeader() *Header
	isEvent()
}

// RunScope builds the header for an event tied to cp.
func RunScope(cp *checkpoint.Checkpoint) Header {
	return Header{
		JobID:      cp.JobID,
		RunID:      cp.RunID,
		ExpertKey:  cp.Expert.Key,
		StepNumber: cp.StepNumber,
	}
}

// RunScoped reports whether ev is recorded before dispatch.
func RunScoped(ev Event) bool {
	return ev.EventHeader().StepNumber > 0
}

type StartRun struct {
	Header
	Input checkpoint.Input `json:"input"`
	Model string           `json:"model,omitempty"`
}

type ResumeFromStop struct {
	Header
	FromCheckpointID string            `json:"from_checkpoint_id"`
	FromStatus       checkpoint.Status `json:"from_status"`
}

type StartGeneration struct {
	Header
	Messages int `json:"messages"`
	Tools    int `json:"tools"`
}

type Retry struct {
	Header
	Reason     string           `json:"reason"`
	RetryCount int              `json:"retry_count"`
	Usage      checkpoint.Usage `json:"usage"`
}

type CallTools struct {
	Header
	ToolCalls []checkpoint.ToolCall `json:"tool_calls"`
}

type CallDelegate struct {
	Header
	Targets []checkpoint.DelegationTarget `json:"targets"`
}

type CallInteractiveTool struct {
	Header
	ToolCall checkpoint.ToolCall `json:"tool_call"`
}

type ResolveToolResults struct {
	Header
	ToolResults []checkpoint.ToolResult `json:"tool_results"`
}

type AttemptCompletion struct {
	Header
	ToolCallID string `json:"tool_call_id"`
}

type CompleteRun struct {
	Header
	Text  string           `json:"text"`
	Usage checkpoint.Usage `json:"usage"`
}

type ContinueToNextStep struct {
	Header
	NextStepNumber int `json:"next_step_number"`
}

type StopRunByInteractiveTool struct {
	Header
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
}

type StopRunByDelegate struct {
	Header
	Targets []checkpoint.DelegationTarget `json:"targets"`
}

type StopRunByExceededMaxSteps struct {
	Header
	MaxSteps int `json:"max_steps"`
}

type StopRunByError struct {
	Header
	Error string `json:"error"`
}

type DelegationStarted struct {
	Header
	Strategy string                        `json:"strategy"`
	Targets  []checkpoint.DelegationTarget `json:"targets"`
}

type DelegationCompleted struct {
	Header
	Strategy         string           `json:"strategy"`
	Usage            checkpoint.Usage `json:"usage"`
	ResultStepNumber int              `json:"result_step_number"`
}

type SkillStarting struct {
	Header
	Skill     string `json:"skill"`
	Transport string `json:"transport"`
	Command   string `json:"command,omitempty"`
}

type SkillConnected struct {
	Header
	Skill             string        `json:"skill"`
	SpawnDuration     time.Duration `json:"spawn_duration"`
	HandshakeDuration time.Duration `json:"handshake_duration"`
	Tools             int           `json:"tools"`
}

type SkillStderr struct {
	Header
	Skill string `json:"skill"`
	Line  string `json:"line"`
}

type SkillDisconnected struct {
	Header
	Skill string `json:"skill"`
	Error string `json:"error,omitempty"`
}

// TypeOf returns the wire type for ev.
func TypeOf(ev Event) Type {
	switch ev.(type) {
	case *StartRun:
		return TypeStartRun
	case *ResumeFromStop:
		return TypeResumeFromStop
	case *StartGeneration:
		return TypeStartGeneration
	case *Retry:
		return TypeRetry
	case *CallTools:
		return TypeCallTools
	case *CallDelegate:
		return TypeCallDelegate
	case *CallInteractiveTool:
		return TypeCallInteractiveTool
	case *ResolveToolResults:
		return TypeResolveToolResults
	case *AttemptCompletion:
		return TypeAttemptCompletion
	case *CompleteRun:
		return TypeCompleteRun
	case *ContinueToNextStep:
		return TypeContinueToNextStep
	case *StopRunByInteractiveTool:
		return TypeStopRunByInteractiveTool
	case *StopRunByDelegate:
		return TypeStopRunByDelegate
	case *StopRunByExceededMaxSteps:
		return TypeStopRunByExceededMaxSteps
	case *StopRunByError:
		return TypeStopRunByError
	case *DelegationStarted:
		return TypeDelegationStarted
	case *DelegationCompleted:
		return TypeDelegationCompleted
	case *SkillStarting:
		return TypeSkillStarting
	case *SkillConnected:
		return TypeSkillConnected
	case *SkillStderr:
		return TypeSkillStderr
	case *SkillDisconnected:
		return TypeSkillDisconnected
	}
	panic(fmt.Sprintf("event: unknown event %T", ev))
}

// newOfType returns an empty event for t, used when decoding records.
func newOfType(t Type) (Event, error) {
	switch t {
	case TypeStartRun:
		return &StartRun{}, nil
	case TypeResumeFromStop:
		return &ResumeFromStop{}, nil
	case TypeStartGeneration:
		return &StartGeneration{}, nil
	case TypeRetry:
		return &Retry{}, nil
	case TypeCallTools:
		return &CallTools{}, nil
	case TypeCallDelegate:
		return &CallDelegate{}, nil
	case TypeCallInteractiveTool:
		return &CallInteractiveTool{}, nil
	case TypeResolveToolResults:
		return &ResolveToolResults{}, nil
	case TypeAttemptCompletion:
		return &AttemptCompletion{}, nil
	case TypeCompleteRun:
		return &CompleteRun{}, nil
	case TypeContinueToNextStep:
		return &ContinueToNextStep{}, nil
	case TypeStopRunByInteractiveTool:
		return &StopRunByInteractiveTool{}, nil
	case TypeStopRunByDelegate:
		return &StopRunByDelegate{}, nil
	case TypeStopRunByExceededMaxSteps:
		return &StopRunByExceededMaxSteps{}, nil
	case TypeStopRunByError:
		return &StopRunByError{}, nil
	case TypeDelegationStarted:
		return &DelegationStarted{}, nil
	case TypeDelegationCompleted:
		return &DelegationCompleted{}, nil
	case TypeSkillStarting:
		return &SkillStarting{}, nil
	case TypeSkillConnected:
		return &SkillConnected{}, nil
	case TypeSkillStderr:
		return &SkillStderr{}, nil
	case TypeSkillDisconnected:
		return &SkillDisconnected{}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}
