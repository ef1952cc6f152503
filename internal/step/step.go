// Package step drives one run segment: it repeatedly asks the generative
// service what to do, executes the resulting tool calls and stops when the
// checkpoint reaches a terminal status.
package step

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
	"github.com/vinayprograms/agentrun/internal/generation"
	"github.com/vinayprograms/agentrun/internal/skill"
	"github.com/vinayprograms/agentrun/internal/storage"
)

// State names a step of the machine.
type State string

const (
	StateInit                State = "Init"
	StatePreparingForStep    State = "PreparingForStep"
	StateGeneratingToolCall  State = "GeneratingToolCall"
	StateCallingTool         State = "CallingTool"
	StateResolvingToolResult State = "ResolvingToolResult"
	StateGeneratingRunResult State = "GeneratingRunResult"
	StateRetry               State = "Retry"
	StateFinishingStep       State = "FinishingStep"
)

// Config wires a Machine to its collaborators.
type Config struct {
	Generator generation.Generator
	Store     storage.CheckpointStore
	Emitter   *event.Emitter
	// Backoff returns the pause before retry n (1-based). Nil uses an
	// exponential backoff capped at 30s.
	Backoff func(n int) time.Duration
}

// Machine executes run segments. It holds no per-run state and may be
// shared by concurrent runs.
type Machine struct {
	gen      generation.Generator
	store    storage.CheckpointStore
	emitter  *event.Emitter
	backoff  func(n int) time.Duration
	readFile func(string) ([]byte, error)
	logger   *logging.Logger
}

// New creates a Machine.
func New(cfg Config) *Machine {
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}
	return &Machine{
		gen:      cfg.Generator,
		store:    cfg.Store,
		emitter:  cfg.Emitter,
		backoff:  backoff,
		readFile: os.ReadFile,
		logger:   logging.New().WithComponent("step"),
	}
}

func defaultBackoff(n int) time.Duration {
	d := time.Second << uint(n-1)
	if d <= 0 || d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// Input is one run segment to execute.
type Input struct {
	Setting     checkpoint.Setting
	Checkpoint  *checkpoint.Checkpoint
	Instruction string
	Managers    []skill.Manager
}

// Run drives the checkpoint until its status is terminal and returns the
// final checkpoint. The input checkpoint is not modified. Errors are
// reserved for failures the run cannot record, such as a storage outage or
// cancellation; everything else ends in a stoppedByError checkpoint.
func (m *Machine) Run(ctx context.Context, in Input) (*checkpoint.Checkpoint, error) {
	if in.Checkpoint == nil {
		return nil, fmt.Errorf("step: no checkpoint")
	}
	ctx, span := telemetry.GetTracer().StartSpan(ctx, "step.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", in.Checkpoint.RunID),
		attribute.String("expert.key", in.Checkpoint.Expert.Key),
		attribute.Int("step.start", in.Checkpoint.StepNumber),
	)

	r := &runner{
		m:           m,
		setting:     in.Setting,
		cp:          in.Checkpoint.Clone(),
		instruction: in.Instruction,
		managers:    skill.Index(in.Managers),
		ordered:     in.Managers,
	}
	cp, err := r.loop(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("run.status", string(cp.Status)),
		attribute.Int("step.end", cp.StepNumber),
	)
	return cp, nil
}

// transition is the closed set of outcomes a state can produce.
type transition interface {
	next() State
}

type (
	startRun           struct{}
	resumeFromStop     struct{}
	startGeneration    struct{}
	callTools          struct{}
	resolveToolResults struct{}
	attemptCompletion  struct{}
	continueToNextStep struct{}
	retry              struct {
		from   State
		reason string
		usage  checkpoint.Usage
	}
)

func (startRun) next() State           { return StatePreparingForStep }
func (resumeFromStop) next() State     { return StateResolvingToolResult }
func (startGeneration) next() State    { return StateGeneratingToolCall }
func (callTools) next() State          { return StateCallingTool }
func (resolveToolResults) next() State { return StateResolvingToolResult }
func (attemptCompletion) next() State  { return StateGeneratingRunResult }
func (continueToNextStep) next() State { return StateFinishingStep }
func (retry) next() State              { return StateRetry }

// stop transitions end the segment with a terminal status.
type stop struct {
	status  checkpoint.Status
	text    string // completed
	err     string // stoppedByError
	targets []checkpoint.DelegationTarget
	call    *checkpoint.ToolCall // stoppedByInteractiveTool
}

func (stop) next() State { return "" }

type runner struct {
	m           *Machine
	setting     checkpoint.Setting
	cp          *checkpoint.Checkpoint
	instruction string
	managers    map[string]skill.Manager
	ordered     []skill.Manager
}

func (r *runner) loop(ctx context.Context) (*checkpoint.Checkpoint, error) {
	state := StateInit
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			t   transition
			err error
		)
		switch state {
		case StateInit:
			t, err = r.init(ctx)
		case StatePreparingForStep:
			t, err = r.prepare(ctx)
		case StateGeneratingToolCall:
			t, err = r.generateToolCall(ctx)
		case StateCallingTool:
			t, err = r.callTools(ctx)
		case StateResolvingToolResult:
			t, err = r.resolveToolResults(ctx)
		case StateGeneratingRunResult:
			t, err = r.generateRunResult(ctx)
		case StateFinishingStep:
			t, err = r.finishStep(ctx)
		default:
			return nil, fmt.Errorf("step: unknown state %q", state)
		}
		if err != nil {
			return nil, err
		}

		switch tt := t.(type) {
		case stop:
			if err := r.stop(ctx, tt); err != nil {
				return nil, err
			}
			return r.cp, nil
		case retry:
			if err := r.retry(ctx, tt); err != nil {
				return nil, err
			}
			state = tt.from
		default:
			state = t.next()
		}
	}
}

func (r *runner) header() event.Header {
	return event.RunScope(r.cp)
}

func (r *runner) emit(ctx context.Context, ev event.Event) error {
	return r.m.emitter.Emit(ctx, ev)
}

func (r *runner) save(ctx context.Context) error {
	if r.m.store == nil {
		return nil
	}
	if err := r.m.store.StoreCheckpoint(ctx, r.cp); err != nil {
		return fmt.Errorf("failed to store checkpoint %s: %w", r.cp.ID, err)
	}
	return nil
}
