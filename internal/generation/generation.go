// Package generation is the boundary to the generative text service: one
// call in, text and tool-call intents or a classified error out.
package generation

import (
	"context"
	"fmt"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// Request is one generation call.
type Request struct {
	Instruction string
	Messages    []checkpoint.Message
	Tools       []checkpoint.ToolDefinition
}

// Result is a successful generation.
type Result struct {
	Text      string
	ToolCalls []checkpoint.ToolCall
	Usage     checkpoint.Usage
	Model     string
}

// Generator calls the generative service.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Generate(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// Error is a classified generation failure. Usage carries whatever the
// failed call consumed before failing.
type Error struct {
	Retryable  bool
	StatusCode int
	Message    string
	Usage      checkpoint.Usage
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generation failed (status %d): %s", e.StatusCode, e.Message)
	}
	return "generation failed: " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }
