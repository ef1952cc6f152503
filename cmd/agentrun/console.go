package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/vinayprograms/agentrun/internal/event"
)

// console prints run progress for a human watching the terminal.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

func (c *console) OnEvent(ctx context.Context, ev event.Event) {
	line := c.line(ev)
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

func (c *console) line(ev event.Event) string {
	h := ev.EventHeader()
	who := fmt.Sprintf("[%s #%d]", h.ExpertKey, h.StepNumber)
	switch e := ev.(type) {
	case *event.StartRun:
		return fmt.Sprintf("▶ %s started", who)
	case *event.Retry:
		return fmt.Sprintf("  ⟳ %s retry %d: %s", who, e.RetryCount, e.Reason)
	case *event.CallTools:
		names := make([]string, len(e.ToolCalls))
		for i, tc := range e.ToolCalls {
			names[i] = tc.SkillName + "." + tc.ToolName
		}
		return fmt.Sprintf("  ⚙ %s %s", who, strings.Join(names, ", "))
	case *event.DelegationStarted:
		keys := make([]string, len(e.Targets))
		for i, t := range e.Targets {
			keys[i] = t.Expert.Key
		}
		return fmt.Sprintf("  ⇢ %s delegating to %s", who, strings.Join(keys, ", "))
	case *event.CompleteRun:
		return fmt.Sprintf("  ✓ %s done", who)
	case *event.StopRunByError:
		return fmt.Sprintf("  ✗ %s %s", who, e.Error)
	case *event.SkillStderr:
		return fmt.Sprintf("  │ %s: %s", e.Skill, e.Line)
	}
	return ""
}
