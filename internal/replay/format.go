package replay

import (
	"fmt"

	"github.com/vinayprograms/agentrun/internal/event"
)

// formatRecord prints one timeline entry. delegated marks records of a
// child run.
func (r *Replayer) formatRecord(seq int, rec event.Record, delegated bool) {
	ts := rec.Timestamp.Format("15:04:05.000")
	prefix := fmt.Sprintf("%s │ %s │ ", seqStyle.Render(fmt.Sprint(seq)), timeStyle.Render(ts))
	step := dimStyle.Render(fmt.Sprintf("#%d", rec.StepNumber))

	ev, err := rec.Decode()
	if err != nil {
		fmt.Fprintf(r.output, "%s%s %s\n", prefix, step, warnStyle.Render(string(rec.Type)))
		r.printError(err.Error())
		return
	}

	switch e := ev.(type) {
	case *event.StartRun:
		detail := ""
		if e.Model != "" {
			detail = dimStyle.Render(e.Model)
		}
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, flowStyle.Render("▶ START"), detail)
		switch {
		case e.Input.InteractiveToolCallResult != nil:
			res := e.Input.InteractiveToolCallResult
			r.printContent(fmt.Sprintf("answer to %s: %s", res.ToolName, r.oneLine(res.Text)))
		case e.Input.Text != "":
			if r.verbosity >= 1 {
				r.printContent(e.Input.Text)
			} else {
				r.printContent(r.oneLine(e.Input.Text))
			}
		}

	case *event.ResumeFromStop:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, flowStyle.Render("↻ RESUME"),
			dimStyle.Render(fmt.Sprintf("from %s (%s)", e.FromStatus, shortID(e.FromCheckpointID))))

	case *event.StartGeneration:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, flowStyle.Render("→ GENERATE"),
			dimStyle.Render(fmt.Sprintf("%d messages, %d tools", e.Messages, e.Tools)))

	case *event.Retry:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, warnStyle.Render("⟳ RETRY"),
			dimStyle.Render(fmt.Sprintf("attempt %d", e.RetryCount)))
		r.printError(r.oneLine(e.Reason))

	case *event.CallTools:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, toolStyle.Render("⚙ TOOLS"),
			dimStyle.Render(fmt.Sprintf("(%d)", len(e.ToolCalls))))
		for _, tc := range e.ToolCalls {
			fmt.Fprintf(r.output, "%s%s %s\n", gutter, toolStyle.Render(tc.SkillName+"."+tc.ToolName), dimStyle.Render(tc.ID))
			if r.verbosity >= 1 && len(tc.Args) > 0 {
				r.printArgs(tc.Args)
			}
		}

	case *event.CallDelegate:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, delegateStyle.Render("⇢ DELEGATE"),
			delegateStyle.Render(formatTargets(e.Targets)))
		if r.verbosity >= 1 {
			for _, t := range e.Targets {
				fmt.Fprintf(r.output, "%s%s %s\n", gutter, labelStyle.Render(t.Expert.Key+":"), r.oneLine(t.Query))
			}
		}

	case *event.CallInteractiveTool:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, interactiveStyle.Render("? ASK"),
			interactiveStyle.Render(e.ToolCall.SkillName+"."+e.ToolCall.ToolName))
		if len(e.ToolCall.Args) > 0 {
			r.printArgs(e.ToolCall.Args)
		}

	case *event.ResolveToolResults:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, toolStyle.Render("✓ RESULTS"),
			dimStyle.Render(fmt.Sprintf("(%d)", len(e.ToolResults))))
		for _, tr := range e.ToolResults {
			name := toolStyle.Render(tr.SkillName + "." + tr.ToolName)
			if hasErrorPart(tr.Parts) {
				name = errorStyle.Render(tr.SkillName + "." + tr.ToolName)
			}
			fmt.Fprintf(r.output, "%s%s\n", gutter, name)
			if r.verbosity >= 1 {
				r.printContent(r.partsSummary(tr.Parts))
			}
		}

	case *event.AttemptCompletion:
		fmt.Fprintf(r.output, "%s%s %s\n", prefix, step, successStyle.Render("◎ ATTEMPT COMPLETION"))

	case *event.CompleteRun:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, successStyle.Render("■ COMPLETE"),
			dimStyle.Render(formatUsage(e.Usage)))
		switch {
		case delegated:
			r.printDelegateOutput(e.Text)
		case r.verbosity == 0:
			r.printContent(r.oneLine(e.Text))
		default:
			r.printContent(e.Text)
		}

	case *event.ContinueToNextStep:
		fmt.Fprintf(r.output, "%s%s %s\n", prefix, step, dimStyle.Render(fmt.Sprintf("↓ step %d", e.NextStepNumber)))

	case *event.StopRunByInteractiveTool:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, interactiveStyle.Render("■ WAITING"),
			dimStyle.Render(fmt.Sprintf("on %s (%s)", e.ToolName, e.ToolCallID)))

	case *event.StopRunByDelegate:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, delegateStyle.Render("■ DELEGATED"),
			dimStyle.Render(fmt.Sprintf("%d target(s)", len(e.Targets))))

	case *event.StopRunByExceededMaxSteps:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, errorStyle.Render("■ MAX STEPS"),
			dimStyle.Render(fmt.Sprintf("limit %d", e.MaxSteps)))

	case *event.StopRunByError:
		fmt.Fprintf(r.output, "%s%s %s\n", prefix, step, errorStyle.Render("✗ ERROR"))
		r.printError(r.oneLine(e.Error))

	case *event.DelegationStarted:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, delegateStyle.Render("⇉ "+e.Strategy),
			delegateStyle.Render(formatTargets(e.Targets)))

	case *event.DelegationCompleted:
		fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, step, delegateStyle.Render("⇇ "+e.Strategy),
			dimStyle.Render(fmt.Sprintf("resumes at step %d, %s", e.ResultStepNumber, formatUsage(e.Usage))))

	default:
		fmt.Fprintf(r.output, "%s%s %s\n", prefix, step, dimStyle.Render(string(rec.Type)))
	}
}
