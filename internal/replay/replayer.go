package replay

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// Replayer formats stored jobs for forensic analysis.
type Replayer struct {
	output         io.Writer
	verbosity      int      // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	width          int      // wrap width for content
	maxContentSize int      // Maximum size for content fields (0 = unlimited)
	pricing        *Pricing // Optional pricing for cost calculation
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxContentSize limits content field size.
func WithMaxContentSize(size int) ReplayerOption {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// WithWidth sets the wrap width.
func WithWidth(width int) ReplayerOption {
	return func(r *Replayer) {
		if width > 0 {
			r.width = width
		}
	}
}

// WithPricing enables cost calculation with the given pricing.
func WithPricing(inputPer1M, outputPer1M float64) ReplayerOption {
	return func(r *Replayer) {
		r.pricing = &Pricing{
			InputPer1M:  inputPer1M,
			OutputPer1M: outputPer1M,
		}
	}
}

// New creates a new Replayer.
func New(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		width:          100,
		maxContentSize: 50 * 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayJob loads a job from src and replays it.
func (r *Replayer) ReplayJob(ctx context.Context, src Source, jobID string) error {
	job, err := Load(ctx, src, jobID)
	if err != nil {
		return err
	}
	return r.Replay(job)
}

// Replay outputs the job header, its runs, the event timeline and a
// summary.
func (r *Replayer) Replay(job *Job) error {
	r.printHeader(job)
	r.printRuns(job)
	r.printTimeline(job)
	r.printSummary(job)
	return nil
}

func (r *Replayer) printHeader(job *Job) {
	j := job.Job
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("JOB"), valueStyle.Render(j.ID))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Expert:  "), valueStyle.Render(j.CoordinatorExpertKey))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Status:  "), jobStatusStyle(j.Status).Render(string(j.Status)))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Started: "), valueStyle.Render(j.StartedAt.Format(time.RFC3339)))
	if j.FinishedAt != nil {
		fmt.Fprintf(r.output, "%s %s %s\n", labelStyle.Render("Finished:"),
			valueStyle.Render(j.FinishedAt.Format(time.RFC3339)),
			dimStyle.Render("("+formatDuration(j.FinishedAt.Sub(j.StartedAt).Milliseconds())+")"))
	}
	if j.MaxSteps > 0 {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Max steps:"), valueStyle.Render(fmt.Sprint(j.MaxSteps)))
	}
	fmt.Fprintln(r.output)
}

func (r *Replayer) printRuns(job *Job) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("RUNS"), dimStyle.Render(fmt.Sprintf("(%d)", len(job.Runs))))
	fmt.Fprintln(r.output, divider)
	for _, run := range job.Runs {
		expert := run.Expert.Key
		if run.Expert.Version != "" {
			expert += "@" + run.Expert.Version
		}
		fmt.Fprintf(r.output, "%s %s", flowStyle.Render(expert), dimStyle.Render(shortID(run.ID)))
		if run.DelegatedBy != nil {
			fmt.Fprintf(r.output, " %s", delegateStyle.Render(fmt.Sprintf("← %s via %s", run.DelegatedBy.Expert.Key, run.DelegatedBy.ToolName)))
		}
		fmt.Fprintln(r.output)

		for _, cp := range run.Checkpoints {
			fmt.Fprintf(r.output, "  %s %s %s %s\n",
				labelStyle.Render(fmt.Sprintf("step %-3d", cp.StepNumber)),
				statusStyle(cp.Status).Render(fmt.Sprintf("%-26s", cp.Status)),
				dimStyle.Render(shortID(cp.ID)),
				dimStyle.Render(fmt.Sprintf("%d msgs, %d tokens", len(cp.Messages), cp.Usage.TotalTokens)))
			if cp.Error != "" {
				fmt.Fprintf(r.output, "    %s\n", errorStyle.Render(r.oneLine(cp.Error)))
			}
		}
		if r.verbosity >= 1 {
			if msg, ok := run.Last().LastMessage(); ok && msg.HasText() {
				fmt.Fprintf(r.output, "    %s %s\n", blockHeaderStyle.Render(string(msg.Kind)+":"), r.oneLine(msg.Text()))
			}
		}
	}
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(job *Job) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(job.Events))))
	fmt.Fprintln(r.output, divider)
	experts := make(map[string]string, len(job.Runs))
	delegated := make(map[string]bool, len(job.Runs))
	for _, run := range job.Runs {
		experts[run.ID] = run.Expert.Key
		delegated[run.ID] = run.DelegatedBy != nil
	}
	var lastRun string
	for i, rec := range job.Events {
		if rec.RunID != lastRun {
			fmt.Fprintf(r.output, "      %s\n", delegateDimStyle.Render(fmt.Sprintf("── %s %s ──", experts[rec.RunID], shortID(rec.RunID))))
			lastRun = rec.RunID
		}
		r.formatRecord(i+1, rec, delegated[rec.RunID])
	}
}

func (r *Replayer) printSummary(job *Job) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	switch job.Job.Status {
	case checkpoint.JobCompleted:
		fmt.Fprintln(r.output, successStyle.Render("COMPLETED"))
	case checkpoint.JobRunning:
		fmt.Fprintln(r.output, warnStyle.Render("RUNNING"))
	default:
		fmt.Fprintf(r.output, "%s", errorStyle.Render("STOPPED: "+string(job.Job.Status)))
		if last := lastError(job); last != "" {
			fmt.Fprintf(r.output, " %s", valueStyle.Render(r.oneLine(last)))
		}
		fmt.Fprintln(r.output)
	}

	stats := ComputeStats(job)
	PrintStats(r.output, stats)
	PrintTokenUsage(r.output, job.Job.Usage, r.pricing)
}

func lastError(job *Job) string {
	for i := len(job.Runs) - 1; i >= 0; i-- {
		if e := job.Runs[i].Last().Error; e != "" {
			return e
		}
	}
	return ""
}
