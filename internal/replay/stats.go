package replay

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
)

// Stats holds aggregate statistics for a job.
type Stats struct {
	TotalDurationMs int64

	Runs        int
	Steps       int
	Generations int
	Retries     int

	// Tool calls keyed by skill.tool
	ToolCalls  map[string]int
	ToolErrors int

	Delegations         int
	ParallelDelegations int
	InteractiveStops    int
	Errors              int
}

// Pricing is the cost per million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Cost returns the price of u.
func (p Pricing) Cost(u checkpoint.Usage) float64 {
	return float64(u.InputTokens)/1e6*p.InputPer1M + float64(u.OutputTokens)/1e6*p.OutputPer1M
}

// ComputeStats calculates aggregate statistics from a job's events.
func ComputeStats(job *Job) *Stats {
	stats := &Stats{
		Runs:      len(job.Runs),
		Steps:     job.Job.TotalSteps,
		ToolCalls: make(map[string]int),
	}

	var first, last time.Time
	for _, rec := range job.Events {
		if first.IsZero() || rec.Timestamp.Before(first) {
			first = rec.Timestamp
		}
		if last.IsZero() || rec.Timestamp.After(last) {
			last = rec.Timestamp
		}

		ev, err := rec.Decode()
		if err != nil {
			continue
		}
		switch e := ev.(type) {
		case *event.StartGeneration:
			stats.Generations++
		case *event.Retry:
			stats.Retries++
		case *event.CallTools:
			for _, tc := range e.ToolCalls {
				stats.ToolCalls[tc.SkillName+"."+tc.ToolName]++
			}
		case *event.ResolveToolResults:
			for _, tr := range e.ToolResults {
				if hasErrorPart(tr.Parts) {
					stats.ToolErrors++
				}
			}
		case *event.DelegationStarted:
			stats.Delegations++
			if len(e.Targets) > 1 {
				stats.ParallelDelegations++
			}
		case *event.StopRunByInteractiveTool:
			stats.InteractiveStops++
		case *event.StopRunByError:
			stats.Errors++
		}
	}

	if !first.IsZero() && !last.IsZero() {
		stats.TotalDurationMs = last.Sub(first).Milliseconds()
	}
	return stats
}

// PrintStats outputs the statistics to the writer.
func PrintStats(w io.Writer, stats *Stats) {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Duration:   "), valueStyle.Render(formatDuration(stats.TotalDurationMs)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Runs:       "), valueStyle.Render(fmt.Sprint(stats.Runs)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Steps:      "), valueStyle.Render(fmt.Sprint(stats.Steps)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Generations:"), valueStyle.Render(fmt.Sprint(stats.Generations)))
	if stats.Retries > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Retries:    "), warnStyle.Render(fmt.Sprint(stats.Retries)))
	}
	if stats.Delegations > 0 {
		fmt.Fprintf(w, "%s %s %s\n", labelStyle.Render("Delegations:"),
			delegateStyle.Render(fmt.Sprint(stats.Delegations)),
			dimStyle.Render(fmt.Sprintf("(%d parallel)", stats.ParallelDelegations)))
	}
	if stats.InteractiveStops > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Questions:  "), interactiveStyle.Render(fmt.Sprint(stats.InteractiveStops)))
	}
	if stats.Errors > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Errors:     "), errorStyle.Render(fmt.Sprint(stats.Errors)))
	}

	if len(stats.ToolCalls) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Tool Calls:"))
		names := make([]string, 0, len(stats.ToolCalls))
		for name := range stats.ToolCalls {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s %s\n", toolStyle.Render(name+":"), valueStyle.Render(fmt.Sprint(stats.ToolCalls[name])))
		}
		if stats.ToolErrors > 0 {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("failed results:"), errorStyle.Render(fmt.Sprint(stats.ToolErrors)))
		}
	}
}

// PrintTokenUsage outputs token totals and, with pricing, the cost.
func PrintTokenUsage(w io.Writer, u checkpoint.Usage, pricing *Pricing) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Tokens:     "), valueStyle.Render(formatUsage(u)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Total:      "), valueStyle.Render(fmt.Sprint(u.TotalTokens)))
	if pricing != nil {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Cost:       "), valueStyle.Render(fmt.Sprintf("$%.4f", pricing.Cost(u))))
	}
}
