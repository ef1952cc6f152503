// Package replay renders a stored job for forensic analysis: the job
// record, every run's checkpoint chain and the event timeline.
package replay

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// Each concern has a distinct, consistent color.
var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	// Generation and run flow - white
	flowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	// Tools - Blue
	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	// Interactive tools - Cyan
	interactiveStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("14"))

	// Delegation - Magenta
	delegateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	delegateDimStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("5"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	blockHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8")).
				Italic(true)

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// statusStyle colors a checkpoint status by outcome.
func statusStyle(s checkpoint.Status) lipgloss.Style {
	switch s {
	case checkpoint.StatusCompleted:
		return successStyle
	case checkpoint.StatusStoppedByError, checkpoint.StatusStoppedByExceededMaxSteps:
		return errorStyle
	case checkpoint.StatusStoppedByInteractiveTool:
		return interactiveStyle
	case checkpoint.StatusStoppedByDelegate:
		return delegateStyle
	default:
		return warnStyle
	}
}

// jobStatusStyle colors a job status by outcome.
func jobStatusStyle(s checkpoint.JobStatus) lipgloss.Style {
	switch s {
	case checkpoint.JobCompleted:
		return successStyle
	case checkpoint.JobStoppedByError, checkpoint.JobStoppedByMaxSteps:
		return errorStyle
	case checkpoint.JobStoppedByInteractiveTool:
		return interactiveStyle
	default:
		return warnStyle
	}
}
