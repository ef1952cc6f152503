package replay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// gutter continues a timeline entry under its seq and time columns.
const gutter = "      │              │   "

// printContent prints wrapped content under the current timeline entry.
func (r *Replayer) printContent(content string) {
	content = r.limit(content)
	width := r.width - len([]rune(gutter))
	if width < 20 {
		width = 20
	}
	for _, line := range strings.Split(wordwrap.String(content, width), "\n") {
		fmt.Fprintf(r.output, "%s%s\n", gutter, line)
	}
}

// printDelegateOutput prints a child's result, cut to a few lines unless
// verbose.
func (r *Replayer) printDelegateOutput(content string) {
	lines := strings.Split(r.limit(content), "\n")
	maxLines := 10
	if r.verbosity >= 1 {
		maxLines = 50
	}
	for i, line := range lines {
		if i >= maxLines {
			fmt.Fprintf(r.output, "%s  %s\n", gutter,
				delegateDimStyle.Render(fmt.Sprintf("... (%d more lines)", len(lines)-maxLines)))
			break
		}
		fmt.Fprintf(r.output, "%s  %s\n", gutter, delegateDimStyle.Render(line))
	}
}

// printArgs prints tool arguments in key order.
func (r *Replayer) printArgs(args map[string]interface{}) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.output, "%s%s %s\n", gutter, labelStyle.Render(k+":"), r.oneLine(fmt.Sprint(args[k])))
	}
}

func (r *Replayer) printError(msg string) {
	fmt.Fprintf(r.output, "%s%s\n", gutter, errorStyle.Render(msg))
}

// limit caps content at maxContentSize bytes. Very verbose output is
// never cut.
func (r *Replayer) limit(s string) string {
	if r.verbosity >= 2 || r.maxContentSize <= 0 || len(s) <= r.maxContentSize {
		return s
	}
	return s[:r.maxContentSize] + fmt.Sprintf("\n... (%d bytes truncated)", len(s)-r.maxContentSize)
}

// oneLine flattens s and truncates it to the output width.
func (r *Replayer) oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	width := r.width - len([]rune(gutter))
	if width < 20 {
		width = 20
	}
	return truncate.StringWithTail(s, uint(width), "…")
}

// partsSummary describes message or result parts in one line.
func (r *Replayer) partsSummary(parts []checkpoint.Part) string {
	var out []string
	for _, p := range parts {
		switch p.Kind {
		case checkpoint.PartText:
			if p.IsError {
				out = append(out, "error: "+p.Text)
			} else {
				out = append(out, p.Text)
			}
		case checkpoint.PartImage:
			out = append(out, fmt.Sprintf("[image %s, %s]", p.MimeType, formatBytes(base64Size(p.Data))))
		case checkpoint.PartFile:
			out = append(out, fmt.Sprintf("[file %s %s, %s]", p.Name, p.MimeType, formatBytes(base64Size(p.Data))))
		case checkpoint.PartToolCall:
			if p.ToolCall != nil {
				out = append(out, fmt.Sprintf("[call %s.%s]", p.ToolCall.SkillName, p.ToolCall.ToolName))
			}
		case checkpoint.PartToolResult:
			if p.ToolResult != nil {
				out = append(out, fmt.Sprintf("[result %s]", p.ToolResult.ToolName))
			}
		}
	}
	return strings.Join(out, " ")
}

func hasErrorPart(parts []checkpoint.Part) bool {
	for _, p := range parts {
		if p.IsError {
			return true
		}
	}
	return false
}

// shortID keeps the first block of a UUID.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func base64Size(data string) int {
	return len(data) * 3 / 4
}

func formatBytes(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	}
}

// formatDuration formats milliseconds as a human-readable duration.
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.2fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm%ds", mins, secs)
}

func formatUsage(u checkpoint.Usage) string {
	s := fmt.Sprintf("%d in / %d out", u.InputTokens, u.OutputTokens)
	if u.CachedInputTokens > 0 {
		s += fmt.Sprintf(" (%d cached)", u.CachedInputTokens)
	}
	if u.ReasoningTokens > 0 {
		s += fmt.Sprintf(" (%d reasoning)", u.ReasoningTokens)
	}
	return s
}

func formatTargets(targets []checkpoint.DelegationTarget) string {
	keys := make([]string, len(targets))
	for i, t := range targets {
		keys[i] = t.Expert.Key
	}
	return strings.Join(keys, ", ")
}
