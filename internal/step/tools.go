package step

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/skill"
)

// concurrencyLimit returns the maximum number of concurrent tool executions.
// Scales with CPU count: NumCPU * 4, clamped to [4, 32].
var concurrencyLimit = func() int {
	n := runtime.NumCPU() * 4
	if n < 4 {
		n = 4
	}
	if n > 32 {
		n = 32
	}
	return n
}()

// defectError marks a wiring bug: a call routed to a manager that cannot
// execute it directly. It aborts the segment instead of being recorded.
type defectError struct {
	msg string
}

func (e *defectError) Error() string { return e.msg }

// SortToolCalls orders calls by the type of the skill that serves them:
// direct calls first, then delegations, then interactive calls. The
// order within each group is kept. Calls for unknown skills count as
// direct.
func SortToolCalls(calls []checkpoint.ToolCall, managers map[string]skill.Manager) []checkpoint.ToolCall {
	sorted := append([]checkpoint.ToolCall(nil), calls...)
	priority := func(tc checkpoint.ToolCall) int {
		if m, ok := managers[tc.SkillName]; ok {
			return m.Type().Priority()
		}
		return skill.TypeMCP.Priority()
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return priority(sorted[i]) < priority(sorted[j])
	})
	return sorted
}

func (r *runner) typeOf(tc checkpoint.ToolCall) skill.Type {
	if m, ok := r.managers[tc.SkillName]; ok {
		return m.Type()
	}
	return skill.TypeMCP
}

// executeTools runs calls concurrently and returns their results in call
// order. A tool that reports failure yields an error result; a transport
// failure aborts the whole batch.
func (r *runner) executeTools(ctx context.Context, calls []checkpoint.ToolCall) ([]checkpoint.ToolResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	results := make([]checkpoint.ToolResult, len(calls))
	errs := make([]error, len(calls))

	sem := make(chan struct{}, concurrencyLimit)
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc checkpoint.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx], errs[idx] = r.executeTool(ctx, tc)
		}(i, tc)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (r *runner) executeTool(ctx context.Context, tc checkpoint.ToolCall) (checkpoint.ToolResult, error) {
	result := checkpoint.ToolResult{ID: tc.ID, SkillName: tc.SkillName, ToolName: tc.ToolName}

	m, ok := r.managers[tc.SkillName]
	if !ok {
		result.Parts = []checkpoint.Part{checkpoint.ErrorPart(fmt.Sprintf("unknown skill %q for tool %s", tc.SkillName, tc.ToolName))}
		return result, nil
	}
	if m.Type() != skill.TypeMCP {
		return result, &defectError{msg: fmt.Sprintf("step: tool %s of %s skill %s cannot be called directly", tc.ToolName, m.Type(), m.Name())}
	}

	parts, err := m.CallTool(ctx, tc.ToolName, tc.Args)
	if err != nil {
		r.m.logger.Error("tool_call_failed", map[string]interface{}{
			"run_id": r.cp.RunID,
			"skill":  tc.SkillName,
			"tool":   tc.ToolName,
			"error":  err.Error(),
		})
		return result, err
	}
	if tc.SkillName == skill.BaseSkillName {
		parts = r.shapeBaseResult(tc.ToolName, parts)
	}
	result.Parts = parts
	return result, nil
}

// shapeBaseResult replaces the file descriptions returned by the base
// file readers with the file content itself.
func (r *runner) shapeBaseResult(tool string, parts []checkpoint.Part) []checkpoint.Part {
	if tool != skill.ToolReadImageFile && tool != skill.ToolReadPdfFile {
		return parts
	}
	if len(parts) != 1 || parts[0].Kind != checkpoint.PartText || parts[0].IsError {
		return parts
	}
	var info skill.FileInfo
	if err := json.Unmarshal([]byte(parts[0].Text), &info); err != nil || info.Path == "" {
		return parts
	}
	if info.Size > skill.MaxInlineFileSize {
		return []checkpoint.Part{checkpoint.ErrorPart(fmt.Sprintf("%s is larger than %d bytes", info.Path, skill.MaxInlineFileSize))}
	}
	data, err := r.m.readFile(info.Path)
	if err != nil {
		return []checkpoint.Part{checkpoint.ErrorPart(err.Error())}
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	if tool == skill.ToolReadImageFile {
		return []checkpoint.Part{checkpoint.ImagePart(info.MimeType, encoded)}
	}
	return []checkpoint.Part{checkpoint.FilePart(filepath.Base(info.Path), info.MimeType, encoded)}
}

// completionAccepted reports whether the results hold an attemptCompletion
// call with no remaining todos.
func completionAccepted(results []checkpoint.ToolResult) (string, bool) {
	for _, tr := range results {
		if tr.SkillName != skill.BaseSkillName || tr.ToolName != skill.ToolAttemptCompletion {
			continue
		}
		if len(tr.Parts) == 0 || tr.Parts[0].IsError {
			continue
		}
		var res skill.CompletionResult
		if err := json.Unmarshal([]byte(strings.TrimSpace(tr.Text())), &res); err != nil {
			continue
		}
		if len(res.RemainingTodos) == 0 {
			return tr.ID, true
		}
	}
	return "", false
}
