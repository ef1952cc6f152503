package generation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// ProviderGenerator adapts an agentkit llm.Provider.
type ProviderGenerator struct {
	provider llm.Provider
	timeout  time.Duration
	logger   *logging.Logger
}

// NewProviderGenerator wraps provider. A positive timeout bounds each call
// unless the caller's context already has a shorter deadline.
func NewProviderGenerator(provider llm.Provider, timeout time.Duration) *ProviderGenerator {
	return &ProviderGenerator{
		provider: provider,
		timeout:  timeout,
		logger:   logging.New().WithComponent("generation"),
	}
}

func (g *ProviderGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	names := newToolNames(req.Tools)
	chat := llm.ChatRequest{
		Messages: toLLMMessages(req, names),
		Tools:    names.defs(req.Tools),
	}

	start := time.Now()
	resp, err := g.provider.Chat(ctx, chat)
	if err != nil {
		gerr := Classify(err)
		g.logger.Warn("generation_failed", map[string]interface{}{
			"retryable":   gerr.Retryable,
			"status_code": gerr.StatusCode,
			"error":       gerr.Message,
		})
		return nil, gerr
	}

	usage := checkpoint.Usage{
		InputTokens:       int64(resp.InputTokens),
		OutputTokens:      int64(resp.OutputTokens),
		CachedInputTokens: int64(resp.CacheReadInputTokens),
		TotalTokens:       int64(resp.InputTokens + resp.OutputTokens),
	}
	result := &Result{Text: resp.Content, Usage: usage, Model: resp.Model}
	for _, tc := range resp.ToolCalls {
		skill, tool := names.resolve(tc.Name)
		result.ToolCalls = append(result.ToolCalls, checkpoint.ToolCall{
			ID:        tc.ID,
			SkillName: skill,
			ToolName:  tool,
			Args:      tc.Args,
		})
	}

	g.logger.Debug("generation_complete", map[string]interface{}{
		"model":         resp.Model,
		"duration_ms":   time.Since(start).Milliseconds(),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"tool_calls":    len(result.ToolCalls),
	})
	return result, nil
}

// toolNames maps tool definitions to names the provider accepts. A tool keeps
// its own name unless another skill offers a tool with the same name, in
// which case both become <skill>_<tool>.
type toolNames struct {
	wire    map[[2]string]string
	reverse map[string][2]string
}

func newToolNames(defs []checkpoint.ToolDefinition) *toolNames {
	counts := make(map[string]int)
	for _, d := range defs {
		counts[d.Name]++
	}
	n := &toolNames{wire: make(map[[2]string]string), reverse: make(map[string][2]string)}
	for _, d := range defs {
		key := [2]string{d.SkillName, d.Name}
		name := d.Name
		if counts[d.Name] > 1 {
			name = d.SkillName + "_" + d.Name
		}
		n.wire[key] = name
		n.reverse[name] = key
	}
	return n
}

func (n *toolNames) name(skill, tool string) string {
	if w, ok := n.wire[[2]string{skill, tool}]; ok {
		return w
	}
	return tool
}

func (n *toolNames) resolve(wire string) (skill, tool string) {
	if key, ok := n.reverse[wire]; ok {
		return key[0], key[1]
	}
	return "", wire
}

func (n *toolNames) defs(defs []checkpoint.ToolDefinition) []llm.ToolDef {
	if len(defs) == 0 {
		return nil
	}
	out := make([]llm.ToolDef, 0, len(defs))
	for _, d := range defs {
		params := d.InputSchema
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, llm.ToolDef{
			Name:        n.name(d.SkillName, d.Name),
			Description: d.Description,
			Parameters:  params,
		})
	}
	return out
}

func toLLMMessages(req Request, names *toolNames) []llm.Message {
	var out []llm.Message
	if req.Instruction != "" {
		out = append(out, llm.Message{Role: "system", Content: req.Instruction})
	}
	for _, m := range req.Messages {
		switch m.Kind {
		case checkpoint.MessageInstruction:
			out = append(out, llm.Message{Role: "system", Content: m.Text()})
		case checkpoint.MessageUser:
			out = append(out, llm.Message{Role: "user", Content: renderParts(m.Parts)})
		case checkpoint.MessageExpert:
			msg := llm.Message{Role: "assistant", Content: m.Text()}
			for _, tc := range m.ToolCalls() {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCallResponse{
					ID:   tc.ID,
					Name: names.name(tc.SkillName, tc.ToolName),
					Args: tc.Args,
				})
			}
			out = append(out, msg)
		case checkpoint.MessageTool:
			for _, p := range m.Parts {
				if p.ToolResult == nil {
					continue
				}
				out = append(out, llm.Message{
					Role:       "tool",
					ToolCallID: p.ToolResult.ID,
					Content:    renderParts(p.ToolResult.Parts),
				})
			}
		}
	}
	return out
}

// renderParts flattens content for providers that take a single string.
// Binary parts are described rather than inlined.
func renderParts(parts []checkpoint.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		switch p.Kind {
		case checkpoint.PartText:
			if p.IsError {
				b.WriteString("Error: ")
			}
			b.WriteString(p.Text)
		case checkpoint.PartImage:
			fmt.Fprintf(&b, "[image %s, %d bytes base64]", p.MimeType, len(p.Data))
		case checkpoint.PartFile:
			fmt.Fprintf(&b, "[file %s %s, %d bytes base64]", p.Name, p.MimeType, len(p.Data))
		}
	}
	return b.String()
}

var statusPattern = regexp.MustCompile(`\b(?:status(?: code)?|HTTP|error)[: ]*([1-5]\d\d)\b|\b([45]\d\d)\b`)

var retryableHints = []string{
	"rate limit", "rate_limit", "too many requests", "overloaded", "temporarily unavailable",
	"timeout", "timed out", "deadline exceeded", "connection reset", "connection refused", "unexpected eof",
}

// Classify turns a provider error into a *Error. Rate limits, server errors
// and timeouts are retryable. Authentication and malformed requests are not.
func Classify(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	msg := err.Error()
	out := &Error{Message: msg, Cause: err}

	if errors.Is(err, context.DeadlineExceeded) {
		out.Retryable = true
		return out
	}
	if errors.Is(err, context.Canceled) {
		return out
	}

	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code := m[1]
		if code == "" {
			code = m[2]
		}
		out.StatusCode, _ = strconv.Atoi(code)
	}

	switch {
	case out.StatusCode == 408 || out.StatusCode == 409 || out.StatusCode == 429:
		out.Retryable = true
	case out.StatusCode >= 500:
		out.Retryable = true
	case out.StatusCode >= 400:
		out.Retryable = false
	default:
		lower := strings.ToLower(msg)
		for _, hint := range retryableHints {
			if strings.Contains(lower, hint) {
				out.Retryable = true
				break
			}
		}
	}
	return out
}
