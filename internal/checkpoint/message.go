package checkpoint

import (
	"strings"
	"time"
)

// MessageKind tells who authored a message.
type MessageKind string

const (
	MessageInstruction MessageKind = "instruction"
	MessageUser        MessageKind = "user"
	MessageExpert      MessageKind = "expert"
	MessageTool        MessageKind = "tool"
)

// PartKind selects which fields of a Part are meaningful.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartFile       PartKind = "file"
	PartToolCall   PartKind = "toolCall"
	PartToolResult PartKind = "toolResult"
)

// Part is one piece of message content. Kind decides which fields apply:
// text uses Text, image and file use MimeType/Data (base64) and Name,
// toolCall uses ToolCall, toolResult uses ToolResult.
type Part struct {
	Kind       PartKind    `json:"kind"`
	Text       string      `json:"text,omitempty"`
	MimeType   string      `json:"mime_type,omitempty"`
	Data       string      `json:"data,omitempty"`
	Name       string      `json:"name,omitempty"`
	IsError    bool        `json:"is_error,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart returns a text content part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ErrorPart returns a text part flagged as an error.
func ErrorPart(text string) Part {
	return Part{Kind: PartText, Text: text, IsError: true}
}

// ImagePart returns an inline image part with base64 data.
func ImagePart(mimeType, data string) Part {
	return Part{Kind: PartImage, MimeType: mimeType, Data: data}
}

// FilePart returns an inline file part with base64 data.
func FilePart(name, mimeType, data string) Part {
	return Part{Kind: PartFile, Name: name, MimeType: mimeType, Data: data}
}

// ToolCall is a tool invocation requested by the generative service.
type ToolCall struct {
	ID        string                 `json:"id"`
	SkillName string                 `json:"skill_name"`
	ToolName  string                 `json:"tool_name"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

func (tc ToolCall) clone() ToolCall {
	if tc.Args != nil {
		args := make(map[string]interface{}, len(tc.Args))
		for k, v := range tc.Args {
			args[k] = v
		}
		tc.Args = args
	}
	return tc
}

// ToolResult is the normalized outcome of one tool call.
type ToolResult struct {
	ID        string `json:"id"`
	SkillName string `json:"skill_name"`
	ToolName  string `json:"tool_name"`
	Parts     []Part `json:"parts"`
}

func (tr ToolResult) clone() ToolResult {
	tr.Parts = cloneParts(tr.Parts)
	return tr
}

// Text joins the text parts of the result.
func (tr ToolResult) Text() string {
	return joinText(tr.Parts)
}

// Message is one entry of the conversation history.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Parts     []Part      `json:"parts"`
	CreatedAt time.Time   `json:"created_at"`
}

func newMessage(kind MessageKind, parts []Part) Message {
	return Message{ID: NewID(), Kind: kind, Parts: parts, CreatedAt: time.Now()}
}

// NewUserMessage wraps a user query.
func NewUserMessage(text string) Message {
	return newMessage(MessageUser, []Part{TextPart(text)})
}

// NewExpertMessage records what the expert produced in one generation.
func NewExpertMessage(text string, calls []ToolCall) Message {
	var parts []Part
	if text != "" {
		parts = append(parts, TextPart(text))
	}
	for i := range calls {
		tc := calls[i].clone()
		parts = append(parts, Part{Kind: PartToolCall, ToolCall: &tc})
	}
	return newMessage(MessageExpert, parts)
}

// NewToolMessage carries the results of one step's tool calls.
func NewToolMessage(results []ToolResult) Message {
	parts := make([]Part, 0, len(results))
	for i := range results {
		tr := results[i].clone()
		parts = append(parts, Part{Kind: PartToolResult, ToolResult: &tr})
	}
	return newMessage(MessageTool, parts)
}

// Text joins the text parts of the message.
func (m Message) Text() string {
	return joinText(m.Parts)
}

// HasText reports whether the message carries at least one text part.
func (m Message) HasText() bool {
	for _, p := range m.Parts {
		if p.Kind == PartText {
			return true
		}
	}
	return false
}

// ToolCalls returns the tool calls requested by an expert message.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// CloneMessages deep copies a message history.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.Parts = cloneParts(m.Parts)
		out[i] = m
	}
	return out
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		if p.ToolCall != nil {
			tc := p.ToolCall.clone()
			p.ToolCall = &tc
		}
		if p.ToolResult != nil {
			tr := p.ToolResult.clone()
			p.ToolResult = &tr
		}
		out[i] = p
	}
	return out
}

func joinText(parts []Part) string {
	var texts []string
	for _, p := range parts {
		if p.Kind == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
