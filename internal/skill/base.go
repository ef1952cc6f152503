package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// Tool names of the base provider that the step machine treats specially.
const (
	ToolAttemptCompletion = "attemptCompletion"
	ToolThink             = "think"
	ToolTodo              = "todo"
	ToolReadImageFile     = "readImageFile"
	ToolReadPdfFile       = "readPdfFile"
	ToolReadTextFile      = "readTextFile"
)

// MaxInlineFileSize bounds files read into a conversation.
const MaxInlineFileSize = 15 << 20

// FileInfo is what readImageFile and readPdfFile report. The step machine
// turns it into inline content.
type FileInfo struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Todo is one entry of the base provider's todo list.
type Todo struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// CompletionResult is the attemptCompletion reply. Remaining todos block
// completion.
type CompletionResult struct {
	RemainingTodos []Todo `json:"remainingTodos,omitempty"`
}

// Base is the in-process base provider. Files are resolved under Root.
type Base struct {
	static
	root string

	mu    sync.Mutex
	todos []Todo
}

// NewBase returns the built-in base provider rooted at dir.
func NewBase(dir string) *Base {
	return &Base{root: dir}
}

func (b *Base) Name() string { return BaseSkillName }
func (b *Base) Type() Type   { return TypeMCP }

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func (b *Base) ToolDefinitions(ctx context.Context) ([]checkpoint.ToolDefinition, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	defs := []checkpoint.ToolDefinition{
		{Name: ToolAttemptCompletion, Description: "Finish the task. Fails while todos remain.",
			InputSchema: objectSchema(map[string]interface{}{})},
		{Name: ToolThink, Description: "Record a thought without acting.",
			InputSchema: objectSchema(map[string]interface{}{"thought": stringProp("The thought")}, "thought")},
		{Name: ToolTodo, Description: "Add todos and mark todos completed by id.",
			InputSchema: objectSchema(map[string]interface{}{
				"newTodos":       map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"completedTodos": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "integer"}},
			})},
		{Name: ToolReadTextFile, Description: "Read a text file, optionally a line range.",
			InputSchema: objectSchema(map[string]interface{}{
				"path": stringProp("File path"),
				"from": map[string]interface{}{"type": "integer", "description": "First line, 1-based"},
				"to":   map[string]interface{}{"type": "integer", "description": "Last line, inclusive"},
			}, "path")},
		{Name: ToolReadImageFile, Description: "Read an image file into the conversation.",
			InputSchema: objectSchema(map[string]interface{}{"path": stringProp("Image path")}, "path")},
		{Name: ToolReadPdfFile, Description: "Read a PDF file into the conversation.",
			InputSchema: objectSchema(map[string]interface{}{"path": stringProp("PDF path")}, "path")},
	}
	for i := range defs {
		defs[i].SkillName = BaseSkillName
	}
	return defs, nil
}

func (b *Base) CallTool(ctx context.Context, name string, args map[string]interface{}) ([]checkpoint.Part, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var (
		out interface{}
		err error
	)
	switch name {
	case ToolAttemptCompletion:
		out = b.attemptCompletion()
	case ToolThink:
		thought, _ := args["thought"].(string)
		return []checkpoint.Part{checkpoint.TextPart(thought)}, nil
	case ToolTodo:
		out = b.todo(args)
	case ToolReadTextFile:
		var text string
		text, err = b.readText(args)
		if err == nil {
			return []checkpoint.Part{checkpoint.TextPart(text)}, nil
		}
	case ToolReadImageFile:
		out, err = b.stat(args, "image/")
	case ToolReadPdfFile:
		out, err = b.stat(args, "application/pdf")
	default:
		err = fmt.Errorf("unknown base tool %s", name)
	}
	if err != nil {
		return []checkpoint.Part{checkpoint.ErrorPart(err.Error())}, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return []checkpoint.Part{checkpoint.TextPart(string(data))}, nil
}

func (b *Base) attemptCompletion() CompletionResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res CompletionResult
	for _, t := range b.todos {
		if !t.Completed {
			res.RemainingTodos = append(res.RemainingTodos, t)
		}
	}
	return res
}

func (b *Base) todo(args map[string]interface{}) map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if list, ok := args["newTodos"].([]interface{}); ok {
		for _, item := range list {
			if title, ok := item.(string); ok && title != "" {
				b.todos = append(b.todos, Todo{ID: len(b.todos), Title: title})
			}
		}
	}
	if list, ok := args["completedTodos"].([]interface{}); ok {
		for _, item := range list {
			if id, ok := item.(float64); ok && int(id) >= 0 && int(id) < len(b.todos) {
				b.todos[int(id)].Completed = true
			}
		}
	}
	todos := make([]Todo, len(b.todos))
	copy(todos, b.todos)
	return map[string]interface{}{"todos": todos}
}

// resolve confines path to the root directory.
func (b *Base) resolve(args map[string]interface{}) (string, error) {
	p, _ := args["path"].(string)
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	root, err := filepath.Abs(b.root)
	if err != nil {
		return "", err
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, p)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace", p)
	}
	return full, nil
}

func (b *Base) readText(args map[string]interface{}) (string, error) {
	path, err := b.resolve(args)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	from, _ := args["from"].(float64)
	to, _ := args["to"].(float64)
	if from <= 0 && to <= 0 {
		return string(data), nil
	}
	lines := strings.Split(string(data), "\n")
	start, end := int(from), int(to)
	if start < 1 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", nil
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

func (b *Base) stat(args map[string]interface{}, wantMime string) (*FileInfo, error) {
	path, err := b.resolve(args)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxInlineFileSize {
		return nil, fmt.Errorf("%s is larger than %d bytes", path, MaxInlineFileSize)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	if !strings.HasPrefix(mt, wantMime) {
		return nil, fmt.Errorf("%s is not %s (detected %q)", path, strings.TrimSuffix(wantMime, "/"), mt)
	}
	return &FileInfo{Path: path, MimeType: mt, Size: info.Size()}, nil
}
