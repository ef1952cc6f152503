package skill

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// static is the lifecycle shared by in-process providers: Init has nothing
// to connect, but double initialization is still refused.
type static struct {
	mu     sync.Mutex
	ready  bool
	closed bool
}

func (s *static) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.ready:
		return ErrAlreadyInitialized
	}
	s.ready = true
	return nil
}

func (s *static) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closed
}

func (s *static) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case !s.ready:
		return ErrNotInitialized
	}
	return nil
}

func (s *static) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ErrResolvedByRuntime is returned when a delegate or interactive tool is
// invoked directly. Those calls end the step instead of running.
var ErrResolvedByRuntime = errors.New("tool is resolved by the runtime, not invoked")

var unsafeToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ToolNameForExpert turns an expert key into a tool name providers accept.
func ToolNameForExpert(key string) string {
	return unsafeToolChars.ReplaceAllString(key, "_")
}

// DelegateExpert is one expert offered as a delegation tool.
type DelegateExpert struct {
	Expert      checkpoint.Expert
	Description string
}

// Delegate exposes an expert's delegates as tools taking a single query.
type Delegate struct {
	static
	name    string
	experts []DelegateExpert
	byTool  map[string]checkpoint.Expert
}

// NewDelegate builds the delegate provider for the given experts.
func NewDelegate(name string, experts []DelegateExpert) *Delegate {
	d := &Delegate{name: name, experts: experts, byTool: make(map[string]checkpoint.Expert)}
	for _, e := range experts {
		d.byTool[ToolNameForExpert(e.Expert.Key)] = e.Expert
	}
	return d
}

func (d *Delegate) Name() string { return d.name }
func (d *Delegate) Type() Type   { return TypeDelegate }

func (d *Delegate) ToolDefinitions(ctx context.Context) ([]checkpoint.ToolDefinition, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	defs := make([]checkpoint.ToolDefinition, 0, len(d.experts))
	for _, e := range d.experts {
		desc := e.Description
		if desc == "" {
			desc = "Delegate a task to " + e.Expert.Name
		}
		defs = append(defs, checkpoint.ToolDefinition{
			SkillName:   d.name,
			Name:        ToolNameForExpert(e.Expert.Key),
			Description: desc,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "The task for the delegated expert",
					},
				},
				"required": []interface{}{"query"},
			},
		})
	}
	return defs, nil
}

// ExpertForTool maps a delegate tool name back to its expert.
func (d *Delegate) ExpertForTool(tool string) (checkpoint.Expert, bool) {
	e, ok := d.byTool[tool]
	return e, ok
}

func (d *Delegate) CallTool(ctx context.Context, name string, args map[string]interface{}) ([]checkpoint.Part, error) {
	return nil, ErrResolvedByRuntime
}

// InteractiveTool is a tool answered by a human or an outside system.
type InteractiveTool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Interactive offers tools whose results arrive on resume.
type Interactive struct {
	static
	name  string
	tools []InteractiveTool
}

func NewInteractive(name string, tools []InteractiveTool) *Interactive {
	return &Interactive{name: name, tools: tools}
}

func (i *Interactive) Name() string { return i.name }
func (i *Interactive) Type() Type   { return TypeInteractive }

func (i *Interactive) ToolDefinitions(ctx context.Context) ([]checkpoint.ToolDefinition, error) {
	if err := i.check(); err != nil {
		return nil, err
	}
	defs := make([]checkpoint.ToolDefinition, 0, len(i.tools))
	for _, t := range i.tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, checkpoint.ToolDefinition{
			SkillName:   i.name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			Interactive: true,
		})
	}
	return defs, nil
}

func (i *Interactive) CallTool(ctx context.Context, name string, args map[string]interface{}) ([]checkpoint.Part, error) {
	return nil, ErrResolvedByRuntime
}
