package skill

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

func TestFilterTools(t *testing.T) {
	defs := []checkpoint.ToolDefinition{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	names := func(ds []checkpoint.ToolDefinition) string {
		var out []string
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return fmt.Sprint(out)
	}

	tests := []struct {
		pick, omit []string
		want       string
	}{
		{[]string{"a"}, []string{"b"}, "[a]"},
		{nil, nil, "[a b c]"},
		{nil, []string{"b"}, "[a c]"},
		{[]string{"a", "b"}, []string{"b"}, "[a]"},
		{[]string{"z"}, nil, "[]"},
	}
	for _, tt := range tests {
		if got := names(FilterTools(defs, tt.pick, tt.omit)); got != tt.want {
			t.Errorf("FilterTools(pick=%v, omit=%v) = %s, want %s", tt.pick, tt.omit, got, tt.want)
		}
	}
}

func TestFilterEnv(t *testing.T) {
	source := map[string]string{"PATH": "/bin", "HOME": "/home/x", "API_KEY": "k", "EXTRA": "e", "SECRET": "s"}
	lookup := func(k string) (string, bool) { v, ok := source[k]; return v, ok }

	env, err := FilterEnv([]string{"API_KEY"}, []string{"EXTRA"}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(env, ","); got != "API_KEY=k,EXTRA=e,HOME=/home/x,PATH=/bin" {
		t.Errorf("env = %s", got)
	}

	if _, err := FilterEnv([]string{"MISSING"}, nil, lookup); err == nil {
		t.Error("missing required variable accepted")
	}
}

type fakeResolver map[string][]string

func (f fakeResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	raw, ok := f[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	var out []netip.Addr
	for _, r := range raw {
		out = append(out, netip.MustParseAddr(r))
	}
	return out, nil
}

func TestValidateRemoteURL(t *testing.T) {
	resolver := fakeResolver{
		"tools.example.com": {"93.184.216.34"},
		"internal.corp":     {"93.184.216.34", "10.1.2.3"},
		"v6.example.com":    {"2606:2800:220:1:248:1893:25c8:1946"},
	}
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://tools.example.com/sse", true},
		{"https://v6.example.com/sse", true},
		{"http://tools.example.com/sse", false},
		{"https://internal.corp/sse", false},
		{"https://localhost:8443/sse", false},
		{"https://127.0.0.1/sse", false},
		{"https://10.0.0.1/sse", false},
		{"https://172.16.5.4/sse", false},
		{"https://192.168.1.1/sse", false},
		{"https://169.254.169.254/sse", false},
		{"https://[::1]/sse", false},
		{"https://[fd00::1]/sse", false},
		{"https://[fe80::1]/sse", false},
		{"https://[::ffff:192.168.1.1]/sse", false},
		{"https://[::ffff:127.0.0.1]/sse", false},
		{"https://[::ffff:93.184.216.34]/sse", true},
		{"https://0.0.0.0/sse", false},
		{"https://unknown.example.com/sse", false},
	}
	for _, tt := range tests {
		_, err := ValidateRemoteURL(context.Background(), tt.url, resolver)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateRemoteURL(%s) err = %v, want ok=%v", tt.url, err, tt.ok)
		}
	}
}

func TestRemoteRejectsPrivateEndpointOnInit(t *testing.T) {
	c := NewRemote("remote", RemoteConfig{URL: "https://10.0.0.8/sse"}, Options{})
	err := c.Init(context.Background())
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Init = %v", err)
	}
	if c.IsInitialized() {
		t.Error("rejected endpoint reports initialized")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestTypePriority(t *testing.T) {
	if !(TypeMCP.Priority() < TypeDelegate.Priority() && TypeDelegate.Priority() < TypeInteractive.Priority()) {
		t.Error("priority order is not mcp < delegate < interactive")
	}
}

type fakeManager struct {
	name    string
	initErr error
	closed  atomic.Bool
}

func (f *fakeManager) Name() string { return f.name }
func (f *fakeManager) Type() Type   { return TypeMCP }
func (f *fakeManager) Init(ctx context.Context) error {
	return f.initErr
}
func (f *fakeManager) IsInitialized() bool { return f.initErr == nil }
func (f *fakeManager) ToolDefinitions(ctx context.Context) ([]checkpoint.ToolDefinition, error) {
	return []checkpoint.ToolDefinition{{SkillName: f.name, Name: "t"}}, nil
}
func (f *fakeManager) CallTool(ctx context.Context, name string, args map[string]interface{}) ([]checkpoint.Part, error) {
	return nil, nil
}
func (f *fakeManager) Close() error {
	f.closed.Store(true)
	if f.name == "badclose" {
		return errors.New("close failed")
	}
	return nil
}

func TestInitAllClosesWholeBatchOnFailure(t *testing.T) {
	managers := []*fakeManager{
		{name: "a"},
		{name: "badclose"},
		{name: "broken", initErr: errors.New("spawn failed")},
		{name: "c"},
	}
	var batch []Manager
	for _, m := range managers {
		batch = append(batch, m)
	}

	err := InitAll(context.Background(), batch)
	if err == nil || !strings.Contains(err.Error(), "spawn failed") {
		t.Fatalf("InitAll = %v", err)
	}
	for _, m := range managers {
		if !m.closed.Load() {
			t.Errorf("%s not closed", m.name)
		}
	}
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	a, bad, c := &fakeManager{name: "a"}, &fakeManager{name: "badclose"}, &fakeManager{name: "c"}
	err := CloseAll([]Manager{a, bad, c})
	if err == nil || !strings.Contains(err.Error(), "badclose") {
		t.Errorf("CloseAll = %v", err)
	}
	if !a.closed.Load() || !c.closed.Load() {
		t.Error("sibling not closed after failure")
	}
}

func TestDelegateAndInteractive(t *testing.T) {
	ctx := context.Background()
	d := NewDelegate("delegate", []DelegateExpert{
		{Expert: checkpoint.Expert{Key: "writer@1.0", Name: "writer", Version: "1.0"}},
	})
	if _, err := d.ToolDefinitions(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("before Init = %v", err)
	}
	if err := d.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Init(ctx); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init = %v", err)
	}
	defs, _ := d.ToolDefinitions(ctx)
	if len(defs) != 1 || defs[0].Name != "writer_1_0" {
		t.Fatalf("defs = %+v", defs)
	}
	if e, ok := d.ExpertForTool("writer_1_0"); !ok || e.Key != "writer@1.0" {
		t.Errorf("ExpertForTool = %+v %v", e, ok)
	}
	if _, err := d.CallTool(ctx, "writer_1_0", nil); !errors.Is(err, ErrResolvedByRuntime) {
		t.Errorf("CallTool = %v", err)
	}

	i := NewInteractive("human", []InteractiveTool{{Name: "askUser"}})
	_ = i.Init(ctx)
	defs, _ = i.ToolDefinitions(ctx)
	if len(defs) != 1 || !defs[0].Interactive || i.Type() != TypeInteractive {
		t.Errorf("interactive defs = %+v", defs)
	}
}

func TestBaseTools(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("one\ntwo\nthree\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "pic.png"), []byte("\x89PNG"), 0o644)

	ctx := context.Background()
	b := NewBase(dir)
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defs, _ := b.ToolDefinitions(ctx)
	if len(defs) != 6 || defs[0].SkillName != BaseSkillName {
		t.Errorf("defs = %+v", defs)
	}

	text := func(name string, args map[string]interface{}) checkpoint.Part {
		t.Helper()
		parts, err := b.CallTool(ctx, name, args)
		if err != nil || len(parts) != 1 {
			t.Fatalf("%s = %+v, %v", name, parts, err)
		}
		return parts[0]
	}

	if p := text(ToolReadTextFile, map[string]interface{}{"path": "notes.txt", "from": 2.0, "to": 3.0}); p.Text != "two\nthree" {
		t.Errorf("readTextFile range = %q", p.Text)
	}
	if p := text(ToolReadTextFile, map[string]interface{}{"path": "../etc/passwd"}); !p.IsError {
		t.Errorf("escape allowed: %+v", p)
	}
	if p := text(ToolReadImageFile, map[string]interface{}{"path": "pic.png"}); !strings.Contains(p.Text, `"mimeType":"image/png"`) {
		t.Errorf("readImageFile = %q", p.Text)
	}
	if p := text(ToolReadPdfFile, map[string]interface{}{"path": "pic.png"}); !p.IsError {
		t.Errorf("png accepted as pdf: %+v", p)
	}

	text(ToolTodo, map[string]interface{}{"newTodos": []interface{}{"draft", "review"}})
	if p := text(ToolAttemptCompletion, nil); !strings.Contains(p.Text, "review") {
		t.Errorf("completion with open todos = %q", p.Text)
	}
	text(ToolTodo, map[string]interface{}{"completedTodos": []interface{}{0.0, 1.0}})
	if p := text(ToolAttemptCompletion, nil); p.Text != "{}" {
		t.Errorf("completion with no todos = %q", p.Text)
	}
	if p := text(ToolThink, map[string]interface{}{"thought": "hmm"}); p.Text != "hmm" {
		t.Errorf("think = %q", p.Text)
	}
}
