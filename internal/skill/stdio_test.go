package skill

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
)

// TestHelperProcess is not a real test. It is re-executed by the stdio tests
// as a fake tool provider.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	mode := "ok"
	for i, a := range os.Args {
		if a == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
		}
	}
	runFakeProvider(mode)
	os.Exit(0)
}

func runFakeProvider(mode string) {
	fmt.Fprintln(os.Stderr, "fake provider starting")
	in := bufio.NewReader(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	reply := func(id *int64, result interface{}) {
		enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": *id, "result": result})
	}
	fail := func(id *int64, code int, msg string) {
		enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": *id, "error": map[string]interface{}{"code": code, "message": msg}})
	}
	for {
		line, err := in.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(line, &req) != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			if mode == "badinit" {
				fail(req.ID, -32000, "refusing to start")
				continue
			}
			// A notification before the reply must not confuse the client.
			enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "method": "notifications/message"})
			reply(req.ID, map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]interface{}{"name": "fake", "version": "1"},
			})
		case "notifications/initialized":
		case "tools/list":
			var p struct {
				Cursor string `json:"cursor"`
			}
			json.Unmarshal(req.Params, &p)
			if p.Cursor == "" {
				reply(req.ID, map[string]interface{}{
					"tools": []interface{}{
						map[string]interface{}{"name": "echo", "description": "echo back", "inputSchema": map[string]interface{}{"type": "object"}},
						map[string]interface{}{"name": "fail"},
					},
					"nextCursor": "page2",
				})
				continue
			}
			reply(req.ID, map[string]interface{}{
				"tools": []interface{}{
					map[string]interface{}{"name": "env"},
					map[string]interface{}{"name": "hang"},
					map[string]interface{}{"name": "image"},
					map[string]interface{}{"name": "iserror"},
				},
			})
		case "tools/call":
			var p struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			}
			json.Unmarshal(req.Params, &p)
			switch p.Name {
			case "echo":
				reply(req.ID, map[string]interface{}{"content": []interface{}{
					map[string]interface{}{"type": "text", "text": fmt.Sprint(p.Arguments["msg"])},
				}})
			case "fail":
				fail(req.ID, -32001, "tool exploded")
			case "env":
				reply(req.ID, map[string]interface{}{"content": []interface{}{
					map[string]interface{}{"type": "text", "text": strings.Join(os.Environ(), "\n")},
				}})
			case "image":
				reply(req.ID, map[string]interface{}{"content": []interface{}{
					map[string]interface{}{"type": "image", "data": "aGk=", "mimeType": "image/png"},
				}})
			case "iserror":
				reply(req.ID, map[string]interface{}{"isError": true, "content": []interface{}{
					map[string]interface{}{"type": "text", "text": "bad input"},
				}})
			case "hang":
				time.Sleep(time.Hour)
			case "flood":
				// Stop reading stdin and fill stdout with responses nobody
				// asked for.
				pad := strings.Repeat("x", 1024)
				for i := 0; i < 4096; i++ {
					enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1000000 + i, "result": map[string]interface{}{"pad": pad}})
				}
				time.Sleep(time.Hour)
			}
		}
	}
}

func helperLookup(extra map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		if name == "GO_WANT_HELPER_PROCESS" {
			return "1", true
		}
		if v, ok := extra[name]; ok {
			return v, true
		}
		return os.LookupEnv(name)
	}
}

func helperConfig(mode string) StdioConfig {
	return StdioConfig{
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess", "--", mode},
		RequiredEnv: []string{"GO_WANT_HELPER_PROCESS"},
		Lookup:      helperLookup(nil),
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) OnEvent(ctx context.Context, ev event.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []event.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Type
	for _, ev := range l.events {
		out = append(out, event.TypeOf(ev))
	}
	return out
}

func TestStdioLifecycle(t *testing.T) {
	log := &eventLog{}
	c := NewStdio("fake", helperConfig("ok"), Options{
		Omit:    []string{"hang"},
		Emitter: event.NewEmitter(nil, log),
	})
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !c.IsInitialized() {
		t.Error("eager client not initialized after Init")
	}
	if err := c.Init(ctx); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init = %v", err)
	}

	defs, err := c.ToolDefinitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
		if d.SkillName != "fake" {
			t.Errorf("skill name = %q", d.SkillName)
		}
	}
	if fmt.Sprint(names) != "[echo fail env image iserror]" {
		t.Errorf("tools = %v", names)
	}

	parts, err := c.CallTool(ctx, "echo", map[string]interface{}{"msg": "hello"})
	if err != nil || len(parts) != 1 || parts[0].Text != "hello" {
		t.Errorf("echo = %+v, %v", parts, err)
	}

	parts, err = c.CallTool(ctx, "fail", nil)
	if err != nil {
		t.Fatalf("protocol error propagated: %v", err)
	}
	if len(parts) != 1 || !parts[0].IsError || parts[0].Text != "tool exploded" {
		t.Errorf("fail = %+v", parts)
	}

	parts, _ = c.CallTool(ctx, "iserror", nil)
	if len(parts) != 1 || !parts[0].IsError {
		t.Errorf("iserror = %+v", parts)
	}

	parts, _ = c.CallTool(ctx, "image", nil)
	if len(parts) != 1 || parts[0].Kind != checkpoint.PartImage || parts[0].MimeType != "image/png" {
		t.Errorf("image = %+v", parts)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := c.CallTool(ctx, "echo", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("call after close = %v", err)
	}

	got := fmt.Sprint(log.types())
	for _, want := range []event.Type{event.TypeSkillStarting, event.TypeSkillConnected, event.TypeSkillStderr, event.TypeSkillDisconnected} {
		if !strings.Contains(got, string(want)) {
			t.Errorf("events %s missing %s", got, want)
		}
	}
}

func TestStdioRecordsDurations(t *testing.T) {
	log := &eventLog{}
	c := NewStdio("fake", helperConfig("ok"), Options{Emitter: event.NewEmitter(nil, log)})
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	log.mu.Lock()
	defer log.mu.Unlock()
	for _, ev := range log.events {
		if conn, ok := ev.(*event.SkillConnected); ok {
			if conn.SpawnDuration <= 0 || conn.HandshakeDuration <= 0 {
				t.Errorf("durations = %v / %v", conn.SpawnDuration, conn.HandshakeDuration)
			}
			if conn.Tools != 6 {
				t.Errorf("tools = %d", conn.Tools)
			}
			return
		}
	}
	t.Error("no skillConnected event")
}

func TestStdioForwardsOnlyFilteredEnv(t *testing.T) {
	cfg := helperConfig("ok")
	cfg.RequiredEnv = append(cfg.RequiredEnv, "SKILL_TOKEN")
	cfg.Lookup = helperLookup(map[string]string{"SKILL_TOKEN": "abc", "UNRELATED_SECRET": "nope"})
	c := NewStdio("fake", cfg, Options{})
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	parts, err := c.CallTool(context.Background(), "env", nil)
	if err != nil {
		t.Fatal(err)
	}
	env := parts[0].Text
	if !strings.Contains(env, "SKILL_TOKEN=abc") {
		t.Errorf("required variable missing:\n%s", env)
	}
	if strings.Contains(env, "UNRELATED_SECRET") {
		t.Errorf("unlisted variable forwarded:\n%s", env)
	}
}

func TestStdioMissingRequiredEnv(t *testing.T) {
	cfg := helperConfig("ok")
	cfg.RequiredEnv = append(cfg.RequiredEnv, "AGENTRUN_DEFINITELY_UNSET")
	c := NewStdio("fake", cfg, Options{})
	err := c.Init(context.Background())
	var initErr *InitError
	if !errors.As(err, &initErr) || !strings.Contains(err.Error(), "AGENTRUN_DEFINITELY_UNSET") {
		t.Errorf("Init = %v", err)
	}
}

func TestStdioInitFailureResets(t *testing.T) {
	c := NewStdio("fake", helperConfig("badinit"), Options{})
	ctx := context.Background()

	err := c.Init(ctx)
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Init = %v", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "refusing to start" {
		t.Errorf("cause = %v", err)
	}
	if c.IsInitialized() {
		t.Error("failed client reports initialized")
	}

	// A clean retry is allowed and fails the same way rather than reporting
	// a stale state.
	err = c.Init(ctx)
	if !errors.As(err, &initErr) {
		t.Errorf("retry Init = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close after failed init: %v", err)
	}
}

func TestStdioCallTimeoutKillsProcess(t *testing.T) {
	c := NewStdio("fake", helperConfig("ok"), Options{CallTimeout: 200 * time.Millisecond})
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	start := time.Now()
	_, err := c.CallTool(ctx, "hang", nil)
	var procErr *ProcessError
	if !errors.As(err, &procErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("hang = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}

	if _, err := c.CallTool(ctx, "echo", nil); err == nil {
		t.Error("call after kill succeeded")
	}
}

func TestLazyInit(t *testing.T) {
	c := NewStdio("fake", helperConfig("ok"), Options{LazyInit: true})
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.IsInitialized() {
		t.Error("lazy client initialized immediately after Init")
	}
	if err := c.Init(ctx); !errors.Is(err, ErrAlreadyInitializing) && !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init = %v", err)
	}

	defs, err := c.ToolDefinitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) == 0 {
		t.Error("no tools after awaiting lazy init")
	}
	if !c.IsInitialized() {
		t.Error("lazy client not initialized after ToolDefinitions")
	}
}

func TestBaseSkillIgnoresLazyInit(t *testing.T) {
	c := NewStdio(BaseSkillName, helperConfig("ok"), Options{LazyInit: true})
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if !c.IsInitialized() {
		t.Error("base skill was not initialized eagerly")
	}
}

func TestCloseDuringLazyInit(t *testing.T) {
	c := NewStdio("fake", helperConfig("ok"), Options{LazyInit: true})
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := c.ToolDefinitions(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("after close = %v", err)
	}
}

func TestStdioTimeoutWithFullPipes(t *testing.T) {
	c := NewStdio("fake", helperConfig("ok"), Options{CallTimeout: 500 * time.Millisecond})
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	errs := make(chan error, 2)
	go func() {
		_, err := c.CallTool(ctx, "flood", nil)
		errs <- err
	}()
	time.Sleep(100 * time.Millisecond)
	go func() {
		// Far larger than a pipe buffer, and the provider is not reading.
		_, err := c.CallTool(ctx, "echo", map[string]interface{}{"msg": strings.Repeat("y", 1<<20)})
		errs <- err
	}()

	deadline := time.After(10 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err == nil {
				t.Error("call succeeded against a wedged provider")
			}
		case <-deadline:
			t.Fatalf("%d of 2 calls still blocked after 10s", 2-i)
		}
	}
}
