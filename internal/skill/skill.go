// Package skill manages external tool providers. A Manager owns the lifecycle
// of one provider (a local subprocess or a remote streaming endpoint, or one
// of the built-in delegate and interactive providers) and exposes tool
// discovery and invocation behind a single interface.
package skill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
)

// BaseSkillName is the built-in provider whose tools the first step assumes.
// It is always initialized eagerly.
const BaseSkillName = "base"

// Type classifies a provider for tool-call routing.
type Type string

const (
	TypeMCP         Type = "mcp"
	TypeDelegate    Type = "delegate"
	TypeInteractive Type = "interactive"
)

// Priority orders tool calls within a step: direct tools run before
// delegation, delegation before anything that needs a human.
func (t Type) Priority() int {
	switch t {
	case TypeMCP:
		return 0
	case TypeDelegate:
		return 1
	case TypeInteractive:
		return 2
	default:
		return 3
	}
}

// Manager is the uniform surface of a tool provider.
type Manager interface {
	Name() string
	Type() Type
	Init(ctx context.Context) error
	IsInitialized() bool
	ToolDefinitions(ctx context.Context) ([]checkpoint.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) ([]checkpoint.Part, error)
	Close() error
}

var (
	ErrAlreadyInitialized  = errors.New("already initialized")
	ErrAlreadyInitializing = errors.New("already initializing")
	ErrNotInitialized      = errors.New("not initialized")
	ErrClosed              = errors.New("skill closed")
	ErrDisconnected        = errors.New("skill disconnected")
)

// RPCError is a protocol-level failure reported by the provider. Tool calls
// turn it into an error content part instead of failing the step.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ProcessError is a transport-level failure: the provider could not be
// reached or its process went away.
type ProcessError struct {
	Message string
	Stderr  string
	Cause   error
}

func (e *ProcessError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Cause }

// InitError wraps a failed initialization.
type InitError struct {
	Skill string
	Cause error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize skill %q: %v", e.Skill, e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

// Options configure a protocol-backed Manager.
type Options struct {
	// Pick restricts the offered tools to these names when non-empty.
	Pick []string
	// Omit removes these names when non-empty. Applied before Pick.
	Omit []string
	// LazyInit lets Init return at once while the connection proceeds in
	// the background. Ignored for BaseSkillName.
	LazyInit    bool
	InitTimeout time.Duration
	CallTimeout time.Duration
	Emitter     *event.Emitter
}

// connection is what a transport reports after a successful connect.
type connection struct {
	tools     []checkpoint.ToolDefinition
	spawn     time.Duration
	handshake time.Duration
}

// transport is the protocol half of a Client. disconnect must be safe to
// call repeatedly and after a failed connect.
type transport interface {
	kind() string
	describe() string
	connect(ctx context.Context) (*connection, error)
	call(ctx context.Context, name string, args map[string]interface{}) ([]checkpoint.Part, error)
	disconnect() error
}

type state int

const (
	stateIdle state = iota
	stateInitializing
	stateReady
	stateClosed
)

// Client drives the lifecycle of a protocol-backed provider.
type Client struct {
	name      string
	opts      Options
	transport transport
	logger    *logging.Logger

	closeCtx context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	state   state
	done    chan struct{}
	lastErr error
	awaited bool
	tools   []checkpoint.ToolDefinition
}

func newClient(name string, t transport, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	if name == BaseSkillName {
		opts.LazyInit = false
	}
	return &Client{
		name:      name,
		opts:      opts,
		transport: t,
		logger:    logging.New().WithComponent("skill"),
		closeCtx:  ctx,
		cancel:    cancel,
	}
}

func (c *Client) Name() string { return c.name }
func (c *Client) Type() Type   { return TypeMCP }

// Init connects to the provider. With LazyInit it returns immediately and
// the first ToolDefinitions or CallTool waits for the connection.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		c.mu.Unlock()
		return ErrAlreadyInitialized
	case stateInitializing:
		c.mu.Unlock()
		return ErrAlreadyInitializing
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = stateInitializing
	c.done = make(chan struct{})
	c.lastErr = nil
	c.awaited = false
	done := c.done
	c.mu.Unlock()

	if c.opts.LazyInit {
		go c.connect(context.WithoutCancel(ctx), done)
		return nil
	}
	c.connect(ctx, done)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReady {
		c.awaited = true
	}
	return c.lastErr
}

func (c *Client) connect(ctx context.Context, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.closeCtx, cancel)
	defer stop()
	if c.opts.InitTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, c.opts.InitTimeout)
		defer tcancel()
	}

	c.emit(ctx, &event.SkillStarting{Skill: c.name, Transport: c.transport.kind(), Command: c.transport.describe()})
	conn, err := c.transport.connect(ctx)
	if err != nil {
		// Leave nothing half-open so a later Init starts clean.
		_ = c.transport.disconnect()
		c.logger.Error("skill_init_failed", map[string]interface{}{"skill": c.name, "error": err.Error()})
		c.mu.Lock()
		if c.state != stateClosed {
			c.state = stateIdle
		}
		c.lastErr = &InitError{Skill: c.name, Cause: err}
		c.tools = nil
		c.mu.Unlock()
		return
	}

	tools := FilterTools(conn.tools, c.opts.Pick, c.opts.Omit)
	for i := range tools {
		tools[i].SkillName = c.name
	}
	c.mu.Lock()
	if c.state == stateInitializing {
		c.state = stateReady
		c.tools = tools
	}
	c.mu.Unlock()

	c.logger.Info("skill_connected", map[string]interface{}{
		"skill":        c.name,
		"spawn_ms":     conn.spawn.Milliseconds(),
		"handshake_ms": conn.handshake.Milliseconds(),
		"tools":        len(tools),
	})
	c.emit(ctx, &event.SkillConnected{
		Skill:             c.name,
		SpawnDuration:     conn.spawn,
		HandshakeDuration: conn.handshake,
		Tools:             len(tools),
	})
}

// IsInitialized reports whether the provider is connected and a caller has
// observed it. A lazily initialized client stays false until the first
// ToolDefinitions or CallTool has waited on the connection.
func (c *Client) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady && c.awaited
}

func (c *Client) await(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		c.awaited = true
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateIdle:
		err := c.lastErr
		c.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrNotInitialized
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateReady:
		c.awaited = true
		return nil
	case stateClosed:
		return ErrClosed
	}
	return c.lastErr
}

func (c *Client) ToolDefinitions(ctx context.Context) ([]checkpoint.ToolDefinition, error) {
	if err := c.await(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]checkpoint.ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out, nil
}

// CallTool invokes one tool. Protocol errors come back as an error content
// part; transport errors are returned.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) ([]checkpoint.Part, error) {
	if err := c.await(ctx); err != nil {
		return nil, err
	}
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	parts, err := c.transport.call(ctx, name, args)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		c.logger.Warn("tool_call_error", map[string]interface{}{
			"skill": c.name,
			"tool":  name,
			"error": rpcErr.Message,
		})
		return []checkpoint.Part{checkpoint.ErrorPart(rpcErr.Message)}, nil
	}
	if err != nil {
		c.logger.Error("tool_call_failed", map[string]interface{}{
			"skill": c.name,
			"tool":  name,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("skill %s: tool %s: %w", c.name, name, err)
	}
	c.logger.Debug("tool_call_complete", map[string]interface{}{
		"skill":       c.name,
		"tool":        name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return parts, nil
}

// Close tears the provider down. It is safe before, during and after Init.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = stateClosed
	done := c.done
	c.mu.Unlock()

	c.cancel()
	if prev == stateInitializing && done != nil {
		<-done
	}
	err := c.transport.disconnect()
	if prev != stateIdle {
		ev := &event.SkillDisconnected{Skill: c.name}
		if err != nil {
			ev.Error = err.Error()
		}
		c.emit(context.Background(), ev)
	}
	return err
}

func (c *Client) emit(ctx context.Context, ev event.Event) {
	if err := c.opts.Emitter.Emit(ctx, ev); err != nil {
		c.logger.Warn("skill_event_failed", map[string]interface{}{"skill": c.name, "error": err.Error()})
	}
}
