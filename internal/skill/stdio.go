package skill

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/event"
)

// ClientName and ClientVersion identify this runtime in the handshake.
var (
	ClientName    = "agentrun"
	ClientVersion = "dev"
)

const stderrTailLines = 20

// StdioConfig describes a subprocess provider.
type StdioConfig struct {
	Command string
	Args    []string
	Dir     string
	// RequiredEnv must all resolve through Lookup.
	RequiredEnv []string
	// AllowEnv extends DefaultEnvAllowlist.
	AllowEnv []string
	// Lookup resolves environment values. Defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// NewStdio returns a Manager for a provider spoken to over the stdio of a
// child process.
func NewStdio(name string, cfg StdioConfig, opts Options) *Client {
	if cfg.Lookup == nil {
		cfg.Lookup = os.LookupEnv
	}
	t := &stdioTransport{
		name:    name,
		cfg:     cfg,
		emitter: opts.Emitter,
		logger:  logging.New().WithComponent("skill.stdio"),
	}
	return newClient(name, t, opts)
}

type stdioTransport struct {
	name    string
	cfg     StdioConfig
	emitter *event.Emitter
	logger  *logging.Logger

	mu   sync.Mutex
	proc *stdioProcess
}

// stdioProcess is one spawned provider. A failed or closed process is never
// reused; the next connect spawns a fresh one.
type stdioProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	encoder *json.Encoder
	ids     idGenerator

	// writeMu serializes frames on stdin. It is never held together with mu.
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan *rpcMessage
	stopping bool
	tail     []string

	readDone chan struct{} // stdout reader exited
	readErr  error
	exited   chan struct{} // Wait returned
}

func (t *stdioTransport) kind() string { return "stdio" }

func (t *stdioTransport) describe() string {
	return strings.TrimSpace(t.cfg.Command + " " + strings.Join(t.cfg.Args, " "))
}

func (t *stdioTransport) connect(ctx context.Context) (*connection, error) {
	env, err := FilterEnv(t.cfg.RequiredEnv, t.cfg.AllowEnv, t.cfg.Lookup)
	if err != nil {
		return nil, err
	}

	spawnStart := time.Now()
	p, err := t.spawn(env)
	if err != nil {
		return nil, err
	}
	spawn := time.Since(spawnStart)
	t.mu.Lock()
	t.proc = p
	t.mu.Unlock()

	handshakeStart := time.Now()
	var init initializeResult
	err = p.request(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo{Name: ClientName, Version: ClientVersion},
	}, &init)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := p.notify("notifications/initialized"); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	handshake := time.Since(handshakeStart)
	t.logger.Debug("skill_handshake", map[string]interface{}{
		"skill":            t.name,
		"server":           init.ServerInfo.Name,
		"server_version":   init.ServerInfo.Version,
		"protocol_version": init.ProtocolVersion,
	})

	var tools []checkpoint.ToolDefinition
	cursor := ""
	for {
		var page listToolsResult
		if err := p.request(ctx, "tools/list", listToolsParams{Cursor: cursor}, &page); err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, tool := range page.Tools {
			tools = append(tools, checkpoint.ToolDefinition{
				SkillName:   t.name,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return &connection{tools: tools, spawn: spawn, handshake: handshake}, nil
}

func (t *stdioTransport) spawn(env []string) (*stdioProcess, error) {
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = env
	cmd.Dir = t.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stdin pipe", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stdout pipe", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stderr pipe", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Message: "failed to start " + t.cfg.Command, Cause: err}
	}

	p := &stdioProcess{
		cmd:      cmd,
		stdin:    stdin,
		encoder:  json.NewEncoder(stdin),
		pending:  make(map[int64]chan *rpcMessage),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readLoop(stdout, t.logger)
	}()
	go func() {
		defer readers.Done()
		t.stderrLoop(p, stderr)
	}()
	// Wait closes the pipes, so it runs only after both readers drain.
	go func() {
		readers.Wait()
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *stdioProcess) readLoop(stdout io.Reader, logger *logging.Logger) {
	reader := bufio.NewReader(stdout)
	var err error
	for {
		var line []byte
		line, err = reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			p.dispatch(trimmed, logger)
		}
		if err != nil {
			break
		}
	}
	p.mu.Lock()
	if errors.Is(err, io.EOF) {
		err = ErrDisconnected
	}
	p.readErr = err
	p.mu.Unlock()
	close(p.readDone)
}

func (p *stdioProcess) dispatch(line []byte, logger *logging.Logger) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		logger.Warn("skill_protocol_garbage", map[string]interface{}{"error": err.Error(), "bytes": len(line)})
		return
	}
	switch {
	case msg.Method != "" && msg.ID != nil:
		// Provider-initiated request. Only ping is understood.
		resp := rpcResponse{JSONRPC: "2.0", ID: *msg.ID}
		if msg.Method == "ping" {
			resp.Result = map[string]interface{}{}
		} else {
			resp.Error = &rpcErrorObject{Code: codeMethodNotFound, Message: "method not found: " + msg.Method}
		}
		// The reader must keep draining stdout while stdin is full.
		go func() {
			if err := p.write(resp); err != nil {
				logger.Warn("skill_reply_failed", map[string]interface{}{"method": msg.Method, "error": err.Error()})
			}
		}()
	case msg.Method != "":
		logger.Debug("skill_notification", map[string]interface{}{"method": msg.Method})
	case msg.ID != nil:
		p.mu.Lock()
		ch, ok := p.pending[*msg.ID]
		delete(p.pending, *msg.ID)
		p.mu.Unlock()
		if ok {
			ch <- &msg
		}
	}
}

func (t *stdioTransport) stderrLoop(p *stdioProcess, stderr io.Reader) {
	reader := bufio.NewReader(stderr)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			p.mu.Lock()
			p.tail = append(p.tail, line)
			if len(p.tail) > stderrTailLines {
				p.tail = p.tail[len(p.tail)-stderrTailLines:]
			}
			p.mu.Unlock()
			if err := t.emitter.Emit(context.Background(), &event.SkillStderr{Skill: t.name, Line: line}); err != nil {
				t.logger.Warn("skill_event_failed", map[string]interface{}{"skill": t.name, "error": err.Error()})
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *stdioProcess) write(v interface{}) error {
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		return ErrDisconnected
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.encoder.Encode(v)
}

func (p *stdioProcess) notify(method string) error {
	return p.write(rpcRequest{JSONRPC: "2.0", Method: method})
}

// request sends one call and waits for its response. A deadline kills the
// process so a wedged provider cannot hang the run.
func (p *stdioProcess) request(ctx context.Context, method string, params, result interface{}) error {
	id := p.ids.Next()
	ch := make(chan *rpcMessage, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	// A write blocked on a full stdin pipe only returns once the process
	// dies, so the deadline kills it from outside.
	stopKill := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.kill()
		}
	})
	defer stopKill()

	if err := p.write(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		p.forget(id)
		if cerr := ctx.Err(); cerr != nil {
			return &ProcessError{Message: method + " did not complete", Stderr: p.stderrTail(), Cause: cerr}
		}
		return &ProcessError{Message: "failed to write " + method, Stderr: p.stderrTail(), Cause: err}
	}

	select {
	case msg := <-ch:
		return decodeResponse(method, msg, result)
	case <-p.readDone:
		// The response may have landed just before the stream closed.
		select {
		case msg := <-ch:
			return decodeResponse(method, msg, result)
		default:
		}
		p.mu.Lock()
		err := p.readErr
		p.mu.Unlock()
		return &ProcessError{Message: "skill process exited", Stderr: p.stderrTail(), Cause: err}
	case <-ctx.Done():
		p.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.kill()
		}
		return &ProcessError{Message: method + " did not complete", Stderr: p.stderrTail(), Cause: ctx.Err()}
	}
}

func decodeResponse(method string, msg *rpcMessage, result interface{}) error {
	if msg.Error != nil {
		return &RPCError{Code: msg.Error.Code, Message: msg.Error.Message}
	}
	if result != nil && len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("malformed %s result: %w", method, err)
		}
	}
	return nil
}

func (p *stdioProcess) forget(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *stdioProcess) stderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.tail, "\n")
}

// kill never takes writeMu; it is what unblocks a stuck writer.
func (p *stdioProcess) kill() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// stop closes stdin and escalates to SIGINT and then SIGKILL if the
// process does not exit on its own.
func (p *stdioProcess) stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		<-p.exited
		return
	}
	p.stopping = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	select {
	case <-p.exited:
		return
	case <-time.After(500 * time.Millisecond):
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-p.exited:
		return
	case <-time.After(500 * time.Millisecond):
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

func (t *stdioTransport) call(ctx context.Context, name string, args map[string]interface{}) ([]checkpoint.Part, error) {
	t.mu.Lock()
	p := t.proc
	t.mu.Unlock()
	if p == nil {
		return nil, ErrDisconnected
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	var res callToolResult
	if err := p.request(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return res.toParts(), nil
}

func (t *stdioTransport) disconnect() error {
	t.mu.Lock()
	p := t.proc
	t.proc = nil
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	p.stop()
	return nil
}
