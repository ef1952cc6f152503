package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

const pingTimeout = 5 * time.Second

// RemoteConfig describes a provider reached over an SSE endpoint.
type RemoteConfig struct {
	URL      string
	Headers  map[string]string
	Resolver Resolver
}

// NewRemote returns a Manager for an https SSE provider. The endpoint is
// validated against private and loopback ranges on every connect, and
// again on every dial.
func NewRemote(name string, cfg RemoteConfig, opts Options) *Client {
	return newClient(name, &remoteTransport{
		name: name,
		cfg:  cfg,
		validate: func(ctx context.Context, raw string) (*url.URL, error) {
			return ValidateRemoteURL(ctx, raw, cfg.Resolver)
		},
		httpClient: guardedHTTPClient(),
	}, opts)
}

type remoteTransport struct {
	name       string
	cfg        RemoteConfig
	validate   func(ctx context.Context, raw string) (*url.URL, error)
	httpClient *http.Client

	mu     sync.Mutex
	client *client.Client
}

func (t *remoteTransport) kind() string     { return "sse" }
func (t *remoteTransport) describe() string { return t.cfg.URL }

func (t *remoteTransport) connect(ctx context.Context) (*connection, error) {
	u, err := t.validate(ctx, t.cfg.URL)
	if err != nil {
		return nil, err
	}

	var opts []mcptransport.ClientOption
	if t.httpClient != nil {
		opts = append(opts, mcptransport.WithHTTPClient(t.httpClient))
	}
	if len(t.cfg.Headers) > 0 {
		opts = append(opts, mcptransport.WithHeaders(t.cfg.Headers))
	}

	connectStart := time.Now()
	c, err := client.NewSSEMCPClient(u.String(), opts...)
	if err != nil {
		return nil, &ProcessError{Message: "failed to create sse client", Cause: err}
	}
	t.mu.Lock()
	t.client = c
	t.mu.Unlock()
	// The stream must outlive connect. Close ends it.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, &ProcessError{Message: "failed to open sse stream", Cause: err}
	}
	spawn := time.Since(connectStart)

	handshakeStart := time.Now()
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: ClientName, Version: ClientVersion}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	handshake := time.Since(handshakeStart)

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools := make([]checkpoint.ToolDefinition, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		tools = append(tools, checkpoint.ToolDefinition{
			SkillName:   t.name,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaOf(tool),
		})
	}
	return &connection{tools: tools, spawn: spawn, handshake: handshake}, nil
}

func schemaOf(tool mcp.Tool) map[string]interface{} {
	raw := []byte(tool.RawInputSchema)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(tool.InputSchema); err != nil {
			return nil
		}
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	return schema
}

// call invokes a tool. A failed call is followed by a ping: if the endpoint
// still answers, the failure is the tool's and becomes an RPCError.
func (t *remoteTransport) call(ctx context.Context, name string, args map[string]interface{}) ([]checkpoint.Part, error) {
	t.mu.Lock()
	c := t.client
	t.mu.Unlock()
	if c == nil {
		return nil, ErrDisconnected
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
		defer cancel()
		if pingErr := c.Ping(pingCtx); pingErr != nil {
			return nil, &ProcessError{Message: "remote skill unreachable", Cause: err}
		}
		return nil, &RPCError{Message: err.Error()}
	}
	return remoteParts(res), nil
}

func remoteParts(res *mcp.CallToolResult) []checkpoint.Part {
	var parts []checkpoint.Part
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, textPart(v.Text, res.IsError))
		case *mcp.TextContent:
			parts = append(parts, textPart(v.Text, res.IsError))
		case mcp.ImageContent:
			parts = append(parts, checkpoint.ImagePart(v.MIMEType, v.Data))
		case *mcp.ImageContent:
			parts = append(parts, checkpoint.ImagePart(v.MIMEType, v.Data))
		case mcp.EmbeddedResource:
			parts = append(parts, resourcePart(v.Resource, res.IsError)...)
		case *mcp.EmbeddedResource:
			parts = append(parts, resourcePart(v.Resource, res.IsError)...)
		}
	}
	if res.IsError && len(parts) == 0 {
		parts = append(parts, checkpoint.ErrorPart("tool reported an error"))
	}
	return parts
}

func resourcePart(r mcp.ResourceContents, isError bool) []checkpoint.Part {
	switch v := r.(type) {
	case mcp.TextResourceContents:
		return []checkpoint.Part{textPart(v.Text, isError)}
	case *mcp.TextResourceContents:
		return []checkpoint.Part{textPart(v.Text, isError)}
	case mcp.BlobResourceContents:
		return []checkpoint.Part{checkpoint.FilePart(v.URI, v.MIMEType, v.Blob)}
	case *mcp.BlobResourceContents:
		return []checkpoint.Part{checkpoint.FilePart(v.URI, v.MIMEType, v.Blob)}
	}
	return nil
}

func (t *remoteTransport) disconnect() error {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
