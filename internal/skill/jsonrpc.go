package skill

import (
	"encoding/json"
	"sync/atomic"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// Line-delimited JSON-RPC 2.0 as spoken by subprocess tool providers.

const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcErrorObject `json:"error,omitempty"`
}

// rpcMessage is any inbound line: a response, a notification or a request
// from the provider.
type rpcMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcErrorObject `json:"error,omitempty"`
}

type rpcErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const codeMethodNotFound = -32601

type idGenerator struct {
	next atomic.Int64
}

func (g *idGenerator) Next() int64 {
	return g.next.Add(1)
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      clientInfo             `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      clientInfo `json:"serverInfo"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools []struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		InputSchema map[string]interface{} `json:"inputSchema"`
	} `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type callToolResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type contentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Resource *struct {
		URI      string `json:"uri"`
		MimeType string `json:"mimeType,omitempty"`
		Text     string `json:"text,omitempty"`
		Blob     string `json:"blob,omitempty"`
	} `json:"resource,omitempty"`
}

// toParts normalizes provider content. When the provider flags the result as
// an error every text part carries the error flag.
func (r *callToolResult) toParts() []checkpoint.Part {
	var parts []checkpoint.Part
	for _, c := range r.Content {
		switch c.Type {
		case "text":
			parts = append(parts, textPart(c.Text, r.IsError))
		case "image":
			parts = append(parts, checkpoint.ImagePart(c.MimeType, c.Data))
		case "resource":
			if c.Resource == nil {
				continue
			}
			if c.Resource.Blob != "" {
				parts = append(parts, checkpoint.FilePart(c.Resource.URI, c.Resource.MimeType, c.Resource.Blob))
			} else {
				parts = append(parts, textPart(c.Resource.Text, r.IsError))
			}
		}
	}
	if r.IsError && len(parts) == 0 {
		parts = append(parts, checkpoint.ErrorPart("tool reported an error"))
	}
	return parts
}

func textPart(text string, isError bool) checkpoint.Part {
	if isError {
		return checkpoint.ErrorPart(text)
	}
	return checkpoint.TextPart(text)
}
