// Package protocol defines the JSON-RPC 2.0 message framing spoken with MCP
// peers and the structured success/error envelopes returned by tool handlers.
// MCP spec: https://modelcontextprotocol.io
package protocol

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes used on the wire. Gateway error codes (see
// errors.go) travel inside the error data payload.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request or notification (nil ID).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is the wire-level JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success response for the given request id.
func NewResponse(id, result interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// ParseRequest decodes and validates a single JSON-RPC request.
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if req.JSONRPC != "2.0" {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", req.JSONRPC)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("missing method")
	}
	return &req, nil
}

// ProgressParams is the payload of a notifications/progress message.
type ProgressParams struct {
	ProgressToken interface{} `json:"progressToken"`
	Progress      float64     `json:"progress"`
	Total         float64     `json:"total,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// NewProgressNotification builds a progress notification for a token.
func NewProgressNotification(token interface{}, progress, total float64, message string) *Request {
	params, _ := json.Marshal(ProgressParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
	return &Request{JSONRPC: "2.0", Method: "notifications/progress", Params: params}
}

// ServerCapabilities is advertised during initialize.
type ServerCapabilities struct {
	Logging   map[string]interface{} `json:"logging,omitempty"`
	Resources map[string]interface{} `json:"resources,omitempty"`
	Prompts   map[string]interface{} `json:"prompts,omitempty"`
	Tools     map[string]interface{} `json:"tools,omitempty"`
	Tasks     map[string]interface{} `json:"tasks,omitempty"`
}

// ClientCapabilities is the peer capability record negotiated at handshake.
// The capability cache keys handler gating decisions off this.
type ClientCapabilities struct {
	Elicitation bool `json:"elicitation"`
	Sampling    bool `json:"sampling"`
	Roots       bool `json:"roots"`
}

// DefaultServerCapabilities describes what this gateway advertises.
func DefaultServerCapabilities() ServerCapabilities {
	return ServerCapabilities{
		Logging:   map[string]interface{}{},
		Resources: map[string]interface{}{"listChanged": true},
		Prompts:   map[string]interface{}{},
		Tools:     map[string]interface{}{"listChanged": true},
		Tasks:     map[string]interface{}{"progress": true, "cancellation": true},
	}
}
