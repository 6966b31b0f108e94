// Package server exposes the gateway over MCP: a JSON-RPC core shared by
// every transport, plus the HTTP surface carrying streamable HTTP, SSE and
// the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sheetbridge/gateway/internal/capability"
	"github.com/sheetbridge/gateway/internal/handler"
	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/session"
)

// ProtocolVersion is the MCP revision this gateway speaks.
const ProtocolVersion = "2025-06-18"

// ServerName and ServerVersion identify the gateway in the initialize
// handshake.
const (
	ServerName    = "sheetbridge-gateway"
	ServerVersion = "1.4.0"
)

// Core is the transport-independent MCP dispatcher. Both the HTTP surface
// and the stdio loop feed requests through here.
type Core struct {
	runtime  *handler.Runtime
	sessions *session.Manager
	caps     *capability.Cache
	logger   *slog.Logger
}

// NewCore wires the dispatcher.
func NewCore(runtime *handler.Runtime, sessions *session.Manager, caps *capability.Cache, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{runtime: runtime, sessions: sessions, caps: caps, logger: logger}
}

// Notifier delivers server-initiated notifications to the peer. Transports
// that cannot push (bare HTTP POST) pass a no-op.
type Notifier func(*protocol.Request)

// Handle processes one JSON-RPC message. Notifications return nil.
func (c *Core) Handle(ctx context.Context, sess *session.Session, trace session.TraceContext, req *protocol.Request, notify Notifier) *protocol.Response {
	if notify == nil {
		notify = func(*protocol.Request) {}
	}

	switch req.Method {
	case "initialize":
		return c.handleInitialize(ctx, sess, req)
	case "notifications/initialized":
		sess.Initialized = true
		c.sessions.Touch(sess.ID)
		return nil
	case "ping":
		if req.IsNotification() {
			return nil
		}
		return protocol.NewResponse(req.ID, map[string]interface{}{})
	case "tools/list":
		return protocol.NewResponse(req.ID, map[string]interface{}{
			"tools": c.toolDescriptors(),
		})
	case "tools/call":
		return c.handleToolCall(ctx, sess, trace, req, notify)
	}

	if req.IsNotification() {
		c.logger.Debug("ignoring unknown notification", "method", req.Method)
		return nil
	}
	return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
		"method not found: "+req.Method, nil)
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

func (c *Core) handleInitialize(ctx context.Context, sess *session.Session, req *protocol.Request) *protocol.Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "malformed initialize params", nil)
		}
	}

	caps := protocol.ClientCapabilities{}
	if params.Capabilities != nil {
		_, caps.Elicitation = params.Capabilities["elicitation"]
		_, caps.Sampling = params.Capabilities["sampling"]
		_, caps.Roots = params.Capabilities["roots"]
	}
	sess.ClientCapabilities = caps
	if c.caps != nil {
		c.caps.Seed(ctx, sess.ID, caps)
	}
	c.sessions.Touch(sess.ID)

	c.logger.Info("session initialized",
		"session_id", sess.ID,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"elicitation", caps.Elicitation,
		"sampling", caps.Sampling)

	return protocol.NewResponse(req.ID, map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    protocol.DefaultServerCapabilities(),
		"serverInfo": map[string]string{
			"name":    ServerName,
			"version": ServerVersion,
		},
	})
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Meta      struct {
		ProgressToken interface{} `json:"progressToken"`
	} `json:"_meta"`
}

func (c *Core) handleToolCall(ctx context.Context, sess *session.Session, trace session.TraceContext, req *protocol.Request, notify Notifier) *protocol.Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "tools/call needs a tool name", nil)
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	rc := &handler.RequestContext{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Trace:     trace,
		Verbosity: handler.VerbosityStandard,
	}
	if v, ok := params.Arguments["verbosity"].(string); ok && v != "" {
		rc.Verbosity = v
	}
	if params.Meta.ProgressToken != nil {
		token := params.Meta.ProgressToken
		rc.Progress = func(progress, total float64, message string) {
			notify(protocol.NewProgressNotification(token, progress, total, message))
		}
	}

	c.sessions.Touch(sess.ID)
	env := c.runtime.Dispatch(ctx, rc, params.Name, params.Arguments)

	body, err := json.Marshal(env.MarshalMap())
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "result serialization failed", nil)
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(body)},
		},
		"isError": !env.Success,
	})
}

// toolDescriptors renders the catalog for tools/list, limited to actions
// actually registered on the runtime.
func (c *Core) toolDescriptors() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(toolCatalog))
	for _, tag := range c.runtime.Actions() {
		entry, ok := toolCatalog[tag]
		if !ok {
			entry = catalogEntry{description: tag}
		}
		schema := entry.schema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		out = append(out, map[string]interface{}{
			"name":        tag,
			"description": entry.description,
			"inputSchema": schema,
		})
	}
	return out
}

type catalogEntry struct {
	description string
	schema      map[string]interface{}
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var rowsSchema = map[string]interface{}{
	"type":  "array",
	"items": map[string]interface{}{"type": "array"},
}

var toolCatalog = map[string]catalogEntry{
	"read_range": {
		description: "Read one range. Accepts A1 notation, named:RangeName or header:ColumnName.",
		schema: objectSchema([]string{"spreadsheet_id", "range"}, map[string]interface{}{
			"spreadsheet_id":  map[string]interface{}{"type": "string"},
			"range":           map[string]interface{}{"type": "string"},
			"sheet":           map[string]interface{}{"type": "string"},
			"render_option":   map[string]interface{}{"type": "string"},
			"major_dimension": map[string]interface{}{"type": "string"},
			"fresh":           map[string]interface{}{"type": "boolean"},
		}),
	},
	"batch_read": {
		description: "Read several ranges from one spreadsheet in a single call.",
		schema: objectSchema([]string{"spreadsheet_id", "ranges"}, map[string]interface{}{
			"spreadsheet_id": map[string]interface{}{"type": "string"},
			"ranges":         map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		}),
	},
	"write_range": {
		description: "Overwrite a range. Supports dry_run previews and pre-write snapshots.",
		schema: objectSchema([]string{"spreadsheet_id", "range", "values"}, map[string]interface{}{
			"spreadsheet_id":     map[string]interface{}{"type": "string"},
			"range":              map[string]interface{}{"type": "string"},
			"values":             rowsSchema,
			"value_input_option": map[string]interface{}{"type": "string"},
			"safety":             map[string]interface{}{"type": "object"},
			"diff_options":       map[string]interface{}{"type": "object"},
		}),
	},
	"append_rows": {
		description: "Append rows to the end of a sheet's data.",
		schema: objectSchema([]string{"spreadsheet_id", "sheet", "rows"}, map[string]interface{}{
			"spreadsheet_id":     map[string]interface{}{"type": "string"},
			"sheet":              map[string]interface{}{"type": "string"},
			"rows":               rowsSchema,
			"value_input_option": map[string]interface{}{"type": "string"},
			"safety":             map[string]interface{}{"type": "object"},
		}),
	},
	"clear_range": {
		description: "Clear a range. Destructive: a snapshot is taken by default.",
		schema: objectSchema([]string{"spreadsheet_id", "range"}, map[string]interface{}{
			"spreadsheet_id": map[string]interface{}{"type": "string"},
			"range":          map[string]interface{}{"type": "string"},
			"safety":         map[string]interface{}{"type": "object"},
			"diff_options":   map[string]interface{}{"type": "object"},
		}),
	},
	"spreadsheet_info": {
		description: "Describe a workbook: sheets, dimensions and named ranges.",
		schema: objectSchema([]string{"spreadsheet_id"}, map[string]interface{}{
			"spreadsheet_id": map[string]interface{}{"type": "string"},
		}),
	},
	"transaction_begin": {
		description: "Open a multi-operation transaction on one spreadsheet.",
		schema: objectSchema([]string{"spreadsheet_id"}, map[string]interface{}{
			"spreadsheet_id": map[string]interface{}{"type": "string"},
			"auto_rollback":  map[string]interface{}{"type": "boolean"},
		}),
	},
	"transaction_queue": {
		description: "Queue a write, append or clear into a pending transaction.",
		schema: objectSchema([]string{"transaction_id", "operation", "range"}, map[string]interface{}{
			"transaction_id":     map[string]interface{}{"type": "string"},
			"operation":          map[string]interface{}{"type": "string", "enum": []string{"write", "append", "clear"}},
			"range":              map[string]interface{}{"type": "string"},
			"values":             rowsSchema,
			"value_input_option": map[string]interface{}{"type": "string"},
		}),
	},
	"transaction_commit": {
		description: "Apply the queued operations in order. A mid-commit failure rolls back when auto_rollback is set.",
		schema: objectSchema([]string{"transaction_id"}, map[string]interface{}{
			"transaction_id": map[string]interface{}{"type": "string"},
		}),
	},
	"transaction_rollback": {
		description: "Restore the pre-commit snapshot of a settled transaction.",
		schema: objectSchema([]string{"transaction_id"}, map[string]interface{}{
			"transaction_id": map[string]interface{}{"type": "string"},
		}),
	},
	"transaction_status": {
		description: "Report one transaction's state.",
		schema: objectSchema([]string{"transaction_id"}, map[string]interface{}{
			"transaction_id": map[string]interface{}{"type": "string"},
		}),
	},
	"transaction_list": {
		description: "List the caller's transactions, open and settled.",
	},
	"task_get": {
		description: "Report a long-running task's progress.",
		schema: objectSchema([]string{"task_id"}, map[string]interface{}{
			"task_id": map[string]interface{}{"type": "string"},
		}),
	},
	"task_cancel": {
		description: "Request cancellation of a running task.",
		schema: objectSchema([]string{"task_id"}, map[string]interface{}{
			"task_id": map[string]interface{}{"type": "string"},
		}),
	},
	"task_list": {
		description: "List this session's tasks.",
	},
}
