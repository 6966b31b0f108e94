package protocol

import "time"

// Envelope is the uniform tool-result shape. Success and error forms are
// mutually exclusive: a response is either {success:true, action, payload}
// or {success:false, error}. Never both.
type Envelope struct {
	Success bool                   `json:"success"`
	Action  string                 `json:"action,omitempty"`
	Payload map[string]interface{} `json:"-"`
	Error   *GatewayError          `json:"error,omitempty"`
	Meta    *Meta                  `json:"_meta,omitempty"`
}

// Meta carries out-of-band result context: warnings, snapshot handles for
// undo, paging cursors and cost estimates.
type Meta struct {
	Warnings   []string       `json:"warnings,omitempty"`
	Snapshot   *SnapshotMeta  `json:"snapshot,omitempty"`
	NextCursor string         `json:"next_cursor,omitempty"`
	Cost       *CostEstimate  `json:"cost,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// SnapshotMeta is embedded when a pre-mutation snapshot was taken.
type SnapshotMeta struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	UndoInstructions []string  `json:"undo_instructions,omitempty"`
}

// CostEstimate reports approximate API cost of the call.
type CostEstimate struct {
	APICalls     int `json:"api_calls"`
	CellsTouched int `json:"cells_touched,omitempty"`
}

// Success builds a success envelope for an action.
func Success(action string, payload map[string]interface{}) *Envelope {
	return &Envelope{Success: true, Action: action, Payload: payload}
}

// Failure builds an error envelope.
func Failure(err error) *Envelope {
	return &Envelope{Success: false, Error: AsGatewayError(err)}
}

// WithMeta attaches _meta and returns the envelope for chaining.
func (e *Envelope) WithMeta(meta *Meta) *Envelope {
	e.Meta = meta
	return e
}

// AddWarning appends a warning, allocating _meta on first use.
func (e *Envelope) AddWarning(warning string) *Envelope {
	if e.Meta == nil {
		e.Meta = &Meta{}
	}
	e.Meta.Warnings = append(e.Meta.Warnings, warning)
	return e
}

// MarshalMap flattens the envelope into the JSON object handed to the peer:
// payload fields sit at the top level next to success/action/_meta.
func (e *Envelope) MarshalMap() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Payload)+4)
	out["success"] = e.Success
	if e.Action != "" {
		out["action"] = e.Action
	}
	for k, v := range e.Payload {
		out[k] = v
	}
	if e.Error != nil {
		out["error"] = e.Error
	}
	if e.Meta != nil {
		out["_meta"] = e.Meta
	}
	return out
}
