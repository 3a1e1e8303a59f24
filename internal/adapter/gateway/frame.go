package gateway

import "encoding/json"

// FrameType identifies the kind of frame exchanged over the WebSocket
// connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged with the gateway over WebSocket. Exactly
// one shape is populated depending on Type: requests carry ID, Method and
// Params; responses carry ID, OK and either Payload or Error; events carry
// Event and Payload plus optional ordering metadata.
type Frame struct {
	Type         FrameType       `json:"type"`
	ID           string          `json:"id,omitempty"`     // request/response correlation ID
	Method       string          `json:"method,omitempty"` // RPC method name
	Params       json.RawMessage `json:"params,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        *FrameError     `json:"error,omitempty"`
	Event        string          `json:"event,omitempty"` // event name (event only)
	Seq          int64           `json:"seq,omitempty"`
	StateVersion int64           `json:"stateVersion,omitempty"`
}

// FrameError is the structured error carried by a failed response frame.
type FrameError struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Error implements the error interface so a gateway failure can be wrapped
// and inspected by callers.
func (e *FrameError) Error() string {
	if e == nil {
		return "gateway error"
	}
	if e.Code != "" && e.Message != "" {
		return e.Code + ": " + e.Message
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "gateway error"
}
