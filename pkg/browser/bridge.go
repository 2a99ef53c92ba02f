package browser

import (
	"context"
	"encoding/json"
	"fmt"
)

// SessionSink delivers relayed bridge commands to one instance over its
// debug websocket. The bridge router hands it the opaque command payload;
// only the method name is interpreted here, params pass through untouched.
type SessionSink struct {
	session *DebugSession
}

// NewSessionSink wraps an open debug session as a per-instance command sink.
func NewSessionSink(session *DebugSession) *SessionSink {
	return &SessionSink{session: session}
}

// Deliver forwards one command to the instance and returns the protocol
// result.
func (s *SessionSink) Deliver(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var cmd struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command payload: %w", err)
	}
	if cmd.Method == "" {
		return nil, fmt.Errorf("command payload missing method")
	}

	var params any
	if len(cmd.Params) > 0 {
		params = cmd.Params
	}
	return s.session.Call(ctx, cmd.Method, params)
}

// Close shuts the underlying debug session down.
func (s *SessionSink) Close() error {
	return s.session.Close()
}
