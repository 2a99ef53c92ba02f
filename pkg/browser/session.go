package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"helmsman/pkg/logx"
)

// DebugSession is a minimal debug-protocol session over the browser-level
// websocket. It covers only what orchestration needs: the readiness handshake
// and the protocol-level close tier. Page automation domains are out of scope
// and live with external collaborators.
type DebugSession struct {
	conn   *websocket.Conn
	logger *logx.Logger

	mu     sync.Mutex
	nextID int
}

// command is the debug-protocol request envelope.
type command struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// response is the debug-protocol reply envelope.
type response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DialSession connects to an instance's browser-level debug websocket. The
// endpoint is discovered from the /json/version metadata.
func DialSession(ctx context.Context, port int) (*DebugSession, error) {
	wsURL, err := debuggerURL(ctx, port)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial debug websocket %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return &DebugSession{
		conn:   conn,
		logger: logx.NewLogger("session"),
		nextID: 1,
	}, nil
}

// debuggerURL fetches the browser-level websocket endpoint from the debug
// metadata.
func debuggerURL(ctx context.Context, port int) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build metadata request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch debug metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read debug metadata: %w", err)
	}

	var info VersionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("malformed debug metadata: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("debug metadata missing websocket endpoint")
	}
	return info.WebSocketDebuggerURL, nil
}

// Call issues one debug-protocol command and waits for its reply.
func (s *DebugSession) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		_ = s.conn.SetReadDeadline(deadline)
	}

	if err := s.conn.WriteJSON(command{ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	// Events may interleave with the reply; skip anything without our id.
	for {
		var resp response
		if err := s.conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("failed to read %s reply: %w", method, err)
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	}
}

// CloseBrowser asks the browser to close itself through the debug protocol.
// This is the only teardown path that reliably persists session-restore state.
// The browser often drops the connection before replying, so only the send is
// treated as authoritative; exit confirmation happens at the process level.
func (s *DebugSession) CloseBrowser(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}

	if err := s.conn.WriteJSON(command{ID: id, Method: "Browser.close"}); err != nil {
		return fmt.Errorf("failed to send Browser.close: %w", err)
	}
	return nil
}

// Version performs the Browser.getVersion handshake.
func (s *DebugSession) Version(ctx context.Context) (*VersionInfo, error) {
	result, err := s.Call(ctx, "Browser.getVersion", nil)
	if err != nil {
		return nil, err
	}

	var info struct {
		Product         string `json:"product"`
		ProtocolVersion string `json:"protocolVersion"`
		UserAgent       string `json:"userAgent"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("malformed getVersion result: %w", err)
	}
	return &VersionInfo{
		Browser:         info.Product,
		ProtocolVersion: info.ProtocolVersion,
		UserAgent:       info.UserAgent,
	}, nil
}

// Close shuts down the websocket connection.
func (s *DebugSession) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
