package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newFakeDebugEndpoint serves /json/version metadata plus a browser-level
// websocket that answers Browser.getVersion and rejects everything else.
func newFakeDebugEndpoint(t *testing.T) (port int, closeNotify chan string) {
	t.Helper()

	closeNotify = make(chan string, 1)
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().(*net.TCPAddr)
	port = addr.Port

	mux.HandleFunc("/json/version", func(w http.ResponseWriter, _ *http.Request) {
		meta := map[string]string{
			"Browser":              "Chrome/126.0.6478.62",
			"Protocol-Version":     "1.3",
			"webSocketDebuggerUrl": fmt.Sprintf("ws://127.0.0.1:%d/devtools/browser/test", port),
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("/devtools/browser/test", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			var cmd struct {
				ID     int    `json:"id"`
				Method string `json:"method"`
			}
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}

			switch cmd.Method {
			case "Browser.getVersion":
				_ = conn.WriteJSON(map[string]any{
					"id": cmd.ID,
					"result": map[string]string{
						"product":         "Chrome/126.0.6478.62",
						"protocolVersion": "1.3",
						"userAgent":       "Mozilla/5.0 test",
					},
				})
			case "Browser.close":
				select {
				case closeNotify <- cmd.Method:
				default:
				}
				return
			default:
				_ = conn.WriteJSON(map[string]any{
					"id": cmd.ID,
					"error": map[string]any{
						"code":    -32601,
						"message": "'" + cmd.Method + "' wasn't found",
					},
				})
			}
		}
	})

	return port, closeNotify
}

func TestDialSessionAndVersion(t *testing.T) {
	port, _ := newFakeDebugEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := DialSession(ctx, port)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer func() { _ = session.Close() }()

	info, err := session.Version(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if info.Browser != "Chrome/126.0.6478.62" {
		t.Errorf("Unexpected browser: %s", info.Browser)
	}
	if info.ProtocolVersion != "1.3" {
		t.Errorf("Unexpected protocol version: %s", info.ProtocolVersion)
	}
}

func TestCallUnknownMethod(t *testing.T) {
	port, _ := newFakeDebugEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := DialSession(ctx, port)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer func() { _ = session.Close() }()

	_, err = session.Call(ctx, "Browser.doesNotExist", nil)
	if err == nil || !strings.Contains(err.Error(), "wasn't found") {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

func TestCloseBrowserSendsCommand(t *testing.T) {
	port, closeNotify := newFakeDebugEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := DialSession(ctx, port)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer func() { _ = session.Close() }()

	if err := session.CloseBrowser(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	select {
	case method := <-closeNotify:
		if method != "Browser.close" {
			t.Errorf("Unexpected method: %s", method)
		}
	case <-time.After(5 * time.Second):
		t.Error("Browser.close never reached the endpoint")
	}
}

func TestDialSessionNoEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := DialSession(ctx, 1); err == nil {
		t.Error("Expected error dialing a dead port")
	}
}
