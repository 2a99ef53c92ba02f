package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"helmsman/pkg/config"
)

func newTestVerifier(timeout time.Duration, url string) *Verifier {
	v := NewVerifier(config.ReadinessConfig{
		ProbeInterval: 10 * time.Millisecond,
		Timeout:       timeout,
	})
	v.endpointFor = func(int) string { return url }
	return v
}

func TestVerifySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Browser":"Chrome/126.0.6478.62","Protocol-Version":"1.3","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	v := newTestVerifier(2*time.Second, srv.URL)
	info, err := v.Verify(context.Background(), "inst-1", 9222)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if info.Browser != "Chrome/126.0.6478.62" {
		t.Errorf("Unexpected browser identifier: %s", info.Browser)
	}
	if info.WebSocketDebuggerURL == "" {
		t.Error("Expected websocket debugger URL")
	}
}

func TestVerifyRetriesUntilLive(t *testing.T) {
	// The endpoint returns garbage for the first few probes, then comes up.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			_, _ = w.Write([]byte("not json"))
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome/126"}`))
	}))
	defer srv.Close()

	v := newTestVerifier(2*time.Second, srv.URL)
	info, err := v.Verify(context.Background(), "inst-1", 9222)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if info.Browser != "Chrome/126" {
		t.Errorf("Unexpected browser identifier: %s", info.Browser)
	}
	if hits.Load() < 3 {
		t.Errorf("Expected at least 3 probes, got %d", hits.Load())
	}
}

func TestVerifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	v := newTestVerifier(50*time.Millisecond, srv.URL)
	_, err := v.Verify(context.Background(), "inst-1", 9222)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Errorf("Expected ErrReadinessTimeout, got %v", err)
	}
}

func TestVerifyConnectionRefusedTimesOut(t *testing.T) {
	// Port 1 is never live; every probe is refused until the deadline.
	v := NewVerifier(config.ReadinessConfig{
		ProbeInterval: 10 * time.Millisecond,
		Timeout:       50 * time.Millisecond,
	})
	_, err := v.Verify(context.Background(), "inst-1", 1)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Errorf("Expected ErrReadinessTimeout, got %v", err)
	}
}

func TestVerifyMissingBrowserField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Protocol-Version":"1.3"}`))
	}))
	defer srv.Close()

	v := newTestVerifier(50*time.Millisecond, srv.URL)
	_, err := v.Verify(context.Background(), "inst-1", 9222)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Errorf("Expected ErrReadinessTimeout, got %v", err)
	}
}

func TestVerifyContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := newTestVerifier(5*time.Second, srv.URL)
	_, err := v.Verify(ctx, "inst-1", 9222)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
