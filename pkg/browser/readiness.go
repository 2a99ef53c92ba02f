package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"helmsman/pkg/config"
	"helmsman/pkg/logx"
)

// VersionInfo is the debug metadata returned by the /json/version endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Verifier polls an instance's debug metadata endpoint until it responds with
// valid version info or the timeout elapses. Process start time is variable
// and unobservable except through the debug port becoming live, so bounded
// polling is the only readiness signal available.
type Verifier struct {
	logger   *logx.Logger
	interval time.Duration
	timeout  time.Duration
	client   *http.Client

	// endpointFor is swappable for tests.
	endpointFor func(port int) string
}

// NewVerifier creates a verifier with the configured probe interval and
// overall timeout.
func NewVerifier(cfg config.ReadinessConfig) *Verifier {
	return &Verifier{
		logger:   logx.NewLogger("readiness"),
		interval: cfg.ProbeInterval,
		timeout:  cfg.Timeout,
		client:   &http.Client{Timeout: 2 * time.Second},
		endpointFor: func(port int) string {
			return fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
		},
	}
}

// Verify polls the debug endpoint of the given port. Individual probe
// failures (connection refused, malformed body) are swallowed and retried;
// only the deadline is terminal. On success the parsed version info is
// returned.
func (v *Verifier) Verify(ctx context.Context, id string, port int) (*VersionInfo, error) {
	deadline := time.Now().Add(v.timeout)
	url := v.endpointFor(port)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		info, err := v.probe(ctx, url)
		if err == nil {
			v.logger.Info("Instance %s ready: %s", id, info.Browser)
			return info, nil
		}
		v.logger.Debug("Instance %s probe failed: %v", id, err)

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("instance %s: debug port %d not live after %v: %w",
				id, port, v.timeout, ErrReadinessTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("instance %s: readiness polling canceled: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// probe issues a single metadata request. A well-formed response must carry a
// non-empty browser identifier.
func (v *Verifier) probe(ctx context.Context, url string) (*VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected probe status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read probe body: %w", err)
	}

	var info VersionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("malformed probe body: %w", err)
	}
	if info.Browser == "" {
		return nil, fmt.Errorf("probe body missing browser identifier")
	}
	return &info, nil
}
