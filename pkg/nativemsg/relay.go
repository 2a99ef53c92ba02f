package nativemsg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"helmsman/pkg/logx"
)

// Sink receives relayed command payloads for one instance. The in-page agent
// attached to a running browser instance registers a sink; the bridge only
// routes, it never inspects the payload.
type Sink interface {
	Deliver(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Router relays command envelopes to per-instance sinks.
type Router struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	logger *logx.Logger
}

// NewRouter creates an empty relay router.
func NewRouter() *Router {
	return &Router{
		sinks:  make(map[string]Sink),
		logger: logx.NewLogger("relay"),
	}
}

// Attach registers the sink for an instance id, replacing any previous one.
func (r *Router) Attach(instanceID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[instanceID] = sink
	r.logger.Debug("Attached sink for instance %s", instanceID)
}

// Detach removes the sink for an instance id. Idempotent.
func (r *Router) Detach(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, instanceID)
	r.logger.Debug("Detached sink for instance %s", instanceID)
}

// Handle is the bridge handler for command envelopes. It forwards the opaque
// payload to the instance's sink and wraps the reply.
func (r *Router) Handle(ctx context.Context, env *Envelope) (*Envelope, error) {
	if env.Instance == "" {
		return nil, fmt.Errorf("command envelope missing instance id")
	}

	r.mu.RLock()
	sink, ok := r.sinks[env.Instance]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no channel attached for instance %s", env.Instance)
	}

	reply, err := sink.Deliver(ctx, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("instance %s delivery failed: %w", env.Instance, err)
	}

	return &Envelope{Type: "command_result", Instance: env.Instance, Payload: reply}, nil
}
