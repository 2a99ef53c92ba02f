package nativemsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"helmsman/pkg/logx"
)

// Handler processes one inbound envelope and optionally returns a reply.
type Handler func(ctx context.Context, env *Envelope) (*Envelope, error)

// Host runs the native messaging loop over a bidirectional stream pair,
// typically the process's stdin/stdout. Messages are dispatched to handlers
// registered by envelope type.
type Host struct {
	name     string
	in       io.Reader
	out      io.Writer
	logger   *logx.Logger
	handlers map[string]Handler

	// writeMu guards the output stream; replies and pushes must not
	// interleave frames.
	writeMu sync.Mutex
}

// NewHost creates a host reading from in and writing to out. The ping and
// hello handlers are registered by default.
func NewHost(name string, in io.Reader, out io.Writer) *Host {
	h := &Host{
		name:     name,
		in:       in,
		out:      out,
		logger:   logx.NewLogger("nativemsg"),
		handlers: make(map[string]Handler),
	}
	h.RegisterHandler("hello", h.handleHello)
	h.RegisterHandler("ping", h.handlePing)
	return h
}

// RegisterHandler installs a handler for an envelope type. Later
// registrations replace earlier ones.
func (h *Host) RegisterHandler(msgType string, handler Handler) {
	h.handlers[msgType] = handler
	h.logger.Debug("Registered handler for message type %s", msgType)
}

// Run processes inbound messages until end of stream, context cancellation,
// or a protocol violation. A violation closes only this channel: Run returns
// the error and the caller drops the stream pair.
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info("Native messaging host %s started", h.name)
	defer h.logger.Info("Native messaging host %s stopped", h.name)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		env, err := ReadEnvelope(h.in)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) || errors.Is(err, ErrProtocol) {
				h.logger.Error("Channel error, closing: %v", err)
				return err
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		h.dispatch(ctx, env)
	}
}

// dispatch routes one envelope to its handler and writes the reply. Handler
// errors become error envelopes rather than tearing the channel down.
func (h *Host) dispatch(ctx context.Context, env *Envelope) {
	handler, ok := h.handlers[env.Type]
	if !ok {
		h.logger.Warn("No handler for message type %s", env.Type)
		h.sendError(env, fmt.Sprintf("unknown message type: %s", env.Type))
		return
	}

	reply, err := handler(ctx, env)
	if err != nil {
		h.logger.Error("Handler for %s failed: %v", env.Type, err)
		h.sendError(env, err.Error())
		return
	}

	if reply != nil {
		if err := h.Send(reply); err != nil {
			h.logger.Error("Failed to send reply to %s: %v", env.Type, err)
		}
	}
}

// Send writes one outbound envelope to the channel.
func (h *Host) Send(env *Envelope) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return WriteMessage(h.out, env)
}

// sendError writes an error envelope referencing the offending message.
func (h *Host) sendError(orig *Envelope, message string) {
	payload, _ := json.Marshal(map[string]string{
		"message":       message,
		"original_type": orig.Type,
	})
	if err := h.Send(&Envelope{Type: "error", Instance: orig.Instance, Payload: payload}); err != nil {
		h.logger.Error("Failed to send error envelope: %v", err)
	}
}

func (h *Host) handleHello(_ context.Context, env *Envelope) (*Envelope, error) {
	payload, err := json.Marshal(map[string]string{
		"host_name": h.name,
		"version":   "1.0.0",
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: "hello_response", Instance: env.Instance, Payload: payload}, nil
}

func (h *Host) handlePing(_ context.Context, env *Envelope) (*Envelope, error) {
	payload, err := json.Marshal(map[string]any{
		"time": time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: "pong", Instance: env.Instance, Payload: payload}, nil
}
