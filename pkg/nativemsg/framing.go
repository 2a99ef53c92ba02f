// Package nativemsg implements the native messaging channel: JSON messages
// framed with a 4-byte little-endian length prefix over a bidirectional
// stream. The bridge is a pure framing/relay layer; it interprets only the
// envelope fields needed for routing, never message semantics.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Size limits imposed by the native messaging protocol. Inbound messages
// (extension to host) are capped far lower than outbound.
const (
	MaxInboundSize  = 1 << 20  // 1MB
	MaxOutboundSize = 64 << 20 // 64MB
)

var (
	// ErrProtocol indicates a framing or JSON violation on the channel. The
	// channel carrying the violation is closed; other channels are unaffected.
	ErrProtocol = errors.New("native messaging protocol error")

	// ErrMessageTooLarge indicates a message exceeding the direction's size
	// cap. Nothing is transmitted for oversized outbound messages.
	ErrMessageTooLarge = errors.New("message exceeds size limit")
)

// Envelope is the routing envelope of every bridge message. Payload stays
// opaque to the bridge.
type Envelope struct {
	Type     string          `json:"type"`
	Instance string          `json:"instance,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// WriteMessage frames and writes one message: length prefix first, then the
// UTF-8 JSON body. Oversized messages fail before any bytes are written.
func WriteMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if len(body) > MaxOutboundSize {
		return fmt.Errorf("outbound message of %d bytes: %w", len(body), ErrMessageTooLarge)
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one framed message: the 4-byte prefix, then
// exactly that many body bytes, which must parse as JSON. io.EOF is returned
// on a clean end of stream before any prefix bytes.
func ReadMessage(r io.Reader) (json.RawMessage, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("truncated length prefix: %w", ErrProtocol)
	}

	length := binary.LittleEndian.Uint32(prefix[:])
	if length > MaxInboundSize {
		return nil, fmt.Errorf("inbound message of %d bytes: %w", length, ErrMessageTooLarge)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("expected %d body bytes: %w", length, ErrProtocol)
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("message body is not valid JSON: %w", ErrProtocol)
	}
	return body, nil
}

// ReadEnvelope reads one framed message and decodes its routing envelope.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	body, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", ErrProtocol)
	}
	return &env, nil
}
