package socket

import (
	"encoding/json"
	"fmt"
	"io"
)

// Connection-level event types exchanged during and after the handshake.
// Domain event types (new_message, room_user_joined, ...) are defined by the
// packages that consume them.
const (
	EventAuth         = "auth"
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventAck          = "ack"
)

// Event is a single frame on the socket. Intents carry a non-zero ID when the
// caller expects the server to acknowledge them; the server echoes the same ID
// back on the matching ack event.
type Event struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{ID: %d, Type: %s, Payload.Size: %d}", e.ID, e.Type, len(e.Payload))
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

type authPayload struct {
	Token string `json:"token"`
}

// ackPayload is the body of an ack event. Data carries the operation-specific
// result when OK is true.
type ackPayload struct {
	OK    bool            `json:"ok"`
	Error *AckError       `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckError is a structured failure returned by the server on an acknowledged
// intent.
type AckError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
