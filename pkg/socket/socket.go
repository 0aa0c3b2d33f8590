package socket

import (
	"context"
	"errors"
)

// State is the lifecycle state of the logical connection. A Manager owns at
// most one live transport at a time; the state describes that transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateReconnecting is entered on unexpected transport loss while the
	// Manager retries with backoff.
	StateReconnecting
	// StateFailed is entered when the reconnect attempt budget is exhausted.
	// The caller may call Connect again to retry manually.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout is returned when the dial or handshake does not complete
	// within the handshake timeout.
	ErrTimeout = errors.New("handshake timed out")
	// ErrHandshakeRejected is returned when the server refuses the auth
	// handshake.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrNotConnected is returned for outbound calls issued while no
	// transport is alive. Intents are never queued.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionBusy is returned when Connect is called while a connect
	// or reconnect cycle is already in progress.
	ErrConnectionBusy = errors.New("connection attempt in progress")
)

// Handler consumes a single inbound event. Handlers run on the event
// processing goroutine, one at a time.
type Handler func(ctx context.Context, e *Event) error
