package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumora-app/roomsync/pkg/socket"
)

// mockTransport implements Transport with scripted ack responses and records
// every emitted intent.
type mockTransport struct {
	mu       sync.Mutex
	handlers map[string]socket.Handler
	emitted  []emittedIntent
	// ackFns scripts EmitWithAck per intent type. Unscripted intents ack
	// with an empty payload.
	ackFns  map[string]func(payload json.RawMessage) (json.RawMessage, error)
	emitErr error
	onState func(socket.State)
	state   socket.State
}

type emittedIntent struct {
	Type    string
	Payload json.RawMessage
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		handlers: make(map[string]socket.Handler),
		ackFns:   make(map[string]func(json.RawMessage) (json.RawMessage, error)),
		state:    socket.StateConnected,
	}
}

func (m *mockTransport) Emit(eventType string, payload any) error {
	m.record(eventType, payload)
	return m.emitErr
}

func (m *mockTransport) EmitWithAck(_ context.Context, eventType string, payload any) (json.RawMessage, error) {
	raw := m.record(eventType, payload)
	m.mu.Lock()
	fn := m.ackFns[eventType]
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(raw)
}

func (m *mockTransport) record(eventType string, payload any) json.RawMessage {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	m.mu.Lock()
	m.emitted = append(m.emitted, emittedIntent{Type: eventType, Payload: raw})
	m.mu.Unlock()
	return raw
}

func (m *mockTransport) Handle(eventType string, h socket.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = h
}

func (m *mockTransport) Unhandle(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, eventType)
}

func (m *mockTransport) OnStateChange(f func(socket.State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = f
}

func (m *mockTransport) State() socket.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ackWith scripts a successful ack carrying data for an intent type.
func (m *mockTransport) ackWith(eventType string, data any) {
	b, _ := json.Marshal(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackFns[eventType] = func(json.RawMessage) (json.RawMessage, error) {
		return b, nil
	}
}

// failWith scripts a failing ack for an intent type.
func (m *mockTransport) failWith(eventType string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackFns[eventType] = func(json.RawMessage) (json.RawMessage, error) {
		return nil, err
	}
}

// deliver pushes a server event through the registered handler, the way the
// manager's dispatch loop would.
func (m *mockTransport) deliver(t *testing.T, eventType string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	m.mu.Lock()
	h := m.handlers[eventType]
	m.mu.Unlock()
	if h == nil {
		return
	}
	require.NoError(t, h(context.Background(), &socket.Event{Type: eventType, Payload: b}))
}

func (m *mockTransport) countEmitted(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.emitted {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (m *mockTransport) notifyState(st socket.State) {
	m.mu.Lock()
	f := m.onState
	m.state = st
	m.mu.Unlock()
	if f != nil {
		f(st)
	}
}

// fakeHistoryClient satisfies HistoryClient for session tests.
type fakeHistoryClient struct {
	fakeHistory
	moderator string
	modErr    error
}

func (f *fakeHistoryClient) RoomModerator(_ context.Context, roomID string) (string, error) {
	return f.moderator, f.modErr
}
