package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

// Config carries the connection parameters for a Manager.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/sync.
	URL string
	// HandshakeTimeout bounds dial plus the auth handshake. Defaults to 10s.
	HandshakeTimeout time.Duration
	// ReconnectBase is the initial backoff delay for automatic reconnection.
	// Defaults to 1s.
	ReconnectBase time.Duration
	// ReconnectCap caps the backoff delay. Defaults to 30s.
	ReconnectCap time.Duration
	// MaxReconnectAttempts bounds automatic reconnection. Defaults to 5.
	MaxReconnectAttempts uint64
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
}

// Manager owns the one persistent socket connection of a room screen. It
// performs the auth handshake, fans inbound events out to registered
// handlers, correlates acks to in-flight intents, and reconnects with capped
// exponential backoff after an unexpected transport loss.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu    sync.RWMutex
	state State
	conn  *conn
	token string
	// callerClosed distinguishes a caller-initiated Disconnect from an
	// unexpected transport loss. Only the latter triggers reconnection.
	callerClosed bool
	onState      func(State)

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	ackMu   sync.Mutex
	ackID   int
	pending map[int]chan ackResult

	readStream chan *Event
	baseCtx    context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type ackResult struct {
	data json.RawMessage
	err  error
}

type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithBaseContext(ctx context.Context) ManagerOption {
	return func(m *Manager) {
		m.baseCtx, m.cancel = context.WithCancel(ctx)
	}
}

func WithDialer(d *websocket.Dialer) ManagerOption {
	return func(m *Manager) {
		m.dialer = d
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:        cfg,
		dialer:     websocket.DefaultDialer,
		logger:     slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		handlers:   make(map[string]Handler),
		pending:    make(map[int]chan ackResult),
		readStream: make(chan *Event, 100),
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchLoop()
	}()

	return m
}

// Connect establishes the transport and performs the auth handshake. It is a
// no-op when already connected. Connect returns ErrConnectionBusy while a
// connect or reconnect cycle is in flight, ErrTimeout when the handshake does
// not complete in time, and ErrHandshakeRejected when the server refuses the
// token.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return ErrConnectionBusy
	}
	m.token = token
	m.callerClosed = false
	m.mu.Unlock()
	m.setState(StateConnecting)

	if err := m.establish(ctx, token); err != nil {
		m.setState(StateDisconnected)
		return err
	}
	return nil
}

// Disconnect tears down the transport immediately. It is idempotent and safe
// to call when already disconnected. No reconnection is attempted.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.callerClosed = true
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c != nil {
		c.close()
	}
	m.failPending(ErrNotConnected)
	m.setState(StateDisconnected)
}

// Close disconnects and stops the event processing goroutine. The Manager
// cannot be reused afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Debug("manager closed gracefully")
	case <-time.After(10 * time.Second):
		m.logger.Warn("manager closed with timeout")
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnStateChange registers the single state observer. The callback runs
// outside the Manager's locks.
func (m *Manager) OnStateChange(f func(State)) {
	m.mu.Lock()
	m.onState = f
	m.mu.Unlock()
}

// Handle registers the handler for an inbound event type. Registering the
// same type twice panics.
func (m *Manager) Handle(eventType string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if _, ok := m.handlers[eventType]; ok {
		panic(fmt.Sprintf("handler(%s): already exists", eventType))
	}
	m.handlers[eventType] = h
}

func (m *Manager) Unhandle(eventType string) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	delete(m.handlers, eventType)
}

// Emit sends a fire-and-forget intent. It fails locally with ErrNotConnected
// when no transport is alive; intents are never queued across a transport
// cycle.
func (m *Manager) Emit(eventType string, payload any) error {
	e := &Event{Type: eventType}
	if err := marshalPayload(e, payload); err != nil {
		return err
	}
	return m.send(e)
}

// EmitWithAck sends an intent and waits for the server's matching ack. The
// returned payload is the ack's data field. Server-side failures are returned
// as *AckError; a transport loss while waiting fails with ErrNotConnected.
func (m *Manager) EmitWithAck(ctx context.Context, eventType string, payload any) (json.RawMessage, error) {
	id, ch := m.registerAck()
	defer m.unregisterAck(id)

	e := &Event{ID: id, Type: eventType}
	if err := marshalPayload(e, payload); err != nil {
		return nil, err
	}
	if err := m.send(e); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.data, res.err
	}
}

func marshalPayload(e *Event, payload any) error {
	if payload == nil {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	e.Payload = b
	return nil
}

func (m *Manager) send(e *Event) error {
	m.mu.RLock()
	c := m.conn
	st := m.state
	m.mu.RUnlock()
	if st != StateConnected || c == nil {
		return ErrNotConnected
	}
	return c.send(e)
}

// establish dials, performs the handshake, installs the connection, and
// transitions to Connected. It does not transition on failure; the caller
// decides the failure state.
func (m *Manager) establish(ctx context.Context, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := m.dialer.DialContext(dialCtx, m.cfg.URL, nil)
	if err != nil {
		if dialCtx.Err() != nil {
			return ErrTimeout
		}
		return fmt.Errorf("dial: %w", err)
	}

	if err := m.handshake(ws, token); err != nil {
		ws.Close()
		return err
	}

	c := newConn(ws, m.readStream, m.logger.With(slog.String("url", m.cfg.URL)), m.handleConnClosed)
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.readLoop()
	}()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.writeLoop()
	}()

	m.setState(StateConnected)
	return nil
}

// handshake exchanges the auth token for a connected acknowledgment on the
// raw connection, before the pumps start.
func (m *Manager) handshake(ws *websocket.Conn, token string) error {
	deadline := time.Now().Add(m.cfg.HandshakeTimeout)

	b, err := json.Marshal(authPayload{Token: token})
	if err != nil {
		return fmt.Errorf("marshal auth payload: %w", err)
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(&Event{Type: EventAuth, Payload: b}); err != nil {
		return fmt.Errorf("write auth event: %w", err)
	}

	ws.SetReadDeadline(deadline)
	for {
		var e Event
		if err := ws.ReadJSON(&e); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrTimeout
			}
			return fmt.Errorf("read handshake ack: %w", err)
		}
		switch e.Type {
		case EventConnect:
			ws.SetReadDeadline(time.Time{})
			ws.SetWriteDeadline(time.Time{})
			return nil
		case EventConnectError:
			return ErrHandshakeRejected
		default:
			// The server must not push domain events before the ack;
			// tolerate and skip anything unexpected.
			m.logger.Warn(fmt.Sprintf("unexpected handshake event: %s", e.Type))
		}
	}
}

func (m *Manager) handleConnClosed(c *conn, err error) {
	m.mu.Lock()
	if m.conn != c {
		// A stale connection from a previous cycle; the current one is
		// unaffected.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	closedByCaller := m.callerClosed
	m.mu.Unlock()

	m.failPending(ErrNotConnected)

	if closedByCaller {
		m.setState(StateDisconnected)
		return
	}
	if err != nil {
		m.logger.Error(fmt.Sprintf("transport lost: %v", err))
	}
	m.setState(StateReconnecting)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnectLoop()
	}()
}

func (m *Manager) reconnectLoop() {
	backoff := retry.WithMaxRetries(m.cfg.MaxReconnectAttempts,
		retry.WithCappedDuration(m.cfg.ReconnectCap,
			retry.NewExponential(m.cfg.ReconnectBase)))

	err := retry.Do(m.baseCtx, backoff, func(ctx context.Context) error {
		m.mu.RLock()
		closed := m.callerClosed
		token := m.token
		m.mu.RUnlock()
		if closed {
			return nil
		}
		if err := m.establish(ctx, token); err != nil {
			m.logger.Warn(fmt.Sprintf("reconnect attempt: %v", err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		m.logger.Error(fmt.Sprintf("reconnect attempts exhausted: %v", err))
		m.setState(StateFailed)
	}
}

func (m *Manager) setState(st State) {
	m.mu.Lock()
	if m.state == st {
		m.mu.Unlock()
		return
	}
	m.state = st
	cb := m.onState
	m.mu.Unlock()
	m.logger.Debug("state changed", slog.String("state", st.String()))
	if cb != nil {
		cb(st)
	}
}

func (m *Manager) dispatchLoop() {
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case e := <-m.readStream:
			if e.Type == EventAck {
				m.deliverAck(e)
				continue
			}
			m.dispatch(e)
		}
	}
}

func (m *Manager) dispatch(e *Event) {
	m.handlersMu.RLock()
	h, ok := m.handlers[e.Type]
	m.handlersMu.RUnlock()
	if !ok {
		m.logger.Debug(fmt.Sprintf("no handler for %s", e.Type))
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error(fmt.Sprintf("handler(%s): panic: %v", e.Type, r))
			}
		}()
		if err := h(m.baseCtx, e); err != nil {
			m.logger.Error(fmt.Sprintf("handler(%s): %v", e.Type, err))
		}
	}()
}

func (m *Manager) registerAck() (int, chan ackResult) {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	m.ackID++
	id := m.ackID
	ch := make(chan ackResult, 1)
	m.pending[id] = ch
	return id, ch
}

func (m *Manager) unregisterAck(id int) {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	delete(m.pending, id)
}

func (m *Manager) deliverAck(e *Event) {
	var body ackPayload
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		m.logger.Error(fmt.Sprintf("decode ack %d: %v", e.ID, err))
		return
	}
	m.ackMu.Lock()
	ch, ok := m.pending[e.ID]
	delete(m.pending, e.ID)
	m.ackMu.Unlock()
	if !ok {
		// The waiter gave up (timeout or teardown) before the ack landed.
		m.logger.Debug(fmt.Sprintf("ack %d has no waiter", e.ID))
		return
	}
	res := ackResult{data: body.Data}
	if !body.OK {
		if body.Error != nil {
			res.err = body.Error
		} else {
			res.err = fmt.Errorf("intent rejected")
		}
	}
	ch <- res
}

func (m *Manager) failPending(err error) {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	for id, ch := range m.pending {
		ch <- ackResult{err: err}
		delete(m.pending, id)
	}
}
