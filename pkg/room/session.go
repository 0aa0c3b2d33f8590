package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumora-app/roomsync/pkg/socket"
)

// Membership is the join lifecycle state of a session.
type Membership int

const (
	MembershipNotJoined Membership = iota
	MembershipJoining
	MembershipJoined
	MembershipLeft
)

func (m Membership) String() string {
	switch m {
	case MembershipNotJoined:
		return "not_joined"
	case MembershipJoining:
		return "joining"
	case MembershipJoined:
		return "joined"
	case MembershipLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Transport is the slice of the connection manager a session needs. The
// socket.Manager implements it.
type Transport interface {
	Emit(eventType string, payload any) error
	EmitWithAck(ctx context.Context, eventType string, payload any) (json.RawMessage, error)
	Handle(eventType string, h socket.Handler)
	Unhandle(eventType string)
	OnStateChange(func(socket.State))
	State() socket.State
}

// HistoryClient is the REST collaborator consumed by the session: paginated
// message backfill plus room moderator lookup.
type HistoryClient interface {
	HistorySource
	RoomModerator(ctx context.Context, roomID string) (string, error)
}

// SendResult is delivered to the per-call send callback. On failure Err is a
// *SendError carrying the server's retryable flag; the caller owns the draft
// and decides whether to resubmit.
type SendResult struct {
	Message *Message
	Err     error
}

// Snapshot is the read-only session state exposed to the display layer.
type Snapshot struct {
	RoomID      string
	Membership  Membership
	OnlineCount int
	Typing      []string
}

var sessionEvents = []string{
	EventRoomJoined,
	EventUserJoined,
	EventUserLeft,
	EventNewMessage,
	EventMessageDeleted,
	EventReactionAdded,
	EventReactionRemoved,
	EventUserTyping,
	EventUserStoppedTyping,
}

// Session is the live view of one room over one connection. It owns the
// message store, reaction ledger, and typing coordinator for that room and
// is destroyed with the room screen via Close.
type Session struct {
	roomID    string
	userID    string
	transport Transport
	history   HistoryClient
	logger    *slog.Logger

	store  *Store
	ledger *Ledger
	typing *TypingCoordinator

	mu             sync.Mutex
	membership     Membership
	onlineCount    int
	lastTypingEmit time.Time
	onUpdate       func()

	typingWindow time.Duration
	ackTimeout   time.Duration
	now          func() time.Time
	closed       atomic.Bool
}

type SessionOption func(*Session)

func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// WithHistory attaches the REST collaborator used for backfill and moderator
// lookup. Without it the session runs socket-only.
func WithHistory(h HistoryClient) SessionOption {
	return func(s *Session) {
		s.history = h
	}
}

func WithTypingWindow(d time.Duration) SessionOption {
	return func(s *Session) {
		s.typingWindow = d
	}
}

func WithAckTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.ackTimeout = d
	}
}

func NewSession(transport Transport, roomID, userID string, opts ...SessionOption) *Session {
	s := &Session{
		roomID:    roomID,
		userID:    userID,
		transport: transport,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
		membership:   MembershipNotJoined,
		onlineCount:  1,
		typingWindow: DefaultTypingWindow,
		ackTimeout:   10 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("room", roomID))
	s.store = NewStore(roomID, userID)
	s.ledger = NewLedger(s.store)
	s.typing = NewTypingCoordinator(userID, s.typingWindow)

	transport.Handle(EventRoomJoined, s.handleRoomJoined)
	transport.Handle(EventUserJoined, s.handleUserJoined)
	transport.Handle(EventUserLeft, s.handleUserLeft)
	transport.Handle(EventNewMessage, s.handleNewMessage)
	transport.Handle(EventMessageDeleted, s.handleMessageDeleted)
	transport.Handle(EventReactionAdded, s.handleReaction)
	transport.Handle(EventReactionRemoved, s.handleReaction)
	transport.Handle(EventUserTyping, s.handleUserTyping)
	transport.Handle(EventUserStoppedTyping, s.handleUserStoppedTyping)

	// Join state does not survive a transport cycle; re-issue it whenever
	// the manager comes back up.
	transport.OnStateChange(func(st socket.State) {
		if st != socket.StateConnected {
			return
		}
		if s.closed.Load() || !s.wasJoined() {
			return
		}
		go s.rejoin()
	})

	return s
}

// Store exposes the session's message store for display projections.
func (s *Session) Store() *Store {
	return s.store
}

// OnUpdate registers the single change observer the display layer uses to
// re-render. It fires after any state mutation.
func (s *Session) OnUpdate(f func()) {
	s.mu.Lock()
	s.onUpdate = f
	s.mu.Unlock()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	membership := s.membership
	online := s.onlineCount
	s.mu.Unlock()
	return Snapshot{
		RoomID:      s.roomID,
		Membership:  membership,
		OnlineCount: online,
		Typing:      s.typing.Active(),
	}
}

// Join sends the join intent and waits for the ack carrying the room's
// current online count. It must complete before Send/React/typing intents
// are meaningful. The session re-issues it automatically after reconnects.
func (s *Session) Join(ctx context.Context) (JoinAck, error) {
	if s.closed.Load() {
		return JoinAck{}, ErrSessionClosed
	}
	s.setMembership(MembershipJoining)

	data, err := s.transport.EmitWithAck(ctx, IntentJoinRoom, JoinPayload{RoomID: s.roomID, UserID: s.userID})
	if err != nil {
		s.setMembership(MembershipNotJoined)
		return JoinAck{}, joinError(err)
	}

	var ack JoinAck
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ack); err != nil {
			s.setMembership(MembershipNotJoined)
			return JoinAck{}, fmt.Errorf("decode join ack: %w", err)
		}
	}

	s.mu.Lock()
	s.membership = MembershipJoined
	s.onlineCount = max(1, ack.OnlineCount)
	s.mu.Unlock()
	s.notify()

	if s.history != nil {
		mod, err := s.history.RoomModerator(ctx, s.roomID)
		if err != nil {
			s.logger.Warn(fmt.Sprintf("moderator lookup: %v", err))
		} else {
			s.store.SetModerator(mod)
		}
	}
	return ack, nil
}

// LoadHistory backfills one REST page into the store. Requires a history
// client.
func (s *Session) LoadHistory(ctx context.Context, limit, offset int) (int, error) {
	if s.history == nil {
		return 0, errors.New("no history client")
	}
	n, err := s.store.LoadHistory(ctx, s.history, limit, offset)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.notify()
	}
	return n, nil
}

// Leave is best-effort and never blocks on acknowledgment: local state
// transitions to Left immediately and the server detects disconnect-based
// departure on its own if the intent is lost.
func (s *Session) Leave() {
	if s.closed.Load() {
		return
	}
	s.setMembership(MembershipLeft)
	if err := s.transport.Emit(IntentLeaveRoom, JoinPayload{RoomID: s.roomID, UserID: s.userID}); err != nil {
		s.logger.Debug(fmt.Sprintf("leave: %v", err))
	}
}

// Send emits the message intent and resolves via done off the event path.
// The session does not buffer unsent text and never retries; the callback is
// a no-op once the session is closed.
func (s *Session) Send(content string, mentions []string, done func(SendResult)) {
	if s.closed.Load() {
		s.callback(done, SendResult{Err: ErrSessionClosed})
		return
	}
	if !s.isJoined() {
		s.callback(done, SendResult{Err: ErrNotJoined})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
		defer cancel()
		data, err := s.transport.EmitWithAck(ctx, IntentSendMessage, SendPayload{
			RoomID:   s.roomID,
			Content:  content,
			Mentions: mentions,
		})
		if s.closed.Load() {
			return
		}
		if err != nil {
			s.callback(done, SendResult{Err: asSendError(err)})
			return
		}
		var mp MessagePayload
		if err := json.Unmarshal(data, &mp); err != nil {
			s.callback(done, SendResult{Err: &SendError{Message: fmt.Sprintf("decode send ack: %v", err), Retryable: true}})
			return
		}
		s.store.Ingest(messageFromPayload(mp))
		s.notify()
		msg, _ := s.store.Get(mp.ID)
		s.callback(done, SendResult{Message: &msg})
	}()
}

// Delete emits the delete intent. The message is removed from the store only
// when the server broadcasts message_deleted.
func (s *Session) Delete(messageID string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.isJoined() {
		return ErrNotJoined
	}
	return s.transport.Emit(IntentDeleteMessage, DeletePayload{RoomID: s.roomID, MessageID: messageID})
}

// React optimistically increments the tally and reconciles against the ack.
// Failures roll back silently; reactions are idempotent to retry and never
// surfaced as blocking errors.
func (s *Session) React(messageID, emoji string) {
	s.react(IntentAddReaction, messageID, emoji, s.ledger.Add)
}

// Unreact optimistically decrements the tally and reconciles against the ack.
func (s *Session) Unreact(messageID, emoji string) {
	s.react(IntentRemoveReaction, messageID, emoji, s.ledger.Remove)
}

func (s *Session) react(intent, messageID, emoji string, mutate func(string, string) Token) {
	if s.closed.Load() || !s.isJoined() {
		return
	}
	token := mutate(messageID, emoji)
	s.notify()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
		defer cancel()
		data, err := s.transport.EmitWithAck(ctx, intent, ReactionPayload{
			RoomID:    s.roomID,
			MessageID: messageID,
			Emoji:     emoji,
			UserID:    s.userID,
		})
		if s.closed.Load() {
			return
		}
		if err != nil {
			s.logger.Debug(fmt.Sprintf("%s: %v", intent, err))
			s.ledger.Rollback(token)
			s.notify()
			return
		}
		var rp ReactionPayload
		if err := json.Unmarshal(data, &rp); err != nil {
			s.logger.Error(fmt.Sprintf("decode %s ack: %v", intent, err))
		}
		s.ledger.Confirm(token, rp.Counts)
		s.notify()
	}()
}

// StartTyping emits typing_start at most once per typing window, so repeated
// keystrokes do not storm the socket.
func (s *Session) StartTyping() {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	now := s.now()
	if now.Sub(s.lastTypingEmit) < s.typingWindow {
		s.mu.Unlock()
		return
	}
	s.lastTypingEmit = now
	s.mu.Unlock()
	if err := s.transport.Emit(IntentTypingStart, TypingPayload{RoomID: s.roomID, UserID: s.userID}); err != nil {
		s.logger.Debug(fmt.Sprintf("typing_start: %v", err))
	}
}

// StopTyping emits typing_stop and re-arms the throttle.
func (s *Session) StopTyping() {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.lastTypingEmit = time.Time{}
	s.mu.Unlock()
	if err := s.transport.Emit(IntentTypingStop, TypingPayload{RoomID: s.roomID, UserID: s.userID}); err != nil {
		s.logger.Debug(fmt.Sprintf("typing_stop: %v", err))
	}
}

// Close tears the session down: best-effort leave, detach from the
// transport, and guard every in-flight callback. Idempotent.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.membership = MembershipLeft
	s.onUpdate = nil
	s.mu.Unlock()
	if err := s.transport.Emit(IntentLeaveRoom, JoinPayload{RoomID: s.roomID, UserID: s.userID}); err != nil {
		s.logger.Debug(fmt.Sprintf("leave on close: %v", err))
	}
	for _, t := range sessionEvents {
		s.transport.Unhandle(t)
	}
	s.transport.OnStateChange(nil)
}

func (s *Session) rejoin() {
	ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
	defer cancel()
	if _, err := s.Join(ctx); err != nil {
		s.logger.Error(fmt.Sprintf("rejoin: %v", err))
	}
}

func (s *Session) isJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membership == MembershipJoined
}

func (s *Session) wasJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membership == MembershipJoined || s.membership == MembershipJoining
}

func (s *Session) setMembership(m Membership) {
	s.mu.Lock()
	if s.membership == m {
		s.mu.Unlock()
		return
	}
	s.membership = m
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	cb := s.onUpdate
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *Session) callback(done func(SendResult), res SendResult) {
	if done == nil {
		return
	}
	done(res)
}

// Event handlers. All run on the manager's event processing goroutine.

func (s *Session) handleRoomJoined(_ context.Context, e *socket.Event) error {
	var p RoomJoinedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal %s: %w", e.Type, err)
	}
	if p.RoomID != s.roomID || s.closed.Load() {
		return nil
	}
	s.mu.Lock()
	s.onlineCount = max(1, p.OnlineCount)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) handleUserJoined(_ context.Context, e *socket.Event) error {
	return s.handlePresence(e, 1)
}

func (s *Session) handleUserLeft(_ context.Context, e *socket.Event) error {
	return s.handlePresence(e, -1)
}

// handlePresence applies the dual-mode presence rule: the absolute count from
// the event wins when present; otherwise adjust the local counter. Either
// way the count never drops below 1 because the viewer is always present to
// themselves.
func (s *Session) handlePresence(e *socket.Event, delta int) error {
	var p PresencePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal %s: %w", e.Type, err)
	}
	if p.RoomID != s.roomID || s.closed.Load() {
		return nil
	}
	s.mu.Lock()
	if p.OnlineCount != nil {
		s.onlineCount = max(1, *p.OnlineCount)
	} else {
		s.onlineCount = max(1, s.onlineCount+delta)
	}
	s.mu.Unlock()
	if delta < 0 {
		// A departing peer cannot still be typing.
		s.typing.Stop(p.UserID)
	}
	s.notify()
	return nil
}

func (s *Session) handleNewMessage(_ context.Context, e *socket.Event) error {
	var p MessagePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal %s: %w", e.Type, err)
	}
	if p.RoomID != s.roomID || s.closed.Load() {
		return nil
	}
	if s.store.Ingest(messageFromPayload(p)) {
		s.notify()
	}
	return nil
}

func (s *Session) handleMessageDeleted(_ context.Context, e *socket.Event) error {
	var p MessageDeletedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal %s: %w", e.Type, err)
	}
	if p.RoomID != s.roomID || s.closed.Load() {
		return nil
	}
	s.store.Remove(p.MessageID)
	s.notify()
	return nil
}

func (s *Session) handleReaction(_ context.Context, e *socket.Event) error {
	var p ReactionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal %s: %w", e.Type, err)
	}
	if p.RoomID != s.roomID || s.closed.Load() {
		return nil
	}
	if p.Counts == nil {
		// Without the authoritative tally there is nothing safe to apply;
		// ad hoc increments would drift on missed events.
		return nil
	}
	s.ledger.Reconcile(p.MessageID, p.Counts)
	s.notify()
	return nil
}

func (s *Session) handleUserTyping(_ context.Context, e *socket.Event) error {
	var p TypingPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal %s: %w", e.Type, err)
	}
	if p.RoomID != s.roomID || s.closed.Load() {
		return nil
	}
	s.typing.Start(p.UserID)
	s.notify()
	return nil
}

func (s *Session) handleUserStoppedTyping(_ context.Context, e *socket.Event) error {
	var p TypingPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal %s: %w", e.Type, err)
	}
	if p.RoomID != s.roomID || s.closed.Load() {
		return nil
	}
	s.typing.Stop(p.UserID)
	s.notify()
	return nil
}

func messageFromPayload(p MessagePayload) Message {
	return Message{
		ID:           p.ID,
		RoomID:       p.RoomID,
		AuthorID:     p.AuthorID,
		AuthorHandle: p.AuthorHandle,
		AuthorAvatar: p.AuthorAvatar,
		Content:      p.Content,
		CreatedAt:    p.CreatedAt,
		Reactions:    p.Reactions,
	}
}

func joinError(err error) error {
	var ackErr *socket.AckError
	if errors.As(err, &ackErr) {
		switch ackErr.Code {
		case codeRoomNotFound:
			return ErrRoomNotFound
		case codeForbidden:
			return ErrForbidden
		}
	}
	return err
}

func asSendError(err error) error {
	var ackErr *socket.AckError
	if errors.As(err, &ackErr) {
		return &SendError{Message: ackErr.Message, Retryable: ackErr.Retryable}
	}
	// Local rejections and timeouts are retryable once the connection is
	// back.
	return &SendError{Message: err.Error(), Retryable: true}
}
