package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumora-app/roomsync/pkg/socket"
)

const eventually = 2 * time.Second

func joinedSession(t *testing.T, tr *mockTransport, opts ...SessionOption) *Session {
	t.Helper()
	tr.ackWith(IntentJoinRoom, JoinAck{OnlineCount: 1})
	s := NewSession(tr, "r1", "me", opts...)
	t.Cleanup(s.Close)
	_, err := s.Join(context.Background())
	require.NoError(t, err)
	return s
}

func TestSessionJoin(t *testing.T) {
	tr := newMockTransport()
	tr.ackWith(IntentJoinRoom, JoinAck{RoomID: "r1", OnlineCount: 3})
	s := NewSession(tr, "r1", "me")
	defer s.Close()

	ack, err := s.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, ack.OnlineCount)

	snap := s.Snapshot()
	assert.Equal(t, MembershipJoined, snap.Membership)
	assert.Equal(t, 3, snap.OnlineCount)
}

func TestSessionJoinErrors(t *testing.T) {
	for _, tc := range []struct {
		code string
		want error
	}{
		{"room_not_found", ErrRoomNotFound},
		{"forbidden", ErrForbidden},
	} {
		tr := newMockTransport()
		tr.failWith(IntentJoinRoom, &socket.AckError{Code: tc.code, Message: tc.code})
		s := NewSession(tr, "r1", "me")

		_, err := s.Join(context.Background())
		assert.ErrorIs(t, err, tc.want)
		assert.Equal(t, MembershipNotJoined, s.Snapshot().Membership)
		s.Close()
	}
}

func TestSessionJoinFetchesModerator(t *testing.T) {
	tr := newMockTransport()
	tr.ackWith(IntentJoinRoom, JoinAck{OnlineCount: 1})
	hist := &fakeHistoryClient{moderator: "mod1"}
	s := NewSession(tr, "r1", "me", WithHistory(hist))
	defer s.Close()

	_, err := s.Join(context.Background())
	require.NoError(t, err)

	msg := testMessage("m1", mustTime(t, "2026-08-27T10:00:00Z"))
	msg.AuthorID = "mod1"
	tr.deliver(t, EventNewMessage, MessagePayload{
		ID: msg.ID, RoomID: "r1", AuthorID: "mod1", Content: "rules", CreatedAt: msg.CreatedAt,
	})
	got, ok := s.Store().Get("m1")
	require.True(t, ok)
	assert.True(t, got.IsModerator)
}

// Scenario from the protocol contract: empty room, join, peer joins, peer
// sends a message.
func TestSessionLiveScenario(t *testing.T) {
	tr := newMockTransport()
	tr.ackWith(IntentJoinRoom, JoinAck{OnlineCount: 1})
	s := NewSession(tr, "r1", "me")
	defer s.Close()

	_, err := s.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Snapshot().OnlineCount)

	two := 2
	tr.deliver(t, EventUserJoined, PresencePayload{RoomID: "r1", UserID: "a", OnlineCount: &two})
	assert.Equal(t, 2, s.Snapshot().OnlineCount)

	at := mustTime(t, "2026-08-27T10:00:00Z")
	tr.deliver(t, EventNewMessage, MessagePayload{
		ID: "m1", RoomID: "r1", AuthorID: "a", Content: "hi", CreatedAt: at,
	})

	buckets := s.Store().GroupByDate(at)
	require.Len(t, buckets, 1)
	require.Len(t, buckets[0].Messages, 1)
	assert.Equal(t, "m1", buckets[0].Messages[0].ID)
}

func TestSessionPresenceFloor(t *testing.T) {
	tr := newMockTransport()
	tr.ackWith(IntentJoinRoom, JoinAck{OnlineCount: 2})
	s := NewSession(tr, "r1", "me")
	defer s.Close()
	_, err := s.Join(context.Background())
	require.NoError(t, err)

	// Degraded payloads without the absolute count fall back to local
	// decrement, floored at 1 no matter how many departures arrive.
	for i := 0; i < 5; i++ {
		tr.deliver(t, EventUserLeft, PresencePayload{RoomID: "r1", UserID: "a"})
	}
	assert.Equal(t, 1, s.Snapshot().OnlineCount)

	tr.deliver(t, EventUserJoined, PresencePayload{RoomID: "r1", UserID: "b"})
	assert.Equal(t, 2, s.Snapshot().OnlineCount)

	// The absolute count wins over the local estimate when present.
	seven := 7
	tr.deliver(t, EventUserLeft, PresencePayload{RoomID: "r1", UserID: "b", OnlineCount: &seven})
	assert.Equal(t, 7, s.Snapshot().OnlineCount)
}

func TestSessionIgnoresOtherRooms(t *testing.T) {
	tr := newMockTransport()
	s := NewSession(tr, "r1", "me")
	defer s.Close()

	tr.deliver(t, EventNewMessage, MessagePayload{
		ID: "m1", RoomID: "other", AuthorID: "a", Content: "hi",
		CreatedAt: mustTime(t, "2026-08-27T10:00:00Z"),
	})
	assert.Equal(t, 0, s.Store().Len())

	nine := 9
	tr.deliver(t, EventUserJoined, PresencePayload{RoomID: "other", UserID: "a", OnlineCount: &nine})
	assert.Equal(t, 1, s.Snapshot().OnlineCount)
}

func TestSessionSendSuccess(t *testing.T) {
	tr := newMockTransport()
	at := mustTime(t, "2026-08-27T10:00:00Z")
	tr.ackWith(IntentSendMessage, MessagePayload{
		ID: "m9", RoomID: "r1", AuthorID: "me", Content: "hello", CreatedAt: at,
	})
	s := joinedSession(t, tr)

	results := make(chan SendResult, 1)
	s.Send("hello", nil, func(res SendResult) { results <- res })

	select {
	case res := <-results:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Message)
		assert.Equal(t, "m9", res.Message.ID)
		assert.True(t, res.Message.IsSelf)
	case <-time.After(eventually):
		t.Fatal("timeout waiting for send result")
	}
	assert.Equal(t, 1, s.Store().Len())
}

func TestSessionSendFailure(t *testing.T) {
	tr := newMockTransport()
	tr.failWith(IntentSendMessage, &socket.AckError{
		Code: "rate_limited", Message: "slow down", Retryable: true,
	})
	s := joinedSession(t, tr)

	results := make(chan SendResult, 1)
	s.Send("hello", nil, func(res SendResult) { results <- res })

	select {
	case res := <-results:
		var sendErr *SendError
		require.ErrorAs(t, res.Err, &sendErr)
		assert.True(t, sendErr.Retryable)
		assert.Equal(t, "slow down", sendErr.Message)
	case <-time.After(eventually):
		t.Fatal("timeout waiting for send result")
	}
	// Nothing was ingested; the caller keeps the draft.
	assert.Equal(t, 0, s.Store().Len())
}

func TestSessionSendRequiresJoin(t *testing.T) {
	tr := newMockTransport()
	s := NewSession(tr, "r1", "me")
	defer s.Close()

	results := make(chan SendResult, 1)
	s.Send("hello", nil, func(res SendResult) { results <- res })
	res := <-results
	assert.ErrorIs(t, res.Err, ErrNotJoined)
	assert.ErrorIs(t, s.Delete("m1"), ErrNotJoined)
	assert.Equal(t, 0, tr.countEmitted(IntentSendMessage))
}

func TestSessionSendNotConnected(t *testing.T) {
	tr := newMockTransport()
	tr.failWith(IntentSendMessage, socket.ErrNotConnected)
	s := joinedSession(t, tr)

	results := make(chan SendResult, 1)
	s.Send("hello", nil, func(res SendResult) { results <- res })

	select {
	case res := <-results:
		var sendErr *SendError
		require.ErrorAs(t, res.Err, &sendErr)
		assert.True(t, sendErr.Retryable)
	case <-time.After(eventually):
		t.Fatal("timeout waiting for send result")
	}
}

func TestSessionReactionConfirm(t *testing.T) {
	tr := newMockTransport()
	tr.ackWith(IntentAddReaction, ReactionPayload{
		RoomID: "r1", MessageID: "m1", Emoji: "👍", Counts: map[string]int{"👍": 5},
	})
	s := joinedSession(t, tr)
	s.Store().Ingest(testMessage("m1", mustTime(t, "2026-08-27T10:00:00Z")))

	s.React("m1", "👍")
	require.Eventually(t, func() bool {
		m, _ := s.Store().Get("m1")
		return m.Reactions["👍"] == 5
	}, eventually, 10*time.Millisecond)
}

func TestSessionReactionRollbackOnFailure(t *testing.T) {
	tr := newMockTransport()
	tr.failWith(IntentAddReaction, errors.New("boom"))
	s := joinedSession(t, tr)
	s.Store().Ingest(testMessage("m1", mustTime(t, "2026-08-27T10:00:00Z")))

	s.React("m1", "👍")
	// Silent rollback: the tally returns to its pre-call value and no error
	// surfaces anywhere.
	require.Eventually(t, func() bool {
		m, _ := s.Store().Get("m1")
		return m.Reactions["👍"] == 0
	}, eventually, 10*time.Millisecond)
}

func TestSessionReactionBroadcast(t *testing.T) {
	tr := newMockTransport()
	s := NewSession(tr, "r1", "me")
	defer s.Close()
	s.Store().Ingest(testMessage("m1", mustTime(t, "2026-08-27T10:00:00Z")))

	tr.deliver(t, EventReactionAdded, ReactionPayload{
		RoomID: "r1", MessageID: "m1", Emoji: "❤️", UserID: "a",
		Counts: map[string]int{"❤️": 2},
	})
	m, _ := s.Store().Get("m1")
	assert.Equal(t, 2, m.Reactions["❤️"])

	tr.deliver(t, EventReactionRemoved, ReactionPayload{
		RoomID: "r1", MessageID: "m1", Emoji: "❤️", UserID: "a",
		Counts: map[string]int{"❤️": 1},
	})
	m, _ = s.Store().Get("m1")
	assert.Equal(t, 1, m.Reactions["❤️"])
}

func TestSessionMessageDeleted(t *testing.T) {
	tr := newMockTransport()
	s := NewSession(tr, "r1", "me")
	defer s.Close()
	s.Store().Ingest(testMessage("m1", mustTime(t, "2026-08-27T10:00:00Z")))

	tr.deliver(t, EventMessageDeleted, MessageDeletedPayload{RoomID: "r1", MessageID: "m1"})
	assert.Equal(t, 0, s.Store().Len())
}

func TestSessionTypingThrottle(t *testing.T) {
	tr := newMockTransport()
	s := NewSession(tr, "r1", "me")
	defer s.Close()

	now := mustTime(t, "2026-08-27T10:00:00Z")
	s.now = func() time.Time { return now }

	// Repeated keystrokes within the window emit exactly once.
	s.StartTyping()
	s.StartTyping()
	now = now.Add(time.Second)
	s.StartTyping()
	assert.Equal(t, 1, tr.countEmitted(IntentTypingStart))

	now = now.Add(DefaultTypingWindow)
	s.StartTyping()
	assert.Equal(t, 2, tr.countEmitted(IntentTypingStart))
}

func TestSessionStopTypingRearmsThrottle(t *testing.T) {
	tr := newMockTransport()
	s := NewSession(tr, "r1", "me")
	defer s.Close()

	now := mustTime(t, "2026-08-27T10:00:00Z")
	s.now = func() time.Time { return now }

	s.StartTyping()
	s.StopTyping()
	s.StartTyping()
	assert.Equal(t, 2, tr.countEmitted(IntentTypingStart))
	assert.Equal(t, 1, tr.countEmitted(IntentTypingStop))
}

func TestSessionTypingEvents(t *testing.T) {
	tr := newMockTransport()
	s := NewSession(tr, "r1", "me")
	defer s.Close()

	tr.deliver(t, EventUserTyping, TypingPayload{RoomID: "r1", UserID: "a"})
	tr.deliver(t, EventUserTyping, TypingPayload{RoomID: "r1", UserID: "me"})
	assert.Equal(t, []string{"a"}, s.Snapshot().Typing)

	tr.deliver(t, EventUserStoppedTyping, TypingPayload{RoomID: "r1", UserID: "a"})
	assert.Empty(t, s.Snapshot().Typing)
}

func TestSessionPeerLeaveClearsTyping(t *testing.T) {
	tr := newMockTransport()
	s := NewSession(tr, "r1", "me")
	defer s.Close()

	tr.deliver(t, EventUserTyping, TypingPayload{RoomID: "r1", UserID: "a"})
	tr.deliver(t, EventUserLeft, PresencePayload{RoomID: "r1", UserID: "a"})
	assert.Empty(t, s.Snapshot().Typing)
}

func TestSessionRejoinOnReconnect(t *testing.T) {
	tr := newMockTransport()
	tr.ackWith(IntentJoinRoom, JoinAck{OnlineCount: 1})
	s := NewSession(tr, "r1", "me")
	defer s.Close()

	_, err := s.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tr.countEmitted(IntentJoinRoom))

	// Join state does not survive a transport cycle; a reconnect must
	// re-issue the intent.
	tr.notifyState(socket.StateReconnecting)
	tr.notifyState(socket.StateConnected)
	require.Eventually(t, func() bool {
		return tr.countEmitted(IntentJoinRoom) == 2
	}, eventually, 10*time.Millisecond)
}

func TestSessionLeave(t *testing.T) {
	tr := newMockTransport()
	tr.ackWith(IntentJoinRoom, JoinAck{OnlineCount: 1})
	s := NewSession(tr, "r1", "me")
	defer s.Close()
	_, err := s.Join(context.Background())
	require.NoError(t, err)

	// Leave transitions locally before any acknowledgment.
	s.Leave()
	assert.Equal(t, MembershipLeft, s.Snapshot().Membership)
	assert.Equal(t, 1, tr.countEmitted(IntentLeaveRoom))

	// No rejoin after an explicit leave.
	tr.notifyState(socket.StateConnected)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.countEmitted(IntentJoinRoom))
}

func TestSessionClose(t *testing.T) {
	tr := newMockTransport()
	s := NewSession(tr, "r1", "me")

	s.Close()
	s.Close() // idempotent
	assert.Equal(t, 1, tr.countEmitted(IntentLeaveRoom))
	assert.Equal(t, MembershipLeft, s.Snapshot().Membership)

	// Handlers are detached; late events are dropped.
	tr.deliver(t, EventNewMessage, MessagePayload{
		ID: "m1", RoomID: "r1", AuthorID: "a", Content: "late",
		CreatedAt: mustTime(t, "2026-08-27T10:00:00Z"),
	})
	assert.Equal(t, 0, s.Store().Len())

	// Calls after teardown resolve locally.
	results := make(chan SendResult, 1)
	s.Send("hello", nil, func(res SendResult) { results <- res })
	res := <-results
	assert.ErrorIs(t, res.Err, ErrSessionClosed)

	_, err := s.Join(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}
