package room

import (
	"sync"

	"github.com/google/uuid"
)

// Token correlates an optimistic reaction mutation with its eventual confirm
// or rollback. The first of confirm/rollback to arrive for a token wins; the
// other becomes a no-op, regardless of wall-clock order.
type Token string

// Ledger tracks optimistic reaction mutations against the message store. The
// client never counts per-user reactions; the server-pushed aggregate is
// authoritative and replaces the local tally on every confirmation.
type Ledger struct {
	mu      sync.Mutex
	store   *Store
	pending map[Token]*pendingReaction
}

type pendingReaction struct {
	messageID string
	emoji     string
	// delta is the optimistic adjustment that a rollback must reverse:
	// +1 for an add, -1 for a removal.
	delta    int
	consumed bool
}

func NewLedger(store *Store) *Ledger {
	return &Ledger{
		store:   store,
		pending: make(map[Token]*pendingReaction),
	}
}

// Add optimistically increments the tally for (messageID, emoji) and returns
// the token tied to this mutation.
func (l *Ledger) Add(messageID, emoji string) Token {
	return l.apply(messageID, emoji, 1)
}

// Remove optimistically decrements the tally for (messageID, emoji), floored
// at zero, and returns the token tied to this mutation.
func (l *Ledger) Remove(messageID, emoji string) Token {
	return l.apply(messageID, emoji, -1)
}

func (l *Ledger) apply(messageID, emoji string, delta int) Token {
	token := Token(uuid.NewString())
	l.mu.Lock()
	l.pending[token] = &pendingReaction{messageID: messageID, emoji: emoji, delta: delta}
	l.mu.Unlock()
	l.store.adjustReaction(messageID, emoji, delta)
	return token
}

// Confirm consumes the token and replaces the message's tally with the
// server counts. No-op when the token is unknown or already consumed. A nil
// count map (degraded ack) consumes the token but keeps the optimistic value.
func (l *Ledger) Confirm(token Token, counts map[string]int) {
	p := l.consume(token)
	if p == nil {
		return
	}
	if counts == nil {
		return
	}
	l.store.setReactions(p.messageID, counts)
}

// Rollback consumes the token and reverses exactly the optimistic adjustment
// it represents. No-op when the token is unknown or already consumed, so a
// late success ack can never be undone by a timeout-triggered rollback.
func (l *Ledger) Rollback(token Token) {
	p := l.consume(token)
	if p == nil {
		return
	}
	l.store.adjustReaction(p.messageID, p.emoji, -p.delta)
}

func (l *Ledger) consume(token Token) *pendingReaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[token]
	if !ok || p.consumed {
		return nil
	}
	p.consumed = true
	delete(l.pending, token)
	return p
}

// Reconcile replaces the full tally of a message with the count map carried
// by a reaction broadcast event. Broadcasts are never applied as deltas, so
// missed events cannot make the tally drift.
func (l *Ledger) Reconcile(messageID string, counts map[string]int) {
	l.store.setReactions(messageID, counts)
}
