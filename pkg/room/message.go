package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Message is a single chat message. Identity is the server-assigned ID; two
// messages with the same ID are the same message regardless of whether they
// arrived over REST or the socket. A message is immutable once stored except
// for its reaction tally.
type Message struct {
	ID           string
	RoomID       string
	AuthorID     string
	AuthorHandle string
	AuthorAvatar string
	Content      string
	CreatedAt    time.Time
	IsSelf       bool
	IsModerator  bool
	Reactions    map[string]int
}

// HistorySource is the paginated REST collaborator. Pages are served
// newest-first; the store reverses them before merging.
type HistorySource interface {
	RoomMessages(ctx context.Context, roomID string, limit, offset int) ([]Message, error)
}

// Store is the ordered, deduplicated message collection of one room. It is
// owned by a single Session and safe for concurrent reads from the display
// layer while the event path mutates it.
type Store struct {
	mu            sync.RWMutex
	roomID        string
	selfID        string
	moderatorID   string
	placeholderID string
	// messages is kept sorted by non-decreasing CreatedAt.
	messages []*Message
	index    map[string]*Message
}

func NewStore(roomID, selfID string) *Store {
	return &Store{
		roomID: roomID,
		selfID: selfID,
		index:  make(map[string]*Message),
	}
}

// SetModerator tags existing and future messages from the given author.
func (s *Store) SetModerator(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moderatorID = userID
	for _, m := range s.messages {
		m.IsModerator = m.AuthorID == userID && userID != ""
	}
}

// SetPlaceholder marks a message id as the currently streaming placeholder so
// it stays displayable while its content is still empty. An empty id clears
// the placeholder.
func (s *Store) SetPlaceholder(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeholderID = id
}

// Ingest inserts a message preserving CreatedAt order. It reports false when
// a message with the same id is already present, which legitimately happens
// when the REST backfill and the socket race during initial load.
func (s *Store) Ingest(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingest(msg)
}

func (s *Store) ingest(msg Message) bool {
	if _, ok := s.index[msg.ID]; ok {
		return false
	}
	msg.IsSelf = msg.AuthorID == s.selfID
	msg.IsModerator = s.moderatorID != "" && msg.AuthorID == s.moderatorID
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]int)
	}
	m := &msg

	// First index after the last message with CreatedAt <= msg.CreatedAt,
	// so equal timestamps keep arrival order.
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	s.index[msg.ID] = m
	return true
}

// Remove deletes a message by id. Unknown ids are ignored.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[id]
	if !ok {
		return
	}
	delete(s.index, id)
	for i, cur := range s.messages {
		if cur == m {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
}

// LoadHistory backfills one page from the REST collaborator. The page arrives
// newest-first and is reversed to the canonical oldest-first order before
// merging through the same dedup path as live ingest. It returns the number
// of messages actually added.
func (s *Store) LoadHistory(ctx context.Context, src HistorySource, limit, offset int) (int, error) {
	page, err := src.RoomMessages(ctx, s.roomID, limit, offset)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	return s.MergeNewestFirst(page), nil
}

// MergeNewestFirst merges a newest-first batch (REST page or cache read) into
// the store, skipping duplicates.
func (s *Store) MergeNewestFirst(batch []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for i := len(batch) - 1; i >= 0; i-- {
		if s.ingest(batch[i]) {
			added++
		}
	}
	return added
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Messages returns a copy of all messages in display order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, s.snapshot(m))
	}
	return out
}

func (s *Store) snapshot(m *Message) Message {
	cp := *m
	cp.Reactions = make(map[string]int, len(m.Reactions))
	for k, v := range m.Reactions {
		cp.Reactions[k] = v
	}
	return cp
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.snapshot(m), true
}

// adjustReaction applies a delta to one emoji tally, floored at zero.
func (s *Store) adjustReaction(messageID, emoji string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[messageID]
	if !ok {
		return
	}
	next := m.Reactions[emoji] + delta
	if next <= 0 {
		delete(m.Reactions, emoji)
		return
	}
	m.Reactions[emoji] = next
}

// setReactions replaces the full tally of a message with the authoritative
// server counts.
func (s *Store) setReactions(messageID string, counts map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[messageID]
	if !ok {
		return
	}
	m.Reactions = make(map[string]int, len(counts))
	for k, v := range counts {
		if v > 0 {
			m.Reactions[k] = v
		}
	}
}
