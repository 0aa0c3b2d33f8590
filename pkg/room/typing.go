package room

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingWindow matches the emitter-side throttle: one typing_start per
// window, so an entry older than the window with no refresh means the peer
// went quiet or dropped.
const DefaultTypingWindow = 3 * time.Second

// TypingCoordinator tracks which peers are currently typing. Entries expire
// lazily on read; no background timer mutates the set, so a peer that
// disconnects mid-type simply ages out.
type TypingCoordinator struct {
	mu     sync.Mutex
	selfID string
	window time.Duration
	active map[string]time.Time
	now    func() time.Time
}

func NewTypingCoordinator(selfID string, window time.Duration) *TypingCoordinator {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingCoordinator{
		selfID: selfID,
		window: window,
		active: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Start inserts or refreshes a peer's typing entry. The local user is never
// tracked in their own indicator list.
func (t *TypingCoordinator) Start(userID string) {
	if userID == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[userID] = t.now().Add(t.window)
}

// Stop removes a peer's typing entry immediately.
func (t *TypingCoordinator) Stop(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, userID)
}

// Active prunes expired entries and returns the ids of peers still typing,
// sorted for stable display.
func (t *TypingCoordinator) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]string, 0, len(t.active))
	for id, expiresAt := range t.active {
		if !expiresAt.After(now) {
			delete(t.active, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
