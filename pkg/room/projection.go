package room

import "time"

// DateBucket is one calendar day of displayable messages.
type DateBucket struct {
	// Key is the stable UTC calendar date, formatted 2006-01-02.
	Key string
	// Label is the display label relative to the projection time:
	// "Today", "Yesterday", or the formatted date. It must be recomputed on
	// every render, never cached, so it stays correct across midnight.
	Label string
	// Date is midnight UTC of the bucket's day.
	Date time.Time
	// Messages are sorted ascending by CreatedAt.
	Messages []Message
}

// GroupByDate is a pure projection of the store for the display layer:
// displayable messages grouped by the UTC calendar date of CreatedAt, buckets
// ordered oldest-first. now determines the Today/Yesterday labels.
func (s *Store) GroupByDate(now time.Time) []DateBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buckets []DateBucket
	for _, m := range s.messages {
		if !s.displayable(m) {
			continue
		}
		day := m.CreatedAt.UTC().Truncate(24 * time.Hour)
		if n := len(buckets); n > 0 && buckets[n-1].Date.Equal(day) {
			buckets[n-1].Messages = append(buckets[n-1].Messages, s.snapshot(m))
			continue
		}
		buckets = append(buckets, DateBucket{
			Key:      day.Format("2006-01-02"),
			Label:    dateLabel(day, now),
			Date:     day,
			Messages: []Message{s.snapshot(m)},
		})
	}
	return buckets
}

// displayable reports whether a message is eligible for display: non-empty
// content, or the currently streaming placeholder.
func (s *Store) displayable(m *Message) bool {
	if m.Content != "" {
		return true
	}
	return s.placeholderID != "" && m.ID == s.placeholderID
}

func dateLabel(day, now time.Time) string {
	today := now.UTC().Truncate(24 * time.Hour)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return day.Format("Jan 2, 2006")
	}
}
