// Package presence tracks which users currently hold at least one live
// connection to this server. The tracker is reference counted so that a user
// connected from several devices stays online until the last one closes.
package presence

import "sync"

// Tracker is a goroutine-safe map of user ID -> open connection count.
// Each mutation completes under a single lock acquisition, so concurrent
// connects and disconnects for the same user never lose an update.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTracker creates an empty Tracker. One tracker is constructed per server
// instance and handed to the gateway.
func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Add records one more connection for userID. It returns true when this is
// the user's first connection (the 0 -> 1 edge).
func (t *Tracker) Add(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[userID]++
	return t.counts[userID] == 1
}

// Remove records one fewer connection for userID. The entry is deleted when
// the count would reach zero; it never goes negative. It returns true only
// when the user's last connection closed (the 1 -> 0 edge). Removing a user
// that is not tracked is a no-op and returns false.
func (t *Tracker) Remove(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.counts[userID]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(t.counts, userID)
		return true
	}
	t.counts[userID] = n - 1
	return false
}

// Has reports whether userID has at least one live connection.
func (t *Tracker) Has(userID string) bool {
	t.mu.Lock()
	_, ok := t.counts[userID]
	t.mu.Unlock()
	return ok
}

// List returns a snapshot of the online user IDs in no particular order.
func (t *Tracker) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.counts))
	for id := range t.counts {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of distinct online users.
func (t *Tracker) Count() int {
	t.mu.Lock()
	n := len(t.counts)
	t.mu.Unlock()
	return n
}
