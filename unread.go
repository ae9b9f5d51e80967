package chatsync

import "sync"

// UnreadTracker counts unread messages per conversation for the lifetime
// of a session. The active conversation always reads zero.
type UnreadTracker struct {
	mu     sync.Mutex
	counts map[Key]int
	active Key
}

// NewUnreadTracker creates an empty tracker.
func NewUnreadTracker() *UnreadTracker {
	return &UnreadTracker{counts: make(map[Key]int)}
}

// Increment adds one to k's counter unless k is active. Returns the new
// count.
func (u *UnreadTracker) Increment(k Key) int {
	if k.IsZero() {
		return 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if k == u.active {
		return 0
	}
	u.counts[k]++
	return u.counts[k]
}

// Reset zeroes k's counter.
func (u *UnreadTracker) Reset(k Key) {
	u.mu.Lock()
	delete(u.counts, k)
	u.mu.Unlock()
}

// SetActive marks k as the active conversation and zeroes it. The zero Key
// clears the active conversation.
func (u *UnreadTracker) SetActive(k Key) {
	u.mu.Lock()
	u.active = k
	delete(u.counts, k)
	u.mu.Unlock()
}

// Active returns the active conversation key.
func (u *UnreadTracker) Active() Key {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// Seed sets k's counter from a server-side count, typically the channel
// listing. Ignored for the active conversation.
func (u *UnreadTracker) Seed(k Key, n int) {
	if k.IsZero() || n < 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if k == u.active {
		return
	}
	if n == 0 {
		delete(u.counts, k)
		return
	}
	u.counts[k] = n
}

// Count returns k's counter.
func (u *UnreadTracker) Count(k Key) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[k]
}

// Total returns the sum over all conversations.
func (u *UnreadTracker) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, n := range u.counts {
		total += n
	}
	return total
}

// Snapshot returns a copy of all non-zero counters.
func (u *UnreadTracker) Snapshot() map[Key]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[Key]int, len(u.counts))
	for k, n := range u.counts {
		out[k] = n
	}
	return out
}

// Clear drops every counter and the active conversation.
func (u *UnreadTracker) Clear() {
	u.mu.Lock()
	u.counts = make(map[Key]int)
	u.active = Key{}
	u.mu.Unlock()
}
