package store

import (
	"sync"
	"time"
)

// throttleTableKey is the global-data name the shared throttle table lives
// under.
const throttleTableKey = "__snare_throttling"

// ThrottleEntry records that calls to a workload are throttled until
// NotBefore. An entry is implicitly expired once now passes NotBefore.
type ThrottleEntry struct {
	Key       string
	NotBefore time.Time
}

// ThrottleTable maps workload keys to throttle windows. Peek and Arm take a
// single lock so that checking for a live window and arming a new one are
// effectively atomic per key; two concurrent requests can never both conclude
// they are the first through.
type ThrottleTable struct {
	mu      sync.Mutex
	entries map[string]ThrottleEntry
}

// NewThrottleTable returns an empty table.
func NewThrottleTable() *ThrottleTable {
	return &ThrottleTable{entries: make(map[string]ThrottleEntry)}
}

// EnsureThrottleTable returns the shared throttle table stored in the global
// bag, creating it on first use.
func EnsureThrottleTable(global *Bag) *ThrottleTable {
	return global.GetOrSet(throttleTableKey, func() any {
		return NewThrottleTable()
	}).(*ThrottleTable)
}

// Peek returns the entry for key if its window is still live at now.
func (t *ThrottleTable) Peek(key string, now time.Time) (ThrottleEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok || !now.Before(entry.NotBefore) {
		return ThrottleEntry{}, false
	}
	return entry, true
}

// Arm sets or extends the window for key to now+window. Re-arming extends,
// never shortens: an existing later deadline is kept.
func (t *ThrottleTable) Arm(key string, now time.Time, window time.Duration) ThrottleEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	notBefore := now.Add(window)
	if existing, ok := t.entries[key]; ok && existing.NotBefore.After(notBefore) {
		return existing
	}
	entry := ThrottleEntry{Key: key, NotBefore: notBefore}
	t.entries[key] = entry
	return entry
}
