// Package inflight tracks which (data source, content hash) pairs currently
// have an execution in progress, so the selector never schedules the same
// work twice concurrently.
package inflight

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyInFlight is advisory: the caller should skip the group, someone
// else is already running it.
var ErrAlreadyInFlight = errors.New("execution already in flight")

const DefaultStaleAfter = 10 * time.Minute

// Key identifies one unit of scheduled work.
type Key struct {
	DataSourceID int64
	Hash         string
}

// Tracker is a process-wide test-and-set registry of running executions.
//
// Entries older than StaleAfter are reclaimed by SweepStale so a crashed
// worker can't starve its query group forever.
type Tracker struct {
	mu         sync.Mutex
	m          map[Key]time.Time
	staleAfter time.Duration
}

func NewTracker(staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Tracker{m: make(map[Key]time.Time), staleAfter: staleAfter}
}

// Mark records an execution start. It fails with ErrAlreadyInFlight when the
// key is already present (atomic check-and-set under one lock).
func (t *Tracker) Mark(key Key, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[key]; ok {
		return ErrAlreadyInFlight
	}
	t.m[key] = now
	return nil
}

// Release removes the entry. Releasing an absent key is a no-op.
func (t *Tracker) Release(key Key) {
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
}

// InFlight reports whether the key currently has a running execution.
func (t *Tracker) InFlight(dataSourceID int64, hash string) bool {
	t.mu.Lock()
	_, ok := t.m[Key{DataSourceID: dataSourceID, Hash: hash}]
	t.mu.Unlock()
	return ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	n := len(t.m)
	t.mu.Unlock()
	return n
}

// SweepStale force-releases entries whose execution started more than
// StaleAfter ago and returns how many were reclaimed.
func (t *Tracker) SweepStale(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, started := range t.m {
		if now.Sub(started) > t.staleAfter {
			delete(t.m, key)
			n++
		}
	}
	return n
}
