// Package memory provides an in-memory sliding-window attempt tracker.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Tracker implements sessionguard.AttemptTracker using in-memory storage.
// Keys are spread over shards so attempts on unrelated emails and IPs do
// not contend. Entries only disappear through Reset or Prune, so a
// single-process deployment should run the cleanup scheduler.
type Tracker struct {
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// New creates a new in-memory tracker.
func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string][]time.Time)}
	}
	return t
}

func (t *Tracker) shardFor(key string) *shard {
	return t.shards[xxhash.Sum64String(key)%shardCount]
}

// Record appends an attempt at time at and returns the number of attempts
// inside (at-window, at].
func (t *Tracker) Record(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kept := trim(sh.entries[key], at.Add(-window))
	kept = append(kept, at)
	sh.entries[key] = kept
	return len(kept), nil
}

// Count returns the number of attempts inside the window ending at now.
// Stale timestamps are dropped before counting.
func (t *Tracker) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kept := trim(sh.entries[key], now.Add(-window))
	if len(kept) == 0 {
		delete(sh.entries, key)
		return 0, nil
	}
	sh.entries[key] = kept
	return len(kept), nil
}

// Reset forgets all attempts for key.
func (t *Tracker) Reset(ctx context.Context, key string) error {
	sh := t.shardFor(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

// Prune drops timestamps older than now-window and removes keys left empty.
// It returns the number of keys removed.
func (t *Tracker) Prune(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window)
	removed := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for key, attempts := range sh.entries {
			kept := trim(attempts, cutoff)
			if len(kept) == 0 {
				delete(sh.entries, key)
				removed++
				continue
			}
			sh.entries[key] = kept
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// trim drops the timestamps strictly older than cutoff. attempts is kept
// in insertion order, which is chronological for a monotonic clock.
func trim(attempts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(attempts) && attempts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return attempts
	}
	return append(attempts[:0:0], attempts[i:]...)
}
