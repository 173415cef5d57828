package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitError reports an over-limit turn together with how long the
// caller should wait before retrying.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.Wait.Round(time.Second))
}

// lockRegistry hands out one mutex per customer and reclaims it as soon as
// no turn holds or waits on it, so the map stays bounded by concurrent
// turns rather than by customers ever seen.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until the customer's lock is held and returns the release
// function. Release must be called exactly once.
func (r *lockRegistry) Acquire(key string) func() {
	r.mu.Lock()
	entry, ok := r.locks[key]
	if !ok {
		entry = &lockEntry{}
		r.locks[key] = entry
	}
	entry.refs++
	r.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		r.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// slidingWindow is a per-key sliding-window rate limiter. Admission is
// checked before the customer lock so a flooding customer cannot queue
// unbounded turns behind their own lock.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	calls  int
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records the attempt when under the limit. When over it, nothing is
// recorded and the returned wait says when the oldest hit falls out of the
// window.
func (w *slidingWindow) Allow(key string, now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)

	// Every so often drop keys that went quiet, so the map tracks active
	// customers only.
	w.calls++
	if w.calls%256 == 0 {
		for k, hs := range w.hits {
			if k != key && (len(hs) == 0 || !hs[len(hs)-1].After(cutoff)) {
				delete(w.hits, k)
			}
		}
	}

	hits := w.hits[key]
	kept := hits[:0]
	for _, hit := range hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}

	if len(kept) >= w.limit {
		w.hits[key] = kept
		return kept[0].Sub(cutoff), false
	}

	w.hits[key] = append(kept, now)
	return 0, true
}
