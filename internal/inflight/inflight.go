package inflight

import (
	"context"
	"sync"
	"time"

	"texture-cache/internal/metrics"
)

// DefaultPollInterval bounds how long a waiter sleeps before re-checking
// its key even if no completion broadcast arrived. The broadcast channel
// is the primary wakeup; the tick is a safety net against missed signals.
const DefaultPollInterval = time.Second

// Registry tracks which cache keys currently have a population job
// running, so that at most one transform executes per key and late
// arrivals wait for the winner instead of duplicating its work.
type Registry struct {
	mu   sync.Mutex
	keys map[string]struct{}
	// done is closed and replaced whenever any key completes. The
	// signal is a broadcast, not per-key: woken waiters must re-check
	// their own key.
	done chan struct{}

	// PollInterval overrides DefaultPollInterval when positive.
	PollInterval time.Duration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		keys: make(map[string]struct{}),
		done: make(chan struct{}),
	}
}

// TryBegin atomically inserts key iff absent. It returns true iff the
// caller is now responsible for populating the key and must call End
// when finished, success or not.
func (r *Registry) TryBegin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[key]; exists {
		return false
	}
	r.keys[key] = struct{}{}
	metrics.InFlightKeys.Set(float64(len(r.keys)))
	return true
}

// Begin is TryBegin with a scope-guaranteed release: when it returns
// ok=true the caller defers release, which removes the key exactly once
// no matter how many times it runs or how the populating code unwinds.
func (r *Registry) Begin(key string) (release func(), ok bool) {
	if !r.TryBegin(key) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { r.End(key) })
	}, true
}

// End removes key from the set and broadcasts completion to all waiters.
func (r *Registry) End(key string) {
	r.mu.Lock()
	delete(r.keys, key)
	metrics.InFlightKeys.Set(float64(len(r.keys)))
	close(r.done)
	r.done = make(chan struct{})
	r.mu.Unlock()
}

// Contains reports whether key has a population in progress.
func (r *Registry) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.keys[key]
	return exists
}

// Len returns the number of in-flight keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// AwaitAbsent blocks until key is no longer in-flight or ctx is done.
// Waking on the completion broadcast is not proof the waited-for key
// finished, so the key is re-checked on every wakeup.
func (r *Registry) AwaitAbsent(ctx context.Context, key string) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if _, exists := r.keys[key]; !exists {
			r.mu.Unlock()
			return nil
		}
		done := r.done
		r.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)

		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
