package llm

import (
	"context"
	"sync"
	"time"
)

// rateLimiter spaces calls to one provider account so they never exceed the
// configured requests-per-minute. Callers wait their turn on a bounded queue;
// when the queue is full the call fails fast instead of piling up.
type rateLimiter struct {
	interval   time.Duration
	maxWaiters int

	mu      sync.Mutex
	next    time.Time // earliest time the next call may start
	waiting int
}

// newRateLimiter builds a limiter for the given requests-per-minute.
// rpm <= 0 disables limiting.
func newRateLimiter(rpm, maxWaiters int) *rateLimiter {
	if rpm <= 0 {
		return &rateLimiter{}
	}
	return &rateLimiter{
		interval:   time.Minute / time.Duration(rpm),
		maxWaiters: maxWaiters,
	}
}

// acquire blocks until the caller's slot arrives, the context is cancelled,
// or the wait queue is already full.
func (r *rateLimiter) acquire(ctx context.Context, provider string) error {
	if r.interval == 0 {
		return nil
	}

	r.mu.Lock()
	now := time.Now()
	start := r.next
	if start.Before(now) {
		start = now
	}
	wait := start.Sub(now)

	if wait > 0 && r.waiting >= r.maxWaiters {
		r.mu.Unlock()
		return ErrRateLimited(provider)
	}

	r.next = start.Add(r.interval)
	if wait > 0 {
		r.waiting++
	}
	r.mu.Unlock()

	if wait == 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		r.mu.Lock()
		r.waiting--
		r.mu.Unlock()
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.waiting--
		r.mu.Unlock()
		return ctx.Err()
	}
}
