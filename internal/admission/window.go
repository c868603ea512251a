package admission

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter counts connection attempts per identity. Hit records one attempt and
// returns the identity's count in the current window, including this attempt.
type RateLimiter interface {
	Hit(ctx context.Context, identity string) (int, error)
}

// WindowLimiter is the in-process RateLimiter. Windows are aligned to multiples of
// the window length; a counter is reset when its window index rotates.
type WindowLimiter struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	window  time.Duration
	buckets map[string]*bucket
	sweepAt int64
}

type bucket struct {
	index int64
	count int
}

var _ RateLimiter = (*WindowLimiter)(nil)

func NewWindowLimiter(clock clockwork.Clock, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		clock:   clock,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

func (l *WindowLimiter) Hit(_ context.Context, identity string) (int, error) {
	idx := WindowIndex(l.clock.Now(), l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if idx != l.sweepAt {
		l.sweep(idx)
		l.sweepAt = idx
	}

	b, ok := l.buckets[identity]
	if !ok || b.index != idx {
		b = &bucket{index: idx}
		l.buckets[identity] = b
	}
	b.count++
	return b.count, nil
}

// Tracked returns the number of identities with a live bucket.
func (l *WindowLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep drops buckets from earlier windows. Must be called with mu held.
func (l *WindowLimiter) sweep(current int64) {
	for id, b := range l.buckets {
		if b.index != current {
			delete(l.buckets, id)
		}
	}
}

// WindowIndex is the rotation index for t: one index per window since the Unix epoch.
func WindowIndex(t time.Time, window time.Duration) int64 {
	if window <= 0 {
		return 0
	}
	return t.UnixNano() / int64(window)
}
