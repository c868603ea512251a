package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/collabpulse/internal/admission"
	goredis "github.com/redis/go-redis/v9"
)

// hitScript increments the attempt counter and sets its expiry on first use.
var hitScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// WindowLimiter counts connection attempts per identity in epoch-aligned fixed windows
// shared by every instance pointing at the same Redis.
type WindowLimiter struct {
	rdb    goredis.Scripter
	clock  clockwork.Clock
	window time.Duration
	prefix string
}

var _ admission.RateLimiter = (*WindowLimiter)(nil)

func NewWindowLimiter(rdb goredis.Scripter, clock clockwork.Clock, window time.Duration) *WindowLimiter {
	return &WindowLimiter{rdb: rdb, clock: clock, window: window, prefix: "collabpulse:admission"}
}

func (l *WindowLimiter) Hit(ctx context.Context, identity string) (int, error) {
	key := l.key(identity, l.clock.Now())
	// Keys outlive their window slightly so clock skew between instances cannot reset a count early.
	ttl := (2 * l.window).Milliseconds()

	n, err := hitScript.Run(ctx, l.rdb, []string{key}, ttl).Int()
	if err != nil {
		return 0, fmt.Errorf("rate limit hit for %q failed: %w", identity, err)
	}
	return n, nil
}

func (l *WindowLimiter) key(identity string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, identity, admission.WindowIndex(now, l.window))
}
