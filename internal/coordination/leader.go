package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotLeader = errors.New("not leader")

// renewScript extends the lease only while ARGV[1] still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// releaseScript deletes the lease only while ARGV[1] still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// LeaderElection is a single-holder lease on a Redis key. The holder renews it every
// heartbeat; a crashed holder loses it when the TTL runs out.
type LeaderElection struct {
	redis      redis.UniversalClient
	instanceID string
	key        string
	ttl        time.Duration
}

func NewLeaderElection(rdb redis.UniversalClient, instanceID, key string, ttl time.Duration) *LeaderElection {
	return &LeaderElection{redis: rdb, instanceID: instanceID, key: key, ttl: ttl}
}

// Acquire renews the lease if this instance holds it, otherwise tries to take it.
// It reports whether this instance is the leader afterwards.
func (l *LeaderElection) Acquire(ctx context.Context) (bool, error) {
	err := l.renew(ctx)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrNotLeader) {
		return false, err
	}

	ok, err := l.redis.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *LeaderElection) renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.redis, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotLeader
	}
	return nil
}

// Release gives the lease up if this instance still holds it.
func (l *LeaderElection) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.redis, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
