package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/collabpulse/internal/admission"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchableLimiter struct {
	down  atomic.Bool
	count atomic.Int64
}

func (l *switchableLimiter) Hit(context.Context, string) (int, error) {
	if l.down.Load() {
		return 0, errors.New("redis circuit breaker open")
	}
	return int(l.count.Add(1)), nil
}

func TestFallbackLimiter_UsesPrimaryWhenHealthy(t *testing.T) {
	primary := &switchableLimiter{}
	fallback := admission.NewWindowLimiter(clockwork.NewFakeClock(), time.Minute)
	limiter := NewFallbackLimiter(primary, fallback, zerolog.Nop())

	n, err := limiter.Hit(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.False(t, limiter.Degraded())
	assert.Equal(t, 0, fallback.Tracked())
}

func TestFallbackLimiter_SwitchesAndRecovers(t *testing.T) {
	primary := &switchableLimiter{}
	fallback := admission.NewWindowLimiter(clockwork.NewFakeClock(), time.Minute)
	limiter := NewFallbackLimiter(primary, fallback, zerolog.Nop())
	ctx := context.Background()

	primary.down.Store(true)
	for i := 1; i <= 3; i++ {
		n, err := limiter.Hit(ctx, "alice")
		require.NoError(t, err, "fallback never surfaces the primary error")
		assert.Equal(t, i, n)
	}
	assert.True(t, limiter.Degraded())

	primary.down.Store(false)
	n, err := limiter.Hit(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, limiter.Degraded())
}
