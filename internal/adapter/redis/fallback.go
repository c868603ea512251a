package redis

import (
	"context"
	"sync/atomic"

	"github.com/pscheid92/collabpulse/internal/admission"
	"github.com/rs/zerolog"
)

// FallbackLimiter serves attempts from primary and switches to fallback while primary fails.
// Counts are not merged: during an outage each instance limits on its own.
type FallbackLimiter struct {
	primary  admission.RateLimiter
	fallback admission.RateLimiter
	degraded atomic.Bool
	logger   zerolog.Logger
}

var _ admission.RateLimiter = (*FallbackLimiter)(nil)

func NewFallbackLimiter(primary, fallback admission.RateLimiter, logger zerolog.Logger) *FallbackLimiter {
	return &FallbackLimiter{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With().Str("component", "rate_limiter").Logger(),
	}
}

func (l *FallbackLimiter) Hit(ctx context.Context, identity string) (int, error) {
	n, err := l.primary.Hit(ctx, identity)
	if err == nil {
		if l.degraded.CompareAndSwap(true, false) {
			l.logger.Info().Msg("Shared rate limiter recovered")
		}
		return n, nil
	}

	if l.degraded.CompareAndSwap(false, true) {
		l.logger.Warn().Err(err).Msg("Shared rate limiter unavailable, limiting per instance")
	}
	return l.fallback.Hit(ctx, identity)
}

// Degraded reports whether the last attempt was served by the fallback.
func (l *FallbackLimiter) Degraded() bool {
	return l.degraded.Load()
}
