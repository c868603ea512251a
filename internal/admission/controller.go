package admission

import (
	"context"

	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/rs/zerolog"
)

// RegistryView is the read-only slice of the registry admission needs.
type RegistryView interface {
	Size() int
	Capacity() int
}

// Controller decides ACCEPT or REJECT for a connection attempt. It never mutates the
// registry; its only side effect is the identity's attempt counter.
type Controller struct {
	registry    RegistryView
	origins     OriginPolicy
	limiter     RateLimiter
	maxAttempts int
	logger      zerolog.Logger
}

func NewController(registry RegistryView, origins OriginPolicy, limiter RateLimiter, maxAttempts int, logger zerolog.Logger) *Controller {
	return &Controller{
		registry:    registry,
		origins:     origins,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "admission").Logger(),
	}
}

// Evaluate gates one attempt. Rejection priority is capacity, then origin, then rate limit.
// A failing limiter admits the attempt rather than locking every identity out.
func (c *Controller) Evaluate(ctx context.Context, candidateID, origin, identity string) domain.AdmissionDecision {
	attempts, err := c.limiter.Hit(ctx, identity)
	if err != nil {
		c.logger.Warn().Err(err).Str("identity", identity).Msg("Rate limiter unavailable, admitting without attempt check")
		attempts = 0
	}

	var decision domain.AdmissionDecision
	switch {
	case c.registry.Size() >= c.registry.Capacity():
		decision = domain.Rejected(candidateID, domain.RejectCapacity)
	case !c.origins.Allowed(origin):
		decision = domain.Rejected(candidateID, domain.RejectOrigin)
	case attempts > c.maxAttempts:
		decision = domain.Rejected(candidateID, domain.RejectRateLimit)
	default:
		decision = domain.Accepted(candidateID)
	}

	if !decision.IsAccepted() {
		c.logger.Info().
			Str("conn_id", candidateID).
			Str("identity", identity).
			Str("origin", origin).
			Str("reason", string(decision.Reason)).
			Int("attempts", attempts).
			Msg("Connection attempt rejected")
	}
	return decision
}
