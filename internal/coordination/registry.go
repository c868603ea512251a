package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	instancesKey = "collabpulse:instances"
	pruneLockKey = "collabpulse:instances:pruner"

	// An instance that missed this many heartbeats is reported inactive and pruned.
	staleHeartbeats = 3
)

// InstanceInfo is what each instance publishes about itself.
type InstanceInfo struct {
	InstanceID        string `json:"instance_id"`
	Timestamp         int64  `json:"timestamp"`
	Version           string `json:"version"`
	ActiveConnections int    `json:"active_connections"`
}

// InstanceRegistry publishes this instance's heartbeat and connection count to a shared
// Redis hash. It is observability only: connection state and capacity stay per instance.
type InstanceRegistry struct {
	redis      redis.UniversalClient
	instanceID string
	heartbeat  time.Duration
	version    string
	active     func() int
	pruner     *LeaderElection
	clock      clockwork.Clock
	logger     zerolog.Logger
}

// NewInstanceRegistry creates a registry entry for instanceID. active reports the local
// connection count at each heartbeat.
func NewInstanceRegistry(rdb redis.UniversalClient, instanceID string, heartbeat time.Duration, version string, active func() int, clock clockwork.Clock, logger zerolog.Logger) *InstanceRegistry {
	return &InstanceRegistry{
		redis:      rdb,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
		active:     active,
		pruner:     NewLeaderElection(rdb, instanceID, pruneLockKey, 2*heartbeat),
		clock:      clock,
		logger:     logger.With().Str("component", "instance_registry").Str("instance_id", instanceID).Logger(),
	}
}

// Start registers immediately, then on every heartbeat. Blocks until ctx is cancelled,
// then removes this instance and releases the pruner lease.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.beat(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.beat(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) beat(ctx context.Context) {
	if err := r.register(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Instance heartbeat failed")
		return
	}

	leader, err := r.pruner.Acquire(ctx)
	if err != nil {
		r.logger.Debug().Err(err).Msg("Pruner lease unavailable")
		return
	}
	if !leader {
		return
	}
	if n, err := r.prune(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to prune stale instances")
	} else if n > 0 {
		r.logger.Info().Int("pruned", n).Msg("Pruned stale instances")
	}
}

func (r *InstanceRegistry) register(ctx context.Context) error {
	data, err := json.Marshal(InstanceInfo{
		InstanceID:        r.instanceID,
		Timestamp:         r.clock.Now().Unix(),
		Version:           r.version,
		ActiveConnections: r.active(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode instance info: %w", err)
	}
	return r.redis.HSet(ctx, instancesKey, r.instanceID, data).Err()
}

func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.redis.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to unregister instance")
	}
	if err := r.pruner.Release(ctx); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to release pruner lease")
	}
}

// prune removes entries whose heartbeat is older than the stale threshold.
func (r *InstanceRegistry) prune(ctx context.Context) (int, error) {
	raw, err := r.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return 0, err
	}

	_, stale := partition(raw, r.clock.Now(), r.staleAfter())
	if len(stale) == 0 {
		return 0, nil
	}
	if err := r.redis.HDel(ctx, instancesKey, stale...).Err(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Instances returns every instance with a recent heartbeat, ordered by id.
func (r *InstanceRegistry) Instances(ctx context.Context) ([]InstanceInfo, error) {
	raw, err := r.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read instances: %w", err)
	}

	active, _ := partition(raw, r.clock.Now(), r.staleAfter())
	return active, nil
}

func (r *InstanceRegistry) staleAfter() time.Duration {
	return staleHeartbeats * r.heartbeat
}

// partition splits the raw hash into live instances and the fields of stale or unreadable ones.
func partition(raw map[string]string, now time.Time, staleAfter time.Duration) ([]InstanceInfo, []string) {
	active := make([]InstanceInfo, 0, len(raw))
	var stale []string
	cutoff := now.Add(-staleAfter).Unix()

	for field, data := range raw {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil || info.Timestamp < cutoff {
			stale = append(stale, field)
			continue
		}
		active = append(active, info)
	}

	sort.Slice(active, func(i, j int) bool { return active[i].InstanceID < active[j].InstanceID })
	sort.Strings(stale)
	return active, stale
}
