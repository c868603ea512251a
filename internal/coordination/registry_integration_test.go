package coordination

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testRedisURL   string
	redisContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redisContainer, err = rediscontainer.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()
	if err := redisContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	opts, err := redis.ParseURL(testRedisURL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() {
		client.FlushAll(context.Background())
		client.Close()
	})
	return client
}

func TestInstanceRegistry_HeartbeatAndUnregister(t *testing.T) {
	client := setupTestRedis(t)
	clock := clockwork.NewFakeClock()
	active := 3

	reg := NewInstanceRegistry(client, "instance-a", 10*time.Second, "v1.0.0", func() int { return active }, clock, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		infos, err := reg.Instances(context.Background())
		return err == nil && len(infos) == 1
	}, 2*time.Second, 10*time.Millisecond)

	infos, err := reg.Instances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "instance-a", infos[0].InstanceID)
	assert.Equal(t, "v1.0.0", infos[0].Version)
	assert.Equal(t, 3, infos[0].ActiveConnections)

	cancel()
	<-done

	infos, err = reg.Instances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestInstanceRegistry_LeaderPrunesStaleInstances(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Now())

	a := NewInstanceRegistry(client, "instance-a", 10*time.Second, "v1", func() int { return 0 }, clock, zerolog.Nop())
	b := NewInstanceRegistry(client, "instance-b", 10*time.Second, "v1", func() int { return 0 }, clock, zerolog.Nop())

	b.beat(ctx)
	require.NoError(t, b.pruner.Release(ctx))
	clock.Advance(time.Minute)
	a.beat(ctx)

	fields, err := client.HKeys(ctx, instancesKey).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-a"}, fields, "the first heartbeat after b went stale prunes it")
}

func TestLeaderElection_SingleHolder(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	first := NewLeaderElection(client, "instance-a", "test:lease", time.Minute)
	second := NewLeaderElection(client, "instance-b", "test:lease", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, second.Release(ctx))
	ok, err = first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "release by a non-holder is a no-op")

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaderElection_ExpiredLeaseCanBeTaken(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	first := NewLeaderElection(client, "instance-a", "test:short-lease", 100*time.Millisecond)
	second := NewLeaderElection(client, "instance-b", "test:short-lease", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := second.Acquire(ctx)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}
