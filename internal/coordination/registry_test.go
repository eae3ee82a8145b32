package coordination

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testRedisURL string
	redContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	// Skip container setup if running in short mode
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redContainer, err = redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	defer func() {
		if err := redContainer.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
		}
	}()
	os.Exit(m.Run())
}

func setupTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	opts, err := goredis.ParseURL(testRedisURL)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	require.NoError(t, client.FlushAll(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestInstanceRegistryHeartbeat(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	a := NewInstanceRegistry(client, "instance-a", 30*time.Second, "test", clock)
	b := NewInstanceRegistry(client, "instance-b", 30*time.Second, "test", clock)
	a.register(ctx)
	b.register(ctx)

	active, err := a.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"instance-a", "instance-b"}, active)
}

func TestInstanceRegistryUnregister(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	r := NewInstanceRegistry(client, "instance-a", 30*time.Second, "test", clockwork.NewRealClock())
	r.register(ctx)
	r.unregister()

	active, err := r.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestInstanceRegistryPrunesStaleEntries(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	// A heartbeat written in the past, beyond the staleness horizon.
	clock := clockwork.NewFakeClock()
	stale := NewInstanceRegistry(client, "instance-old", 30*time.Second, "test", clock)
	stale.register(ctx)
	clock.Advance(2 * staleAfter)

	fresh := NewInstanceRegistry(client, "instance-new", 30*time.Second, "test", clock)
	fresh.register(ctx)

	active, err := fresh.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-new"}, active)

	// The stale entry was removed from the hash, not just filtered.
	exists, err := client.HExists(ctx, instancesKey, "instance-old").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInstanceRegistryStartLifecycle(t *testing.T) {
	client := setupTestRedis(t)
	r := NewInstanceRegistry(client, "instance-a", 10*time.Second, "test", clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		active, err := r.ActiveInstances(context.Background())
		return err == nil && len(active) == 1
	}, 2*time.Second, 25*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registry did not stop after cancellation")
	}

	active, err := r.ActiveInstances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}
