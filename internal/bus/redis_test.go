package bus

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

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

func setupTestBus(t *testing.T) *RedisBus {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	opts, err := goredis.ParseURL(testRedisURL)
	require.NoError(t, err)
	client := goredis.NewClient(opts)

	b := NewRedisBus(context.Background(), client)
	t.Cleanup(func() {
		_ = b.Close()
		_ = client.Close()
	})
	return b
}

// collector records received messages and signals arrival.
type collector struct {
	mu       sync.Mutex
	messages []string
	arrived  chan struct{}
}

func newCollector() *collector {
	return &collector{arrived: make(chan struct{}, 16)}
}

func (c *collector) handler(topic string, payload []byte) {
	c.mu.Lock()
	c.messages = append(c.messages, topic+"|"+string(payload))
	c.mu.Unlock()
	c.arrived <- struct{}{}
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func (c *collector) waitForMessage(t *testing.T) {
	t.Helper()
	select {
	case <-c.arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bus message")
	}
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	sender := setupTestBus(t)
	receiver := setupTestBus(t)
	ctx := context.Background()

	received := newCollector()
	receiver.OnMessage(received.handler)
	require.NoError(t, receiver.Subscribe(ctx, "events:ws-1"))

	require.NoError(t, sender.Publish(ctx, "events:ws-1", []byte(`{"hello":"world"}`)))
	received.waitForMessage(t)

	assert.Equal(t, []string{`events:ws-1|{"hello":"world"}`}, received.all())
}

func TestRedisBusTopicIsolation(t *testing.T) {
	sender := setupTestBus(t)
	receiver := setupTestBus(t)
	ctx := context.Background()

	received := newCollector()
	receiver.OnMessage(received.handler)
	require.NoError(t, receiver.Subscribe(ctx, "events:ws-1"))

	// A message for another workspace must not arrive.
	require.NoError(t, sender.Publish(ctx, "events:ws-2", []byte(`ignored`)))
	require.NoError(t, sender.Publish(ctx, "events:ws-1", []byte(`kept`)))
	received.waitForMessage(t)

	assert.Equal(t, []string{"events:ws-1|kept"}, received.all())
}

func TestRedisBusUnsubscribe(t *testing.T) {
	sender := setupTestBus(t)
	receiver := setupTestBus(t)
	ctx := context.Background()

	received := newCollector()
	receiver.OnMessage(received.handler)
	require.NoError(t, receiver.Subscribe(ctx, "events:ws-1", "events:ws-2"))
	require.NoError(t, receiver.Unsubscribe(ctx, "events:ws-1"))

	require.NoError(t, sender.Publish(ctx, "events:ws-1", []byte(`dropped`)))
	require.NoError(t, sender.Publish(ctx, "events:ws-2", []byte(`kept`)))
	received.waitForMessage(t)

	assert.Equal(t, []string{"events:ws-2|kept"}, received.all())
}
