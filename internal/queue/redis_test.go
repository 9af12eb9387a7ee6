//go:build integration

package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) *redis.Client {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisDispatcher_ProcessesAndRetries(t *testing.T) {
	client := setupRedis(t)
	reg := NewRegistry()

	var calls atomic.Int32
	done := make(chan struct{})
	reg.Register("flaky", func(ctx context.Context, task Task) error {
		if calls.Add(1) == 1 {
			return context.DeadlineExceeded
		}
		close(done)
		return nil
	})

	d := NewRedisDispatcher(client, reg, Options{Workers: 2, MaxAttempts: 3, RetryBackoff: time.Millisecond}, zap.NewNop())
	require.NoError(t, d.Enqueue(context.Background(), Task{ID: "t1", Name: "flaky", Payload: []byte(`{}`)}))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(runDone)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task was not retried")
	}
	cancel()
	<-runDone

	require.Equal(t, int32(2), calls.Load())
	n, err := client.LLen(context.Background(), d.processingKey).Result()
	require.NoError(t, err)
	require.Zero(t, n)

	consumers, err := client.SMembers(context.Background(), d.consumersKey).Result()
	require.NoError(t, err)
	require.Empty(t, consumers)
}

func TestRedisDispatcher_RequeuesOnlyExpiredConsumers(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	live := NewRedisDispatcher(client, NewRegistry(), Options{}, zap.NewNop())
	require.NoError(t, live.heartbeat(ctx))
	require.NoError(t, client.LPush(ctx, live.processingKey, `{"id":"running","name":"x"}`).Err())

	// A consumer that crashed while holding a task: registered, lease gone.
	require.NoError(t, client.SAdd(ctx, live.consumersKey, "crashed").Err())
	require.NoError(t, client.LPush(ctx, processingKey("crashed"), `{"id":"orphan","name":"x"}`).Err())

	d := NewRedisDispatcher(client, NewRegistry(), Options{}, zap.NewNop())
	require.NoError(t, d.heartbeat(ctx))
	n, err := d.Requeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	queued, err := client.LRange(ctx, d.queueKey, 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{`{"id":"orphan","name":"x"}`}, queued)

	held, err := client.LLen(ctx, live.processingKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), held)

	consumers, err := client.SMembers(ctx, d.consumersKey).Result()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{live.consumerID, d.consumerID}, consumers)
}

func TestRedisDispatcher_RequeuesAfterLeaseExpires(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	crashed := NewRedisDispatcher(client, NewRegistry(), Options{}, zap.NewNop())
	crashed.lease = 100 * time.Millisecond
	require.NoError(t, crashed.heartbeat(ctx))
	require.NoError(t, client.LPush(ctx, crashed.processingKey, `{"id":"orphan","name":"x"}`).Err())

	d := NewRedisDispatcher(client, NewRegistry(), Options{}, zap.NewNop())
	n, err := d.Requeue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Eventually(t, func() bool {
		n, err := d.Requeue(ctx)
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)

	pending, err := d.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)
}
