//go:build integration

package progress

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
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
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisStore(t *testing.T) {
	client := setupRedis(t)
	s := NewRedisStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Read(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseQueued, Timestamp: now}))
	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseSearching, Current: 1, Total: 4, Timestamp: now.Add(time.Second)}))

	rec, err := s.Read(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, PhaseSearching, rec.Phase)
	require.Equal(t, int64(2), rec.Version)

	err = s.Publish(ctx, "tok", Record{Phase: PhaseSelecting, Timestamp: now})
	require.ErrorIs(t, err, ErrStale)

	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseCompleted, Timestamp: now.Add(2 * time.Second),
		Result: &Result{SuggestionsCreated: 3, CandidatesFound: 5, DuplicatesSkipped: 2}}))
	err = s.Publish(ctx, "tok", Record{Phase: PhaseSearching, Timestamp: now.Add(3 * time.Second)})
	require.ErrorIs(t, err, ErrFinal)

	rec, err = s.Read(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, rec.Phase)
	require.Equal(t, 3, rec.Result.SuggestionsCreated)

	ttl, err := client.PTTL(ctx, redisKeyPrefix+"tok").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 59*time.Minute)
}

func TestRedisStore_WorkerClockBehindSubmitter(t *testing.T) {
	client := setupRedis(t)
	s := NewRedisStore(client, time.Hour)
	ctx := context.Background()
	worker := time.Now()

	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseQueued, Timestamp: worker.Add(2 * time.Second)}))
	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseSelecting, Timestamp: worker}))
	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseSearching, Timestamp: worker.Add(time.Second)}))

	err := s.Publish(ctx, "tok", Record{Phase: PhaseSearching, Current: 1, Timestamp: worker})
	require.ErrorIs(t, err, ErrStale)

	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseCompleted, Timestamp: worker,
		Result: &Result{SuggestionsCreated: 1}}))

	rec, err := s.Read(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, rec.Phase)
	require.Equal(t, int64(4), rec.Version)
}

func TestRedisStore_Expiry(t *testing.T) {
	client := setupRedis(t)
	s := NewRedisStore(client, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseCompleted, Timestamp: time.Now()}))
	require.Eventually(t, func() bool {
		_, err := s.Read(ctx, "tok")
		return err == ErrNotFound
	}, 2*time.Second, 20*time.Millisecond)
}
