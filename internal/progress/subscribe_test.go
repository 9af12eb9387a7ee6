package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Record, within time.Duration) []Record {
	t.Helper()
	var out []Record
	timeout := time.After(within)
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, rec)
		case <-timeout:
			t.Fatalf("subscription did not close within %v, got %d records", within, len(out))
			return out
		}
	}
}

func TestSubscribe_UnknownToken(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	_, err := Subscribe(context.Background(), s, "missing", SubscribeOptions{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribe_EmitsNewerUntilTerminal(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseQueued, Timestamp: time.Now()}))

	ch, err := Subscribe(ctx, s, "tok", SubscribeOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	go func() {
		for i := 1; i <= 3; i++ {
			time.Sleep(20 * time.Millisecond)
			_ = s.Publish(ctx, "tok", Record{Phase: PhaseSearching, Current: i, Total: 3, Timestamp: time.Now()})
		}
		time.Sleep(20 * time.Millisecond)
		_ = s.Publish(ctx, "tok", Record{Phase: PhaseCompleted, Timestamp: time.Now(), Result: &Result{}})
	}()

	records := collect(t, ch, 2*time.Second)
	require.GreaterOrEqual(t, len(records), 2)
	require.Equal(t, PhaseQueued, records[0].Phase)
	require.Equal(t, PhaseCompleted, records[len(records)-1].Phase)

	for i := 1; i < len(records); i++ {
		require.Greater(t, records[i].Version, records[i-1].Version, "records must be strictly newer")
	}
}

func TestSubscribe_TerminalFirstRecordCloses(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseFailed, Error: "boom", Timestamp: time.Now()}))

	ch, err := Subscribe(ctx, s, "tok", SubscribeOptions{PollInterval: time.Millisecond})
	require.NoError(t, err)

	records := collect(t, ch, time.Second)
	require.Len(t, records, 1)
	require.Equal(t, "boom", records[0].Error)
}

func TestSubscribe_ObserverTimeout(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseSearching, Current: 2, Total: 5, Timestamp: time.Now()}))

	ch, err := Subscribe(ctx, s, "tok", SubscribeOptions{
		PollInterval:    5 * time.Millisecond,
		ObserverTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	records := collect(t, ch, 2*time.Second)
	require.Len(t, records, 2)
	last := records[1]
	require.Equal(t, PhaseTimeout, last.Phase)
	require.Equal(t, 2, last.Current)
	require.Equal(t, TimeoutMessage, last.Message)

	// The stored record is untouched by the synthetic timeout.
	rec, err := s.Read(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, PhaseSearching, rec.Phase)
}

func TestSubscribe_ContextCancel(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	require.NoError(t, s.Publish(context.Background(), "tok", Record{Phase: PhaseQueued, Timestamp: time.Now()}))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := Subscribe(ctx, s, "tok", SubscribeOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	<-ch
	cancel()
	records := collect(t, ch, time.Second)
	require.Empty(t, records)
}

func TestSubscribe_ClosesOnExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(time.Hour, WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, "tok", Record{Phase: PhaseSearching, Timestamp: clock.Now()}))

	ch, err := Subscribe(ctx, s, "tok", SubscribeOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	<-ch

	clock.Advance(2 * time.Hour)
	records := collect(t, ch, time.Second)
	require.Empty(t, records)
}
