package progress

import (
	"context"
	"errors"
	"time"
)

// Observer defaults.
const (
	DefaultPollInterval    = time.Second
	DefaultObserverTimeout = 10 * time.Minute
)

// TimeoutMessage is carried by the synthetic timeout record. The job itself
// may still be running.
const TimeoutMessage = "observer timed out; the job may still be running"

// SubscribeOptions tunes polling. Zero values use the defaults.
type SubscribeOptions struct {
	PollInterval    time.Duration
	ObserverTimeout time.Duration
	// OnError is called for read errors other than ErrNotFound; polling continues.
	OnError func(error)
}

// Subscribe polls the record behind token and emits every strictly newer
// version. The channel closes after a terminal record, when the record
// expires, when ctx ends, or after the observer timeout, which emits a
// synthetic PhaseTimeout record first.
// An unknown token is reported synchronously as ErrNotFound.
func Subscribe(ctx context.Context, store Store, token string, opts SubscribeOptions) (<-chan Record, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ObserverTimeout <= 0 {
		opts.ObserverTimeout = DefaultObserverTimeout
	}

	first, err := store.Read(ctx, token)
	if err != nil {
		return nil, err
	}

	out := make(chan Record, 1)
	out <- first
	if first.Phase.Terminal() {
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)

		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(opts.ObserverTimeout)
		defer deadline.Stop()

		last := first
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				send(ctx, out, Record{
					Phase:     PhaseTimeout,
					Current:   last.Current,
					Total:     last.Total,
					Message:   TimeoutMessage,
					Timestamp: time.Now(),
					Version:   last.Version,
				})
				return
			case <-ticker.C:
			}

			rec, err := store.Read(ctx, token)
			if errors.Is(err, ErrNotFound) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if opts.OnError != nil {
					opts.OnError(err)
				}
				continue
			}
			if rec.Version <= last.Version {
				continue
			}

			last = rec
			if !send(ctx, out, rec) || rec.Phase.Terminal() {
				return
			}
		}
	}()

	return out, nil
}

func send(ctx context.Context, out chan<- Record, rec Record) bool {
	select {
	case out <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}
