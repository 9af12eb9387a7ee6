package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// LocalDispatcher runs tasks in-process on a bounded number of goroutines.
// Tasks do not survive a restart.
type LocalDispatcher struct {
	registry *Registry
	opts     Options
	logger   *zap.Logger

	semaphore chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	stop      chan struct{}
}

// NewLocalDispatcher creates an in-process dispatcher.
func NewLocalDispatcher(registry *Registry, opts Options, logger *zap.Logger) *LocalDispatcher {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDispatcher{
		registry:  registry,
		opts:      opts,
		logger:    logger,
		semaphore: make(chan struct{}, opts.Workers),
		stop:      make(chan struct{}),
	}
}

// Enqueue schedules the task. The handler runs detached from ctx cancellation
// so a finished HTTP request does not abort the job.
func (d *LocalDispatcher) Enqueue(ctx context.Context, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.wg.Add(1)
	go d.run(context.WithoutCancel(ctx), task)
	return nil
}

func (d *LocalDispatcher) run(ctx context.Context, task Task) {
	defer d.wg.Done()

	// Acquire semaphore
	select {
	case d.semaphore <- struct{}{}:
	case <-d.stop:
		d.logger.Warn("task dropped on shutdown", zap.String("task_id", task.ID))
		return
	}
	defer func() { <-d.semaphore }()

	for {
		task.Attempt++
		err := d.registry.invoke(ctx, task)
		if err == nil {
			return
		}

		log := d.logger.With(zap.String("task_id", task.ID), zap.String("task", task.Name),
			zap.Int("attempt", task.Attempt), zap.Error(err))
		if errors.Is(err, ErrUnknownTask) || task.Attempt >= d.opts.MaxAttempts {
			log.Error("task failed permanently")
			return
		}
		log.Warn("task failed, retrying")

		stopCtx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-d.stop:
				cancel()
			case <-stopCtx.Done():
			}
		}()
		ok := sleepCtx(stopCtx, d.opts.backoff(task.Attempt))
		cancel()
		if !ok {
			log.Warn("task retry abandoned on shutdown")
			return
		}
	}
}

// Close stops accepting tasks, abandons pending retries and waits for
// running handlers to return.
func (d *LocalDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Wait blocks until every enqueued task has finished.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

var _ Dispatcher = (*LocalDispatcher)(nil)
