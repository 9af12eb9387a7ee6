package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisQueue = "expand:queue"
	pollTimeout       = time.Second
	defaultLease      = 30 * time.Second
)

// RedisDispatcher is a reliable list queue. Workers move each task into a
// processing list owned by their consumer and remove it only after the
// handler returns. Every consumer holds a lease it renews while running; the
// processing list of a consumer whose lease expired is moved back onto the
// queue by any live consumer.
type RedisDispatcher struct {
	client   *redis.Client
	registry *Registry
	opts     Options
	logger   *zap.Logger

	consumerID    string
	lease         time.Duration
	queueKey      string
	consumersKey  string
	processingKey string
	deadKey       string
}

// NewRedisDispatcher creates a dispatcher on the given Redis client.
func NewRedisDispatcher(client *redis.Client, registry *Registry, opts Options, logger *zap.Logger) *RedisDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &RedisDispatcher{
		client:        client,
		registry:      registry,
		opts:          opts.withDefaults(),
		logger:        logger.With(zap.String("consumer", id)),
		consumerID:    id,
		lease:         defaultLease,
		queueKey:      defaultRedisQueue,
		consumersKey:  defaultRedisQueue + ":consumers",
		processingKey: processingKey(id),
		deadKey:       defaultRedisQueue + ":dead",
	}
}

func processingKey(consumerID string) string {
	return defaultRedisQueue + ":processing:" + consumerID
}

func leaseKey(consumerID string) string {
	return defaultRedisQueue + ":lease:" + consumerID
}

// Enqueue pushes the task onto the queue.
func (d *RedisDispatcher) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	if err := d.client.LPush(ctx, d.queueKey, data).Err(); err != nil {
		return fmt.Errorf("enqueueing task %s: %w", task.ID, err)
	}
	return nil
}

// heartbeat takes or renews the lease of this consumer and registers it.
func (d *RedisDispatcher) heartbeat(ctx context.Context) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, leaseKey(d.consumerID), time.Now().UTC().Format(time.RFC3339), d.lease)
		pipe.SAdd(ctx, d.consumersKey, d.consumerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("renewing consumer lease: %w", err)
	}
	return nil
}

// Requeue moves the tasks held by consumers whose lease expired back to the
// queue and forgets those consumers. Tasks of live consumers stay put.
func (d *RedisDispatcher) Requeue(ctx context.Context) (int, error) {
	consumers, err := d.client.SMembers(ctx, d.consumersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("listing consumers: %w", err)
	}

	n := 0
	for _, id := range consumers {
		if id == d.consumerID {
			continue
		}
		alive, err := d.client.Exists(ctx, leaseKey(id)).Result()
		if err != nil {
			return n, fmt.Errorf("checking lease of %s: %w", id, err)
		}
		if alive > 0 {
			continue
		}

		moved, err := d.drain(ctx, processingKey(id))
		n += moved
		if err != nil {
			return n, err
		}
		if err := d.client.SRem(ctx, d.consumersKey, id).Err(); err != nil {
			return n, fmt.Errorf("removing consumer %s: %w", id, err)
		}
	}
	return n, nil
}

// drain moves every task of a processing list to the head of the queue.
func (d *RedisDispatcher) drain(ctx context.Context, key string) (int, error) {
	n := 0
	for {
		err := d.client.LMove(ctx, key, d.queueKey, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("requeueing tasks: %w", err)
		}
		n++
	}
}

func (d *RedisDispatcher) requeueExpired(ctx context.Context) {
	n, err := d.Requeue(ctx)
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("requeueing orphaned tasks failed", zap.Error(err))
	}
	if n > 0 {
		d.logger.Info("requeued orphaned tasks", zap.Int("count", n))
	}
}

// keepAlive renews the lease and reclaims tasks of expired consumers until ctx ends.
func (d *RedisDispatcher) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(d.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.heartbeat(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("consumer heartbeat failed", zap.Error(err))
			}
			d.requeueExpired(ctx)
		}
	}
}

// Run registers the consumer, requeues tasks of expired consumers and
// consumes the queue until ctx ends. Running handlers finish before Run
// returns.
func (d *RedisDispatcher) Run(ctx context.Context) error {
	if err := d.heartbeat(ctx); err != nil {
		return err
	}
	n, err := d.Requeue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Info("requeued orphaned tasks", zap.Int("count", n))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.keepAlive(ctx)
	}()
	for i := range d.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, i)
		}()
	}
	wg.Wait()
	d.leave()
	return nil
}

// leave drops the lease and registration once every handler returned. Tasks
// still in the processing list are the ones whose acknowledgement failed.
func (d *RedisDispatcher) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := d.drain(ctx, d.processingKey)
	if err != nil {
		d.logger.Warn("requeueing unacknowledged tasks failed", zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Info("requeued unacknowledged tasks", zap.Int("count", n))
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, leaseKey(d.consumerID))
		pipe.SRem(ctx, d.consumersKey, d.consumerID)
		return nil
	})
	if err != nil {
		d.logger.Warn("leaving consumer group failed", zap.Error(err))
	}
}

func (d *RedisDispatcher) worker(ctx context.Context, id int) {
	log := d.logger.With(zap.Int("worker", id))
	for ctx.Err() == nil {
		raw, err := d.client.BLMove(ctx, d.queueKey, d.processingKey, "RIGHT", "LEFT", pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("queue poll failed", zap.Error(err))
			sleepCtx(ctx, pollTimeout)
			continue
		}

		d.process(context.WithoutCancel(ctx), raw, log)
	}
}

func (d *RedisDispatcher) process(ctx context.Context, raw string, log *zap.Logger) {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		log.Error("dropping undecodable task", zap.Error(err))
		d.finish(ctx, raw, "", log)
		return
	}

	task.Attempt++
	err := d.registry.invoke(ctx, task)
	if err == nil {
		d.finish(ctx, raw, "", log)
		return
	}

	log = log.With(zap.String("task_id", task.ID), zap.String("task", task.Name),
		zap.Int("attempt", task.Attempt), zap.Error(err))

	if errors.Is(err, ErrUnknownTask) || task.Attempt >= d.opts.MaxAttempts {
		log.Error("task failed permanently")
		d.finish(ctx, raw, d.deadKey, log)
		return
	}

	log.Warn("task failed, retrying")
	sleepCtx(ctx, d.opts.backoff(task.Attempt))
	retry, encErr := json.Marshal(task)
	if encErr != nil {
		log.Error("encoding retry failed", zap.Error(encErr))
		d.finish(ctx, raw, d.deadKey, log)
		return
	}
	d.finishWith(ctx, raw, d.queueKey, string(retry), log)
}

// finish removes the task from the processing list, optionally pushing it to target.
func (d *RedisDispatcher) finish(ctx context.Context, raw, target string, log *zap.Logger) {
	d.finishWith(ctx, raw, target, raw, log)
}

func (d *RedisDispatcher) finishWith(ctx context.Context, raw, target, payload string, log *zap.Logger) {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.processingKey, 1, raw)
		if target != "" {
			pipe.LPush(ctx, target, payload)
		}
		return nil
	})
	if err != nil {
		log.Error("updating queue after task failed", zap.Error(err))
	}
}

// Pending returns the number of queued tasks, for health reporting.
func (d *RedisDispatcher) Pending(ctx context.Context) (int64, error) {
	n, err := d.client.LLen(ctx, d.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

var _ Dispatcher = (*RedisDispatcher)(nil)
