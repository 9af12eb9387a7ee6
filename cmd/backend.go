package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/config"
	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/database/postgres"
	"github.com/kozaktomas/face-expand/internal/database/sqlite"
	"github.com/kozaktomas/face-expand/internal/expand"
	"github.com/kozaktomas/face-expand/internal/progress"
	"github.com/kozaktomas/face-expand/internal/queue"
	"github.com/kozaktomas/face-expand/internal/redisclient"
)

// backend holds everything a command needs to submit and run expansion jobs.
type backend struct {
	store    database.Store
	faces    *postgres.FaceRepository // nil on SQLite
	progress progress.Store
	memory   *progress.MemoryStore // nil when records live in Redis
	redis    *redis.Client

	registry *queue.Registry
	local    *queue.LocalDispatcher
	consumer *queue.RedisDispatcher
	service  *expand.Service

	closers []func()
}

type backendOptions struct {
	// forceLocal runs jobs in-process even when the queue backend is Redis.
	forceLocal bool
	// hnsw loads or builds the in-memory face index on PostgreSQL.
	hnsw bool
}

// openBackend connects the store, the progress store and the dispatcher
// selected by cfg, and wires the expansion service on top of them.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts backendOptions) (*backend, error) {
	b := &backend{registry: queue.NewRegistry()}

	if err := b.openStore(ctx, cfg, logger, opts.hnsw); err != nil {
		b.Close()
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		client, err := redisclient.New(ctx, cfg.Redis)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.redis = client
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.progress = progress.NewRedisStore(client, cfg.Progress.TTL)
		logger.Info("progress records stored in Redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		b.memory = progress.NewMemoryStore(cfg.Progress.TTL)
		b.progress = b.memory
	}

	queueOpts := queue.Options{
		Workers:      cfg.Queue.Workers,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryBackoff: cfg.Queue.RetryBackoff,
	}
	var dispatcher queue.Dispatcher
	if cfg.Queue.Backend == "redis" && !opts.forceLocal {
		b.consumer = queue.NewRedisDispatcher(b.redis, b.registry, queueOpts, logger.Named("queue"))
		dispatcher = b.consumer
	} else {
		b.local = queue.NewLocalDispatcher(b.registry, queueOpts, logger.Named("queue"))
		dispatcher = b.local
	}

	serviceOpts, err := expand.NewOptions(cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.service = expand.NewService(b.store, nil, b.progress, dispatcher, serviceOpts, logger.Named("expand"))
	b.service.Register(b.registry)
	return b, nil
}

func (b *backend) openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, hnsw bool) error {
	if cfg.Database.URL == "" {
		store, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening SQLite store: %w", err)
		}
		b.store = store
		b.closers = append(b.closers, func() { _ = store.Close() })
		logger.Info("using SQLite backend", zap.String("path", cfg.Database.SQLitePath))
		return nil
	}

	pool, err := postgres.Open(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, func() { _ = pool.Close() })

	store := postgres.NewStore(pool, logger.Named("postgres"))
	b.store = store
	b.faces = store.FaceRepository
	logger.Info("using PostgreSQL backend")

	if hnsw {
		initFaceHNSW(ctx, store.FaceRepository, cfg.Database.HNSWIndexPath, logger)
	}
	return nil
}

// initFaceHNSW builds or loads the face HNSW index for fast similarity search.
func initFaceHNSW(ctx context.Context, faces *postgres.FaceRepository, indexPath string, logger *zap.Logger) {
	start := time.Now()
	if err := faces.EnableHNSW(ctx, indexPath); err != nil {
		logger.Warn("face HNSW index unavailable, similarity search uses pgvector", zap.Error(err))
		return
	}
	logger.Info("face HNSW index ready",
		zap.Int("faces", faces.HNSWCount()),
		zap.String("path", indexPath),
		zap.Duration("took", time.Since(start)))
}

// saveHNSWIndex persists the face index during shutdown.
func (b *backend) saveHNSWIndex(ctx context.Context, logger *zap.Logger) {
	if b.faces == nil {
		return
	}
	if err := b.faces.SaveHNSWIndex(ctx); err != nil {
		logger.Warn("failed to save face HNSW index", zap.Error(err))
		return
	}
	logger.Info("face HNSW index saved")
}

// startJanitor sweeps expired in-memory records until ctx ends.
func (b *backend) startJanitor(ctx context.Context, interval time.Duration) {
	if b.memory != nil {
		go b.memory.Run(ctx, interval)
	}
}

// Close waits for running in-process jobs and releases connections in reverse order.
func (b *backend) Close() {
	if b.local != nil {
		b.local.Close()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
