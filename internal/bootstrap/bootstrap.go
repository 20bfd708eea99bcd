// Package bootstrap turns a configuration into wired backends. It is the only
// place that knows which concrete store, queue and object-storage types exist.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/example/taskmesh/internal/config"
	"github.com/example/taskmesh/internal/lifecycle"
	"github.com/example/taskmesh/internal/objects"
	"github.com/example/taskmesh/internal/state"
)

// Backends bundles everything the daemon runs on. Closers run in reverse
// order of construction.
type Backends struct {
	Tasks      state.TaskStore
	Results    state.ResultStore
	Sessions   state.SessionStore
	Partitions state.PartitionStore
	Queue      state.LockedQueue
	Watcher    state.Watcher
	Objects    objects.Store

	closers []func() error
}

// Close releases backend resources, last-constructed first.
func (b *Backends) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Orchestrator builds the lifecycle orchestrator on top of the backends.
func (b *Backends) Orchestrator(chunkSize int) *lifecycle.Orchestrator {
	return &lifecycle.Orchestrator{
		Tasks:            b.Tasks,
		Results:          b.Results,
		Sessions:         b.Sessions,
		Partitions:       b.Partitions,
		Queue:            b.Queue,
		Objects:          b.Objects,
		EnqueueChunkSize: chunkSize,
	}
}

// New wires the backends selected by cfg. cfg is assumed validated by
// config.Load.
func New(ctx context.Context, cfg config.Config) (*Backends, error) {
	b := &Backends{}

	var pg *state.PostgresStore
	switch cfg.Store {
	case "memory":
		ms := state.NewMemoryStore()
		b.Tasks, b.Results, b.Sessions, b.Partitions = ms, ms, ms, ms
		b.Watcher = ms
	case "postgres":
		var err error
		pg, err = state.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		b.closers = append(b.closers, pg.Close)
		b.Tasks, b.Results, b.Sessions, b.Partitions = pg, pg, pg, pg
		watcher, err := state.NewPostgresWatcher(ctx, pg)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("postgres watcher: %w", err)
		}
		b.closers = append(b.closers, func() error { watcher.Close(); return nil })
		b.Watcher = watcher
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store)
	}

	switch cfg.Queue {
	case "memory":
		queue, err := state.NewMemoryQueue(state.NewMemoryQueueStore(), state.MemoryQueueOptions{
			PartitionID:        cfg.PartitionID,
			LockTTL:            cfg.LockTTL,
			RefreshPeriodicity: cfg.RefreshPeriodicity,
			PollPeriod:         cfg.PollPeriod,
			MaxPriority:        cfg.MaxPriority,
		})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Queue = queue
	case "postgres":
		queue, err := state.NewPostgresQueue(pg, state.PostgresQueueOptions{
			PartitionID:        cfg.PartitionID,
			LockTTL:            cfg.LockTTL,
			RefreshPeriodicity: cfg.RefreshPeriodicity,
			PollPeriod:         cfg.PollPeriod,
			MaxPriority:        cfg.MaxPriority,
		})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Queue = queue
	case "redis":
		queue, err := state.NewRedisQueue(state.RedisQueueConfig{
			Addr:               cfg.Redis.Addr,
			Password:           cfg.Redis.Password,
			DB:                 cfg.Redis.DB,
			KeyPrefix:          cfg.Redis.KeyPrefix,
			PartitionID:        cfg.PartitionID,
			LockTTL:            cfg.LockTTL,
			RefreshPeriodicity: cfg.RefreshPeriodicity,
			PollPeriod:         cfg.PollPeriod,
			MaxPriority:        cfg.MaxPriority,
		})
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("redis queue: %w", err)
		}
		b.closers = append(b.closers, queue.Close)
		b.Queue = queue
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue)
	}

	switch cfg.Objects {
	case "none":
	case "memory":
		b.Objects = objects.NewMemoryStore()
	case "minio":
		store, err := objects.NewMinioStore(ctx, objects.MinioConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Bucket:    cfg.MinIO.Bucket,
		})
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("minio object store: %w", err)
		}
		b.Objects = store
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unsupported object store backend %q", cfg.Objects)
	}

	return b, nil
}
