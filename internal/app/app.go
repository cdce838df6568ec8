package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"coremachine/internal/approval"
	"coremachine/internal/blobstore"
	"coremachine/internal/catalog"
	"coremachine/internal/config"
	"coremachine/internal/jobs"
	"coremachine/internal/orchestrator"
	"coremachine/internal/queue"
	"coremachine/internal/retry"
	"coremachine/internal/store"
	"coremachine/internal/store/primary"
	"coremachine/internal/store/sqlite"
)

// App holds the wired collaborators shared by every command.
type App struct {
	Config *config.Config
	Log    *logrus.Logger

	Store    store.Backend
	Queue    queue.Queue
	Consumer queue.Consumer
	Blobs    blobstore.Store
	Catalog  *catalog.Service

	Registry *jobs.Registry
	Machine  *orchestrator.Machine
	Approval *approval.Service
}

// NewApp connects the store, queue and blob storage named by cfg and builds
// the orchestrator on top of them. SQLite databases are migrated on open.
func NewApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	app := &App{Config: cfg, Log: log}

	if err := app.initStore(ctx); err != nil {
		return nil, err
	}
	if err := app.initQueue(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.initBlobs(ctx); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.initRegistry(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	app.initServices()

	log.WithFields(logrus.Fields{
		"database": cfg.Database.Driver,
		"queue":    cfg.Queue.Backend,
		"storage":  cfg.Storage.Backend,
	}).Debug("application initialization complete")
	return app, nil
}

// --- Private Helper Methods ---

func (a *App) initStore(ctx context.Context) error {
	switch a.Config.Database.Driver {
	case "postgres":
		ps, err := primary.NewPrimaryStore(ctx, a.Config.Database.DSN, a.Config.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("init primary store: %w", err)
		}
		a.Store = ps
	case "sqlite":
		s, err := sqlite.Open(a.Config.Database.DSN)
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return fmt.Errorf("migrate sqlite store: %w", err)
		}
		a.Store = s
	default:
		return fmt.Errorf("unsupported database driver %q", a.Config.Database.Driver)
	}
	return nil
}

func (a *App) queueOptions() queue.Options {
	cfg := a.Config
	return queue.Options{
		JobQueue:          cfg.Queue.JobQueue,
		TaskQueue:         cfg.Queue.TaskQueue,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxRedelivery:     cfg.Queue.MaxRedelivery,
		Concurrency:       cfg.Worker.Concurrency,
		Priorities:        cfg.Worker.Queues,
	}
}

func (a *App) initQueue() error {
	opts := a.queueOptions()
	switch a.Config.Queue.Backend {
	case "asynq":
		redis := asynq.RedisClientOpt{
			Addr:     a.Config.Redis.Address,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		}
		a.Queue = queue.NewAsynqQueue(redis, opts)
		a.Consumer = queue.NewAsynqConsumer(redis, opts, a.Log)
	case "nats":
		nq, err := queue.NewNATSQueue(a.Config.Queue.NATS.URL, a.Config.Queue.NATS.Stream, opts, a.Log)
		if err != nil {
			return fmt.Errorf("init nats queue: %w", err)
		}
		a.Queue = nq
		a.Consumer = nq
	case "memory":
		mq := queue.NewMemoryQueue(a.Log)
		a.Queue = mq
		a.Consumer = mq
	default:
		return fmt.Errorf("unsupported queue backend %q", a.Config.Queue.Backend)
	}
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	switch a.Config.Storage.Backend {
	case "local":
		ls, err := blobstore.NewLocalStore(a.Config.Storage.Root)
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.Blobs = ls
	case "s3":
		s3, err := blobstore.NewS3Store(ctx, a.Config.Storage.Bucket, a.Config.Storage.Region, a.Config.Storage.Endpoint)
		if err != nil {
			return fmt.Errorf("init s3 storage: %w", err)
		}
		a.Blobs = s3
	default:
		return fmt.Errorf("unsupported storage backend %q", a.Config.Storage.Backend)
	}
	return nil
}

func (a *App) initRegistry() error {
	a.Catalog = catalog.NewService(a.Store)
	reg, err := jobs.NewBuiltinRegistry(jobs.Deps{Blobs: a.Blobs, Store: a.Store, Catalog: a.Catalog})
	if err != nil {
		return err
	}
	a.Registry = reg
	return nil
}

func (a *App) initServices() {
	cfg := a.Config
	a.Machine = orchestrator.New(a.Store, a.Queue, a.Registry, a.Log, orchestrator.Options{
		Policy: retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
		},
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleAfter:        cfg.Sweep.StaleAfter,
		SweepBatch:        cfg.Sweep.BatchSize,
	})
	a.Approval = approval.NewService(a.Store, a.Machine, a.Log)
}

func (a *App) cleanupPartialInit() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Log.WithError(err).Warn("failed to close queue during cleanup")
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

// Close releases the queue connection and the database.
func (a *App) Close() {
	a.Log.Debug("closing application resources")
	a.cleanupPartialInit()
}
