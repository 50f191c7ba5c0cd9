// Package app wires configuration, storage and queues into the viewpool
// components used by the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/postreach/viewpool/internal/allocator"
	"github.com/postreach/viewpool/internal/blobstore"
	"github.com/postreach/viewpool/internal/config"
	"github.com/postreach/viewpool/internal/db"
	"github.com/postreach/viewpool/internal/dispatch"
	"github.com/postreach/viewpool/internal/imports"
	"github.com/postreach/viewpool/internal/logging"
	"github.com/postreach/viewpool/internal/queue"
	"github.com/postreach/viewpool/internal/reports"
	"github.com/postreach/viewpool/internal/settings"
	"github.com/postreach/viewpool/internal/views"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App holds the shared resources of one process.
type App struct {
	Config *config.Config
	DB     *gorm.DB

	logCloser io.Closer
	redisOnce sync.Once
	redis     *redis.Client
	redisErr  error
}

// Open loads configuration, sets up logging and opens the database. Redis
// is connected lazily by the components that need it.
func Open(ctx context.Context, cfg config.AppConfig) (*App, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	conf, errLoad := config.Load(configPath)
	if errLoad != nil {
		return nil, errLoad
	}
	logCloser, errLog := logging.Setup(conf.Logging)
	if errLog != nil {
		return nil, errLog
	}
	conn, errOpen := db.Open(conf.Database.DSN, db.Options{
		MaxOpenConns:    conf.Database.MaxOpenConns,
		MaxIdleConns:    conf.Database.MaxIdleConns,
		ConnMaxLifetime: conf.Database.ConnMaxLifetime,
		SlowThreshold:   conf.Database.SlowThreshold,
	})
	if errOpen != nil {
		_ = logCloser.Close()
		return nil, errOpen
	}
	a := &App{Config: conf, DB: conn, logCloser: logCloser}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Debug("app: settings snapshot not loaded")
	}
	log.Debugf("app: loaded config from %s", configPath)
	return a, nil
}

// Close releases every resource opened by the App.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		if sqlDB, errSQL := a.DB.DB(); errSQL == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// Redis returns the shared client, connecting on first use.
func (a *App) Redis(ctx context.Context) (*redis.Client, error) {
	a.redisOnce.Do(func() {
		a.redis, a.redisErr = queue.Connect(ctx, a.Config.Redis.URL)
	})
	return a.redis, a.redisErr
}

// Allocator returns an allocator over the App database.
func (a *App) Allocator() *allocator.Allocator {
	return allocator.New(a.DB)
}

// Reports returns the reporting service.
func (a *App) Reports() *reports.Service {
	return reports.New(a.DB)
}

// Views builds the task orchestrator with its Redis dispatcher.
func (a *App) Views(ctx context.Context) (*views.Service, error) {
	rdb, errRedis := a.Redis(ctx)
	if errRedis != nil {
		return nil, errRedis
	}
	client := dispatch.NewClient(rdb, dispatch.Options{
		Queue:       a.Config.Redis.ViewQueue,
		PushTimeout: a.Config.Dispatch.PushTimeout,
		RateLimit:   a.Config.Dispatch.RateLimit,
	})
	return views.NewService(a.Allocator(), views.NewTaskStore(a.DB), client, views.Options{
		DuplicationFactor: a.Config.Dispatch.DuplicationFactor,
		Concurrency:       a.Config.Dispatch.Concurrency,
	}), nil
}

// BlobStore returns the staging store for imports.
func (a *App) BlobStore() (*blobstore.Local, error) {
	return blobstore.NewLocal(a.Config.Imports.StorageDir)
}

func (a *App) importQueue(ctx context.Context) (*queue.ListQueue, error) {
	rdb, errRedis := a.Redis(ctx)
	if errRedis != nil {
		return nil, errRedis
	}
	return queue.NewListQueue(rdb, a.Config.Redis.ImportQueue), nil
}

// Submitter builds the import submitter.
func (a *App) Submitter(ctx context.Context) (*imports.Submitter, error) {
	blobs, errBlobs := a.BlobStore()
	if errBlobs != nil {
		return nil, errBlobs
	}
	q, errQueue := a.importQueue(ctx)
	if errQueue != nil {
		return nil, errQueue
	}
	return imports.NewSubmitter(a.DB, blobs, q), nil
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	a, errOpen := Open(ctx, cfg)
	if errOpen != nil {
		return errOpen
	}
	defer func() { _ = a.Close() }()
	return db.Migrate(a.DB)
}

// RunWorker runs the import worker pool with its background loops (stale
// batch sweeper, batch retention, settings refresh) until ctx is cancelled.
func RunWorker(ctx context.Context, cfg config.AppConfig) error {
	a, errOpen := Open(ctx, cfg)
	if errOpen != nil {
		return errOpen
	}
	defer func() { _ = a.Close() }()
	if errMigrate := db.Migrate(a.DB); errMigrate != nil {
		return errMigrate
	}

	blobs, errBlobs := a.BlobStore()
	if errBlobs != nil {
		return errBlobs
	}
	q, errQueue := a.importQueue(ctx)
	if errQueue != nil {
		return errQueue
	}
	moved, errRequeue := q.RequeueInflight(ctx)
	if errRequeue != nil {
		return fmt.Errorf("app: requeue inflight imports: %w", errRequeue)
	}
	if moved > 0 {
		log.Warnf("app: requeued %d import batches left by a previous worker", moved)
	}

	settings.NewRefresher(a.DB, a.Config.Imports.SettingsRefresh).Start(ctx)
	imports.NewSweeper(a.DB, q, a.Config.Imports.StaleAfter, a.Config.Imports.SweepInterval).Start(ctx)
	imports.NewRetentionCleaner(a.DB).Start(ctx)

	pipeline := imports.NewPipeline(a.DB, blobs, a.Allocator(), imports.FieldExtractor(a.Config.Imports.IDField))
	log.Infof("starting import worker, queue=%s storage=%s", q.Name(), blobs.Root())
	return imports.NewWorker(q, pipeline, a.Config.Imports.Workers).Run(ctx)
}
