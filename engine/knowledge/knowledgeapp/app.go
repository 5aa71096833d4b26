// Package knowledgeapp wires the knowledge components from configuration.
package knowledgeapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/aikb/aikb/engine/infra/cache"
	"github.com/aikb/aikb/engine/infra/monitoring"
	"github.com/aikb/aikb/engine/infra/postgres"
	"github.com/aikb/aikb/engine/infra/sqlite"
	"github.com/aikb/aikb/engine/knowledge/blob"
	"github.com/aikb/aikb/engine/knowledge/chunk"
	"github.com/aikb/aikb/engine/knowledge/chunkstore"
	"github.com/aikb/aikb/engine/knowledge/convert"
	"github.com/aikb/aikb/engine/knowledge/embedder"
	"github.com/aikb/aikb/engine/knowledge/ingest"
	"github.com/aikb/aikb/engine/knowledge/retriever"
	"github.com/aikb/aikb/engine/knowledge/source"
	"github.com/aikb/aikb/pkg/config"
	"github.com/aikb/aikb/pkg/logger"
)

// App holds every component built from one configuration.
type App struct {
	Config       *config.Config
	Monitoring   *monitoring.Service
	Store        chunkstore.Store
	Embedder     *embedder.Adapter
	Registry     *chunk.Registry
	Source       source.MarkdownSource
	Blobs        blob.Store
	Orchestrator *ingest.Orchestrator
	Ingestor     *ingest.DocumentIngestor
	Retriever    *retriever.Service

	closers []func(context.Context) error
}

// statusTTL bounds how long ingestion statuses stay readable in Redis.
const statusTTL = 7 * 24 * time.Hour

type options struct {
	fs         afero.Fs
	embeddings embeddings.Embedder
	pages      convert.PageReader
}

type Option func(*options)

// WithFs replaces the OS filesystem used by the filesystem source and blobs.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithEmbeddings bypasses provider construction with a ready embedder.
func WithEmbeddings(e embeddings.Embedder) Option {
	return func(o *options) { o.embeddings = e }
}

func WithPageReader(r convert.PageReader) Option {
	return func(o *options) { o.pages = r }
}

// New builds the application. On error every component built so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("knowledgeapp: config is required")
	}
	o := options{fs: afero.NewOsFs(), pages: convert.NewPDFText()}
	for _, opt := range opts {
		opt(&o)
	}
	app = &App{Config: cfg, Registry: chunk.NewDefaultRegistry()}
	defer func() {
		if err != nil {
			if closeErr := app.Close(context.WithoutCancel(ctx)); closeErr != nil {
				logger.FromContext(ctx).Warn("Failed to release partially built app", "error", closeErr)
			}
			app = nil
		}
	}()

	if err := app.setupMonitoring(ctx); err != nil {
		return app, err
	}
	var rdb redis.UniversalClient
	if needsRedis(cfg) {
		r, err := cache.NewRedis(ctx, redisConfig(cfg))
		if err != nil {
			return app, err
		}
		app.closers = append(app.closers, r.Close)
		rdb = r.Client()
	}
	if err := app.setupStore(ctx, rdb); err != nil {
		return app, err
	}
	if err := app.setupEmbedder(o.embeddings); err != nil {
		return app, err
	}
	if err := app.setupSource(rdb, o.fs); err != nil {
		return app, err
	}
	blobs, err := blob.NewFilesystem(o.fs, cfg.Blob.Root, cfg.Blob.BaseURL)
	if err != nil {
		return app, err
	}
	app.Blobs = blobs
	locker, err := buildLocker(cfg, rdb)
	if err != nil {
		return app, err
	}
	app.Orchestrator, err = ingest.NewOrchestrator(
		app.Source,
		app.Registry,
		app.Embedder,
		app.Store,
		locker,
		ingest.Options{LockTTL: cfg.Lock.TTL, Concurrency: cfg.Runtime.ReprocessConcurrency},
	)
	if err != nil {
		return app, err
	}
	status, err := buildStatusStore(cfg, rdb)
	if err != nil {
		return app, err
	}
	app.Ingestor, err = ingest.NewDocumentIngestor(
		app.Blobs,
		o.pages,
		app.Source,
		app.Orchestrator,
		ingest.DocumentOptions{SplitSize: cfg.Blob.SplitSize, Status: status},
	)
	if err != nil {
		return app, err
	}
	app.Retriever, err = retriever.NewService(app.Store, app.Embedder)
	if err != nil {
		return app, err
	}
	logger.FromContext(ctx).Info(
		"Knowledge app ready",
		"store", cfg.Store.Driver,
		"source", cfg.Source.Driver,
		"lock", cfg.Lock.Driver,
		"embedder", cfg.Embedder.Provider,
	)
	return app, nil
}

// Close releases components in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) setupMonitoring(ctx context.Context) error {
	svc, err := monitoring.NewService(ctx, &monitoring.Config{
		Enabled: a.Config.Monitoring.Enabled,
		Path:    a.Config.Monitoring.Path,
		Addr:    a.Config.Monitoring.Addr,
	})
	if err != nil {
		return fmt.Errorf("knowledgeapp: monitoring: %w", err)
	}
	svc.SetAsGlobal()
	a.Monitoring = svc
	a.closers = append(a.closers, svc.Shutdown)
	return nil
}

func (a *App) setupStore(ctx context.Context, rdb redis.UniversalClient) error {
	cfg := a.Config
	store, err := chunkstore.New(ctx, &chunkstore.Config{
		Driver:      cfg.Store.Driver,
		Dimension:   cfg.Store.Dimension,
		Table:       cfg.Store.Table,
		KeyPrefix:   cfg.Store.KeyPrefix,
		EnsureIndex: cfg.Store.EnsureIndex,
		IndexLists:  cfg.Store.IndexLists,
		Redis:       rdb,
		Postgres:    &postgres.Config{DSN: cfg.Postgres.DSN.Value(), MaxConns: cfg.Postgres.MaxConns},
		SQLite:      &sqlite.Config{Path: cfg.SQLite.Path},
	})
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *App) setupEmbedder(impl embeddings.Embedder) error {
	e := a.Config.Embedder
	ecfg := &embedder.Config{
		Provider:      embedder.Provider(e.Provider),
		Model:         e.Model,
		APIKey:        e.APIKey.Value(),
		BaseURL:       e.BaseURL,
		Dimension:     a.Config.Store.Dimension,
		BatchSize:     e.BatchSize,
		CacheSize:     e.CacheSize,
		MaxRetries:    e.MaxRetries,
		RetryBackoff:  e.RetryBackoff,
		StripNewLines: true,
	}
	var (
		adapter *embedder.Adapter
		err     error
	)
	if impl != nil {
		adapter, err = embedder.Wrap(ecfg, impl)
	} else {
		adapter, err = embedder.New(ecfg)
	}
	if err != nil {
		return fmt.Errorf("knowledgeapp: embedder: %w", err)
	}
	a.Embedder = adapter
	return nil
}

func (a *App) setupSource(rdb redis.UniversalClient, fs afero.Fs) error {
	cfg := a.Config
	switch cfg.Source.Driver {
	case "memory":
		a.Source = source.NewMemory()
	case "redis":
		src, err := source.NewRedis(rdb, cfg.Store.KeyPrefix)
		if err != nil {
			return err
		}
		a.Source = src
	case "filesystem", "":
		src, err := source.NewFilesystem(fs, cfg.Source.Root)
		if err != nil {
			return err
		}
		a.Source = src
	default:
		return fmt.Errorf("knowledgeapp: unsupported source driver %q", cfg.Source.Driver)
	}
	return nil
}

func buildLocker(cfg *config.Config, rdb redis.UniversalClient) (ingest.Locker, error) {
	switch cfg.Lock.Driver {
	case "redis":
		return ingest.NewRedisLocker(rdb, cfg.Store.KeyPrefix, cfg.Lock.PollInterval)
	case "memory", "":
		return ingest.NewMemoryLocker(), nil
	default:
		return nil, fmt.Errorf("knowledgeapp: unsupported lock driver %q", cfg.Lock.Driver)
	}
}

// buildStatusStore shares Redis whenever another component already uses it.
func buildStatusStore(cfg *config.Config, rdb redis.UniversalClient) (ingest.StatusStore, error) {
	if rdb == nil {
		return ingest.NewMemoryStatusStore(), nil
	}
	return ingest.NewRedisStatusStore(rdb, cfg.Store.KeyPrefix, statusTTL)
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Store.Driver == chunkstore.DriverRedis ||
		cfg.Lock.Driver == "redis" ||
		cfg.Source.Driver == "redis"
}

func redisConfig(cfg *config.Config) *cache.Config {
	return &cache.Config{
		Mode:     cfg.Redis.Mode,
		URL:      cfg.Redis.URL.Value(),
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Value(),
		DB:       cfg.Redis.DB,
	}
}
