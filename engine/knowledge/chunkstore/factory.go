package chunkstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/aikb/aikb/engine/infra/postgres"
	"github.com/aikb/aikb/engine/infra/sqlite"
	"github.com/aikb/aikb/pkg/logger"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPGVector = "pgvector"
)

// Config selects and configures a chunk store backend.
type Config struct {
	Driver      string
	Dimension   int
	Table       string
	KeyPrefix   string
	EnsureIndex bool
	IndexLists  int

	// Redis must be set for DriverRedis. The caller owns the client.
	Redis    redis.UniversalClient
	Postgres *postgres.Config
	SQLite   *sqlite.Config
}

// New builds the configured backend wrapped with metrics. Schema creation is
// deferred to the first call.
func New(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, errors.New("chunkstore: config is required")
	}
	store, err := build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Chunk store ready", "driver", cfg.Driver, "dimension", cfg.Dimension)
	return Instrument(store, cfg.Driver), nil
}

func build(ctx context.Context, cfg *Config) (Store, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewDocumentStore(NewMemoryCollection())
	case DriverRedis:
		if cfg.Redis == nil {
			return nil, errors.New("chunkstore: redis driver requires a client")
		}
		coll, err := NewRedisCollection(cfg.Redis, cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		return NewDocumentStore(coll)
	case DriverSQLite:
		return buildSQLite(ctx, cfg)
	case DriverPGVector:
		return buildPGVector(ctx, cfg)
	default:
		return nil, fmt.Errorf("chunkstore: unknown driver %q", cfg.Driver)
	}
}

func buildSQLite(ctx context.Context, cfg *Config) (Store, error) {
	if cfg.SQLite == nil {
		return nil, errors.New("chunkstore: sqlite driver requires sqlite config")
	}
	db, err := sqlite.NewStore(ctx, cfg.SQLite)
	if err != nil {
		return nil, err
	}
	coll, err := NewSQLiteCollection(db.DB(), cfg.Table)
	if err != nil {
		_ = db.Close(ctx)
		return nil, err
	}
	return NewDocumentStore(&ownedCollection{Collection: coll, close: db.Close})
}

func buildPGVector(ctx context.Context, cfg *Config) (Store, error) {
	if cfg.Postgres == nil {
		return nil, errors.New("chunkstore: pgvector driver requires postgres config")
	}
	pg, err := postgres.NewStore(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	index, err := NewPGVectorIndex(pg.DB(), PGVectorOptions{
		Table:       cfg.Table,
		EnsureIndex: cfg.EnsureIndex,
		IndexLists:  cfg.IndexLists,
		OnClose:     pg.Close,
	})
	if err != nil {
		_ = pg.Close(ctx)
		return nil, err
	}
	store, err := NewVectorIndexStore(index, cfg.Dimension)
	if err != nil {
		_ = pg.Close(ctx)
		return nil, err
	}
	return store, nil
}

// ownedCollection closes the underlying connection with the collection.
type ownedCollection struct {
	Collection
	close func(context.Context) error
}

func (c *ownedCollection) Close(ctx context.Context) error {
	return errors.Join(c.Collection.Close(ctx), c.close(ctx))
}
