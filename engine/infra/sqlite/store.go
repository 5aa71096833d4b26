package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aikb/aikb/pkg/logger"
	msqlite "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// LowerFunc names a scalar function folding text with Unicode case rules.
// The built-in lower() only folds ASCII.
const LowerFunc = "go_lower"

var (
	registerOnce sync.Once
	registerErr  error
)

// registerFunctions installs the Go scalar functions for every connection
// opened afterwards.
func registerFunctions() error {
	registerOnce.Do(func() {
		registerErr = msqlite.RegisterDeterministicScalarFunction(LowerFunc, 1, goLower)
	})
	return registerErr
}

func goLower(_ *msqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// Store owns a database/sql handle on a SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens the database and verifies the connection.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("sqlite: config is required")
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	if err := registerFunctions(); err != nil {
		return nil, fmt.Errorf("sqlite: register functions: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}
	logger.FromContext(ctx).Info("SQLite store opened", "path", cfg.Path)
	return &Store{db: db, path: cfg.Path}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	logger.FromContext(ctx).Debug("SQLite store closed", "path", s.path)
	return nil
}

// buildDSN produces a modernc DSN carrying WAL, foreign key and busy timeout pragmas.
func buildDSN(cfg *Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("sqlite: path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	params.Add("_pragma", "foreign_keys(ON)")
	if path == ":memory:" {
		params.Set("cache", "shared")
		return "file::memory:?" + params.Encode(), nil
	}
	params.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + params.Encode(), nil
}
