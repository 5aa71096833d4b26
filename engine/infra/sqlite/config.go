package sqlite

import "time"

// Config captures SQLite connection settings.
type Config struct {
	// Path is the database file or ":memory:".
	Path string

	// MaxOpenConns defaults to 1 so writers serialize through one connection.
	MaxOpenConns int

	// BusyTimeout configures PRAGMA busy_timeout.
	BusyTimeout time.Duration
}
