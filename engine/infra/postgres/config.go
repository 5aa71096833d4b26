package postgres

import "time"

// Config holds PostgreSQL connection settings for the driver.
// DSN is required; pool sizing falls back to package defaults.
type Config struct {
	DSN string

	MaxConns int32
	MinConns int32

	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
	PingTimeout       time.Duration
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
}
