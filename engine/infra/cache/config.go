package cache

import "time"

const (
	ModeStandalone = "standalone"
	ModeEmbedded   = "embedded"
)

type Config struct {
	// Mode is ModeStandalone (default) or ModeEmbedded.
	Mode     string
	URL      string
	Addr     string
	Password string
	DB       int
	PoolSize int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}
