package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aikb/aikb/pkg/logger"
)

const fallbackRedisPingTimeout = 10 * time.Second

// Redis owns a go-redis client and, in embedded mode, the in-process server
// behind it.
type Redis struct {
	client   redis.UniversalClient
	embedded *miniredis.Miniredis
	once     sync.Once
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg *Config) (*Redis, error) {
	log := logger.FromContext(ctx).With("component", "infra_redis")
	ctx = logger.ContextWithLogger(ctx, log)
	if cfg == nil {
		return nil, errors.New("redis config is required")
	}
	var embedded *miniredis.Miniredis
	if cfg.Mode == ModeEmbedded {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("starting embedded redis: %w", err)
		}
		embedded = mr
		cfg = &Config{Mode: ModeEmbedded, Addr: mr.Addr(), PingTimeout: cfg.PingTimeout}
	}
	client, err := buildRedisClient(cfg)
	if err != nil {
		if embedded != nil {
			embedded.Close()
		}
		return nil, err
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackRedisPingTimeout
	}
	if err := pingRedis(ctx, client, timeout); err != nil {
		client.Close()
		if embedded != nil {
			embedded.Close()
		}
		return nil, err
	}
	log.With(
		"mode", modeOrDefault(cfg.Mode),
		"addr", cfg.Addr,
		"db", cfg.DB,
	).Info("Redis connection established")
	return &Redis{client: client, embedded: embedded}, nil
}

// buildRedisClient prefers URL over Addr.
func buildRedisClient(cfg *Config) (redis.UniversalClient, error) {
	var opt *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		opt = parsed
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis address is required")
		}
		opt = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	applyConfigToOptions(opt, cfg)
	return redis.NewClient(opt), nil
}

func applyConfigToOptions(opt *redis.Options, cfg *Config) {
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opt.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opt.WriteTimeout = cfg.WriteTimeout
	}
}

// pingRedis validates connectivity within the configured timeout.
func pingRedis(ctx context.Context, client redis.UniversalClient, timeout time.Duration) error {
	pingCtx, pingCancel := context.WithTimeout(ctx, timeout)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	return nil
}

func modeOrDefault(mode string) string {
	if mode == "" {
		return ModeStandalone
	}
	return mode
}

// Client returns the underlying client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// Close shuts down the client and the embedded server. Safe to call twice.
func (r *Redis) Close(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.client.Close()
		if r.embedded != nil {
			r.embedded.Close()
		}
		if err != nil {
			logger.FromContext(ctx).Error("Redis connection close failed", "error", err)
			return
		}
		logger.FromContext(ctx).Debug("Redis connection closed")
	})
	return err
}
