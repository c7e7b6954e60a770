package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store is a key/value store with optional expiry. A ttl of zero keeps the
// value until it is deleted.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects a backend.
type Config struct {
	Driver    string `yaml:"driver"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Open builds the configured backend. An empty driver selects memory.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverRedis:
		return OpenRedis(ctx, cfg.RedisURL, cfg.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
