package storage

import (
	"fmt"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
)

// Options selects and configures a store driver.
type Options struct {
	Driver     string // sqlite or redis
	SQLitePath string
	Redis      RedisConfig
}

// Open returns the store for the configured driver.
func Open(opts Options, logger *observability.Logger) (domain.KVStore, error) {
	switch opts.Driver {
	case "", "sqlite":
		return NewSQLiteStore(opts.SQLitePath, logger), nil
	case "redis":
		store, err := NewRedisStore(opts.Redis, logger)
		if err != nil {
			return nil, domain.ConfigError("redis store unavailable", err)
		}
		return store, nil
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown storage driver %q", opts.Driver), nil)
	}
}
