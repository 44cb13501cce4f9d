package cache

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/l0p7/carbonbadge/internal/config"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Open constructs the store selected by cfg.Backend and reports the backend
// name actually used. An empty backend selects memory.
func Open(cfg config.ServerCacheConfig, logger *slog.Logger) (Store, string, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", BackendMemory:
		return NewMemory(cfg.MaxEntries), BackendMemory, nil
	case BackendRedis:
		store, err := NewRedis(RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		return store, backend, err
	case BackendBadger:
		var badgerLogger *slog.Logger
		if logger != nil {
			badgerLogger = logger.With(slog.String("agent", "badger"))
		}
		store, err := NewBadger(BadgerConfig{
			Path:     cfg.Badger.Path,
			InMemory: cfg.Badger.InMemory,
			Logger:   badgerLogger,
		})
		return store, backend, err
	default:
		return nil, backend, fmt.Errorf("cache: unsupported backend %q", cfg.Backend)
	}
}
