package persistence

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/database"
)

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Host is the Redis server host
	Host string `json:"host" yaml:"host"`

	// Port is the Redis server port
	Port int `json:"port" yaml:"port"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "agentmesh:",
		},
	}
}

// NewStore creates a Store based on the configuration. pool is required for
// the database backend and ignored otherwise.
func NewStore(config StoreConfig, pool *database.PoolManager, logger *zap.Logger) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeDatabase:
		if pool == nil {
			return nil, fmt.Errorf("database store requires a connection pool")
		}
		return NewGormStore(pool, logger), nil
	case StoreTypeRedis:
		return NewRedisStore(config.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// MustNewStore creates a new Store or panics on error.
//
// WARNING: This function should ONLY be used during application initialization
// (e.g., in main() or init()). For runtime store creation, use NewStore instead.
func MustNewStore(config StoreConfig, pool *database.PoolManager, logger *zap.Logger) Store {
	store, err := NewStore(config, pool, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create store: %v", err))
	}
	return store
}

// NewStoreOrExit creates a new Store or exits the program on error.
// This is a safer alternative to MustNewStore for CLI applications.
func NewStoreOrExit(config StoreConfig, pool *database.PoolManager, logger *zap.Logger) Store {
	store, err := NewStore(config, pool, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create store: %v\n", err)
		os.Exit(1)
	}
	return store
}
