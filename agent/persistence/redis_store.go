package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed production deployments.
// Entities are JSON strings, indexes are sets, and Update runs as an
// optimistic WATCH/MULTI transaction over every key it reads.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore creates a new Redis-based store and verifies the connection.
func NewRedisStore(config RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, config.KeyPrefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

// Client exposes the underlying client for sinks sharing the connection.
func (s *RedisStore) Client() *redis.Client { return s.client }

// View reads directly from Redis without a transaction.
func (s *RedisStore) View(ctx context.Context, fn func(Tx) error) error {
	src := &redisSource{ctx: ctx, cmd: s.client, prefix: s.keyPrefix}
	return fn(newKVTx(src, true))
}

// Update runs fn with every read key watched and commits its writes in one
// MULTI/EXEC. A concurrent change to a watched key aborts with ErrConflict.
func (s *RedisStore) Update(ctx context.Context, fn func(Tx) error) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		src := &redisSource{ctx: ctx, cmd: rtx, watcher: rtx, prefix: s.keyPrefix}
		tx := newKVTx(src, false)
		if err := fn(tx); err != nil {
			return err
		}
		if tx.empty() {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			tx.flush(&redisWriter{ctx: ctx, pipe: pipe, prefix: s.keyPrefix})
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		s.logger.Warn("optimistic transaction aborted", zap.Error(err))
		return fmt.Errorf("redis transaction: %w", ErrConflict)
	}
	return err
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSource struct {
	ctx     context.Context
	cmd     redis.Cmdable
	watcher *redis.Tx
	prefix  string
}

func (r *redisSource) watch(key string) error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Watch(r.ctx, key).Err()
}

func (r *redisSource) load(key string) ([]byte, error) {
	k := r.prefix + key
	if err := r.watch(k); err != nil {
		return nil, err
	}
	data, err := r.cmd.Get(r.ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (r *redisSource) members(key string) ([]string, error) {
	k := r.prefix + key
	if err := r.watch(k); err != nil {
		return nil, err
	}
	return r.cmd.SMembers(r.ctx, k).Result()
}

func (r *redisSource) nextSeq(name string) (int64, error) {
	return r.cmd.Incr(r.ctx, r.prefix+"seq:"+name).Result()
}

type redisWriter struct {
	ctx    context.Context
	pipe   redis.Pipeliner
	prefix string
}

func (w *redisWriter) put(key string, data []byte) {
	w.pipe.Set(w.ctx, w.prefix+key, data, 0)
}

func (w *redisWriter) sadd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	w.pipe.SAdd(w.ctx, w.prefix+key, toAny(members)...)
}

func (w *redisWriter) srem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	w.pipe.SRem(w.ctx, w.prefix+key, toAny(members)...)
}

func toAny(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
