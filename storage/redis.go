package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig Redis 后端配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 默认缓存过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		DefaultTTL:   5 * time.Minute,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "agenthub:",
	}
}

// RedisBackend 是基于 Redis 的辅助后端，提供键值存储与
// 带标签失效的建议性缓存。缓存永远不是事实来源。
type RedisBackend struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisBackend 创建 Redis 后端并验证连接。
func NewRedisBackend(config RedisConfig, logger *zap.Logger) (*RedisBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "agenthub:"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis backend initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return &RedisBackend{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "storage_redis")),
	}, nil
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Capabilities() Capabilities {
	return Capabilities{}
}

// dataKey 返回 (collection, key) 的 Redis 键。
func (b *RedisBackend) dataKey(collection, key string) string {
	return b.config.KeyPrefix + "data:" + collection + ":" + key
}

// cacheKey 返回缓存条目的 Redis 键。
func (b *RedisBackend) cacheKey(key string) string {
	return b.config.KeyPrefix + "cache:" + key
}

// tagKey 返回标签集合的 Redis 键。
func (b *RedisBackend) tagKey(tag string) string {
	return b.config.KeyPrefix + "tag:" + tag
}

func (b *RedisBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	if collection == "" || key == "" {
		return ErrInvalidInput
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	if err := b.client.Set(ctx, b.dataKey(collection, key), value, 0).Err(); err != nil {
		b.logger.Error("put failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis put failed: %w", err)
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	value, err := b.client.Get(ctx, b.dataKey(collection, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return value, nil
}

func (b *RedisBackend) Query(ctx context.Context, collection string, filter Filter) ([]KV, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	prefix := b.config.KeyPrefix + "data:" + collection + ":"
	match := prefix + filter.KeyPrefix + "*"

	var keys []string
	iter := b.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	sort.Strings(keys)

	results := make([]KV, 0, len(keys))
	for _, k := range keys {
		value, err := b.client.Get(ctx, k).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis query get failed: %w", err)
		}
		if filter.Contains != "" && !bytes.Contains(value, []byte(filter.Contains)) {
			continue
		}
		results = append(results, KV{Key: k[len(prefix):], Value: value})
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

func (b *RedisBackend) Delete(ctx context.Context, collection, key string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Del(ctx, b.dataKey(collection, key)).Err()
}

// CacheGet 实现 CacheBackend.CacheGet。
func (b *RedisBackend) CacheGet(ctx context.Context, key string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	value, err := b.client.Get(ctx, b.cacheKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache get failed: %w", err)
	}
	return value, nil
}

// CacheSet 实现 CacheBackend.CacheSet。
// 标签集合的生命周期比条目本身长一些，保证失效时能找到过期条目。
func (b *RedisBackend) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = b.config.DefaultTTL
	}

	ck := b.cacheKey(key)
	pipe := b.client.Pipeline()
	pipe.Set(ctx, ck, value, ttl)
	for _, tag := range tags {
		tk := b.tagKey(tag)
		pipe.SAdd(ctx, tk, ck)
		pipe.Expire(ctx, tk, ttl*4)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis cache set failed: %w", err)
	}
	return nil
}

// InvalidateTags 实现 CacheBackend.InvalidateTags。
func (b *RedisBackend) InvalidateTags(ctx context.Context, tags []string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	for _, tag := range tags {
		tk := b.tagKey(tag)
		members, err := b.client.SMembers(ctx, tk).Result()
		if err != nil {
			return fmt.Errorf("redis tag lookup failed: %w", err)
		}
		if len(members) > 0 {
			if err := b.client.Del(ctx, members...).Err(); err != nil {
				return fmt.Errorf("redis tag invalidation failed: %w", err)
			}
		}
		if err := b.client.Del(ctx, tk).Err(); err != nil {
			return fmt.Errorf("redis tag cleanup failed: %w", err)
		}
	}
	return nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}
