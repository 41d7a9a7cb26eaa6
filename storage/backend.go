// Package storage provides the uniform backend contract over heterogeneous
// stores (durable primary, cache, graph, semantic search) and the composite
// Adapter that degrades gracefully when auxiliary backends fail.
//
// Supported backends:
// - Memory: for development and testing (default)
// - SQLite: durable single-node primary
// - Mongo: durable primary for distributed deployments
// - Redis: cache auxiliary with TTL and tag-based invalidation
// - Vector: in-memory semantic search auxiliary
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("storage: key not found")
	ErrCacheMiss    = errors.New("storage: cache miss")
	ErrStoreClosed  = errors.New("storage: store is closed")
	ErrInvalidInput = errors.New("storage: invalid input")
)

// Capabilities 描述一个后端实例的能力标志。
// Adapter 按能力组合后端，而不是按具体类型。
type Capabilities struct {
	// Durable 表示写入在进程退出后仍然可见。主存储必须为 Durable。
	Durable bool `json:"durable"`
	// Searchable 表示后端支持相似度检索。
	Searchable bool `json:"searchable"`
	// GraphCapable 表示后端适合存放图结构数据。
	GraphCapable bool `json:"graph_capable"`
}

// KV is a stored key/value pair. Values are JSON documents owned by the
// calling component; backends treat them as opaque bytes.
type KV struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Filter selects records within a collection. Results are always returned
// in ascending key order so callers can rely on deterministic iteration.
type Filter struct {
	// KeyPrefix restricts results to keys with this prefix.
	KeyPrefix string

	// Contains restricts results to values containing this byte substring.
	// Empty means no content filter.
	Contains string

	// Limit caps the number of results. Zero means unlimited.
	Limit int
}

// Backend is the contract every storage provider implements.
type Backend interface {
	// Name returns a stable identifier for logs and health reporting.
	Name() string

	// Capabilities returns the backend's capability flags.
	Capabilities() Capabilities

	// Put stores value under (collection, key), overwriting any previous value.
	Put(ctx context.Context, collection, key string, value []byte) error

	// Get returns the value under (collection, key), or ErrNotFound.
	Get(ctx context.Context, collection, key string) ([]byte, error)

	// Query returns records matching filter in ascending key order.
	Query(ctx context.Context, collection string, filter Filter) ([]KV, error)

	// Delete removes (collection, key). Deleting an absent key is a no-op.
	Delete(ctx context.Context, collection, key string) error

	// Ping checks if the backend is healthy.
	Ping(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// CacheBackend 是缓存能力的扩展接口。缓存只是建议性的，永远不是
// 事实来源；每个缓存条目缺失时系统必须仍然正确（只是更慢）。
type CacheBackend interface {
	// CacheGet returns the cached value or ErrCacheMiss.
	CacheGet(ctx context.Context, key string) ([]byte, error)

	// CacheSet stores value with a TTL and an advisory tag set used for
	// invalidation.
	CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error

	// InvalidateTags drops every cache entry carrying any of the given tags.
	InvalidateTags(ctx context.Context, tags []string) error
}

// ScoredKey is a semantic search hit.
type ScoredKey struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// SearchBackend 是相似度检索能力的扩展接口。
type SearchBackend interface {
	// Index makes text retrievable under (collection, key).
	Index(ctx context.Context, collection, key, text string) error

	// Search returns up to limit keys ranked by similarity to query,
	// score descending.
	Search(ctx context.Context, collection, query string, limit int) ([]ScoredKey, error)

	// Remove drops (collection, key) from the index. Absent keys are a no-op.
	Remove(ctx context.Context, collection, key string) error
}
