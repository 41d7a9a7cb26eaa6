package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryBackend 是基于内存的后端实现。
// 适合开发和测试。数据在重新启动时丢失，但在进程内视为 Durable 主存储。
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	closed      bool
	logger      *zap.Logger
}

// NewMemoryBackend 创建内存后端。
func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBackend{
		collections: make(map[string]map[string][]byte),
		logger:      logger.With(zap.String("component", "storage_memory")),
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Capabilities() Capabilities {
	return Capabilities{Durable: true, GraphCapable: true}
}

func (b *MemoryBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if collection == "" || key == "" {
		return ErrInvalidInput
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStoreClosed
	}

	coll, ok := b.collections[collection]
	if !ok {
		coll = make(map[string][]byte)
		b.collections[collection] = coll
	}
	// 存储副本，避免调用方后续修改穿透
	coll[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStoreClosed
	}

	coll, ok := b.collections[collection]
	if !ok {
		return nil, ErrNotFound
	}
	value, ok := coll[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MemoryBackend) Query(ctx context.Context, collection string, filter Filter) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStoreClosed
	}

	coll := b.collections[collection]
	keys := make([]string, 0, len(coll))
	for k := range coll {
		if filter.KeyPrefix != "" && !hasPrefix(k, filter.KeyPrefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]KV, 0, len(keys))
	for _, k := range keys {
		v := coll[k]
		if filter.Contains != "" && !bytes.Contains(v, []byte(filter.Contains)) {
			continue
		}
		results = append(results, KV{Key: k, Value: append([]byte(nil), v...)})
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStoreClosed
	}

	if coll, ok := b.collections[collection]; ok {
		delete(coll, key)
	}
	return nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return ctx.Err()
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.collections = nil
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
