package storage

import (
	"bytes"
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// VectorConfig 向量后端配置
type VectorConfig struct {
	// 向量维度（特征哈希桶数量）
	Dimension int `yaml:"dimension" json:"dimension"`

	// Now 用于测试。默认 time.Now。
	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultVectorConfig 返回默认向量配置
func DefaultVectorConfig() VectorConfig {
	return VectorConfig{Dimension: 256}
}

type vectorEntry struct {
	vector    []float64
	value     []byte
	indexedAt time.Time
}

// VectorBackend 是基于内存的语义检索辅助后端。
// 通过确定性的特征哈希把文本映射为定长向量，用余弦相似度排序。
// 它只是建议性的检索加速层；主存储不可用时系统退化为子串匹配。
type VectorBackend struct {
	mu        sync.RWMutex
	items     map[string]map[string]vectorEntry // collection -> key -> entry
	dimension int
	now       func() time.Time
	closed    bool
	logger    *zap.Logger
}

// NewVectorBackend 创建向量后端。
func NewVectorBackend(config VectorConfig, logger *zap.Logger) *VectorBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Dimension <= 0 {
		config.Dimension = 256
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &VectorBackend{
		items:     make(map[string]map[string]vectorEntry),
		dimension: config.Dimension,
		now:       now,
		logger:    logger.With(zap.String("component", "storage_vector")),
	}
}

func (b *VectorBackend) Name() string { return "vector" }

func (b *VectorBackend) Capabilities() Capabilities {
	return Capabilities{Searchable: true}
}

func (b *VectorBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	// 写入同时作为索引文本，保证检索层跟随主存储写入
	return b.index(ctx, collection, key, string(value), value)
}

func (b *VectorBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStoreClosed
	}
	entry, ok := b.items[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (b *VectorBackend) Query(ctx context.Context, collection string, filter Filter) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0, len(b.items[collection]))
	for k := range b.items[collection] {
		if filter.KeyPrefix != "" && !strings.HasPrefix(k, filter.KeyPrefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]KV, 0, len(keys))
	for _, k := range keys {
		v := b.items[collection][k].value
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

func (b *VectorBackend) Delete(ctx context.Context, collection, key string) error {
	return b.Remove(ctx, collection, key)
}

func (b *VectorBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return ctx.Err()
}

func (b *VectorBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.items = nil
	return nil
}

// Index 实现 SearchBackend.Index。
func (b *VectorBackend) Index(ctx context.Context, collection, key, text string) error {
	return b.index(ctx, collection, key, text, []byte(text))
}

func (b *VectorBackend) index(ctx context.Context, collection, key, text string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if collection == "" || key == "" {
		return ErrInvalidInput
	}

	vec := b.embed(text)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStoreClosed
	}
	coll, ok := b.items[collection]
	if !ok {
		coll = make(map[string]vectorEntry)
		b.items[collection] = coll
	}
	coll[key] = vectorEntry{
		vector:    vec,
		value:     append([]byte(nil), value...),
		indexedAt: b.now(),
	}
	return nil
}

// Search 实现 SearchBackend.Search。
func (b *VectorBackend) Search(ctx context.Context, collection, query string, limit int) ([]ScoredKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qv := b.embed(query)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStoreClosed
	}

	hits := make([]ScoredKey, 0, len(b.items[collection]))
	for k, entry := range b.items[collection] {
		score := cosine(qv, entry.vector)
		if score <= 0 {
			continue
		}
		hits = append(hits, ScoredKey{Key: k, Score: score})
	}

	// 分数降序，同分按键名升序保证确定性
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Remove 实现 SearchBackend.Remove。
func (b *VectorBackend) Remove(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStoreClosed
	}
	if coll, ok := b.items[collection]; ok {
		delete(coll, key)
	}
	return nil
}

// embed 用特征哈希把文本映射为定长归一化向量。
func (b *VectorBackend) embed(text string) []float64 {
	vec := make([]float64, b.dimension)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%b.dimension]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}
