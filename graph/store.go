package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agenthub/internal/keylock"
	"github.com/BaSui01/agenthub/storage"
	"github.com/BaSui01/agenthub/types"
)

const (
	collectionEntities  = "entities"
	collectionRelations = "relations"
)

// Store is the storage surface the knowledge graph requires.
// *storage.Adapter satisfies it.
type Store interface {
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Query(ctx context.Context, collection string, filter storage.Filter) ([]storage.KV, error)
	Delete(ctx context.Context, collection, key string) error
	Cache() storage.CacheBackend
	Search() storage.SearchBackend
}

// Config 知识图谱配置
type Config struct {
	// 检索结果缓存的 TTL
	SearchCacheTTL time.Duration `yaml:"search_cache_ttl" json:"search_cache_ttl"`

	// 检索默认返回条数上限
	DefaultSearchLimit int `yaml:"default_search_limit" json:"default_search_limit"`

	// Now 用于测试。默认 time.Now。
	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认图谱配置
func DefaultConfig() Config {
	return Config{
		SearchCacheTTL:     30 * time.Second,
		DefaultSearchLimit: 20,
	}
}

// UpsertResult reports which entities were newly created vs merged.
type UpsertResult struct {
	Created []string `json:"created"`
	Merged  []string `json:"merged"`
}

// Snapshot is the full entity and relation sets. Intended for bounded-size
// graphs; callers needing pagination must layer it externally.
type Snapshot struct {
	Entities  []types.Entity   `json:"entities"`
	Relations []types.Relation `json:"relations"`
}

// SearchResult 是一条带排名依据的检索命中。
type SearchResult struct {
	Entity types.Entity `json:"entity"`
	Score  float64      `json:"score,omitempty"`
}

// KnowledgeGraph 是建立在存储适配器之上的共享知识图谱。
type KnowledgeGraph struct {
	store  Store
	config Config
	locks  *keylock.KeyLock
	now    func() time.Time
	group  singleflight.Group
	logger *zap.Logger
}

// New 创建知识图谱存储。
func New(store Store, config Config, logger *zap.Logger) *KnowledgeGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SearchCacheTTL <= 0 {
		config.SearchCacheTTL = DefaultConfig().SearchCacheTTL
	}
	if config.DefaultSearchLimit <= 0 {
		config.DefaultSearchLimit = DefaultConfig().DefaultSearchLimit
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &KnowledgeGraph{
		store:  store,
		config: config,
		locks:  keylock.New(128),
		now:    now,
		logger: logger.With(zap.String("component", "knowledge_graph")),
	}
}

// CreateEntities 按名称 upsert 一批实体。
// 已存在的实体扩展其观察序列（去重）而非替换，返回实际创建与合并的名称集合。
func (g *KnowledgeGraph) CreateEntities(ctx context.Context, entities []types.Entity) (*UpsertResult, error) {
	if len(entities) == 0 {
		return nil, types.NewError(types.ErrInvalidArgument, "entities must not be empty")
	}

	result := &UpsertResult{}
	touched := make([]string, 0, len(entities))

	for _, in := range entities {
		if in.Name == "" {
			return nil, types.NewError(types.ErrInvalidArgument, "entity name is required")
		}
		if in.EntityType == "" {
			return nil, types.NewError(types.ErrInvalidArgument, "entity type is required").
				WithKey("entity", in.Name)
		}

		var created bool
		err := g.locks.WithLock(in.Name, func() error {
			existing, err := g.getEntity(ctx, in.Name)
			if err != nil && !types.IsCode(err, types.ErrNotFound) {
				return err
			}

			now := g.now()
			if existing == nil {
				entity := types.Entity{
					Name:         in.Name,
					EntityType:   in.EntityType,
					Observations: dedupe(nil, in.Observations),
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				created = true
				return g.putEntity(ctx, &entity)
			}

			if existing.EntityType != in.EntityType {
				return types.NewError(types.ErrConflict, "entity exists with a different type").
					WithKey("entity", in.Name).
					WithKey("existing_type", existing.EntityType).
					WithKey("requested_type", in.EntityType)
			}

			existing.Observations = dedupe(existing.Observations, in.Observations)
			existing.UpdatedAt = now
			return g.putEntity(ctx, existing)
		})
		if err != nil {
			return nil, err
		}

		if created {
			result.Created = append(result.Created, in.Name)
		} else {
			result.Merged = append(result.Merged, in.Name)
		}
		touched = append(touched, in.Name)
	}

	g.invalidate(ctx, touched)
	return result, nil
}

// AddObservations 向已有实体追加观察；实体不存在时返回 NOT_FOUND。
// 重复的观察字符串幂等。
func (g *KnowledgeGraph) AddObservations(ctx context.Context, entityName string, observations []string) error {
	if entityName == "" {
		return types.NewError(types.ErrInvalidArgument, "entity name is required")
	}
	if len(observations) == 0 {
		return types.NewError(types.ErrInvalidArgument, "observations must not be empty").
			WithKey("entity", entityName)
	}

	err := g.locks.WithLock(entityName, func() error {
		entity, err := g.getEntity(ctx, entityName)
		if err != nil {
			return err
		}
		entity.Observations = dedupe(entity.Observations, observations)
		entity.UpdatedAt = g.now()
		return g.putEntity(ctx, entity)
	})
	if err != nil {
		return err
	}

	g.invalidate(ctx, []string{entityName})
	return nil
}

// CreateRelations 创建一批关系。端点缺失返回 DANGLING_REFERENCE；
// 重复三元组是空操作。
func (g *KnowledgeGraph) CreateRelations(ctx context.Context, relations []types.Relation) error {
	if len(relations) == 0 {
		return types.NewError(types.ErrInvalidArgument, "relations must not be empty")
	}

	touched := make([]string, 0, len(relations)*2)

	for _, rel := range relations {
		if rel.From == "" || rel.To == "" || rel.RelationType == "" {
			return types.NewError(types.ErrInvalidArgument, "relation from, to and type are required")
		}

		// 端点必须已存在；弱引用，不自动创建
		for _, endpoint := range []string{rel.From, rel.To} {
			if _, err := g.getEntity(ctx, endpoint); err != nil {
				if types.IsCode(err, types.ErrNotFound) {
					return types.NewError(types.ErrDanglingReference, "relation endpoint does not exist").
						WithKey("entity", endpoint).
						WithKey("from", rel.From).
						WithKey("to", rel.To)
				}
				return err
			}
		}

		key := rel.Key()
		_, err := g.store.Get(ctx, collectionRelations, key)
		if err == nil {
			// 重复三元组：幂等空操作
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		rel.CreatedAt = g.now()
		data, merr := json.Marshal(&rel)
		if merr != nil {
			return fmt.Errorf("marshal relation: %w", merr)
		}
		if err := g.store.Put(ctx, collectionRelations, key, data); err != nil {
			return err
		}
		touched = append(touched, rel.From, rel.To)
	}

	g.invalidate(ctx, touched)
	return nil
}

// SearchEntities 检索实体。主存储可用时执行子串/关键词匹配；
// 语义后端健康时合并相似度检索结果。结果按名称去重，
// 按（语义分数，否则时间新近度）降序排序，同分按名称升序保证确定性。
func (g *KnowledgeGraph) SearchEntities(ctx context.Context, query string, entityTypes []string, limit int) ([]SearchResult, error) {
	if query == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "query is required")
	}
	if limit <= 0 {
		limit = g.config.DefaultSearchLimit
	}

	cacheKey := searchCacheKey(query, entityTypes, limit)
	if cached := g.cachedSearch(ctx, cacheKey); cached != nil {
		return cached, nil
	}

	// singleflight 合并并发的相同检索
	v, err, _ := g.group.Do(cacheKey, func() (any, error) {
		return g.searchUncached(ctx, query, entityTypes, limit, cacheKey)
	})
	if err != nil {
		return nil, err
	}
	return v.([]SearchResult), nil
}

func (g *KnowledgeGraph) searchUncached(ctx context.Context, query string, entityTypes []string, limit int, cacheKey string) ([]SearchResult, error) {
	typeSet := make(map[string]bool, len(entityTypes))
	for _, t := range entityTypes {
		typeSet[t] = true
	}

	// 关键词路径：全量扫描主存储，大小写不敏感的匹配统一在
	// matchesKeyword 里做，不依赖各后端子串语义的差异
	kvs, err := g.store.Query(ctx, collectionEntities, storage.Filter{})
	if err != nil {
		return nil, err
	}

	results := make(map[string]*SearchResult, len(kvs))
	for _, kv := range kvs {
		var entity types.Entity
		if uerr := json.Unmarshal(kv.Value, &entity); uerr != nil {
			continue
		}
		if !matchesKeyword(&entity, query) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[entity.EntityType] {
			continue
		}
		results[entity.Name] = &SearchResult{Entity: entity}
	}

	// 语义路径：后端健康时合并，失败只降级不报错
	if sb := g.store.Search(); sb != nil {
		hits, serr := sb.Search(ctx, collectionEntities, query, limit*2)
		if serr != nil {
			g.logger.Warn("semantic search degraded", zap.Error(serr))
		} else {
			for _, hit := range hits {
				entity, eerr := g.getEntity(ctx, hit.Key)
				if eerr != nil {
					continue
				}
				if len(typeSet) > 0 && !typeSet[entity.EntityType] {
					continue
				}
				if existing, ok := results[entity.Name]; ok {
					existing.Score = hit.Score
				} else {
					results[entity.Name] = &SearchResult{Entity: *entity, Score: hit.Score}
				}
			}
		}
	}

	ranked := rankResults(results, limit)
	g.cacheSearch(ctx, cacheKey, ranked)
	return ranked, nil
}

// ReadGraph 返回完整的实体与关系集合。
func (g *KnowledgeGraph) ReadGraph(ctx context.Context) (*Snapshot, error) {
	entityKVs, err := g.store.Query(ctx, collectionEntities, storage.Filter{})
	if err != nil {
		return nil, err
	}
	relationKVs, err := g.store.Query(ctx, collectionRelations, storage.Filter{})
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Entities:  make([]types.Entity, 0, len(entityKVs)),
		Relations: make([]types.Relation, 0, len(relationKVs)),
	}
	for _, kv := range entityKVs {
		var entity types.Entity
		if uerr := json.Unmarshal(kv.Value, &entity); uerr != nil {
			g.logger.Warn("skipping undecodable entity", zap.String("key", kv.Key), zap.Error(uerr))
			continue
		}
		snapshot.Entities = append(snapshot.Entities, entity)
	}
	for _, kv := range relationKVs {
		var rel types.Relation
		if uerr := json.Unmarshal(kv.Value, &rel); uerr != nil {
			g.logger.Warn("skipping undecodable relation", zap.String("key", kv.Key), zap.Error(uerr))
			continue
		}
		snapshot.Relations = append(snapshot.Relations, rel)
	}
	return snapshot, nil
}

// RecordAudit 把一条审计记录落入图谱：实体不存在时创建，
// 已存在时追加观察。供共识与调度组件留痕使用。
func (g *KnowledgeGraph) RecordAudit(ctx context.Context, entityName, entityType string, observations []string) error {
	_, err := g.CreateEntities(ctx, []types.Entity{{
		Name:         entityName,
		EntityType:   entityType,
		Observations: observations,
	}})
	return err
}

// GetEntity 按名称读取单个实体。
func (g *KnowledgeGraph) GetEntity(ctx context.Context, name string) (*types.Entity, error) {
	if name == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "entity name is required")
	}
	return g.getEntity(ctx, name)
}

func (g *KnowledgeGraph) getEntity(ctx context.Context, name string) (*types.Entity, error) {
	data, err := g.store.Get(ctx, collectionEntities, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.NewError(types.ErrNotFound, "entity not found").WithKey("entity", name)
	}
	if err != nil {
		return nil, err
	}
	var entity types.Entity
	if uerr := json.Unmarshal(data, &entity); uerr != nil {
		return nil, fmt.Errorf("unmarshal entity %q: %w", name, uerr)
	}
	return &entity, nil
}

func (g *KnowledgeGraph) putEntity(ctx context.Context, entity *types.Entity) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity %q: %w", entity.Name, err)
	}
	return g.store.Put(ctx, collectionEntities, entity.Name, data)
}

// invalidate 按受影响实体名的标签失效检索缓存。缓存失败只记日志。
func (g *KnowledgeGraph) invalidate(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	cache := g.store.Cache()
	if cache == nil {
		return
	}
	tags := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		tags = append(tags, entityTag(n))
	}
	if err := cache.InvalidateTags(ctx, tags); err != nil {
		g.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}

func (g *KnowledgeGraph) cachedSearch(ctx context.Context, cacheKey string) []SearchResult {
	cache := g.store.Cache()
	if cache == nil {
		return nil
	}
	data, err := cache.CacheGet(ctx, cacheKey)
	if err != nil {
		return nil
	}
	var results []SearchResult
	if uerr := json.Unmarshal(data, &results); uerr != nil {
		return nil
	}
	return results
}

func (g *KnowledgeGraph) cacheSearch(ctx context.Context, cacheKey string, results []SearchResult) {
	cache := g.store.Cache()
	if cache == nil {
		return
	}
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	tags := make([]string, 0, len(results))
	for _, r := range results {
		tags = append(tags, entityTag(r.Entity.Name))
	}
	if cerr := cache.CacheSet(ctx, cacheKey, data, g.config.SearchCacheTTL, tags); cerr != nil {
		g.logger.Warn("search cache write failed", zap.Error(cerr))
	}
}

func entityTag(name string) string {
	return "ent:" + name
}

// searchCacheKey 由 (query, entityTypes, limit) 生成稳定缓存键。
func searchCacheKey(query string, entityTypes []string, limit int) string {
	sorted := append([]string(nil), entityTypes...)
	sort.Strings(sorted)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", query, strings.Join(sorted, ","), limit)
	return "graph:search:" + hex.EncodeToString(h.Sum(nil)[:16])
}

// matchesKeyword 判断实体的名称、类型或观察是否包含查询子串（大小写不敏感）。
func matchesKeyword(entity *types.Entity, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(entity.Name), q) {
		return true
	}
	if strings.Contains(strings.ToLower(entity.EntityType), q) {
		return true
	}
	for _, obs := range entity.Observations {
		if strings.Contains(strings.ToLower(obs), q) {
			return true
		}
	}
	return false
}

// rankResults 按（语义分数，否则新近度）降序排序，同分按名称升序。
func rankResults(results map[string]*SearchResult, limit int) []SearchResult {
	ranked := make([]SearchResult, 0, len(results))
	for _, r := range results {
		ranked = append(ranked, *r)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		aScored, bScored := a.Score > 0, b.Score > 0
		switch {
		case aScored && bScored:
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		case aScored:
			return true
		case bScored:
			return false
		default:
			if !a.Entity.UpdatedAt.Equal(b.Entity.UpdatedAt) {
				return a.Entity.UpdatedAt.After(b.Entity.UpdatedAt)
			}
		}
		return a.Entity.Name < b.Entity.Name
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// dedupe 将新观察合并进已有序列，保持顺序并去重。
func dedupe(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range incoming {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
