package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/types"
)

// AdapterConfig 组合适配器配置
type AdapterConfig struct {
	// 失败辅助后端的重探测间隔
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`

	// 后台辅助写入的单次超时
	AuxWriteTimeout time.Duration `yaml:"aux_write_timeout" json:"aux_write_timeout"`
}

// DefaultAdapterConfig 返回默认适配器配置
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		ProbeInterval:   15 * time.Second,
		AuxWriteTimeout: 5 * time.Second,
	}
}

// BackendHealth 是单个后端的健康快照，供外部监控消费。
type BackendHealth struct {
	Name         string       `json:"name"`
	Healthy      bool         `json:"healthy"`
	Primary      bool         `json:"primary"`
	Capabilities Capabilities `json:"capabilities"`
	LastError    string       `json:"last_error,omitempty"`
	LastChecked  time.Time    `json:"last_checked"`
}

// auxState 跟踪一个辅助后端的健康状态，以及该后端上已经落后于
// 主存储的键。停摆期间错过或写失败的键留在 stale 集合里，读取时
// 跳过，直到补写成功才解除。
type auxState struct {
	backend     Backend
	healthy     atomic.Bool
	mu          sync.Mutex
	lastError   string
	lastChecked time.Time

	staleMu sync.Mutex
	stale   map[string]struct{}
}

func (s *auxState) recordFailure(err error) {
	s.healthy.Store(false)
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastChecked = time.Now()
	s.mu.Unlock()
}

func (s *auxState) recordSuccess() {
	s.healthy.Store(true)
	s.mu.Lock()
	s.lastError = ""
	s.lastChecked = time.Now()
	s.mu.Unlock()
}

func (s *auxState) markStale(key string) {
	s.staleMu.Lock()
	s.stale[key] = struct{}{}
	s.staleMu.Unlock()
}

func (s *auxState) clearStale(key string) {
	s.staleMu.Lock()
	delete(s.stale, key)
	s.staleMu.Unlock()
}

func (s *auxState) isStale(key string) bool {
	s.staleMu.Lock()
	_, ok := s.stale[key]
	s.staleMu.Unlock()
	return ok
}

func (s *auxState) staleKeys() []string {
	s.staleMu.Lock()
	keys := make([]string, 0, len(s.stale))
	for k := range s.stale {
		keys = append(keys, k)
	}
	s.staleMu.Unlock()
	return keys
}

// Adapter 把一个持久化主后端与零个或多个辅助后端（缓存、图、语义检索）
// 组合成统一的存储面。每次写入同步落主存储；辅助写入尽力而为，失败只记日志，
// 永不让调用方的请求失败。读取按固定优先级尝试最快的健康后端，最终回落主存储。
// 后台探测循环按固定间隔重试失败的辅助后端，恢复应答后重新启用。
type Adapter struct {
	primary     Backend
	auxiliaries []*auxState
	config      AdapterConfig
	logger      *zap.Logger

	// dirty 记录辅助写入尚未完成的键，读取时跳过辅助层，
	// 保证 read-your-writes。
	dirtyMu sync.Mutex
	dirty   map[string]int

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAdapter 创建组合适配器。主后端必须是 Durable。
func NewAdapter(primary Backend, auxiliaries []Backend, config AdapterConfig, logger *zap.Logger) (*Adapter, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary backend is required")
	}
	if !primary.Capabilities().Durable {
		return nil, fmt.Errorf("primary backend %q must be durable", primary.Name())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultAdapterConfig().ProbeInterval
	}
	if config.AuxWriteTimeout <= 0 {
		config.AuxWriteTimeout = DefaultAdapterConfig().AuxWriteTimeout
	}

	a := &Adapter{
		primary: primary,
		config:  config,
		logger:  logger.With(zap.String("component", "storage_adapter")),
		dirty:   make(map[string]int),
		stopCh:  make(chan struct{}),
	}
	for _, aux := range auxiliaries {
		state := &auxState{backend: aux, stale: make(map[string]struct{})}
		state.healthy.Store(true)
		a.auxiliaries = append(a.auxiliaries, state)
	}

	a.wg.Add(1)
	go a.probeLoop()

	return a, nil
}

// Put 同步写主存储，随后后台尽力写所有健康的辅助后端。
func (a *Adapter) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := a.primary.Put(ctx, collection, key, value); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "primary store write failed").
			WithKey("collection", collection).
			WithKey("key", key).
			WithCause(err)
	}

	a.fanOut(collection, key, func(b Backend, ctx context.Context) error {
		return b.Put(ctx, collection, key, value)
	})
	return nil
}

// Get 按优先级尝试健康的辅助后端，最终回落主存储。
// 落后于主存储的键在对应辅助后端上被跳过，权威数据绝不回到旧值。
func (a *Adapter) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if !a.isDirty(collection, key) {
		dk := a.dirtyKey(collection, key)
		for _, state := range a.auxiliaries {
			if !state.healthy.Load() || state.isStale(dk) {
				continue
			}
			value, err := state.backend.Get(ctx, collection, key)
			if err == nil {
				return value, nil
			}
			if errors.Is(err, ErrNotFound) {
				continue
			}
			state.recordFailure(err)
			a.logger.Warn("auxiliary read failed, degrading",
				zap.String("backend", state.backend.Name()),
				zap.Error(err))
		}
	}

	value, err := a.primary.Get(ctx, collection, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "primary store read failed").
			WithKey("collection", collection).
			WithKey("key", key).
			WithCause(err)
	}
	return value, nil
}

// Query 总是走主存储：辅助副本是尽力而为的，不保证完整。
func (a *Adapter) Query(ctx context.Context, collection string, filter Filter) ([]KV, error) {
	results, err := a.primary.Query(ctx, collection, filter)
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "primary store query failed").
			WithKey("collection", collection).
			WithCause(err)
	}
	return results, nil
}

// Delete 同步删主存储，后台尽力删辅助后端。
func (a *Adapter) Delete(ctx context.Context, collection, key string) error {
	if err := a.primary.Delete(ctx, collection, key); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "primary store delete failed").
			WithKey("collection", collection).
			WithKey("key", key).
			WithCause(err)
	}

	a.fanOut(collection, key, func(b Backend, ctx context.Context) error {
		return b.Delete(ctx, collection, key)
	})
	return nil
}

// Cache 返回第一个健康的缓存能力后端，没有则返回 nil。
// 调用方必须在 nil（缓存全部缺失）时仍然正确工作。
func (a *Adapter) Cache() CacheBackend {
	for _, state := range a.auxiliaries {
		if !state.healthy.Load() {
			continue
		}
		if cb, ok := state.backend.(CacheBackend); ok {
			return cb
		}
	}
	return nil
}

// Search 返回第一个健康的语义检索后端，没有则返回 nil。
func (a *Adapter) Search() SearchBackend {
	for _, state := range a.auxiliaries {
		if !state.healthy.Load() {
			continue
		}
		if sb, ok := state.backend.(SearchBackend); ok {
			return sb
		}
	}
	return nil
}

// Health 返回所有后端的健康快照。
func (a *Adapter) Health(ctx context.Context) []BackendHealth {
	snapshot := make([]BackendHealth, 0, len(a.auxiliaries)+1)

	primaryHealth := BackendHealth{
		Name:         a.primary.Name(),
		Primary:      true,
		Capabilities: a.primary.Capabilities(),
		LastChecked:  time.Now(),
	}
	if err := a.primary.Ping(ctx); err != nil {
		primaryHealth.LastError = err.Error()
	} else {
		primaryHealth.Healthy = true
	}
	snapshot = append(snapshot, primaryHealth)

	for _, state := range a.auxiliaries {
		state.mu.Lock()
		snapshot = append(snapshot, BackendHealth{
			Name:         state.backend.Name(),
			Healthy:      state.healthy.Load(),
			Capabilities: state.backend.Capabilities(),
			LastError:    state.lastError,
			LastChecked:  state.lastChecked,
		})
		state.mu.Unlock()
	}
	return snapshot
}

// SetHealthy 手动标记辅助后端健康状态（运维与测试用）。
func (a *Adapter) SetHealthy(name string, healthy bool) {
	for _, state := range a.auxiliaries {
		if state.backend.Name() == name {
			state.healthy.Store(healthy)
		}
	}
}

// Close 停止后台工作并关闭所有后端。
func (a *Adapter) Close() error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()

	var firstErr error
	for _, state := range a.auxiliaries {
		if err := state.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// fanOut 向所有健康辅助后端发起一次后台尽力写入。
func (a *Adapter) fanOut(collection, key string, op func(Backend, context.Context) error) {
	if len(a.auxiliaries) == 0 {
		return
	}

	a.markDirty(collection, key)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.clearDirty(collection, key)

		ctx, cancel := context.WithTimeout(context.Background(), a.config.AuxWriteTimeout)
		defer cancel()

		dk := a.dirtyKey(collection, key)
		for _, state := range a.auxiliaries {
			if !state.healthy.Load() {
				// 停摆期间错过的写入记为落后键，恢复后由补写清除
				state.markStale(dk)
				continue
			}
			if err := op(state.backend, ctx); err != nil {
				state.recordFailure(err)
				state.markStale(dk)
				a.logger.Warn("auxiliary write failed",
					zap.String("backend", state.backend.Name()),
					zap.String("collection", collection),
					zap.String("key", key),
					zap.Error(err))
				continue
			}
			state.clearStale(dk)
		}
	}()
}

// probeLoop 按固定间隔重探测失败的辅助后端。
func (a *Adapter) probeLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			for _, state := range a.auxiliaries {
				if state.healthy.Load() {
					// 健康后端可能还留有未补写完的落后键
					a.resyncAux(state)
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				err := state.backend.Ping(ctx)
				cancel()
				if err != nil {
					state.recordFailure(err)
					continue
				}
				state.recordSuccess()
				a.logger.Info("auxiliary backend recovered",
					zap.String("backend", state.backend.Name()))
				a.resyncAux(state)
			}
		}
	}
}

// resyncAux 用主存储的当前值补写辅助后端上的落后键。全部补写成功
// 后该后端重新对这些键提供读取；补写再失败时回到不健康状态，键保持
// 落后，等待下一轮探测。
func (a *Adapter) resyncAux(state *auxState) {
	keys := state.staleKeys()
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.config.AuxWriteTimeout)
	defer cancel()

	for _, dk := range keys {
		collection, key, ok := splitDirtyKey(dk)
		if !ok {
			state.clearStale(dk)
			continue
		}
		value, gerr := a.primary.Get(ctx, collection, key)
		var werr error
		switch {
		case errors.Is(gerr, ErrNotFound):
			// 主存储已删除：辅助副本同步删除
			if derr := state.backend.Delete(ctx, collection, key); derr != nil && !errors.Is(derr, ErrNotFound) {
				werr = derr
			}
		case gerr != nil:
			a.logger.Warn("auxiliary resync aborted, primary read failed",
				zap.String("backend", state.backend.Name()), zap.Error(gerr))
			return
		default:
			werr = state.backend.Put(ctx, collection, key, value)
		}
		if werr != nil {
			state.recordFailure(werr)
			a.logger.Warn("auxiliary resync failed",
				zap.String("backend", state.backend.Name()),
				zap.String("collection", collection),
				zap.String("key", key),
				zap.Error(werr))
			return
		}
		state.clearStale(dk)
	}
	a.logger.Info("auxiliary backend resynced",
		zap.String("backend", state.backend.Name()),
		zap.Int("keys", len(keys)))
}

func (a *Adapter) dirtyKey(collection, key string) string {
	return collection + "\x00" + key
}

func splitDirtyKey(dk string) (collection, key string, ok bool) {
	i := strings.IndexByte(dk, '\x00')
	if i < 0 {
		return "", "", false
	}
	return dk[:i], dk[i+1:], true
}

func (a *Adapter) markDirty(collection, key string) {
	a.dirtyMu.Lock()
	a.dirty[a.dirtyKey(collection, key)]++
	a.dirtyMu.Unlock()
}

func (a *Adapter) clearDirty(collection, key string) {
	a.dirtyMu.Lock()
	k := a.dirtyKey(collection, key)
	if a.dirty[k] <= 1 {
		delete(a.dirty, k)
	} else {
		a.dirty[k]--
	}
	a.dirtyMu.Unlock()
}

func (a *Adapter) isDirty(collection, key string) bool {
	a.dirtyMu.Lock()
	_, ok := a.dirty[a.dirtyKey(collection, key)]
	a.dirtyMu.Unlock()
	return ok
}
