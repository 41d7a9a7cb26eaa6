package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/types"
)

// flakyBackend 包装内存后端，可随时切换为故障状态。
type flakyBackend struct {
	*MemoryBackend
	name string

	mu      sync.Mutex
	failing bool
}

func newFlakyBackend(name string) *flakyBackend {
	return &flakyBackend{MemoryBackend: NewMemoryBackend(zap.NewNop()), name: name}
}

func (f *flakyBackend) Name() string { return f.name }

func (f *flakyBackend) setFailing(failing bool) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *flakyBackend) checkFail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("backend offline")
	}
	return nil
}

func (f *flakyBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := f.checkFail(); err != nil {
		return err
	}
	return f.MemoryBackend.Put(ctx, collection, key, value)
}

func (f *flakyBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := f.checkFail(); err != nil {
		return nil, err
	}
	return f.MemoryBackend.Get(ctx, collection, key)
}

func (f *flakyBackend) Ping(ctx context.Context) error {
	if err := f.checkFail(); err != nil {
		return err
	}
	return f.MemoryBackend.Ping(ctx)
}

func newTestAdapter(t *testing.T, aux ...Backend) *Adapter {
	t.Helper()
	a, err := NewAdapter(NewMemoryBackend(zap.NewNop()), aux, AdapterConfig{
		ProbeInterval:   20 * time.Millisecond,
		AuxWriteTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAdapter_RequiresDurablePrimary(t *testing.T) {
	t.Parallel()

	_, err := NewAdapter(NewVectorBackend(DefaultVectorConfig(), zap.NewNop()), nil, AdapterConfig{}, zap.NewNop())
	require.Error(t, err)
}

func TestAdapter_WriteSurvivesAuxFailure(t *testing.T) {
	t.Parallel()

	aux := newFlakyBackend("aux")
	aux.setFailing(true)
	a := newTestAdapter(t, aux)
	ctx := context.Background()

	// 辅助后端故障不影响写入
	require.NoError(t, a.Put(ctx, "entities", "k1", []byte("v1")))

	value, err := a.Get(ctx, "entities", "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
}

func TestAdapter_PrimaryFailureSurfacesBackendUnavailable(t *testing.T) {
	t.Parallel()

	primary := newFlakyBackend("primary")
	a, err := NewAdapter(primary, nil, AdapterConfig{ProbeInterval: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	primary.setFailing(true)
	err = a.Put(context.Background(), "c", "k", []byte("v"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBackendUnavailable))
}

func TestAdapter_AuxRecoversAfterProbe(t *testing.T) {
	t.Parallel()

	aux := newFlakyBackend("aux")
	a := newTestAdapter(t, aux)
	ctx := context.Background()

	// 触发一次失败写入，辅助后端被标记不健康
	aux.setFailing(true)
	require.NoError(t, a.Put(ctx, "c", "k1", []byte("v1")))

	require.Eventually(t, func() bool {
		for _, h := range a.Health(ctx) {
			if h.Name == "aux" {
				return !h.Healthy
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// 恢复后探测循环应重新启用
	aux.setFailing(false)
	require.Eventually(t, func() bool {
		for _, h := range a.Health(ctx) {
			if h.Name == "aux" {
				return h.Healthy
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestAdapter_NoStaleReadsAfterAuxRecovery(t *testing.T) {
	t.Parallel()

	aux := newFlakyBackend("aux")
	a := newTestAdapter(t, aux)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "proposals", "p1", []byte(`{"status":"open"}`)))
	// 等辅助副本追上第一次写入
	require.Eventually(t, func() bool {
		v, err := aux.MemoryBackend.Get(ctx, "proposals", "p1")
		return err == nil && string(v) == `{"status":"open"}`
	}, time.Second, 5*time.Millisecond)

	// 停摆期间的权威写入只落在主存储
	aux.setFailing(true)
	require.NoError(t, a.Put(ctx, "proposals", "p1", []byte(`{"status":"decided"}`)))

	aux.setFailing(false)
	require.Eventually(t, func() bool {
		for _, h := range a.Health(ctx) {
			if h.Name == "aux" {
				return h.Healthy
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// 恢复后的读取绝不能回到停摆前的旧值
	value, err := a.Get(ctx, "proposals", "p1")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"decided"}`, string(value))

	// 补写最终让辅助副本收敛到当前值
	require.Eventually(t, func() bool {
		v, gerr := aux.MemoryBackend.Get(ctx, "proposals", "p1")
		return gerr == nil && string(v) == `{"status":"decided"}`
	}, time.Second, 5*time.Millisecond)
}

func TestAdapter_CacheNilWhenAllOffline(t *testing.T) {
	t.Parallel()

	mr := newTestMiniredisBackend(t)
	a := newTestAdapter(t, mr)

	require.NotNil(t, a.Cache())

	a.SetHealthy("redis", false)
	assert.Nil(t, a.Cache())
}

func TestAdapter_SearchSelection(t *testing.T) {
	t.Parallel()

	vec := NewVectorBackend(DefaultVectorConfig(), zap.NewNop())
	a := newTestAdapter(t, vec)

	require.NotNil(t, a.Search())
	a.SetHealthy("vector", false)
	assert.Nil(t, a.Search())
}

func TestAdapter_ReadYourWrites(t *testing.T) {
	t.Parallel()

	aux := newFlakyBackend("aux")
	a := newTestAdapter(t, aux)
	ctx := context.Background()

	// 写入后立即读取必须返回新值，即便辅助写入尚未完成
	for i := 0; i < 50; i++ {
		require.NoError(t, a.Put(ctx, "c", "k", []byte{byte(i)}))
		value, err := a.Get(ctx, "c", "k")
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, value)
	}
}
