package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agenthub/storage"
	"github.com/BaSui01/agenthub/types"
)

// 属性：任意顺序、任意重复的观察写入之后，实体的观察序列
// 恰好包含每个唯一字符串一次（不丢失、不重复）。
func TestObservations_ExactlyOnceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		adapter, err := storage.NewAdapter(storage.NewMemoryBackend(zap.NewNop()), nil, storage.AdapterConfig{
			ProbeInterval: time.Minute,
		}, zap.NewNop())
		require.NoError(t, err)
		defer adapter.Close()

		g := New(adapter, DefaultConfig(), zap.NewNop())
		ctx := context.Background()

		_, err = g.CreateEntities(ctx, []types.Entity{{Name: "subject", EntityType: "test"}})
		require.NoError(t, err)

		obsPool := []string{"a", "b", "c", "d", "e"}
		expected := make(map[string]bool)

		batches := rapid.SliceOfN(rapid.SliceOfN(rapid.SampledFrom(obsPool), 1, 5), 1, 10).Draw(rt, "batches")
		for _, batch := range batches {
			require.NoError(t, g.AddObservations(ctx, "subject", batch))
			for _, o := range batch {
				expected[o] = true
			}
		}

		entity, err := g.GetEntity(ctx, "subject")
		require.NoError(t, err)

		seen := make(map[string]int)
		for _, o := range entity.Observations {
			seen[o]++
		}
		for o := range expected {
			if seen[o] != 1 {
				rt.Fatalf("observation %q appears %d times, want exactly 1", o, seen[o])
			}
		}
		if len(seen) != len(expected) {
			rt.Fatalf("got %d unique observations, want %d", len(seen), len(expected))
		}
	})
}
