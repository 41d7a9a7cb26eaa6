package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestVectorBackend_SearchRanking(t *testing.T) {
	t.Parallel()

	b := NewVectorBackend(DefaultVectorConfig(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, b.Index(ctx, "entities", "api-service", "http api service handling requests"))
	require.NoError(t, b.Index(ctx, "entities", "billing", "invoice billing payments"))
	require.NoError(t, b.Index(ctx, "entities", "api-gateway", "api gateway routing http"))

	hits, err := b.Search(ctx, "entities", "http api", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	// 与查询无关的条目不应出现
	for _, h := range hits {
		assert.NotEqual(t, "billing", h.Key)
	}

	// 分数降序
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestVectorBackend_SearchDeterministic(t *testing.T) {
	t.Parallel()

	b := NewVectorBackend(DefaultVectorConfig(), zap.NewNop())
	ctx := context.Background()

	// 两个完全相同的文档同分，按键名升序打破平局
	require.NoError(t, b.Index(ctx, "c", "zz", "shared terms here"))
	require.NoError(t, b.Index(ctx, "c", "aa", "shared terms here"))

	for i := 0; i < 5; i++ {
		hits, err := b.Search(ctx, "c", "shared terms", 10)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "aa", hits[0].Key)
		assert.Equal(t, "zz", hits[1].Key)
	}
}

func TestVectorBackend_Remove(t *testing.T) {
	t.Parallel()

	b := NewVectorBackend(DefaultVectorConfig(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, b.Index(ctx, "c", "k", "findable text"))
	require.NoError(t, b.Remove(ctx, "c", "k"))

	hits, err := b.Search(ctx, "c", "findable", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorBackend_SearchLimit(t *testing.T) {
	t.Parallel()

	b := NewVectorBackend(DefaultVectorConfig(), zap.NewNop())
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Index(ctx, "c", k, "common words"))
	}

	hits, err := b.Search(ctx, "c", "common", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}
