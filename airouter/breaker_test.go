package airouter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBreaker_StateMachine(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	b := newBreaker(BreakerConfig{Threshold: 2, Cooldown: 10 * time.Second, HalfOpenMaxCalls: 1},
		clock.Now, zap.NewNop())

	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	// 达到阈值后打开
	b.Record(false)
	assert.Equal(t, BreakerClosed, b.State())
	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// 冷却期满进入半开，只放一个试探请求
	clock.Advance(11 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "half-open admits a single probe")

	// 试探成功回到关闭
	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	b := newBreaker(BreakerConfig{Threshold: 1, Cooldown: 10 * time.Second, HalfOpenMaxCalls: 1},
		clock.Now, zap.NewNop())

	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(11 * time.Second)
	assert.True(t, b.Allow())

	// 试探失败重新打开，冷却重新计时
	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	b := newBreaker(BreakerConfig{Threshold: 3, Cooldown: 10 * time.Second, HalfOpenMaxCalls: 1},
		clock.Now, zap.NewNop())

	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)
	// 成功清零计数：从未达到连续 3 次
	assert.Equal(t, BreakerClosed, b.State())
}
