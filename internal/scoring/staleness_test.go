package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStalenessZeroElapsed(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	refreshed := now

	for _, units := range []int{1, 10, 300} {
		state := EstimateStaleness(&refreshed, units, now)
		assert.Zero(t, state.Score, "刚刷新过的SKU不应有过期度 (units=%d)", units)
	}
}

func TestStalenessMonotoneInElapsed(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	prev := -1.0
	for _, days := range []int{0, 1, 3, 7, 14, 30, 90, 400} {
		refreshed := now.AddDate(0, 0, -days)
		state := EstimateStaleness(&refreshed, 30, now) // λ=1/天
		assert.GreaterOrEqual(t, state.Score, prev, "days=%d", days)
		assert.LessOrEqual(t, state.Score, 1.0)
		prev = state.Score
	}
}

func TestStalenessSaturation(t *testing.T) {
	now := time.Now()
	refreshed := now.AddDate(0, 0, -20)

	// λ=1/天，Δt=20 → λΔt/10 = 2 → 封顶1
	state := EstimateStaleness(&refreshed, 30, now)
	assert.Equal(t, 1.0, state.Score)
}

func TestStalenessNeverRefreshed(t *testing.T) {
	now := time.Now()

	// 从未刷新 + 零销量 → 最大过期度
	state := EstimateStaleness(nil, 0, now)
	assert.Equal(t, 1.0, state.Score)
	assert.Equal(t, 365.0, state.ElapsedDays)

	// 从未刷新 + 有销量也一样是1（λ·365/10 远超1）
	state = EstimateStaleness(nil, 15, now)
	assert.Equal(t, 1.0, state.Score)
}

func TestStalenessZeroVolumeRefreshed(t *testing.T) {
	now := time.Now()
	refreshed := now.AddDate(0, 0, -10)

	state := EstimateStaleness(&refreshed, 0, now)
	assert.Equal(t, 0.5, state.Score)
	assert.Zero(t, state.LambdaHat)
}

func TestLambdaHatEstimate(t *testing.T) {
	now := time.Now()
	refreshed := now.AddDate(0, 0, -1)

	state := EstimateStaleness(&refreshed, 60, now)
	assert.InDelta(t, 2.0, state.LambdaHat, 1e-12)
	// λ=2, Δt=1 → 0.2
	assert.InDelta(t, 0.2, state.Score, 1e-9)
}
