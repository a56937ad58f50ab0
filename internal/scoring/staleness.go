package scoring

import (
	"time"
)

// MinDailySaleRate λ̂的参考下限（28天卖1件）。过期度计算本身不套用
// 该下限，零销量走专门分支。
const MinDailySaleRate = 1.0 / 28.0

const (
	salesWindowDays      = 30.0
	neverRefreshedDays   = 365.0
	stalenessSaturation  = 10.0 // λ·Δt达到10即完全过期
	zeroVolumeRefreshed  = 0.5
	zeroVolumeNoRefresh  = 1.0
)

// StalenessState 单个SKU/市场的数据过期状态
type StalenessState struct {
	LastRefreshedAt *time.Time
	LambdaHat       float64 // 估计日销率
	ElapsedDays     float64
	Score           float64 // [0,1]
}

// EstimateStaleness 基于上次刷新时间和近30天销量估计数据过期度。
// 从未刷新的SKU一律视为完全过期，与销量无关。
func EstimateStaleness(lastRefreshedAt *time.Time, unitsSold30d int, now time.Time) StalenessState {
	state := StalenessState{
		LastRefreshedAt: lastRefreshedAt,
		LambdaHat:       float64(unitsSold30d) / salesWindowDays,
	}

	if lastRefreshedAt == nil {
		state.ElapsedDays = neverRefreshedDays
	} else {
		state.ElapsedDays = now.Sub(*lastRefreshedAt).Hours() / 24
		if state.ElapsedDays < 0 {
			state.ElapsedDays = 0
		}
	}

	if state.LambdaHat == 0 {
		if lastRefreshedAt == nil {
			state.Score = zeroVolumeNoRefresh
		} else {
			state.Score = zeroVolumeRefreshed
		}
		return state
	}

	state.Score = clip(state.LambdaHat*state.ElapsedDays/stalenessSaturation, 0, 1)
	return state
}
