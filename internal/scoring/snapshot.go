package scoring

import (
	"math"
	"sort"
	"time"
)

// PricePoint 单日价格点（外部价格历史服务已做前向填充，每天最多一条）
type PricePoint struct {
	Date  time.Time
	Price float64
}

// SnapshotScore 单个SKU的价格快照得分
type SnapshotScore struct {
	Uptrend  float64
	Breakout float64
	Value    float64
	Activity float64
	Raw      float64 // 加权综合分，当前直接作为归一化快照分使用
}

const (
	minSeriesPoints = 5

	uptrendWindow    = 14
	uptrendSlopeSat  = 0.02 // 日涨2%即饱和
	breakoutWindow   = 30
	breakoutSat      = 0.12
	valueWindow      = 30
	valueSat         = 0.25
	activityWindow   = 30
	activityMoveFrac = 0.01 // 日变动超过1%记为活跃日
	recencyDecayDays = 7.0

	weightUptrend  = 0.35
	weightBreakout = 0.30
	weightValue    = 0.25
	weightActivity = 0.10
)

// ScoreSnapshot 对按时间升序排列的日价格序列计算四项分量得分和综合分。
// 数据不足5个点或最新价格无效时不产生结果。
func ScoreSnapshot(series []PricePoint) (*SnapshotScore, bool) {
	n := len(series)
	if n < minSeriesPoints {
		return nil, false
	}

	prices := make([]float64, n)
	for i, p := range series {
		prices[i] = p.Price
	}

	today := prices[n-1]
	if today <= 0 {
		return nil, false
	}

	score := &SnapshotScore{
		Uptrend:  uptrendScore(prices),
		Breakout: breakoutScore(prices),
		Value:    valueScore(prices),
		Activity: activityScore(prices),
	}
	score.Raw = weightUptrend*score.Uptrend +
		weightBreakout*score.Breakout +
		weightValue*score.Value +
		weightActivity*score.Activity

	return score, true
}

// uptrendScore 最近14天log价格的稳健斜率。先裁剪到[P10,P90]区间再回归，
// 避免单日毛刺拉歪斜率。
func uptrendScore(prices []float64) float64 {
	window := tail(prices, uptrendWindow)

	lo := percentile(window, 0.10)
	hi := percentile(window, 0.90)

	var xs, ys []float64
	for i, p := range window {
		if p <= 0 || p < lo || p > hi {
			continue
		}
		xs = append(xs, float64(i))
		ys = append(ys, math.Log(p))
	}
	if len(xs) < 2 {
		return 0
	}

	slope := regressionSlope(xs, ys)
	return clip(math.Max(0, slope)/uptrendSlopeSat, 0, 1)
}

// breakoutScore 今日价格相对此前30天窗口（不含今日）P90的突破幅度
func breakoutScore(prices []float64) float64 {
	n := len(prices)
	today := prices[n-1]

	prior := tail(prices[:n-1], breakoutWindow)
	if len(prior) == 0 {
		return 0
	}

	p90 := percentile(prior, 0.90)
	if p90 <= 0 {
		return 0
	}

	return clip((today-p90)/p90/breakoutSat, 0, 1)
}

// valueScore 今日价格低于基线（近30天10%/90%缩尾中位数）的程度，越低分越高
func valueScore(prices []float64) float64 {
	window := tail(prices, valueWindow)
	today := prices[len(prices)-1]

	baseline := winsorizedMedian(window, 0.10, 0.90)
	if baseline <= 0 {
		return 0
	}

	return clip((baseline-today)/baseline/valueSat, 0, 1)
}

// activityScore 近30天价格活跃度：0.7×活跃日占比 + 0.3×最近上涨日的新鲜度
func activityScore(prices []float64) float64 {
	window := tail(prices, activityWindow+1) // 需要多一个点算首日变动
	if len(window) < 2 {
		return 0
	}

	moveDays := 0
	lastUpIdx := -1
	deltas := len(window) - 1
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 {
			continue
		}
		change := (window[i] - window[i-1]) / window[i-1]
		if math.Abs(change) > activityMoveFrac {
			moveDays++
		}
		if change > 0 {
			lastUpIdx = i
		}
	}

	moveFrac := float64(moveDays) / float64(deltas)

	recency := 0.0
	if lastUpIdx >= 0 {
		daysSinceUp := float64(len(window) - 1 - lastUpIdx)
		recency = math.Max(0, 1-daysSinceUp/recencyDecayDays)
	}

	return clip(0.7*moveFrac+0.3*recency, 0, 1)
}

// 辅助函数

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// percentile 线性插值分位数，p取[0,1]
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// winsorizedMedian 先把两端压到[pLo,pHi]分位值再取中位数
func winsorizedMedian(values []float64, pLo, pHi float64) float64 {
	if len(values) == 0 {
		return 0
	}
	lo := percentile(values, pLo)
	hi := percentile(values, pHi)

	clipped := make([]float64, len(values))
	for i, v := range values {
		clipped[i] = clip(v, lo, hi)
	}
	return percentile(clipped, 0.5)
}

func regressionSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumX2 += xs[i] * xs[i]
	}

	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
