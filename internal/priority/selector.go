package priority

import (
	"log"
	"math"
	"math/rand"
	"sort"
	"time"

	"card-trader/internal/models"
	"card-trader/internal/store"
)

// Tier 静态档位配置：优先级区间、预算占比、softmax温度、目标刷新间隔
type Tier struct {
	Name               string
	MinPriority        float64
	MaxPriority        float64
	BudgetShare        float64
	Temperature        float64
	TargetIntervalDays float64
}

// DefaultTiers A档最热最紧，C档最冷最松
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "A", MinPriority: 0.66, MaxPriority: 1.01, BudgetShare: 0.50, Temperature: 0.04, TargetIntervalDays: 3},
		{Name: "B", MinPriority: 0.33, MaxPriority: 0.66, BudgetShare: 0.30, Temperature: 0.07, TargetIntervalDays: 7},
		{Name: "C", MinPriority: 0.00, MaxPriority: 0.33, BudgetShare: 0.20, Temperature: 0.11, TargetIntervalDays: 14},
	}
}

// ProcessingSKU 选择结果：映射市场行所需的全部id，不落库
type ProcessingSKU struct {
	SKUID             uint
	ProductID         uint
	ProductExternalID int64
	CatalogID         uint
	ConditionID       uint
	PrintingID        uint
	LanguageID        uint
	Tier              string
	PriorityScore     float64
	ServiceScore      float64
}

// selectorStore 选择器的两阶段查询能力
type selectorStore interface {
	TierCandidates(marketplace models.Marketplace, minPriority, maxPriority float64, limit int) ([]store.TierCandidate, error)
	CandidateDetails(marketplace models.Marketplace, skuIDs []uint) (map[uint]store.CandidateDetail, error)
}

// Selector 分档加权随机选择器。随机源可注入，测试时传固定种子。
type Selector struct {
	store       selectorStore
	marketplace models.Marketplace
	tiers       []Tier
	rng         *rand.Rand
}

const (
	candidateOversample = 3 // 第一阶段每档拉quota×3个候选
	windowMax           = 20
	windowMin           = 5

	ageWeight      = 0.7
	priorityWeight = 0.3
)

// NewSelector 创建选择器；rng为nil时用时间种子
func NewSelector(s selectorStore, marketplace models.Marketplace, tiers []Tier, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{
		store:       s,
		marketplace: marketplace,
		tiers:       tiers,
		rng:         rng,
	}
}

// Select 产出本轮最多targetN个待处理SKU，按档位预算分配，
// 档内按service_score做softmax加权随机抽取，档位顺序保持A、B、C。
func (s *Selector) Select(targetN int, now time.Time) ([]ProcessingSKU, error) {
	if targetN <= 0 {
		return nil, nil
	}

	// 第一阶段：每档轻量拉候选id+优先级
	type tierPool struct {
		tier       Tier
		quota      int
		candidates []store.TierCandidate
	}
	pools := make([]tierPool, 0, len(s.tiers))
	var unionIDs []uint

	for _, tier := range s.tiers {
		quota := int(math.Round(tier.BudgetShare * float64(targetN)))
		if quota == 0 {
			continue
		}

		candidates, err := s.store.TierCandidates(s.marketplace, tier.MinPriority, tier.MaxPriority, quota*candidateOversample)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			unionIDs = append(unionIDs, c.SKUID)
		}
		pools = append(pools, tierPool{tier: tier, quota: quota, candidates: candidates})
	}

	if len(unionIDs) == 0 {
		return nil, nil
	}

	// 第二阶段：候选并集一次批量明细查询
	details, err := s.store.CandidateDetails(s.marketplace, unionIDs)
	if err != nil {
		return nil, err
	}

	var result []ProcessingSKU
	for _, pool := range pools {
		picked := s.pickFromTier(pool.tier, pool.quota, pool.candidates, details, now)
		result = append(result, picked...)
	}

	log.Printf("[候选选择] 目标%d, 实选%d", targetN, len(result))
	return result, nil
}

// pickFromTier 档内加权随机选择：service_score降序排池，
// 每次在窗口内softmax抽一个并移出池子。
func (s *Selector) pickFromTier(tier Tier, quota int, candidates []store.TierCandidate, details map[uint]store.CandidateDetail, now time.Time) []ProcessingSKU {
	pool := make([]ProcessingSKU, 0, len(candidates))
	for _, c := range candidates {
		detail, ok := details[c.SKUID]
		if !ok {
			continue
		}

		age := ageNorm(detail.LastRefreshedAt, tier.TargetIntervalDays, now)
		pool = append(pool, ProcessingSKU{
			SKUID:             c.SKUID,
			ProductID:         detail.ProductID,
			ProductExternalID: detail.ProductExternalID,
			CatalogID:         detail.CatalogID,
			ConditionID:       detail.ConditionID,
			PrintingID:        detail.PrintingID,
			LanguageID:        detail.LanguageID,
			Tier:              tier.Name,
			PriorityScore:     c.PriorityScore,
			ServiceScore:      ageWeight*age + priorityWeight*c.PriorityScore,
		})
	}

	sort.Slice(pool, func(i, j int) bool {
		return pool[i].ServiceScore > pool[j].ServiceScore
	})

	var picked []ProcessingSKU
	for len(picked) < quota && len(pool) > 0 {
		// 窗口 = min(20, max(5, 剩余))，再截到池子大小
		window := len(pool)
		if window < windowMin {
			window = windowMin
		}
		if window > windowMax {
			window = windowMax
		}
		if window > len(pool) {
			window = len(pool)
		}

		idx := s.softmaxDraw(pool[:window], tier.Temperature)
		picked = append(picked, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	return picked
}

// softmaxDraw 在窗口内按softmax(service_score/temperature)权重抽一个下标
func (s *Selector) softmaxDraw(window []ProcessingSKU, temperature float64) int {
	if len(window) == 1 {
		return 0
	}

	// 减去最大值防止exp溢出
	maxScore := window[0].ServiceScore
	for _, c := range window {
		if c.ServiceScore > maxScore {
			maxScore = c.ServiceScore
		}
	}

	weights := make([]float64, len(window))
	total := 0.0
	for i, c := range window {
		weights[i] = math.Exp((c.ServiceScore - maxScore) / temperature)
		total += weights[i]
	}

	r := s.rng.Float64() * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if r <= cum {
			return i
		}
	}
	return len(window) - 1
}

// ageNorm 刷新年龄归一化：1 − e^(−2·days/interval)，从未刷新记1.0
func ageNorm(lastRefreshedAt *time.Time, targetIntervalDays float64, now time.Time) float64 {
	if lastRefreshedAt == nil {
		return 1.0
	}
	days := now.Sub(*lastRefreshedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 - math.Exp(-2*days/targetIntervalDays)
}

var _ selectorStore = (*store.Store)(nil)
