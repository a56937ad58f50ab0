package priority

import (
	"log"
	"sync"
	"time"

	"card-trader/internal/models"
	"card-trader/internal/scoring"
	"card-trader/internal/store"
)

const (
	// priority_score = 0.55·snapshot + 0.45·staleness
	snapshotWeight  = 0.55
	stalenessWeight = 0.45

	// 价格序列回看窗口，覆盖打分所需的30+14天
	priceLookbackDays = 45
	salesLookbackDays = 30

	defaultScoringWorkers = 10
	defaultBatchSize      = 500
)

// aggregatorStore 聚合器需要的批量读写能力
type aggregatorStore interface {
	PriceSeriesBySKU(marketplace models.Marketplace, skuIDs []uint, since time.Time) (map[uint][]scoring.PricePoint, error)
	LastRefreshBySKU(marketplace models.Marketplace, skuIDs []uint) (map[uint]*time.Time, error)
	SalesCounts(marketplace models.Marketplace, skuIDs []uint, since time.Time) (map[uint]int, error)
	UpsertPriorityRecords(records []models.PriorityRecord) error
}

// Aggregator 优先级聚合器：对一批SKU跑快照打分+过期度估计，
// 合并成优先级记录批量落库。
type Aggregator struct {
	store       aggregatorStore
	marketplace models.Marketplace
	workers     int
	batchSize   int
}

// NewAggregator 创建聚合器，workers<=0时使用默认并发数
func NewAggregator(s aggregatorStore, marketplace models.Marketplace, workers int) *Aggregator {
	if workers <= 0 {
		workers = defaultScoringWorkers
	}
	return &Aggregator{
		store:       s,
		marketplace: marketplace,
		workers:     workers,
		batchSize:   defaultBatchSize,
	}
}

// Run 把SKU列表切成批次，由固定大小的worker池并发处理。
// 返回成功写入的优先级记录总数；单批失败只影响该批。
func (a *Aggregator) Run(skuIDs []uint) int {
	if len(skuIDs) == 0 {
		return 0
	}

	now := time.Now()
	batches := make(chan []uint)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0

	for w := 0; w < a.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				written, err := a.ProcessBatch(batch, now)
				if err != nil {
					log.Printf("[优先级聚合] 批次处理失败 (%d个SKU): %v", len(batch), err)
					continue
				}
				mu.Lock()
				total += written
				mu.Unlock()
			}
		}()
	}

	for start := 0; start < len(skuIDs); start += a.batchSize {
		end := start + a.batchSize
		if end > len(skuIDs) {
			end = len(skuIDs)
		}
		batches <- skuIDs[start:end]
	}
	close(batches)
	wg.Wait()

	log.Printf("[优先级聚合] 完成 (输入SKU:%d 写入记录:%d)", len(skuIDs), total)
	return total
}

// ProcessBatch 处理一个批次：批量拉价格序列→逐SKU打分→批量拉刷新
// 状态和销量→估过期度→一条语句upsert。无可打分SKU时写0条。
func (a *Aggregator) ProcessBatch(skuIDs []uint, now time.Time) (int, error) {
	priceSince := now.AddDate(0, 0, -priceLookbackDays)
	series, err := a.store.PriceSeriesBySKU(a.marketplace, skuIDs, priceSince)
	if err != nil {
		return 0, err
	}

	type scored struct {
		skuID uint
		score *scoring.SnapshotScore
	}
	var scorable []scored
	var scorableIDs []uint
	for _, id := range skuIDs {
		score, ok := scoring.ScoreSnapshot(series[id])
		if !ok {
			continue
		}
		scorable = append(scorable, scored{skuID: id, score: score})
		scorableIDs = append(scorableIDs, id)
	}

	if len(scorable) == 0 {
		return 0, nil
	}

	lastRefresh, err := a.store.LastRefreshBySKU(a.marketplace, scorableIDs)
	if err != nil {
		return 0, err
	}

	salesSince := now.AddDate(0, 0, -salesLookbackDays)
	salesCounts, err := a.store.SalesCounts(a.marketplace, scorableIDs, salesSince)
	if err != nil {
		return 0, err
	}

	records := make([]models.PriorityRecord, 0, len(scorable))
	for _, item := range scorable {
		staleness := scoring.EstimateStaleness(lastRefresh[item.skuID], salesCounts[item.skuID], now)

		records = append(records, models.PriorityRecord{
			SKUID:          item.skuID,
			Marketplace:    a.marketplace,
			UptrendScore:   item.score.Uptrend,
			BreakoutScore:  item.score.Breakout,
			ValueScore:     item.score.Value,
			ActivityScore:  item.score.Activity,
			SnapshotRaw:    item.score.Raw,
			SnapshotScore:  item.score.Raw, // 综合分直接作为归一化快照分
			StalenessScore: staleness.Score,
			SalesCount:     salesCounts[item.skuID],
			PriorityScore:  snapshotWeight*item.score.Raw + stalenessWeight*staleness.Score,
			UpdatedAt:      now,
		})
	}

	if err := a.store.UpsertPriorityRecords(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

var _ aggregatorStore = (*store.Store)(nil)
