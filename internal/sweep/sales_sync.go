package sweep

import (
	"context"
	"log"
	"time"

	"card-trader/internal/market"
	"card-trader/internal/models"
	"card-trader/internal/pacer"
	"card-trader/internal/priority"
	"card-trader/internal/store"
)

const (
	bootstrapWindowDays = 90 // 从未刷新的产品回补90天
	maxFetchAttempts    = 2  // 403后同一产品最多尝试2次
)

// syncStore 销售同步需要的持久化能力
type syncStore interface {
	LoadCatalogLookup(catalogID uint) (*store.CatalogLookup, error)
	SKUIndexByProduct(productExternalIDs []int64) (map[int64]map[store.VariantKey]uint, error)
	LastRefreshBySKU(marketplace models.Marketplace, skuIDs []uint) (map[uint]*time.Time, error)
	InsertSaleRecords(records []models.SaleRecord) error
	TouchSyncStates(marketplace models.Marketplace, skuIDs []uint, now time.Time) error
}

// SalesSyncStats 同步统计
type SalesSyncStats struct {
	Products        int
	ProductsOK      int
	ProductsSkipped int
	RowsFetched     int
	RowsMapped      int
	RowsDropped     int
}

// SalesSync 销售同步sweep：对处理列表里的每个产品增量拉成交，
// 映射到内部SKU后批量落库。
type SalesSync struct {
	store       syncStore
	provider    market.Provider
	pacer       pacer.Pacer
	marketplace models.Marketplace
}

// NewSalesSync 创建销售同步sweep
func NewSalesSync(s syncStore, provider market.Provider, p pacer.Pacer, marketplace models.Marketplace) *SalesSync {
	return &SalesSync{
		store:       s,
		provider:    provider,
		pacer:       p,
		marketplace: marketplace,
	}
}

// productGroup 同一产品下所有待处理SKU共享一次API调用
type productGroup struct {
	externalID int64
	catalogID  uint
	skuIDs     []uint
}

// Run 执行同步。节流器控制出站节奏；403按产品粒度重试，
// 其他错误跳过该产品继续。
func (s *SalesSync) Run(ctx context.Context, processing []priority.ProcessingSKU) (*SalesSyncStats, error) {
	stats := &SalesSyncStats{}
	if len(processing) == 0 {
		return stats, nil
	}

	// 按产品去重分组
	groups := groupByProduct(processing)
	stats.Products = len(groups)

	productIDs := make([]int64, 0, len(groups))
	var allSKUIDs []uint
	catalogIDs := make(map[uint]bool)
	for _, g := range groups {
		productIDs = append(productIDs, g.externalID)
		allSKUIDs = append(allSKUIDs, g.skuIDs...)
		catalogIDs[g.catalogID] = true
	}

	// 预加载目录映射表和SKU变体索引
	lookups := make(map[uint]*store.CatalogLookup, len(catalogIDs))
	for id := range catalogIDs {
		lookup, err := s.store.LoadCatalogLookup(id)
		if err != nil {
			return stats, err
		}
		lookups[id] = lookup
	}

	skuIndex, err := s.store.SKUIndexByProduct(productIDs)
	if err != nil {
		return stats, err
	}

	lastRefresh, err := s.store.LastRefreshBySKU(s.marketplace, allSKUIDs)
	if err != nil {
		return stats, err
	}

	now := time.Now()
	var mapped []models.SaleRecord
	var refreshedSKUs []uint

	slots := s.pacer.Schedule(len(groups))
	for _, group := range groups {
		window := fetchWindow(group.skuIDs, lastRefresh, now)

		rows, ok := s.fetchWithRetry(ctx, slots, group.externalID, window)
		if !ok {
			stats.ProductsSkipped++
			continue
		}
		stats.ProductsOK++
		stats.RowsFetched += len(rows)

		lookup := lookups[group.catalogID]
		index := skuIndex[group.externalID]
		for _, row := range rows {
			skuID, ok := mapSaleRow(row, lookup, index)
			if !ok {
				log.Printf("[销售同步] 丢弃无法映射的成交行 (product=%d, %s/%s/%s)",
					group.externalID, row.Condition, row.Printing, row.Language)
				stats.RowsDropped++
				continue
			}
			mapped = append(mapped, models.SaleRecord{
				SKUID:         skuID,
				Marketplace:   s.marketplace,
				SaleDate:      row.SaleDate,
				Price:         row.Price,
				ShippingPrice: row.ShippingPrice,
				Quantity:      row.Quantity,
			})
			stats.RowsMapped++
		}

		refreshedSKUs = append(refreshedSKUs, group.skuIDs...)
	}

	// 阶段末尾批量写入：成交去重插入 + 刷新时间upsert
	if err := s.store.InsertSaleRecords(mapped); err != nil {
		return stats, err
	}
	if err := s.store.TouchSyncStates(s.marketplace, refreshedSKUs, now); err != nil {
		return stats, err
	}

	log.Printf("[销售同步] 完成 (产品:%d 成功:%d 跳过:%d, 成交行:%d 映射:%d 丢弃:%d)",
		stats.Products, stats.ProductsOK, stats.ProductsSkipped,
		stats.RowsFetched, stats.RowsMapped, stats.RowsDropped)

	return stats, nil
}

// fetchWithRetry 取一个许可槽位后调用成交接口。403时通知节流器、
// 冷却并补发槽位重试；非403错误直接跳过。
func (s *SalesSync) fetchWithRetry(ctx context.Context, slots <-chan struct{}, productExternalID int64, window time.Duration) ([]market.SaleRow, bool) {
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		if _, open := <-slots; !open {
			return nil, false
		}

		rows, err := s.provider.FetchSales(ctx, productExternalID, window)
		if err == nil {
			return rows, true
		}

		if market.IsRateLimited(err) {
			log.Printf("[销售同步] 限频 (product=%d, 第%d次)", productExternalID, attempt)
			s.pacer.OnRateLimited()
			if attempt < maxFetchAttempts {
				s.pacer.Cooldown(true)
				continue
			}
			s.pacer.Cooldown(false)
			return nil, false
		}

		log.Printf("[销售同步] 拉取失败，跳过产品 %d: %v", productExternalID, err)
		return nil, false
	}
	return nil, false
}

// fetchWindow 产品的增量窗口 = now − 其SKU中最早的刷新时间；
// 全部没刷新过则走90天回补
func fetchWindow(skuIDs []uint, lastRefresh map[uint]*time.Time, now time.Time) time.Duration {
	var earliest *time.Time
	for _, id := range skuIDs {
		ts := lastRefresh[id]
		if ts == nil {
			continue
		}
		if earliest == nil || ts.Before(*earliest) {
			earliest = ts
		}
	}
	if earliest == nil {
		return bootstrapWindowDays * 24 * time.Hour
	}
	return now.Sub(*earliest)
}

// mapSaleRow 把市场成交行映射为内部SKU id：名称→目录id→变体索引
func mapSaleRow(row market.SaleRow, lookup *store.CatalogLookup, index map[store.VariantKey]uint) (uint, bool) {
	if lookup == nil || index == nil {
		return 0, false
	}

	conditionID, ok := lookup.Conditions[row.Condition]
	if !ok {
		return 0, false
	}
	printingID, ok := lookup.Printings[row.Printing]
	if !ok {
		return 0, false
	}
	languageID, ok := lookup.Languages[row.Language]
	if !ok {
		return 0, false
	}

	skuID, ok := index[store.VariantKey{ConditionID: conditionID, PrintingID: printingID, LanguageID: languageID}]
	return skuID, ok
}

func groupByProduct(processing []priority.ProcessingSKU) []productGroup {
	byProduct := make(map[int64]*productGroup)
	var order []int64
	for _, p := range processing {
		g, ok := byProduct[p.ProductExternalID]
		if !ok {
			g = &productGroup{externalID: p.ProductExternalID, catalogID: p.CatalogID}
			byProduct[p.ProductExternalID] = g
			order = append(order, p.ProductExternalID)
		}
		g.skuIDs = append(g.skuIDs, p.SKUID)
	}

	groups := make([]productGroup, 0, len(order))
	for _, id := range order {
		groups = append(groups, *byProduct[id])
	}
	return groups
}

var _ syncStore = (*store.Store)(nil)
