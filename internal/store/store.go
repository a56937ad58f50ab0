package store

import (
	"fmt"
	"time"

	"card-trader/internal/models"
	"card-trader/internal/scoring"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 批量读写层。所有写入都按批提交，避免逐行事务。
type Store struct {
	db *gorm.DB
}

// New 创建Store
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ActiveSKUIDs 返回所有启用SKU的id
func (s *Store) ActiveSKUIDs() ([]uint, error) {
	var ids []uint
	if err := s.db.Model(&models.SKU{}).
		Where("is_active = ?", true).
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to load active sku ids: %w", err)
	}
	return ids, nil
}

// PriceSeriesBySKU 一次性拉取一批SKU的日价格序列（升序），按SKU分组
func (s *Store) PriceSeriesBySKU(marketplace models.Marketplace, skuIDs []uint, since time.Time) (map[uint][]scoring.PricePoint, error) {
	if len(skuIDs) == 0 {
		return map[uint][]scoring.PricePoint{}, nil
	}

	var rows []models.PricePoint
	if err := s.db.
		Where("marketplace = ? AND sku_id IN ? AND date >= ?", marketplace, skuIDs, since).
		Order("sku_id, date").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load price series: %w", err)
	}

	series := make(map[uint][]scoring.PricePoint, len(skuIDs))
	for _, row := range rows {
		series[row.SKUID] = append(series[row.SKUID], scoring.PricePoint{
			Date:  row.Date,
			Price: row.Price,
		})
	}
	return series, nil
}

// LastRefreshBySKU 批量读取上次刷新时间
func (s *Store) LastRefreshBySKU(marketplace models.Marketplace, skuIDs []uint) (map[uint]*time.Time, error) {
	if len(skuIDs) == 0 {
		return map[uint]*time.Time{}, nil
	}

	var rows []models.SyncState
	if err := s.db.
		Where("marketplace = ? AND sku_id IN ?", marketplace, skuIDs).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load sync states: %w", err)
	}

	out := make(map[uint]*time.Time, len(rows))
	for _, row := range rows {
		out[row.SKUID] = row.LastRefreshedAt
	}
	return out, nil
}

// SalesCounts 批量统计窗口内每个SKU的成交件数
func (s *Store) SalesCounts(marketplace models.Marketplace, skuIDs []uint, since time.Time) (map[uint]int, error) {
	if len(skuIDs) == 0 {
		return map[uint]int{}, nil
	}

	type countRow struct {
		SKUID uint
		Units int
	}
	var rows []countRow
	if err := s.db.Model(&models.SaleRecord{}).
		Select("sku_id AS sku_id, COALESCE(SUM(quantity), 0) AS units").
		Where("marketplace = ? AND sku_id IN ? AND sale_date >= ?", marketplace, skuIDs, since).
		Group("sku_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count sales: %w", err)
	}

	out := make(map[uint]int, len(rows))
	for _, row := range rows {
		out[row.SKUID] = row.Units
	}
	return out, nil
}

// UpsertPriorityRecords 按(sku_id, marketplace)一条语句upsert全部优先级记录
func (s *Store) UpsertPriorityRecords(records []models.PriorityRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "sku_id"}, {Name: "marketplace"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"uptrend_score", "breakout_score", "value_score", "activity_score",
			"snapshot_raw", "snapshot_score", "staleness_score", "sales_count",
			"priority_score", "updated_at",
		}),
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to upsert priority records: %w", err)
	}
	return nil
}

// TierCandidate 第一阶段的轻量候选行
type TierCandidate struct {
	SKUID         uint
	PriorityScore float64
}

// TierCandidates 按优先级降序取某档位区间[min,max)内的候选SKU，不做join
func (s *Store) TierCandidates(marketplace models.Marketplace, minPriority, maxPriority float64, limit int) ([]TierCandidate, error) {
	var rows []TierCandidate
	if err := s.db.Model(&models.PriorityRecord{}).
		Select("sku_id AS sku_id, priority_score AS priority_score").
		Where("marketplace = ? AND priority_score >= ? AND priority_score < ?", marketplace, minPriority, maxPriority).
		Order("priority_score DESC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load tier candidates: %w", err)
	}
	return rows, nil
}

// CandidateDetail 第二阶段批量join出的候选明细
type CandidateDetail struct {
	SKUID             uint
	ProductID         uint
	ProductExternalID int64
	CatalogID         uint
	ConditionID       uint
	PrintingID        uint
	LanguageID        uint
	LastRefreshedAt   *time.Time
}

// CandidateDetails 对候选id并集做一次批量明细查询
func (s *Store) CandidateDetails(marketplace models.Marketplace, skuIDs []uint) (map[uint]CandidateDetail, error) {
	if len(skuIDs) == 0 {
		return map[uint]CandidateDetail{}, nil
	}

	var rows []CandidateDetail
	err := s.db.Model(&models.SKU{}).
		Select(`skus.id AS sku_id,
			skus.product_id AS product_id,
			products.external_id AS product_external_id,
			products.catalog_id AS catalog_id,
			skus.condition_id AS condition_id,
			skus.printing_id AS printing_id,
			skus.language_id AS language_id,
			sync_states.last_refreshed_at AS last_refreshed_at`).
		Joins("JOIN products ON products.id = skus.product_id").
		Joins("LEFT JOIN sync_states ON sync_states.sku_id = skus.id AND sync_states.marketplace = ?", marketplace).
		Where("skus.id IN ?", skuIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate details: %w", err)
	}

	out := make(map[uint]CandidateDetail, len(rows))
	for _, row := range rows {
		out[row.SKUID] = row
	}
	return out, nil
}

// CatalogLookup 目录维度的名称→id映射，用于把市场行映射回内部SKU
type CatalogLookup struct {
	Conditions map[string]uint
	Printings  map[string]uint
	Languages  map[string]uint
}

// LoadCatalogLookup 预加载某个目录的条件/印刷/语言映射表
func (s *Store) LoadCatalogLookup(catalogID uint) (*CatalogLookup, error) {
	lookup := &CatalogLookup{
		Conditions: make(map[string]uint),
		Printings:  make(map[string]uint),
		Languages:  make(map[string]uint),
	}

	var conditions []models.Condition
	if err := s.db.Where("catalog_id = ?", catalogID).Find(&conditions).Error; err != nil {
		return nil, fmt.Errorf("failed to load conditions: %w", err)
	}
	for _, c := range conditions {
		lookup.Conditions[c.Name] = c.ID
	}

	var printings []models.Printing
	if err := s.db.Where("catalog_id = ?", catalogID).Find(&printings).Error; err != nil {
		return nil, fmt.Errorf("failed to load printings: %w", err)
	}
	for _, p := range printings {
		lookup.Printings[p.Name] = p.ID
	}

	var languages []models.Language
	if err := s.db.Where("catalog_id = ?", catalogID).Find(&languages).Error; err != nil {
		return nil, fmt.Errorf("failed to load languages: %w", err)
	}
	for _, l := range languages {
		lookup.Languages[l.Name] = l.ID
	}

	return lookup, nil
}

// VariantKey 产品内SKU变体键
type VariantKey struct {
	ConditionID uint
	PrintingID  uint
	LanguageID  uint
}

// SKUIndexByProduct 预加载一批产品（按外部id）的变体→SKU索引
func (s *Store) SKUIndexByProduct(productExternalIDs []int64) (map[int64]map[VariantKey]uint, error) {
	if len(productExternalIDs) == 0 {
		return map[int64]map[VariantKey]uint{}, nil
	}

	type indexRow struct {
		SKUID             uint
		ProductExternalID int64
		ConditionID       uint
		PrintingID        uint
		LanguageID        uint
	}
	var rows []indexRow
	err := s.db.Model(&models.SKU{}).
		Select(`skus.id AS sku_id,
			products.external_id AS product_external_id,
			skus.condition_id AS condition_id,
			skus.printing_id AS printing_id,
			skus.language_id AS language_id`).
		Joins("JOIN products ON products.id = skus.product_id").
		Where("products.external_id IN ?", productExternalIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sku index: %w", err)
	}

	out := make(map[int64]map[VariantKey]uint, len(productExternalIDs))
	for _, row := range rows {
		if out[row.ProductExternalID] == nil {
			out[row.ProductExternalID] = make(map[VariantKey]uint)
		}
		key := VariantKey{row.ConditionID, row.PrintingID, row.LanguageID}
		out[row.ProductExternalID][key] = row.SKUID
	}
	return out, nil
}

// InsertSaleRecords 批量插入成交记录，唯一键冲突静默丢弃
func (s *Store) InsertSaleRecords(records []models.SaleRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to insert sale records: %w", err)
	}
	return nil
}

// TouchSyncStates 把一批SKU的刷新时间批量upsert为now
func (s *Store) TouchSyncStates(marketplace models.Marketplace, skuIDs []uint, now time.Time) error {
	if len(skuIDs) == 0 {
		return nil
	}

	states := make([]models.SyncState, 0, len(skuIDs))
	for _, id := range skuIDs {
		refreshedAt := now
		states = append(states, models.SyncState{
			SKUID:           id,
			Marketplace:     marketplace,
			LastRefreshedAt: &refreshedAt,
		})
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sku_id"}, {Name: "marketplace"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_refreshed_at", "updated_at"}),
	}).Create(&states).Error
	if err != nil {
		return fmt.Errorf("failed to upsert sync states: %w", err)
	}
	return nil
}

// SalesSince 读取一批SKU窗口内的成交记录
func (s *Store) SalesSince(marketplace models.Marketplace, skuIDs []uint, since time.Time) ([]models.SaleRecord, error) {
	if len(skuIDs) == 0 {
		return nil, nil
	}

	var rows []models.SaleRecord
	if err := s.db.
		Where("marketplace = ? AND sku_id IN ? AND sale_date >= ?", marketplace, skuIDs, since).
		Order("sale_date").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load sales: %w", err)
	}
	return rows, nil
}

// AppendBuyDecisions 追加决策行（append-only，不做upsert）
func (s *Store) AppendBuyDecisions(decisions []models.BuyDecision) error {
	if len(decisions) == 0 {
		return nil
	}
	if err := s.db.Create(&decisions).Error; err != nil {
		return fmt.Errorf("failed to append buy decisions: %w", err)
	}
	return nil
}

// TopPriorities 报表用：按优先级降序取前N条
func (s *Store) TopPriorities(marketplace models.Marketplace, limit int) ([]models.PriorityRecord, error) {
	var rows []models.PriorityRecord
	if err := s.db.
		Where("marketplace = ?", marketplace).
		Order("priority_score DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load priorities: %w", err)
	}
	return rows, nil
}

// LatestDecisions 报表用：每个SKU最近一条决策
func (s *Store) LatestDecisions(marketplace models.Marketplace, limit int) ([]models.BuyDecision, error) {
	var rows []models.BuyDecision
	err := s.db.Raw(`
		SELECT bd.*
		FROM buy_decisions bd
		JOIN (
			SELECT sku_id, MAX(id) AS max_id
			FROM buy_decisions
			WHERE marketplace = ?
			GROUP BY sku_id
		) latest ON latest.max_id = bd.id
		ORDER BY bd.created_at DESC
		LIMIT ?
	`, marketplace, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load latest decisions: %w", err)
	}
	return rows, nil
}

// DecisionsAfter 实时推送用：取id大于afterID的新决策行
func (s *Store) DecisionsAfter(afterID uint, limit int) ([]models.BuyDecision, error) {
	var rows []models.BuyDecision
	if err := s.db.
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load new decisions: %w", err)
	}
	return rows, nil
}

// MaxDecisionID 当前最大决策id（ws连接的起始游标）
func (s *Store) MaxDecisionID() (uint, error) {
	var maxID *uint
	if err := s.db.Model(&models.BuyDecision{}).
		Select("MAX(id)").
		Scan(&maxID).Error; err != nil {
		return 0, fmt.Errorf("failed to read max decision id: %w", err)
	}
	if maxID == nil {
		return 0, nil
	}
	return *maxID, nil
}
