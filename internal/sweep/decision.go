package sweep

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sort"
	"time"

	"card-trader/internal/market"
	"card-trader/internal/models"
	"card-trader/internal/pacer"
	"card-trader/internal/priority"
	"card-trader/internal/store"
)

// ReasonCode 决策落到PASS（或部分受限）时的机器可读原因
type ReasonCode string

const (
	ReasonLowLiquidity        ReasonCode = "LOW_LIQUIDITY"
	ReasonNoListings          ReasonCode = "NO_LISTINGS"
	ReasonNegEdge             ReasonCode = "NEG_EDGE"
	ReasonSellerConcentration ReasonCode = "SELLER_CONCENTRATION"
)

const (
	liquidityWindowDays = 14
	minLiquidityUnits   = 3
	exitHorizonDays     = 14.0

	feeRate       = 0.13
	shippingCost  = 1.50
	packagingCost = 0.25

	minEdgeAbs = 1.25
	minEdgePct = 0.08

	maxSellerShare = 0.70

	aspGate = 2.00 // 销售中位到手价低于此值的SKU不值得花一次listings调用

	nearAskFrac    = 0.05
	anchorBlend    = 0.20
	undercutFactor = 1 - 0.025

	// nowcastTrendSlope 转售预估的趋势斜率。当前固定为0（折价分支
	// 因此不会触发），待接入真实趋势数据后替换。
	nowcastTrendSlope = 0.0
	maxTrendHaircut   = 0.10
)

// LadderStep 买入阶梯上的一级：累计数量→累计均价（VWAP）
type LadderStep struct {
	Quantity  int
	TotalCost float64
	VWAP      float64
}

// Decision 单个SKU的采购决策结果
type Decision struct {
	Outcome         models.DecisionOutcome
	Quantity        int
	BuyVWAP         float64
	ExpectedNetEach float64
	Reasons         []ReasonCode
}

// decisionStore 决策引擎需要的持久化能力
type decisionStore interface {
	SalesSince(marketplace models.Marketplace, skuIDs []uint, since time.Time) ([]models.SaleRecord, error)
	AppendBuyDecisions(decisions []models.BuyDecision) error
}

// DecisionStats 决策sweep统计
type DecisionStats struct {
	Products        int
	ProductsOK      int
	ProductsSkipped int
	SKUsEvaluated   int
	SKUsGated       int
	Buys            int
	Passes          int
}

// DecisionEngine 采购决策引擎：按产品拉一次在售挂单，
// 对该产品下每个待处理SKU算买入/放弃。
type DecisionEngine struct {
	store       decisionStore
	provider    market.Provider
	pacer       pacer.Pacer
	marketplace models.Marketplace
}

// NewDecisionEngine 创建决策引擎
func NewDecisionEngine(s decisionStore, provider market.Provider, p pacer.Pacer, marketplace models.Marketplace) *DecisionEngine {
	return &DecisionEngine{
		store:       s,
		provider:    provider,
		pacer:       p,
		marketplace: marketplace,
	}
}

type skuContext struct {
	sku   priority.ProcessingSKU
	sales []models.SaleRecord
}

// Run 执行决策sweep。ASP预门槛在拉挂单之前用已有销售数据过滤，
// 避免在低价值SKU上浪费API调用。
func (e *DecisionEngine) Run(ctx context.Context, processing []priority.ProcessingSKU, lookups map[uint]*store.CatalogLookup) (*DecisionStats, error) {
	stats := &DecisionStats{}
	if len(processing) == 0 {
		return stats, nil
	}

	now := time.Now()
	salesSince := now.AddDate(0, 0, -liquidityWindowDays)

	skuIDs := make([]uint, 0, len(processing))
	for _, p := range processing {
		skuIDs = append(skuIDs, p.SKUID)
	}
	allSales, err := e.store.SalesSince(e.marketplace, skuIDs, salesSince)
	if err != nil {
		return stats, err
	}
	salesBySKU := make(map[uint][]models.SaleRecord)
	for _, sale := range allSales {
		salesBySKU[sale.SKUID] = append(salesBySKU[sale.SKUID], sale)
	}

	// ASP预门槛 + 按产品分组
	type productWork struct {
		externalID int64
		catalogID  uint
		skus       []skuContext
	}
	byProduct := make(map[int64]*productWork)
	var order []int64
	for _, p := range processing {
		sales := salesBySKU[p.SKUID]
		if medianDeliveredSalePrice(sales) < aspGate && len(sales) > 0 {
			stats.SKUsGated++
			continue
		}

		work, ok := byProduct[p.ProductExternalID]
		if !ok {
			work = &productWork{externalID: p.ProductExternalID, catalogID: p.CatalogID}
			byProduct[p.ProductExternalID] = work
			order = append(order, p.ProductExternalID)
		}
		work.skus = append(work.skus, skuContext{sku: p, sales: sales})
	}
	stats.Products = len(order)

	var decisions []models.BuyDecision
	slots := e.pacer.Schedule(len(order))
	for _, productID := range order {
		work := byProduct[productID]

		listings, ok := e.fetchListingsWithRetry(ctx, slots, work.externalID)
		if !ok {
			stats.ProductsSkipped++
			continue
		}
		stats.ProductsOK++

		lookup := lookups[work.catalogID]
		for _, sc := range work.skus {
			skuListings := filterListingsForSKU(listings, sc.sku, lookup)

			decision := DecideSKU(skuListings, sc.sales, now)
			stats.SKUsEvaluated++
			if decision.Outcome == models.DecisionBuy {
				stats.Buys++
			} else {
				stats.Passes++
			}

			decisions = append(decisions, buildDecisionRow(sc.sku, decision, e.marketplace, now))
		}
	}

	if err := e.store.AppendBuyDecisions(decisions); err != nil {
		return stats, err
	}

	log.Printf("[采购决策] 完成 (产品:%d 成功:%d 跳过:%d, SKU:%d 预门槛过滤:%d, BUY:%d PASS:%d)",
		stats.Products, stats.ProductsOK, stats.ProductsSkipped,
		stats.SKUsEvaluated, stats.SKUsGated, stats.Buys, stats.Passes)

	return stats, nil
}

func (e *DecisionEngine) fetchListingsWithRetry(ctx context.Context, slots <-chan struct{}, productExternalID int64) ([]market.Listing, bool) {
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		if _, open := <-slots; !open {
			return nil, false
		}

		listings, err := e.provider.FetchActiveListings(ctx, productExternalID)
		if err == nil {
			return listings, true
		}

		if market.IsRateLimited(err) {
			log.Printf("[采购决策] 限频 (product=%d, 第%d次)", productExternalID, attempt)
			e.pacer.OnRateLimited()
			if attempt < maxFetchAttempts {
				e.pacer.Cooldown(true)
				continue
			}
			e.pacer.Cooldown(false)
			return nil, false
		}

		log.Printf("[采购决策] 拉取挂单失败，跳过产品 %d: %v", productExternalID, err)
		return nil, false
	}
	return nil, false
}

// DecideSKU 对单个SKU跑一遍完整的买入/放弃判定，单趟出终态。
func DecideSKU(listings []market.Listing, sales []models.SaleRecord, now time.Time) Decision {
	var reasons []ReasonCode

	// 1. 流动性检查：不足不中止，只在最终仍不达标时参与PASS
	unitsSold := totalUnits(sales)
	lambda := float64(unitsSold) / liquidityWindowDays
	liquidityOK := unitsSold >= minLiquidityUnits
	if !liquidityOK {
		reasons = append(reasons, ReasonLowLiquidity)
	}

	// 2. 需求上限：14天周转范围内能消化的最大件数
	demandCap := int(math.Floor(lambda * exitHorizonDays))
	if demandCap < 1 {
		demandCap = 1
	}

	// 3. 买入阶梯
	ladder := BuildVWAPLadder(listings, demandCap)
	if len(ladder) == 0 {
		return Decision{
			Outcome: models.DecisionPass,
			Reasons: append(reasons, ReasonNoListings),
		}
	}

	// 4. 转售价预估
	netEach := netResale(resaleNowcast(sales, bestAsk(listings)))

	// 5. 数量寻优
	quantity, vwap := optimizeQuantity(ladder, netEach)
	if quantity == 0 {
		reasons = append(reasons, ReasonNegEdge)
	}

	// 6. 安全护栏：单一卖家占比过高直接清零
	if sellerConcentration(listings) > maxSellerShare {
		reasons = append(reasons, ReasonSellerConcentration)
		quantity = 0
	}

	// 7. 终态
	if quantity > 0 && liquidityOK && len(reasons) == 0 {
		return Decision{
			Outcome:         models.DecisionBuy,
			Quantity:        quantity,
			BuyVWAP:         vwap,
			ExpectedNetEach: netEach,
		}
	}

	return Decision{
		Outcome:         models.DecisionPass,
		ExpectedNetEach: netEach,
		Reasons:         reasons,
	}
}

// BuildVWAPLadder 挂单按到手单价升序逐件展开，生成
// 累计数量→累计均价曲线，最多到maxUnits件。
func BuildVWAPLadder(listings []market.Listing, maxUnits int) []LadderStep {
	if len(listings) == 0 || maxUnits <= 0 {
		return nil
	}

	sorted := append([]market.Listing(nil), listings...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DeliveredPrice() < sorted[j].DeliveredPrice()
	})

	var ladder []LadderStep
	totalCost := 0.0
	quantity := 0
	for _, listing := range sorted {
		for unit := 0; unit < listing.Quantity; unit++ {
			if quantity >= maxUnits {
				return ladder
			}
			quantity++
			totalCost += listing.DeliveredPrice()
			ladder = append(ladder, LadderStep{
				Quantity:  quantity,
				TotalCost: totalCost,
				VWAP:      totalCost / float64(quantity),
			})
		}
	}
	return ladder
}

// resaleNowcast 转售价即时预估：销售到手价中位数为锚，
// 趋势为负时打折价（当前斜率常量为0，该分支不触发），
// 最优在售价贴近锚时向压价方向小幅混合。
func resaleNowcast(sales []models.SaleRecord, bestAskPrice float64) float64 {
	anchor := medianDeliveredSalePrice(sales)
	if anchor == 0 {
		return 0
	}

	if nowcastTrendSlope < 0 {
		haircut := math.Min(math.Abs(nowcastTrendSlope)*exitHorizonDays, maxTrendHaircut)
		anchor *= 1 - haircut
	}

	if bestAskPrice > 0 && math.Abs(bestAskPrice-anchor) <= nearAskFrac*anchor {
		undercut := bestAskPrice * undercutFactor
		anchor = (1-anchorBlend)*anchor + anchorBlend*undercut
	}

	return anchor
}

// netResale 每件净回收 = 预估售价×(1−费率) − 运费 − 包装
func netResale(nowcast float64) float64 {
	if nowcast == 0 {
		return 0
	}
	return nowcast*(1-feeRate) - shippingCost - packagingCost
}

// optimizeQuantity 在阶梯上找edge×数量最大的档位；
// 单件edge低于绝对或比例门槛的档位一律不合格。
func optimizeQuantity(ladder []LadderStep, netEach float64) (int, float64) {
	bestQuantity := 0
	bestVWAP := 0.0
	bestTotal := 0.0

	for _, step := range ladder {
		edge := netEach - step.VWAP
		if edge < minEdgeAbs || edge < minEdgePct*step.VWAP {
			continue
		}
		total := edge * float64(step.Quantity)
		if total > bestTotal {
			bestTotal = total
			bestQuantity = step.Quantity
			bestVWAP = step.VWAP
		}
	}
	return bestQuantity, bestVWAP
}

// sellerConcentration 最大单一卖家在总挂单量中的占比
func sellerConcentration(listings []market.Listing) float64 {
	total := 0
	bySeller := make(map[string]int)
	for _, l := range listings {
		total += l.Quantity
		bySeller[l.SellerID] += l.Quantity
	}
	if total == 0 {
		return 0
	}

	maxUnits := 0
	for _, units := range bySeller {
		if units > maxUnits {
			maxUnits = units
		}
	}
	return float64(maxUnits) / float64(total)
}

func bestAsk(listings []market.Listing) float64 {
	best := 0.0
	for _, l := range listings {
		price := l.DeliveredPrice()
		if best == 0 || price < best {
			best = price
		}
	}
	return best
}

func medianDeliveredSalePrice(sales []models.SaleRecord) float64 {
	if len(sales) == 0 {
		return 0
	}
	prices := make([]float64, 0, len(sales))
	for _, s := range sales {
		prices = append(prices, s.Price+s.ShippingPrice)
	}
	sort.Float64s(prices)

	n := len(prices)
	if n%2 == 1 {
		return prices[n/2]
	}
	return (prices[n/2-1] + prices[n/2]) / 2
}

func totalUnits(sales []models.SaleRecord) int {
	total := 0
	for _, s := range sales {
		total += s.Quantity
	}
	return total
}

// filterListingsForSKU 共享挂单按SKU的条件/印刷/语言过滤
func filterListingsForSKU(listings []market.Listing, sku priority.ProcessingSKU, lookup *store.CatalogLookup) []market.Listing {
	if lookup == nil {
		return nil
	}

	var out []market.Listing
	for _, l := range listings {
		if lookup.Conditions[l.Condition] != sku.ConditionID {
			continue
		}
		if lookup.Printings[l.Printing] != sku.PrintingID {
			continue
		}
		if lookup.Languages[l.Language] != sku.LanguageID {
			continue
		}
		out = append(out, l)
	}
	return out
}

func buildDecisionRow(sku priority.ProcessingSKU, decision Decision, marketplace models.Marketplace, now time.Time) models.BuyDecision {
	codes := make([]string, 0, len(decision.Reasons))
	for _, r := range decision.Reasons {
		codes = append(codes, string(r))
	}
	encoded, _ := json.Marshal(codes)

	return models.BuyDecision{
		SKUID:           sku.SKUID,
		Marketplace:     marketplace,
		Decision:        decision.Outcome,
		Quantity:        decision.Quantity,
		BuyVWAP:         decision.BuyVWAP,
		ExpectedNetEach: decision.ExpectedNetEach,
		ListingsAsOf:    now,
		SalesAsOf:       now,
		ReasonCodes:     string(encoded),
	}
}

var _ decisionStore = (*store.Store)(nil)
