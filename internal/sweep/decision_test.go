package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"card-trader/internal/market"
	"card-trader/internal/models"
	"card-trader/internal/priority"
	"card-trader/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePacer 无等待节流器，重试槽位永远充足
type fakePacer struct {
	scheduledN    int
	rateLimitHits int
	cooldowns     []bool
}

func (f *fakePacer) Schedule(n int) <-chan struct{} {
	f.scheduledN = n
	ch := make(chan struct{}, n+8)
	for i := 0; i < n+8; i++ {
		ch <- struct{}{}
	}
	return ch
}

func (f *fakePacer) OnRateLimited() { f.rateLimitHits++ }

func (f *fakePacer) Cooldown(retry bool) { f.cooldowns = append(f.cooldowns, retry) }

type fakeDecisionStore struct {
	sales    []models.SaleRecord
	appended []models.BuyDecision
}

func (f *fakeDecisionStore) SalesSince(_ models.Marketplace, skuIDs []uint, _ time.Time) ([]models.SaleRecord, error) {
	wanted := make(map[uint]bool, len(skuIDs))
	for _, id := range skuIDs {
		wanted[id] = true
	}
	var out []models.SaleRecord
	for _, s := range f.sales {
		if wanted[s.SKUID] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeDecisionStore) AppendBuyDecisions(decisions []models.BuyDecision) error {
	f.appended = append(f.appended, decisions...)
	return nil
}

type fakeProvider struct {
	listings     map[int64][]market.Listing
	listingErrs  map[int64]error
	sales        map[int64][]market.SaleRow
	saleErrs     map[int64][]error
	listingCalls map[int64]int
	saleCalls    map[int64]int
	windows      map[int64]time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		listings:     make(map[int64][]market.Listing),
		listingErrs:  make(map[int64]error),
		sales:        make(map[int64][]market.SaleRow),
		saleErrs:     make(map[int64][]error),
		listingCalls: make(map[int64]int),
		saleCalls:    make(map[int64]int),
		windows:      make(map[int64]time.Duration),
	}
}

func (f *fakeProvider) FetchActiveListings(_ context.Context, productExternalID int64) ([]market.Listing, error) {
	f.listingCalls[productExternalID]++
	if err := f.listingErrs[productExternalID]; err != nil {
		return nil, err
	}
	return f.listings[productExternalID], nil
}

func (f *fakeProvider) FetchSales(_ context.Context, productExternalID int64, since time.Duration) ([]market.SaleRow, error) {
	f.saleCalls[productExternalID]++
	f.windows[productExternalID] = since
	if errs := f.saleErrs[productExternalID]; len(errs) > 0 {
		err := errs[0]
		f.saleErrs[productExternalID] = errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.sales[productExternalID], nil
}

func saleUnits(skuID uint, delivered float64, quantities ...int) []models.SaleRecord {
	out := make([]models.SaleRecord, 0, len(quantities))
	for i, q := range quantities {
		out = append(out, models.SaleRecord{
			SKUID:    skuID,
			Price:    delivered,
			SaleDate: time.Now().AddDate(0, 0, -i),
			Quantity: q,
		})
	}
	return out
}

func TestDecideSKUNegativeEdge(t *testing.T) {
	// 中位到手价$10，最低两档挂单到手$6/$7，净回收$6.95，
	// 单件edge最高只有$0.95，达不到$1.25门槛
	sales := saleUnits(1, 10, 1, 1, 1)
	listings := []market.Listing{
		{Price: 5, ShippingPrice: 1, Quantity: 1, SellerID: "s1"},
		{Price: 6, ShippingPrice: 1, Quantity: 1, SellerID: "s2"},
	}

	d := DecideSKU(listings, sales, time.Now())
	assert.Equal(t, models.DecisionPass, d.Outcome)
	assert.Zero(t, d.Quantity)
	assert.InDelta(t, 6.95, d.ExpectedNetEach, 1e-9)
	assert.Equal(t, []ReasonCode{ReasonNegEdge}, d.Reasons)
}

func TestDecideSKUBuy(t *testing.T) {
	// 14天卖出14件，三个不同卖家各挂1件$10到手，净回收$15.65
	sales := saleUnits(1, 20, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	listings := []market.Listing{
		{Price: 9, ShippingPrice: 1, Quantity: 1, SellerID: "s1"},
		{Price: 9.5, ShippingPrice: 0.5, Quantity: 1, SellerID: "s2"},
		{Price: 10, ShippingPrice: 0, Quantity: 1, SellerID: "s3"},
	}

	d := DecideSKU(listings, sales, time.Now())
	require.Equal(t, models.DecisionBuy, d.Outcome)
	assert.Equal(t, 3, d.Quantity)
	assert.InDelta(t, 10.0, d.BuyVWAP, 1e-9)
	assert.InDelta(t, 20*(1-feeRate)-shippingCost-packagingCost, d.ExpectedNetEach, 1e-9)
	assert.Empty(t, d.Reasons)
}

func TestDecideSKUNoListings(t *testing.T) {
	sales := saleUnits(1, 20, 2, 2)

	d := DecideSKU(nil, sales, time.Now())
	assert.Equal(t, models.DecisionPass, d.Outcome)
	assert.Contains(t, d.Reasons, ReasonNoListings)
}

func TestDecideSKULowLiquidityBlocksBuy(t *testing.T) {
	// 只卖出2件：即使edge充足也不能BUY
	sales := saleUnits(1, 20, 1, 1)
	listings := []market.Listing{
		{Price: 5, ShippingPrice: 0, Quantity: 1, SellerID: "s1"},
		{Price: 5, ShippingPrice: 0, Quantity: 1, SellerID: "s2"},
	}

	d := DecideSKU(listings, sales, time.Now())
	assert.Equal(t, models.DecisionPass, d.Outcome)
	assert.Contains(t, d.Reasons, ReasonLowLiquidity)
	assert.Zero(t, d.Quantity)
}

func TestDecideSKUSellerConcentrationForcesZero(t *testing.T) {
	// edge充足但全部库存来自同一卖家
	sales := saleUnits(1, 20, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	listings := []market.Listing{
		{Price: 5, ShippingPrice: 0, Quantity: 4, SellerID: "solo"},
	}

	d := DecideSKU(listings, sales, time.Now())
	assert.Equal(t, models.DecisionPass, d.Outcome)
	assert.Contains(t, d.Reasons, ReasonSellerConcentration)
	assert.Zero(t, d.Quantity)
}

func TestBuildVWAPLadder(t *testing.T) {
	listings := []market.Listing{
		{Price: 8, ShippingPrice: 0, Quantity: 2, SellerID: "s1"},
		{Price: 5, ShippingPrice: 1, Quantity: 1, SellerID: "s2"},
		{Price: 7, ShippingPrice: 0, Quantity: 1, SellerID: "s3"},
	}

	ladder := BuildVWAPLadder(listings, 10)
	require.Len(t, ladder, 4)

	// 逐件到手价升序：6, 7, 8, 8
	delivered := []float64{6, 7, 8, 8}
	cumCost := 0.0
	for i, step := range ladder {
		cumCost += delivered[i]
		assert.Equal(t, i+1, step.Quantity)
		assert.InDelta(t, cumCost, step.TotalCost, 1e-9)
		assert.InDelta(t, cumCost/float64(i+1), step.VWAP, 1e-9)
		if i > 0 {
			assert.GreaterOrEqual(t, step.TotalCost, ladder[i-1].TotalCost, "累计成本必须非降")
			assert.GreaterOrEqual(t, step.VWAP, ladder[i-1].VWAP, "升序展开下VWAP必须非降")
		}
	}

	// maxUnits截断
	assert.Len(t, BuildVWAPLadder(listings, 2), 2)
	assert.Nil(t, BuildVWAPLadder(nil, 5))
	assert.Nil(t, BuildVWAPLadder(listings, 0))
}

func TestResaleNowcast(t *testing.T) {
	assert.Zero(t, resaleNowcast(nil, 10))

	sales := saleUnits(1, 10, 1, 1, 1)

	// 最优在售价偏离锚超过5%时不混合
	assert.InDelta(t, 10.0, resaleNowcast(sales, 6), 1e-9)

	// 贴近锚时向压价方向混合20%
	blended := resaleNowcast(sales, 9.8)
	expected := 0.8*10 + 0.2*(9.8*undercutFactor)
	assert.InDelta(t, expected, blended, 1e-9)
	assert.Less(t, blended, 10.0)
}

func TestNetResale(t *testing.T) {
	assert.Zero(t, netResale(0))
	assert.InDelta(t, 6.95, netResale(10), 1e-9)
}

func TestOptimizeQuantity(t *testing.T) {
	ladder := []LadderStep{
		{Quantity: 1, TotalCost: 5, VWAP: 5},
		{Quantity: 2, TotalCost: 13, VWAP: 6.5},
		{Quantity: 3, TotalCost: 25, VWAP: 25.0 / 3},
	}

	// netEach=10：q1 edge=5(总5)，q2 edge=3.5(总7)，q3 edge≈1.67(总5) → 选q2
	q, vwap := optimizeQuantity(ladder, 10)
	assert.Equal(t, 2, q)
	assert.InDelta(t, 6.5, vwap, 1e-9)

	// 所有档位edge都低于绝对门槛
	q, vwap = optimizeQuantity(ladder, 6)
	assert.Zero(t, q)
	assert.Zero(t, vwap)

	// 比例门槛：edge=1.5≥$1.25但低于VWAP的8%
	q, _ = optimizeQuantity([]LadderStep{{Quantity: 1, TotalCost: 20, VWAP: 20}}, 21.5)
	assert.Zero(t, q)
}

func TestSellerConcentration(t *testing.T) {
	assert.Zero(t, sellerConcentration(nil))

	listings := []market.Listing{
		{Quantity: 7, SellerID: "a"},
		{Quantity: 2, SellerID: "b"},
		{Quantity: 1, SellerID: "c"},
	}
	assert.InDelta(t, 0.7, sellerConcentration(listings), 1e-9)
}

func TestMedianDeliveredSalePrice(t *testing.T) {
	assert.Zero(t, medianDeliveredSalePrice(nil))

	odd := []models.SaleRecord{
		{Price: 9, ShippingPrice: 1},
		{Price: 4, ShippingPrice: 1},
		{Price: 20, ShippingPrice: 0},
	}
	assert.InDelta(t, 10.0, medianDeliveredSalePrice(odd), 1e-9)

	even := []models.SaleRecord{
		{Price: 8, ShippingPrice: 0},
		{Price: 12, ShippingPrice: 0},
	}
	assert.InDelta(t, 10.0, medianDeliveredSalePrice(even), 1e-9)
}

func TestFilterListingsForSKU(t *testing.T) {
	lookup := &store.CatalogLookup{
		Conditions: map[string]uint{"Near Mint": 1, "Played": 2},
		Printings:  map[string]uint{"Normal": 1, "Foil": 2},
		Languages:  map[string]uint{"English": 1},
	}
	sku := priority.ProcessingSKU{SKUID: 9, ConditionID: 1, PrintingID: 2, LanguageID: 1}

	listings := []market.Listing{
		{Condition: "Near Mint", Printing: "Foil", Language: "English", Price: 10},
		{Condition: "Near Mint", Printing: "Normal", Language: "English", Price: 8},
		{Condition: "Played", Printing: "Foil", Language: "English", Price: 6},
	}

	got := filterListingsForSKU(listings, sku, lookup)
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].Price)

	assert.Nil(t, filterListingsForSKU(listings, sku, nil))
}

func decisionLookups() map[uint]*store.CatalogLookup {
	return map[uint]*store.CatalogLookup{
		1: {
			Conditions: map[string]uint{"Near Mint": 1},
			Printings:  map[string]uint{"Normal": 1},
			Languages:  map[string]uint{"English": 1},
		},
	}
}

func nmListing(price float64, qty int, seller string) market.Listing {
	return market.Listing{
		Price: price, Quantity: qty, SellerID: seller,
		Condition: "Near Mint", Printing: "Normal", Language: "English",
	}
}

func processingSKU(skuID uint, productExternalID int64) priority.ProcessingSKU {
	return priority.ProcessingSKU{
		SKUID:             skuID,
		ProductID:         uint(productExternalID),
		ProductExternalID: productExternalID,
		CatalogID:         1,
		ConditionID:       1,
		PrintingID:        1,
		LanguageID:        1,
	}
}

func TestDecisionEngineRunASPGate(t *testing.T) {
	// SKU 1：中位到手价$1.50，低于$2门槛，不拉挂单也不落决策行
	// SKU 2：正常评估
	fakeStore := &fakeDecisionStore{
		sales: append(saleUnits(1, 1.5, 1, 1, 1), saleUnits(2, 20, 1, 1, 1, 1, 1)...),
	}
	provider := newFakeProvider()
	provider.listings[200] = []market.Listing{nmListing(10, 1, "s1"), nmListing(10.5, 1, "s2")}

	engine := NewDecisionEngine(fakeStore, provider, &fakePacer{}, models.MarketplaceTCGPlayer)
	stats, err := engine.Run(context.Background(), []priority.ProcessingSKU{
		processingSKU(1, 100),
		processingSKU(2, 200),
	}, decisionLookups())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SKUsGated)
	assert.Equal(t, 1, stats.Products)
	assert.Equal(t, 1, stats.SKUsEvaluated)
	assert.Zero(t, provider.listingCalls[100], "被门槛过滤的产品不应消耗API调用")

	require.Len(t, fakeStore.appended, 1)
	row := fakeStore.appended[0]
	assert.Equal(t, uint(2), row.SKUID)
	assert.Equal(t, models.DecisionBuy, row.Decision)
	assert.Equal(t, 2, row.Quantity)
}

func TestDecisionEngineRunRateLimitedSkipsProduct(t *testing.T) {
	fakeStore := &fakeDecisionStore{sales: saleUnits(1, 20, 1, 1, 1, 1)}
	provider := newFakeProvider()
	provider.listingErrs[100] = market.ErrRateLimited

	fp := &fakePacer{}
	engine := NewDecisionEngine(fakeStore, provider, fp, models.MarketplaceTCGPlayer)
	stats, err := engine.Run(context.Background(), []priority.ProcessingSKU{processingSKU(1, 100)}, decisionLookups())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ProductsSkipped)
	assert.Zero(t, stats.SKUsEvaluated)
	assert.Equal(t, 2, provider.listingCalls[100], "403后应重试一次")
	assert.Equal(t, 2, fp.rateLimitHits)
	assert.Equal(t, []bool{true, false}, fp.cooldowns, "先补槽位重试，再普通冷却")
	assert.Empty(t, fakeStore.appended)
}

func TestDecisionEngineRunNoListingsRow(t *testing.T) {
	fakeStore := &fakeDecisionStore{sales: saleUnits(1, 20, 1, 1, 1, 1)}
	provider := newFakeProvider() // 产品无挂单

	engine := NewDecisionEngine(fakeStore, provider, &fakePacer{}, models.MarketplaceTCGPlayer)
	stats, err := engine.Run(context.Background(), []priority.ProcessingSKU{processingSKU(1, 100)}, decisionLookups())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Passes)
	require.Len(t, fakeStore.appended, 1)
	assert.Equal(t, models.DecisionPass, fakeStore.appended[0].Decision)
	assert.Contains(t, fakeStore.appended[0].ReasonCodes, string(ReasonNoListings))
}

func TestDecisionEngineRunNonRateLimitErrorSkips(t *testing.T) {
	fakeStore := &fakeDecisionStore{sales: saleUnits(1, 20, 1, 1, 1, 1)}
	provider := newFakeProvider()
	provider.listingErrs[100] = errors.New("boom")

	fp := &fakePacer{}
	engine := NewDecisionEngine(fakeStore, provider, fp, models.MarketplaceTCGPlayer)
	stats, err := engine.Run(context.Background(), []priority.ProcessingSKU{processingSKU(1, 100)}, decisionLookups())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ProductsSkipped)
	assert.Equal(t, 1, provider.listingCalls[100], "非限频错误不重试")
	assert.Zero(t, fp.rateLimitHits)
}
