package main

import (
	"context"
	"flag"
	"log"
	"time"

	"card-trader/internal/config"
	"card-trader/internal/database"
	"card-trader/internal/market"
	"card-trader/internal/models"
	"card-trader/internal/pacer"
	"card-trader/internal/priority"
	"card-trader/internal/store"
	"card-trader/internal/sweep"

	"github.com/joho/godotenv"
)

// 全流程扫描的进程级互斥锁，防止定时任务重叠执行
const sweepLockName = "card_trader_sweep"

var (
	batchSize   = flag.Int("batch", 0, "每轮处理的SKU上限（0=使用配置）")
	workers     = flag.Int("workers", 0, "打分批次的并发worker数（0=使用配置）")
	marketplace = flag.String("marketplace", "", "目标市场（空=使用配置）")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

	if *batchSize <= 0 {
		*batchSize = cfg.TargetBatchSize
	}
	if *workers <= 0 {
		*workers = cfg.ScoringWorkers
	}
	if *marketplace == "" {
		*marketplace = cfg.Marketplace
	}
	mkt, err := models.ParseMarketplace(*marketplace)
	if err != nil {
		log.Fatalf("无效的市场参数: %v", err)
	}

	db, err := database.Initialize(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}

	// 进程级串行：拿不到锁说明上一轮还在跑，直接退出
	got, err := database.TryAdvisoryLock(db, sweepLockName)
	if err != nil {
		log.Fatalf("获取扫描锁失败: %v", err)
	}
	if !got {
		log.Println("[扫描] 上一轮扫描仍在执行，本轮跳过")
		return
	}
	defer func() {
		if err := database.ReleaseAdvisoryLock(db, sweepLockName); err != nil {
			log.Printf("[扫描] 释放扫描锁失败: %v", err)
		}
	}()

	st := store.New(db)
	provider := market.NewClient(cfg.MarketAPIBaseURL, cfg.MarketAPIKey)
	ctx := context.Background()

	// 步骤1：优先级聚合
	log.Printf("[扫描] 步骤1: 优先级聚合 (market=%s, workers=%d)", mkt, *workers)
	skuIDs, err := st.ActiveSKUIDs()
	if err != nil {
		log.Fatalf("加载启用SKU失败: %v", err)
	}
	aggregator := priority.NewAggregator(st, mkt, *workers)
	aggregator.Run(skuIDs)

	// 步骤2：分档候选选择
	log.Printf("[扫描] 步骤2: 候选选择 (目标%d个SKU)", *batchSize)
	selector := priority.NewSelector(st, mkt, priority.DefaultTiers(), nil)
	processing, err := selector.Select(*batchSize, time.Now())
	if err != nil {
		log.Fatalf("候选选择失败: %v", err)
	}
	if len(processing) == 0 {
		log.Println("[扫描] 无候选SKU，本轮结束")
		return
	}

	// 步骤3：销售同步，独立节流器
	log.Println("[扫描] 步骤3: 销售同步")
	salesSync := sweep.NewSalesSync(st, provider, pacer.NewBurstPacer(), mkt)
	if _, err := salesSync.Run(ctx, processing); err != nil {
		log.Fatalf("销售同步失败: %v", err)
	}

	// 步骤4：采购决策，新开节流器避免继承上一阶段的限频状态
	log.Println("[扫描] 步骤4: 采购决策")
	lookups, err := loadLookups(st, processing)
	if err != nil {
		log.Fatalf("加载目录映射失败: %v", err)
	}
	engine := sweep.NewDecisionEngine(st, provider, pacer.NewBurstPacer(), mkt)
	if _, err := engine.Run(ctx, processing, lookups); err != nil {
		log.Fatalf("采购决策失败: %v", err)
	}

	log.Println("[扫描] 全部步骤完成")
}

func loadLookups(st *store.Store, processing []priority.ProcessingSKU) (map[uint]*store.CatalogLookup, error) {
	lookups := make(map[uint]*store.CatalogLookup)
	for _, p := range processing {
		if _, ok := lookups[p.CatalogID]; ok {
			continue
		}
		lookup, err := st.LoadCatalogLookup(p.CatalogID)
		if err != nil {
			return nil, err
		}
		lookups[p.CatalogID] = lookup
	}
	return lookups, nil
}
