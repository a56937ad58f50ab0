package main

import (
	"flag"
	"log"

	"card-trader/internal/config"
	"card-trader/internal/database"
	"card-trader/internal/models"
	"card-trader/internal/report"
	"card-trader/internal/store"

	"github.com/joho/godotenv"
)

var (
	outPath     = flag.String("out", "card-trader-report.xlsx", "输出文件路径")
	limit       = flag.Int("limit", 200, "每个sheet的最大行数")
	marketplace = flag.String("marketplace", "", "目标市场（空=使用配置）")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

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

	exporter := report.NewExporter(store.New(db), mkt)
	if err := exporter.WriteWorkbook(*outPath, *limit); err != nil {
		log.Fatalf("导出报表失败: %v", err)
	}
	log.Printf("报表已导出: %s", *outPath)
}
