package config

import (
	"os"
	"strconv"
)

type Config struct {
	DatabaseURL string
	Port        string
	Environment string

	// 市场数据API配置
	MarketAPIBaseURL string
	MarketAPIKey     string

	// 扫描任务配置
	Marketplace     string // 目标市场
	TargetBatchSize int    // 每轮处理的SKU上限
	ScoringWorkers  int    // 打分批次的并发worker数
}

func Load() *Config {
	// Default MySQL connection string
	defaultDSN := "root:card_trader@tcp(127.0.0.1:3306)/card_trader?charset=utf8mb4&parseTime=True&loc=Local"

	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", defaultDSN),
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		MarketAPIBaseURL: getEnv("MARKET_API_BASE_URL", "https://api.tcgmarket.example.com"),
		MarketAPIKey:     getEnv("MARKET_API_KEY", ""),

		Marketplace:     getEnv("MARKETPLACE", "tcgplayer"),
		TargetBatchSize: getEnvInt("TARGET_BATCH_SIZE", 300),
		ScoringWorkers:  getEnvInt("SCORING_WORKERS", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
