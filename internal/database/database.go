package database

import (
	"fmt"
	"log"
	"time"

	"card-trader/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func Initialize(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Set connection pool parameters
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Database initialized successfully")

	if err := db.AutoMigrate(
		&models.Product{},
		&models.SKU{},
		&models.Condition{},
		&models.Printing{},
		&models.Language{},
		&models.PricePoint{},
		&models.PriorityRecord{},
		&models.SyncState{},
		&models.SaleRecord{},
		&models.BuyDecision{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// TryAdvisoryLock 尝试获取命名互斥锁（非阻塞），拿不到返回false。
// 用于保证全流程扫描进程级串行，防止定时任务重叠执行。
func TryAdvisoryLock(db *gorm.DB, name string) (bool, error) {
	var got int
	// GET_LOCK timeout 0 = 立即返回
	if err := db.Raw("SELECT GET_LOCK(?, 0)", name).Scan(&got).Error; err != nil {
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return got == 1, nil
}

// ReleaseAdvisoryLock 释放命名互斥锁
func ReleaseAdvisoryLock(db *gorm.DB, name string) error {
	var released int
	if err := db.Raw("SELECT RELEASE_LOCK(?)", name).Scan(&released).Error; err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if released != 1 {
		log.Printf("警告: 锁 %s 释放异常 (result=%d)", name, released)
	}
	return nil
}
