package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Marketplace identifies the external marketplace a row belongs to
type Marketplace string

const (
	MarketplaceTCGPlayer  Marketplace = "tcgplayer"
	MarketplaceCardmarket Marketplace = "cardmarket"
)

// Valid reports whether m is a known marketplace
func (m Marketplace) Valid() bool {
	switch m {
	case MarketplaceTCGPlayer, MarketplaceCardmarket:
		return true
	}
	return false
}

// ParseMarketplace converts a string into a Marketplace or errors
func ParseMarketplace(s string) (Marketplace, error) {
	m := Marketplace(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown marketplace: %q", s)
	}
	return m, nil
}

// Product represents a catalog product (one marketplace listing group)
type Product struct {
	ID         uint           `json:"id" gorm:"primaryKey"`
	ExternalID int64          `json:"external_id" gorm:"uniqueIndex;not null"`
	Name       string         `json:"name" gorm:"not null"`
	CatalogID  uint           `json:"catalog_id" gorm:"index;not null"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

// SKU represents a sellable variant: product x condition x printing x language
type SKU struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	ProductID   uint           `json:"product_id" gorm:"index;not null"`
	Product     Product        `json:"product" gorm:"foreignKey:ProductID"`
	ConditionID uint           `json:"condition_id" gorm:"not null"`
	PrintingID  uint           `json:"printing_id" gorm:"not null"`
	LanguageID  uint           `json:"language_id" gorm:"not null"`
	IsActive    bool           `json:"is_active" gorm:"default:true"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// Condition is a catalog lookup row (Near Mint, Lightly Played, ...)
type Condition struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	CatalogID uint   `json:"catalog_id" gorm:"index;not null"`
	Name      string `json:"name" gorm:"not null"`
}

// Printing is a catalog lookup row (Normal, Foil, ...)
type Printing struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	CatalogID uint   `json:"catalog_id" gorm:"index;not null"`
	Name      string `json:"name" gorm:"not null"`
}

// Language is a catalog lookup row (English, Japanese, ...)
type Language struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	CatalogID uint   `json:"catalog_id" gorm:"index;not null"`
	Name      string `json:"name" gorm:"not null"`
}

// PricePoint is one forward-filled daily price for a SKU, written by the
// external price-history service and read-only here
type PricePoint struct {
	ID          uint        `json:"id" gorm:"primaryKey"`
	SKUID       uint        `json:"sku_id" gorm:"index:idx_price_sku_date;not null"`
	Marketplace Marketplace `json:"marketplace" gorm:"type:varchar(32);index;not null"`
	Date        time.Time   `json:"date" gorm:"index:idx_price_sku_date;not null"`
	Price       float64     `json:"price" gorm:"not null"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PriorityRecord holds the merged refresh priority for one SKU/marketplace.
// Upserted on every aggregator run, never historized.
type PriorityRecord struct {
	ID             uint        `json:"id" gorm:"primaryKey"`
	SKUID          uint        `json:"sku_id" gorm:"uniqueIndex:idx_priority_sku_mkt;not null"`
	Marketplace    Marketplace `json:"marketplace" gorm:"type:varchar(32);uniqueIndex:idx_priority_sku_mkt;not null"`
	UptrendScore   float64     `json:"uptrend_score"`
	BreakoutScore  float64     `json:"breakout_score"`
	ValueScore     float64     `json:"value_score"`
	ActivityScore  float64     `json:"activity_score"`
	SnapshotRaw    float64     `json:"snapshot_raw"`
	SnapshotScore  float64     `json:"snapshot_score"`
	StalenessScore float64     `json:"staleness_score"`
	SalesCount     int         `json:"sales_count"`
	PriorityScore  float64     `json:"priority_score" gorm:"index"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// SyncState tracks the last successful sales refresh per SKU/marketplace
type SyncState struct {
	ID              uint        `json:"id" gorm:"primaryKey"`
	SKUID           uint        `json:"sku_id" gorm:"uniqueIndex:idx_sync_sku_mkt;not null"`
	Marketplace     Marketplace `json:"marketplace" gorm:"type:varchar(32);uniqueIndex:idx_sync_sku_mkt;not null"`
	LastRefreshedAt *time.Time  `json:"last_refreshed_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// SaleRecord is one marketplace sale mapped to an internal SKU.
// Duplicate inserts on the unique key are silently dropped.
type SaleRecord struct {
	ID            uint        `json:"id" gorm:"primaryKey"`
	SKUID         uint        `json:"sku_id" gorm:"uniqueIndex:idx_sale_dedup;not null"`
	Marketplace   Marketplace `json:"marketplace" gorm:"type:varchar(32);uniqueIndex:idx_sale_dedup;not null"`
	SaleDate      time.Time   `json:"sale_date" gorm:"uniqueIndex:idx_sale_dedup;not null"`
	Price         float64     `json:"price" gorm:"uniqueIndex:idx_sale_dedup;not null"`
	ShippingPrice float64     `json:"shipping_price" gorm:"uniqueIndex:idx_sale_dedup"`
	Quantity      int         `json:"quantity" gorm:"uniqueIndex:idx_sale_dedup;default:1"`
	CreatedAt     time.Time   `json:"created_at"`
}

// DecisionOutcome is the terminal state of the procurement engine
type DecisionOutcome string

const (
	DecisionBuy  DecisionOutcome = "BUY"
	DecisionPass DecisionOutcome = "PASS"
)

// BuyDecision is an append-only procurement decision row; the latest row
// per SKU is the current recommendation
type BuyDecision struct {
	ID               uint            `json:"id" gorm:"primaryKey"`
	SKUID            uint            `json:"sku_id" gorm:"index;not null"`
	Marketplace      Marketplace     `json:"marketplace" gorm:"type:varchar(32);index;not null"`
	Decision         DecisionOutcome `json:"decision" gorm:"type:varchar(8);not null"`
	Quantity         int             `json:"quantity"`
	BuyVWAP          float64         `json:"buy_vwap"`
	ExpectedNetEach  float64         `json:"expected_net_each"`
	ListingsAsOf     time.Time       `json:"listings_as_of"`
	SalesAsOf        time.Time       `json:"sales_as_of"`
	ReasonCodes      string          `json:"reason_codes" gorm:"type:text"` // JSON array stored as string
	CreatedAt        time.Time       `json:"created_at" gorm:"index"`
}
