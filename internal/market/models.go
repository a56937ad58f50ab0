package market

import "time"

// Listing 市场上一条在售挂单，每轮sweep新鲜拉取，不落库
type Listing struct {
	ProductExternalID int64   `json:"product_id"`
	Price             float64 `json:"price"`
	ShippingPrice     float64 `json:"shipping_price"`
	Quantity          int     `json:"quantity"`
	SellerID          string  `json:"seller_id"`
	SellerRating      float64 `json:"seller_rating"`
	Condition         string  `json:"condition"`
	Printing          string  `json:"printing"`
	Language          string  `json:"language"`
}

// DeliveredPrice 到手单价（商品价+运费）
func (l Listing) DeliveredPrice() float64 {
	return l.Price + l.ShippingPrice
}

// SaleRow 市场返回的一条成交行，尚未映射到内部SKU
type SaleRow struct {
	Condition     string    `json:"condition"`
	Printing      string    `json:"printing"`
	Language      string    `json:"language"`
	SaleDate      time.Time `json:"sale_date"`
	Price         float64   `json:"price"`
	ShippingPrice float64   `json:"shipping_price"`
	Quantity      int       `json:"quantity"`
}
