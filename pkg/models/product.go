package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalogue row read at checkout. Catalogue management
// lives elsewhere; this service only resolves price and stock.
type Product struct {
	ID            string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name          string          `gorm:"type:varchar(255);not null" json:"name"`
	SKU           string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"sku"`
	FeaturedImage string          `gorm:"type:varchar(512)" json:"featured_image,omitempty"`
	Price         decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	StockQuantity int             `gorm:"not null;default:0" json:"stock_quantity"`
	TrackStock    bool            `gorm:"not null;default:true" json:"track_stock"`
	IsActive      bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

func (p *Product) IsInStock() bool {
	if !p.TrackStock {
		return true
	}
	return p.StockQuantity > 0
}
