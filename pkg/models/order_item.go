package models

import (
	"strings"
	"time"

	"github.com/example/shopcore/pkg/errs"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// VariantInfo is the variant selection made at checkout. Extra keeps
// unknown keys so older clients round-trip unchanged.
type VariantInfo struct {
	Size     string                 `json:"size,omitempty"`
	Color    string                 `json:"color,omitempty"`
	Material string                 `json:"material,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

func (v VariantInfo) Empty() bool {
	return v.Size == "" && v.Color == "" && v.Material == "" && len(v.Extra) == 0
}

func (v VariantInfo) Display() string {
	var parts []string
	if v.Size != "" {
		parts = append(parts, "Taille: "+v.Size)
	}
	if v.Color != "" {
		parts = append(parts, "Couleur: "+v.Color)
	}
	if v.Material != "" {
		parts = append(parts, "Matière: "+v.Material)
	}
	return strings.Join(parts, ", ")
}

// OrderItem is an immutable product snapshot plus its fulfilment status.
type OrderItem struct {
	ID             string                          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrderID        string                          `gorm:"type:varchar(36);index;not null" json:"order_id"`
	ProductID      string                          `gorm:"type:varchar(36);index;not null" json:"product_id"`
	ProductName    string                          `gorm:"type:varchar(255);not null" json:"product_name"`
	ProductSKU     string                          `gorm:"type:varchar(64);not null" json:"product_sku"`
	ProductImage   string                          `gorm:"type:varchar(512)" json:"product_image,omitempty"`
	VariantInfo    datatypes.JSONType[VariantInfo] `gorm:"type:json" json:"variant_info"`
	UnitPrice      decimal.Decimal                 `gorm:"type:decimal(10,2);not null" json:"unit_price"`
	Quantity       int                             `gorm:"not null" json:"quantity"`
	TotalPrice     decimal.Decimal                 `gorm:"type:decimal(10,2);not null" json:"total_price"`
	DiscountAmount decimal.Decimal                 `gorm:"type:decimal(10,2);not null" json:"discount_amount"`
	Status         ItemStatus                      `gorm:"type:varchar(20);default:'pending';index;not null" json:"status"`
	Notes          string                          `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt      time.Time                       `json:"created_at"`
	UpdatedAt      time.Time                       `json:"updated_at"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

// RecomputeDerivedFields sets total_price = unit_price*quantity - discount_amount.
// Called on every write of an item.
func (i *OrderItem) RecomputeDerivedFields() {
	i.TotalPrice = i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity))).Sub(i.DiscountAmount)
}

func (i *OrderItem) TransitionTo(next ItemStatus) error {
	if !next.Valid() {
		return errs.New(errs.CodeUnsupportedStatus, "unknown item status %q", next)
	}
	if next == i.Status {
		return nil
	}
	if !i.Status.CanTransitionTo(next) {
		return errs.New(errs.CodeInvalidTransition, "cannot move item from %s to %s", i.Status, next)
	}
	i.Status = next
	return nil
}
