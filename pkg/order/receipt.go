package order

import (
	"context"
	"time"

	"github.com/example/shopcore/pkg/models"
	"github.com/shopspring/decimal"
)

type ReceiptLine struct {
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	Variant     string          `json:"variant,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

type Receipt struct {
	OrderNumber      string                    `json:"order_number"`
	IssuedAt         time.Time                 `json:"issued_at"`
	OrderedAt        time.Time                 `json:"ordered_at"`
	CustomerName     string                    `json:"customer_name"`
	CustomerEmail    string                    `json:"customer_email"`
	CustomerPhone    string                    `json:"customer_phone"`
	ShippingAddress  string                    `json:"shipping_address"`
	ShippingCity     string                    `json:"shipping_city"`
	Lines            []ReceiptLine             `json:"lines"`
	Subtotal         decimal.Decimal           `json:"subtotal"`
	ShippingCost     decimal.Decimal           `json:"shipping_cost"`
	Total            decimal.Decimal           `json:"total"`
	AmountPaid       decimal.Decimal           `json:"amount_paid"`
	RemainingBalance decimal.Decimal           `json:"remaining_balance"`
	Currency         string                    `json:"currency"`
	Status           models.OrderStatus        `json:"status"`
	PaymentStatus    models.OrderPaymentStatus `json:"payment_status"`
	PaymentMethod    models.PaymentMethod      `json:"payment_method"`
	TrackingNumber   string                    `json:"tracking_number,omitempty"`
}

// Receipt summarises an order for the customer. AmountPaid only counts
// completed payments.
func (s *Service) Receipt(ctx context.Context, id string) (*Receipt, error) {
	order, err := s.findOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return BuildReceipt(order, s.clock()), nil
}

func BuildReceipt(order *models.Order, now time.Time) *Receipt {
	r := &Receipt{
		OrderNumber:      order.OrderNumber,
		IssuedAt:         now,
		OrderedAt:        order.CreatedAt,
		CustomerName:     order.CustomerFullName(),
		CustomerEmail:    order.CustomerEmail,
		CustomerPhone:    order.CustomerPhone,
		ShippingAddress:  order.ShippingLine(),
		ShippingCity:     order.ShippingCity(),
		Subtotal:         order.Subtotal,
		ShippingCost:     order.ShippingCost,
		Total:            order.TotalAmount,
		AmountPaid:       decimal.Zero,
		RemainingBalance: order.RemainingBalance,
		Currency:         order.Currency,
		Status:           order.Status,
		PaymentStatus:    order.PaymentStatus,
		PaymentMethod:    order.PaymentMethod,
		TrackingNumber:   order.TrackingNumber,
		Lines:            make([]ReceiptLine, 0, len(order.Items)),
	}

	for _, it := range order.Items {
		r.Lines = append(r.Lines, ReceiptLine{
			ProductName: it.ProductName,
			SKU:         it.ProductSKU,
			Variant:     it.VariantInfo.Data().Display(),
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Total:       it.TotalPrice,
		})
	}
	for _, p := range order.Payments {
		if p.IsCompleted() {
			r.AmountPaid = r.AmountPaid.Add(p.Amount)
		}
	}
	return r
}
