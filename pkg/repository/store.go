package repository

import (
	"context"
	"errors"
	"time"

	"github.com/example/shopcore/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the persistence boundary of the order and payment services.
// Lock* methods take a row lock for the rest of the enclosing transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error

	FindProduct(ctx context.Context, id string) (*models.Product, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	SaveOrder(ctx context.Context, order *models.Order) error
	FindOrder(ctx context.Context, id string) (*models.Order, error)
	LockOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, int64, error)
	OrderStats(ctx context.Context, now time.Time) (*OrderStats, error)

	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	SaveOrderItem(ctx context.Context, item *models.OrderItem) error
	FindOrderItem(ctx context.Context, orderID, itemID string) (*models.OrderItem, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	SavePayment(ctx context.Context, payment *models.Payment) error
	FindPayment(ctx context.Context, id string) (*models.Payment, error)
	LockPayment(ctx context.Context, id string) (*models.Payment, error)
	// FindPaymentByTransaction and LockPaymentByTransaction match
	// transaction_id or external_transaction_id.
	FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error)
	LockPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]models.Payment, error)
}

type OrderFilter struct {
	Status        models.OrderStatus
	PaymentStatus models.OrderPaymentStatus
	Search        string
	From          *time.Time
	To            *time.Time
	SortBy        string
	Ascending     bool
	Page          int
	Limit         int
}

// Normalize applies paging defaults and the sortable column whitelist.
func (f *OrderFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 200 {
		f.Limit = 20
	}
	switch f.SortBy {
	case "created_at", "total_amount", "order_number", "status":
	default:
		f.SortBy = "created_at"
	}
}

func (f *OrderFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

type OrderStats struct {
	Total        int64           `json:"total"`
	Pending      int64           `json:"pending"`
	InProgress   int64           `json:"processing"`
	Delivered    int64           `json:"delivered"`
	Today        int64           `json:"today"`
	ThisMonth    int64           `json:"this_month"`
	ThisYear     int64           `json:"this_year"`
	Revenue      decimal.Decimal `json:"revenue_total"`
	RevenueMonth decimal.Decimal `json:"revenue_this_month"`
	RevenueToday decimal.Decimal `json:"revenue_today"`
}

func statsBoundaries(now time.Time) (day, month, year time.Time) {
	day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	month = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	year = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
	return
}

// AuditEntry is one business event. OrderID ties payment events to their
// order; for order events it equals EntityID.
type AuditEntry struct {
	Action   string
	EntityID string
	OrderID  string
	Actor    string
	Data     map[string]interface{}
}

// Auditor records business events. Implementations must be safe to call
// from request goroutines.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry) error
}

type NopAuditor struct{}

func (NopAuditor) Record(context.Context, AuditEntry) error {
	return nil
}
