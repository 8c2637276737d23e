package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// MemoryStore is a Store kept in process memory. Transactions run against
// a copy of the data under the store mutex and are swapped in on success,
// so a failed transaction leaves nothing behind. Used for local runs
// without MySQL and by service tests.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

// AddProduct seeds the catalogue.
func (m *MemoryStore) AddProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.products[p.ID] = p
}

// Seed loads configured products as active catalogue entries. A seed
// without a SKU uses its upper-cased id.
func (m *MemoryStore) Seed(seeds []config.ProductSeed) error {
	for i, s := range seeds {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("catalog product %d: id and name are required", i)
		}
		if s.Price <= 0 {
			return fmt.Errorf("catalog product %s: price must be positive", s.ID)
		}
		sku := s.SKU
		if sku == "" {
			sku = strings.ToUpper(s.ID)
		}
		m.AddProduct(models.Product{
			ID:            s.ID,
			Name:          s.Name,
			SKU:           sku,
			Price:         decimal.NewFromFloat(s.Price),
			StockQuantity: s.Stock,
			TrackStock:    !s.MadeToOrder,
			IsActive:      true,
		})
	}
	return nil
}

// Counts returns the number of orders, items and payments stored.
func (m *MemoryStore) Counts() (orders, items, payments int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data.orders), len(m.data.items), len(m.data.payments)
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.data.clone()
	if err := fn(&memView{data: working}); err != nil {
		return err
	}
	m.data = working
	return nil
}

func (m *MemoryStore) view() (*memView, func()) {
	m.mu.Lock()
	return &memView{data: m.data}, m.mu.Unlock
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) FindProduct(ctx context.Context, id string) (*models.Product, error) {
	v, done := m.view()
	defer done()
	return v.FindProduct(ctx, id)
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	v, done := m.view()
	defer done()
	return v.CreateOrder(ctx, order)
}

func (m *MemoryStore) SaveOrder(ctx context.Context, order *models.Order) error {
	v, done := m.view()
	defer done()
	return v.SaveOrder(ctx, order)
}

func (m *MemoryStore) FindOrder(ctx context.Context, id string) (*models.Order, error) {
	v, done := m.view()
	defer done()
	return v.FindOrder(ctx, id)
}

func (m *MemoryStore) LockOrder(ctx context.Context, id string) (*models.Order, error) {
	v, done := m.view()
	defer done()
	return v.LockOrder(ctx, id)
}

func (m *MemoryStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, int64, error) {
	v, done := m.view()
	defer done()
	return v.ListOrders(ctx, filter)
}

func (m *MemoryStore) OrderStats(ctx context.Context, now time.Time) (*OrderStats, error) {
	v, done := m.view()
	defer done()
	return v.OrderStats(ctx, now)
}

func (m *MemoryStore) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	v, done := m.view()
	defer done()
	return v.CreateOrderItem(ctx, item)
}

func (m *MemoryStore) SaveOrderItem(ctx context.Context, item *models.OrderItem) error {
	v, done := m.view()
	defer done()
	return v.SaveOrderItem(ctx, item)
}

func (m *MemoryStore) FindOrderItem(ctx context.Context, orderID, itemID string) (*models.OrderItem, error) {
	v, done := m.view()
	defer done()
	return v.FindOrderItem(ctx, orderID, itemID)
}

func (m *MemoryStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	v, done := m.view()
	defer done()
	return v.CreatePayment(ctx, payment)
}

func (m *MemoryStore) SavePayment(ctx context.Context, payment *models.Payment) error {
	v, done := m.view()
	defer done()
	return v.SavePayment(ctx, payment)
}

func (m *MemoryStore) FindPayment(ctx context.Context, id string) (*models.Payment, error) {
	v, done := m.view()
	defer done()
	return v.FindPayment(ctx, id)
}

func (m *MemoryStore) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	v, done := m.view()
	defer done()
	return v.LockPayment(ctx, id)
}

func (m *MemoryStore) FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error) {
	v, done := m.view()
	defer done()
	return v.FindPaymentByTransaction(ctx, transactionID)
}

func (m *MemoryStore) LockPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error) {
	v, done := m.view()
	defer done()
	return v.LockPaymentByTransaction(ctx, transactionID)
}

func (m *MemoryStore) ListPaymentsByOrder(ctx context.Context, orderID string) ([]models.Payment, error) {
	v, done := m.view()
	defer done()
	return v.ListPaymentsByOrder(ctx, orderID)
}

type memData struct {
	products map[string]models.Product
	orders   map[string]models.Order
	items    map[string]models.OrderItem
	payments map[string]models.Payment
}

func newMemData() *memData {
	return &memData{
		products: map[string]models.Product{},
		orders:   map[string]models.Order{},
		items:    map[string]models.OrderItem{},
		payments: map[string]models.Payment{},
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = copyPayment(v)
	}
	return c
}

func copyJSONMap(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	c := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyOrder(o models.Order) models.Order {
	o.BillingAddress = copyJSONMap(o.BillingAddress)
	o.ShippingAddress = copyJSONMap(o.ShippingAddress)
	o.Items = nil
	o.Payments = nil
	return o
}

func copyPayment(p models.Payment) models.Payment {
	p.ProviderData = copyJSONMap(p.ProviderData)
	p.WebhookData = copyJSONMap(p.WebhookData)
	return p
}

// memView implements Store over a memData without locking; the caller
// holds the MemoryStore mutex.
type memView struct {
	data *memData
}

func (v *memView) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(v)
}

func (v *memView) Ping(context.Context) error { return nil }

func (v *memView) FindProduct(_ context.Context, id string) (*models.Product, error) {
	p, ok := v.data.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (v *memView) CreateOrder(_ context.Context, order *models.Order) error {
	if _, ok := v.data.orders[order.ID]; ok {
		return ErrDuplicate
	}
	for _, o := range v.data.orders {
		if o.OrderNumber == order.OrderNumber {
			return ErrDuplicate
		}
	}
	touch(&order.CreatedAt, &order.UpdatedAt)
	v.data.orders[order.ID] = copyOrder(*order)
	return nil
}

func (v *memView) SaveOrder(_ context.Context, order *models.Order) error {
	order.UpdatedAt = time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = order.UpdatedAt
	}
	v.data.orders[order.ID] = copyOrder(*order)
	return nil
}

func (v *memView) FindOrder(_ context.Context, id string) (*models.Order, error) {
	o, ok := v.data.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	o = copyOrder(o)
	v.attach(&o)
	return &o, nil
}

func (v *memView) LockOrder(_ context.Context, id string) (*models.Order, error) {
	o, ok := v.data.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	o = copyOrder(o)
	return &o, nil
}

func (v *memView) attach(o *models.Order) {
	for _, it := range v.data.items {
		if it.OrderID == o.ID {
			o.Items = append(o.Items, it)
		}
	}
	sort.Slice(o.Items, func(i, j int) bool { return o.Items[i].CreatedAt.Before(o.Items[j].CreatedAt) })
	o.Payments, _ = v.ListPaymentsByOrder(context.Background(), o.ID)
}

func (v *memView) ListOrders(_ context.Context, filter OrderFilter) ([]models.Order, int64, error) {
	filter.Normalize()
	search := strings.ToLower(filter.Search)

	var matched []models.Order
	for _, o := range v.data.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.PaymentStatus != "" && o.PaymentStatus != filter.PaymentStatus {
			continue
		}
		if filter.From != nil && o.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && o.CreatedAt.After(*filter.To) {
			continue
		}
		if search != "" && !matchesSearch(o, search) {
			continue
		}
		matched = append(matched, copyOrder(o))
	}

	sort.SliceStable(matched, func(i, j int) bool {
		less := orderLess(matched[i], matched[j], filter.SortBy)
		if filter.Ascending {
			return less
		}
		return orderLess(matched[j], matched[i], filter.SortBy)
	})

	total := int64(len(matched))
	start := filter.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[start:end]
	for i := range page {
		v.attach(&page[i])
	}
	return page, total, nil
}

func matchesSearch(o models.Order, search string) bool {
	for _, field := range []string{o.OrderNumber, o.CustomerEmail, o.CustomerPhone, o.CustomerFirstName, o.CustomerLastName} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

func orderLess(a, b models.Order, by string) bool {
	switch by {
	case "total_amount":
		return a.TotalAmount.LessThan(b.TotalAmount)
	case "order_number":
		return a.OrderNumber < b.OrderNumber
	case "status":
		return a.Status < b.Status
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (v *memView) OrderStats(_ context.Context, now time.Time) (*OrderStats, error) {
	day, month, year := statsBoundaries(now)
	stats := &OrderStats{Revenue: decimal.Zero, RevenueMonth: decimal.Zero, RevenueToday: decimal.Zero}
	for _, o := range v.data.orders {
		stats.Total++
		switch o.Status {
		case models.OrderStatusPending:
			stats.Pending++
		case models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped:
			stats.InProgress++
		case models.OrderStatusDelivered:
			stats.Delivered++
		}
		if !o.CreatedAt.Before(day) {
			stats.Today++
		}
		if !o.CreatedAt.Before(month) {
			stats.ThisMonth++
		}
		if !o.CreatedAt.Before(year) {
			stats.ThisYear++
		}
		if o.PaymentStatus == models.OrderPaymentCompleted {
			stats.Revenue = stats.Revenue.Add(o.TotalAmount)
			if !o.CreatedAt.Before(month) {
				stats.RevenueMonth = stats.RevenueMonth.Add(o.TotalAmount)
			}
			if !o.CreatedAt.Before(day) {
				stats.RevenueToday = stats.RevenueToday.Add(o.TotalAmount)
			}
		}
	}
	return stats, nil
}

func (v *memView) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	if _, ok := v.data.orders[item.OrderID]; !ok {
		return ErrNotFound
	}
	if _, ok := v.data.items[item.ID]; ok {
		return ErrDuplicate
	}
	item.RecomputeDerivedFields()
	touch(&item.CreatedAt, &item.UpdatedAt)
	v.data.items[item.ID] = *item
	return nil
}

func (v *memView) SaveOrderItem(_ context.Context, item *models.OrderItem) error {
	item.RecomputeDerivedFields()
	item.UpdatedAt = time.Now()
	v.data.items[item.ID] = *item
	return nil
}

func (v *memView) FindOrderItem(_ context.Context, orderID, itemID string) (*models.OrderItem, error) {
	it, ok := v.data.items[itemID]
	if !ok || it.OrderID != orderID {
		return nil, ErrNotFound
	}
	return &it, nil
}

func (v *memView) CreatePayment(_ context.Context, payment *models.Payment) error {
	if _, ok := v.data.orders[payment.OrderID]; !ok {
		return ErrNotFound
	}
	if _, ok := v.data.payments[payment.ID]; ok {
		return ErrDuplicate
	}
	for _, p := range v.data.payments {
		if p.TransactionID == payment.TransactionID {
			return ErrDuplicate
		}
	}
	touch(&payment.CreatedAt, &payment.UpdatedAt)
	v.data.payments[payment.ID] = copyPayment(*payment)
	return nil
}

func (v *memView) SavePayment(_ context.Context, payment *models.Payment) error {
	payment.UpdatedAt = time.Now()
	v.data.payments[payment.ID] = copyPayment(*payment)
	return nil
}

func (v *memView) FindPayment(_ context.Context, id string) (*models.Payment, error) {
	p, ok := v.data.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	p = copyPayment(p)
	return &p, nil
}

func (v *memView) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	return v.FindPayment(ctx, id)
}

func (v *memView) LockPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error) {
	return v.FindPaymentByTransaction(ctx, transactionID)
}

func (v *memView) FindPaymentByTransaction(_ context.Context, transactionID string) (*models.Payment, error) {
	for _, p := range v.data.payments {
		if p.TransactionID == transactionID || (p.ExternalTransactionID != "" && p.ExternalTransactionID == transactionID) {
			p = copyPayment(p)
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (v *memView) ListPaymentsByOrder(_ context.Context, orderID string) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range v.data.payments {
		if p.OrderID == orderID {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func touch(created, updated *time.Time) {
	now := time.Now()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}
