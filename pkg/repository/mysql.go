package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MySQLRepository struct {
	db *gorm.DB
}

func NewMySQLRepository(cfg *config.MySQLConfig) (*MySQLRepository, error) {
	// Connect to MySQL
	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&models.Product{}, &models.Order{}, &models.OrderItem{}, &models.Payment{}); err != nil {
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}

	return &MySQLRepository{db: db}, nil
}

func (r *MySQLRepository) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&MySQLRepository{db: tx})
	})
}

func (r *MySQLRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *MySQLRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *MySQLRepository) FindProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&product).Error; err != nil {
		return nil, translate(err)
	}
	return &product, nil
}

func (r *MySQLRepository) CreateOrder(ctx context.Context, order *models.Order) error {
	return translate(r.db.WithContext(ctx).Omit(clause.Associations).Create(order).Error)
}

func (r *MySQLRepository) SaveOrder(ctx context.Context, order *models.Order) error {
	return translate(r.db.WithContext(ctx).Omit(clause.Associations).Save(order).Error)
}

func (r *MySQLRepository) FindOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (r *MySQLRepository) LockOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (r *MySQLRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, int64, error) {
	filter.Normalize()

	query := r.db.WithContext(ctx).Model(&models.Order{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PaymentStatus != "" {
		query = query.Where("payment_status = ?", filter.PaymentStatus)
	}
	if filter.Search != "" {
		like := "%" + strings.ToLower(filter.Search) + "%"
		query = query.Where(
			"LOWER(order_number) LIKE ? OR LOWER(customer_email) LIKE ? OR customer_phone LIKE ? OR LOWER(customer_first_name) LIKE ? OR LOWER(customer_last_name) LIKE ?",
			like, like, like, like, like,
		)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	var orders []models.Order
	err := query.
		Order(clause.OrderByColumn{Column: clause.Column{Name: filter.SortBy}, Desc: !filter.Ascending}).
		Offset(filter.Offset()).
		Limit(filter.Limit).
		Preload("Items").
		Preload("Payments").
		Find(&orders).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, total, nil
}

func (r *MySQLRepository) OrderStats(ctx context.Context, now time.Time) (*OrderStats, error) {
	day, month, year := statsBoundaries(now)
	db := r.db.WithContext(ctx).Model(&models.Order{})
	stats := &OrderStats{}

	counts := []struct {
		dst   *int64
		query string
		args  []interface{}
	}{
		{&stats.Total, "1 = 1", nil},
		{&stats.Pending, "status = ?", []interface{}{models.OrderStatusPending}},
		{&stats.InProgress, "status IN ?", []interface{}{[]models.OrderStatus{models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped}}},
		{&stats.Delivered, "status = ?", []interface{}{models.OrderStatusDelivered}},
		{&stats.Today, "created_at >= ?", []interface{}{day}},
		{&stats.ThisMonth, "created_at >= ?", []interface{}{month}},
		{&stats.ThisYear, "created_at >= ?", []interface{}{year}},
	}
	for _, c := range counts {
		if err := db.Session(&gorm.Session{}).Where(c.query, c.args...).Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("failed to count orders: %w", err)
		}
	}

	sums := []struct {
		dst   *decimal.Decimal
		since *time.Time
	}{
		{&stats.Revenue, nil},
		{&stats.RevenueMonth, &month},
		{&stats.RevenueToday, &day},
	}
	for _, s := range sums {
		q := db.Session(&gorm.Session{}).Where("payment_status = ?", models.OrderPaymentCompleted)
		if s.since != nil {
			q = q.Where("created_at >= ?", *s.since)
		}
		if err := q.Select("COALESCE(SUM(total_amount), 0)").Row().Scan(s.dst); err != nil {
			return nil, fmt.Errorf("failed to sum revenue: %w", err)
		}
	}
	return stats, nil
}

func (r *MySQLRepository) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	item.RecomputeDerivedFields()
	return translate(r.db.WithContext(ctx).Create(item).Error)
}

func (r *MySQLRepository) SaveOrderItem(ctx context.Context, item *models.OrderItem) error {
	item.RecomputeDerivedFields()
	return translate(r.db.WithContext(ctx).Save(item).Error)
}

func (r *MySQLRepository) FindOrderItem(ctx context.Context, orderID, itemID string) (*models.OrderItem, error) {
	var item models.OrderItem
	if err := r.db.WithContext(ctx).Where("id = ? AND order_id = ?", itemID, orderID).First(&item).Error; err != nil {
		return nil, translate(err)
	}
	return &item, nil
}

func (r *MySQLRepository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return translate(r.db.WithContext(ctx).Create(payment).Error)
}

func (r *MySQLRepository) SavePayment(ctx context.Context, payment *models.Payment) error {
	return translate(r.db.WithContext(ctx).Save(payment).Error)
}

func (r *MySQLRepository) FindPayment(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

func (r *MySQLRepository) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&payment).Error
	if err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

func (r *MySQLRepository) FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("transaction_id = ? OR external_transaction_id = ?", transactionID, transactionID).
		First(&payment).Error
	if err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

func (r *MySQLRepository) LockPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ? OR external_transaction_id = ?", transactionID, transactionID).
		First(&payment).Error
	if err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

func (r *MySQLRepository) ListPaymentsByOrder(ctx context.Context, orderID string) ([]models.Payment, error) {
	var payments []models.Payment
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at ASC").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}
