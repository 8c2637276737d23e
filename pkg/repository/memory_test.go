package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOrder(t *testing.T, s Store, id string, status models.OrderStatus, total int64) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:                id,
		OrderNumber:       "BC-" + id,
		Status:            status,
		PaymentStatus:     models.OrderPaymentPending,
		CustomerEmail:     id + "@example.com",
		CustomerPhone:     "677000000",
		CustomerFirstName: "Awa",
		CustomerLastName:  "Ngono",
		TotalAmount:       decimal.NewFromInt(total),
	}
	require.NoError(t, s.CreateOrder(context.Background(), o))
	return o
}

func TestMemoryStoreRollsBackFailedTx(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Store) error {
		o := seedOrder(t, tx, "o1", models.OrderStatusPending, 1000)
		require.NoError(t, tx.CreateOrderItem(ctx, &models.OrderItem{ID: "i1", OrderID: o.ID, Quantity: 1}))
		require.NoError(t, tx.CreatePayment(ctx, &models.Payment{ID: "p1", OrderID: o.ID, TransactionID: "PAY-1"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	orders, items, payments := s.Counts()
	assert.Zero(t, orders)
	assert.Zero(t, items)
	assert.Zero(t, payments)
}

func TestMemoryStoreCommitsTx(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.WithTx(ctx, func(tx Store) error {
		o := seedOrder(t, tx, "o1", models.OrderStatusPending, 1000)
		return tx.CreatePayment(ctx, &models.Payment{ID: "p1", OrderID: o.ID, TransactionID: "PAY-1", ExternalTransactionID: "ext-1"})
	})
	require.NoError(t, err)

	o, err := s.FindOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, o.Payments, 1)

	p, err := s.FindPaymentByTransaction(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	_, err = s.FindPaymentByTransaction(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedOrder(t, s, "o1", models.OrderStatusPending, 1000)

	dup := &models.Order{ID: "o2", OrderNumber: "BC-o1"}
	assert.ErrorIs(t, s.CreateOrder(ctx, dup), ErrDuplicate)

	require.NoError(t, s.CreatePayment(ctx, &models.Payment{ID: "p1", OrderID: "o1", TransactionID: "PAY-1"}))
	assert.ErrorIs(t, s.CreatePayment(ctx, &models.Payment{ID: "p2", OrderID: "o1", TransactionID: "PAY-1"}), ErrDuplicate)
	assert.ErrorIs(t, s.CreatePayment(ctx, &models.Payment{ID: "p3", OrderID: "missing", TransactionID: "PAY-3"}), ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedOrder(t, s, "o1", models.OrderStatusPending, 1000)

	o, err := s.FindOrder(ctx, "o1")
	require.NoError(t, err)
	o.Status = models.OrderStatusCancelled

	again, err := s.FindOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, again.Status)
}

func TestMemoryStoreListOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 1; i <= 5; i++ {
		status := models.OrderStatusPending
		if i%2 == 0 {
			status = models.OrderStatusConfirmed
		}
		seedOrder(t, s, fmt.Sprintf("o%d", i), status, int64(i*1000))
	}

	orders, total, err := s.ListOrders(ctx, OrderFilter{Status: models.OrderStatusPending})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, orders, 3)

	orders, total, err = s.ListOrders(ctx, OrderFilter{SortBy: "total_amount", Ascending: true, Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, orders, 2)
	assert.Equal(t, "o3", orders[0].ID)
	assert.Equal(t, "o4", orders[1].ID)

	orders, _, err = s.ListOrders(ctx, OrderFilter{Search: "O5@EXAMPLE"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o5", orders[0].ID)

	future := time.Now().Add(time.Hour)
	orders, total, err = s.ListOrders(ctx, OrderFilter{From: &future})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, orders)
}

func TestMemoryStoreOrderStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedOrder(t, s, "o1", models.OrderStatusPending, 1000)
	seedOrder(t, s, "o2", models.OrderStatusShipped, 2000)
	paid := seedOrder(t, s, "o3", models.OrderStatusDelivered, 3000)
	paid.PaymentStatus = models.OrderPaymentCompleted
	require.NoError(t, s.SaveOrder(ctx, paid))

	stats, err := s.OrderStats(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 1, stats.InProgress)
	assert.EqualValues(t, 1, stats.Delivered)
	assert.EqualValues(t, 3, stats.Today)
	assert.True(t, stats.Revenue.Equal(decimal.NewFromInt(3000)))
	assert.True(t, stats.RevenueToday.Equal(decimal.NewFromInt(3000)))
}

func TestOrderFilterNormalize(t *testing.T) {
	f := OrderFilter{Page: -1, Limit: 1000, SortBy: "password"}
	f.Normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 20, f.Limit)
	assert.Equal(t, "created_at", f.SortBy)
	assert.Equal(t, 0, f.Offset())
}

func TestMemoryStoreSeed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Seed([]config.ProductSeed{
		{ID: "robe", Name: "Robe Kaba", SKU: "RB-01", Price: 6500, Stock: 4},
		{ID: "sur-mesure", Name: "Ensemble", Price: 25000, MadeToOrder: true},
	}))

	p, err := s.FindProduct(context.Background(), "robe")
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(6500)))
	assert.Equal(t, 4, p.StockQuantity)
	assert.True(t, p.TrackStock)
	assert.True(t, p.IsActive)

	p, err = s.FindProduct(context.Background(), "sur-mesure")
	require.NoError(t, err)
	assert.Equal(t, "SUR-MESURE", p.SKU)
	assert.False(t, p.TrackStock)

	assert.Error(t, s.Seed([]config.ProductSeed{{ID: "x", Name: "Free", Price: 0}}))
	assert.Error(t, s.Seed([]config.ProductSeed{{Name: "No id", Price: 10}}))
}
