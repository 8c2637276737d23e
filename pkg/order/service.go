// Package order owns order creation, pricing and the order lifecycle.
package order

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/errs"
	"github.com/example/shopcore/pkg/models"
	"github.com/example/shopcore/pkg/notification"
	"github.com/example/shopcore/pkg/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Sequencer hands out the per-day order counter.
type Sequencer interface {
	NextOrderSequence(ctx context.Context, day time.Time) (int64, error)
}

type Cache interface {
	CacheOrder(ctx context.Context, order *models.Order) error
	GetCachedOrder(ctx context.Context, id string) (*models.Order, error)
	InvalidateOrder(ctx context.Context, id string) error
}

// Pricing is the shop policy applied when an order is created.
type Pricing struct {
	Currency              string
	DeliveryFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	OrderNumberPrefix     string
}

func PricingFromConfig(cfg *config.ShopConfig) Pricing {
	return Pricing{
		Currency:              cfg.Currency,
		DeliveryFee:           decimal.NewFromFloat(cfg.DeliveryFee),
		FreeShippingThreshold: decimal.NewFromFloat(cfg.FreeShippingThreshold),
		OrderNumberPrefix:     cfg.OrderNumberPrefix,
	}
}

// ShippingCost is free from the threshold up, the delivery fee below it.
func (p Pricing) ShippingCost(subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.GreaterThanOrEqual(p.FreeShippingThreshold) {
		return decimal.Zero
	}
	return p.DeliveryFee
}

type Dependencies struct {
	Store      repository.Store
	Cache      Cache
	Sequencer  Sequencer
	Notifier   notification.Notifier
	Auditor    repository.Auditor
	Pricing    Pricing
	Logger     *zap.Logger
	MaxRetries int
	Clock      func() time.Time
}

type Service struct {
	store      repository.Store
	cache      Cache
	seq        Sequencer
	notifier   notification.Notifier
	auditor    repository.Auditor
	pricing    Pricing
	logger     *zap.Logger
	maxRetries int
	clock      func() time.Time
}

func NewService(deps Dependencies) *Service {
	s := &Service{
		store:      deps.Store,
		cache:      deps.Cache,
		seq:        deps.Sequencer,
		notifier:   deps.Notifier,
		auditor:    deps.Auditor,
		pricing:    deps.Pricing,
		logger:     deps.Logger,
		maxRetries: deps.MaxRetries,
		clock:      deps.Clock,
	}
	if s.notifier == nil {
		s.notifier = notification.Nop{}
	}
	if s.auditor == nil {
		s.auditor = repository.NopAuditor{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.maxRetries <= 0 {
		s.maxRetries = models.DefaultRetries
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.pricing.Currency == "" {
		s.pricing.Currency = models.DefaultCurrency
	}
	return s
}

type ItemRequest struct {
	ProductID string
	Quantity  int
	Variant   models.VariantInfo
}

type Customer struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

type Delivery struct {
	Address  string
	City     string
	Quarter  string
	Landmark string
}

func (d Delivery) JSONMap() datatypes.JSONMap {
	m := datatypes.JSONMap{"address": d.Address, "city": d.City}
	if d.Quarter != "" {
		m["quarter"] = d.Quarter
	}
	if d.Landmark != "" {
		m["landmark"] = d.Landmark
	}
	return m
}

type CreateOrderRequest struct {
	Items         []ItemRequest
	Customer      Customer
	Delivery      Delivery
	PaymentMethod models.PaymentMethod
	// DeliveryOnly collects only the delivery fee now and the rest on delivery.
	DeliveryOnly   bool
	ShippingMethod string
	Notes          string
}

func (r *CreateOrderRequest) validate() error {
	fields := map[string]string{}
	if len(r.Items) == 0 {
		fields["items"] = "at least one item is required"
	}
	for i, it := range r.Items {
		if it.ProductID == "" {
			fields[fmt.Sprintf("items[%d].id", i)] = "is required"
		}
		if it.Quantity < 0 {
			fields[fmt.Sprintf("items[%d].quantity", i)] = "must be positive"
		}
	}
	if strings.TrimSpace(r.Customer.FirstName) == "" {
		fields["customer.firstName"] = "is required"
	}
	if strings.TrimSpace(r.Customer.LastName) == "" {
		fields["customer.lastName"] = "is required"
	}
	if _, err := mail.ParseAddress(r.Customer.Email); err != nil {
		fields["customer.email"] = "must be a valid email address"
	}
	if !models.CameroonPhone.MatchString(r.Customer.Phone) {
		fields["customer.phone"] = "must be a valid Cameroon mobile number"
	}
	if strings.TrimSpace(r.Delivery.Address) == "" {
		fields["delivery.address"] = "is required"
	}
	if strings.TrimSpace(r.Delivery.City) == "" {
		fields["delivery.city"] = "is required"
	}
	if !r.PaymentMethod.Valid() {
		fields["payment.method"] = "is not a supported payment method"
	}
	if len(fields) > 0 {
		return errs.Validation(fields)
	}
	return nil
}

type CreateOrderResult struct {
	Order   *models.Order   `json:"order"`
	Payment *models.Payment `json:"payment"`
}

// CreateOrder prices the cart and writes the order, its items and the
// initial payment in one transaction. Any unresolved item aborts the
// whole order.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.clock()

	var order *models.Order
	var payment *models.Payment
	var err error
	for attempt := 1; ; attempt++ {
		number := s.nextOrderNumber(ctx, now)
		numberTaken := false
		err = s.store.WithTx(ctx, func(tx repository.Store) error {
			items := make([]models.OrderItem, 0, len(req.Items))
			subtotal := decimal.Zero

			for _, it := range req.Items {
				product, err := tx.FindProduct(ctx, it.ProductID)
				if errors.Is(err, repository.ErrNotFound) || (err == nil && !product.IsActive) {
					return errs.New(errs.CodeProductNotFound, "product not found: %s", it.ProductID)
				}
				if err != nil {
					return fmt.Errorf("failed to load product: %w", err)
				}
				if product.TrackStock && !product.IsInStock() {
					return errs.New(errs.CodeOutOfStock, "product out of stock: %s", product.Name)
				}

				quantity := it.Quantity
				if quantity == 0 {
					quantity = 1
				}
				item := models.OrderItem{
					ID:             uuid.NewString(),
					ProductID:      product.ID,
					ProductName:    product.Name,
					ProductSKU:     product.SKU,
					ProductImage:   product.FeaturedImage,
					VariantInfo:    datatypes.NewJSONType(it.Variant),
					UnitPrice:      product.Price,
					Quantity:       quantity,
					DiscountAmount: decimal.Zero,
					Status:         models.ItemStatusPending,
				}
				item.RecomputeDerivedFields()
				subtotal = subtotal.Add(item.TotalPrice)
				items = append(items, item)
			}

			shipping := s.pricing.ShippingCost(subtotal)
			paymentAmount := subtotal.Add(shipping)
			remaining := decimal.Zero
			option := models.DeliveryFullPayment
			if req.DeliveryOnly {
				paymentAmount = s.pricing.DeliveryFee
				remaining = subtotal
				option = models.DeliveryPayOnDelivery
			}

			address := req.Delivery.JSONMap()
			order = &models.Order{
				ID:                uuid.NewString(),
				OrderNumber:       number,
				Status:            models.OrderStatusPending,
				PaymentStatus:     models.OrderPaymentPending,
				CustomerEmail:     strings.TrimSpace(req.Customer.Email),
				CustomerPhone:     req.Customer.Phone,
				CustomerFirstName: strings.TrimSpace(req.Customer.FirstName),
				CustomerLastName:  strings.TrimSpace(req.Customer.LastName),
				BillingAddress:    address,
				ShippingAddress:   req.Delivery.JSONMap(),
				Subtotal:          subtotal,
				ShippingCost:      shipping,
				TaxAmount:         decimal.Zero,
				DiscountAmount:    decimal.Zero,
				Currency:          s.pricing.Currency,
				PaymentMethod:     req.PaymentMethod,
				DeliveryOption:    option,
				RemainingBalance:  remaining,
				ShippingMethod:    firstNonEmpty(req.ShippingMethod, "standard"),
				Notes:             req.Notes,
			}
			order.RecomputeDerivedFields()

			if err := tx.CreateOrder(ctx, order); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					numberTaken = true
					return errs.Wrap(errs.CodeConflict, err, "order number %s already taken", number)
				}
				return fmt.Errorf("failed to create order: %w", err)
			}

			for i := range items {
				items[i].OrderID = order.ID
				if err := tx.CreateOrderItem(ctx, &items[i]); err != nil {
					return fmt.Errorf("failed to create order item: %w", err)
				}
			}

			description := fmt.Sprintf("Full payment for order #%s", order.OrderNumber)
			if req.DeliveryOnly {
				description = fmt.Sprintf("Delivery fee for order #%s", order.OrderNumber)
			}
			payment = &models.Payment{
				ID:            uuid.NewString(),
				OrderID:       order.ID,
				TransactionID: models.NewTransactionID(now),
				PaymentMethod: req.PaymentMethod,
				Amount:        paymentAmount,
				Currency:      order.Currency,
				Status:        models.PaymentStatusPending,
				CustomerPhone: order.CustomerPhone,
				CustomerName:  order.CustomerFullName(),
				Description:   description,
				MaxRetries:    s.maxRetries,
			}
			if err := tx.CreatePayment(ctx, payment); err != nil {
				return fmt.Errorf("failed to create payment: %w", err)
			}

			order.Items = items
			order.Payments = []models.Payment{*payment}
			return nil
		})
		if !numberTaken || attempt == orderNumberAttempts {
			break
		}
		s.logger.Warn("Order number already taken, retrying",
			zap.String("order_number", number),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total_amount", order.TotalAmount.String()),
		zap.Bool("delivery_only", req.DeliveryOnly))
	s.audit(ctx, "order.created", order.ID, "", map[string]interface{}{
		"order_number":   order.OrderNumber,
		"total_amount":   order.TotalAmount.String(),
		"payment_amount": payment.Amount.String(),
		"item_count":     len(order.Items),
	})

	return &CreateOrderResult{Order: order, Payment: payment}, nil
}

// orderNumberAttempts bounds the retries when a generated order number is
// already in use.
const orderNumberAttempts = 3

func (s *Service) nextOrderNumber(ctx context.Context, now time.Time) string {
	if s.seq != nil {
		seq, err := s.seq.NextOrderSequence(ctx, now)
		if err == nil {
			return models.FormatOrderNumber(s.pricing.OrderNumberPrefix, now, seq)
		}
		s.logger.Warn("Order counter unavailable, using clock", zap.Error(err))
	}
	return models.FallbackOrderNumber(s.pricing.OrderNumberPrefix, now)
}

type UpdateStatusRequest struct {
	Status             models.OrderStatus
	Notes              string
	EstimatedDelivery  *time.Time
	CancellationReason string
}

// UpdateStatus moves the order along its lifecycle. A request for the
// current status only updates notes and estimate and sends nothing.
func (s *Service) UpdateStatus(ctx context.Context, id string, req UpdateStatusRequest, principal models.Principal) (*models.Order, error) {
	now := s.clock()

	var order *models.Order
	var changed bool
	var previous models.OrderStatus
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		order, err = tx.LockOrder(ctx, id)
		if err != nil {
			return notFound(err, errs.ErrOrderNotFound)
		}
		previous = order.Status

		changed, err = order.TransitionTo(req.Status, now)
		if err != nil {
			return err
		}
		if req.Notes != "" {
			order.Notes = req.Notes
		}
		if req.EstimatedDelivery != nil {
			order.EstimatedDelivery = req.EstimatedDelivery
		}
		if changed && order.Status == models.OrderStatusCancelled && req.CancellationReason != "" {
			order.CancellationReason = req.CancellationReason
		}
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, id)
	if changed {
		s.logger.Info("Order status changed",
			zap.String("order_id", id),
			zap.String("from", string(previous)),
			zap.String("to", string(order.Status)))
		s.audit(ctx, "order.status_changed", id, principal.ID, map[string]interface{}{
			"from":  string(previous),
			"to":    string(order.Status),
			"notes": req.Notes,
		})
		s.notify(ctx, order, req.EstimatedDelivery)
	}

	return s.findOrder(ctx, id)
}

// UpdateItemStatus moves one order line along the item table.
func (s *Service) UpdateItemStatus(ctx context.Context, orderID, itemID string, status models.ItemStatus, principal models.Principal) (*models.OrderItem, error) {
	var item *models.OrderItem
	var previous models.ItemStatus
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		if _, err := tx.LockOrder(ctx, orderID); err != nil {
			return notFound(err, errs.ErrOrderNotFound)
		}
		var err error
		item, err = tx.FindOrderItem(ctx, orderID, itemID)
		if err != nil {
			return notFound(err, errs.New(errs.CodeNotFound, "order item not found"))
		}
		previous = item.Status
		if err := item.TransitionTo(status); err != nil {
			return err
		}
		return tx.SaveOrderItem(ctx, item)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, orderID)
	if previous != item.Status {
		s.audit(ctx, "order.item_status_changed", orderID, principal.ID, map[string]interface{}{
			"item_id": itemID,
			"from":    string(previous),
			"to":      string(item.Status),
		})
	}
	return item, nil
}

// GetOrder reads through the cache.
func (s *Service) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if s.cache != nil {
		cached, err := s.cache.GetCachedOrder(ctx, id)
		if err != nil {
			s.logger.Warn("Order cache read failed", zap.String("order_id", id), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	order, err := s.findOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.CacheOrder(ctx, order); err != nil {
			s.logger.Warn("Failed to cache order", zap.String("order_id", id), zap.Error(err))
		}
	}
	return order, nil
}

type Pagination struct {
	CurrentPage  int   `json:"currentPage"`
	TotalPages   int   `json:"totalPages"`
	TotalItems   int64 `json:"totalItems"`
	ItemsPerPage int   `json:"itemsPerPage"`
}

type OrderPage struct {
	Orders     []models.Order `json:"orders"`
	Pagination Pagination     `json:"pagination"`
}

func (s *Service) ListOrders(ctx context.Context, filter repository.OrderFilter) (*OrderPage, error) {
	filter.Normalize()
	orders, total, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	pages := int((total + int64(filter.Limit) - 1) / int64(filter.Limit))
	return &OrderPage{
		Orders: orders,
		Pagination: Pagination{
			CurrentPage:  filter.Page,
			TotalPages:   pages,
			TotalItems:   total,
			ItemsPerPage: filter.Limit,
		},
	}, nil
}

func (s *Service) Stats(ctx context.Context) (*repository.OrderStats, error) {
	return s.store.OrderStats(ctx, s.clock())
}

// CollectBalance records the money collected at the door for a
// pay-on-delivery order and settles it.
func (s *Service) CollectBalance(ctx context.Context, orderID string, method models.PaymentMethod, principal models.Principal) (*models.Order, error) {
	if method == "" {
		method = models.PaymentMethodCash
	}
	if !method.Valid() {
		return nil, errs.Validation(map[string]string{"method": "is not a supported payment method"})
	}

	now := s.clock()
	var order *models.Order
	var payment *models.Payment
	var changed bool
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return notFound(err, errs.ErrOrderNotFound)
		}
		if order.DeliveryOption != models.DeliveryPayOnDelivery || !order.RemainingBalance.IsPositive() {
			return errs.New(errs.CodeConflict, "order %s has no outstanding balance", order.OrderNumber)
		}

		payment = &models.Payment{
			ID:            uuid.NewString(),
			OrderID:       order.ID,
			TransactionID: models.NewTransactionID(now),
			PaymentMethod: method,
			Provider:      models.ProviderManual,
			Amount:        order.RemainingBalance,
			Currency:      order.Currency,
			Status:        models.PaymentStatusPending,
			CustomerPhone: order.CustomerPhone,
			CustomerName:  order.CustomerFullName(),
			Description:   fmt.Sprintf("Balance collected on delivery for order #%s", order.OrderNumber),
			MaxRetries:    s.maxRetries,
			InitiatedAt:   &now,
		}
		payment.TransitionTo(models.PaymentStatusCompleted, now)
		payment.MergeProviderData("collected_by", principal.ID)
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}

		order.RemainingBalance = decimal.Zero
		changed = order.ApplyPaymentOutcome(models.PaymentStatusCompleted, now, false)
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, orderID)
	s.audit(ctx, "order.balance_collected", orderID, principal.ID, map[string]interface{}{
		"payment_id": payment.ID,
		"amount":     payment.Amount.String(),
		"method":     string(method),
	})
	if changed {
		s.notify(ctx, order, nil)
	}
	return s.findOrder(ctx, orderID)
}

func (s *Service) findOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.store.FindOrder(ctx, id)
	if err != nil {
		return nil, notFound(err, errs.ErrOrderNotFound)
	}
	return order, nil
}

func (s *Service) notify(ctx context.Context, order *models.Order, estimatedDelivery *time.Time) {
	if err := s.notifier.NotifyStatusChange(ctx, order, order.Status, estimatedDelivery); err != nil {
		s.logger.Error("Failed to send status notification",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateOrder(ctx, id); err != nil {
		s.logger.Warn("Failed to invalidate order cache", zap.String("order_id", id), zap.Error(err))
	}
}

func (s *Service) audit(ctx context.Context, action, entityID, actor string, data map[string]interface{}) {
	err := s.auditor.Record(ctx, repository.AuditEntry{
		Action:   action,
		EntityID: entityID,
		OrderID:  entityID,
		Actor:    actor,
		Data:     data,
	})
	if err != nil {
		s.logger.Warn("Failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func notFound(err error, sentinel *errs.Error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return sentinel
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
