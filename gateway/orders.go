package gateway

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/shopcore/pkg/errs"
	"github.com/example/shopcore/pkg/models"
	"github.com/example/shopcore/pkg/order"
	"github.com/example/shopcore/pkg/payment"
	"github.com/example/shopcore/pkg/repository"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type orderItemRequest struct {
	ID               string                 `json:"id" binding:"required"`
	Quantity         int                    `json:"quantity" binding:"omitempty,min=1,max=100"`
	SelectedSize     string                 `json:"selectedSize"`
	SelectedColor    string                 `json:"selectedColor"`
	SelectedMaterial string                 `json:"selectedMaterial"`
	Extra            map[string]interface{} `json:"variantExtra"`
}

type customerRequest struct {
	FirstName string `json:"firstName" binding:"required"`
	LastName  string `json:"lastName" binding:"required"`
	Email     string `json:"email" binding:"required,email"`
	Phone     string `json:"phone" binding:"required,cmphone"`
}

type deliveryRequest struct {
	Address  string `json:"address" binding:"required"`
	City     string `json:"city" binding:"required"`
	Quarter  string `json:"quarter"`
	Landmark string `json:"landmark"`
}

type paymentChoice struct {
	Method string `json:"method" binding:"required,payment_method"`
	Phone  string `json:"phone" binding:"omitempty,cmphone"`
}

type createOrderRequest struct {
	Items        []orderItemRequest `json:"items" binding:"required,min=1,dive"`
	Customer     customerRequest    `json:"customer"`
	Delivery     deliveryRequest    `json:"delivery"`
	Payment      paymentChoice      `json:"payment"`
	DeliveryOnly bool               `json:"deliveryOnly"`
	Notes        string             `json:"notes"`
}

func (r *createOrderRequest) toService() order.CreateOrderRequest {
	items := make([]order.ItemRequest, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, order.ItemRequest{
			ProductID: it.ID,
			Quantity:  it.Quantity,
			Variant: models.VariantInfo{
				Size:     it.SelectedSize,
				Color:    it.SelectedColor,
				Material: it.SelectedMaterial,
				Extra:    it.Extra,
			},
		})
	}
	return order.CreateOrderRequest{
		Items: items,
		Customer: order.Customer{
			FirstName: r.Customer.FirstName,
			LastName:  r.Customer.LastName,
			Email:     r.Customer.Email,
			Phone:     r.Customer.Phone,
		},
		Delivery: order.Delivery{
			Address:  r.Delivery.Address,
			City:     r.Delivery.City,
			Quarter:  r.Delivery.Quarter,
			Landmark: r.Delivery.Landmark,
		},
		PaymentMethod: models.PaymentMethod(r.Payment.Method),
		DeliveryOnly:  r.DeliveryOnly,
		Notes:         r.Notes,
	}
}

// createOrder is the public checkout. With payment.auto_initiate the
// initial mobile-money payment is opened with a provider straight away;
// a provider failure leaves the order in place and is reported alongside.
func (g *Gateway) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.respondError(c, bindingError(err))
		return
	}

	ctx := c.Request.Context()
	result, err := g.services.Orders.CreateOrder(ctx, req.toService())
	if err != nil {
		g.respondError(c, err)
		return
	}

	o, p := result.Order, result.Payment
	paymentBody := gin.H{
		"id":            p.ID,
		"transactionId": p.TransactionID,
		"amount":        p.Amount,
		"status":        p.Status,
	}

	if g.config.Payment.AutoInitiate && p.PaymentMethod.MobileMoney() {
		phone := req.Payment.Phone
		if phone == "" {
			phone = o.CustomerPhone
		}
		started, err := g.services.Payments.InitiatePayment(ctx, payment.InitiateParams{
			OrderID:   o.ID,
			PaymentID: p.ID,
			Amount:    p.Amount,
			Currency:  p.Currency,
			Phone:     phone,
			Method:    p.PaymentMethod,
		})
		if err != nil {
			g.logger.Warn("Automatic payment initiation failed", zap.String("order_id", o.ID), zap.Error(err))
			paymentBody["error"] = "payment could not be started, please retry"
		} else {
			paymentBody["provider"] = started.Provider
			paymentBody["paymentUrl"] = started.PaymentURL
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "order created",
		"order": gin.H{
			"id":               o.ID,
			"orderNumber":      o.OrderNumber,
			"status":           o.Status,
			"total":            o.TotalAmount,
			"subtotal":         o.Subtotal,
			"shippingCost":     o.ShippingCost,
			"paymentStatus":    o.PaymentStatus,
			"paymentMethod":    o.PaymentMethod,
			"deliveryOption":   o.DeliveryOption,
			"remainingBalance": o.RemainingBalance,
		},
		"payment": paymentBody,
	})
}

type listOrdersQuery struct {
	Page          int    `form:"page"`
	Limit         int    `form:"limit"`
	Status        string `form:"status"`
	PaymentStatus string `form:"payment_status"`
	Search        string `form:"search"`
	DateFrom      string `form:"date_from"`
	DateTo        string `form:"date_to"`
	SortBy        string `form:"sortBy"`
	Order         string `form:"order"`
}

func (q *listOrdersQuery) filter() (repository.OrderFilter, error) {
	f := repository.OrderFilter{
		Status:        models.OrderStatus(q.Status),
		PaymentStatus: models.OrderPaymentStatus(q.PaymentStatus),
		Search:        strings.TrimSpace(q.Search),
		SortBy:        q.SortBy,
		Ascending:     strings.EqualFold(q.Order, "asc"),
		Page:          q.Page,
		Limit:         q.Limit,
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, errs.Validation(map[string]string{"status": "unknown order status"})
	}
	if f.PaymentStatus != "" && !f.PaymentStatus.Valid() {
		return f, errs.Validation(map[string]string{"payment_status": "unknown payment status"})
	}
	var err error
	if f.From, err = parseDate(q.DateFrom, false); err != nil {
		return f, errs.Validation(map[string]string{"date_from": "must be a date (YYYY-MM-DD) or RFC3339 time"})
	}
	if f.To, err = parseDate(q.DateTo, true); err != nil {
		return f, errs.Validation(map[string]string{"date_to": "must be a date (YYYY-MM-DD) or RFC3339 time"})
	}
	return f, nil
}

// parseDate accepts a day or an RFC3339 time. A bare day used as an upper
// bound covers the whole day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (g *Gateway) listOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		g.respondError(c, bindingError(err))
		return
	}
	filter, err := q.filter()
	if err != nil {
		g.respondError(c, err)
		return
	}

	page, err := g.services.Orders.ListOrders(c.Request.Context(), filter)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (g *Gateway) orderStats(c *gin.Context) {
	stats, err := g.services.Orders.Stats(c.Request.Context())
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (g *Gateway) getOrder(c *gin.Context) {
	o, err := g.services.Orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (g *Gateway) orderReceipt(c *gin.Context) {
	receipt, err := g.services.Orders.Receipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (g *Gateway) orderAudit(c *gin.Context) {
	if g.services.Audit == nil {
		g.respondError(c, errs.New(errs.CodeNotFound, "audit log is not available"))
		return
	}
	logs, err := g.services.Audit.Trail(c.Request.Context(), c.Param("id"), 100)
	if err != nil {
		g.respondError(c, fmt.Errorf("failed to read audit log: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs})
}

type updateStatusRequest struct {
	Status             string     `json:"status" binding:"required"`
	Notes              string     `json:"notes"`
	EstimatedDelivery  *time.Time `json:"estimated_delivery"`
	CancellationReason string     `json:"cancellation_reason"`
}

func (g *Gateway) updateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.respondError(c, bindingError(err))
		return
	}

	o, err := g.services.Orders.UpdateStatus(c.Request.Context(), c.Param("id"), order.UpdateStatusRequest{
		Status:             models.OrderStatus(req.Status),
		Notes:              req.Notes,
		EstimatedDelivery:  req.EstimatedDelivery,
		CancellationReason: req.CancellationReason,
	}, principalFrom(c))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order status updated", "order": o})
}

type itemStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (g *Gateway) updateItemStatus(c *gin.Context) {
	var req itemStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.respondError(c, bindingError(err))
		return
	}

	item, err := g.services.Orders.UpdateItemStatus(c.Request.Context(), c.Param("id"), c.Param("itemId"),
		models.ItemStatus(req.Status), principalFrom(c))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "item status updated", "item": item})
}

type validationRequest struct {
	Approved *bool  `json:"approved"`
	Notes    string `json:"notes"`
}

// approved defaults to true when the field is absent.
func (r *validationRequest) approved() bool {
	return r.Approved == nil || *r.Approved
}

func (g *Gateway) validateOrderPayment(c *gin.Context) {
	var req validationRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		g.respondError(c, err)
		return
	}

	o, err := g.services.Payments.ValidateOrderPayments(c.Request.Context(), c.Param("id"), req.approved(), req.Notes, principalFrom(c))
	if err != nil {
		g.respondError(c, err)
		return
	}
	msg := "payment approved"
	if !req.approved() {
		msg = "payment rejected"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "order": o})
}

type collectBalanceRequest struct {
	Method string `json:"method" binding:"omitempty,payment_method"`
}

func (g *Gateway) collectBalance(c *gin.Context) {
	var req collectBalanceRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		g.respondError(c, err)
		return
	}

	o, err := g.services.Orders.CollectBalance(c.Request.Context(), c.Param("id"), models.PaymentMethod(req.Method), principalFrom(c))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "balance collected", "order": o})
}

type exportRequest struct {
	Format        string `json:"format"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Search        string `json:"search"`
	DateFrom      string `json:"date_from"`
	DateTo        string `json:"date_to"`
}

func (g *Gateway) exportOrders(c *gin.Context) {
	var req exportRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		g.respondError(c, err)
		return
	}
	if req.Format != "" && !strings.EqualFold(req.Format, "csv") {
		g.respondError(c, errs.Validation(map[string]string{"format": "only csv export is supported"}))
		return
	}

	q := listOrdersQuery{
		Status:        req.Status,
		PaymentStatus: req.PaymentStatus,
		Search:        req.Search,
		DateFrom:      req.DateFrom,
		DateTo:        req.DateTo,
	}
	filter, err := q.filter()
	if err != nil {
		g.respondError(c, err)
		return
	}

	var buf bytes.Buffer
	n, err := g.services.Orders.ExportCSV(c.Request.Context(), filter, &buf)
	if err != nil {
		g.respondError(c, err)
		return
	}

	g.logger.Info("Orders exported", zap.Int("count", n), zap.String("by", principalFrom(c).ID))
	filename := fmt.Sprintf("orders-%s.csv", time.Now().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}
