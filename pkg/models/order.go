package models

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/example/shopcore/pkg/errs"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CameroonPhone matches local and international Cameroon mobile numbers.
var CameroonPhone = regexp.MustCompile(`^(\+237|237)?[6-9][0-9]{8}$`)

type Order struct {
	ID                 string             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrderNumber        string             `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_number"`
	Status             OrderStatus        `gorm:"type:varchar(20);default:'pending';index;not null" json:"status"`
	PaymentStatus      OrderPaymentStatus `gorm:"type:varchar(20);default:'pending';index;not null" json:"payment_status"`
	CustomerEmail      string             `gorm:"type:varchar(100);index;not null" json:"customer_email"`
	CustomerPhone      string             `gorm:"type:varchar(20);index;not null" json:"customer_phone"`
	CustomerFirstName  string             `gorm:"type:varchar(100);not null" json:"customer_first_name"`
	CustomerLastName   string             `gorm:"type:varchar(100);not null" json:"customer_last_name"`
	BillingAddress     datatypes.JSONMap  `gorm:"type:json" json:"billing_address"`
	ShippingAddress    datatypes.JSONMap  `gorm:"type:json" json:"shipping_address"`
	Subtotal           decimal.Decimal    `gorm:"type:decimal(10,2);not null" json:"subtotal"`
	ShippingCost       decimal.Decimal    `gorm:"type:decimal(10,2);not null" json:"shipping_cost"`
	TaxAmount          decimal.Decimal    `gorm:"type:decimal(10,2);not null" json:"tax_amount"`
	DiscountAmount     decimal.Decimal    `gorm:"type:decimal(10,2);not null" json:"discount_amount"`
	TotalAmount        decimal.Decimal    `gorm:"type:decimal(10,2);index;not null" json:"total_amount"`
	Currency           string             `gorm:"type:varchar(3);default:'XAF';not null" json:"currency"`
	PaymentMethod      PaymentMethod      `gorm:"type:varchar(20)" json:"payment_method"`
	PaymentReference   string             `gorm:"type:varchar(64)" json:"payment_reference,omitempty"`
	DeliveryOption     DeliveryOption     `gorm:"type:varchar(20);default:'full_payment';not null" json:"delivery_option"`
	RemainingBalance   decimal.Decimal    `gorm:"type:decimal(10,2);not null" json:"remaining_balance"`
	ShippingMethod     string             `gorm:"type:varchar(32);default:'standard'" json:"shipping_method"`
	TrackingNumber     string             `gorm:"type:varchar(64)" json:"tracking_number,omitempty"`
	ConfirmedAt        *time.Time         `json:"confirmed_at,omitempty"`
	ShippedAt          *time.Time         `json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time         `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	EstimatedDelivery  *time.Time         `json:"estimated_delivery,omitempty"`
	Notes              string             `gorm:"type:text" json:"notes,omitempty"`
	AdminNotes         string             `gorm:"type:text" json:"admin_notes,omitempty"`
	CancellationReason string             `gorm:"type:varchar(255)" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time          `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`

	Items    []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	Payments []Payment   `gorm:"foreignKey:OrderID" json:"payments,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

func (o *Order) CustomerFullName() string {
	return strings.TrimSpace(o.CustomerFirstName + " " + o.CustomerLastName)
}

func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusConfirmed
}

func (o *Order) CanBeShipped() bool {
	return o.Status == OrderStatusProcessing && o.PaymentStatus == OrderPaymentCompleted
}

// RecomputeDerivedFields restores total_amount = subtotal + shipping_cost.
func (o *Order) RecomputeDerivedFields() {
	o.TotalAmount = o.Subtotal.Add(o.ShippingCost)
}

// TransitionTo moves the order along the status table. Moving to the
// current status is a no-op and reports false.
func (o *Order) TransitionTo(next OrderStatus, now time.Time) (bool, error) {
	if !next.Valid() {
		return false, errs.New(errs.CodeUnsupportedStatus, "unknown order status %q", next)
	}
	if next == o.Status {
		return false, nil
	}
	if !o.Status.CanTransitionTo(next) {
		return false, errs.New(errs.CodeInvalidTransition, "cannot move order from %s to %s", o.Status, next)
	}
	o.Status = next
	o.stamp(now)
	return true, nil
}

// stamp sets the timestamp belonging to the current status. First write wins.
func (o *Order) stamp(now time.Time) {
	switch o.Status {
	case OrderStatusConfirmed:
		if o.ConfirmedAt == nil {
			o.ConfirmedAt = &now
		}
	case OrderStatusShipped:
		if o.ShippedAt == nil {
			o.ShippedAt = &now
		}
		if o.TrackingNumber == "" {
			o.TrackingNumber = NewTrackingNumber(now)
		}
	case OrderStatusDelivered:
		if o.DeliveredAt == nil {
			o.DeliveredAt = &now
		}
		if o.CompletedAt == nil {
			o.CompletedAt = &now
		}
	case OrderStatusCancelled:
		if o.CancelledAt == nil {
			o.CancelledAt = &now
		}
	}
}

// ApplyPaymentOutcome folds a payment result into the order and reports
// whether the order status moved. Without override a failed attempt never
// downgrades money already received.
func (o *Order) ApplyPaymentOutcome(status PaymentStatus, now time.Time, override bool) bool {
	switch status {
	case PaymentStatusCompleted:
		if o.RemainingBalance.IsPositive() {
			o.PaymentStatus = OrderPaymentPartial
		} else {
			o.PaymentStatus = OrderPaymentCompleted
		}
		if o.Status == OrderStatusPending {
			changed, _ := o.TransitionTo(OrderStatusConfirmed, now)
			return changed
		}
	case PaymentStatusFailed:
		if override || (o.PaymentStatus != OrderPaymentCompleted && o.PaymentStatus != OrderPaymentPartial) {
			o.PaymentStatus = OrderPaymentFailed
		}
	}
	return false
}

// ShippingCity reads the named sub-field of the shipping address blob.
func (o *Order) ShippingCity() string {
	return addressField(o.ShippingAddress, "city")
}

func (o *Order) ShippingLine() string {
	return addressField(o.ShippingAddress, "address")
}

func addressField(addr datatypes.JSONMap, key string) string {
	if addr == nil {
		return ""
	}
	if v, ok := addr[key].(string); ok {
		return v
	}
	return ""
}

// FormatOrderNumber renders <prefix><yyyymmdd><6 digit counter>.
func FormatOrderNumber(prefix string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s%s%06d", prefix, day.Format("20060102"), seq%1000000)
}

// FallbackOrderNumber renders <prefix><yyyymmdd>-<6 random base36> for
// when no daily counter is reachable. The dash keeps it out of the
// counter's number space.
func FallbackOrderNumber(prefix string, day time.Time) string {
	return strings.ToUpper(fmt.Sprintf("%s%s-%s", prefix, day.Format("20060102"), randomBase36(6)))
}

func NewTrackingNumber(now time.Time) string {
	return strings.ToUpper(fmt.Sprintf("BC-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), randomBase36(6)))
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}
