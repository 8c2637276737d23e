package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	ProviderManual  = "manual"
	DefaultRetries  = 3
	DefaultCurrency = "XAF"
)

type Payment struct {
	ID                    string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrderID               string            `gorm:"type:varchar(36);index;not null" json:"order_id"`
	TransactionID         string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_id"`
	ExternalTransactionID string            `gorm:"type:varchar(128);index" json:"external_transaction_id,omitempty"`
	PaymentMethod         PaymentMethod     `gorm:"type:varchar(20);index;not null" json:"payment_method"`
	Provider              string            `gorm:"type:varchar(32)" json:"provider,omitempty"`
	Amount                decimal.Decimal   `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency              string            `gorm:"type:varchar(3);default:'XAF';not null" json:"currency"`
	Status                PaymentStatus     `gorm:"type:varchar(24);default:'pending';index;not null" json:"status"`
	CustomerPhone         string            `gorm:"type:varchar(20);index" json:"customer_phone,omitempty"`
	CustomerName          string            `gorm:"type:varchar(200)" json:"customer_name,omitempty"`
	ProviderData          datatypes.JSONMap `gorm:"type:json" json:"provider_data,omitempty"`
	WebhookData           datatypes.JSONMap `gorm:"type:json" json:"webhook_data,omitempty"`
	InitiatedAt           *time.Time        `json:"initiated_at,omitempty"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	FailedAt              *time.Time        `json:"failed_at,omitempty"`
	CancelledAt           *time.Time        `json:"cancelled_at,omitempty"`
	VerifiedAt            *time.Time        `json:"verified_at,omitempty"`
	FailureReason         string            `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	ErrorCode             string            `gorm:"type:varchar(64)" json:"error_code,omitempty"`
	ErrorMessage          string            `gorm:"type:text" json:"error_message,omitempty"`
	Description           string            `gorm:"type:text" json:"description,omitempty"`
	Notes                 string            `gorm:"type:text" json:"notes,omitempty"`
	RetryCount            int               `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries            int               `gorm:"not null;default:3" json:"max_retries"`
	CreatedAt             time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) CanBeRetried() bool {
	return p.Status == PaymentStatusFailed && p.RetryCount < p.MaxRetries
}

func (p *Payment) IsCompleted() bool { return p.Status == PaymentStatusCompleted }
func (p *Payment) IsFailed() bool    { return p.Status == PaymentStatusFailed }
func (p *Payment) IsPending() bool {
	return p.Status == PaymentStatusPending || p.Status == PaymentStatusProcessing
}

// AcceptsProviderStatus reports whether a provider-reported status may
// overwrite the current one. Terminal states only move by admin decision.
func (p *Payment) AcceptsProviderStatus(next PaymentStatus) bool {
	return next != p.Status && !p.Status.Terminal()
}

// TransitionTo sets the status and the matching timestamp. Timestamps
// already set are kept.
func (p *Payment) TransitionTo(next PaymentStatus, now time.Time) bool {
	if next == p.Status {
		return false
	}
	p.Status = next
	switch next {
	case PaymentStatusCompleted:
		if p.CompletedAt == nil {
			p.CompletedAt = &now
		}
		if p.VerifiedAt == nil {
			p.VerifiedAt = &now
		}
	case PaymentStatusFailed:
		if p.FailedAt == nil {
			p.FailedAt = &now
		}
	case PaymentStatusCancelled:
		if p.CancelledAt == nil {
			p.CancelledAt = &now
		}
	}
	return true
}

// MergeProviderData stores value under key, keeping the other keys.
func (p *Payment) MergeProviderData(key string, value interface{}) {
	if p.ProviderData == nil {
		p.ProviderData = datatypes.JSONMap{}
	}
	p.ProviderData[key] = value
}

func NewTransactionID(now time.Time) string {
	return strings.ToUpper(fmt.Sprintf("PAY-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), randomBase36(8)))
}
