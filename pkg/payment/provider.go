// Package payment talks to the mobile-money providers and reconciles
// their answers with the payment and order records.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/example/shopcore/pkg/models"
	"github.com/shopspring/decimal"
)

// InitiateRequest is what every provider needs to open a collection.
type InitiateRequest struct {
	OrderID       string
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Phone         string
	Method        models.PaymentMethod
	CustomerName  string
	CustomerEmail string
}

type InitiateResult struct {
	TransactionID string
	PaymentURL    string
	Raw           map[string]interface{}
}

type VerifyResult struct {
	NativeStatus string
	Status       models.PaymentStatus
	Amount       decimal.Decimal
	Currency     string
	Raw          map[string]interface{}
}

type WebhookEvent struct {
	TransactionID string
	NativeStatus  string
	Raw           map[string]interface{}
}

// Provider is one mobile-money API. Initiate and Verify are blocking
// remote calls bounded by the provider's configured timeouts.
type Provider interface {
	Name() string
	// Configured reports credentials present and the provider switched on.
	Configured() bool
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Verify(ctx context.Context, transactionID string) (*VerifyResult, error)
	DecodeWebhook(body []byte) (*WebhookEvent, error)
	// MapStatus translates the native vocabulary. Unknown values are pending.
	MapStatus(native string) models.PaymentStatus
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func decimalField(m map[string]interface{}, key string) decimal.Decimal {
	d, err := decimal.NewFromString(stringField(m, key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func decodeObject(body []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}
