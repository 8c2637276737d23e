package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/errs"
	"github.com/example/shopcore/pkg/models"
)

const ProviderNoupai = "noupai"

// CallbackURLs are the public addresses handed to providers for browser
// redirects and webhooks.
type CallbackURLs struct {
	Frontend string
	API      string
}

func (u CallbackURLs) webhook(provider string) string {
	return fmt.Sprintf("%s/api/v1/payments/webhook/%s", u.API, provider)
}

type Noupai struct {
	config config.ProviderConfig
	urls   CallbackURLs
	rest   *restClient
}

func NewNoupai(cfg config.ProviderConfig, urls CallbackURLs, client *http.Client) *Noupai {
	return &Noupai{
		config: cfg,
		urls:   urls,
		rest:   newRestClient(client, cfg.BaseURL, "Bearer "+cfg.APIKey),
	}
}

func (n *Noupai) Name() string { return ProviderNoupai }

func (n *Noupai) Configured() bool { return n.config.Configured() }

type noupaiCustomer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type noupaiPaymentRequest struct {
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Phone       string         `json:"phone"`
	Operator    string         `json:"operator"`
	ExternalID  string         `json:"external_id"`
	Description string         `json:"description"`
	ReturnURL   string         `json:"return_url"`
	CancelURL   string         `json:"cancel_url"`
	WebhookURL  string         `json:"webhook_url"`
	Customer    noupaiCustomer `json:"customer"`
}

func (n *Noupai) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	name := req.CustomerName
	if name == "" {
		name = "Customer"
	}
	payload := noupaiPaymentRequest{
		Amount:      req.Amount.InexactFloat64(),
		Currency:    req.Currency,
		Phone:       req.Phone,
		Operator:    NoupaiOperator(req.Method),
		ExternalID:  req.Reference,
		Description: fmt.Sprintf("Order #%s", req.Reference),
		ReturnURL:   n.urls.Frontend + "/payment/success",
		CancelURL:   n.urls.Frontend + "/payment/cancel",
		WebhookURL:  n.urls.webhook(ProviderNoupai),
		Customer:    noupaiCustomer{Name: name, Email: req.CustomerEmail, Phone: req.Phone},
	}

	resp, err := n.rest.do(ctx, n.config.InitiateTimeout, http.MethodPost, "/v1/payments", payload)
	if err != nil {
		return nil, err
	}
	if stringField(resp, "status") != "success" {
		msg := stringField(resp, "message")
		if msg == "" {
			msg = "payment initialization failed"
		}
		return nil, errs.New(errs.CodeProvider, "noupai: %s", msg)
	}
	txID := stringField(resp, "transaction_id")
	if txID == "" {
		return nil, errs.New(errs.CodeProvider, "noupai: response has no transaction_id")
	}

	return &InitiateResult{
		TransactionID: txID,
		PaymentURL:    stringField(resp, "payment_url"),
		Raw:           resp,
	}, nil
}

func (n *Noupai) Verify(ctx context.Context, transactionID string) (*VerifyResult, error) {
	resp, err := n.rest.do(ctx, n.config.VerifyTimeout, http.MethodGet, "/v1/payments/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return nil, err
	}
	native := stringField(resp, "status")
	return &VerifyResult{
		NativeStatus: native,
		Status:       n.MapStatus(native),
		Amount:       decimalField(resp, "amount"),
		Currency:     stringField(resp, "currency"),
		Raw:          resp,
	}, nil
}

func (n *Noupai) DecodeWebhook(body []byte) (*WebhookEvent, error) {
	m, err := decodeObject(body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "invalid noupai webhook payload")
	}
	return &WebhookEvent{
		TransactionID: stringField(m, "transaction_id"),
		NativeStatus:  stringField(m, "status"),
		Raw:           m,
	}, nil
}

func (n *Noupai) MapStatus(native string) models.PaymentStatus {
	return MapNoupaiStatus(native)
}

var noupaiStatuses = map[string]models.PaymentStatus{
	"pending":    models.PaymentStatusPending,
	"processing": models.PaymentStatusPending,
	"successful": models.PaymentStatusCompleted,
	"completed":  models.PaymentStatusCompleted,
	"failed":     models.PaymentStatusFailed,
	"cancelled":  models.PaymentStatusFailed,
}

func MapNoupaiStatus(native string) models.PaymentStatus {
	if s, ok := noupaiStatuses[native]; ok {
		return s
	}
	return models.PaymentStatusPending
}

// NoupaiOperator names the mobile network for a payment method.
// MTN is the default network.
func NoupaiOperator(method models.PaymentMethod) string {
	switch method {
	case models.PaymentMethodOrangeMoney, "orange":
		return "ORANGE_MONEY"
	case "moov":
		return "MOOV_MONEY"
	}
	return "MTN_MOMO"
}
