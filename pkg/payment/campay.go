package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/errs"
	"github.com/example/shopcore/pkg/models"
)

const ProviderCampay = "campay"

type Campay struct {
	config config.ProviderConfig
	urls   CallbackURLs
	rest   *restClient
}

func NewCampay(cfg config.ProviderConfig, urls CallbackURLs, client *http.Client) *Campay {
	return &Campay{
		config: cfg,
		urls:   urls,
		rest:   newRestClient(client, cfg.BaseURL, "Token "+cfg.APIKey),
	}
}

func (c *Campay) Name() string { return ProviderCampay }

func (c *Campay) Configured() bool { return c.config.Configured() }

type campayCollectRequest struct {
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	From              string `json:"from"`
	Description       string `json:"description"`
	ExternalReference string `json:"external_reference"`
	RedirectURL       string `json:"redirect_url"`
	WebhookURL        string `json:"webhook_url"`
}

func (c *Campay) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	payload := campayCollectRequest{
		Amount:            req.Amount.String(),
		Currency:          req.Currency,
		From:              req.Phone,
		Description:       fmt.Sprintf("Order #%s", req.Reference),
		ExternalReference: req.Reference,
		RedirectURL:       c.urls.Frontend + "/payment/success",
		WebhookURL:        c.urls.webhook(ProviderCampay),
	}

	resp, err := c.rest.do(ctx, c.config.InitiateTimeout, http.MethodPost, "/collect", payload)
	if err != nil {
		return nil, err
	}
	reference := stringField(resp, "reference")
	if reference == "" {
		msg := stringField(resp, "detail")
		if msg == "" {
			msg = "payment initialization failed"
		}
		return nil, errs.New(errs.CodeProvider, "campay: %s", msg)
	}

	// USSD collections are confirmed on the handset, there is no page to open.
	var link string
	if stringField(resp, "ussd_code") == "" {
		link = stringField(resp, "link")
	}

	return &InitiateResult{TransactionID: reference, PaymentURL: link, Raw: resp}, nil
}

func (c *Campay) Verify(ctx context.Context, transactionID string) (*VerifyResult, error) {
	resp, err := c.rest.do(ctx, c.config.VerifyTimeout, http.MethodGet, "/transaction/"+url.PathEscape(transactionID)+"/", nil)
	if err != nil {
		return nil, err
	}
	native := stringField(resp, "status")
	return &VerifyResult{
		NativeStatus: native,
		Status:       c.MapStatus(native),
		Amount:       decimalField(resp, "amount"),
		Currency:     stringField(resp, "currency"),
		Raw:          resp,
	}, nil
}

func (c *Campay) DecodeWebhook(body []byte) (*WebhookEvent, error) {
	m, err := decodeObject(body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "invalid campay webhook payload")
	}
	return &WebhookEvent{
		TransactionID: stringField(m, "reference"),
		NativeStatus:  stringField(m, "status"),
		Raw:           m,
	}, nil
}

func (c *Campay) MapStatus(native string) models.PaymentStatus {
	return MapCampayStatus(native)
}

func MapCampayStatus(native string) models.PaymentStatus {
	switch strings.ToUpper(native) {
	case "SUCCESSFUL":
		return models.PaymentStatusCompleted
	case "FAILED", "CANCELLED":
		return models.PaymentStatusFailed
	}
	return models.PaymentStatusPending
}
