package gateway

import (
	"net/http"

	"github.com/example/shopcore/pkg/errs"
	"github.com/example/shopcore/pkg/models"
	"github.com/example/shopcore/pkg/payment"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type initiatePaymentRequest struct {
	OrderID       string          `json:"order_id" binding:"required"`
	PaymentID     string          `json:"payment_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Phone         string          `json:"phone" binding:"required,cmphone"`
	Method        string          `json:"method" binding:"omitempty,payment_method"`
	CustomerName  string          `json:"customer_name"`
	CustomerEmail string          `json:"customer_email" binding:"omitempty,email"`
}

func (g *Gateway) initiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.respondError(c, bindingError(err))
		return
	}

	method := models.PaymentMethod(req.Method)
	if method == "" {
		method = models.PaymentMethodMTNMoMo
	}
	outcome, err := g.services.Payments.InitiatePayment(c.Request.Context(), payment.InitiateParams{
		OrderID:       req.OrderID,
		PaymentID:     req.PaymentID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Phone:         req.Phone,
		Method:        method,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": outcome})
}

type verifyPaymentRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	Provider      string `json:"provider" binding:"required"`
}

func (g *Gateway) verifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.respondError(c, bindingError(err))
		return
	}

	outcome, err := g.services.Payments.VerifyPayment(c.Request.Context(), req.TransactionID, req.Provider)
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": outcome})
}

// paymentWebhook always answers 200 once the body has been read so the
// provider stops redelivering; unmatched events are reported in the body.
func (g *Gateway) paymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		g.respondError(c, errs.Wrap(errs.CodeValidation, err, "unreadable webhook body"))
		return
	}

	provider := c.Param("provider")
	outcome, err := g.services.Payments.HandleWebhook(c.Request.Context(), provider, body)
	if err != nil {
		g.respondError(c, err)
		return
	}
	if !outcome.Success {
		g.logger.Warn("Webhook not applied",
			zap.String("provider", provider),
			zap.String("transaction_id", outcome.TransactionID),
			zap.String("reason", outcome.Message))
	}
	c.JSON(http.StatusOK, outcome)
}

type manualPaymentRequest struct {
	OrderID   string          `json:"order_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Phone     string          `json:"phone" binding:"omitempty,cmphone"`
	Reference string          `json:"reference"`
	ProofURL  string          `json:"proof_url" binding:"omitempty,url"`
	Notes     string          `json:"notes"`
}

func (g *Gateway) manualPayment(c *gin.Context) {
	var req manualPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.respondError(c, bindingError(err))
		return
	}

	p, err := g.services.Payments.ValidateManualPayment(c.Request.Context(), req.OrderID, payment.ManualProof{
		Amount:    req.Amount,
		Currency:  req.Currency,
		Phone:     req.Phone,
		Reference: req.Reference,
		ProofURL:  req.ProofURL,
		Notes:     req.Notes,
	})
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "payment proof received, awaiting validation", "payment": p})
}

func (g *Gateway) validatePayment(c *gin.Context) {
	var req validationRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		g.respondError(c, err)
		return
	}

	outcome, err := g.services.Payments.AdminValidatePayment(c.Request.Context(), c.Param("id"), req.approved(), req.Notes, principalFrom(c))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (g *Gateway) retryPayment(c *gin.Context) {
	outcome, err := g.services.Payments.RetryPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": outcome})
}

type providerFlagRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (g *Gateway) setProviderFlag(c *gin.Context) {
	if g.services.Flags == nil {
		g.respondError(c, errs.New(errs.CodeNotFound, "provider flags are not available"))
		return
	}

	var req providerFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.respondError(c, bindingError(err))
		return
	}

	name := c.Param("name")
	if _, err := g.services.Payments.Provider(name); err != nil {
		g.respondError(c, err)
		return
	}
	if err := g.services.Flags.SetProviderFlag(c.Request.Context(), name, *req.Enabled); err != nil {
		g.respondError(c, err)
		return
	}

	g.logger.Info("Provider flag changed",
		zap.String("provider", name),
		zap.Bool("enabled", *req.Enabled),
		zap.String("by", principalFrom(c).ID))
	c.JSON(http.StatusOK, gin.H{"provider": name, "enabled": *req.Enabled})
}
