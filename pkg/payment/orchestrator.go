package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/shopcore/pkg/errs"
	"github.com/example/shopcore/pkg/models"
	"github.com/example/shopcore/pkg/notification"
	"github.com/example/shopcore/pkg/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// FlagSource reports runtime feature flags for providers. A provider with
// no flag set is enabled.
type FlagSource interface {
	ProviderEnabled(name string) bool
}

// ReplayGuard remembers webhook deliveries already seen.
type ReplayGuard interface {
	MarkWebhook(ctx context.Context, provider, transactionID, status string) (bool, error)
	ForgetWebhook(ctx context.Context, provider, transactionID, status string) error
}

type OrderCache interface {
	InvalidateOrder(ctx context.Context, id string) error
}

// Dependencies of the Orchestrator. Store is required; Providers are
// listed in priority order.
type Dependencies struct {
	Store      repository.Store
	Providers  []Provider
	Notifier   notification.Notifier
	Auditor    repository.Auditor
	Flags      FlagSource
	Replay     ReplayGuard
	Cache      OrderCache
	Logger     *zap.Logger
	MaxRetries int
	Clock      func() time.Time
}

type Orchestrator struct {
	store      repository.Store
	providers  []Provider
	notifier   notification.Notifier
	auditor    repository.Auditor
	flags      FlagSource
	replay     ReplayGuard
	cache      OrderCache
	logger     *zap.Logger
	maxRetries int
	clock      func() time.Time
}

func NewOrchestrator(deps Dependencies) *Orchestrator {
	o := &Orchestrator{
		store:      deps.Store,
		providers:  deps.Providers,
		notifier:   deps.Notifier,
		auditor:    deps.Auditor,
		flags:      deps.Flags,
		replay:     deps.Replay,
		cache:      deps.Cache,
		logger:     deps.Logger,
		maxRetries: deps.MaxRetries,
		clock:      deps.Clock,
	}
	if o.notifier == nil {
		o.notifier = notification.Nop{}
	}
	if o.auditor == nil {
		o.auditor = repository.NopAuditor{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.maxRetries <= 0 {
		o.maxRetries = models.DefaultRetries
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	return o
}

// Provider looks a provider up by name, enabled or not.
func (o *Orchestrator) Provider(name string) (Provider, error) {
	for _, p := range o.providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, errs.New(errs.CodeUnsupportedProvider, "unsupported payment provider: %s", name)
}

// EnabledProviders returns, in priority order, the providers that have
// credentials, are switched on in config and are not flagged off.
func (o *Orchestrator) EnabledProviders() []Provider {
	var out []Provider
	for _, p := range o.providers {
		if !p.Configured() {
			continue
		}
		if o.flags != nil && !o.flags.ProviderEnabled(p.Name()) {
			continue
		}
		out = append(out, p)
	}
	return out
}

type InitiateParams struct {
	OrderID string
	// PaymentID attaches the provider transaction to an existing pending
	// payment instead of recording a new one.
	PaymentID     string
	Amount        decimal.Decimal
	Currency      string
	Phone         string
	Method        models.PaymentMethod
	CustomerName  string
	CustomerEmail string
	RetryCount    int
}

type InitiateOutcome struct {
	Payment       *models.Payment `json:"payment"`
	Provider      string          `json:"provider"`
	TransactionID string          `json:"transaction_id"`
	PaymentURL    string          `json:"payment_url,omitempty"`
}

func (o *Orchestrator) InitiatePayment(ctx context.Context, params InitiateParams) (*InitiateOutcome, error) {
	fields := map[string]string{}
	if !params.Amount.IsPositive() {
		fields["amount"] = "must be greater than zero"
	}
	if params.Phone == "" {
		fields["phone"] = "is required"
	}
	if len(fields) > 0 {
		return nil, errs.Validation(fields)
	}

	order, err := o.store.FindOrder(ctx, params.OrderID)
	if err != nil {
		return nil, notFound(err, errs.ErrOrderNotFound)
	}

	req := InitiateRequest{
		OrderID:       order.ID,
		Reference:     order.OrderNumber,
		Amount:        params.Amount,
		Currency:      firstNonEmpty(params.Currency, order.Currency, models.DefaultCurrency),
		Phone:         params.Phone,
		Method:        params.Method,
		CustomerName:  firstNonEmpty(params.CustomerName, order.CustomerFullName()),
		CustomerEmail: firstNonEmpty(params.CustomerEmail, order.CustomerEmail),
	}
	if req.Method == "" {
		req.Method = order.PaymentMethod
	}

	provider, result, err := FirstSuccess(ctx, o.EnabledProviders(),
		func(ctx context.Context, p Provider) (*InitiateResult, error) {
			return p.Initiate(ctx, req)
		},
		func(p Provider, err error) {
			o.logger.Warn("Payment provider failed, trying next",
				zap.String("provider", p.Name()),
				zap.String("order_id", order.ID),
				zap.Error(err))
		})
	if err != nil {
		o.logger.Error("Payment initiation failed", zap.String("order_id", order.ID), zap.Error(err))
		return nil, err
	}

	now := o.clock()
	var payment *models.Payment
	err = o.store.WithTx(ctx, func(tx repository.Store) error {
		if params.PaymentID != "" {
			p, err := tx.LockPayment(ctx, params.PaymentID)
			if err != nil {
				return notFound(err, errs.ErrPaymentNotFound)
			}
			if p.OrderID != order.ID {
				return errs.New(errs.CodeConflict, "payment %s does not belong to order %s", p.ID, order.ID)
			}
			if !p.IsPending() {
				return errs.New(errs.CodeConflict, "payment %s is already %s", p.ID, p.Status)
			}
			payment = p
		} else {
			payment = &models.Payment{
				ID:            uuid.NewString(),
				OrderID:       order.ID,
				TransactionID: models.NewTransactionID(now),
				PaymentMethod: req.Method,
				Amount:        req.Amount,
				Currency:      req.Currency,
				Status:        models.PaymentStatusPending,
				CustomerPhone: req.Phone,
				CustomerName:  req.CustomerName,
				Description:   fmt.Sprintf("Payment for order #%s", order.OrderNumber),
				RetryCount:    params.RetryCount,
				MaxRetries:    o.maxRetries,
			}
		}

		payment.Provider = provider.Name()
		payment.ExternalTransactionID = result.TransactionID
		if payment.InitiatedAt == nil {
			payment.InitiatedAt = &now
		}
		payment.MergeProviderData("initiation", result.Raw)
		if result.PaymentURL != "" {
			payment.MergeProviderData("payment_url", result.PaymentURL)
		}

		if params.PaymentID != "" {
			return tx.SavePayment(ctx, payment)
		}
		return tx.CreatePayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Payment initiated",
		zap.String("order_id", order.ID),
		zap.String("payment_id", payment.ID),
		zap.String("provider", provider.Name()),
		zap.String("external_transaction_id", result.TransactionID))
	o.invalidate(ctx, order.ID)
	o.audit(ctx, "payment.initiated", payment.ID, order.ID, "", map[string]interface{}{
		"provider":                provider.Name(),
		"amount":                  payment.Amount.String(),
		"external_transaction_id": result.TransactionID,
	})

	return &InitiateOutcome{
		Payment:       payment,
		Provider:      provider.Name(),
		TransactionID: payment.TransactionID,
		PaymentURL:    result.PaymentURL,
	}, nil
}

type VerifyOutcome struct {
	Status       models.PaymentStatus `json:"status"`
	NativeStatus string               `json:"native_status"`
	Amount       decimal.Decimal      `json:"amount"`
	Currency     string               `json:"currency"`
	Payment      *models.Payment      `json:"payment"`
	Order        *models.Order        `json:"order"`
}

// VerifyPayment asks the provider for the current state of a transaction
// and applies it. transactionID may be ours or the provider's.
func (o *Orchestrator) VerifyPayment(ctx context.Context, transactionID, providerName string) (*VerifyOutcome, error) {
	provider, err := o.Provider(providerName)
	if err != nil {
		return nil, err
	}

	existing, err := o.store.FindPaymentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, notFound(err, errs.ErrPaymentNotFound)
	}

	remoteID := existing.ExternalTransactionID
	if remoteID == "" {
		remoteID = transactionID
	}
	result, err := provider.Verify(ctx, remoteID)
	if err != nil {
		o.logger.Warn("Payment verification failed",
			zap.String("provider", providerName),
			zap.String("transaction_id", transactionID),
			zap.Error(err))
		return nil, err
	}

	applied, err := o.apply(ctx, statusUpdate{
		paymentID: existing.ID,
		status:    result.Status,
		dataKey:   "verification",
		data:      result.Raw,
		action:    "payment.verified",
		source:    providerName,
	})
	if err != nil {
		return nil, err
	}

	return &VerifyOutcome{
		Status:       result.Status,
		NativeStatus: result.NativeStatus,
		Amount:       result.Amount,
		Currency:     result.Currency,
		Payment:      applied.Payment,
		Order:        applied.Order,
	}, nil
}

type WebhookOutcome struct {
	Success       bool                 `json:"success"`
	Duplicate     bool                 `json:"duplicate,omitempty"`
	Message       string               `json:"message"`
	TransactionID string               `json:"transaction_id,omitempty"`
	Status        models.PaymentStatus `json:"status,omitempty"`
}

// HandleWebhook applies a provider callback. Deliveries that cannot be
// matched to a payment are reported in the outcome and logged rather than
// returned as errors, so the provider does not keep retrying them.
func (o *Orchestrator) HandleWebhook(ctx context.Context, providerName string, body []byte) (*WebhookOutcome, error) {
	provider, err := o.Provider(providerName)
	if err != nil {
		return nil, err
	}

	event, err := provider.DecodeWebhook(body)
	if err != nil {
		return nil, err
	}
	if event.TransactionID == "" {
		o.logger.Warn("Webhook without transaction reference", zap.String("provider", providerName))
		return &WebhookOutcome{Message: "webhook carries no transaction reference"}, nil
	}

	status := provider.MapStatus(event.NativeStatus)
	outcome := &WebhookOutcome{TransactionID: event.TransactionID, Status: status}

	if o.replay != nil {
		first, err := o.replay.MarkWebhook(ctx, providerName, event.TransactionID, event.NativeStatus)
		if err != nil {
			o.logger.Warn("Webhook replay check failed", zap.Error(err))
		} else if !first {
			o.logger.Debug("Webhook replay ignored",
				zap.String("provider", providerName),
				zap.String("transaction_id", event.TransactionID))
			outcome.Success = true
			outcome.Duplicate = true
			outcome.Message = "webhook already processed"
			return outcome, nil
		}
	}

	_, err = o.apply(ctx, statusUpdate{
		transactionID: event.TransactionID,
		status:        status,
		dataKey:       "webhook",
		data:          event.Raw,
		webhook:       event.Raw,
		action:        "payment.webhook",
		source:        providerName,
	})
	if err != nil {
		if o.replay != nil {
			if ferr := o.replay.ForgetWebhook(ctx, providerName, event.TransactionID, event.NativeStatus); ferr != nil {
				o.logger.Warn("Failed to clear webhook marker", zap.Error(ferr))
			}
		}
		if errors.Is(err, errs.ErrPaymentNotFound) {
			o.logger.Warn("Webhook for unknown payment",
				zap.String("provider", providerName),
				zap.String("transaction_id", event.TransactionID))
			outcome.Message = "payment not found"
			return outcome, nil
		}
		return nil, err
	}

	outcome.Success = true
	outcome.Message = "webhook processed"
	return outcome, nil
}

type ManualProof struct {
	Amount    decimal.Decimal
	Currency  string
	Phone     string
	Reference string
	ProofURL  string
	Notes     string
}

// ValidateManualPayment records out-of-band proof of payment for an admin
// to review. The order is left untouched.
func (o *Orchestrator) ValidateManualPayment(ctx context.Context, orderID string, proof ManualProof) (*models.Payment, error) {
	if !proof.Amount.IsPositive() {
		return nil, errs.Validation(map[string]string{"amount": "must be greater than zero"})
	}

	now := o.clock()
	var payment *models.Payment
	err := o.store.WithTx(ctx, func(tx repository.Store) error {
		order, err := tx.FindOrder(ctx, orderID)
		if err != nil {
			return notFound(err, errs.ErrOrderNotFound)
		}

		proofData := datatypes.JSONMap{
			"amount":       proof.Amount.String(),
			"submitted_at": now,
		}
		if proof.Reference != "" {
			proofData["reference"] = proof.Reference
		}
		if proof.ProofURL != "" {
			proofData["proof_url"] = proof.ProofURL
		}

		payment = &models.Payment{
			ID:            uuid.NewString(),
			OrderID:       order.ID,
			TransactionID: models.NewTransactionID(now),
			PaymentMethod: models.PaymentMethodWhatsApp,
			Provider:      models.ProviderManual,
			Amount:        proof.Amount,
			Currency:      firstNonEmpty(proof.Currency, order.Currency, models.DefaultCurrency),
			Status:        models.PaymentStatusPendingValidation,
			CustomerPhone: firstNonEmpty(proof.Phone, order.CustomerPhone),
			CustomerName:  order.CustomerFullName(),
			ProviderData:  datatypes.JSONMap{"proof": proofData},
			Notes:         proof.Notes,
			MaxRetries:    o.maxRetries,
		}
		return tx.CreatePayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, payment.OrderID)
	o.audit(ctx, "payment.manual_submitted", payment.ID, payment.OrderID, "", map[string]interface{}{
		"amount":    payment.Amount.String(),
		"reference": proof.Reference,
	})
	return payment, nil
}

type ApplyOutcome struct {
	Payment        *models.Payment `json:"payment"`
	Order          *models.Order   `json:"order"`
	PaymentChanged bool            `json:"payment_changed"`
	OrderChanged   bool            `json:"order_changed"`
}

// AdminValidatePayment approves or rejects a payment. Unlike provider
// updates the decision overrides terminal payment states.
func (o *Orchestrator) AdminValidatePayment(ctx context.Context, paymentID string, approved bool, notes string, principal models.Principal) (*ApplyOutcome, error) {
	status := models.PaymentStatusFailed
	if approved {
		status = models.PaymentStatusCompleted
	}

	return o.apply(ctx, statusUpdate{
		paymentID: paymentID,
		status:    status,
		dataKey:   "admin_validation",
		data:      adminDecision(approved, notes, principal, o.clock()),
		override:  true,
		notes:     notes,
		actor:     principal.ID,
		action:    "payment.admin_validated",
		reason:    "rejected by administrator",
	})
}

// ValidateOrderPayments applies one admin decision to every open payment
// of an order and to the order itself.
func (o *Orchestrator) ValidateOrderPayments(ctx context.Context, orderID string, approved bool, notes string, principal models.Principal) (*models.Order, error) {
	target := models.PaymentStatusFailed
	if approved {
		target = models.PaymentStatusCompleted
	}

	now := o.clock()
	decision := adminDecision(approved, notes, principal, now)

	var order *models.Order
	var orderChanged bool
	err := o.store.WithTx(ctx, func(tx repository.Store) error {
		existing, err := tx.ListPaymentsByOrder(ctx, orderID)
		if err != nil {
			return err
		}

		// Payments before the order, the same lock order as apply. Closed
		// payments keep their outcome; single payments are overridden
		// through AdminValidatePayment.
		for _, e := range existing {
			if e.Status.Terminal() {
				continue
			}
			p, err := tx.LockPayment(ctx, e.ID)
			if err != nil {
				return err
			}
			if p.Status.Terminal() {
				continue
			}
			p.TransitionTo(target, now)
			if !approved && p.FailureReason == "" {
				p.FailureReason = "rejected by administrator"
			}
			p.MergeProviderData("admin_validation", decision)
			if err := tx.SavePayment(ctx, p); err != nil {
				return fmt.Errorf("failed to save payment: %w", err)
			}
		}

		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return notFound(err, errs.ErrOrderNotFound)
		}
		orderChanged = order.ApplyPaymentOutcome(target, now, true)
		if notes != "" {
			if order.Notes == "" {
				order.Notes = notes
			} else {
				order.Notes = order.Notes + "\n" + notes
			}
		}
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, orderID)
	o.audit(ctx, "order.payments_validated", orderID, orderID, principal.ID, map[string]interface{}{
		"approved":       approved,
		"notes":          notes,
		"status":         string(order.Status),
		"payment_status": string(order.PaymentStatus),
	})
	if orderChanged {
		o.notify(ctx, order)
	}

	return o.store.FindOrder(ctx, orderID)
}

// RetryPayment counts another attempt against a failed payment and
// starts a fresh one through the provider chain.
func (o *Orchestrator) RetryPayment(ctx context.Context, paymentID string) (*InitiateOutcome, error) {
	var failed *models.Payment
	err := o.store.WithTx(ctx, func(tx repository.Store) error {
		p, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return notFound(err, errs.ErrPaymentNotFound)
		}
		if !p.CanBeRetried() {
			return errs.New(errs.CodeConflict, "payment %s cannot be retried (status %s, attempt %d of %d)",
				p.ID, p.Status, p.RetryCount, p.MaxRetries)
		}
		p.RetryCount++
		failed = p
		return tx.SavePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, failed.OrderID)
	o.logger.Info("Retrying payment",
		zap.String("payment_id", failed.ID),
		zap.Int("retry_count", failed.RetryCount))

	return o.InitiatePayment(ctx, InitiateParams{
		OrderID:      failed.OrderID,
		Amount:       failed.Amount,
		Currency:     failed.Currency,
		Phone:        failed.CustomerPhone,
		Method:       failed.PaymentMethod,
		CustomerName: failed.CustomerName,
		RetryCount:   failed.RetryCount,
	})
}

type statusUpdate struct {
	paymentID     string
	transactionID string
	status        models.PaymentStatus
	dataKey       string
	data          interface{}
	webhook       map[string]interface{}
	override      bool
	notes         string
	reason        string
	actor         string
	action        string
	source        string
}

// apply is the single reconciliation rule shared by verify, webhooks and
// admin decisions. Payment and order are locked in that order for the
// whole read-modify-write. Re-applying an outcome already recorded
// changes nothing and notifies nobody.
func (o *Orchestrator) apply(ctx context.Context, u statusUpdate) (*ApplyOutcome, error) {
	now := o.clock()
	out := &ApplyOutcome{}

	err := o.store.WithTx(ctx, func(tx repository.Store) error {
		var payment *models.Payment
		var err error
		if u.paymentID != "" {
			payment, err = tx.LockPayment(ctx, u.paymentID)
		} else {
			payment, err = tx.LockPaymentByTransaction(ctx, u.transactionID)
		}
		if err != nil {
			return notFound(err, errs.ErrPaymentNotFound)
		}

		order, err := tx.LockOrder(ctx, payment.OrderID)
		if err != nil {
			return notFound(err, errs.ErrOrderNotFound)
		}

		accept := payment.AcceptsProviderStatus(u.status)
		if u.override {
			accept = u.status != payment.Status
		}

		if u.dataKey != "" {
			payment.MergeProviderData(u.dataKey, u.data)
		}
		if u.webhook != nil {
			payment.WebhookData = datatypes.JSONMap(u.webhook)
		}
		if u.notes != "" {
			payment.Notes = u.notes
		}

		if accept {
			payment.TransitionTo(u.status, now)
			if u.status == models.PaymentStatusFailed && payment.FailureReason == "" {
				payment.FailureReason = firstNonEmpty(u.reason, "reported failed by "+u.source)
			}
			out.PaymentChanged = true

			before := order.PaymentStatus
			out.OrderChanged = order.ApplyPaymentOutcome(u.status, now, u.override)
			if out.OrderChanged || order.PaymentStatus != before {
				if err := tx.SaveOrder(ctx, order); err != nil {
					return fmt.Errorf("failed to save order: %w", err)
				}
			}
		}

		if err := tx.SavePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to save payment: %w", err)
		}
		out.Payment, out.Order = payment, order
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !out.PaymentChanged {
		o.logger.Debug("Payment status unchanged",
			zap.String("payment_id", out.Payment.ID),
			zap.String("status", string(out.Payment.Status)),
			zap.String("reported", string(u.status)))
		return out, nil
	}

	o.logger.Info("Payment status updated",
		zap.String("payment_id", out.Payment.ID),
		zap.String("order_id", out.Order.ID),
		zap.String("status", string(out.Payment.Status)),
		zap.String("order_status", string(out.Order.Status)),
		zap.String("order_payment_status", string(out.Order.PaymentStatus)))

	o.invalidate(ctx, out.Order.ID)
	o.audit(ctx, u.action, out.Payment.ID, out.Order.ID, u.actor, map[string]interface{}{
		"transaction_id":       out.Payment.TransactionID,
		"status":               string(out.Payment.Status),
		"order_status":         string(out.Order.Status),
		"order_payment_status": string(out.Order.PaymentStatus),
		"source":               u.source,
	})
	if out.OrderChanged {
		o.notify(ctx, out.Order)
	}
	return out, nil
}

func (o *Orchestrator) notify(ctx context.Context, order *models.Order) {
	if err := o.notifier.NotifyStatusChange(ctx, order, order.Status, nil); err != nil {
		o.logger.Error("Failed to send status notification",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.Error(err))
	}
}

func (o *Orchestrator) invalidate(ctx context.Context, orderID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.InvalidateOrder(ctx, orderID); err != nil {
		o.logger.Warn("Failed to invalidate order cache", zap.String("order_id", orderID), zap.Error(err))
	}
}

// audit records a payment event under both the payment and its order so
// the order's trail shows it.
func (o *Orchestrator) audit(ctx context.Context, action, entityID, orderID, actor string, data map[string]interface{}) {
	err := o.auditor.Record(ctx, repository.AuditEntry{
		Action:   action,
		EntityID: entityID,
		OrderID:  orderID,
		Actor:    actor,
		Data:     data,
	})
	if err != nil {
		o.logger.Warn("Failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func adminDecision(approved bool, notes string, principal models.Principal, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"approved":     approved,
		"notes":        notes,
		"validated_by": principal.ID,
		"validated_at": at,
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
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
