package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/shopcore/pkg/errs"
	"github.com/example/shopcore/pkg/models"
	"github.com/example/shopcore/pkg/order"
	"github.com/example/shopcore/pkg/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	name       string
	disabled   bool
	initiateFn func(InitiateRequest) (*InitiateResult, error)
	verifyFn   func(string) (*VerifyResult, error)

	mu       sync.Mutex
	initiate []InitiateRequest
	verified []string
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Configured() bool { return !f.disabled }

func (f *fakeProvider) Initiate(_ context.Context, req InitiateRequest) (*InitiateResult, error) {
	f.mu.Lock()
	f.initiate = append(f.initiate, req)
	f.mu.Unlock()
	if f.initiateFn != nil {
		return f.initiateFn(req)
	}
	return &InitiateResult{TransactionID: f.name + "-tx", PaymentURL: "https://pay/" + f.name, Raw: map[string]interface{}{"ok": true}}, nil
}

func (f *fakeProvider) Verify(_ context.Context, transactionID string) (*VerifyResult, error) {
	f.mu.Lock()
	f.verified = append(f.verified, transactionID)
	f.mu.Unlock()
	if f.verifyFn != nil {
		return f.verifyFn(transactionID)
	}
	return &VerifyResult{NativeStatus: "successful", Status: models.PaymentStatusCompleted, Raw: map[string]interface{}{}}, nil
}

func (f *fakeProvider) DecodeWebhook(body []byte) (*WebhookEvent, error) {
	m, err := decodeObject(body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "invalid webhook payload")
	}
	return &WebhookEvent{TransactionID: stringField(m, "transaction_id"), NativeStatus: stringField(m, "status"), Raw: m}, nil
}

func (f *fakeProvider) MapStatus(native string) models.PaymentStatus { return MapNoupaiStatus(native) }

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyStatusChange(ctx context.Context, order *models.Order, status models.OrderStatus, estimated *time.Time) error {
	args := m.Called(ctx, order, status, estimated)
	return args.Error(0)
}

type memoryReplay struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (r *memoryReplay) key(provider, tx, status string) string {
	return fmt.Sprintf("%s:%s:%s", provider, tx, status)
}

func (r *memoryReplay) MarkWebhook(_ context.Context, provider, tx, status string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(provider, tx, status)
	if r.seen[k] {
		return false, nil
	}
	r.seen[k] = true
	return true, nil
}

func (r *memoryReplay) ForgetWebhook(_ context.Context, provider, tx, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, r.key(provider, tx, status))
	return nil
}

type staticFlags map[string]bool

func (f staticFlags) ProviderEnabled(name string) bool {
	enabled, ok := f[name]
	return !ok || enabled
}

type harness struct {
	store    *repository.MemoryStore
	notifier *mockNotifier
	orch     *Orchestrator
}

func newHarness(t *testing.T, providers ...Provider) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	n := &mockNotifier{}
	return &harness{
		store:    store,
		notifier: n,
		orch: NewOrchestrator(Dependencies{
			Store:     store,
			Providers: providers,
			Notifier:  n,
			Clock:     func() time.Time { return fixedNow },
		}),
	}
}

func (h *harness) order(t *testing.T, id string) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:                id,
		OrderNumber:       "BC" + id,
		Status:            models.OrderStatusPending,
		PaymentStatus:     models.OrderPaymentPending,
		CustomerEmail:     "awa@example.com",
		CustomerPhone:     "677123456",
		CustomerFirstName: "Awa",
		CustomerLastName:  "Ngono",
		Subtotal:          decimal.NewFromInt(13000),
		ShippingCost:      decimal.NewFromInt(2000),
		TotalAmount:       decimal.NewFromInt(15000),
		Currency:          "XAF",
		PaymentMethod:     models.PaymentMethodMTNMoMo,
		DeliveryOption:    models.DeliveryFullPayment,
	}
	require.NoError(t, h.store.CreateOrder(context.Background(), o))
	return o
}

func (h *harness) payment(t *testing.T, orderID, id string, status models.PaymentStatus) *models.Payment {
	t.Helper()
	p := &models.Payment{
		ID:                    id,
		OrderID:               orderID,
		TransactionID:         "PAY-" + id,
		ExternalTransactionID: "EXT-" + id,
		PaymentMethod:         models.PaymentMethodMTNMoMo,
		Provider:              "primary",
		Amount:                decimal.NewFromInt(15000),
		Currency:              "XAF",
		Status:                status,
		CustomerPhone:         "677123456",
		MaxRetries:            3,
	}
	require.NoError(t, h.store.CreatePayment(context.Background(), p))
	return p
}

func (h *harness) reload(t *testing.T, orderID, paymentID string) (*models.Order, *models.Payment) {
	t.Helper()
	ctx := context.Background()
	o, err := h.store.FindOrder(ctx, orderID)
	require.NoError(t, err)
	p, err := h.store.FindPayment(ctx, paymentID)
	require.NoError(t, err)
	return o, p
}

func initiateParams(orderID string) InitiateParams {
	return InitiateParams{
		OrderID: orderID,
		Amount:  decimal.NewFromInt(15000),
		Phone:   "677123456",
		Method:  models.PaymentMethodMTNMoMo,
	}
}

func TestInitiateFallsBackToNextProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", initiateFn: func(InitiateRequest) (*InitiateResult, error) {
		return nil, errs.New(errs.CodeProvider, "primary is down")
	}}
	secondary := &fakeProvider{name: "secondary"}
	h := newHarness(t, primary, secondary)
	h.order(t, "o1")

	out, err := h.orch.InitiatePayment(context.Background(), initiateParams("o1"))
	require.NoError(t, err)

	assert.Equal(t, "secondary", out.Provider)
	assert.Equal(t, "https://pay/secondary", out.PaymentURL)
	assert.Len(t, primary.initiate, 1)
	assert.Equal(t, "BCo1", secondary.initiate[0].Reference)
	assert.Equal(t, "Awa Ngono", secondary.initiate[0].CustomerName)

	_, _, payments := h.store.Counts()
	assert.Equal(t, 1, payments, "only the successful attempt is recorded")

	_, p := h.reload(t, "o1", out.Payment.ID)
	assert.Equal(t, "secondary", p.Provider)
	assert.Equal(t, "secondary-tx", p.ExternalTransactionID)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, "https://pay/secondary", p.ProviderData["payment_url"])
	assert.Equal(t, fixedNow, *p.InitiatedAt)
	assert.Regexp(t, `^PAY-`, p.TransactionID)
}

func TestInitiateAllProvidersFail(t *testing.T) {
	failing := func(name string) *fakeProvider {
		return &fakeProvider{name: name, initiateFn: func(InitiateRequest) (*InitiateResult, error) {
			return nil, errs.New(errs.CodeProvider, "%s unavailable", name)
		}}
	}
	h := newHarness(t, failing("primary"), failing("secondary"))
	h.order(t, "o1")

	_, err := h.orch.InitiatePayment(context.Background(), initiateParams("o1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAllProvidersFailed)
	assert.Contains(t, err.Error(), "primary unavailable")
	assert.Contains(t, err.Error(), "secondary unavailable")

	_, _, payments := h.store.Counts()
	assert.Zero(t, payments)
}

func TestInitiateSkipsDisabledProviders(t *testing.T) {
	unconfigured := &fakeProvider{name: "primary", disabled: true}
	flagged := &fakeProvider{name: "secondary"}
	store := repository.NewMemoryStore()
	orch := NewOrchestrator(Dependencies{
		Store:     store,
		Providers: []Provider{unconfigured, flagged},
		Flags:     staticFlags{"secondary": false},
	})
	require.NoError(t, store.CreateOrder(context.Background(), &models.Order{ID: "o1", OrderNumber: "BC1"}))

	assert.Empty(t, orch.EnabledProviders())
	_, err := orch.InitiatePayment(context.Background(), initiateParams("o1"))
	assert.ErrorIs(t, err, errs.ErrAllProvidersFailed)
	assert.Empty(t, unconfigured.initiate)
	assert.Empty(t, flagged.initiate)
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t, &fakeProvider{name: "primary"})

	_, err := h.orch.InitiatePayment(context.Background(), InitiateParams{OrderID: "o1"})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errs.CodeValidation, e.Code)
	assert.Contains(t, e.Fields, "amount")
	assert.Contains(t, e.Fields, "phone")

	_, err = h.orch.InitiatePayment(context.Background(), initiateParams("missing"))
	assert.ErrorIs(t, err, errs.ErrOrderNotFound)
}

func TestInitiateAttachesToPendingPayment(t *testing.T) {
	h := newHarness(t, &fakeProvider{name: "primary"})
	h.order(t, "o1")
	existing := h.payment(t, "o1", "p1", models.PaymentStatusPending)

	params := initiateParams("o1")
	params.PaymentID = existing.ID
	out, err := h.orch.InitiatePayment(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, out.Payment.ID)

	_, _, payments := h.store.Counts()
	assert.Equal(t, 1, payments)

	_, p := h.reload(t, "o1", "p1")
	assert.Equal(t, "primary-tx", p.ExternalTransactionID)

	h.payment(t, "o1", "p2", models.PaymentStatusCompleted)
	params.PaymentID = "p2"
	_, err = h.orch.InitiatePayment(context.Background(), params)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestWebhookCompletesOrderOnce(t *testing.T) {
	h := newHarness(t, &fakeProvider{name: "primary"})
	h.order(t, "o1")
	h.payment(t, "o1", "p1", models.PaymentStatusPending)
	h.notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, models.OrderStatusConfirmed, mock.Anything).Return(nil).Once()

	body := []byte(`{"transaction_id":"EXT-p1","status":"successful"}`)
	out, err := h.orch.HandleWebhook(context.Background(), "primary", body)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)

	o, p := h.reload(t, "o1", "p1")
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	assert.Equal(t, fixedNow, *p.CompletedAt)
	assert.Equal(t, "EXT-p1", p.WebhookData["transaction_id"])
	assert.Equal(t, models.OrderStatusConfirmed, o.Status)
	assert.Equal(t, models.OrderPaymentCompleted, o.PaymentStatus)

	// Same delivery again: nothing moves and nobody is told twice.
	out, err = h.orch.HandleWebhook(context.Background(), "primary", body)
	require.NoError(t, err)
	assert.True(t, out.Success)

	o2, p2 := h.reload(t, "o1", "p1")
	assert.Equal(t, o.Status, o2.Status)
	assert.Equal(t, *p.CompletedAt, *p2.CompletedAt)
	h.notifier.AssertExpectations(t)
	h.notifier.AssertNumberOfCalls(t, "NotifyStatusChange", 1)
}

func TestWebhookReplayGuard(t *testing.T) {
	store := repository.NewMemoryStore()
	replay := &memoryReplay{seen: map[string]bool{}}
	orch := NewOrchestrator(Dependencies{
		Store:     store,
		Providers: []Provider{&fakeProvider{name: "primary"}},
		Replay:    replay,
	})
	body := []byte(`{"transaction_id":"unknown","status":"successful"}`)

	out, err := orch.HandleWebhook(context.Background(), "primary", body)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Empty(t, replay.seen, "marker is released when the webhook was not applied")

	require.NoError(t, store.CreateOrder(context.Background(), &models.Order{ID: "o1", OrderNumber: "BC1", Status: models.OrderStatusPending}))
	require.NoError(t, store.CreatePayment(context.Background(), &models.Payment{ID: "p1", OrderID: "o1", TransactionID: "unknown", Status: models.PaymentStatusPending}))

	out, err = orch.HandleWebhook(context.Background(), "primary", body)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.False(t, out.Duplicate)

	out, err = orch.HandleWebhook(context.Background(), "primary", body)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}

func TestWebhookUnknownStatusIsPending(t *testing.T) {
	h := newHarness(t, &fakeProvider{name: "primary"})
	h.order(t, "o1")
	h.payment(t, "o1", "p1", models.PaymentStatusPending)

	out, err := h.orch.HandleWebhook(context.Background(), "primary", []byte(`{"transaction_id":"PAY-p1","status":"on_hold"}`))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, out.Status)

	o, p := h.reload(t, "o1", "p1")
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, models.OrderStatusPending, o.Status)
	assert.Equal(t, models.OrderPaymentPending, o.PaymentStatus)
	h.notifier.AssertNotCalled(t, "NotifyStatusChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookDoesNotRegressCompletedPayment(t *testing.T) {
	h := newHarness(t, &fakeProvider{name: "primary"})
	o := h.order(t, "o1")
	o.Status = models.OrderStatusConfirmed
	o.PaymentStatus = models.OrderPaymentCompleted
	require.NoError(t, h.store.SaveOrder(context.Background(), o))
	h.payment(t, "o1", "p1", models.PaymentStatusCompleted)

	_, err := h.orch.HandleWebhook(context.Background(), "primary", []byte(`{"transaction_id":"EXT-p1","status":"failed"}`))
	require.NoError(t, err)

	o, p := h.reload(t, "o1", "p1")
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	assert.Equal(t, models.OrderPaymentCompleted, o.PaymentStatus)
}

func TestWebhookEdgeCases(t *testing.T) {
	h := newHarness(t, &fakeProvider{name: "primary"})

	out, err := h.orch.HandleWebhook(context.Background(), "primary", []byte(`{"status":"successful"}`))
	require.NoError(t, err)
	assert.False(t, out.Success)

	_, err = h.orch.HandleWebhook(context.Background(), "primary", []byte(`{`))
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.orch.HandleWebhook(context.Background(), "stripe", []byte(`{}`))
	assert.ErrorIs(t, err, errs.ErrUnsupportedProvider)
}

func TestVerifyPaymentUsesProviderTransaction(t *testing.T) {
	provider := &fakeProvider{name: "primary"}
	h := newHarness(t, provider)
	h.order(t, "o1")
	h.payment(t, "o1", "p1", models.PaymentStatusPending)
	h.notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, models.OrderStatusConfirmed, mock.Anything).Return(errors.New("sms down"))

	out, err := h.orch.VerifyPayment(context.Background(), "PAY-p1", "primary")
	require.NoError(t, err, "notification failures never fail the payment")
	assert.Equal(t, []string{"EXT-p1"}, provider.verified)
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)
	assert.Equal(t, models.OrderStatusConfirmed, out.Order.Status)

	_, p := h.reload(t, "o1", "p1")
	assert.NotNil(t, p.ProviderData["verification"])

	_, err = h.orch.VerifyPayment(context.Background(), "PAY-p1", "unknown")
	assert.ErrorIs(t, err, errs.ErrUnsupportedProvider)

	_, err = h.orch.VerifyPayment(context.Background(), "PAY-none", "primary")
	assert.ErrorIs(t, err, errs.ErrPaymentNotFound)
}

func TestAdminRejectsCompletedPayment(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, "o1")
	o.Status = models.OrderStatusConfirmed
	o.PaymentStatus = models.OrderPaymentCompleted
	require.NoError(t, h.store.SaveOrder(context.Background(), o))
	h.payment(t, "o1", "p1", models.PaymentStatusCompleted)

	admin := models.Principal{ID: "admin-1", Role: models.RoleAdmin}
	out, err := h.orch.AdminValidatePayment(context.Background(), "p1", false, "fake receipt", admin)
	require.NoError(t, err)
	assert.True(t, out.PaymentChanged)
	assert.False(t, out.OrderChanged)

	o, p := h.reload(t, "o1", "p1")
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, "rejected by administrator", p.FailureReason)
	assert.Equal(t, "fake receipt", p.Notes)
	decision, ok := p.ProviderData["admin_validation"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "admin-1", decision["validated_by"])
	assert.Equal(t, models.OrderPaymentFailed, o.PaymentStatus)
	assert.Equal(t, models.OrderStatusConfirmed, o.Status)
}

func TestManualPaymentThenOrderApproval(t *testing.T) {
	h := newHarness(t)
	h.order(t, "o1")

	p, err := h.orch.ValidateManualPayment(context.Background(), "o1", ManualProof{
		Amount:    decimal.NewFromInt(15000),
		Reference: "OM-778899",
		Notes:     "sent on WhatsApp",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPendingValidation, p.Status)
	assert.Equal(t, models.PaymentMethodWhatsApp, p.PaymentMethod)
	assert.Equal(t, models.ProviderManual, p.Provider)

	o, _ := h.reload(t, "o1", p.ID)
	assert.Equal(t, models.OrderStatusPending, o.Status)

	h.notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, models.OrderStatusConfirmed, mock.Anything).Return(nil).Once()
	admin := models.Principal{ID: "admin-1", Role: models.RoleAdmin}
	o, err = h.orch.ValidateOrderPayments(context.Background(), "o1", true, "checked", admin)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, o.Status)
	assert.Equal(t, models.OrderPaymentCompleted, o.PaymentStatus)
	assert.Equal(t, "checked", o.Notes)
	require.Len(t, o.Payments, 1)
	assert.Equal(t, models.PaymentStatusCompleted, o.Payments[0].Status)
	h.notifier.AssertExpectations(t)

	_, err = h.orch.ValidateManualPayment(context.Background(), "o1", ManualProof{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestRetryPayment(t *testing.T) {
	provider := &fakeProvider{name: "primary"}
	h := newHarness(t, provider)
	h.order(t, "o1")
	h.payment(t, "o1", "p1", models.PaymentStatusFailed)

	out, err := h.orch.RetryPayment(context.Background(), "p1")
	require.NoError(t, err)
	assert.NotEqual(t, "p1", out.Payment.ID)
	assert.Equal(t, 1, out.Payment.RetryCount)
	assert.Equal(t, "677123456", provider.initiate[0].Phone)

	_, failed := h.reload(t, "o1", "p1")
	assert.Equal(t, 1, failed.RetryCount)

	_, err = h.orch.RetryPayment(context.Background(), out.Payment.ID)
	assert.ErrorIs(t, err, errs.ErrConflict, "a pending payment cannot be retried")

	_, err = h.orch.RetryPayment(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrPaymentNotFound)
}

func TestFirstSuccess(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	var failed []string

	p, got, err := FirstSuccess(context.Background(), []Provider{a, b},
		func(_ context.Context, p Provider) (string, error) {
			if p.Name() == "a" {
				return "", errors.New("nope")
			}
			return "ok from " + p.Name(), nil
		},
		func(p Provider, _ error) { failed = append(failed, p.Name()) })
	require.NoError(t, err)
	assert.Equal(t, "b", p.Name())
	assert.Equal(t, "ok from b", got)
	assert.Equal(t, []string{"a"}, failed)

	_, _, err = FirstSuccess(context.Background(), nil, func(context.Context, Provider) (int, error) { return 0, nil }, nil)
	assert.ErrorIs(t, err, errs.ErrAllProvidersFailed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = FirstSuccess(ctx, []Provider{a}, func(context.Context, Provider) (int, error) { return 1, nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type mapCache struct {
	mu     sync.Mutex
	orders map[string]models.Order
}

func newMapCache() *mapCache {
	return &mapCache{orders: map[string]models.Order{}}
}

func (c *mapCache) CacheOrder(_ context.Context, o *models.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *o
	cp.Payments = append([]models.Payment(nil), o.Payments...)
	c.orders[o.ID] = cp
	return nil
}

func (c *mapCache) GetCachedOrder(_ context.Context, id string) (*models.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (c *mapCache) InvalidateOrder(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, id)
	return nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []repository.AuditEntry
}

func (a *recordingAuditor) Record(_ context.Context, entry repository.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAuditor) forOrder(orderID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var actions []string
	for _, e := range a.entries {
		if e.OrderID == orderID {
			actions = append(actions, e.Action)
		}
	}
	return actions
}

func TestPaymentWritesRefreshCachedOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeProvider{name: "primary"})
	cache := newMapCache()
	h.orch.cache = cache
	orders := order.NewService(order.Dependencies{Store: h.store, Cache: cache})
	h.order(t, "o1")
	h.payment(t, "o1", "p1", models.PaymentStatusFailed)

	cachedPayments := func() int {
		t.Helper()
		o, err := orders.GetOrder(ctx, "o1")
		require.NoError(t, err)
		return len(o.Payments)
	}
	require.Equal(t, 1, cachedPayments())

	_, err := h.orch.ValidateManualPayment(ctx, "o1", ManualProof{Amount: decimal.NewFromInt(15000)})
	require.NoError(t, err)
	assert.Equal(t, 2, cachedPayments(), "manual proof")

	_, err = h.orch.InitiatePayment(ctx, initiateParams("o1"))
	require.NoError(t, err)
	assert.Equal(t, 3, cachedPayments(), "initiation")

	_, err = h.orch.RetryPayment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, cachedPayments(), "retry")

	o, err := orders.GetOrder(ctx, "o1")
	require.NoError(t, err)
	for _, p := range o.Payments {
		if p.ID == "p1" {
			assert.Equal(t, 1, p.RetryCount)
		}
	}
}

func TestOrderApprovalLeavesClosedPaymentsAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "o1")
	h.payment(t, "o1", "momo", models.PaymentStatusFailed)
	h.payment(t, "o1", "refunded", models.PaymentStatusRefunded)

	proof, err := h.orch.ValidateManualPayment(ctx, "o1", ManualProof{Amount: decimal.NewFromInt(15000), Reference: "OM-1"})
	require.NoError(t, err)

	h.notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, models.OrderStatusConfirmed, mock.Anything).Return(nil).Once()
	admin := models.Principal{ID: "admin-1", Role: models.RoleAdmin}
	o, err := h.orch.ValidateOrderPayments(ctx, "o1", true, "", admin)
	require.NoError(t, err)

	statuses := map[string]models.PaymentStatus{}
	for _, p := range o.Payments {
		statuses[p.ID] = p.Status
	}
	assert.Equal(t, models.PaymentStatusFailed, statuses["momo"])
	assert.Equal(t, models.PaymentStatusRefunded, statuses["refunded"])
	assert.Equal(t, models.PaymentStatusCompleted, statuses[proof.ID])
	assert.Equal(t, models.OrderStatusConfirmed, o.Status)
	assert.Equal(t, models.OrderPaymentCompleted, o.PaymentStatus)

	receipt := order.BuildReceipt(o, fixedNow)
	assert.True(t, receipt.AmountPaid.Equal(decimal.NewFromInt(15000)), "paid %s", receipt.AmountPaid)
	h.notifier.AssertExpectations(t)
}

func TestAdminRejectsManualProof(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.order(t, "o1")

	proof, err := h.orch.ValidateManualPayment(ctx, "o1", ManualProof{Amount: decimal.NewFromInt(15000), Reference: "OM-2"})
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPendingValidation, proof.Status)

	admin := models.Principal{ID: "admin-1", Role: models.RoleAdmin}
	out, err := h.orch.AdminValidatePayment(ctx, proof.ID, false, "no transfer found", admin)
	require.NoError(t, err)
	assert.True(t, out.PaymentChanged)
	assert.False(t, out.OrderChanged)

	o, p := h.reload(t, "o1", proof.ID)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, fixedNow, *p.FailedAt)
	assert.Equal(t, "rejected by administrator", p.FailureReason)
	assert.Equal(t, models.OrderPaymentFailed, o.PaymentStatus)
	assert.Equal(t, models.OrderStatusPending, o.Status)
	h.notifier.AssertNotCalled(t, "NotifyStatusChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentEventsAuditedUnderOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeProvider{name: "primary"})
	auditor := &recordingAuditor{}
	h.orch.auditor = auditor
	h.order(t, "o1")
	h.payment(t, "o1", "p1", models.PaymentStatusPending)
	h.notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := h.orch.InitiatePayment(ctx, initiateParams("o1"))
	require.NoError(t, err)
	_, err = h.orch.HandleWebhook(ctx, "primary", []byte(`{"transaction_id":"EXT-p1","status":"successful"}`))
	require.NoError(t, err)
	_, err = h.orch.ValidateManualPayment(ctx, "o1", ManualProof{Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)

	assert.Equal(t, []string{"payment.initiated", "payment.webhook", "payment.manual_submitted"}, auditor.forOrder("o1"))
	for _, e := range auditor.entries {
		assert.NotEqual(t, "o1", e.EntityID, "payment events are about the payment")
	}
}
