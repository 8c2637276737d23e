package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/errs"
	"github.com/example/shopcore/pkg/models"
	"github.com/example/shopcore/pkg/order"
	"github.com/example/shopcore/pkg/payment"
	"github.com/example/shopcore/pkg/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	adminToken = "admin-token"
	clerkToken = "clerk-token"
)

type stubProvider struct {
	name string
}

func (p *stubProvider) Name() string     { return p.name }
func (p *stubProvider) Configured() bool { return true }

func (p *stubProvider) Initiate(context.Context, payment.InitiateRequest) (*payment.InitiateResult, error) {
	return &payment.InitiateResult{TransactionID: "EXT-1", PaymentURL: "https://pay.example/EXT-1"}, nil
}

func (p *stubProvider) Verify(context.Context, string) (*payment.VerifyResult, error) {
	return &payment.VerifyResult{NativeStatus: "successful", Status: models.PaymentStatusCompleted}, nil
}

func (p *stubProvider) DecodeWebhook(body []byte) (*payment.WebhookEvent, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "invalid webhook payload")
	}
	tx, _ := m["transaction_id"].(string)
	status, _ := m["status"].(string)
	return &payment.WebhookEvent{TransactionID: tx, NativeStatus: status, Raw: m}, nil
}

func (p *stubProvider) MapStatus(native string) models.PaymentStatus {
	return payment.MapNoupaiStatus(native)
}

type flagRecorder struct {
	set map[string]bool
}

func (f *flagRecorder) SetProviderFlag(_ context.Context, name string, enabled bool) error {
	f.set[name] = enabled
	return nil
}

type testServer struct {
	store   *repository.MemoryStore
	flags   *flagRecorder
	handler http.Handler
}

func newTestServer(t *testing.T, autoInitiate bool) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	store.AddProduct(models.Product{ID: "robe", Name: "Robe Kaba", SKU: "RB-01", Price: decimal.NewFromInt(6500), StockQuantity: 3, TrackStock: true, IsActive: true})

	cfg := &config.Config{
		Payment: config.PaymentConfig{AutoInitiate: autoInitiate},
		Auth: config.AuthConfig{AdminTokens: map[string]config.AdminToken{
			adminToken: {UserID: "admin-1", Role: models.RoleAdmin},
			clerkToken: {UserID: "clerk-1", Role: "staff"},
		}},
	}
	flags := &flagRecorder{set: map[string]bool{}}
	gw := NewGateway(cfg, zap.NewNop(), Services{
		Orders: order.NewService(order.Dependencies{
			Store:   store,
			Pricing: order.Pricing{Currency: "XAF", DeliveryFee: decimal.NewFromInt(2000), FreeShippingThreshold: decimal.NewFromInt(25000), OrderNumberPrefix: "BC"},
		}),
		Payments: payment.NewOrchestrator(payment.Dependencies{
			Store:     store,
			Providers: []payment.Provider{&stubProvider{name: "noupai"}},
		}),
		Store: store,
		Flags: flags,
	})
	gw.SetupRoutes()
	return &testServer{store: store, flags: flags, handler: gw.Handler()}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func orderBody() map[string]interface{} {
	return map[string]interface{}{
		"items": []map[string]interface{}{{"id": "robe", "quantity": 2, "selectedSize": "M"}},
		"customer": map[string]interface{}{
			"firstName": "Awa", "lastName": "Ngono", "email": "awa@example.com", "phone": "+237677123456",
		},
		"delivery": map[string]interface{}{"address": "Rue 1.234", "city": "Douala"},
		"payment":  map[string]interface{}{"method": "mtn-momo"},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)
	w, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateOrder(t *testing.T) {
	s := newTestServer(t, false)

	w, body := s.do(t, http.MethodPost, "/api/v1/public/orders", "", orderBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	o := body["order"].(map[string]interface{})
	assert.Equal(t, "15000", o["total"])
	assert.Equal(t, "2000", o["shippingCost"])
	assert.Equal(t, "pending", o["status"])
	p := body["payment"].(map[string]interface{})
	assert.Equal(t, "15000", p["amount"])
	assert.Nil(t, p["paymentUrl"])
}

func TestCreateOrderAutoInitiates(t *testing.T) {
	s := newTestServer(t, true)

	w, body := s.do(t, http.MethodPost, "/api/v1/public/orders", "", orderBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	p := body["payment"].(map[string]interface{})
	assert.Equal(t, "noupai", p["provider"])
	assert.Equal(t, "https://pay.example/EXT-1", p["paymentUrl"])

	_, _, payments := s.store.Counts()
	assert.Equal(t, 1, payments, "initiation attaches to the checkout payment")
}

func TestCreateOrderValidation(t *testing.T) {
	s := newTestServer(t, false)
	req := orderBody()
	req["customer"].(map[string]interface{})["email"] = "nope"
	req["customer"].(map[string]interface{})["phone"] = "12345"
	req["payment"] = map[string]interface{}{"method": "paypal"}
	req["items"] = []map[string]interface{}{{"quantity": 1}}

	w, body := s.do(t, http.MethodPost, "/api/v1/public/orders", "", req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(errs.CodeValidation), body["code"])

	fields := body["fields"].(map[string]interface{})
	assert.Equal(t, "must be a valid email address", fields["customer.email"])
	assert.Equal(t, "must be a valid Cameroon mobile number", fields["customer.phone"])
	assert.Equal(t, "is not a supported payment method", fields["payment.method"])
	assert.Equal(t, "is required", fields["items[0].id"])

	orders, _, _ := s.store.Counts()
	assert.Zero(t, orders)
}

func TestCreateOrderUnknownProduct(t *testing.T) {
	s := newTestServer(t, false)
	req := orderBody()
	req["items"] = []map[string]interface{}{{"id": "ghost"}}

	w, body := s.do(t, http.MethodPost, "/api/v1/public/orders", "", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(errs.CodeProductNotFound), body["code"])
}

func TestMalformedJSON(t *testing.T) {
	s := newTestServer(t, false)
	w, body := s.do(t, http.MethodPost, "/api/v1/public/orders", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(errs.CodeValidation), body["code"])
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t, false)

	w, _ := s.do(t, http.MethodGet, "/api/v1/admin/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/admin/orders", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/admin/orders", clerkToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := s.do(t, http.MethodGet, "/api/v1/admin/orders", adminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "pagination")
}

func createOrder(t *testing.T, s *testServer) string {
	t.Helper()
	w, body := s.do(t, http.MethodPost, "/api/v1/public/orders", "", orderBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return body["order"].(map[string]interface{})["id"].(string)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, false)
	id := createOrder(t, s)

	w, body := s.do(t, http.MethodPatch, "/api/v1/admin/orders/"+id+"/status", adminToken, map[string]interface{}{"status": "delivered"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(errs.CodeInvalidTransition), body["code"])

	w, _ = s.do(t, http.MethodPatch, "/api/v1/admin/orders/"+id+"/payment", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body = s.do(t, http.MethodGet, "/api/v1/admin/orders/"+id, adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, "completed", body["payment_status"])

	w, body = s.do(t, http.MethodGet, "/api/v1/admin/orders/"+id+"/receipt", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "15000", body["amount_paid"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/admin/orders/missing", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/admin/orders/"+id+"/audit", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "no audit store configured")
}

func TestListOrdersRejectsBadDate(t *testing.T) {
	s := newTestServer(t, false)
	w, body := s.do(t, http.MethodGet, "/api/v1/admin/orders?date_from=yesterday", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["fields"], "date_from")
}

func TestExportOrders(t *testing.T) {
	s := newTestServer(t, false)
	createOrder(t, s)

	w, _ := s.do(t, http.MethodPost, "/api/v1/admin/orders/export", adminToken, map[string]interface{}{"format": "csv"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Len(t, lines, 2)

	w, _ = s.do(t, http.MethodPost, "/api/v1/admin/orders/export", adminToken, map[string]interface{}{"format": "pdf"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	s := newTestServer(t, true)
	createOrder(t, s)

	w, body := s.do(t, http.MethodPost, "/api/v1/payments/webhook/noupai", "", map[string]interface{}{"transaction_id": "unknown", "status": "successful"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["success"])

	w, body = s.do(t, http.MethodPost, "/api/v1/payments/webhook/noupai", "", map[string]interface{}{"transaction_id": "EXT-1", "status": "successful"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "completed", body["status"])

	w, body = s.do(t, http.MethodPost, "/api/v1/payments/webhook/paypal", "", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(errs.CodeUnsupportedProvider), body["code"])
}

func TestVerifyEndpoint(t *testing.T) {
	s := newTestServer(t, true)
	createOrder(t, s)

	w, body := s.do(t, http.MethodPost, "/api/v1/payments/verify", "", map[string]interface{}{"transaction_id": "EXT-1", "provider": "noupai"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "completed", data["status"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/payments/verify", "", map[string]interface{}{"transaction_id": "EXT-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestManualPaymentEndpoint(t *testing.T) {
	s := newTestServer(t, false)
	id := createOrder(t, s)

	w, body := s.do(t, http.MethodPost, "/api/v1/payments/manual", "", map[string]interface{}{"order_id": id, "amount": 15000, "reference": "OM-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := body["payment"].(map[string]interface{})
	assert.Equal(t, "pending_validation", p["status"])

	w, body = s.do(t, http.MethodPatch, "/api/v1/admin/payments/"+p["id"].(string)+"/validate", adminToken, map[string]interface{}{"approved": false, "notes": "no money received"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "failed", body["payment"].(map[string]interface{})["status"])
}

func TestProviderFlagEndpoint(t *testing.T) {
	s := newTestServer(t, false)

	w, _ := s.do(t, http.MethodPut, "/api/v1/admin/payments/providers/noupai", adminToken, map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"noupai": false}, s.flags.set)

	w, _ = s.do(t, http.MethodPut, "/api/v1/admin/payments/providers/paypal", adminToken, map[string]interface{}{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPut, "/api/v1/admin/payments/providers/noupai", adminToken, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOptionalBodyMayBeChunkedAndEmpty(t *testing.T) {
	s := newTestServer(t, false)
	id := createOrder(t, s)

	// A reader of unknown length makes the request chunked (ContentLength -1).
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/admin/orders/"+id+"/payment", io.MultiReader())
	require.Equal(t, int64(-1), req.ContentLength)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "payment approved", body["message"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/admin/orders/"+id+"/balance", adminToken, "{broken")
	assert.Equal(t, http.StatusBadRequest, w.Code, "a present but malformed body is still rejected")
}

type trailStub struct {
	logs map[string][]*repository.AuditLog
}

func (s trailStub) Trail(_ context.Context, id string, _ int64) ([]*repository.AuditLog, error) {
	return s.logs[id], nil
}

func TestOrderAuditTrail(t *testing.T) {
	store := repository.NewMemoryStore()
	gw := NewGateway(&config.Config{Auth: config.AuthConfig{AdminTokens: map[string]config.AdminToken{
		adminToken: {UserID: "admin-1", Role: models.RoleAdmin},
	}}}, zap.NewNop(), Services{
		Orders:   order.NewService(order.Dependencies{Store: store}),
		Payments: payment.NewOrchestrator(payment.Dependencies{Store: store}),
		Store:    store,
		Audit: trailStub{logs: map[string][]*repository.AuditLog{
			"o1": {
				{Action: "payment.webhook", EntityID: "p1", OrderID: "o1"},
				{Action: "order.created", EntityID: "o1", OrderID: "o1"},
			},
		}},
	})
	gw.SetupRoutes()
	s := &testServer{store: store, handler: gw.Handler()}

	w, body := s.do(t, http.MethodGet, "/api/v1/admin/orders/o1/audit", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 2)
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "payment.webhook", first["action"])
	assert.Equal(t, "p1", first["entity_id"])
}
