package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/store/memory"
)

const testManagerPIN = "739154"

type stubInitiator struct {
	mu    sync.Mutex
	calls int
}

func (s *stubInitiator) Initiate(_ context.Context, _ domain.PaymentInitiation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return fmt.Sprintf("ws_CO_HTTP_%d", s.calls), nil
}

type testEnv struct {
	api     *API
	handler http.Handler
	repo    *memory.Store
}

// newTestEnv wires the real AuthManager and Service over a seeded memory
// store so handler tests exercise the complete request path.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	repo := memory.NewSeeded("main", false)
	svc := service.New(repo, ledger.New(repo, logger, ledger.Options{}), service.Config{
		Logger:    logger,
		Initiator: &stubInitiator{},
	})
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, testManagerPIN, repo)
	api := New(svc, auth, logger, "*")
	return &testEnv{api: api, handler: api.Handler(), repo: repo}
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestEnv(t).api
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s login failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) productID(t *testing.T, sku string) string {
	t.Helper()
	p, err := e.repo.GetProductBySKU(context.Background(), sku)
	if err != nil {
		t.Fatalf("seeded product %s: %v", sku, err)
	}
	return p.ID
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	rec := env.do(t, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Products []domain.Product `json:"products"`
	}](t, rec)
	if len(body.Products) == 0 {
		t.Fatalf("expected seeded products")
	}
}

func TestCashierCannotCreateProduct(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		SKU:          "CHAPATI-5",
		Name:         "Chapati 5 pack",
		SellingPrice: decimal.NewFromInt(100),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCreateSaleReportsInsufficientStockPerLine(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/sales", token, domain.CreateSaleRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: env.productID(t, "MILK-500"), Quantity: 1},
			{ProductID: env.productID(t, "BREAD-400"), Quantity: 41},
		},
		PaymentMethod: domain.MethodCash,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Fields    map[string][]string `json:"fields"`
		ProductID string              `json:"product_id"`
		Available int                 `json:"available"`
	}](t, rec)
	msgs := body.Fields["items.1.quantity"]
	if len(msgs) != 1 || msgs[0] != "Insufficient stock. Available: 40" {
		t.Fatalf("unexpected field errors %v", body.Fields)
	}
	if body.Available != 40 || body.ProductID != env.productID(t, "BREAD-400") {
		t.Fatalf("unexpected stock details %+v", body)
	}
}

func TestCreateSaleValidationFields(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/sales", token, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: "prod-missing", Quantity: 1}},
		PaymentMethod: domain.MethodCash,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	body := decodeBody[struct {
		Error  string              `json:"error"`
		Fields map[string][]string `json:"fields"`
	}](t, rec)
	if body.Error != "validation failed" || len(body.Fields["items.0.product_id"]) == 0 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestPOSSaleReturnsChangeAndCancelRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	cashier := env.login(t, "cashier", "cashier123")
	manager := env.login(t, "manager", "manager123")
	soap := env.productID(t, "SOAP-BAR")

	rec := env.do(t, http.MethodPost, "/api/v1/pos/sales", cashier, domain.POSSaleRequest{
		Items:         []domain.POSSaleItem{{ProductID: soap, Quantity: 2}},
		PaymentMethod: domain.MethodCash,
		AmountPaid:    decimal.NewFromInt(1000),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[domain.CreateSaleResponse](t, rec)
	if resp.Sale.Status != domain.SaleCompleted {
		t.Fatalf("expected completed sale, got %s", resp.Sale.Status)
	}
	if !resp.Change.Equal(decimal.NewFromInt(1000).Sub(resp.Sale.TotalAmount)) {
		t.Fatalf("unexpected change %s for total %s", resp.Change, resp.Sale.TotalAmount)
	}

	cancelPath := "/api/v1/sales/" + resp.Sale.ID + "/cancel"
	if rec := env.do(t, http.MethodPost, cancelPath, cashier, domain.CancelSaleRequest{ManagerPIN: testManagerPIN}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected cashier cancel to be forbidden, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, cancelPath, manager, domain.CancelSaleRequest{ManagerPIN: "000001"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected wrong pin to be forbidden, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, cancelPath, manager, domain.CancelSaleRequest{Reason: "customer changed mind", ManagerPIN: testManagerPIN})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if sale := decodeBody[domain.Sale](t, rec); sale.Status != domain.SaleCancelled {
		t.Fatalf("expected cancelled, got %s", sale.Status)
	}

	p, _ := env.repo.GetProduct(context.Background(), soap)
	if p.StockQuantity != 25 {
		t.Fatalf("expected stock restored to 25, got %d", p.StockQuantity)
	}

	rec = env.do(t, http.MethodPost, cancelPath, manager, domain.CancelSaleRequest{ManagerPIN: testManagerPIN})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected second cancel to conflict, got %d", rec.Code)
	}
}

func TestMpesaCallbackSettlesSale(t *testing.T) {
	env := newTestEnv(t)
	cashier := env.login(t, "cashier", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/sales", cashier, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: env.productID(t, "TEA-100"), Quantity: 1}},
		PaymentMethod: domain.MethodMpesa,
		Phone:         "0712345678",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.CreateSaleResponse](t, rec)
	if created.Sale.Status != domain.SaleProcessing {
		t.Fatalf("expected processing, got %s", created.Sale.Status)
	}

	callback := fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_HTTP_1","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":%s},{"Name":"MpesaReceiptNumber","Value":"QKE12ABC34"},{"Name":"TransactionDate","Value":20261014101500},{"Name":"PhoneNumber","Value":254712345678}]}}}}`,
		created.Sale.TotalAmount.String())
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/mpesa/callback", strings.NewReader(callback))
		req.Header.Set("Content-Type", "application/json")
		res := httptest.NewRecorder()
		env.handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("callback %d: expected 200, got %d", i, res.Code)
		}
		if ack := decodeBody[domain.CallbackAck](t, res); ack != domain.AcceptedAck() {
			t.Fatalf("callback %d: unexpected ack %+v", i, ack)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sales/"+created.Sale.ID, cashier, nil)
	sale := decodeBody[domain.Sale](t, rec)
	if sale.Status != domain.SaleCompleted || sale.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("expected completed and paid, got %s/%s", sale.Status, sale.PaymentStatus)
	}
	if len(sale.Payments) != 1 {
		t.Fatalf("expected exactly one payment after duplicate callback, got %d", len(sale.Payments))
	}
}

func TestCallbackEndpointsAlwaysAcknowledge(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct {
		path string
		body string
	}{
		{"/api/v1/payments/mpesa/callback", `not json`},
		{"/api/v1/payments/mpesa/callback", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_UNKNOWN","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`},
		{"/api/v1/payments/mpesa/timeout", `{"CheckoutRequestID":"ws_CO_UNKNOWN"}`},
		{"/api/v1/payments/callback", `{"correlation_token":"tok-unknown","outcome":"success","external_receipt":"R1","amount":"10"}`},
		{"/api/v1/payments/callback", `{"unexpected":true}`},
	} {
		req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s %q: expected 200, got %d", tc.path, tc.body, rec.Code)
		}
		if ack := decodeBody[domain.CallbackAck](t, rec); ack != domain.AcceptedAck() {
			t.Fatalf("%s %q: unexpected ack %+v", tc.path, tc.body, ack)
		}
	}
}

func TestGetUnknownSaleIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")
	if rec := env.do(t, http.MethodGet, "/api/v1/sales/sale-missing", token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStockAdjustmentRaisesAlert(t *testing.T) {
	env := newTestEnv(t)
	manager := env.login(t, "manager", "manager123")
	tea := env.productID(t, "TEA-100")

	count := 3
	rec := env.do(t, http.MethodPost, "/api/v1/stock/adjustments", manager, domain.StockAdjustmentRequest{
		ProductID:      tea,
		ActualQuantity: &count,
		Reason:         "stock_count",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/stock/alerts?product_id="+tea, manager, nil)
	body := decodeBody[struct {
		Alerts []domain.StockAlert `json:"alerts"`
	}](t, rec)
	if len(body.Alerts) != 1 || body.Alerts[0].Type != domain.AlertLowStock {
		t.Fatalf("expected one low stock alert, got %+v", body.Alerts)
	}

	admin := env.login(t, "admin", "admin123")
	rec = env.do(t, http.MethodGet, "/api/v1/products/"+tea+"/verify", admin, nil)
	if report := decodeBody[domain.ChainReport](t, rec); !report.Consistent {
		t.Fatalf("expected consistent chain, got %+v", report)
	}
}
