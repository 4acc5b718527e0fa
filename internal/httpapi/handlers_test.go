package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/service"
	"martpos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func loginToken(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func doJSON(t *testing.T, api *API, handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	// The loginLimiter allows 5 attempts per minute.
	// Fire 6 requests from the same "IP" (httptest uses RemoteAddr "192.0.2.1:1234").
	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "badpass",
	})

	var lastCode int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		lastCode = rec.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 6 attempts, got %d", lastCode)
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

func TestCheckoutAndReturnFlow(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/shifts/open", token, domain.ShiftOpenRequest{
		TerminalID:        "terminal-a1",
		OpeningFloatCents: 250000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open shift: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/carts", token, domain.CartCreateRequest{
		TerminalID: "terminal-a1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create cart: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var cartResp domain.CartResponse
	if err := json.NewDecoder(rec.Body).Decode(&cartResp); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	cartID := cartResp.Cart.ID

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/carts/"+cartID+"/lines", token, domain.CartLineRequest{
		Barcode: "8991002101",
		Qty:     2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/carts/"+cartID+"/checkout", token, domain.CheckoutRequest{
		IdempotencyKey:    "idem-http-flow",
		PaymentMethod:     "cash",
		CashReceivedCents: 100000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var checkout domain.InvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&checkout); err != nil {
		t.Fatalf("decode checkout: %v", err)
	}
	if checkout.Duplicate {
		t.Fatalf("first checkout must not be a duplicate")
	}

	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/checkout/idempotency/idem-http-flow", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("idempotency lookup: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/returns", token, domain.ReturnRequest{
		InvoiceID: checkout.Invoice.ID,
		Reason:    "damaged",
		Lines: []domain.ReturnRequestLine{
			{InvoiceLineID: checkout.Invoice.Lines[0].ID, Qty: 1},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("return: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var ret domain.ReturnResponse
	if err := json.NewDecoder(rec.Body).Decode(&ret); err != nil {
		t.Fatalf("decode return: %v", err)
	}
	if ret.Return.RefundCents != checkout.Invoice.Lines[0].UnitPriceCents {
		t.Fatalf("expected refund %d, got %d", checkout.Invoice.Lines[0].UnitPriceCents, ret.Return.RefundCents)
	}

	// Returning more than the remaining unit must surface as a conflict.
	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/returns", token, domain.ReturnRequest{
		InvoiceID: checkout.Invoice.ID,
		Lines: []domain.ReturnRequestLine{
			{InvoiceLineID: checkout.Invoice.Lines[0].ID, Qty: 2},
		},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("over-return: expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/shifts/close", token, domain.ShiftCloseRequest{
		TerminalID:      "terminal-a1",
		ActualCashCents: 253500,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close shift: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var closed domain.ShiftResponse
	if err := json.NewDecoder(rec.Body).Decode(&closed); err != nil {
		t.Fatalf("decode shift: %v", err)
	}
	expected := 250000 + checkout.Invoice.TotalCents - ret.Return.RefundCents
	if closed.Shift.ExpectedCashCents != expected {
		t.Fatalf("expected cash %d, got %d", expected, closed.Shift.ExpectedCashCents)
	}
	if closed.Shift.DiscrepancyCents != 253500-expected {
		t.Fatalf("expected discrepancy %d, got %d", 253500-expected, closed.Shift.DiscrepancyCents)
	}
}

func TestDuplicateIdempotencyKeyReturns200(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/shifts/open", token, domain.ShiftOpenRequest{
		TerminalID:        "terminal-a1",
		OpeningFloatCents: 100000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open shift: %d", rec.Code)
	}

	checkoutOnce := func(key string) (*httptest.ResponseRecorder, string) {
		rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/carts", token, domain.CartCreateRequest{
			TerminalID: "terminal-a1",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create cart: %d", rec.Code)
		}
		var cart domain.CartResponse
		if err := json.NewDecoder(rec.Body).Decode(&cart); err != nil {
			t.Fatalf("decode cart: %v", err)
		}
		rec = doJSON(t, api, handler, http.MethodPost, fmt.Sprintf("/api/v1/carts/%s/lines", cart.Cart.ID), token, domain.CartLineRequest{
			Barcode: "8991002101",
			Qty:     1,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("add line: %d", rec.Code)
		}
		return doJSON(t, api, handler, http.MethodPost, fmt.Sprintf("/api/v1/carts/%s/checkout", cart.Cart.ID), token, domain.CheckoutRequest{
			IdempotencyKey:    key,
			PaymentMethod:     "cash",
			CashReceivedCents: 100000,
		}), cart.Cart.ID
	}

	first, _ := checkoutOnce("idem-http-dup")
	if first.Code != http.StatusCreated {
		t.Fatalf("first checkout: expected 201, got %d (body: %s)", first.Code, first.Body.String())
	}

	second, _ := checkoutOnce("idem-http-dup")
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate checkout: expected 200, got %d (body: %s)", second.Code, second.Body.String())
	}
	var resp domain.InvoiceResponse
	if err := json.NewDecoder(second.Body).Decode(&resp); err != nil {
		t.Fatalf("decode duplicate: %v", err)
	}
	if !resp.Duplicate {
		t.Fatalf("expected duplicate flag on replayed key")
	}
}

func TestStockOpnameForbiddenForCashier(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	adminToken := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/users/cashiers", adminToken, domain.CashierCreateRequest{
		Username: "kasirbaru",
		Password: "pass1234",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create cashier: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	cashierToken := loginToken(t, handler, "kasirbaru", "pass1234")
	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/stock-opname", cashierToken, domain.StockOpnameRequest{
		Adjustments: []domain.BatchAdjustment{{BatchID: "bat-x", CountedQty: 1}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier stock opname, got %d", rec.Code)
	}
}

func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
