package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"posreturn/internal/domain"
	"posreturn/internal/service"
	"posreturn/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, nil, nil, 0)
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo)

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

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	switch p := payload.(type) {
	case nil:
		body = bytes.NewReader(nil)
	case string:
		body = bytes.NewReader([]byte(p))
	default:
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", decodeBody(t, rec)["code"])
}

func TestInvoiceRequiresAuth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/invoice/INV-1001", "", nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetInvoice(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodGet, "/api/invoice/INV-1001", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"unit_price":500.00`)
	assert.Contains(t, rec.Body.String(), `"returnable":2`)

	body := decodeBody(t, rec)
	sale := body["sale"].(map[string]any)
	assert.Equal(t, "INV-1001", sale["invoice_no"])
	assert.Len(t, body["items"], 2)

	rec = doJSON(t, handler, http.MethodGet, "/api/invoice/INV-0000", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "INVOICE_NOT_FOUND", decodeBody(t, rec)["code"])
}

func TestProcessReturnAndHistory(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/returns", token, map[string]any{
		"invoice_no":   "INV-1001",
		"payment_mode": "Cash",
		"items":        []map[string]any{{"design_id": 101, "size": "M", "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"total_refund":500.00`)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["return_ref"])

	rec = doJSON(t, handler, http.MethodGet, "/api/invoice/INV-1001", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"already_returned":1`)

	rec = doJSON(t, handler, http.MethodGet, "/api/invoice/INV-1001/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	history := decodeBody(t, rec)
	assert.Len(t, history["returns"], 1)
}

func TestProcessReturnErrors(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	cases := []struct {
		name       string
		payload    any
		wantStatus int
		wantCode   string
	}{
		{
			name: "quantity exceeds returnable",
			payload: map[string]any{
				"invoice_no": "INV-1001", "payment_mode": "Cash",
				"items": []map[string]any{{"design_id": 101, "size": "M", "quantity": 3}},
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "QUANTITY_EXCEEDS_RETURNABLE",
		},
		{
			name: "unknown line",
			payload: map[string]any{
				"invoice_no": "INV-1001", "payment_mode": "Cash",
				"items": []map[string]any{{"design_id": 999, "size": "M", "quantity": 1}},
			},
			wantStatus: http.StatusNotFound,
			wantCode:   "LINE_NOT_FOUND",
		},
		{
			name: "missing payment mode",
			payload: map[string]any{
				"invoice_no": "INV-1001",
				"items":      []map[string]any{{"design_id": 101, "size": "M", "quantity": 1}},
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "PAYMENT_MODE_REQUIRED",
		},
		{
			name:       "missing invoice number",
			payload:    map[string]any{"payment_mode": "Cash", "items": []map[string]any{}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
		{
			name:       "unknown field",
			payload:    `{"invoice_no":"INV-1001","payment_mode":"Cash","items":[],"note":"x"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_JSON",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPost, "/api/returns", token, tc.payload)
			require.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tc.wantCode, decodeBody(t, rec)["code"])
		})
	}
}

func TestValidationErrorListsFields(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/returns", token, map[string]any{
		"invoice_no":   "INV-1001",
		"payment_mode": "Cash",
		"items":        []map[string]any{{"design_id": 0, "size": "M", "quantity": 1}},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields, ok := decodeBody(t, rec)["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "required", fields["ReturnRequest.Items[0].DesignID"])
}

func TestProcessExchangeRefund(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	payload := map[string]any{
		"invoice_no":       "INV-1001",
		"payment_mode":     "UPI",
		"return_items":     []map[string]any{{"design_id": 101, "size": "M", "quantity": 2}},
		"new_items":        []map[string]any{{"design_id": 101, "size": "L", "quantity": 1, "price": 800}},
		"discount_percent": 10,
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/exchanges/quote", token, payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"net_new":720.00`)
	assert.Contains(t, rec.Body.String(), `"settlement":{"type":"REFUND","amount":280.00}`)

	rec = doJSON(t, handler, http.MethodPost, "/api/exchanges", token, payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"settlement":{"type":"REFUND","amount":280.00}`)
	assert.NotEmpty(t, decodeBody(t, rec)["exchange_ref"])

	rec = doJSON(t, handler, http.MethodPost, "/api/exchanges", token, payload)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "QUANTITY_EXCEEDS_RETURNABLE", decodeBody(t, rec)["code"])
}

func TestProcessExchangeErrors(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/exchanges", token, map[string]any{
		"invoice_no":   "INV-1001",
		"payment_mode": "Cash",
		"return_items": []map[string]any{{"design_id": 101, "size": "M", "quantity": 1}},
		"new_items":    []map[string]any{},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "EMPTY_REQUEST", decodeBody(t, rec)["code"])

	rec = doJSON(t, handler, http.MethodPost, "/api/exchanges", token, map[string]any{
		"invoice_no":   "INV-1002",
		"payment_mode": "Cash",
		"return_items": []map[string]any{{"design_id": 201, "size": "L", "quantity": 1}},
		"new_items":    []map[string]any{{"design_id": 201, "size": "XL", "quantity": 9, "price": 799}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INSUFFICIENT_STOCK", decodeBody(t, rec)["code"])

	rec = doJSON(t, handler, http.MethodPost, "/api/exchanges/quote", token, map[string]any{
		"invoice_no":       "INV-1001",
		"return_items":     []map[string]any{{"design_id": 101, "size": "M", "quantity": 1}},
		"new_items":        []map[string]any{{"design_id": 101, "size": "L", "quantity": 1, "price": 500}},
		"discount_percent": 150,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "INVALID_DISCOUNT", decodeBody(t, rec)["code"])

	rec = doJSON(t, handler, http.MethodPost, "/api/returns", token, map[string]any{
		"invoice_no":   "INV-1001",
		"payment_mode": "Cash",
		"items": []map[string]any{
			{"design_id": 101, "size": "M", "quantity": 3},
			{"design_id": 101, "size": "M", "quantity": -2},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "INVALID_QUANTITY", decodeBody(t, rec)["code"])
}

func TestAuditLogsAdminOnly(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashierToken := login(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodGet, "/api/audit-logs", cashierToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/returns", cashierToken, map[string]any{
		"invoice_no":   "INV-1002",
		"payment_mode": "Card",
		"items":        []map[string]any{{"design_id": 201, "size": "L", "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	adminToken := login(t, handler, "admin", "admin123")
	rec = doJSON(t, handler, http.MethodGet, "/api/audit-logs?limit=10", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	logs := decodeBody(t, rec)["logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "return_create", logs[0].(map[string]any)["action"])

	rec = doJSON(t, handler, http.MethodGet, "/api/audit-logs?date=19-10-2026", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCashierThenLogin(t *testing.T) {
	handler := newTestAPI(t).Handler()
	adminToken := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/users/cashiers", adminToken, map[string]string{
		"username": "counter2",
		"password": "pass1234",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	login(t, handler, "counter2", "pass1234")

	rec = doJSON(t, handler, http.MethodGet, "/api/users/cashiers", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["cashiers"], 2)
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
