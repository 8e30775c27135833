package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-realtime/internal/auth"
	"github.com/example/ec-realtime/internal/domain/checkout"
	"github.com/example/ec-realtime/internal/domain/inventory"
	"github.com/example/ec-realtime/internal/infrastructure/ledger"
	"github.com/example/ec-realtime/internal/realtime"
)

type testServer struct {
	router  http.Handler
	jwt     *auth.JWTService
	ledger  *ledger.MemoryLedger
	service *inventory.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	jwtService := auth.NewJWTService("test-secret-key-for-testing-purposes", 15*time.Minute)

	mem := ledger.NewMemoryLedger()
	mem.Seed(ledger.StockRecord{
		VariantID: "v1", ProductID: "p1", Quantity: 100, LowStockThreshold: 10,
	}, "Size M", "TEE-M", "Classic Tee")
	mem.Seed(ledger.StockRecord{
		VariantID: "v2", ProductID: "p1", Quantity: 5, LowStockThreshold: 10,
	}, "Size L", "TEE-L", "Classic Tee")

	registry := prometheus.NewRegistry()
	hub := realtime.NewHub(jwtService, realtime.NewLocalBus(), log, realtime.NewMetrics(registry))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	service := inventory.NewService(mem, hub, 15*time.Minute, log)
	coordinator := checkout.NewCoordinator(service, hub, log)
	handlers := NewHandlers(service, coordinator, hub, log)

	return &testServer{
		router:  NewRouter(handlers, hub, jwtService, registry, log),
		jwt:     jwtService,
		ledger:  mem,
		service: service,
	}
}

func (ts *testServer) token(t *testing.T, role string) string {
	t.Helper()
	token, _, err := ts.jwt.GenerateAccessToken("user-1", "user@example.com", role)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// Availability

func TestGetAvailable(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/inventory/v1/available", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "v1", body["variant_id"])
	assert.Equal(t, float64(100), body["available"])
}

func TestGetAvailable_UnknownVariant(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/inventory/ghost/available", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Checkout

func TestCreateReservation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleCustomer)

	rec := ts.do(t, http.MethodPost, "/checkout/reservations", token, reservationRequest{
		OrderID: "order-1",
		Items: []checkout.LineItem{
			{VariantID: "v1", Quantity: 3},
		},
	})

	assert.Equal(t, http.StatusCreated, rec.Code)

	available, err := ts.service.Available(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 97, available)
}

func TestCreateReservation_RequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/checkout/reservations", "", reservationRequest{
		OrderID: "order-1",
		Items:   []checkout.LineItem{{VariantID: "v1", Quantity: 1}},
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateReservation_InsufficientStock(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleCustomer)

	rec := ts.do(t, http.MethodPost, "/checkout/reservations", token, reservationRequest{
		OrderID: "order-1",
		Items:   []checkout.LineItem{{VariantID: "v2", Quantity: 6}},
	})

	assert.Equal(t, http.StatusConflict, rec.Code)

	// Nothing may remain held after the failed attempt.
	available, err := ts.service.Available(context.Background(), "v2")
	require.NoError(t, err)
	assert.Equal(t, 5, available)
}

func TestCreateReservation_PartialFailureRollsBack(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleCustomer)

	// v1 succeeds, v2 fails: the v1 hold must be released.
	rec := ts.do(t, http.MethodPost, "/checkout/reservations", token, reservationRequest{
		OrderID: "order-1",
		Items: []checkout.LineItem{
			{VariantID: "v1", Quantity: 10},
			{VariantID: "v2", Quantity: 6},
		},
	})

	assert.Equal(t, http.StatusConflict, rec.Code)

	available, err := ts.service.Available(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 100, available)
}

func TestCreateReservation_NoItems(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleCustomer)

	rec := ts.do(t, http.MethodPost, "/checkout/reservations", token, reservationRequest{
		OrderID: "order-1",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommitReservation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleCustomer)
	items := []checkout.LineItem{{VariantID: "v1", Quantity: 4}}

	rec := ts.do(t, http.MethodPost, "/checkout/reservations", token, reservationRequest{
		OrderID: "order-1", Items: items,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/checkout/reservations/order-1/commit", token, map[string]any{
		"items": items,
		"order": map[string]any{"order_number": "1001"},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "committed", decodeBody(t, rec)["status"])

	// Commit burns the held units: quantity drops, availability unchanged
	// from the post-reserve view.
	stock, err := ts.ledger.Get(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 96, stock.Quantity)
	assert.Equal(t, 0, stock.Reserved)
}

func TestReleaseReservation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleCustomer)
	items := []checkout.LineItem{{VariantID: "v1", Quantity: 4}}

	rec := ts.do(t, http.MethodPost, "/checkout/reservations", token, reservationRequest{
		OrderID: "order-1", Items: items,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/checkout/reservations/order-1/release", token, map[string]any{
		"items": items,
	})

	assert.Equal(t, http.StatusOK, rec.Code)

	available, err := ts.service.Available(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 100, available)
}

// Admin inventory

func TestSetStock(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleAdmin)

	rec := ts.do(t, http.MethodPut, "/admin/inventory/v1", token, map[string]any{
		"quantity": 42,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(42), body["quantity"])
	assert.Equal(t, float64(42), body["available"])
}

func TestSetStock_WithThreshold(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleAdmin)

	rec := ts.do(t, http.MethodPut, "/admin/inventory/v1", token, map[string]any{
		"quantity":            42,
		"low_stock_threshold": 20,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(20), decodeBody(t, rec)["threshold"])
}

func TestSetStock_NegativeQuantity(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleAdmin)

	rec := ts.do(t, http.MethodPut, "/admin/inventory/v1", token, map[string]any{
		"quantity": -1,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetStock_ForbiddenForCustomers(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleCustomer)

	rec := ts.do(t, http.MethodPut, "/admin/inventory/v1", token, map[string]any{
		"quantity": 42,
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetStock(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleSuperAdmin)

	rec := ts.do(t, http.MethodGet, "/admin/inventory/v2", token, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "v2", body["variant_id"])
	assert.Equal(t, float64(5), body["available"])
}

func TestGetLowStock(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleAdmin)

	rec := ts.do(t, http.MethodGet, "/admin/inventory/low-stock", token, nil)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []struct {
			VariantID   string `json:"variant_id"`
			ProductName string `json:"product_name"`
			Available   int    `json:"available"`
			Threshold   int    `json:"threshold"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	// Only v2 (5 of 100-threshold 10) is low.
	require.Len(t, body.Items, 1)
	assert.Equal(t, "v2", body.Items[0].VariantID)
	assert.Equal(t, "Classic Tee", body.Items[0].ProductName)
	assert.Equal(t, 5, body.Items[0].Available)
}

// Admin orders

func TestUpdateOrderStatus(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleAdmin)

	rec := ts.do(t, http.MethodPost, "/admin/orders/order-9/status", token, map[string]any{
		"status":          "shipped",
		"tracking_number": "TRK-42",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "order-9", body["order_id"])
	assert.Equal(t, "shipped", body["status"])
}

func TestUpdateOrderStatus_MissingStatus(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, auth.RoleAdmin)

	rec := ts.do(t, http.MethodPost, "/admin/orders/order-9/status", token, map[string]any{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Operational

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "realtime_connections_active")
}
