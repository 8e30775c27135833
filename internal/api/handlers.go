package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/example/ec-realtime/internal/domain/checkout"
	"github.com/example/ec-realtime/internal/domain/inventory"
	"github.com/example/ec-realtime/internal/infrastructure/ledger"
	"github.com/example/ec-realtime/internal/realtime"
)

type Handlers struct {
	inventory *inventory.Service
	checkout  *checkout.Coordinator
	hub       *realtime.Hub
	log       *logrus.Entry
}

func NewHandlers(inv *inventory.Service, co *checkout.Coordinator, hub *realtime.Hub, log *logrus.Logger) *Handlers {
	return &Handlers{
		inventory: inv,
		checkout:  co,
		hub:       hub,
		log:       log.WithField("component", "api"),
	}
}

// Inventory Handlers

// GetAvailable serves the storefront's availability check for a single
// variant.
func (h *Handlers) GetAvailable(w http.ResponseWriter, r *http.Request) {
	variantID := extractPathParam(r.URL.Path, "/inventory/")
	variantID = strings.TrimSuffix(variantID, "/available")
	if variantID == "" {
		respondError(w, http.StatusBadRequest, "variant id required")
		return
	}

	available, err := h.inventory.Available(r.Context(), variantID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"variant_id": variantID,
		"available":  available,
	})
}

// SetStock handles the admin stock adjustment. The response carries the
// resulting record so the dashboard can render without a second fetch.
func (h *Handlers) SetStock(w http.ResponseWriter, r *http.Request) {
	variantID := extractPathParam(r.URL.Path, "/admin/inventory/")
	if variantID == "" {
		respondError(w, http.StatusBadRequest, "variant id required")
		return
	}

	var req struct {
		Quantity          int  `json:"quantity"`
		LowStockThreshold *int `json:"low_stock_threshold,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := h.inventory.SetQuantity(r.Context(), variantID, req.Quantity, req.LowStockThreshold)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stockResponse(rec))
}

func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	variantID := extractPathParam(r.URL.Path, "/admin/inventory/")
	if variantID == "" {
		respondError(w, http.StatusBadRequest, "variant id required")
		return
	}

	rec, err := h.inventory.Get(r.Context(), variantID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stockResponse(rec))
}

func (h *Handlers) GetLowStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.inventory.LowStock(r.Context())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"variant_id":   item.VariantID,
			"variant_name": item.VariantName,
			"sku":          item.SKU,
			"product_id":   item.ProductID,
			"product_name": item.ProductName,
			"quantity":     item.Quantity,
			"reserved":     item.Reserved,
			"available":    item.Available(),
			"threshold":    item.LowStockThreshold,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": out})
}

// Checkout Handlers

type reservationRequest struct {
	OrderID string              `json:"order_id"`
	Items   []checkout.LineItem `json:"items"`
}

// CreateReservation places holds for every line item of a checkout.
func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "order_id required")
		return
	}

	if err := h.checkout.ReserveAll(r.Context(), req.OrderID, req.Items); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{
		"order_id": req.OrderID,
		"status":   "reserved",
	})
}

// CommitReservation finalizes a paid checkout's holds into a sale.
func (h *Handlers) CommitReservation(w http.ResponseWriter, r *http.Request) {
	orderID := extractPathParam(r.URL.Path, "/checkout/reservations/")
	orderID = strings.TrimSuffix(orderID, "/commit")

	var req struct {
		Items []checkout.LineItem `json:"items"`
		Order json.RawMessage     `json:"order,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.checkout.CommitAll(r.Context(), orderID, req.Items, req.Order); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"order_id": orderID,
		"status":   "committed",
	})
}

// ReleaseReservation returns a failed or abandoned checkout's holds.
func (h *Handlers) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	orderID := extractPathParam(r.URL.Path, "/checkout/reservations/")
	orderID = strings.TrimSuffix(orderID, "/release")

	var req struct {
		Items []checkout.LineItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.checkout.ReleaseAll(r.Context(), orderID, req.Items); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"order_id": orderID,
		"status":   "released",
	})
}

// Admin Order Handlers

// UpdateOrderStatus pushes a status change to the order's realtime room.
// The order system of record lives elsewhere; this endpoint only fans the
// change out to connected buyers.
func (h *Handlers) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := extractPathParam(r.URL.Path, "/admin/orders/")
	orderID = strings.TrimSuffix(orderID, "/status")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "order id required")
		return
	}

	var req struct {
		Status         string `json:"status"`
		TrackingNumber string `json:"tracking_number,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" {
		respondError(w, http.StatusBadRequest, "status required")
		return
	}

	h.hub.BroadcastOrderStatus(r.Context(), realtime.OrderStatusPayload{
		OrderID:        orderID,
		Status:         req.Status,
		TrackingNumber: req.TrackingNumber,
	})

	respondJSON(w, http.StatusOK, map[string]string{
		"order_id": orderID,
		"status":   req.Status,
	})
}

// Helper functions

func stockResponse(rec *ledger.StockRecord) map[string]any {
	return map[string]any{
		"variant_id": rec.VariantID,
		"product_id": rec.ProductID,
		"quantity":   rec.Quantity,
		"reserved":   rec.Reserved,
		"available":  rec.Available(),
		"threshold":  rec.LowStockThreshold,
	}
}

// respondDomainError maps domain errors to HTTP statuses. Insufficient
// stock is a conflict, not a server fault: the client raced another buyer
// and lost.
func (h *Handlers) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrVariantNotFound):
		respondError(w, http.StatusNotFound, "variant not found")
	case errors.Is(err, ledger.ErrInsufficientStock):
		respondError(w, http.StatusConflict, "insufficient stock")
	case errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, checkout.ErrNoItems):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func extractPathParam(path, prefix string) string {
	return strings.TrimPrefix(path, prefix)
}
