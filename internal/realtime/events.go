package realtime

import (
	"encoding/json"
	"time"
)

// Rooms are named broadcast groups. Product and order rooms are keyed by
// id; the admin rooms are fixed and role-gated.
const (
	AdminRoom   = "admin:room"
	MetricsRoom = "admin:metrics"
)

func ProductRoom(productID string) string { return "product:" + productID }
func OrderRoom(orderID string) string     { return "order:" + orderID }

// Server -> client event types.
const (
	EventConnected          = "connected"
	EventStockUpdated       = "product:stock-updated"
	EventNewOrder           = "admin:new-order"
	EventOrderStatusChanged = "order:status-changed"
	EventLowStock           = "admin:low-stock"
	EventMetricsUpdated     = "admin:metrics-updated"
	EventPong               = "pong"
)

// Client -> server message types.
const (
	MsgSubscribeProduct   = "subscribe:product"
	MsgUnsubscribeProduct = "unsubscribe:product"
	MsgSubscribeOrder     = "subscribe:order"
	MsgUnsubscribeOrder   = "unsubscribe:order"
	MsgSubscribeMetrics   = "subscribe:metrics"
	MsgUnsubscribeMetrics = "unsubscribe:metrics"
	MsgPing               = "ping"
)

// Event is one fire-and-forget broadcast: delivered to every socket in
// the topic's room at publish time, never queued or replayed.
type Event struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an Event with a marshalled payload and the current time.
func NewEvent(topic, eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Topic:     topic,
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now(),
	}, nil
}

// ClientMessage is the frame clients send after the handshake.
type ClientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ServerMessage is the frame written to clients.
type ServerMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Payloads, matching the contracts the storefront and admin dashboard
// render from.

type ConnectedPayload struct {
	User UserInfo `json:"user"`
}

type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type StockUpdatedPayload struct {
	VariantID string `json:"variant_id"`
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Quantity  int    `json:"quantity"`
	Reserved  int    `json:"reserved"`
}

type NewOrderPayload struct {
	Order json.RawMessage `json:"order"`
}

type OrderStatusPayload struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

type LowStockPayload struct {
	VariantID   string `json:"variant_id"`
	VariantName string `json:"variant_name"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Available   int    `json:"available"`
	Threshold   int    `json:"threshold"`
}

type MetricsPayload struct {
	Metrics Snapshot `json:"metrics"`
}
