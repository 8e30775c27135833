package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/example/ec-realtime/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub authenticates realtime connections, tracks room membership and fans
// events out to every socket in a room. All broadcasts go through the bus
// first, so members connected to other instances receive them too.
type Hub struct {
	jwt     *auth.JWTService
	bus     Bus
	log     *logrus.Entry
	metrics *Metrics

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewHub(jwtService *auth.JWTService, bus Bus, log *logrus.Logger, metrics *Metrics) *Hub {
	return &Hub{
		jwt:     jwtService,
		bus:     bus,
		log:     log.WithField("component", "hub"),
		metrics: metrics,
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// Run consumes the fan-out bus until ctx is cancelled. Every event
// published by any instance comes back through here for local delivery.
func (h *Hub) Run(ctx context.Context) error {
	return h.bus.Run(ctx, h.deliver)
}

// ServeWS is the websocket handshake endpoint. Authentication happens
// before the upgrade: a rejected token gets an explicit 401, never a
// half-open connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		h.log.WithError(err).Debug("handshake rejected")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("websocket upgrade failed")
		return
	}

	client := newClient(h, conn, UserInfo{
		ID:    claims.UserID,
		Email: claims.Email,
		Role:  claims.Role,
	})
	h.register(client)

	// Admins always receive new-order and low-stock broadcasts without an
	// explicit subscribe step.
	if auth.IsAdminRole(client.User.Role) {
		h.join(client, AdminRoom)
	}

	client.enqueue(h.serverMessage(EventConnected, ConnectedPayload{User: client.User}))

	go client.writePump()
	go client.readPump()

	h.log.WithFields(logrus.Fields{
		"connection_id": client.ID,
		"user_id":       client.User.ID,
		"role":          client.User.Role,
	}).Info("websocket connected")
}

// authenticate resolves the handshake token. Browsers pass it as a query
// parameter since they cannot set headers on websocket upgrades; other
// clients use the Authorization header.
func (h *Hub) authenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	return h.jwt.ValidateAccessToken(token)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.metrics.ConnectionsActive.Inc()
}

// unregister drops the client from every room and closes its queue. Safe
// to call more than once.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.ID]
	if present {
		delete(h.clients, c.ID)
		for topic, members := range h.rooms {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.rooms, topic)
			}
		}
	}
	h.mu.Unlock()

	if present {
		h.metrics.ConnectionsActive.Dec()
		c.close()
		h.log.WithField("connection_id", c.ID).Info("websocket disconnected")
	}
}

// join adds the client to a room. Role-gated rooms silently refuse
// non-admins: the join becomes a no-op and the caller learns nothing.
func (h *Hub) join(c *Client, topic string) {
	if isAdminTopic(topic) && !auth.IsAdminRole(c.User.Role) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	members, ok := h.rooms[topic]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[topic] = members
	}
	members[c.ID] = c
}

func (h *Hub) leave(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[topic]
	if !ok {
		return
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(h.rooms, topic)
	}
}

// Publish sends an event through the bus for delivery on every instance.
// Failures are logged and swallowed: a broadcast must never fail the
// mutation that triggered it.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.published.Add(1)
	h.metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"type":  ev.Type,
			"topic": ev.Topic,
		}).Error("broadcast publish failed")
	}
}

// deliver fans an event out to the local members of its room. Membership
// is snapshotted under the read lock; the sends never touch a closed
// socket because enqueue is a no-op after close.
func (h *Hub) deliver(ctx context.Context, ev Event) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[ev.Topic]))
	for _, c := range h.rooms[ev.Topic] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return
	}

	msg := ServerMessage{Type: ev.Type, Payload: ev.Payload, Timestamp: ev.Timestamp}
	for _, c := range members {
		if c.enqueue(msg) {
			h.delivered.Add(1)
			h.metrics.EventsDelivered.Inc()
		} else {
			h.dropped.Add(1)
			h.metrics.EventsDropped.Inc()
		}
	}
}

// Broadcast producers, one per event contract.

func (h *Hub) BroadcastStockUpdate(ctx context.Context, p StockUpdatedPayload) {
	h.publishPayload(ctx, ProductRoom(p.ProductID), EventStockUpdated, p)
}

func (h *Hub) BroadcastLowStock(ctx context.Context, p LowStockPayload) {
	h.publishPayload(ctx, AdminRoom, EventLowStock, p)
}

func (h *Hub) BroadcastNewOrder(ctx context.Context, order json.RawMessage) {
	h.publishPayload(ctx, AdminRoom, EventNewOrder, NewOrderPayload{Order: order})
}

func (h *Hub) BroadcastOrderStatus(ctx context.Context, p OrderStatusPayload) {
	h.publishPayload(ctx, OrderRoom(p.OrderID), EventOrderStatusChanged, p)
}

func (h *Hub) BroadcastMetrics(ctx context.Context, s Snapshot) {
	h.publishPayload(ctx, MetricsRoom, EventMetricsUpdated, MetricsPayload{Metrics: s})
}

func (h *Hub) publishPayload(ctx context.Context, topic, eventType string, payload any) {
	ev, err := NewEvent(topic, eventType, payload)
	if err != nil {
		h.log.WithError(err).WithField("type", eventType).Error("event marshal failed")
		return
	}
	h.Publish(ctx, ev)
}

// Snapshot reports the hub's current state for the admin metrics feed.
func (h *Hub) Snapshot() Snapshot {
	h.mu.RLock()
	connections := len(h.clients)
	rooms := len(h.rooms)
	h.mu.RUnlock()

	return Snapshot{
		Connections:     connections,
		Rooms:           rooms,
		EventsPublished: h.published.Load(),
		EventsDelivered: h.delivered.Load(),
		EventsDropped:   h.dropped.Load(),
	}
}

func (h *Hub) serverMessage(eventType string, payload any) ServerMessage {
	ev, err := NewEvent("", eventType, payload)
	if err != nil {
		h.log.WithError(err).WithField("type", eventType).Error("event marshal failed")
		return ServerMessage{Type: eventType}
	}
	return ServerMessage{Type: ev.Type, Payload: ev.Payload, Timestamp: ev.Timestamp}
}

func isAdminTopic(topic string) bool {
	return topic == AdminRoom || topic == MetricsRoom
}

func newConnectionID() string {
	return uuid.New().String()
}
