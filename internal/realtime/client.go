package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendQueueSize  = 64
)

// Client is one authenticated realtime session. Delivery goes through a
// buffered queue drained by writePump, so a slow socket sheds messages
// instead of blocking a broadcast.
type Client struct {
	ID   string
	User UserInfo

	hub  *Hub
	conn *websocket.Conn

	send      chan ServerMessage
	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, user UserInfo) *Client {
	return &Client{
		ID:     newConnectionID(),
		User:   user,
		hub:    h,
		conn:   conn,
		send:   make(chan ServerMessage, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// enqueue queues a message for delivery. Returns false when the queue is
// full or the client is gone; broadcasts are best-effort either way.
func (c *Client) enqueue(msg ServerMessage) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// readPump reads client frames until the connection drops, dispatching
// subscription changes to the hub. One pump per connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.log.WithField("connection_id", c.ID).Debug("unparseable client frame")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MsgSubscribeProduct:
		if msg.ID == "" {
			return
		}
		c.hub.join(c, ProductRoom(msg.ID))
	case MsgUnsubscribeProduct:
		if msg.ID == "" {
			return
		}
		c.hub.leave(c, ProductRoom(msg.ID))
	case MsgSubscribeOrder:
		if msg.ID == "" {
			return
		}
		c.hub.join(c, OrderRoom(msg.ID))
	case MsgUnsubscribeOrder:
		if msg.ID == "" {
			return
		}
		c.hub.leave(c, OrderRoom(msg.ID))
	case MsgSubscribeMetrics:
		c.hub.join(c, MetricsRoom)
	case MsgUnsubscribeMetrics:
		c.hub.leave(c, MetricsRoom)
	case MsgPing:
		c.enqueue(ServerMessage{Type: EventPong, Timestamp: time.Now()})
	default:
		c.hub.log.WithFields(logrus.Fields{
			"connection_id": c.ID,
			"type":          msg.Type,
		}).Debug("unknown client message type")
	}
}

// writePump drains the send queue onto the socket and keeps the
// connection alive with control pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
