package realtime

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// Publisher is the publish-only face of the fan-out bus, for processes
// that broadcast but serve no sockets of their own (the standalone
// sweeper). Delivery happens on the hub instances consuming the bus.
type Publisher struct {
	bus Bus
	log *logrus.Entry
}

func NewPublisher(bus Bus, log *logrus.Logger) *Publisher {
	return &Publisher{
		bus: bus,
		log: log.WithField("component", "publisher"),
	}
}

// Publish puts an event on the bus. Failures are logged and swallowed
// like the hub's: a broadcast never fails the mutation that triggered it.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"type":  ev.Type,
			"topic": ev.Topic,
		}).Error("broadcast publish failed")
	}
}

func (p *Publisher) BroadcastStockUpdate(ctx context.Context, payload StockUpdatedPayload) {
	p.publishPayload(ctx, ProductRoom(payload.ProductID), EventStockUpdated, payload)
}

func (p *Publisher) BroadcastLowStock(ctx context.Context, payload LowStockPayload) {
	p.publishPayload(ctx, AdminRoom, EventLowStock, payload)
}

func (p *Publisher) BroadcastNewOrder(ctx context.Context, order json.RawMessage) {
	p.publishPayload(ctx, AdminRoom, EventNewOrder, NewOrderPayload{Order: order})
}

func (p *Publisher) BroadcastOrderStatus(ctx context.Context, payload OrderStatusPayload) {
	p.publishPayload(ctx, OrderRoom(payload.OrderID), EventOrderStatusChanged, payload)
}

func (p *Publisher) publishPayload(ctx context.Context, topic, eventType string, payload any) {
	ev, err := NewEvent(topic, eventType, payload)
	if err != nil {
		p.log.WithError(err).WithField("type", eventType).Error("event marshal failed")
		return
	}
	p.Publish(ctx, ev)
}
