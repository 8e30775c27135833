package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/ec-realtime/internal/infrastructure/kafka"
)

// Bus is the fan-out substrate between hub instances. Publish puts an
// event on the bus; Run feeds every bus event to the handler until ctx
// is cancelled. A room's members connected to different instances all
// receive a broadcast because each instance consumes the full stream.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Run(ctx context.Context, handler func(ctx context.Context, ev Event)) error
	Close() error
}

// LocalBus is the single-process degraded mode: events loop back through
// a channel to the one hub in this process. Not for multi-instance
// deployments.
type LocalBus struct {
	ch chan Event
}

func NewLocalBus() *LocalBus {
	return &LocalBus{ch: make(chan Event, 256)}
}

func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) Run(ctx context.Context, handler func(ctx context.Context, ev Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.ch:
			handler(ctx, ev)
		}
	}
}

func (b *LocalBus) Close() error { return nil }

// KafkaBus re-publishes broadcasts through a shared Kafka topic. Each hub
// instance consumes with its own group ID, so every instance sees every
// event and delivers it to its local room members.
type KafkaBus struct {
	producer *kafka.Producer
	consumer *kafka.Consumer
	log      *logrus.Entry
}

func NewKafkaBus(brokers []string, topic string, log *logrus.Logger) *KafkaBus {
	groupID := "hub-" + uuid.New().String()
	return &KafkaBus{
		producer: kafka.NewProducer(brokers, topic),
		consumer: kafka.NewConsumer(brokers, topic, groupID),
		log:      log.WithField("component", "kafka-bus"),
	}
}

func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	// Key by room topic so one room's events stay ordered per partition.
	return b.producer.Publish(ctx, ev.Topic, ev)
}

func (b *KafkaBus) Run(ctx context.Context, handler func(ctx context.Context, ev Event)) error {
	return b.consumer.Consume(ctx, func(ctx context.Context, key, value []byte) error {
		var ev Event
		if err := json.Unmarshal(value, &ev); err != nil {
			b.log.WithError(err).Warn("dropping malformed bus event")
			return nil
		}
		handler(ctx, ev)
		return nil
	})
}

func (b *KafkaBus) Close() error {
	if err := b.producer.Close(); err != nil {
		b.consumer.Close()
		return err
	}
	return b.consumer.Close()
}
