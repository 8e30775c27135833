package realtime

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Metrics are the hub's Prometheus instruments.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	EventsDelivered   prometheus.Counter
	EventsDropped     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Currently connected websocket sessions.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_published_total",
			Help: "Events published to the fan-out bus, by event type.",
		}, []string{"type"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Events delivered to local room members.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Events dropped because a client send queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectionsActive, m.EventsPublished, m.EventsDelivered, m.EventsDropped)
	}
	return m
}

// Snapshot is the payload of the admin metrics feed.
type Snapshot struct {
	Connections     int   `json:"connections"`
	Rooms           int   `json:"rooms"`
	EventsPublished int64 `json:"events_published"`
	EventsDelivered int64 `json:"events_delivered"`
	EventsDropped   int64 `json:"events_dropped"`
}

// MetricsSampler pushes a hub snapshot to the admin metrics room on an
// interval.
type MetricsSampler struct {
	hub      *Hub
	interval time.Duration
	log      *logrus.Entry
}

func NewMetricsSampler(hub *Hub, interval time.Duration, log *logrus.Logger) *MetricsSampler {
	return &MetricsSampler{
		hub:      hub,
		interval: interval,
		log:      log.WithField("component", "metrics-sampler"),
	}
}

func (s *MetricsSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval).Info("metrics sampler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.hub.BroadcastMetrics(ctx, s.hub.Snapshot())
		}
	}
}
