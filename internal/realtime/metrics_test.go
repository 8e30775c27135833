package realtime

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-realtime/internal/auth"
)

func TestMetricsSampler_BroadcastsSnapshots(t *testing.T) {
	hub, _ := newTestHub(t)
	admin := addTestClient(hub, auth.RoleAdmin)
	hub.join(admin, MetricsRoom)

	log := logrus.New()
	log.SetOutput(io.Discard)
	sampler := NewMetricsSampler(hub, 10*time.Millisecond, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sampler.Run(ctx)

	msg := receive(t, admin)
	assert.Equal(t, EventMetricsUpdated, msg.Type)

	var p MetricsPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, 1, p.Metrics.Connections)
	assert.Equal(t, 1, p.Metrics.Rooms)
}

func TestMetricsSampler_StopsOnCancel(t *testing.T) {
	hub, _ := newTestHub(t)

	log := logrus.New()
	log.SetOutput(io.Discard)
	sampler := NewMetricsSampler(hub, time.Millisecond, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sampler.Run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sampler did not stop after cancel")
	}
}
