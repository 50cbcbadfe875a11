package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/rickgao/termsync/internal/model"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.ObserveRequest("trade", "ok", time.Second)
	m.IncRetry("TimeoutError")
	m.AddPending(1)
	m.SetTransports(1, 2)
	m.IncOutOfOrder()
	m.IncEvent("connected")
	m.Latency().OnUpdate(context.Background(), "acc", model.Timestamps{})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRequest("getAccountInformation", "ok", 20*time.Millisecond)
	m.ObserveRequest("getAccountInformation", "ok", 30*time.Millisecond)
	m.IncRetry("TimeoutError")
	m.IncOutOfOrder()
	m.IncListenerError("positionsReplaced")
	m.SetTransports(3, 42)
	m.SetThrottle(2, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("getAccountInformation", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestRetries.WithLabelValues("TimeoutError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutOfOrder))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ListenerErrors.WithLabelValues("positionsReplaced")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TransportsConnected))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.AccountsAssigned))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.SyncQueueLength))
}

func TestLatencyRecorderSkipsMissingStages(t *testing.T) {
	m := New(prometheus.NewRegistry())

	start := time.Now()
	end := start.Add(40 * time.Millisecond)
	m.Latency().OnResponse(context.Background(), "acc", "trade", model.Timestamps{
		ClientProcessingStarted:  &start,
		ClientProcessingFinished: &end,
	})

	assert.Equal(t, 1, testutil.CollectAndCount(m.LatencySeconds))
}
