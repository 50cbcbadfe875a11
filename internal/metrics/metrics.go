package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rickgao/termsync/internal/model"
)

const namespace = "termsync"

// Metrics holds every engine collector.
type Metrics struct {
	TransportsConnected prometheus.Gauge
	TransportReconnects prometheus.Counter
	AccountsAssigned    prometheus.Gauge
	SubscribeLocks      *prometheus.CounterVec

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestRetries  *prometheus.CounterVec
	PendingRequests prometheus.Gauge

	SyncSlotsActive prometheus.Gauge
	SyncQueueLength prometheus.Gauge
	SyncReplaced    prometheus.Counter
	SyncExpired     prometheus.Counter

	OutOfOrder     prometheus.Counter
	Events         *prometheus.CounterVec
	ListenerErrors *prometheus.CounterVec
	StreamsActive  prometheus.Gauge
	SubscribeSent  prometheus.Counter
	LatencySeconds *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		TransportsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "transports_connected",
			Help:      "Number of connected transports",
		}),
		TransportReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "reconnects_total",
			Help:      "Successful transport reconnections",
		}),
		AccountsAssigned: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "accounts_assigned",
			Help:      "Accounts currently assigned to a transport",
		}),
		SubscribeLocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "subscribe_locks_total",
			Help:      "Subscription rate-limit locks by scope",
		}, []string{"scope"}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Requests by type and outcome",
		}, []string{"type", "outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Request round trip including retries",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"type"}),
		RequestRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "retries_total",
			Help:      "Automatic request retries by error kind",
		}, []string{"kind"}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response",
		}),

		SyncSlotsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "slots_active",
			Help:      "Synchronizations holding a slot",
		}),
		SyncQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "queue_length",
			Help:      "Synchronizations waiting for a slot",
		}),
		SyncReplaced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "replaced_total",
			Help:      "Synchronizations dropped in favour of a newer one",
		}),
		SyncExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "expired_total",
			Help:      "Slots reclaimed without renewal",
		}),

		OutOfOrder: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "out_of_order_total",
			Help:      "Sequence gaps that were not filled in time",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Listener notifications by event",
		}, []string{"event"}),
		ListenerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "listener_errors_total",
			Help:      "Listener notifications that failed",
		}, []string{"event"}),
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Authenticated streams",
		}),
		SubscribeSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "attempts_total",
			Help:      "Subscribe requests sent",
		}),
		LatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "latency",
			Name:      "seconds",
			Help:      "Observed latency by kind and stage",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"kind", "stage"}),
	}
}

// ObserveRequest records a finished request.
func (m *Metrics) ObserveRequest(typ, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(typ, outcome).Inc()
	m.RequestDuration.WithLabelValues(typ).Observe(d.Seconds())
}

// IncRetry records an automatic retry.
func (m *Metrics) IncRetry(kind string) {
	if m == nil {
		return
	}
	m.RequestRetries.WithLabelValues(kind).Inc()
}

// AddPending adjusts the pending request gauge.
func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.PendingRequests.Add(float64(delta))
}

// SetTransports records the pool shape.
func (m *Metrics) SetTransports(connected, accounts int) {
	if m == nil {
		return
	}
	m.TransportsConnected.Set(float64(connected))
	m.AccountsAssigned.Set(float64(accounts))
}

// IncReconnect records a transport reconnection.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.TransportReconnects.Inc()
}

// IncSubscribeLock records a subscription rate-limit lock.
func (m *Metrics) IncSubscribeLock(scope string) {
	if m == nil {
		return
	}
	m.SubscribeLocks.WithLabelValues(scope).Inc()
}

// SetThrottle records throttler occupancy summed over transports.
func (m *Metrics) SetThrottle(active, queued int) {
	if m == nil {
		return
	}
	m.SyncSlotsActive.Set(float64(active))
	m.SyncQueueLength.Set(float64(queued))
}

// IncSyncReplaced records a dropped synchronization.
func (m *Metrics) IncSyncReplaced() {
	if m == nil {
		return
	}
	m.SyncReplaced.Inc()
}

// IncSyncExpired records a reclaimed slot.
func (m *Metrics) IncSyncExpired() {
	if m == nil {
		return
	}
	m.SyncExpired.Inc()
}

// IncOutOfOrder records an unfilled sequence gap.
func (m *Metrics) IncOutOfOrder() {
	if m == nil {
		return
	}
	m.OutOfOrder.Inc()
}

// IncEvent records a listener notification.
func (m *Metrics) IncEvent(event string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event).Inc()
}

// IncListenerError records a failed listener notification.
func (m *Metrics) IncListenerError(event string) {
	if m == nil {
		return
	}
	m.ListenerErrors.WithLabelValues(event).Inc()
}

// SetStreams records the number of authenticated streams.
func (m *Metrics) SetStreams(n int) {
	if m == nil {
		return
	}
	m.StreamsActive.Set(float64(n))
}

// IncSubscribe records a subscribe attempt.
func (m *Metrics) IncSubscribe() {
	if m == nil {
		return
	}
	m.SubscribeSent.Inc()
}

// LatencyRecorder adapts Metrics to model.LatencyListener.
type LatencyRecorder struct {
	m *Metrics
}

var _ model.LatencyListener = LatencyRecorder{}

// Latency returns a latency listener feeding the latency histogram.
func (m *Metrics) Latency() LatencyRecorder {
	return LatencyRecorder{m: m}
}

func (r LatencyRecorder) observe(l model.Latency) {
	if r.m == nil {
		return
	}
	for stage, d := range map[string]time.Duration{"client": l.Client, "server": l.Server, "broker": l.Broker} {
		if d > 0 {
			r.m.LatencySeconds.WithLabelValues(l.Kind, stage).Observe(d.Seconds())
		}
	}
}

func (r LatencyRecorder) OnResponse(_ context.Context, accountID, requestType string, ts model.Timestamps) {
	r.observe(model.NewLatency(accountID, requestType, "", &ts))
}

func (r LatencyRecorder) OnSymbolPrice(_ context.Context, accountID, symbol string, ts model.Timestamps) {
	r.observe(model.NewLatency(accountID, "price", symbol, &ts))
}

func (r LatencyRecorder) OnUpdate(_ context.Context, accountID string, ts model.Timestamps) {
	r.observe(model.NewLatency(accountID, "update", "", &ts))
}

func (r LatencyRecorder) OnTrade(_ context.Context, accountID string, ts model.Timestamps) {
	r.observe(model.NewLatency(accountID, "trade", "", &ts))
}
