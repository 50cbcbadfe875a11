package stream

import (
	"context"
	"time"

	"github.com/rickgao/termsync/internal/model"
)

// Config configures the Processor.
type Config struct {
	SilenceTimeout time.Duration // A stream without packets for this long is closed
	CheckInterval  time.Duration // Silence check period
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SilenceTimeout: 60 * time.Second,
		CheckInterval:  1 * time.Second,
	}
}

// EffectKind identifies what an Effect asks the processor to do.
type EffectKind int

const (
	// EffectNotify delivers Event to the account's listeners.
	EffectNotify EffectKind = iota
	// EffectLatency reports packet timings to latency listeners.
	EffectLatency
	// EffectCancelSubscribe stops the subscribe task of an authenticated instance.
	EffectCancelSubscribe
	// EffectResubscribe restarts the subscription of an instance that sent
	// status before authenticating.
	EffectResubscribe
	// EffectSubscriptionTimeout reports an instance that went silent.
	EffectSubscriptionTimeout
	// EffectSubscriptionDisconnected reports an instance the terminal disconnected.
	EffectSubscriptionDisconnected
	// EffectStreamClosed drops the sequencing state of Stream, and the
	// throttler state of its instance when LastStream is set.
	EffectStreamClosed
	// EffectRenewSync keeps a running synchronization's slot alive.
	EffectRenewSync
	// EffectFinishSync frees a synchronization's slot.
	EffectFinishSync
)

var effectNames = [...]string{
	EffectNotify:                   "notify",
	EffectLatency:                  "latency",
	EffectCancelSubscribe:          "cancel_subscribe",
	EffectResubscribe:              "resubscribe",
	EffectSubscriptionTimeout:      "subscription_timeout",
	EffectSubscriptionDisconnected: "subscription_disconnected",
	EffectStreamClosed:             "stream_closed",
	EffectRenewSync:                "renew_sync",
	EffectFinishSync:               "finish_sync",
}

func (k EffectKind) String() string {
	if int(k) < len(effectNames) {
		return effectNames[k]
	}
	return "unknown"
}

// Effect is one consequence of a packet or a timeout.
type Effect struct {
	Kind              EffectKind
	Stream            model.StreamID
	Transport         int
	Event             Event    // EffectNotify
	Latency           *Latency // EffectLatency
	SynchronizationID string   // EffectRenewSync, EffectFinishSync
	LastStream        bool     // EffectStreamClosed
}

// Latency is a timing report for latency listeners.
type Latency struct {
	Kind       string // LatencyPrice or LatencyUpdate
	Symbol     string
	Timestamps model.Timestamps
}

// Latency kinds.
const (
	LatencyPrice  = "price"
	LatencyUpdate = "update"
)

// Controls is what the processor drives besides listeners.
type Controls interface {
	// SessionID returns the current session token of a transport.
	SessionID(transport int) string
	// IsSubscribing reports whether a subscribe task runs for the instance.
	IsSubscribing(key model.InstanceKey) bool

	CancelSubscribe(key model.InstanceKey)
	Resubscribe(key model.InstanceKey)
	SubscriptionTimeout(key model.InstanceKey)
	SubscriptionDisconnected(key model.InstanceKey)
	StreamClosed(id model.StreamID, last bool)

	RenewSync(transport int, synchronizationID string)
	FinishSync(transport int, synchronizationID string)

	LatencyListeners() []model.LatencyListener
}

// Stats contains runtime statistics.
type Stats struct {
	Streams        int
	QueuedPackets  int
	Events         int64
	ListenerErrors int64
}

type listenerCall func(ctx context.Context, l model.SynchronizationListener) error
