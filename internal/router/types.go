package router

import (
	"time"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/model"
)

// Config configures the Orderer.
type Config struct {
	WaitWindow    time.Duration // How long a sequence gap may stay open
	CheckInterval time.Duration // Gap check period
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		WaitWindow:    60 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}

// OutOfOrder describes a gap that was given up on.
type OutOfOrder struct {
	Stream     model.StreamID
	Expected   int64       // 0 if the stream had no session start yet
	Actual     int64       // lowest sequence number that did arrive
	Packet     *api.Packet // the packet carrying Actual
	ReceivedAt time.Time
}

// Handler receives ordered packets and gap reports.
// Calls are serialized and must not block.
type Handler interface {
	OnOrdered(packets []*api.Packet)
	OnOutOfOrder(gap OutOfOrder)
}

// OrdererStats contains runtime statistics.
type OrdererStats struct {
	Streams    int
	Buffered   int
	OutOfOrder int64
	Dropped    int64 // packets from an older session
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	Discarded     int64
	ResizeCount   int
}
