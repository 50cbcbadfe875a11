package throttle

import (
	"errors"
	"time"

	"github.com/rickgao/termsync/internal/model"
)

// Errors
var (
	ErrReplaced  = errors.New("synchronization replaced by a newer request")
	ErrCancelled = errors.New("synchronization cancelled")
	ErrClosed    = errors.New("throttler closed")
)

// Config configures a Throttler.
type Config struct {
	MaxConcurrent   int           // Slot ceiling per transport and process-wide
	AccountsPerSlot int           // Subscribed accounts that unlock one slot
	SlotTimeout     time.Duration // Slot is reclaimed after this long without renewal
	QueueTimeout    time.Duration // Queued request fails after waiting this long
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   15,
		AccountsPerSlot: 10,
		SlotTimeout:     10 * time.Second,
		QueueTimeout:    300 * time.Second,
	}
}

// Hooks connect a Throttler to the pool that owns it. Every hook is optional.
type Hooks struct {
	// Subscribed returns the number of accounts on the owning transport.
	Subscribed func() int
	// GlobalActive returns the running slots summed over all transports.
	GlobalActive func() int
	// OnRelease is called, without locks held, after capacity was freed.
	OnRelease func()
}

// Stats is a snapshot of throttler occupancy.
type Stats struct {
	Active   int
	Queued   int
	Capacity int
}

type slot struct {
	key       model.InstanceKey
	id        string
	startedAt time.Time
	renewedAt time.Time
}

type waiter struct {
	key      model.InstanceKey
	id       string
	queuedAt time.Time
	result   chan error
}
