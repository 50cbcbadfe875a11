package subscription

import (
	"context"
	"time"

	"github.com/rickgao/termsync/internal/api"
)

// Config configures the Manager.
type Config struct {
	RetryInterval    time.Duration // First wait between subscribe attempts
	MaxRetryInterval time.Duration // Cap for the doubling wait
	TimeoutDelay     time.Duration // Delay before resubscribing after a status timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetryInterval:    3 * time.Second,
		MaxRetryInterval: 300 * time.Second,
		TimeoutDelay:     1 * time.Second,
	}
}

// Sender delivers requests. *rpc.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, accountID string, req *api.Request, timeout time.Duration) (*api.Packet, error)
}
