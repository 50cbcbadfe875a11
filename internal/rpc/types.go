package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/connection"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("dispatcher closed")

// Config configures the dispatcher.
type Config struct {
	Application   string        // Sent with every request
	Timeout       time.Duration // Per attempt, when Send gets no explicit timeout
	Retries       int           // Automatic resends after the first attempt
	MinRetryDelay time.Duration // Backoff base
	MaxRetryDelay time.Duration // Backoff cap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Application:   "MetaApi",
		Timeout:       60 * time.Second,
		Retries:       5,
		MinRetryDelay: 1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Router resolves the transport that serves an account.
// *connection.Pool implements it.
type Router interface {
	Route(ctx context.Context, accountID string) (*connection.Transport, error)
	Releases(accountID string) uint64
	LockSubscriptions(index int, accountID string, e *api.Error)
}
