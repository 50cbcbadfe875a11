package connection

import (
	"errors"
	"time"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/throttle"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrAccountReleased  = errors.New("account released from transport")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrUnknownTransport = errors.New("unknown transport")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // Terminal streaming endpoint (ws:// or wss://)
	Token        string        // Auth token, sent as the auth-token query parameter
	ClientID     string        // Client identity for this connection attempt
	PingTimeout  time.Duration // Max time without ping before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// PoolConfig configures the transport pool.
type PoolConfig struct {
	URL                     string
	Token                   string
	MaxAccountsPerTransport int           // Accounts assigned to one transport before a new one opens
	ReconnectInterval       time.Duration // Fixed wait between reconnect attempts
	ConnectTimeout          time.Duration // Dial timeout per attempt
	PingTimeout             time.Duration
	WriteTimeout            time.Duration
	BufferSize              int
	DefaultLockDuration     time.Duration // Lock length when a rate limit carries no retry time
	Throttle                throttle.Config
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxAccountsPerTransport: 100,
		ReconnectInterval:       1 * time.Second,
		ConnectTimeout:          60 * time.Second,
		PingTimeout:             60 * time.Second,
		WriteTimeout:            5 * time.Second,
		BufferSize:              1000,
		DefaultLockDuration:     1 * time.Minute,
		Throttle:                throttle.DefaultConfig(),
	}
}

// PoolStats provides statistics about the pool.
type PoolStats struct {
	Transports int
	Connected  int
	Accounts   int
	Pending    int
	Throttle   throttle.Stats
}

// Result completes a pending request.
type Result struct {
	Packet *api.Packet
	Err    error
}

// PendingRequest is a request awaiting its response.
type PendingRequest struct {
	ID        string
	AccountID string
	Type      string
	CreatedAt time.Time

	done chan Result
}

// Done delivers exactly one Result.
func (r *PendingRequest) Done() <-chan Result {
	return r.done
}

// subscribeLock blocks new routing while the subscription limit holds.
// It lapses at retryAt or once the account count drops below accounts.
type subscribeLock struct {
	retryAt  time.Time
	accounts int
}

func (l *subscribeLock) active(now time.Time, accounts int) bool {
	return l != nil && now.Before(l.retryAt) && accounts >= l.accounts
}
