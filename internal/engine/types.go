package engine

import (
	"errors"
	"time"

	"github.com/rickgao/termsync/internal/config"
	"github.com/rickgao/termsync/internal/connection"
	"github.com/rickgao/termsync/internal/router"
	"github.com/rickgao/termsync/internal/rpc"
	"github.com/rickgao/termsync/internal/stream"
	"github.com/rickgao/termsync/internal/subscription"
	"github.com/rickgao/termsync/internal/throttle"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("engine closed")

// Config configures every component of the Client.
type Config struct {
	Pool            connection.PoolConfig
	Requests        rpc.Config
	Ordering        router.Config
	Streams         stream.Config
	Subscriptions   subscription.Config
	AutoSynchronize bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Pool:            connection.DefaultPoolConfig(),
		Requests:        rpc.DefaultConfig(),
		Ordering:        router.DefaultConfig(),
		Streams:         stream.DefaultConfig(),
		Subscriptions:   subscription.DefaultConfig(),
		AutoSynchronize: true,
	}
}

// FromConfig maps a loaded configuration file onto component configs.
// Call it on a config that went through config.LoadWithDefaults.
func FromConfig(c *config.Config) Config {
	return Config{
		Pool: connection.PoolConfig{
			URL:                     c.Server.URL,
			Token:                   c.Server.Token,
			MaxAccountsPerTransport: c.Pool.MaxAccountsPerTransport,
			ReconnectInterval:       c.Pool.ReconnectInterval,
			ConnectTimeout:          c.Pool.ConnectTimeout,
			PingTimeout:             c.Pool.PingTimeout,
			WriteTimeout:            c.Pool.WriteTimeout,
			BufferSize:              c.Pool.BufferSize,
			DefaultLockDuration:     connection.DefaultPoolConfig().DefaultLockDuration,
			Throttle: throttle.Config{
				MaxConcurrent:   c.Synchronization.MaxConcurrent,
				AccountsPerSlot: c.Synchronization.AccountsPerSlot,
				SlotTimeout:     c.Synchronization.SlotTimeout,
				QueueTimeout:    c.Synchronization.QueueTimeout,
			},
		},
		Requests: rpc.Config{
			Application:   c.Server.Application,
			Timeout:       c.Requests.Timeout,
			Retries:       c.Requests.Retries,
			MinRetryDelay: c.Requests.MinRetryDelay,
			MaxRetryDelay: c.Requests.MaxRetryDelay,
		},
		Ordering: router.Config{
			WaitWindow:    c.Ordering.WaitWindow,
			CheckInterval: router.DefaultConfig().CheckInterval,
		},
		Streams: stream.Config{
			SilenceTimeout: c.Streams.SilenceTimeout,
			CheckInterval:  c.Streams.CheckInterval,
		},
		Subscriptions: subscription.Config{
			RetryInterval:    c.Subscriptions.RetryInterval,
			MaxRetryInterval: c.Subscriptions.MaxRetryInterval,
			TimeoutDelay:     c.Subscriptions.TimeoutDelay,
		},
		AutoSynchronize: c.Synchronization.AutoSynchronizeEnabled(),
	}
}

// SynchronizeOptions bound the history a synchronization resends.
// Zero times let the terminal pick.
type SynchronizeOptions struct {
	StartingHistoryOrderTime time.Time
	StartingDealTime         time.Time
}

// TradeResult is the terminal's answer to a successful trade.
type TradeResult struct {
	NumericCode int    `json:"numericCode"`
	StringCode  string `json:"stringCode"`
	Message     string `json:"message"`
	OrderID     string `json:"orderId,omitempty"`
	PositionID  string `json:"positionId,omitempty"`
}

// Trade result codes that mean success.
var tradeSuccessCodes = map[int]bool{
	0:     true, // ERR_NO_ERROR
	10008: true, // TRADE_RETCODE_PLACED
	10009: true, // TRADE_RETCODE_DONE
	10010: true, // TRADE_RETCODE_DONE_PARTIAL
	10025: true, // TRADE_RETCODE_NO_CHANGES
}

// AccountStatus is the debug view of one assigned account.
type AccountStatus struct {
	AccountID string         `json:"accountId"`
	Transport int            `json:"transport"`
	Streams   []StreamStatus `json:"streams"`
}

// StreamStatus is the debug view of one stream.
type StreamStatus struct {
	InstanceIndex int    `json:"instanceIndex"`
	Host          string `json:"host"`
	State         string `json:"state"`
	Subscribing   bool   `json:"subscribing"`
}

// Stats aggregates component statistics.
type Stats struct {
	Pool    connection.PoolStats
	Orderer router.OrdererStats
	Streams stream.Stats
}
