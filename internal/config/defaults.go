package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultApplication             = "MetaApi"
	DefaultMaxAccountsPerTransport = 100
	DefaultReconnectInterval       = 1 * time.Second
	DefaultConnectTimeout          = 60 * time.Second
	DefaultPingTimeout             = 60 * time.Second
	DefaultWriteTimeout            = 5 * time.Second
	DefaultTransportBufferSize     = 1000
	DefaultRequestTimeout          = 60 * time.Second
	DefaultRetries                 = 5
	DefaultMinRetryDelay           = 1 * time.Second
	DefaultMaxRetryDelay           = 30 * time.Second
	DefaultMaxConcurrentSyncs      = 15
	DefaultAccountsPerSlot         = 10
	DefaultSlotTimeout             = 10 * time.Second
	DefaultQueueTimeout            = 300 * time.Second
	DefaultWaitWindow              = 60 * time.Second
	DefaultSilenceTimeout          = 60 * time.Second
	DefaultCheckInterval           = 1 * time.Second
	DefaultSubscribeRetryInterval  = 3 * time.Second
	DefaultSubscribeMaxInterval    = 300 * time.Second
	DefaultSubscribeTimeoutDelay   = 1 * time.Second
	DefaultDBPort                  = 5432
	DefaultDBSSLMode               = "prefer"
	DefaultMaxConns                = 10
	DefaultMinConns                = 2
	DefaultBatchSize               = 1000
	DefaultFlushInterval           = 5 * time.Second
	DefaultBufferSize              = 10000
	DefaultSubjectPrefix           = "termsync"
	DefaultNATSReconnectWait       = 2 * time.Second
	DefaultNATSMaxReconnects       = -1
	DefaultMetricsPort             = 9090
	DefaultMetricsPath             = "/metrics"
)

// ApplyDefaults fills every zero-valued optional field.
func (c *Config) ApplyDefaults() {
	if c.Server.Application == "" {
		c.Server.Application = DefaultApplication
	}

	// Pool defaults
	if c.Pool.MaxAccountsPerTransport == 0 {
		c.Pool.MaxAccountsPerTransport = DefaultMaxAccountsPerTransport
	}
	if c.Pool.ReconnectInterval == 0 {
		c.Pool.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Pool.ConnectTimeout == 0 {
		c.Pool.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Pool.PingTimeout == 0 {
		c.Pool.PingTimeout = DefaultPingTimeout
	}
	if c.Pool.WriteTimeout == 0 {
		c.Pool.WriteTimeout = DefaultWriteTimeout
	}
	if c.Pool.BufferSize == 0 {
		c.Pool.BufferSize = DefaultTransportBufferSize
	}

	// Request defaults. Retries may legitimately be zero only via a negative value.
	if c.Requests.Timeout == 0 {
		c.Requests.Timeout = DefaultRequestTimeout
	}
	if c.Requests.Retries == 0 {
		c.Requests.Retries = DefaultRetries
	} else if c.Requests.Retries < 0 {
		c.Requests.Retries = 0
	}
	if c.Requests.MinRetryDelay == 0 {
		c.Requests.MinRetryDelay = DefaultMinRetryDelay
	}
	if c.Requests.MaxRetryDelay == 0 {
		c.Requests.MaxRetryDelay = DefaultMaxRetryDelay
	}

	// Synchronization defaults
	if c.Synchronization.MaxConcurrent == 0 {
		c.Synchronization.MaxConcurrent = DefaultMaxConcurrentSyncs
	}
	if c.Synchronization.AccountsPerSlot == 0 {
		c.Synchronization.AccountsPerSlot = DefaultAccountsPerSlot
	}
	if c.Synchronization.SlotTimeout == 0 {
		c.Synchronization.SlotTimeout = DefaultSlotTimeout
	}
	if c.Synchronization.QueueTimeout == 0 {
		c.Synchronization.QueueTimeout = DefaultQueueTimeout
	}

	if c.Ordering.WaitWindow == 0 {
		c.Ordering.WaitWindow = DefaultWaitWindow
	}

	if c.Streams.SilenceTimeout == 0 {
		c.Streams.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.Streams.CheckInterval == 0 {
		c.Streams.CheckInterval = DefaultCheckInterval
	}

	if c.Subscriptions.RetryInterval == 0 {
		c.Subscriptions.RetryInterval = DefaultSubscribeRetryInterval
	}
	if c.Subscriptions.MaxRetryInterval == 0 {
		c.Subscriptions.MaxRetryInterval = DefaultSubscribeMaxInterval
	}
	if c.Subscriptions.TimeoutDelay == 0 {
		c.Subscriptions.TimeoutDelay = DefaultSubscribeTimeoutDelay
	}

	for i := range c.Accounts {
		if len(c.Accounts[i].Instances) == 0 {
			c.Accounts[i].Instances = []int{0}
		}
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)
	if c.Database.Writer.BatchSize == 0 {
		c.Database.Writer.BatchSize = DefaultBatchSize
	}
	if c.Database.Writer.FlushInterval == 0 {
		c.Database.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Database.Writer.BufferSize == 0 {
		c.Database.Writer.BufferSize = DefaultBufferSize
	}

	// NATS defaults
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = DefaultNATSReconnectWait
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = DefaultNATSMaxReconnects
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
