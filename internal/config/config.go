package config

import "time"

// Config is the root configuration for a termsync engine.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Pool            PoolConfig            `yaml:"pool"`
	Requests        RequestsConfig        `yaml:"requests"`
	Synchronization SynchronizationConfig `yaml:"synchronization"`
	Ordering        OrderingConfig        `yaml:"ordering"`
	Streams         StreamsConfig         `yaml:"streams"`
	Subscriptions   SubscriptionsConfig   `yaml:"subscriptions"`
	Accounts        []AccountConfig       `yaml:"accounts"`
	Database        DatabaseConfig        `yaml:"database"`
	NATS            NATSConfig            `yaml:"nats"`
	Metrics         MetricsConfig         `yaml:"metrics"`
}

// ServerConfig holds the terminal streaming endpoint.
type ServerConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Application string `yaml:"application"`
	Region      string `yaml:"region"`
}

// PoolConfig holds transport pool settings.
type PoolConfig struct {
	MaxAccountsPerTransport int           `yaml:"max_accounts_per_transport"`
	ReconnectInterval       time.Duration `yaml:"reconnect_interval"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	PingTimeout             time.Duration `yaml:"ping_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	BufferSize              int           `yaml:"buffer_size"`
}

// RequestsConfig holds request dispatcher settings.
type RequestsConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	MinRetryDelay time.Duration `yaml:"min_retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// SynchronizationConfig holds synchronization throttler settings.
type SynchronizationConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	AccountsPerSlot int           `yaml:"accounts_per_slot"`
	SlotTimeout     time.Duration `yaml:"slot_timeout"`
	QueueTimeout    time.Duration `yaml:"queue_timeout"`
	// AutoSynchronize is a pointer so an explicit false survives defaults.
	AutoSynchronize *bool `yaml:"auto_synchronize"`
}

// OrderingConfig holds packet orderer settings.
type OrderingConfig struct {
	WaitWindow time.Duration `yaml:"wait_window"`
}

// StreamsConfig holds event processor settings.
type StreamsConfig struct {
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
	CheckInterval  time.Duration `yaml:"check_interval"`
}

// SubscriptionsConfig holds subscription manager settings.
type SubscriptionsConfig struct {
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
	TimeoutDelay     time.Duration `yaml:"timeout_delay"`
}

// AccountConfig lists an account the daemon subscribes on startup.
type AccountConfig struct {
	ID        string `yaml:"id"`
	Instances []int  `yaml:"instances"`
}

// DatabaseConfig holds the optional TimescaleDB latency journal.
type DatabaseConfig struct {
	Timescale DBConfig     `yaml:"timescale"`
	Writer    WriterConfig `yaml:"writer"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// NATSConfig holds the optional event bridge settings.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ClientID      string        `yaml:"client_id"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// AutoSynchronizeEnabled reports whether connected streams trigger a synchronization.
func (c SynchronizationConfig) AutoSynchronizeEnabled() bool {
	return c.AutoSynchronize == nil || *c.AutoSynchronize
}
