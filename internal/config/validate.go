package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url scheme must be ws or wss, got %q", u.Scheme)
	}

	if c.Pool.MaxAccountsPerTransport < 1 {
		return errors.New("pool.max_accounts_per_transport must be >= 1")
	}
	if c.Pool.ReconnectInterval <= 0 {
		return errors.New("pool.reconnect_interval must be > 0")
	}

	if c.Requests.Timeout <= 0 {
		return errors.New("requests.timeout must be > 0")
	}
	if c.Requests.MinRetryDelay > c.Requests.MaxRetryDelay {
		return fmt.Errorf("requests.min_retry_delay (%s) cannot exceed max_retry_delay (%s)",
			c.Requests.MinRetryDelay, c.Requests.MaxRetryDelay)
	}

	if c.Synchronization.MaxConcurrent < 1 {
		return errors.New("synchronization.max_concurrent must be >= 1")
	}
	if c.Synchronization.AccountsPerSlot < 1 {
		return errors.New("synchronization.accounts_per_slot must be >= 1")
	}

	if c.Subscriptions.RetryInterval > c.Subscriptions.MaxRetryInterval {
		return errors.New("subscriptions.retry_interval cannot exceed max_retry_interval")
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if _, dup := seen[acc.ID]; dup {
			return fmt.Errorf("accounts[%d].id %q is duplicated", i, acc.ID)
		}
		seen[acc.ID] = struct{}{}
		for _, inst := range acc.Instances {
			if inst < 0 {
				return fmt.Errorf("accounts[%d].instances must be >= 0", i)
			}
		}
	}

	if c.Database.Timescale.Enabled {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
		if c.Database.Writer.BatchSize < 1 {
			return errors.New("database.writer.batch_size must be >= 1")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled is set")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
