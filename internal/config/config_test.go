package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  url: wss://terminal.example.com/ws
  token: abc
accounts:
  - id: acc-1
    instances: [0, 1]
  - id: acc-2
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.URL != "wss://terminal.example.com/ws" {
		t.Errorf("Server.URL = %q, want %q", cfg.Server.URL, "wss://terminal.example.com/ws")
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("len(Accounts) = %d, want 2", len(cfg.Accounts))
	}
	if len(cfg.Accounts[0].Instances) != 2 {
		t.Errorf("Accounts[0].Instances = %v, want [0 1]", cfg.Accounts[0].Instances)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_TERMINAL_TOKEN", "secret123")

	yaml := `
server:
  url: wss://terminal.example.com/ws
  token: ${TEST_TERMINAL_TOKEN}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Token != "secret123" {
		t.Errorf("Server.Token = %q, want %q", cfg.Server.Token, "secret123")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
server:
  url: wss://terminal.example.com/ws
accounts:
  - id: acc-1
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Application != DefaultApplication {
		t.Errorf("Server.Application = %q, want %q", cfg.Server.Application, DefaultApplication)
	}
	if cfg.Pool.MaxAccountsPerTransport != DefaultMaxAccountsPerTransport {
		t.Errorf("Pool.MaxAccountsPerTransport = %d, want %d", cfg.Pool.MaxAccountsPerTransport, DefaultMaxAccountsPerTransport)
	}
	if cfg.Requests.Retries != DefaultRetries {
		t.Errorf("Requests.Retries = %d, want %d", cfg.Requests.Retries, DefaultRetries)
	}
	if cfg.Synchronization.SlotTimeout != 10*time.Second {
		t.Errorf("Synchronization.SlotTimeout = %v, want 10s", cfg.Synchronization.SlotTimeout)
	}
	if cfg.Ordering.WaitWindow != time.Minute {
		t.Errorf("Ordering.WaitWindow = %v, want 1m", cfg.Ordering.WaitWindow)
	}
	if !cfg.Synchronization.AutoSynchronizeEnabled() {
		t.Error("AutoSynchronizeEnabled() = false, want true by default")
	}
	if got := cfg.Accounts[0].Instances; len(got) != 1 || got[0] != 0 {
		t.Errorf("Accounts[0].Instances = %v, want [0]", got)
	}
	if cfg.NATS.SubjectPrefix != DefaultSubjectPrefix {
		t.Errorf("NATS.SubjectPrefix = %q, want %q", cfg.NATS.SubjectPrefix, DefaultSubjectPrefix)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	yaml := `
server:
  url: wss://terminal.example.com/ws
requests:
  retries: -1
  timeout: 5s
synchronization:
  auto_synchronize: false
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Requests.Retries != 0 {
		t.Errorf("Requests.Retries = %d, want 0", cfg.Requests.Retries)
	}
	if cfg.Requests.Timeout != 5*time.Second {
		t.Errorf("Requests.Timeout = %v, want 5s", cfg.Requests.Timeout)
	}
	if cfg.Synchronization.AutoSynchronizeEnabled() {
		t.Error("AutoSynchronizeEnabled() = true, want false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "missing server url",
			modify:  func(c *Config) { c.Server.URL = "" },
			wantErr: "server.url is required",
		},
		{
			name:    "http scheme",
			modify:  func(c *Config) { c.Server.URL = "https://terminal.example.com" },
			wantErr: "scheme must be ws or wss",
		},
		{
			name:    "zero accounts per transport",
			modify:  func(c *Config) { c.Pool.MaxAccountsPerTransport = 0 },
			wantErr: "pool.max_accounts_per_transport",
		},
		{
			name: "retry delays inverted",
			modify: func(c *Config) {
				c.Requests.MinRetryDelay = time.Minute
				c.Requests.MaxRetryDelay = time.Second
			},
			wantErr: "requests.min_retry_delay",
		},
		{
			name: "duplicate account",
			modify: func(c *Config) {
				c.Accounts = []AccountConfig{{ID: "a", Instances: []int{0}}, {ID: "a", Instances: []int{0}}}
			},
			wantErr: "is duplicated",
		},
		{
			name:    "empty account id",
			modify:  func(c *Config) { c.Accounts = []AccountConfig{{Instances: []int{0}}} },
			wantErr: "accounts[0].id is required",
		},
		{
			name: "timescale enabled without host",
			modify: func(c *Config) {
				c.Database.Timescale.Enabled = true
			},
			wantErr: "database.timescale.host is required",
		},
		{
			name:    "nats enabled without url",
			modify:  func(c *Config) { c.NATS.Enabled = true },
			wantErr: "nats.url is required",
		},
		{
			name:    "metrics port out of range",
			modify:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "metrics.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.URL = "wss://terminal.example.com/ws"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAndValidate_MissingFile(t *testing.T) {
	_, err := LoadAndValidate(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("LoadAndValidate() error = nil, want error")
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}
