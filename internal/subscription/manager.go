package subscription

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/metrics"
	"github.com/rickgao/termsync/internal/model"
)

// Manager owns one subscribe task per account instance.
type Manager struct {
	cfg     Config
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[model.InstanceKey]*task
	wanted map[model.InstanceKey]struct{}
	closed bool
}

type task struct {
	cancel context.CancelFunc
}

// NewManager creates a Manager.
func NewManager(cfg Config, sender Sender, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		sender:  sender,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[model.InstanceKey]*task),
		wanted:  make(map[model.InstanceKey]struct{}),
	}
}

// Subscribe starts a subscribe task for the instance. It is a no-op while a
// task for the same instance is running.
func (m *Manager) Subscribe(accountID string, instanceIndex int) {
	key := model.InstanceKey{AccountID: accountID, InstanceIndex: instanceIndex}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wanted[key] = struct{}{}
	if _, ok := m.tasks[key]; ok {
		return
	}
	m.startLocked(key, 0)
}

// IsSubscribing reports whether a subscribe task runs for the instance.
func (m *Manager) IsSubscribing(key model.InstanceKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[key]
	return ok
}

// Wanted reports whether the instance was subscribed and not cancelled.
func (m *Manager) Wanted(key model.InstanceKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.wanted[key]
	return ok
}

// CancelSubscribe stops the subscribe task of an instance that has
// authenticated. The instance stays wanted.
func (m *Manager) CancelSubscribe(key model.InstanceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(key)
}

// Cancel forgets every instance of the account and returns the indexes that
// were wanted, sorted.
func (m *Manager) Cancel(accountID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var instances []int
	for key := range m.wanted {
		if key.AccountID == accountID {
			delete(m.wanted, key)
			instances = append(instances, key.InstanceIndex)
		}
	}
	slices.Sort(instances)
	for key := range m.tasks {
		if key.AccountID == accountID {
			m.stopLocked(key)
		}
	}
	return instances
}

// OnDisconnected resubscribes a wanted instance immediately.
func (m *Manager) OnDisconnected(key model.InstanceKey) {
	m.resubscribe(key, 0)
}

// OnTimeout resubscribes a wanted instance after TimeoutDelay.
func (m *Manager) OnTimeout(key model.InstanceKey) {
	m.resubscribe(key, m.cfg.TimeoutDelay)
}

func (m *Manager) resubscribe(key model.InstanceKey, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.wanted[key]; !ok {
		return
	}
	if _, ok := m.tasks[key]; ok {
		return
	}
	m.startLocked(key, delay)
}

// OnReconnected restarts the subscribe tasks of every wanted instance of
// the given accounts. Any running attempt belongs to the old connection.
func (m *Manager) OnReconnected(transport int, accountIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	var restarted int
	for key := range m.wanted {
		if !slices.Contains(accountIDs, key.AccountID) {
			continue
		}
		m.stopLocked(key)
		m.startLocked(key, 0)
		restarted++
	}
	m.logger.Info("resubscribing after reconnect", "transport", transport, "instances", restarted)
}

// Close stops every task.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	clear(m.tasks)
	clear(m.wanted)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) startLocked(key model.InstanceKey, delay time.Duration) {
	ctx, cancel := context.WithCancel(m.ctx)
	t := &task{cancel: cancel}
	m.tasks[key] = t

	m.wg.Add(1)
	go m.run(ctx, key, t, delay)
}

func (m *Manager) stopLocked(key model.InstanceKey) {
	if t, ok := m.tasks[key]; ok {
		t.cancel()
		delete(m.tasks, key)
	}
}

// run sends subscribe requests until cancelled.
func (m *Manager) run(ctx context.Context, key model.InstanceKey, t *task, delay time.Duration) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if m.tasks[key] == t {
			delete(m.tasks, key)
		}
		m.mu.Unlock()
		t.cancel()
	}()

	if !sleep(ctx, delay) {
		return
	}

	interval := m.cfg.RetryInterval
	for {
		start := time.Now()
		retryAt := m.subscribeOnce(ctx, key, interval)
		if ctx.Err() != nil {
			return
		}

		wait := interval - time.Since(start)
		if until := time.Until(retryAt); until > wait {
			wait = until
		}
		if !sleep(ctx, wait) {
			return
		}
		interval = min(interval*2, m.cfg.MaxRetryInterval)
	}
}

// subscribeOnce sends one subscribe request. It returns the server's
// recommended retry time when the request was rate limited.
func (m *Manager) subscribeOnce(ctx context.Context, key model.InstanceKey, timeout time.Duration) time.Time {
	m.metrics.IncSubscribe()

	req := api.NewRequest(api.TypeSubscribe, nil).WithInstance(key.InstanceIndex)
	_, err := m.sender.Send(ctx, key.AccountID, req, timeout)
	if err == nil || ctx.Err() != nil {
		return time.Time{}
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Kind == api.KindTooManyRequests {
		retryAt, _ := apiErr.RetryAt()
		m.logger.Warn("subscribe rate limited",
			"account_id", key.AccountID,
			"instance_index", key.InstanceIndex,
			"retry_at", retryAt,
		)
		return retryAt
	}

	m.logger.Debug("subscribe attempt failed",
		"account_id", key.AccountID,
		"instance_index", key.InstanceIndex,
		"error", err,
	)
	return time.Time{}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
