package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/metrics"
)

// ErrPoolClosed is returned by operations on a closed pool.
var ErrPoolClosed = errors.New("transport pool closed")

// PacketHandler receives every inbound frame that is not a response.
// It runs on the transport's read goroutine.
type PacketHandler func(p *api.Packet)

// ReconnectHandler is told which accounts a reconnected transport serves.
type ReconnectHandler func(transport int, accountIDs []string)

// Pool owns the transports and the account assignment map.
type Pool struct {
	cfg       PoolConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	newClient func(ClientConfig, *slog.Logger) Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	transports  []*Transport
	assignments map[string]int    // account id -> transport index
	releases    map[string]uint64 // account id -> Release count
	globalLock  *subscribeLock
	creating    chan struct{} // non-nil while Route opens a transport
	closed      bool

	routes singleflight.Group

	handlerMu   sync.RWMutex
	onPacket    PacketHandler
	onReconnect ReconnectHandler
}

// NewPool creates an empty pool. Transports open on first use.
func NewPool(cfg PoolConfig, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAccountsPerTransport < 1 {
		cfg.MaxAccountsPerTransport = 1
	}
	if cfg.DefaultLockDuration <= 0 {
		cfg.DefaultLockDuration = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		newClient:   NewClient,
		ctx:         ctx,
		cancel:      cancel,
		assignments: make(map[string]int),
		releases:    make(map[string]uint64),
	}
}

// SetPacketHandler sets the receiver of synchronization packets.
func (p *Pool) SetPacketHandler(h PacketHandler) {
	p.handlerMu.Lock()
	p.onPacket = h
	p.handlerMu.Unlock()
}

// SetReconnectHandler sets the receiver of reconnect notifications.
func (p *Pool) SetReconnectHandler(h ReconnectHandler) {
	p.handlerMu.Lock()
	p.onReconnect = h
	p.handlerMu.Unlock()
}

// Connect opens a new transport and waits for its first connection.
// The transport keeps reconnecting in the background even if ctx expires.
func (p *Pool) Connect(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	t := newTransport(len(p.transports), p)
	p.transports = append(p.transports, t)
	p.mu.Unlock()

	t.throttler.Start()
	p.wg.Add(1)
	go t.run()

	if err := t.WaitConnected(ctx); err != nil {
		return t.index, fmt.Errorf("connect transport %d: %w", t.index, err)
	}
	return t.index, nil
}

// Route returns the transport serving accountID, assigning one if needed.
// New assignments skip full or locked transports and wait out a pool-wide
// lock. When no transport fits, a new one is opened.
func (p *Pool) Route(ctx context.Context, accountID string) (*Transport, error) {
	if t, ok := p.assigned(accountID); ok {
		return t, nil
	}

	v, err, _ := p.routes.Do(accountID, func() (any, error) {
		return p.route(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Transport), nil
}

func (p *Pool) route(ctx context.Context, accountID string) (*Transport, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if idx, ok := p.assignments[accountID]; ok {
			t := p.transports[idx]
			p.mu.Unlock()
			return t, nil
		}

		now := time.Now()
		if p.globalLock.active(now, len(p.assignments)) {
			wait := p.globalLock.retryAt.Sub(now)
			p.mu.Unlock()
			p.logger.Debug("subscriptions locked pool-wide, waiting", "account_id", accountID, "wait", wait)
			if err := p.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		for _, t := range p.transports {
			n := t.Accounts()
			if n >= p.cfg.MaxAccountsPerTransport || t.lock.active(now, n) {
				continue
			}
			p.assignLocked(accountID, t)
			p.mu.Unlock()
			p.updateGauges()
			return t, nil
		}

		if ch := p.creating; ch != nil {
			p.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		p.creating = ch
		p.mu.Unlock()

		_, err := p.Connect(ctx)

		p.mu.Lock()
		p.creating = nil
		close(ch)
		p.mu.Unlock()

		if err != nil {
			return nil, err
		}
	}
}

func (p *Pool) assignLocked(accountID string, t *Transport) {
	p.assignments[accountID] = t.index
	t.accounts.Add(1)
}

func (p *Pool) unassignLocked(accountID string) (*Transport, bool) {
	idx, ok := p.assignments[accountID]
	if !ok {
		return nil, false
	}
	delete(p.assignments, accountID)
	t := p.transports[idx]
	t.accounts.Add(-1)
	return t, true
}

func (p *Pool) assigned(accountID string) (*Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.assignments[accountID]
	if !ok {
		return nil, false
	}
	return p.transports[idx], true
}

// IsAssigned reports whether the account currently has a transport.
func (p *Pool) IsAssigned(accountID string) bool {
	_, ok := p.assigned(accountID)
	return ok
}

// Releases returns how many times the account was released. A request
// that sees the count change must not route the account again.
func (p *Pool) Releases(accountID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases[accountID]
}

// TransportOf returns the index of the account's transport.
func (p *Pool) TransportOf(accountID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.assignments[accountID]
	return idx, ok
}

// Transport returns the transport at index.
func (p *Pool) Transport(index int) (*Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.transports) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTransport, index)
	}
	return p.transports[index], nil
}

// SessionID returns the current session token of a transport, or "".
func (p *Pool) SessionID(index int) string {
	t, err := p.Transport(index)
	if err != nil {
		return ""
	}
	return t.SessionID()
}

// AccountsOn lists the accounts assigned to a transport, sorted.
func (p *Pool) AccountsOn(index int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accountsOnLocked(index)
}

func (p *Pool) accountsOnLocked(index int) []string {
	var ids []string
	for id, idx := range p.assignments {
		if idx == index {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Release removes the account's assignment and fails its in-flight
// requests. Other accounts on the transport are unaffected.
func (p *Pool) Release(accountID string) {
	p.mu.Lock()
	p.releases[accountID]++
	t, ok := p.unassignLocked(accountID)
	p.mu.Unlock()
	if !ok {
		return
	}

	t.failPending(ErrAccountReleased, func(pr *PendingRequest) bool {
		return pr.AccountID == accountID
	})
	t.throttler.RemoveAccount(accountID)
	p.updateGauges()
}

// LockSubscriptions applies a subscription rate limit reported on a
// transport. The rejected account loses its assignment so its next attempt
// is routed again.
func (p *Pool) LockSubscriptions(index int, accountID string, e *api.Error) {
	scope := e.SubscriptionScope()
	if scope == "" {
		return
	}
	retryAt, ok := e.RetryAt()
	if !ok {
		retryAt = time.Now().Add(p.cfg.DefaultLockDuration)
	}

	p.mu.Lock()
	if index < 0 || index >= len(p.transports) {
		p.mu.Unlock()
		return
	}
	t := p.transports[index]
	if idx, ok := p.assignments[accountID]; ok && idx == index {
		p.unassignLocked(accountID)
	}

	reconnect := false
	switch scope {
	case api.LimitSubscriptionsPerUser:
		p.globalLock = &subscribeLock{retryAt: retryAt, accounts: len(p.assignments)}
	case api.LimitSubscriptionsPerUserPerServer:
		t.lock = &subscribeLock{retryAt: retryAt, accounts: t.Accounts()}
	case api.LimitSubscriptionsPerServer:
		if t.Accounts() == 0 {
			// An empty transport gains nothing by waiting; get a new server.
			reconnect = true
		} else {
			t.lock = &subscribeLock{retryAt: retryAt, accounts: t.Accounts()}
		}
	}
	p.mu.Unlock()

	p.logger.Warn("subscription limit hit",
		"scope", scope,
		"transport", index,
		"account_id", accountID,
		"retry_at", retryAt,
		"reconnect", reconnect,
	)
	p.metrics.IncSubscribeLock(scope)
	if reconnect {
		t.forceReconnect()
	}
	p.updateGauges()
}

// Close tears down every transport, fails all pending requests with
// ErrConnectionClosed and clears the assignment map.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	transports := append([]*Transport(nil), p.transports...)
	clear(p.assignments)
	for _, t := range transports {
		t.accounts.Store(0)
	}
	p.globalLock = nil
	p.mu.Unlock()

	p.cancel()

	var g errgroup.Group
	for _, t := range transports {
		g.Go(t.close)
	}
	err := g.Wait()
	p.wg.Wait()

	p.updateGauges()
	p.logger.Info("transport pool closed", "transports", len(transports))
	return err
}

// Stats returns current statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	transports := append([]*Transport(nil), p.transports...)
	accounts := len(p.assignments)
	p.mu.Unlock()

	stats := PoolStats{Transports: len(transports), Accounts: accounts}
	for _, t := range transports {
		if t.IsConnected() {
			stats.Connected++
		}
		stats.Pending += t.Pending()
		ts := t.throttler.Stats()
		stats.Throttle.Active += ts.Active
		stats.Throttle.Queued += ts.Queued
		stats.Throttle.Capacity += ts.Capacity
	}
	return stats
}

func (p *Pool) snapshot() []*Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Transport(nil), p.transports...)
}

// activeSynchronizations sums running slots over all transports.
// Called by throttlers with their own lock held, so it reads atomics only.
func (p *Pool) activeSynchronizations() int {
	n := 0
	for _, t := range p.snapshot() {
		n += t.throttler.Active()
	}
	return n
}

// pokeThrottlers lets every throttler admit work after a slot was freed.
func (p *Pool) pokeThrottlers() {
	active, queued := 0, 0
	for _, t := range p.snapshot() {
		t.throttler.Poke()
		active += t.throttler.Active()
		queued += t.throttler.Queued()
	}
	p.metrics.SetThrottle(active, queued)
}

func (p *Pool) handlePacket(pkt *api.Packet) {
	p.handlerMu.RLock()
	h := p.onPacket
	p.handlerMu.RUnlock()
	if h != nil {
		h(pkt)
	}
}

func (p *Pool) fireReconnected(t *Transport) {
	p.handlerMu.RLock()
	h := p.onReconnect
	p.handlerMu.RUnlock()
	if h == nil {
		return
	}
	p.mu.Lock()
	ids := p.accountsOnLocked(t.index)
	p.mu.Unlock()
	h(t.index, ids)
}

func (p *Pool) updateGauges() {
	if p.metrics == nil {
		return
	}
	stats := p.Stats()
	p.metrics.SetTransports(stats.Connected, stats.Accounts)
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}
