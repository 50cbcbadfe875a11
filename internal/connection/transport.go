package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/throttle"
)

var errForcedReconnect = errors.New("forced reconnect")

// Transport is one pooled streaming connection.
type Transport struct {
	index     int
	pool      *Pool
	logger    *slog.Logger
	throttler *throttle.Throttler

	// Accounts assigned by the pool. Written under pool.mu.
	accounts atomic.Int64
	// Subscription lock, guarded by pool.mu.
	lock *subscribeLock

	mu        sync.RWMutex
	client    Client
	clientID  string
	sessionID string
	connected bool
	ready     chan struct{} // closed while connected
	closed    bool

	pendingMu sync.Mutex
	pending   map[string]*PendingRequest

	kick chan struct{}
	done chan struct{}
}

func newTransport(index int, pool *Pool) *Transport {
	t := &Transport{
		index:   index,
		pool:    pool,
		logger:  pool.logger.With("transport", index),
		pending: make(map[string]*PendingRequest),
		ready:   make(chan struct{}),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	t.throttler = throttle.New(pool.cfg.Throttle, throttle.Hooks{
		Subscribed:   func() int { return int(t.accounts.Load()) },
		GlobalActive: pool.activeSynchronizations,
		OnRelease:    pool.pokeThrottlers,
	}, pool.metrics, t.logger)
	return t
}

// Index returns the transport's position in the pool.
func (t *Transport) Index() int {
	return t.index
}

// Throttler returns the synchronization throttler owned by this transport.
func (t *Transport) Throttler() *throttle.Throttler {
	return t.throttler
}

// SessionID returns the session token of the current connection.
func (t *Transport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// ClientID returns the client identity of the current connection.
func (t *Transport) ClientID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clientID
}

// IsConnected reports whether the transport is live.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Accounts returns the number of accounts assigned to this transport.
func (t *Transport) Accounts() int {
	return int(t.accounts.Load())
}

// WaitConnected blocks until the transport is connected.
func (t *Transport) WaitConnected(ctx context.Context) error {
	for {
		t.mu.RLock()
		if t.closed {
			t.mu.RUnlock()
			return ErrConnectionClosed
		}
		if t.connected {
			t.mu.RUnlock()
			return nil
		}
		ready := t.ready
		t.mu.RUnlock()

		select {
		case <-ready:
		case <-t.done:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes a frame on the current connection.
func (t *Transport) Send(data []byte) error {
	t.mu.RLock()
	c := t.client
	connected := t.connected
	t.mu.RUnlock()

	if !connected || c == nil {
		return ErrNotConnected
	}
	return c.Send(data)
}

// Register records a pending request. Every registered request is removed
// exactly once, by a response, Forget, or a connection failure.
func (t *Transport) Register(id, accountID, typ string) (*PendingRequest, error) {
	pr := &PendingRequest{
		ID:        id,
		AccountID: accountID,
		Type:      typ,
		CreatedAt: time.Now(),
		done:      make(chan Result, 1),
	}

	t.pendingMu.Lock()
	if _, dup := t.pending[id]; dup {
		t.pendingMu.Unlock()
		return nil, ErrDuplicateRequest
	}
	t.pending[id] = pr
	t.pendingMu.Unlock()

	t.pool.metrics.AddPending(1)
	return pr, nil
}

// Forget drops a pending request without completing it.
func (t *Transport) Forget(id string) {
	t.pendingMu.Lock()
	_, ok := t.pending[id]
	delete(t.pending, id)
	t.pendingMu.Unlock()

	if ok {
		t.pool.metrics.AddPending(-1)
	}
}

// Pending returns the number of requests awaiting a response.
func (t *Transport) Pending() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// resolve completes a pending request.
func (t *Transport) resolve(id string, res Result) {
	t.pendingMu.Lock()
	pr, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if !ok {
		t.logger.Debug("response for unknown request", "request_id", id)
		return
	}
	t.pool.metrics.AddPending(-1)
	pr.done <- res
}

// failPending completes every pending request accepted by match with err.
// A nil match fails all of them.
func (t *Transport) failPending(err error, match func(*PendingRequest) bool) {
	t.pendingMu.Lock()
	var failed []*PendingRequest
	for id, pr := range t.pending {
		if match == nil || match(pr) {
			failed = append(failed, pr)
			delete(t.pending, id)
		}
	}
	t.pendingMu.Unlock()

	t.pool.metrics.AddPending(-len(failed))
	for _, pr := range failed {
		pr.done <- Result{Err: err}
	}
}

// forceReconnect drops the current connection; the run loop reconnects.
func (t *Transport) forceReconnect() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// run keeps the transport connected until close. Reconnect attempts never
// give up; every attempt uses a new client and session id.
func (t *Transport) run() {
	defer t.pool.wg.Done()

	first := true
	for {
		c, err := t.dial()
		if err != nil {
			if t.isClosed() {
				return
			}
			t.logger.Warn("transport connect failed", "error", err)
			if !t.sleep(t.pool.cfg.ReconnectInterval) {
				return
			}
			continue
		}

		if first {
			first = false
			t.logger.Info("transport connected")
		} else {
			t.logger.Info("transport reconnected")
			t.pool.metrics.IncReconnect()
			t.pool.fireReconnected(t)
		}
		t.pool.updateGauges()

		err = t.readLoop(c)
		t.markDisconnected(c)
		t.pool.updateGauges()

		if t.isClosed() {
			return
		}
		t.logger.Warn("transport disconnected, reconnecting", "error", err)
		if !t.sleep(t.pool.cfg.ReconnectInterval) {
			return
		}
	}
}

// dial opens a connection with a fresh identity.
func (t *Transport) dial() (Client, error) {
	clientID := uuid.NewString()
	sessionID := uuid.NewString()

	cfg := ClientConfig{
		URL:          t.pool.cfg.URL,
		Token:        t.pool.cfg.Token,
		ClientID:     clientID,
		PingTimeout:  t.pool.cfg.PingTimeout,
		WriteTimeout: t.pool.cfg.WriteTimeout,
		BufferSize:   t.pool.cfg.BufferSize,
	}
	c := t.pool.newClient(cfg, t.logger.With("client_id", clientID))

	ctx, cancel := context.WithTimeout(t.pool.ctx, t.pool.cfg.ConnectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return nil, ErrConnectionClosed
	}
	t.client = c
	t.clientID = clientID
	t.sessionID = sessionID
	t.connected = true
	close(t.ready)
	t.mu.Unlock()

	// A kick that arrived while disconnected is stale.
	select {
	case <-t.kick:
	default:
	}

	return c, nil
}

// markDisconnected fails in-flight work of the dropped connection.
func (t *Transport) markDisconnected(c Client) {
	t.mu.Lock()
	if t.connected {
		t.connected = false
		t.ready = make(chan struct{})
	}
	t.mu.Unlock()

	c.Close()

	err := ErrConnectionLost
	if t.isClosed() {
		err = ErrConnectionClosed
	}
	t.failPending(err, nil)
	t.throttler.Reset(err)
}

// readLoop routes frames until the connection fails.
func (t *Transport) readLoop(c Client) error {
	for {
		select {
		case <-t.done:
			return ErrConnectionClosed
		case <-t.kick:
			return errForcedReconnect
		case err := <-c.Errors():
			return err
		case msg := <-c.Messages():
			t.route(msg)
		}
	}
}

func (t *Transport) route(msg TimestampedMessage) {
	p, err := api.DecodePacket(msg.Data)
	if err != nil {
		t.logger.Debug("dropping undecodable frame", "error", err)
		return
	}
	p.Transport = t.index
	p.ReceivedAt = msg.ReceivedAt

	switch p.Type {
	case api.PacketResponse:
		t.resolve(p.RequestID, Result{Packet: p})
	case api.PacketProcessingError:
		t.resolve(p.RequestID, Result{Packet: p, Err: p.ProcessingError()})
	default:
		t.pool.handlePacket(p)
	}
}

func (t *Transport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// close tears the transport down for good.
func (t *Transport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	c := t.client
	t.mu.Unlock()

	close(t.done)

	var err error
	if c != nil {
		err = c.Close()
	}
	t.failPending(ErrConnectionClosed, nil)
	t.throttler.Stop()
	return err
}
