package rpc

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/connection"
	"github.com/rickgao/termsync/internal/metrics"
	"github.com/rickgao/termsync/internal/model"
)

// Dispatcher sends requests over the transport pool.
type Dispatcher struct {
	cfg     Config
	pool    Router
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.RWMutex
	latency        []model.LatencyListener
	onUnauthorized func(error)
}

// New creates a Dispatcher.
func New(cfg Config, pool Router, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		pool:    pool,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddLatencyListener registers a latency observer.
func (d *Dispatcher) AddLatencyListener(l model.LatencyListener) {
	d.mu.Lock()
	d.latency = append(d.latency, l)
	d.mu.Unlock()
}

// RemoveLatencyListener unregisters a latency observer.
func (d *Dispatcher) RemoveLatencyListener(l model.LatencyListener) {
	d.mu.Lock()
	d.latency = slices.DeleteFunc(d.latency, func(x model.LatencyListener) bool { return x == l })
	d.mu.Unlock()
}

// LatencyListeners returns a snapshot of the registered latency observers.
func (d *Dispatcher) LatencyListeners() []model.LatencyListener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.latency)
}

// SetUnauthorizedHandler sets the callback for UnauthorizedError replies.
// It runs on its own goroutine.
func (d *Dispatcher) SetUnauthorizedHandler(fn func(error)) {
	d.mu.Lock()
	d.onUnauthorized = fn
	d.mu.Unlock()
}

// Close aborts retry sleeps. In-flight attempts end with their transport.
func (d *Dispatcher) Close() {
	d.cancel()
}

// Send delivers req on behalf of accountID and waits for the reply.
// timeout bounds each attempt; zero uses the configured timeout.
func (d *Dispatcher) Send(ctx context.Context, accountID string, req *api.Request, timeout time.Duration) (*api.Packet, error) {
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}

	req = req.Clone()
	req.AccountID = accountID
	if req.Application == "" {
		req.Application = d.cfg.Application
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	start := time.Now()
	releases := d.pool.Releases(accountID)
	for attempt := 0; ; attempt++ {
		if d.ctx.Err() != nil {
			return nil, ErrClosed
		}
		if d.pool.Releases(accountID) != releases {
			// Released during the backoff sleep. Routing again would
			// assign the account back to a transport.
			d.metrics.ObserveRequest(req.Type, outcome(connection.ErrAccountReleased), time.Since(start))
			return nil, connection.ErrAccountReleased
		}

		pkt, err := d.attempt(ctx, req, timeout)
		if err == nil {
			d.metrics.ObserveRequest(req.Type, "ok", time.Since(start))
			return pkt, nil
		}

		delay, retry := d.retryDelay(req, err, attempt)
		if retry && d.pool.Releases(accountID) != releases {
			// The account was released while the request was in flight.
			retry = false
		}
		if !retry {
			d.metrics.ObserveRequest(req.Type, outcome(err), time.Since(start))
			return nil, err
		}

		d.metrics.IncRetry(outcome(err))
		d.logger.Debug("retrying request",
			"account_id", accountID,
			"request_id", req.RequestID,
			"type", req.Type,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := d.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (d *Dispatcher) attempt(parent context.Context, req *api.Request, timeout time.Duration) (*api.Packet, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	t, err := d.pool.Route(ctx, req.AccountID)
	if err != nil {
		return nil, d.deadline(parent, ctx, req, timeout, err)
	}
	if err := t.WaitConnected(ctx); err != nil {
		return nil, d.deadline(parent, ctx, req, timeout, err)
	}

	pr, err := t.Register(req.RequestID, req.AccountID, req.Type)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req.Timestamps.ClientProcessingStarted = &now
	if req.Type == api.TypeSubscribe {
		if req.Params == nil {
			req.Params = make(map[string]any)
		}
		req.Params["sessionId"] = t.SessionID()
	}

	data, err := req.MarshalJSON()
	if err != nil {
		t.Forget(req.RequestID)
		return nil, err
	}
	if err := t.Send(data); err != nil {
		t.Forget(req.RequestID)
		return nil, err
	}

	select {
	case res := <-pr.Done():
		if res.Err != nil {
			d.handleError(t, req, res.Err)
			return nil, res.Err
		}
		d.observeLatency(req, res.Packet)
		return res.Packet, nil
	case <-ctx.Done():
		t.Forget(req.RequestID)
		return nil, d.deadline(parent, ctx, req, timeout, ctx.Err())
	}
}

// deadline turns an expired attempt context into a TimeoutError. A cancelled
// caller context is returned as is.
func (d *Dispatcher) deadline(parent, ctx context.Context, req *api.Request, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if ctx.Err() != nil {
		return api.NewTimeoutError("no response to %s request %s within %s", req.Type, req.RequestID, timeout)
	}
	return err
}

func (d *Dispatcher) handleError(t *connection.Transport, req *api.Request, err error) {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return
	}
	if apiErr.SubscriptionScope() != "" {
		d.pool.LockSubscriptions(t.Index(), req.AccountID, apiErr)
	}
	if apiErr.Kind == api.KindUnauthorized {
		d.logger.Error("request unauthorized", "account_id", req.AccountID, "type", req.Type, "error", err)
		d.mu.RLock()
		fn := d.onUnauthorized
		d.mu.RUnlock()
		if fn != nil {
			go fn(err)
		}
	}
}

// retryDelay decides whether a failed attempt is resent and after how long.
func (d *Dispatcher) retryDelay(req *api.Request, err error, attempt int) (time.Duration, bool) {
	if !req.Retryable() || attempt >= d.cfg.Retries {
		return 0, false
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		if apiErr.Kind == api.KindTooManyRequests {
			retryAt, ok := apiErr.RetryAt()
			if !ok {
				return 0, false
			}
			wait := max(time.Until(retryAt), 0)
			if wait >= d.budget(attempt) {
				return 0, false
			}
			return wait, true
		}
		if apiErr.Retryable() {
			return d.backoff(attempt), true
		}
		return 0, false
	}

	if errors.Is(err, connection.ErrConnectionLost) || errors.Is(err, connection.ErrNotConnected) {
		return d.backoff(attempt), true
	}
	return 0, false
}

// backoff returns min(MinRetryDelay*2^n, MaxRetryDelay).
func (d *Dispatcher) backoff(n int) time.Duration {
	delay := d.cfg.MinRetryDelay
	for i := 0; i < n && delay < d.cfg.MaxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, d.cfg.MaxRetryDelay)
}

// budget is the total backoff the remaining attempts after n could spend.
func (d *Dispatcher) budget(n int) time.Duration {
	var total time.Duration
	for k := n + 1; k <= d.cfg.Retries; k++ {
		total += d.backoff(k)
	}
	return total
}

func (d *Dispatcher) observeLatency(req *api.Request, pkt *api.Packet) {
	listeners := d.LatencyListeners()
	if len(listeners) == 0 {
		return
	}

	var ts model.Timestamps
	if pkt.Timestamps != nil {
		ts = *pkt.Timestamps
	}
	finished := time.Now()
	ts.ClientProcessingStarted = req.Timestamps.ClientProcessingStarted
	ts.ClientProcessingFinished = &finished

	for _, l := range listeners {
		l.OnResponse(d.ctx, req.AccountID, req.Type, ts)
		if req.Type == api.TypeTrade {
			l.OnTrade(d.ctx, req.AccountID, ts)
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrClosed
	}
}

// outcome labels an error for metrics.
func outcome(err error) string {
	if kind := api.KindOf(err); kind != "" {
		return string(kind)
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, connection.ErrConnectionLost), errors.Is(err, connection.ErrNotConnected):
		return "connection"
	}
	return "error"
}

