package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/connection"
	"github.com/rickgao/termsync/internal/faketerminal"
	"github.com/rickgao/termsync/internal/model"
)

type latencyRecorder struct {
	mu        sync.Mutex
	responses []string
	trades    int
	last      model.Timestamps
}

func (r *latencyRecorder) OnResponse(_ context.Context, _ string, requestType string, ts model.Timestamps) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, requestType)
	r.last = ts
}

func (r *latencyRecorder) OnSymbolPrice(context.Context, string, string, model.Timestamps) {}
func (r *latencyRecorder) OnUpdate(context.Context, string, model.Timestamps)               {}

func (r *latencyRecorder) OnTrade(context.Context, string, model.Timestamps) {
	r.mu.Lock()
	r.trades++
	r.mu.Unlock()
}

type fixture struct {
	srv  *faketerminal.Server
	pool *connection.Pool
	d    *Dispatcher
}

func newFixture(t *testing.T, h faketerminal.Handler) *fixture {
	t.Helper()
	srv := faketerminal.New(h)
	t.Cleanup(srv.Close)

	pcfg := connection.DefaultPoolConfig()
	pcfg.URL = srv.URL()
	pcfg.ReconnectInterval = 20 * time.Millisecond
	pool := connection.NewPool(pcfg, nil, nil)
	t.Cleanup(func() { pool.Close() })

	d := New(Config{
		Application:   "test-app",
		Timeout:       2 * time.Second,
		Retries:       3,
		MinRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay: 40 * time.Millisecond,
	}, pool, nil, nil)
	t.Cleanup(d.Close)

	return &fixture{srv: srv, pool: pool, d: d}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSend_Success(t *testing.T) {
	requests := make(chan faketerminal.Request, 1)
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		requests <- r
		c.Respond(r, map[string]any{
			"accountInformation": map[string]any{"balance": 100.5},
			"timestamps":         map[string]any{"serverProcessingStarted": time.Now()},
		})
	})
	rec := &latencyRecorder{}
	f.d.AddLatencyListener(rec)

	req := api.NewRequest(api.TypeAccountInfo, nil)
	pkt, err := f.d.Send(testContext(t), "acc-1", req, 0)
	require.NoError(t, err)

	var body api.AccountInformationPayload
	require.NoError(t, pkt.Decode(&body))
	require.NotNil(t, body.AccountInformation)
	assert.Equal(t, 100.5, body.AccountInformation.Balance)

	got := <-requests
	assert.Equal(t, api.TypeAccountInfo, got.Type())
	assert.Equal(t, "acc-1", got.AccountID())
	assert.Equal(t, "test-app", got.Param("application"))
	assert.NotEmpty(t, got.RequestID())
	assert.Contains(t, got.Param("timestamps"), "clientProcessingStarted")
	assert.Empty(t, req.RequestID, "caller's request must not be mutated")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{api.TypeAccountInfo}, rec.responses)
	assert.NotNil(t, rec.last.ClientProcessingStarted)
	assert.NotNil(t, rec.last.ClientProcessingFinished)
	assert.NotNil(t, rec.last.ServerProcessingStarted)
}

func TestSend_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		if calls.Add(1) <= 2 {
			c.Fail(r, api.KindNotSynchronized, "not yet", nil)
			return
		}
		c.Respond(r, nil)
	})

	_, err := f.d.Send(testContext(t), "acc-1", api.NewRequest(api.TypeWaitSynced, nil), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestSend_TransientRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		calls.Add(1)
		c.Fail(r, api.KindInternal, "boom", nil)
	})

	_, err := f.d.Send(testContext(t), "acc-1", api.NewRequest("getPositions", nil), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrInternal)
	assert.EqualValues(t, 4, calls.Load(), "first attempt plus three retries")
}

func TestSend_NonRetryableKinds(t *testing.T) {
	for _, kind := range []api.Kind{api.KindValidation, api.KindNotFound, api.KindTrade} {
		t.Run(string(kind), func(t *testing.T) {
			var calls atomic.Int32
			f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
				calls.Add(1)
				c.Fail(r, kind, "rejected", map[string]any{"details": []string{"volume"}})
			})

			_, err := f.d.Send(testContext(t), "acc-1", api.NewRequest("getOrders", nil), 0)
			assert.Equal(t, kind, api.KindOf(err))
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestSend_TradeTimeoutNotRetried(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		calls.Add(1)
	})

	req := api.NewRequest(api.TypeTrade, map[string]any{"trade": map[string]any{"actionType": "ORDER_TYPE_BUY"}})
	_, err := f.d.Send(testContext(t), "acc-1", req, 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrTimeout)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	tr, err := f.pool.Route(testContext(t), "acc-1")
	require.NoError(t, err)
	assert.Zero(t, tr.Pending(), "timed out request must be forgotten")
}

func TestSend_SubscribeNotRetriedAndCarriesSession(t *testing.T) {
	var calls atomic.Int32
	sessions := make(chan any, 4)
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		calls.Add(1)
		sessions <- r.Param("sessionId")
		c.Fail(r, api.KindNotSynchronized, "later", nil)
	})

	req := api.NewRequest(api.TypeSubscribe, nil).WithInstance(1)
	_, err := f.d.Send(testContext(t), "acc-1", req, 0)
	assert.ErrorIs(t, err, api.ErrNotSynchronized)
	assert.EqualValues(t, 1, calls.Load())

	tr, err := f.pool.Route(testContext(t), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, tr.SessionID(), <-sessions)
}

func TestSend_TooManyRequestsWithinBudget(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		if calls.Add(1) == 1 {
			c.Fail(r, api.KindTooManyRequests, "slow down", map[string]any{
				"metadata": map[string]any{
					"type":                 "LIMIT_REQUEST_RATE_PER_USER",
					"recommendedRetryTime": time.Now().Add(50 * time.Millisecond),
				},
			})
			return
		}
		c.Respond(r, nil)
	})

	start := time.Now()
	_, err := f.d.Send(testContext(t), "acc-1", api.NewRequest("getSymbols", nil), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSend_TooManyRequestsBeyondBudget(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		calls.Add(1)
		c.Fail(r, api.KindTooManyRequests, "slow down", map[string]any{
			"metadata": map[string]any{
				"type":                 "LIMIT_REQUEST_RATE_PER_USER",
				"recommendedRetryTime": time.Now().Add(time.Hour),
			},
		})
	})

	start := time.Now()
	_, err := f.d.Send(testContext(t), "acc-1", api.NewRequest("getSymbols", nil), 0)
	assert.ErrorIs(t, err, api.ErrTooManyRequests)
	assert.EqualValues(t, 1, calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestSend_SubscriptionLimitLocksPool(t *testing.T) {
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		c.Fail(r, api.KindTooManyRequests, "too many subscriptions", map[string]any{
			"metadata": map[string]any{
				"type":                 api.LimitSubscriptionsPerUserPerServer,
				"recommendedRetryTime": time.Now().Add(time.Hour),
			},
		})
	})

	_, err := f.d.Send(testContext(t), "acc-1", api.NewRequest(api.TypeSubscribe, nil), 0)
	assert.ErrorIs(t, err, api.ErrTooManyRequests)
	assert.False(t, f.pool.IsAssigned("acc-1"))
}

func TestSend_UnauthorizedCallsHandler(t *testing.T) {
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		c.Fail(r, api.KindUnauthorized, "bad token", nil)
	})
	called := make(chan error, 1)
	f.d.SetUnauthorizedHandler(func(err error) { called <- err })

	_, err := f.d.Send(testContext(t), "acc-1", api.NewRequest("getPositions", nil), 0)
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	select {
	case err := <-called:
		assert.ErrorIs(t, err, api.ErrUnauthorized)
	case <-time.After(time.Second):
		t.Fatal("unauthorized handler not called")
	}
}

func TestSend_ReleaseFailsInFlightWithoutRetry(t *testing.T) {
	received := make(chan struct{}, 4)
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		received <- struct{}{}
	})

	errc := make(chan error, 1)
	go func() {
		_, err := f.d.Send(testContext(t), "acc-1", api.NewRequest("getPositions", nil), 0)
		errc <- err
	}()

	<-received
	f.pool.Release("acc-1")

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, connection.ErrAccountReleased), "err = %v", err)
	case <-time.After(time.Second):
		t.Fatal("in-flight request not failed")
	}
	assert.Len(t, received, 0, "request must not be resent")
	assert.False(t, f.pool.IsAssigned("acc-1"))
}

func TestSend_ReleaseDuringBackoffNotResent(t *testing.T) {
	received := make(chan struct{}, 4)
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {
		received <- struct{}{}
		c.Fail(r, api.KindNotSynchronized, "not yet", nil)
	})
	f.d.cfg.MinRetryDelay = 300 * time.Millisecond
	f.d.cfg.MaxRetryDelay = 300 * time.Millisecond

	errc := make(chan error, 1)
	go func() {
		_, err := f.d.Send(testContext(t), "acc-1", api.NewRequest(api.TypeAccountInfo, nil), 0)
		errc <- err
	}()

	<-received
	// The failure arrives right after the request, so the dispatcher is
	// sleeping before its retry by now.
	time.Sleep(50 * time.Millisecond)
	f.pool.Release("acc-1")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, connection.ErrAccountReleased)
	case <-time.After(2 * time.Second):
		t.Fatal("request not abandoned after release")
	}
	assert.Len(t, received, 0, "request must not be resent")
	assert.False(t, f.pool.IsAssigned("acc-1"))
}

func TestSend_CallerCancel(t *testing.T) {
	f := newFixture(t, func(c *faketerminal.Conn, r faketerminal.Request) {})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := f.d.Send(ctx, "acc-1", api.NewRequest("getPositions", nil), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffAndBudget(t *testing.T) {
	d := New(Config{
		Retries:       5,
		MinRetryDelay: time.Second,
		MaxRetryDelay: 30 * time.Second,
	}, nil, nil, nil)

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.backoff(tt.n), "backoff(%d)", tt.n)
	}

	// 2 + 4 + 8 + 16 + 30
	assert.Equal(t, 60*time.Second, d.budget(0))
	assert.Equal(t, 30*time.Second, d.budget(4))
	assert.Zero(t, d.budget(5))
}

func TestRetryDelay(t *testing.T) {
	d := New(Config{Retries: 2, MinRetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}, nil, nil, nil)
	get := api.NewRequest("getPositions", nil)

	delay, ok := d.retryDelay(get, &api.Error{Kind: api.KindTimeout}, 1)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, delay)

	_, ok = d.retryDelay(get, &api.Error{Kind: api.KindTimeout}, 2)
	assert.False(t, ok, "retries exhausted")

	_, ok = d.retryDelay(get, connection.ErrConnectionLost, 0)
	assert.True(t, ok)

	_, ok = d.retryDelay(get, connection.ErrConnectionClosed, 0)
	assert.False(t, ok)

	_, ok = d.retryDelay(get, &api.Error{Kind: api.KindTooManyRequests}, 0)
	assert.False(t, ok, "rate limit without retry time")

	_, ok = d.retryDelay(api.NewRequest(api.TypeTrade, nil), &api.Error{Kind: api.KindInternal}, 0)
	assert.False(t, ok)
}
