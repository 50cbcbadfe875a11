package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/connection"
	"github.com/rickgao/termsync/internal/metrics"
	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/router"
	"github.com/rickgao/termsync/internal/rpc"
	"github.com/rickgao/termsync/internal/stream"
	"github.com/rickgao/termsync/internal/subscription"
)

// Client is a trading terminal synchronization engine.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	pool       *connection.Pool
	dispatcher *rpc.Dispatcher
	orderer    *router.Orderer
	subs       *subscription.Manager
	processor  *stream.Processor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	reconnect map[string][]model.ReconnectListener
	started   bool
	closed    bool
	done      chan struct{}
}

// New creates a Client. Nothing connects until the first request or
// subscription.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		reconnect: make(map[string][]model.ReconnectListener),
		done:      make(chan struct{}),
	}

	c.pool = connection.NewPool(cfg.Pool, m, logger.With("component", "pool"))
	c.dispatcher = rpc.New(cfg.Requests, c.pool, m, logger.With("component", "dispatcher"))
	c.subs = subscription.NewManager(cfg.Subscriptions, c.dispatcher, m, logger.With("component", "subscriptions"))
	c.orderer = router.NewOrderer(cfg.Ordering, c, m, logger.With("component", "orderer"))
	c.processor = stream.NewProcessor(cfg.Streams, c, m, logger.With("component", "processor"))

	c.pool.SetPacketHandler(c.orderer.Process)
	c.pool.SetReconnectHandler(c.onReconnected)
	c.dispatcher.SetUnauthorizedHandler(c.onUnauthorized)
	if cfg.AutoSynchronize {
		c.processor.AddGlobalListener(&autoSynchronizer{c: c})
	}
	return c
}

// Start launches the background checks.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.orderer.Start()
	c.processor.Start()
	c.logger.Info("engine started",
		"url", c.cfg.Pool.URL,
		"auto_synchronize", c.cfg.AutoSynchronize,
	)
	return nil
}

// Close tears everything down. Pending requests fail, subscribe tasks and
// reconnect loops stop and all account state is dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.subs.Close()
	c.dispatcher.Close()
	err := c.pool.Close()
	c.orderer.Stop()
	c.processor.Close()
	c.wg.Wait()
	close(c.done)

	c.logger.Info("engine closed")
	return err
}

// Done is closed once Close has finished.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

// Subscribe starts streaming an account. Without instances, instance 0 is
// subscribed.
func (c *Client) Subscribe(accountID string, instances ...int) error {
	if c.isClosed() {
		return ErrClosed
	}
	if accountID == "" {
		return &api.Error{Kind: api.KindValidation, Message: "account id is required"}
	}
	if len(instances) == 0 {
		instances = []int{0}
	}
	for _, idx := range instances {
		c.subs.Subscribe(accountID, idx)
	}
	return nil
}

// Unsubscribe stops streaming an account. An unsubscribe request is sent
// for each subscribed instance. In-flight requests for the account fail
// without retry; other accounts are unaffected.
func (c *Client) Unsubscribe(ctx context.Context, accountID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	instances := c.subs.Cancel(accountID)

	var errs []error
	if c.pool.IsAssigned(accountID) {
		for _, idx := range instances {
			req := api.NewRequest(api.TypeUnsubscribe, nil).WithInstance(idx)
			_, err := c.dispatcher.Send(ctx, accountID, req, 0)
			if err != nil && !errors.Is(err, api.ErrNotFound) {
				errs = append(errs, fmt.Errorf("instance %d: %w", idx, err))
			}
		}
	}
	err := errors.Join(errs...)

	c.pool.Release(accountID)
	c.orderer.RemoveAccount(accountID)
	c.processor.RemoveAccount(accountID)

	c.logger.Info("account unsubscribed", "account_id", accountID)
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", accountID, err)
	}
	return nil
}

// Synchronize asks the terminal to resend the account state through the
// throttler of the account's transport. It returns the synchronization id
// once the request was accepted; events arrive on the listeners.
func (c *Client) Synchronize(ctx context.Context, accountID string, instanceIndex int, opts SynchronizeOptions) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	t, err := c.pool.Route(ctx, accountID)
	if err != nil {
		return "", err
	}

	syncID := uuid.NewString()
	params := map[string]any{}
	if !opts.StartingHistoryOrderTime.IsZero() {
		params["startingHistoryOrderTime"] = opts.StartingHistoryOrderTime.UTC()
	}
	if !opts.StartingDealTime.IsZero() {
		params["startingDealTime"] = opts.StartingDealTime.UTC()
	}
	key := model.InstanceKey{AccountID: accountID, InstanceIndex: instanceIndex}

	err = t.Throttler().Schedule(ctx, key, syncID, func(ctx context.Context) error {
		req := api.NewRequest(api.TypeSynchronize, params).WithInstance(instanceIndex)
		req.RequestID = syncID
		_, err := c.dispatcher.Send(ctx, accountID, req, 0)
		return err
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("synchronization started",
		"account_id", accountID,
		"instance_index", instanceIndex,
		"synchronization_id", syncID,
	)
	return syncID, nil
}

// WaitSynchronized waits until a synchronization of the instance finished
// locally, then until the terminal reports applications matching
// applicationPattern synchronized. An empty pattern matches all.
func (c *Client) WaitSynchronized(ctx context.Context, accountID string, instanceIndex int, applicationPattern string, timeout time.Duration) error {
	if c.isClosed() {
		return ErrClosed
	}
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	key := model.InstanceKey{AccountID: accountID, InstanceIndex: instanceIndex}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !c.processor.IsSynchronized(key) {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return api.NewTimeoutError("timed out waiting for account %s to synchronize", accountID)
			}
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		case <-ticker.C:
		}
	}

	if applicationPattern == "" {
		applicationPattern = ".*"
	}
	remaining := time.Until(deadline)
	req := api.NewRequest(api.TypeWaitSynced, map[string]any{
		"applicationPattern": applicationPattern,
		"timeoutInSeconds":   int(remaining.Seconds()),
	}).WithInstance(instanceIndex)
	_, err := c.dispatcher.Send(ctx, accountID, req, remaining+time.Second)
	return err
}

// RPCRequest sends an arbitrary request and returns the response frame.
func (c *Client) RPCRequest(ctx context.Context, accountID string, req *api.Request, timeout time.Duration) (*api.Packet, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.dispatcher.Send(ctx, accountID, req, timeout)
}

// GetAccountInformation fetches the account snapshot.
func (c *Client) GetAccountInformation(ctx context.Context, accountID string) (model.AccountInformation, error) {
	pkt, err := c.RPCRequest(ctx, accountID, api.NewRequest(api.TypeAccountInfo, nil), 0)
	if err != nil {
		return model.AccountInformation{}, err
	}
	var body api.AccountInformationPayload
	if err := pkt.Decode(&body); err != nil {
		return model.AccountInformation{}, err
	}
	if body.AccountInformation == nil {
		return model.AccountInformation{}, &api.Error{Kind: api.KindInternal, Message: "response carries no account information"}
	}
	return *body.AccountInformation, nil
}

// Trade executes a trade. It is never retried. A result code outside the
// success set returns a TradeError carrying the codes.
func (c *Client) Trade(ctx context.Context, accountID string, trade map[string]any) (TradeResult, error) {
	pkt, err := c.RPCRequest(ctx, accountID, api.NewRequest(api.TypeTrade, map[string]any{"trade": trade}), 0)
	if err != nil {
		return TradeResult{}, err
	}
	var body struct {
		Response TradeResult `json:"response"`
	}
	if err := pkt.Decode(&body); err != nil {
		return TradeResult{}, err
	}
	res := body.Response
	if !tradeSuccessCodes[res.NumericCode] {
		return res, &api.Error{
			Kind:        api.KindTrade,
			Message:     res.Message,
			NumericCode: res.NumericCode,
			StringCode:  res.StringCode,
		}
	}
	return res, nil
}

// -----------------------------------------------------------------------------
// Listeners
// -----------------------------------------------------------------------------

// AddSynchronizationListener registers a listener for one account.
func (c *Client) AddSynchronizationListener(accountID string, l model.SynchronizationListener) {
	c.processor.AddListener(accountID, l)
}

// RemoveSynchronizationListener unregisters a listener of one account.
func (c *Client) RemoveSynchronizationListener(accountID string, l model.SynchronizationListener) {
	c.processor.RemoveListener(accountID, l)
}

// AddGlobalSynchronizationListener registers a listener for every account.
func (c *Client) AddGlobalSynchronizationListener(l model.SynchronizationListener) {
	c.processor.AddGlobalListener(l)
}

// AddReconnectListener registers a listener called when the transport of
// the account reconnects.
func (c *Client) AddReconnectListener(accountID string, l model.ReconnectListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect[accountID] = append(c.reconnect[accountID], l)
}

// RemoveReconnectListener unregisters a reconnect listener.
func (c *Client) RemoveReconnectListener(accountID string, l model.ReconnectListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls := slices.DeleteFunc(c.reconnect[accountID], func(x model.ReconnectListener) bool { return x == l })
	if len(ls) == 0 {
		delete(c.reconnect, accountID)
		return
	}
	c.reconnect[accountID] = ls
}

// AddLatencyListener registers a latency observer for responses and packets.
func (c *Client) AddLatencyListener(l model.LatencyListener) {
	c.dispatcher.AddLatencyListener(l)
}

// RemoveLatencyListener unregisters a latency observer.
func (c *Client) RemoveLatencyListener(l model.LatencyListener) {
	c.dispatcher.RemoveLatencyListener(l)
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

// Stats returns component statistics.
func (c *Client) Stats() Stats {
	return Stats{
		Pool:    c.pool.Stats(),
		Orderer: c.orderer.Stats(),
		Streams: c.processor.Stats(),
	}
}

// Accounts returns every assigned account with its streams.
func (c *Client) Accounts() []AccountStatus {
	streams := make(map[string][]model.StreamID)
	for _, id := range c.processor.Streams() {
		streams[id.AccountID] = append(streams[id.AccountID], id)
	}

	var out []AccountStatus
	for idx := range c.pool.Stats().Transports {
		for _, accountID := range c.pool.AccountsOn(idx) {
			st := AccountStatus{AccountID: accountID, Transport: idx, Streams: []StreamStatus{}}
			for _, id := range streams[accountID] {
				st.Streams = append(st.Streams, StreamStatus{
					InstanceIndex: id.InstanceIndex,
					Host:          id.Host,
					State:         c.processor.State(id).String(),
					Subscribing:   c.subs.IsSubscribing(id.Instance()),
				})
			}
			out = append(out, st)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Callbacks
// -----------------------------------------------------------------------------

func (c *Client) onReconnected(transport int, accountIDs []string) {
	c.orderer.OnReconnected(accountIDs)
	c.subs.OnReconnected(transport, accountIDs)

	for _, accountID := range accountIDs {
		c.mu.Lock()
		ls := slices.Clone(c.reconnect[accountID])
		c.mu.Unlock()
		for _, l := range ls {
			if err := l.OnReconnected(c.ctx, accountID); err != nil {
				c.logger.Error("reconnect listener failed", "account_id", accountID, "error", err)
			}
		}
	}
}

func (c *Client) onUnauthorized(err error) {
	c.logger.Error("unauthorized, closing engine", "error", err)
	if cerr := c.Close(); cerr != nil {
		c.logger.Warn("close after unauthorized", "error", cerr)
	}
}

// autoSynchronizer starts a synchronization for every connected stream.
type autoSynchronizer struct {
	model.NopSynchronizationListener
	c *Client
}

func (a *autoSynchronizer) OnConnected(_ context.Context, id model.StreamID, _ int) error {
	c := a.c
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if _, err := c.Synchronize(c.ctx, id.AccountID, id.InstanceIndex, SynchronizeOptions{}); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("automatic synchronization failed",
				"account_id", id.AccountID,
				"instance_index", id.InstanceIndex,
				"error", err,
			)
		}
	}()
	return nil
}
