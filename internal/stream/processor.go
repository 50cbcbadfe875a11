package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/metrics"
	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/router"
)

// Processor applies packets to a Machine and executes the resulting effects.
//
// Every packet of one account goes through a queue drained by a single
// worker, in arrival order, so that account's listeners never run
// concurrently. Effects of the silence check join the same queue.
type Processor struct {
	cfg      Config
	controls Controls
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	machineMu sync.Mutex
	machine   *Machine

	listenersMu sync.RWMutex
	listeners   map[string][]model.SynchronizationListener
	global      []model.SynchronizationListener

	queuesMu sync.Mutex
	queues   map[string]*accountQueue
	closed   bool

	events         atomic.Int64
	listenerErrors atomic.Int64
}

type accountQueue struct {
	buf     *router.GrowableBuffer[job]
	running bool
	removed bool
}

// job is either a packet to apply or effects computed elsewhere.
type job struct {
	pkt     *api.Packet
	effects []Effect
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config, controls Controls, m *metrics.Metrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:       cfg,
		controls:  controls,
		logger:    logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		machine:   NewMachine(cfg.SilenceTimeout, controls.IsSubscribing),
		listeners: make(map[string][]model.SynchronizationListener),
		queues:    make(map[string]*accountQueue),
	}
}

// Start begins the silence check.
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.silenceLoop()
}

// Close stops the silence check, drops queued packets and waits for running
// workers.
func (p *Processor) Close() {
	p.queuesMu.Lock()
	if p.closed {
		p.queuesMu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		q.removed = true
		q.buf.Discard()
		q.buf.Close()
	}
	p.queuesMu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// AddListener registers a listener for one account. Listeners must be
// comparable so RemoveListener can find them.
func (p *Processor) AddListener(accountID string, l model.SynchronizationListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners[accountID] = append(p.listeners[accountID], l)
}

// RemoveListener unregisters a listener of one account.
func (p *Processor) RemoveListener(accountID string, l model.SynchronizationListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	ls := slices.DeleteFunc(p.listeners[accountID], func(x model.SynchronizationListener) bool { return x == l })
	if len(ls) == 0 {
		delete(p.listeners, accountID)
		return
	}
	p.listeners[accountID] = ls
}

// AddGlobalListener registers a listener for every account.
func (p *Processor) AddGlobalListener(l model.SynchronizationListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.global = append(p.global, l)
}

// RemoveGlobalListener unregisters a listener added with AddGlobalListener.
func (p *Processor) RemoveGlobalListener(l model.SynchronizationListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.global = slices.DeleteFunc(p.global, func(x model.SynchronizationListener) bool { return x == l })
}

// Process accepts one packet in arrival order (after sequencing).
// Sequenced and unsequenced packets share the account's queue.
func (p *Processor) Process(pkt *api.Packet) {
	p.enqueue(pkt.AccountID, job{pkt: pkt})
}

func (p *Processor) enqueue(accountID string, j job) {
	p.queuesMu.Lock()
	defer p.queuesMu.Unlock()
	if p.closed {
		return
	}
	q, ok := p.queues[accountID]
	if !ok {
		q = &accountQueue{buf: router.NewGrowableBuffer[job](16)}
		p.queues[accountID] = q
	}
	q.buf.Send(j)
	if !q.running {
		q.running = true
		p.wg.Add(1)
		go p.drain(q)
	}
}

// drain runs the queued jobs of one account until the queue is empty.
func (p *Processor) drain(q *accountQueue) {
	defer p.wg.Done()
	for {
		j, ok := q.buf.TryReceive()
		if !ok {
			p.queuesMu.Lock()
			if q.buf.Len() == 0 {
				q.running = false
				p.queuesMu.Unlock()
				return
			}
			p.queuesMu.Unlock()
			continue
		}
		p.queuesMu.Lock()
		removed := q.removed
		p.queuesMu.Unlock()
		if removed {
			continue
		}
		if j.pkt != nil {
			p.execute(p.apply(j.pkt))
		} else {
			p.execute(j.effects)
		}
	}
}

func (p *Processor) apply(pkt *api.Packet) []Effect {
	sessionID := p.controls.SessionID(pkt.Transport)
	now := pkt.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	p.machineMu.Lock()
	effects, err := p.machine.Apply(pkt, now, sessionID)
	streams := len(p.machine.streams)
	p.machineMu.Unlock()

	p.metrics.SetStreams(streams)
	if err != nil {
		p.logger.Warn("dropping malformed packet",
			"account_id", pkt.AccountID,
			"type", pkt.Type,
			"error", err,
		)
	}
	return effects
}

func (p *Processor) execute(effects []Effect) {
	for _, e := range effects {
		key := e.Stream.Instance()
		switch e.Kind {
		case EffectNotify:
			p.notify(e.Stream.AccountID, e.Event)
		case EffectLatency:
			p.reportLatency(e.Stream.AccountID, e.Latency)
		case EffectCancelSubscribe:
			p.controls.CancelSubscribe(key)
		case EffectResubscribe:
			p.controls.Resubscribe(key)
		case EffectSubscriptionTimeout:
			p.controls.SubscriptionTimeout(key)
		case EffectSubscriptionDisconnected:
			p.controls.SubscriptionDisconnected(key)
		case EffectStreamClosed:
			p.controls.StreamClosed(e.Stream, e.LastStream)
		case EffectRenewSync:
			p.controls.RenewSync(e.Transport, e.SynchronizationID)
		case EffectFinishSync:
			p.controls.FinishSync(e.Transport, e.SynchronizationID)
		}
	}
}

func (p *Processor) notify(accountID string, e Event) {
	p.listenersMu.RLock()
	ls := make([]model.SynchronizationListener, 0, len(p.global)+len(p.listeners[accountID]))
	ls = append(ls, p.global...)
	ls = append(ls, p.listeners[accountID]...)
	p.listenersMu.RUnlock()

	p.events.Add(1)
	p.metrics.IncEvent(e.Name)
	for _, l := range ls {
		if err := p.deliver(e, l); err != nil {
			p.listenerErrors.Add(1)
			p.metrics.IncListenerError(e.Name)
			p.logger.Error("listener failed",
				"account_id", accountID,
				"event", e.Name,
				"error", err,
			)
		}
	}
}

func (p *Processor) deliver(e Event, l model.SynchronizationListener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return e.Deliver(p.ctx, l)
}

func (p *Processor) reportLatency(accountID string, lat *Latency) {
	if lat == nil {
		return
	}
	finished := time.Now()
	ts := lat.Timestamps
	ts.ClientProcessingFinished = &finished
	for _, l := range p.controls.LatencyListeners() {
		switch lat.Kind {
		case LatencyPrice:
			l.OnSymbolPrice(p.ctx, accountID, lat.Symbol, ts)
		case LatencyUpdate:
			l.OnUpdate(p.ctx, accountID, ts)
		}
	}
}

// CheckSilence closes silent streams. The resulting effects are queued
// behind the packets already waiting for each account.
func (p *Processor) CheckSilence(now time.Time) {
	p.machineMu.Lock()
	effects := p.machine.CheckSilence(now)
	streams := len(p.machine.streams)
	p.machineMu.Unlock()

	p.metrics.SetStreams(streams)
	var accounts []string
	byAccount := make(map[string][]Effect)
	for _, e := range effects {
		if e.Kind == EffectStreamClosed {
			p.logger.Info("stream silent, closed",
				"account_id", e.Stream.AccountID,
				"instance_index", e.Stream.InstanceIndex,
				"host", e.Stream.Host,
				"last_stream", e.LastStream,
			)
		}
		id := e.Stream.AccountID
		if _, ok := byAccount[id]; !ok {
			accounts = append(accounts, id)
		}
		byAccount[id] = append(byAccount[id], e)
	}
	for _, id := range accounts {
		p.enqueue(id, job{effects: byAccount[id]})
	}
}

func (p *Processor) silenceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.CheckSilence(now)
		}
	}
}

// RemoveAccount drops the queued packets and stream state of an account.
// Its listeners stay registered.
func (p *Processor) RemoveAccount(accountID string) {
	p.queuesMu.Lock()
	if q, ok := p.queues[accountID]; ok {
		q.removed = true
		q.buf.Discard()
		delete(p.queues, accountID)
	}
	p.queuesMu.Unlock()

	p.machineMu.Lock()
	p.machine.RemoveAccount(accountID)
	p.machineMu.Unlock()
}

// State returns the state of a stream.
func (p *Processor) State(id model.StreamID) State {
	p.machineMu.Lock()
	defer p.machineMu.Unlock()
	return p.machine.State(id)
}

// IsSynchronized reports whether an instance finished a synchronization.
func (p *Processor) IsSynchronized(key model.InstanceKey) bool {
	p.machineMu.Lock()
	defer p.machineMu.Unlock()
	return p.machine.IsSynchronized(key)
}

// Streams returns the active streams.
func (p *Processor) Streams() []model.StreamID {
	p.machineMu.Lock()
	defer p.machineMu.Unlock()
	return p.machine.Streams()
}

// Stats returns runtime statistics.
func (p *Processor) Stats() Stats {
	p.machineMu.Lock()
	streams := len(p.machine.streams)
	p.machineMu.Unlock()

	queued := 0
	p.queuesMu.Lock()
	for _, q := range p.queues {
		queued += q.buf.Len()
	}
	p.queuesMu.Unlock()

	return Stats{
		Streams:        streams,
		QueuedPackets:  queued,
		Events:         p.events.Load(),
		ListenerErrors: p.listenerErrors.Load(),
	}
}
