package router

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/metrics"
	"github.com/rickgao/termsync/internal/model"
)

// Orderer releases sequenced packets in ascending order per stream.
type Orderer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler Handler

	mu      sync.Mutex
	streams map[model.StreamID]*sequence

	// Serializes handler calls between Process and the gap checker.
	deliverMu sync.Mutex

	outOfOrder int64
	dropped    int64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type sequence struct {
	last         int64 // last released sequence number
	started      bool  // a session start was seen
	sessionStart int64 // sequenceTimestamp of the session start
	waiting      []pending
	lastDelivery time.Time
}

type pending struct {
	packet     *api.Packet
	receivedAt time.Time
}

func (p pending) seq() int64 { return *p.packet.SequenceNumber }

func timestampOf(p *api.Packet) int64 {
	if p.SequenceTimestamp == nil {
		return 0
	}
	return *p.SequenceTimestamp
}

// NewOrderer creates an Orderer. handler may be nil when only Submit and
// CheckTimeouts are used.
func NewOrderer(cfg Config, handler Handler, m *metrics.Metrics, logger *slog.Logger) *Orderer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WaitWindow <= 0 {
		cfg.WaitWindow = DefaultConfig().WaitWindow
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Orderer{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		handler: handler,
		streams: make(map[model.StreamID]*sequence),
		done:    make(chan struct{}),
	}
}

// Start runs the gap checker.
func (o *Orderer) Start() {
	o.wg.Add(1)
	go o.checkLoop()
	o.logger.Info("packet orderer started", "wait_window", o.cfg.WaitWindow)
}

// Stop halts the gap checker and drops all buffered packets.
func (o *Orderer) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)
		o.wg.Wait()

		o.mu.Lock()
		clear(o.streams)
		o.mu.Unlock()
	})
}

// Process submits p and hands the released packets to the handler.
func (o *Orderer) Process(p *api.Packet) {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	if released := o.Submit(p, p.ReceivedAt); len(released) > 0 && o.handler != nil {
		o.handler.OnOrdered(released)
	}
}

// Submit returns the packets that are ready, in order. Unsequenced packets
// are returned immediately.
func (o *Orderer) Submit(p *api.Packet, receivedAt time.Time) []*api.Packet {
	if !p.Sequenced() {
		return []*api.Packet{p}
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	id := p.Stream()
	s, ok := o.streams[id]
	if !ok {
		s = &sequence{}
		o.streams[id] = s
	}

	seq := *p.SequenceNumber
	ts := timestampOf(p)

	switch {
	case p.Type == api.PacketSynchronizationStarted && p.SynchronizationID != "" &&
		(!s.started || s.sessionStart < ts):
		s.started = true
		s.sessionStart = ts
		s.last = seq
		s.waiting = slices.DeleteFunc(s.waiting, func(w pending) bool {
			return timestampOf(w.packet) < ts
		})
		return s.release(p, receivedAt)

	case s.started && ts < s.sessionStart:
		o.dropped++
		return nil

	case s.started && seq == s.last:
		s.lastDelivery = receivedAt
		return []*api.Packet{p}

	case s.started && seq < s.last:
		o.dropped++
		return nil

	case s.started && seq == s.last+1:
		s.last = seq
		return s.release(p, receivedAt)
	}

	i, _ := slices.BinarySearchFunc(s.waiting, seq, func(w pending, target int64) int {
		return cmp.Compare(w.seq(), target)
	})
	s.waiting = slices.Insert(s.waiting, i, pending{packet: p, receivedAt: receivedAt})
	return nil
}

// release returns first followed by every waiting packet that now continues
// the sequence.
func (s *sequence) release(first *api.Packet, at time.Time) []*api.Packet {
	out := []*api.Packet{first}
	s.lastDelivery = at

	n := 0
	for ; n < len(s.waiting); n++ {
		seq := s.waiting[n].seq()
		if seq > s.last+1 {
			break
		}
		switch {
		case seq == s.last+1:
			s.last = seq
			out = append(out, s.waiting[n].packet)
		case seq == s.last:
			out = append(out, s.waiting[n].packet)
		}
	}
	s.waiting = slices.Delete(s.waiting, 0, n)
	return out
}

// CheckTimeouts gives up on gaps older than the wait window. Each gap is
// reported once; the stream then resumes at the lowest buffered number and
// the packets that became contiguous are returned with the report.
func (o *Orderer) CheckTimeouts(now time.Time) ([]OutOfOrder, []*api.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var gaps []OutOfOrder
	var released []*api.Packet
	for id, s := range o.streams {
		if len(s.waiting) == 0 {
			continue
		}
		head := s.waiting[0]
		since := head.receivedAt
		if s.lastDelivery.After(since) {
			since = s.lastDelivery
		}
		if now.Sub(since) <= o.cfg.WaitWindow {
			continue
		}

		gap := OutOfOrder{
			Stream:     id,
			Actual:     head.seq(),
			Packet:     head.packet,
			ReceivedAt: head.receivedAt,
		}
		if s.started {
			gap.Expected = s.last + 1
		}
		gaps = append(gaps, gap)
		o.outOfOrder++

		s.started = true
		s.last = head.seq()
		s.waiting = s.waiting[1:]
		released = append(released, s.release(head.packet, now)...)
	}
	return gaps, released
}

// OnReconnected forgets the sequence state of the given accounts. Sequence
// numbers restart after the resubscription.
func (o *Orderer) OnReconnected(accountIDs []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.streams {
		if slices.Contains(accountIDs, id.AccountID) {
			delete(o.streams, id)
		}
	}
}

// RemoveAccount forgets the sequence state of an unsubscribed account.
func (o *Orderer) RemoveAccount(accountID string) {
	o.OnReconnected([]string{accountID})
}

// OnStreamClosed forgets one stream.
func (o *Orderer) OnStreamClosed(id model.StreamID) {
	o.mu.Lock()
	delete(o.streams, id)
	o.mu.Unlock()
}

// Stats returns current statistics.
func (o *Orderer) Stats() OrdererStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := OrdererStats{
		Streams:    len(o.streams),
		OutOfOrder: o.outOfOrder,
		Dropped:    o.dropped,
	}
	for _, s := range o.streams {
		stats.Buffered += len(s.waiting)
	}
	return stats
}

func (o *Orderer) check(now time.Time) {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	gaps, released := o.CheckTimeouts(now)
	for _, gap := range gaps {
		o.logger.Warn("sequence gap timed out",
			"account_id", gap.Stream.AccountID,
			"instance_index", gap.Stream.InstanceIndex,
			"host", gap.Stream.Host,
			"expected", gap.Expected,
			"actual", gap.Actual,
		)
		o.metrics.IncOutOfOrder()
		if o.handler != nil {
			o.handler.OnOutOfOrder(gap)
		}
	}
	if len(released) > 0 && o.handler != nil {
		o.handler.OnOrdered(released)
	}
}

func (o *Orderer) checkLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case now := <-ticker.C:
			o.check(now)
		}
	}
}
