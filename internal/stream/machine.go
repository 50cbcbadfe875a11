package stream

import (
	"cmp"
	"slices"
	"time"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/model"
)

// State is the synchronization state of one stream.
type State int

const (
	StateDisconnected State = iota
	StateAuthenticated
	StateSynchronizing
	StateOrdersSynchronized
	StateSynchronized
)

var stateNames = [...]string{
	StateDisconnected:       "disconnected",
	StateAuthenticated:      "authenticated",
	StateSynchronizing:      "synchronizing",
	StateOrdersSynchronized: "orders_synchronized",
	StateSynchronized:       "synchronized",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type streamState struct {
	state     State
	transport int
	lastSeen  time.Time
}

// syncState is what a synchronizationStarted packet claimed changed.
type syncState struct {
	instance              model.InstanceKey
	specificationsUpdated bool
	positionsUpdated      bool
	ordersUpdated         bool
}

// Machine tracks active streams and synchronizations. It is not safe for
// concurrent use.
type Machine struct {
	silence       time.Duration
	isSubscribing func(model.InstanceKey) bool

	streams map[model.StreamID]*streamState
	syncs   map[string]*syncState
}

// NewMachine creates a Machine. isSubscribing reports whether a subscribe
// task already runs for an instance.
func NewMachine(silence time.Duration, isSubscribing func(model.InstanceKey) bool) *Machine {
	if isSubscribing == nil {
		isSubscribing = func(model.InstanceKey) bool { return false }
	}
	return &Machine{
		silence:       silence,
		isSubscribing: isSubscribing,
		streams:       make(map[model.StreamID]*streamState),
		syncs:         make(map[string]*syncState),
	}
}

// Apply processes one packet. sessionID is the current session of the
// transport the packet arrived on. A payload that fails to decode returns
// the effects gathered so far and the error.
func (m *Machine) Apply(p *api.Packet, now time.Time, sessionID string) ([]Effect, error) {
	id := p.Stream()
	st := m.streams[id]
	if st != nil {
		st.lastSeen = now
	}

	var out []Effect
	if p.SynchronizationID != "" && p.Type != api.PacketDealSynchronizationFinished {
		out = append(out, Effect{Kind: EffectRenewSync, Stream: id, Transport: p.Transport, SynchronizationID: p.SynchronizationID})
	}
	notify := func(e Event) {
		out = append(out, Effect{Kind: EffectNotify, Stream: id, Transport: p.Transport, Event: e})
	}

	switch p.Type {
	case api.PacketAuthenticated:
		// Only a packet that names a session is checked against it.
		if p.SessionID != "" && p.SessionID != sessionID {
			return nil, nil
		}
		var body api.AuthenticatedPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		replicas := body.Replicas
		if replicas == 0 {
			replicas = 1
		}
		if st == nil {
			st = &streamState{}
			m.streams[id] = st
		}
		st.state = StateAuthenticated
		st.transport = p.Transport
		st.lastSeen = now
		notify(connected(id, replicas))
		out = append(out, Effect{Kind: EffectCancelSubscribe, Stream: id, Transport: p.Transport})

	case api.PacketDisconnected:
		if st != nil {
			out = append(out, m.close(id, false)...)
		}

	case api.PacketStatus:
		if st == nil {
			if !m.isSubscribing(id.Instance()) {
				out = append(out, Effect{Kind: EffectResubscribe, Stream: id, Transport: p.Transport})
			}
			return out, nil
		}
		var body api.StatusPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		notify(brokerConnection(id, body.Connected))
		if body.HealthStatus != nil {
			notify(healthStatus(id, *body.HealthStatus))
		}

	case api.PacketSynchronizationStarted:
		var body api.SyncStartedPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		s := &syncState{
			instance:              id.Instance(),
			specificationsUpdated: flag(body.SpecificationsUpdated),
			positionsUpdated:      flag(body.PositionsUpdated),
			ordersUpdated:         flag(body.OrdersUpdated),
		}
		for syncID, prev := range m.syncs {
			if prev.instance == s.instance {
				delete(m.syncs, syncID)
			}
		}
		if p.SynchronizationID != "" {
			m.syncs[p.SynchronizationID] = s
		}
		if st != nil {
			st.state = StateSynchronizing
		}
		notify(synchronizationStarted(id, model.SyncStarted{
			SynchronizationID:     p.SynchronizationID,
			SpecificationsUpdated: s.specificationsUpdated,
			PositionsUpdated:      s.positionsUpdated,
			OrdersUpdated:         s.ordersUpdated,
		}))

	case api.PacketAccountInformation:
		var body api.AccountInformationPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		if body.AccountInformation != nil {
			notify(accountInformation(id, *body.AccountInformation))
		}
		if s, ok := m.syncs[p.SynchronizationID]; ok {
			if !s.positionsUpdated {
				notify(positionsSynchronized(id, p.SynchronizationID))
			}
			if !s.ordersUpdated {
				notify(ordersSynchronized(id, p.SynchronizationID))
			}
		}

	case api.PacketPositions:
		var body api.PositionsPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		notify(positionsReplaced(id, body.Positions))
		notify(positionsSynchronized(id, p.SynchronizationID))

	case api.PacketOrders:
		var body api.OrdersPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		notify(ordersReplaced(id, body.Orders))
		notify(ordersSynchronized(id, p.SynchronizationID))

	case api.PacketHistoryOrders:
		var body api.HistoryOrdersPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		for _, o := range body.HistoryOrders {
			notify(historyOrderAdded(id, o))
		}

	case api.PacketDeals:
		var body api.DealsPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		for _, d := range body.Deals {
			notify(dealAdded(id, d))
		}

	case api.PacketUpdate:
		var body api.UpdatePayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		if body.AccountInformation != nil {
			notify(accountInformation(id, *body.AccountInformation))
		}
		for _, pos := range body.UpdatedPositions {
			notify(positionUpdated(id, pos))
		}
		for _, pid := range body.RemovedPositionIDs {
			notify(positionRemoved(id, pid))
		}
		for _, o := range body.UpdatedOrders {
			notify(orderUpdated(id, o))
		}
		for _, oid := range body.CompletedOrderIDs {
			notify(orderCompleted(id, oid))
		}
		for _, o := range body.HistoryOrders {
			notify(historyOrderAdded(id, o))
		}
		for _, d := range body.Deals {
			notify(dealAdded(id, d))
		}
		if p.Timestamps != nil {
			out = append(out, Effect{Kind: EffectLatency, Stream: id, Transport: p.Transport,
				Latency: &Latency{Kind: LatencyUpdate, Timestamps: *p.Timestamps}})
		}

	case api.PacketOrderSynchronizationFinished:
		if st != nil {
			st.state = StateOrdersSynchronized
		}
		notify(historyOrdersSynchronized(id, p.SynchronizationID))

	case api.PacketDealSynchronizationFinished:
		if st != nil {
			st.state = StateSynchronized
		}
		delete(m.syncs, p.SynchronizationID)
		notify(dealsSynchronized(id, p.SynchronizationID))
		if p.SynchronizationID != "" {
			out = append(out, Effect{Kind: EffectFinishSync, Stream: id, Transport: p.Transport, SynchronizationID: p.SynchronizationID})
		}

	case api.PacketSpecifications:
		var body api.SpecificationsPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		notify(specificationsUpdated(id, body.Specifications, body.RemovedSymbols))

	case api.PacketPrices:
		var body api.PricesPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		if len(body.Prices) > 0 || body.Equity != nil {
			notify(pricesUpdated(id, model.PriceUpdate{
				Prices:                      body.Prices,
				Equity:                      body.Equity,
				Margin:                      body.Margin,
				FreeMargin:                  body.FreeMargin,
				MarginLevel:                 body.MarginLevel,
				AccountCurrencyExchangeRate: body.AccountCurrencyExchangeRate,
			}))
		}
		if len(body.Candles) > 0 {
			notify(candlesUpdated(id, body.Candles))
		}
		if len(body.Ticks) > 0 {
			notify(ticksUpdated(id, body.Ticks))
		}
		if len(body.Books) > 0 {
			notify(booksUpdated(id, body.Books))
		}
		for _, price := range body.Prices {
			ts := price.Timestamps
			if ts == nil {
				ts = p.Timestamps
			}
			if ts == nil {
				continue
			}
			out = append(out, Effect{Kind: EffectLatency, Stream: id, Transport: p.Transport,
				Latency: &Latency{Kind: LatencyPrice, Symbol: price.Symbol, Timestamps: *ts}})
		}

	case api.PacketDowngradeSubscription:
		var body api.DowngradeSubscriptionPayload
		if err := p.Decode(&body); err != nil {
			return out, err
		}
		notify(subscriptionDowngraded(id, Downgrade{
			Symbol:  body.Symbol,
			Updated: body.UpdatedSubscriptions,
			Removed: body.Unsubscriptions,
		}))
	}
	return out, nil
}

// CheckSilence closes every stream that has not sent a packet within the
// silence timeout.
func (m *Machine) CheckSilence(now time.Time) []Effect {
	var silent []model.StreamID
	for id, st := range m.streams {
		if now.Sub(st.lastSeen) > m.silence {
			silent = append(silent, id)
		}
	}
	slices.SortFunc(silent, compareStreams)

	var out []Effect
	for _, id := range silent {
		out = append(out, m.close(id, true)...)
	}
	return out
}

// close removes a stream. A timeout on the last stream of an instance asks
// for a delayed resubscribe, an explicit disconnect for an immediate one.
func (m *Machine) close(id model.StreamID, timeout bool) []Effect {
	st := m.streams[id]
	delete(m.streams, id)

	key := id.Instance()
	last := len(m.instanceStreams(key)) == 0

	var out []Effect
	if last {
		out = append(out, Effect{Kind: EffectNotify, Stream: id, Transport: st.transport, Event: disconnected(id)})
		kind := EffectSubscriptionDisconnected
		if timeout {
			kind = EffectSubscriptionTimeout
		}
		out = append(out, Effect{Kind: kind, Stream: id, Transport: st.transport})
		for syncID, s := range m.syncs {
			if s.instance == key {
				delete(m.syncs, syncID)
			}
		}
	} else {
		out = append(out, Effect{Kind: EffectNotify, Stream: id, Transport: st.transport, Event: streamClosed(id)})
	}
	out = append(out, Effect{Kind: EffectStreamClosed, Stream: id, Transport: st.transport, LastStream: last})
	return out
}

func (m *Machine) instanceStreams(key model.InstanceKey) []model.StreamID {
	var ids []model.StreamID
	for id := range m.streams {
		if id.Instance() == key {
			ids = append(ids, id)
		}
	}
	return ids
}

// State returns the state of a stream.
func (m *Machine) State(id model.StreamID) State {
	if st, ok := m.streams[id]; ok {
		return st.state
	}
	return StateDisconnected
}

// IsSynchronized reports whether any stream of the instance finished a
// synchronization.
func (m *Machine) IsSynchronized(key model.InstanceKey) bool {
	for id, st := range m.streams {
		if id.Instance() == key && st.state == StateSynchronized {
			return true
		}
	}
	return false
}

// Streams returns the active streams, sorted.
func (m *Machine) Streams() []model.StreamID {
	ids := make([]model.StreamID, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareStreams)
	return ids
}

// RemoveAccount forgets every stream and synchronization of an account
// without emitting effects.
func (m *Machine) RemoveAccount(accountID string) {
	for id := range m.streams {
		if id.AccountID == accountID {
			delete(m.streams, id)
		}
	}
	for syncID, s := range m.syncs {
		if s.instance.AccountID == accountID {
			delete(m.syncs, syncID)
		}
	}
}

func compareStreams(a, b model.StreamID) int {
	return cmp.Or(
		cmp.Compare(a.AccountID, b.AccountID),
		cmp.Compare(a.InstanceIndex, b.InstanceIndex),
		cmp.Compare(a.Host, b.Host),
	)
}

// flag treats a missing updated flag as true.
func flag(b *bool) bool {
	return b == nil || *b
}
