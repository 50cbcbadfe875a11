package stream

import (
	"context"

	"github.com/rickgao/termsync/internal/model"
)

// Event names, also used as metric labels and publish subjects.
const (
	EventConnected                 = "connected"
	EventDisconnected              = "disconnected"
	EventStreamClosed              = "streamClosed"
	EventSynchronizationStarted    = "synchronizationStarted"
	EventAccountInformationUpdated = "accountInformationUpdated"
	EventPositionsReplaced         = "positionsReplaced"
	EventPositionsSynchronized     = "positionsSynchronized"
	EventPositionUpdated           = "positionUpdated"
	EventPositionRemoved           = "positionRemoved"
	EventPendingOrdersReplaced     = "pendingOrdersReplaced"
	EventPendingOrdersSynchronized = "pendingOrdersSynchronized"
	EventPendingOrderUpdated       = "pendingOrderUpdated"
	EventPendingOrderCompleted     = "pendingOrderCompleted"
	EventHistoryOrderAdded         = "historyOrderAdded"
	EventHistoryOrdersSynchronized = "historyOrdersSynchronized"
	EventDealAdded                 = "dealAdded"
	EventDealsSynchronized         = "dealsSynchronized"
	EventSymbolSpecifications      = "symbolSpecificationsUpdated"
	EventSymbolPrices              = "symbolPricesUpdated"
	EventCandles                   = "candlesUpdated"
	EventTicks                     = "ticksUpdated"
	EventBooks                     = "booksUpdated"
	EventBrokerConnection          = "brokerConnectionStatusChanged"
	EventHealthStatus              = "healthStatus"
	EventSubscriptionDowngraded    = "subscriptionDowngraded"
)

// Event is one listener notification. Payload holds the notification's
// argument for inspection; Deliver invokes the matching listener method.
type Event struct {
	Name    string
	Payload any
	call    listenerCall
}

// Deliver calls the listener method for the event.
func (e Event) Deliver(ctx context.Context, l model.SynchronizationListener) error {
	if e.call == nil {
		return nil
	}
	return e.call(ctx, l)
}

// Downgrade is the payload of EventSubscriptionDowngraded.
type Downgrade struct {
	Symbol  string
	Updated []model.MarketDataSubscription
	Removed []model.MarketDataUnsubscription
}

// Specifications is the payload of EventSymbolSpecifications.
type Specifications struct {
	Updated []model.SymbolSpecification
	Removed []string
}

func connected(id model.StreamID, replicas int) Event {
	return Event{Name: EventConnected, Payload: replicas, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnConnected(ctx, id, replicas)
	}}
}

func disconnected(id model.StreamID) Event {
	return Event{Name: EventDisconnected, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnDisconnected(ctx, id)
	}}
}

func streamClosed(id model.StreamID) Event {
	return Event{Name: EventStreamClosed, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnStreamClosed(ctx, id)
	}}
}

func synchronizationStarted(id model.StreamID, s model.SyncStarted) Event {
	return Event{Name: EventSynchronizationStarted, Payload: s, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnSynchronizationStarted(ctx, id, s)
	}}
}

func accountInformation(id model.StreamID, info model.AccountInformation) Event {
	return Event{Name: EventAccountInformationUpdated, Payload: info, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnAccountInformationUpdated(ctx, id, info)
	}}
}

func positionsReplaced(id model.StreamID, positions []model.Position) Event {
	return Event{Name: EventPositionsReplaced, Payload: positions, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnPositionsReplaced(ctx, id, positions)
	}}
}

func positionsSynchronized(id model.StreamID, syncID string) Event {
	return Event{Name: EventPositionsSynchronized, Payload: syncID, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnPositionsSynchronized(ctx, id, syncID)
	}}
}

func positionUpdated(id model.StreamID, p model.Position) Event {
	return Event{Name: EventPositionUpdated, Payload: p, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnPositionUpdated(ctx, id, p)
	}}
}

func positionRemoved(id model.StreamID, positionID string) Event {
	return Event{Name: EventPositionRemoved, Payload: positionID, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnPositionRemoved(ctx, id, positionID)
	}}
}

func ordersReplaced(id model.StreamID, orders []model.Order) Event {
	return Event{Name: EventPendingOrdersReplaced, Payload: orders, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnPendingOrdersReplaced(ctx, id, orders)
	}}
}

func ordersSynchronized(id model.StreamID, syncID string) Event {
	return Event{Name: EventPendingOrdersSynchronized, Payload: syncID, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnPendingOrdersSynchronized(ctx, id, syncID)
	}}
}

func orderUpdated(id model.StreamID, o model.Order) Event {
	return Event{Name: EventPendingOrderUpdated, Payload: o, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnPendingOrderUpdated(ctx, id, o)
	}}
}

func orderCompleted(id model.StreamID, orderID string) Event {
	return Event{Name: EventPendingOrderCompleted, Payload: orderID, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnPendingOrderCompleted(ctx, id, orderID)
	}}
}

func historyOrderAdded(id model.StreamID, o model.Order) Event {
	return Event{Name: EventHistoryOrderAdded, Payload: o, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnHistoryOrderAdded(ctx, id, o)
	}}
}

func historyOrdersSynchronized(id model.StreamID, syncID string) Event {
	return Event{Name: EventHistoryOrdersSynchronized, Payload: syncID, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnHistoryOrdersSynchronized(ctx, id, syncID)
	}}
}

func dealAdded(id model.StreamID, d model.Deal) Event {
	return Event{Name: EventDealAdded, Payload: d, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnDealAdded(ctx, id, d)
	}}
}

func dealsSynchronized(id model.StreamID, syncID string) Event {
	return Event{Name: EventDealsSynchronized, Payload: syncID, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnDealsSynchronized(ctx, id, syncID)
	}}
}

func specificationsUpdated(id model.StreamID, specs []model.SymbolSpecification, removed []string) Event {
	return Event{Name: EventSymbolSpecifications, Payload: Specifications{Updated: specs, Removed: removed}, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnSymbolSpecificationsUpdated(ctx, id, specs, removed)
	}}
}

func pricesUpdated(id model.StreamID, u model.PriceUpdate) Event {
	return Event{Name: EventSymbolPrices, Payload: u, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnSymbolPricesUpdated(ctx, id, u)
	}}
}

func candlesUpdated(id model.StreamID, candles []model.Candle) Event {
	return Event{Name: EventCandles, Payload: candles, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnCandlesUpdated(ctx, id, candles)
	}}
}

func ticksUpdated(id model.StreamID, ticks []model.Tick) Event {
	return Event{Name: EventTicks, Payload: ticks, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnTicksUpdated(ctx, id, ticks)
	}}
}

func booksUpdated(id model.StreamID, books []model.Book) Event {
	return Event{Name: EventBooks, Payload: books, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnBooksUpdated(ctx, id, books)
	}}
}

func brokerConnection(id model.StreamID, ok bool) Event {
	return Event{Name: EventBrokerConnection, Payload: ok, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnBrokerConnectionStatusChanged(ctx, id, ok)
	}}
}

func healthStatus(id model.StreamID, s model.HealthStatus) Event {
	return Event{Name: EventHealthStatus, Payload: s, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnHealthStatus(ctx, id, s)
	}}
}

func subscriptionDowngraded(id model.StreamID, d Downgrade) Event {
	return Event{Name: EventSubscriptionDowngraded, Payload: d, call: func(ctx context.Context, l model.SynchronizationListener) error {
		return l.OnSubscriptionDowngraded(ctx, id, d.Symbol, d.Updated, d.Removed)
	}}
}
