package model

import "context"

// SyncStarted describes a server-driven resynchronization.
type SyncStarted struct {
	SynchronizationID     string
	SpecificationsUpdated bool
	PositionsUpdated      bool
	OrdersUpdated         bool
}

// PriceUpdate is an incremental market-data packet.
type PriceUpdate struct {
	Prices                      []SymbolPrice
	Equity                      *float64
	Margin                      *float64
	FreeMargin                  *float64
	MarginLevel                 *float64
	AccountCurrencyExchangeRate *float64
}

// SynchronizationListener receives the domain events of one account.
//
// Handlers for one account are never invoked concurrently when the terminal
// sends sequence numbers. A returned error is logged and counted; it does not
// stop delivery to other listeners.
type SynchronizationListener interface {
	OnConnected(ctx context.Context, id StreamID, replicas int) error
	OnDisconnected(ctx context.Context, id StreamID) error
	OnStreamClosed(ctx context.Context, id StreamID) error

	OnSynchronizationStarted(ctx context.Context, id StreamID, sync SyncStarted) error
	OnAccountInformationUpdated(ctx context.Context, id StreamID, info AccountInformation) error

	OnPositionsReplaced(ctx context.Context, id StreamID, positions []Position) error
	OnPositionsSynchronized(ctx context.Context, id StreamID, synchronizationID string) error
	OnPositionUpdated(ctx context.Context, id StreamID, position Position) error
	OnPositionRemoved(ctx context.Context, id StreamID, positionID string) error

	OnPendingOrdersReplaced(ctx context.Context, id StreamID, orders []Order) error
	OnPendingOrdersSynchronized(ctx context.Context, id StreamID, synchronizationID string) error
	OnPendingOrderUpdated(ctx context.Context, id StreamID, order Order) error
	OnPendingOrderCompleted(ctx context.Context, id StreamID, orderID string) error

	OnHistoryOrderAdded(ctx context.Context, id StreamID, order Order) error
	OnHistoryOrdersSynchronized(ctx context.Context, id StreamID, synchronizationID string) error
	OnDealAdded(ctx context.Context, id StreamID, deal Deal) error
	OnDealsSynchronized(ctx context.Context, id StreamID, synchronizationID string) error

	OnSymbolSpecificationsUpdated(ctx context.Context, id StreamID, specs []SymbolSpecification, removed []string) error
	OnSymbolPricesUpdated(ctx context.Context, id StreamID, update PriceUpdate) error
	OnCandlesUpdated(ctx context.Context, id StreamID, candles []Candle) error
	OnTicksUpdated(ctx context.Context, id StreamID, ticks []Tick) error
	OnBooksUpdated(ctx context.Context, id StreamID, books []Book) error

	OnBrokerConnectionStatusChanged(ctx context.Context, id StreamID, connected bool) error
	OnHealthStatus(ctx context.Context, id StreamID, status HealthStatus) error
	OnSubscriptionDowngraded(ctx context.Context, id StreamID, symbol string, updated []MarketDataSubscription, removed []MarketDataUnsubscription) error
}

// ReconnectListener is notified for every account served by a transport
// that reconnected.
type ReconnectListener interface {
	OnReconnected(ctx context.Context, accountID string) error
}

// LatencyListener observes round-trip timings.
type LatencyListener interface {
	OnResponse(ctx context.Context, accountID, requestType string, ts Timestamps)
	OnSymbolPrice(ctx context.Context, accountID, symbol string, ts Timestamps)
	OnUpdate(ctx context.Context, accountID string, ts Timestamps)
	OnTrade(ctx context.Context, accountID string, ts Timestamps)
}

// NopSynchronizationListener implements every SynchronizationListener method
// as a no-op. Embed it and override what you need.
type NopSynchronizationListener struct{}

var _ SynchronizationListener = NopSynchronizationListener{}

func (NopSynchronizationListener) OnConnected(context.Context, StreamID, int) error { return nil }
func (NopSynchronizationListener) OnDisconnected(context.Context, StreamID) error  { return nil }
func (NopSynchronizationListener) OnStreamClosed(context.Context, StreamID) error  { return nil }
func (NopSynchronizationListener) OnSynchronizationStarted(context.Context, StreamID, SyncStarted) error {
	return nil
}
func (NopSynchronizationListener) OnAccountInformationUpdated(context.Context, StreamID, AccountInformation) error {
	return nil
}
func (NopSynchronizationListener) OnPositionsReplaced(context.Context, StreamID, []Position) error {
	return nil
}
func (NopSynchronizationListener) OnPositionsSynchronized(context.Context, StreamID, string) error {
	return nil
}
func (NopSynchronizationListener) OnPositionUpdated(context.Context, StreamID, Position) error {
	return nil
}
func (NopSynchronizationListener) OnPositionRemoved(context.Context, StreamID, string) error {
	return nil
}
func (NopSynchronizationListener) OnPendingOrdersReplaced(context.Context, StreamID, []Order) error {
	return nil
}
func (NopSynchronizationListener) OnPendingOrdersSynchronized(context.Context, StreamID, string) error {
	return nil
}
func (NopSynchronizationListener) OnPendingOrderUpdated(context.Context, StreamID, Order) error {
	return nil
}
func (NopSynchronizationListener) OnPendingOrderCompleted(context.Context, StreamID, string) error {
	return nil
}
func (NopSynchronizationListener) OnHistoryOrderAdded(context.Context, StreamID, Order) error {
	return nil
}
func (NopSynchronizationListener) OnHistoryOrdersSynchronized(context.Context, StreamID, string) error {
	return nil
}
func (NopSynchronizationListener) OnDealAdded(context.Context, StreamID, Deal) error { return nil }
func (NopSynchronizationListener) OnDealsSynchronized(context.Context, StreamID, string) error {
	return nil
}
func (NopSynchronizationListener) OnSymbolSpecificationsUpdated(context.Context, StreamID, []SymbolSpecification, []string) error {
	return nil
}
func (NopSynchronizationListener) OnSymbolPricesUpdated(context.Context, StreamID, PriceUpdate) error {
	return nil
}
func (NopSynchronizationListener) OnCandlesUpdated(context.Context, StreamID, []Candle) error {
	return nil
}
func (NopSynchronizationListener) OnTicksUpdated(context.Context, StreamID, []Tick) error { return nil }
func (NopSynchronizationListener) OnBooksUpdated(context.Context, StreamID, []Book) error { return nil }
func (NopSynchronizationListener) OnBrokerConnectionStatusChanged(context.Context, StreamID, bool) error {
	return nil
}
func (NopSynchronizationListener) OnHealthStatus(context.Context, StreamID, HealthStatus) error {
	return nil
}
func (NopSynchronizationListener) OnSubscriptionDowngraded(context.Context, StreamID, string, []MarketDataSubscription, []MarketDataUnsubscription) error {
	return nil
}
