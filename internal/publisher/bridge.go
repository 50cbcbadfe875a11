package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/stream"
)

// Connect opens a NATS connection that keeps reconnecting in the background.
func Connect(cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("nats connected", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix)
	return nc, nil
}

// NATSBridge publishes every synchronization event it receives.
type NATSBridge struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time

	published atomic.Int64
	failed    atomic.Int64
}

var _ model.SynchronizationListener = (*NATSBridge)(nil)

// NewNATSBridge creates a bridge publishing under prefix.
func NewNATSBridge(pub Publisher, prefix string, logger *slog.Logger) *NATSBridge {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}
	return &NATSBridge{pub: pub, prefix: prefix, logger: logger, now: time.Now}
}

// Subject returns the subject an event of an account is published on.
func (b *NATSBridge) Subject(accountID, event string) string {
	return b.prefix + "." + accountID + "." + event
}

// Stats returns publish counters.
func (b *NATSBridge) Stats() Stats {
	return Stats{Published: b.published.Load(), Failed: b.failed.Load()}
}

func (b *NATSBridge) publish(id model.StreamID, event string, data any) error {
	if b.pub == nil {
		return ErrNoConnection
	}
	body, err := api.Marshal(Envelope{
		AccountID:     id.AccountID,
		InstanceIndex: id.InstanceIndex,
		Host:          id.Host,
		Event:         event,
		Data:          data,
		PublishedAt:   b.now().UTC(),
	})
	if err != nil {
		b.failed.Add(1)
		return fmt.Errorf("encode %s: %w", event, err)
	}
	subject := b.Subject(id.AccountID, event)
	if err := b.pub.Publish(subject, body); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.published.Add(1)
	return nil
}

type syncRef struct {
	SynchronizationID string `json:"synchronizationId"`
}

func (b *NATSBridge) OnConnected(_ context.Context, id model.StreamID, replicas int) error {
	return b.publish(id, stream.EventConnected, map[string]int{"replicas": replicas})
}

func (b *NATSBridge) OnDisconnected(_ context.Context, id model.StreamID) error {
	return b.publish(id, stream.EventDisconnected, nil)
}

func (b *NATSBridge) OnStreamClosed(_ context.Context, id model.StreamID) error {
	return b.publish(id, stream.EventStreamClosed, nil)
}

func (b *NATSBridge) OnSynchronizationStarted(_ context.Context, id model.StreamID, s model.SyncStarted) error {
	return b.publish(id, stream.EventSynchronizationStarted, s)
}

func (b *NATSBridge) OnAccountInformationUpdated(_ context.Context, id model.StreamID, info model.AccountInformation) error {
	return b.publish(id, stream.EventAccountInformationUpdated, info)
}

func (b *NATSBridge) OnPositionsReplaced(_ context.Context, id model.StreamID, positions []model.Position) error {
	return b.publish(id, stream.EventPositionsReplaced, positions)
}

func (b *NATSBridge) OnPositionsSynchronized(_ context.Context, id model.StreamID, syncID string) error {
	return b.publish(id, stream.EventPositionsSynchronized, syncRef{syncID})
}

func (b *NATSBridge) OnPositionUpdated(_ context.Context, id model.StreamID, p model.Position) error {
	return b.publish(id, stream.EventPositionUpdated, p)
}

func (b *NATSBridge) OnPositionRemoved(_ context.Context, id model.StreamID, positionID string) error {
	return b.publish(id, stream.EventPositionRemoved, map[string]string{"positionId": positionID})
}

func (b *NATSBridge) OnPendingOrdersReplaced(_ context.Context, id model.StreamID, orders []model.Order) error {
	return b.publish(id, stream.EventPendingOrdersReplaced, orders)
}

func (b *NATSBridge) OnPendingOrdersSynchronized(_ context.Context, id model.StreamID, syncID string) error {
	return b.publish(id, stream.EventPendingOrdersSynchronized, syncRef{syncID})
}

func (b *NATSBridge) OnPendingOrderUpdated(_ context.Context, id model.StreamID, o model.Order) error {
	return b.publish(id, stream.EventPendingOrderUpdated, o)
}

func (b *NATSBridge) OnPendingOrderCompleted(_ context.Context, id model.StreamID, orderID string) error {
	return b.publish(id, stream.EventPendingOrderCompleted, map[string]string{"orderId": orderID})
}

func (b *NATSBridge) OnHistoryOrderAdded(_ context.Context, id model.StreamID, o model.Order) error {
	return b.publish(id, stream.EventHistoryOrderAdded, o)
}

func (b *NATSBridge) OnHistoryOrdersSynchronized(_ context.Context, id model.StreamID, syncID string) error {
	return b.publish(id, stream.EventHistoryOrdersSynchronized, syncRef{syncID})
}

func (b *NATSBridge) OnDealAdded(_ context.Context, id model.StreamID, d model.Deal) error {
	return b.publish(id, stream.EventDealAdded, d)
}

func (b *NATSBridge) OnDealsSynchronized(_ context.Context, id model.StreamID, syncID string) error {
	return b.publish(id, stream.EventDealsSynchronized, syncRef{syncID})
}

func (b *NATSBridge) OnSymbolSpecificationsUpdated(_ context.Context, id model.StreamID, specs []model.SymbolSpecification, removed []string) error {
	return b.publish(id, stream.EventSymbolSpecifications, api.SpecificationsPayload{Specifications: specs, RemovedSymbols: removed})
}

func (b *NATSBridge) OnSymbolPricesUpdated(_ context.Context, id model.StreamID, u model.PriceUpdate) error {
	return b.publish(id, stream.EventSymbolPrices, api.PricesPayload{
		Prices:                      u.Prices,
		Equity:                      u.Equity,
		Margin:                      u.Margin,
		FreeMargin:                  u.FreeMargin,
		MarginLevel:                 u.MarginLevel,
		AccountCurrencyExchangeRate: u.AccountCurrencyExchangeRate,
	})
}

func (b *NATSBridge) OnCandlesUpdated(_ context.Context, id model.StreamID, candles []model.Candle) error {
	return b.publish(id, stream.EventCandles, candles)
}

func (b *NATSBridge) OnTicksUpdated(_ context.Context, id model.StreamID, ticks []model.Tick) error {
	return b.publish(id, stream.EventTicks, ticks)
}

func (b *NATSBridge) OnBooksUpdated(_ context.Context, id model.StreamID, books []model.Book) error {
	return b.publish(id, stream.EventBooks, books)
}

func (b *NATSBridge) OnBrokerConnectionStatusChanged(_ context.Context, id model.StreamID, connected bool) error {
	return b.publish(id, stream.EventBrokerConnection, map[string]bool{"connected": connected})
}

func (b *NATSBridge) OnHealthStatus(_ context.Context, id model.StreamID, s model.HealthStatus) error {
	return b.publish(id, stream.EventHealthStatus, s)
}

func (b *NATSBridge) OnSubscriptionDowngraded(_ context.Context, id model.StreamID, symbol string, updated []model.MarketDataSubscription, removed []model.MarketDataUnsubscription) error {
	return b.publish(id, stream.EventSubscriptionDowngraded, api.DowngradeSubscriptionPayload{
		Symbol:               symbol,
		UpdatedSubscriptions: updated,
		Unsubscriptions:      removed,
	})
}
