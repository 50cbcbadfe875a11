package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/termsync/internal/model"
)

// Inbound frame types.
const (
	PacketResponse                     = "response"
	PacketProcessingError              = "processingError"
	PacketAuthenticated                = "authenticated"
	PacketDisconnected                 = "disconnected"
	PacketStatus                       = "status"
	PacketSynchronizationStarted       = "synchronizationStarted"
	PacketAccountInformation           = "accountInformation"
	PacketPositions                    = "positions"
	PacketOrders                       = "orders"
	PacketHistoryOrders                = "historyOrders"
	PacketDeals                        = "deals"
	PacketUpdate                       = "update"
	PacketOrderSynchronizationFinished = "orderSynchronizationFinished"
	PacketDealSynchronizationFinished  = "dealSynchronizationFinished"
	PacketSpecifications               = "specifications"
	PacketPrices                       = "prices"
	PacketDowngradeSubscription        = "downgradeSubscription"
)

// ErrMalformedFrame is returned for frames without a type.
var ErrMalformedFrame = errors.New("malformed frame")

// Packet is the envelope of every inbound frame. The full frame is kept in
// Raw so payloads decode lazily.
type Packet struct {
	Type              string            `json:"type"`
	AccountID         string            `json:"accountId"`
	InstanceIndex     int               `json:"instanceIndex"`
	Host              string            `json:"host"`
	RequestID         string            `json:"requestId,omitempty"`
	SequenceNumber    *int64            `json:"sequenceNumber,omitempty"`
	SequenceTimestamp *int64            `json:"sequenceTimestamp,omitempty"`
	SynchronizationID string            `json:"synchronizationId,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
	Timestamps        *model.Timestamps `json:"timestamps,omitempty"`

	Transport  int       `json:"-"` // pool index of the transport that received it
	ReceivedAt time.Time `json:"-"`
	Raw        []byte    `json:"-"`
}

// DecodePacket parses the envelope of a frame.
func DecodePacket(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if p.Type == "" {
		return nil, ErrMalformedFrame
	}
	p.Raw = data
	return &p, nil
}

// Decode unmarshals the full frame into v.
func (p *Packet) Decode(v any) error {
	if err := json.Unmarshal(p.Raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", p.Type, err)
	}
	return nil
}

// Stream returns the stream the packet belongs to.
func (p *Packet) Stream() model.StreamID {
	return model.StreamID{AccountID: p.AccountID, InstanceIndex: p.InstanceIndex, Host: p.Host}
}

// Sequenced reports whether the packet carries a sequence number.
func (p *Packet) Sequenced() bool {
	return p.SequenceNumber != nil
}

// ProcessingError decodes a processingError frame into an *Error.
func (p *Packet) ProcessingError() *Error {
	var wire struct {
		Error       string         `json:"error"`
		Message     string         `json:"message"`
		Details     any            `json:"details,omitempty"`
		NumericCode int            `json:"numericCode,omitempty"`
		StringCode  string         `json:"stringCode,omitempty"`
		Metadata    *LimitMetadata `json:"metadata,omitempty"`
	}
	if err := json.Unmarshal(p.Raw, &wire); err != nil {
		return &Error{Kind: KindInternal, Message: err.Error()}
	}
	kind := Kind(wire.Error)
	if kind == "" {
		kind = KindInternal
	}
	return &Error{
		Kind:        kind,
		Message:     wire.Message,
		Details:     wire.Details,
		NumericCode: wire.NumericCode,
		StringCode:  wire.StringCode,
		Metadata:    wire.Metadata,
	}
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// AuthenticatedPayload is the body of an authenticated packet.
type AuthenticatedPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Replicas  int    `json:"replicas,omitempty"`
}

// StatusPayload is the body of a status packet.
type StatusPayload struct {
	Connected    bool                `json:"connected"`
	HealthStatus *model.HealthStatus `json:"healthStatus,omitempty"`
}

// SyncStartedPayload is the body of a synchronizationStarted packet.
// Missing flags mean the data changed.
type SyncStartedPayload struct {
	SpecificationsUpdated *bool `json:"specificationsUpdated,omitempty"`
	PositionsUpdated      *bool `json:"positionsUpdated,omitempty"`
	OrdersUpdated         *bool `json:"ordersUpdated,omitempty"`
}

// AccountInformationPayload is the body of an accountInformation packet.
type AccountInformationPayload struct {
	AccountInformation *model.AccountInformation `json:"accountInformation,omitempty"`
}

// PositionsPayload is the body of a positions packet.
type PositionsPayload struct {
	Positions []model.Position `json:"positions"`
}

// OrdersPayload is the body of an orders packet.
type OrdersPayload struct {
	Orders []model.Order `json:"orders"`
}

// HistoryOrdersPayload is the body of a historyOrders packet.
type HistoryOrdersPayload struct {
	HistoryOrders []model.Order `json:"historyOrders"`
}

// DealsPayload is the body of a deals packet.
type DealsPayload struct {
	Deals []model.Deal `json:"deals"`
}

// UpdatePayload is the body of an incremental update packet.
type UpdatePayload struct {
	AccountInformation *model.AccountInformation `json:"accountInformation,omitempty"`
	UpdatedPositions   []model.Position          `json:"updatedPositions,omitempty"`
	RemovedPositionIDs []string                  `json:"removedPositionIds,omitempty"`
	UpdatedOrders      []model.Order             `json:"updatedOrders,omitempty"`
	CompletedOrderIDs  []string                  `json:"completedOrderIds,omitempty"`
	HistoryOrders      []model.Order             `json:"historyOrders,omitempty"`
	Deals              []model.Deal              `json:"deals,omitempty"`
}

// SpecificationsPayload is the body of a specifications packet.
type SpecificationsPayload struct {
	Specifications []model.SymbolSpecification `json:"specifications"`
	RemovedSymbols []string                    `json:"removedSymbols,omitempty"`
}

// PricesPayload is the body of a prices packet.
type PricesPayload struct {
	Prices                      []model.SymbolPrice `json:"prices,omitempty"`
	Candles                     []model.Candle      `json:"candles,omitempty"`
	Ticks                       []model.Tick        `json:"ticks,omitempty"`
	Books                       []model.Book        `json:"books,omitempty"`
	Equity                      *float64            `json:"equity,omitempty"`
	Margin                      *float64            `json:"margin,omitempty"`
	FreeMargin                  *float64            `json:"freeMargin,omitempty"`
	MarginLevel                 *float64            `json:"marginLevel,omitempty"`
	AccountCurrencyExchangeRate *float64            `json:"accountCurrencyExchangeRate,omitempty"`
}

// DowngradeSubscriptionPayload is the body of a downgradeSubscription packet.
type DowngradeSubscriptionPayload struct {
	Symbol               string                           `json:"symbol"`
	UpdatedSubscriptions []model.MarketDataSubscription   `json:"updates,omitempty"`
	Unsubscriptions      []model.MarketDataUnsubscription `json:"unsubscriptions,omitempty"`
}
