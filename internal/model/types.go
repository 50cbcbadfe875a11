package model

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Stream Identity
// -----------------------------------------------------------------------------

// StreamID identifies one replica stream of one terminal instance.
type StreamID struct {
	AccountID     string
	InstanceIndex int
	Host          string
}

// InstanceKey identifies a terminal instance of an account.
type InstanceKey struct {
	AccountID     string
	InstanceIndex int
}

// Instance returns the instance key the stream belongs to.
func (s StreamID) Instance() InstanceKey {
	return InstanceKey{AccountID: s.AccountID, InstanceIndex: s.InstanceIndex}
}

func (s StreamID) String() string {
	return fmt.Sprintf("%s:%d:%s", s.AccountID, s.InstanceIndex, s.Host)
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s:%d", k.AccountID, k.InstanceIndex)
}

// -----------------------------------------------------------------------------
// Account State
// -----------------------------------------------------------------------------

// AccountInformation is the trading account snapshot.
type AccountInformation struct {
	Platform                    string   `json:"platform"`
	Broker                      string   `json:"broker"`
	Currency                    string   `json:"currency"`
	Server                      string   `json:"server"`
	Balance                     float64  `json:"balance"`
	Equity                      float64  `json:"equity"`
	Margin                      float64  `json:"margin"`
	FreeMargin                  float64  `json:"freeMargin"`
	Leverage                    float64  `json:"leverage"`
	MarginLevel                 *float64 `json:"marginLevel,omitempty"`
	TradeAllowed                bool     `json:"tradeAllowed"`
	Name                        string   `json:"name,omitempty"`
	Login                       int64    `json:"login,omitempty"`
	Credit                      float64  `json:"credit,omitempty"`
	AccountCurrencyExchangeRate *float64 `json:"accountCurrencyExchangeRate,omitempty"`
}

// Position is an open position.
type Position struct {
	ID                          string    `json:"id"`
	Type                        string    `json:"type"`
	Symbol                      string    `json:"symbol"`
	Magic                       int64     `json:"magic"`
	Time                        time.Time `json:"time"`
	UpdateTime                  time.Time `json:"updateTime"`
	OpenPrice                   float64   `json:"openPrice"`
	CurrentPrice                float64   `json:"currentPrice"`
	CurrentTickValue            float64   `json:"currentTickValue"`
	StopLoss                    *float64  `json:"stopLoss,omitempty"`
	TakeProfit                  *float64  `json:"takeProfit,omitempty"`
	Volume                      float64   `json:"volume"`
	Swap                        float64   `json:"swap"`
	Profit                      float64   `json:"profit"`
	Comment                     string    `json:"comment,omitempty"`
	ClientID                    string    `json:"clientId,omitempty"`
	UnrealizedProfit            float64   `json:"unrealizedProfit"`
	RealizedProfit              float64   `json:"realizedProfit"`
	Commission                  float64   `json:"commission,omitempty"`
	AccountCurrencyExchangeRate *float64  `json:"accountCurrencyExchangeRate,omitempty"`
}

// Order is a pending or historical order.
type Order struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	State          string     `json:"state"`
	Magic          int64      `json:"magic"`
	Time           time.Time  `json:"time"`
	DoneTime       *time.Time `json:"doneTime,omitempty"`
	Symbol         string     `json:"symbol"`
	OpenPrice      *float64   `json:"openPrice,omitempty"`
	CurrentPrice   *float64   `json:"currentPrice,omitempty"`
	StopLoss       *float64   `json:"stopLoss,omitempty"`
	TakeProfit     *float64   `json:"takeProfit,omitempty"`
	Volume         float64    `json:"volume"`
	CurrentVolume  float64    `json:"currentVolume"`
	PositionID     string     `json:"positionId,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	ClientID       string     `json:"clientId,omitempty"`
	Platform       string     `json:"platform,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	FillingMode    string     `json:"fillingMode,omitempty"`
	ExpirationType string     `json:"expirationType,omitempty"`
}

// Deal is an executed deal.
type Deal struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	EntryType   string    `json:"entryType,omitempty"`
	Symbol      string    `json:"symbol,omitempty"`
	Magic       int64     `json:"magic,omitempty"`
	Time        time.Time `json:"time"`
	Volume      float64   `json:"volume,omitempty"`
	Price       float64   `json:"price,omitempty"`
	Commission  float64   `json:"commission"`
	Swap        float64   `json:"swap"`
	Profit      float64   `json:"profit"`
	PositionID  string    `json:"positionId,omitempty"`
	OrderID     string    `json:"orderId,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	StopLoss    *float64  `json:"stopLoss,omitempty"`
	TakeProfit  *float64  `json:"takeProfit,omitempty"`
	BrokerTime  string    `json:"brokerTime,omitempty"`
}

// -----------------------------------------------------------------------------
// Market Data
// -----------------------------------------------------------------------------

// SymbolSpecification describes a tradable symbol.
type SymbolSpecification struct {
	Symbol         string   `json:"symbol"`
	TickSize       float64  `json:"tickSize"`
	MinVolume      float64  `json:"minVolume"`
	MaxVolume      float64  `json:"maxVolume"`
	VolumeStep     float64  `json:"volumeStep"`
	ContractSize   float64  `json:"contractSize,omitempty"`
	Digits         int      `json:"digits"`
	Point          float64  `json:"point"`
	BaseCurrency   string   `json:"baseCurrency,omitempty"`
	ProfitCurrency string   `json:"profitCurrency,omitempty"`
	MarginCurrency string   `json:"marginCurrency,omitempty"`
	Description    string   `json:"description,omitempty"`
	TradeMode      string   `json:"tradeMode,omitempty"`
	FillingModes   []string `json:"fillingModes,omitempty"`
	ExecutionMode  string   `json:"executionMode,omitempty"`
}

// SymbolPrice is a bid/ask quote.
type SymbolPrice struct {
	Symbol              string      `json:"symbol"`
	Bid                 float64     `json:"bid"`
	Ask                 float64     `json:"ask"`
	ProfitTickValue     float64     `json:"profitTickValue"`
	LossTickValue       float64     `json:"lossTickValue"`
	AccountCurrencyRate *float64    `json:"accountCurrencyExchangeRate,omitempty"`
	Time                time.Time   `json:"time"`
	BrokerTime          string      `json:"brokerTime,omitempty"`
	Timestamps          *Timestamps `json:"timestamps,omitempty"`
}

// Candle is an OHLC bar.
type Candle struct {
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	Time       time.Time `json:"time"`
	BrokerTime string    `json:"brokerTime,omitempty"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	TickVolume float64   `json:"tickVolume"`
	Spread     float64   `json:"spread"`
	Volume     float64   `json:"volume"`
}

// Tick is a single trade or quote tick.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Time       time.Time `json:"time"`
	BrokerTime string    `json:"brokerTime,omitempty"`
	Bid        *float64  `json:"bid,omitempty"`
	Ask        *float64  `json:"ask,omitempty"`
	Last       *float64  `json:"last,omitempty"`
	Volume     *float64  `json:"volume,omitempty"`
	Side       string    `json:"side,omitempty"`
}

// BookEntry is one level of an order book.
type BookEntry struct {
	Type   string  `json:"type"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// Book is an order book snapshot.
type Book struct {
	Symbol     string      `json:"symbol"`
	Time       time.Time   `json:"time"`
	BrokerTime string      `json:"brokerTime,omitempty"`
	Book       []BookEntry `json:"book"`
}

// MarketDataSubscription is a symbol subscription that the server downgraded.
type MarketDataSubscription struct {
	Type                   string `json:"type"`
	Timeframe              string `json:"timeframe,omitempty"`
	IntervalInMilliseconds int    `json:"intervalInMilliseconds,omitempty"`
}

// MarketDataUnsubscription is a symbol subscription that the server removed.
type MarketDataUnsubscription struct {
	Type string `json:"type"`
}

// -----------------------------------------------------------------------------
// Health and Latency
// -----------------------------------------------------------------------------

// HealthStatus is the terminal's self-reported health.
type HealthStatus struct {
	RestAPIHealthy               bool `json:"restApiHealthy"`
	CopyFactorySubscriberHealthy bool `json:"copyFactorySubscriberHealthy"`
	CopyFactoryProviderHealthy   bool `json:"copyFactoryProviderHealthy"`
}

// Timestamps carries the processing times a request or packet went through.
// Client-side fields are filled locally; server-side fields come from the wire.
type Timestamps struct {
	ClientProcessingStarted  *time.Time `json:"clientProcessingStarted,omitempty"`
	ClientProcessingFinished *time.Time `json:"clientProcessingFinished,omitempty"`
	ServerProcessingStarted  *time.Time `json:"serverProcessingStarted,omitempty"`
	ServerProcessingFinished *time.Time `json:"serverProcessingFinished,omitempty"`
	EventGenerated           *time.Time `json:"eventGenerated,omitempty"`
	BrokerExecutionStarted   *time.Time `json:"tradeStarted,omitempty"`
	BrokerExecutionFinished  *time.Time `json:"tradeExecuted,omitempty"`
}

// Latency is a completed latency observation.
type Latency struct {
	AccountID  string
	Kind       string // request type, "prices" or "update"
	Symbol     string
	Client     time.Duration
	Server     time.Duration
	Broker     time.Duration
	ObservedAt time.Time
}

// NewLatency derives durations from the timestamps a request or packet collected.
// Durations whose endpoints are missing stay zero.
func NewLatency(accountID, kind, symbol string, ts *Timestamps) Latency {
	l := Latency{AccountID: accountID, Kind: kind, Symbol: symbol, ObservedAt: time.Now()}
	if ts == nil {
		return l
	}
	l.Client = between(ts.ClientProcessingStarted, ts.ClientProcessingFinished)
	if l.Client == 0 {
		l.Client = between(ts.EventGenerated, ts.ClientProcessingFinished)
	}
	l.Server = between(ts.ServerProcessingStarted, ts.ServerProcessingFinished)
	l.Broker = between(ts.BrokerExecutionStarted, ts.BrokerExecutionFinished)
	return l
}

func between(from, to *time.Time) time.Duration {
	if from == nil || to == nil || to.Before(*from) {
		return 0
	}
	return to.Sub(*from)
}
