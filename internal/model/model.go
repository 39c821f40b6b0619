// Package model defines the canonical market data records shared by the
// ingestion pipeline and the storage consumer. Records are immutable value
// objects; once emitted by a normalizer they are never mutated.
package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ExchangeID identifies a source venue together with its market segment.
type ExchangeID string

const (
	BinanceSpot        ExchangeID = "binance_spot"
	BinanceDerivatives ExchangeID = "binance_derivatives"
	OKXSpot            ExchangeID = "okx_spot"
	OKXDerivatives     ExchangeID = "okx_derivatives"
	DeribitDerivatives ExchangeID = "deribit_derivatives"
)

// AllExchangeIDs lists every supported venue.
var AllExchangeIDs = []ExchangeID{
	BinanceSpot,
	BinanceDerivatives,
	OKXSpot,
	OKXDerivatives,
	DeribitDerivatives,
}

// Valid reports whether the exchange ID is a known venue.
func (e ExchangeID) Valid() bool {
	switch e {
	case BinanceSpot, BinanceDerivatives, OKXSpot, OKXDerivatives, DeribitDerivatives:
		return true
	}
	return false
}

// MarketType identifies the market segment of an instrument.
type MarketType string

const (
	Spot      MarketType = "spot"
	Perpetual MarketType = "perpetual"
	Options   MarketType = "options"
)

// Valid reports whether the market type is known.
func (m MarketType) Valid() bool {
	switch m {
	case Spot, Perpetual, Options:
		return true
	}
	return false
}

// DataType enumerates record kinds. The string value is used verbatim as
// the leading token of bus subjects, so underscores are mandatory and
// legacy hyphenated forms are never produced.
type DataType string

const (
	DataTypeTrade           DataType = "trade"
	DataTypeOrderBook       DataType = "orderbook"
	DataTypeFundingRate     DataType = "funding_rate"
	DataTypeOpenInterest    DataType = "open_interest"
	DataTypeLiquidation     DataType = "liquidation"
	DataTypeLSRTopPosition  DataType = "lsr_top_position"
	DataTypeLSRAllAccount   DataType = "lsr_all_account"
	DataTypeVolatilityIndex DataType = "volatility_index"
)

// AllDataTypes lists every record kind in subject order.
var AllDataTypes = []DataType{
	DataTypeTrade,
	DataTypeOrderBook,
	DataTypeFundingRate,
	DataTypeOpenInterest,
	DataTypeLiquidation,
	DataTypeLSRTopPosition,
	DataTypeLSRAllAccount,
	DataTypeVolatilityIndex,
}

// Side is the taker side of a trade or liquidation.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// UpdateType distinguishes full snapshots from incremental deltas.
type UpdateType string

const (
	UpdateTypeSnapshot UpdateType = "snapshot"
	UpdateTypeDelta    UpdateType = "delta"
)

// Record is the tagged union over all canonical record variants. Key
// returns a stable identity used as the bus message ID for server-side
// deduplication, and as the dedup key at the storage boundary.
type Record interface {
	Type() DataType
	Exchange() ExchangeID
	Market() MarketType
	CanonicalSymbol() string
	Key() string
}

// Meta carries the fields common to every canonical record. EventTS and
// CollectedAt are UTC milliseconds; CollectedAt is stamped by the
// normalizer at ingestion time.
type Meta struct {
	ExchangeID  ExchangeID `json:"exchange_id"`
	MarketType  MarketType `json:"market_type"`
	Symbol      string     `json:"symbol"`
	EventTS     int64      `json:"event_ts"`
	CollectedAt int64      `json:"collected_at"`
}

// Exchange returns the source venue.
func (m Meta) Exchange() ExchangeID { return m.ExchangeID }

// Market returns the market segment.
func (m Meta) Market() MarketType { return m.MarketType }

// CanonicalSymbol returns the canonical BASE-QUOTE symbol.
func (m Meta) CanonicalSymbol() string { return m.Symbol }

// Trade is a single executed trade.
type Trade struct {
	Meta
	TradeID       string          `json:"trade_id"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteQuantity decimal.Decimal `json:"quote_quantity"`
	Side          Side            `json:"side"`
	IsBuyerMaker  bool            `json:"is_buyer_maker"`
}

func (t *Trade) Type() DataType { return DataTypeTrade }

// Key identifies a trade uniquely within the bus retention window.
func (t *Trade) Key() string {
	return fmt.Sprintf("%s.%s.%s.%s", t.ExchangeID, t.MarketType, t.Symbol, t.TradeID)
}

// Level is a single price level. Quantity zero means the level is removed.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookSnapshot is a full top-N picture of a book. Bids are sorted
// descending by price, asks ascending.
type OrderBookSnapshot struct {
	Meta
	Bids         []Level    `json:"bids"`
	Asks         []Level    `json:"asks"`
	LastUpdateID int64      `json:"last_update_id"`
	DepthLevels  int        `json:"depth_levels"`
	UpdateType   UpdateType `json:"update_type"`
}

func (s *OrderBookSnapshot) Type() DataType { return DataTypeOrderBook }

// Key rounds the event time to the snapshot cadence upstream; here the
// raw event_ts is included so that redeliveries of the same snapshot
// collapse while distinct polls do not.
func (s *OrderBookSnapshot) Key() string {
	return fmt.Sprintf("%s.%s.%s.snap.%d", s.ExchangeID, s.MarketType, s.Symbol, s.EventTS)
}

// OrderBookUpdate is a validated incremental book change.
type OrderBookUpdate struct {
	Meta
	BidChanges       []Level    `json:"bid_changes"`
	AskChanges       []Level    `json:"ask_changes"`
	FirstUpdateID    int64      `json:"first_update_id"`
	LastUpdateID     int64      `json:"last_update_id"`
	PrevLastUpdateID int64      `json:"prev_last_update_id"`
	UpdateType       UpdateType `json:"update_type"`
}

func (u *OrderBookUpdate) Type() DataType { return DataTypeOrderBook }

func (u *OrderBookUpdate) Key() string {
	return fmt.Sprintf("%s.%s.%s.%d", u.ExchangeID, u.MarketType, u.Symbol, u.LastUpdateID)
}

// FundingRate is a perpetual funding rate observation.
type FundingRate struct {
	Meta
	FundingRate     decimal.Decimal `json:"funding_rate"`
	NextFundingTime int64           `json:"next_funding_time"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	FundingInterval string          `json:"funding_interval"`
}

func (f *FundingRate) Type() DataType { return DataTypeFundingRate }

func (f *FundingRate) Key() string {
	return fmt.Sprintf("%s.%s.%s.%d", f.ExchangeID, f.MarketType, f.Symbol, f.EventTS)
}

// OpenInterest is an open interest observation.
type OpenInterest struct {
	Meta
	OpenInterest      decimal.Decimal `json:"open_interest"`
	OpenInterestValue decimal.Decimal `json:"open_interest_value"`
}

func (o *OpenInterest) Type() DataType { return DataTypeOpenInterest }

func (o *OpenInterest) Key() string {
	return fmt.Sprintf("%s.%s.%s.%d", o.ExchangeID, o.MarketType, o.Symbol, o.EventTS)
}

// Liquidation is a forced position close.
type Liquidation struct {
	Meta
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Value    decimal.Decimal `json:"value"`
}

func (l *Liquidation) Type() DataType { return DataTypeLiquidation }

func (l *Liquidation) Key() string {
	return fmt.Sprintf("%s.%s.%s.%d.%s", l.ExchangeID, l.MarketType, l.Symbol, l.EventTS, l.Price)
}

// LSRTopPosition is the long/short ratio of top traders by position.
type LSRTopPosition struct {
	Meta
	LongRatio      decimal.Decimal `json:"long_ratio"`
	ShortRatio     decimal.Decimal `json:"short_ratio"`
	LongShortRatio decimal.Decimal `json:"long_short_ratio"`
}

func (l *LSRTopPosition) Type() DataType { return DataTypeLSRTopPosition }

func (l *LSRTopPosition) Key() string {
	return fmt.Sprintf("%s.%s.%s.%d", l.ExchangeID, l.MarketType, l.Symbol, l.EventTS)
}

// LSRAllAccount is the long/short ratio across all accounts.
type LSRAllAccount struct {
	Meta
	LongRatio      decimal.Decimal `json:"long_ratio"`
	ShortRatio     decimal.Decimal `json:"short_ratio"`
	LongShortRatio decimal.Decimal `json:"long_short_ratio"`
}

func (l *LSRAllAccount) Type() DataType { return DataTypeLSRAllAccount }

func (l *LSRAllAccount) Key() string {
	return fmt.Sprintf("%s.%s.%s.%d", l.ExchangeID, l.MarketType, l.Symbol, l.EventTS)
}

// VolatilityIndex is a venue-computed volatility index observation.
type VolatilityIndex struct {
	Meta
	IndexValue decimal.Decimal `json:"index_value"`
}

func (v *VolatilityIndex) Type() DataType { return DataTypeVolatilityIndex }

func (v *VolatilityIndex) Key() string {
	return fmt.Sprintf("%s.%s.%s.%d", v.ExchangeID, v.MarketType, v.Symbol, v.EventTS)
}
