package storage

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"cryptoflow/internal/model"
)

// snapshotDedupInterval buckets snapshot-polling event times so that
// redeliveries of the same poll collapse onto one ORDER BY key.
const snapshotDedupInterval = time.Second

func ms(v int64) time.Time { return time.UnixMilli(v).UTC() }

// RowFor decodes one canonical record payload into the column values
// for its destination table. Column order matches the table DDL.
func RowFor(table string, payload []byte) ([]any, error) {
	switch table {
	case TableTrades:
		return tradeRow(payload)
	case TableOrderbooks:
		return orderbookRow(payload)
	case TableFundingRates:
		return fundingRow(payload)
	case TableOpenInterest:
		return openInterestRow(payload)
	case TableLiquidations:
		return liquidationRow(payload)
	case TableLSRTop, TableLSRAll:
		return lsrRow(payload)
	case TableVolatility:
		return volatilityRow(payload)
	}
	return nil, fmt.Errorf("unknown table %q", table)
}

func tradeRow(payload []byte) ([]any, error) {
	var t model.Trade
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	maker := uint8(0)
	if t.IsBuyerMaker {
		maker = 1
	}
	return []any{
		string(t.ExchangeID), string(t.MarketType), t.Symbol,
		ms(t.EventTS), ms(t.CollectedAt),
		t.TradeID, t.Price, t.Quantity, t.QuoteQuantity,
		string(t.Side), maker,
	}, nil
}

// orderbookRecord covers both snapshot and delta payloads; the two
// variants share a table and are told apart by update_type.
type orderbookRecord struct {
	model.Meta
	Bids             []model.Level    `json:"bids"`
	Asks             []model.Level    `json:"asks"`
	BidChanges       []model.Level    `json:"bid_changes"`
	AskChanges       []model.Level    `json:"ask_changes"`
	FirstUpdateID    int64            `json:"first_update_id"`
	LastUpdateID     int64            `json:"last_update_id"`
	PrevLastUpdateID int64            `json:"prev_last_update_id"`
	UpdateType       model.UpdateType `json:"update_type"`
	DepthLevels      int              `json:"depth_levels"`
}

func orderbookRow(payload []byte) ([]any, error) {
	var b orderbookRecord
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decode orderbook: %w", err)
	}

	bids, asks := b.BidChanges, b.AskChanges
	updateType := b.UpdateType
	dedupTS := ms(b.EventTS)
	// Full snapshots carry bids/asks; deltas (including in-band venue
	// snapshots) carry bid_changes/ask_changes.
	if len(b.Bids) > 0 || len(b.Asks) > 0 || updateType == "" {
		bids, asks = b.Bids, b.Asks
		updateType = model.UpdateTypeSnapshot
		dedupTS = dedupTS.Truncate(snapshotDedupInterval)
	}

	bidsJSON, err := json.Marshal(bids)
	if err != nil {
		return nil, fmt.Errorf("encode bids: %w", err)
	}
	asksJSON, err := json.Marshal(asks)
	if err != nil {
		return nil, fmt.Errorf("encode asks: %w", err)
	}

	depth := b.DepthLevels
	if depth == 0 {
		depth = max(len(bids), len(asks))
	}

	return []any{
		string(b.ExchangeID), string(b.MarketType), b.Symbol,
		ms(b.EventTS), ms(b.CollectedAt),
		dedupTS, b.FirstUpdateID, b.LastUpdateID, b.PrevLastUpdateID,
		string(updateType), string(bidsJSON), string(asksJSON), uint16(depth),
	}, nil
}

func fundingRow(payload []byte) ([]any, error) {
	var f model.FundingRate
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode funding rate: %w", err)
	}
	return []any{
		string(f.ExchangeID), string(f.MarketType), f.Symbol,
		ms(f.EventTS), ms(f.CollectedAt),
		f.FundingRate, ms(f.NextFundingTime), f.MarkPrice, f.IndexPrice,
		f.FundingInterval,
	}, nil
}

func openInterestRow(payload []byte) ([]any, error) {
	var o model.OpenInterest
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("decode open interest: %w", err)
	}
	return []any{
		string(o.ExchangeID), string(o.MarketType), o.Symbol,
		ms(o.EventTS), ms(o.CollectedAt),
		o.OpenInterest, o.OpenInterestValue,
	}, nil
}

func liquidationRow(payload []byte) ([]any, error) {
	var l model.Liquidation
	if err := json.Unmarshal(payload, &l); err != nil {
		return nil, fmt.Errorf("decode liquidation: %w", err)
	}
	return []any{
		string(l.ExchangeID), string(l.MarketType), l.Symbol,
		ms(l.EventTS), ms(l.CollectedAt),
		string(l.Side), l.Price, l.Quantity, l.Value,
	}, nil
}

func lsrRow(payload []byte) ([]any, error) {
	var l model.LSRTopPosition
	if err := json.Unmarshal(payload, &l); err != nil {
		return nil, fmt.Errorf("decode lsr: %w", err)
	}
	return []any{
		string(l.ExchangeID), string(l.MarketType), l.Symbol,
		ms(l.EventTS), ms(l.CollectedAt),
		l.LongRatio, l.ShortRatio, l.LongShortRatio,
	}, nil
}

func volatilityRow(payload []byte) ([]any, error) {
	var v model.VolatilityIndex
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode volatility index: %w", err)
	}
	return []any{
		string(v.ExchangeID), string(v.MarketType), v.Symbol,
		ms(v.EventTS), ms(v.CollectedAt),
		v.IndexValue,
	}, nil
}
