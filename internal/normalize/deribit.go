package normalize

import (
	"errors"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/exchange/deribit"
	"cryptoflow/internal/model"
)

var errBadLevel = errors.New("malformed book level")

// Deribit multiplexes everything through JSON-RPC subscription
// notifications; the channel name inside params selects the payload
// shape.

type deribitNotification struct {
	Method string `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

type deribitTradeData struct {
	TradeID        string  `json:"trade_id"`
	InstrumentName string  `json:"instrument_name"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	Direction      string  `json:"direction"`
	Timestamp      int64   `json:"timestamp"`
	Liquidation    string  `json:"liquidation"` // "M", "T" or "MT" when present
}

type deribitBookData struct {
	Type           string  `json:"type"` // "snapshot" or "change"
	Timestamp      int64   `json:"timestamp"`
	InstrumentName string  `json:"instrument_name"`
	ChangeID       int64   `json:"change_id"`
	PrevChangeID   int64   `json:"prev_change_id"`
	Bids           [][]any `json:"bids"` // [action, price, amount]
	Asks           [][]any `json:"asks"`
}

type deribitTickerData struct {
	InstrumentName string  `json:"instrument_name"`
	Timestamp      int64   `json:"timestamp"`
	MarkPrice      float64 `json:"mark_price"`
	IndexPrice     float64 `json:"index_price"`
	CurrentFunding float64 `json:"current_funding"`
	OpenInterest   float64 `json:"open_interest"`
}

func normalizeDeribit(f exchange.Frame) []model.Record {
	var note deribitNotification
	if err := json.Unmarshal(f.Data, &note); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	// RPC responses (subscribe acks, test results, heartbeats) are not
	// subscription notifications.
	if note.Method != "subscription" || len(note.Params.Data) == 0 {
		return nil
	}

	channel, _, _ := cutChannel(note.Params.Channel)
	switch channel {
	case "trades":
		return deribitTrades(f, note.Params.Data)
	case "book":
		return deribitBook(f, note.Params.Data)
	case "ticker":
		return deribitTicker(f, note.Params.Data)
	default:
		drop(f.Exchange, dropUnknownChannel)
		return nil
	}
}

// cutChannel splits "trades.BTC-PERPETUAL.raw" into kind and instrument.
func cutChannel(name string) (kind, instrument string, ok bool) {
	kind, rest, ok := strings.Cut(name, ".")
	if !ok {
		return name, "", false
	}
	if i := strings.LastIndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	return kind, rest, true
}

func deribitTrades(f exchange.Frame, data json.RawMessage) []model.Record {
	var trades []deribitTradeData
	if err := json.Unmarshal(data, &trades); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	records := make([]model.Record, 0, len(trades))
	for _, t := range trades {
		price := decimal.NewFromFloat(t.Price)
		qty := decimal.NewFromFloat(t.Amount)
		if !validPriceQty(price, qty) {
			drop(f.Exchange, dropInvalidValue)
			continue
		}

		side := model.Sell
		if t.Direction == "buy" {
			side = model.Buy
		}

		m := meta(f, t.InstrumentName, t.Timestamp)
		m.MarketType = deribit.MarketFor(t.InstrumentName)
		records = append(records, &model.Trade{
			Meta:          m,
			TradeID:       t.TradeID,
			Price:         price,
			Quantity:      qty,
			QuoteQuantity: price.Mul(qty),
			Side:          side,
			IsBuyerMaker:  side == model.Sell,
		})

		// Maker-liquidation trades double as liquidation events.
		if t.Liquidation != "" {
			records = append(records, &model.Liquidation{
				Meta:     m,
				Side:     side,
				Price:    price,
				Quantity: qty,
				Value:    price.Mul(qty),
			})
		}
	}
	return records
}

func deribitBook(f exchange.Frame, data json.RawMessage) []model.Record {
	var book deribitBookData
	if err := json.Unmarshal(data, &book); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	bids, err := parseDeribitLevels(book.Bids)
	if err != nil {
		drop(f.Exchange, dropBadNumeric)
		return nil
	}
	asks, err := parseDeribitLevels(book.Asks)
	if err != nil {
		drop(f.Exchange, dropBadNumeric)
		return nil
	}

	if !validLevels(bids) || !validLevels(asks) {
		drop(f.Exchange, dropInvalidValue)
		return nil
	}

	updateType := model.UpdateTypeDelta
	if book.Type == "snapshot" {
		updateType = model.UpdateTypeSnapshot
	}

	m := meta(f, book.InstrumentName, book.Timestamp)
	m.MarketType = deribit.MarketFor(book.InstrumentName)

	return []model.Record{&model.OrderBookUpdate{
		Meta:             m,
		BidChanges:       bids,
		AskChanges:       asks,
		FirstUpdateID:    book.ChangeID,
		LastUpdateID:     book.ChangeID,
		PrevLastUpdateID: book.PrevChangeID,
		UpdateType:       updateType,
	}}
}

// parseDeribitLevels converts [action, price, amount] triples. A
// "delete" action carries amount zero, which already encodes removal.
func parseDeribitLevels(raw [][]any) ([]model.Level, error) {
	levels := make([]model.Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 3 {
			continue
		}
		price, ok := entry[1].(float64)
		if !ok {
			return nil, errBadLevel
		}
		amount, ok := entry[2].(float64)
		if !ok {
			return nil, errBadLevel
		}
		if action, ok := entry[0].(string); ok && action == "delete" {
			amount = 0
		}
		levels = append(levels, model.Level{
			Price:    decimal.NewFromFloat(price),
			Quantity: decimal.NewFromFloat(amount),
		})
	}
	return levels, nil
}

// deribitTicker yields both a funding rate and an open interest record
// from one ticker notification.
func deribitTicker(f exchange.Frame, data json.RawMessage) []model.Record {
	var t deribitTickerData
	if err := json.Unmarshal(data, &t); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	m := meta(f, t.InstrumentName, t.Timestamp)
	m.MarketType = deribit.MarketFor(t.InstrumentName)
	mark := decimal.NewFromFloat(t.MarkPrice)
	oi := decimal.NewFromFloat(t.OpenInterest)

	return []model.Record{
		&model.FundingRate{
			Meta:            m,
			FundingRate:     decimal.NewFromFloat(t.CurrentFunding),
			MarkPrice:       mark,
			IndexPrice:      decimal.NewFromFloat(t.IndexPrice),
			FundingInterval: "8h",
		},
		&model.OpenInterest{
			Meta:              m,
			OpenInterest:      oi,
			OpenInterestValue: oi.Mul(mark),
		},
	}
}
