package normalize

import (
	"strconv"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
)

// Binance event payloads after envelope unwrap. Field tags follow the
// venue's single-letter schema.

type binanceTradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type binanceDepthEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevFinalID   int64      `json:"pu"` // derivatives only; zero on spot
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type binanceForceOrderEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		Quantity     string `json:"q"`
		Price        string `json:"p"`
		AvgPrice     string `json:"ap"`
		TradeTime    int64  `json:"T"`
		FilledAccQty string `json:"z"`
	} `json:"o"`
}

func normalizeBinance(f exchange.Frame) []model.Record {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(f.Data, &probe); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	switch probe.EventType {
	case "trade":
		return binanceTrade(f)
	case "depthUpdate":
		return binanceDepth(f)
	case "forceOrder":
		return binanceForceOrder(f)
	case "":
		// Subscription acks and list-valued frames carry no event type.
		return nil
	default:
		drop(f.Exchange, dropUnknownChannel)
		return nil
	}
}

func binanceTrade(f exchange.Frame) []model.Record {
	var ev binanceTradeEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		drop(f.Exchange, dropBadNumeric)
		return nil
	}
	qty, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		drop(f.Exchange, dropBadNumeric)
		return nil
	}
	if !validPriceQty(price, qty) {
		drop(f.Exchange, dropInvalidValue)
		return nil
	}

	// m=true means the buyer was the maker, so the aggressor sold.
	side := model.Buy
	if ev.IsBuyerMaker {
		side = model.Sell
	}

	return []model.Record{&model.Trade{
		Meta:          meta(f, ev.Symbol, ev.TradeTime),
		TradeID:       strconv.FormatInt(ev.TradeID, 10),
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: price.Mul(qty),
		Side:          side,
		IsBuyerMaker:  ev.IsBuyerMaker,
	}}
}

func binanceDepth(f exchange.Frame) []model.Record {
	var ev binanceDepthEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	bids, err := parseLevelPairs(ev.Bids)
	if err != nil {
		drop(f.Exchange, dropBadNumeric)
		return nil
	}
	asks, err := parseLevelPairs(ev.Asks)
	if err != nil {
		drop(f.Exchange, dropBadNumeric)
		return nil
	}
	if !validLevels(bids) || !validLevels(asks) {
		drop(f.Exchange, dropInvalidValue)
		return nil
	}

	return []model.Record{&model.OrderBookUpdate{
		Meta:             meta(f, ev.Symbol, ev.EventTime),
		BidChanges:       bids,
		AskChanges:       asks,
		FirstUpdateID:    ev.FirstUpdateID,
		LastUpdateID:     ev.FinalUpdateID,
		PrevLastUpdateID: ev.PrevFinalID,
		UpdateType:       model.UpdateTypeDelta,
	}}
}

func binanceForceOrder(f exchange.Frame) []model.Record {
	var ev binanceForceOrderEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	price, err := decimal.NewFromString(ev.Order.AvgPrice)
	if err != nil {
		drop(f.Exchange, dropBadNumeric)
		return nil
	}
	qty, err := decimal.NewFromString(ev.Order.Quantity)
	if err != nil {
		drop(f.Exchange, dropBadNumeric)
		return nil
	}
	if !validPriceQty(price, qty) {
		drop(f.Exchange, dropInvalidValue)
		return nil
	}

	// The liquidated position's side is opposite the order side: a SELL
	// force order closes a long.
	side := model.Sell
	if ev.Order.Side == "BUY" {
		side = model.Buy
	}

	return []model.Record{&model.Liquidation{
		Meta:     meta(f, ev.Order.Symbol, ev.Order.TradeTime),
		Side:     side,
		Price:    price,
		Quantity: qty,
		Value:    price.Mul(qty),
	}}
}

func parseLevelPairs(raw [][]string) ([]model.Level, error) {
	levels := make([]model.Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, model.Level{Price: price, Quantity: qty})
	}
	return levels, nil
}
