package normalize

import (
	"strconv"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
)

// OKX frames keep their envelope because "data" is always a list.

type okxFrame struct {
	Event  string `json:"event"`
	Action string `json:"action"` // books: "snapshot" or "update"
	Arg    struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

type okxTradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Price   string `json:"px"`
	Size    string `json:"sz"`
	Side    string `json:"side"` // taker side
	TS      string `json:"ts"`
}

type okxBookData struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	TS        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type okxLiquidationData struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side    string `json:"side"`
		BkPx    string `json:"bkPx"`
		Sz      string `json:"sz"`
		BkLoss  string `json:"bkLoss"`
		TS      string `json:"ts"`
	} `json:"details"`
}

func normalizeOKX(f exchange.Frame) []model.Record {
	var frame okxFrame
	if err := json.Unmarshal(f.Data, &frame); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	// Subscription acks and error events carry no data.
	if frame.Event != "" || len(frame.Data) == 0 {
		return nil
	}

	switch frame.Arg.Channel {
	case "trades":
		return okxTrades(f, frame.Data)
	case "books", "books5", "books50-l2-tbt", "books-l2-tbt":
		return okxBooks(f, frame)
	case "liquidation-orders":
		return okxLiquidations(f, frame.Data)
	default:
		drop(f.Exchange, dropUnknownChannel)
		return nil
	}
}

func okxTrades(f exchange.Frame, data json.RawMessage) []model.Record {
	var trades []okxTradeData
	if err := json.Unmarshal(data, &trades); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	records := make([]model.Record, 0, len(trades))
	for _, t := range trades {
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			drop(f.Exchange, dropBadNumeric)
			continue
		}
		qty, err := decimal.NewFromString(t.Size)
		if err != nil {
			drop(f.Exchange, dropBadNumeric)
			continue
		}
		if !validPriceQty(price, qty) {
			drop(f.Exchange, dropInvalidValue)
			continue
		}

		side := model.Sell
		if t.Side == "buy" {
			side = model.Buy
		}

		records = append(records, &model.Trade{
			Meta:          meta(f, t.InstID, parseMillisString(t.TS)),
			TradeID:       t.TradeID,
			Price:         price,
			Quantity:      qty,
			QuoteQuantity: price.Mul(qty),
			Side:          side,
			// The aggressor buying means the resting maker sold.
			IsBuyerMaker: side == model.Sell,
		})
	}
	return records
}

func okxBooks(f exchange.Frame, frame okxFrame) []model.Record {
	var books []okxBookData
	if err := json.Unmarshal(frame.Data, &books); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	records := make([]model.Record, 0, len(books))
	for _, b := range books {
		bids, err := parseLevelPairs(b.Bids)
		if err != nil {
			drop(f.Exchange, dropBadNumeric)
			continue
		}
		asks, err := parseLevelPairs(b.Asks)
		if err != nil {
			drop(f.Exchange, dropBadNumeric)
			continue
		}
		if !validLevels(bids) || !validLevels(asks) {
			drop(f.Exchange, dropInvalidValue)
			continue
		}

		updateType := model.UpdateTypeDelta
		if frame.Action == "snapshot" {
			updateType = model.UpdateTypeSnapshot
		}

		records = append(records, &model.OrderBookUpdate{
			Meta:             meta(f, frame.Arg.InstID, parseMillisString(b.TS)),
			BidChanges:       bids,
			AskChanges:       asks,
			FirstUpdateID:    b.SeqID,
			LastUpdateID:     b.SeqID,
			PrevLastUpdateID: b.PrevSeqID,
			UpdateType:       updateType,
		})
	}
	return records
}

func okxLiquidations(f exchange.Frame, data json.RawMessage) []model.Record {
	var liqs []okxLiquidationData
	if err := json.Unmarshal(data, &liqs); err != nil {
		drop(f.Exchange, dropBadFrame)
		return nil
	}

	var records []model.Record
	for _, l := range liqs {
		for _, d := range l.Details {
			price, err := decimal.NewFromString(d.BkPx)
			if err != nil {
				drop(f.Exchange, dropBadNumeric)
				continue
			}
			qty, err := decimal.NewFromString(d.Sz)
			if err != nil {
				drop(f.Exchange, dropBadNumeric)
				continue
			}
			if !validPriceQty(price, qty) {
				drop(f.Exchange, dropInvalidValue)
				continue
			}

			side := model.Sell
			if d.Side == "buy" {
				side = model.Buy
			}

			records = append(records, &model.Liquidation{
				Meta:     meta(f, l.InstID, parseMillisString(d.TS)),
				Side:     side,
				Price:    price,
				Quantity: qty,
				Value:    price.Mul(qty),
			})
		}
	}
	return records
}

func parseMillisString(s string) int64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
