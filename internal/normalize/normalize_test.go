package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
)

func frame(ex model.ExchangeID, market model.MarketType, payload string) exchange.Frame {
	return exchange.Frame{
		Exchange:   ex,
		Market:     market,
		Data:       []byte(payload),
		ReceivedAt: time.Now(),
	}
}

func TestNormalizeBinanceTrade(t *testing.T) {
	raw := `{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":12345,"p":"45000.50","q":"0.5","T":1700000000100,"m":false}`

	records := Normalize(frame(model.BinanceSpot, model.Spot, raw))
	require.Len(t, records, 1)

	trade, ok := records[0].(*model.Trade)
	require.True(t, ok)
	assert.Equal(t, model.BinanceSpot, trade.ExchangeID)
	assert.Equal(t, "BTC-USDT", trade.Symbol)
	assert.Equal(t, "12345", trade.TradeID)
	assert.Equal(t, "45000.5", trade.Price.String())
	assert.Equal(t, "0.5", trade.Quantity.String())
	assert.Equal(t, "22500.25", trade.QuoteQuantity.String())
	assert.Equal(t, model.Buy, trade.Side)
	assert.False(t, trade.IsBuyerMaker)
	assert.Equal(t, int64(1700000000100), trade.EventTS)
	assert.NotZero(t, trade.CollectedAt)
}

func TestNormalizeBinanceTradeBuyerMaker(t *testing.T) {
	raw := `{"e":"trade","E":1,"s":"ETHUSDT","t":7,"p":"3000","q":"1","T":1700000000000,"m":true}`

	records := Normalize(frame(model.BinanceSpot, model.Spot, raw))
	require.Len(t, records, 1)

	trade := records[0].(*model.Trade)
	assert.Equal(t, model.Sell, trade.Side)
	assert.True(t, trade.IsBuyerMaker)
}

func TestNormalizeBinanceDepth(t *testing.T) {
	raw := `{"e":"depthUpdate","E":1700000000200,"s":"BTCUSDT","U":101,"u":103,"pu":100,` +
		`"b":[["45000.00","1.5"],["44999.00","0"]],"a":[["45001.00","2.0"]]}`

	records := Normalize(frame(model.BinanceDerivatives, model.Perpetual, raw))
	require.Len(t, records, 1)

	update, ok := records[0].(*model.OrderBookUpdate)
	require.True(t, ok)
	assert.Equal(t, int64(101), update.FirstUpdateID)
	assert.Equal(t, int64(103), update.LastUpdateID)
	assert.Equal(t, int64(100), update.PrevLastUpdateID)
	assert.Equal(t, model.UpdateTypeDelta, update.UpdateType)
	require.Len(t, update.BidChanges, 2)
	assert.True(t, update.BidChanges[1].Quantity.IsZero())
	require.Len(t, update.AskChanges, 1)
}

func TestNormalizeBinanceSpotDepthNoPrevID(t *testing.T) {
	raw := `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":5,"u":6,"b":[],"a":[]}`

	records := Normalize(frame(model.BinanceSpot, model.Spot, raw))
	require.Len(t, records, 1)
	assert.Zero(t, records[0].(*model.OrderBookUpdate).PrevLastUpdateID)
}

func TestNormalizeBinanceForceOrder(t *testing.T) {
	raw := `{"e":"forceOrder","E":1700000000300,"o":{"s":"BTCUSDT","S":"SELL","q":"0.014",` +
		`"p":"44800.10","ap":"44801.50","T":1700000000300,"z":"0.014"}}`

	records := Normalize(frame(model.BinanceDerivatives, model.Perpetual, raw))
	require.Len(t, records, 1)

	liq, ok := records[0].(*model.Liquidation)
	require.True(t, ok)
	assert.Equal(t, model.Sell, liq.Side)
	assert.Equal(t, "44801.5", liq.Price.String())
	assert.Equal(t, "0.014", liq.Quantity.String())
}

func TestNormalizeBinanceAckFrame(t *testing.T) {
	assert.Nil(t, Normalize(frame(model.BinanceSpot, model.Spot, `{"result":null,"id":1}`)))
}

func TestNormalizeBinanceBadNumericDropped(t *testing.T) {
	raw := `{"e":"trade","E":1,"s":"BTCUSDT","t":1,"p":"not-a-price","q":"1","T":1,"m":false}`
	assert.Nil(t, Normalize(frame(model.BinanceSpot, model.Spot, raw)))
}

func TestNormalizeBinanceZeroPriceTradeDropped(t *testing.T) {
	raw := `{"e":"trade","E":1,"s":"BTCUSDT","t":1,"p":"0","q":"1","T":1700000000000,"m":false}`
	assert.Nil(t, Normalize(frame(model.BinanceSpot, model.Spot, raw)))
}

func TestNormalizeBinanceNegativePriceTradeDropped(t *testing.T) {
	raw := `{"e":"trade","E":1,"s":"BTCUSDT","t":1,"p":"-45000","q":"1","T":1700000000000,"m":false}`
	assert.Nil(t, Normalize(frame(model.BinanceSpot, model.Spot, raw)))
}

func TestNormalizeBinanceDepthNegativeQuantityDropped(t *testing.T) {
	raw := `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":5,"u":6,"b":[["45000","-1"]],"a":[]}`
	assert.Nil(t, Normalize(frame(model.BinanceSpot, model.Spot, raw)))
}

func TestNormalizeOKXTrades(t *testing.T) {
	raw := `{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[` +
		`{"instId":"BTC-USDT-SWAP","tradeId":"130639474","px":"42219.9","sz":"0.12060306","side":"buy","ts":"1700000000100"}]}`

	records := Normalize(frame(model.OKXDerivatives, model.Perpetual, raw))
	require.Len(t, records, 1)

	trade := records[0].(*model.Trade)
	assert.Equal(t, "BTC-USDT", trade.Symbol)
	assert.Equal(t, "130639474", trade.TradeID)
	assert.Equal(t, model.Buy, trade.Side)
	assert.False(t, trade.IsBuyerMaker)
	assert.Equal(t, int64(1700000000100), trade.EventTS)
}

func TestNormalizeOKXBooks(t *testing.T) {
	raw := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[` +
		`{"bids":[["41000","2"]],"asks":[["41001","1"]],"ts":"1700000000200","seqId":230,"prevSeqId":229}]}`

	records := Normalize(frame(model.OKXSpot, model.Spot, raw))
	require.Len(t, records, 1)

	update := records[0].(*model.OrderBookUpdate)
	assert.Equal(t, int64(230), update.LastUpdateID)
	assert.Equal(t, int64(229), update.PrevLastUpdateID)
	assert.Equal(t, model.UpdateTypeDelta, update.UpdateType)
}

func TestNormalizeOKXBooksSnapshot(t *testing.T) {
	raw := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[` +
		`{"bids":[["41000","2"]],"asks":[["41001","1"]],"ts":"1700000000200","seqId":100,"prevSeqId":-1}]}`

	records := Normalize(frame(model.OKXSpot, model.Spot, raw))
	require.Len(t, records, 1)
	assert.Equal(t, model.UpdateTypeSnapshot, records[0].(*model.OrderBookUpdate).UpdateType)
}

func TestNormalizeOKXSubscribeAck(t *testing.T) {
	raw := `{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT"}}`
	assert.Nil(t, Normalize(frame(model.OKXSpot, model.Spot, raw)))
}

func TestNormalizeOKXLiquidations(t *testing.T) {
	raw := `{"arg":{"channel":"liquidation-orders","instId":"BTC-USDT-SWAP"},"data":[` +
		`{"instId":"BTC-USDT-SWAP","details":[{"side":"sell","bkPx":"41500.2","sz":"3","bkLoss":"0","ts":"1700000000300"}]}]}`

	records := Normalize(frame(model.OKXDerivatives, model.Perpetual, raw))
	require.Len(t, records, 1)

	liq := records[0].(*model.Liquidation)
	assert.Equal(t, model.Sell, liq.Side)
	assert.Equal(t, "124500.6", liq.Value.String())
}

func TestNormalizeDeribitTrades(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"trades.BTC-PERPETUAL.raw","data":[` +
		`{"trade_id":"219430148","instrument_name":"BTC-PERPETUAL","price":42150.5,"amount":100.0,` +
		`"direction":"sell","timestamp":1700000000400}]}}`

	records := Normalize(frame(model.DeribitDerivatives, model.Perpetual, raw))
	require.Len(t, records, 1)

	trade := records[0].(*model.Trade)
	assert.Equal(t, "BTC", trade.Symbol)
	assert.Equal(t, model.Sell, trade.Side)
	assert.True(t, trade.IsBuyerMaker)
	assert.Equal(t, "42150.5", trade.Price.String())
}

func TestNormalizeDeribitLiquidationTrade(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"trades.BTC-PERPETUAL.raw","data":[` +
		`{"trade_id":"219430149","instrument_name":"BTC-PERPETUAL","price":42000,"amount":50,` +
		`"direction":"sell","timestamp":1700000000500,"liquidation":"T"}]}}`

	records := Normalize(frame(model.DeribitDerivatives, model.Perpetual, raw))
	require.Len(t, records, 2)
	assert.Equal(t, model.DataTypeTrade, records[0].Type())
	assert.Equal(t, model.DataTypeLiquidation, records[1].Type())
}

func TestNormalizeDeribitBook(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC-PERPETUAL.100ms","data":` +
		`{"type":"change","timestamp":1700000000600,"instrument_name":"BTC-PERPETUAL",` +
		`"change_id":872,"prev_change_id":871,` +
		`"bids":[["change",42100.0,500.0],["delete",42099.5,0.0]],"asks":[["new",42101.0,200.0]]}}}`

	records := Normalize(frame(model.DeribitDerivatives, model.Perpetual, raw))
	require.Len(t, records, 1)

	update := records[0].(*model.OrderBookUpdate)
	assert.Equal(t, int64(872), update.LastUpdateID)
	assert.Equal(t, int64(871), update.PrevLastUpdateID)
	require.Len(t, update.BidChanges, 2)
	assert.True(t, update.BidChanges[1].Quantity.IsZero())
}

func TestNormalizeDeribitTicker(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"ticker.BTC-PERPETUAL.100ms","data":` +
		`{"instrument_name":"BTC-PERPETUAL","timestamp":1700000000700,"mark_price":42160.4,` +
		`"index_price":42158.9,"current_funding":0.0001,"open_interest":615000000}}}`

	records := Normalize(frame(model.DeribitDerivatives, model.Perpetual, raw))
	require.Len(t, records, 2)

	funding, ok := records[0].(*model.FundingRate)
	require.True(t, ok)
	assert.Equal(t, "0.0001", funding.FundingRate.String())
	assert.Equal(t, "42160.4", funding.MarkPrice.String())

	oi, ok := records[1].(*model.OpenInterest)
	require.True(t, ok)
	assert.Equal(t, "615000000", oi.OpenInterest.String())
}

func TestNormalizeDeribitOptionMarketType(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"trades.BTC-28MAR25-100000-C.raw","data":[` +
		`{"trade_id":"1","instrument_name":"BTC-28MAR25-100000-C","price":0.0525,"amount":2.0,` +
		`"direction":"buy","timestamp":1700000000400}]}}`

	records := Normalize(frame(model.DeribitDerivatives, model.Perpetual, raw))
	require.Len(t, records, 1)
	assert.Equal(t, model.Options, records[0].(*model.Trade).MarketType)
}

func TestNormalizeDeribitPutMarketType(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"ticker.ETH-26SEP25-4000-P.100ms","data":` +
		`{"instrument_name":"ETH-26SEP25-4000-P","timestamp":1700000000700,"mark_price":120.5,` +
		`"index_price":3900.1,"current_funding":0,"open_interest":5000}}}`

	records := Normalize(frame(model.DeribitDerivatives, model.Perpetual, raw))
	require.Len(t, records, 2)
	assert.Equal(t, model.Options, records[0].(*model.FundingRate).MarketType)
	assert.Equal(t, model.Options, records[1].(*model.OpenInterest).MarketType)
}

func TestNormalizeDeribitPerpetualMarketType(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"trades.BTC-PERPETUAL.raw","data":[` +
		`{"trade_id":"2","instrument_name":"BTC-PERPETUAL","price":42000,"amount":10,` +
		`"direction":"buy","timestamp":1700000000400}]}}`

	records := Normalize(frame(model.DeribitDerivatives, model.Perpetual, raw))
	require.Len(t, records, 1)
	assert.Equal(t, model.Perpetual, records[0].(*model.Trade).MarketType)
}

func TestNormalizeDeribitZeroPriceTradeDropped(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"trades.BTC-PERPETUAL.raw","data":[` +
		`{"trade_id":"3","instrument_name":"BTC-PERPETUAL","price":0,"amount":10,` +
		`"direction":"buy","timestamp":1700000000400}]}}`
	assert.Empty(t, Normalize(frame(model.DeribitDerivatives, model.Perpetual, raw)))
}

func TestNormalizeOKXNegativeLevelQuantityDropped(t *testing.T) {
	raw := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[` +
		`{"bids":[["41000","-2"]],"asks":[],"ts":"1700000000200","seqId":231,"prevSeqId":230}]}`
	assert.Empty(t, Normalize(frame(model.OKXSpot, model.Spot, raw)))
}

func TestNormalizeDeribitHeartbeat(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"test_request"}}`
	assert.Nil(t, Normalize(frame(model.DeribitDerivatives, model.Perpetual, raw)))
}

func TestNormalizeUnknownVenue(t *testing.T) {
	assert.Nil(t, Normalize(frame(model.ExchangeID("kraken"), model.Spot, `{}`)))
}

func TestNormalizeMillisUpconverts(t *testing.T) {
	assert.Equal(t, int64(1700000000000), normalizeMillis(1700000000))
	assert.Equal(t, int64(1700000000123), normalizeMillis(1700000000123))
	assert.Zero(t, normalizeMillis(0))
}
