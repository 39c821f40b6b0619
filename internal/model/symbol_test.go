package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalSymbol(t *testing.T) {
	cases := []struct {
		name     string
		exchange ExchangeID
		native   string
		want     string
	}{
		{"binance spot usdt", BinanceSpot, "BTCUSDT", "BTC-USDT"},
		{"binance spot lowercase", BinanceSpot, "btcusdt", "BTC-USDT"},
		{"binance spot busd", BinanceSpot, "ETHBUSD", "ETH-BUSD"},
		{"binance cross pair", BinanceSpot, "ETHBTC", "ETH-BTC"},
		{"binance derivatives", BinanceDerivatives, "SOLUSDT", "SOL-USDT"},
		{"okx spot already canonical", OKXSpot, "BTC-USDT", "BTC-USDT"},
		{"okx swap suffix dropped", OKXDerivatives, "BTC-USDT-SWAP", "BTC-USDT"},
		{"okx eth swap", OKXDerivatives, "ETH-USDC-SWAP", "ETH-USDC"},
		{"deribit perpetual", DeribitDerivatives, "BTC-PERPETUAL", "BTC"},
		{"deribit option unchanged", DeribitDerivatives, "BTC-28MAR25-100000-C", "BTC-28MAR25-100000-C"},
		{"unknown suffix passthrough", BinanceSpot, "WEIRDPAIR", "WEIRDPAIR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanonicalSymbol(tc.exchange, tc.native))
		})
	}
}

func TestCanonicalSymbolIdempotent(t *testing.T) {
	natives := map[ExchangeID][]string{
		BinanceSpot:        {"BTCUSDT", "ETHBTC", "DOGEUSDT"},
		OKXDerivatives:     {"BTC-USDT-SWAP", "ETH-USDT"},
		DeribitDerivatives: {"BTC-PERPETUAL", "BTC-28MAR25-100000-C"},
	}

	for exchange, symbols := range natives {
		for _, s := range symbols {
			once := CanonicalSymbol(exchange, s)
			assert.Equal(t, once, CanonicalSymbol(exchange, once), "exchange %s symbol %s", exchange, s)
		}
	}
}

func TestNativeSymbolRoundTrip(t *testing.T) {
	cases := []struct {
		exchange  ExchangeID
		market    MarketType
		canonical string
		native    string
	}{
		{BinanceSpot, Spot, "BTC-USDT", "BTCUSDT"},
		{BinanceDerivatives, Perpetual, "ETH-USDT", "ETHUSDT"},
		{OKXSpot, Spot, "BTC-USDT", "BTC-USDT"},
		{OKXDerivatives, Perpetual, "BTC-USDT", "BTC-USDT-SWAP"},
		{DeribitDerivatives, Perpetual, "BTC", "BTC-PERPETUAL"},
	}

	for _, tc := range cases {
		native := NativeSymbol(tc.exchange, tc.market, tc.canonical)
		assert.Equal(t, tc.native, native)
		assert.Equal(t, tc.canonical, CanonicalSymbol(tc.exchange, native))
	}
}

func TestRecordKeys(t *testing.T) {
	trade := &Trade{
		Meta:    Meta{ExchangeID: BinanceSpot, MarketType: Spot, Symbol: "BTC-USDT"},
		TradeID: "12345",
	}
	assert.Equal(t, "binance_spot.spot.BTC-USDT.12345", trade.Key())

	update := &OrderBookUpdate{
		Meta:         Meta{ExchangeID: OKXDerivatives, MarketType: Perpetual, Symbol: "BTC-USDT"},
		LastUpdateID: 42,
	}
	assert.Equal(t, "okx_derivatives.perpetual.BTC-USDT.42", update.Key())
}

func TestEnumValidity(t *testing.T) {
	for _, id := range AllExchangeIDs {
		assert.True(t, id.Valid())
	}
	assert.False(t, ExchangeID("kraken_spot").Valid())
	assert.True(t, Perpetual.Valid())
	assert.False(t, MarketType("margin").Valid())
}
