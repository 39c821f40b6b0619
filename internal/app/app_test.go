package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cryptoflow/internal/config"
	"cryptoflow/internal/model"
	"cryptoflow/internal/orderbook"
)

func TestBookOptionsDepthOverrides(t *testing.T) {
	opts := bookOptions(config.ExchangeConfig{
		OrderBook: config.OrderBookConfig{
			Method:        "websocket",
			Strategy:      "arbitrage",
			SnapshotDepth: 50,
			PublishDepth:  10,
		},
	})

	assert.Equal(t, 50, opts.Strategy.SnapshotDepth)
	assert.Equal(t, 10, opts.Strategy.PublishDepth)
	assert.False(t, opts.SnapshotMode)
	assert.Zero(t, opts.SnapshotInterval)
}

func TestBookOptionsStrategyDefaults(t *testing.T) {
	opts := bookOptions(config.ExchangeConfig{
		OrderBook: config.OrderBookConfig{Strategy: "arbitrage"},
	})
	assert.Equal(t, orderbook.StrategyArbitrage.SnapshotDepth, opts.Strategy.SnapshotDepth)
	assert.Equal(t, orderbook.StrategyArbitrage.PublishDepth, opts.Strategy.PublishDepth)
}

func TestBookOptionsSnapshotMode(t *testing.T) {
	opts := bookOptions(config.ExchangeConfig{
		OrderBook: config.OrderBookConfig{
			Method:             "snapshot",
			Strategy:           "market_making",
			SnapshotIntervalMS: 5000,
		},
	})
	assert.True(t, opts.SnapshotMode)
	assert.Equal(t, 5*time.Second, opts.SnapshotInterval)
}

func TestSnapshotTickIntervalPicksFastest(t *testing.T) {
	cfg := &config.Config{Exchanges: map[string]config.ExchangeConfig{
		"binance_spot": {
			Enabled:   true,
			OrderBook: config.OrderBookConfig{Method: "snapshot", SnapshotIntervalMS: 5000},
		},
		"okx_spot": {
			Enabled:   true,
			OrderBook: config.OrderBookConfig{Method: "snapshot", SnapshotIntervalMS: 1000},
		},
		"deribit": {
			Enabled:   true,
			OrderBook: config.OrderBookConfig{Method: "websocket", SnapshotIntervalMS: 100},
		},
		"binance_derivatives": {
			Enabled:   false,
			OrderBook: config.OrderBookConfig{Method: "snapshot", SnapshotIntervalMS: 10},
		},
	}}

	assert.Equal(t, time.Second, snapshotTickInterval(cfg))
}

func TestSnapshotTickIntervalZeroWithoutPolling(t *testing.T) {
	cfg := &config.Config{Exchanges: map[string]config.ExchangeConfig{
		"binance_spot": {
			Enabled:   true,
			OrderBook: config.OrderBookConfig{Method: "websocket"},
		},
	}}
	assert.Zero(t, snapshotTickInterval(cfg))
}

func TestDiffStrings(t *testing.T) {
	added, removed := diffStrings(
		[]string{"BTC-USDT", "ETH-USDT"},
		[]string{"BTC-USDT", "SOL-USDT"},
	)
	assert.Equal(t, []string{"SOL-USDT"}, added)
	assert.Equal(t, []string{"ETH-USDT"}, removed)
}

func TestDiffStringsNoChange(t *testing.T) {
	added, removed := diffStrings([]string{"BTC-USDT"}, []string{"BTC-USDT"})
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestSymbolMarketDeribitOptions(t *testing.T) {
	assert.Equal(t, model.Options,
		symbolMarket(model.DeribitDerivatives, model.Perpetual, "BTC-28MAR25-100000-C"))
	assert.Equal(t, model.Perpetual,
		symbolMarket(model.DeribitDerivatives, model.Perpetual, "BTC"))
	assert.Equal(t, model.Spot,
		symbolMarket(model.BinanceSpot, model.Spot, "BTC-USDT"))
}
