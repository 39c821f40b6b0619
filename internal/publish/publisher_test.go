package publish

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoflow/internal/model"
)

func sampleTrade(id string) *model.Trade {
	return &model.Trade{
		Meta: model.Meta{
			ExchangeID: model.BinanceSpot,
			MarketType: model.Spot,
			Symbol:     "BTC-USDT",
			EventTS:    1700000000000,
		},
		TradeID:  id,
		Price:    decimal.RequireFromString("45000.50"),
		Quantity: decimal.RequireFromString("0.5"),
		Side:     model.Buy,
	}
}

func sampleSnapshot(ts int64) *model.OrderBookSnapshot {
	return &model.OrderBookSnapshot{
		Meta: model.Meta{
			ExchangeID: model.OKXSpot,
			MarketType: model.Spot,
			Symbol:     "ETH-USDT",
			EventTS:    ts,
		},
		LastUpdateID: ts,
	}
}

func TestSubjectScheme(t *testing.T) {
	tests := []struct {
		record model.Record
		want   string
	}{
		{sampleTrade("1"), "trade.binance_spot.spot.BTC-USDT"},
		{sampleSnapshot(1), "orderbook.okx_spot.spot.ETH-USDT"},
		{&model.FundingRate{Meta: model.Meta{
			ExchangeID: model.BinanceDerivatives, MarketType: model.Perpetual, Symbol: "BTC-USDT",
		}}, "funding_rate.binance_derivatives.perpetual.BTC-USDT"},
		{&model.LSRTopPosition{Meta: model.Meta{
			ExchangeID: model.OKXDerivatives, MarketType: model.Perpetual, Symbol: "SOL-USDT",
		}}, "lsr_top_position.okx_derivatives.perpetual.SOL-USDT"},
		{&model.VolatilityIndex{Meta: model.Meta{
			ExchangeID: model.DeribitDerivatives, MarketType: model.Perpetual, Symbol: "BTC",
		}}, "volatility_index.deribit_derivatives.perpetual.BTC"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(tt.record))
	}
}

func TestSubjectUsesUnderscoreDataTypes(t *testing.T) {
	for _, dt := range model.AllDataTypes {
		assert.NotContains(t, string(dt), "-")
	}
}

func TestBestEffortClassification(t *testing.T) {
	assert.True(t, bestEffort(sampleSnapshot(1)))
	assert.False(t, bestEffort(sampleTrade("1")))
	assert.False(t, bestEffort(&model.OrderBookUpdate{}))
	assert.False(t, bestEffort(&model.Liquidation{}))
}

func TestPublishDurableBlocksWhenFull(t *testing.T) {
	p := NewWithQueueSize(nil, "test", 2)

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, sampleTrade("1")))
	require.NoError(t, p.Publish(ctx, sampleTrade("2")))

	// Queue full: a durable publish must block until the context ends,
	// never silently drop.
	blockCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := p.Publish(blockCtx, sampleTrade("3"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.queue, 2)
}

func TestPublishBestEffortDropsOldest(t *testing.T) {
	p := NewWithQueueSize(nil, "test", 2)

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, sampleSnapshot(1)))
	require.NoError(t, p.Publish(ctx, sampleSnapshot(2)))
	require.NoError(t, p.Publish(ctx, sampleSnapshot(3)))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.queue, 2)
	// Oldest evicted, newest kept.
	assert.Contains(t, p.queue[0].msgID, ".2")
	assert.Contains(t, p.queue[1].msgID, ".3")
}

func TestPublishBestEffortNeverEvictsDurable(t *testing.T) {
	p := NewWithQueueSize(nil, "test", 1)

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, sampleTrade("1")))

	// The queue holds only a durable trade; an incoming snapshot must be
	// the record that gets dropped, not the trade.
	require.NoError(t, p.Publish(ctx, sampleSnapshot(7)))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.queue, 1)
	assert.Equal(t, model.DataTypeTrade, p.queue[0].dataTyp)
	assert.Equal(t, "trade.binance_spot.spot.BTC-USDT", p.queue[0].subject)
}

func TestPublishEvictionSkipsDurableEntries(t *testing.T) {
	p := NewWithQueueSize(nil, "test", 2)

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, sampleTrade("1")))
	require.NoError(t, p.Publish(ctx, sampleSnapshot(1)))
	require.NoError(t, p.Publish(ctx, sampleSnapshot(2)))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.queue, 2)
	// The queued snapshot was evicted, the older trade survived.
	assert.Equal(t, model.DataTypeTrade, p.queue[0].dataTyp)
	assert.Contains(t, p.queue[1].msgID, ".snap.2")
}

func TestPublishMsgIDIsRecordKey(t *testing.T) {
	p := NewWithQueueSize(nil, "test", 8)
	trade := sampleTrade("12345")
	require.NoError(t, p.Publish(context.Background(), trade))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.queue, 1)
	assert.Equal(t, "binance_spot.spot.BTC-USDT.12345", p.queue[0].msgID)
	assert.Equal(t, trade.Key(), p.queue[0].msgID)
}

func TestPublishPayloadKeepsDecimalStrings(t *testing.T) {
	p := NewWithQueueSize(nil, "test", 8)
	require.NoError(t, p.Publish(context.Background(), sampleTrade("1")))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Contains(t, string(p.queue[0].payload), `"45000.5"`)
}
