// Package binance implements the Binance spot and derivatives venue
// adapters. Subscriptions ride on the combined-stream connect URL, so
// no post-connect subscribe frames are needed; the server closes every
// connection after 24 hours, which the session layer pre-empts with a
// proactive smooth reconnect.
package binance

import (
	"fmt"
	"strings"
	"time"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
)

const (
	spotWSBase        = "wss://stream.binance.com:9443"
	derivativesWSBase = "wss://fstream.binance.com"

	spotRESTBase        = "https://api.binance.com"
	derivativesRESTBase = "https://fapi.binance.com"
)

// Adapter covers one Binance market segment.
type Adapter struct {
	exchange model.ExchangeID
	market   model.MarketType
	wsBase   string
}

// NewSpotAdapter returns the adapter for Binance spot markets.
func NewSpotAdapter() *Adapter {
	return &Adapter{exchange: model.BinanceSpot, market: model.Spot, wsBase: spotWSBase}
}

// NewDerivativesAdapter returns the adapter for Binance USD-M perpetuals.
func NewDerivativesAdapter() *Adapter {
	return &Adapter{exchange: model.BinanceDerivatives, market: model.Perpetual, wsBase: derivativesWSBase}
}

// Exchange returns the venue identifier.
func (a *Adapter) Exchange() model.ExchangeID { return a.exchange }

// Market returns the market segment.
func (a *Adapter) Market() model.MarketType { return a.market }

// URL builds the combined-stream connect URL with all subscriptions
// embedded.
func (a *Adapter) URL(subs []exchange.Subscription) (string, error) {
	if len(subs) == 0 {
		return "", &exchange.ConfigError{Reason: "no subscriptions"}
	}

	streams := make([]string, 0, len(subs))
	for _, sub := range subs {
		stream, err := a.streamName(sub)
		if err != nil {
			return "", err
		}
		streams = append(streams, stream)
	}
	return fmt.Sprintf("%s/stream?streams=%s", a.wsBase, strings.Join(streams, "/")), nil
}

func (a *Adapter) streamName(sub exchange.Subscription) (string, error) {
	symbol := strings.ToLower(model.NativeSymbol(a.exchange, a.market, sub.Symbol))
	switch sub.Channel {
	case exchange.ChannelTrade:
		return symbol + "@trade", nil
	case exchange.ChannelDepth:
		return symbol + "@depth@100ms", nil
	case exchange.ChannelLiquidation:
		if a.market != model.Perpetual {
			return "", &exchange.ConfigError{Reason: "liquidation stream requires derivatives"}
		}
		return symbol + "@forceOrder", nil
	default:
		return "", &exchange.ConfigError{Reason: "unknown channel " + sub.Channel}
	}
}

// SubscribeFrames returns nil: Binance subscriptions are embedded in the
// connect URL and only recorded for reconnect.
func (a *Adapter) SubscribeFrames([]exchange.Subscription) ([][]byte, error) {
	return nil, nil
}

// KeepAlive encodes the Binance contract: the server pings every few
// minutes and expects a pong within a minute (gorilla answers protocol
// pings automatically), the client pings every 20s, and the connection
// is rebuilt proactively at 23h55m ahead of the forced 24h close.
func (a *Adapter) KeepAlive() exchange.KeepAlivePolicy {
	return exchange.KeepAlivePolicy{
		PingInterval: 20 * time.Second,
		MaxConnAge:   23*time.Hour + 55*time.Minute,
	}
}
