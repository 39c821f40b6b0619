// Package okx implements the OKX spot and derivatives venue adapters.
// Subscriptions are sent as post-connect frames; the server closes the
// connection after 30 seconds of silence, so the client sends the text
// "ping" keep-alive and rebuilds the connection when no frame arrives
// for five minutes.
package okx

import (
	"time"

	"github.com/goccy/go-json"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
)

const (
	wsPublicURL = "wss://ws.okx.com:8443/ws/v5/public"
	restBase    = "https://www.okx.com"
)

// Channel names on the OKX public socket.
const (
	channelTrades       = "trades"
	channelBooks        = "books" // 400 levels, 100ms
	channelLiquidations = "liquidation-orders"
)

// Adapter covers one OKX market segment.
type Adapter struct {
	exchange model.ExchangeID
	market   model.MarketType
}

// NewSpotAdapter returns the adapter for OKX spot markets.
func NewSpotAdapter() *Adapter {
	return &Adapter{exchange: model.OKXSpot, market: model.Spot}
}

// NewDerivativesAdapter returns the adapter for OKX perpetual swaps.
func NewDerivativesAdapter() *Adapter {
	return &Adapter{exchange: model.OKXDerivatives, market: model.Perpetual}
}

// Exchange returns the venue identifier.
func (a *Adapter) Exchange() model.ExchangeID { return a.exchange }

// Market returns the market segment.
func (a *Adapter) Market() model.MarketType { return a.market }

// URL returns the public WebSocket endpoint. Subscriptions are in-band.
func (a *Adapter) URL(subs []exchange.Subscription) (string, error) {
	if len(subs) == 0 {
		return "", &exchange.ConfigError{Reason: "no subscriptions"}
	}
	for _, sub := range subs {
		if _, err := a.channelName(sub); err != nil {
			return "", err
		}
	}
	return wsPublicURL, nil
}

func (a *Adapter) channelName(sub exchange.Subscription) (string, error) {
	switch sub.Channel {
	case exchange.ChannelTrade:
		return channelTrades, nil
	case exchange.ChannelDepth:
		return channelBooks, nil
	case exchange.ChannelLiquidation:
		if a.market != model.Perpetual {
			return "", &exchange.ConfigError{Reason: "liquidation channel requires derivatives"}
		}
		return channelLiquidations, nil
	default:
		return "", &exchange.ConfigError{Reason: "unknown channel " + sub.Channel}
	}
}

// SubscribeFrames builds the subscribe requests sent after connect and
// after every reconnect.
func (a *Adapter) SubscribeFrames(subs []exchange.Subscription) ([][]byte, error) {
	if len(subs) == 0 {
		return nil, nil
	}

	args := make([]WSSubscribeArg, 0, len(subs))
	for _, sub := range subs {
		channel, err := a.channelName(sub)
		if err != nil {
			return nil, err
		}
		args = append(args, WSSubscribeArg{
			Channel: channel,
			InstID:  model.NativeSymbol(a.exchange, a.market, sub.Symbol),
		})
	}

	frame, err := json.Marshal(WSRequest{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// KeepAlive encodes the OKX contract: text ping every 25s (inside the
// 30s inactivity window) and a full rebuild after five silent minutes.
func (a *Adapter) KeepAlive() exchange.KeepAlivePolicy {
	return exchange.KeepAlivePolicy{
		PingInterval: 25 * time.Second,
		PingFrame:    []byte("ping"),
		PongFrame:    []byte("pong"),
		IdleTimeout:  5 * time.Minute,
	}
}
