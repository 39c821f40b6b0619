// Package deribit implements the Deribit derivatives venue adapter.
// Deribit speaks JSON-RPC over the socket: subscriptions are
// public/subscribe requests and the keep-alive is a periodic
// public/test call.
package deribit

import (
	"strings"
	"time"

	"github.com/goccy/go-json"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
)

const (
	wsURL    = "wss://www.deribit.com/ws/api/v2"
	restBase = "https://www.deribit.com"
)

// Adapter covers Deribit derivatives (perpetuals and options).
type Adapter struct{}

// NewAdapter returns the Deribit derivatives adapter.
func NewAdapter() *Adapter { return &Adapter{} }

// Exchange returns the venue identifier.
func (a *Adapter) Exchange() model.ExchangeID { return model.DeribitDerivatives }

// Market returns the market segment most instruments on the venue
// belong to. MarketFor refines the segment per instrument.
func (a *Adapter) Market() model.MarketType { return model.Perpetual }

// MarketFor classifies an instrument by name: options end in a strike
// and a -C/-P flag ("BTC-28MAR25-100000-C"), everything else on the
// collected channels is a perpetual.
func MarketFor(instrument string) model.MarketType {
	if strings.HasSuffix(instrument, "-C") || strings.HasSuffix(instrument, "-P") {
		return model.Options
	}
	return model.Perpetual
}

// URL returns the JSON-RPC WebSocket endpoint.
func (a *Adapter) URL(subs []exchange.Subscription) (string, error) {
	if len(subs) == 0 {
		return "", &exchange.ConfigError{Reason: "no subscriptions"}
	}
	for _, sub := range subs {
		if _, err := a.channelName(sub); err != nil {
			return "", err
		}
	}
	return wsURL, nil
}

func (a *Adapter) channelName(sub exchange.Subscription) (string, error) {
	instrument := model.NativeSymbol(model.DeribitDerivatives, model.Perpetual, sub.Symbol)
	switch sub.Channel {
	case exchange.ChannelTrade:
		return "trades." + instrument + ".raw", nil
	case exchange.ChannelDepth:
		return "book." + instrument + ".100ms", nil
	case exchange.ChannelTicker:
		return "ticker." + instrument + ".100ms", nil
	default:
		return "", &exchange.ConfigError{Reason: "unknown channel " + sub.Channel}
	}
}

// SubscribeFrames builds one public/subscribe request covering every
// channel, plus the heartbeat setup call.
func (a *Adapter) SubscribeFrames(subs []exchange.Subscription) ([][]byte, error) {
	if len(subs) == 0 {
		return nil, nil
	}

	channels := make([]string, 0, len(subs))
	for _, sub := range subs {
		channel, err := a.channelName(sub)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}

	subscribe, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "public/subscribe",
		Params:  map[string]any{"channels": channels},
	})
	if err != nil {
		return nil, err
	}

	heartbeat, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      2,
		Method:  "public/set_heartbeat",
		Params:  map[string]any{"interval": 30},
	})
	if err != nil {
		return nil, err
	}

	return [][]byte{subscribe, heartbeat}, nil
}

// KeepAlive sends a public/test call every 25s, which also answers the
// server's heartbeat test_request within its window.
func (a *Adapter) KeepAlive() exchange.KeepAlivePolicy {
	ping, _ := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      3,
		Method:  "public/test",
		Params:  map[string]any{},
	})
	return exchange.KeepAlivePolicy{
		PingInterval: 25 * time.Second,
		PingFrame:    ping,
		IdleTimeout:  5 * time.Minute,
	}
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// VolatilityCurrency derives the DVOL currency from a canonical symbol
// (BTC → btc_usd index).
func VolatilityCurrency(canonical string) string {
	base, _, _ := strings.Cut(canonical, "-")
	return strings.ToUpper(base)
}
