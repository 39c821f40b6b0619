// Package exchange owns the long-lived WebSocket sessions to the venues.
// Each session pairs one connection with a read loop and a control loop,
// delivers decoded frames upward in receive order, and survives both
// venue-forced and proactive disconnects.
package exchange

import (
	"fmt"
	"time"

	"cryptoflow/internal/model"
)

// Channel names understood by the venue adapters.
const (
	ChannelTrade       = "trade"
	ChannelDepth       = "depth"
	ChannelLiquidation = "liquidation"
	ChannelFundingRate = "funding_rate"
	ChannelTicker      = "ticker"
)

// Subscription is one (channel, symbol) pair. Symbol is canonical; the
// adapter converts to the venue-native form.
type Subscription struct {
	Channel string
	Symbol  string
}

// KeepAlivePolicy encodes a venue's keep-alive and forced-disconnect
// contract.
type KeepAlivePolicy struct {
	// PingInterval is how often the client sends a keep-alive.
	PingInterval time.Duration
	// PingFrame is the application-level ping payload. Nil means a
	// WebSocket protocol ping control frame.
	PingFrame []byte
	// PongFrame is the expected application-level pong payload, consumed
	// before dispatch. Nil when the venue uses protocol pongs.
	PongFrame []byte
	// MaxConnAge triggers a proactive smooth reconnect before the venue
	// forces the connection closed. Zero disables.
	MaxConnAge time.Duration
	// IdleTimeout rebuilds the connection when no frame arrives for this
	// long. Zero disables.
	IdleTimeout time.Duration
}

// Adapter encapsulates one venue's connect URL, subscription format and
// keep-alive contract. Adapters are stateless; shared helpers are
// composed in, not inherited.
type Adapter interface {
	// Exchange returns the venue identifier.
	Exchange() model.ExchangeID

	// Market returns the market segment this adapter serves.
	Market() model.MarketType

	// URL builds the connect URL. Venues with URL-embedded subscriptions
	// (Binance combined streams) encode them here.
	URL(subs []Subscription) (string, error)

	// SubscribeFrames returns the post-connect subscription requests for
	// venues that subscribe in-band (OKX, Deribit). Nil when the URL
	// carries the subscriptions.
	SubscribeFrames(subs []Subscription) ([][]byte, error)

	// KeepAlive returns the venue keep-alive policy.
	KeepAlive() KeepAlivePolicy
}

// Frame is one decoded message delivered upward. Data holds the payload
// after combined-stream envelope unwrapping.
type Frame struct {
	Exchange   model.ExchangeID
	Market     model.MarketType
	Data       []byte
	ReceivedAt time.Time
}

// ConnectError indicates the venue endpoint could not be reached.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError indicates the venue rejected the handshake.
type AuthError struct {
	Exchange model.ExchangeID
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected by %s: %v", e.Exchange, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConfigError indicates an unusable session setup, such as an unknown
// channel name.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "session config: " + e.Reason
}
