// Package bus owns the JetStream topology: connection handling plus
// idempotent stream and consumer provisioning, so the publisher and the
// storage consumer can assume the streams exist with known settings.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"cryptoflow/internal/config"
)

// Stream names.
const (
	StreamMarketData    = "MARKET_DATA"
	StreamOrderbookSnap = "ORDERBOOK_SNAP"
)

// Built-in stream settings. Overrides may widen retention or dedup but
// the dedup window is never narrowed below these floors.
const (
	marketDataMaxAge = 48 * time.Hour
	marketDataDedup  = 120 * time.Second
	orderbookMaxAge  = 24 * time.Hour
	orderbookDedup   = 60 * time.Second
)

// Consumer defaults per the durable contract.
const (
	DefaultAckWait       = 60 * time.Second
	DefaultMaxDeliver    = 3
	DefaultMaxAckPending = 2000
)

var marketDataSubjects = []string{
	"trade.>",
	"funding_rate.>",
	"liquidation.>",
	"open_interest.>",
	"lsr_top_position.>",
	"lsr_all_account.>",
	"volatility_index.>",
}

// Bus wraps the NATS connection and its JetStream context.
type Bus struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials the bus with reconnect handling and returns a Bus.
func Connect(cfg config.BusConfig, name string) (*Bus, error) {
	conn, err := nats.Connect(strings.Join(cfg.Servers, ","),
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Bus{conn: conn, js: js}, nil
}

// JetStream exposes the underlying JetStream context.
func (b *Bus) JetStream() jetstream.JetStream { return b.js }

// Connected reports whether the NATS connection is up.
func (b *Bus) Connected() bool { return b.conn.IsConnected() }

// Close drains and closes the connection.
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Provision creates or updates both streams. Safe to call on every
// startup from every role.
func (b *Bus) Provision(ctx context.Context, overrides map[string]config.StreamOverride) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       StreamMarketData,
			Subjects:   marketDataSubjects,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     marketDataMaxAge,
			Duplicates: marketDataDedup,
			Storage:    jetstream.FileStorage,
			Replicas:   1,
		},
		{
			Name:       StreamOrderbookSnap,
			Subjects:   []string{"orderbook.>"},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     orderbookMaxAge,
			Duplicates: orderbookDedup,
			Storage:    jetstream.FileStorage,
			Replicas:   1,
		},
	}

	for _, desired := range streams {
		applyOverride(&desired, overrides[desired.Name])
		if err := b.ensureStream(ctx, desired); err != nil {
			return err
		}
	}
	return nil
}

// applyOverride widens stream settings from config. The dedup floor
// holds regardless of what the override asks for.
func applyOverride(cfg *jetstream.StreamConfig, o config.StreamOverride) {
	floor := cfg.Duplicates
	if o.MaxAgeHours > 0 {
		cfg.MaxAge = time.Duration(o.MaxAgeHours) * time.Hour
	}
	if o.DedupWindowMS > 0 {
		dedup := time.Duration(o.DedupWindowMS) * time.Millisecond
		if dedup < floor {
			log.Warn().Str("stream", cfg.Name).
				Dur("requested", dedup).Dur("floor", floor).
				Msg("dedup window override below floor, keeping floor")
		} else {
			cfg.Duplicates = dedup
		}
	}
	if o.Replicas > 0 {
		cfg.Replicas = o.Replicas
	}
}

func (b *Bus) ensureStream(ctx context.Context, desired jetstream.StreamConfig) error {
	existing, err := b.js.Stream(ctx, desired.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := b.js.CreateStream(ctx, desired); err != nil {
			return fmt.Errorf("create stream %s: %w", desired.Name, err)
		}
		log.Info().Str("stream", desired.Name).Msg("stream created")
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect stream %s: %w", desired.Name, err)
	}

	current := existing.CachedInfo().Config
	if drift := streamDrift(current, desired); len(drift) > 0 {
		log.Warn().Str("stream", desired.Name).Strs("drift", drift).
			Msg("stream config drift, updating")
	}

	// Never narrow the dedup window of a live stream.
	if current.Duplicates > desired.Duplicates {
		desired.Duplicates = current.Duplicates
	}

	if _, err := b.js.UpdateStream(ctx, desired); err != nil {
		return fmt.Errorf("update stream %s: %w", desired.Name, err)
	}
	return nil
}

func streamDrift(current, desired jetstream.StreamConfig) []string {
	var drift []string
	if current.MaxAge != desired.MaxAge {
		drift = append(drift, fmt.Sprintf("max_age %s != %s", current.MaxAge, desired.MaxAge))
	}
	if current.Duplicates != desired.Duplicates {
		drift = append(drift, fmt.Sprintf("dedup %s != %s", current.Duplicates, desired.Duplicates))
	}
	if len(current.Subjects) != len(desired.Subjects) {
		drift = append(drift, "subjects")
	}
	return drift
}

// EnsureConsumer creates or updates a durable pull consumer on the
// stream. Deliver policy defaults to last so restarts favor freshness.
func (b *Bus) EnsureConsumer(ctx context.Context, stream, durable, filter string, override config.ConsumerConfig) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: filter,
		DeliverPolicy: jetstream.DeliverLastPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       DefaultAckWait,
		MaxDeliver:    DefaultMaxDeliver,
		MaxAckPending: DefaultMaxAckPending,
	}

	switch override.DeliverPolicy {
	case "all":
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	case "new":
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	case "", "last":
	default:
		return nil, fmt.Errorf("consumer %s: unknown deliver_policy %q", durable, override.DeliverPolicy)
	}
	if override.AckWaitMS > 0 {
		cfg.AckWait = time.Duration(override.AckWaitMS) * time.Millisecond
	}
	if override.MaxDeliver > 0 {
		cfg.MaxDeliver = override.MaxDeliver
	}
	if override.MaxAckPending > 0 {
		cfg.MaxAckPending = override.MaxAckPending
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s on %s: %w", durable, stream, err)
	}
	return consumer, nil
}
