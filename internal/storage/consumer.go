package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"cryptoflow/internal/bus"
	"cryptoflow/internal/config"
	"cryptoflow/internal/metrics"
)

// Binding maps one (stream, subject filter) pair onto a table with its
// batching knobs.
type Binding struct {
	Stream       string
	Durable      string
	Filter       string
	Table        string
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultBindings covers every data type. High-rate streams flush at
// larger sizes and shorter timeouts than the low-frequency ones.
func DefaultBindings() []Binding {
	return []Binding{
		{bus.StreamMarketData, "store-trades", "trade.>", TableTrades, 500, time.Second},
		{bus.StreamOrderbookSnap, "store-orderbooks", "orderbook.>", TableOrderbooks, 200, time.Second},
		{bus.StreamMarketData, "store-funding-rates", "funding_rate.>", TableFundingRates, 50, 5 * time.Second},
		{bus.StreamMarketData, "store-open-interests", "open_interest.>", TableOpenInterest, 50, 5 * time.Second},
		{bus.StreamMarketData, "store-liquidations", "liquidation.>", TableLiquidations, 50, time.Second},
		{bus.StreamMarketData, "store-lsr-top", "lsr_top_position.>", TableLSRTop, 50, 5 * time.Second},
		{bus.StreamMarketData, "store-lsr-all", "lsr_all_account.>", TableLSRAll, 50, 5 * time.Second},
		{bus.StreamMarketData, "store-volatility", "volatility_index.>", TableVolatility, 50, 5 * time.Second},
	}
}

// Consumer pulls records from the bus and writes them in batches.
type Consumer struct {
	bus      *bus.Bus
	store    *Store
	cfg      *config.Config
	bindings []Binding

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewConsumer builds a consumer with the default bindings adjusted by
// per-table config overrides.
func NewConsumer(b *bus.Bus, store *Store, cfg *config.Config) *Consumer {
	bindings := DefaultBindings()
	for i := range bindings {
		if o, ok := cfg.Storage.Batch[bindings[i].Table]; ok {
			if o.Size > 0 {
				bindings[i].BatchSize = o.Size
			}
			if o.TimeoutMS > 0 {
				bindings[i].BatchTimeout = time.Duration(o.TimeoutMS) * time.Millisecond
			}
		}
	}
	return &Consumer{bus: b, store: store, cfg: cfg, bindings: bindings}
}

// Start provisions the durable consumers and launches one pull loop per
// binding.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for _, bind := range c.bindings {
		consumer, err := c.bus.EnsureConsumer(ctx, bind.Stream, bind.Durable, bind.Filter,
			c.cfg.Consumers[bind.Durable])
		if err != nil {
			return err
		}

		c.wg.Add(1)
		go func(bind Binding, consumer jetstream.Consumer) {
			defer c.wg.Done()
			c.run(ctx, consumer, bind)
		}(bind, consumer)
	}
	return nil
}

// Stop cancels the pull loops and waits for in-flight batches to
// finish their insert-then-ack cycle.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context, consumer jetstream.Consumer, bind Binding) {
	log.Info().Str("table", bind.Table).Str("filter", bind.Filter).Msg("storage consumer started")

	for ctx.Err() == nil {
		rows, msgs := c.collect(ctx, consumer, bind)
		if len(rows) == 0 {
			continue
		}
		c.flush(ctx, bind, rows, msgs)
	}
}

// collect pulls until the batch is full or the batch timeout elapses.
func (c *Consumer) collect(ctx context.Context, consumer jetstream.Consumer, bind Binding) ([][]any, []jetstream.Msg) {
	var (
		rows [][]any
		msgs []jetstream.Msg
	)

	deadline := time.Now().Add(bind.BatchTimeout)
	for len(rows) < bind.BatchSize && ctx.Err() == nil {
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}

		fetched, err := consumer.Fetch(bind.BatchSize-len(rows), jetstream.FetchMaxWait(wait))
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				log.Warn().Err(err).Str("table", bind.Table).Msg("fetch failed")
				time.Sleep(time.Second)
			}
			break
		}

		for msg := range fetched.Messages() {
			if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 1 {
				metrics.ConsumerRedeliveries.WithLabelValues(bind.Table).Inc()
			}

			row, err := RowFor(bind.Table, msg.Data())
			if err != nil {
				// Malformed payloads never become valid; terminate so
				// they are not redelivered up to max_deliver.
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("undecodable record terminated")
				_ = msg.Term()
				continue
			}
			rows = append(rows, row)
			msgs = append(msgs, msg)
		}
	}
	return rows, msgs
}

// flush inserts the batch and acknowledges only on success. A failed
// insert leaves every message unacked for redelivery.
func (c *Consumer) flush(ctx context.Context, bind Binding, rows [][]any, msgs []jetstream.Msg) {
	timer := metrics.NewTimer()
	if err := c.store.Insert(ctx, bind.Table, rows); err != nil {
		metrics.StoreInsertErrors.WithLabelValues(bind.Table).Inc()
		log.Error().Err(err).Str("table", bind.Table).Int("rows", len(rows)).
			Msg("batch insert failed, leaving messages unacked")
		return
	}
	timer.ObserveDuration(metrics.BatchFlushDuration, bind.Table)
	metrics.BatchRows.WithLabelValues(bind.Table).Observe(float64(len(rows)))

	for _, msg := range msgs {
		if err := msg.Ack(); err != nil {
			log.Warn().Err(err).Str("table", bind.Table).Msg("ack failed")
		}
	}
}
