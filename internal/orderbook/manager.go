package orderbook

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"cryptoflow/internal/metrics"
	"cryptoflow/internal/model"
)

// SnapshotFetcher pulls a depth snapshot on demand. The manager never
// issues REST calls itself.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, exchange model.ExchangeID, market model.MarketType, symbol string, depth int) (*model.OrderBookSnapshot, error)
}

// Emitter receives validated updates and snapshots from the manager.
type Emitter func(model.Record)

// ManagerConfig tunes the manager.
type ManagerConfig struct {
	Workers          int
	SnapshotInterval time.Duration // snapshot-polling cadence
	InactivityCheck  time.Duration
}

func (c *ManagerConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Second
	}
	if c.InactivityCheck <= 0 {
		c.InactivityCheck = 30 * time.Second
	}
}

type command struct {
	delta       *model.OrderBookUpdate
	snapshot    *model.OrderBookSnapshot
	snapshotErr error
	snapshotKey string
	strategy    *Strategy
	strategyKey string
	subscribe   *subscribeCmd
	unquarKey   string
	removeKey   string
}

// BookOptions carries the per-book settings a subscription starts with.
type BookOptions struct {
	Strategy Strategy
	// SnapshotMode publishes polled top-N snapshots instead of
	// per-delta updates.
	SnapshotMode bool
	// SnapshotInterval is this book's polling cadence in snapshot mode;
	// zero publishes on every manager tick.
	SnapshotInterval time.Duration
}

type subscribeCmd struct {
	exchange model.ExchangeID
	market   model.MarketType
	symbol   string
	opts     BookOptions
}

// Manager shards books across workers by symbol hash so each book has
// exactly one owning goroutine.
type Manager struct {
	cfg     ManagerConfig
	fetcher SnapshotFetcher
	emit    Emitter

	workers []chan command
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewManager creates a manager. The emitter must be non-blocking or
// bounded; it runs on worker goroutines.
func NewManager(cfg ManagerConfig, fetcher SnapshotFetcher, emit Emitter) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		emit:    emit,
		workers: make([]chan command, cfg.Workers),
	}
	for i := range m.workers {
		m.workers[i] = make(chan command, 256)
	}
	return m
}

// Start launches the worker goroutines.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for i := range m.workers {
		m.wg.Add(1)
		go m.runWorker(ctx, m.workers[i])
	}
}

// Stop terminates the workers and waits for them.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Subscribe registers a symbol and kicks off initial synchronization.
func (m *Manager) Subscribe(exchange model.ExchangeID, market model.MarketType, symbol string, opts BookOptions) {
	m.route(bookKey(exchange, symbol), command{subscribe: &subscribeCmd{
		exchange: exchange,
		market:   market,
		symbol:   symbol,
		opts:     opts,
	}})
}

// Unsubscribe drops a symbol's book. A later delta for the same key
// starts a fresh implicit subscription.
func (m *Manager) Unsubscribe(exchange model.ExchangeID, symbol string) {
	key := bookKey(exchange, symbol)
	m.route(key, command{removeKey: key})
}

// Submit routes a depth delta to its owning worker.
func (m *Manager) Submit(d *model.OrderBookUpdate) {
	m.route(bookKey(d.ExchangeID, d.Symbol), command{delta: d})
}

// SetStrategy switches a symbol's depth strategy at runtime. The book
// resets to INIT and resynchronizes.
func (m *Manager) SetStrategy(exchange model.ExchangeID, symbol string, s Strategy) {
	key := bookKey(exchange, symbol)
	m.route(key, command{strategy: &s, strategyKey: key})
}

// Unquarantine re-enables a FAILED symbol.
func (m *Manager) Unquarantine(exchange model.ExchangeID, symbol string) {
	key := bookKey(exchange, symbol)
	m.route(key, command{unquarKey: key})
}

func bookKey(exchange model.ExchangeID, symbol string) string {
	return string(exchange) + "." + symbol
}

func (m *Manager) route(key string, cmd command) {
	h := fnv.New32a()
	h.Write([]byte(key))
	m.workers[h.Sum32()%uint32(len(m.workers))] <- cmd
}

func (m *Manager) runWorker(ctx context.Context, cmds <-chan command) {
	defer m.wg.Done()

	books := make(map[string]*Book)

	snapTicker := time.NewTicker(m.cfg.SnapshotInterval)
	defer snapTicker.Stop()
	idleTicker := time.NewTicker(m.cfg.InactivityCheck)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-cmds:
			m.handle(ctx, books, cmd)
		case <-snapTicker.C:
			m.pollSnapshots(books)
		case <-idleTicker.C:
			m.checkIdle(ctx, books)
		}
	}
}

func (m *Manager) handle(ctx context.Context, books map[string]*Book, cmd command) {
	switch {
	case cmd.subscribe != nil:
		sub := cmd.subscribe
		key := bookKey(sub.exchange, sub.symbol)
		book := NewBook(sub.exchange, sub.market, sub.symbol, sub.opts.Strategy)
		book.emitSnapshots = sub.opts.SnapshotMode
		book.snapshotEvery = sub.opts.SnapshotInterval
		books[key] = book
		m.startSync(ctx, key, book)

	case cmd.delta != nil:
		d := cmd.delta
		key := bookKey(d.ExchangeID, d.Symbol)
		book, ok := books[key]
		if !ok {
			// Implicit subscription from the first delta.
			book = NewBook(d.ExchangeID, d.MarketType, d.Symbol, StrategyDepthAnalysis)
			books[key] = book
			m.startSync(ctx, key, book)
		}
		m.applyDelta(ctx, key, book, d)

	case cmd.snapshot != nil || cmd.snapshotErr != nil:
		book, ok := books[cmd.snapshotKey]
		if !ok {
			return
		}
		m.applySnapshot(ctx, cmd.snapshotKey, book, cmd.snapshot, cmd.snapshotErr)

	case cmd.strategy != nil:
		book, ok := books[cmd.strategyKey]
		if !ok {
			return
		}
		log.Info().Str("book", cmd.strategyKey).Str("strategy", cmd.strategy.Name).
			Msg("switching depth strategy")
		book.SetStrategy(*cmd.strategy)
		m.startSync(ctx, cmd.strategyKey, book)

	case cmd.unquarKey != "":
		book, ok := books[cmd.unquarKey]
		if !ok {
			return
		}
		book.Unquarantine()
		m.startSync(ctx, cmd.unquarKey, book)

	case cmd.removeKey != "":
		delete(books, cmd.removeKey)
	}
}

func (m *Manager) applyDelta(ctx context.Context, key string, book *Book, d *model.OrderBookUpdate) {
	out, action := book.ApplyDelta(d)
	metrics.RecordBookState(string(book.exchange), book.symbol, book.State().Ordinal())

	switch action {
	case ActionEmit:
		metrics.BookUpdates.WithLabelValues(string(d.ExchangeID), d.Symbol).Inc()
		recordDepth(book)
		if !book.emitSnapshots {
			m.emit(out)
		}
	case ActionRebuild:
		log.Warn().Str("book", key).
			Int64("prev_last_update_id", d.PrevLastUpdateID).
			Int64("first_update_id", d.FirstUpdateID).
			Msg("sequence gap, rebuilding book")
		metrics.BookRebuilds.WithLabelValues(string(d.ExchangeID), d.Symbol, "sequence_gap").Inc()
		m.startSync(ctx, key, book)
	case ActionFailed:
		log.Error().Str("book", key).Msg("rebuild cap exhausted, book quarantined")
	}
}

func (m *Manager) applySnapshot(ctx context.Context, key string, book *Book, snap *model.OrderBookSnapshot, err error) {
	if err != nil {
		log.Warn().Err(err).Str("book", key).Msg("snapshot fetch failed, retrying sync")
		m.startSync(ctx, key, book)
		return
	}

	emitted, action := book.ApplySnapshot(snap)
	metrics.RecordBookState(string(book.exchange), book.symbol, book.State().Ordinal())

	switch action {
	case ActionEmit:
		recordDepth(book)
		if !book.emitSnapshots {
			// The snapshot goes out first so downstream consumers see the
			// reseed before updates whose chain restarts from its id.
			snap.UpdateType = model.UpdateTypeSnapshot
			m.emit(snap)
			for _, u := range emitted {
				m.emit(u)
			}
		}
	case ActionRebuild:
		log.Warn().Str("book", key).Msg("buffered deltas do not cover snapshot, rebuilding")
		metrics.BookRebuilds.WithLabelValues(string(book.exchange), book.symbol, "snapshot_mismatch").Inc()
		m.startSync(ctx, key, book)
	case ActionFailed:
		log.Error().Str("book", key).Msg("rebuild cap exhausted, book quarantined")
	}
}

// startSync puts the book in SYNCING and fetches a snapshot off-worker.
// Fetch failures back off exponentially so a venue outage does not turn
// into a REST hammer.
func (m *Manager) startSync(ctx context.Context, key string, book *Book) {
	if !book.StartSync() {
		return
	}
	metrics.RecordBookState(string(book.exchange), book.symbol, book.State().Ordinal())

	exchange, market, symbol := book.exchange, book.market, book.symbol
	depth := ClampDepth(exchange, book.strategy.SnapshotDepth)

	go func() {
		var snap *model.OrderBookSnapshot
		op := func() error {
			var err error
			snap, err = m.fetcher.FetchSnapshot(ctx, exchange, market, symbol, depth)
			return err
		}
		err := backoff.Retry(op, backoff.WithContext(fetchBackOff(), ctx))
		if ctx.Err() != nil {
			return
		}
		m.route(key, command{snapshot: snap, snapshotErr: err, snapshotKey: key})
	}()
}

func fetchBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute
	return policy
}

func (m *Manager) pollSnapshots(books map[string]*Book) {
	for _, book := range books {
		if !book.emitSnapshots {
			continue
		}
		if book.snapshotEvery > 0 && book.now().Sub(book.lastSnapshot) < book.snapshotEvery {
			continue
		}
		snap := book.Snapshot(book.strategy.PublishDepth)
		if snap == nil {
			continue
		}
		book.lastSnapshot = book.now()
		metrics.SnapshotsEmitted.WithLabelValues(string(book.exchange), book.symbol).Inc()
		m.emit(snap)
	}
}

func recordDepth(book *Book) {
	bids, asks := book.Depths()
	metrics.BookDepth.WithLabelValues(string(book.exchange), book.symbol, "bid").Set(float64(bids))
	metrics.BookDepth.WithLabelValues(string(book.exchange), book.symbol, "ask").Set(float64(asks))
}

func (m *Manager) checkIdle(ctx context.Context, books map[string]*Book) {
	for key, book := range books {
		if book.Idle() {
			log.Warn().Str("book", key).Msg("no frames within inactivity window, rebuilding")
			metrics.BookRebuilds.WithLabelValues(string(book.exchange), book.symbol, "inactivity").Inc()
			if book.recordRebuild() {
				m.startSync(ctx, key, book)
			} else {
				log.Error().Str("book", key).Msg("rebuild cap exhausted, book quarantined")
			}
		}
	}
}
