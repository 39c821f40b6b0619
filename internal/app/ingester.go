// Package app wires the components into the two runnable roles: the
// ingester (sessions, normalizer, orderbook manager, pollers,
// publisher) and the storage consumer. Dependencies flow one way; every
// component receives its collaborators explicitly.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cryptoflow/internal/bus"
	"cryptoflow/internal/config"
	"cryptoflow/internal/exchange"
	"cryptoflow/internal/exchange/binance"
	"cryptoflow/internal/exchange/deribit"
	"cryptoflow/internal/exchange/okx"
	"cryptoflow/internal/health"
	"cryptoflow/internal/model"
	"cryptoflow/internal/normalize"
	"cryptoflow/internal/orderbook"
	"cryptoflow/internal/poller"
	"cryptoflow/internal/publish"
)

// Poll cadences.
const (
	fundingInterval    = 8 * time.Hour
	openInterestEvery  = 15 * time.Minute
	lsrEvery           = 5 * time.Minute
	volatilityEvery    = time.Minute
	defaultGracePeriod = 10 * time.Second
)

// venue bundles everything owned per (exchange, market type).
type venue struct {
	id      model.ExchangeID
	market  model.MarketType
	cfg     config.ExchangeConfig
	session *exchange.Session
	pub     *publish.Publisher
}

// Ingester is the collection role: venue sessions, normalization, the
// book manager, pollers and publishers on top of the bus bindings.
type Ingester struct {
	cfg      *config.Config
	bus      *bus.Bus
	registry *health.Registry
	server   *health.Server

	manager   *orderbook.Manager
	scheduler *poller.Scheduler
	bookPub   *publish.Publisher
	pollPub   *publish.Publisher
	venues    []*venue

	binanceSpot  *binance.RESTClient
	binanceDeriv *binance.RESTClient
	okxSpot      *okx.RESTClient
	okxDeriv     *okx.RESTClient
	deribitREST  *deribit.RESTClient

	mu     sync.Mutex
	wg     sync.WaitGroup
	runCtx context.Context
	cancel context.CancelFunc
}

// NewIngester constructs the role from config. Nothing runs until Start.
func NewIngester(cfg *config.Config) *Ingester {
	return &Ingester{
		cfg:          cfg,
		registry:     health.NewRegistry(),
		binanceSpot:  binance.NewSpotRESTClient(),
		binanceDeriv: binance.NewDerivativesRESTClient(),
		okxSpot:      okx.NewSpotRESTClient(),
		okxDeriv:     okx.NewDerivativesRESTClient(),
		deribitREST:  deribit.NewRESTClient(),
	}
}

// FetchSnapshot routes a snapshot request to the venue REST client.
func (in *Ingester) FetchSnapshot(ctx context.Context, ex model.ExchangeID, market model.MarketType, symbol string, depth int) (*model.OrderBookSnapshot, error) {
	switch ex {
	case model.BinanceSpot:
		return in.binanceSpot.FetchSnapshot(ctx, symbol, depth)
	case model.BinanceDerivatives:
		return in.binanceDeriv.FetchSnapshot(ctx, symbol, depth)
	case model.OKXSpot:
		return in.okxSpot.FetchSnapshot(ctx, symbol, depth)
	case model.OKXDerivatives:
		return in.okxDeriv.FetchSnapshot(ctx, symbol, depth)
	case model.DeribitDerivatives:
		return in.deribitREST.FetchSnapshot(ctx, symbol, depth)
	}
	return nil, fmt.Errorf("no snapshot source for %s", ex)
}

// Start connects the bus, provisions streams and brings up every
// enabled venue.
func (in *Ingester) Start(ctx context.Context) error {
	ctx, in.cancel = context.WithCancel(ctx)
	in.runCtx = ctx

	b, err := bus.Connect(in.cfg.Bus, "cryptoflow-ingest")
	if err != nil {
		return err
	}
	in.bus = b
	if err := b.Provision(ctx, in.cfg.Bus.StreamOverrides); err != nil {
		return err
	}

	in.registry.Register("bus", true)
	in.server = health.NewServer(in.cfg.Health.Addr, in.registry)
	go func() {
		if err := in.server.Start(); err != nil {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	in.bookPub = publish.New(b.JetStream(), "orderbook")
	in.bookPub.Start(ctx)
	in.pollPub = publish.New(b.JetStream(), "pollers")
	in.pollPub.Start(ctx)

	in.manager = orderbook.NewManager(orderbook.ManagerConfig{
		SnapshotInterval: snapshotTickInterval(in.cfg),
	}, in, func(r model.Record) {
		if err := in.bookPub.Publish(ctx, r); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("orderbook publish failed")
		}
	})
	in.manager.Start(ctx)

	in.scheduler = poller.NewScheduler()

	for name, exCfg := range in.cfg.Exchanges {
		if !exCfg.Enabled {
			continue
		}
		if err := in.startVenue(ctx, model.ExchangeID(name), exCfg); err != nil {
			return fmt.Errorf("start venue %s: %w", name, err)
		}
	}

	in.scheduler.Start(ctx)
	in.wg.Add(1)
	go in.watchBus(ctx)

	log.Info().Int("venues", len(in.venues)).Msg("ingester started")
	return nil
}

// Stop shuts down in dependency order: pollers first, then sessions,
// then the book manager, and finally the publishers drain up to grace.
func (in *Ingester) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	if in.scheduler != nil {
		in.scheduler.Stop()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for _, v := range in.venues {
		if err := v.session.Close(closeCtx); err != nil {
			log.Warn().Err(err).Str("venue", string(v.id)).Msg("session close failed")
		}
	}

	if in.manager != nil {
		in.manager.Stop()
	}
	for _, v := range in.venues {
		v.pub.Stop(grace)
	}
	if in.bookPub != nil {
		in.bookPub.Stop(grace)
	}
	if in.pollPub != nil {
		in.pollPub.Stop(grace)
	}

	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()

	if in.server != nil {
		_ = in.server.Stop(grace)
	}
	if in.bus != nil {
		in.bus.Close()
	}
	log.Info().Msg("ingester stopped")
}

// Reload applies config changes to the running venues: symbol set
// changes resubscribe the sessions and adjust the book manager, depth
// strategy switches take effect immediately. Venue removal still needs
// a restart.
func (in *Ingester) Reload(cfg *config.Config) {
	in.mu.Lock()
	defer in.mu.Unlock()

	resched := false
	for _, v := range in.venues {
		next, ok := cfg.Exchanges[string(v.id)]
		if !ok || !next.Enabled {
			log.Warn().Str("venue", string(v.id)).
				Msg("venue removal requires restart, ignoring")
			continue
		}

		added, removed := diffStrings(v.cfg.Symbols, next.Symbols)
		if len(added) > 0 || len(removed) > 0 {
			if err := v.session.Resubscribe(subscriptionsFor(v.id, next)); err != nil {
				log.Error().Err(err).Str("venue", string(v.id)).
					Msg("resubscribe failed, keeping previous symbol set")
				continue
			}
			for _, sym := range removed {
				in.manager.Unsubscribe(v.id, sym)
			}
			if next.CollectsDataType(model.DataTypeOrderBook) {
				opts := bookOptions(next)
				for _, sym := range added {
					in.manager.Subscribe(v.id, symbolMarket(v.id, v.market, sym), sym, opts)
				}
			}
			log.Info().Str("venue", string(v.id)).
				Strs("added", added).Strs("removed", removed).
				Msg("symbol set updated")
			resched = true
		}

		if next.OrderBook.Strategy != v.cfg.OrderBook.Strategy {
			strategy := bookOptions(next).Strategy
			for _, sym := range next.Symbols {
				in.manager.SetStrategy(v.id, sym, strategy)
			}
		}
		v.cfg = next
	}
	in.cfg = cfg

	if resched {
		in.rebuildPollJobs()
	}
	log.Info().Msg("configuration reloaded")
}

// rebuildPollJobs restarts the scheduler so poll jobs pick up changed
// symbol sets.
func (in *Ingester) rebuildPollJobs() {
	in.scheduler.Stop()
	in.scheduler = poller.NewScheduler()
	for _, v := range in.venues {
		in.addPollJobs(v.id, v.cfg)
	}
	in.scheduler.Start(in.runCtx)
}

// bookOptions maps a venue's orderbook configuration onto per-book
// settings; configured depths override the strategy defaults.
func bookOptions(exCfg config.ExchangeConfig) orderbook.BookOptions {
	strategy := orderbook.LookupStrategy(exCfg.OrderBook.Strategy)
	if exCfg.OrderBook.SnapshotDepth > 0 {
		strategy.SnapshotDepth = exCfg.OrderBook.SnapshotDepth
	}
	if exCfg.OrderBook.PublishDepth > 0 {
		strategy.PublishDepth = exCfg.OrderBook.PublishDepth
	}
	return orderbook.BookOptions{
		Strategy:         strategy,
		SnapshotMode:     exCfg.OrderBook.Method == "snapshot",
		SnapshotInterval: time.Duration(exCfg.OrderBook.SnapshotIntervalMS) * time.Millisecond,
	}
}

// symbolMarket refines the venue-level market segment per symbol.
// Deribit carries perpetuals and options on one connection; the
// instrument name decides which one a book belongs to.
func symbolMarket(id model.ExchangeID, fallback model.MarketType, sym string) model.MarketType {
	if id == model.DeribitDerivatives {
		return deribit.MarketFor(sym)
	}
	return fallback
}

// snapshotTickInterval returns the fastest configured snapshot-polling
// cadence; the manager ticks at this rate and each book gates itself on
// its own interval.
func snapshotTickInterval(cfg *config.Config) time.Duration {
	var fastest time.Duration
	for _, ex := range cfg.Exchanges {
		if !ex.Enabled || ex.OrderBook.Method != "snapshot" || ex.OrderBook.SnapshotIntervalMS <= 0 {
			continue
		}
		d := time.Duration(ex.OrderBook.SnapshotIntervalMS) * time.Millisecond
		if fastest == 0 || d < fastest {
			fastest = d
		}
	}
	return fastest
}

// diffStrings splits next against old into additions and removals.
func diffStrings(old, next []string) (added, removed []string) {
	have := make(map[string]bool, len(old))
	for _, s := range old {
		have[s] = true
	}
	want := make(map[string]bool, len(next))
	for _, s := range next {
		want[s] = true
		if !have[s] {
			added = append(added, s)
		}
	}
	for _, s := range old {
		if !want[s] {
			removed = append(removed, s)
		}
	}
	return added, removed
}

func (in *Ingester) startVenue(ctx context.Context, id model.ExchangeID, exCfg config.ExchangeConfig) error {
	adapter, err := adapterFor(id)
	if err != nil {
		return err
	}

	subs := subscriptionsFor(id, exCfg)
	if len(subs) == 0 {
		return fmt.Errorf("no collectable channels configured")
	}

	session := exchange.NewSession(adapter, subs, exchange.SessionConfig{
		PingInterval: exCfg.PingInterval(),
		MaxConnAge:   exCfg.ProactiveReconnect(),
	})
	if err := session.Open(ctx); err != nil {
		return err
	}

	pub := publish.New(in.bus.JetStream(), session.ID())
	pub.Start(ctx)

	v := &venue{id: id, market: adapter.Market(), cfg: exCfg, session: session, pub: pub}
	in.venues = append(in.venues, v)
	in.registry.Register("session:"+string(id), false)

	if exCfg.CollectsDataType(model.DataTypeOrderBook) {
		opts := bookOptions(exCfg)
		for _, sym := range exCfg.Symbols {
			in.manager.Subscribe(id, symbolMarket(id, v.market, sym), sym, opts)
		}
	}

	in.addPollJobs(id, exCfg)

	in.wg.Add(2)
	go in.consumeFrames(ctx, v)
	go in.watchSession(ctx, v)
	go in.validateSymbols(ctx, id, exCfg.Symbols)
	return nil
}

// validateSymbols checks the configured symbols against the venue's
// live instrument list. A miss is operator error, not fatal: the
// session is already up and other symbols keep flowing.
func (in *Ingester) validateSymbols(ctx context.Context, id model.ExchangeID, symbols []string) {
	listed := make(map[string]bool)

	switch id {
	case model.BinanceSpot, model.BinanceDerivatives:
		client := in.binanceSpot
		if id == model.BinanceDerivatives {
			client = in.binanceDeriv
		}
		infos, err := client.FetchInstruments(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("instrument fetch failed, skipping symbol validation")
			return
		}
		for _, info := range infos {
			listed[model.CanonicalSymbol(id, info.Symbol)] = true
		}
	case model.OKXSpot, model.OKXDerivatives:
		client := in.okxSpot
		if id == model.OKXDerivatives {
			client = in.okxDeriv
		}
		instruments, err := client.FetchInstruments(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("instrument fetch failed, skipping symbol validation")
			return
		}
		for _, inst := range instruments {
			listed[model.CanonicalSymbol(id, inst.InstID)] = true
		}
	default:
		return
	}

	for _, sym := range symbols {
		if !listed[sym] {
			log.Warn().Str("venue", string(id)).Str("symbol", sym).
				Msg("configured symbol not listed on venue")
		}
	}
}

// consumeFrames is the session's dispatch loop: frames are normalized
// and routed, with depth deltas going through the book manager and
// everything else straight to the bus.
func (in *Ingester) consumeFrames(ctx context.Context, v *venue) {
	defer in.wg.Done()
	for f := range v.session.Frames() {
		for _, r := range normalize.Normalize(f) {
			if u, ok := r.(*model.OrderBookUpdate); ok {
				in.manager.Submit(u)
				continue
			}
			if err := v.pub.Publish(ctx, r); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("venue", string(v.id)).Msg("publish failed")
			}
		}
	}
}

// watchSession reflects connection state into the health registry.
func (in *Ingester) watchSession(ctx context.Context, v *venue) {
	defer in.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	name := "session:" + string(v.id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if v.session.IsConnected() {
				in.registry.Set(name, health.Healthy)
			} else {
				in.registry.Set(name, health.Degraded)
			}
		}
	}
}

func (in *Ingester) watchBus(ctx context.Context) {
	defer in.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if in.bus.Connected() {
				in.registry.Set("bus", health.Healthy)
			} else {
				in.registry.Set("bus", health.Unhealthy)
			}
		}
	}
}

func adapterFor(id model.ExchangeID) (exchange.Adapter, error) {
	switch id {
	case model.BinanceSpot:
		return binance.NewSpotAdapter(), nil
	case model.BinanceDerivatives:
		return binance.NewDerivativesAdapter(), nil
	case model.OKXSpot:
		return okx.NewSpotAdapter(), nil
	case model.OKXDerivatives:
		return okx.NewDerivativesAdapter(), nil
	case model.DeribitDerivatives:
		return deribit.NewAdapter(), nil
	}
	return nil, fmt.Errorf("unknown exchange %q", id)
}

// subscriptionsFor derives the channel set for a venue from its enabled
// data types.
func subscriptionsFor(id model.ExchangeID, cfg config.ExchangeConfig) []exchange.Subscription {
	var subs []exchange.Subscription
	for _, sym := range cfg.Symbols {
		if cfg.CollectsDataType(model.DataTypeTrade) {
			subs = append(subs, exchange.Subscription{Channel: exchange.ChannelTrade, Symbol: sym})
		}
		if cfg.CollectsDataType(model.DataTypeOrderBook) {
			subs = append(subs, exchange.Subscription{Channel: exchange.ChannelDepth, Symbol: sym})
		}
		if cfg.CollectsDataType(model.DataTypeLiquidation) && supportsLiquidations(id) {
			subs = append(subs, exchange.Subscription{Channel: exchange.ChannelLiquidation, Symbol: sym})
		}
		// Deribit streams funding and open interest over the ticker
		// channel instead of REST polls.
		if id == model.DeribitDerivatives &&
			(cfg.CollectsDataType(model.DataTypeFundingRate) || cfg.CollectsDataType(model.DataTypeOpenInterest)) {
			subs = append(subs, exchange.Subscription{Channel: exchange.ChannelTicker, Symbol: sym})
		}
	}
	return subs
}

func supportsLiquidations(id model.ExchangeID) bool {
	return id == model.BinanceDerivatives || id == model.OKXDerivatives
}
