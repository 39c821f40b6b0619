package orderbook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoflow/internal/model"
)

type fakeFetcher struct {
	mu       sync.Mutex
	lastID   int64
	failures int
	fetches  atomic.Int64
}

func (f *fakeFetcher) FetchSnapshot(_ context.Context, ex model.ExchangeID, market model.MarketType, symbol string, _ int) (*model.OrderBookSnapshot, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("snapshot endpoint unavailable")
	}
	return &model.OrderBookSnapshot{
		Meta: model.Meta{
			ExchangeID: ex,
			MarketType: market,
			Symbol:     symbol,
			EventTS:    time.Now().UnixMilli(),
		},
		Bids:         []model.Level{{Price: decimal.New(45000, 0), Quantity: decimal.New(1, 0)}},
		Asks:         []model.Level{{Price: decimal.New(45001, 0), Quantity: decimal.New(1, 0)}},
		LastUpdateID: f.lastID,
	}, nil
}

func (f *fakeFetcher) setLastID(id int64) {
	f.mu.Lock()
	f.lastID = id
	f.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	records []model.Record
}

func (r *recorder) emit(rec model.Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *recorder) updates() []*model.OrderBookUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.OrderBookUpdate
	for _, rec := range r.records {
		if u, ok := rec.(*model.OrderBookUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) snapshots() []*model.OrderBookSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.OrderBookSnapshot
	for _, rec := range r.records {
		if s, ok := rec.(*model.OrderBookSnapshot); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) all() []model.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Record(nil), r.records...)
}

func managerDelta(first, last, prev int64) *model.OrderBookUpdate {
	return &model.OrderBookUpdate{
		Meta: model.Meta{
			ExchangeID: model.BinanceDerivatives,
			MarketType: model.Perpetual,
			Symbol:     "BTC-USDT",
			EventTS:    time.Now().UnixMilli(),
		},
		BidChanges:       []model.Level{{Price: decimal.New(45000, 0), Quantity: decimal.New(2, 0)}},
		FirstUpdateID:    first,
		LastUpdateID:     last,
		PrevLastUpdateID: prev,
		UpdateType:       model.UpdateTypeDelta,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerSyncAndEmit(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.setLastID(100)
	rec := &recorder{}

	m := NewManager(ManagerConfig{Workers: 1}, fetcher, rec.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Subscribe(model.BinanceDerivatives, model.Perpetual, "BTC-USDT", BookOptions{Strategy: StrategyTrendAnalysis})
	waitFor(t, func() bool { return fetcher.fetches.Load() >= 1 }, "snapshot never fetched")

	// Allow the snapshot to apply, then stream sequential deltas.
	time.Sleep(50 * time.Millisecond)
	for i := int64(0); i < 3; i++ {
		m.Submit(managerDelta(101+i, 101+i, 100+i))
	}

	waitFor(t, func() bool { return len(rec.updates()) == 3 }, "updates not emitted")

	updates := rec.updates()
	for i := 1; i < len(updates); i++ {
		assert.Equal(t, updates[i-1].LastUpdateID, updates[i].PrevLastUpdateID)
	}
}

func TestManagerGapTriggersResync(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.setLastID(100)
	rec := &recorder{}

	m := NewManager(ManagerConfig{Workers: 1}, fetcher, rec.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Subscribe(model.BinanceDerivatives, model.Perpetual, "BTC-USDT", BookOptions{Strategy: StrategyTrendAnalysis})
	waitFor(t, func() bool { return fetcher.fetches.Load() >= 1 }, "initial snapshot never fetched")
	time.Sleep(50 * time.Millisecond)

	m.Submit(managerDelta(101, 101, 100))
	waitFor(t, func() bool { return len(rec.updates()) == 1 }, "first update not emitted")

	// 102 lost; the gap must trigger a second snapshot fetch and the
	// broken delta must not be emitted.
	fetcher.setLastID(103)
	m.Submit(managerDelta(103, 103, 102))
	waitFor(t, func() bool { return fetcher.fetches.Load() >= 2 }, "rebuild never refetched")

	require.Len(t, rec.updates(), 1)

	// After the resync the chain continues from the new snapshot.
	time.Sleep(50 * time.Millisecond)
	m.Submit(managerDelta(104, 104, 103))
	waitFor(t, func() bool { return len(rec.updates()) == 2 }, "post-rebuild update not emitted")
}

func TestManagerSnapshotModeSuppressesDeltas(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.setLastID(100)
	rec := &recorder{}

	m := NewManager(ManagerConfig{Workers: 1, SnapshotInterval: 20 * time.Millisecond}, fetcher, rec.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Subscribe(model.BinanceDerivatives, model.Perpetual, "BTC-USDT", BookOptions{Strategy: StrategyArbitrage, SnapshotMode: true})
	waitFor(t, func() bool { return fetcher.fetches.Load() >= 1 }, "snapshot never fetched")
	time.Sleep(50 * time.Millisecond)

	m.Submit(managerDelta(101, 101, 100))

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, r := range rec.records {
			if _, ok := r.(*model.OrderBookSnapshot); ok {
				return true
			}
		}
		return false
	}, "no polled snapshot emitted")

	assert.Empty(t, rec.updates(), "snapshot mode must not emit deltas")
}

func TestManagerResyncEmitsSnapshotBeforeDeltas(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.setLastID(100)
	rec := &recorder{}

	m := NewManager(ManagerConfig{Workers: 1}, fetcher, rec.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Subscribe(model.BinanceDerivatives, model.Perpetual, "BTC-USDT", BookOptions{Strategy: StrategyTrendAnalysis})
	waitFor(t, func() bool { return fetcher.fetches.Load() >= 1 }, "initial snapshot never fetched")
	time.Sleep(50 * time.Millisecond)

	m.Submit(managerDelta(101, 101, 100))
	waitFor(t, func() bool { return len(rec.updates()) == 1 }, "first update not emitted")

	// 102 is lost; the gap forces a resync against a fresher snapshot.
	fetcher.setLastID(110)
	m.Submit(managerDelta(103, 103, 102))
	waitFor(t, func() bool { return len(rec.snapshots()) >= 2 }, "resync snapshot not emitted")
	time.Sleep(50 * time.Millisecond)

	m.Submit(managerDelta(111, 111, 110))
	waitFor(t, func() bool { return len(rec.updates()) == 2 }, "post-resync update not emitted")

	// The chain break is bridged by a snapshot emission: the last record
	// before the post-resync update must be the id-110 snapshot, and the
	// update must chain from it.
	records := rec.all()
	var lastSnapIdx, lastUpdateIdx int
	for i, r := range records {
		switch v := r.(type) {
		case *model.OrderBookSnapshot:
			lastSnapIdx = i
			assert.Equal(t, model.UpdateTypeSnapshot, v.UpdateType)
		case *model.OrderBookUpdate:
			lastUpdateIdx = i
		}
	}
	assert.Less(t, lastSnapIdx, lastUpdateIdx, "snapshot must precede the resumed updates")

	updates := rec.updates()
	require.Len(t, updates, 2)
	snaps := rec.snapshots()
	assert.Equal(t, int64(110), snaps[len(snaps)-1].LastUpdateID)
	assert.Equal(t, int64(110), updates[1].PrevLastUpdateID)
}

func TestManagerInitialSyncSeedsEmitChain(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.setLastID(100)
	rec := &recorder{}

	m := NewManager(ManagerConfig{Workers: 1}, fetcher, rec.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Subscribe(model.BinanceDerivatives, model.Perpetual, "BTC-USDT", BookOptions{Strategy: StrategyTrendAnalysis})
	waitFor(t, func() bool { return len(rec.snapshots()) == 1 }, "initial snapshot not emitted")
	time.Sleep(50 * time.Millisecond)

	m.Submit(managerDelta(101, 101, 100))
	waitFor(t, func() bool { return len(rec.updates()) == 1 }, "update not emitted")

	// The first update after a sync chains from the snapshot id instead
	// of restarting at zero.
	assert.Equal(t, int64(100), rec.updates()[0].PrevLastUpdateID)
}

func TestManagerUnsubscribeDropsBook(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.setLastID(100)
	rec := &recorder{}

	m := NewManager(ManagerConfig{Workers: 1}, fetcher, rec.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Subscribe(model.BinanceDerivatives, model.Perpetual, "BTC-USDT", BookOptions{Strategy: StrategyTrendAnalysis})
	waitFor(t, func() bool { return fetcher.fetches.Load() >= 1 }, "snapshot never fetched")
	time.Sleep(50 * time.Millisecond)

	m.Submit(managerDelta(101, 101, 100))
	waitFor(t, func() bool { return len(rec.updates()) == 1 }, "update not emitted")

	m.Unsubscribe(model.BinanceDerivatives, "BTC-USDT")

	// The next delta hits a fresh implicit subscription: it buffers while
	// a new sync runs instead of being emitted.
	m.Submit(managerDelta(102, 102, 101))
	waitFor(t, func() bool { return fetcher.fetches.Load() >= 2 }, "implicit resubscription never synced")
	assert.Len(t, rec.updates(), 1)
}

func TestManagerSnapshotCadenceHonorsBookInterval(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.setLastID(100)
	rec := &recorder{}

	m := NewManager(ManagerConfig{Workers: 1, SnapshotInterval: 10 * time.Millisecond}, fetcher, rec.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Subscribe(model.BinanceDerivatives, model.Perpetual, "BTC-USDT", BookOptions{
		Strategy:         StrategyArbitrage,
		SnapshotMode:     true,
		SnapshotInterval: time.Minute,
	})
	waitFor(t, func() bool { return len(rec.snapshots()) == 1 }, "first poll not emitted")

	// The manager ticks every 10ms but the book's own cadence gates
	// further polls.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.snapshots(), 1)
}

func TestManagerSnapshotFetchRetriesWithBackoff(t *testing.T) {
	fetcher := &fakeFetcher{failures: 2}
	fetcher.setLastID(100)
	rec := &recorder{}

	m := NewManager(ManagerConfig{Workers: 1}, fetcher, rec.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Subscribe(model.BinanceDerivatives, model.Perpetual, "BTC-USDT", BookOptions{Strategy: StrategyTrendAnalysis})

	// Two failures are retried inside the fetch goroutine; the third
	// attempt succeeds and the book syncs.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshots()) >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.GreaterOrEqual(t, fetcher.fetches.Load(), int64(3))
	require.NotEmpty(t, rec.snapshots(), "book never synced after retries")
}
