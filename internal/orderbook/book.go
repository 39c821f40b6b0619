// Package orderbook maintains full per-symbol books from snapshot plus
// delta streams. Each book is owned by exactly one manager worker, so
// book methods are not safe for concurrent use.
package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/model"
)

// State is the book synchronization state.
type State string

const (
	StateInit       State = "init"
	StateSyncing    State = "syncing"
	StateSynced     State = "synced"
	StateRebuilding State = "rebuilding"
	StateFailed     State = "failed"
)

// Ordinal maps a state to its gauge value.
func (s State) Ordinal() int {
	switch s {
	case StateInit:
		return 0
	case StateSyncing:
		return 1
	case StateSynced:
		return 2
	case StateRebuilding:
		return 3
	case StateFailed:
		return 4
	}
	return -1
}

const (
	defaultBufferCap  = 1000
	rebuildWindow     = 10 * time.Minute
	rebuildCap        = 5
	inactivityTimeout = 5 * time.Minute
)

// Action is the outcome of feeding one delta to a book.
type Action int

const (
	ActionNone    Action = iota // buffered, duplicate, or not synced
	ActionEmit                  // delta applied, emit the returned update
	ActionRebuild               // sequence broken, a resync is required
	ActionFailed                // rebuild cap exhausted, symbol quarantined
)

// side is an ordered price ladder. Bids sort descending, asks ascending.
type side struct {
	levels []model.Level
	desc   bool
}

func (s *side) search(price decimal.Decimal) int {
	return sort.Search(len(s.levels), func(i int) bool {
		cmp := s.levels[i].Price.Cmp(price)
		if s.desc {
			return cmp <= 0
		}
		return cmp >= 0
	})
}

// apply sets or removes one level. Zero quantity on an absent level is
// a no-op.
func (s *side) apply(lvl model.Level) {
	i := s.search(lvl.Price)
	found := i < len(s.levels) && s.levels[i].Price.Equal(lvl.Price)

	switch {
	case lvl.Quantity.IsZero() && found:
		s.levels = append(s.levels[:i], s.levels[i+1:]...)
	case lvl.Quantity.IsZero():
		// remove of a non-existent level
	case found:
		s.levels[i].Quantity = lvl.Quantity
	default:
		s.levels = append(s.levels, model.Level{})
		copy(s.levels[i+1:], s.levels[i:])
		s.levels[i] = lvl
	}
}

func (s *side) reset(levels []model.Level) {
	s.levels = append(s.levels[:0], levels...)
	sort.SliceStable(s.levels, func(i, j int) bool {
		if s.desc {
			return s.levels[i].Price.GreaterThan(s.levels[j].Price)
		}
		return s.levels[i].Price.LessThan(s.levels[j].Price)
	})
}

func (s *side) top(n int) []model.Level {
	if n > len(s.levels) {
		n = len(s.levels)
	}
	out := make([]model.Level, n)
	copy(out, s.levels[:n])
	return out
}

// Book is the sequence-validated state for one (exchange, symbol).
type Book struct {
	exchange model.ExchangeID
	market   model.MarketType
	symbol   string
	strategy Strategy

	state        State
	bids         side
	asks         side
	lastUpdateID int64
	lastEmitted  int64 // last_update_id of the previously emitted update
	lastMessage  time.Time

	buffer   []*model.OrderBookUpdate
	rebuilds []time.Time

	// emitSnapshots selects snapshot-polling emission over per-delta
	// emission for this book. snapshotEvery gates the polling cadence;
	// zero polls on every manager tick.
	emitSnapshots bool
	snapshotEvery time.Duration
	lastSnapshot  time.Time

	now func() time.Time
}

// NewBook creates a book in INIT state.
func NewBook(exchange model.ExchangeID, market model.MarketType, symbol string, strategy Strategy) *Book {
	return &Book{
		exchange: exchange,
		market:   market,
		symbol:   symbol,
		strategy: strategy,
		state:    StateInit,
		bids:     side{desc: true},
		asks:     side{desc: false},
		now:      time.Now,
	}
}

// State returns the current synchronization state.
func (b *Book) State() State { return b.state }

// Strategy returns the active depth strategy.
func (b *Book) Strategy() Strategy { return b.strategy }

// SetStrategy switches the depth strategy and resets the state machine.
func (b *Book) SetStrategy(s Strategy) {
	b.strategy = s
	b.reset(StateInit)
}

// StartSync moves the book into SYNCING and begins buffering deltas.
// Returns false when the book is quarantined.
func (b *Book) StartSync() bool {
	if b.state == StateFailed {
		return false
	}
	b.reset(StateSyncing)
	return true
}

func (b *Book) reset(to State) {
	b.state = to
	b.bids.levels = b.bids.levels[:0]
	b.asks.levels = b.asks.levels[:0]
	b.lastUpdateID = 0
	b.lastEmitted = 0
	b.buffer = b.buffer[:0]
}

// Idle reports whether no frame has arrived for the inactivity window.
func (b *Book) Idle() bool {
	return b.state == StateSynced && !b.lastMessage.IsZero() &&
		b.now().Sub(b.lastMessage) > inactivityTimeout
}

// recordRebuild counts a rebuild against the sliding window cap.
// Returns false when the cap is exhausted and the book is quarantined.
func (b *Book) recordRebuild() bool {
	now := b.now()
	kept := b.rebuilds[:0]
	for _, t := range b.rebuilds {
		if now.Sub(t) <= rebuildWindow {
			kept = append(kept, t)
		}
	}
	b.rebuilds = append(kept, now)

	if len(b.rebuilds) > rebuildCap {
		b.state = StateFailed
		return false
	}
	b.reset(StateRebuilding)
	return true
}

// Unquarantine re-enables a FAILED book after operator intervention.
func (b *Book) Unquarantine() {
	if b.state == StateFailed {
		b.rebuilds = b.rebuilds[:0]
		b.reset(StateInit)
	}
}

// ApplyDelta feeds one incoming delta through the state machine. When
// the returned action is ActionEmit, the returned update carries the
// validated changes with prev_last_update_id chained to the previous
// emission.
func (b *Book) ApplyDelta(d *model.OrderBookUpdate) (*model.OrderBookUpdate, Action) {
	b.lastMessage = b.now()

	switch b.state {
	case StateFailed:
		return nil, ActionNone
	case StateInit, StateRebuilding:
		// Deltas before the sync kicks off are buffered too, so nothing
		// is lost between the rebuild trigger and the snapshot request.
		fallthrough
	case StateSyncing:
		if len(b.buffer) >= defaultBufferCap {
			if !b.recordRebuild() {
				return nil, ActionFailed
			}
			return nil, ActionRebuild
		}
		b.buffer = append(b.buffer, d)
		return nil, ActionNone
	}

	// In-band snapshots (OKX action=snapshot) reseed the book directly.
	if d.UpdateType == model.UpdateTypeSnapshot {
		b.bids.reset(d.BidChanges)
		b.asks.reset(d.AskChanges)
		b.lastUpdateID = d.LastUpdateID
		return b.emit(d), ActionEmit
	}

	// Re-delivery of an already applied delta.
	if d.LastUpdateID <= b.lastUpdateID {
		return nil, ActionNone
	}

	if !b.sequenceOK(d) {
		if !b.recordRebuild() {
			return nil, ActionFailed
		}
		return nil, ActionRebuild
	}

	b.applyLevels(d)
	return b.emit(d), ActionEmit
}

// sequenceOK validates a delta against the current position. Venues
// with an explicit prev id (Binance derivatives pu, OKX prevSeqId,
// Deribit prev_change_id) must chain exactly; venues without one
// (Binance spot) must start at last+1.
func (b *Book) sequenceOK(d *model.OrderBookUpdate) bool {
	if d.PrevLastUpdateID != 0 {
		return d.PrevLastUpdateID == b.lastUpdateID
	}
	return d.FirstUpdateID <= b.lastUpdateID+1 && b.lastUpdateID+1 <= d.LastUpdateID
}

func (b *Book) applyLevels(d *model.OrderBookUpdate) {
	for _, lvl := range d.BidChanges {
		b.bids.apply(lvl)
	}
	for _, lvl := range d.AskChanges {
		b.asks.apply(lvl)
	}
	b.lastUpdateID = d.LastUpdateID
}

func (b *Book) emit(d *model.OrderBookUpdate) *model.OrderBookUpdate {
	out := &model.OrderBookUpdate{
		Meta:             d.Meta,
		BidChanges:       d.BidChanges,
		AskChanges:       d.AskChanges,
		FirstUpdateID:    d.FirstUpdateID,
		LastUpdateID:     d.LastUpdateID,
		PrevLastUpdateID: b.lastEmitted,
		UpdateType:       d.UpdateType,
	}
	b.lastEmitted = d.LastUpdateID
	return out
}

// ApplySnapshot seeds the book from a depth snapshot and drains the
// delta buffer per the initial synchronization algorithm. A broken
// first retained delta triggers another rebuild.
func (b *Book) ApplySnapshot(snap *model.OrderBookSnapshot) ([]*model.OrderBookUpdate, Action) {
	if b.state == StateFailed {
		return nil, ActionNone
	}

	b.bids.reset(snap.Bids)
	b.asks.reset(snap.Asks)
	b.lastUpdateID = snap.LastUpdateID
	// Seed the emit chain at the snapshot id: downstream sees the
	// snapshot emission, then updates chaining from its last_update_id.
	b.lastEmitted = snap.LastUpdateID
	b.lastMessage = b.now()

	// Drop deltas fully covered by the snapshot.
	retained := b.buffer[:0]
	for _, d := range b.buffer {
		if d.LastUpdateID > snap.LastUpdateID {
			retained = append(retained, d)
		}
	}

	if len(retained) > 0 {
		first := retained[0]
		if !(first.FirstUpdateID <= snap.LastUpdateID+1 && snap.LastUpdateID+1 <= first.LastUpdateID) {
			b.buffer = b.buffer[:0]
			if !b.recordRebuild() {
				return nil, ActionFailed
			}
			return nil, ActionRebuild
		}
	}

	emitted := make([]*model.OrderBookUpdate, 0, len(retained))
	for _, d := range retained {
		b.applyLevels(d)
		emitted = append(emitted, b.emit(d))
	}
	b.buffer = b.buffer[:0]
	b.state = StateSynced
	return emitted, ActionEmit
}

// Snapshot materializes the current top-N levels. Nil unless SYNCED.
func (b *Book) Snapshot(depth int) *model.OrderBookSnapshot {
	if b.state != StateSynced {
		return nil
	}
	now := b.now().UnixMilli()
	return &model.OrderBookSnapshot{
		Meta: model.Meta{
			ExchangeID:  b.exchange,
			MarketType:  b.market,
			Symbol:      b.symbol,
			EventTS:     now,
			CollectedAt: now,
		},
		Bids:         b.bids.top(depth),
		Asks:         b.asks.top(depth),
		LastUpdateID: b.lastUpdateID,
		DepthLevels:  depth,
		UpdateType:   model.UpdateTypeSnapshot,
	}
}

// Depths returns the current level counts per side.
func (b *Book) Depths() (bids, asks int) {
	return len(b.bids.levels), len(b.asks.levels)
}

// BestBid returns the highest bid, or false on an empty side.
func (b *Book) BestBid() (model.Level, bool) {
	if len(b.bids.levels) == 0 {
		return model.Level{}, false
	}
	return b.bids.levels[0], true
}

// BestAsk returns the lowest ask, or false on an empty side.
func (b *Book) BestAsk() (model.Level, bool) {
	if len(b.asks.levels) == 0 {
		return model.Level{}, false
	}
	return b.asks.levels[0], true
}
