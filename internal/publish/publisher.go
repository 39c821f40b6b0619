// Package publish maps canonical records onto bus subjects and writes
// them to JetStream. Each session feeds one Publisher; the bounded
// outbound queue applies backpressure for durable types and drops
// oldest for the best-effort snapshot stream.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"cryptoflow/internal/metrics"
	"cryptoflow/internal/model"
)

const (
	defaultQueueSize  = 10_000
	publishMaxRetries = 3
)

// Subject builds the bus subject for a record:
// <data_type>.<exchange_id>.<market_type>.<symbol>.
func Subject(r model.Record) string {
	return fmt.Sprintf("%s.%s.%s.%s", r.Type(), r.Exchange(), r.Market(), r.CanonicalSymbol())
}

type outbound struct {
	subject   string
	msgID     string
	payload   []byte
	dataTyp   model.DataType
	droppable bool
}

// Publisher is the per-session outbound path to the bus.
type Publisher struct {
	js      jetstream.JetStream
	session string

	mu    sync.Mutex
	queue []outbound
	slots chan struct{} // counts queued entries, capacity bounds the queue
	wake  chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a publisher with the default queue bound.
func New(js jetstream.JetStream, session string) *Publisher {
	return NewWithQueueSize(js, session, defaultQueueSize)
}

// NewWithQueueSize creates a publisher with an explicit queue bound.
func NewWithQueueSize(js jetstream.JetStream, session string, size int) *Publisher {
	return &Publisher{
		js:      js,
		session: session,
		slots:   make(chan struct{}, size),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the drain goroutine.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.drain(ctx)
}

// Stop drains the remaining queue within grace, then terminates.
func (p *Publisher) Stop(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		empty := len(p.queue) == 0
		p.mu.Unlock()
		if empty {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// bestEffort reports whether the record rides the drop-oldest path.
// Only snapshot-polling order books are replayable from the next tick;
// everything else is durable and blocks when the queue is full.
func bestEffort(r model.Record) bool {
	_, isSnap := r.(*model.OrderBookSnapshot)
	return isSnap
}

// Publish enqueues one record. For durable types a full queue blocks
// the caller, pushing backpressure up into the session; best-effort
// records evict the oldest queued entry instead.
func (p *Publisher) Publish(ctx context.Context, r model.Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		metrics.PublishErrors.WithLabelValues(string(r.Type()), "marshal").Inc()
		return fmt.Errorf("marshal %s: %w", r.Type(), err)
	}

	item := outbound{
		subject:   Subject(r),
		msgID:     r.Key(),
		payload:   payload,
		dataTyp:   r.Type(),
		droppable: bestEffort(r),
	}

	if bestEffort(r) {
		select {
		case p.slots <- struct{}{}:
		default:
			p.evictOldest()
			select {
			case p.slots <- struct{}{}:
			default:
				metrics.PublishQueueDropped.WithLabelValues(string(r.Type())).Inc()
				return nil
			}
		}
	} else {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	p.queue = append(p.queue, item)
	depth := len(p.queue)
	p.mu.Unlock()
	metrics.PublishQueueDepth.WithLabelValues(p.session).Set(float64(depth))

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// evictOldest removes the oldest best-effort entry. Durable entries are
// never evicted; when only durable records are queued the incoming
// best-effort record is the one that gets dropped.
func (p *Publisher) evictOldest() {
	p.mu.Lock()
	idx := -1
	for i, item := range p.queue {
		if item.droppable {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	dropped := p.queue[idx]
	p.queue = append(p.queue[:idx], p.queue[idx+1:]...)
	p.mu.Unlock()

	select {
	case <-p.slots:
	default:
	}
	metrics.PublishQueueDropped.WithLabelValues(string(dropped.dataTyp)).Inc()
}

func (p *Publisher) drain(ctx context.Context) {
	defer p.wg.Done()
	for {
		item, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		p.send(ctx, item)
	}
}

func (p *Publisher) next() (outbound, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return outbound{}, false
	}
	item := p.queue[0]
	p.queue = p.queue[1:]
	select {
	case <-p.slots:
	default:
	}
	return item, true
}

// send publishes one message with bounded retries. The Nats-Msg-Id
// header carries the record key so the stream dedup window collapses
// redeliveries and overlap-window duplicates server-side.
func (p *Publisher) send(ctx context.Context, item outbound) {
	timer := metrics.NewTimer()

	op := func() error {
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := p.js.PublishMsg(pubCtx, &nats.Msg{
			Subject: item.subject,
			Data:    item.payload,
			Header:  nats.Header{jetstream.MsgIDHeader: []string{item.msgID}},
		})
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), publishMaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return
		}
		kind := "transient"
		if permanent(err) {
			kind = "permanent"
		}
		metrics.PublishErrors.WithLabelValues(string(item.dataTyp), kind).Inc()
		log.Error().Err(err).Str("subject", item.subject).Msg("publish failed, record dropped")
		return
	}

	timer.ObserveDuration(metrics.PublishDuration, string(item.dataTyp))
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, nats.ErrMaxPayload) ||
		errors.Is(err, nats.ErrBadSubject) ||
		errors.Is(err, jetstream.ErrInvalidSubject)
}
