package exchange

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"cryptoflow/internal/metrics"
)

// SessionConfig tunes a session's buffers and reconnect behaviour. Zero
// values select the defaults.
type SessionConfig struct {
	FrameBuffer    int           // outbound frame channel capacity (default 1024)
	RingCapacity   int           // reconnect ring capacity (default 1000)
	OverlapWindow  time.Duration // dual-connection overlap (default 2s)
	SwitchDeadline time.Duration // max dual-connection duration (default 30s)
	DialTimeout    time.Duration // handshake timeout (default 10s)

	// Overrides for the adapter keep-alive policy; zero keeps the
	// adapter values.
	PingInterval time.Duration
	MaxConnAge   time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 1024
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = 1000
	}
	if c.OverlapWindow <= 0 {
		c.OverlapWindow = 2 * time.Second
	}
	if c.SwitchDeadline <= 0 {
		c.SwitchDeadline = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// wsConn pairs a physical connection with its write lock and retirement
// signal. Loops belonging to a retired connection observe done and exit.
type wsConn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	openedAt time.Time
	done     chan struct{}
	retired  atomic.Bool
}

func (c *wsConn) retire() {
	if c.retired.CompareAndSwap(false, true) {
		close(c.done)
		c.ws.Close()
	}
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

// Session owns one logical connection per (exchange, market type) and
// delivers frames upward in receive order on Frames().
type Session struct {
	id      string
	adapter Adapter
	cfg     SessionConfig
	policy  KeepAlivePolicy
	subs    []Subscription

	out  chan Frame
	ring *frameRing

	// modeMu orders the reconnecting-mode transitions against frame
	// dispatch so the ring drains without interleaving.
	modeMu       sync.Mutex
	reconnecting bool

	connMu sync.RWMutex
	conn   *wsConn

	failCh  chan *wsConn
	resubCh chan []Subscription

	reconnects  atomic.Int64
	lastFrameMS atomic.Int64

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSession creates a session for the adapter with the given
// subscription set. Open must be called before Frames delivers anything.
func NewSession(adapter Adapter, subs []Subscription, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	policy := adapter.KeepAlive()
	if cfg.PingInterval > 0 {
		policy.PingInterval = cfg.PingInterval
	}
	if cfg.MaxConnAge > 0 {
		policy.MaxConnAge = cfg.MaxConnAge
	}

	return &Session{
		id:      uuid.NewString(),
		adapter: adapter,
		cfg:     cfg,
		policy:  policy,
		subs:    subs,
		out:     make(chan Frame, cfg.FrameBuffer),
		ring:    newFrameRing(cfg.RingCapacity),
		failCh:  make(chan *wsConn, 4),
		resubCh: make(chan []Subscription, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the session's unique identifier, used in logs and metrics.
func (s *Session) ID() string { return s.id }

// Frames returns the ordered frame stream. The channel closes after
// Close completes.
func (s *Session) Frames() <-chan Frame { return s.out }

// ReconnectCount returns the number of reconnects performed.
func (s *Session) ReconnectCount() int64 { return s.reconnects.Load() }

// LastFrameTime returns when the last frame arrived.
func (s *Session) LastFrameTime() time.Time {
	ms := s.lastFrameMS.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// IsConnected reports whether a live connection is attached.
func (s *Session) IsConnected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil && !s.conn.retired.Load()
}

// Open validates the subscription set, establishes the WebSocket and starts the
// session loops. Returns ConfigError for an unknown channel,
// ConnectError when the endpoint is unreachable and AuthError when the
// handshake is rejected.
func (s *Session) Open(ctx context.Context) error {
	// Validate the subscription set before dialing anything.
	if _, err := s.adapter.URL(s.subs); err != nil {
		return err
	}
	if _, err := s.adapter.SubscribeFrames(s.subs); err != nil {
		return err
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	if err := s.applySubscriptions(conn); err != nil {
		conn.retire()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.setConn(conn)
	s.startConnLoops(conn)

	s.wg.Add(1)
	go s.supervise(runCtx)

	metrics.RecordConnectionStatus(string(s.adapter.Exchange()), true)
	log.Info().
		Str("session", s.id).
		Str("exchange", string(s.adapter.Exchange())).
		Int("subscriptions", len(s.subs)).
		Msg("Session opened")
	return nil
}

// Resubscribe replaces the subscription set. The session rotates the
// connection through the smooth dual-connection switch so the new set
// takes effect without losing frames on the surviving channels. A later
// call supersedes a pending one.
func (s *Session) Resubscribe(subs []Subscription) error {
	if _, err := s.adapter.URL(subs); err != nil {
		return err
	}
	if _, err := s.adapter.SubscribeFrames(subs); err != nil {
		return err
	}

	select {
	case <-s.resubCh:
	default:
	}
	select {
	case s.resubCh <- subs:
	default:
	}
	return nil
}

// Close gracefully shuts the session down and drains in-flight frames.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.retire()
		s.conn = nil
	}
	s.connMu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(s.out)
	metrics.RecordConnectionStatus(string(s.adapter.Exchange()), false)
	return nil
}

func (s *Session) dial(ctx context.Context) (*wsConn, error) {
	url, err := s.adapter.URL(s.subs)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, &AuthError{Exchange: s.adapter.Exchange(), Err: err}
		}
		return nil, &ConnectError{URL: url, Err: err}
	}

	return &wsConn{
		ws:       ws,
		openedAt: time.Now(),
		done:     make(chan struct{}),
	}, nil
}

// applySubscriptions sends post-connect subscription frames for venues
// that require them.
func (s *Session) applySubscriptions(conn *wsConn) error {
	frames, err := s.adapter.SubscribeFrames(s.subs)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := conn.write(websocket.TextMessage, frame); err != nil {
			return &ConnectError{URL: "subscribe", Err: err}
		}
	}
	return nil
}

func (s *Session) setConn(conn *wsConn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) currentConn() *wsConn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

func (s *Session) startConnLoops(conn *wsConn) {
	s.wg.Add(2)
	go s.readLoop(conn)
	go s.pingLoop(conn)
}

// supervise reacts to connection failures and proactive reconnect age.
func (s *Session) supervise(ctx context.Context) {
	defer s.wg.Done()

	var ageCh <-chan time.Time
	var ageTimer *time.Timer
	resetAge := func(openedAt time.Time) {
		if s.policy.MaxConnAge <= 0 {
			return
		}
		remaining := s.policy.MaxConnAge - time.Since(openedAt)
		if remaining < time.Second {
			remaining = time.Second
		}
		if ageTimer == nil {
			ageTimer = time.NewTimer(remaining)
			ageCh = ageTimer.C
		} else {
			ageTimer.Reset(remaining)
		}
	}
	if conn := s.currentConn(); conn != nil {
		resetAge(conn.openedAt)
	}
	defer func() {
		if ageTimer != nil {
			ageTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case failed := <-s.failCh:
			if failed != s.currentConn() || s.closed.Load() {
				continue // stale notification from a retired connection
			}
			failed.retire()
			metrics.RecordConnectionStatus(string(s.adapter.Exchange()), false)
			if conn := s.plainReconnect(ctx); conn != nil {
				resetAge(conn.openedAt)
			}
		case <-ageCh:
			conn := s.smoothSwitch(ctx)
			if conn == nil {
				conn = s.plainReconnect(ctx)
			}
			if conn != nil {
				resetAge(conn.openedAt)
			}
		case subs := <-s.resubCh:
			s.subs = subs
			conn := s.smoothSwitch(ctx)
			if conn == nil {
				conn = s.plainReconnect(ctx)
			}
			if conn != nil {
				resetAge(conn.openedAt)
			}
		}
	}
}

// plainReconnect dials a replacement connection with unlimited
// exponential backoff and re-applies the recorded subscription set.
func (s *Session) plainReconnect(ctx context.Context) *wsConn {
	exchange := string(s.adapter.Exchange())

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 5 * time.Minute
	policy.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-time.After(policy.NextBackOff()):
		}

		s.reconnects.Add(1)
		metrics.RecordReconnect(exchange)

		conn, err := s.dial(ctx)
		if err != nil {
			log.Warn().
				Err(err).
				Str("exchange", exchange).
				Int("attempt", attempt).
				Msg("Reconnect attempt failed")
			continue
		}
		if err := s.applySubscriptions(conn); err != nil {
			conn.retire()
			log.Warn().Err(err).Str("exchange", exchange).Msg("Resubscribe failed, retrying")
			continue
		}

		s.setConn(conn)
		s.startConnLoops(conn)
		metrics.RecordConnectionStatus(exchange, true)
		log.Info().
			Str("exchange", exchange).
			Int("attempt", attempt).
			Msg("Reconnected to exchange")
		return conn
	}
}

// smoothSwitch performs the zero-loss dual-connection switch: frames are
// buffered while a second socket comes up, the primary reference swaps
// atomically, and the buffer drains through the normal dispatch path.
// Returns nil when the switch could not complete within the deadline.
func (s *Session) smoothSwitch(ctx context.Context) *wsConn {
	exchange := string(s.adapter.Exchange())
	old := s.currentConn()
	if old == nil {
		return nil
	}

	s.enterReconnecting()
	log.Info().Str("exchange", exchange).Msg("Starting smooth reconnect")

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.SwitchDeadline)
	defer cancel()

	next, err := s.dial(dialCtx)
	if err != nil {
		s.exitReconnecting()
		metrics.SmoothSwitches.WithLabelValues(exchange, "aborted").Inc()
		log.Warn().Err(err).Str("exchange", exchange).Msg("Smooth reconnect aborted, falling back")
		old.retire()
		return nil
	}
	s.startConnLoops(next)

	// Both sockets deliver into the ring during the overlap; duplicates
	// are collapsed downstream by sequence checks and bus dedup.
	select {
	case <-time.After(s.cfg.OverlapWindow):
	case <-s.done:
		next.retire()
		s.exitReconnecting()
		return nil
	}

	if err := s.applySubscriptions(next); err != nil {
		next.retire()
		s.exitReconnecting()
		metrics.SmoothSwitches.WithLabelValues(exchange, "aborted").Inc()
		old.retire()
		return nil
	}

	s.setConn(next)
	s.reconnects.Add(1)
	metrics.RecordReconnect(exchange)

	dropped := s.ring.droppedCount()
	s.exitReconnecting()
	old.retire()

	if dropped > 0 {
		metrics.ReconnectBufferDropped.WithLabelValues(exchange).Add(float64(dropped))
	}

	metrics.SmoothSwitches.WithLabelValues(exchange, "completed").Inc()
	log.Info().
		Str("exchange", exchange).
		Int64("buffer_dropped", dropped).
		Msg("Smooth reconnect completed")
	return next
}

func (s *Session) enterReconnecting() {
	s.modeMu.Lock()
	s.reconnecting = true
	s.modeMu.Unlock()
}

// exitReconnecting drains the ring through the dispatch path and leaves
// reconnecting mode in one step, preserving frame order.
func (s *Session) exitReconnecting() {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	for _, f := range s.ring.drain() {
		s.deliver(f)
	}
	s.reconnecting = false
}

func (s *Session) readLoop(conn *wsConn) {
	defer s.wg.Done()

	for {
		select {
		case <-conn.done:
			return
		case <-s.done:
			return
		default:
		}

		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if conn.retired.Load() || s.closed.Load() {
				return
			}
			log.Warn().
				Err(err).
				Str("exchange", string(s.adapter.Exchange())).
				Msg("WebSocket read error")
			select {
			case s.failCh <- conn:
			default:
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *Session) handleMessage(message []byte) {
	exchange := string(s.adapter.Exchange())
	s.lastFrameMS.Store(time.Now().UnixMilli())
	metrics.FramesReceived.WithLabelValues(exchange).Inc()

	if len(s.policy.PongFrame) > 0 && bytes.Equal(bytes.TrimSpace(message), s.policy.PongFrame) {
		return
	}

	if !json.Valid(message) {
		metrics.FramesDropped.WithLabelValues(exchange, "parse_error").Inc()
		log.Debug().Str("exchange", exchange).Msg("Dropping unparseable frame")
		return
	}

	frame := Frame{
		Exchange:   s.adapter.Exchange(),
		Market:     s.adapter.Market(),
		Data:       UnwrapEnvelope(message),
		ReceivedAt: time.Now(),
	}

	s.modeMu.Lock()
	if s.reconnecting {
		s.ring.push(frame)
		s.modeMu.Unlock()
		return
	}
	s.deliver(frame)
	s.modeMu.Unlock()
}

// deliver blocks when the consumer is slow; backpressure is intentional
// on the session receive path.
func (s *Session) deliver(f Frame) {
	select {
	case s.out <- f:
	case <-s.done:
	}
}

func (s *Session) pingLoop(conn *wsConn) {
	defer s.wg.Done()

	interval := s.policy.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-s.done:
			return
		case <-ticker.C:
			var err error
			if s.policy.PingFrame != nil {
				err = conn.write(websocket.TextMessage, s.policy.PingFrame)
			} else {
				conn.writeMu.Lock()
				err = conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				conn.writeMu.Unlock()
			}
			if err != nil && !conn.retired.Load() {
				select {
				case s.failCh <- conn:
				default:
				}
				return
			}

			if s.policy.IdleTimeout > 0 {
				last := s.LastFrameTime()
				if !last.IsZero() && time.Since(last) > s.policy.IdleTimeout && !conn.retired.Load() {
					log.Warn().
						Str("exchange", string(s.adapter.Exchange())).
						Dur("idle", time.Since(last)).
						Msg("No frames received, rebuilding connection")
					select {
					case s.failCh <- conn:
					default:
					}
					return
				}
			}
		}
	}
}
