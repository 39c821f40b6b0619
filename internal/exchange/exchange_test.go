package exchange

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoflow/internal/model"
)

func TestUnwrapEnvelope(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "combined stream envelope",
			in:   `{"stream":"btcusdt@trade","data":{"e":"trade","p":"45000.50"}}`,
			want: `{"e":"trade","p":"45000.50"}`,
		},
		{
			name: "no data field passes through",
			in:   `{"e":"trade","p":"45000.50"}`,
			want: `{"e":"trade","p":"45000.50"}`,
		},
		{
			name: "list data passes through",
			in:   `{"arg":{"channel":"trades"},"data":[{"px":"1"}]}`,
			want: `{"arg":{"channel":"trades"},"data":[{"px":"1"}]}`,
		},
		{
			name: "non-object frame passes through",
			in:   `[1,2,3]`,
			want: `[1,2,3]`,
		},
		{
			name: "invalid json passes through",
			in:   `{"data":`,
			want: `{"data":`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(UnwrapEnvelope([]byte(tt.in))))
		})
	}
}

func TestUnwrapEnvelopeIdempotent(t *testing.T) {
	in := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","t":1}}`)
	once := UnwrapEnvelope(in)
	twice := UnwrapEnvelope(once)
	assert.Equal(t, string(once), string(twice))
}

func ringFrame(i int) Frame {
	return Frame{
		Exchange:   model.BinanceSpot,
		Market:     model.Spot,
		Data:       []byte(fmt.Sprintf(`{"n":%d}`, i)),
		ReceivedAt: time.Now(),
	}
}

func TestFrameRingPreservesOrder(t *testing.T) {
	r := newFrameRing(8)
	for i := 0; i < 5; i++ {
		r.push(ringFrame(i))
	}

	out := r.drain()
	require.Len(t, out, 5)
	for i, f := range out {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(f.Data))
	}
	assert.Zero(t, r.droppedCount())
	assert.Empty(t, r.drain())
}

func TestFrameRingDropsOldestOnOverflow(t *testing.T) {
	r := newFrameRing(3)
	for i := 0; i < 5; i++ {
		r.push(ringFrame(i))
	}

	out := r.drain()
	require.Len(t, out, 3)
	// Frames 0 and 1 were evicted; 2..4 survive in order.
	for i, f := range out {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i+2), string(f.Data))
	}
	assert.Equal(t, int64(2), r.droppedCount())
}

func TestFrameRingReusableAfterDrain(t *testing.T) {
	r := newFrameRing(2)
	r.push(ringFrame(0))
	r.drain()

	r.push(ringFrame(1))
	r.push(ringFrame(2))
	out := r.drain()
	require.Len(t, out, 2)
	assert.JSONEq(t, `{"n":1}`, string(out[0].Data))
}

type stubAdapter struct {
	urlErr error
}

func (a *stubAdapter) Exchange() model.ExchangeID { return model.BinanceSpot }
func (a *stubAdapter) Market() model.MarketType   { return model.Spot }

func (a *stubAdapter) URL(subs []Subscription) (string, error) {
	if a.urlErr != nil {
		return "", a.urlErr
	}
	return "wss://stream.example.test/ws", nil
}

func (a *stubAdapter) SubscribeFrames(subs []Subscription) ([][]byte, error) { return nil, nil }
func (a *stubAdapter) KeepAlive() KeepAlivePolicy                            { return KeepAlivePolicy{} }

func TestSessionResubscribeQueuesNewSet(t *testing.T) {
	s := NewSession(&stubAdapter{}, []Subscription{{Channel: ChannelTrade, Symbol: "BTC-USDT"}}, SessionConfig{})

	next := []Subscription{
		{Channel: ChannelTrade, Symbol: "BTC-USDT"},
		{Channel: ChannelTrade, Symbol: "ETH-USDT"},
	}
	require.NoError(t, s.Resubscribe(next))

	select {
	case got := <-s.resubCh:
		require.Len(t, got, 2)
		assert.Equal(t, "ETH-USDT", got[1].Symbol)
	default:
		t.Fatal("no subscription set queued")
	}
}

func TestSessionResubscribeReplacesPendingSet(t *testing.T) {
	s := NewSession(&stubAdapter{}, nil, SessionConfig{})

	require.NoError(t, s.Resubscribe([]Subscription{{Channel: ChannelTrade, Symbol: "BTC-USDT"}}))
	require.NoError(t, s.Resubscribe([]Subscription{{Channel: ChannelTrade, Symbol: "SOL-USDT"}}))

	got := <-s.resubCh
	require.Len(t, got, 1)
	assert.Equal(t, "SOL-USDT", got[0].Symbol)
}

func TestSessionResubscribeRejectsInvalidSet(t *testing.T) {
	bad := fmt.Errorf("unsupported channel")
	s := NewSession(&stubAdapter{urlErr: bad}, nil, SessionConfig{})

	err := s.Resubscribe([]Subscription{{Channel: ChannelTrade, Symbol: "BTC-USDT"}})
	require.ErrorIs(t, err, bad)

	select {
	case <-s.resubCh:
		t.Fatal("invalid set must not be queued")
	default:
	}
}

func TestSessionConfigDefaults(t *testing.T) {
	cfg := SessionConfig{}.withDefaults()
	assert.Equal(t, 1024, cfg.FrameBuffer)
	assert.Equal(t, 1000, cfg.RingCapacity)
	assert.Equal(t, 2*time.Second, cfg.OverlapWindow)
	assert.Equal(t, 30*time.Second, cfg.SwitchDeadline)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
}

func TestSessionConfigOverrides(t *testing.T) {
	cfg := SessionConfig{
		FrameBuffer:  64,
		PingInterval: 5 * time.Second,
		MaxConnAge:   time.Hour,
	}.withDefaults()
	assert.Equal(t, 64, cfg.FrameBuffer)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, time.Hour, cfg.MaxConnAge)
}
