package bus

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"cryptoflow/internal/config"
)

func marketDataConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       StreamMarketData,
		Subjects:   marketDataSubjects,
		MaxAge:     marketDataMaxAge,
		Duplicates: marketDataDedup,
	}
}

func TestApplyOverrideWidens(t *testing.T) {
	cfg := marketDataConfig()
	applyOverride(&cfg, config.StreamOverride{
		MaxAgeHours:   72,
		DedupWindowMS: 300_000,
		Replicas:      3,
	})

	assert.Equal(t, 72*time.Hour, cfg.MaxAge)
	assert.Equal(t, 5*time.Minute, cfg.Duplicates)
	assert.Equal(t, 3, cfg.Replicas)
}

func TestApplyOverrideNeverNarrowsDedup(t *testing.T) {
	cfg := marketDataConfig()
	applyOverride(&cfg, config.StreamOverride{DedupWindowMS: 1000})
	assert.Equal(t, marketDataDedup, cfg.Duplicates)
}

func TestApplyOverrideZeroKeepsDefaults(t *testing.T) {
	cfg := marketDataConfig()
	applyOverride(&cfg, config.StreamOverride{})
	assert.Equal(t, marketDataMaxAge, cfg.MaxAge)
	assert.Equal(t, marketDataDedup, cfg.Duplicates)
}

func TestStreamDrift(t *testing.T) {
	current := marketDataConfig()
	desired := marketDataConfig()
	assert.Empty(t, streamDrift(current, desired))

	current.MaxAge = 24 * time.Hour
	current.Duplicates = 30 * time.Second
	drift := streamDrift(current, desired)
	assert.Len(t, drift, 2)
}

func TestMarketDataSubjectsCoverEveryDurableType(t *testing.T) {
	want := []string{
		"trade.>", "funding_rate.>", "liquidation.>", "open_interest.>",
		"lsr_top_position.>", "lsr_all_account.>", "volatility_index.>",
	}
	assert.ElementsMatch(t, want, marketDataSubjects)
}
