// Package config loads the pipeline configuration from YAML with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cryptoflow/internal/model"
)

// Config is the root configuration shared by both roles.
type Config struct {
	Bus       BusConfig                 `yaml:"bus"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Storage   StorageConfig             `yaml:"storage"`
	Consumers map[string]ConsumerConfig `yaml:"consumers"`
	Health    HealthConfig              `yaml:"health"`
}

// BusConfig configures the JetStream connection and stream overrides.
type BusConfig struct {
	Servers         []string                  `yaml:"servers"`
	StreamOverrides map[string]StreamOverride `yaml:"stream_overrides"`
}

// StreamOverride tunes retention and dedup per stream. Zero values keep
// the built-in defaults.
type StreamOverride struct {
	MaxAgeHours   int `yaml:"max_age_hours"`
	DedupWindowMS int `yaml:"dedup_window_ms"`
	Replicas      int `yaml:"replicas"`
}

// ExchangeConfig enables a venue and selects what to collect from it.
type ExchangeConfig struct {
	Enabled               bool            `yaml:"enabled"`
	Symbols               []string        `yaml:"symbols"`
	DataTypes             []string        `yaml:"data_types"`
	OrderBook             OrderBookConfig `yaml:"orderbook"`
	PingIntervalMS        int             `yaml:"ping_interval_ms"`
	ProactiveReconnectSec int             `yaml:"proactive_reconnect_sec"`
}

// OrderBookConfig selects the orderbook collection method and depth
// strategy for a venue.
type OrderBookConfig struct {
	Method             string `yaml:"method"` // "websocket" (delta) or "snapshot" (polling)
	Strategy           string `yaml:"strategy"`
	SnapshotIntervalMS int    `yaml:"snapshot_interval_ms"`
	SnapshotDepth      int    `yaml:"snapshot_depth"`
	PublishDepth       int    `yaml:"publish_depth"`
}

// StorageConfig holds the columnar store connection and batching knobs.
type StorageConfig struct {
	Host     string                 `yaml:"host"`
	Port     int                    `yaml:"port"`
	HTTPPort int                    `yaml:"http_port"`
	User     string                 `yaml:"user"`
	Password string                 `yaml:"password"`
	Database string                 `yaml:"database"`
	Batch    map[string]BatchConfig `yaml:"batch"`
}

// BatchConfig tunes one table's batch size and flush timeout.
type BatchConfig struct {
	Size      int `yaml:"size"`
	TimeoutMS int `yaml:"timeout_ms"`
}

// ConsumerConfig overrides a durable consumer's delivery settings.
type ConsumerConfig struct {
	DeliverPolicy string `yaml:"deliver_policy"` // all, last, new
	AckWaitMS     int    `yaml:"ack_wait_ms"`
	MaxDeliver    int    `yaml:"max_deliver"`
	MaxAckPending int    `yaml:"max_ack_pending"`
}

// HealthConfig configures the health/metrics HTTP listener.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads the YAML config at path and applies environment overrides.
// A missing path yields the defaults, so the binaries start with only
// environment configuration in development.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Servers: []string{"nats://localhost:4222"},
		},
		Exchanges: map[string]ExchangeConfig{},
		Storage: StorageConfig{
			Host:     "localhost",
			Port:     9000,
			HTTPPort: 8123,
			User:     "default",
			Database: "marketdata",
			Batch:    map[string]BatchConfig{},
		},
		Consumers: map[string]ConsumerConfig{},
		Health: HealthConfig{
			Addr: ":9090",
		},
	}
}

// applyEnv overlays environment variables onto the loaded file.
func (c *Config) applyEnv() {
	if v := getEnv("BUS_SERVERS", ""); v != "" {
		c.Bus.Servers = strings.Split(v, ",")
	}
	if v := getEnv("STORAGE_HOST", ""); v != "" {
		c.Storage.Host = v
	}
	if v := getEnv("STORAGE_USER", ""); v != "" {
		c.Storage.User = v
	}
	if v := getEnv("STORAGE_PASSWORD", ""); v != "" {
		c.Storage.Password = v
	}
	if v := getEnv("STORAGE_DATABASE", ""); v != "" {
		c.Storage.Database = v
	}
	if v := getEnv("HEALTH_ADDR", ""); v != "" {
		c.Health.Addr = v
	}
}

// Validate rejects configurations the components cannot start with.
func (c *Config) Validate() error {
	if len(c.Bus.Servers) == 0 {
		return fmt.Errorf("config: bus.servers must not be empty")
	}

	for name, ex := range c.Exchanges {
		if !model.ExchangeID(name).Valid() {
			return fmt.Errorf("config: unknown exchange %q", name)
		}
		if !ex.Enabled {
			continue
		}
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("config: exchange %s enabled with no symbols", name)
		}
		switch ex.OrderBook.Method {
		case "", "websocket", "snapshot":
		default:
			return fmt.Errorf("config: exchange %s: unknown orderbook method %q", name, ex.OrderBook.Method)
		}
		for _, dt := range ex.DataTypes {
			if !knownDataType(dt) {
				return fmt.Errorf("config: exchange %s: unknown data type %q", name, dt)
			}
		}
	}

	for table, b := range c.Storage.Batch {
		if b.Size < 0 || b.TimeoutMS < 0 {
			return fmt.Errorf("config: storage.batch.%s: negative size or timeout", table)
		}
	}
	return nil
}

// PingInterval returns the venue keep-alive interval or zero for the
// adapter default.
func (e ExchangeConfig) PingInterval() time.Duration {
	return time.Duration(e.PingIntervalMS) * time.Millisecond
}

// ProactiveReconnect returns the proactive reconnect age or zero for
// the adapter default.
func (e ExchangeConfig) ProactiveReconnect() time.Duration {
	return time.Duration(e.ProactiveReconnectSec) * time.Second
}

// CollectsDataType reports whether a data type is enabled for the venue.
// An empty list means all types.
func (e ExchangeConfig) CollectsDataType(dt model.DataType) bool {
	if len(e.DataTypes) == 0 {
		return true
	}
	for _, d := range e.DataTypes {
		if d == string(dt) {
			return true
		}
	}
	return false
}

func knownDataType(s string) bool {
	for _, dt := range model.AllDataTypes {
		if s == string(dt) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
