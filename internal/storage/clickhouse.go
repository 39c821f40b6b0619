package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"cryptoflow/internal/config"
	"cryptoflow/internal/metrics"
)

// Store wraps two ClickHouse connections: the native protocol for the
// fast path and HTTP as a semantically identical fallback when the
// native path is tripping its breaker.
type Store struct {
	native  driver.Conn
	http    driver.Conn
	breaker *gobreaker.CircuitBreaker
}

// Open connects both protocol paths.
func Open(cfg config.StorageConfig) (*Store, error) {
	native, err := clickhouse.Open(&clickhouse.Options{
		Addr:     []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open native connection: %w", err)
	}

	httpConn, err := clickhouse.Open(&clickhouse.Options{
		Addr:     []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort)},
		Protocol: clickhouse.HTTP,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open http connection: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "clickhouse-native",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("native protocol breaker state change")
		},
	})

	return &Store{native: native, http: httpConn, breaker: breaker}, nil
}

// Ping checks the store. Used by the health endpoint; tries native
// first and falls through to HTTP.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.native.Ping(ctx); err == nil {
		return nil
	}
	return s.http.Ping(ctx)
}

// Exec runs one statement, preferring the native path.
func (s *Store) Exec(ctx context.Context, stmt string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.native.Exec(ctx, stmt)
	})
	if err == nil {
		return nil
	}
	metrics.StoreFallbackHits.Inc()
	return s.http.Exec(ctx, stmt)
}

// Insert writes one batch of rows into table. On native-path failure
// the same batch is replayed over HTTP; only if both fail does the
// error propagate so the caller leaves the messages unacked.
func (s *Store) Insert(ctx context.Context, table string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.insertOn(ctx, s.native, table, rows)
	})
	if err == nil {
		return nil
	}

	log.Warn().Err(err).Str("table", table).Msg("native insert failed, trying http path")
	metrics.StoreFallbackHits.Inc()
	if err := s.insertOn(ctx, s.http, table, rows); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (s *Store) insertOn(ctx context.Context, conn driver.Conn, table string, rows [][]any) error {
	batch, err := conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			batch.Abort()
			return err
		}
	}
	return batch.Send()
}

// Close closes both connections.
func (s *Store) Close() error {
	httpErr := s.http.Close()
	if err := s.native.Close(); err != nil {
		return err
	}
	return httpErr
}
