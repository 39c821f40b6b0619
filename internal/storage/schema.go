// Package storage consumes canonical records from the bus and writes
// them to ClickHouse in batches, acknowledging only after a successful
// insert. ReplacingMergeTree keys make redelivered records collapse to
// a single observable row.
package storage

import (
	"context"
	"fmt"

	"cryptoflow/internal/model"
)

// Table names per data type.
const (
	TableTrades       = "trades"
	TableOrderbooks   = "orderbooks"
	TableFundingRates = "funding_rates"
	TableOpenInterest = "open_interests"
	TableLiquidations = "liquidations"
	TableLSRTop       = "lsr_top_positions"
	TableLSRAll       = "lsr_all_accounts"
	TableVolatility   = "volatility_indices"
)

// tableByType maps the leading subject token to its destination table.
var tableByType = map[model.DataType]string{
	model.DataTypeTrade:           TableTrades,
	model.DataTypeOrderBook:       TableOrderbooks,
	model.DataTypeFundingRate:     TableFundingRates,
	model.DataTypeOpenInterest:    TableOpenInterest,
	model.DataTypeLiquidation:     TableLiquidations,
	model.DataTypeLSRTopPosition:  TableLSRTop,
	model.DataTypeLSRAllAccount:   TableLSRAll,
	model.DataTypeVolatilityIndex: TableVolatility,
}

// TableFor returns the destination table for a data type.
func TableFor(dt model.DataType) (string, bool) {
	t, ok := tableByType[dt]
	return t, ok
}

const commonColumns = `
    exchange_id  LowCardinality(String),
    market_type  LowCardinality(String),
    symbol       LowCardinality(String),
    event_ts     DateTime64(3, 'UTC'),
    collected_at DateTime64(3, 'UTC')`

// ddl holds one CREATE TABLE statement per table. The ORDER BY key of
// each ReplacingMergeTree is the dedup key: N deliveries of the same
// record merge into one row.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS trades (` + commonColumns + `,
    trade_id       String,
    price          Decimal(38, 18),
    quantity       Decimal(38, 18),
    quote_quantity Decimal(38, 18),
    side           LowCardinality(String),
    is_buyer_maker UInt8
) ENGINE = ReplacingMergeTree(collected_at)
PARTITION BY toYYYYMMDD(event_ts)
ORDER BY (exchange_id, market_type, symbol, trade_id)`,

	`CREATE TABLE IF NOT EXISTS orderbooks (` + commonColumns + `,
    dedup_ts            DateTime64(3, 'UTC'),
    first_update_id     Int64,
    last_update_id      Int64,
    prev_last_update_id Int64,
    update_type         LowCardinality(String),
    bids                String,
    asks                String,
    depth_levels        UInt16
) ENGINE = ReplacingMergeTree(collected_at)
PARTITION BY toYYYYMMDD(event_ts)
ORDER BY (exchange_id, market_type, symbol, update_type, last_update_id, dedup_ts)`,

	`CREATE TABLE IF NOT EXISTS funding_rates (` + commonColumns + `,
    funding_rate      Decimal(38, 18),
    next_funding_time DateTime64(3, 'UTC'),
    mark_price        Decimal(38, 18),
    index_price       Decimal(38, 18),
    funding_interval  LowCardinality(String)
) ENGINE = ReplacingMergeTree(collected_at)
PARTITION BY toYYYYMM(event_ts)
ORDER BY (exchange_id, market_type, symbol, event_ts)`,

	`CREATE TABLE IF NOT EXISTS open_interests (` + commonColumns + `,
    open_interest       Decimal(38, 18),
    open_interest_value Decimal(38, 18)
) ENGINE = ReplacingMergeTree(collected_at)
PARTITION BY toYYYYMM(event_ts)
ORDER BY (exchange_id, market_type, symbol, event_ts)`,

	`CREATE TABLE IF NOT EXISTS liquidations (` + commonColumns + `,
    side     LowCardinality(String),
    price    Decimal(38, 18),
    quantity Decimal(38, 18),
    value    Decimal(38, 18)
) ENGINE = ReplacingMergeTree(collected_at)
PARTITION BY toYYYYMMDD(event_ts)
ORDER BY (exchange_id, market_type, symbol, event_ts, price)`,

	`CREATE TABLE IF NOT EXISTS lsr_top_positions (` + commonColumns + `,
    long_ratio       Decimal(38, 18),
    short_ratio      Decimal(38, 18),
    long_short_ratio Decimal(38, 18)
) ENGINE = ReplacingMergeTree(collected_at)
PARTITION BY toYYYYMM(event_ts)
ORDER BY (exchange_id, market_type, symbol, event_ts)`,

	`CREATE TABLE IF NOT EXISTS lsr_all_accounts (` + commonColumns + `,
    long_ratio       Decimal(38, 18),
    short_ratio      Decimal(38, 18),
    long_short_ratio Decimal(38, 18)
) ENGINE = ReplacingMergeTree(collected_at)
PARTITION BY toYYYYMM(event_ts)
ORDER BY (exchange_id, market_type, symbol, event_ts)`,

	`CREATE TABLE IF NOT EXISTS volatility_indices (` + commonColumns + `,
    index_value Decimal(38, 18)
) ENGINE = ReplacingMergeTree(collected_at)
PARTITION BY toYYYYMM(event_ts)
ORDER BY (exchange_id, market_type, symbol, event_ts)`,
}

// EnsureSchema creates the database and all tables. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context, database string) error {
	if err := s.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	for _, stmt := range ddl {
		if err := s.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}
