// Package normalize converts raw venue frames into canonical records.
// Parsing is pure: a frame yields zero or more records and never an
// error that escapes; unparseable input is dropped with a per-venue
// drop_reason counter.
package normalize

import (
	"time"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/metrics"
	"cryptoflow/internal/model"
)

// Drop reasons recorded on the md_records_dropped_total counter.
const (
	dropUnknownChannel = "unknown_channel"
	dropBadNumeric     = "bad_numeric"
	dropBadFrame       = "bad_frame"
	dropUnknownVenue   = "unknown_venue"
	dropInvalidValue   = "invalid_value"
)

// Normalize converts one frame into canonical records. The slice is nil
// for control frames (subscription acks, heartbeats) and dropped input.
func Normalize(f exchange.Frame) []model.Record {
	var records []model.Record
	switch f.Exchange {
	case model.BinanceSpot, model.BinanceDerivatives:
		records = normalizeBinance(f)
	case model.OKXSpot, model.OKXDerivatives:
		records = normalizeOKX(f)
	case model.DeribitDerivatives:
		records = normalizeDeribit(f)
	default:
		drop(f.Exchange, dropUnknownVenue)
		return nil
	}

	for _, r := range records {
		metrics.RecordsNormalized.WithLabelValues(string(f.Exchange), string(r.Type())).Inc()
	}
	return records
}

func drop(ex model.ExchangeID, reason string) {
	metrics.RecordDrop(string(ex), reason)
}

// meta stamps the common fields. CollectedAt is normalization wall time.
func meta(f exchange.Frame, native string, eventTS int64) model.Meta {
	return model.Meta{
		ExchangeID:  f.Exchange,
		MarketType:  f.Market,
		Symbol:      model.CanonicalSymbol(f.Exchange, native),
		EventTS:     normalizeMillis(eventTS),
		CollectedAt: time.Now().UnixMilli(),
	}
}

// normalizeMillis upconverts second-precision timestamps. Anything
// before ~2001 in millisecond terms must be seconds.
func normalizeMillis(ts int64) int64 {
	if ts > 0 && ts < 1_000_000_000_000 {
		return ts * 1000
	}
	return ts
}

// validPriceQty enforces the record invariants: prices strictly
// positive, quantities non-negative.
func validPriceQty(price, qty decimal.Decimal) bool {
	return price.IsPositive() && !qty.IsNegative()
}

// validLevels rejects ladders with non-positive prices or negative
// quantities. Zero quantity is a removal and stays legal.
func validLevels(levels []model.Level) bool {
	for _, l := range levels {
		if !l.Price.IsPositive() || l.Quantity.IsNegative() {
			return false
		}
	}
	return true
}
