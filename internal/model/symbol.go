package model

import "strings"

// Known quote assets for venues that concatenate base and quote without a
// separator (Binance). Longer suffixes are checked first so that pairs
// like ETHBTC and BTCUSDT both split at the right place.
var quoteAssets = []string{
	"USDT", "USDC", "BUSD", "FDUSD", "TUSD", "DAI",
	"BTC", "ETH", "BNB", "EUR", "TRY", "USD",
}

// CanonicalSymbol converts a venue-native symbol to the canonical
// BASE-QUOTE form. Conversion is idempotent: feeding a canonical symbol
// back in returns it unchanged.
func CanonicalSymbol(exchange ExchangeID, native string) string {
	s := strings.ToUpper(strings.TrimSpace(native))
	if s == "" {
		return s
	}

	switch exchange {
	case BinanceSpot, BinanceDerivatives:
		return canonicalFromConcat(s)
	case OKXSpot, OKXDerivatives:
		s = strings.TrimSuffix(s, "-SWAP")
		if strings.Contains(s, "-") {
			return s
		}
		return canonicalFromConcat(s)
	case DeribitDerivatives:
		// BTC-PERPETUAL carries its market type out of band; the symbol
		// reduces to the underlying. Option instruments keep the full
		// identifier (e.g. BTC-28MAR25-100000-C).
		if base, ok := strings.CutSuffix(s, "-PERPETUAL"); ok {
			return base
		}
		return s
	}
	return s
}

// canonicalFromConcat splits BTCUSDT-style symbols at the last matching
// quote-asset suffix. Already-canonical input passes through.
func canonicalFromConcat(s string) string {
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range quoteAssets {
		if base, ok := strings.CutSuffix(s, quote); ok && base != "" {
			return base + "-" + quote
		}
	}
	return s
}

// NativeSymbol converts a canonical symbol back to the venue-native form
// used for subscriptions and REST paths.
func NativeSymbol(exchange ExchangeID, market MarketType, canonical string) string {
	c := strings.ToUpper(strings.TrimSpace(canonical))
	switch exchange {
	case BinanceSpot, BinanceDerivatives:
		return strings.ReplaceAll(c, "-", "")
	case OKXSpot:
		return c
	case OKXDerivatives:
		if market == Perpetual && !strings.HasSuffix(c, "-SWAP") {
			return c + "-SWAP"
		}
		return c
	case DeribitDerivatives:
		if market == Perpetual && !strings.Contains(c, "-") {
			return c + "-PERPETUAL"
		}
		return c
	}
	return c
}
