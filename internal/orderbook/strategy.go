package orderbook

import "cryptoflow/internal/model"

// Strategy fixes the snapshot depth and published depth for a book
// stream. Venue maxima are applied on top when requesting snapshots.
type Strategy struct {
	Name          string
	SnapshotDepth int
	PublishDepth  int
}

// Predefined depth strategies.
var (
	StrategyArbitrage     = Strategy{Name: "arbitrage", SnapshotDepth: 5, PublishDepth: 5}
	StrategyMarketMaking  = Strategy{Name: "market_making", SnapshotDepth: 20, PublishDepth: 20}
	StrategyTrendAnalysis = Strategy{Name: "trend_analysis", SnapshotDepth: 100, PublishDepth: 100}
	StrategyDepthAnalysis = Strategy{Name: "depth_analysis", SnapshotDepth: 400, PublishDepth: 400}
)

var strategies = map[string]Strategy{
	StrategyArbitrage.Name:     StrategyArbitrage,
	StrategyMarketMaking.Name:  StrategyMarketMaking,
	StrategyTrendAnalysis.Name: StrategyTrendAnalysis,
	StrategyDepthAnalysis.Name: StrategyDepthAnalysis,
}

// LookupStrategy resolves a named strategy. Unknown names fall back to
// depth_analysis, the most conservative default.
func LookupStrategy(name string) Strategy {
	if s, ok := strategies[name]; ok {
		return s
	}
	return StrategyDepthAnalysis
}

// venueMaxDepth is the deepest snapshot each venue serves.
var venueMaxDepth = map[model.ExchangeID]int{
	model.BinanceSpot:        5000,
	model.BinanceDerivatives: 1000,
	model.OKXSpot:            400,
	model.OKXDerivatives:     400,
	model.DeribitDerivatives: 1000,
}

// ClampDepth applies the venue maximum to a requested snapshot depth.
func ClampDepth(exchange model.ExchangeID, depth int) int {
	max, ok := venueMaxDepth[exchange]
	if !ok || depth <= max {
		return depth
	}
	return max
}
