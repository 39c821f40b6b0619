package binance

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
)

// Venue depth caps per segment.
const (
	spotSnapshotMax        = 5000
	derivativesSnapshotMax = 1000
)

// RESTClient provides Binance snapshot and poll endpoints on top of the
// shared rate-limited helper.
type RESTClient struct {
	rest     *exchange.RESTClient
	exchange model.ExchangeID
	market   model.MarketType
}

// NewSpotRESTClient creates the spot REST client. The budget reflects
// the 6000 weight/min spot limit at typical snapshot weights.
func NewSpotRESTClient() *RESTClient {
	return &RESTClient{
		rest:     exchange.NewRESTClient(model.BinanceSpot, spotRESTBase, 10, 20),
		exchange: model.BinanceSpot,
		market:   model.Spot,
	}
}

// NewDerivativesRESTClient creates the USD-M futures REST client.
func NewDerivativesRESTClient() *RESTClient {
	return &RESTClient{
		rest:     exchange.NewRESTClient(model.BinanceDerivatives, derivativesRESTBase, 10, 20),
		exchange: model.BinanceDerivatives,
		market:   model.Perpetual,
	}
}

// newRESTClientAt is used by tests to point the client at a fake venue.
func newRESTClientAt(base string, ex model.ExchangeID, market model.MarketType) *RESTClient {
	return &RESTClient{
		rest:     exchange.NewRESTClient(ex, base, 100, 100),
		exchange: ex,
		market:   market,
	}
}

// FetchSnapshot fetches an order book snapshot at the given depth,
// clamped to the venue maximum.
func (c *RESTClient) FetchSnapshot(ctx context.Context, canonical string, depth int) (*model.OrderBookSnapshot, error) {
	path := "/api/v3/depth"
	maxDepth := spotSnapshotMax
	if c.market == model.Perpetual {
		path = "/fapi/v1/depth"
		maxDepth = derivativesSnapshotMax
	}
	if depth <= 0 || depth > maxDepth {
		depth = maxDepth
	}

	query := url.Values{}
	query.Set("symbol", model.NativeSymbol(c.exchange, c.market, canonical))
	query.Set("limit", strconv.Itoa(depth))

	var resp DepthResponse
	if err := c.rest.GetJSON(ctx, path, query, &resp); err != nil {
		return nil, err
	}

	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return nil, fmt.Errorf("snapshot bids %s: %w", canonical, err)
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return nil, fmt.Errorf("snapshot asks %s: %w", canonical, err)
	}

	now := time.Now().UnixMilli()
	eventTS := resp.EventTime
	if eventTS == 0 {
		eventTS = now
	}
	return &model.OrderBookSnapshot{
		Meta: model.Meta{
			ExchangeID:  c.exchange,
			MarketType:  c.market,
			Symbol:      canonical,
			EventTS:     eventTS,
			CollectedAt: now,
		},
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: resp.LastUpdateID,
		DepthLevels:  depth,
	}, nil
}

// FetchFundingRates returns funding rates for the given canonical
// symbols. Derivatives only.
func (c *RESTClient) FetchFundingRates(ctx context.Context, symbols []string) ([]model.Record, error) {
	var all []PremiumIndex
	if err := c.rest.GetJSON(ctx, "/fapi/v1/premiumIndex", nil, &all); err != nil {
		return nil, err
	}

	wanted := canonicalSet(c.exchange, symbols)
	now := time.Now().UnixMilli()
	records := make([]model.Record, 0, len(symbols))
	for _, pi := range all {
		canonical := model.CanonicalSymbol(c.exchange, pi.Symbol)
		if !wanted[canonical] {
			continue
		}
		rate, err := decimal.NewFromString(pi.LastFundingRate)
		if err != nil {
			continue
		}
		mark, _ := decimal.NewFromString(pi.MarkPrice)
		index, _ := decimal.NewFromString(pi.IndexPrice)
		records = append(records, &model.FundingRate{
			Meta: model.Meta{
				ExchangeID:  c.exchange,
				MarketType:  c.market,
				Symbol:      canonical,
				EventTS:     pi.Time,
				CollectedAt: now,
			},
			FundingRate:     rate,
			NextFundingTime: pi.NextFundingTime,
			MarkPrice:       mark,
			IndexPrice:      index,
			FundingInterval: "8h",
		})
	}
	return records, nil
}

// FetchOpenInterest returns the latest open interest observation for a
// canonical symbol.
func (c *RESTClient) FetchOpenInterest(ctx context.Context, canonical string) (model.Record, error) {
	query := url.Values{}
	query.Set("symbol", model.NativeSymbol(c.exchange, c.market, canonical))
	query.Set("period", "5m")
	query.Set("limit", "1")

	var hist []OpenInterestHist
	if err := c.rest.GetJSON(ctx, "/futures/data/openInterestHist", query, &hist); err != nil {
		return nil, err
	}
	if len(hist) == 0 {
		return nil, fmt.Errorf("open interest %s: empty response", canonical)
	}

	oi, err := decimal.NewFromString(hist[0].SumOpenInterest)
	if err != nil {
		return nil, fmt.Errorf("open interest %s: %w", canonical, err)
	}
	value, _ := decimal.NewFromString(hist[0].SumOpenInterestValue)

	return &model.OpenInterest{
		Meta: model.Meta{
			ExchangeID:  c.exchange,
			MarketType:  c.market,
			Symbol:      canonical,
			EventTS:     hist[0].Timestamp,
			CollectedAt: time.Now().UnixMilli(),
		},
		OpenInterest:      oi,
		OpenInterestValue: value,
	}, nil
}

// FetchLSRTopPosition returns the top-trader position long/short ratio.
func (c *RESTClient) FetchLSRTopPosition(ctx context.Context, canonical string) (model.Record, error) {
	ratio, err := c.fetchLSR(ctx, "/futures/data/topLongShortPositionRatio", canonical)
	if err != nil {
		return nil, err
	}
	return &model.LSRTopPosition{
		Meta:           ratio.Meta,
		LongRatio:      ratio.Long,
		ShortRatio:     ratio.Short,
		LongShortRatio: ratio.Ratio,
	}, nil
}

// FetchLSRAllAccount returns the all-account long/short ratio.
func (c *RESTClient) FetchLSRAllAccount(ctx context.Context, canonical string) (model.Record, error) {
	ratio, err := c.fetchLSR(ctx, "/futures/data/globalLongShortAccountRatio", canonical)
	if err != nil {
		return nil, err
	}
	return &model.LSRAllAccount{
		Meta:           ratio.Meta,
		LongRatio:      ratio.Long,
		ShortRatio:     ratio.Short,
		LongShortRatio: ratio.Ratio,
	}, nil
}

type lsrValues struct {
	Meta  model.Meta
	Long  decimal.Decimal
	Short decimal.Decimal
	Ratio decimal.Decimal
}

func (c *RESTClient) fetchLSR(ctx context.Context, path, canonical string) (*lsrValues, error) {
	query := url.Values{}
	query.Set("symbol", model.NativeSymbol(c.exchange, c.market, canonical))
	query.Set("period", "5m")
	query.Set("limit", "1")

	var ratios []LongShortRatio
	if err := c.rest.GetJSON(ctx, path, query, &ratios); err != nil {
		return nil, err
	}
	if len(ratios) == 0 {
		return nil, fmt.Errorf("lsr %s: empty response", canonical)
	}

	long, err := decimal.NewFromString(ratios[0].LongAccount)
	if err != nil {
		return nil, fmt.Errorf("lsr %s: %w", canonical, err)
	}
	short, err := decimal.NewFromString(ratios[0].ShortAccount)
	if err != nil {
		return nil, fmt.Errorf("lsr %s: %w", canonical, err)
	}
	ratio, err := decimal.NewFromString(ratios[0].LongShortRatio)
	if err != nil {
		return nil, fmt.Errorf("lsr %s: %w", canonical, err)
	}

	return &lsrValues{
		Meta: model.Meta{
			ExchangeID:  c.exchange,
			MarketType:  c.market,
			Symbol:      canonical,
			EventTS:     ratios[0].Timestamp,
			CollectedAt: time.Now().UnixMilli(),
		},
		Long:  long,
		Short: short,
		Ratio: ratio,
	}, nil
}

// FetchInstruments returns the active instruments for the segment, used
// to seed the symbol mapping at startup.
func (c *RESTClient) FetchInstruments(ctx context.Context) ([]SymbolInfo, error) {
	path := "/api/v3/exchangeInfo"
	if c.market == model.Perpetual {
		path = "/fapi/v1/exchangeInfo"
	}

	var info ExchangeInfo
	if err := c.rest.GetJSON(ctx, path, nil, &info); err != nil {
		return nil, err
	}

	active := make([]SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			active = append(active, s)
		}
	}
	return active, nil
}

func parseLevels(raw [][]string) ([]model.Level, error) {
	levels := make([]model.Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, model.Level{Price: price, Quantity: qty})
	}
	return levels, nil
}

func canonicalSet(ex model.ExchangeID, symbols []string) map[string]bool {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[model.CanonicalSymbol(ex, s)] = true
	}
	return set
}
