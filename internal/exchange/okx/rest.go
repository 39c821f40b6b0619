package okx

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
)

// snapshotMax is the deepest book OKX serves over REST.
const snapshotMax = 400

// RESTClient provides OKX snapshot and poll endpoints.
type RESTClient struct {
	rest     *exchange.RESTClient
	exchange model.ExchangeID
	market   model.MarketType
}

// NewSpotRESTClient creates the spot REST client.
func NewSpotRESTClient() *RESTClient {
	return &RESTClient{
		rest:     exchange.NewRESTClient(model.OKXSpot, restBase, 10, 20),
		exchange: model.OKXSpot,
		market:   model.Spot,
	}
}

// NewDerivativesRESTClient creates the swap REST client.
func NewDerivativesRESTClient() *RESTClient {
	return &RESTClient{
		rest:     exchange.NewRESTClient(model.OKXDerivatives, restBase, 10, 20),
		exchange: model.OKXDerivatives,
		market:   model.Perpetual,
	}
}

func newRESTClientAt(base string, ex model.ExchangeID, market model.MarketType) *RESTClient {
	return &RESTClient{
		rest:     exchange.NewRESTClient(ex, base, 100, 100),
		exchange: ex,
		market:   market,
	}
}

// FetchSnapshot fetches an order book snapshot, clamped to the 400-level
// venue maximum.
func (c *RESTClient) FetchSnapshot(ctx context.Context, canonical string, depth int) (*model.OrderBookSnapshot, error) {
	if depth <= 0 || depth > snapshotMax {
		depth = snapshotMax
	}

	query := url.Values{}
	query.Set("instId", model.NativeSymbol(c.exchange, c.market, canonical))
	query.Set("sz", strconv.Itoa(depth))

	var resp restResponse[BookData]
	if err := c.rest.GetJSON(ctx, "/api/v5/market/books", query, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return nil, fmt.Errorf("books %s: code=%s msg=%s", canonical, resp.Code, resp.Msg)
	}

	book := resp.Data[0]
	bids, err := parseLevels(book.Bids)
	if err != nil {
		return nil, fmt.Errorf("snapshot bids %s: %w", canonical, err)
	}
	asks, err := parseLevels(book.Asks)
	if err != nil {
		return nil, fmt.Errorf("snapshot asks %s: %w", canonical, err)
	}

	eventTS := parseMillis(book.TS)
	return &model.OrderBookSnapshot{
		Meta: model.Meta{
			ExchangeID:  c.exchange,
			MarketType:  c.market,
			Symbol:      canonical,
			EventTS:     eventTS,
			CollectedAt: time.Now().UnixMilli(),
		},
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: book.SeqID,
		DepthLevels:  depth,
	}, nil
}

// FetchFundingRates returns the funding rate per canonical symbol.
// OKX serves one instrument per request.
func (c *RESTClient) FetchFundingRates(ctx context.Context, symbols []string) ([]model.Record, error) {
	now := time.Now().UnixMilli()
	records := make([]model.Record, 0, len(symbols))

	for _, canonical := range symbols {
		query := url.Values{}
		query.Set("instId", model.NativeSymbol(c.exchange, c.market, canonical))

		var resp restResponse[FundingRateData]
		if err := c.rest.GetJSON(ctx, "/api/v5/public/funding-rate", query, &resp); err != nil {
			return records, err
		}
		if resp.Code != "0" || len(resp.Data) == 0 {
			continue
		}

		fr := resp.Data[0]
		rate, err := decimal.NewFromString(fr.FundingRate)
		if err != nil {
			continue
		}
		records = append(records, &model.FundingRate{
			Meta: model.Meta{
				ExchangeID:  c.exchange,
				MarketType:  c.market,
				Symbol:      canonical,
				EventTS:     parseMillis(fr.FundingTime),
				CollectedAt: now,
			},
			FundingRate:     rate,
			NextFundingTime: parseMillis(fr.NextFundingTime),
			FundingInterval: "8h",
		})
	}
	return records, nil
}

// FetchOpenInterest returns the latest open interest for a symbol.
func (c *RESTClient) FetchOpenInterest(ctx context.Context, canonical string) (model.Record, error) {
	query := url.Values{}
	query.Set("instType", "SWAP")
	query.Set("instId", model.NativeSymbol(c.exchange, c.market, canonical))

	var resp restResponse[OpenInterestData]
	if err := c.rest.GetJSON(ctx, "/api/v5/public/open-interest", query, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return nil, fmt.Errorf("open interest %s: code=%s msg=%s", canonical, resp.Code, resp.Msg)
	}

	data := resp.Data[0]
	oi, err := decimal.NewFromString(data.OI)
	if err != nil {
		return nil, fmt.Errorf("open interest %s: %w", canonical, err)
	}
	value, _ := decimal.NewFromString(data.OIUsd)

	return &model.OpenInterest{
		Meta: model.Meta{
			ExchangeID:  c.exchange,
			MarketType:  c.market,
			Symbol:      canonical,
			EventTS:     parseMillis(data.TS),
			CollectedAt: time.Now().UnixMilli(),
		},
		OpenInterest:      oi,
		OpenInterestValue: value,
	}, nil
}

// FetchLSRAllAccount returns the all-account long/short ratio for the
// base currency of a canonical symbol.
func (c *RESTClient) FetchLSRAllAccount(ctx context.Context, canonical string) (model.Record, error) {
	base, _, _ := strings.Cut(canonical, "-")

	query := url.Values{}
	query.Set("ccy", base)
	query.Set("period", "5m")

	var resp restResponse[LongShortRatioData]
	if err := c.rest.GetJSON(ctx, "/api/v5/rubik/stat/contracts/long-short-account-ratio", query, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return nil, fmt.Errorf("lsr %s: code=%s msg=%s", canonical, resp.Code, resp.Msg)
	}

	latest := resp.Data[0]
	ratio, err := decimal.NewFromString(latest[1])
	if err != nil {
		return nil, fmt.Errorf("lsr %s: %w", canonical, err)
	}

	// OKX reports only the combined ratio; long and short shares are
	// derived from it: long = r/(1+r), short = 1/(1+r).
	one := decimal.NewFromInt(1)
	denom := one.Add(ratio)
	long := ratio.DivRound(denom, 8)
	short := one.DivRound(denom, 8)

	return &model.LSRAllAccount{
		Meta: model.Meta{
			ExchangeID:  c.exchange,
			MarketType:  c.market,
			Symbol:      canonical,
			EventTS:     parseMillis(latest[0]),
			CollectedAt: time.Now().UnixMilli(),
		},
		LongRatio:      long,
		ShortRatio:     short,
		LongShortRatio: ratio,
	}, nil
}

// FetchInstruments returns live instruments for the segment.
func (c *RESTClient) FetchInstruments(ctx context.Context) ([]InstrumentData, error) {
	instType := "SPOT"
	if c.market == model.Perpetual {
		instType = "SWAP"
	}
	query := url.Values{}
	query.Set("instType", instType)

	var resp restResponse[InstrumentData]
	if err := c.rest.GetJSON(ctx, "/api/v5/public/instruments", query, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("instruments: code=%s msg=%s", resp.Code, resp.Msg)
	}

	live := make([]InstrumentData, 0, len(resp.Data))
	for _, inst := range resp.Data {
		if inst.State == "live" {
			live = append(live, inst)
		}
	}
	return live, nil
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

func parseMillis(s string) int64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
