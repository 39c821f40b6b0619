package deribit

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

// RESTClient provides the Deribit poll endpoints.
type RESTClient struct {
	rest *exchange.RESTClient
}

// NewRESTClient creates the Deribit REST client.
func NewRESTClient() *RESTClient {
	return &RESTClient{
		rest: exchange.NewRESTClient(model.DeribitDerivatives, restBase, 5, 10),
	}
}

func newRESTClientAt(base string) *RESTClient {
	return &RESTClient{
		rest: exchange.NewRESTClient(model.DeribitDerivatives, base, 100, 100),
	}
}

type orderBookResponse struct {
	Result struct {
		Timestamp int64       `json:"timestamp"`
		ChangeID  int64       `json:"change_id"`
		Bids      [][]float64 `json:"bids"` // [price, amount]
		Asks      [][]float64 `json:"asks"`
	} `json:"result"`
}

// FetchSnapshot pulls a depth snapshot for the initial book sync. The
// change_id aligns with the book channel's change_id sequence.
func (c *RESTClient) FetchSnapshot(ctx context.Context, canonical string, depth int) (*model.OrderBookSnapshot, error) {
	instrument := model.NativeSymbol(model.DeribitDerivatives, model.Perpetual, canonical)

	query := url.Values{}
	query.Set("instrument_name", instrument)
	query.Set("depth", strconv.Itoa(depth))

	var resp orderBookResponse
	if err := c.rest.GetJSON(ctx, "/api/v2/public/get_order_book", query, &resp); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	return &model.OrderBookSnapshot{
		Meta: model.Meta{
			ExchangeID:  model.DeribitDerivatives,
			MarketType:  model.Perpetual,
			Symbol:      canonical,
			EventTS:     resp.Result.Timestamp,
			CollectedAt: now,
		},
		Bids:         floatLevels(resp.Result.Bids),
		Asks:         floatLevels(resp.Result.Asks),
		LastUpdateID: resp.Result.ChangeID,
		DepthLevels:  depth,
	}, nil
}

func floatLevels(raw [][]float64) []model.Level {
	levels := make([]model.Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		levels = append(levels, model.Level{
			Price:    decimal.NewFromFloat(entry[0]),
			Quantity: decimal.NewFromFloat(entry[1]),
		})
	}
	return levels
}

type volatilityResponse struct {
	Result struct {
		// Each entry is [timestamp_ms, open, high, low, close].
		Data [][]float64 `json:"data"`
	} `json:"result"`
}

// FetchVolatilityIndex returns the latest DVOL observation for the
// currency underlying a canonical symbol.
func (c *RESTClient) FetchVolatilityIndex(ctx context.Context, canonical string) (model.Record, error) {
	currency := VolatilityCurrency(canonical)
	now := time.Now()

	query := url.Values{}
	query.Set("currency", currency)
	query.Set("resolution", "60")
	query.Set("start_timestamp", strconv.FormatInt(now.Add(-5*time.Minute).UnixMilli(), 10))
	query.Set("end_timestamp", strconv.FormatInt(now.UnixMilli(), 10))

	var resp volatilityResponse
	if err := c.rest.GetJSON(ctx, "/api/v2/public/get_volatility_index_data", query, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.Data) == 0 {
		return nil, fmt.Errorf("volatility index %s: empty response", currency)
	}

	latest := resp.Result.Data[len(resp.Result.Data)-1]
	if len(latest) < 5 {
		return nil, fmt.Errorf("volatility index %s: short candle", currency)
	}

	return &model.VolatilityIndex{
		Meta: model.Meta{
			ExchangeID:  model.DeribitDerivatives,
			MarketType:  model.Perpetual,
			Symbol:      canonical,
			EventTS:     int64(latest[0]),
			CollectedAt: now.UnixMilli(),
		},
		IndexValue: decimal.NewFromFloat(latest[4]).Round(8),
	}, nil
}
