package binance

// REST response types. Numeric fields arrive as strings and are parsed
// to decimals at the conversion boundary.

// DepthResponse is the order book snapshot from GET /api/v3/depth (spot)
// and GET /fapi/v1/depth (derivatives).
type DepthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E,omitempty"` // derivatives only
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// PremiumIndex is one entry from GET /fapi/v1/premiumIndex.
type PremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// OpenInterestHist is one entry from GET /futures/data/openInterestHist.
type OpenInterestHist struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

// LongShortRatio is one entry from the long/short ratio endpoints
// (topLongShortPositionRatio, globalLongShortAccountRatio).
type LongShortRatio struct {
	Symbol         string `json:"symbol"`
	LongAccount    string `json:"longAccount"`
	ShortAccount   string `json:"shortAccount"`
	LongShortRatio string `json:"longShortRatio"`
	Timestamp      int64  `json:"timestamp"`
}

// ExchangeInfo is the subset of GET /fapi/v1/exchangeInfo used for
// instrument registration.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one tradeable instrument.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}
