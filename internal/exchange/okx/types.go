package okx

// WSRequest is an operation frame sent on the public socket.
type WSRequest struct {
	Op   string           `json:"op"`
	Args []WSSubscribeArg `json:"args"`
}

// WSSubscribeArg identifies one channel subscription.
type WSSubscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// restResponse is the envelope every OKX REST endpoint returns.
type restResponse[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

// BookData is one snapshot from GET /api/v5/market/books.
type BookData struct {
	Bids  [][]string `json:"bids"` // [price, size, liquidated orders, order count]
	Asks  [][]string `json:"asks"`
	TS    string     `json:"ts"`
	SeqID int64      `json:"seqId"`
}

// FundingRateData is one entry from GET /api/v5/public/funding-rate.
type FundingRateData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	FundingTime     string `json:"fundingTime"`
}

// OpenInterestData is one entry from GET /api/v5/public/open-interest.
type OpenInterestData struct {
	InstID  string `json:"instId"`
	OI      string `json:"oi"`
	OIUsd   string `json:"oiUsd"`
	TS      string `json:"ts"`
	OICcy   string `json:"oiCcy"`
	InstTyp string `json:"instType"`
}

// LongShortRatioData is one entry from the rubik long/short endpoints:
// [timestamp, ratio] pairs.
type LongShortRatioData [2]string

// InstrumentData is one entry from GET /api/v5/public/instruments.
type InstrumentData struct {
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
	BaseCcy  string `json:"baseCcy"`
	QuoteCcy string `json:"quoteCcy"`
	State    string `json:"state"`
}
