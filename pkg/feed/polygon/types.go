package polygon

// aggsResponse is the payload of the aggregates (bars) endpoint.
type aggsResponse struct {
	Ticker       string      `json:"ticker"`
	Status       string      `json:"status"`
	ResultsCount int         `json:"resultsCount"`
	Results      []aggResult `json:"results"`
	ErrorMessage string      `json:"error"`
}

// aggResult is a single aggregate window. Timestamps are Unix milliseconds.
type aggResult struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
	VWAP      float64 `json:"vw"`
	Trades    int64   `json:"n"`
}

// tickerDetailsResponse is the payload of the reference tickers endpoint.
type tickerDetailsResponse struct {
	Status  string              `json:"status"`
	Results tickerDetailsResult `json:"results"`
}

type tickerDetailsResult struct {
	Ticker          string  `json:"ticker"`
	Name            string  `json:"name"`
	PrimaryExchange string  `json:"primary_exchange"`
	SICDescription  string  `json:"sic_description"`
	MarketCap       float64 `json:"market_cap"`
	Active          bool    `json:"active"`
}

// marketStatusResponse is the payload of the market status endpoint, used as
// a cheap liveness probe.
type marketStatusResponse struct {
	Market     string `json:"market"`
	ServerTime string `json:"serverTime"`
}

// errorResponse is Polygon's generic error envelope.
type errorResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error"`
	Message      string `json:"message"`
}
