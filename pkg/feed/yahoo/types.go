package yahoo

// chartResponse is the envelope of the v8 chart endpoint.
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type chartResult struct {
	Meta struct {
		Symbol           string `json:"symbol"`
		ExchangeName     string `json:"exchangeName"`
		InstrumentType   string `json:"instrumentType"`
		FullExchangeName string `json:"fullExchangeName"`
		LongName         string `json:"longName"`
	} `json:"meta"`
	// Timestamp is Unix seconds, one entry per bar.
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []quoteBlock `json:"quote"`
	} `json:"indicators"`
}

// quoteBlock carries parallel OHLCV arrays. Entries are pointers because
// Yahoo emits null for sessions it has no data for.
type quoteBlock struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*float64 `json:"volume"`
}
