// Package yahoo implements the Yahoo Finance chart API as a market data
// source. It needs no API key, which makes it the usual secondary source for
// cross-checking the primary feed.
package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quotefeed/pkg/feed"
)

const (
	defaultBaseURL     = "https://query1.finance.yahoo.com"
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxRetries  = 3

	// healthSymbol is a liquid index fund used as the liveness probe.
	healthSymbol = "SPY"
)

// intervals maps supported granularities onto Yahoo interval codes.
var intervals = map[feed.Granularity]string{
	{Timespan: "minute", Multiplier: 1}:  "1m",
	{Timespan: "minute", Multiplier: 5}:  "5m",
	{Timespan: "minute", Multiplier: 15}: "15m",
	{Timespan: "hour", Multiplier: 1}:    "1h",
	{Timespan: "day", Multiplier: 1}:     "1d",
	{Timespan: "week", Multiplier: 1}:    "1wk",
}

// Client wraps the Yahoo Finance chart API behind the feed.Client contract.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	budget     *feed.Budget
	retry      *feed.RetryHandler
}

// Option configures a new Client.
type Option func(*Client)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL overrides the default query endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithBudget installs a shared request budget. nil disables limiting.
func WithBudget(b *feed.Budget) Option {
	return func(c *Client) {
		c.budget = b
	}
}

// WithMaxRetries adjusts the retry budget for transient failures.
func WithMaxRetries(max int) Option {
	return func(c *Client) {
		if max >= 0 {
			c.retry = feed.NewRetryHandler(feed.RetryConfig{MaxRetries: max})
		}
	}
}

// NewClient constructs a Yahoo Finance client.
func NewClient(name string, opts ...Option) *Client {
	client := &Client{
		name:       name,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		retry:      feed.NewRetryHandler(feed.RetryConfig{MaxRetries: defaultMaxRetries}),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func init() {
	feed.RegisterClient("yahoo", func(name string, cfg *feed.ProviderConfig) (feed.Client, error) {
		opts := []Option{
			WithBudget(feed.NewBudget(cfg.RequestsPerMinute, cfg.Burst)),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPTimeout > 0 {
			opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
		}
		if cfg.MaxRetries > 0 {
			opts = append(opts, WithMaxRetries(cfg.MaxRetries))
		}
		return NewClient(name, opts...), nil
	})
}

// Name implements feed.Client.
func (c *Client) Name() string {
	return c.name
}

// FetchBars implements feed.Client over the chart endpoint. Sessions Yahoo
// reports with null quotes are dropped rather than emitted as zero bars.
func (c *Client) FetchBars(ctx context.Context, symbol string, from, to time.Time, g feed.Granularity) ([]feed.Bar, error) {
	interval, ok := intervals[normalizeGranularity(g)]
	if !ok {
		return nil, feed.Permanent(c.name, "fetch_bars",
			fmt.Errorf("unsupported granularity %s", g))
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, feed.Permanent(c.name, "fetch_bars", errors.New("empty symbol"))
	}

	query := url.Values{
		"period1":  {fmt.Sprint(from.Unix())},
		"period2":  {fmt.Sprint(to.Unix())},
		"interval": {interval},
		"events":   {"history"},
	}
	result, err := c.fetchChart(ctx, "fetch_bars", symbol, query)
	if err != nil {
		return nil, err
	}
	if len(result.Indicators.Quote) == 0 {
		return nil, nil
	}

	quote := result.Indicators.Quote[0]
	bars := make([]feed.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		open, okO := at(quote.Open, i)
		high, okH := at(quote.High, i)
		low, okL := at(quote.Low, i)
		closePx, okC := at(quote.Close, i)
		if !okO || !okH || !okL || !okC {
			continue
		}
		volume, _ := at(quote.Volume, i)
		bars = append(bars, feed.Bar{
			Symbol: symbol,
			Ts:     time.Unix(ts, 0).UTC(),
			Source: c.name,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePx,
			Volume: volume,
		})
	}
	return bars, nil
}

// TickerDetails implements feed.Client from chart metadata; Yahoo has no
// dedicated reference endpoint on this API surface, so fields beyond name
// and exchange stay zero.
func (c *Client) TickerDetails(ctx context.Context, symbol string) (*feed.TickerDetails, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	query := url.Values{"range": {"1d"}, "interval": {"1d"}}
	result, err := c.fetchChart(ctx, "ticker_details", symbol, query)
	if err != nil {
		return nil, err
	}
	name := result.Meta.LongName
	if name == "" {
		name = result.Meta.Symbol
	}
	return &feed.TickerDetails{
		Symbol:   result.Meta.Symbol,
		Name:     name,
		Exchange: result.Meta.FullExchangeName,
	}, nil
}

// HealthCheck implements feed.Client by requesting one session of a liquid
// symbol.
func (c *Client) HealthCheck(ctx context.Context) error {
	query := url.Values{"range": {"1d"}, "interval": {"1d"}}
	_, err := c.fetchChart(ctx, "health_check", healthSymbol, query)
	return err
}

// fetchChart performs one chart request with budget wait and bounded retry
// and unwraps the chart envelope.
func (c *Client) fetchChart(ctx context.Context, op, symbol string, query url.Values) (*chartResult, error) {
	var payload chartResponse
	err := c.retry.Do(ctx, func() error {
		if err := c.budget.Wait(ctx); err != nil {
			return err
		}

		endpoint := c.baseURL + "/v8/finance/chart/" + url.PathEscape(symbol) + "?" + query.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return feed.Permanent(c.name, op, err)
		}
		// Yahoo rejects requests without a browser-looking agent.
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; quotefeed/1.0)")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return feed.Transient(c.name, op, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return feed.Transient(c.name, op, fmt.Errorf("read response: %w", readErr))
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Yahoo signals unknown symbols as 404 with a chart.error body.
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("%w: %s", feed.ErrSymbolNotFound, symbol)
			}
			return &feed.Error{
				Kind:       feed.ClassifyStatus(resp.StatusCode),
				Provider:   c.name,
				Op:         op,
				StatusCode: resp.StatusCode,
				Err:        errors.New(strings.TrimSpace(string(body))),
			}
		}

		if err := json.Unmarshal(body, &payload); err != nil {
			return feed.Permanent(c.name, op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if payload.Chart.Error != nil {
		if strings.EqualFold(payload.Chart.Error.Code, "Not Found") {
			return nil, fmt.Errorf("%w: %s", feed.ErrSymbolNotFound, symbol)
		}
		return nil, feed.Permanent(c.name, op,
			fmt.Errorf("%s: %s", payload.Chart.Error.Code, payload.Chart.Error.Description))
	}
	if len(payload.Chart.Result) == 0 {
		return nil, feed.Permanent(c.name, op, errors.New("empty chart result"))
	}
	return &payload.Chart.Result[0], nil
}

func normalizeGranularity(g feed.Granularity) feed.Granularity {
	g.Timespan = strings.ToLower(strings.TrimSpace(g.Timespan))
	if g.Multiplier <= 0 {
		g.Multiplier = 1
	}
	return g
}

// at reads a nullable array entry, false when absent or null.
func at(values []*float64, i int) (float64, bool) {
	if i >= len(values) || values[i] == nil {
		return 0, false
	}
	return *values[i], true
}
