// Package polygon implements the Polygon.io market data source.
package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"quotefeed/pkg/feed"
)

const (
	defaultBaseURL     = "https://api.polygon.io"
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxRetries  = 3

	// aggsLimit is the per-request row cap on the aggregates endpoint.
	aggsLimit = 50000
)

// Client wraps the Polygon REST API behind the feed.Client contract.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
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

// WithBaseURL overrides the default API endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithAPIKey sets the API key sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
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

// NewClient constructs a Polygon API client.
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
	feed.RegisterClient("polygon", func(name string, cfg *feed.ProviderConfig) (feed.Client, error) {
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("polygon: api_key is required")
		}
		opts := []Option{
			WithAPIKey(cfg.APIKey),
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

// FetchBars implements feed.Client over the aggregates range endpoint.
// Returned bars are ascending by timestamp and stamped with this source.
func (c *Client) FetchBars(ctx context.Context, symbol string, from, to time.Time, g feed.Granularity) ([]feed.Bar, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, feed.Permanent(c.name, "fetch_bars", errors.New("empty symbol"))
	}

	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/%d/%s/%d/%d",
		url.PathEscape(symbol), g.Multiplier, strings.ToLower(g.Timespan),
		from.UnixMilli(), to.UnixMilli())
	query := url.Values{
		"adjusted": {"true"},
		"sort":     {"asc"},
		"limit":    {fmt.Sprint(aggsLimit)},
	}

	var payload aggsResponse
	if err := c.get(ctx, "fetch_bars", path, query, &payload); err != nil {
		return nil, err
	}
	if payload.Status == "NOT_FOUND" {
		return nil, fmt.Errorf("%w: %s", feed.ErrSymbolNotFound, symbol)
	}
	if payload.Status != "OK" && payload.Status != "DELAYED" {
		return nil, feed.Permanent(c.name, "fetch_bars",
			fmt.Errorf("status %q: %s", payload.Status, payload.ErrorMessage))
	}

	bars := make([]feed.Bar, 0, len(payload.Results))
	for _, agg := range payload.Results {
		bar := feed.Bar{
			Symbol: symbol,
			Ts:     time.UnixMilli(agg.Timestamp).UTC(),
			Source: c.name,
			Open:   agg.Open,
			High:   agg.High,
			Low:    agg.Low,
			Close:  agg.Close,
			Volume: agg.Volume,
		}
		if agg.VWAP != 0 || agg.Trades != 0 {
			bar.Extra = map[string]any{"vwap": agg.VWAP, "trades": agg.Trades}
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Ts.Before(bars[j].Ts) })
	return bars, nil
}

// TickerDetails implements feed.Client over the reference tickers endpoint.
func (c *Client) TickerDetails(ctx context.Context, symbol string) (*feed.TickerDetails, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	path := "/v3/reference/tickers/" + url.PathEscape(symbol)

	var payload tickerDetailsResponse
	if err := c.get(ctx, "ticker_details", path, nil, &payload); err != nil {
		return nil, err
	}
	if payload.Status == "NOT_FOUND" || payload.Results.Ticker == "" {
		return nil, fmt.Errorf("%w: %s", feed.ErrSymbolNotFound, symbol)
	}
	return &feed.TickerDetails{
		Symbol:    payload.Results.Ticker,
		Name:      payload.Results.Name,
		Exchange:  payload.Results.PrimaryExchange,
		Sector:    payload.Results.SICDescription,
		MarketCap: payload.Results.MarketCap,
	}, nil
}

// HealthCheck implements feed.Client by probing the market status endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	var payload marketStatusResponse
	return c.get(ctx, "health_check", "/v1/marketstatus/now", nil, &payload)
}

// get performs one authenticated GET with budget wait and bounded retry,
// decoding a 2xx body into result. Non-2xx statuses come back as typed
// feed errors so the pipeline can tell retryable from terminal.
func (c *Client) get(ctx context.Context, op, path string, query url.Values, result any) error {
	return c.retry.Do(ctx, func() error {
		if err := c.budget.Wait(ctx); err != nil {
			return err
		}

		endpoint := c.baseURL + path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return feed.Permanent(c.name, op, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

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
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("%w: %s", feed.ErrSymbolNotFound, path)
			}
			apiErr := decodeError(body)
			return &feed.Error{
				Kind:       feed.ClassifyStatus(resp.StatusCode),
				Provider:   c.name,
				Op:         op,
				StatusCode: resp.StatusCode,
				Err:        apiErr,
			}
		}

		if result != nil {
			if err := json.Unmarshal(body, result); err != nil {
				return feed.Permanent(c.name, op, fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	})
}

func decodeError(body []byte) error {
	var envelope errorResponse
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.ErrorMessage != "" {
			return errors.New(envelope.ErrorMessage)
		}
		if envelope.Message != "" {
			return errors.New(envelope.Message)
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return errors.New(trimmed)
}
