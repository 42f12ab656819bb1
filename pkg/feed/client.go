package feed

import (
	"context"
	"time"
)

// Client is a rate-limited market data source for one provider.
// Implementations own their request budget; callers never bypass it.
type Client interface {
	// Name returns the provider identifier recorded as Bar.Source.
	Name() string
	// FetchBars returns OHLCV bars for the inclusive [from, to] window,
	// ordered oldest to newest. Errors are classified via *Error.
	FetchBars(ctx context.Context, symbol string, from, to time.Time, g Granularity) ([]Bar, error)
	// TickerDetails fetches fundamentals for the symbol when the provider
	// exposes them. Returns ErrSymbolNotFound for unknown symbols.
	TickerDetails(ctx context.Context, symbol string) (*TickerDetails, error)
	// HealthCheck performs one cheap request to confirm the provider is
	// reachable before a bulk run spends rate-limit budget on it.
	HealthCheck(ctx context.Context) error
}
