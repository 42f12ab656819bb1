package feed

import (
	"fmt"
	"strings"
	"time"
)

// Bar is a single OHLCV observation reported by one provider.
// (Symbol, Ts, Source) is the bar identity; two providers may legitimately
// report different rows for the same symbol and timestamp.
type Bar struct {
	Symbol string
	Ts     time.Time
	Source string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	// Extra carries provider-specific fields that have no column of their own.
	Extra map[string]any
}

// Granularity is the bar aggregation unit, e.g. {day 1} or {minute 5}.
type Granularity struct {
	Timespan   string
	Multiplier int
}

// Day is the default granularity for end-of-day loads.
var Day = Granularity{Timespan: "day", Multiplier: 1}

var timespanUnits = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// Period returns the duration covered by one bar at this granularity.
func (g Granularity) Period() time.Duration {
	unit, ok := timespanUnits[strings.ToLower(strings.TrimSpace(g.Timespan))]
	if !ok {
		return 0
	}
	mult := g.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return unit * time.Duration(mult)
}

// Validate reports whether the granularity names a supported timespan.
func (g Granularity) Validate() error {
	if _, ok := timespanUnits[strings.ToLower(strings.TrimSpace(g.Timespan))]; !ok {
		return fmt.Errorf("feed: unsupported timespan %q", g.Timespan)
	}
	if g.Multiplier <= 0 {
		return fmt.Errorf("feed: multiplier must be positive, got %d", g.Multiplier)
	}
	return nil
}

// IsDaily reports whether bars at this granularity are one-per-session.
func (g Granularity) IsDaily() bool {
	return strings.EqualFold(strings.TrimSpace(g.Timespan), "day") && g.Multiplier == 1
}

func (g Granularity) String() string {
	return fmt.Sprintf("%d%s", g.Multiplier, strings.ToLower(strings.TrimSpace(g.Timespan)))
}

// TickerDetails carries the fundamentals a provider exposes for a symbol.
// Fields are zero-valued when the provider does not report them.
type TickerDetails struct {
	Symbol    string
	Name      string
	Exchange  string
	Sector    string
	MarketCap float64
}
