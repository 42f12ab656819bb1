package pipeline

import (
	"fmt"
	"time"

	"quotefeed/internal/store"
	"quotefeed/pkg/feed"
)

// ValidateBars applies the data quality gate to a fetched batch. Bars failing
// a per-bar check are excluded from persistence and recorded as rejection
// events; batch-level findings (zero volume, session gaps) are warnings that
// never block persistence. The gate never fails: it always returns a possibly
// empty valid set plus zero or more events.
func ValidateBars(symbol string, bars []feed.Bar, from, to time.Time, g feed.Granularity) ([]feed.Bar, []store.QualityEvent) {
	valid := make([]feed.Bar, 0, len(bars))
	var events []store.QualityEvent

	for _, bar := range bars {
		if bar.Open <= 0 || bar.High <= 0 || bar.Low <= 0 || bar.Close <= 0 {
			events = append(events, store.QualityEvent{
				Symbol:    symbol,
				CheckType: store.CheckPositivePrices,
				Status:    store.QualityRejected,
				Message: fmt.Sprintf("%s %s: non-positive price o=%g h=%g l=%g c=%g",
					bar.Source, bar.Ts.Format(time.RFC3339), bar.Open, bar.High, bar.Low, bar.Close),
			})
			continue
		}
		if bar.High < max(bar.Open, bar.Close) || bar.Low > min(bar.Open, bar.Close) {
			events = append(events, store.QualityEvent{
				Symbol:    symbol,
				CheckType: store.CheckValidOHLC,
				Status:    store.QualityRejected,
				Message: fmt.Sprintf("%s %s: inconsistent ohlc o=%g h=%g l=%g c=%g",
					bar.Source, bar.Ts.Format(time.RFC3339), bar.Open, bar.High, bar.Low, bar.Close),
			})
			continue
		}
		if bar.Volume == 0 {
			// Illiquid sessions legitimately trade zero volume; log, keep the bar.
			events = append(events, store.QualityEvent{
				Symbol:    symbol,
				CheckType: store.CheckZeroVolume,
				Status:    store.QualityWarning,
				Message:   fmt.Sprintf("%s %s: zero volume", bar.Source, bar.Ts.Format(time.RFC3339)),
			})
		}
		valid = append(valid, bar)
	}

	if g.IsDaily() {
		expected := ExpectedSessions(from, to)
		if expected > 0 && len(bars) < expected {
			events = append(events, store.QualityEvent{
				Symbol:    symbol,
				CheckType: store.CheckSessionGap,
				Status:    store.QualityWarning,
				Message: fmt.Sprintf("window %s..%s: got %d bars, expected %d sessions",
					from.Format("2006-01-02"), to.Format("2006-01-02"), len(bars), expected),
			})
		}
	}

	return valid, events
}

// ExpectedSessions counts weekday trading sessions in the inclusive [from, to]
// window. Exchange holidays are not modelled; the count is an upper bound used
// only for gap warnings, never for rejection.
func ExpectedSessions(from, to time.Time) int {
	if from.After(to) {
		return 0
	}
	count := 0
	day := from.UTC().Truncate(24 * time.Hour)
	end := to.UTC().Truncate(24 * time.Hour)
	for !day.After(end) {
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			count++
		}
		day = day.Add(24 * time.Hour)
	}
	return count
}
