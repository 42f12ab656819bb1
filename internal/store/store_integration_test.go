//go:build integration
// +build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	cachekeys "quotefeed/internal/cache"
	"quotefeed/internal/config"
	"quotefeed/pkg/feed"
)

// Integration tests need a scratch database with migrations applied:
//
//	QUOTEFEED_PG_TEST_DSN=postgres://... go test -tags integration ./internal/store/
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("QUOTEFEED_PG_TEST_DSN")
	if dsn == "" {
		t.Skip("QUOTEFEED_PG_TEST_DSN not set")
	}
	conn := sqlx.NewSqlConn("pgx", dsn)
	return New(conn, nil, cachekeys.NewTTLSet(config.CacheTTL{Short: 1, Medium: 1, Long: 1}))
}

func testBars(symbol string, n int) []feed.Bar {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	bars := make([]feed.Bar, n)
	for i := range bars {
		px := 100 + float64(i)
		bars[i] = feed.Bar{
			Symbol: symbol,
			Ts:     start.AddDate(0, 0, i),
			Source: "polygon",
			Open:   px,
			High:   px + 2,
			Low:    px - 1,
			Close:  px + 1,
			Volume: 1000,
		}
	}
	return bars
}

func TestUpsertBarsIdempotent_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	symbol := "ITG_UPSERT"

	bars := testBars(symbol, 5)
	count, err := st.UpsertBars(ctx, bars)
	require.NoError(t, err)
	require.Equal(t, 5, count)

	// Second pass with a changed close updates in place.
	bars[0].Close = 999
	count, err = st.UpsertBars(ctx, bars)
	require.NoError(t, err)
	require.Equal(t, 5, count)

	got, err := st.BarsForWindow(ctx, symbol, "polygon", bars[0].Ts, bars[4].Ts)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.InDelta(t, 999.0, got[0].Close, 1e-9)
}

func TestResolveSeriesPrefersSource_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	symbol := "ITG_RESOLVE"
	ts := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	_, err := st.UpsertBars(ctx, []feed.Bar{
		{Symbol: symbol, Ts: ts, Source: "polygon", Open: 1, High: 2, Low: 1, Close: 100, Volume: 10},
		{Symbol: symbol, Ts: ts, Source: "yahoo", Open: 1, High: 2, Low: 1, Close: 200, Volume: 10},
	})
	require.NoError(t, err)

	series, err := st.ResolveSeries(ctx, symbol, ts, 10, []string{"polygon", "yahoo"})
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Equal(t, "polygon", series[0].Source)

	series, err = st.ResolveSeries(ctx, symbol, ts, 10, []string{"yahoo", "polygon"})
	require.NoError(t, err)
	require.Equal(t, "yahoo", series[0].Source)
}

func TestResolveSeriesUnpreferredSourceDoesNotShorten_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	symbol := "ITG_RESOLVE_EXTRA"
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	// A source outside the preference list reports every session; polygon
	// only the first two. The resolved series still covers all sessions up
	// to the limit, with polygon winning where it reported.
	var bars []feed.Bar
	for i := 0; i < 6; i++ {
		ts := start.AddDate(0, 0, i)
		bars = append(bars, feed.Bar{Symbol: symbol, Ts: ts, Source: "csv", Open: 1, High: 2, Low: 1, Close: 50, Volume: 10})
		if i < 2 {
			bars = append(bars, feed.Bar{Symbol: symbol, Ts: ts, Source: "polygon", Open: 1, High: 2, Low: 1, Close: 100, Volume: 10})
		}
	}
	_, err := st.UpsertBars(ctx, bars)
	require.NoError(t, err)

	series, err := st.ResolveSeries(ctx, symbol, start.AddDate(0, 0, 10), 4, []string{"polygon", "yahoo"})
	require.NoError(t, err)
	require.Len(t, series, 4)
	for _, bar := range series {
		require.Equal(t, "csv", bar.Source)
	}

	series, err = st.ResolveSeries(ctx, symbol, start.AddDate(0, 0, 10), 6, []string{"polygon", "yahoo"})
	require.NoError(t, err)
	require.Len(t, series, 6)
	require.Equal(t, "polygon", series[0].Source)
	require.Equal(t, "polygon", series[1].Source)
	require.Equal(t, "csv", series[2].Source)
}

func TestLatestClose_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	symbol := "ITG_LATEST"
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	_, ok, err := st.LatestClose(ctx, symbol, []string{"polygon"})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = st.UpsertBars(ctx, []feed.Bar{
		{Symbol: symbol, Ts: start, Source: "polygon", Open: 1, High: 2, Low: 1, Close: 100, Volume: 10},
		{Symbol: symbol, Ts: start.AddDate(0, 0, 1), Source: "yahoo", Open: 1, High: 2, Low: 1, Close: 110, Volume: 10},
		{Symbol: symbol, Ts: start.AddDate(0, 0, 1), Source: "polygon", Open: 1, High: 2, Low: 1, Close: 111, Volume: 10},
	})
	require.NoError(t, err)

	// Newest session wins, preferred source breaks the tie.
	px, ok, err := st.LatestClose(ctx, symbol, []string{"polygon", "yahoo"})
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 111.0, px, 1e-9)

	px, ok, err = st.LatestClose(ctx, symbol, []string{"yahoo", "polygon"})
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 110.0, px, 1e-9)
}

func TestRecordRunOutcomeMonotonic_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	key := RunKey{Symbol: "ITG_RUN", Source: "polygon", Timespan: "day", Multiplier: 1}

	day1 := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.RecordRunOutcome(ctx, key, RunStatusSuccess, 5, day2, nil))
	run, err := st.GetLoadRun(ctx, key)
	require.NoError(t, err)
	require.True(t, run.HasSuccess)
	require.Equal(t, day2, run.LastSuccessfulDate)

	// An older success date must not move the checkpoint backwards.
	require.NoError(t, st.RecordRunOutcome(ctx, key, RunStatusSuccess, 3, day1, nil))
	run, err = st.GetLoadRun(ctx, key)
	require.NoError(t, err)
	require.Equal(t, day2, run.LastSuccessfulDate)

	// A failure records status and error but leaves the checkpoint alone.
	require.NoError(t, st.RecordRunOutcome(ctx, key, RunStatusFailed, 0, time.Time{}, context.DeadlineExceeded))
	run, err = st.GetLoadRun(ctx, key)
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, run.Status)
	require.NotEmpty(t, run.ErrorMessage)
	require.Equal(t, day2, run.LastSuccessfulDate)
}

func TestSymbolLifecycle_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	symbol := "ITG_SYM"

	require.NoError(t, st.EnsureSymbol(ctx, symbol, &feed.TickerDetails{Name: "Test Corp"}))
	sym, err := st.GetSymbol(ctx, symbol)
	require.NoError(t, err)
	require.Equal(t, SymbolActive, sym.Status)
	require.Equal(t, "Test Corp", sym.Name)

	// Re-ensuring without details keeps the enrichment.
	require.NoError(t, st.EnsureSymbol(ctx, symbol, nil))
	sym, err = st.GetSymbol(ctx, symbol)
	require.NoError(t, err)
	require.Equal(t, "Test Corp", sym.Name)

	require.NoError(t, st.SetMissedSessions(ctx, symbol, 3))
	require.NoError(t, st.MarkSymbolDelisted(ctx, symbol, time.Now().UTC(), 12.5))
	sym, err = st.GetSymbol(ctx, symbol)
	require.NoError(t, err)
	require.Equal(t, SymbolDelisted, sym.Status)
	require.InDelta(t, 12.5, sym.LastPrice, 1e-9)
}

func TestQualityEvents_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	symbol := "ITG_QUALITY"

	events := []QualityEvent{
		{Symbol: symbol, CheckType: CheckValidOHLC, Status: QualityRejected, Message: "high below close"},
		{Symbol: symbol, CheckType: CheckZeroVolume, Status: QualityWarning, Message: "zero volume"},
	}
	require.NoError(t, st.InsertQualityEvents(ctx, events))

	got, err := st.QualityEvents(ctx, symbol, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(got), 2)
}
