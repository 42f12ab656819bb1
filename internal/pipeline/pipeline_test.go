package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotefeed/internal/store"
	"quotefeed/pkg/feed"
)

// fakeStorage implements Storage in memory with the same conflict semantics
// as the Postgres store: bar identity is (symbol, ts, source) and the
// checkpoint only advances on a success outcome, never backwards.
type fakeStorage struct {
	mu      sync.Mutex
	bars    map[string]feed.Bar
	runs    map[store.RunKey]*store.LoadRun
	symbols map[string]*store.Symbol
	events  []store.QualityEvent

	upsertErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		bars:    make(map[string]feed.Bar),
		runs:    make(map[store.RunKey]*store.LoadRun),
		symbols: make(map[string]*store.Symbol),
	}
}

func barKey(bar feed.Bar) string {
	return fmt.Sprintf("%s|%d|%s", bar.Symbol, bar.Ts.Unix(), bar.Source)
}

func (f *fakeStorage) UpsertBars(_ context.Context, bars []feed.Bar) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	for _, bar := range bars {
		f.bars[barKey(bar)] = bar
	}
	return len(bars), nil
}

func (f *fakeStorage) BarsForWindow(_ context.Context, symbol, source string, from, to time.Time) ([]feed.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []feed.Bar
	for _, bar := range f.bars {
		if bar.Symbol == symbol && bar.Source == source && !bar.Ts.Before(from) && !bar.Ts.After(to) {
			out = append(out, bar)
		}
	}
	return out, nil
}

func (f *fakeStorage) LatestClose(_ context.Context, symbol string, _ []string) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest feed.Bar
	found := false
	for _, bar := range f.bars {
		if bar.Symbol == symbol && (!found || bar.Ts.After(latest.Ts)) {
			latest, found = bar, true
		}
	}
	if !found {
		return 0, false, nil
	}
	return latest.Close, true, nil
}

func (f *fakeStorage) GetLoadRun(_ context.Context, key store.RunKey) (*store.LoadRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[key]
	if !ok {
		return nil, nil
	}
	clone := *run
	return &clone, nil
}

func (f *fakeStorage) RecordRunOutcome(_ context.Context, key store.RunKey, status string, records int64, lastBar time.Time, runErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[key]
	if !ok {
		run = &store.LoadRun{Symbol: key.Symbol, Source: key.Source, Timespan: key.Timespan, Multiplier: key.Multiplier}
		f.runs[key] = run
	}
	run.LastRunDate = time.Now().UTC()
	run.RecordsLoaded = records
	run.Status = status
	run.ErrorMessage = ""
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}
	if status == store.RunStatusSuccess && !lastBar.IsZero() {
		if !run.HasSuccess || lastBar.After(run.LastSuccessfulDate) {
			run.LastSuccessfulDate = lastBar.UTC()
		}
		run.HasSuccess = true
	}
	return nil
}

func (f *fakeStorage) InsertQualityEvents(_ context.Context, events []store.QualityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStorage) GetSymbol(_ context.Context, symbol string) (*store.Symbol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sym, ok := f.symbols[symbol]
	if !ok {
		return nil, nil
	}
	clone := *sym
	return &clone, nil
}

func (f *fakeStorage) EnsureSymbol(_ context.Context, symbol string, details *feed.TickerDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.symbols[symbol]; !ok {
		f.symbols[symbol] = &store.Symbol{Symbol: symbol, Status: store.SymbolActive}
	}
	if details != nil {
		f.symbols[symbol].Name = details.Name
	}
	return nil
}

func (f *fakeStorage) SetSymbolStatus(_ context.Context, symbol, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sym, ok := f.symbols[symbol]; ok {
		sym.Status = status
	}
	return nil
}

func (f *fakeStorage) MarkSymbolDelisted(_ context.Context, symbol string, date time.Time, lastPrice float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sym, ok := f.symbols[symbol]; ok {
		sym.Status = store.SymbolDelisted
		sym.DelistedDate = date
		sym.LastPrice = lastPrice
	}
	return nil
}

func (f *fakeStorage) SetMissedSessions(_ context.Context, symbol string, missed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sym, ok := f.symbols[symbol]; ok {
		sym.MissedSessions = missed
	}
	return nil
}

// fakeClient serves canned bars per symbol.
type fakeClient struct {
	name      string
	bars      map[string][]feed.Bar
	fetchErr  map[string]error
	healthErr error
	calls     int
}

func (c *fakeClient) Name() string { return c.name }

func (c *fakeClient) FetchBars(_ context.Context, symbol string, from, to time.Time, _ feed.Granularity) ([]feed.Bar, error) {
	c.calls++
	if err, ok := c.fetchErr[symbol]; ok {
		return nil, err
	}
	var out []feed.Bar
	for _, bar := range c.bars[symbol] {
		if !bar.Ts.Before(from) && !bar.Ts.After(to) {
			out = append(out, bar)
		}
	}
	return out, nil
}

func (c *fakeClient) TickerDetails(_ context.Context, symbol string) (*feed.TickerDetails, error) {
	return &feed.TickerDetails{Symbol: symbol, Name: symbol + " Inc."}, nil
}

func (c *fakeClient) HealthCheck(context.Context) error { return c.healthErr }

// recentWeekdayStart anchors generated bars two weeks back so they always
// fall inside the default backfill window and before today's fetch edge.
func recentWeekdayStart() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -14)
}

func weekdayBars(symbol, source string, start time.Time, n int) []feed.Bar {
	bars := make([]feed.Bar, 0, n)
	day := start
	for len(bars) < n {
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			px := 100 + float64(len(bars))
			bars = append(bars, feed.Bar{
				Symbol: symbol,
				Ts:     day,
				Source: source,
				Open:   px,
				High:   px + 2,
				Low:    px - 1,
				Close:  px + 1,
				Volume: 1000,
			})
		}
		day = day.Add(24 * time.Hour)
	}
	return bars
}

func newTestPipeline(st *fakeStorage, client *fakeClient) *Pipeline {
	cfg := &feed.Config{
		Default:    client.name,
		Preference: []string{client.name},
		Providers:  map[string]*feed.ProviderConfig{client.name: {Type: client.name}},
	}
	registry := NewRegistry(st, 3)
	return New(st, map[string]feed.Client{client.name: client}, cfg, registry, Options{MaxConcurrency: 2})
}

func TestRunIncrementalLoadFreshSymbol(t *testing.T) {
	st := newFakeStorage()
	start := recentWeekdayStart()
	client := &fakeClient{
		name: "polygon",
		bars: map[string][]feed.Bar{"AAPL": weekdayBars("AAPL", "polygon", start, 5)},
	}
	p := newTestPipeline(st, client)

	summary, err := p.RunIncrementalLoad(context.Background(), []string{"AAPL"}, "polygon", feed.Day)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 0, summary.Failed)
	require.EqualValues(t, 5, summary.RecordsLoaded)

	key := store.RunKey{Symbol: "AAPL", Source: "polygon", Timespan: "day", Multiplier: 1}
	run := st.runs[key]
	require.NotNil(t, run)
	require.Equal(t, store.RunStatusSuccess, run.Status)
	require.True(t, run.HasSuccess)
	lastBar := client.bars["AAPL"][4].Ts
	require.Equal(t, lastBar, run.LastSuccessfulDate)
	require.Equal(t, store.SymbolActive, st.symbols["AAPL"].Status)
}

func TestRunIncrementalLoadIsIdempotent(t *testing.T) {
	st := newFakeStorage()
	start := recentWeekdayStart()
	client := &fakeClient{
		name: "polygon",
		bars: map[string][]feed.Bar{"AAPL": weekdayBars("AAPL", "polygon", start, 5)},
	}
	p := newTestPipeline(st, client)

	_, err := p.RunIncrementalLoad(context.Background(), []string{"AAPL"}, "polygon", feed.Day)
	require.NoError(t, err)
	require.Len(t, st.bars, 5)

	key := store.RunKey{Symbol: "AAPL", Source: "polygon", Timespan: "day", Multiplier: 1}
	checkpoint := st.runs[key].LastSuccessfulDate

	// Second run fetches only past the checkpoint; nothing new upstream, so
	// the store and checkpoint stay exactly where they were.
	summary, err := p.RunIncrementalLoad(context.Background(), []string{"AAPL"}, "polygon", feed.Day)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Failed)
	require.Len(t, st.bars, 5)
	require.Equal(t, checkpoint, st.runs[key].LastSuccessfulDate)
	require.Equal(t, store.RunStatusSuccess, st.runs[key].Status)
}

func TestRunIncrementalLoadPartialBatch(t *testing.T) {
	st := newFakeStorage()
	start := recentWeekdayStart()
	bars := weekdayBars("AAPL", "polygon", start, 5)
	bars[2].Low = bars[2].High + 5 // inconsistent ohlc, gets rejected
	client := &fakeClient{name: "polygon", bars: map[string][]feed.Bar{"AAPL": bars}}
	p := newTestPipeline(st, client)

	summary, err := p.RunIncrementalLoad(context.Background(), []string{"AAPL"}, "polygon", feed.Day)
	require.NoError(t, err)
	require.EqualValues(t, 4, summary.RecordsLoaded)

	key := store.RunKey{Symbol: "AAPL", Source: "polygon", Timespan: "day", Multiplier: 1}
	run := st.runs[key]
	require.Equal(t, store.RunStatusPartial, run.Status)
	// A partial outcome must not advance the checkpoint; the window is
	// retried until the source delivers a clean batch.
	require.False(t, run.HasSuccess)
	require.NotEmpty(t, st.events)
}

func TestRunIncrementalLoadPersistFailureLeavesCheckpoint(t *testing.T) {
	st := newFakeStorage()
	st.upsertErr = errors.New("connection reset")
	start := recentWeekdayStart()
	client := &fakeClient{
		name: "polygon",
		bars: map[string][]feed.Bar{"AAPL": weekdayBars("AAPL", "polygon", start, 5)},
	}
	p := newTestPipeline(st, client)

	summary, err := p.RunIncrementalLoad(context.Background(), []string{"AAPL"}, "polygon", feed.Day)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	key := store.RunKey{Symbol: "AAPL", Source: "polygon", Timespan: "day", Multiplier: 1}
	run := st.runs[key]
	require.Equal(t, store.RunStatusFailed, run.Status)
	require.False(t, run.HasSuccess)
	require.Empty(t, st.bars)
}

func TestRunIncrementalLoadFailureIsolation(t *testing.T) {
	st := newFakeStorage()
	start := recentWeekdayStart()
	client := &fakeClient{
		name: "polygon",
		bars: map[string][]feed.Bar{
			"AAPL": weekdayBars("AAPL", "polygon", start, 3),
			"MSFT": weekdayBars("MSFT", "polygon", start, 3),
		},
		fetchErr: map[string]error{"MSFT": feed.Transient("polygon", "fetch_bars", errors.New("boom"))},
	}
	p := newTestPipeline(st, client)

	summary, err := p.RunIncrementalLoad(context.Background(), []string{"AAPL", "MSFT"}, "polygon", feed.Day)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Failed)
	require.EqualValues(t, 3, summary.RecordsLoaded)
}

func TestRunIncrementalLoadDelistsAfterThreshold(t *testing.T) {
	st := newFakeStorage()
	st.symbols["GONE"] = &store.Symbol{Symbol: "GONE", Status: store.SymbolActive, MissedSessions: 0}
	lastKnown := feed.Bar{
		Symbol: "GONE", Ts: recentWeekdayStart(), Source: "polygon",
		Open: 42, High: 43, Low: 41, Close: 42.5, Volume: 100,
	}
	st.bars[barKey(lastKnown)] = lastKnown
	client := &fakeClient{
		name:     "polygon",
		fetchErr: map[string]error{"GONE": fmt.Errorf("lookup: %w", feed.ErrSymbolNotFound)},
	}
	p := newTestPipeline(st, client) // delist threshold 3

	for i := 0; i < 2; i++ {
		_, err := p.RunIncrementalLoad(context.Background(), []string{"GONE"}, "polygon", feed.Day)
		require.NoError(t, err)
		require.Equal(t, store.SymbolActive, st.symbols["GONE"].Status)
		require.Equal(t, i+1, st.symbols["GONE"].MissedSessions)
	}

	_, err := p.RunIncrementalLoad(context.Background(), []string{"GONE"}, "polygon", feed.Day)
	require.NoError(t, err)
	require.Equal(t, store.SymbolDelisted, st.symbols["GONE"].Status)
	// The delist record keeps the last resolved close on file.
	require.InDelta(t, 42.5, st.symbols["GONE"].LastPrice, 1e-9)

	// A delisted symbol is skipped without touching the provider.
	calls := client.calls
	summary, err := p.RunIncrementalLoad(context.Background(), []string{"GONE"}, "polygon", feed.Day)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Failed)
	require.Equal(t, calls, client.calls)
}

func TestRunIncrementalLoadHealthCheckGate(t *testing.T) {
	st := newFakeStorage()
	client := &fakeClient{name: "polygon", healthErr: errors.New("maintenance")}
	p := newTestPipeline(st, client)

	summary, err := p.RunIncrementalLoad(context.Background(), []string{"AAPL", "MSFT"}, "polygon", feed.Day)
	require.Error(t, err)
	require.Equal(t, 2, summary.Failed)
	require.Zero(t, client.calls)
	require.Empty(t, st.runs)
}

func TestRunIncrementalLoadUnknownSource(t *testing.T) {
	st := newFakeStorage()
	client := &fakeClient{name: "polygon"}
	p := newTestPipeline(st, client)

	_, err := p.RunIncrementalLoad(context.Background(), []string{"AAPL"}, "bloomberg", feed.Day)
	require.Error(t, err)
}

func TestReconcilerAudit(t *testing.T) {
	st := newFakeStorage()
	ts := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	st.bars[barKey(feed.Bar{Symbol: "AAPL", Ts: ts, Source: "polygon"})] = feed.Bar{
		Symbol: "AAPL", Ts: ts, Source: "polygon", Close: 100,
	}
	st.bars[barKey(feed.Bar{Symbol: "AAPL", Ts: ts, Source: "yahoo"})] = feed.Bar{
		Symbol: "AAPL", Ts: ts, Source: "yahoo", Close: 103,
	}

	r := NewReconciler(st, 0.005)
	found, err := r.Audit(context.Background(), "AAPL", "polygon", "yahoo", ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, found)
	require.Len(t, st.events, 1)
	require.Equal(t, store.CheckPriceDiscrepancy, st.events[0].CheckType)
}
