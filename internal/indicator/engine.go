// Package indicator derives rolling technical indicators from persisted bars.
// The engine is a downstream pass over the bar store, independent of which
// source supplied any given bar, and is safe to re-run any number of times.
package indicator

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"quotefeed/internal/store"
	"quotefeed/pkg/feed"
	"quotefeed/pkg/indicators"
)

// ErrNoHistory indicates the symbol has no persisted bars to compute from.
var ErrNoHistory = errors.New("indicator: no bar history")

// Storage is the slice of the store the engine needs. *store.Store implements it.
type Storage interface {
	ResolveSeries(ctx context.Context, symbol string, until time.Time, limit int, preferred []string) ([]feed.Bar, error)
	UpsertSnapshot(ctx context.Context, snap *store.IndicatorSnapshot) error
	InsertHistory(ctx context.Context, snap *store.IndicatorSnapshot) error
	GetLatestSnapshot(ctx context.Context, symbol string) (*store.IndicatorSnapshot, error)
	SnapshotHistory(ctx context.Context, symbol string, from, to time.Time) ([]store.IndicatorSnapshot, error)
}

// Engine computes and serves indicator snapshots.
type Engine struct {
	st Storage
	// preferred is the source priority order used to resolve one canonical
	// bar per timestamp before computing.
	preferred   []string
	historyBars int
}

// New wires an engine. historyBars must cover the longest window plus warmup;
// values below 260 are raised to it so SMA200 always has room.
func New(st Storage, preferred []string, historyBars int) *Engine {
	if historyBars < 260 {
		historyBars = 260
	}
	return &Engine{st: st, preferred: preferred, historyBars: historyBars}
}

// Recompute derives the full indicator set for symbol as of the given date
// and performs the two writes: snapshot overwrite and history
// insert-or-ignore. Recomputing a past date is idempotent.
func (e *Engine) Recompute(ctx context.Context, symbol string, asOf time.Time) (*store.IndicatorSnapshot, error) {
	bars, err := e.st.ResolveSeries(ctx, symbol, asOf, e.historyBars, e.preferred)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrNoHistory
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
		volumes[i] = bar.Volume
	}
	snap := Compute(symbol, bars[len(bars)-1].Ts, closes, volumes)

	if err := e.st.UpsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if err := e.st.InsertHistory(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// RecomputeAll runs Recompute over a symbol list, skipping symbols without
// history and logging per-symbol failures without aborting the pass.
func (e *Engine) RecomputeAll(ctx context.Context, symbols []string, asOf time.Time) int {
	computed := 0
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return computed
		}
		if _, err := e.Recompute(ctx, symbol, asOf); err != nil {
			if !errors.Is(err, ErrNoHistory) {
				logx.WithContext(ctx).Errorf("indicator: recompute %s: %v", symbol, err)
			}
			continue
		}
		computed++
	}
	return computed
}

// GetLatest returns the most recent snapshot for a symbol, nil when the
// symbol has never been computed.
func (e *Engine) GetLatest(ctx context.Context, symbol string) (*store.IndicatorSnapshot, error) {
	return e.st.GetLatestSnapshot(ctx, symbol)
}

// GetHistory returns per-date snapshots in [from, to], oldest first.
func (e *Engine) GetHistory(ctx context.Context, symbol string, from, to time.Time) ([]store.IndicatorSnapshot, error) {
	return e.st.SnapshotHistory(ctx, symbol, from, to)
}

// Compute derives every indicator field from an ordered close/volume series.
// Pure; a field is nil whenever its rolling window lacks history.
func Compute(symbol string, date time.Time, closes, volumes []float64) *store.IndicatorSnapshot {
	snap := &store.IndicatorSnapshot{Symbol: symbol, Date: date.UTC()}

	snap.SMA20 = tail(indicators.SMA(closes, 20))
	snap.SMA50 = tail(indicators.SMA(closes, 50))
	snap.SMA200 = tail(indicators.SMA(closes, 200))
	snap.EMA12 = tail(indicators.EMA(closes, 12))
	snap.EMA26 = tail(indicators.EMA(closes, 26))
	snap.EMA50 = tail(indicators.EMA(closes, 50))
	snap.RSI14 = tail(indicators.RSI(closes, 14))

	macd, signal, hist := indicators.MACD(closes)
	snap.MACDLine = tail(macd)
	snap.MACDSignal = tail(signal)
	snap.MACDHistogram = tail(hist)

	upper, middle, lower := indicators.Bollinger(closes, 20, 2)
	snap.BBUpper = tail(upper)
	snap.BBMiddle = tail(middle)
	snap.BBLower = tail(lower)
	snap.BBPosition = bbPosition(closes, snap.BBUpper, snap.BBLower)
	snap.BBWidth = bbWidth(snap.BBUpper, snap.BBMiddle, snap.BBLower)

	snap.Volatility20 = tail(indicators.Volatility(closes, 20))

	snap.PriceChange1D = tail(indicators.Change(closes, 1))
	snap.PriceChange5D = tail(indicators.Change(closes, 5))
	snap.PriceChange30D = tail(indicators.Change(closes, 30))

	snap.AvgVolume20 = tail(indicators.SMA(volumes, 20))
	if len(volumes) > 0 {
		snap.CurrentVolume = volumes[len(volumes)-1]
	}

	return snap
}

// bbPosition locates the last close within the bands, clamped to [0, 1].
// nil when the bands collapse (upper == lower), e.g. on a flat series.
func bbPosition(closes []float64, upper, lower *float64) *float64 {
	if upper == nil || lower == nil || len(closes) == 0 {
		return nil
	}
	span := *upper - *lower
	if span == 0 {
		return nil
	}
	pos := (closes[len(closes)-1] - *lower) / span
	pos = math.Max(0, math.Min(1, pos))
	return &pos
}

// bbWidth is the band spread relative to the middle band.
func bbWidth(upper, middle, lower *float64) *float64 {
	if upper == nil || middle == nil || lower == nil || *middle == 0 {
		return nil
	}
	width := (*upper - *lower) / *middle
	return &width
}

func tail(series []float64) *float64 {
	last := indicators.Last(series)
	if math.IsNaN(last) {
		return nil
	}
	return &last
}
