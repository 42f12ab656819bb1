package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"

	cachekeys "quotefeed/internal/cache"
	"quotefeed/pkg/feed"
)

// ErrNoBar indicates no source holds a bar for the requested identity.
var ErrNoBar = sqlx.ErrNotFound

type barRow struct {
	Symbol     string    `db:"symbol"`
	Ts         time.Time `db:"ts"`
	DataSource string    `db:"data_source"`
	Open       float64   `db:"open"`
	High       float64   `db:"high"`
	Low        float64   `db:"low"`
	Close      float64   `db:"close"`
	Volume     float64   `db:"volume"`
}

func (r barRow) toBar() feed.Bar {
	return feed.Bar{
		Symbol: r.Symbol,
		Ts:     r.Ts.UTC(),
		Source: r.DataSource,
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Close:  r.Close,
		Volume: r.Volume,
	}
}

// UpsertBars writes a validated batch in one transaction, keyed on
// (symbol, ts, data_source). Re-ingesting an already-stored window updates in
// place; it is never a duplicate row and never an error.
func (s *Store) UpsertBars(ctx context.Context, bars []feed.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	const stmt = `
INSERT INTO bars (symbol, ts, data_source, open, high, low, close, volume, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
ON CONFLICT (symbol, ts, data_source) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    updated_at = NOW();`

	count := 0
	touched := make(map[string]bool)
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		for _, bar := range bars {
			if strings.TrimSpace(bar.Symbol) == "" || strings.TrimSpace(bar.Source) == "" {
				continue
			}
			symbol := strings.ToUpper(bar.Symbol)
			if _, err := session.ExecCtx(ctx, stmt,
				symbol,
				bar.Ts.UTC(),
				bar.Source,
				bar.Open,
				bar.High,
				bar.Low,
				bar.Close,
				bar.Volume,
			); err != nil {
				return fmt.Errorf("store: upsert bar %s %s: %w", bar.Symbol, bar.Ts, err)
			}
			touched[symbol] = true
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(touched))
	for symbol := range touched {
		keys = append(keys, cachekeys.PriceLatestKey(symbol))
	}
	s.delCache(ctx, keys...)
	return count, nil
}

// BarsForWindow returns one source's bars in the inclusive [from, to] window,
// ordered oldest to newest.
func (s *Store) BarsForWindow(ctx context.Context, symbol, source string, from, to time.Time) ([]feed.Bar, error) {
	const q = `
SELECT symbol, ts, data_source, open, high, low, close, volume
FROM bars
WHERE symbol = $1 AND data_source = $2 AND ts >= $3 AND ts <= $4
ORDER BY ts ASC`
	var rows []barRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, strings.ToUpper(symbol), source, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("store: bars for window: %w", err)
	}
	bars := make([]feed.Bar, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, row.toBar())
	}
	return bars, nil
}

// ResolveBar returns the bar for (symbol, ts) from the first source in
// preferred that holds one. ErrNoBar when none do.
func (s *Store) ResolveBar(ctx context.Context, symbol string, ts time.Time, preferred []string) (*feed.Bar, error) {
	const q = `
SELECT symbol, ts, data_source, open, high, low, close, volume
FROM bars
WHERE symbol = $1 AND ts = $2`
	var rows []barRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, strings.ToUpper(symbol), ts.UTC()); err != nil {
		return nil, fmt.Errorf("store: resolve bar: %w", err)
	}
	row, ok := pickPreferred(rows, preferred)
	if !ok {
		return nil, ErrNoBar
	}
	bar := row.toBar()
	return &bar, nil
}

// ResolveSeries returns up to limit canonical bars for symbol with ts <= until,
// oldest to newest. DISTINCT ON keeps exactly one row per timestamp, ranked by
// position in preferred; sources outside the preference list rank last but
// still resolve when they are the only ones reporting.
func (s *Store) ResolveSeries(ctx context.Context, symbol string, until time.Time, limit int, preferred []string) ([]feed.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	const q = `
SELECT symbol, ts, data_source, open, high, low, close, volume
FROM (
    SELECT DISTINCT ON (ts) symbol, ts, data_source, open, high, low, close, volume
    FROM bars
    WHERE symbol = $1 AND ts <= $2
    ORDER BY ts DESC, array_position(string_to_array($3, ','), data_source) ASC NULLS LAST
    LIMIT $4
) resolved
ORDER BY ts ASC`
	var rows []barRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q,
		strings.ToUpper(symbol), until.UTC(), strings.Join(preferred, ","), limit); err != nil {
		return nil, fmt.Errorf("store: resolve series: %w", err)
	}
	bars := make([]feed.Bar, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, row.toBar())
	}
	return bars, nil
}

// LatestClose returns the most recent resolved close for the symbol, serving
// repeat lookups from the latest-price cache; UpsertBars invalidates the entry
// whenever new rows land. ok is false when no source holds bars.
func (s *Store) LatestClose(ctx context.Context, symbol string, preferred []string) (float64, bool, error) {
	symbol = strings.ToUpper(symbol)
	key := cachekeys.PriceLatestKey(symbol)
	var cached float64
	if s.getCache(ctx, key, &cached) {
		return cached, true, nil
	}
	const q = `
SELECT close
FROM bars
WHERE symbol = $1
ORDER BY ts DESC, array_position(string_to_array($2, ','), data_source) ASC NULLS LAST
LIMIT 1`
	var px float64
	if err := s.conn.QueryRowCtx(ctx, &px, q, symbol, strings.Join(preferred, ",")); err != nil {
		if errors.Is(err, sqlx.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: latest close: %w", err)
	}
	s.setCache(ctx, key, s.ttl.Duration(cachekeys.TTLShort), px)
	return px, true, nil
}

// LatestBarDate returns the newest persisted bar timestamp for one source.
// ok is false when the source has no bars for the symbol.
func (s *Store) LatestBarDate(ctx context.Context, symbol, source string) (time.Time, bool, error) {
	const q = `SELECT MAX(ts) FROM bars WHERE symbol = $1 AND data_source = $2`
	var latest sql.NullTime
	if err := s.conn.QueryRowCtx(ctx, &latest, q, strings.ToUpper(symbol), source); err != nil {
		return time.Time{}, false, fmt.Errorf("store: latest bar date: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

func pickPreferred(rows []barRow, preferred []string) (barRow, bool) {
	best, found := barRow{}, false
	for _, row := range rows {
		if !found || sourceRank(row.DataSource, preferred) < sourceRank(best.DataSource, preferred) {
			best, found = row, true
		}
	}
	if found && len(preferred) > 0 && sourceRank(best.DataSource, preferred) == len(preferred) {
		// None of the preferred sources reported; still return the best row so
		// callers get data, matching "best available" semantics.
		return best, true
	}
	return best, found
}

func sourceRank(source string, preferred []string) int {
	for i, name := range preferred {
		if strings.EqualFold(name, source) {
			return i
		}
	}
	return len(preferred)
}
