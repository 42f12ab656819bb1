package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	cachekeys "quotefeed/internal/cache"
)

// IndicatorSnapshot holds every computed field for one symbol at one date.
// Pointer fields are nil whenever the rolling window had insufficient
// history; a nil is persisted as SQL NULL, never as a fabricated zero.
type IndicatorSnapshot struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`

	SMA20  *float64 `json:"sma_20"`
	SMA50  *float64 `json:"sma_50"`
	SMA200 *float64 `json:"sma_200"`
	EMA12  *float64 `json:"ema_12"`
	EMA26  *float64 `json:"ema_26"`
	EMA50  *float64 `json:"ema_50"`

	RSI14 *float64 `json:"rsi_14"`

	MACDLine      *float64 `json:"macd_line"`
	MACDSignal    *float64 `json:"macd_signal"`
	MACDHistogram *float64 `json:"macd_histogram"`

	BBUpper    *float64 `json:"bb_upper"`
	BBMiddle   *float64 `json:"bb_middle"`
	BBLower    *float64 `json:"bb_lower"`
	BBPosition *float64 `json:"bb_position"`
	BBWidth    *float64 `json:"bb_width"`

	Volatility20 *float64 `json:"volatility_20"`

	PriceChange1D  *float64 `json:"price_change_1d"`
	PriceChange5D  *float64 `json:"price_change_5d"`
	PriceChange30D *float64 `json:"price_change_30d"`

	AvgVolume20   *float64 `json:"avg_volume_20"`
	CurrentVolume float64  `json:"current_volume"`

	ComputedAt time.Time `json:"computed_at"`
}

type indicatorRow struct {
	Symbol         string          `db:"symbol"`
	Date           time.Time       `db:"date"`
	SMA20          sql.NullFloat64 `db:"sma_20"`
	SMA50          sql.NullFloat64 `db:"sma_50"`
	SMA200         sql.NullFloat64 `db:"sma_200"`
	EMA12          sql.NullFloat64 `db:"ema_12"`
	EMA26          sql.NullFloat64 `db:"ema_26"`
	EMA50          sql.NullFloat64 `db:"ema_50"`
	RSI14          sql.NullFloat64 `db:"rsi_14"`
	MACDLine       sql.NullFloat64 `db:"macd_line"`
	MACDSignal     sql.NullFloat64 `db:"macd_signal"`
	MACDHistogram  sql.NullFloat64 `db:"macd_histogram"`
	BBUpper        sql.NullFloat64 `db:"bb_upper"`
	BBMiddle       sql.NullFloat64 `db:"bb_middle"`
	BBLower        sql.NullFloat64 `db:"bb_lower"`
	BBPosition     sql.NullFloat64 `db:"bb_position"`
	BBWidth        sql.NullFloat64 `db:"bb_width"`
	Volatility20   sql.NullFloat64 `db:"volatility_20"`
	PriceChange1D  sql.NullFloat64 `db:"price_change_1d"`
	PriceChange5D  sql.NullFloat64 `db:"price_change_5d"`
	PriceChange30D sql.NullFloat64 `db:"price_change_30d"`
	AvgVolume20    sql.NullFloat64 `db:"avg_volume_20"`
	CurrentVolume  float64         `db:"current_volume"`
	ComputedAt     time.Time       `db:"computed_at"`
}

const indicatorColumns = `symbol, date, sma_20, sma_50, sma_200, ema_12, ema_26, ema_50, rsi_14,
macd_line, macd_signal, macd_histogram, bb_upper, bb_middle, bb_lower, bb_position, bb_width,
volatility_20, price_change_1d, price_change_5d, price_change_30d, avg_volume_20, current_volume, computed_at`

// UpsertSnapshot overwrites the latest-snapshot row for the symbol and
// refreshes the read cache.
func (s *Store) UpsertSnapshot(ctx context.Context, snap *IndicatorSnapshot) error {
	if snap == nil || strings.TrimSpace(snap.Symbol) == "" {
		return nil
	}
	stmt := fmt.Sprintf(`
INSERT INTO indicator_snapshots (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, NOW())
ON CONFLICT (symbol) DO UPDATE SET
    date = EXCLUDED.date,
    sma_20 = EXCLUDED.sma_20, sma_50 = EXCLUDED.sma_50, sma_200 = EXCLUDED.sma_200,
    ema_12 = EXCLUDED.ema_12, ema_26 = EXCLUDED.ema_26, ema_50 = EXCLUDED.ema_50,
    rsi_14 = EXCLUDED.rsi_14,
    macd_line = EXCLUDED.macd_line, macd_signal = EXCLUDED.macd_signal, macd_histogram = EXCLUDED.macd_histogram,
    bb_upper = EXCLUDED.bb_upper, bb_middle = EXCLUDED.bb_middle, bb_lower = EXCLUDED.bb_lower,
    bb_position = EXCLUDED.bb_position, bb_width = EXCLUDED.bb_width,
    volatility_20 = EXCLUDED.volatility_20,
    price_change_1d = EXCLUDED.price_change_1d, price_change_5d = EXCLUDED.price_change_5d, price_change_30d = EXCLUDED.price_change_30d,
    avg_volume_20 = EXCLUDED.avg_volume_20, current_volume = EXCLUDED.current_volume,
    computed_at = NOW();`, indicatorColumns)

	if _, err := s.conn.ExecCtx(ctx, stmt, snapshotArgs(snap)...); err != nil {
		return fmt.Errorf("store: upsert snapshot %s: %w", snap.Symbol, err)
	}
	s.setCache(ctx, cachekeys.IndicatorLatestKey(snap.Symbol), s.ttl.Duration(cachekeys.TTLMedium), snap)
	return nil
}

// InsertHistory appends the snapshot to the per-date history. Recomputing a
// past date hits the conflict target and is a no-op, not a duplicate.
func (s *Store) InsertHistory(ctx context.Context, snap *IndicatorSnapshot) error {
	if snap == nil || strings.TrimSpace(snap.Symbol) == "" {
		return nil
	}
	stmt := fmt.Sprintf(`
INSERT INTO indicator_history (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, NOW())
ON CONFLICT (symbol, date) DO NOTHING;`, indicatorColumns)

	if _, err := s.conn.ExecCtx(ctx, stmt, snapshotArgs(snap)...); err != nil {
		return fmt.Errorf("store: insert history %s@%s: %w", snap.Symbol, snap.Date.Format("2006-01-02"), err)
	}
	return nil
}

// GetLatestSnapshot returns the most recent snapshot for a symbol, serving
// from cache when fresh. nil when the symbol has never been computed.
func (s *Store) GetLatestSnapshot(ctx context.Context, symbol string) (*IndicatorSnapshot, error) {
	key := cachekeys.IndicatorLatestKey(symbol)
	var cached IndicatorSnapshot
	if s.getCache(ctx, key, &cached) {
		return &cached, nil
	}

	q := fmt.Sprintf(`SELECT %s FROM indicator_snapshots WHERE symbol = $1`, indicatorColumns)
	var rows []indicatorRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, strings.ToUpper(symbol)); err != nil {
		return nil, fmt.Errorf("store: get latest snapshot %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	snap := rows[0].toSnapshot()
	s.setCache(ctx, key, s.ttl.Duration(cachekeys.TTLMedium), snap)
	return snap, nil
}

// SnapshotHistory returns the per-date snapshots in [from, to], oldest first.
func (s *Store) SnapshotHistory(ctx context.Context, symbol string, from, to time.Time) ([]IndicatorSnapshot, error) {
	q := fmt.Sprintf(`
SELECT %s FROM indicator_history
WHERE symbol = $1 AND date >= $2 AND date <= $3
ORDER BY date ASC`, indicatorColumns)
	var rows []indicatorRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, strings.ToUpper(symbol), from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("store: snapshot history %s: %w", symbol, err)
	}
	history := make([]IndicatorSnapshot, 0, len(rows))
	for _, row := range rows {
		history = append(history, *row.toSnapshot())
	}
	return history, nil
}

func snapshotArgs(snap *IndicatorSnapshot) []interface{} {
	return []interface{}{
		strings.ToUpper(snap.Symbol),
		snap.Date.UTC(),
		nullable(snap.SMA20), nullable(snap.SMA50), nullable(snap.SMA200),
		nullable(snap.EMA12), nullable(snap.EMA26), nullable(snap.EMA50),
		nullable(snap.RSI14),
		nullable(snap.MACDLine), nullable(snap.MACDSignal), nullable(snap.MACDHistogram),
		nullable(snap.BBUpper), nullable(snap.BBMiddle), nullable(snap.BBLower),
		nullable(snap.BBPosition), nullable(snap.BBWidth),
		nullable(snap.Volatility20),
		nullable(snap.PriceChange1D), nullable(snap.PriceChange5D), nullable(snap.PriceChange30D),
		nullable(snap.AvgVolume20),
		snap.CurrentVolume,
	}
}

func (r indicatorRow) toSnapshot() *IndicatorSnapshot {
	return &IndicatorSnapshot{
		Symbol:         r.Symbol,
		Date:           r.Date.UTC(),
		SMA20:          ptr(r.SMA20),
		SMA50:          ptr(r.SMA50),
		SMA200:         ptr(r.SMA200),
		EMA12:          ptr(r.EMA12),
		EMA26:          ptr(r.EMA26),
		EMA50:          ptr(r.EMA50),
		RSI14:          ptr(r.RSI14),
		MACDLine:       ptr(r.MACDLine),
		MACDSignal:     ptr(r.MACDSignal),
		MACDHistogram:  ptr(r.MACDHistogram),
		BBUpper:        ptr(r.BBUpper),
		BBMiddle:       ptr(r.BBMiddle),
		BBLower:        ptr(r.BBLower),
		BBPosition:     ptr(r.BBPosition),
		BBWidth:        ptr(r.BBWidth),
		Volatility20:   ptr(r.Volatility20),
		PriceChange1D:  ptr(r.PriceChange1D),
		PriceChange5D:  ptr(r.PriceChange5D),
		PriceChange30D: ptr(r.PriceChange30D),
		AvgVolume20:    ptr(r.AvgVolume20),
		CurrentVolume:  r.CurrentVolume,
		ComputedAt:     r.ComputedAt.UTC(),
	}
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
