package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"quotefeed/pkg/feed"
)

// Symbol lifecycle states. Transitions move toward delisted; the only reverse
// edge is suspended back to active.
const (
	SymbolActive    = "active"
	SymbolSuspended = "suspended"
	SymbolDelisted  = "delisted"
)

// Symbol is one entry in the tradable universe. Rows are never deleted; other
// tables reference the ticker.
type Symbol struct {
	Symbol         string
	Name           string
	Exchange       string
	Sector         string
	MarketCap      float64
	Status         string
	AddedDate      time.Time
	LastUpdated    time.Time
	DelistedDate   time.Time
	LastPrice      float64
	MissedSessions int
}

type symbolRow struct {
	Symbol         string          `db:"symbol"`
	Name           sql.NullString  `db:"name"`
	Exchange       sql.NullString  `db:"exchange"`
	Sector         sql.NullString  `db:"sector"`
	MarketCap      sql.NullFloat64 `db:"market_cap"`
	Status         string          `db:"status"`
	AddedDate      time.Time       `db:"added_date"`
	LastUpdated    time.Time       `db:"last_updated"`
	DelistedDate   sql.NullTime    `db:"delisted_date"`
	LastPrice      sql.NullFloat64 `db:"last_price"`
	MissedSessions int             `db:"missed_sessions"`
}

func (r symbolRow) toSymbol() Symbol {
	s := Symbol{
		Symbol:         r.Symbol,
		Status:         r.Status,
		AddedDate:      r.AddedDate.UTC(),
		LastUpdated:    r.LastUpdated.UTC(),
		MissedSessions: r.MissedSessions,
	}
	if r.Name.Valid {
		s.Name = r.Name.String
	}
	if r.Exchange.Valid {
		s.Exchange = r.Exchange.String
	}
	if r.Sector.Valid {
		s.Sector = r.Sector.String
	}
	if r.MarketCap.Valid {
		s.MarketCap = r.MarketCap.Float64
	}
	if r.DelistedDate.Valid {
		s.DelistedDate = r.DelistedDate.Time.UTC()
	}
	if r.LastPrice.Valid {
		s.LastPrice = r.LastPrice.Float64
	}
	return s
}

// GetSymbol returns the symbol row, or nil when never observed.
func (s *Store) GetSymbol(ctx context.Context, symbol string) (*Symbol, error) {
	const q = `
SELECT symbol, name, exchange, sector, market_cap, status, added_date, last_updated, delisted_date, last_price, missed_sessions
FROM symbols
WHERE symbol = $1`
	var rows []symbolRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, strings.ToUpper(symbol)); err != nil {
		return nil, fmt.Errorf("store: get symbol %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	sym := rows[0].toSymbol()
	return &sym, nil
}

// EnsureSymbol creates the symbol on first observation and enriches metadata
// fields on later calls without touching lifecycle status.
func (s *Store) EnsureSymbol(ctx context.Context, symbol string, details *feed.TickerDetails) error {
	const stmt = `
INSERT INTO symbols (symbol, name, exchange, sector, market_cap, status, added_date, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
ON CONFLICT (symbol) DO UPDATE SET
    name = COALESCE(EXCLUDED.name, symbols.name),
    exchange = COALESCE(EXCLUDED.exchange, symbols.exchange),
    sector = COALESCE(EXCLUDED.sector, symbols.sector),
    market_cap = COALESCE(EXCLUDED.market_cap, symbols.market_cap),
    last_updated = NOW();`

	var name, exchange, sector sql.NullString
	var marketCap sql.NullFloat64
	if details != nil {
		if v := strings.TrimSpace(details.Name); v != "" {
			name = sql.NullString{String: v, Valid: true}
		}
		if v := strings.TrimSpace(details.Exchange); v != "" {
			exchange = sql.NullString{String: v, Valid: true}
		}
		if v := strings.TrimSpace(details.Sector); v != "" {
			sector = sql.NullString{String: v, Valid: true}
		}
		if details.MarketCap > 0 {
			marketCap = sql.NullFloat64{Float64: details.MarketCap, Valid: true}
		}
	}
	if _, err := s.conn.ExecCtx(ctx, stmt,
		strings.ToUpper(symbol), name, exchange, sector, marketCap, SymbolActive,
	); err != nil {
		return fmt.Errorf("store: ensure symbol %s: %w", symbol, err)
	}
	return nil
}

// SetSymbolStatus writes a lifecycle transition. The registry is responsible
// for validating the transition before calling.
func (s *Store) SetSymbolStatus(ctx context.Context, symbol, status string) error {
	const stmt = `UPDATE symbols SET status = $2, last_updated = NOW() WHERE symbol = $1`
	if _, err := s.conn.ExecCtx(ctx, stmt, strings.ToUpper(symbol), status); err != nil {
		return fmt.Errorf("store: set symbol status %s: %w", symbol, err)
	}
	return nil
}

// MarkSymbolDelisted records the terminal transition along with the delisting
// date and last observed price.
func (s *Store) MarkSymbolDelisted(ctx context.Context, symbol string, date time.Time, lastPrice float64) error {
	const stmt = `
UPDATE symbols
SET status = $2, delisted_date = $3, last_price = $4, last_updated = NOW()
WHERE symbol = $1`
	var price sql.NullFloat64
	if lastPrice > 0 {
		price = sql.NullFloat64{Float64: lastPrice, Valid: true}
	}
	if _, err := s.conn.ExecCtx(ctx, stmt, strings.ToUpper(symbol), SymbolDelisted, date.UTC(), price); err != nil {
		return fmt.Errorf("store: mark delisted %s: %w", symbol, err)
	}
	return nil
}

// SetMissedSessions updates the consecutive-missing-session counter used by
// the delisting detection policy.
func (s *Store) SetMissedSessions(ctx context.Context, symbol string, missed int) error {
	const stmt = `UPDATE symbols SET missed_sessions = $2, last_updated = NOW() WHERE symbol = $1`
	if _, err := s.conn.ExecCtx(ctx, stmt, strings.ToUpper(symbol), missed); err != nil {
		return fmt.Errorf("store: set missed sessions %s: %w", symbol, err)
	}
	return nil
}

// ListSymbolsByStatus returns all symbols in the given lifecycle state.
func (s *Store) ListSymbolsByStatus(ctx context.Context, status string) ([]Symbol, error) {
	const q = `
SELECT symbol, name, exchange, sector, market_cap, status, added_date, last_updated, delisted_date, last_price, missed_sessions
FROM symbols
WHERE status = $1
ORDER BY symbol ASC`
	var rows []symbolRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, status); err != nil {
		return nil, fmt.Errorf("store: list symbols by status: %w", err)
	}
	symbols := make([]Symbol, 0, len(rows))
	for _, row := range rows {
		symbols = append(symbols, row.toSymbol())
	}
	return symbols, nil
}
