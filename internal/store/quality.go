package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Quality event statuses.
const (
	QualityRejected = "rejected"
	QualityWarning  = "warning"
)

// Quality check types.
const (
	CheckPositivePrices   = "positive_prices"
	CheckValidOHLC        = "valid_ohlc"
	CheckZeroVolume       = "zero_volume"
	CheckSessionGap       = "session_gap"
	CheckPriceDiscrepancy = "price_discrepancy"
)

// QualityEvent is an append-only audit record of a validation finding.
type QualityEvent struct {
	Symbol    string
	CheckType string
	Status    string
	Message   string
	CreatedAt time.Time
}

type qualityEventRow struct {
	Symbol    string    `db:"symbol"`
	CheckType string    `db:"check_type"`
	Status    string    `db:"status"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

// InsertQualityEvents appends validation findings. Events are never mutated
// after the fact.
func (s *Store) InsertQualityEvents(ctx context.Context, events []QualityEvent) error {
	if len(events) == 0 {
		return nil
	}
	const stmt = `
INSERT INTO data_quality_events (symbol, check_type, status, message, created_at)
VALUES ($1, $2, $3, $4, $5)`
	for _, event := range events {
		created := event.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := s.conn.ExecCtx(ctx, stmt,
			strings.ToUpper(event.Symbol),
			event.CheckType,
			event.Status,
			event.Message,
			created.UTC(),
		); err != nil {
			return fmt.Errorf("store: insert quality event %s/%s: %w", event.Symbol, event.CheckType, err)
		}
	}
	return nil
}

// QualityEvents returns the audit trail for a symbol, newest first.
func (s *Store) QualityEvents(ctx context.Context, symbol string, limit int) ([]QualityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT symbol, check_type, status, message, created_at
FROM data_quality_events
WHERE symbol = $1
ORDER BY created_at DESC
LIMIT $2`
	var rows []qualityEventRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, strings.ToUpper(symbol), limit); err != nil {
		return nil, fmt.Errorf("store: quality events: %w", err)
	}
	events := make([]QualityEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, QualityEvent{
			Symbol:    row.Symbol,
			CheckType: row.CheckType,
			Status:    row.Status,
			Message:   row.Message,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return events, nil
}
