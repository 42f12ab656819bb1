package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Run statuses. A failed or partial run leaves last_successful_date untouched
// so the next attempt retries the same window.
const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// RunKey identifies one checkpoint row.
type RunKey struct {
	Symbol     string
	Source     string
	Timespan   string
	Multiplier int
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/%s/%d%s", k.Symbol, k.Source, k.Multiplier, k.Timespan)
}

// LoadRun is the ingestion checkpoint for one (symbol, source, granularity).
type LoadRun struct {
	Symbol             string
	Source             string
	Timespan           string
	Multiplier         int
	LastRunDate        time.Time
	LastSuccessfulDate time.Time
	HasSuccess         bool
	RecordsLoaded      int64
	Status             string
	ErrorMessage       string
}

type loadRunRow struct {
	Symbol             string         `db:"symbol"`
	DataSource         string         `db:"data_source"`
	Timespan           string         `db:"timespan"`
	Multiplier         int            `db:"multiplier"`
	LastRunDate        sql.NullTime   `db:"last_run_date"`
	LastSuccessfulDate sql.NullTime   `db:"last_successful_date"`
	RecordsLoaded      int64          `db:"records_loaded"`
	Status             string         `db:"status"`
	ErrorMessage       sql.NullString `db:"error_message"`
}

// GetLoadRun returns the checkpoint for key, or nil when the key has never run.
func (s *Store) GetLoadRun(ctx context.Context, key RunKey) (*LoadRun, error) {
	const q = `
SELECT symbol, data_source, timespan, multiplier, last_run_date, last_successful_date, records_loaded, status, error_message
FROM load_runs
WHERE symbol = $1 AND data_source = $2 AND timespan = $3 AND multiplier = $4`
	var rows []loadRunRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, strings.ToUpper(key.Symbol), key.Source, key.Timespan, key.Multiplier); err != nil {
		return nil, fmt.Errorf("store: get load run %s: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	run := &LoadRun{
		Symbol:        row.Symbol,
		Source:        row.DataSource,
		Timespan:      row.Timespan,
		Multiplier:    row.Multiplier,
		RecordsLoaded: row.RecordsLoaded,
		Status:        row.Status,
	}
	if row.LastRunDate.Valid {
		run.LastRunDate = row.LastRunDate.Time.UTC()
	}
	if row.LastSuccessfulDate.Valid {
		run.LastSuccessfulDate = row.LastSuccessfulDate.Time.UTC()
		run.HasSuccess = true
	}
	if row.ErrorMessage.Valid {
		run.ErrorMessage = row.ErrorMessage.String
	}
	return run, nil
}

// RecordRunOutcome upserts the checkpoint after a batch attempt. Callers must
// invoke it exactly once per attempt, after persistence confirms durability.
// last_successful_date only moves on a success outcome and never moves
// backwards; lastBar is ignored for failed and partial runs.
func (s *Store) RecordRunOutcome(ctx context.Context, key RunKey, status string, records int64, lastBar time.Time, runErr error) error {
	const stmt = `
INSERT INTO load_runs (symbol, data_source, timespan, multiplier, last_run_date, last_successful_date, records_loaded, status, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), $5, $6, $7, $8, NOW(), NOW())
ON CONFLICT (symbol, data_source, timespan, multiplier) DO UPDATE SET
    last_run_date = NOW(),
    records_loaded = EXCLUDED.records_loaded,
    status = EXCLUDED.status,
    error_message = EXCLUDED.error_message,
    last_successful_date = CASE
        WHEN EXCLUDED.status = 'success' AND EXCLUDED.last_successful_date IS NOT NULL
        THEN GREATEST(COALESCE(load_runs.last_successful_date, EXCLUDED.last_successful_date), EXCLUDED.last_successful_date)
        ELSE load_runs.last_successful_date
    END,
    updated_at = NOW();`

	var successDate sql.NullTime
	if status == RunStatusSuccess && !lastBar.IsZero() {
		successDate = sql.NullTime{Time: lastBar.UTC(), Valid: true}
	}
	var message sql.NullString
	if runErr != nil {
		message = sql.NullString{String: runErr.Error(), Valid: true}
	}
	if _, err := s.conn.ExecCtx(ctx, stmt,
		strings.ToUpper(key.Symbol),
		key.Source,
		key.Timespan,
		key.Multiplier,
		successDate,
		records,
		status,
		message,
	); err != nil {
		return fmt.Errorf("store: record run outcome %s: %w", key, err)
	}
	return nil
}
