package pipeline

import (
	"context"
	"time"

	"quotefeed/internal/store"
	"quotefeed/pkg/feed"
)

// defaultBackfill bounds the first window for a key that has never loaded.
const defaultBackfill = 365 * 24 * time.Hour

// Window is the date range a load unit still needs to fetch.
type Window struct {
	From time.Time
	To   time.Time
}

// Checkpoints computes missing windows from load-run state and records batch
// outcomes. It owns the persistence-then-checkpoint ordering contract: an
// outcome is only ever recorded after the batch is durably persisted, so a
// crash between fetch and persist re-fetches the same window instead of
// silently skipping it.
type Checkpoints struct {
	st       Storage
	backfill time.Duration
	now      func() time.Time
}

// NewCheckpoints wires a checkpoint tracker. backfill caps the first window
// for never-loaded keys; zero means one year.
func NewCheckpoints(st Storage, backfill time.Duration) *Checkpoints {
	if backfill <= 0 {
		backfill = defaultBackfill
	}
	return &Checkpoints{st: st, backfill: backfill, now: time.Now}
}

// NextWindow returns the missing window for key, honoring the provider's data
// delay. ok is false when the checkpoint is already at the edge and there is
// nothing to fetch.
func (c *Checkpoints) NextWindow(ctx context.Context, key store.RunKey, sourceDelay time.Duration) (Window, bool, error) {
	run, err := c.st.GetLoadRun(ctx, key)
	if err != nil {
		return Window{}, false, err
	}
	g := feed.Granularity{Timespan: key.Timespan, Multiplier: key.Multiplier}
	var last time.Time
	hasSuccess := false
	if run != nil && run.HasSuccess {
		last, hasSuccess = run.LastSuccessfulDate, true
	}
	w, ok := NextWindowFrom(last, hasSuccess, c.now().UTC(), sourceDelay, g, c.backfill)
	return w, ok, nil
}

// RecordOutcome persists the batch outcome. Must be called exactly once per
// attempted batch, after UpsertBars returned.
func (c *Checkpoints) RecordOutcome(ctx context.Context, key store.RunKey, status string, records int64, lastBar time.Time, runErr error) error {
	return c.st.RecordRunOutcome(ctx, key, status, records, lastBar, runErr)
}

// NextWindowFrom is the pure window computation: from is one period past the
// last successful date (or now minus backfill when the key never succeeded),
// to is now minus the source delay. Daily windows snap to UTC midnight. ok is
// false when from lands past to.
func NextWindowFrom(lastSuccess time.Time, hasSuccess bool, now time.Time, sourceDelay time.Duration, g feed.Granularity, backfill time.Duration) (Window, bool) {
	period := g.Period()
	if period <= 0 {
		return Window{}, false
	}
	if backfill <= 0 {
		backfill = defaultBackfill
	}

	to := now.Add(-sourceDelay)
	var from time.Time
	if hasSuccess {
		from = lastSuccess.Add(period)
	} else {
		from = to.Add(-backfill)
	}

	if g.IsDaily() {
		from = from.UTC().Truncate(24 * time.Hour)
		to = to.UTC().Truncate(24 * time.Hour)
	}

	if from.After(to) {
		return Window{}, false
	}
	return Window{From: from.UTC(), To: to.UTC()}, true
}
