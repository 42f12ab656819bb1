// Package pipeline implements the checkpointed incremental load: for each
// (symbol, source, granularity) unit it computes the missing window, fetches
// it through the rate-limited source client, gates the batch for quality,
// upserts survivors and only then advances the checkpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/mr"

	"quotefeed/internal/store"
	"quotefeed/pkg/feed"
)

// Storage is the slice of the store the pipeline needs. *store.Store
// implements it; tests substitute fakes.
type Storage interface {
	UpsertBars(ctx context.Context, bars []feed.Bar) (int, error)
	BarsForWindow(ctx context.Context, symbol, source string, from, to time.Time) ([]feed.Bar, error)
	LatestClose(ctx context.Context, symbol string, preferred []string) (float64, bool, error)

	GetLoadRun(ctx context.Context, key store.RunKey) (*store.LoadRun, error)
	RecordRunOutcome(ctx context.Context, key store.RunKey, status string, records int64, lastBar time.Time, runErr error) error

	InsertQualityEvents(ctx context.Context, events []store.QualityEvent) error

	GetSymbol(ctx context.Context, symbol string) (*store.Symbol, error)
	EnsureSymbol(ctx context.Context, symbol string, details *feed.TickerDetails) error
	SetSymbolStatus(ctx context.Context, symbol, status string) error
	MarkSymbolDelisted(ctx context.Context, symbol string, date time.Time, lastPrice float64) error
	SetMissedSessions(ctx context.Context, symbol string, missed int) error
}

// RunSummary aggregates unit outcomes for one scheduler invocation. A run
// always completes with a summary; unit failures never abort siblings.
type RunSummary struct {
	Processed     int
	Failed        int
	RecordsLoaded int64
}

// Unit is one independent load task.
type Unit struct {
	Symbol      string
	Source      string
	Granularity feed.Granularity
}

// UnitResult is the terminal state of one unit within a run.
type UnitResult struct {
	Key     store.RunKey
	Status  string
	Records int64
	Err     error
}

// Options tunes a Pipeline.
type Options struct {
	// MaxConcurrency caps parallel units. Per-provider request rate is
	// bounded separately inside each client.
	MaxConcurrency int
	// Backfill limits the first window of a never-loaded key.
	Backfill time.Duration
}

// Pipeline wires the load units end to end.
type Pipeline struct {
	st          Storage
	clients     map[string]feed.Client
	checkpoints *Checkpoints
	registry    *Registry
	feedCfg     *feed.Config
	workers     int
}

// New constructs a pipeline over the given storage and source clients.
func New(st Storage, clients map[string]feed.Client, feedCfg *feed.Config, registry *Registry, opts Options) *Pipeline {
	workers := opts.MaxConcurrency
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		st:          st,
		clients:     clients,
		checkpoints: NewCheckpoints(st, opts.Backfill),
		registry:    registry,
		feedCfg:     feedCfg,
		workers:     workers,
	}
}

// RunIncrementalLoad processes the symbols against one source at one
// granularity through a bounded worker pool. The provider is health-checked
// once up front so a down provider does not burn rate-limit budget; in that
// case every unit counts as failed and is retried on the next invocation
// because no checkpoint moved.
func (p *Pipeline) RunIncrementalLoad(ctx context.Context, symbols []string, source string, g feed.Granularity) (RunSummary, error) {
	if err := g.Validate(); err != nil {
		return RunSummary{}, err
	}
	client, ok := p.clients[source]
	if !ok {
		return RunSummary{}, fmt.Errorf("pipeline: unknown source %q", source)
	}
	if len(symbols) == 0 {
		return RunSummary{}, nil
	}

	if err := client.HealthCheck(ctx); err != nil {
		logx.WithContext(ctx).Errorf("pipeline: %s health check failed: %v", source, err)
		return RunSummary{Failed: len(symbols)}, fmt.Errorf("pipeline: source %s unavailable: %w", source, err)
	}

	var summary RunSummary
	err := mr.MapReduceVoid(
		func(out chan<- Unit) {
			for _, symbol := range symbols {
				out <- Unit{Symbol: symbol, Source: source, Granularity: g}
			}
		},
		func(unit Unit, writer mr.Writer[UnitResult], cancel func(error)) {
			writer.Write(p.runUnit(ctx, client, unit))
		},
		func(results <-chan UnitResult, cancel func(error)) {
			for result := range results {
				summary.Processed++
				summary.RecordsLoaded += result.Records
				if result.Status == store.RunStatusFailed {
					summary.Failed++
					logx.WithContext(ctx).Errorf("pipeline: unit %s failed: %v", result.Key, result.Err)
				}
			}
		},
		mr.WithContext(ctx),
		mr.WithWorkers(p.workers),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return summary, err
	}
	return summary, nil
}

// runUnit executes one unit fully sequentially: checkpoint-read, eligibility,
// fetch, validate, persist, checkpoint-write. Persistence and checkpoint
// writes run detached from run-level cancellation so an in-flight batch
// finishes rather than aborting between persist and checkpoint.
func (p *Pipeline) runUnit(ctx context.Context, client feed.Client, unit Unit) UnitResult {
	key := store.RunKey{
		Symbol:     unit.Symbol,
		Source:     unit.Source,
		Timespan:   unit.Granularity.Timespan,
		Multiplier: unit.Granularity.Multiplier,
	}
	persistCtx := context.WithoutCancel(ctx)

	eligible, err := p.registry.IsEligible(ctx, unit.Symbol)
	if err != nil {
		return p.fail(persistCtx, key, fmt.Errorf("eligibility check: %w", err))
	}
	if !eligible {
		logx.WithContext(ctx).Infof("pipeline: %s skipped, symbol not eligible", key)
		return UnitResult{Key: key, Status: store.RunStatusSuccess}
	}

	if err := p.ensureSymbol(ctx, client, unit.Symbol); err != nil {
		return p.fail(persistCtx, key, fmt.Errorf("ensure symbol: %w", err))
	}

	window, open, err := p.checkpoints.NextWindow(ctx, key, p.sourceDelay(unit.Source))
	if err != nil {
		return p.fail(persistCtx, key, fmt.Errorf("next window: %w", err))
	}
	if !open {
		// Already caught up; record the attempt without moving the checkpoint.
		if err := p.checkpoints.RecordOutcome(persistCtx, key, store.RunStatusSuccess, 0, time.Time{}, nil); err != nil {
			return UnitResult{Key: key, Status: store.RunStatusFailed, Err: err}
		}
		return UnitResult{Key: key, Status: store.RunStatusSuccess}
	}

	bars, err := client.FetchBars(ctx, unit.Symbol, window.From, window.To, unit.Granularity)
	if err != nil {
		if errors.Is(err, feed.ErrSymbolNotFound) || feed.IsPermanent(err) {
			lastPrice, _, priceErr := p.st.LatestClose(persistCtx, unit.Symbol, p.feedCfg.Preference)
			if priceErr != nil {
				logx.WithContext(ctx).Errorf("pipeline: %s latest close lookup: %v", key, priceErr)
			}
			if nfErr := p.registry.NoteSymbolNotFound(persistCtx, unit.Symbol, window.To, lastPrice); nfErr != nil {
				logx.WithContext(ctx).Errorf("pipeline: %s lifecycle update: %v", key, nfErr)
			}
		}
		return p.fail(persistCtx, key, fmt.Errorf("fetch: %w", err))
	}

	valid, events := ValidateBars(unit.Symbol, bars, window.From, window.To, unit.Granularity)
	if len(events) > 0 {
		if err := p.st.InsertQualityEvents(persistCtx, events); err != nil {
			logx.WithContext(ctx).Errorf("pipeline: %s record quality events: %v", key, err)
		}
	}

	count, err := p.st.UpsertBars(persistCtx, valid)
	if err != nil {
		// Transaction rolled back; checkpoint untouched means the next run
		// retries the same window.
		return p.fail(persistCtx, key, fmt.Errorf("persist: %w", err))
	}

	if count > 0 {
		if err := p.registry.NoteDataObserved(persistCtx, unit.Symbol); err != nil {
			logx.WithContext(ctx).Errorf("pipeline: %s reset missed sessions: %v", key, err)
		}
	}

	status := store.RunStatusSuccess
	rejected := countRejections(events)
	if rejected > 0 {
		status = store.RunStatusPartial
	}
	var lastBar time.Time
	if len(valid) > 0 {
		lastBar = valid[len(valid)-1].Ts
	}
	if err := p.checkpoints.RecordOutcome(persistCtx, key, status, int64(count), lastBar, nil); err != nil {
		return UnitResult{Key: key, Status: store.RunStatusFailed, Records: int64(count), Err: err}
	}

	logx.WithContext(ctx).Infof("pipeline: %s loaded %d bars (%d rejected) for %s..%s",
		key, count, rejected, window.From.Format("2006-01-02"), window.To.Format("2006-01-02"))
	return UnitResult{Key: key, Status: status, Records: int64(count)}
}

func (p *Pipeline) fail(persistCtx context.Context, key store.RunKey, unitErr error) UnitResult {
	if err := p.checkpoints.RecordOutcome(persistCtx, key, store.RunStatusFailed, 0, time.Time{}, unitErr); err != nil {
		logx.WithContext(persistCtx).Errorf("pipeline: %s record failure: %v", key, err)
	}
	return UnitResult{Key: key, Status: store.RunStatusFailed, Err: unitErr}
}

// ensureSymbol creates the symbol row on first observation, pulling
// fundamentals from the provider on a best-effort basis.
func (p *Pipeline) ensureSymbol(ctx context.Context, client feed.Client, symbol string) error {
	existing, err := p.st.GetSymbol(ctx, symbol)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	details, err := client.TickerDetails(ctx, symbol)
	if err != nil {
		logx.WithContext(ctx).Infof("pipeline: no fundamentals for %s from %s: %v", symbol, client.Name(), err)
		details = nil
	}
	return p.registry.Ensure(ctx, symbol, details)
}

func (p *Pipeline) sourceDelay(source string) time.Duration {
	return p.feedCfg.SourceDelayFor(source)
}

func countRejections(events []store.QualityEvent) int {
	n := 0
	for _, event := range events {
		if event.Status == store.QualityRejected {
			n++
		}
	}
	return n
}
