package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"quotefeed/internal/store"
	"quotefeed/pkg/feed"
)

// CompareBars checks two sources' bars for the same (symbol, timestamp) and
// returns a discrepancy event when their closes disagree beyond tolerance
// (relative, e.g. 0.005 for half a percent). nil when the bars agree or are
// not comparable. Pure; safe to call from any audit pass.
func CompareBars(a, b feed.Bar, tolerance float64) *store.QualityEvent {
	if !a.Ts.Equal(b.Ts) || a.Symbol != b.Symbol {
		return nil
	}
	if a.Close <= 0 || b.Close <= 0 {
		return nil
	}
	base := math.Max(a.Close, b.Close)
	diff := math.Abs(a.Close-b.Close) / base
	if diff <= tolerance {
		return nil
	}
	return &store.QualityEvent{
		Symbol:    a.Symbol,
		CheckType: store.CheckPriceDiscrepancy,
		Status:    store.QualityWarning,
		Message: fmt.Sprintf("%s: close %g (%s) vs %g (%s), diff %.2f%%",
			a.Ts.Format("2006-01-02"), a.Close, a.Source, b.Close, b.Source, diff*100),
	}
}

// Reconciler runs cross-source price comparison as an independent audit pass,
// decoupled from the ingestion write path so it can be re-run at any time.
type Reconciler struct {
	st        Storage
	tolerance float64
}

// NewReconciler wires an audit pass with the given relative tolerance.
// tolerance <= 0 falls back to 0.5%.
func NewReconciler(st Storage, tolerance float64) *Reconciler {
	if tolerance <= 0 {
		tolerance = 0.005
	}
	return &Reconciler{st: st, tolerance: tolerance}
}

// Audit compares srcA against srcB for one symbol over [from, to] and records
// a discrepancy event per disagreeing timestamp. Returns the number of
// discrepancies found. Timestamps present in only one source are skipped;
// session gaps are the quality gate's concern, not the reconciler's.
func (r *Reconciler) Audit(ctx context.Context, symbol, srcA, srcB string, from, to time.Time) (int, error) {
	barsA, err := r.st.BarsForWindow(ctx, symbol, srcA, from, to)
	if err != nil {
		return 0, err
	}
	barsB, err := r.st.BarsForWindow(ctx, symbol, srcB, from, to)
	if err != nil {
		return 0, err
	}

	byTs := make(map[time.Time]feed.Bar, len(barsB))
	for _, bar := range barsB {
		byTs[bar.Ts.UTC()] = bar
	}

	var events []store.QualityEvent
	for _, bar := range barsA {
		other, ok := byTs[bar.Ts.UTC()]
		if !ok {
			continue
		}
		if event := CompareBars(bar, other, r.tolerance); event != nil {
			events = append(events, *event)
		}
	}
	if len(events) > 0 {
		if err := r.st.InsertQualityEvents(ctx, events); err != nil {
			return 0, err
		}
		logx.WithContext(ctx).Infof("reconcile: %s %s vs %s: %d discrepancies in %s..%s",
			symbol, srcA, srcB, len(events), from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	return len(events), nil
}
