package pipeline

import (
	"context"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"quotefeed/internal/store"
	"quotefeed/pkg/feed"
)

// Registry tracks the tradable universe and its lifecycle state. It is the
// only component allowed to mutate symbol status; everyone else reads.
type Registry struct {
	st Storage
	// delistAfter is the number of consecutive missing expected sessions
	// (combined with a provider not-found response) before a symbol is
	// considered delisted. Configuration, deliberately not a constant.
	delistAfter int
}

// NewRegistry wires a symbol registry. delistAfter <= 0 falls back to 10.
func NewRegistry(st Storage, delistAfter int) *Registry {
	if delistAfter <= 0 {
		delistAfter = 10
	}
	return &Registry{st: st, delistAfter: delistAfter}
}

// IsEligible reports whether the symbol should still be scheduled. Unknown
// symbols are eligible; they are created on first observation. Delisted
// symbols never come back through this path.
func (r *Registry) IsEligible(ctx context.Context, symbol string) (bool, error) {
	sym, err := r.st.GetSymbol(ctx, symbol)
	if err != nil {
		return false, err
	}
	if sym == nil {
		return true, nil
	}
	return sym.Status != store.SymbolDelisted, nil
}

// Ensure creates the symbol on first observation and enriches fundamentals
// when the provider supplies them.
func (r *Registry) Ensure(ctx context.Context, symbol string, details *feed.TickerDetails) error {
	return r.st.EnsureSymbol(ctx, symbol, details)
}

// MarkDelisted transitions the symbol into its terminal state. Already
// scheduled batches finish; future scheduling is cut off by IsEligible.
func (r *Registry) MarkDelisted(ctx context.Context, symbol string, date time.Time, lastPrice float64) error {
	if err := r.st.MarkSymbolDelisted(ctx, symbol, date, lastPrice); err != nil {
		return err
	}
	logx.WithContext(ctx).Infof("registry: %s delisted as of %s", symbol, date.Format("2006-01-02"))
	return nil
}

// Reinstate moves a suspended symbol back to active, the one allowed reverse
// transition. Delisted symbols stay delisted.
func (r *Registry) Reinstate(ctx context.Context, symbol string) error {
	sym, err := r.st.GetSymbol(ctx, symbol)
	if err != nil {
		return err
	}
	if sym == nil || sym.Status != store.SymbolSuspended {
		return nil
	}
	return r.st.SetSymbolStatus(ctx, symbol, store.SymbolActive)
}

// NoteDataObserved resets the missing-session counter after a batch delivered
// rows for the symbol.
func (r *Registry) NoteDataObserved(ctx context.Context, symbol string) error {
	sym, err := r.st.GetSymbol(ctx, symbol)
	if err != nil {
		return err
	}
	if sym == nil || sym.MissedSessions == 0 {
		return nil
	}
	return r.st.SetMissedSessions(ctx, symbol, 0)
}

// NoteSymbolNotFound records a provider not-found response against the
// missing-session counter and delists the symbol once the configured
// threshold of consecutive missing sessions is crossed.
func (r *Registry) NoteSymbolNotFound(ctx context.Context, symbol string, asOf time.Time, lastPrice float64) error {
	sym, err := r.st.GetSymbol(ctx, symbol)
	if err != nil {
		return err
	}
	if sym == nil {
		// Never observed with data; nothing to delist.
		return nil
	}
	if sym.Status == store.SymbolDelisted {
		return nil
	}
	missed := sym.MissedSessions + 1
	if missed >= r.delistAfter {
		if lastPrice == 0 {
			lastPrice = sym.LastPrice
		}
		return r.MarkDelisted(ctx, symbol, asOf, lastPrice)
	}
	logx.WithContext(ctx).Infof("registry: %s not found upstream, missed sessions %d/%d", symbol, missed, r.delistAfter)
	return r.st.SetMissedSessions(ctx, symbol, missed)
}
