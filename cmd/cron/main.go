// Command cron keeps the bar store current: it re-runs the incremental load
// for every active symbol on a schedule, recomputes indicators after each
// pass and periodically reconciles the primary source against the secondary.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"quotefeed/internal/cli"
	"quotefeed/internal/config"
	"quotefeed/internal/store"
	"quotefeed/internal/svc"
	"quotefeed/pkg/feed"
)

const (
	ingestInterval    = 15 * time.Minute // Incremental load interval
	reconcileInterval = 6 * time.Hour    // Cross-source audit interval
	reconcileLookback = 7 * 24 * time.Hour
	shutdownTimeout   = 30 * time.Second // Grace period for shutdown
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("[main] Starting quotefeed cron...")

	configPath := "etc/quotefeed.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	appCfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load app config: %v", err)
	}

	log.Printf("[main] Configuration loaded:")
	for _, line := range cli.ConfigSummaryLines(appCfg) {
		log.Printf("  - %s", line)
	}

	svcCtx := svc.NewServiceContext(*appCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runIngestLoop(ctx, svcCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runReconcileLoop(ctx, svcCtx)
	}()

	log.Println("[main] Cron started. Press Ctrl+C to stop.")
	<-ctx.Done()
	log.Println("[main] Shutdown signal received, stopping tasks...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[main] All tasks stopped cleanly")
	case <-shutdownCtx.Done():
		log.Println("[main] Shutdown timeout exceeded, forcing exit")
	}

	log.Println("[main] Cron stopped")
}

// runIngestLoop re-loads every active symbol from every configured source on
// a fixed schedule, then recomputes indicators for the symbols that loaded.
func runIngestLoop(ctx context.Context, svcCtx *svc.ServiceContext) {
	ticker := time.NewTicker(ingestInterval)
	defer ticker.Stop()

	ingestPass(ctx, svcCtx)

	for {
		select {
		case <-ctx.Done():
			log.Println("[ingest] Stopping ingest loop")
			return
		case <-ticker.C:
			ingestPass(ctx, svcCtx)
		}
	}
}

func ingestPass(ctx context.Context, svcCtx *svc.ServiceContext) {
	if ctx.Err() != nil {
		return
	}
	symbols := activeSymbols(ctx, svcCtx)
	if len(symbols) == 0 {
		log.Println("[ingest] No active symbols; seed the universe with the ingest command")
		return
	}

	for source := range svcCtx.FeedClients {
		start := time.Now()
		summary, err := svcCtx.Pipeline.RunIncrementalLoad(ctx, symbols, source, feed.Day)
		elapsed := time.Since(start)
		if err != nil {
			log.Printf("[ingest.%s] [ERROR] %v, took %dms", source, err, elapsed.Milliseconds())
			continue
		}
		log.Printf("[ingest.%s] [OK] processed=%d failed=%d records=%d, took %dms",
			source, summary.Processed, summary.Failed, summary.RecordsLoaded, elapsed.Milliseconds())
	}

	if ctx.Err() == nil {
		computed := svcCtx.Engine.RecomputeAll(ctx, symbols, time.Now().UTC())
		log.Printf("[indicator] [OK] recomputed %d/%d symbols", computed, len(symbols))
	}
}

// runReconcileLoop audits the first two preferred sources against each other
// over a trailing window. A single configured source makes this a no-op.
func runReconcileLoop(ctx context.Context, svcCtx *svc.ServiceContext) {
	if len(svcCtx.FeedConfig.Preference) < 2 {
		log.Println("[reconcile] Fewer than two sources configured; skipping audits")
		return
	}
	srcA, srcB := svcCtx.FeedConfig.Preference[0], svcCtx.FeedConfig.Preference[1]

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	reconcilePass(ctx, svcCtx, srcA, srcB)

	for {
		select {
		case <-ctx.Done():
			log.Println("[reconcile] Stopping reconcile loop")
			return
		case <-ticker.C:
			reconcilePass(ctx, svcCtx, srcA, srcB)
		}
	}
}

func reconcilePass(ctx context.Context, svcCtx *svc.ServiceContext, srcA, srcB string) {
	if ctx.Err() != nil {
		return
	}
	symbols := activeSymbols(ctx, svcCtx)
	to := time.Now().UTC()
	from := to.Add(-reconcileLookback)

	total := 0
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		found, err := svcCtx.Reconciler.Audit(ctx, symbol, srcA, srcB, from, to)
		if err != nil {
			log.Printf("[reconcile.%s] [ERROR] %v", symbol, err)
			continue
		}
		total += found
	}
	log.Printf("[reconcile] [OK] %s vs %s: %d discrepancies across %d symbols", srcA, srcB, total, len(symbols))
}

func activeSymbols(ctx context.Context, svcCtx *svc.ServiceContext) []string {
	rows, err := svcCtx.Store.ListSymbolsByStatus(ctx, store.SymbolActive)
	if err != nil {
		log.Printf("[main] [ERROR] list active symbols: %v", err)
		return nil
	}
	symbols := make([]string, 0, len(rows))
	for _, row := range rows {
		symbols = append(symbols, row.Symbol)
	}
	return symbols
}
