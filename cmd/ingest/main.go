// Command ingest runs one incremental load pass for a set of symbols against
// one source, then optionally recomputes indicators over the loaded symbols.
// It is safe to re-run: checkpoints make every invocation pick up exactly
// where the previous one stopped.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quotefeed/internal/cli"
	"quotefeed/internal/config"
	"quotefeed/internal/pipeline"
	"quotefeed/internal/store"
	"quotefeed/internal/svc"
	"quotefeed/pkg/feed"
)

var (
	configFile = flag.String("f", "etc/quotefeed.yaml", "the config file")
	symbolsCSV = flag.String("symbols", "", "comma separated symbols to load (required)")
	source     = flag.String("source", "", "source provider name (default: feed config default)")
	timespan   = flag.String("timespan", "day", "bar timespan: minute|hour|day|week")
	multiplier = flag.Int("multiplier", 1, "bar multiplier")
	backfill   = flag.Duration("backfill", 0, "first-load window cap, e.g. 2160h (default: one year)")
	indicators = flag.Bool("indicators", true, "recompute indicators after loading")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	symbols := splitSymbols(*symbolsCSV)
	if len(symbols) == 0 {
		log.Fatal("[ingest] -symbols is required")
	}

	appCfg := config.MustLoad(*configFile)
	for _, line := range cli.ConfigSummaryLines(appCfg) {
		log.Printf("  - %s", line)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcCtx := svc.NewServiceContext(*appCfg)

	src := *source
	if src == "" {
		src = svcCtx.FeedConfig.Default
	}
	g := feed.Granularity{Timespan: *timespan, Multiplier: *multiplier}

	loader := svcCtx.Pipeline
	if *backfill > 0 {
		loader = pipeline.New(svcCtx.Store, svcCtx.FeedClients, svcCtx.FeedConfig, svcCtx.Registry, pipeline.Options{
			MaxConcurrency: appCfg.Pipeline.MaxConcurrency,
			Backfill:       *backfill,
		})
	}

	start := time.Now()
	summary, err := loader.RunIncrementalLoad(ctx, symbols, src, g)
	elapsed := time.Since(start)
	if err != nil {
		log.Printf("[ingest] run aborted after %s: %v", elapsed.Round(time.Millisecond), err)
	}
	log.Printf("[ingest] %s %s: processed=%d failed=%d records=%d took=%s",
		src, g, summary.Processed, summary.Failed, summary.RecordsLoaded, elapsed.Round(time.Millisecond))

	if *indicators && g.IsDaily() && ctx.Err() == nil {
		computed := svcCtx.Engine.RecomputeAll(ctx, symbols, time.Now().UTC())
		log.Printf("[ingest] indicators recomputed for %d/%d symbols", computed, len(symbols))
	}

	reportLoadState(ctx, svcCtx, symbols, src, g)

	if summary.Failed > 0 || err != nil {
		os.Exit(1)
	}
}

func reportLoadState(ctx context.Context, svcCtx *svc.ServiceContext, symbols []string, src string, g feed.Granularity) {
	for _, symbol := range symbols {
		key := store.RunKey{Symbol: symbol, Source: src, Timespan: g.Timespan, Multiplier: g.Multiplier}
		run, err := svcCtx.Store.GetLoadRun(ctx, key)
		if err != nil || run == nil {
			continue
		}
		checkpoint := "-"
		if run.HasSuccess {
			checkpoint = run.LastSuccessfulDate.Format("2006-01-02")
		}
		log.Printf("[ingest] %s: status=%s checkpoint=%s records=%d", key, run.Status, checkpoint, run.RecordsLoaded)
	}
}

func splitSymbols(csv string) []string {
	parts := strings.Split(csv, ",")
	symbols := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		symbol := strings.ToUpper(strings.TrimSpace(part))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		symbols = append(symbols, symbol)
	}
	return symbols
}
