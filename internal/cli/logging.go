package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"quotefeed/internal/config"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	lines := []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("Postgres: %s", presence(cfg.Postgres.DSN != "")),
		fmt.Sprintf("Redis: %s", presence(strings.TrimSpace(cfg.Redis.Host) != "")),
		fmt.Sprintf("TTL (short/medium/long): %ds / %ds / %ds", cfg.TTL.Short, cfg.TTL.Medium, cfg.TTL.Long),
		fmt.Sprintf("Pipeline workers: %d", cfg.Pipeline.MaxConcurrency),
		fmt.Sprintf("Delist after missed sessions: %d", cfg.Pipeline.DelistAfterMissedSessions),
		feedLine(cfg),
	}

	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func feedLine(cfg *config.Config) string {
	switch {
	case cfg.Feed.Value != nil:
		names := make([]string, 0, len(cfg.Feed.Value.Providers))
		for name := range cfg.Feed.Value.Providers {
			names = append(names, name)
		}
		return fmt.Sprintf("Feed providers: %s", strings.Join(names, ", "))
	case strings.TrimSpace(cfg.Feed.File) != "":
		return fmt.Sprintf("Feed config: %s", cfg.Feed.File)
	default:
		return "Feed config: not configured"
	}
}
