// Package svc wires configuration into the running components: database,
// cache, source clients, pipeline, registry and indicator engine.
package svc

import (
	"log"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
	"github.com/zeromicro/go-zero/core/syncx"

	cachekeys "quotefeed/internal/cache"
	"quotefeed/internal/config"
	"quotefeed/internal/indicator"
	"quotefeed/internal/pipeline"
	"quotefeed/internal/store"
	feedpkg "quotefeed/pkg/feed"
	_ "quotefeed/pkg/feed/polygon"
	_ "quotefeed/pkg/feed/yahoo"
)

type ServiceContext struct {
	Config config.Config

	DBConn sqlx.SqlConn
	Store  *store.Store

	FeedConfig  *feedpkg.Config
	FeedClients map[string]feedpkg.Client

	Registry   *pipeline.Registry
	Pipeline   *pipeline.Pipeline
	Reconciler *pipeline.Reconciler
	Engine     *indicator.Engine
}

func NewServiceContext(c config.Config) *ServiceContext {
	svc := &ServiceContext{Config: c}

	if c.Postgres.DSN == "" {
		log.Fatal("postgres dsn is required")
	}
	svc.DBConn = sqlx.NewSqlConn("pgx", c.Postgres.DSN)

	var cacheNode cache.Cache
	if strings.TrimSpace(c.Redis.Host) != "" {
		rds := redis.MustNewRedis(c.Redis)
		cacheNode = cache.NewNode(rds, syncx.NewSingleFlight(), cache.NewStat(cachekeys.Namespace), sqlx.ErrNotFound)
	}
	svc.Store = store.New(svc.DBConn, cacheNode, cachekeys.NewTTLSet(c.TTL))

	if c.Feed.File == "" && c.Feed.Value == nil {
		log.Fatal("feed config section is required")
	}
	feedCfg := c.Feed.Value
	clients, err := feedCfg.BuildClients()
	if err != nil {
		log.Fatalf("failed to build feed clients: %v", err)
	}
	svc.FeedConfig = feedCfg
	svc.FeedClients = clients

	svc.Registry = pipeline.NewRegistry(svc.Store, c.Pipeline.DelistAfterMissedSessions)
	svc.Pipeline = pipeline.New(svc.Store, clients, feedCfg, svc.Registry, pipeline.Options{
		MaxConcurrency: c.Pipeline.MaxConcurrency,
	})
	svc.Reconciler = pipeline.NewReconciler(svc.Store, c.Pipeline.ReconcileTolerance)
	svc.Engine = indicator.New(svc.Store, feedCfg.Preference, c.Pipeline.HistoryBars)

	return svc
}
