// Package store is the only component that talks to Postgres. Bars, load-run
// checkpoints, quality events and indicator tables each get their own file;
// all writes go through ON CONFLICT upserts so checkpoint-driven retries stay
// idempotent.
package store

import (
	"context"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	cachekeys "quotefeed/internal/cache"
)

// Store loads and persists pipeline state in Postgres, with an optional Redis
// cache in front of the hot read paths.
type Store struct {
	conn  sqlx.SqlConn
	cache cache.Cache
	ttl   cachekeys.TTLSet
}

// New wires a store. cache may be nil; reads then always hit Postgres.
func New(conn sqlx.SqlConn, c cache.Cache, ttl cachekeys.TTLSet) *Store {
	return &Store{conn: conn, cache: c, ttl: ttl}
}

// Conn exposes the underlying connection for integration tests.
func (s *Store) Conn() sqlx.SqlConn {
	return s.conn
}

func (s *Store) getCache(ctx context.Context, key string, v interface{}) bool {
	if s.cache == nil {
		return false
	}
	if err := s.cache.GetCtx(ctx, key, v); err != nil {
		if !s.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("store: get cache %s: %v", key, err)
		}
		return false
	}
	return true
}

func (s *Store) setCache(ctx context.Context, key string, ttl time.Duration, v interface{}) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.SetWithExpireCtx(ctx, key, v, ttl); err != nil {
		logx.WithContext(ctx).Errorf("store: set cache %s: %v", key, err)
	}
}

func (s *Store) delCache(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DelCtx(ctx, keys...); err != nil {
		logx.WithContext(ctx).Errorf("store: del cache %v: %v", keys, err)
	}
}
