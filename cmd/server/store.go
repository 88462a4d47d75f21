package main

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-cms/internal/health"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit/redisstore"
)

// newStore builds the configured counter store. The probe is nil for the
// memory store, which cannot be unreachable. closeFn is always non-nil.
func newStore(ctx context.Context, conf cfg.App, m *metrics.ServerMetrics, L log.Logger) (ratelimit.Store, health.Probe, func() error, error) {
	if conf.RateLimitStore == cfg.StoreRedis {
		client, err := redisstore.NewClient(redisstore.Config{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		s := redisstore.New(client)
		// an unreachable redis is a readiness failure, not a startup failure
		if err := s.Ping(ctx); err != nil {
			L.Warn(ctx, "redis not reachable at startup", "redis_addr", conf.RedisAddr, "error", err)
		} else {
			L.Info(ctx, "connected to redis", "redis_addr", conf.RedisAddr, "redis_db", conf.RedisDB)
		}
		probe := health.Named("ratelimit store", health.Timeout(health.CheckFunc(s.Ping), time.Second))
		return s, probe, client.Close, nil
	}

	s := ratelimit.NewMemoryStore(
		ratelimit.WithMaxKeys(conf.MaxKeys),
		ratelimit.WithOnCapacity(func() {
			m.IncCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new clients until windows expire", "max_keys", conf.MaxKeys)
		}),
	)
	s.StartJanitor(ctx, conf.SweepInterval, func(removed, remaining int) {
		m.SetActiveKeys(remaining)
		if removed > 0 {
			L.Debug(ctx, "swept expired rate limit records", "removed", removed, "remaining", remaining)
		}
	})
	return s, nil, func() error { return nil }, nil
}
