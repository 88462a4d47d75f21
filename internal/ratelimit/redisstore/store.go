// Package redisstore is a ratelimit.Store backed by redis, for counters shared
// by every instance pointed at the same redis.
//
// Each operation is one Lua script, so fetch-or-create-then-increment runs
// atomically on the server and concurrent instances never read the same count.
// Window expiry is redis key expiry: the window starts on the first counted
// request and ends when the key's TTL runs out.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

var _ ratelimit.Store = (*Store)(nil)

// Store implements ratelimit.Store on a redis client. The client is owned by the caller.
type Store struct {
	client redis.UniversalClient
	prefix string
}

type Option func(*Store)

// WithPrefix sets the key prefix, "rl:" by default.
func WithPrefix(p string) Option {
	return func(s *Store) {
		s.prefix = p
	}
}

// New wraps client. It does not contact redis, use Ping for that.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "rl:",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config is the connection config for NewClient.
type Config struct {
	Addr     string
	Password string
	DB       int
	// DialTimeout and ReadTimeout bound how long a request can wait on redis
	// before the limiter's fail mode applies
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// NewClient builds a redis client from cfg with short timeouts suited to a
// request-path dependency.
func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, xerrors.New("redis address is required")
	}
	dial, read := cfg.DialTimeout, cfg.ReadTimeout
	if dial <= 0 {
		dial = 2 * time.Second
	}
	if read <= 0 {
		read = 500 * time.Millisecond
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dial,
		ReadTimeout:  read,
		WriteTimeout: read,
	}), nil
}

func (s *Store) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (ratelimit.Record, error) {
	return s.run(ctx, incrementScript, "increment", key, now, window)
}

func (s *Store) GetOrCreate(ctx context.Context, key string, now time.Time, window time.Duration) (ratelimit.Record, error) {
	return s.run(ctx, getOrCreateScript, "get", key, now, window)
}

func (s *Store) run(ctx context.Context, script *redis.Script, op, key string, now time.Time, window time.Duration) (ratelimit.Record, error) {
	ms := window.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	res, err := script.Run(ctx, s.client, []string{s.prefix + key}, ms).Int64Slice()
	if err != nil {
		return ratelimit.Record{}, ratelimit.StoreError(err, "redis "+op)
	}
	if len(res) != 2 {
		return ratelimit.Record{}, ratelimit.StoreError(fmt.Errorf("unexpected script reply %v", res), "redis "+op)
	}
	return ratelimit.Record{
		Key:     key,
		Count:   res[0],
		ResetAt: now.Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}

// Ping checks the connection, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return ratelimit.StoreError(err, "redis ping")
	}
	return nil
}
