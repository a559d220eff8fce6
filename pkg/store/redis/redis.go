package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/pkg/channel"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

/*
Store implements presence, offline lists and pub/sub on one Redis.

Keys (prefix defaults to "chalk"):
  - {prefix}:user:online:{uid}          presence flag, SET "1" EX ttl
  - {prefix}:user:inbox:offline:{uid}   LIST of MessageRef JSON, newest at head
  - {prefix}:user:inbox:instant:{uid}   pub/sub channel
  - {prefix}:user:notifications:{uid}   pub/sub channel
*/
type Store struct {
	cfg     push.RedisSettings
	offline push.OfflineSettings
	addr    channel.Addresser
	cli     *redis.Client
	log     *zap.Logger
}

func New(st push.Settings, log *zap.Logger) (*Store, error) {
	st = st.WithDefaults()
	cfg := st.Redis
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		// per-call ctx deadlines bound socket reads too
		ContextTimeoutEnabled: true,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}

	cli := redis.NewClient(opts)
	return &Store{
		cfg:     cfg,
		offline: st.Offline,
		addr:    channel.New(cfg.Prefix),
		cli:     cli,
		log:     log,
	}, nil
}

func (s *Store) Close() error { return s.cli.Close() }

// Client exposes the underlying client for components sharing the pool
// (job queue, health checks).
func (s *Store) Client() *redis.Client { return s.cli }

func (s *Store) Addresser() channel.Addresser { return s.addr }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.cli.Ping(ctx).Err(); err != nil {
		return brokerErr("ping", err)
	}
	return nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

func brokerErr(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, push.ErrBrokerUnavailable, err)
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 60 * time.Second
	}
	return ttl
}
