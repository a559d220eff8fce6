// Package app wires the configured stores, queues and delivery engine
// shared by im-comet and im-job.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/internal/breaker"
	"github.com/zhixiangxue/chalk-ai/internal/config"
	"github.com/zhixiangxue/chalk-ai/internal/db"
	"github.com/zhixiangxue/chalk-ai/internal/groupcache"
	"github.com/zhixiangxue/chalk-ai/internal/metrics"
	"github.com/zhixiangxue/chalk-ai/pkg/consumer"
	"github.com/zhixiangxue/chalk-ai/pkg/delivery"
	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/msgstore"
	"github.com/zhixiangxue/chalk-ai/pkg/msgstore/memory"
	mysqlstore "github.com/zhixiangxue/chalk-ai/pkg/msgstore/mysql"
	"github.com/zhixiangxue/chalk-ai/pkg/producer"
	"github.com/zhixiangxue/chalk-ai/pkg/runner"
	redisstore "github.com/zhixiangxue/chalk-ai/pkg/store/redis"
	"github.com/zhixiangxue/chalk-ai/pkg/store/storeiface"
)

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDev() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Core holds the process-wide collaborators. Close releases them in
// reverse order of acquisition.
type Core struct {
	Cfg      *config.Config
	Log      *zap.Logger
	Redis    *redisstore.Store
	Messages msgstore.Store
	Engine   *delivery.Engine

	closers []func() error
}

func NewCore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Core, error) {
	c := &Core{Cfg: cfg, Log: log}

	st, err := redisstore.New(cfg.Settings, log)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	c.Redis = st
	c.closers = append(c.closers, st.Close)

	msgs, err := c.openMessages(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Messages = msgs

	opts := delivery.Options{
		OpTimeout: cfg.Redis.OpTimeout,
		Hooks:     metrics.DeliveryHooks(),
		Log:       log.Named("delivery"),
	}
	if cfg.Breaker.Enabled {
		opts.Breaker = breaker.New(breaker.Options{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.Window,
			OpenFor:   cfg.Breaker.OpenFor,
		})
	}
	c.Engine = delivery.New(st, st, st, st.Addresser(), opts)
	return c, nil
}

func (c *Core) openMessages(ctx context.Context) (msgstore.Store, error) {
	cfg := c.Cfg
	switch cfg.Store.Driver {
	case "memory":
		m := memory.New()
		for _, u := range cfg.Store.Seed.Users {
			m.AddUser(msgstore.User{ID: u.ID, Name: u.Name})
		}
		for _, ch := range cfg.Store.Seed.Chats {
			m.AddChat(ch.ID, ch.Members...)
		}
		c.Log.Warn("using in-memory message store; messages are lost on restart",
			zap.Int("users", len(cfg.Store.Seed.Users)), zap.Int("chats", len(cfg.Store.Seed.Chats)))
		return m, nil
	case "mysql":
		sqlDB, err := db.Open(db.Options{
			DSN:          cfg.MySQL.DSN,
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
			ConnMaxLife:  cfg.MySQL.ConnMaxLife,
		})
		if err != nil {
			return nil, fmt.Errorf("mysql: %w", err)
		}
		c.closers = append(c.closers, sqlDB.Close)

		sf := sonyflake.NewSonyflake(sonyflake.Settings{MachineID: machineID(cfg.MySQL.MachineID)})
		if sf == nil {
			return nil, errors.New("sonyflake init failed: no usable machine id")
		}
		s := mysqlstore.New(sqlDB, sf)
		if cfg.MySQL.Migrate {
			if err := s.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func machineID(id uint16) func() (uint16, error) {
	if id == 0 {
		return nil
	}
	return func() (uint16, error) { return id, nil }
}

func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.Log.Warn("close failed", zap.Error(err))
		}
	}
	c.closers = nil
}

// JobQueue returns the producer side for the configured queue driver.
func (c *Core) JobQueue() (storeiface.JobQueue, error) {
	switch c.Cfg.Queue.Driver {
	case "rocketmq":
		p, err := producer.NewRocketMQ(c.Cfg.RocketMQ)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, p.Close)
		return p, nil
	default:
		return c.redisQueue(), nil
	}
}

func (c *Core) redisQueue() *runner.Queue {
	return runner.NewQueue(c.Redis.Client(), runner.Options{
		QueueKey:    c.Cfg.Queue.Key,
		Workers:     c.Cfg.Queue.Workers,
		MaxAttempts: c.Cfg.Queue.MaxAttempts,
		MaxBackoff:  c.Cfg.Queue.MaxBackoff,
		Visibility:  c.Cfg.Queue.Visibility,
		Hooks:       metrics.RunnerHooks(),
	})
}

// DistributionHandler runs one job through a distributor whose membership
// reads go through cache.
func (c *Core) DistributionHandler(cache *groupcache.Cache) runner.Handler {
	dist := delivery.NewDistributor(
		groupcache.NewMembers(c.Messages, cache),
		c.Messages,
		c.Engine,
		c.Log.Named("distributor"),
	)
	return func(ctx context.Context, job event.DistributionJob) error {
		res, err := dist.Distribute(ctx, job)
		if err != nil {
			return err
		}
		c.Log.Debug("job distributed",
			zap.String("message_id", job.MessageID),
			zap.Int("recipients", res.Recipients),
			zap.Any("routes", res.Routes))
		return nil
	}
}

// RunDistribution consumes jobs until ctx is done.
func (c *Core) RunDistribution(ctx context.Context) error {
	cache := groupcache.New(c.Cfg.MembershipCacheTTL)
	if c.Cfg.MembershipCacheTTL > 0 {
		go cache.Sweep(ctx, c.Cfg.MembershipCacheTTL)
	}
	h := c.DistributionHandler(cache)

	if c.Cfg.Queue.Driver == "rocketmq" {
		cons, err := consumer.NewRocketMQ(c.Cfg.RocketMQ, h, metrics.RunnerHooks(), c.Log.Named("consumer"))
		if err != nil {
			return err
		}
		if err := cons.Start(); err != nil {
			return err
		}
		c.Log.Info("rocketmq consumer started", zap.String("topic", c.Cfg.RocketMQ.Topic))
		<-ctx.Done()
		return cons.Shutdown()
	}

	w := runner.NewWorker(c.redisQueue(), h, c.Log.Named("worker"))
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunMaintenance trims offline lists on the configured interval until ctx
// is done.
func (c *Core) RunMaintenance(ctx context.Context) {
	delivery.NewMaintenance(c.Redis, c.Cfg.Maintenance.Every, metrics.DeliveryHooks(), c.Log.Named("maintenance")).Run(ctx)
}
