package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

type Config struct {
	Env string `yaml:"env"`

	// rocketmq, redis and offline sections
	push.Settings `yaml:",inline"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":7001"
	} `yaml:"http"`

	Metrics struct {
		Addr string `yaml:"addr"` // im-job only; im-comet serves /metrics on http.addr
	} `yaml:"metrics"`

	Store struct {
		Driver string `yaml:"driver"` // mysql | memory
		// Seed preloads the memory driver.
		Seed struct {
			Users []struct {
				ID   string `yaml:"id"`
				Name string `yaml:"name"`
			} `yaml:"users"`
			Chats []struct {
				ID      string   `yaml:"id"`
				Members []string `yaml:"members"`
			} `yaml:"chats"`
		} `yaml:"seed"`
	} `yaml:"store"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		Migrate      bool          `yaml:"migrate"`
		MachineID    uint16        `yaml:"machine_id"` // sonyflake machine id, 0 = derive from private IP
	} `yaml:"mysql"`

	Session struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PresenceTTL       time.Duration `yaml:"presence_ttl"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		IdleTimeout       time.Duration `yaml:"idle_timeout"`
		ReplayLimit       int64         `yaml:"replay_limit"`
		MaxFrameSize      int64         `yaml:"max_frame_size"`
		InboxSize         int           `yaml:"inbox_size"`
		EvictWait         time.Duration `yaml:"evict_wait"`
	} `yaml:"session"`

	Queue struct {
		Driver      string        `yaml:"driver"` // redis | rocketmq
		Key         string        `yaml:"key"`
		Workers     int           `yaml:"workers"`
		MaxAttempts int           `yaml:"max_attempts"`
		MaxBackoff  time.Duration `yaml:"max_backoff"`
		// Visibility bounds how long a claimed job may go unsettled before
		// another worker picks it up.
		Visibility time.Duration `yaml:"visibility"`
		// Embedded runs the distribution worker inside im-comet.
		Embedded bool `yaml:"embedded"`
	} `yaml:"queue"`

	Maintenance struct {
		Every time.Duration `yaml:"every"`
	} `yaml:"maintenance"`

	Breaker struct {
		Enabled   bool          `yaml:"enabled"`
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	// MembershipCacheTTL caches chat membership in the distributor. Zero
	// (the default) resolves membership on every job; a positive TTL lets
	// a member added within it miss messages sent in that window.
	MembershipCacheTTL time.Duration `yaml:"membership_cache_ttl"`
}

// Load supports comma-separated config files: "-c common.yml,im-comet.yml".
// Later files override earlier ones; CHALK_* environment variables override
// both.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-comet.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
	}
	c.applyEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	c.Env = getEnv("CHALK_ENV", c.Env)
	c.HTTP.Addr = getEnv("CHALK_HTTP_ADDR", c.HTTP.Addr)
	c.Metrics.Addr = getEnv("CHALK_METRICS_ADDR", c.Metrics.Addr)
	c.Redis.Addr = getEnv("CHALK_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("CHALK_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Database = getEnvInt("CHALK_REDIS_DB", c.Redis.Database)
	c.MySQL.DSN = getEnv("CHALK_MYSQL_DSN", c.MySQL.DSN)
	c.Store.Driver = getEnv("CHALK_STORE_DRIVER", c.Store.Driver)
	c.Queue.Driver = getEnv("CHALK_QUEUE_DRIVER", c.Queue.Driver)
	c.RocketMQ.NameServer = getEnv("CHALK_ROCKETMQ_NAMESERVER", c.RocketMQ.NameServer)
}

func (c *Config) applyDefaults() {
	c.Settings = c.Settings.WithDefaults()

	if c.Env == "" {
		c.Env = "prod"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7001"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":2112"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "mysql"
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = 30 * time.Second
	}
	if c.Session.PresenceTTL == 0 {
		c.Session.PresenceTTL = 60 * time.Second
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = 5 * time.Second
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 3 * c.Session.HeartbeatInterval
	}
	if c.Session.ReplayLimit <= 0 {
		c.Session.ReplayLimit = c.Offline.MaxKeep
	}
	if c.Session.MaxFrameSize <= 0 {
		c.Session.MaxFrameSize = 64 << 10
	}
	if c.Session.InboxSize <= 0 {
		c.Session.InboxSize = 256
	}
	if c.Session.EvictWait == 0 {
		c.Session.EvictWait = 5 * time.Second
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "redis"
	}
	if c.Queue.Key == "" {
		c.Queue.Key = c.Redis.Prefix + ":jobs:distribute"
	}
	if c.Maintenance.Every == 0 {
		c.Maintenance.Every = 30 * time.Minute
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = 10 * time.Second
	}
	if c.Breaker.OpenFor == 0 {
		c.Breaker.OpenFor = 5 * time.Second
	}
	if c.Queue.Visibility == 0 {
		c.Queue.Visibility = 2 * time.Minute
	}
}

// Validate rejects settings under which a live session could read as
// offline between two heartbeats.
func (c *Config) Validate() error {
	if c.Session.PresenceTTL < 2*c.Session.HeartbeatInterval {
		return fmt.Errorf("session.presence_ttl (%s) must be at least twice session.heartbeat_interval (%s)",
			c.Session.PresenceTTL, c.Session.HeartbeatInterval)
	}
	if c.MembershipCacheTTL < 0 {
		return errors.New("membership_cache_ttl must not be negative")
	}
	switch c.Store.Driver {
	case "mysql":
		if c.MySQL.DSN == "" {
			return errors.New("mysql.dsn required when store.driver is mysql")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Queue.Driver {
	case "redis":
	case "rocketmq":
		if c.RocketMQ.NameServer == "" || c.RocketMQ.Topic == "" {
			return errors.New("rocketmq.name-server and rocketmq.topic required when queue.driver is rocketmq")
		}
	default:
		return fmt.Errorf("unknown queue.driver %q", c.Queue.Driver)
	}
	return nil
}

func (c *Config) IsDev() bool { return c.Env == "dev" || c.Env == "development" }

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}
