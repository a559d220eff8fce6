package push

import (
	"strings"
	"time"
)

type Settings struct {
	RocketMQ RocketMQSettings `yaml:"rocketmq" json:"rocketmq"`
	Redis    RedisSettings    `yaml:"redis" json:"redis"`
	Offline  OfflineSettings  `yaml:"offline" json:"offline"`
}

type RocketMQSettings struct {
	Enabled    string           `yaml:"enabled" json:"enabled"`
	NameServer string           `yaml:"name-server" json:"nameServer"`
	Producer   RocketMQProducer `yaml:"producer" json:"producer"`
	Consumer   RocketMQConsumer `yaml:"consumer" json:"consumer"`
	Topic      string           `yaml:"topic" json:"topic"`
	Tag        string           `yaml:"tag" json:"tag"`
}

type RocketMQProducer struct {
	AccessKey string `yaml:"access-key" json:"accessKey"`
	SecretKey string `yaml:"secret-key" json:"secretKey"`
	Group     string `yaml:"group" json:"group"`
}

type RocketMQConsumer struct {
	Group             string `yaml:"group" json:"group"`
	MaxReconsumeTimes int32  `yaml:"max-reconsume-times" json:"maxReconsumeTimes"`
}

type RedisSettings struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Database     int           `yaml:"database" json:"database"`
	Password     string        `yaml:"password" json:"password"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	OpTimeout    time.Duration `yaml:"op-timeout" json:"opTimeout"`
	Prefix       string        `yaml:"prefix" json:"prefix"`
	PoolSize     int           `yaml:"pool-size" json:"poolSize"`
	MinIdleConns int           `yaml:"min-idle-conns" json:"minIdleConns"`
}

// OfflineSettings bounds every user's offline list by length and by age.
type OfflineSettings struct {
	MaxKeep int64         `yaml:"max-keep" json:"maxKeep"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
}

func (s Settings) WithDefaults() Settings {
	o := s
	o.RocketMQ.Enabled = normalizeYN(o.RocketMQ.Enabled)

	if o.RocketMQ.Consumer.MaxReconsumeTimes <= 0 {
		o.RocketMQ.Consumer.MaxReconsumeTimes = 5
	}
	if o.Redis.Addr == "" {
		o.Redis.Addr = "127.0.0.1:6379"
	}
	if o.Redis.Timeout == 0 {
		o.Redis.Timeout = 5 * time.Second
	}
	if o.Redis.OpTimeout == 0 {
		o.Redis.OpTimeout = 3 * time.Second
	}
	if o.Redis.Prefix == "" {
		o.Redis.Prefix = "chalk"
	}
	if o.Offline.MaxKeep <= 0 {
		o.Offline.MaxKeep = 1000
	}
	if o.Offline.TTL <= 0 {
		o.Offline.TTL = 30 * 24 * time.Hour
	}
	return o
}

func normalizeYN(v string) string {
	v = strings.TrimSpace(strings.ToUpper(v))
	switch v {
	case "Y", "TRUE", "1", "YES":
		return "Y"
	default:
		return "N"
	}
}
