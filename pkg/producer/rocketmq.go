package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

// RocketMQProducer publishes distribution jobs to a topic. It is the
// alternative to the Redis job queue when queue.driver is "rocketmq".
type RocketMQProducer struct {
	cfg push.RocketMQSettings
	p   rmq.Producer
}

func NewRocketMQ(cfg push.RocketMQSettings) (*RocketMQProducer, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Producer.Group),
		producer.WithRetry(2),
	}
	if cfg.Producer.AccessKey != "" || cfg.Producer.SecretKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.Producer.AccessKey,
			SecretKey: cfg.Producer.SecretKey,
		}))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &RocketMQProducer{cfg: cfg, p: prd}, nil
}

func validate(cfg push.RocketMQSettings) error {
	switch {
	case cfg.NameServer == "":
		return fmt.Errorf("rocketmq: missing name-server: %w", push.ErrNotConfigured)
	case cfg.Producer.Group == "":
		return fmt.Errorf("rocketmq: missing producer.group: %w", push.ErrNotConfigured)
	case cfg.Topic == "":
		return fmt.Errorf("rocketmq: missing topic: %w", push.ErrNotConfigured)
	}
	return nil
}

// Message builds the MQ message for job. The message id is used as the
// key so broker-side tooling can trace a job.
func Message(cfg push.RocketMQSettings, job event.DistributionJob) (*primitive.Message, error) {
	if !job.Valid() {
		return nil, push.ErrInvalidArgument
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixMilli()
	}
	b, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	m := primitive.NewMessage(cfg.Topic, b)
	m.WithKeys([]string{job.MessageID})
	if cfg.Tag != "" {
		m.WithTag(cfg.Tag)
	}
	return m, nil
}

func (r *RocketMQProducer) Enqueue(ctx context.Context, job event.DistributionJob) error {
	m, err := Message(r.cfg, job)
	if err != nil {
		return err
	}
	res, err := r.p.SendSync(ctx, m)
	if err != nil {
		return fmt.Errorf("rocketmq send: %w: %w", push.ErrBrokerUnavailable, err)
	}
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq send status=%d: %w", res.Status, push.ErrBrokerUnavailable)
	}
	return nil
}

func (r *RocketMQProducer) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}
