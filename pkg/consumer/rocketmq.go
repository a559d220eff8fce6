package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
	"github.com/zhixiangxue/chalk-ai/pkg/runner"
)

// RocketMQConsumer feeds distribution jobs from a topic into a handler.
// Failed jobs are handed back to the broker with ConsumeRetryLater; the
// broker's delay levels supply the backoff and MaxReconsumeTimes the bound.
type RocketMQConsumer struct {
	cfg   push.RocketMQSettings
	c     rmq.PushConsumer
	h     runner.Handler
	hooks runner.Hooks
	log   *zap.Logger
}

func NewRocketMQ(cfg push.RocketMQSettings, h runner.Handler, hooks runner.Hooks, log *zap.Logger) (*RocketMQConsumer, error) {
	if cfg.NameServer == "" || cfg.Topic == "" || cfg.Consumer.Group == "" {
		return nil, fmt.Errorf("rocketmq consumer: name-server, topic and consumer.group required: %w", push.ErrNotConfigured)
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts := []consumer.Option{
		consumer.WithNameServer([]string{cfg.NameServer}),
		consumer.WithGroupName(cfg.Consumer.Group),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromFirstOffset),
		consumer.WithMaxReconsumeTimes(cfg.Consumer.MaxReconsumeTimes),
	}
	if cfg.Producer.AccessKey != "" || cfg.Producer.SecretKey != "" {
		opts = append(opts, consumer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.Producer.AccessKey,
			SecretKey: cfg.Producer.SecretKey,
		}))
	}
	c, err := rmq.NewPushConsumer(opts...)
	if err != nil {
		return nil, err
	}
	return &RocketMQConsumer{cfg: cfg, c: c, h: h, hooks: hooks, log: log}, nil
}

func (r *RocketMQConsumer) Start() error {
	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: "*"}
	if r.cfg.Tag != "" {
		selector.Expression = r.cfg.Tag
	}
	if err := r.c.Subscribe(r.cfg.Topic, selector, r.Consume); err != nil {
		return err
	}
	return r.c.Start()
}

func (r *RocketMQConsumer) Shutdown() error { return r.c.Shutdown() }

// Consume handles one delivery batch. A batch is retried as a whole when
// any job in it fails.
func (r *RocketMQConsumer) Consume(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	retry := false
	for _, m := range msgs {
		var job event.DistributionJob
		if err := json.Unmarshal(m.Body, &job); err != nil {
			r.log.Warn("job decode failed, dropping", zap.String("msg_id", m.MsgId), zap.Error(err))
			call(r.hooks.OnDead)
			continue
		}
		job.Attempt = int(m.ReconsumeTimes)

		err := r.h(ctx, job)
		switch {
		case err == nil:
			call(r.hooks.OnDone)
		case errors.Is(err, push.ErrInvalidArgument):
			r.log.Warn("job rejected", zap.String("message_id", job.MessageID), zap.Error(err))
			call(r.hooks.OnDead)
		case m.ReconsumeTimes+1 >= r.cfg.Consumer.MaxReconsumeTimes:
			r.log.Error("job exhausted retries", zap.String("message_id", job.MessageID), zap.Int32("reconsume", m.ReconsumeTimes), zap.Error(err))
			call(r.hooks.OnDead)
			retry = true
		default:
			r.log.Warn("job retry", zap.String("message_id", job.MessageID), zap.Int32("reconsume", m.ReconsumeTimes), zap.Error(err))
			call(r.hooks.OnRetry)
			retry = true
		}
	}
	if retry {
		return consumer.ConsumeRetryLater, nil
	}
	return consumer.ConsumeSuccess, nil
}

func call(f func()) {
	if f != nil {
		f()
	}
}
