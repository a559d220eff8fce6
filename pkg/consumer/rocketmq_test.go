package consumer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
	"github.com/zhixiangxue/chalk-ai/pkg/runner"
)

func msgExt(t *testing.T, job event.DistributionJob, reconsume int32) *primitive.MessageExt {
	t.Helper()
	b, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m := &primitive.MessageExt{ReconsumeTimes: reconsume}
	m.Body = b
	return m
}

func newTestConsumer(h runner.Handler, hooks runner.Hooks) *RocketMQConsumer {
	cfg := push.Settings{}.WithDefaults().RocketMQ
	return &RocketMQConsumer{cfg: cfg, h: h, hooks: hooks, log: zap.NewNop()}
}

var job = event.DistributionJob{MessageID: "m1", ChatID: "c1", SenderID: "u1"}

func TestConsumeSuccess(t *testing.T) {
	done := 0
	c := newTestConsumer(func(context.Context, event.DistributionJob) error { return nil },
		runner.Hooks{OnDone: func() { done++ }})

	res, err := c.Consume(context.Background(), msgExt(t, job, 0))
	if err != nil || res != consumer.ConsumeSuccess || done != 1 {
		t.Fatalf("res=%v err=%v done=%d", res, err, done)
	}
}

func TestConsumeFailureAsksForRetry(t *testing.T) {
	var attempt int
	c := newTestConsumer(func(_ context.Context, j event.DistributionJob) error {
		attempt = j.Attempt
		return push.ErrDistribution
	}, runner.Hooks{})

	res, _ := c.Consume(context.Background(), msgExt(t, job, 2))
	if res != consumer.ConsumeRetryLater {
		t.Fatalf("expected retry later, got %v", res)
	}
	if attempt != 2 {
		t.Fatalf("expected attempt from reconsume times, got %d", attempt)
	}
}

func TestConsumeDropsUndecodable(t *testing.T) {
	dead := 0
	c := newTestConsumer(func(context.Context, event.DistributionJob) error {
		t.Fatalf("handler must not run for bad payload")
		return nil
	}, runner.Hooks{OnDead: func() { dead++ }})

	m := &primitive.MessageExt{}
	m.Body = []byte("{oops")
	res, _ := c.Consume(context.Background(), m)
	if res != consumer.ConsumeSuccess || dead != 1 {
		t.Fatalf("res=%v dead=%d", res, dead)
	}
}

func TestConsumeRejectsInvalidJob(t *testing.T) {
	c := newTestConsumer(func(context.Context, event.DistributionJob) error {
		return push.ErrInvalidArgument
	}, runner.Hooks{})
	res, _ := c.Consume(context.Background(), msgExt(t, job, 0))
	if res != consumer.ConsumeSuccess {
		t.Fatalf("invalid job must not be retried, got %v", res)
	}
}
