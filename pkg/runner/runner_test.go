package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	if opts.Block == 0 {
		opts.Block = 100 * time.Millisecond
	}
	return NewQueue(cli, opts)
}

var testJob = event.DistributionJob{MessageID: "m1", ChatID: "c1", SenderID: "u1"}

func TestCalcBackoff(t *testing.T) {
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 7: 60 * time.Second, 20: 60 * time.Second}
	for attempt, want := range cases {
		if got := calcBackoff(attempt, 60*time.Second); got != want {
			t.Errorf("attempt %d: got %v want %v", attempt, got, want)
		}
	}
}

func claim(t *testing.T, q *Queue) Claim {
	t.Helper()
	ctx := context.Background()
	if err := q.Enqueue(ctx, testJob); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	c, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	return c
}

func TestEnqueuePopAck(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, event.DistributionJob{MessageID: "m1"}); !errors.Is(err, push.ErrInvalidArgument) {
		t.Fatalf("expected invalid job to be rejected, got %v", err)
	}
	c := claim(t, q)
	if c.Job.MessageID != "m1" || c.Job.EnqueuedAt == 0 {
		t.Fatalf("unexpected job: %+v", c.Job)
	}
	if d, _ := q.Depth(ctx); d.Ready != 0 || d.Processing != 1 {
		t.Fatalf("claimed job should sit in processing: %+v", d)
	}

	_, ok, err := q.Pop(ctx)
	if err != nil || ok {
		t.Fatalf("expected empty pop, ok=%v err=%v", ok, err)
	}

	if err := q.Ack(ctx, c); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if d, _ := q.Depth(ctx); d != (Depth{}) {
		t.Fatalf("ack should leave nothing behind: %+v", d)
	}
}

func TestRetryPromoteAndBury(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }

	c := claim(t, q)
	dead, err := q.Retry(ctx, c, errors.New("boom"))
	if err != nil || dead {
		t.Fatalf("first retry: dead=%v err=%v", dead, err)
	}
	d, _ := q.Depth(ctx)
	if d.Delayed != 1 || d.Ready != 0 || d.Processing != 0 {
		t.Fatalf("unexpected depth: %+v", d)
	}

	if n, _ := q.PromoteDue(ctx); n != 0 {
		t.Fatalf("promoted before due: %d", n)
	}
	now = now.Add(2 * time.Second)
	if n, _ := q.PromoteDue(ctx); n != 1 {
		t.Fatalf("expected one promoted job, got %d", n)
	}

	c, ok, err := q.Pop(ctx)
	if err != nil || !ok || c.Job.Attempt != 1 {
		t.Fatalf("pop after promote: %+v ok=%v err=%v", c.Job, ok, err)
	}

	c.Job.Attempt = 2
	dead, err = q.Retry(ctx, c, errors.New("boom"))
	if err != nil || !dead {
		t.Fatalf("expected job buried on last attempt: dead=%v err=%v", dead, err)
	}
	d, _ = q.Depth(ctx)
	if d.Dead != 1 || d.Delayed != 0 || d.Processing != 0 {
		t.Fatalf("unexpected depth after bury: %+v", d)
	}
}

func TestUnsettledClaimIsRequeuedAfterLease(t *testing.T) {
	q := newTestQueue(t, Options{Visibility: time.Minute})
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }

	// the worker holding this claim dies before settling it
	lost := claim(t, q)

	if n, err := q.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("recovered a live lease: n=%d err=%v", n, err)
	}
	now = now.Add(2 * time.Minute)
	if n, err := q.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("expected expired claim requeued: n=%d err=%v", n, err)
	}
	if d, _ := q.Depth(ctx); d.Ready != 1 || d.Processing != 0 {
		t.Fatalf("unexpected depth after recover: %+v", d)
	}

	c, ok, err := q.Pop(ctx)
	if err != nil || !ok || c.Job.MessageID != lost.Job.MessageID {
		t.Fatalf("requeued job not handed out again: %+v ok=%v err=%v", c.Job, ok, err)
	}
	if err := q.Ack(ctx, c); err != nil {
		t.Fatalf("ack: %v", err)
	}
	now = now.Add(time.Hour)
	if n, _ := q.Recover(ctx); n != 0 {
		t.Fatalf("settled job requeued again: %d", n)
	}
}

func TestRecoverAdoptsClaimWithoutLease(t *testing.T) {
	q := newTestQueue(t, Options{Visibility: time.Minute})
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }

	c := claim(t, q)
	// simulate a crash between BLMOVE and the lease write
	if err := q.cli.ZRem(ctx, q.leasesKey(), c.raw).Err(); err != nil {
		t.Fatalf("zrem: %v", err)
	}

	if n, _ := q.Recover(ctx); n != 0 {
		t.Fatalf("adopted claim should get a fresh lease first, requeued %d", n)
	}
	now = now.Add(2 * time.Minute)
	if n, _ := q.Recover(ctx); n != 1 {
		t.Fatalf("expected adopted claim requeued, got %d", n)
	}
}

func TestWorkerRunsHandlerAndRetries(t *testing.T) {
	var done, retried atomic.Int32
	var depthReported atomic.Bool
	q := newTestQueue(t, Options{
		Workers:      2,
		PromoteEvery: 20 * time.Millisecond,
		Hooks: Hooks{
			OnDone:  func() { done.Add(1) },
			OnRetry: func() { retried.Add(1) },
			OnDepth: func(Depth) { depthReported.Store(true) },
		},
	})

	var calls atomic.Int32
	w := NewWorker(q, func(ctx context.Context, job event.DistributionJob) error {
		if calls.Add(1) == 1 {
			return push.ErrDistribution
		}
		return nil
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	if err := q.Enqueue(ctx, testJob); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for (done.Load() == 0 || !depthReported.Load()) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-errc

	if !depthReported.Load() {
		t.Fatalf("queue depth never reported")
	}
	if d, _ := q.Depth(context.Background()); d.Processing != 0 {
		t.Fatalf("finished job left in processing: %+v", d)
	}
	if done.Load() != 1 || retried.Load() != 1 || calls.Load() != 2 {
		t.Fatalf("done=%d retried=%d calls=%d", done.Load(), retried.Load(), calls.Load())
	}
}

func TestProcessBuriesInvalidJobs(t *testing.T) {
	var dead atomic.Int32
	q := newTestQueue(t, Options{Hooks: Hooks{OnDead: func() { dead.Add(1) }}})
	w := NewWorker(q, func(context.Context, event.DistributionJob) error {
		return push.ErrInvalidArgument
	}, nil)

	w.Process(context.Background(), claim(t, q))
	d, _ := q.Depth(context.Background())
	if d.Dead != 1 || d.Processing != 0 || dead.Load() != 1 {
		t.Fatalf("expected job buried, depth=%+v hook=%d", d, dead.Load())
	}
}
