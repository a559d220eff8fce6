package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

/*
Queue is an at-least-once job queue on Redis.

Keys:
  - {key}             LIST, ready jobs (LPUSH / BLMOVE)
  - {key}:processing  LIST, jobs claimed by a worker and not yet settled
  - {key}:leases      ZSET, processing jobs, score = lease expiry unix millis
  - {key}:delayed     ZSET, jobs waiting for retry, score = due unix millis
  - {key}:dead        LIST, jobs that exhausted MaxAttempts

A claimed job leaves the processing list only through Ack, Retry or Bury.
If its worker dies first, Recover moves it back to ready once the lease
runs out.
*/
type Queue struct {
	cli  *redis.Client
	opts Options
	now  func() time.Time
}

type Options struct {
	QueueKey     string
	Workers      int
	Block        time.Duration
	MaxAttempts  int
	MaxBackoff   time.Duration
	PromoteEvery time.Duration
	// Visibility is how long a claimed job may stay unsettled before it
	// is handed to another worker.
	Visibility time.Duration
	Hooks      Hooks
}

// Hooks observe job outcomes; nil fields are skipped.
type Hooks struct {
	OnDone  func()
	OnRetry func()
	OnDead  func()
	OnDepth func(Depth)
}

func (o Options) withDefaults() Options {
	if o.QueueKey == "" {
		o.QueueKey = "chalk:jobs:distribute"
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.PromoteEvery <= 0 {
		o.PromoteEvery = time.Second
	}
	if o.Visibility <= 0 {
		o.Visibility = 2 * time.Minute
	}
	return o
}

func NewQueue(cli *redis.Client, opts Options) *Queue {
	return &Queue{cli: cli, opts: opts.withDefaults(), now: time.Now}
}

func (q *Queue) readyKey() string      { return q.opts.QueueKey }
func (q *Queue) processingKey() string { return q.opts.QueueKey + ":processing" }
func (q *Queue) leasesKey() string     { return q.opts.QueueKey + ":leases" }
func (q *Queue) delayedKey() string    { return q.opts.QueueKey + ":delayed" }
func (q *Queue) deadKey() string       { return q.opts.QueueKey + ":dead" }

// Claim is a job taken off the ready list by Pop.
type Claim struct {
	Job event.DistributionJob
	raw string
}

// requeueScript returns an expired claim to ready. The lease ZREM is the
// claim, so a job settled concurrently is never pushed twice.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[3], ARGV[1]) == 0 then return 0 end
if redis.call('LREM', KEYS[2], 1, ARGV[1]) == 0 then return 0 end
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

func (q *Queue) Enqueue(ctx context.Context, job event.DistributionJob) error {
	if !job.Valid() {
		return push.ErrInvalidArgument
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = q.now().UnixMilli()
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.cli.LPush(ctx, q.readyKey(), b).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w: %w", push.ErrBrokerUnavailable, err)
	}
	return nil
}

// Pop blocks for up to Block. ok is false on timeout. The job moves to
// the processing list and stays there until it is settled. A payload that
// does not decode is moved to the dead list and reported as an error.
func (q *Queue) Pop(ctx context.Context) (c Claim, ok bool, err error) {
	raw, err := q.cli.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", q.opts.Block).Result()
	if errors.Is(err, redis.Nil) {
		return c, false, nil
	}
	if err != nil {
		return c, false, err
	}
	c.raw = raw
	lease := redis.Z{Score: float64(q.now().Add(q.opts.Visibility).UnixMilli()), Member: raw}
	if err := q.cli.ZAdd(ctx, q.leasesKey(), lease).Err(); err != nil {
		// Recover adopts lease-less entries, so the job is not lost.
		return c, false, fmt.Errorf("lease job: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &c.Job); err != nil {
		_ = q.settle(ctx, c, func(p redis.Pipeliner) { q.pushDead(ctx, p, raw, err) })
		return c, false, fmt.Errorf("decode job: %w", err)
	}
	return c, true, nil
}

// Ack removes a finished job from the processing list.
func (q *Queue) Ack(ctx context.Context, c Claim) error {
	return q.settle(ctx, c, nil)
}

// Retry schedules the job after calcBackoff, or buries it once MaxAttempts
// is reached. It reports whether the job was buried. On error the claim is
// left in place for Recover.
func (q *Queue) Retry(ctx context.Context, c Claim, cause error) (dead bool, err error) {
	job := c.Job
	job.Attempt++
	b, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if job.Attempt >= q.opts.MaxAttempts {
		return true, q.settle(ctx, c, func(p redis.Pipeliner) { q.pushDead(ctx, p, string(b), cause) })
	}
	due := q.now().Add(calcBackoff(job.Attempt, q.opts.MaxBackoff))
	return false, q.settle(ctx, c, func(p redis.Pipeliner) {
		p.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: b})
	})
}

// Bury moves the job straight to the dead list.
func (q *Queue) Bury(ctx context.Context, c Claim, cause error) error {
	return q.settle(ctx, c, func(p redis.Pipeliner) { q.pushDead(ctx, p, c.raw, cause) })
}

// settle drops the claim and applies then in one MULTI.
func (q *Queue) settle(ctx context.Context, c Claim, then func(redis.Pipeliner)) error {
	_, err := q.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processingKey(), 1, c.raw)
		p.ZRem(ctx, q.leasesKey(), c.raw)
		if then != nil {
			then(p)
		}
		return nil
	})
	return err
}

type deadRecord struct {
	Payload  string `json:"payload"`
	Error    string `json:"error"`
	FailedAt int64  `json:"failed_at"`
}

func (q *Queue) pushDead(ctx context.Context, p redis.Pipeliner, payload string, cause error) {
	rec := deadRecord{Payload: payload, FailedAt: q.now().Unix()}
	if cause != nil {
		rec.Error = cause.Error()
	}
	b, _ := json.Marshal(rec)
	p.LPush(ctx, q.deadKey(), b)
}

// Recover hands expired claims back to the ready list. Processing entries
// without a lease (the worker died between BLMOVE and ZADD) get one first.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	inflight, err := q.cli.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(inflight) > 0 {
		expiry := float64(q.now().Add(q.opts.Visibility).UnixMilli())
		zs := make([]redis.Z, len(inflight))
		for i, m := range inflight {
			zs[i] = redis.Z{Score: expiry, Member: m}
		}
		if err := q.cli.ZAddNX(ctx, q.leasesKey(), zs...).Err(); err != nil {
			return 0, err
		}
	}

	expired, err := q.cli.ZRangeByScore(ctx, q.leasesKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	keys := []string{q.readyKey(), q.processingKey(), q.leasesKey()}
	moved := 0
	for _, m := range expired {
		n, err := requeueScript.Run(ctx, q.cli, keys, m).Int()
		if err != nil {
			return moved, err
		}
		moved += n
	}
	return moved, nil
}

// PromoteDue moves delayed jobs whose time has come back to the ready list.
// ZREM acts as the claim, so concurrent promoters never double-push.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	due, err := q.cli.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, m := range due {
		n, err := q.cli.ZRem(ctx, q.delayedKey(), m).Result()
		if err != nil {
			return moved, err
		}
		if n == 0 {
			continue
		}
		if err := q.cli.LPush(ctx, q.readyKey(), m).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

type Depth struct {
	Ready      int64
	Processing int64
	Delayed    int64
	Dead       int64
}

func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	var ready, processing, delayed, dead *redis.IntCmd
	_, err := q.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, q.readyKey())
		processing = p.LLen(ctx, q.processingKey())
		delayed = p.ZCard(ctx, q.delayedKey())
		dead = p.LLen(ctx, q.deadKey())
		return nil
	})
	if err != nil {
		return Depth{}, err
	}
	return Depth{Ready: ready.Val(), Processing: processing.Val(), Delayed: delayed.Val(), Dead: dead.Val()}, nil
}

func calcBackoff(attempt int, max time.Duration) time.Duration {
	// exponential backoff with cap: 1s, 2s, 4s ...
	if attempt <= 1 {
		return time.Second
	}
	d := time.Duration(1<<min(attempt-1, 8)) * time.Second
	if d > max {
		d = max
	}
	return d
}
