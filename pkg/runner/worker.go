package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

// Handler runs one job. A nil error completes it; push.ErrInvalidArgument
// buries it at once; anything else is retried with backoff.
type Handler func(ctx context.Context, job event.DistributionJob) error

type Worker struct {
	q   *Queue
	h   Handler
	log *zap.Logger
}

func NewWorker(q *Queue, h Handler, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{q: q, h: h, log: log}
}

// Run starts the promoter and Workers consumer loops and blocks until ctx
// is done and every loop has returned.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("distribution worker started",
		zap.String("queue", w.q.opts.QueueKey),
		zap.Int("workers", w.q.opts.Workers),
		zap.Int("max_attempts", w.q.opts.MaxAttempts))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promote(ctx)
	}()
	for i := 0; i < w.q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) promote(ctx context.Context) {
	t := time.NewTicker(w.q.opts.PromoteEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if _, err := w.q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
		w.log.Warn("promote delayed jobs failed", zap.Error(err))
	}
	if n, err := w.q.Recover(ctx); err != nil && ctx.Err() == nil {
		w.log.Warn("recover expired jobs failed", zap.Error(err))
	} else if n > 0 {
		w.log.Warn("requeued jobs whose worker never settled them", zap.Int("count", n))
	}
	if w.q.opts.Hooks.OnDepth == nil {
		return
	}
	if d, err := w.q.Depth(ctx); err == nil {
		w.q.opts.Hooks.OnDepth(d)
	}
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c, ok, err := w.q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("job pop failed", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}
		w.Process(ctx, c)
	}
}

// Process runs the handler once and settles the claim. A claim that cannot
// be settled stays in processing and is retried after its lease.
func (w *Worker) Process(ctx context.Context, c Claim) {
	job := c.Job
	err := w.h(ctx, job)

	// the job must survive a shutdown that interrupted it
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	if err == nil {
		if aerr := w.q.Ack(rctx, c); aerr != nil {
			w.log.Warn("ack job failed", zap.String("message_id", job.MessageID), zap.Error(aerr))
		}
		call(w.q.opts.Hooks.OnDone)
		return
	}

	if errors.Is(err, push.ErrInvalidArgument) {
		if berr := w.q.Bury(rctx, c, err); berr != nil {
			w.log.Error("bury job failed", zap.String("message_id", job.MessageID), zap.Error(berr))
		}
		call(w.q.opts.Hooks.OnDead)
		w.log.Warn("job rejected", zap.String("message_id", job.MessageID), zap.Error(err))
		return
	}

	dead, rerr := w.q.Retry(rctx, c, err)
	if rerr != nil {
		w.log.Error("schedule retry failed", zap.String("message_id", job.MessageID), zap.Error(rerr))
		return
	}
	if dead {
		call(w.q.opts.Hooks.OnDead)
		w.log.Error("job exhausted retries",
			zap.String("message_id", job.MessageID), zap.Int("attempts", job.Attempt+1), zap.Error(err))
		return
	}
	call(w.q.opts.Hooks.OnRetry)
	if job.Attempt == 0 || (job.Attempt+1)%3 == 0 {
		w.log.Warn("job retry",
			zap.String("message_id", job.MessageID),
			zap.Int("attempt", job.Attempt+1),
			zap.Duration("backoff", calcBackoff(job.Attempt+1, w.q.opts.MaxBackoff)),
			zap.Error(err))
	}
}

func call(f func()) {
	if f != nil {
		f()
	}
}
