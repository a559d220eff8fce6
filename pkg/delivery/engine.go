package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/pkg/channel"
	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

// Route is where a single dispatch ended up.
type Route string

const (
	RouteLocal     Route = "local"
	RoutePublished Route = "published"
	RouteOffline   Route = "offline"
)

// PresenceProbe reports presence with the broker error, if any.
type PresenceProbe interface {
	Online(ctx context.Context, userID string) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

type OfflineSink interface {
	Enqueue(ctx context.Context, userID string, ref event.MessageRef) error
}

type LocalResult int

const (
	LocalMiss LocalResult = iota
	LocalDelivered
	LocalFull
)

// LocalSink hands a ref to a session living in this process.
type LocalSink interface {
	DeliverLocal(userID string, ref event.MessageRef) LocalResult
}

// CircuitBreaker guards presence checks while the broker is failing.
type CircuitBreaker interface {
	Allow(key string) bool
	Success(key string)
	Failure(key string) bool
}

// Hooks observe engine decisions; nil fields are skipped.
type Hooks struct {
	OnDispatch      func(Route)
	OnPresenceError func(error)
	OnBreakerOpen   func()
	OnBreakerDrop   func()
	OnBackpressure  func()
	OnTrim          func(int)
}

func (h Hooks) dispatched(r Route) {
	if h.OnDispatch != nil {
		h.OnDispatch(r)
	}
}

func (h Hooks) call(f func()) {
	if f != nil {
		f()
	}
}

type Options struct {
	OpTimeout time.Duration
	Breaker   CircuitBreaker
	Hooks     Hooks
	Log       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

const presenceBreakerKey = "presence"

// Engine is the fanout publisher: the single place where a recipient is
// either pushed to now or queued for replay.
type Engine struct {
	presence PresenceProbe
	pub      Publisher
	offline  OfflineSink
	addr     channel.Addresser
	local    LocalSink
	opts     Options
	log      *zap.Logger
}

func New(presence PresenceProbe, pub Publisher, offline OfflineSink, addr channel.Addresser, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		presence: presence,
		pub:      pub,
		offline:  offline,
		addr:     addr,
		opts:     opts,
		log:      opts.Log,
	}
}

// SetLocal enables the in-process fast path. Call before serving traffic.
func (e *Engine) SetLocal(l LocalSink) { e.local = l }

// Dispatch makes one push-or-queue decision for userID.
// Online users get the ref on their instant channel (or straight into a
// local session); everyone else gets an offline list entry. A publish that
// reaches no subscriber means the presence flag is stale, so the ref is
// queued instead.
func (e *Engine) Dispatch(ctx context.Context, userID string, ref event.MessageRef) (Route, error) {
	if e.online(ctx, userID) {
		if e.local != nil {
			switch e.local.DeliverLocal(userID, ref) {
			case LocalDelivered:
				e.opts.Hooks.dispatched(RouteLocal)
				return RouteLocal, nil
			case LocalFull:
				e.opts.Hooks.call(e.opts.Hooks.OnBackpressure)
			}
		}

		payload, err := json.Marshal(ref)
		if err != nil {
			return "", err
		}
		pctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
		n, err := e.pub.Publish(pctx, e.addr.Instant(userID), payload)
		cancel()
		if err != nil {
			return "", fmt.Errorf("%w: publish to %s: %w", push.ErrDistribution, userID, err)
		}
		if n > 0 {
			e.opts.Hooks.dispatched(RoutePublished)
			return RoutePublished, nil
		}
		e.log.Debug("no subscriber on instant channel, queueing offline",
			zap.String("user_id", userID), zap.String("message_id", ref.MessageID))
	}

	octx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	err := e.offline.Enqueue(octx, userID, ref)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: offline enqueue for %s: %w", push.ErrDistribution, userID, err)
	}
	e.opts.Hooks.dispatched(RouteOffline)
	return RouteOffline, nil
}

func (e *Engine) online(ctx context.Context, userID string) bool {
	brk := e.opts.Breaker
	if brk != nil && !brk.Allow(presenceBreakerKey) {
		e.opts.Hooks.call(e.opts.Hooks.OnBreakerDrop)
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	ok, err := e.presence.Online(pctx, userID)
	cancel()
	if err != nil {
		if e.opts.Hooks.OnPresenceError != nil {
			e.opts.Hooks.OnPresenceError(err)
		}
		opened := false
		if brk != nil && brk.Failure(presenceBreakerKey) {
			opened = true
			e.opts.Hooks.call(e.opts.Hooks.OnBreakerOpen)
		}
		e.log.Warn("presence check failed, treating as offline",
			zap.String("user_id", userID), zap.Bool("breaker_opened", opened), zap.Error(err))
		return false
	}
	if brk != nil {
		brk.Success(presenceBreakerKey)
	}
	return ok
}

// Notify publishes payload on the user's notification channel.
// Notifications are best effort: failures are logged and dropped.
func (e *Engine) Notify(ctx context.Context, n event.Notification) bool {
	if n.TS == 0 {
		n.TS = time.Now().Unix()
	}
	b, err := json.Marshal(n)
	if err != nil {
		e.log.Warn("notification encode failed", zap.String("user_id", n.UserID), zap.Error(err))
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	defer cancel()
	if _, err := e.pub.Publish(pctx, e.addr.Notification(n.UserID), b); err != nil {
		e.log.Warn("notification publish failed", zap.String("user_id", n.UserID), zap.Error(err))
		return false
	}
	return true
}
