// Package session runs one client connection from handshake to close.
//
//	CONNECTING -> VALIDATING -> ACTIVE -> CLOSING -> CLOSED
//	                  \___________(invalid user)____/
//
// An ACTIVE session owns three tasks (heartbeat, listener, receiver) in one
// errgroup. The first to fail cancels the others, and cleanup starts only
// after all three have returned.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhixiangxue/chalk-ai/internal/hub"
	"github.com/zhixiangxue/chalk-ai/internal/metrics"
	"github.com/zhixiangxue/chalk-ai/internal/protocol"
	"github.com/zhixiangxue/chalk-ai/pkg/channel"
	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/msgstore"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
	"github.com/zhixiangxue/chalk-ai/pkg/store/storeiface"
)

type State int32

const (
	Connecting State = iota
	Validating
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Validating:
		return "VALIDATING"
	case Active:
		return "ACTIVE"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Deps are the process-owned collaborators shared by every session.
type Deps struct {
	Messages msgstore.Store
	Presence storeiface.PresenceStore
	Offline  storeiface.OfflineQueue
	Broker   storeiface.Broker
	Jobs     storeiface.JobQueue
	Hub      *hub.Hub
	Addr     channel.Addresser
	Log      *zap.Logger
}

type Options struct {
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	ReplayLimit       int64
	InboxSize         int
	OpTimeout         time.Duration
	ResubscribeMin    time.Duration
	ResubscribeMax    time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 60 * time.Second
	}
	if o.ReplayLimit <= 0 {
		o.ReplayLimit = 1000
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	if o.ResubscribeMin <= 0 {
		o.ResubscribeMin = 200 * time.Millisecond
	}
	if o.ResubscribeMax <= 0 {
		o.ResubscribeMax = 10 * time.Second
	}
	return o
}

type Manager struct {
	d    Deps
	opts Options
	log  *zap.Logger
}

func NewManager(d Deps, opts Options) *Manager {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Manager{d: d, opts: opts.withDefaults(), log: d.Log}
}

// Session is one live client connection.
type Session struct {
	id     string
	userID string
	t      Transport
	m      *Manager
	log    *zap.Logger

	state    atomic.Int32
	// offerMu orders Offer against the switch to CLOSING so no ref lands
	// in inbox after it has been drained.
	offerMu  sync.RWMutex
	inbox    chan event.MessageRef
	kick     chan struct{}
	kickOnce sync.Once
	done     chan struct{}
}

func (s *Session) SessionID() string     { return s.id }
func (s *Session) UserID() string        { return s.userID }
func (s *Session) Done() <-chan struct{} { return s.done }
func (s *Session) State() State          { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("session state", zap.Stringer("state", st))
}

// Kick force-closes the session; used when a newer session supersedes it.
func (s *Session) Kick() {
	s.kickOnce.Do(func() {
		close(s.kick)
		_ = s.t.Close(protocol.CloseSuperseded, "superseded by a newer session")
	})
}

// Offer queues ref for the listener without blocking.
func (s *Session) Offer(ref event.MessageRef) bool {
	s.offerMu.RLock()
	defer s.offerMu.RUnlock()
	if s.State() != Active {
		return false
	}
	select {
	case s.inbox <- ref:
		return true
	default:
		return false
	}
}

// Serve runs the whole lifecycle for userID on t and returns once the
// session is CLOSED. A handshake rejection returns an error wrapping
// push.ErrValidation.
func (m *Manager) Serve(ctx context.Context, userID string, t Transport) error {
	id := uuid.NewString()
	s := &Session{
		id:     id,
		userID: userID,
		t:      t,
		m:      m,
		log:    m.log.With(zap.String("user_id", userID), zap.String("session_id", id)),
		inbox:  make(chan event.MessageRef, m.opts.InboxSize),
		kick:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.setState(Connecting)

	s.setState(Validating)
	if err := m.validate(ctx, userID); err != nil {
		metrics.SessionsRejected.Inc()
		s.log.Info("handshake rejected", zap.Error(err))
		_ = t.Close(protocol.CloseInvalidUser, "invalid user id")
		s.setState(Closed)
		close(s.done)
		return err
	}
	return s.run(ctx)
}

func (m *Manager) validate(ctx context.Context, userID string) error {
	if !channel.ValidUserID(userID) {
		return fmt.Errorf("user id %q: %w", userID, push.ErrValidation)
	}
	vctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()
	if _, err := m.d.Messages.GetUser(vctx, userID); err != nil {
		if !errors.Is(err, msgstore.ErrNotFound) {
			m.log.Warn("user lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return fmt.Errorf("user %s: %w: %w", userID, push.ErrValidation, err)
	}
	return nil
}

var errKicked = errors.New("session superseded")

func (s *Session) run(ctx context.Context) error {
	s.setState(Active)
	if prev := s.m.d.Hub.Register(s.userID, s); prev != nil {
		metrics.SessionsSuperseded.Inc()
		s.log.Info("superseded previous session", zap.String("prev_session_id", prev.SessionID()))
	}
	metrics.SessionsOpened.Inc()
	metrics.OnlineSessions.Set(float64(s.m.d.Hub.Len()))
	defer s.cleanup()

	s.refreshPresence(ctx)
	if err := s.t.WriteFrame(ctx, protocol.Connected(s.userID)); err != nil {
		return nil
	}
	if err := s.replay(ctx); err != nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = s.t.Close(1000, "") })
	defer stop()

	g.Go(func() error { return s.heartbeat(gctx) })
	g.Go(func() error { return s.listen(gctx) })
	g.Go(func() error { return s.receive(gctx) })
	g.Go(func() error {
		select {
		case <-s.kick:
			return errKicked
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	s.stopOffers()
	switch {
	case errors.Is(err, errKicked):
		s.log.Info("session kicked")
	case err != nil && !errors.Is(err, push.ErrTransportClosed):
		s.log.Warn("session ended", zap.Error(err))
	default:
		s.log.Debug("session ended", zap.Error(err))
	}
	return nil
}

func (s *Session) stopOffers() {
	s.offerMu.Lock()
	defer s.offerMu.Unlock()
	s.setState(Closing)
}

// cleanup runs each step on its own; a failing step never skips the rest.
func (s *Session) cleanup() {
	s.stopOffers()
	owned := false
	s.step("unregister", func() error {
		owned = s.m.d.Hub.Unregister(s.userID, s)
		return nil
	})
	s.step("requeue inbox", s.requeueInbox)
	// A superseded session leaves presence to its successor.
	if owned {
		s.step("set offline", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.OpTimeout)
			defer cancel()
			return s.m.d.Presence.SetOffline(ctx, s.userID, s.id)
		})
	}
	s.step("close transport", func() error { return s.t.Close(1000, "") })
	s.step("metrics", func() error {
		metrics.OnlineSessions.Set(float64(s.m.d.Hub.Len()))
		return nil
	})
	s.setState(Closed)
	close(s.done)
}

// requeueInbox moves refs accepted by Offer but never written to the
// offline queue, oldest first.
func (s *Session) requeueInbox() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.OpTimeout)
	defer cancel()
	var errs []error
	n := 0
	for {
		select {
		case ref := <-s.inbox:
			if err := s.m.d.Offline.Enqueue(ctx, s.userID, ref); err != nil {
				errs = append(errs, fmt.Errorf("message %s: %w", ref.MessageID, err))
				continue
			}
			n++
		default:
			if n > 0 {
				s.log.Info("undelivered refs moved to offline queue", zap.Int("count", n))
			}
			return errors.Join(errs...)
		}
	}
}

func (s *Session) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cleanup step panicked", zap.String("step", name), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("cleanup step failed", zap.String("step", name), zap.Error(err))
	}
}

func (s *Session) refreshPresence(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, s.m.opts.OpTimeout)
	defer cancel()
	if err := s.m.d.Presence.SetOnline(pctx, s.userID, s.id, s.m.opts.PresenceTTL); err != nil {
		s.log.Warn("presence refresh failed", zap.Error(err))
	}
}

// replay pushes queued refs oldest first, then clears the queue. If the
// transport fails midway the queue is kept for the next connect.
func (s *Session) replay(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.m.opts.OpTimeout)
	refs, err := s.m.d.Offline.Drain(dctx, s.userID, s.m.opts.ReplayLimit)
	cancel()
	if err != nil {
		s.log.Warn("offline drain failed, skipping replay", zap.Error(err))
		return nil
	}
	if len(refs) == 0 {
		return nil
	}

	for i := len(refs) - 1; i >= 0; i-- {
		if err := s.deliver(ctx, refs[i]); err != nil {
			return err
		}
		metrics.OfflineReplayed.Inc()
	}

	cctx, cancel := context.WithTimeout(ctx, s.m.opts.OpTimeout)
	defer cancel()
	if err := s.m.d.Offline.Clear(cctx, s.userID); err != nil {
		s.log.Warn("offline clear failed", zap.Error(err))
	}
	s.log.Info("offline replayed", zap.Int("count", len(refs)))
	return nil
}

// deliver resolves ref and writes it. Unresolvable refs are skipped; only
// a transport error is returned.
func (s *Session) deliver(ctx context.Context, ref event.MessageRef) error {
	gctx, cancel := context.WithTimeout(ctx, s.m.opts.OpTimeout)
	msg, err := s.m.d.Messages.GetMessage(gctx, ref.MessageID)
	cancel()
	if err != nil {
		s.log.Warn("skip unresolvable ref", zap.String("message_id", ref.MessageID), zap.Error(err))
		return nil
	}
	return s.t.WriteFrame(ctx, protocol.Pushed(msg))
}
