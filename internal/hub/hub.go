package hub

import (
	"context"
	"sync"
	"time"

	"github.com/zhixiangxue/chalk-ai/pkg/delivery"
	"github.com/zhixiangxue/chalk-ai/pkg/event"
)

// Member is a live session as seen by the registry.
type Member interface {
	SessionID() string
	// Kick starts a forced close and returns immediately.
	Kick()
	// Done is closed once the session has fully stopped.
	Done() <-chan struct{}
	// Offer hands a ref to the session without blocking.
	Offer(ref event.MessageRef) bool
}

// Hub maps a user to its single live session in this process. It is not
// the system of record for presence across processes; the broker is.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]Member
	evictWait time.Duration
}

func New(evictWait time.Duration) *Hub {
	if evictWait <= 0 {
		evictWait = 5 * time.Second
	}
	return &Hub{conns: make(map[string]Member), evictWait: evictWait}
}

// Register installs m for userID. Any previous session is force-closed and
// awaited (bounded by evictWait) before Register returns it.
func (h *Hub) Register(userID string, m Member) (prev Member) {
	h.mu.Lock()
	prev = h.conns[userID]
	h.conns[userID] = m
	h.mu.Unlock()

	if prev == nil || prev == m {
		return nil
	}
	prev.Kick()
	t := time.NewTimer(h.evictWait)
	defer t.Stop()
	select {
	case <-prev.Done():
	case <-t.C:
	}
	return prev
}

// Unregister removes the entry only while it still points at m. It reports
// whether m was the registered session.
func (h *Hub) Unregister(userID string, m Member) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[userID]; ok && cur == m {
		delete(h.conns, userID)
		return true
	}
	return false
}

func (h *Hub) Lookup(userID string) (Member, bool) {
	h.mu.RLock()
	m, ok := h.conns[userID]
	h.mu.RUnlock()
	return m, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}

// DeliverLocal implements delivery.LocalSink.
func (h *Hub) DeliverLocal(userID string, ref event.MessageRef) delivery.LocalResult {
	m, ok := h.Lookup(userID)
	if !ok {
		return delivery.LocalMiss
	}
	if m.Offer(ref) {
		return delivery.LocalDelivered
	}
	return delivery.LocalFull
}

// Kick force-closes the user's session, if any.
func (h *Hub) Kick(userID string) bool {
	m, ok := h.Lookup(userID)
	if ok {
		m.Kick()
	}
	return ok
}

// KickAll closes every session and waits for them until ctx is done.
func (h *Hub) KickAll(ctx context.Context) {
	h.mu.RLock()
	all := make([]Member, 0, len(h.conns))
	for _, m := range h.conns {
		all = append(all, m)
	}
	h.mu.RUnlock()

	for _, m := range all {
		m.Kick()
	}
	for _, m := range all {
		select {
		case <-m.Done():
		case <-ctx.Done():
			return
		}
	}
}
