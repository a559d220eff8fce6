package groupcache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	members []string
	exp     time.Time
}

// Cache holds chat membership lists for a short TTL so a burst of messages
// in one chat reads membership once. A zero TTL disables caching.
type Cache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]entry
	now func() time.Time
}

func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, m: make(map[string]entry), now: time.Now}
}

func (c *Cache) Get(chatID string) ([]string, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.m[chatID]
	c.mu.RUnlock()
	if !ok || c.now().After(e.exp) {
		return nil, false
	}
	return e.members, true
}

func (c *Cache) Set(chatID string, members []string) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.m[chatID] = entry{members: members, exp: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Sweep drops expired entries until ctx is done.
func (c *Cache) Sweep(ctx context.Context, every time.Duration) {
	if c == nil || c.ttl <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := c.now()
			c.mu.Lock()
			for k, e := range c.m {
				if now.After(e.exp) {
					delete(c.m, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// MemberSource is satisfied by msgstore.Store.
type MemberSource interface {
	GetChatMemberIDs(ctx context.Context, chatID string) ([]string, error)
}

// Members wraps a MemberSource with the cache.
type Members struct {
	src   MemberSource
	cache *Cache
}

func NewMembers(src MemberSource, cache *Cache) *Members {
	return &Members{src: src, cache: cache}
}

func (m *Members) GetChatMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	if ids, ok := m.cache.Get(chatID); ok {
		return ids, nil
	}
	ids, err := m.src.GetChatMemberIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	m.cache.Set(chatID, ids)
	return ids, nil
}
