package groupcache

import (
	"context"
	"testing"
	"time"
)

type countingSource struct{ calls int }

func (c *countingSource) GetChatMemberIDs(context.Context, string) ([]string, error) {
	c.calls++
	return []string{"a", "b"}, nil
}

func TestMembersCachesWithinTTL(t *testing.T) {
	now := time.Unix(0, 0)
	cache := New(30 * time.Second)
	cache.now = func() time.Time { return now }
	src := &countingSource{}
	m := NewMembers(src, cache)

	for i := 0; i < 3; i++ {
		if _, err := m.GetChatMemberIDs(context.Background(), "c1"); err != nil {
			t.Fatalf("members: %v", err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected one source read, got %d", src.calls)
	}

	now = now.Add(31 * time.Second)
	_, _ = m.GetChatMemberIDs(context.Background(), "c1")
	if src.calls != 2 {
		t.Fatalf("expected refresh after ttl, got %d reads", src.calls)
	}
}

func TestZeroTTLDisablesCache(t *testing.T) {
	src := &countingSource{}
	m := NewMembers(src, New(0))
	_, _ = m.GetChatMemberIDs(context.Background(), "c1")
	_, _ = m.GetChatMemberIDs(context.Background(), "c1")
	if src.calls != 2 {
		t.Fatalf("expected every read to hit the source, got %d", src.calls)
	}
}
