package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/zhixiangxue/chalk-ai/pkg/msgstore"
)

func TestStoreMessageRequiresChatAndSender(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.AddUser(msgstore.User{ID: "a", Name: "Alice"})
	s.AddChat("c1", "a", "b")

	if _, err := s.StoreMessage(ctx, msgstore.Draft{ChatID: "c1", Content: "hi"}, "nobody"); !errors.Is(err, msgstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown sender, got %v", err)
	}
	if _, err := s.StoreMessage(ctx, msgstore.Draft{ChatID: "nope", Content: "hi"}, "a"); !errors.Is(err, msgstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown chat, got %v", err)
	}

	m, err := s.StoreMessage(ctx, msgstore.Draft{ChatID: "c1", Content: "hi", ParentID: "missing"}, "a")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if m.Kind != msgstore.KindText || m.SenderName != "Alice" || m.ParentID != "" {
		t.Fatalf("unexpected message: %+v", m)
	}

	got, err := s.GetMessage(ctx, m.ID)
	if err != nil || got.Content != "hi" {
		t.Fatalf("get message: %+v %v", got, err)
	}
}

func TestGetChatMemberIDs(t *testing.T) {
	s := New()
	s.AddChat("c1", "b", "a")
	ids, err := s.GetChatMemberIDs(context.Background(), "c1")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected members: %v", ids)
	}
}
