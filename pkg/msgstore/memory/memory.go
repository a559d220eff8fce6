// Package memory is an in-process msgstore for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhixiangxue/chalk-ai/pkg/msgstore"
)

type Store struct {
	mu       sync.RWMutex
	users    map[string]msgstore.User
	members  map[string]map[string]struct{} // chat -> users
	messages map[string]msgstore.Message
	now      func() time.Time
}

func New() *Store {
	return &Store{
		users:    make(map[string]msgstore.User),
		members:  make(map[string]map[string]struct{}),
		messages: make(map[string]msgstore.Message),
		now:      time.Now,
	}
}

func (s *Store) AddUser(u msgstore.User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// AddChat creates the chat if needed and adds members to it.
func (s *Store) AddChat(chatID string, memberIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[chatID]
	if !ok {
		m = make(map[string]struct{})
		s.members[chatID] = m
	}
	for _, id := range memberIDs {
		m[id] = struct{}{}
	}
}

func (s *Store) GetUser(_ context.Context, id string) (msgstore.User, error) {
	s.mu.RLock()
	u, ok := s.users[id]
	s.mu.RUnlock()
	if !ok {
		return msgstore.User{}, msgstore.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (msgstore.Message, error) {
	s.mu.RLock()
	m, ok := s.messages[id]
	s.mu.RUnlock()
	if !ok {
		return msgstore.Message{}, msgstore.ErrNotFound
	}
	return m, nil
}

func (s *Store) StoreMessage(_ context.Context, d msgstore.Draft, senderID string) (msgstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.users[senderID]
	if !ok {
		return msgstore.Message{}, msgstore.ErrNotFound
	}
	if _, ok := s.members[d.ChatID]; !ok {
		return msgstore.Message{}, msgstore.ErrNotFound
	}
	kind := d.Kind
	if kind == "" {
		kind = msgstore.KindText
	}
	parent := ""
	if _, ok := s.messages[d.ParentID]; ok {
		parent = d.ParentID
	}

	m := msgstore.Message{
		ID:         uuid.NewString(),
		ChatID:     d.ChatID,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Content:    d.Content,
		Kind:       kind,
		ParentID:   parent,
		Mentions:   append([]string(nil), d.Mentions...),
		Timestamp:  s.now().UTC(),
	}
	s.messages[m.ID] = m
	return m, nil
}

func (s *Store) GetChatMemberIDs(_ context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[chatID]
	if !ok {
		return nil, msgstore.ErrNotFound
	}
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
