// Package msgstore is the durable side of chat: users, chats, memberships
// and messages. The real-time core only reads it, except for the single
// StoreMessage call a session makes per inbound message.
package msgstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("msgstore: not found")

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is the full form pushed to clients.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	Kind       string    `json:"type"`
	ParentID   string    `json:"parentId,omitempty"`
	Mentions   []string  `json:"mentions,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Draft is a message as submitted by a client, before persistence.
type Draft struct {
	ChatID   string
	Content  string
	Kind     string
	ParentID string
	Mentions []string
}

const KindText = "text"

type Store interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	// StoreMessage fails with ErrNotFound when the chat or sender is unknown.
	// An unknown parent is dropped, not an error.
	StoreMessage(ctx context.Context, d Draft, senderID string) (Message, error)
	GetChatMemberIDs(ctx context.Context, chatID string) ([]string, error)
}
