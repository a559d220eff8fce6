package event

import "time"

// MessageRef is the lightweight pointer carried on instant channels and
// stored in offline lists. Receivers resolve it to a full message.
// Treat this as a contract (version it when breaking changes are required).
type MessageRef struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DistributionJob asks a worker to fan one persisted message out to every
// chat member except the sender.
type DistributionJob struct {
	MessageID  string `json:"message_id"`
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"` // unix millis
}

func (j DistributionJob) Valid() bool {
	return j.MessageID != "" && j.ChatID != "" && j.SenderID != ""
}

// Notification is an out-of-band payload published on a user's
// notification channel.
type Notification struct {
	UserID  string         `json:"user_id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
	TS      int64          `json:"ts"` // unix seconds
}
