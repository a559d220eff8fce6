package storeiface

import (
	"context"
	"time"

	"github.com/zhixiangxue/chalk-ai/pkg/event"
)

// PresenceStore tracks which users currently hold a live session.
// A record expires on its own unless refreshed. Each record names the
// session that wrote it, and SetOffline only removes its own.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID, sessionID string, ttl time.Duration) error
	SetOffline(ctx context.Context, userID, sessionID string) error
	// IsOnline never returns an error: broker failures read as offline.
	IsOnline(ctx context.Context, userID string) bool
}

// OfflineQueue is a bounded, expiring per-user list of message refs.
type OfflineQueue interface {
	Enqueue(ctx context.Context, userID string, ref event.MessageRef) error
	// Drain returns up to limit refs, newest first. It does not remove them.
	Drain(ctx context.Context, userID string, limit int64) ([]event.MessageRef, error)
	Clear(ctx context.Context, userID string) error
	Len(ctx context.Context, userID string) (int64, error)
}

// Subscription delivers raw payloads published on the subscribed channels.
type Subscription interface {
	Messages() <-chan Delivery
	Close() error
}

type Delivery struct {
	Channel string
	Payload string
}

// Broker is the pub/sub side of the key-value broker.
type Broker interface {
	// Publish returns the number of subscribers that received the payload.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// JobQueue carries distribution jobs between the session layer and workers.
type JobQueue interface {
	Enqueue(ctx context.Context, job event.DistributionJob) error
}
