package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the presence key only while sessionID still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// SetOnline marks userID online, owned by sessionID, for ttl.
func (s *Store) SetOnline(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.cli.Set(ctx, s.addr.Presence(userID), sessionID, ttlOrDefault(ttl)).Err(); err != nil {
		return brokerErr("set presence", err)
	}
	return nil
}

// SetOffline clears presence if sessionID still owns it; a newer session's
// record is left alone.
func (s *Store) SetOffline(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := releaseScript.Run(ctx, s.cli, []string{s.addr.Presence(userID)}, sessionID).Err(); err != nil {
		return brokerErr("release presence", err)
	}
	return nil
}

// Online is the error-reporting form of IsOnline, used where a caller
// tracks broker health (circuit breaker).
func (s *Store) Online(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.cli.Exists(ctx, s.addr.Presence(userID)).Result()
	if err != nil {
		return false, brokerErr("exists presence", err)
	}
	return n > 0, nil
}

func (s *Store) IsOnline(ctx context.Context, userID string) bool {
	ok, err := s.Online(ctx, userID)
	if err != nil {
		s.log.Warn("presence check failed, treating as offline", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}
