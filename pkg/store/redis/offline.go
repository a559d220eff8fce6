package redisstore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/pkg/event"
)

// Enqueue pushes ref at the head, trims to the newest MaxKeep and refreshes
// the absolute TTL, all in one MULTI/EXEC.
func (s *Store) Enqueue(ctx context.Context, userID string, ref event.MessageRef) error {
	b, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	key := s.addr.Offline(userID)

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, b)
		p.LTrim(ctx, key, 0, s.offline.MaxKeep-1)
		p.Expire(ctx, key, s.offline.TTL)
		return nil
	})
	if err != nil {
		return brokerErr("enqueue offline", err)
	}
	return nil
}

func (s *Store) Drain(ctx context.Context, userID string, limit int64) ([]event.MessageRef, error) {
	if limit <= 0 || limit > s.offline.MaxKeep {
		limit = s.offline.MaxKeep
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	raw, err := s.cli.LRange(ctx, s.addr.Offline(userID), 0, limit-1).Result()
	if err != nil {
		return nil, brokerErr("drain offline", err)
	}

	out := make([]event.MessageRef, 0, len(raw))
	for _, r := range raw {
		var ref event.MessageRef
		if err := json.Unmarshal([]byte(r), &ref); err != nil || ref.MessageID == "" {
			s.log.Warn("skip malformed offline entry", zap.String("user_id", userID), zap.String("raw", r))
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

func (s *Store) Clear(ctx context.Context, userID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.cli.Del(ctx, s.addr.Offline(userID)).Err(); err != nil {
		return brokerErr("clear offline", err)
	}
	return nil
}

func (s *Store) Len(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.cli.LLen(ctx, s.addr.Offline(userID)).Result()
	if err != nil {
		return 0, brokerErr("len offline", err)
	}
	return n, nil
}

// TrimAll walks every offline list and trims those above MaxKeep.
// Per-key failures are logged and skipped. It returns the number of lists trimmed.
func (s *Store) TrimAll(ctx context.Context) (int, error) {
	trimmed := 0
	iter := s.cli.Scan(ctx, 0, s.addr.OfflinePattern(), 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID, ok := s.addr.UserFromOffline(key)
		if !ok {
			continue
		}
		n, err := s.cli.LLen(ctx, key).Result()
		if err != nil {
			s.log.Warn("offline trim: llen failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if n <= s.offline.MaxKeep {
			continue
		}
		if err := s.cli.LTrim(ctx, key, 0, s.offline.MaxKeep-1).Err(); err != nil {
			s.log.Warn("offline trim: ltrim failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		s.log.Debug("offline list trimmed", zap.String("user_id", userID), zap.Int64("len", n))
		trimmed++
	}
	if err := iter.Err(); err != nil {
		return trimmed, brokerErr("scan offline", err)
	}
	return trimmed, nil
}
