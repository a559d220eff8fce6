package redisstore

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/zhixiangxue/chalk-ai/pkg/store/storeiface"
)

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.cli.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, brokerErr("publish", err)
	}
	return n, nil
}

// Subscribe holds one dedicated connection until Close. The first
// confirmation is awaited so a failed subscribe is reported here and not
// on the message channel.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (storeiface.Subscription, error) {
	ps := s.cli.Subscribe(ctx, channels...)
	rctx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := ps.Receive(rctx); err != nil {
		_ = ps.Close()
		return nil, brokerErr("subscribe", err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan storeiface.Delivery, 64),
		stop: make(chan struct{}),
	}
	go sub.pump(ps.Channel())
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan storeiface.Delivery
	stop chan struct{}
	once sync.Once
}

func (s *subscription) Messages() <-chan storeiface.Delivery { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.ps.Close()
	})
	return err
}

// pump closes out when the connection is gone, so readers can tell a dead
// subscription from an idle one.
func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- storeiface.Delivery{Channel: m.Channel, Payload: m.Payload}:
			case <-s.stop:
				return
			}
		}
	}
}
