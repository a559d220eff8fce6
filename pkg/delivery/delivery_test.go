package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/internal/breaker"
	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/msgstore"
	"github.com/zhixiangxue/chalk-ai/pkg/msgstore/memory"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
	redisstore "github.com/zhixiangxue/chalk-ai/pkg/store/redis"
)

type fixture struct {
	mr    *miniredis.Miniredis
	store *redisstore.Store
	msgs  *memory.Store
	eng   *Engine
	dist  *Distributor
}

func newFixture(t *testing.T, maxKeep int64) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := redisstore.New(push.Settings{
		Redis:   push.RedisSettings{Addr: mr.Addr(), OpTimeout: time.Second},
		Offline: push.OfflineSettings{MaxKeep: maxKeep, TTL: time.Hour},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	msgs := memory.New()
	msgs.AddUser(msgstore.User{ID: "a", Name: "A"})
	msgs.AddUser(msgstore.User{ID: "b", Name: "B"})
	msgs.AddUser(msgstore.User{ID: "c", Name: "C"})
	msgs.AddChat("chat", "a", "b", "c")

	eng := New(st, st, st, st.Addresser(), Options{OpTimeout: time.Second})
	return &fixture{
		mr:    mr,
		store: st,
		msgs:  msgs,
		eng:   eng,
		dist:  NewDistributor(msgs, msgs, eng, zap.NewNop()),
	}
}

func (f *fixture) send(t *testing.T, from, text string) (msgstore.Message, event.DistributionJob) {
	t.Helper()
	m, err := f.msgs.StoreMessage(context.Background(), msgstore.Draft{ChatID: "chat", Content: text}, from)
	if err != nil {
		t.Fatalf("store message: %v", err)
	}
	return m, event.DistributionJob{MessageID: m.ID, ChatID: m.ChatID, SenderID: from}
}

func TestDistributeOnlineAndOffline(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	// b online and listening, a offline
	if err := f.store.SetOnline(ctx, "b", "s-b", time.Minute); err != nil {
		t.Fatalf("set online: %v", err)
	}
	sub, err := f.store.Subscribe(ctx, f.store.Addresser().Instant("b"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	m, job := f.send(t, "c", "hello")
	res, err := f.dist.Distribute(ctx, job)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if res.Recipients != 2 || res.Routes[RoutePublished] != 1 || res.Routes[RouteOffline] != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	select {
	case d := <-sub.Messages():
		var ref event.MessageRef
		if err := json.Unmarshal([]byte(d.Payload), &ref); err != nil {
			t.Fatalf("decode push: %v", err)
		}
		if ref.MessageID != m.ID {
			t.Fatalf("pushed %s, want %s", ref.MessageID, m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("b did not receive a push")
	}
	select {
	case d := <-sub.Messages():
		t.Fatalf("unexpected second push: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}

	refs, _ := f.store.Drain(ctx, "a", 0)
	if len(refs) != 1 || refs[0].MessageID != m.ID {
		t.Fatalf("expected one offline entry for a, got %+v", refs)
	}
	if n, _ := f.store.Len(ctx, "b"); n != 0 {
		t.Fatalf("online user must not get an offline entry, got %d", n)
	}
	if n, _ := f.store.Len(ctx, "c"); n != 0 {
		t.Fatalf("sender must not get an offline entry, got %d", n)
	}
}

func TestStalePresenceFallsBackToOffline(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	// flag set but nobody subscribed, as after a crash
	_ = f.store.SetOnline(ctx, "a", "s-a", time.Minute)
	route, err := f.eng.Dispatch(ctx, "a", event.MessageRef{MessageID: "m1", ChatID: "chat"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if route != RouteOffline {
		t.Fatalf("expected offline route, got %s", route)
	}
}

func TestRedeliveredJobKeepsBound(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, job := f.send(t, "c", "one")
	for i := 0; i < 10; i++ {
		if _, err := f.dist.Distribute(ctx, job); err != nil {
			t.Fatalf("distribute #%d: %v", i, err)
		}
	}
	for _, u := range []string{"a", "b"} {
		n, _ := f.store.Len(ctx, u)
		if n > 3 {
			t.Fatalf("offline list for %s exceeds bound: %d", u, n)
		}
	}
}

func TestDistributeBrokerDownReturnsDistributionError(t *testing.T) {
	f := newFixture(t, 10)
	_, job := f.send(t, "c", "x")
	f.mr.Close()

	_, err := f.dist.Distribute(context.Background(), job)
	if !errors.Is(err, push.ErrDistribution) {
		t.Fatalf("expected ErrDistribution, got %v", err)
	}
}

func TestDistributeInvalidJob(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.dist.Distribute(context.Background(), event.DistributionJob{MessageID: "m"})
	if !errors.Is(err, push.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

type localStub struct {
	result LocalResult
	got    []string
}

func (l *localStub) DeliverLocal(userID string, _ event.MessageRef) LocalResult {
	l.got = append(l.got, userID)
	return l.result
}

func TestLocalFastPathOnlyWhenOnline(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	local := &localStub{result: LocalDelivered}
	f.eng.SetLocal(local)

	route, err := f.eng.Dispatch(ctx, "a", event.MessageRef{MessageID: "m1", ChatID: "chat"})
	if err != nil || route != RouteOffline {
		t.Fatalf("offline user must be queued even if a local session exists: %s %v", route, err)
	}
	if len(local.got) != 0 {
		t.Fatalf("local sink consulted for offline user")
	}

	_ = f.store.SetOnline(ctx, "a", "s-a", time.Minute)
	route, err = f.eng.Dispatch(ctx, "a", event.MessageRef{MessageID: "m2", ChatID: "chat"})
	if err != nil || route != RouteLocal {
		t.Fatalf("expected local route, got %s %v", route, err)
	}
}

type failingPresence struct{ calls int }

func (p *failingPresence) Online(context.Context, string) (bool, error) {
	p.calls++
	return false, errors.New("boom")
}

func TestPresenceBreakerSkipsChecks(t *testing.T) {
	f := newFixture(t, 10)
	presence := &failingPresence{}
	var opened, dropped int
	eng := New(presence, f.store, f.store, f.store.Addresser(), Options{
		Breaker: breaker.New(breaker.Options{Threshold: 2, OpenFor: time.Minute}),
		Hooks: Hooks{
			OnBreakerOpen: func() { opened++ },
			OnBreakerDrop: func() { dropped++ },
		},
	})

	for i := 0; i < 5; i++ {
		route, err := eng.Dispatch(context.Background(), "a", event.MessageRef{MessageID: "m", ChatID: "chat"})
		if err != nil || route != RouteOffline {
			t.Fatalf("dispatch %d: %s %v", i, route, err)
		}
	}
	if presence.calls != 2 || opened != 1 || dropped != 3 {
		t.Fatalf("calls=%d opened=%d dropped=%d", presence.calls, opened, dropped)
	}
}

func TestNotifyPublishesOnNotificationChannel(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	sub, err := f.store.Subscribe(ctx, f.store.Addresser().Notification("a"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if !f.eng.Notify(ctx, event.Notification{UserID: "a", Kind: "chat.joined"}) {
		t.Fatalf("notify failed")
	}
	select {
	case d := <-sub.Messages():
		var n event.Notification
		_ = json.Unmarshal([]byte(d.Payload), &n)
		if n.Kind != "chat.joined" || n.TS == 0 {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification not received")
	}
}

type trimStub struct{ n int }

func (s trimStub) TrimAll(context.Context) (int, error) { return s.n, nil }

func TestMaintenanceRunOnce(t *testing.T) {
	var got int
	m := NewMaintenance(trimStub{n: 4}, 0, Hooks{OnTrim: func(n int) { got += n }}, nil)
	if n := m.RunOnce(context.Background()); n != 4 || got != 4 {
		t.Fatalf("run once: n=%d hook=%d", n, got)
	}
}
