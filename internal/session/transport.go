package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhixiangxue/chalk-ai/internal/protocol"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

// Transport is a framed, bidirectional client connection. Writes may come
// from several goroutines; implementations serialize them.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, f protocol.Outbound) error
	Ping(ctx context.Context) error
	// Close is idempotent; only the first code is sent.
	Close(code int, reason string) error
}

type WSOptions struct {
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxFrameSize int64
}

func (o WSOptions) withDefaults() WSOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 90 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 64 << 10
	}
	return o
}

// WSTransport adapts a gorilla connection. gorilla allows one concurrent
// writer, so writes go through mu.
type WSTransport struct {
	conn *websocket.Conn
	opts WSOptions

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSTransport(conn *websocket.Conn, opts WSOptions) *WSTransport {
	opts = opts.withDefaults()
	t := &WSTransport{conn: conn, opts: opts, closed: make(chan struct{})}
	conn.SetReadLimit(opts.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	})
	return t
}

func (t *WSTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		typ, b, err := t.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", push.ErrTransportClosed, err)
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (t *WSTransport) WriteFrame(ctx context.Context, f protocol.Outbound) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return push.ErrTransportClosed
	default:
	}
	_ = t.conn.SetWriteDeadline(t.deadline(ctx))
	if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: %w", push.ErrTransportClosed, err)
	}
	return nil
}

func (t *WSTransport) Ping(ctx context.Context) error {
	if err := t.conn.WriteControl(websocket.PingMessage, nil, t.deadline(ctx)); err != nil {
		return fmt.Errorf("%w: %w", push.ErrTransportClosed, err)
	}
	return nil
}

func (t *WSTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if errors.Is(werr, websocket.ErrCloseSent) {
			werr = nil
		}
		err = errors.Join(werr, t.conn.Close())
	})
	return err
}

func (t *WSTransport) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.opts.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}
