package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/internal/metrics"
	"github.com/zhixiangxue/chalk-ai/internal/protocol"
	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/msgstore"
	"github.com/zhixiangxue/chalk-ai/pkg/store/storeiface"
)

// heartbeat refreshes presence and pings the client every interval. A
// failed ping ends the session; a failed refresh only logs.
func (s *Session) heartbeat(ctx context.Context) error {
	tk := time.NewTicker(s.m.opts.HeartbeatInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			s.refreshPresence(ctx)
			if err := s.t.Ping(ctx); err != nil {
				return err
			}
		}
	}
}

// listen forwards instant refs and notifications to the client until ctx
// ends or a write fails. A dropped subscription is re-established with
// backoff.
func (s *Session) listen(ctx context.Context) error {
	instant := s.m.d.Addr.Instant(s.userID)
	notify := s.m.d.Addr.Notification(s.userID)
	backoff := s.m.opts.ResubscribeMin

	for {
		sub, err := s.m.d.Broker.Subscribe(ctx, instant, notify)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("subscribe failed", zap.Duration("retry_in", backoff), zap.Error(err))
			if !s.sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, s.m.opts.ResubscribeMax)
			continue
		}
		backoff = s.m.opts.ResubscribeMin

		err = s.pump(ctx, sub, instant)
		_ = sub.Close()
		if err != nil || ctx.Err() != nil {
			return err
		}
		s.log.Info("subscription dropped, resubscribing")
	}
}

// pump returns nil when the subscription closes, or the write error that
// should end the session.
func (s *Session) pump(ctx context.Context, sub storeiface.Subscription, instant string) error {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ref := <-s.inbox:
			if err := s.deliver(ctx, ref); err != nil {
				return err
			}
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			if d.Channel == instant {
				var ref event.MessageRef
				if err := json.Unmarshal([]byte(d.Payload), &ref); err != nil || ref.MessageID == "" {
					s.log.Warn("drop malformed instant payload", zap.String("payload", d.Payload))
					continue
				}
				if err := s.deliver(ctx, ref); err != nil {
					return err
				}
				continue
			}
			if !json.Valid([]byte(d.Payload)) {
				s.log.Warn("drop malformed notification", zap.String("payload", d.Payload))
				continue
			}
			if err := s.t.WriteFrame(ctx, protocol.Notification([]byte(d.Payload))); err != nil {
				return err
			}
		}
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// receive reads client frames until the transport closes.
func (s *Session) receive(ctx context.Context) error {
	for {
		data, err := s.t.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		in, err := protocol.ParseInbound(data)
		if err != nil {
			metrics.FramesInvalid.Inc()
			if werr := s.t.WriteFrame(ctx, protocol.ParseError(err)); werr != nil {
				return werr
			}
			continue
		}

		switch f := in.(type) {
		case protocol.PingFrame:
			metrics.FramesIn.WithLabelValues(protocol.TypePing).Inc()
			err = s.t.WriteFrame(ctx, protocol.Pong(time.Now().UTC()))
		case protocol.ContentFrame:
			metrics.FramesIn.WithLabelValues(protocol.TypeContent).Inc()
			err = s.handleContent(ctx, f)
		}
		if err != nil {
			return err
		}
	}
}

// handleContent persists the message, hands distribution to the job queue
// and acknowledges the sender. Only a transport error is returned.
func (s *Session) handleContent(ctx context.Context, f protocol.ContentFrame) error {
	sctx, cancel := context.WithTimeout(ctx, s.m.opts.OpTimeout)
	msg, err := s.m.d.Messages.StoreMessage(sctx, f.Draft(), s.userID)
	cancel()
	if err != nil {
		metrics.StoreErrors.Inc()
		code := protocol.CodeStoreFailed
		text := "message could not be stored"
		if errors.Is(err, msgstore.ErrNotFound) {
			code = protocol.CodeNotFound
			text = "chat not found"
		}
		s.log.Warn("store message failed", zap.String("chat_id", f.ChatID), zap.Error(err))
		return s.t.WriteFrame(ctx, protocol.Error(text, code))
	}

	job := event.DistributionJob{
		MessageID:  msg.ID,
		ChatID:     msg.ChatID,
		SenderID:   s.userID,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	jctx, cancel := context.WithTimeout(ctx, s.m.opts.OpTimeout)
	err = s.m.d.Jobs.Enqueue(jctx, job)
	cancel()
	if err != nil {
		// The message is already durable; the sender still gets its ack.
		metrics.JobEnqueueErrors.Inc()
		s.log.Error("enqueue distribution job failed",
			zap.String("message_id", msg.ID), zap.String("chat_id", msg.ChatID), zap.Error(err))
	}
	return s.t.WriteFrame(ctx, protocol.Ack(msg.ID, msg.Timestamp))
}
