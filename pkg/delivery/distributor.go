package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/msgstore"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

type MemberSource interface {
	GetChatMemberIDs(ctx context.Context, chatID string) ([]string, error)
}

type MessageSource interface {
	GetMessage(ctx context.Context, id string) (msgstore.Message, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, ref event.MessageRef) (Route, error)
}

// Result summarizes one job execution.
type Result struct {
	Recipients int
	Routes     map[Route]int
	Failed     int
}

// Distributor turns one persisted message into a dispatch per chat member.
// It only reads the message store.
type Distributor struct {
	members  MemberSource
	messages MessageSource
	fan      Dispatcher
	log      *zap.Logger
}

func NewDistributor(members MemberSource, messages MessageSource, fan Dispatcher, log *zap.Logger) *Distributor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Distributor{members: members, messages: messages, fan: fan, log: log}
}

// Distribute dispatches to every member except the sender. Every member is
// attempted once; any failure is returned wrapped in push.ErrDistribution so
// the job queue retries the whole job. Retries may push twice to members
// already served.
func (d *Distributor) Distribute(ctx context.Context, job event.DistributionJob) (Result, error) {
	res := Result{Routes: make(map[Route]int)}
	if !job.Valid() {
		return res, fmt.Errorf("distribute %+v: %w", job, push.ErrInvalidArgument)
	}

	ids, err := d.members.GetChatMemberIDs(ctx, job.ChatID)
	if err != nil {
		return res, fmt.Errorf("%w: members of %s: %w", push.ErrDistribution, job.ChatID, err)
	}
	recipients := filterOut(ids, job.SenderID)
	res.Recipients = len(recipients)
	if len(recipients) == 0 {
		return res, nil
	}

	msg, err := d.messages.GetMessage(ctx, job.MessageID)
	if err != nil {
		return res, fmt.Errorf("%w: message %s: %w", push.ErrDistribution, job.MessageID, err)
	}
	ref := event.MessageRef{MessageID: msg.ID, ChatID: msg.ChatID, Timestamp: msg.Timestamp}

	var errs []error
	for _, uid := range recipients {
		route, err := d.fan.Dispatch(ctx, uid, ref)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			d.log.Warn("dispatch failed",
				zap.String("user_id", uid), zap.String("message_id", job.MessageID), zap.Error(err))
			continue
		}
		res.Routes[route]++
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("%w: %d of %d recipients failed: %w",
			push.ErrDistribution, res.Failed, res.Recipients, errors.Join(errs...))
	}
	return res, nil
}

func filterOut(ids []string, sender string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" || id == sender {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
