// Package protocol defines the closed set of frames exchanged with clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zhixiangxue/chalk-ai/pkg/msgstore"
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
)

const (
	TypeContent      = "content"
	TypePing         = "ping"
	TypeConnected    = "connected"
	TypeAck          = "ack"
	TypeError        = "error"
	TypePushed       = "pushed"
	TypePong         = "pong"
	TypeNotification = "notification"
)

// Error codes carried on error frames.
const (
	CodeInvalidFrame = "invalid_frame"
	CodeUnknownType  = "unknown_type"
	CodeStoreFailed  = "store_failed"
	CodeNotFound     = "not_found"
)

// WebSocket close codes.
const (
	CloseInvalidUser = 4001
	CloseSuperseded  = 4000
)

// Inbound is one of ContentFrame or PingFrame.
type Inbound interface {
	inbound()
}

type ContentFrame struct {
	ChatID   string   `json:"chatId"`
	Text     string   `json:"text"`
	Ref      string   `json:"ref,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	Kind     string   `json:"kind,omitempty"`
}

type PingFrame struct{}

func (ContentFrame) inbound() {}
func (PingFrame) inbound()    {}

// Draft converts the frame into a store draft.
func (f ContentFrame) Draft() msgstore.Draft {
	kind := f.Kind
	if kind == "" {
		kind = msgstore.KindText
	}
	return msgstore.Draft{
		ChatID:   f.ChatID,
		Content:  f.Text,
		Kind:     kind,
		ParentID: f.Ref,
		Mentions: f.Mentions,
	}
}

// ParseInbound decodes a client frame. Errors wrap ErrMalformedFrame or
// ErrUnknownFrameType.
func ParseInbound(data []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch env.Type {
	case TypeContent:
		var f ContentFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if strings.TrimSpace(f.ChatID) == "" {
			return nil, fmt.Errorf("%w: chatId required", ErrMalformedFrame)
		}
		if f.Text == "" {
			return nil, fmt.Errorf("%w: text required", ErrMalformedFrame)
		}
		return f, nil
	case TypePing:
		return PingFrame{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, env.Type)
	}
}

// Outbound is any frame the server writes.
type Outbound interface {
	outbound()
}

type ConnectedFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type AckFrame struct {
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type PushedFrame struct {
	Type    string           `json:"type"`
	Message msgstore.Message `json:"message"`
}

type PongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type NotificationFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (ConnectedFrame) outbound()    {}
func (AckFrame) outbound()          {}
func (ErrorFrame) outbound()        {}
func (PushedFrame) outbound()       {}
func (PongFrame) outbound()         {}
func (NotificationFrame) outbound() {}

func Connected(userID string) ConnectedFrame {
	return ConnectedFrame{Type: TypeConnected, UserID: userID}
}

func Ack(messageID string, ts time.Time) AckFrame {
	return AckFrame{Type: TypeAck, MessageID: messageID, Timestamp: ts}
}

func Error(message, code string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message, Code: code}
}

func Pushed(m msgstore.Message) PushedFrame {
	return PushedFrame{Type: TypePushed, Message: m}
}

func Pong(ts time.Time) PongFrame {
	return PongFrame{Type: TypePong, Timestamp: ts}
}

func Notification(payload []byte) NotificationFrame {
	return NotificationFrame{Type: TypeNotification, Payload: json.RawMessage(payload)}
}

// ParseError maps a parse failure to the error frame sent back.
func ParseError(err error) ErrorFrame {
	if errors.Is(err, ErrUnknownFrameType) {
		return Error(err.Error(), CodeUnknownType)
	}
	return Error(err.Error(), CodeInvalidFrame)
}
