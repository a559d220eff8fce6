package mysqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zhixiangxue/chalk-ai/pkg/msgstore"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

// Schema is applied by Migrate; every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_user (
  id         VARCHAR(64)  NOT NULL PRIMARY KEY,
  name       VARCHAR(128) NOT NULL DEFAULT '',
  created_at DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
)`,
	`CREATE TABLE IF NOT EXISTS chat_room (
  id         VARCHAR(64)  NOT NULL PRIMARY KEY,
  name       VARCHAR(128) NOT NULL DEFAULT '',
  created_at DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
)`,
	`CREATE TABLE IF NOT EXISTS chat_member (
  chat_id VARCHAR(64) NOT NULL,
  user_id VARCHAR(64) NOT NULL,
  PRIMARY KEY (chat_id, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS chat_message (
  id            VARCHAR(32)  NOT NULL PRIMARY KEY,
  chat_id       VARCHAR(64)  NOT NULL,
  sender_id     VARCHAR(64)  NOT NULL,
  content       TEXT         NOT NULL,
  kind          VARCHAR(16)  NOT NULL DEFAULT 'text',
  parent_id     VARCHAR(32)  NULL,
  mentions_json TEXT         NULL,
  created_at    DATETIME(3)  NOT NULL,
  KEY idx_chat_created (chat_id, created_at)
)`,
}

// IDGenerator is satisfied by *sonyflake.Sonyflake.
type IDGenerator interface {
	NextID() (uint64, error)
}

type Store struct {
	db  *sql.DB
	ids IDGenerator
	now func() time.Time
}

func New(db *sql.DB, ids IDGenerator) *Store {
	return &Store{db: db, ids: ids, now: time.Now}
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (msgstore.User, error) {
	var u msgstore.User
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM chat_user WHERE id=?`, id).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return u, msgstore.ErrNotFound
	}
	if err != nil {
		return u, storageErr("get user", err)
	}
	return u, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (msgstore.Message, error) {
	var (
		m        msgstore.Message
		name     sql.NullString
		parent   sql.NullString
		mentions sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT m.id, m.chat_id, m.sender_id, u.name, m.content, m.kind, m.parent_id, m.mentions_json, m.created_at
FROM chat_message m
LEFT JOIN chat_user u ON u.id = m.sender_id
WHERE m.id=?
`, id).Scan(&m.ID, &m.ChatID, &m.SenderID, &name, &m.Content, &m.Kind, &parent, &mentions, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return m, msgstore.ErrNotFound
	}
	if err != nil {
		return m, storageErr("get message", err)
	}
	m.SenderName = name.String
	m.ParentID = parent.String
	if mentions.Valid && mentions.String != "" {
		if err := json.Unmarshal([]byte(mentions.String), &m.Mentions); err != nil {
			return m, storageErr("decode mentions", err)
		}
	}
	return m, nil
}

func (s *Store) StoreMessage(ctx context.Context, d msgstore.Draft, senderID string) (msgstore.Message, error) {
	var sender msgstore.User
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM chat_user WHERE id=?`, senderID).Scan(&sender.ID, &sender.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return msgstore.Message{}, fmt.Errorf("sender %s: %w", senderID, msgstore.ErrNotFound)
	}
	if err != nil {
		return msgstore.Message{}, storageErr("get sender", err)
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM chat_room WHERE id=?`, d.ChatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return msgstore.Message{}, fmt.Errorf("chat %s: %w", d.ChatID, msgstore.ErrNotFound)
	}
	if err != nil {
		return msgstore.Message{}, storageErr("get chat", err)
	}

	parent := sql.NullString{}
	if d.ParentID != "" {
		err = s.db.QueryRowContext(ctx, `SELECT 1 FROM chat_message WHERE id=?`, d.ParentID).Scan(&one)
		switch {
		case err == nil:
			parent = sql.NullString{String: d.ParentID, Valid: true}
		case !errors.Is(err, sql.ErrNoRows):
			return msgstore.Message{}, storageErr("get parent", err)
		}
	}

	mentions := sql.NullString{}
	if len(d.Mentions) > 0 {
		b, _ := json.Marshal(d.Mentions)
		mentions = sql.NullString{String: string(b), Valid: true}
	}

	id, err := s.ids.NextID()
	if err != nil {
		return msgstore.Message{}, storageErr("next id", err)
	}
	kind := d.Kind
	if kind == "" {
		kind = msgstore.KindText
	}
	m := msgstore.Message{
		ID:         strconv.FormatUint(id, 10),
		ChatID:     d.ChatID,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Content:    d.Content,
		Kind:       kind,
		ParentID:   parent.String,
		Mentions:   d.Mentions,
		Timestamp:  s.now().UTC().Truncate(time.Millisecond),
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO chat_message (id, chat_id, sender_id, content, kind, parent_id, mentions_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, m.ID, m.ChatID, m.SenderID, m.Content, m.Kind, parent, mentions, m.Timestamp)
	if err != nil {
		return msgstore.Message{}, storageErr("insert message", err)
	}
	return m, nil
}

func (s *Store) GetChatMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id
FROM chat_member
WHERE chat_id=?
ORDER BY user_id ASC
`, chatID)
	if err != nil {
		return nil, storageErr("list members", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, storageErr("scan member", err)
		}
		out = append(out, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list members", err)
	}
	return out, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("mysql %s: %w: %w", op, push.ErrStorage, err)
}
