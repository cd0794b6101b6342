package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/opd-ai/courier/lifecycle"
)

// MessageDAO implements lifecycle.DAO over a SQLite database.
type MessageDAO struct {
	db *sql.DB
}

// NewMessageDAO creates a DAO over an opened database.
func NewMessageDAO(db *sql.DB) *MessageDAO {
	return &MessageDAO{db: db}
}

const messageColumns = `id, chat_id, sender, sent_at, updated_at, status, status_at, unread, clarify, deleted, payload_blob`

func scanMessage(row interface{ Scan(...any) error }) (*lifecycle.Message, error) {
	var (
		msg                       lifecycle.Message
		id                        string
		sentAt, updatedAt, statAt int64
		status                    int
	)
	err := row.Scan(&id, &msg.ChatID, &msg.Sender, &sentAt, &updatedAt, &status,
		&statAt, &msg.Flags.Unread, &msg.Flags.Clarify, &msg.Flags.Deleted, &msg.PayloadBlob)
	if err != nil {
		return nil, err
	}
	msg.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt message id %q: %w", id, err)
	}
	msg.SentAt = time.Unix(0, sentAt)
	msg.UpdatedAt = time.Unix(0, updatedAt)
	msg.Status = lifecycle.Status(status)
	msg.StatusAt = time.Unix(0, statAt)
	return &msg, nil
}

// FetchByID loads one message, returning lifecycle.ErrNotFound when the
// id is unknown.
func (d *MessageDAO) FetchByID(ctx context.Context, id uuid.UUID) (*lifecycle.Message, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id.String())
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	return msg, err
}

// Insert persists a new message row.
func (d *MessageDAO) Insert(ctx context.Context, msg *lifecycle.Message) error {
	return d.insert(ctx, d.db, msg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *MessageDAO) insert(ctx context.Context, ex execer, msg *lifecycle.Message) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		msg.ID.String(), msg.ChatID, msg.Sender,
		msg.SentAt.UnixNano(), msg.UpdatedAt.UnixNano(),
		int(msg.Status), msg.StatusAt.UnixNano(),
		msg.Flags.Unread, msg.Flags.Clarify, msg.Flags.Deleted, msg.PayloadBlob)
	return err
}

// Upsert persists a message, replacing any existing row with the same id.
func (d *MessageDAO) Upsert(ctx context.Context, msg *lifecycle.Message) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		msg.ID.String(), msg.ChatID, msg.Sender,
		msg.SentAt.UnixNano(), msg.UpdatedAt.UnixNano(),
		int(msg.Status), msg.StatusAt.UnixNano(),
		msg.Flags.Unread, msg.Flags.Clarify, msg.Flags.Deleted, msg.PayloadBlob)
	return err
}

// UpdateStatus rewrites the status columns of an existing row.
func (d *MessageDAO) UpdateStatus(ctx context.Context, id uuid.UUID, status lifecycle.Status, at time.Time) error {
	return d.updateOne(ctx,
		`UPDATE messages SET status = ?, status_at = ?, updated_at = ? WHERE id = ?`,
		int(status), at.UnixNano(), at.UnixNano(), id.String())
}

// UpdateFlags rewrites the flag columns of an existing row.
func (d *MessageDAO) UpdateFlags(ctx context.Context, id uuid.UUID, flags lifecycle.Flags) error {
	return d.updateOne(ctx,
		`UPDATE messages SET unread = ?, clarify = ?, deleted = ? WHERE id = ?`,
		flags.Unread, flags.Clarify, flags.Deleted, id.String())
}

// UpdateSent records the server-assigned send timestamp.
func (d *MessageDAO) UpdateSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return d.updateOne(ctx,
		`UPDATE messages SET sent_at = ? WHERE id = ?`,
		sentAt.UnixNano(), id.String())
}

func (d *MessageDAO) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return lifecycle.ErrNotFound
	}
	return nil
}

// Delete removes a message row outright.
func (d *MessageDAO) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id.String())
	return err
}

// FetchUnsent lists messages waiting for the re-send sweep.
func (d *MessageDAO) FetchUnsent(ctx context.Context) ([]*lifecycle.Message, error) {
	return d.fetchWhere(ctx, `status = ?`, int(lifecycle.StatusUnsent))
}

// FetchAllMatching loads every message and filters in memory. The store
// is a single client's history, so a table scan is acceptable here.
func (d *MessageDAO) FetchAllMatching(ctx context.Context, match func(*lifecycle.Message) bool) ([]*lifecycle.Message, error) {
	all, err := d.fetchWhere(ctx, `1 = 1`)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *MessageDAO) fetchWhere(ctx context.Context, where string, args ...any) ([]*lifecycle.Message, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*lifecycle.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Chat loads a chat aggregate, returning lifecycle.ErrNotFound when the
// id is unknown.
func (d *MessageDAO) Chat(ctx context.Context, id string) (*lifecycle.Chat, error) {
	return d.chat(ctx, d.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *MessageDAO) chat(ctx context.Context, q querier, id string) (*lifecycle.Chat, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, local_alias, active_recipients, all_recipients, unread, updated, clarified, last_message_id
		 FROM chats WHERE id = ?`, id)

	var (
		chat        lifecycle.Chat
		active, all string
		lastMessage string
	)
	err := row.Scan(&chat.ID, &chat.LocalAlias, &active, &all,
		&chat.Unread, &chat.Updated, &chat.Clarified, &lastMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if chat.Active, err = decodeRecipients(active); err != nil {
		return nil, fmt.Errorf("chat %s active recipients: %w", id, err)
	}
	if chat.All, err = decodeRecipients(all); err != nil {
		return nil, fmt.Errorf("chat %s all recipients: %w", id, err)
	}
	if lastMessage != "" {
		if chat.LastMessageID, err = uuid.Parse(lastMessage); err != nil {
			return nil, fmt.Errorf("chat %s last message id: %w", id, err)
		}
	}
	return &chat, nil
}

// UpsertChat persists a chat aggregate keyed by its chat id.
func (d *MessageDAO) UpsertChat(ctx context.Context, chat *lifecycle.Chat) error {
	return d.upsertChat(ctx, d.db, chat.ID, chat)
}

func (d *MessageDAO) upsertChat(ctx context.Context, ex execer, id string, chat *lifecycle.Chat) error {
	active, err := encodeRecipients(chat.Active)
	if err != nil {
		return err
	}
	all, err := encodeRecipients(chat.All)
	if err != nil {
		return err
	}
	last := ""
	if chat.LastMessageID != uuid.Nil {
		last = chat.LastMessageID.String()
	}
	_, err = ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO chats
		 (id, local_alias, active_recipients, all_recipients, unread, updated, clarified, last_message_id)
		 VALUES (?,?,?,?,?,?,?,?)`,
		id, chat.LocalAlias, active, all,
		chat.Unread, chat.Updated, chat.Clarified, last)
	return err
}

// ApplyInbound persists the message and the chat mutation in a single
// transaction, creating the chat row on first contact.
func (d *MessageDAO) ApplyInbound(ctx context.Context, msg *lifecycle.Message, mutate lifecycle.ChatMutation) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := d.insert(ctx, tx, msg); err != nil {
		return err
	}

	chat, err := d.chat(ctx, tx, msg.ChatID)
	if errors.Is(err, lifecycle.ErrNotFound) {
		chat = lifecycle.NewChat(msg.ChatID)
	} else if err != nil {
		return err
	}
	if mutate != nil {
		mutate(chat)
	}
	if err := d.upsertChat(ctx, tx, msg.ChatID, chat); err != nil {
		return err
	}
	return tx.Commit()
}

// encodeRecipients serializes a recipient set as a sorted JSON array so
// stored rows are stable across runs.
func encodeRecipients(set mapset.Set[string]) (string, error) {
	members := set.ToSlice()
	sort.Strings(members)
	raw, err := json.Marshal(members)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeRecipients(raw string) (mapset.Set[string], error) {
	var members []string
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, err
	}
	return mapset.NewSet(members...), nil
}
