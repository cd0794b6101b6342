package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TimeProvider abstracts time for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

// Foreground reports whether a chat is currently on screen. Messages
// arriving into a foreground chat are not marked unread.
type Foreground interface {
	IsForeground(chatID string) bool
}

// Ledger applies status transitions and chat bookkeeping on top of the
// DAO. It is the only writer of message status; pipelines and receipt
// processors go through it.
type Ledger struct {
	mu         sync.Mutex
	dao        DAO
	time       TimeProvider
	foreground Foreground

	statusChanged      func(msg *Message, previous Status)
	notify             func(msg *Message)
	clearNotifications func(chatID string)
}

// NewLedger creates a ledger over the given DAO. foreground may be nil,
// in which case every chat counts as background.
func NewLedger(dao DAO, foreground Foreground) *Ledger {
	return &Ledger{
		dao:        dao,
		time:       realTime{},
		foreground: foreground,
	}
}

// SetTimeProvider overrides the time source, for tests.
func (l *Ledger) SetTimeProvider(tp TimeProvider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.time = tp
}

// OnStatusChanged registers a callback invoked after a persisted status
// transition. The callback runs outside the ledger lock.
func (l *Ledger) OnStatusChanged(fn func(msg *Message, previous Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statusChanged = fn
}

// OnNotify registers a callback for messages that should raise a local
// notification.
func (l *Ledger) OnNotify(fn func(msg *Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notify = fn
}

// OnClearNotifications registers a callback invoked when a view receipt
// indicates the sender's notifications for a chat are stale.
func (l *Ledger) OnClearNotifications(fn func(chatID string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearNotifications = fn
}

// BeginSend persists a fresh outbound message in Sending, or re-enters
// Sending for an Unsent or Failed retry.
func (l *Ledger) BeginSend(ctx context.Context, msg *Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.time.Now()
	existing, err := l.dao.FetchByID(ctx, msg.ID)
	if errors.Is(err, ErrNotFound) {
		msg.Status = StatusSending
		msg.StatusAt = now
		msg.UpdatedAt = now
		if err := l.dao.Insert(ctx, msg); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": "BeginSend",
			"id":       msg.ID.String(),
			"chat_id":  msg.ChatID,
		}).Info("Message entering send pipeline")
		return nil
	}
	if err != nil {
		return err
	}

	next, changed := Advance(existing.Status, StatusSending)
	if !changed {
		return &InvalidStateError{ID: msg.ID, Reason: "cannot re-send from " + existing.Status.String()}
	}
	if err := l.dao.UpdateStatus(ctx, msg.ID, next, now); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "BeginSend",
		"id":       msg.ID.String(),
		"previous": existing.Status.String(),
	}).Info("Message re-entering send pipeline")
	return nil
}

// MarkSent records server acceptance with the server-assigned timestamp.
func (l *Ledger) MarkSent(ctx context.Context, id uuid.UUID, serverTime time.Time) error {
	if err := l.transition(ctx, id, StatusSent); err != nil {
		return err
	}
	return l.dao.UpdateSent(ctx, id, serverTime)
}

// MarkFailed records a send failure. reachable selects Failed when the
// network was up and Unsent when it was down; Unsent messages are
// re-sent by the connectivity sweep without user action.
func (l *Ledger) MarkFailed(ctx context.Context, id uuid.UUID, reachable bool) error {
	target := StatusUnsent
	if reachable {
		target = StatusFailed
	}
	return l.transition(ctx, id, target)
}

// MarkDelivered processes a delivery receipt for id.
func (l *Ledger) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return l.transition(ctx, id, StatusDelivered)
}

// MarkViewed processes a view receipt for id.
func (l *Ledger) MarkViewed(ctx context.Context, id uuid.UUID) error {
	return l.transition(ctx, id, StatusViewed)
}

// transition applies Advance under the ledger lock, persisting and
// notifying only when the status actually moved.
func (l *Ledger) transition(ctx context.Context, id uuid.UUID, target Status) error {
	l.mu.Lock()
	msg, err := l.dao.FetchByID(ctx, id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	previous := msg.Status
	next, changed := Advance(previous, target)
	if !changed {
		l.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "transition",
			"id":       id.String(),
			"current":  previous.String(),
			"target":   target.String(),
		}).Debug("Status transition is a no-op")
		return nil
	}
	now := l.time.Now()
	if err := l.dao.UpdateStatus(ctx, id, next, now); err != nil {
		l.mu.Unlock()
		return err
	}
	msg.Status = next
	msg.StatusAt = now
	callback := l.statusChanged
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "transition",
		"id":       id.String(),
		"previous": previous.String(),
		"status":   next.String(),
	}).Info("Message status advanced")
	if callback != nil {
		callback(msg, previous)
	}
	return nil
}

// Tombstone marks a message deleted. The row survives as a tombstone so
// that a stale duplicate delivery of the same id is recognized and
// dropped instead of resurrecting the message. Tombstoning an unknown id
// creates the tombstone directly; repeating it is a no-op.
func (l *Ledger) Tombstone(ctx context.Context, id uuid.UUID, chatID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, err := l.dao.FetchByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		now := l.time.Now()
		tomb := &Message{
			ID:        id,
			ChatID:    chatID,
			UpdatedAt: now,
			StatusAt:  now,
			Flags:     Flags{Deleted: true},
		}
		return l.dao.Insert(ctx, tomb)
	}
	if err != nil {
		return err
	}
	if msg.Flags.Deleted {
		return nil
	}
	msg.Flags.Deleted = true
	if err := l.dao.UpdateFlags(ctx, id, msg.Flags); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Tombstone",
		"id":       id.String(),
		"chat_id":  msg.ChatID,
	}).Info("Message tombstoned")
	return nil
}

// IsTombstoned reports whether id refers to a deleted message.
func (l *Ledger) IsTombstoned(ctx context.Context, id uuid.UUID) (bool, error) {
	msg, err := l.dao.FetchByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return msg.Flags.Deleted, nil
}

// Clarify flags a message as not-understood. The chat's clarified
// counter increments only on the first transition for the message.
func (l *Ledger) Clarify(ctx context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, err := l.dao.FetchByID(ctx, id)
	if err != nil {
		return err
	}
	if msg.Flags.Clarify {
		return nil
	}
	msg.Flags.Clarify = true
	if err := l.dao.UpdateFlags(ctx, id, msg.Flags); err != nil {
		return err
	}
	chat, err := l.dao.Chat(ctx, msg.ChatID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	chat.Clarified++
	return l.dao.UpsertChat(ctx, chat)
}

// RecordInbound persists a received content message and mutates its chat
// in one transaction. Background chats gain an unread flag and counter
// bump; the last-message pointer moves only the first time this id is
// seen. A notification fires for background arrivals.
func (l *Ledger) RecordInbound(ctx context.Context, msg *Message) error {
	l.mu.Lock()

	existing, err := l.dao.FetchByID(ctx, msg.ID)
	if err == nil {
		l.mu.Unlock()
		if existing.Flags.Deleted {
			logrus.WithFields(logrus.Fields{
				"function": "RecordInbound",
				"id":       msg.ID.String(),
			}).Debug("Dropping delivery for tombstoned message")
			return nil
		}
		// Duplicate delivery of a live message; keep the stored copy.
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		l.mu.Unlock()
		return err
	}

	now := l.time.Now()
	background := l.foreground == nil || !l.foreground.IsForeground(msg.ChatID)
	msg.UpdatedAt = now
	msg.StatusAt = now
	msg.Flags.Unread = background

	err = l.dao.ApplyInbound(ctx, msg, func(chat *Chat) {
		chat.AddRecipient(msg.Sender)
		chat.Updated++
		if background {
			chat.Unread++
		}
		chat.LastMessageID = msg.ID
	})
	notify := l.notify
	l.mu.Unlock()
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "RecordInbound",
		"id":         msg.ID.String(),
		"chat_id":    msg.ChatID,
		"background": background,
	}).Info("Inbound message recorded")
	if background && notify != nil {
		notify(msg)
	}
	return nil
}

// IsChatForeground reports whether the chat is currently on screen.
func (l *Ledger) IsChatForeground(chatID string) bool {
	return l.foreground != nil && l.foreground.IsForeground(chatID)
}

// ClearChatNotifications runs the registered notification-cleanup
// callback for a chat, typically after a peer view receipt.
func (l *Ledger) ClearChatNotifications(chatID string) {
	l.mu.Lock()
	fn := l.clearNotifications
	l.mu.Unlock()
	if fn != nil {
		fn(chatID)
	}
}

// MarkChatRead clears the unread state of a chat and its messages.
func (l *Ledger) MarkChatRead(ctx context.Context, chatID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	chat, err := l.dao.Chat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Unread == 0 {
		return nil
	}
	unread, err := l.dao.FetchAllMatching(ctx, func(m *Message) bool {
		return m.ChatID == chatID && m.Flags.Unread
	})
	if err != nil {
		return err
	}
	for _, m := range unread {
		m.Flags.Unread = false
		if err := l.dao.UpdateFlags(ctx, m.ID, m.Flags); err != nil {
			return err
		}
	}
	chat.Unread = 0
	return l.dao.UpsertChat(ctx, chat)
}

// RecipientEntered adds a recipient to a chat's active set, creating the
// chat on first contact.
func (l *Ledger) RecipientEntered(ctx context.Context, chatID, alias string) error {
	return l.mutateChat(ctx, chatID, func(chat *Chat) {
		chat.AddRecipient(alias)
	})
}

// RecipientExited removes a recipient from a chat's active set. The
// historical set keeps them.
func (l *Ledger) RecipientExited(ctx context.Context, chatID, alias string) error {
	return l.mutateChat(ctx, chatID, func(chat *Chat) {
		chat.RemoveRecipient(alias)
	})
}

func (l *Ledger) mutateChat(ctx context.Context, chatID string, mutate ChatMutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	chat, err := l.dao.Chat(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		chat = NewChat(chatID)
	} else if err != nil {
		return err
	}
	mutate(chat)
	return l.dao.UpsertChat(ctx, chat)
}

// ChatRecipients returns the active recipient aliases of a chat, for
// rebuilding an outbound send.
func (l *Ledger) ChatRecipients(ctx context.Context, chatID string) ([]string, error) {
	chat, err := l.dao.Chat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return chat.Active.ToSlice(), nil
}

// Message loads one message by id.
func (l *Ledger) Message(ctx context.Context, id uuid.UUID) (*Message, error) {
	return l.dao.FetchByID(ctx, id)
}

// Unsent lists messages eligible for the re-send sweep.
func (l *Ledger) Unsent(ctx context.Context) ([]*Message, error) {
	return l.dao.FetchUnsent(ctx)
}

// Stuck lists messages still marked Sending, used by the reconciler to
// detect sends interrupted by process death.
func (l *Ledger) Stuck(ctx context.Context) ([]*Message, error) {
	return l.dao.FetchAllMatching(ctx, func(m *Message) bool {
		return m.Status == StatusSending
	})
}
