package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memDAO is an in-memory DAO for ledger tests.
type memDAO struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*Message
	chats    map[string]*Chat
}

func newMemDAO() *memDAO {
	return &memDAO{
		messages: make(map[uuid.UUID]*Message),
		chats:    make(map[string]*Chat),
	}
}

func (d *memDAO) FetchByID(_ context.Context, id uuid.UUID) (*Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (d *memDAO) Insert(_ context.Context, msg *Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *msg
	d.messages[msg.ID] = &cp
	return nil
}

func (d *memDAO) Upsert(ctx context.Context, msg *Message) error {
	return d.Insert(ctx, msg)
}

func (d *memDAO) UpdateStatus(_ context.Context, id uuid.UUID, status Status, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	m.StatusAt = at
	m.UpdatedAt = at
	return nil
}

func (d *memDAO) UpdateFlags(_ context.Context, id uuid.UUID, flags Flags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Flags = flags
	return nil
}

func (d *memDAO) UpdateSent(_ context.Context, id uuid.UUID, sentAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.SentAt = sentAt
	return nil
}

func (d *memDAO) Delete(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.messages, id)
	return nil
}

func (d *memDAO) FetchUnsent(ctx context.Context) ([]*Message, error) {
	return d.FetchAllMatching(ctx, func(m *Message) bool {
		return m.Status == StatusUnsent
	})
}

func (d *memDAO) FetchAllMatching(_ context.Context, match func(*Message) bool) ([]*Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Message
	for _, m := range d.messages {
		if match(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *memDAO) Chat(_ context.Context, id string) (*Chat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (d *memDAO) UpsertChat(_ context.Context, chat *Chat) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats[chat.ID] = chat
	return nil
}

func (d *memDAO) ApplyInbound(_ context.Context, msg *Message, mutate ChatMutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *msg
	d.messages[msg.ID] = &cp
	chat, ok := d.chats[msg.ChatID]
	if !ok {
		chat = NewChat(msg.ChatID)
		d.chats[msg.ChatID] = chat
	}
	if mutate != nil {
		mutate(chat)
	}
	return nil
}

// fixedClock is a settable TimeProvider.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// foregroundSet reports the chats currently on screen.
type foregroundSet map[string]bool

func (f foregroundSet) IsForeground(chatID string) bool { return f[chatID] }
