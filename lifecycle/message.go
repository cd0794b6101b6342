package lifecycle

import (
	"context"
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// ErrNotFound indicates a message or chat that is not persisted.
var ErrNotFound = errors.New("not found")

// InvalidStateError indicates caller misuse, such as updating a message
// that was never persisted or re-sending a message past Sent.
type InvalidStateError struct {
	ID     uuid.UUID
	Reason string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return "invalid message state for " + e.ID.String() + ": " + e.Reason
}

// Flags are the per-message boolean markers.
type Flags struct {
	// Unread is set on receipt when the owning chat is not foreground.
	Unread bool
	// Clarify is set when the peer signaled non-understanding.
	Clarify bool
	// Deleted is the tombstone: it suppresses reprocessing of stale
	// duplicate deliveries for the same id.
	Deleted bool
}

// Message is the persisted domain entity tracked by the state machine.
type Message struct {
	ID        uuid.UUID
	ChatID    string
	Sender    string
	SentAt    time.Time
	UpdatedAt time.Time
	Status    Status
	StatusAt  time.Time
	Flags     Flags
	// PayloadBlob is the blob row id of the plaintext payload, 0 when the
	// message carries none. The sweep uses it to rebuild interrupted sends.
	PayloadBlob int64
}

// Chat is the conversation aggregate.
type Chat struct {
	ID string
	// LocalAlias is the local user's alias within this chat.
	LocalAlias string
	// Active are the recipients current outbound messages target.
	Active mapset.Set[string]
	// All are the recipients that ever participated.
	All           mapset.Set[string]
	Unread        int
	Updated       int
	Clarified     int
	LastMessageID uuid.UUID
}

// NewChat creates an empty chat aggregate.
func NewChat(id string) *Chat {
	return &Chat{
		ID:     id,
		Active: mapset.NewSet[string](),
		All:    mapset.NewSet[string](),
	}
}

// AddRecipient adds a recipient to both the active and historical sets.
func (c *Chat) AddRecipient(alias string) {
	c.Active.Add(alias)
	c.All.Add(alias)
}

// RemoveRecipient removes a recipient from the active set only; the
// historical set keeps every participant.
func (c *Chat) RemoveRecipient(alias string) {
	c.Active.Remove(alias)
}

// ChatMutation adjusts a chat aggregate inside the same transaction that
// persists a message.
type ChatMutation func(*Chat)

// DAO is the persistence collaborator. The storage engine behind it is
// external; lifecycle only depends on this interface.
type DAO interface {
	FetchByID(ctx context.Context, id uuid.UUID) (*Message, error)
	Insert(ctx context.Context, msg *Message) error
	Upsert(ctx context.Context, msg *Message) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, at time.Time) error
	UpdateFlags(ctx context.Context, id uuid.UUID, flags Flags) error
	UpdateSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	FetchUnsent(ctx context.Context) ([]*Message, error)
	FetchAllMatching(ctx context.Context, match func(*Message) bool) ([]*Message, error)

	Chat(ctx context.Context, id string) (*Chat, error)
	UpsertChat(ctx context.Context, chat *Chat) error
	// ApplyInbound persists msg and applies the chat mutation in one
	// transaction, creating the chat row if needed.
	ApplyInbound(ctx context.Context, msg *Message, mutate ChatMutation) error
}
