package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/courier/wire"
)

// MessageService is the RPC surface this client consumes. The wire codec
// and transport library behind it are external collaborators.
type MessageService interface {
	// Send transmits a sealed message and returns the server-assigned
	// timestamp.
	Send(ctx context.Context, msg *wire.Message) (time.Time, error)
	// Fetch pulls one waiting message by id.
	Fetch(ctx context.Context, id uuid.UUID) (*wire.Message, error)
	// Ack tells the server a message was consumed.
	Ack(ctx context.Context, id uuid.UUID, ts time.Time) error
	// FetchWaiting lists headers of messages waiting on the server.
	FetchWaiting(ctx context.Context) ([]wire.Header, error)
	// SendDirect transmits a message to a single recipient, bypassing
	// store-and-forward.
	SendDirect(ctx context.Context, msg *wire.Message, recipient string) error
	// SendUserStatus publishes a presence status to specific recipients.
	SendUserStatus(ctx context.Context, status string, recipients []string) error
	// SendGroupStatus publishes a presence status to a chat.
	SendGroupStatus(ctx context.Context, chatID, status string) error
}

// TokenSource supplies bearer tokens for authenticated calls. Refresh is
// invoked after an AuthenticationError before the call is retried.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Reachability reports whether the network is currently usable. The
// pipeline uses it to choose between Failed and Unsent on send failure.
type Reachability interface {
	Reachable() bool
}

// NetworkError is a retryable transport-level failure.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is, or wraps, a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// AuthenticationError indicates a rejected credential. It triggers a
// forced token refresh; persisting failures escalate to sign-out.
type AuthenticationError struct {
	Op string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication rejected during %s", e.Op)
}

// IsAuthenticationError reports whether err is, or wraps, an
// AuthenticationError.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
