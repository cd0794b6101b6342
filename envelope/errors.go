package envelope

import (
	"errors"
	"fmt"
)

// ErrSignatureInvalid indicates an inbound envelope signature that failed
// verification even after re-resolving the sender's certificate.
var ErrSignatureInvalid = errors.New("envelope signature invalid")

// ErrNoRecipients indicates a send with no usable recipients left after
// per-recipient failures.
var ErrNoRecipients = errors.New("no valid recipients remain")

// RecipientError scopes a resolution or certificate failure to a single
// recipient; it never aborts a multi-recipient send on its own.
type RecipientError struct {
	Alias string
	Err   error
}

// Error implements the error interface.
func (e *RecipientError) Error() string {
	return fmt.Sprintf("recipient %s: %v", e.Alias, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RecipientError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed inbound message: missing envelope,
// inconsistent key/ciphertext presence, or an unverifiable signature.
// Callers log and drop; protocol errors never cross the async boundary.
type ProtocolError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
