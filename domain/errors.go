package domain

import (
	"errors"
	"fmt"
)

// Inbox/outbox error taxonomy. Signature failures are collapsed to
// ErrUnauthorized at the HTTP boundary; the distinct sub-cause is only logged.
var (
	ErrMalformedActivity = errors.New("malformed activity")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrDuplicateActivity = errors.New("duplicate activity")
	ErrForbidden         = errors.New("forbidden")
	ErrKeyUnavailable    = errors.New("key unavailable")
	ErrNotFound          = errors.New("not found")
)

// Beacon verification failure reasons. The distinction is user-facing.
const (
	ReasonUnreachable  = "unreachable"
	ReasonCodeNotFound = "code-not-found"
)

// VerificationFailed reports why a beacon check did not match.
type VerificationFailed struct {
	Reason string
	Err    error
}

func (e *VerificationFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("beacon verification failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("beacon verification failed (%s)", e.Reason)
}

func (e *VerificationFailed) Unwrap() error {
	return e.Err
}
