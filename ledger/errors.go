/*
errors.go - Centralized error types for the tabcoin engine

ERROR CATEGORIES:
  1. NotFound - seed event or resource absent (also used for events of the
     wrong kind, so callers cannot probe which ids exist)
  2. Validation - malformed input, or a business rule such as
     "already reviewed"
  3. SerializationFailure - the database reported a write-write conflict;
     the caller must retry the whole operation
  4. Firewall - a request was refused because a firewall rule fired

Anything else is an unclassified internal error.

USAGE:
  if errors.Is(err, ledger.ErrNotFound) { ... }

  var verr *ledger.ValidationError
  if errors.As(err, &verr) && verr.Key == ledger.KeyAlreadyReviewed { ... }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound = errors.New("not found")

	ErrValidation = errors.New("validation failed")

	// ErrSerializationFailure is returned when the store aborted a transaction
	// because of a concurrent conflicting write. Retry the whole operation.
	ErrSerializationFailure = errors.New("serialization failure")

	// ErrFirewall is returned when a firewall rule refused the request.
	ErrFirewall = errors.New("blocked by firewall")
)

// Validation keys used across packages.
const (
	KeyAlreadyReviewed     = "already_reviewed"
	KeyAlreadyReversed     = "already_reversed"
	KeyInsufficientBalance = "insufficient_balance"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError describes rejected input. Key identifies the offending
// field or rule so callers can tell rules apart without parsing messages.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type SerializationFailureError struct {
	Err error
}

func (e *SerializationFailureError) Error() string {
	return fmt.Sprintf("serialization failure: %v", e.Err)
}

func (e *SerializationFailureError) Unwrap() []error { return []error{ErrSerializationFailure, e.Err} }

type FirewallError struct {
	Rule    string
	EventID string // block event written for this request, if any
}

func (e *FirewallError) Error() string {
	return fmt.Sprintf("request blocked by firewall rule %q", e.Rule)
}

func (e *FirewallError) Unwrap() error { return ErrFirewall }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsRetryable reports whether the whole operation may succeed if re-run.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerializationFailure)
}

// IsAlreadyReviewed reports the moderation idempotency rejection.
func IsAlreadyReviewed(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) && verr.Key == KeyAlreadyReviewed
}
