package reminder

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown reminder id. Not retried.
	ErrNotFound = errors.New("reminder not found")

	// ErrConflict is returned when an optimistic write lost a race, or when a
	// transition was requested from a state that does not allow it. Callers
	// re-read and retry.
	ErrConflict = errors.New("reminder conflict")

	// ErrDeliveryFailed wraps transient channel errors. Retried with backoff.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrClaimExpired marks a claim whose lease lapsed. Handled by the reap,
	// never surfaced to users.
	ErrClaimExpired = errors.New("claim expired")

	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("invalid reminder")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
