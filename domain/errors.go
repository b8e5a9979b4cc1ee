package domain

import "errors"

// ErrConcurrencyConflict indicates that the underlying storage rejected
// an update because a newer version of the entity is already persisted.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ValidationError carries a user-facing message for malformed or
// out-of-range command input. It is converted into a success:false
// acknowledgement, never surfaced as a transport failure.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }
