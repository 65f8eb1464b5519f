package sagalog

import "errors"

var (
	// ErrNotFound is returned by repositories when no record has the id.
	ErrNotFound = errors.New("sagalog: not found")

	// ErrInvalidTransition is returned by mutators asked for a status change
	// the state machine does not allow.
	ErrInvalidTransition = errors.New("sagalog: invalid transition")

	// ErrConflict is returned by repositories when a write would break a
	// uniqueness rule, such as two steps of one instance sharing an order.
	ErrConflict = errors.New("sagalog: conflict")

	// ErrRetriesExhausted is returned by RecordRetry once MaxRetries is used up.
	ErrRetriesExhausted = errors.New("sagalog: retries exhausted")
)
