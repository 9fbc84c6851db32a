package surgery

import "errors"

var (
	// ErrValidation marks input rejected before any state changed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when no case has the requested id.
	ErrNotFound = errors.New("surgical case not found")
	// ErrPersistence wraps a failed database write. The store's view is
	// left as it was before the call.
	ErrPersistence = errors.New("persistence failure")
)
