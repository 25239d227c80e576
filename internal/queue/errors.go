package queue

import "errors"

var (
	// ErrJobNotFound is returned when no job exists for the given identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobActive is returned when a job cannot be removed because it is
	// currently being processed.
	ErrJobActive = errors.New("job is being processed")

	// ErrDefer is returned by a handler to request redelivery after the fixed
	// defer delay without consuming a retry attempt. Used to convert lock
	// contention into backpressure rather than failure.
	ErrDefer = errors.New("delivery deferred")
)
